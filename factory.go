package sqlstage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// tableOps carries the statement templates synthesized for one table from its
// descriptor entry and those of the tables it references. compileOps is a
// pure function of the bound schema; nothing here touches a database until an
// operation method is called.
//
// Operations that do not apply to a table's shape are no-ops returning nil.
type tableOps struct {
	table *Table

	insertSQL string // targets the proxy view when the table has foreign keys

	offsetTriggerName string
	offsetCreateSQL   string // bound against the main store's max rowid; "" = disabled

	dedupSelectSQL string
	dedupComp      string // rowid comparison that scopes an offset dedup
	fastAlterSQL   string
	fastInsertSQL  string

	fkColumns       []string
	fkUpdaters      map[string]fkUpdater
	fkByOrdinal     map[int]string
	proxyView       string
	proxyTrigger    string
	proxyTriggerSQL string
	tempIndices     map[string]string // name -> CREATE INDEX

	mergeSQL string

	matchAlterSQL  string
	matchCreateSQL string
	matchInsertSQL string
	matchDeleteSQL string

	fkMatchAlterSQL  string
	fkMatchCreateSQL string
	fkMatchInsertSQL string

	restoreDropSQL   string
	restoreRenameSQL string
	tempTableName    string
}

type fkUpdater struct {
	selectReferred string
	selectKey      string
	update         string
	delete         string
}

// compileOps derives every operation for t. tables must hold all bound tables
// of the schema, keyed by name.
func compileOps(t *Table, tables map[string]*Table) (*tableOps, error) {
	o := &tableOps{table: t}
	o.compileInsert()
	o.compileOffsetTrigger()
	o.compileDedup()
	if err := o.compileForeignKeyUpdate(tables); err != nil {
		return nil, err
	}
	if err := o.compileProxy(tables); err != nil {
		return nil, err
	}
	o.compileMerge()
	o.compileMatchPrimaryKeys()
	o.compileMatchForeignKeys()
	o.compileRestoreOriginal()
	return o, nil
}

func (o *tableOps) compileInsert() {
	t := o.table
	target := t.Name
	if len(t.ForeignKeys) > 0 {
		target = "proxy_" + t.Name
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.keys)), ", ")
	o.insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		target, strings.Join(t.keys, ", "), marks)
}

// insert batch-inserts records through a prepared statement. Records are
// inserted in write order; the caller owns transaction boundaries.
func (o *tableOps) insert(c *store, records []Record) error {
	stmt, err := c.conn.PrepareContext(c.ctx, o.insertSQL)
	if err != nil {
		return errors.Wrapf(err, "prepare insert into %s", o.table.Name)
	}
	defer stmt.Close()
	args := make([]any, len(o.table.keys))
	for _, rec := range records {
		for i, k := range o.table.keys {
			v, err := normalizeValue(rec[k])
			if err != nil {
				return errors.Wrapf(err, "encode %s.%s", o.table.Name, k)
			}
			args[i] = v
		}
		if _, err := stmt.ExecContext(c.ctx, args...); err != nil {
			return errors.Wrapf(err, "insert into %s", o.table.Name)
		}
	}
	return nil
}

// normalizeValue converts composite values to JSON text; scalars pass through
// and take SQLite's type affinity.
func normalizeValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, int, int64, float64, string, []byte, time.Time:
		return v, nil
	default:
		js, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(js), nil
	}
}

func (o *tableOps) compileOffsetTrigger() {
	t := o.table
	if t.Autoincrement == "" {
		return
	}
	o.offsetTriggerName = fmt.Sprintf("offset_%s_%s", t.Name, t.Autoincrement)
}

// bindOffset reads the table's pre-existing max rowid from c (the main store)
// and fixes the trigger statement against it. A zero max rowid disables the
// trigger: there is nothing to collide with.
func (o *tableOps) bindOffset(c *store) error {
	t := o.table
	if t.Autoincrement == "" {
		return nil
	}
	var maxID sql.NullInt64
	if err := c.queryRow("SELECT max(rowid) FROM " + t.Name).Scan(&maxID); err != nil {
		return errors.Wrapf(err, "bind offset for %s", t.Name)
	}
	if maxID.Int64 == 0 {
		o.offsetCreateSQL = ""
		return nil
	}
	// Fires only for the first row inserted into a freshly emptied table,
	// shifting its autoincrement value past every rowid assigned before the
	// merge; subsequent inserts continue from there on their own.
	o.offsetCreateSQL = fmt.Sprintf(
		"CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s "+
			"WHEN (SELECT max(rowid) FROM %s) == 1 BEGIN "+
			"UPDATE %s SET %s = %s + %d WHERE %s == NEW.%s; END;",
		o.offsetTriggerName, t.Name, t.Name, t.Name,
		t.Autoincrement, t.Autoincrement, maxID.Int64,
		t.Autoincrement, t.Autoincrement)
	return nil
}

func (o *tableOps) createOffsetTrigger(c *store) error {
	if o.offsetCreateSQL == "" {
		return nil
	}
	return c.exec(o.offsetCreateSQL)
}

func (o *tableOps) dropOffsetTrigger(c *store) error {
	if o.offsetTriggerName == "" {
		return nil
	}
	return c.exec("DROP TRIGGER IF EXISTS " + o.offsetTriggerName)
}

func (o *tableOps) compileDedup() {
	t := o.table
	if len(t.signature) == 0 {
		return
	}
	fn := string(t.Dedup)
	if t.Dedup == DedupMax {
		o.dedupComp = "<="
	} else {
		o.dedupComp = ">"
	}
	keys := strings.Join(t.signature, ", ")
	o.dedupSelectSQL = fmt.Sprintf("SELECT %s(rowid) FROM %s GROUP BY %s", fn, t.Name, keys)

	// Fast path: rebuild the table in one GROUP BY pass.
	all := make([]string, len(t.Columns))
	selected := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		all[i] = c.Name
		if c.Name == t.Autoincrement {
			selected[i] = fmt.Sprintf("%s(%s) AS %s", fn, c.Name, c.Name)
		} else {
			selected[i] = c.Name
		}
	}
	o.fastAlterSQL = fmt.Sprintf("ALTER TABLE %s RENAME TO temp_dedup", t.Name)
	o.fastInsertSQL = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM temp_dedup GROUP BY %s",
		t.Name, strings.Join(all, ", "), strings.Join(selected, ", "), keys)
}

// dedup deletes every row outside its signature group's extremum. A non-zero
// offset restricts the scan to rows the last merge added (for DedupMin) or to
// rows that predate it (for DedupMax, where the newest duplicate survives).
func (o *tableOps) dedup(c *store, offset int64) error {
	if o.dedupSelectSQL == "" {
		return nil
	}
	scope := ""
	if offset > 0 {
		scope = fmt.Sprintf("rowid %s %d AND ", o.dedupComp, offset)
	}
	return c.exec(fmt.Sprintf("DELETE FROM %s WHERE %srowid NOT IN (%s)",
		o.table.Name, scope, o.dedupSelectSQL))
}

// fastDedup rebuilds the table via GROUP BY when the primary key is exactly
// the autoincrement column; any other shape falls back to the per-row delete.
func (o *tableOps) fastDedup(c *store) error {
	if o.dedupSelectSQL == "" {
		return nil
	}
	t := o.table
	switch t.shape {
	case ShapePKOnly, ShapePKUnique:
		return o.dedup(c, 0)
	case ShapePKAutoinc, ShapePKUniqueAutoinc:
		if len(t.PrimaryKey) > 1 || t.PrimaryKey[0] != t.Autoincrement {
			return o.dedup(c, 0)
		}
	}
	for _, stmt := range []string{
		o.fastAlterSQL,
		t.CreateSQL(),
		o.fastInsertSQL,
		"DROP TABLE temp_dedup",
	} {
		if err := c.exec(stmt); err != nil {
			return errors.Wrapf(err, "fast dedup %s", t.Name)
		}
	}
	return nil
}

func (o *tableOps) compileForeignKeyUpdate(tables map[string]*Table) error {
	t := o.table
	if len(t.ForeignKeys) == 0 {
		return nil
	}
	o.fkUpdaters = make(map[string]fkUpdater, len(t.ForeignKeys))
	o.fkByOrdinal = make(map[int]string, len(t.ForeignKeys))
	for _, fk := range t.ForeignKeys {
		remote := tables[fk.RemoteTable]
		if remote == nil || len(remote.signature) != 1 {
			return errors.Errorf("table %s: foreign key %s needs a single-column signature on %s",
				t.Name, fk.Column, fk.RemoteTable)
		}
		sig := remote.signature[0]
		o.fkColumns = append(o.fkColumns, fk.Column)
		o.fkUpdaters[fk.Column] = fkUpdater{
			selectReferred: fmt.Sprintf("SELECT %s.%s FROM %s WHERE %s.rowid = ?",
				t.Name, fk.Column, t.Name, t.Name),
			selectKey: fmt.Sprintf("SELECT %s.%s FROM %s WHERE %s.%s == ?",
				fk.RemoteTable, fk.RemoteColumn, fk.RemoteTable, fk.RemoteTable, sig),
			update: fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s.rowid == ?",
				t.Name, fk.Column, t.Name),
			delete: fmt.Sprintf("DELETE FROM %s WHERE %s.rowid == ?", t.Name, t.Name),
		}
	}
	return nil
}

// bindForeignKeys maps the connection's foreign-key ordinal ids to local
// columns. Ordinals are what PRAGMA foreign_key_check reports, and they
// depend on the live connection's view of the schema, so this binding happens
// once per writer at startup.
func (o *tableOps) bindForeignKeys(c *store) error {
	if len(o.fkUpdaters) == 0 {
		return nil
	}
	rows, err := c.query(fmt.Sprintf("PRAGMA foreign_key_list(%s)", o.table.Name))
	if err != nil {
		return errors.Wrapf(err, "foreign_key_list %s", o.table.Name)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, seq                   int
			remote, from              string
			to                        sql.NullString
			onUpdate, onDelete, match string
		)
		if err := rows.Scan(&id, &seq, &remote, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return errors.Wrapf(err, "foreign_key_list %s", o.table.Name)
		}
		o.fkByOrdinal[id] = from
	}
	return rows.Err()
}

// updateForeignKey re-resolves one reported mismatch: look up the referencing
// column's current value, find the referenced row by signature, and write the
// corrected key. A row whose referent has vanished is deleted, never left
// dangling.
func (o *tableOps) updateForeignKey(c *store, fkid int, rowid int64) error {
	col, ok := o.fkByOrdinal[fkid]
	if !ok {
		return errors.Errorf("table %s: unknown foreign key ordinal %d", o.table.Name, fkid)
	}
	u := o.fkUpdaters[col]
	deleteRow := func() error { return c.exec(u.delete, rowid) }

	var referred any
	err := c.queryRow(u.selectReferred, rowid).Scan(&referred)
	if err == sql.ErrNoRows {
		return nil // row already gone
	}
	if err != nil {
		return errors.Wrapf(err, "resolve %s.%s", o.table.Name, col)
	}
	var key any
	err = c.queryRow(u.selectKey, referred).Scan(&key)
	if err == sql.ErrNoRows {
		return deleteRow()
	}
	if err != nil {
		return errors.Wrapf(err, "resolve %s.%s", o.table.Name, col)
	}
	if err := c.exec(u.update, key, rowid); err != nil {
		if isConstraintErr(err) {
			return deleteRow()
		}
		return errors.Wrapf(err, "update %s.%s", o.table.Name, col)
	}
	return nil
}

func (o *tableOps) compileProxy(tables map[string]*Table) error {
	t := o.table
	if len(t.ForeignKeys) == 0 {
		return nil
	}
	o.proxyView = "proxy_" + t.Name
	o.proxyTrigger = "foreign_cascade_" + t.Name
	o.tempIndices = make(map[string]string)

	subqueries := make(map[string]string, len(t.keys))
	for _, fk := range t.ForeignKeys {
		remote := tables[fk.RemoteTable]
		if remote == nil || len(remote.signature) != 1 {
			return errors.Errorf("table %s: foreign key %s needs a single-column signature on %s",
				t.Name, fk.Column, fk.RemoteTable)
		}
		sig := remote.signature[0]
		// Rewrite the inserted value to the already-existing matching row if
		// one exists; keep the inserted value otherwise so it can be resolved
		// later, once the referenced row has been flushed.
		subqueries[fk.Column] = fmt.Sprintf(
			"coalesce((SELECT %s.%s FROM %s WHERE %s.%s == NEW.%s ORDER BY rowid LIMIT 1), NEW.%s)",
			fk.RemoteTable, fk.RemoteColumn, fk.RemoteTable,
			fk.RemoteTable, sig, fk.Column, fk.Column)
		ixName := fmt.Sprintf("tmp_ix_%s_%s", fk.RemoteTable, sig)
		o.tempIndices[ixName] = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			ixName, fk.RemoteTable, sig)
	}
	selects := make([]string, len(t.keys))
	for i, k := range t.keys {
		if sub, ok := subqueries[k]; ok {
			selects[i] = sub
		} else {
			selects[i] = "NEW." + k
		}
	}
	o.proxyTriggerSQL = fmt.Sprintf(
		"CREATE TRIGGER IF NOT EXISTS %s INSTEAD OF INSERT ON %s BEGIN "+
			"INSERT INTO %s (%s) VALUES (%s); END;",
		o.proxyTrigger, o.proxyView, t.Name,
		strings.Join(t.keys, ", "), strings.Join(selects, ", "))
	return nil
}

func (o *tableOps) createProxy(c *store) error {
	if o.proxyView == "" {
		return nil
	}
	stmts := []string{
		fmt.Sprintf("CREATE VIEW IF NOT EXISTS %s AS SELECT * FROM %s", o.proxyView, o.table.Name),
		o.proxyTriggerSQL,
	}
	for _, create := range o.tempIndices {
		stmts = append(stmts, create)
	}
	for _, stmt := range stmts {
		if err := c.exec(stmt); err != nil {
			return errors.Wrapf(err, "create proxy for %s", o.table.Name)
		}
	}
	return nil
}

func (o *tableOps) dropProxy(c *store) error {
	if o.proxyView == "" {
		return nil
	}
	if err := c.exec("DROP TRIGGER IF EXISTS " + o.proxyTrigger); err != nil {
		return err
	}
	return c.exec("DROP VIEW IF EXISTS " + o.proxyView)
}

func (o *tableOps) dropTempIndices(c *store) error {
	for name := range o.tempIndices {
		if err := c.exec("DROP INDEX IF EXISTS " + name); err != nil {
			return err
		}
	}
	return nil
}

func (o *tableOps) compileMerge() {
	t := o.table
	// Foreign-key matching strips the autoincrement column from the rebuilt
	// secondary table's insertable set; primary-key matching preserves and
	// remaps ids, which referencing tables rely on.
	cols := t.keys
	if len(t.ForeignKeys) == 0 {
		cols = make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = c.Name
		}
	}
	names := strings.Join(cols, ", ")
	o.mergeSQL = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM secondary.%s",
		t.Name, names, names, t.Name)
}

func (o *tableOps) mergeAttached(c *store) error {
	return c.exec(o.mergeSQL)
}

func (o *tableOps) compileMatchPrimaryKeys() {
	t := o.table
	if len(t.ForeignKeys) > 0 || len(t.PrimaryKey) == 0 || len(t.signature) == 0 {
		return
	}
	mainAlias := "main_" + t.Name
	tempName := "original_" + t.Name
	secondary := "secondary." + t.Name
	tempTable := "secondary." + tempName
	autoinc := t.Autoincrement

	isPK := make(map[string]bool, len(t.PrimaryKey))
	for _, c := range t.PrimaryKey {
		isPK[c] = true
	}
	var varCols, constCols []string
	for _, c := range t.Columns {
		switch {
		case c.Name == autoinc:
		case isPK[c.Name]:
			varCols = append(varCols, c.Name)
		default:
			constCols = append(constCols, c.Name)
		}
	}

	var columns, createCols, selectCols, deleteWhere []string
	for _, c := range constCols {
		columns = append(columns, c)
		createCols = append(createCols, c+" BLOB")
		selectCols = append(selectCols, fmt.Sprintf("%s.%s AS %s", tempTable, c, c))
	}
	for _, c := range varCols {
		columns = append(columns, c)
		createCols = append(createCols, c+" INTEGER")
		selectCols = append(selectCols, fmt.Sprintf("coalesce(%s.%s, %s.%s) AS %s",
			mainAlias, c, tempTable, c, c))
	}
	for _, c := range varCols {
		columns = append(columns, "_"+c+"_")
		createCols = append(createCols, "_"+c+"_ INTEGER")
		selectCols = append(selectCols, fmt.Sprintf("%s.%s AS _%s_", tempTable, c, c))
	}
	for _, c := range varCols {
		columns = append(columns, "exists_"+c)
		createCols = append(createCols, "exists_"+c+" INTEGER")
		selectCols = append(selectCols, fmt.Sprintf("%s.%s AS exists_%s", mainAlias, c, c))
		deleteWhere = append(deleteWhere, "exists_"+c+" IS NOT NULL")
	}
	if autoinc != "" {
		columns = append(columns, autoinc, "_"+autoinc+"_", "exists_"+autoinc)
		createCols = append(createCols,
			autoinc+" INTEGER", "_"+autoinc+"_ INTEGER", "exists_"+autoinc+" INTEGER")
		selectCols = append(selectCols,
			// Merged identity: main's id when the signatures match, else the
			// secondary id offset past main's max rowid.
			fmt.Sprintf("coalesce(%s.%s, %s.%s + ?) AS %s", mainAlias, autoinc, tempTable, autoinc, autoinc),
			fmt.Sprintf("%s.%s AS _%s_", tempTable, autoinc, autoinc),
			fmt.Sprintf("%s.%s AS exists_%s", mainAlias, autoinc, autoinc))
		deleteWhere = append(deleteWhere, "exists_"+autoinc+" IS NOT NULL")
	}

	joins := make([]string, len(t.signature))
	for i, c := range t.signature {
		joins[i] = fmt.Sprintf("%s.%s == %s.%s", mainAlias, c, tempTable, c)
	}

	o.matchAlterSQL = fmt.Sprintf("ALTER TABLE %s RENAME TO %s", secondary, tempName)
	o.matchCreateSQL = fmt.Sprintf("CREATE TABLE %s (%s)", secondary, strings.Join(createCols, ", "))
	o.matchInsertSQL = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s LEFT JOIN %s AS %s ON %s",
		secondary, strings.Join(columns, ", "), strings.Join(selectCols, ", "),
		tempTable, t.Name, mainAlias, strings.Join(joins, " AND "))
	o.matchDeleteSQL = fmt.Sprintf("DELETE FROM %s WHERE %s",
		secondary, strings.Join(deleteWhere, " OR "))
}

// matchPrimaryKeys rebuilds the attached secondary's table, left-joining each
// row against main on the signature, producing merged identity columns, the
// original ids, and existence flags.
func (o *tableOps) matchPrimaryKeys(c *store) error {
	if o.matchInsertSQL == "" {
		return nil
	}
	var args []any
	if o.table.Autoincrement != "" {
		var maxID sql.NullInt64
		if err := c.queryRow("SELECT max(rowid) FROM " + o.table.Name).Scan(&maxID); err != nil {
			return errors.Wrapf(err, "match %s", o.table.Name)
		}
		args = append(args, maxID.Int64)
	}
	for _, stmt := range []string{o.matchAlterSQL, o.matchCreateSQL} {
		if err := c.exec(stmt); err != nil {
			return errors.Wrapf(err, "match %s", o.table.Name)
		}
	}
	if err := c.exec(o.matchInsertSQL, args...); err != nil {
		return errors.Wrapf(err, "match %s", o.table.Name)
	}
	return nil
}

// dedupPrimaryKeys discards secondary rows whose identity already exists in
// main; their ids have been recorded for foreign-key remapping.
func (o *tableOps) dedupPrimaryKeys(c *store) error {
	if o.matchDeleteSQL == "" {
		return nil
	}
	return c.exec(o.matchDeleteSQL)
}

func (o *tableOps) compileMatchForeignKeys() {
	t := o.table
	if len(t.ForeignKeys) == 0 {
		return
	}
	tempName := "original_" + t.Name
	secondary := "secondary." + t.Name
	tempTable := "secondary." + tempName
	autoinc := t.Autoincrement

	var columns, createCols, selectCols, joins []string
	isLocal := make(map[string]bool, len(t.ForeignKeys))
	for _, fk := range t.ForeignKeys {
		isLocal[fk.Column] = true
		alias := fmt.Sprintf("lc_%s_rm_%s_%s", fk.Column, fk.RemoteTable, fk.RemoteColumn)
		columns = append(columns, fk.Column)
		createCols = append(createCols, fk.Column+" INTEGER")
		selectCols = append(selectCols, fmt.Sprintf("%s.%s AS %s", alias, fk.RemoteColumn, fk.Column))
		// Join on the referenced table's pre-match original id to pick up the
		// remapped id its own matching pass produced.
		joins = append(joins, fmt.Sprintf("LEFT JOIN secondary.%s AS %s ON %s._%s_ == %s.%s",
			fk.RemoteTable, alias, alias, fk.RemoteColumn, tempTable, fk.Column))
	}
	for _, c := range t.Columns {
		if c.Name == autoinc || isLocal[c.Name] {
			continue
		}
		columns = append(columns, c.Name)
		createCols = append(createCols, c.Name+" BLOB")
		selectCols = append(selectCols, fmt.Sprintf("%s.%s AS %s", tempTable, c.Name, c.Name))
	}
	if autoinc != "" {
		columns = append(columns, autoinc)
		createCols = append(createCols, autoinc+" INTEGER")
		selectCols = append(selectCols, fmt.Sprintf("%s.%s + ? AS %s", tempTable, autoinc, autoinc))
	}

	o.fkMatchAlterSQL = fmt.Sprintf("ALTER TABLE %s RENAME TO %s", secondary, tempName)
	o.fkMatchCreateSQL = fmt.Sprintf("CREATE TABLE %s (%s)", secondary, strings.Join(createCols, ", "))
	o.fkMatchInsertSQL = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s %s",
		secondary, strings.Join(columns, ", "), strings.Join(selectCols, ", "),
		tempTable, strings.Join(joins, " "))
}

// matchForeignKeys rebuilds the dependent secondary table, replacing each
// foreign-key column with the remapped id produced by the referenced table's
// primary-key matching pass.
func (o *tableOps) matchForeignKeys(c *store) error {
	if o.fkMatchInsertSQL == "" {
		return nil
	}
	var args []any
	if o.table.Autoincrement != "" {
		var maxID sql.NullInt64
		if err := c.queryRow("SELECT max(rowid) FROM " + o.table.Name).Scan(&maxID); err != nil {
			return errors.Wrapf(err, "match foreign keys of %s", o.table.Name)
		}
		args = append(args, maxID.Int64)
	}
	for _, stmt := range []string{o.fkMatchAlterSQL, o.fkMatchCreateSQL} {
		if err := c.exec(stmt); err != nil {
			return errors.Wrapf(err, "match foreign keys of %s", o.table.Name)
		}
	}
	if err := c.exec(o.fkMatchInsertSQL, args...); err != nil {
		return errors.Wrapf(err, "match foreign keys of %s", o.table.Name)
	}
	return nil
}

func (o *tableOps) compileRestoreOriginal() {
	t := o.table
	o.tempTableName = "original_" + t.Name
	o.restoreDropSQL = "DROP TABLE " + t.Name
	o.restoreRenameSQL = fmt.Sprintf("ALTER TABLE %s RENAME TO %s", o.tempTableName, t.Name)
}

// restoreOriginal undoes an interrupted match: if the temp-shadowed table is
// still present, the half-built replacement is dropped and the original
// renamed back, so a retried merge starts from a clean state.
func (o *tableOps) restoreOriginal(c *store) error {
	var name string
	err := c.queryRow(tableExists, o.tempTableName).Scan(&name)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "restore %s", o.table.Name)
	}
	if err := c.exec(o.restoreDropSQL); err != nil {
		return err
	}
	return c.exec(o.restoreRenameSQL)
}
