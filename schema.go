package sqlstage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	versionTable  = "__version__"
	versionCreate = "CREATE TABLE IF NOT EXISTS __version__ (version TEXT NOT NULL, PRIMARY KEY (version))"
	// The marker table is keyed by the version string itself, so replacing it
	// means clearing the table first; INSERT OR REPLACE alone would keep the
	// previous version as a second row.
	versionClear  = "DELETE FROM __version__"
	versionInsert = "INSERT INTO __version__ (version) VALUES (?)"
	lockCreate    = "CREATE TABLE IF NOT EXISTS lock (locked INTEGER)"
	lockDrop      = "DROP TABLE IF EXISTS lock"
	tableExists   = "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?"
)

// Bind validates the schema and derives per-table metadata and operations.
// It must be called exactly once before the schema is used; a Schema is
// read-only afterwards and may be shared between writers.
//
// Bind fails fast on structural problems: unknown columns in constraints,
// foreign keys referencing undeclared or later-declared tables (declaration
// order must be topological), and foreign keys whose remote table does not
// have a single-column signature.
func (s *Schema) Bind() error {
	if s.Version == "" {
		return errors.New("schema has no version")
	}
	s.tablemap = make(map[string]*Table, len(s.Tables))
	for i, t := range s.Tables {
		if _, dup := s.tablemap[t.Name]; dup {
			return errors.Errorf("duplicate table %s", t.Name)
		}
		if err := t.derive(); err != nil {
			return err
		}
		for _, fk := range t.ForeignKeys {
			remote, ok := s.tablemap[fk.RemoteTable]
			if !ok {
				return errors.Errorf(
					"table %s references %s, which is not declared before it; "+
						"tables must be declared in dependency order", t.Name, fk.RemoteTable)
			}
			if len(remote.signature) != 1 {
				return errors.Errorf(
					"table %s references %s, whose signature is not a single column",
					t.Name, fk.RemoteTable)
			}
		}
		s.tablemap[t.Name] = s.Tables[i]
	}
	for _, t := range s.Tables {
		ops, err := compileOps(t, s.tablemap)
		if err != nil {
			return err
		}
		t.ops = ops
	}
	return nil
}

// derive computes the insertable column list, the signature, and the shape.
func (t *Table) derive() error {
	if len(t.Columns) == 0 {
		return errors.Errorf("table %s has no columns", t.Name)
	}
	if len(t.PrimaryKey) == 0 {
		return errors.Errorf("table %s has no primary key", t.Name)
	}
	if t.Dedup == "" {
		t.Dedup = DedupMin
	}
	if t.Dedup != DedupMin && t.Dedup != DedupMax {
		return errors.Errorf("table %s: unknown dedup policy %q", t.Name, t.Dedup)
	}

	declared := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		declared[c.Name] = true
	}
	check := func(kind, name string) error {
		if !declared[name] {
			return errors.Errorf("table %s: %s column %s is not declared", t.Name, kind, name)
		}
		return nil
	}
	for _, c := range t.PrimaryKey {
		if err := check("primary key", c); err != nil {
			return err
		}
	}
	for _, group := range t.Unique {
		for _, c := range group {
			if err := check("unique", c); err != nil {
				return err
			}
		}
	}
	if t.Autoincrement != "" {
		if err := check("autoincrement", t.Autoincrement); err != nil {
			return err
		}
	}
	for _, fk := range t.ForeignKeys {
		if err := check("foreign key", fk.Column); err != nil {
			return err
		}
	}

	identity := make(map[string]bool)
	for _, c := range t.PrimaryKey {
		identity[c] = true
	}
	for _, group := range t.Unique {
		for _, c := range group {
			identity[c] = true
		}
	}
	delete(identity, t.Autoincrement)

	t.keys = t.keys[:0]
	t.signature = t.signature[:0]
	for _, c := range t.Columns {
		if c.Name != t.Autoincrement {
			t.keys = append(t.keys, c.Name)
		}
		if identity[c.Name] {
			t.signature = append(t.signature, c.Name)
		}
	}

	switch {
	case len(t.Unique) > 0 && t.Autoincrement != "":
		t.shape = ShapePKUniqueAutoinc
	case len(t.Unique) > 0:
		t.shape = ShapePKUnique
	case t.Autoincrement != "":
		t.shape = ShapePKAutoinc
	default:
		t.shape = ShapePKOnly
	}
	return nil
}

// CreateSQL renders the CREATE TABLE statement for this table.
//
// An autoincrement column is emitted as a table-level INTEGER primary key so
// that it aliases the rowid; the offset trigger and the matching passes rely
// on that aliasing.
func (t *Table) CreateSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)
	for _, c := range t.Columns {
		fmt.Fprintf(&b, "\t%s %s", c.Name, c.Type)
		if c.NotNull {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "\tPRIMARY KEY (%s)", strings.Join(t.PrimaryKey, ", "))
	for _, fk := range t.ForeignKeys {
		fmt.Fprintf(&b, ",\n\tFOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE RESTRICT ON UPDATE RESTRICT",
			fk.Column, fk.RemoteTable, fk.RemoteColumn)
	}
	b.WriteString("\n)")
	return b.String()
}

// IndexSQL renders the unique index statements for this table, keyed by
// index name so they can be dropped individually.
func (t *Table) IndexSQL() map[string]string {
	indices := make(map[string]string, len(t.Unique))
	for _, group := range t.Unique {
		name := fmt.Sprintf("uq_%s_%s", t.Name, strings.Join(group, "_"))
		indices[name] = fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			name, t.Name, strings.Join(group, ", "))
	}
	return indices
}

func (s *Schema) createAll(c *store) error {
	for _, stmt := range s.Init {
		if err := c.exec(stmt); err != nil {
			return errors.Wrap(err, "schema init")
		}
	}
	for _, t := range s.Tables {
		if err := c.exec(t.CreateSQL()); err != nil {
			return errors.Wrapf(err, "create table %s", t.Name)
		}
	}
	return nil
}

func (s *Schema) createIndices(c *store) error {
	for _, t := range s.Tables {
		for _, stmt := range t.IndexSQL() {
			if err := c.exec(stmt); err != nil {
				return errors.Wrapf(err, "create index on %s", t.Name)
			}
		}
	}
	return nil
}

func (s *Schema) dropIndices(c *store) error {
	for _, t := range s.Tables {
		for name := range t.IndexSQL() {
			if err := c.exec("DROP INDEX IF EXISTS " + name); err != nil {
				return errors.Wrapf(err, "drop index %s", name)
			}
		}
	}
	return nil
}

func (s *Schema) setVersion(c *store) error {
	if err := c.exec(versionCreate); err != nil {
		return err
	}
	if err := c.exec(versionClear); err != nil {
		return err
	}
	return c.exec(versionInsert, s.Version)
}

// verifyVersion checks that the database either matches the schema version or
// is safe to adopt. A non-empty database without a version marker belongs to
// another program and is rejected; a version mismatch needs migration.
func (s *Schema) verifyVersion(c *store) error {
	var dbVer string
	err := c.queryRow("SELECT version FROM " + versionTable).Scan(&dbVer)
	switch {
	case err == sql.ErrNoRows:
		fallthrough
	case err != nil && strings.Contains(err.Error(), "no such table"):
		var count int
		if err := c.queryRow("SELECT count(name) FROM sqlite_master WHERE type = 'table'").Scan(&count); err != nil {
			return errors.Wrap(err, "inspect sqlite_master")
		}
		if count > 0 {
			return &DatabaseNotEmptyError{Path: c.path}
		}
		return nil
	case err != nil:
		return errors.Wrap(err, "read schema version")
	}
	if dbVer != s.Version {
		return &SchemaVersionError{DB: dbVer, Target: s.Version}
	}
	return nil
}

func (s *Schema) markLocked(c *store) error {
	return c.exec(lockCreate)
}

func (s *Schema) markUnlocked(c *store) error {
	return c.exec(lockDrop)
}

func (s *Schema) isLocked(c *store) (bool, error) {
	var name string
	err := c.queryRow(tableExists, "lock").Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "inspect lock marker")
	}
	return true, nil
}

func (s *Schema) countRows(c *store) (map[string]int64, error) {
	counts := make(map[string]int64, len(s.Tables))
	for _, t := range s.Tables {
		var n int64
		if err := c.queryRow("SELECT count(*) FROM " + t.Name).Scan(&n); err != nil {
			return nil, errors.Wrapf(err, "count %s", t.Name)
		}
		counts[t.Name] = n
	}
	return counts, nil
}

func (s *Schema) maxRowids(c *store) (map[string]int64, error) {
	maxids := make(map[string]int64, len(s.Tables))
	for _, t := range s.Tables {
		var id sql.NullInt64
		if err := c.queryRow("SELECT max(rowid) FROM " + t.Name).Scan(&id); err != nil {
			return nil, errors.Wrapf(err, "max rowid of %s", t.Name)
		}
		maxids[t.Name] = id.Int64
	}
	return maxids, nil
}

func (s *Schema) attach(c *store, path string) error {
	return c.exec("ATTACH ? AS secondary", path)
}

func (s *Schema) detach(c *store) error {
	return c.exec("DETACH secondary")
}
