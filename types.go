package sqlstage

// DedupPolicy selects which row of a duplicate group survives deduplication,
// by rowid.
type DedupPolicy string

const (
	DedupMin DedupPolicy = "min"
	DedupMax DedupPolicy = "max"
)

// TableShape classifies a table by which identity-related schema fields it
// carries. Every table has a primary key; unique groups and an autoincrement
// column are optional.
type TableShape int

const (
	ShapePKOnly TableShape = iota
	ShapePKUnique
	ShapePKAutoinc
	ShapePKUniqueAutoinc
)

func (s TableShape) String() string {
	switch s {
	case ShapePKOnly:
		return "pk"
	case ShapePKUnique:
		return "pk+unique"
	case ShapePKAutoinc:
		return "pk+autoinc"
	case ShapePKUniqueAutoinc:
		return "pk+unique+autoinc"
	}
	return "invalid"
}

// Column is a single column definition.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // SQLite type affinity: INTEGER, TEXT, REAL, BLOB, ...
	NotNull bool   `json:"not_null,omitempty"`
}

// ForeignKey declares that a local column references a column of another
// table. The remote table must have a single-column signature.
type ForeignKey struct {
	Column       string `json:"column"`
	RemoteTable  string `json:"remote_table"`
	RemoteColumn string `json:"remote_column"`
}

// Table describes one table: its columns in order, identity constraints,
// foreign keys, and dedup policy. Tables are pure data until the owning
// Schema is bound.
type Table struct {
	Name          string       `json:"name"`
	Columns       []Column     `json:"columns"`
	PrimaryKey    []string     `json:"primary_key"`
	Unique        [][]string   `json:"unique,omitempty"`
	Autoincrement string       `json:"autoincrement,omitempty"` // name of the rowid-aliased column, or ""
	ForeignKeys   []ForeignKey `json:"foreign_keys,omitempty"`
	Dedup         DedupPolicy  `json:"dedup,omitempty"` // defaults to DedupMin

	// Computed by Schema.Bind.
	shape     TableShape
	signature []string // identity columns: union of unique groups and pk, minus autoincrement
	keys      []string // insertable columns: all columns minus autoincrement
	ops       *tableOps
}

// Schema is the full descriptor: tables in declaration order plus the target
// schema version and any raw init statements (pragmas) to run on open.
//
// Declaration order must be a topological order of the foreign-key dependency
// graph; Bind rejects schemas that violate this.
type Schema struct {
	Version string   `json:"version"`
	Init    []string `json:"init,omitempty"`
	Tables  []*Table `json:"tables"`

	tablemap map[string]*Table
}

// Record is one row to be written, keyed by column name. Foreign-key columns
// may hold the referenced table's signature value instead of an id; the
// proxy-view insert path resolves them.
type Record map[string]any

// Shape reports the table's bound shape classification.
func (t *Table) Shape() TableShape { return t.shape }

// Signature reports the bound identity column set, in column declaration order.
func (t *Table) Signature() []string { return t.signature }

// TableNames returns the table names in declaration (dependency) order.
func (s *Schema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// TableByName returns the named table, or nil. Valid after Bind.
func (s *Schema) TableByName(name string) *Table { return s.tablemap[name] }
