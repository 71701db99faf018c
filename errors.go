package sqlstage

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrDatabaseLocked is returned when a database carries the crash-lock marker
// on open, meaning the previous writer did not shut down cleanly. Run Check
// to repair the database before opening it again.
var ErrDatabaseLocked = errors.New("database left locked by a previous writer")

// SchemaVersionError is returned when the on-disk schema version does not
// match the schema this program was built against. The database is never
// upgraded silently; run Migrate.
type SchemaVersionError struct {
	DB     string
	Target string
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("cannot write to database of version %s; currently supported version: %s", e.DB, e.Target)
}

// DatabaseNotEmptyError is returned when a database has tables but no version
// marker: it belongs to some other program and is not adopted.
type DatabaseNotEmptyError struct {
	Path string
}

func (e *DatabaseNotEmptyError) Error() string {
	return fmt.Sprintf("database %s already has other data and cannot be used in this program", e.Path)
}

// MigrationPathError is returned when no chain of migration scripts connects
// the database's version to the target version. The database is not modified.
type MigrationPathError struct {
	From string
	To   string
}

func (e *MigrationPathError) Error() string {
	return fmt.Sprintf("no migration path from version %s to %s", e.From, e.To)
}

// isConstraintErr reports whether err is a SQLite constraint violation
// (unique, foreign key, not null, ...). Constraint violations always roll
// back the enclosing transaction before they are surfaced.
func isConstraintErr(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

// isBusyErr reports whether err means another connection transiently holds a
// lock the statement needs.
func isBusyErr(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}
