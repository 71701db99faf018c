package sqlstage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// store is one SQLite database handle pinned to a single connection, so that
// explicit BEGIN/COMMIT statements and session pragmas behave predictably.
type store struct {
	db     *sql.DB
	conn   *sql.Conn
	path   string
	ctx    context.Context
	cancel context.CancelFunc
}

func openStore(path string) (*store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=30000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := db.Conn(ctx)
	if err != nil {
		cancel()
		db.Close()
		return nil, errors.Wrapf(err, "connect %s", path)
	}
	return &store{db: db, conn: conn, path: path, ctx: ctx, cancel: cancel}, nil
}

func (c *store) exec(query string, args ...any) error {
	_, err := c.conn.ExecContext(c.ctx, query, args...)
	return err
}

func (c *store) query(query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(c.ctx, query, args...)
}

func (c *store) queryRow(query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(c.ctx, query, args...)
}

func (c *store) begin() error {
	return c.exec("BEGIN")
}

// beginExclusive retries until exclusive write access is acquired. A
// concurrent external reader or writer may transiently hold the lock, so
// failing immediately would be wrong; warn and try again.
func (c *store) beginExclusive(log zerolog.Logger) error {
	for {
		err := c.exec("BEGIN EXCLUSIVE")
		if err == nil {
			log.Debug().Str("path", c.path).Msg("Began exclusive transaction")
			return nil
		}
		if !isBusyErr(err) {
			return errors.Wrap(err, "begin exclusive")
		}
		log.Warn().Str("path", c.path).Msg("Cannot acquire exclusive write access")
		log.Warn().Msg("Another program is writing to the database; retrying")
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *store) commit() error {
	return c.exec("COMMIT")
}

func (c *store) rollback() error {
	return c.exec("ROLLBACK")
}

// interrupt aborts all in-flight and future statements on this store.
// Terminal; only used by the abort tier of the shutdown protocol.
func (c *store) interrupt() {
	c.cancel()
}

func (c *store) close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	c.cancel()
	return c.db.Close()
}
