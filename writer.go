package sqlstage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WriterOptions configures a DatabaseWriter. The zero value is usable.
type WriterOptions struct {
	// StagingPath overrides where the staging database lives. Empty means a
	// temp file next to the main database; ":memory:" is accepted.
	StagingPath string
	// Silent raises the writer's log level to warnings only.
	Silent bool
	// Recover opens the main database even if it carries the crash-lock
	// marker. Only Check should use this.
	Recover bool
}

// DatabaseWriter owns two connections: the durable main store and a
// disposable staging store. Records queue per table in memory, flush into
// staging through the proxy-view insert path, and fold into main during the
// merge protocol.
//
// One writer per database target; flush is the only operation that may race
// with producer writes.
type DatabaseWriter struct {
	schema *Schema
	log    zerolog.Logger

	main  *store
	cache *store

	mu     sync.Mutex // guards queues
	queues map[string][]Record

	flushMu sync.Mutex // single-flight flush

	corked bool
	closed bool

	rowcounts map[string]int64 // main store, by table
	tallied   bool
}

// NewWriter opens (creating if necessary) the main database at path and a
// fresh staging database, verifies versions, binds per-table operations, and
// uncorks staging for high-throughput inserts.
func NewWriter(path string, schema *Schema, opts *WriterOptions) (*DatabaseWriter, error) {
	if opts == nil {
		opts = &WriterOptions{}
	}
	logger := log.With().Str("component", "writer").Logger()
	if opts.Silent {
		logger = logger.Level(zerolog.WarnLevel)
	}

	w := &DatabaseWriter{
		schema:    schema,
		log:       logger,
		queues:    make(map[string][]Record, len(schema.Tables)),
		corked:    true,
		rowcounts: make(map[string]int64, len(schema.Tables)),
	}

	main, err := w.connect(path)
	if err != nil {
		return nil, err
	}
	w.main = main
	if !opts.Recover {
		locked, err := schema.isLocked(main)
		if err != nil {
			main.close()
			return nil, err
		}
		if locked {
			main.close()
			return nil, errors.Wrap(ErrDatabaseLocked, path)
		}
	}

	stagingPath := opts.StagingPath
	if stagingPath == "" {
		stagingPath = stagingName(path)
	}
	cache, err := w.connect(stagingPath)
	if err != nil {
		main.close()
		return nil, err
	}
	w.cache = cache

	for _, t := range schema.Tables {
		if err := t.ops.bindForeignKeys(cache); err != nil {
			w.Close()
			return nil, err
		}
		if err := t.ops.bindOffset(main); err != nil {
			w.Close()
			return nil, err
		}
	}

	w.Report()
	if err := w.uncork(); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// stagingName derives a staging path from the main database path, keeping the
// extension so sidecar naming stays uniform: name~tmp-1a2b3c4d.db.
func stagingName(path string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s~tmp-%s%s", stem, suffix, ext)
}

func (w *DatabaseWriter) connect(path string) (*store, error) {
	c, err := openStore(path)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*store, error) {
		c.close()
		return nil, err
	}
	if err := w.schema.verifyVersion(c); err != nil {
		return fail(err)
	}
	if err := w.schema.setVersion(c); err != nil {
		return fail(errors.Wrap(err, "set schema version"))
	}
	if err := w.schema.createAll(c); err != nil {
		return fail(err)
	}
	return c, nil
}

// RecordCount reports how many records are pending across all table queues.
func (w *DatabaseWriter) RecordCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, q := range w.queues {
		n += len(q)
	}
	return n
}

// Write appends a record to the table's pending queue. No I/O happens here;
// errors are impossible by construction.
func (w *DatabaseWriter) Write(table string, record Record) {
	w.mu.Lock()
	w.queues[table] = append(w.queues[table], record)
	w.mu.Unlock()
}

// Flush batch-inserts every non-empty queue into staging. Single-flight: a
// concurrent flush waits, then sees empty queues. While corked this is a
// no-op.
//
// On a constraint violation the whole table batch is rolled back, re-queued
// at the front, and the violation surfaced to the caller.
func (w *DatabaseWriter) Flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	if w.corked {
		return nil
	}

	w.mu.Lock()
	queues := w.queues
	w.queues = make(map[string][]Record, len(w.schema.Tables))
	w.mu.Unlock()

	count := 0
	for _, q := range queues {
		count += len(q)
	}
	if count == 0 {
		return nil
	}
	w.log.Info().Int("records", count).Msg("Saving records")

	for _, t := range w.schema.Tables {
		q := queues[t.Name]
		if len(q) == 0 {
			continue
		}
		if err := w.cache.begin(); err != nil {
			w.requeue(queues)
			return err
		}
		if err := t.ops.insert(w.cache, q); err != nil {
			w.cache.rollback()
			w.requeue(queues)
			return errors.Wrapf(err, "flush %s", t.Name)
		}
		if err := w.cache.commit(); err != nil {
			w.requeue(queues)
			return err
		}
		delete(queues, t.Name)
	}
	return nil
}

// requeue puts unflushed batches back at the front of the live queues,
// preserving write order.
func (w *DatabaseWriter) requeue(queues map[string][]Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, q := range queues {
		if len(q) == 0 {
			continue
		}
		w.queues[name] = append(q, w.queues[name]...)
	}
}

// Uncork puts staging into high-throughput insert mode: crash-lock marker
// set, indices dropped, foreign-key enforcement off, proxy views and offset
// triggers installed. Idempotent.
func (w *DatabaseWriter) Uncork() error {
	return w.uncork()
}

func (w *DatabaseWriter) uncork() error {
	if !w.corked {
		return nil
	}
	c := w.cache
	locked, err := w.schema.isLocked(c)
	if err != nil {
		return err
	}
	if locked {
		w.log.Warn().Msg("Database lock table exists")
		w.log.Warn().Msg("Previous writer did not exit properly")
	}
	if err := w.schema.markLocked(c); err != nil {
		return err
	}
	if err := w.schema.dropIndices(c); err != nil {
		return err
	}
	if err := w.foreignKeysOff(c); err != nil {
		return err
	}
	for _, t := range w.schema.Tables {
		if err := t.ops.createProxy(c); err != nil {
			return err
		}
		if err := t.ops.createOffsetTrigger(c); err != nil {
			return err
		}
	}
	w.corked = false
	return nil
}

// Cork flushes, then brings staging back to a fully validated state:
// reconciled references, deduplicated rows, real indices, foreign keys
// enforced. Idempotent.
func (w *DatabaseWriter) Cork() error {
	if w.corked {
		return nil
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.verify(w.cache); err != nil {
		return err
	}
	if err := w.schema.markUnlocked(w.cache); err != nil {
		return err
	}
	w.corked = true
	return nil
}

// verify is the full validation pass over one store: tear down the insert
// scaffolding, fix references, dedup, reindex, optimize.
func (w *DatabaseWriter) verify(c *store) error {
	if err := w.foreignKeysOff(c); err != nil {
		return err
	}
	for _, t := range w.schema.Tables {
		if err := t.ops.dropProxy(c); err != nil {
			return err
		}
		if err := t.ops.dropOffsetTrigger(c); err != nil {
			return err
		}
		if err := t.ops.restoreOriginal(c); err != nil {
			return err
		}
	}
	if err := w.Reconcile(c); err != nil {
		return err
	}
	if err := w.Deduplicate(c); err != nil {
		return err
	}
	for _, t := range w.schema.Tables {
		if err := t.ops.dropTempIndices(c); err != nil {
			return err
		}
	}
	w.log.Info().Msg("Rebuilding index")
	if err := w.schema.createIndices(c); err != nil {
		return err
	}
	if err := w.foreignKeysOn(c); err != nil {
		return err
	}
	return w.optimize(c)
}

// Reconcile runs the store's foreign-key integrity check and dispatches every
// reported mismatch to the owning table's cascade update. Passing nil checks
// the staging store.
func (w *DatabaseWriter) Reconcile(c *store) error {
	if c == nil {
		c = w.cache
	}
	w.log.Info().Msg("Enforcing internal references")
	if err := c.beginExclusive(w.log); err != nil {
		return err
	}

	type mismatch struct {
		table string
		rowid int64
		fkid  int
	}
	var mismatches []mismatch
	rows, err := c.query("PRAGMA foreign_key_check")
	if err != nil {
		c.rollback()
		return errors.Wrap(err, "foreign_key_check")
	}
	for rows.Next() {
		var (
			table, parent string
			rowid         sql.NullInt64
			fkid          int
		)
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			rows.Close()
			c.rollback()
			return errors.Wrap(err, "foreign_key_check")
		}
		if !rowid.Valid {
			continue
		}
		mismatches = append(mismatches, mismatch{table, rowid.Int64, fkid})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		c.rollback()
		return err
	}
	rows.Close()

	for _, m := range mismatches {
		t := w.schema.TableByName(m.table)
		if t == nil {
			continue
		}
		if err := t.ops.updateForeignKey(c, m.fkid, m.rowid); err != nil {
			c.rollback()
			return err
		}
	}
	return c.commit()
}

// Deduplicate runs every table's dedup inside one exclusive transaction,
// rolled back wholesale on an integrity error. Passing nil deduplicates the
// staging store.
func (w *DatabaseWriter) Deduplicate(c *store) error {
	if c == nil {
		c = w.cache
	}
	w.log.Info().Msg("Deduplicating database records")
	if err := c.beginExclusive(w.log); err != nil {
		return err
	}
	for _, t := range w.schema.Tables {
		if err := t.ops.fastDedup(c); err != nil {
			c.rollback()
			return err
		}
	}
	return c.commit()
}

// Merge corks staging and folds it into the main database.
func (w *DatabaseWriter) Merge() error {
	if err := w.Cork(); err != nil {
		return err
	}
	w.log.Info().Msg("Merging new data into main database")
	if err := w.mergeOther("", true); err != nil {
		return err
	}
	w.Report()
	return nil
}

// mergeOther attaches otherPath (or the staging database when empty) to main
// and runs the merge protocol: match in dependency order, drop indices,
// dedup-and-merge per table, final dedup scoped to pre-merge max rowids, then
// commit. Any constraint violation rolls back the entire transaction; a
// partial merge is never committed.
func (w *DatabaseWriter) mergeOther(otherPath string, discard bool) error {
	main := w.main
	other := w.cache
	if otherPath != "" {
		var err error
		other, err = openStore(otherPath)
		if err != nil {
			return err
		}
		defer other.close()
	} else {
		otherPath = w.cache.path
	}

	maxRowids, err := w.schema.maxRowids(main)
	if err != nil {
		return err
	}
	if err := w.foreignKeysOff(main); err != nil {
		return err
	}
	if err := main.beginExclusive(w.log); err != nil {
		return err
	}
	if err := w.schema.markLocked(main); err != nil {
		main.rollback()
		return err
	}
	if err := w.schema.attach(main, otherPath); err != nil {
		main.rollback()
		return err
	}
	w.log.Debug().Str("other", otherPath).Str("main", main.path).Msg("Attached database")

	merge := func() error {
		w.log.Debug().Msg("Matching existing records")
		for _, t := range w.schema.Tables {
			w.log.Debug().Str("table", t.Name).Msg("Matching")
			if err := t.ops.matchPrimaryKeys(main); err != nil {
				return err
			}
			if err := t.ops.matchForeignKeys(main); err != nil {
				return err
			}
		}

		w.log.Debug().Msg("Dropping indices")
		if err := w.schema.dropIndices(main); err != nil {
			return err
		}

		w.log.Debug().Msg("Merging into main database")
		for _, t := range w.schema.Tables {
			w.log.Debug().Str("table", t.Name).Msg("Merging")
			if err := t.ops.dedupPrimaryKeys(main); err != nil {
				return err
			}
			if err := t.ops.mergeAttached(main); err != nil {
				return err
			}
		}

		w.log.Debug().Msg("Deduplicating records")
		for _, t := range w.schema.Tables {
			w.log.Debug().Str("table", t.Name).Msg("Deduplicating")
			if err := t.ops.dedup(main, maxRowids[t.Name]); err != nil {
				return err
			}
		}
		return nil
	}

	mergeErr := merge()
	if mergeErr != nil {
		main.rollback()
	} else {
		w.log.Debug().Msg("Committing changes")
		if err := main.commit(); err != nil {
			mergeErr = err
			main.rollback()
		} else {
			if err := w.schema.detach(main); err != nil {
				mergeErr = err
			}
			if err := w.foreignKeysOn(main); err != nil && mergeErr == nil {
				mergeErr = err
			}
			if err := w.optimize(main); err != nil && mergeErr == nil {
				mergeErr = err
			}
			w.log.Debug().Msg("Finalizing merge")
		}
	}

	if !discard {
		w.log.Debug().Msg("Removing transient data")
		for _, t := range w.schema.Tables {
			if err := t.ops.restoreOriginal(other); err != nil {
				w.log.Warn().Err(err).Str("table", t.Name).Msg("Could not restore original table")
			}
		}
	}
	w.log.Info().Msg("Rebuilding index")
	if err := w.schema.createIndices(main); err != nil && mergeErr == nil {
		mergeErr = err
	}
	if err := w.schema.markUnlocked(main); err != nil && mergeErr == nil {
		mergeErr = err
	}
	return mergeErr
}

// MergeFrom folds an independently written database into main. The other
// database must be corked (validated); its tables are temp-shadowed during
// matching and restored afterwards.
func (w *DatabaseWriter) MergeFrom(path string) error {
	return w.mergeOther(path, false)
}

func (w *DatabaseWriter) foreignKeysOff(c *store) error {
	if err := c.exec("PRAGMA foreign_keys = OFF"); err != nil {
		return err
	}
	w.log.Debug().Str("path", c.path).Msg("Foreign key enforcement is OFF")
	return nil
}

func (w *DatabaseWriter) foreignKeysOn(c *store) error {
	if err := c.exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}
	w.log.Debug().Str("path", c.path).Msg("Foreign key enforcement is ON")
	return nil
}

func (w *DatabaseWriter) optimize(c *store) error {
	w.log.Debug().Str("path", c.path).Msg("Optimizing")
	return c.exec("PRAGMA optimize")
}

// Report logs per-table row counts in main with deltas since the last report.
func (w *DatabaseWriter) Report() {
	counts, err := w.schema.countRows(w.main)
	if err != nil {
		w.log.Warn().Err(err).Msg("Could not count rows")
		return
	}
	w.log.Info().Msg("Database stats:")
	for _, t := range w.schema.Tables {
		ev := w.log.Info().Int64("rows", counts[t.Name])
		if w.tallied {
			ev = ev.Int64("delta", counts[t.Name]-w.rowcounts[t.Name])
		}
		ev.Msg("  " + t.Name)
	}
	w.rowcounts = counts
	w.tallied = true
}

// Close closes both connections. Terminal.
func (w *DatabaseWriter) Close() error {
	if w.closed {
		return nil
	}
	w.corked = true
	w.closed = true
	err := w.main.close()
	if cerr := w.cache.close(); err == nil {
		err = cerr
	}
	return err
}

// Interrupt aborts both connections outright, accepting data loss. Only the
// last tier of the shutdown protocol uses this.
func (w *DatabaseWriter) Interrupt() {
	w.main.interrupt()
	w.cache.interrupt()
}

// Cleanup removes the staging database file and its journal sidecars.
func (w *DatabaseWriter) Cleanup() {
	removeWithSidecars(w.cache.path)
}

func removeWithSidecars(path string) {
	if path == "" || path == ":memory:" {
		return
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p).Msg("Could not remove staging file")
		}
	}
}

// Finish is the terminal operation producers call exactly once. With merge,
// staging is folded into main and discarded; without, staging is corked and
// left on disk as a recoverable artifact.
func (w *DatabaseWriter) Finish(merge bool) error {
	if !merge {
		if err := w.Cork(); err != nil {
			return err
		}
		return w.Close()
	}
	if err := w.Merge(); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	w.Cleanup()
	return nil
}
