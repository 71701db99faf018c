package sqlstage

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAssertStore(t *testing.T, path string) *store {
	t.Helper()
	c, err := openStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.close() })
	return c
}

func countOf(t *testing.T, c *store, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, c.queryRow("SELECT count(*) FROM "+table).Scan(&n))
	return n
}

func urlID(t *testing.T, c *store, url string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, c.queryRow("SELECT id FROM url WHERE url = ?", url).Scan(&id))
	return id
}

func TestWriterEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.db")
	s := testSchema(t)

	w, err := NewWriter(path, s, &WriterOptions{Silent: true})
	require.NoError(t, err)
	w.Write("url", Record{"url": "https://a.test/"})
	w.Write("url", Record{"url": "https://b.test/"})
	w.Write("hyperlink", Record{
		"source_id": "https://a.test/", "target_id": "https://b.test/", "element": "a",
	})
	w.Write("summary", Record{"url_id": "https://a.test/", "markup": "<p>hi</p>"})
	assert.Equal(t, 4, w.RecordCount())
	require.NoError(t, w.Flush())
	assert.Equal(t, 0, w.RecordCount())
	require.NoError(t, w.Finish(true))

	c := openAssertStore(t, path)
	assert.Equal(t, int64(2), countOf(t, c, "url"))
	a, b := urlID(t, c, "https://a.test/"), urlID(t, c, "https://b.test/")

	var source, target int64
	require.NoError(t, c.queryRow("SELECT source_id, target_id FROM hyperlink").Scan(&source, &target))
	assert.Equal(t, a, source)
	assert.Equal(t, b, target)

	var summaryOf int64
	require.NoError(t, c.queryRow("SELECT url_id FROM summary").Scan(&summaryOf))
	assert.Equal(t, a, summaryOf)

	// Fully corked: unique indices rebuilt, lock marker gone, staging removed.
	require.NoError(t, c.queryRow(
		"SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'uq_url_url'").Scan(new(string)))
	require.ErrorIs(t, c.queryRow(tableExists, "lock").Scan(new(string)), sql.ErrNoRows)
	leftovers, err := filepath.Glob(filepath.Join(dir, "main~tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestWriterResolvesLateReferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.db")
	s := testSchema(t)

	w, err := NewWriter(path, s, &WriterOptions{Silent: true})
	require.NoError(t, err)
	// References to URLs that have not been written yet.
	w.Write("hyperlink", Record{
		"source_id": "https://later.test/", "target_id": "https://later.test/", "element": "a",
	})
	w.Write("hyperlink", Record{
		"source_id": "https://never.test/", "target_id": "https://never.test/", "element": "a",
	})
	require.NoError(t, w.Flush())
	w.Write("url", Record{"url": "https://later.test/"})
	require.NoError(t, w.Flush())
	require.NoError(t, w.Finish(true))

	c := openAssertStore(t, path)
	later := urlID(t, c, "https://later.test/")
	assert.Equal(t, int64(1), countOf(t, c, "hyperlink"),
		"the row whose referent never arrived is dropped")
	var source int64
	require.NoError(t, c.queryRow("SELECT source_id FROM hyperlink").Scan(&source))
	assert.Equal(t, later, source)
}

func TestWriterDeduplicatesWithinSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.db")
	s := testSchema(t)

	w, err := NewWriter(path, s, &WriterOptions{Silent: true})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		w.Write("url", Record{"url": "https://dup.test/"})
		w.Write("summary", Record{"url_id": "https://dup.test/", "markup": "take " + string(rune('0'+i))})
	}
	require.NoError(t, w.Flush())
	require.NoError(t, w.Finish(true))

	c := openAssertStore(t, path)
	assert.Equal(t, int64(1), countOf(t, c, "url"))
	assert.Equal(t, int64(1), countOf(t, c, "summary"))
	var markup string
	require.NoError(t, c.queryRow("SELECT markup FROM summary").Scan(&markup))
	assert.Equal(t, "take 2", markup, "summary keeps the newest duplicate")
}

func TestMergeFromRemapsIdentifiers(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main.db")
	otherPath := filepath.Join(dir, "other.db")
	s := testSchema(t)

	w, err := NewWriter(mainPath, s, &WriterOptions{Silent: true})
	require.NoError(t, err)
	for _, u := range []string{"https://u1.test/", "https://u2.test/", "https://u3.test/", "https://u4.test/"} {
		w.Write("url", Record{"url": u})
	}
	require.NoError(t, w.Flush())
	require.NoError(t, w.Finish(true))

	w, err = NewWriter(otherPath, s, &WriterOptions{Silent: true})
	require.NoError(t, err)
	w.Write("url", Record{"url": "https://a.test/"})
	w.Write("hyperlink", Record{
		"source_id": "https://a.test/", "target_id": "https://a.test/", "element": "a",
	})
	w.Write("summary", Record{"url_id": "https://a.test/", "markup": "<p>"})
	require.NoError(t, w.Flush())
	require.NoError(t, w.Finish(true))

	other := openAssertStore(t, otherPath)
	require.Equal(t, int64(1), urlID(t, other, "https://a.test/"))

	w, err = NewWriter(mainPath, s, &WriterOptions{StagingPath: ":memory:", Silent: true})
	require.NoError(t, err)
	require.NoError(t, w.Cork())
	require.NoError(t, w.MergeFrom(otherPath))
	// Merging the same database again must not change anything.
	require.NoError(t, w.MergeFrom(otherPath))
	require.NoError(t, w.Close())

	c := openAssertStore(t, mainPath)
	assert.Equal(t, int64(5), countOf(t, c, "url"))
	a := urlID(t, c, "https://a.test/")
	assert.Equal(t, int64(5), a, "conflicting id is shifted past main's max rowid")

	assert.Equal(t, int64(1), countOf(t, c, "hyperlink"))
	var source, target int64
	require.NoError(t, c.queryRow("SELECT source_id, target_id FROM hyperlink").Scan(&source, &target))
	assert.Equal(t, a, source)
	assert.Equal(t, a, target)

	assert.Equal(t, int64(1), countOf(t, c, "summary"))
	var summaryOf int64
	require.NoError(t, c.queryRow("SELECT url_id FROM summary").Scan(&summaryOf))
	assert.Equal(t, a, summaryOf)

	// The merged-from database is restored, not consumed.
	assert.Equal(t, int64(1), countOf(t, other, "url"))
	assert.Equal(t, int64(1), urlID(t, other, "https://a.test/"))
}

func TestFlushSurfacesConstraintViolations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.db")
	s := testSchema(t)

	w, err := NewWriter(path, s, &WriterOptions{Silent: true})
	require.NoError(t, err)
	defer w.Close()

	w.Write("url", Record{}) // url is NOT NULL
	err = w.Flush()
	require.Error(t, err)
	assert.True(t, isConstraintErr(errors.Cause(err)) || isConstraintErr(err))
	assert.Equal(t, 1, w.RecordCount(), "the failed batch is requeued, not lost")
}

func TestLockedDatabaseRefusedUntilChecked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.db")
	s := testSchema(t)

	w, err := NewWriter(path, s, &WriterOptions{Silent: true})
	require.NoError(t, err)
	w.Write("url", Record{"url": "https://a.test/"})
	require.NoError(t, w.Flush())
	require.NoError(t, w.Finish(true))

	// Simulate a writer that died without corking.
	c, err := openStore(path)
	require.NoError(t, err)
	require.NoError(t, c.exec(lockCreate))
	require.NoError(t, c.close())

	_, err = NewWriter(path, s, &WriterOptions{Silent: true})
	require.ErrorIs(t, err, ErrDatabaseLocked)

	require.NoError(t, Check(path, s))

	w, err = NewWriter(path, s, &WriterOptions{Silent: true})
	require.NoError(t, err)
	require.NoError(t, w.Finish(true))

	c = openAssertStore(t, path)
	assert.Equal(t, int64(1), countOf(t, c, "url"))
	require.ErrorIs(t, c.queryRow(tableExists, "lock").Scan(new(string)), sql.ErrNoRows)
}

func TestCorkUncorkIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.db")
	s := testSchema(t)

	w, err := NewWriter(path, s, &WriterOptions{Silent: true})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, w.Close())
		w.Cleanup()
	}()

	w.Write("url", Record{"url": "https://a.test/"})
	require.NoError(t, w.Cork())
	require.NoError(t, w.Cork())
	require.NoError(t, w.Uncork())
	require.NoError(t, w.Uncork())

	w.Write("url", Record{"url": "https://b.test/"})
	require.NoError(t, w.Merge())

	c := openAssertStore(t, path)
	assert.Equal(t, int64(2), countOf(t, c, "url"))
}
