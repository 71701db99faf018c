package sqlstage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertStatementTargets(t *testing.T) {
	s := testSchema(t)
	assert.Equal(t, "INSERT INTO url (url) VALUES (?)", s.TableByName("url").ops.insertSQL)
	assert.Equal(t,
		"INSERT INTO proxy_hyperlink (source_id, target_id, element) VALUES (?, ?, ?)",
		s.TableByName("hyperlink").ops.insertSQL)
}

func TestNormalizeValue(t *testing.T) {
	v, err := normalizeValue(42)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = normalizeValue("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = normalizeValue([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, v)

	v, err = normalizeValue(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, v)
}

func TestProxyInsertResolvesReferences(t *testing.T) {
	s := testSchema(t)
	c := newTestStore(t, s)
	url := s.TableByName("url")
	hl := s.TableByName("hyperlink")

	require.NoError(t, url.ops.insert(c, []Record{
		{"url": "https://a.test/"},
		{"url": "https://b.test/"},
	}))
	require.NoError(t, hl.ops.createProxy(c))

	require.NoError(t, hl.ops.insert(c, []Record{
		{"source_id": "https://a.test/", "target_id": "https://b.test/", "element": "a"},
	}))
	var source, target int64
	require.NoError(t, c.queryRow(
		"SELECT source_id, target_id FROM hyperlink WHERE element = 'a'").Scan(&source, &target))
	assert.Equal(t, int64(1), source)
	assert.Equal(t, int64(2), target)

	// A reference to a URL that has not been flushed yet keeps its literal
	// value; reconciliation resolves it later.
	require.NoError(t, hl.ops.insert(c, []Record{
		{"source_id": "https://a.test/", "target_id": "https://pending.test/", "element": "img"},
	}))
	var pending string
	require.NoError(t, c.queryRow(
		"SELECT target_id FROM hyperlink WHERE element = 'img'").Scan(&pending))
	assert.Equal(t, "https://pending.test/", pending)

	require.NoError(t, hl.ops.dropProxy(c))
	require.Error(t, c.exec("INSERT INTO proxy_hyperlink (source_id, target_id, element) VALUES (1, 1, 'x')"))
}

func TestOffsetTrigger(t *testing.T) {
	s := testSchema(t)
	main := newTestStore(t, s)
	staging := newTestStore(t, s)
	url := s.TableByName("url")

	require.NoError(t, main.exec("INSERT INTO url (url) VALUES ('a'), ('b'), ('c')"))
	require.NoError(t, url.ops.bindOffset(main))
	require.NoError(t, url.ops.createOffsetTrigger(staging))

	require.NoError(t, url.ops.insert(staging, []Record{{"url": "d"}, {"url": "e"}}))
	var first, second int64
	require.NoError(t, staging.queryRow("SELECT id FROM url WHERE url = 'd'").Scan(&first))
	require.NoError(t, staging.queryRow("SELECT id FROM url WHERE url = 'e'").Scan(&second))
	assert.Equal(t, int64(4), first, "staging ids start past the main store's max rowid")
	assert.Equal(t, int64(5), second)

	require.NoError(t, url.ops.dropOffsetTrigger(staging))
}

func TestOffsetTriggerDisabledOnEmptyMain(t *testing.T) {
	s := testSchema(t)
	main := newTestStore(t, s)
	url := s.TableByName("url")
	require.NoError(t, url.ops.bindOffset(main))
	assert.Empty(t, url.ops.offsetCreateSQL)
}

func TestDedupPolicies(t *testing.T) {
	s := testSchema(t)
	c := newTestStore(t, s)

	t.Run("min keeps the oldest row", func(t *testing.T) {
		require.NoError(t, c.exec(
			"INSERT INTO hyperlink (source_id, target_id, element) VALUES (1, 2, 'a'), (1, 2, 'a'), (1, 3, 'a')"))
		require.NoError(t, s.TableByName("hyperlink").ops.dedup(c, 0))
		var n, id int64
		require.NoError(t, c.queryRow("SELECT count(*) FROM hyperlink").Scan(&n))
		assert.Equal(t, int64(2), n)
		require.NoError(t, c.queryRow("SELECT id FROM hyperlink WHERE target_id = 2").Scan(&id))
		assert.Equal(t, int64(1), id)
	})

	t.Run("max keeps the newest row", func(t *testing.T) {
		require.NoError(t, c.exec(
			"INSERT INTO summary (url_id, markup) VALUES (1, 'stale'), (1, 'fresh')"))
		require.NoError(t, s.TableByName("summary").ops.dedup(c, 0))
		var markup string
		require.NoError(t, c.queryRow("SELECT markup FROM summary WHERE url_id = 1").Scan(&markup))
		assert.Equal(t, "fresh", markup)
	})
}

func TestDedupOffsetScopesToNewRows(t *testing.T) {
	s := testSchema(t)
	c := newTestStore(t, s)
	url := s.TableByName("url")

	require.NoError(t, c.exec("INSERT INTO url (url) VALUES ('a'), ('b')"))
	// Rows a merge would add: one duplicate, one new.
	require.NoError(t, c.exec("INSERT INTO url (url) VALUES ('a'), ('c')"))

	require.NoError(t, url.ops.dedup(c, 2))
	var n int64
	require.NoError(t, c.queryRow("SELECT count(*) FROM url").Scan(&n))
	assert.Equal(t, int64(3), n)
	var id int64
	require.NoError(t, c.queryRow("SELECT id FROM url WHERE url = 'a'").Scan(&id))
	assert.Equal(t, int64(1), id, "the pre-existing row survives")
}

func TestFastDedupRebuild(t *testing.T) {
	s := testSchema(t)
	c := newTestStore(t, s)
	url := s.TableByName("url")

	require.NoError(t, c.exec("INSERT INTO url (url) VALUES ('a'), ('a'), ('b')"))
	require.NoError(t, url.ops.fastDedup(c))

	var n int64
	require.NoError(t, c.queryRow("SELECT count(*) FROM url").Scan(&n))
	assert.Equal(t, int64(2), n)
	var id int64
	require.NoError(t, c.queryRow("SELECT id FROM url WHERE url = 'a'").Scan(&id))
	assert.Equal(t, int64(1), id)

	require.Error(t, c.queryRow(tableExists, "temp_dedup").Scan(new(string)),
		"rebuild scaffolding is dropped")
}

func TestFastDedupFallsBackOnCompositeKeys(t *testing.T) {
	visit := &Table{
		Name: "visit",
		Columns: []Column{
			{Name: "id", Type: "INTEGER"},
			{Name: "url", Type: "TEXT"},
			{Name: "day", Type: "TEXT"},
		},
		PrimaryKey:    []string{"id", "day"},
		Unique:        [][]string{{"url"}},
		Autoincrement: "id",
	}
	s := &Schema{Version: "1.0", Tables: []*Table{visit}}
	require.NoError(t, s.Bind())
	c := newTestStore(t, s)

	require.NoError(t, c.exec(
		"INSERT INTO visit (id, url, day) VALUES (1, 'a', 'mon'), (2, 'a', 'mon'), (3, 'b', 'mon')"))
	require.NoError(t, visit.ops.fastDedup(c))

	var n, id int64
	require.NoError(t, c.queryRow("SELECT count(*) FROM visit").Scan(&n))
	assert.Equal(t, int64(2), n)
	require.NoError(t, c.queryRow("SELECT id FROM visit WHERE url = 'a'").Scan(&id))
	assert.Equal(t, int64(1), id)
}

func TestUpdateForeignKey(t *testing.T) {
	s := testSchema(t)
	c := newTestStore(t, s)
	hl := s.TableByName("hyperlink")

	require.NoError(t, c.exec("INSERT INTO url (url) VALUES ('https://a.test/')"))
	require.NoError(t, c.exec(
		"INSERT INTO hyperlink (source_id, target_id, element) VALUES ('https://a.test/', 'https://a.test/', 'a')"))
	require.NoError(t, c.exec(
		"INSERT INTO hyperlink (source_id, target_id, element) VALUES ('https://gone.test/', 'https://gone.test/', 'a')"))
	require.NoError(t, hl.ops.bindForeignKeys(c))
	require.Len(t, hl.ops.fkByOrdinal, 2)

	for fkid := range hl.ops.fkByOrdinal {
		require.NoError(t, hl.ops.updateForeignKey(c, fkid, 1))
		require.NoError(t, hl.ops.updateForeignKey(c, fkid, 2))
	}

	var source, target int64
	require.NoError(t, c.queryRow(
		"SELECT source_id, target_id FROM hyperlink WHERE rowid = 1").Scan(&source, &target))
	assert.Equal(t, int64(1), source)
	assert.Equal(t, int64(1), target)

	// The row whose referent never appeared is deleted, not left dangling.
	var n int64
	require.NoError(t, c.queryRow("SELECT count(*) FROM hyperlink").Scan(&n))
	assert.Equal(t, int64(1), n)
}

func TestRestoreOriginal(t *testing.T) {
	s := testSchema(t)
	c := newTestStore(t, s)
	url := s.TableByName("url")

	// Nothing to restore on a clean store.
	require.NoError(t, url.ops.restoreOriginal(c))

	require.NoError(t, c.exec("INSERT INTO url (url) VALUES ('a'), ('b')"))
	require.NoError(t, c.exec("ALTER TABLE url RENAME TO original_url"))
	require.NoError(t, c.exec("CREATE TABLE url (id INTEGER, half TEXT)"))

	require.NoError(t, url.ops.restoreOriginal(c))
	var n int64
	require.NoError(t, c.queryRow("SELECT count(*) FROM url").Scan(&n))
	assert.Equal(t, int64(2), n)
	require.Error(t, c.queryRow(tableExists, "original_url").Scan(new(string)))
}
