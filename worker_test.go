package sqlstage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.db")
	s := testSchema(t)

	p := NewStoragePipeline(path, s, &WorkerOptions{
		Buffering: 2,
		QueueSize: 16,
		DrainWait: 100 * time.Millisecond,
		Merge:     true,
		Silent:    true,
	})
	p.Write("url", Record{"url": "https://a.test/"})
	p.Write("url", Record{"url": "https://b.test/"})
	p.Write("url", Record{"url": "https://c.test/"})
	p.Write("hyperlink", Record{
		"source_id": "https://a.test/", "target_id": "https://b.test/", "element": "a",
	})
	require.NoError(t, p.Close())

	c := openAssertStore(t, path)
	assert.Equal(t, int64(3), countOf(t, c, "url"))
	assert.Equal(t, int64(1), countOf(t, c, "hyperlink"))
}

func TestPipelineSurfacesWriterFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.db")
	s := testSchema(t)

	// A database at a version the schema does not support.
	c, err := openStore(path)
	require.NoError(t, err)
	require.NoError(t, c.exec(versionCreate))
	require.NoError(t, c.exec(versionInsert, "0.0.1"))
	require.NoError(t, c.close())

	p := NewStoragePipeline(path, s, &WorkerOptions{Silent: true})
	p.Write("url", Record{"url": "https://a.test/"})
	err = p.Close()
	var mismatch *SchemaVersionError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "0.0.1", mismatch.DB)
}

func TestDelegateBackoffStateMachine(t *testing.T) {
	w := NewStorageWorker(":memory:", testSchema(t), &WorkerOptions{
		QueueSize: 1, Buffering: 10, MaxPending: 100,
	})
	close(w.ready) // pretend the worker came up; nothing drains the channel
	d := w.Delegate()

	d.Write("url", Record{"url": "a"})
	assert.Equal(t, delegateIdle, d.state.phase)
	assert.Equal(t, 0, d.Pending())

	// Channel is full: the write buffers and backoff starts at one second.
	d.Write("url", Record{"url": "b"})
	assert.Equal(t, delegateBackoff, d.state.phase)
	assert.Equal(t, time.Second, d.state.wait)
	assert.Equal(t, 1, d.Pending())

	// Still inside the retry window: buffer without touching the channel.
	d.Write("url", Record{"url": "c"})
	assert.Equal(t, 2, d.Pending())

	// Window elapsed and one slot free: the flush drains what it can, then
	// backs off again with a doubled wait.
	d.state.since = time.Now().Add(-time.Hour)
	<-w.items
	d.Write("url", Record{"url": "d"})
	assert.Equal(t, delegateBackoff, d.state.phase)
	assert.Equal(t, 2*time.Second, d.state.wait)
	assert.Equal(t, 2, d.Pending())

	// Drain the rest; the schedule resets once the buffer empties.
	<-w.items
	d.Flush()
	<-w.items
	d.Flush()
	assert.Equal(t, delegateIdle, d.state.phase)
	assert.Equal(t, 0, d.Pending())
	<-w.items
}

func TestDelegateDiscardsWhenWorkerIsClosing(t *testing.T) {
	w := NewStorageWorker(":memory:", testSchema(t), &WorkerOptions{QueueSize: 1})
	close(w.ready)
	d := w.Delegate()

	d.Write("url", Record{"url": "a"}) // fills the channel
	d.Write("url", Record{"url": "b"})
	assert.Equal(t, 1, d.Pending())

	w.Shutdown()
	d.Flush()
	assert.Equal(t, 0, d.Pending(), "buffered records are dropped once the worker is closing")
}

func TestDelegateBuffersUntilWorkerReady(t *testing.T) {
	w := NewStorageWorker(":memory:", testSchema(t), &WorkerOptions{QueueSize: 16})
	d := w.Delegate()

	d.Write("url", Record{"url": "a"})
	d.Write("url", Record{"url": "b"})
	assert.Equal(t, 2, d.Pending())
	assert.Len(t, w.items, 0)

	close(w.ready)
	d.Flush()
	assert.Equal(t, 0, d.Pending())
	assert.Len(t, w.items, 2)
}

func TestWorkerInterruptTiers(t *testing.T) {
	w := NewStorageWorker(":memory:", testSchema(t), nil)

	w.Interrupt()
	select {
	case <-w.closing:
	default:
		t.Fatal("first interrupt must stop intake")
	}

	w.Interrupt()
	w.Interrupt() // no writer yet; must not panic
	assert.EqualValues(t, 3, w.interrupts.Load())
}
