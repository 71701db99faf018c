package sqlstage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type writeMsg struct {
	Table  string
	Record Record
}

// WorkerOptions configures the storage worker and its delegate.
type WorkerOptions struct {
	// Buffering is how many pending records the worker accumulates before
	// flushing to staging. Default 100000.
	Buffering int
	// QueueSize bounds the channel between producers and the worker.
	// Default 4096.
	QueueSize int
	// MaxPending bounds the delegate's local buffer while the channel is
	// backed up. Exceeding it is reported, never silently dropped.
	// Default Buffering * 5.
	MaxPending int
	// DrainWait bounds how long the worker waits for stragglers while
	// draining the channel during shutdown. Default 2s.
	DrainWait time.Duration
	// Merge controls whether Finish merges staging into main.
	Merge bool
	// Silent quiets the underlying writer.
	Silent bool
}

func (o *WorkerOptions) withDefaults() WorkerOptions {
	opts := WorkerOptions{Merge: true}
	if o != nil {
		opts = *o
	}
	if opts.Buffering <= 0 {
		opts.Buffering = 100000
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = opts.Buffering * 5
	}
	if opts.DrainWait <= 0 {
		opts.DrainWait = 2 * time.Second
	}
	return opts
}

// StorageWorker owns the single DatabaseWriter for a database target and
// drains the producer channel continuously, flushing whenever the pending
// record count crosses the buffering threshold.
//
// Shutdown protocol, tiered by interrupt count:
//  1. stop accepting new work, drain remaining items with a bounded wait,
//     flush, finish cleanly;
//  2. force immediate drain-and-flush;
//  3. abort the connections outright, accepting data loss.
type StorageWorker struct {
	path   string
	schema *Schema
	opts   WorkerOptions
	log    zerolog.Logger

	items   chan writeMsg
	ready   chan struct{}
	closing chan struct{}
	errs    chan error

	readyOnce sync.Once
	closeOnce sync.Once

	interrupts atomic.Int32
	writer     *DatabaseWriter
}

func NewStorageWorker(path string, schema *Schema, opts *WorkerOptions) *StorageWorker {
	o := opts.withDefaults()
	return &StorageWorker{
		path:    path,
		schema:  schema,
		opts:    o,
		log:     log.With().Str("component", "worker").Logger(),
		items:   make(chan writeMsg, o.QueueSize),
		ready:   make(chan struct{}),
		closing: make(chan struct{}),
		errs:    make(chan error, 1),
	}
}

// Run owns the writer for its whole life. Any failure is pushed onto the
// error side channel and returned, so a supervising errgroup and a polling
// parent both observe it.
func (w *StorageWorker) Run() error {
	fail := func(err error) error {
		w.Shutdown()
		select {
		case w.errs <- err:
		default:
		}
		return err
	}

	w.log.Info().Str("path", w.path).Msg("Starting database worker")
	writer, err := NewWriter(w.path, w.schema, &WriterOptions{Silent: w.opts.Silent})
	if err != nil {
		return fail(err)
	}
	w.writer = writer
	w.readyOnce.Do(func() { close(w.ready) })

	var g errgroup.Group
	flushReq := make(chan struct{}, 1)
	g.Go(func() error {
		for range flushReq {
			if err := writer.Flush(); err != nil {
				return err
			}
		}
		return nil
	})

	w.accept(flushReq)
	w.deplete()
	close(flushReq)
	flushErr := g.Wait()

	if w.interrupts.Load() >= 3 {
		writer.Interrupt()
		writer.Close()
		return fail(ErrDatabaseLocked)
	}

	w.log.Info().Msg("Finalizing database")
	if flushErr != nil {
		writer.Close()
		return fail(flushErr)
	}
	if err := writer.Finish(w.opts.Merge); err != nil {
		writer.Close()
		return fail(err)
	}
	return nil
}

func (w *StorageWorker) accept(flushReq chan<- struct{}) {
	for {
		select {
		case <-w.closing:
			return
		case msg := <-w.items:
			w.writer.Write(msg.Table, msg.Record)
			if w.writer.RecordCount() >= w.opts.Buffering {
				select {
				case flushReq <- struct{}{}:
				default: // a flush is already queued
				}
			}
		}
	}
}

// deplete drains whatever producers managed to queue before they observed the
// closing signal.
func (w *StorageWorker) deplete() {
	for {
		if w.interrupts.Load() >= 3 {
			return
		}
		if w.interrupts.Load() >= 2 {
			select {
			case msg := <-w.items:
				w.writer.Write(msg.Table, msg.Record)
			default:
				return
			}
			continue
		}
		select {
		case msg := <-w.items:
			w.writer.Write(msg.Table, msg.Record)
		case <-time.After(w.opts.DrainWait):
			w.log.Debug().Msg("Queue depleted")
			return
		}
	}
}

// Shutdown stops intake; the worker drains and finishes. Idempotent.
func (w *StorageWorker) Shutdown() {
	w.closeOnce.Do(func() { close(w.closing) })
}

// Interrupt advances the tiered shutdown protocol by one step.
func (w *StorageWorker) Interrupt() {
	n := w.interrupts.Add(1)
	switch {
	case n == 1:
		w.log.Warn().Msg("Interrupt received; draining and shutting down")
		w.log.Warn().Msg("Interrupting again may cause some records to be lost")
		w.Shutdown()
	case n == 2:
		w.log.Warn().Msg("Forcing immediate drain and flush")
	default:
		w.log.Error().Msg("Aborting database connections; records will be lost")
		if w.writer != nil {
			w.writer.Interrupt()
		}
	}
}

// backoffPhase is the delegate's explicit retry state.
type backoffPhase int

const (
	delegateIdle backoffPhase = iota
	delegateBackoff
	delegateDraining
)

type backoffState struct {
	phase backoffPhase
	since time.Time
	wait  time.Duration
}

// WriterDelegate is the producer-side write API. Writes never block: when the
// channel is full they buffer locally and retry on an exponential backoff
// schedule; once the worker signals it is closing, further writes are
// discarded with a warning rather than blocking forever.
type WriterDelegate struct {
	items   chan<- writeMsg
	ready   <-chan struct{}
	closing <-chan struct{}

	mu         sync.Mutex
	buffer     []writeMsg
	state      backoffState
	bo         *backoff.ExponentialBackOff
	maxPending int
	warned     bool
	log        zerolog.Logger
}

// Delegate returns the producer-side handle for this worker.
func (w *StorageWorker) Delegate() *WriterDelegate {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 64 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &WriterDelegate{
		items:      w.items,
		ready:      w.ready,
		closing:    w.closing,
		bo:         bo,
		maxPending: w.opts.MaxPending,
		log:        log.With().Str("component", "delegate").Logger(),
	}
}

func (d *WriterDelegate) isSet(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Write queues one record for the worker.
func (d *WriterDelegate) Write(table string, record Record) {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg := writeMsg{Table: table, Record: record}
	if !d.isSet(d.ready) {
		d.buffer = append(d.buffer, msg)
		return
	}
	if d.state.phase == delegateBackoff {
		d.buffer = append(d.buffer, msg)
		if len(d.buffer) > d.maxPending || time.Since(d.state.since) >= d.state.wait {
			d.flushLocked()
		}
		return
	}
	select {
	case d.items <- msg:
	default:
		d.buffer = append(d.buffer, msg)
		d.backoffLocked()
	}
}

// Flush retries sending the locally buffered records.
func (d *WriterDelegate) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
}

func (d *WriterDelegate) flushLocked() {
	if len(d.buffer) == 0 {
		return
	}
	d.state = backoffState{phase: delegateDraining}
	for len(d.buffer) > 0 {
		msg := d.buffer[0]
		select {
		case d.items <- msg:
			d.buffer = d.buffer[1:]
		default:
			d.backoffLocked()
			if d.isSet(d.closing) {
				d.log.Warn().Int("records", len(d.buffer)).
					Msg("Records discarded because writer is closing")
				d.buffer = nil
				return
			}
			if len(d.buffer) > d.maxPending && !d.warned {
				d.warned = true
				d.log.Warn().Int("pending", len(d.buffer)).Int("bound", d.maxPending).
					Msg("Pending records exceed the configured bound")
			}
			return
		}
	}
	d.bo.Reset()
	d.warned = false
	d.state = backoffState{phase: delegateIdle}
}

func (d *WriterDelegate) backoffLocked() {
	wait := d.bo.NextBackOff()
	if d.state.phase != delegateBackoff {
		d.state = backoffState{phase: delegateBackoff, since: time.Now(), wait: wait}
		return
	}
	d.state.since = time.Now()
	d.state.wait = wait
}

// Pending reports how many records sit in the local buffer.
func (d *WriterDelegate) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffer)
}

// Close drains the local buffer, waiting out backoff periods, until either
// everything is handed to the worker or the worker is closing.
func (d *WriterDelegate) Close() {
	for {
		d.mu.Lock()
		empty := len(d.buffer) == 0
		closing := d.isSet(d.closing)
		wait := d.state.wait
		if !empty {
			d.flushLocked()
			empty = len(d.buffer) == 0
		}
		d.mu.Unlock()
		if empty || closing {
			return
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		time.Sleep(wait)
	}
}

// StoragePipeline runs a StorageWorker in its own goroutine and hands
// producers a delegate. The worker's failure is observed through Err or the
// error returned by Close; the parent must act on it instead of writing on.
type StoragePipeline struct {
	worker   *StorageWorker
	delegate *WriterDelegate
	group    *errgroup.Group
}

func NewStoragePipeline(path string, schema *Schema, opts *WorkerOptions) *StoragePipeline {
	worker := NewStorageWorker(path, schema, opts)
	g := new(errgroup.Group)
	g.Go(worker.Run)
	return &StoragePipeline{worker: worker, delegate: worker.Delegate(), group: g}
}

// Write queues one record through the delegate.
func (p *StoragePipeline) Write(table string, record Record) {
	p.delegate.Write(table, record)
}

// Err reports a worker failure without blocking, nil if none so far.
func (p *StoragePipeline) Err() error {
	select {
	case err := <-p.worker.errs:
		return err
	default:
		return nil
	}
}

// Interrupt advances the worker's tiered shutdown protocol.
func (p *StoragePipeline) Interrupt() {
	p.worker.Interrupt()
}

// Close hands the remaining buffered records to the worker, signals it to
// finish, and waits for it. Call exactly once at end of life.
func (p *StoragePipeline) Close() error {
	p.delegate.Close()
	p.worker.Shutdown()
	return p.group.Wait()
}
