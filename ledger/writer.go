/*
writer.go - Asynchronous write-through to the ProfileStore

PURPOSE:
  After every successful in-memory mutation the ledger submits the changed
  fields here and returns to its caller immediately. A single worker drains
  the queue, so patches reach the store in the order the mutations
  happened. Each patch carries whole field values (the full library, the
  full entry list), which makes last-writer-wins correct under that order.

FAILURES:
  A failed write is retried with exponential backoff up to MaxTries, then
  reported through OnComplete and logged. It never rolls back the
  in-memory profile: for the rest of the session the ledger stays the
  source of truth. A restart before the write lands loses that mutation.

QUEUE:
  Submit never blocks. A full queue drops the job and reports
  ErrWriteQueueFull. Close drains what is already queued.

TRACKING:
  The writer counts queued jobs per profile and remembers profiles whose
  write failed for good. A profile is dirty while either holds: its
  durable copy is behind memory. Resync clears the failure mark and
  queues a full patch. Wait blocks until a profile has nothing queued.

USAGE:
  w := ledger.NewWriter(store, ledger.WriterConfig{Logger: logger})
  w.Start()
  defer w.Close(ctx)
*/
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// WriteThrough receives patches from a ledger after each mutation.
type WriteThrough interface {
	Submit(id ProfileID, patch ProfilePatch)
}

// Tracker is implemented by write-throughs that can tell whether the store
// has caught up with a profile.
type Tracker interface {
	// Dirty reports queued jobs or a write for id that gave up.
	Dirty(id ProfileID) bool
	// Resync forgets earlier failures for id and submits patch.
	Resync(id ProfileID, patch ProfilePatch)
}

// WriteResult describes the outcome of one write-through job.
type WriteResult struct {
	ProfileID ProfileID
	Fields    []string
	Attempts  int
	Duration  time.Duration
	Err       error
}

type WriterConfig struct {
	QueueSize       int           // default 256
	MaxTries        uint          // default 3
	InitialInterval time.Duration // default 200ms
	MaxInterval     time.Duration // default 5s
	AttemptTimeout  time.Duration // default 10s

	// OnComplete is called once per job, from the worker goroutine or, for
	// rejected jobs, from the submitting goroutine. It must not call back
	// into a ledger.
	OnComplete func(WriteResult)

	Logger *zap.Logger
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxTries == 0 {
		c.MaxTries = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type writeJob struct {
	id        ProfileID
	patch     ProfilePatch
	submitted time.Time
}

// Writer implements WriteThrough on top of a ProfileStore.
type Writer struct {
	store ProfileStore
	cfg   WriterConfig

	jobs chan writeJob
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	started bool

	trackMu sync.Mutex
	pending map[ProfileID]int
	idle    map[ProfileID]chan struct{} // closed when pending drops to zero
	failed  map[ProfileID]bool
}

func NewWriter(store ProfileStore, cfg WriterConfig) *Writer {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		store:  store,
		cfg:    cfg,
		jobs:   make(chan writeJob, cfg.QueueSize),
		done:   make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[ProfileID]int),
		idle:    make(map[ProfileID]chan struct{}),
		failed:  make(map[ProfileID]bool),
	}
}

// Start launches the worker. Calling it twice is a no-op.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	go w.run()
	w.cfg.Logger.Debug("write-through started", zap.Int("queue_size", w.cfg.QueueSize))
}

// Submit enqueues patch for id without waiting for the store.
func (w *Writer) Submit(id ProfileID, patch ProfilePatch) {
	if patch.IsEmpty() {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	job := writeJob{id: id, patch: patch, submitted: time.Now()}
	w.track(id)
	if w.closed {
		w.finish(job, 0, ErrWriterClosed)
		return
	}
	select {
	case w.jobs <- job:
	default:
		w.finish(job, 0, ErrWriteQueueFull)
	}
}

// Pending returns the number of queued jobs.
func (w *Writer) Pending() int {
	return len(w.jobs)
}

// Close stops accepting jobs and waits for the queue to drain. If ctx ends
// first, in-progress retries are abandoned and ctx.Err() is returned.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.jobs)
	started := w.started
	w.mu.Unlock()

	if !started {
		// Nobody will drain the queue; report what was left.
		for job := range w.jobs {
			w.finish(job, 0, ErrWriterClosed)
		}
		w.cancel()
		return nil
	}

	select {
	case <-w.done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for job := range w.jobs {
		w.process(job)
	}
}

func (w *Writer) process(job writeJob) {
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		ctx, cancel := context.WithTimeout(w.ctx, w.cfg.AttemptTimeout)
		defer cancel()
		err := w.store.Update(ctx, job.id, job.patch)
		if errors.Is(err, ErrProfileNotFound) || errors.Is(err, ErrStoreRejected) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialInterval
	b.MaxInterval = w.cfg.MaxInterval

	_, err := backoff.Retry(w.ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(w.cfg.MaxTries),
	)
	w.finish(job, attempts, err)
}

func (w *Writer) finish(job writeJob, attempts int, err error) {
	defer w.untrack(job.id, err)

	res := WriteResult{
		ProfileID: job.id,
		Fields:    job.patch.Fields(),
		Attempts:  attempts,
		Duration:  time.Since(job.submitted),
		Err:       err,
	}
	if err != nil {
		w.cfg.Logger.Warn("write-through failed",
			zap.String("profile_id", string(job.id)),
			zap.Strings("fields", res.Fields),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	} else {
		w.cfg.Logger.Debug("write-through applied",
			zap.String("profile_id", string(job.id)),
			zap.Strings("fields", res.Fields),
			zap.Int("attempts", attempts),
			zap.Duration("duration", res.Duration),
		)
	}
	if w.cfg.OnComplete != nil {
		w.cfg.OnComplete(res)
	}
}

// =============================================================================
// TRACKING
// =============================================================================

func (w *Writer) track(id ProfileID) {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	if w.pending[id] == 0 {
		w.idle[id] = make(chan struct{})
	}
	w.pending[id]++
}

func (w *Writer) untrack(id ProfileID, err error) {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	if err != nil {
		w.failed[id] = true
	}
	w.pending[id]--
	if w.pending[id] <= 0 {
		delete(w.pending, id)
		close(w.idle[id])
		delete(w.idle, id)
	}
}

// Wait returns once no job for id is queued or running.
func (w *Writer) Wait(ctx context.Context, id ProfileID) error {
	w.trackMu.Lock()
	ch, ok := w.idle[id]
	w.trackMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) Dirty(id ProfileID) bool {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	return w.pending[id] > 0 || w.failed[id]
}

func (w *Writer) Resync(id ProfileID, patch ProfilePatch) {
	w.trackMu.Lock()
	delete(w.failed, id)
	w.trackMu.Unlock()
	w.Submit(id, patch)
}
