// Package writeback persists dirty records to the remote store on a
// debounced schedule, independent of the caller's event loop.
package writeback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/qbank/internal/model"
	"github.com/sells-group/qbank/internal/resilience"
)

// Snapshot is the current state of one record as read at write time.
type Snapshot struct {
	Ref      model.RecordRef
	Enhanced model.Question
	Status   model.Status
}

// Source exposes the live record state. The queue never caches values; it
// reads them when a write is issued so the newest state always wins.
type Source interface {
	Snapshot(index int) (Snapshot, error)
}

// Writer persists one record. Writes are last-writer-wins.
type Writer interface {
	UpdateRecord(ctx context.Context, ref model.RecordRef, enhanced model.Question, status model.Status) error
}

// Config tunes the queue.
type Config struct {
	// Debounce is the idle time after the last mark before a flush.
	Debounce time.Duration
	// MaxParallel bounds concurrent writes within one flush.
	MaxParallel int
	// MaxRequeues is how many flushes a failing id is re-queued for
	// before it is dropped and reported.
	MaxRequeues int
	// WriteTimeout bounds a single write attempt.
	WriteTimeout time.Duration
	// Retry is applied to every write before it counts as failed.
	Retry resilience.Policy
}

// DefaultConfig returns a 1s debounce with bounded retries.
func DefaultConfig() Config {
	return Config{
		Debounce:     time.Second,
		MaxParallel:  8,
		MaxRequeues:  3,
		WriteTimeout: 15 * time.Second,
		Retry:        resilience.DefaultPolicy(),
	}
}

// PersistenceFailure reports an id whose write was given up on.
type PersistenceFailure struct {
	Index    int
	Attempts int
	Err      error
}

func (f *PersistenceFailure) Error() string {
	return fmt.Sprintf("persist record %d failed after %d attempts: %v", f.Index, f.Attempts, f.Err)
}

func (f *PersistenceFailure) Unwrap() error { return f.Err }

// Queue coalesces dirty record ids and flushes them in parallel. Only one
// flush batch is in flight at a time, so an id is never written by two
// concurrent requests.
type Queue struct {
	src Source
	w   Writer
	cfg Config
	log *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	pending  map[int]struct{}
	failures map[int]int
	dropped  map[int]*PersistenceFailure
	timer    *time.Timer
	inFlight bool
	again    bool
	done     chan struct{}
	closed   bool
	saving   bool
	onSaving func(bool)
}

// New creates a queue reading from src and writing through w.
func New(src Source, w Writer, cfg Config) *Queue {
	d := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = d.Debounce
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = d.MaxParallel
	}
	if cfg.MaxRequeues < 0 {
		cfg.MaxRequeues = 0
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("store", "update_record")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		src:      src,
		w:        w,
		cfg:      cfg,
		log:      zap.L().Named("writeback"),
		baseCtx:  ctx,
		cancel:   cancel,
		pending:  make(map[int]struct{}),
		failures: make(map[int]int),
		dropped:  make(map[int]*PersistenceFailure),
	}
}

// OnSavingChange registers a callback fired whenever IsSaving flips.
func (q *Queue) OnSavingChange(fn func(saving bool)) {
	q.mu.Lock()
	q.onSaving = fn
	q.mu.Unlock()
}

// MarkDirty queues index for persistence and restarts the idle timer.
func (q *Queue) MarkDirty(index int) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Warn("mark after close ignored", zap.Int("index", index))
		return
	}
	q.pending[index] = struct{}{}
	delete(q.failures, index)
	delete(q.dropped, index)
	q.armLocked()
	q.mu.Unlock()

	q.notifySaving()
}

// IsSaving reports whether anything is pending or in flight.
func (q *Queue) IsSaving() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0 || q.inFlight
}

// Pending returns the ids waiting for the next flush, sorted.
func (q *Queue) Pending() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedIDs(q.pending)
}

// Failed returns ids that were dropped after exhausting re-queues.
func (q *Queue) Failed() []PersistenceFailure {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PersistenceFailure, 0, len(q.dropped))
	for _, f := range q.dropped {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Flush swaps the pending set for an empty one and writes every captured
// id. Marks that arrive meanwhile land in the fresh set. If a flush is
// already running, Flush asks it to run again once done and waits for it.
// Write failures are handled inside the queue and never returned.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.inFlight {
		q.again = true
		done := q.done
		q.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.inFlight = true
	q.done = make(chan struct{})
	q.mu.Unlock()
	q.notifySaving()

	for {
		q.mu.Lock()
		batch := sortedIDs(q.pending)
		q.pending = make(map[int]struct{})
		q.again = false
		if q.timer != nil {
			q.timer.Stop()
		}
		q.mu.Unlock()

		q.writeBatch(ctx, batch)

		q.mu.Lock()
		if !q.again || len(q.pending) == 0 || ctx.Err() != nil {
			q.inFlight = false
			close(q.done)
			if len(q.pending) > 0 && !q.closed {
				q.armLocked()
			}
			q.mu.Unlock()
			break
		}
		q.mu.Unlock()
	}

	q.notifySaving()
	return nil
}

// FlushNow forces pending writes out and waits until nothing is pending or
// in flight. Use it before switching banks or shutting down.
func (q *Queue) FlushNow(ctx context.Context) error {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
	}
	q.mu.Unlock()

	for {
		if err := q.Flush(ctx); err != nil {
			return err
		}
		if !q.IsSaving() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Close flushes everything and stops accepting marks.
func (q *Queue) Close(ctx context.Context) error {
	err := q.FlushNow(ctx)

	q.mu.Lock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	q.mu.Unlock()

	q.cancel()
	return err
}

func (q *Queue) armLocked() {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.cfg.Debounce, func() {
		_ = q.Flush(q.baseCtx)
	})
}

func (q *Queue) writeBatch(ctx context.Context, ids []int) {
	var g errgroup.Group
	g.SetLimit(q.cfg.MaxParallel)

	for _, idx := range ids {
		g.Go(func() error {
			q.writeOne(ctx, idx)
			return nil
		})
	}
	_ = g.Wait()

	q.log.Debug("flush complete", zap.Int("records", len(ids)))
}

func (q *Queue) writeOne(ctx context.Context, index int) {
	err := resilience.Do(ctx, q.cfg.Retry, func(ctx context.Context) error {
		snap, err := q.src.Snapshot(index)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, q.cfg.WriteTimeout)
		defer cancel()
		return q.w.UpdateRecord(wctx, snap.Ref, snap.Enhanced, snap.Status)
	})

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		delete(q.failures, index)
		delete(q.dropped, index)
		return
	}

	if ctx.Err() != nil {
		// The flush was interrupted; the write itself did not fail.
		q.pending[index] = struct{}{}
		return
	}

	q.failures[index]++
	attempts := q.failures[index]
	if attempts <= q.cfg.MaxRequeues && !q.closed {
		q.log.Warn("record write failed, re-queued",
			zap.Int("index", index),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		q.pending[index] = struct{}{}
		q.armLocked()
		return
	}

	delete(q.failures, index)
	f := &PersistenceFailure{Index: index, Attempts: attempts, Err: err}
	q.dropped[index] = f
	q.log.Error("record write dropped", zap.Int("index", index), zap.Error(f))
}

func (q *Queue) notifySaving() {
	q.mu.Lock()
	saving := len(q.pending) > 0 || q.inFlight
	changed := saving != q.saving
	q.saving = saving
	cb := q.onSaving
	q.mu.Unlock()

	if changed && cb != nil {
		cb(saving)
	}
}

func sortedIDs(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
