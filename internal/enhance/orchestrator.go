// Package enhance generates improved explanations for records through an
// external provider, one record at a time or over a range.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/qbank/internal/model"
	"github.com/sells-group/qbank/internal/resilience"
	"github.com/sells-group/qbank/internal/session"
)

// ErrNothingToEnhance is returned by EnhanceRange when no record in the
// range is pending or errored.
var ErrNothingToEnhance = eris.New("no pending records to enhance in range")

// errEmptyOutput marks provider output that had no usable explanation.
var errEmptyOutput = eris.New("provider returned empty or invalid format")

// Failure reports a failed enhancement of one record. The record is left
// in the error status.
type Failure struct {
	Index int
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("enhance record %d: %v", f.Index, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the provider failed in a way worth retrying
// later (rate limit, overload, timeout, network).
func (f *Failure) Retryable() bool { return resilience.IsTransient(f.Err) }

// Workspace is the record state the orchestrator drives. *session.Session
// implements it.
type Workspace interface {
	Len() int
	Status(idx int) (model.Status, error)
	Begin(idx int) (session.Checkpoint, error)
	Complete(cp session.Checkpoint, action model.Action, explanationHTML, explanationText string) (model.Edit, error)
	Fail(cp session.Checkpoint) error
	Abort(cp session.Checkpoint) error
}

// Config tunes provider calls.
type Config struct {
	// Timeout bounds one provider call.
	Timeout time.Duration
	// RatePerMinute caps provider calls; 0 means unlimited.
	RatePerMinute int
	// BreakerThreshold consecutive failures open the circuit for
	// BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns a 90s timeout and no rate cap.
func DefaultConfig() Config {
	return Config{
		Timeout:          90 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Progress is the position of a running batch.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Result is a successful enhancement.
type Result struct {
	Index  int
	Status model.Status
	Prompt PromptKind
	Edit   model.Edit
}

// BatchReport summarizes EnhanceRange.
type BatchReport struct {
	Total     int
	Succeeded []int
	Failed    []*Failure
	Skipped   []int
	Cancelled bool
}

// Orchestrator runs enhancements against a Workspace.
type Orchestrator struct {
	provider Provider
	fetcher  ImageFetcher
	prompts  Prompts
	cfg      Config
	limiter  *rate.Limiter
	breaker  *resilience.Breaker
	log      *zap.Logger

	mu         sync.Mutex
	progress   Progress
	onProgress func(Progress)
}

// New creates an orchestrator. fetcher may be nil to disable images.
func New(provider Provider, fetcher ImageFetcher, prompts Prompts, cfg Config) *Orchestrator {
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = d.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = d.BreakerCooldown
	}

	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
	}

	log := zap.L().Named("enhance")
	breaker := resilience.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)
	breaker.OnStateChange = func(from, to resilience.BreakerState) {
		log.Warn("provider circuit state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	}

	return &Orchestrator{
		provider: provider,
		fetcher:  fetcher,
		prompts:  prompts,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  breaker,
		log:      log,
	}
}

// OnProgress registers a callback fired after each batch item.
func (o *Orchestrator) OnProgress(fn func(Progress)) {
	o.mu.Lock()
	o.onProgress = fn
	o.mu.Unlock()
}

// Progress returns the position of the current or last batch.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// BreakerState reports the provider circuit.
func (o *Orchestrator) BreakerState() resilience.BreakerState {
	return o.breaker.State()
}

func (o *Orchestrator) setProgress(p Progress) {
	o.mu.Lock()
	o.progress = p
	cb := o.onProgress
	o.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

// EnhanceOne enhances record idx. A provider or output failure leaves the
// record in error and returns a *Failure.
func (o *Orchestrator) EnhanceOne(ctx context.Context, ws Workspace, idx int) (*Result, error) {
	return o.enhanceAt(ctx, ws, idx, model.ActionEnhanceSuccess)
}

// EnhanceRange enhances, in order, every pending or errored record in
// [start, start+count). Per-record failures are collected, not returned.
// Cancelling ctx stops the loop before the next record.
func (o *Orchestrator) EnhanceRange(ctx context.Context, ws Workspace, start, count int) (*BatchReport, error) {
	if start < 0 || count <= 0 {
		return nil, eris.Errorf("enhance: invalid range start=%d count=%d", start, count)
	}
	end := min(start+count, ws.Len())

	var selected []int
	for i := start; i < end; i++ {
		st, err := ws.Status(i)
		if err != nil {
			return nil, err
		}
		if st == model.StatusPending || st == model.StatusError {
			selected = append(selected, i)
		}
	}
	if len(selected) == 0 {
		return nil, ErrNothingToEnhance
	}

	report := &BatchReport{Total: len(selected)}
	o.setProgress(Progress{Current: 0, Total: len(selected)})
	o.log.Info("batch started", zap.Int("start", start), zap.Int("records", len(selected)))

loop:
	for i, idx := range selected {
		if ctx.Err() != nil {
			report.Cancelled = true
			report.Skipped = append(report.Skipped, selected[i:]...)
			break
		}
		if o.breaker.State() == resilience.BreakerOpen {
			o.log.Warn("provider circuit open, stopping batch", zap.Int("remaining", len(selected)-i))
			report.Skipped = append(report.Skipped, selected[i:]...)
			break
		}

		_, err := o.enhanceAt(ctx, ws, idx, model.ActionBatchEnhanceSuccess)
		var f *Failure
		switch {
		case err == nil:
			report.Succeeded = append(report.Succeeded, idx)
		case errors.As(err, &f):
			o.log.Warn("batch item failed", zap.Int("index", idx), zap.Error(f.Err))
			report.Failed = append(report.Failed, f)
		case errors.Is(err, resilience.ErrBreakerOpen):
			report.Skipped = append(report.Skipped, selected[i:]...)
			break loop
		case errors.Is(err, session.ErrClosed):
			report.Skipped = append(report.Skipped, selected[i:]...)
			return report, err
		default:
			// The record changed under us, e.g. it was undone mid-call.
			o.log.Warn("batch item skipped", zap.Int("index", idx), zap.Error(err))
			report.Skipped = append(report.Skipped, idx)
		}
		o.setProgress(Progress{Current: i + 1, Total: len(selected)})
	}

	if ctx.Err() != nil {
		report.Cancelled = true
	}
	o.log.Info("batch finished",
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Bool("cancelled", report.Cancelled),
	)
	return report, nil
}

func (o *Orchestrator) enhanceAt(ctx context.Context, ws Workspace, idx int, action model.Action) (*Result, error) {
	cp, err := ws.Begin(idx)
	if err != nil {
		return nil, err
	}

	html, kind, err := o.generate(ctx, cp.Enhanced)
	if errors.Is(err, resilience.ErrBreakerOpen) {
		// The provider was never called; leave the record as it was.
		if aerr := ws.Abort(cp); aerr != nil {
			o.log.Warn("releasing record", zap.Int("index", idx), zap.Error(aerr))
		}
		return nil, err
	}
	if err != nil {
		if ferr := ws.Fail(cp); errors.Is(ferr, session.ErrStaleCheckpoint) {
			o.log.Debug("failure for a record that has since changed", zap.Int("index", idx))
		} else if ferr != nil {
			o.log.Error("recording enhancement failure", zap.Int("index", idx), zap.Error(ferr))
		}
		return nil, &Failure{Index: idx, Err: err}
	}

	edit, err := ws.Complete(cp, action, html, CleanHTML(html))
	if err != nil {
		return nil, err
	}
	return &Result{Index: idx, Status: edit.NextStatus, Prompt: kind, Edit: edit}, nil
}

// generate makes the single provider call for q and returns sanitized HTML.
func (o *Orchestrator) generate(ctx context.Context, q model.Question) (string, PromptKind, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", "", eris.Wrap(err, "rate limit wait")
	}

	var images []Image
	if o.fetcher != nil {
		if urls := ImageURLs(q); len(urls) > 0 {
			images = o.fetcher.Fetch(ctx, urls)
		}
	}
	req, kind := BuildRequest(o.prompts, q, images)

	cctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	raw, err := resilience.Call(cctx, o.breaker, func(ctx context.Context) (string, error) {
		return o.provider.Enhance(ctx, req)
	})
	if err != nil {
		return "", kind, err
	}

	html := CleanOutput(raw)
	if html == "" {
		return "", kind, errEmptyOutput
	}
	return html, kind, nil
}
