package enhance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/qbank/internal/model"
	"github.com/sells-group/qbank/internal/resilience"
	"github.com/sells-group/qbank/internal/session"
)

// funcProvider adapts a function to Provider and records requests.
type funcProvider struct {
	mu    sync.Mutex
	reqs  []Request
	reply func(ctx context.Context, req Request) (string, error)
}

func (p *funcProvider) Enhance(ctx context.Context, req Request) (string, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return p.reply(ctx, req)
}

func (p *funcProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

const goodOutput = "```html\n<div class=\"mtq_explanation-text space-y-3\"><p>Because $x$.</p></div>\n```"

func newWorkspace(t *testing.T, n int) *session.Session {
	t.Helper()
	bank := &model.Bank{ID: "bank"}
	for i := 0; i < n; i++ {
		q := model.Question{
			QuestionText: "q" + string(rune('0'+i)),
			Options:      []model.Option{{Label: "B", IsCorrect: true}},
		}
		bank.Records = append(bank.Records, model.NewRecord(q))
	}
	s, err := session.New(bank, session.Options{})
	require.NoError(t, err)
	return s
}

func newTestOrchestrator(p Provider) *Orchestrator {
	return New(p, nil, DefaultPrompts(), Config{Timeout: time.Second})
}

func TestEnhanceOne_Success(t *testing.T) {
	ws := newWorkspace(t, 3)
	p := &funcProvider{reply: func(context.Context, Request) (string, error) { return goodOutput, nil }}
	o := newTestOrchestrator(p)

	res, err := o.EnhanceOne(context.Background(), ws, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnhanced, res.Status)
	assert.Equal(t, PromptTextGen, res.Prompt)
	assert.Equal(t, model.StatusPending, res.Edit.PrevStatus)

	rec, st, err := ws.Record(1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnhanced, st)
	assert.Equal(t, `<div class="mtq_explanation-text space-y-3"><p>Because $x$.</p></div>`, rec.Enhanced.ExplanationHTML)
	assert.Equal(t, "Because $x$.", rec.Enhanced.ExplanationText)
	assert.Equal(t, 0, ws.HistoryIndex())

	require.Equal(t, 1, p.calls())
	assert.Equal(t, "QUESTION: q1\nCORRECT ANSWER: B", p.reqs[0].User)
}

func TestEnhanceOne_FailureSetsError(t *testing.T) {
	ws := newWorkspace(t, 2)
	p := &funcProvider{reply: func(context.Context, Request) (string, error) { return "", errors.New("overloaded") }}
	o := newTestOrchestrator(p)

	_, err := o.EnhanceOne(context.Background(), ws, 0)
	require.Error(t, err)
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, 0, f.Index)
	assert.Contains(t, f.Error(), "overloaded")

	st, _ := ws.Status(0)
	assert.Equal(t, model.StatusError, st)
	assert.Equal(t, -1, ws.HistoryIndex())
}

func TestEnhanceOne_EmptyOutputIsFailure(t *testing.T) {
	ws := newWorkspace(t, 1)
	p := &funcProvider{reply: func(context.Context, Request) (string, error) { return "```\n```", nil }}
	o := newTestOrchestrator(p)

	_, err := o.EnhanceOne(context.Background(), ws, 0)
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.True(t, errors.Is(err, errEmptyOutput))
}

func TestEnhanceOne_RetryFromError(t *testing.T) {
	ws := newWorkspace(t, 1)
	fail := true
	p := &funcProvider{reply: func(context.Context, Request) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return goodOutput, nil
	}}
	o := newTestOrchestrator(p)

	_, err := o.EnhanceOne(context.Background(), ws, 0)
	require.Error(t, err)

	fail = false
	res, err := o.EnhanceOne(context.Background(), ws, 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, res.Edit.PrevStatus)
	assert.Equal(t, model.StatusEnhanced, res.Edit.NextStatus)
}

func TestEnhanceOne_Timeout(t *testing.T) {
	ws := newWorkspace(t, 1)
	p := &funcProvider{reply: func(ctx context.Context, _ Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	o := New(p, nil, DefaultPrompts(), Config{Timeout: 20 * time.Millisecond})

	_, err := o.EnhanceOne(context.Background(), ws, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	st, _ := ws.Status(0)
	assert.Equal(t, model.StatusError, st)
}

func TestEnhanceRange_PartialFailure(t *testing.T) {
	ws := newWorkspace(t, 5)
	p := &funcProvider{reply: func(_ context.Context, req Request) (string, error) {
		if strings.Contains(req.User, "QUESTION: q2") {
			return "", errors.New("provider error")
		}
		return goodOutput, nil
	}}
	o := newTestOrchestrator(p)

	var seen []Progress
	o.OnProgress(func(pr Progress) { seen = append(seen, pr) })

	report, err := o.EnhanceRange(context.Background(), ws, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, []int{0, 1, 3, 4}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 2, report.Failed[0].Index)
	assert.False(t, report.Cancelled)

	want := []model.Status{
		model.StatusBatchEnhanced, model.StatusBatchEnhanced, model.StatusError,
		model.StatusBatchEnhanced, model.StatusBatchEnhanced,
	}
	assert.Equal(t, want, ws.Statuses())
	assert.Equal(t, 4, ws.HistoryLen(), "one edit per enhanced record")

	require.Len(t, seen, 6)
	assert.Equal(t, Progress{Current: 0, Total: 5}, seen[0])
	assert.Equal(t, Progress{Current: 5, Total: 5}, seen[5])
	assert.Equal(t, Progress{Current: 5, Total: 5}, o.Progress())
}

func TestEnhanceRange_SelectsPendingAndError(t *testing.T) {
	ws := newWorkspace(t, 6)
	p := &funcProvider{reply: func(context.Context, Request) (string, error) { return goodOutput, nil }}
	o := newTestOrchestrator(p)

	_, err := o.EnhanceOne(context.Background(), ws, 1)
	require.NoError(t, err)
	_, err = ws.Approve(1)
	require.NoError(t, err)

	report, err := o.EnhanceRange(context.Background(), ws, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3}, report.Succeeded)

	st, _ := ws.Status(1)
	assert.Equal(t, model.StatusApproved, st)
	st, _ = ws.Status(4)
	assert.Equal(t, model.StatusPending, st)

	_, err = o.EnhanceRange(context.Background(), ws, 0, 4)
	assert.True(t, errors.Is(err, ErrNothingToEnhance))
}

func TestEnhanceRange_ClampsToBank(t *testing.T) {
	ws := newWorkspace(t, 3)
	p := &funcProvider{reply: func(context.Context, Request) (string, error) { return goodOutput, nil }}
	o := newTestOrchestrator(p)

	report, err := o.EnhanceRange(context.Background(), ws, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, report.Succeeded)

	_, err = o.EnhanceRange(context.Background(), ws, 0, 0)
	assert.Error(t, err)
}

func TestEnhanceRange_CancelStopsBetweenItems(t *testing.T) {
	ws := newWorkspace(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	p := &funcProvider{reply: func(ctx context.Context, _ Request) (string, error) {
		calls++
		if calls == 2 {
			cancel()
			return "", ctx.Err()
		}
		return goodOutput, nil
	}}
	o := newTestOrchestrator(p)

	report, err := o.EnhanceRange(ctx, ws, 0, 4)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, []int{0}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 1, report.Failed[0].Index)
	assert.Equal(t, []int{2, 3}, report.Skipped)
	assert.Equal(t, 2, p.calls())

	assert.Equal(t, []model.Status{
		model.StatusBatchEnhanced, model.StatusError, model.StatusPending, model.StatusPending,
	}, ws.Statuses())
}

func TestEnhanceRange_BreakerOpens(t *testing.T) {
	ws := newWorkspace(t, 4)
	p := &funcProvider{reply: func(context.Context, Request) (string, error) { return "", errors.New("down") }}
	o := New(p, nil, DefaultPrompts(), Config{Timeout: time.Second, BreakerThreshold: 2, BreakerCooldown: time.Hour})

	report, err := o.EnhanceRange(context.Background(), ws, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls(), "open circuit stops the batch")
	require.Len(t, report.Failed, 2)
	assert.Equal(t, []int{2, 3}, report.Skipped)
	assert.False(t, report.Cancelled)
	assert.Equal(t, resilience.BreakerOpen, o.BreakerState())
	assert.Equal(t, []model.Status{
		model.StatusError, model.StatusError, model.StatusPending, model.StatusPending,
	}, ws.Statuses(), "records the provider never saw keep their status")
}

func TestEnhanceOne_BreakerOpenLeavesRecord(t *testing.T) {
	ws := newWorkspace(t, 2)
	p := &funcProvider{reply: func(context.Context, Request) (string, error) { return "", errors.New("down") }}
	o := New(p, nil, DefaultPrompts(), Config{Timeout: time.Second, BreakerThreshold: 1, BreakerCooldown: time.Hour})

	_, err := o.EnhanceOne(context.Background(), ws, 0)
	var f *Failure
	require.True(t, errors.As(err, &f))

	_, err = o.EnhanceOne(context.Background(), ws, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrBreakerOpen))
	assert.False(t, errors.As(err, &f))
	assert.Equal(t, 1, p.calls())

	st, err := ws.Status(1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, st)
	assert.Equal(t, -1, ws.HistoryIndex())
}

func TestFailure_Retryable(t *testing.T) {
	transient := &Failure{Index: 0, Err: resilience.NewTransientError(errors.New("overloaded"), 529)}
	assert.True(t, transient.Retryable())

	permanent := &Failure{Index: 0, Err: errEmptyOutput}
	assert.False(t, permanent.Retryable())
}

func TestEnhanceOne_InvalidTransition(t *testing.T) {
	ws := newWorkspace(t, 1)
	p := &funcProvider{reply: func(context.Context, Request) (string, error) { return goodOutput, nil }}
	o := newTestOrchestrator(p)

	_, err := ws.Begin(0)
	require.NoError(t, err)

	_, err = o.EnhanceOne(context.Background(), ws, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
	assert.Equal(t, 0, p.calls())
}
