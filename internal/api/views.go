package api

import (
	"github.com/sells-group/qbank/internal/enhance"
	"github.com/sells-group/qbank/internal/model"
	"github.com/sells-group/qbank/internal/session"
)

type recordView struct {
	Index    int            `json:"index"`
	Status   model.Status   `json:"status"`
	Original model.Question `json:"original"`
	Enhanced model.Question `json:"enhanced"`
	Actions  actionsView    `json:"actions"`
}

func newRecordView(idx int, rec model.Record, st model.Status) recordView {
	return recordView{Index: idx, Status: st, Original: rec.Original, Enhanced: rec.Enhanced, Actions: newActionsView(st)}
}

// actionsView tells the UI which buttons apply to a record.
type actionsView struct {
	Enhance         bool `json:"enhance"`
	Approve         bool `json:"approve"`
	ApproveOriginal bool `json:"approve_original"`
}

func newActionsView(st model.Status) actionsView {
	return actionsView{
		Enhance:         model.CanTransition(st, model.ActionEnhanceStart) || model.CanTransition(st, model.ActionRetry),
		Approve:         model.CanTransition(st, model.ActionApprove),
		ApproveOriginal: model.CanTransition(st, model.ActionApproveOriginal),
	}
}

type historyView struct {
	Index   int  `json:"index"`
	Len     int  `json:"len"`
	CanUndo bool `json:"can_undo"`
	CanRedo bool `json:"can_redo"`
}

func newHistoryView(s *session.Session) historyView {
	return historyView{
		Index:   s.HistoryIndex(),
		Len:     s.HistoryLen(),
		CanUndo: s.CanUndo(),
		CanRedo: s.CanRedo(),
	}
}

type historyResponse struct {
	Applied bool        `json:"applied"`
	Index   *int        `json:"index,omitempty"`
	History historyView `json:"history"`
}

type failureView struct {
	Index     int    `json:"index"`
	Attempts  int    `json:"attempts,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Error     string `json:"error"`
}

// sessionView is what the UI polls: stats, saving indicator and history
// position of the active bank.
type sessionView struct {
	ID       string        `json:"id,omitempty"`
	Name     string        `json:"name"`
	Local    bool          `json:"local"`
	Stats    model.Stats   `json:"stats"`
	Subjects []string      `json:"subjects"`
	Saving   bool          `json:"saving"`
	Dirty    []int         `json:"dirty"`
	Failed   []failureView `json:"failed"`
	History  historyView   `json:"history"`
}

func newSessionView(s *session.Session) sessionView {
	v := sessionView{
		ID:       s.ID(),
		Name:     s.Name(),
		Local:    s.Local(),
		Stats:    s.Stats(),
		Subjects: s.Subjects(),
		Saving:   s.IsSaving(),
		Dirty:    s.Dirty(),
		Failed:   []failureView{},
		History:  newHistoryView(s),
	}
	if v.Subjects == nil {
		v.Subjects = []string{}
	}
	if v.Dirty == nil {
		v.Dirty = []int{}
	}
	for _, f := range s.Failed() {
		v.Failed = append(v.Failed, failureView{Index: f.Index, Attempts: f.Attempts, Error: f.Err.Error()})
	}
	return v
}

type reportView struct {
	Total     int           `json:"total"`
	Succeeded []int         `json:"succeeded"`
	Failed    []failureView `json:"failed"`
	Skipped   []int         `json:"skipped"`
	Cancelled bool          `json:"cancelled"`
}

func newReportView(r *enhance.BatchReport) *reportView {
	if r == nil {
		return nil
	}
	v := &reportView{
		Total:     r.Total,
		Succeeded: r.Succeeded,
		Skipped:   r.Skipped,
		Cancelled: r.Cancelled,
		Failed:    make([]failureView, 0, len(r.Failed)),
	}
	for _, f := range r.Failed {
		v.Failed = append(v.Failed, failureView{Index: f.Index, Retryable: f.Retryable(), Error: f.Err.Error()})
	}
	return v
}

type batchView struct {
	Running  bool             `json:"running"`
	Circuit  string           `json:"circuit"`
	Progress enhance.Progress `json:"progress"`
	Report   *reportView      `json:"report,omitempty"`
	Error    string           `json:"error,omitempty"`
}
