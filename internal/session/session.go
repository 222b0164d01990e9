// Package session holds the in-memory state of the active question bank:
// its records, their workflow statuses, the undo/redo history and the
// write-back queue that persists changes.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/qbank/internal/history"
	"github.com/sells-group/qbank/internal/model"
	"github.com/sells-group/qbank/internal/store"
	"github.com/sells-group/qbank/internal/writeback"
)

// Options configures a session.
type Options struct {
	// Writer persists records. Nil gives a local-only session.
	Writer     store.RecordWriter
	Writeback  writeback.Config
	MaxHistory int
}

// Checkpoint is the state of a record captured when an enhancement begins.
// It becomes the Prev side of the edit recorded when the call completes.
type Checkpoint struct {
	Index    int
	Original model.Question
	Enhanced model.Question
	Status   model.Status

	seq uint64
}

// Session is the context object for one active bank. All record, status
// and history mutations go through its mutex; remote writes happen on the
// queue's own schedule.
type Session struct {
	id      string
	name    string
	ownerID string
	rowIDs  map[int]string

	mu       sync.Mutex
	records  *RecordStore
	inFlight map[int]Checkpoint
	seq      uint64
	closed   bool

	history *history.Log
	queue   *writeback.Queue
	log     *zap.Logger
}

// New builds a session around a loaded bank.
func New(bank *model.Bank, opts Options) (*Session, error) {
	if bank == nil {
		return nil, eris.New("session: nil bank")
	}
	rs, err := NewRecordStore(bank.Records, bank.Statuses)
	if err != nil {
		return nil, err
	}

	rowIDs := make(map[int]string, len(bank.RowIDs))
	for k, v := range bank.RowIDs {
		rowIDs[k] = v
	}

	s := &Session{
		id:       bank.ID,
		name:     bank.Name,
		ownerID:  bank.OwnerID,
		rowIDs:   rowIDs,
		records:  rs,
		inFlight: make(map[int]Checkpoint),
		history:  history.New(opts.MaxHistory),
		log:      zap.L().Named("session").With(zap.String("bank_id", bank.ID)),
	}
	if opts.Writer != nil {
		s.queue = writeback.New(s, opts.Writer, opts.Writeback)
	}
	return s, nil
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Name() string    { return s.name }
func (s *Session) OwnerID() string { return s.ownerID }

// Local reports whether the session has no remote store behind it.
func (s *Session) Local() bool { return s.queue == nil }

// Ref returns the remote address of record idx.
func (s *Session) Ref(idx int) model.RecordRef {
	return model.RecordRef{BankID: s.id, Index: idx, RowID: s.rowIDs[idx]}
}

// Snapshot implements writeback.Source. A record mid-enhancement reports
// its pre-call state so the interim status is never persisted.
func (s *Session) Snapshot(idx int) (writeback.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp, ok := s.inFlight[idx]; ok {
		return writeback.Snapshot{Ref: s.Ref(idx), Enhanced: cp.Enhanced.Clone(), Status: cp.Status}, nil
	}
	rec, st, err := s.records.Get(idx)
	if err != nil {
		return writeback.Snapshot{}, err
	}
	return writeback.Snapshot{Ref: s.Ref(idx), Enhanced: rec.Enhanced, Status: st}, nil
}

// Len returns the number of records.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Len()
}

// Record returns a copy of record idx and its status.
func (s *Session) Record(idx int) (model.Record, model.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Get(idx)
}

func (s *Session) Status(idx int) (model.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Status(idx)
}

func (s *Session) Statuses() []model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Statuses()
}

func (s *Session) Stats() model.Stats {
	return model.ComputeStats(s.Statuses())
}

func (s *Session) Subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Subjects(s.records.records)
}

// Filter returns the indices whose original subject matches. An empty
// subject returns every index.
func (s *Session) Filter(subject string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.FilterBySubject(s.records.records, subject)
}

// Records returns copies of every record.
func (s *Session) Records() []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Records()
}

// Enhanced returns the enhanced variant of every record in bank order.
func (s *Session) Enhanced() []model.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Question, len(s.records.records))
	for i, r := range s.records.records {
		out[i] = r.Enhanced.Clone()
	}
	return out
}

// Begin moves idx to enhancing and returns the state to restore or record
// against. The interim status is neither recorded in history nor persisted.
func (s *Session) Begin(idx int) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Checkpoint{}, ErrClosed
	}
	rec, st, err := s.records.Get(idx)
	if err != nil {
		return Checkpoint{}, err
	}

	action := model.ActionEnhanceStart
	if st == model.StatusError {
		action = model.ActionRetry
	}
	next, err := model.Transition(st, action)
	if err != nil {
		return Checkpoint{}, s.invalid(idx, err)
	}
	if err := s.records.SetStatus(idx, next); err != nil {
		return Checkpoint{}, err
	}

	s.seq++
	cp := Checkpoint{Index: idx, Original: rec.Original, Enhanced: rec.Enhanced, Status: st, seq: s.seq}
	s.inFlight[idx] = cp
	return cp, nil
}

// Complete applies a successful enhancement begun with Begin. action is
// ActionEnhanceSuccess or ActionBatchEnhanceSuccess. One edit is recorded
// with the checkpoint as its Prev side.
func (s *Session) Complete(cp Checkpoint, action model.Action, explanationHTML, explanationText string) (model.Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.Edit{}, ErrClosed
	}
	if err := s.releaseLocked(cp); err != nil {
		return model.Edit{}, err
	}

	rec, st, err := s.records.Get(cp.Index)
	if err != nil {
		return model.Edit{}, err
	}
	next, err := model.Transition(st, action)
	if err != nil {
		return model.Edit{}, s.invalid(cp.Index, err)
	}

	enhanced := rec.Enhanced
	enhanced.ExplanationHTML = explanationHTML
	enhanced.ExplanationText = explanationText

	edit := model.NewEdit(cp.Index, cp.Enhanced, cp.Status, enhanced, next)
	if err := s.records.Set(cp.Index, enhanced, next); err != nil {
		return model.Edit{}, err
	}
	s.history.Record(edit)
	s.markDirty(cp.Index)
	return edit, nil
}

// Fail moves an enhancing record to error. The failure is persisted but
// not recorded in history.
func (s *Session) Fail(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.releaseLocked(cp); err != nil {
		return err
	}

	st, err := s.records.Status(cp.Index)
	if err != nil {
		return err
	}
	next, err := model.Transition(st, model.ActionEnhanceFailure)
	if err != nil {
		return s.invalid(cp.Index, err)
	}
	if err := s.records.SetStatus(cp.Index, next); err != nil {
		return err
	}
	s.markDirty(cp.Index)
	return nil
}

// Abort returns a record begun with Begin to its checkpointed status
// without recording or persisting anything. Used when the call was never
// made.
func (s *Session) Abort(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.releaseLocked(cp); err != nil {
		return err
	}
	return s.records.SetStatus(cp.Index, cp.Status)
}

// releaseLocked drops cp from the in-flight set if it is still the live
// checkpoint for its record.
func (s *Session) releaseLocked(cp Checkpoint) error {
	live, ok := s.inFlight[cp.Index]
	if !ok || live.seq != cp.seq {
		return eris.Wrapf(ErrStaleCheckpoint, "record %d", cp.Index)
	}
	delete(s.inFlight, cp.Index)
	return nil
}

// Approve accepts the enhanced explanation of idx.
func (s *Session) Approve(idx int) (model.Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.Edit{}, ErrClosed
	}
	return s.applyLocked(idx, model.ActionApprove, nil)
}

// ApproveOriginal discards any enhancement of idx, restoring the original
// explanation, and approves it.
func (s *Session) ApproveOriginal(idx int) (model.Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.Edit{}, ErrClosed
	}
	return s.applyLocked(idx, model.ActionApproveOriginal, func(rec model.Record) model.Question {
		q := rec.Enhanced
		orig := rec.Original.Clone()
		q.ExplanationHTML = orig.ExplanationHTML
		q.ExplanationText = orig.ExplanationText
		q.ExplanationImages = orig.ExplanationImages
		return q
	})
}

// ApproveAll approves every enhanced or batch-enhanced record, recording
// one edit per record. It returns the number approved.
func (s *Session) ApproveAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for idx, st := range s.records.statuses {
		if !st.IsEnhanced() {
			continue
		}
		if _, err := s.applyLocked(idx, model.ActionApprove, nil); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, ErrNothingToApprove
	}
	s.log.Info("approved enhanced records", zap.Int("count", n))
	return n, nil
}

// applyLocked transitions idx by action, optionally rewriting its enhanced
// variant, and records the edit.
func (s *Session) applyLocked(idx int, action model.Action, rewrite func(model.Record) model.Question) (model.Edit, error) {
	rec, st, err := s.records.Get(idx)
	if err != nil {
		return model.Edit{}, err
	}
	next, err := model.Transition(st, action)
	if err != nil {
		return model.Edit{}, s.invalid(idx, err)
	}

	enhanced := rec.Enhanced
	if rewrite != nil {
		enhanced = rewrite(rec)
	}

	edit := model.NewEdit(idx, rec.Enhanced, st, enhanced, next)
	if err := s.records.Set(idx, enhanced, next); err != nil {
		return model.Edit{}, err
	}
	s.history.Record(edit)
	s.markDirty(idx)
	return edit, nil
}

// Undo restores the Prev side of the edit under the history cursor and
// marks the record dirty. ok is false when there is nothing to undo.
func (s *Session) Undo() (edit model.Edit, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.Edit{}, false, ErrClosed
	}
	edit, ok = s.history.Undo()
	if !ok {
		return model.Edit{}, false, nil
	}
	if err := s.restoreLocked(edit.RecordIndex, edit.PrevEnhanced, edit.PrevStatus); err != nil {
		return model.Edit{}, false, err
	}
	return edit, true, nil
}

// Redo re-applies the Next side of the edit after the history cursor.
func (s *Session) Redo() (edit model.Edit, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.Edit{}, false, ErrClosed
	}
	edit, ok = s.history.Redo()
	if !ok {
		return model.Edit{}, false, nil
	}
	if err := s.restoreLocked(edit.RecordIndex, edit.NextEnhanced, edit.NextStatus); err != nil {
		return model.Edit{}, false, err
	}
	return edit, true, nil
}

func (s *Session) restoreLocked(idx int, enhanced model.Question, status model.Status) error {
	// History wins over an enhancement still in flight for the same record;
	// its result will fail the transition check and be discarded.
	delete(s.inFlight, idx)
	if err := s.records.Set(idx, enhanced, status); err != nil {
		return err
	}
	s.markDirty(idx)
	return nil
}

func (s *Session) HistoryIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Index()
}

func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Len()
}

func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanUndo()
}

func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanRedo()
}

// IsSaving reports whether writes are pending or in flight.
func (s *Session) IsSaving() bool {
	if s.queue == nil {
		return false
	}
	return s.queue.IsSaving()
}

// OnSavingChange registers a saving-indicator callback. fn may run while
// the session lock is held and must not call back into the session.
func (s *Session) OnSavingChange(fn func(bool)) {
	if s.queue != nil {
		s.queue.OnSavingChange(fn)
	}
}

// Dirty returns the record indices waiting to be persisted.
func (s *Session) Dirty() []int {
	if s.queue == nil {
		return nil
	}
	return s.queue.Pending()
}

// Failed returns records whose writes were given up on.
func (s *Session) Failed() []writeback.PersistenceFailure {
	if s.queue == nil {
		return nil
	}
	return s.queue.Failed()
}

// Flush forces pending writes out and waits for them.
func (s *Session) Flush(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	return s.queue.FlushNow(ctx)
}

// Close flushes pending writes and rejects further mutation.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.history.Reset()
	s.mu.Unlock()

	if s.queue == nil {
		return nil
	}
	if err := s.queue.Close(ctx); err != nil {
		return eris.Wrapf(err, "session: close bank %s", s.id)
	}
	return nil
}

// markDirty is called with s.mu held; the queue only takes its own lock
// and reads back through Snapshot on a different goroutine.
func (s *Session) markDirty(idx int) {
	if s.queue != nil {
		s.queue.MarkDirty(idx)
	}
}

func (s *Session) invalid(idx int, err error) error {
	var ite *model.InvalidTransitionError
	if errors.As(err, &ite) {
		s.log.Error("invalid status transition",
			zap.Int("index", idx),
			zap.String("from", string(ite.From)),
			zap.String("action", string(ite.Action)),
		)
	}
	return err
}
