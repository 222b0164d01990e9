package session

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/qbank/internal/model"
)

// ErrIndexOutOfRange is returned for a record index outside the bank.
var ErrIndexOutOfRange = eris.New("record index out of range")

// RecordStore holds the ordered records of one bank and a status per index.
// It is not safe for concurrent use; Session serializes access.
type RecordStore struct {
	records  []model.Record
	statuses []model.Status
}

// NewRecordStore validates that every record has exactly one known status.
// A nil statuses slice means all pending.
func NewRecordStore(records []model.Record, statuses []model.Status) (*RecordStore, error) {
	if len(records) == 0 {
		return nil, eris.New("session: bank has no records")
	}
	if statuses == nil {
		statuses = model.PendingStatuses(len(records))
	}
	if len(statuses) != len(records) {
		return nil, eris.Errorf("session: %d statuses for %d records", len(statuses), len(records))
	}

	rs := &RecordStore{
		records:  make([]model.Record, len(records)),
		statuses: make([]model.Status, len(statuses)),
	}
	for i, st := range statuses {
		if !st.Valid() {
			return nil, eris.Errorf("session: record %d has unknown status %q", i, st)
		}
		rs.statuses[i] = st
		rs.records[i] = model.Record{
			Original: records[i].Original.Clone(),
			Enhanced: records[i].Enhanced.Clone(),
		}
	}
	return rs, nil
}

func (r *RecordStore) Len() int { return len(r.records) }

func (r *RecordStore) check(idx int) error {
	if idx < 0 || idx >= len(r.records) {
		return eris.Wrapf(ErrIndexOutOfRange, "index %d of %d", idx, len(r.records))
	}
	return nil
}

// Get returns a deep copy of the record and its status.
func (r *RecordStore) Get(idx int) (model.Record, model.Status, error) {
	if err := r.check(idx); err != nil {
		return model.Record{}, "", err
	}
	rec := r.records[idx]
	return model.Record{Original: rec.Original.Clone(), Enhanced: rec.Enhanced.Clone()}, r.statuses[idx], nil
}

func (r *RecordStore) Status(idx int) (model.Status, error) {
	if err := r.check(idx); err != nil {
		return "", err
	}
	return r.statuses[idx], nil
}

// Set replaces the enhanced variant and status of idx. The original is
// never touched.
func (r *RecordStore) Set(idx int, enhanced model.Question, status model.Status) error {
	if err := r.check(idx); err != nil {
		return err
	}
	r.records[idx].Enhanced = enhanced.Clone()
	r.statuses[idx] = status
	return nil
}

func (r *RecordStore) SetStatus(idx int, status model.Status) error {
	if err := r.check(idx); err != nil {
		return err
	}
	r.statuses[idx] = status
	return nil
}

// Statuses returns a copy of the status slice.
func (r *RecordStore) Statuses() []model.Status {
	return append([]model.Status(nil), r.statuses...)
}

// Records returns deep copies of every record.
func (r *RecordStore) Records() []model.Record {
	out := make([]model.Record, len(r.records))
	for i, rec := range r.records {
		out[i] = model.Record{Original: rec.Original.Clone(), Enhanced: rec.Enhanced.Clone()}
	}
	return out
}
