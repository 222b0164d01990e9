// Package store persists question banks and their records.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/qbank/internal/model"
)

// ErrNotFound is returned when a bank or record does not exist.
var ErrNotFound = eris.New("not found")

// RecordWriter updates a single persisted record.
//
// Writes are last-writer-wins: the store keeps whatever value arrived last
// and performs no merge or version check. Callers must not rely on it for
// consistency between concurrent clients.
type RecordWriter interface {
	UpdateRecord(ctx context.Context, ref model.RecordRef, enhanced model.Question, status model.Status) error
}

// Store is the remote record store: an opaque key-indexed collection of
// banks and records accessed over request/response calls.
type Store interface {
	RecordWriter

	CreateBank(ctx context.Context, ownerID, name string) (string, error)
	InsertRecords(ctx context.Context, bankID string, records []model.Record) ([]model.RecordRef, error)
	ListBanks(ctx context.Context, ownerID string) ([]model.BankSummary, error)
	LoadBank(ctx context.Context, bankID string) (*model.Bank, error)
	DeleteBank(ctx context.Context, bankID string) error

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// recordRow is a record row as read back from either backend.
type recordRow struct {
	id       string
	idx      int
	original []byte
	enhanced []byte
	status   string
}

// assembleBank decodes rows into bank, rejecting gaps, duplicates and
// unknown statuses so a corrupted bank never reaches a session.
func assembleBank(bank *model.Bank, rows []recordRow) error {
	if len(rows) == 0 {
		return eris.Errorf("bank %s has no records", bank.ID)
	}

	bank.Records = make([]model.Record, len(rows))
	bank.Statuses = make([]model.Status, len(rows))
	bank.RowIDs = make(map[int]string, len(rows))

	for i, r := range rows {
		if r.idx != i {
			return eris.Errorf("bank %s: record index %d at position %d", bank.ID, r.idx, i)
		}
		st := model.Status(r.status)
		if !st.Valid() {
			return eris.Errorf("bank %s: record %d has unknown status %q", bank.ID, r.idx, r.status)
		}
		// An interrupted enhancement never completed; surface it as retryable.
		if st == model.StatusEnhancing {
			st = model.StatusError
		}

		var rec model.Record
		if err := json.Unmarshal(r.original, &rec.Original); err != nil {
			return eris.Wrapf(err, "bank %s: decode original %d", bank.ID, r.idx)
		}
		if err := json.Unmarshal(r.enhanced, &rec.Enhanced); err != nil {
			return eris.Wrapf(err, "bank %s: decode enhanced %d", bank.ID, r.idx)
		}

		bank.Records[i] = rec
		bank.Statuses[i] = st
		bank.RowIDs[i] = r.id
	}
	return nil
}

func encodeRecord(rec model.Record) (original, enhanced []byte, err error) {
	original, err = json.Marshal(rec.Original)
	if err != nil {
		return nil, nil, eris.Wrap(err, "encode original")
	}
	enhanced, err = json.Marshal(rec.Enhanced)
	if err != nil {
		return nil, nil, eris.Wrap(err, "encode enhanced")
	}
	return original, enhanced, nil
}
