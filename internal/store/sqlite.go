package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/qbank/internal/model"
)

// ErrLocked is returned when another process already holds the database.
var ErrLocked = eris.New("sqlite: database is locked by another process")

// SQLiteStore implements Store using modernc.org/sqlite. A sidecar lock
// file keeps a single writer process per database file.
type SQLiteStore struct {
	db   *sql.DB
	lock *flock.Flock
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	var lock *flock.Flock
	if path := lockPath(dsn); path != "" {
		lock = flock.New(path)
		ok, err := lock.TryLock()
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: lock %s", path)
		}
		if !ok {
			return nil, eris.Wrapf(ErrLocked, "sqlite: %s", dsn)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		unlock(lock)
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			unlock(lock)
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, lock: lock}, nil
}

func lockPath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.Contains(path, ":memory:") {
		return ""
	}
	return path + ".lock"
}

func unlock(l *flock.Flock) {
	if l != nil {
		_ = l.Unlock()
	}
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS question_banks (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS question_records (
	id         TEXT PRIMARY KEY,
	bank_id    TEXT NOT NULL REFERENCES question_banks(id) ON DELETE CASCADE,
	idx        INTEGER NOT NULL,
	original   TEXT NOT NULL,
	enhanced   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (bank_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_question_banks_owner ON question_banks(owner_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_question_records_bank ON question_records(bank_id, idx);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	unlock(s.lock)
	return err
}

func (s *SQLiteStore) CreateBank(ctx context.Context, ownerID, name string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO question_banks (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, ownerID, name, now, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: create bank %q", name)
	}
	return id, nil
}

func (s *SQLiteStore) InsertRecords(ctx context.Context, bankID string, records []model.Record) ([]model.RecordRef, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin insert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO question_records (id, bank_id, idx, original, enhanced, status, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	refs := make([]model.RecordRef, len(records))
	for i, rec := range records {
		original, enhanced, err := encodeRecord(rec)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: record %d", i)
		}
		id := uuid.New().String()
		if _, err := stmt.ExecContext(ctx, id, bankID, i, string(original), string(enhanced), string(model.StatusPending), now); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert record %d", i)
		}
		refs[i] = model.RecordRef{BankID: bankID, Index: i, RowID: id}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit insert")
	}
	return refs, nil
}

func (s *SQLiteStore) ListBanks(ctx context.Context, ownerID string) ([]model.BankSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.id, b.name, b.updated_at,
			COUNT(r.id),
			COALESCE(SUM(CASE WHEN r.status = 'approved' THEN 1 ELSE 0 END), 0)
		FROM question_banks b
		LEFT JOIN question_records r ON r.bank_id = b.id
		WHERE b.owner_id = ?
		GROUP BY b.id, b.name, b.updated_at
		ORDER BY b.updated_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list banks")
	}
	defer rows.Close()

	var out []model.BankSummary
	for rows.Next() {
		var b model.BankSummary
		var count, approved int64
		if err := rows.Scan(&b.ID, &b.Name, &b.UpdatedAt, &count, &approved); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bank")
		}
		b.RecordCount = int(count)
		b.Approved = int(approved)
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list banks iterate")
}

func (s *SQLiteStore) LoadBank(ctx context.Context, bankID string) (*model.Bank, error) {
	bank := &model.Bank{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, created_at, updated_at FROM question_banks WHERE id = ?`,
		bankID,
	).Scan(&bank.ID, &bank.OwnerID, &bank.Name, &bank.CreatedAt, &bank.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: bank %s", bankID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get bank %s", bankID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idx, original, enhanced, status FROM question_records WHERE bank_id = ? ORDER BY idx`,
		bankID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load records for bank %s", bankID)
	}
	defer rows.Close()

	var recs []recordRow
	for rows.Next() {
		var r recordRow
		var original, enhanced string
		if err := rows.Scan(&r.id, &r.idx, &original, &enhanced, &r.status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		r.original = []byte(original)
		r.enhanced = []byte(enhanced)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: load records iterate")
	}

	if err := assembleBank(bank, recs); err != nil {
		return nil, eris.Wrap(err, "sqlite")
	}
	return bank, nil
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, ref model.RecordRef, enhanced model.Question, status model.Status) error {
	enhancedJSON, err := json.Marshal(enhanced)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal enhanced")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin update")
	}
	defer tx.Rollback() //nolint:errcheck

	var res sql.Result
	if ref.RowID != "" {
		res, err = tx.ExecContext(ctx,
			`UPDATE question_records SET enhanced = ?, status = ?, updated_at = ? WHERE id = ?`,
			string(enhancedJSON), string(status), now, ref.RowID,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE question_records SET enhanced = ?, status = ?, updated_at = ? WHERE bank_id = ? AND idx = ?`,
			string(enhancedJSON), string(status), now, ref.BankID, ref.Index,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s/%d", ref.BankID, ref.Index)
	}
	if err := checkRowsAffected(res, "record", ref.BankID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE question_banks SET updated_at = ? WHERE id = ?`, now, ref.BankID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: touch bank %s", ref.BankID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit update")
}

func (s *SQLiteStore) DeleteBank(ctx context.Context, bankID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM question_banks WHERE id = ?`, bankID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete bank %s", bankID)
	}
	return checkRowsAffected(res, "bank", bankID)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", kind, id)
	}
	return nil
}
