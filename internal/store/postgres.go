package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/qbank/internal/db"
	"github.com/sells-group/qbank/internal/model"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional pool sizing.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var recordColumns = []string{"id", "bank_id", "idx", "original", "enhanced", "status", "updated_at"}

// NewPostgres opens a pool and verifies connectivity.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS question_banks (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS question_records (
	id         TEXT PRIMARY KEY,
	bank_id    TEXT NOT NULL REFERENCES question_banks(id) ON DELETE CASCADE,
	idx        INTEGER NOT NULL,
	original   JSONB NOT NULL,
	enhanced   JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (bank_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_question_banks_owner ON question_banks(owner_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_question_records_bank ON question_records(bank_id, idx);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateBank(ctx context.Context, ownerID, name string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO question_banks (id, owner_id, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, ownerID, name, now, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: create bank %q", name)
	}
	return id, nil
}

func (s *PostgresStore) InsertRecords(ctx context.Context, bankID string, records []model.Record) ([]model.RecordRef, error) {
	now := time.Now().UTC()
	refs := make([]model.RecordRef, len(records))
	rows := make([][]any, len(records))

	for i, rec := range records {
		original, enhanced, err := encodeRecord(rec)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: record %d", i)
		}
		id := uuid.New().String()
		refs[i] = model.RecordRef{BankID: bankID, Index: i, RowID: id}
		rows[i] = []any{id, bankID, i, original, enhanced, string(model.StatusPending), now}
	}

	if _, err := db.CopyFrom(ctx, s.pool, "question_records", recordColumns, rows); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert records for bank %s", bankID)
	}
	return refs, nil
}

func (s *PostgresStore) ListBanks(ctx context.Context, ownerID string) ([]model.BankSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.id, b.name, b.updated_at,
			COUNT(r.id),
			COALESCE(SUM(CASE WHEN r.status = 'approved' THEN 1 ELSE 0 END), 0)
		FROM question_banks b
		LEFT JOIN question_records r ON r.bank_id = b.id
		WHERE b.owner_id = $1
		GROUP BY b.id, b.name, b.updated_at
		ORDER BY b.updated_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list banks")
	}
	defer rows.Close()

	var out []model.BankSummary
	for rows.Next() {
		var b model.BankSummary
		var count, approved int64
		if err := rows.Scan(&b.ID, &b.Name, &b.UpdatedAt, &count, &approved); err != nil {
			return nil, eris.Wrap(err, "postgres: scan bank")
		}
		b.RecordCount = int(count)
		b.Approved = int(approved)
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list banks iterate")
}

func (s *PostgresStore) LoadBank(ctx context.Context, bankID string) (*model.Bank, error) {
	bank := &model.Bank{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, created_at, updated_at FROM question_banks WHERE id = $1`,
		bankID,
	).Scan(&bank.ID, &bank.OwnerID, &bank.Name, &bank.CreatedAt, &bank.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: bank %s", bankID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get bank %s", bankID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, idx, original, enhanced, status FROM question_records WHERE bank_id = $1 ORDER BY idx`,
		bankID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load records for bank %s", bankID)
	}
	defer rows.Close()

	var recs []recordRow
	for rows.Next() {
		var r recordRow
		if err := rows.Scan(&r.id, &r.idx, &r.original, &r.enhanced, &r.status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: load records iterate")
	}

	if err := assembleBank(bank, recs); err != nil {
		return nil, eris.Wrap(err, "postgres")
	}
	return bank, nil
}

// UpdateRecord writes enhanced and status and bumps the bank's updated_at in
// one statement. Rows are addressed by id when known, else by (bank, idx).
func (s *PostgresStore) UpdateRecord(ctx context.Context, ref model.RecordRef, enhanced model.Question, status model.Status) error {
	enhancedJSON, err := json.Marshal(enhanced)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal enhanced")
	}
	now := time.Now().UTC()

	var query string
	args := []any{enhancedJSON, string(status), now}
	if ref.RowID != "" {
		query = `WITH rec AS (
			UPDATE question_records SET enhanced = $1, status = $2, updated_at = $3 WHERE id = $4 RETURNING bank_id
		) UPDATE question_banks SET updated_at = $3 WHERE id IN (SELECT bank_id FROM rec)`
		args = append(args, ref.RowID)
	} else {
		query = `WITH rec AS (
			UPDATE question_records SET enhanced = $1, status = $2, updated_at = $3 WHERE bank_id = $4 AND idx = $5 RETURNING bank_id
		) UPDATE question_banks SET updated_at = $3 WHERE id IN (SELECT bank_id FROM rec)`
		args = append(args, ref.BankID, ref.Index)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s/%d", ref.BankID, ref.Index)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: record %s/%d", ref.BankID, ref.Index)
	}
	return nil
}

func (s *PostgresStore) DeleteBank(ctx context.Context, bankID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM question_banks WHERE id = $1`, bankID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete bank %s", bankID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: bank %s", bankID)
	}
	return nil
}
