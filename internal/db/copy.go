// Package db holds Postgres helpers shared by the store adapters.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-loads rows into table with the COPY protocol and returns the
// number of rows written. Empty input is a no-op.
func CopyFrom(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return 0, eris.Errorf("db: copy into %s: row %d has %d values, want %d", table, i, len(r), len(columns))
		}
	}

	n, err := pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s", table)
	}
	if n != int64(len(rows)) {
		return n, eris.Errorf("db: copy into %s: wrote %d of %d rows", table, n, len(rows))
	}
	return n, nil
}
