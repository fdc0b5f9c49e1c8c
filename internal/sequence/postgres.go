package sequence

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/finance-engine/internal/platform/db"
)

const upsertSQL = `INSERT INTO voucher_sequences (prefix, last_value, updated_at)
VALUES ($1, 1, NOW())
ON CONFLICT (prefix) DO UPDATE SET last_value = voucher_sequences.last_value + 1, updated_at = NOW()
RETURNING last_value`

// Querier is the slice of pgx.Tx the counter upsert needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Increment bumps the counter row for an already normalized prefix through q. On a
// caller's transaction the row lock is held until that transaction ends, and a
// rollback gives the number back.
func Increment(ctx context.Context, q Querier, prefix string) (int64, error) {
	var value int64
	if err := q.QueryRow(ctx, upsertSQL, prefix).Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}

// PostgresGenerator increments voucher_sequences rows. The upsert takes the row lock,
// so concurrent callers queue on it instead of reading a stale value.
type PostgresGenerator struct {
	pool  db.Beginner
	width int
	opts  db.TxOptions
}

// NewPostgresGenerator builds a generator over the pool.
func NewPostgresGenerator(pool db.Beginner, width, maxAttempts int) *PostgresGenerator {
	return &PostgresGenerator{
		pool:  pool,
		width: width,
		opts:  db.TxOptions{IsoLevel: pgx.ReadCommitted, MaxAttempts: maxAttempts},
	}
}

// Next returns the next formatted number for prefix in a transaction of its own.
// Callers that already hold a transaction use NextIn instead.
func (g *PostgresGenerator) Next(ctx context.Context, prefix string) (string, error) {
	p, err := NormalizePrefix(prefix)
	if err != nil {
		return "", err
	}
	var value int64
	err = db.WithTxOptions(ctx, g.pool, g.opts, func(tx pgx.Tx) error {
		value, err = Increment(ctx, tx, p)
		return err
	})
	if err != nil {
		return "", storeFailure(p, err)
	}
	return Format(p, value, g.width), nil
}

// NextIn draws the number through the caller's transaction. The pool is not touched.
func (g *PostgresGenerator) NextIn(ctx context.Context, inc Incrementer, prefix string) (string, error) {
	p, err := NormalizePrefix(prefix)
	if err != nil {
		return "", err
	}
	value, err := inc.IncrementSequence(ctx, p)
	if err != nil {
		return "", storeFailure(p, err)
	}
	return Format(p, value, g.width), nil
}
