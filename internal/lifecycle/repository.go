package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/platform/db"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// cascadeTables whitelists the source tables a voucher may cascade into.
var cascadeTables = map[string]string{
	"segments":              "id",
	"subscriptions":         "id",
	"subscription_payments": "journal_voucher_id",
}

// Repository persists lifecycle transitions in Postgres.
type Repository struct {
	pool *pgxpool.Pool
	opts db.TxOptions
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, opts db.TxOptions) *Repository {
	return &Repository{pool: pool, opts: opts}
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("lifecycle repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, r.opts, func(tx pgx.Tx) error {
		return fn(ctx, NewPgTx(tx))
	})
}

// PgTx implements TxRepository over an open transaction.
type PgTx struct {
	*ledger.PgTx
}

// NewPgTx wraps tx.
func NewPgTx(tx pgx.Tx) *PgTx {
	return &PgTx{PgTx: ledger.NewPgTx(tx)}
}

func (r *PgTx) exec(ctx context.Context, what, sql string, args ...any) error {
	tag, err := r.Tx().Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, shared.ErrNotFound)
	}
	return nil
}

// MarkDeleted stamps the voucher deleted.
func (r *PgTx) MarkDeleted(ctx context.Context, id, by string, at time.Time) error {
	return r.exec(ctx, "voucher "+id, `UPDATE journal_vouchers SET is_deleted=true, status='deleted', deleted_at=$2, deleted_by=$3 WHERE id=$1`, id, at, by)
}

// MarkRestored clears the delete stamps.
func (r *PgTx) MarkRestored(ctx context.Context, id, by string, at time.Time) error {
	return r.exec(ctx, "voucher "+id, `UPDATE journal_vouchers SET is_deleted=false, status='restored', deleted_at=NULL, deleted_by=NULL, restored_at=$2, restored_by=$3 WHERE id=$1`, id, at, by)
}

// InsertMirror stores the snapshot in deleted_vouchers.
func (r *PgTx) InsertMirror(ctx context.Context, v ledger.Voucher) error {
	snapshot, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = r.Tx().Exec(ctx, `INSERT INTO deleted_vouchers (voucher_id, invoice_number, source_type, source_id, snapshot, deleted_at, deleted_by)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (voucher_id) DO UPDATE SET snapshot=EXCLUDED.snapshot, deleted_at=EXCLUDED.deleted_at, deleted_by=EXCLUDED.deleted_by`,
		v.ID, v.InvoiceNumber, string(v.SourceType), v.SourceID, snapshot, v.DeletedAt, v.DeletedBy)
	return err
}

// DeleteMirror removes the snapshot.
func (r *PgTx) DeleteMirror(ctx context.Context, id string) error {
	_, err := r.Tx().Exec(ctx, `DELETE FROM deleted_vouchers WHERE voucher_id=$1`, id)
	return err
}

// DeleteVoucher removes the voucher; lines and source links cascade.
func (r *PgTx) DeleteVoucher(ctx context.Context, id string) error {
	return r.exec(ctx, "voucher "+id, `DELETE FROM journal_vouchers WHERE id=$1`, id)
}

// SetSourceDeleted flips the deleted flag on the source record.
func (r *PgTx) SetSourceDeleted(ctx context.Context, ref ledger.SourceRef, deleted bool, by string, at time.Time) (int64, error) {
	column, err := cascadeColumn(ref)
	if err != nil {
		return 0, err
	}
	var (
		deletedAt *time.Time
		deletedBy *string
	)
	if deleted {
		deletedAt, deletedBy = &at, &by
	}
	tag, err := r.Tx().Exec(ctx, fmt.Sprintf(`UPDATE %s SET is_deleted=$2, deleted_at=$3, deleted_by=$4 WHERE %s=$1`, ref.Table, column),
		ref.Key, deleted, deletedAt, deletedBy)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteSource removes the source record if it still exists.
func (r *PgTx) DeleteSource(ctx context.Context, ref ledger.SourceRef) (int64, error) {
	column, err := cascadeColumn(ref)
	if err != nil {
		return 0, err
	}
	tag, err := r.Tx().Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s=$1`, ref.Table, column), ref.Key)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func cascadeColumn(ref ledger.SourceRef) (string, error) {
	column, ok := cascadeTables[ref.Table]
	if !ok || column != ref.Column {
		return "", fmt.Errorf("lifecycle: no cascade for %s.%s", ref.Table, ref.Column)
	}
	return column, nil
}
