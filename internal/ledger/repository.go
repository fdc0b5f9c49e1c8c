package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/finance-engine/internal/platform/db"
	"github.com/odyssey-erp/finance-engine/internal/sequence"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

const voucherColumns = `id, invoice_number, source_type, source_id, date, currency, description, officer,
COALESCE(reversal_of, ''), status, is_deleted, deleted_at, COALESCE(deleted_by, ''), restored_at, COALESCE(restored_by, ''), created_at`

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Repository persists vouchers in Postgres.
type Repository struct {
	pool      *pgxpool.Pool
	opts      db.TxOptions
	batchSize int
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, maxAttempts, batchSize int) *Repository {
	return &Repository{pool: pool, opts: db.TxOptions{MaxAttempts: maxAttempts}, batchSize: batchSize}
}

// Pool exposes the pool to composing repositories.
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// TxOptions exposes the transaction settings to composing repositories.
func (r *Repository) TxOptions() db.TxOptions {
	return r.opts
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, r.opts, func(tx pgx.Tx) error {
		return fn(ctx, NewPgTx(tx))
	})
}

// PgTx implements TxRepository over an open transaction.
type PgTx struct {
	tx pgx.Tx
}

// NewPgTx wraps tx.
func NewPgTx(tx pgx.Tx) *PgTx {
	return &PgTx{tx: tx}
}

// Tx returns the underlying transaction.
func (r *PgTx) Tx() pgx.Tx {
	return r.tx
}

// MissingAccounts returns the ids found neither in the chart of accounts nor among parties.
func (r *PgTx) MissingAccounts(ctx context.Context, ids []string) ([]string, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM ledger_accounts WHERE id = ANY($1) AND is_active
UNION SELECT id FROM parties WHERE id = ANY($1) AND is_active`, ids)
	if err != nil {
		return nil, err
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(found))
	for _, id := range found {
		known[id] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// IncrementSequence bumps the prefix counter on this transaction, so the number
// commits or rolls back with the voucher that uses it.
func (r *PgTx) IncrementSequence(ctx context.Context, prefix string) (int64, error) {
	return sequence.Increment(ctx, r.tx, prefix)
}

// InsertVoucher writes the header and its lines.
func (r *PgTx) InsertVoucher(ctx context.Context, v Voucher) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO journal_vouchers (id, invoice_number, source_type, source_id, date, currency, description, officer, reversal_of, status, is_deleted, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9, ''),$10,false,$11)`,
		v.ID, v.InvoiceNumber, string(v.SourceType), v.SourceID, v.Date, v.Currency, v.Description, v.Officer, v.ReversalOf, string(v.Status), v.CreatedAt)
	if err != nil {
		return err
	}
	return insertLines(ctx, r.tx, v)
}

func insertLines(ctx context.Context, q Querier, v Voucher) error {
	position := 0
	for _, side := range []struct {
		code    string
		entries []Entry
	}{{"D", v.DebitEntries}, {"C", v.CreditEntries}} {
		for _, e := range side.entries {
			position++
			if _, err := q.Exec(ctx, `INSERT INTO voucher_lines (voucher_id, position, side, account_id, amount) VALUES ($1,$2,$3,$4,$5)`,
				v.ID, position, side.code, e.AccountID, e.Amount); err != nil {
				return err
			}
		}
	}
	return nil
}

// LinkSource records the natural key of a posting.
func (r *PgTx) LinkSource(ctx context.Context, sourceType SourceType, sourceID, linkKey, voucherID string) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO voucher_source_links (source_type, source_id, link_key, voucher_id) VALUES ($1,$2,$3,$4)`,
		string(sourceType), sourceID, linkKey, voucherID)
	if db.IsUniqueViolation(err, "voucher_source_links_pkey") {
		return ErrSourceConflict
	}
	return err
}

// GetVoucher loads and locks one voucher.
func (r *PgTx) GetVoucher(ctx context.Context, id string) (Voucher, error) {
	v, err := scanVoucher(r.tx.QueryRow(ctx, `SELECT `+voucherColumns+` FROM journal_vouchers WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Voucher{}, db.NotFound(err, "voucher "+id)
	}
	out := []Voucher{v}
	if err := loadEntries(ctx, r.tx, out); err != nil {
		return Voucher{}, err
	}
	return out[0], nil
}

// ListVouchersBySource returns every voucher caused by the source record.
func (r *PgTx) ListVouchersBySource(ctx context.Context, sourceType SourceType, sourceID string) ([]Voucher, error) {
	return queryVouchers(ctx, r.tx, `SELECT `+voucherColumns+` FROM journal_vouchers WHERE source_type=$1 AND source_id=$2 ORDER BY created_at, invoice_number`,
		string(sourceType), sourceID)
}

// VouchersByIDs resolves an id set outside any transaction.
func (r *Repository) VouchersByIDs(ctx context.Context, ids []string) ([]Voucher, error) {
	return shared.FetchChunked(ctx, ids, r.batchSize, func(ctx context.Context, chunk []string) ([]Voucher, error) {
		return queryVouchers(ctx, r.pool, `SELECT `+voucherColumns+` FROM journal_vouchers WHERE id = ANY($1) ORDER BY created_at`, chunk)
	})
}

// VouchersBySources resolves the vouchers of a set of source records outside any transaction.
func (r *Repository) VouchersBySources(ctx context.Context, sourceTypes []SourceType, sourceIDs []string) ([]Voucher, error) {
	types := make([]string, 0, len(sourceTypes))
	for _, t := range sourceTypes {
		types = append(types, string(t))
	}
	return shared.FetchChunked(ctx, sourceIDs, r.batchSize, func(ctx context.Context, chunk []string) ([]Voucher, error) {
		return queryVouchers(ctx, r.pool, `SELECT `+voucherColumns+` FROM journal_vouchers WHERE source_type = ANY($1) AND source_id = ANY($2) ORDER BY created_at`, types, chunk)
	})
}

func queryVouchers(ctx context.Context, q Querier, sql string, args ...any) ([]Voucher, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	var out []Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	if err := loadEntries(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

func scanVoucher(row pgx.Row) (Voucher, error) {
	var (
		v          Voucher
		sourceType string
		status     string
	)
	err := row.Scan(&v.ID, &v.InvoiceNumber, &sourceType, &v.SourceID, &v.Date, &v.Currency, &v.Description, &v.Officer,
		&v.ReversalOf, &status, &v.IsDeleted, &v.DeletedAt, &v.DeletedBy, &v.RestoredAt, &v.RestoredBy, &v.CreatedAt)
	if err != nil {
		return Voucher{}, err
	}
	v.SourceType = SourceType(sourceType)
	v.Status = Status(status)
	return v, nil
}

func loadEntries(ctx context.Context, q Querier, vouchers []Voucher) error {
	if len(vouchers) == 0 {
		return nil
	}
	index := make(map[string]int, len(vouchers))
	ids := make([]string, 0, len(vouchers))
	for i, v := range vouchers {
		index[v.ID] = i
		ids = append(ids, v.ID)
	}
	rows, err := q.Query(ctx, `SELECT voucher_id, side, account_id, amount FROM voucher_lines WHERE voucher_id = ANY($1) ORDER BY voucher_id, position`, ids)
	if err != nil {
		return db.Classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			voucherID string
			side      string
			e         Entry
		)
		if err := rows.Scan(&voucherID, &side, &e.AccountID, &e.Amount); err != nil {
			return err
		}
		i := index[voucherID]
		if side == "D" {
			vouchers[i].DebitEntries = append(vouchers[i].DebitEntries, e)
		} else {
			vouchers[i].CreditEntries = append(vouchers[i].CreditEntries, e)
		}
	}
	return db.Classify(rows.Err())
}
