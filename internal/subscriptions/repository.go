package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/platform/db"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

const subscriptionColumns = `id, client_id, service, sale_price, currency, sale_date, paid_amount, discount_amount,
status, COALESCE(voucher_id::text, ''), COALESCE(invoice_number, ''), is_deleted, created_at`

const installmentColumns = `id, subscription_id, seq, amount, paid_amount, discount, due_date, status`

const paymentColumns = `id, subscription_id, installment_id, amount, discount, currency, date, journal_voucher_id,
is_deleted, deleted_at, created_at`

// Repository persists subscriptions in Postgres.
type Repository struct {
	ledger *ledger.Repository
}

// NewRepository constructs Repository on top of the voucher repository.
func NewRepository(ledgerRepo *ledger.Repository) *Repository {
	return &Repository{ledger: ledgerRepo}
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.ledger == nil {
		return errors.New("subscriptions repository not initialised")
	}
	return db.WithTxOptions(ctx, r.ledger.Pool(), r.ledger.TxOptions(), func(tx pgx.Tx) error {
		return fn(ctx, &PgTx{PgTx: ledger.NewPgTx(tx)})
	})
}

// GetSubscription loads a subscription outside any transaction.
func (r *Repository) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	row := r.ledger.Pool().QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id=$1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return Subscription{}, db.NotFound(err, "subscription "+id)
	}
	return sub, nil
}

// InstallmentsBySubscription lists the schedule in due order.
func (r *Repository) InstallmentsBySubscription(ctx context.Context, id string) ([]Installment, error) {
	return queryInstallments(ctx, r.ledger.Pool(), `SELECT `+installmentColumns+` FROM subscription_installments
WHERE subscription_id=$1 ORDER BY due_date, seq`, id)
}

// PaymentsBySubscription lists payment records, revoked ones included.
func (r *Repository) PaymentsBySubscription(ctx context.Context, id string) ([]Payment, error) {
	return queryPayments(ctx, r.ledger.Pool(), `SELECT `+paymentColumns+` FROM subscription_payments
WHERE subscription_id=$1 ORDER BY created_at, id`, id)
}

// PgTx implements TxRepository over an open transaction.
type PgTx struct {
	*ledger.PgTx
}

// ClaimIdempotencyKey records key in the same transaction as the payment.
func (r *PgTx) ClaimIdempotencyKey(ctx context.Context, key, module string, at time.Time) error {
	return shared.ClaimIdempotencyKey(ctx, r.Tx(), key, module, at)
}

// InsertSubscription stores a new subscription.
func (r *PgTx) InsertSubscription(ctx context.Context, s Subscription) error {
	_, err := r.Tx().Exec(ctx, `INSERT INTO subscriptions (id, client_id, service, sale_price, currency, sale_date,
paid_amount, discount_amount, status, voucher_id, invoice_number, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		s.ID, s.ClientID, s.Service, s.SalePrice, s.Currency, s.SaleDate,
		s.PaidAmount, s.DiscountAmount, string(s.Status), s.VoucherID, s.InvoiceNumber, s.CreatedAt)
	return err
}

// GetSubscriptionForUpdate locks the subscription row.
func (r *PgTx) GetSubscriptionForUpdate(ctx context.Context, id string) (Subscription, error) {
	row := r.Tx().QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id=$1 FOR UPDATE`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return Subscription{}, db.NotFound(err, "subscription "+id)
	}
	return sub, nil
}

// UpdateSubscription stores the paid aggregates and status.
func (r *PgTx) UpdateSubscription(ctx context.Context, s Subscription) error {
	_, err := r.Tx().Exec(ctx, `UPDATE subscriptions SET paid_amount=$2, discount_amount=$3, status=$4 WHERE id=$1`,
		s.ID, s.PaidAmount, s.DiscountAmount, string(s.Status))
	return err
}

// InsertInstallments stores the schedule with a single batch round trip.
func (r *PgTx) InsertInstallments(ctx context.Context, items []Installment) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`INSERT INTO subscription_installments (id, subscription_id, seq, amount, paid_amount, discount, due_date, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			it.ID, it.SubscriptionID, it.Seq, it.Amount, it.PaidAmount, it.Discount, it.DueDate, string(it.Status))
	}
	return r.Tx().SendBatch(ctx, batch).Close()
}

// GetInstallmentForUpdate locks one installment.
func (r *PgTx) GetInstallmentForUpdate(ctx context.Context, id string) (Installment, error) {
	row := r.Tx().QueryRow(ctx, `SELECT `+installmentColumns+` FROM subscription_installments WHERE id=$1 FOR UPDATE`, id)
	inst, err := scanInstallment(row)
	if err != nil {
		return Installment{}, db.NotFound(err, "installment "+id)
	}
	return inst, nil
}

// UnpaidInstallments locks the unpaid installments of the subscription in due order.
func (r *PgTx) UnpaidInstallments(ctx context.Context, subscriptionID string) ([]Installment, error) {
	return queryInstallments(ctx, r.Tx(), `SELECT `+installmentColumns+` FROM subscription_installments
WHERE subscription_id=$1 AND status='unpaid' ORDER BY due_date, seq FOR UPDATE`, subscriptionID)
}

// UpdateInstallment stores paid amounts and status.
func (r *PgTx) UpdateInstallment(ctx context.Context, inst Installment) error {
	_, err := r.Tx().Exec(ctx, `UPDATE subscription_installments SET paid_amount=$2, discount=$3, status=$4 WHERE id=$1`,
		inst.ID, inst.PaidAmount, inst.Discount, string(inst.Status))
	return err
}

// InsertPayment stores a payment record.
func (r *PgTx) InsertPayment(ctx context.Context, p Payment) error {
	_, err := r.Tx().Exec(ctx, `INSERT INTO subscription_payments (id, subscription_id, installment_id, amount, discount,
currency, date, journal_voucher_id, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.SubscriptionID, p.InstallmentID, p.Amount, p.Discount, p.Currency, p.Date, p.JournalVoucherID, p.CreatedAt)
	return err
}

// PaymentsByVoucher lists the payment records created with the voucher.
func (r *PgTx) PaymentsByVoucher(ctx context.Context, voucherID string) ([]Payment, error) {
	return queryPayments(ctx, r.Tx(), `SELECT `+paymentColumns+` FROM subscription_payments
WHERE journal_voucher_id=$1 ORDER BY created_at, id FOR UPDATE`, voucherID)
}

// MarkPaymentsDeleted flags the payment records of the voucher.
func (r *PgTx) MarkPaymentsDeleted(ctx context.Context, voucherID, by string, at time.Time) error {
	_, err := r.Tx().Exec(ctx, `UPDATE subscription_payments SET is_deleted=true, deleted_at=$2, deleted_by=$3
WHERE journal_voucher_id=$1 AND NOT is_deleted`, voucherID, at, by)
	return err
}

func scanSubscription(row pgx.Row) (Subscription, error) {
	var (
		s      Subscription
		status string
	)
	err := row.Scan(&s.ID, &s.ClientID, &s.Service, &s.SalePrice, &s.Currency, &s.SaleDate, &s.PaidAmount,
		&s.DiscountAmount, &status, &s.VoucherID, &s.InvoiceNumber, &s.IsDeleted, &s.CreatedAt)
	if err != nil {
		return Subscription{}, err
	}
	s.Status = Status(status)
	return s, nil
}

func scanInstallment(row pgx.Row) (Installment, error) {
	var (
		i      Installment
		status string
	)
	if err := row.Scan(&i.ID, &i.SubscriptionID, &i.Seq, &i.Amount, &i.PaidAmount, &i.Discount, &i.DueDate, &status); err != nil {
		return Installment{}, err
	}
	i.Status = Status(status)
	return i, nil
}

func queryInstallments(ctx context.Context, q ledger.Querier, sql string, args ...any) ([]Installment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func queryPayments(ctx context.Context, q ledger.Querier, sql string, args ...any) ([]Payment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		var p Payment
		err := rows.Scan(&p.ID, &p.SubscriptionID, &p.InstallmentID, &p.Amount, &p.Discount, &p.Currency, &p.Date,
			&p.JournalVoucherID, &p.IsDeleted, &p.DeletedAt, &p.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
