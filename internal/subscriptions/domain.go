package subscriptions

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// Status enumerates installment and subscription settlement states.
type Status string

const (
	StatusUnpaid Status = "unpaid"
	StatusPaid   Status = "paid"
)

// Subscription is a sold recurring service billed through installments.
type Subscription struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id"`
	Service        string          `json:"service"`
	SalePrice      decimal.Decimal `json:"sale_price"`
	Currency       string          `json:"currency"`
	SaleDate       time.Time       `json:"sale_date"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Status         Status          `json:"status"`
	VoucherID      string          `json:"voucher_id"`
	InvoiceNumber  string          `json:"invoice_number"`
	IsDeleted      bool            `json:"is_deleted"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Remaining is what is still owed on the subscription.
func (s Subscription) Remaining() decimal.Decimal {
	return s.SalePrice.Sub(s.PaidAmount).Sub(s.DiscountAmount)
}

func (s *Subscription) settle() {
	s.Status = StatusUnpaid
	if s.PaidAmount.Add(s.DiscountAmount).GreaterThanOrEqual(s.SalePrice.Sub(shared.Epsilon)) {
		s.Status = StatusPaid
	}
}

// Installment is one dated portion of a subscription's sale price.
type Installment struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	Seq            int             `json:"seq"`
	Amount         decimal.Decimal `json:"amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	Discount       decimal.Decimal `json:"discount"`
	DueDate        time.Time       `json:"due_date"`
	Status         Status          `json:"status"`
}

// Due returns the amount still owed on the installment.
func (i Installment) Due() decimal.Decimal {
	return i.Amount.Sub(i.PaidAmount).Sub(i.Discount)
}

func (i *Installment) settle() {
	i.Status = StatusUnpaid
	if i.Due().LessThanOrEqual(shared.Epsilon) {
		i.Status = StatusPaid
	}
}

// Payment records the part of one payment applied to one installment.
type Payment struct {
	ID               string          `json:"id"`
	SubscriptionID   string          `json:"subscription_id"`
	InstallmentID    string          `json:"installment_id"`
	Amount           decimal.Decimal `json:"amount"`
	Discount         decimal.Decimal `json:"discount"`
	Currency         string          `json:"currency"`
	Date             time.Time       `json:"date"`
	JournalVoucherID string          `json:"journal_voucher_id"`
	IsDeleted        bool            `json:"is_deleted"`
	DeletedAt        *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ScheduleItem is one explicitly scheduled installment.
type ScheduleItem struct {
	DueDate time.Time       `json:"due_date" validate:"required"`
	Amount  decimal.Decimal `json:"amount"`
}

// CreateInput wraps parameters for selling a subscription.
type CreateInput struct {
	ClientID  string
	Service   string
	SalePrice decimal.Decimal
	Currency  string
	SaleDate  time.Time
	// Schedule lists installments explicitly; when empty, InstallmentCount equal monthly
	// installments starting at FirstDueDate are generated.
	Schedule         []ScheduleItem
	InstallmentCount int
	FirstDueDate     time.Time
}

// Validate checks the input before any store access.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.ClientID) == "" {
		return fmt.Errorf("subscriptions: client required: %w", shared.ErrInvalidVoucher)
	}
	if !in.SalePrice.IsPositive() {
		return fmt.Errorf("subscriptions: sale price must be positive: %w", shared.ErrInvalidAmount)
	}
	if _, err := currency.ParseISO(strings.ToUpper(in.Currency)); err != nil {
		return fmt.Errorf("subscriptions: currency %q: %w", in.Currency, shared.ErrInvalidVoucher)
	}
	if len(in.Schedule) == 0 && in.InstallmentCount <= 0 {
		return fmt.Errorf("subscriptions: schedule or installment count required: %w", shared.ErrInvalidAmount)
	}
	return nil
}

// BuildSchedule returns the installment amounts and due dates. Generated schedules split
// the sale price evenly at two decimal places and put the rounding remainder on the last
// installment.
func (in CreateInput) BuildSchedule() ([]ScheduleItem, error) {
	items := in.Schedule
	if len(items) == 0 {
		first := in.FirstDueDate
		if first.IsZero() {
			first = in.SaleDate
		}
		n := decimal.NewFromInt(int64(in.InstallmentCount))
		each := in.SalePrice.Div(n).RoundDown(2)
		items = make([]ScheduleItem, in.InstallmentCount)
		for i := range items {
			items[i] = ScheduleItem{DueDate: first.AddDate(0, i, 0), Amount: each}
		}
		last := in.SalePrice.Sub(each.Mul(decimal.NewFromInt(int64(in.InstallmentCount - 1))))
		items[len(items)-1].Amount = last
	}
	sum := decimal.Zero
	for idx, item := range items {
		if !item.Amount.IsPositive() {
			return nil, fmt.Errorf("subscriptions: installment %d amount must be positive: %w", idx, shared.ErrInvalidAmount)
		}
		if item.DueDate.IsZero() {
			return nil, fmt.Errorf("subscriptions: installment %d due date required: %w", idx, shared.ErrInvalidAmount)
		}
		sum = sum.Add(item.Amount)
	}
	if !sum.Equal(in.SalePrice) {
		return nil, fmt.Errorf("subscriptions: schedule sums to %s, sale price is %s: %w", sum, in.SalePrice, shared.ErrInvalidAmount)
	}
	return items, nil
}

// PaymentInput wraps parameters for applying a payment.
type PaymentInput struct {
	InstallmentID string
	Amount        decimal.Decimal
	Discount      decimal.Decimal
	Currency      string
	Date          time.Time
	// BoxAccountID overrides the subscriptions.box account receiving the cash.
	BoxAccountID string
	// IdempotencyKey de-duplicates retried requests when set.
	IdempotencyKey string
}

// Validate checks the amounts before any store access.
func (in PaymentInput) Validate() error {
	if strings.TrimSpace(in.InstallmentID) == "" {
		return fmt.Errorf("subscriptions: installment id required: %w", shared.ErrNotFound)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("subscriptions: payment amount must be positive: %w", shared.ErrInvalidAmount)
	}
	if in.Discount.IsNegative() {
		return fmt.Errorf("subscriptions: discount cannot be negative: %w", shared.ErrInvalidAmount)
	}
	if _, err := currency.ParseISO(strings.ToUpper(in.Currency)); err != nil {
		return fmt.Errorf("subscriptions: currency %q: %w", in.Currency, shared.ErrInvalidVoucher)
	}
	return nil
}

// PaymentResult reports an applied payment.
type PaymentResult struct {
	VoucherID            string          `json:"voucher_id"`
	InvoiceNumber        string          `json:"invoice_number"`
	Payments             []Payment       `json:"payments"`
	OverpaymentVoucherID string          `json:"overpayment_voucher_id,omitempty"`
	Overpayment          decimal.Decimal `json:"overpayment"`
	Remaining            decimal.Decimal `json:"remaining"`
	Subscription         Subscription    `json:"subscription"`
}

// RevokeResult reports a revoked payment.
type RevokeResult struct {
	ReversalIDs  []string     `json:"reversal_ids"`
	Payments     []Payment    `json:"payments"`
	Subscription Subscription `json:"subscription"`
}

// Detail is a subscription with its schedule and payments.
type Detail struct {
	Subscription Subscription  `json:"subscription"`
	Installments []Installment `json:"installments"`
	Payments     []Payment     `json:"payments"`
}
