// Package subscriptions sells installment-billed subscriptions and allocates payments
// across their installments.
package subscriptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/finance-engine/internal/financeconfig"
	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// idempotencyModule scopes payment keys in the idempotency store.
const idempotencyModule = "subscriptions.payment"

// TxRepository exposes subscription persistence inside a transaction.
type TxRepository interface {
	ledger.TxRepository
	ClaimIdempotencyKey(ctx context.Context, key, module string, at time.Time) error
	InsertSubscription(ctx context.Context, sub Subscription) error
	GetSubscriptionForUpdate(ctx context.Context, id string) (Subscription, error)
	UpdateSubscription(ctx context.Context, sub Subscription) error
	InsertInstallments(ctx context.Context, items []Installment) error
	GetInstallmentForUpdate(ctx context.Context, id string) (Installment, error)
	// UnpaidInstallments locks and returns the unpaid installments of the subscription.
	UnpaidInstallments(ctx context.Context, subscriptionID string) ([]Installment, error)
	UpdateInstallment(ctx context.Context, inst Installment) error
	InsertPayment(ctx context.Context, p Payment) error
	PaymentsByVoucher(ctx context.Context, voucherID string) ([]Payment, error)
	MarkPaymentsDeleted(ctx context.Context, voucherID, by string, at time.Time) error
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Reader serves subscription reads outside a transaction.
type Reader interface {
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	InstallmentsBySubscription(ctx context.Context, id string) ([]Installment, error)
	PaymentsBySubscription(ctx context.Context, id string) ([]Payment, error)
}

// AccountsPort loads the finance account map.
type AccountsPort interface {
	Load(ctx context.Context) (financeconfig.Map, error)
}

// AuditPort records subscription events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts applied payments.
type MetricsPort interface {
	PaymentApplied(overpaid bool)
}

// Service coordinates subscription sales and payments.
type Service struct {
	repo     RepositoryPort
	reader   Reader
	ledger   *ledger.Service
	accounts AccountsPort
	audit    AuditPort
	metrics  MetricsPort
	now      func() time.Time
	newID    func() string
}

// NewService constructs the subscription service.
func NewService(repo RepositoryPort, reader Reader, ledgerSvc *ledger.Service, accounts AccountsPort, audit AuditPort, metrics MetricsPort) *Service {
	return &Service{
		repo:     repo,
		reader:   reader,
		ledger:   ledgerSvc,
		accounts: accounts,
		audit:    audit,
		metrics:  metrics,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create sells a subscription: it stores the subscription with its installment schedule
// and posts the sale voucher in one transaction.
func (s *Service) Create(ctx context.Context, in CreateInput, actor shared.Actor) (Detail, error) {
	if err := in.Validate(); err != nil {
		return Detail{}, err
	}
	schedule, err := in.BuildSchedule()
	if err != nil {
		return Detail{}, err
	}
	accounts, err := s.accounts.Load(ctx)
	if err != nil {
		return Detail{}, err
	}
	revenue, err := accounts.Require(financeconfig.SubscriptionsRevenue)
	if err != nil {
		return Detail{}, err
	}

	at := s.now()
	sub := Subscription{
		ID:             s.newID(),
		ClientID:       in.ClientID,
		Service:        in.Service,
		SalePrice:      in.SalePrice,
		Currency:       strings.ToUpper(in.Currency),
		SaleDate:       in.SaleDate,
		PaidAmount:     decimal.Zero,
		DiscountAmount: decimal.Zero,
		Status:         StatusUnpaid,
		CreatedAt:      at,
	}
	if sub.SaleDate.IsZero() {
		sub.SaleDate = at
	}
	installments := make([]Installment, len(schedule))
	for i, item := range schedule {
		installments[i] = Installment{
			ID:             s.newID(),
			SubscriptionID: sub.ID,
			Seq:            i + 1,
			Amount:         item.Amount,
			PaidAmount:     decimal.Zero,
			Discount:       decimal.Zero,
			DueDate:        item.DueDate,
			Status:         StatusUnpaid,
		}
	}

	var voucher ledger.Voucher
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		voucher, err = s.ledger.PostTx(ctx, tx, ledger.Draft{
			SourceType:  ledger.SourceSubscription,
			SourceID:    sub.ID,
			Date:        sub.SaleDate,
			Currency:    sub.Currency,
			Description: fmt.Sprintf("Subscription sale %s", in.Service),
			Officer:     actor.Name,
			LinkKey:     "sale",
			Entries:     []ledger.Line{ledger.Debit(sub.ClientID, sub.SalePrice), ledger.Credit(revenue, sub.SalePrice)},
		})
		if err != nil {
			return err
		}
		sub.VoucherID = voucher.ID
		sub.InvoiceNumber = voucher.InvoiceNumber
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.InsertInstallments(ctx, installments)
	})
	if err != nil {
		return Detail{}, err
	}
	s.ledger.Posted(voucher)
	s.record(ctx, actor, "subscription.create", sub.ID, map[string]any{
		"number":       sub.InvoiceNumber,
		"sale_price":   sub.SalePrice.String(),
		"installments": len(installments),
	})
	return Detail{Subscription: sub, Installments: installments}, nil
}

// ApplyPayment records cash (and an optional discount) received for a subscription and
// spreads it over the unpaid installments, oldest due date first. Cash left after every
// installment is settled is posted as client credit. Everything happens in one
// transaction.
func (s *Service) ApplyPayment(ctx context.Context, in PaymentInput, actor shared.Actor) (PaymentResult, error) {
	if err := in.Validate(); err != nil {
		return PaymentResult{}, err
	}
	accounts, err := s.accounts.Load(ctx)
	if err != nil {
		return PaymentResult{}, err
	}
	ids, err := accounts.RequireAll(financeconfig.SubscriptionsBox, financeconfig.SubscriptionsDiscount, financeconfig.SubscriptionsClientCredit)
	if err != nil {
		return PaymentResult{}, err
	}
	box := ids[financeconfig.SubscriptionsBox]
	if strings.TrimSpace(in.BoxAccountID) != "" {
		box = in.BoxAccountID
	}

	var (
		res      PaymentResult
		vouchers []ledger.Voucher
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, vouchers = PaymentResult{}, vouchers[:0]
		at := s.now()
		if in.IdempotencyKey != "" {
			if err := tx.ClaimIdempotencyKey(ctx, in.IdempotencyKey, idempotencyModule, at); err != nil {
				return err
			}
		}
		target, err := tx.GetInstallmentForUpdate(ctx, in.InstallmentID)
		if err != nil {
			return err
		}
		sub, err := tx.GetSubscriptionForUpdate(ctx, target.SubscriptionID)
		if err != nil {
			return err
		}
		if sub.IsDeleted {
			return fmt.Errorf("subscriptions: subscription %s is deleted: %w", sub.ID, shared.ErrNotFound)
		}
		if !strings.EqualFold(sub.Currency, in.Currency) {
			return fmt.Errorf("subscriptions: payment in %s for a %s subscription: %w", strings.ToUpper(in.Currency), sub.Currency, shared.ErrInvalidAmount)
		}
		unpaid, err := tx.UnpaidInstallments(ctx, sub.ID)
		if err != nil {
			return err
		}
		alloc := Allocate(unpaid, in.Amount, in.Discount)
		if alloc.UnusedDiscount.IsPositive() {
			return fmt.Errorf("subscriptions: discount exceeds outstanding dues by %s: %w", alloc.UnusedDiscount, shared.ErrInvalidAmount)
		}

		date := in.Date
		if date.IsZero() {
			date = at
		}
		lines := []ledger.Line{ledger.Debit(box, in.Amount)}
		if in.Discount.IsPositive() {
			lines = append(lines, ledger.Debit(ids[financeconfig.SubscriptionsDiscount], in.Discount))
		}
		lines = append(lines, ledger.Credit(sub.ClientID, in.Amount.Add(in.Discount)))
		voucher, err := s.ledger.PostTx(ctx, tx, ledger.Draft{
			SourceType:  ledger.SourceSubscriptionPayment,
			SourceID:    sub.ID,
			Date:        date,
			Currency:    sub.Currency,
			Description: fmt.Sprintf("Payment for subscription %s", sub.InvoiceNumber),
			Officer:     actor.Name,
			Entries:     lines,
		})
		if err != nil {
			return err
		}
		vouchers = append(vouchers, voucher)
		res.VoucherID, res.InvoiceNumber = voucher.ID, voucher.InvoiceNumber

		byID := make(map[string]Installment, len(unpaid))
		for _, inst := range unpaid {
			byID[inst.ID] = inst
		}
		for _, a := range alloc.Allocations {
			inst := byID[a.InstallmentID]
			inst.PaidAmount = inst.PaidAmount.Add(a.Payment)
			inst.Discount = inst.Discount.Add(a.Discount)
			inst.settle()
			if err := tx.UpdateInstallment(ctx, inst); err != nil {
				return err
			}
			p := Payment{
				ID:               s.newID(),
				SubscriptionID:   sub.ID,
				InstallmentID:    inst.ID,
				Amount:           a.Payment,
				Discount:         a.Discount,
				Currency:         sub.Currency,
				Date:             date,
				JournalVoucherID: voucher.ID,
				CreatedAt:        at,
			}
			if err := tx.InsertPayment(ctx, p); err != nil {
				return err
			}
			res.Payments = append(res.Payments, p)
		}

		res.Overpayment = alloc.Overpayment
		if alloc.Overpayment.IsPositive() {
			credit, err := s.ledger.PostTx(ctx, tx, ledger.Draft{
				SourceType:  ledger.SourceSubscriptionOverpayment,
				SourceID:    voucher.ID,
				Date:        date,
				Currency:    sub.Currency,
				Description: fmt.Sprintf("Overpayment on %s", voucher.InvoiceNumber),
				Officer:     actor.Name,
				LinkKey:     "overpayment",
				Entries: []ledger.Line{
					ledger.Debit(sub.ClientID, alloc.Overpayment),
					ledger.Credit(ids[financeconfig.SubscriptionsClientCredit], alloc.Overpayment),
				},
			})
			if err != nil {
				return err
			}
			vouchers = append(vouchers, credit)
			res.OverpaymentVoucherID = credit.ID
		}

		sub.PaidAmount = sub.PaidAmount.Add(alloc.AppliedCash)
		sub.DiscountAmount = sub.DiscountAmount.Add(alloc.AppliedDiscount)
		sub.settle()
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		res.Subscription = sub
		res.Remaining = sub.Remaining()
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	s.ledger.Posted(vouchers...)
	if s.metrics != nil {
		s.metrics.PaymentApplied(res.Overpayment.IsPositive())
	}
	s.record(ctx, actor, "subscription.payment", res.Subscription.ID, map[string]any{
		"voucher":     res.InvoiceNumber,
		"amount":      in.Amount.String(),
		"discount":    in.Discount.String(),
		"overpayment": res.Overpayment.String(),
	})
	return res, nil
}

// RevokePayment undoes a payment: it reverses the payment voucher and its overpayment
// voucher, marks the payment records deleted and takes their amounts back off the
// installments and the subscription, in one transaction.
func (s *Service) RevokePayment(ctx context.Context, voucherID, memo string, actor shared.Actor) (RevokeResult, error) {
	if strings.TrimSpace(voucherID) == "" {
		return RevokeResult{}, fmt.Errorf("subscriptions: voucher id required: %w", shared.ErrNotFound)
	}
	var (
		res       RevokeResult
		reversals []ledger.Voucher
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, reversals = RevokeResult{}, reversals[:0]
		at := s.now()
		original, err := tx.GetVoucher(ctx, voucherID)
		if err != nil {
			return err
		}
		if original.SourceType != ledger.SourceSubscriptionPayment {
			return fmt.Errorf("subscriptions: voucher %s is not a payment: %w", original.InvoiceNumber, shared.ErrInvalidTransition)
		}
		sub, err := tx.GetSubscriptionForUpdate(ctx, original.SourceID)
		if err != nil {
			return err
		}
		reversal, err := s.ledger.ReverseTx(ctx, tx, original.ID, memo, actor.Name)
		if err != nil {
			return err
		}
		reversals = append(reversals, reversal)
		credits, err := tx.ListVouchersBySource(ctx, ledger.SourceSubscriptionOverpayment, original.ID)
		if err != nil {
			return err
		}
		for _, credit := range credits {
			r, err := s.ledger.ReverseTx(ctx, tx, credit.ID, memo, actor.Name)
			if err != nil {
				return err
			}
			reversals = append(reversals, r)
		}

		payments, err := tx.PaymentsByVoucher(ctx, original.ID)
		if err != nil {
			return err
		}
		for _, p := range payments {
			if p.IsDeleted {
				continue
			}
			inst, err := tx.GetInstallmentForUpdate(ctx, p.InstallmentID)
			if err != nil {
				return err
			}
			inst.PaidAmount = inst.PaidAmount.Sub(p.Amount)
			inst.Discount = inst.Discount.Sub(p.Discount)
			inst.settle()
			if err := tx.UpdateInstallment(ctx, inst); err != nil {
				return err
			}
			sub.PaidAmount = sub.PaidAmount.Sub(p.Amount)
			sub.DiscountAmount = sub.DiscountAmount.Sub(p.Discount)
			p.IsDeleted = true
			p.DeletedAt = &at
			res.Payments = append(res.Payments, p)
		}
		if err := tx.MarkPaymentsDeleted(ctx, original.ID, actor.ID, at); err != nil {
			return err
		}
		sub.settle()
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		res.Subscription = sub
		return nil
	})
	if err != nil {
		return RevokeResult{}, err
	}
	s.ledger.Posted(reversals...)
	for _, r := range reversals {
		res.ReversalIDs = append(res.ReversalIDs, r.ID)
	}
	s.record(ctx, actor, "subscription.payment_revoke", res.Subscription.ID, map[string]any{
		"voucher_id": voucherID,
		"payments":   len(res.Payments),
	})
	return res, nil
}

// Get returns a subscription with its installments and payments.
func (s *Service) Get(ctx context.Context, id string) (Detail, error) {
	sub, err := s.reader.GetSubscription(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	installments, err := s.reader.InstallmentsBySubscription(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	payments, err := s.reader.PaymentsBySubscription(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Subscription: sub, Installments: installments, Payments: payments}, nil
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action, subscriptionID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.NewAuditLog(actor, action, "subscription", subscriptionID, s.now())
	log.Meta = meta
	_ = s.audit.Record(ctx, log)
}
