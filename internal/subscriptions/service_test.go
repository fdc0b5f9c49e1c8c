package subscriptions_test

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/finance-engine/internal/financeconfig"
	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/ledger/ledgertest"
	"github.com/odyssey-erp/finance-engine/internal/lifecycle"
	"github.com/odyssey-erp/finance-engine/internal/shared"
	"github.com/odyssey-erp/finance-engine/internal/subscriptions"
)

type memRepo struct {
	store         *ledgertest.Store
	subscriptions map[string]subscriptions.Subscription
	installments  map[string]subscriptions.Installment
	payments      map[string]subscriptions.Payment
	keys          map[string]bool
}

func newMemRepo(store *ledgertest.Store) *memRepo {
	return &memRepo{
		store:         store,
		subscriptions: map[string]subscriptions.Subscription{},
		installments:  map[string]subscriptions.Installment{},
		payments:      map[string]subscriptions.Payment{},
		keys:          map[string]bool{},
	}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, subscriptions.TxRepository) error) error {
	inner := r.store.Begin()
	tx := &memTx{
		Tx:            inner,
		subscriptions: map[string]subscriptions.Subscription{},
		installments:  map[string]subscriptions.Installment{},
		payments:      map[string]subscriptions.Payment{},
		keys:          map[string]bool{},
	}
	for k, v := range r.subscriptions {
		tx.subscriptions[k] = v
	}
	for k, v := range r.installments {
		tx.installments[k] = v
	}
	for k, v := range r.payments {
		tx.payments[k] = v
	}
	for k, v := range r.keys {
		tx.keys[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		r.store.Rollback(inner)
		return err
	}
	r.subscriptions, r.installments, r.payments, r.keys = tx.subscriptions, tx.installments, tx.payments, tx.keys
	r.store.Commit(inner)
	return nil
}

func (r *memRepo) GetSubscription(_ context.Context, id string) (subscriptions.Subscription, error) {
	sub, ok := r.subscriptions[id]
	if !ok {
		return subscriptions.Subscription{}, fmt.Errorf("subscription %s: %w", id, shared.ErrNotFound)
	}
	return sub, nil
}

func (r *memRepo) InstallmentsBySubscription(_ context.Context, id string) ([]subscriptions.Installment, error) {
	var out []subscriptions.Installment
	for _, inst := range r.installments {
		if inst.SubscriptionID == id {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *memRepo) PaymentsBySubscription(_ context.Context, id string) ([]subscriptions.Payment, error) {
	var out []subscriptions.Payment
	for _, p := range r.payments {
		if p.SubscriptionID == id {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memTx struct {
	*ledgertest.Tx
	subscriptions map[string]subscriptions.Subscription
	installments  map[string]subscriptions.Installment
	payments      map[string]subscriptions.Payment
	keys          map[string]bool
}

func (t *memTx) ClaimIdempotencyKey(_ context.Context, key, module string, _ time.Time) error {
	if t.keys[module+"|"+key] {
		return shared.ErrIdempotencyConflict
	}
	t.keys[module+"|"+key] = true
	return nil
}

func (t *memTx) InsertSubscription(_ context.Context, sub subscriptions.Subscription) error {
	t.subscriptions[sub.ID] = sub
	return nil
}

func (t *memTx) GetSubscriptionForUpdate(_ context.Context, id string) (subscriptions.Subscription, error) {
	sub, ok := t.subscriptions[id]
	if !ok {
		return subscriptions.Subscription{}, fmt.Errorf("subscription %s: %w", id, shared.ErrNotFound)
	}
	return sub, nil
}

func (t *memTx) UpdateSubscription(_ context.Context, sub subscriptions.Subscription) error {
	t.subscriptions[sub.ID] = sub
	return nil
}

func (t *memTx) InsertInstallments(_ context.Context, items []subscriptions.Installment) error {
	for _, it := range items {
		t.installments[it.ID] = it
	}
	return nil
}

func (t *memTx) GetInstallmentForUpdate(_ context.Context, id string) (subscriptions.Installment, error) {
	inst, ok := t.installments[id]
	if !ok {
		return subscriptions.Installment{}, fmt.Errorf("installment %s: %w", id, shared.ErrNotFound)
	}
	return inst, nil
}

func (t *memTx) UnpaidInstallments(_ context.Context, subscriptionID string) ([]subscriptions.Installment, error) {
	var out []subscriptions.Installment
	for _, inst := range t.installments {
		if inst.SubscriptionID == subscriptionID && inst.Status == subscriptions.StatusUnpaid {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (t *memTx) UpdateInstallment(_ context.Context, inst subscriptions.Installment) error {
	t.installments[inst.ID] = inst
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p subscriptions.Payment) error {
	t.payments[p.ID] = p
	return nil
}

func (t *memTx) PaymentsByVoucher(_ context.Context, voucherID string) ([]subscriptions.Payment, error) {
	var out []subscriptions.Payment
	for _, p := range t.payments {
		if p.JournalVoucherID == voucherID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) MarkPaymentsDeleted(_ context.Context, voucherID, _ string, at time.Time) error {
	for id, p := range t.payments {
		if p.JournalVoucherID == voucherID && !p.IsDeleted {
			p.IsDeleted = true
			p.DeletedAt = &at
			t.payments[id] = p
		}
	}
	return nil
}

var (
	clock   = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	cashier = shared.Actor{ID: "cashier", Name: "Cashier", Permissions: []string{shared.PermPaymentApply}}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingMetrics struct {
	applied, overpaid int
}

func (m *recordingMetrics) PaymentApplied(overpaid bool) {
	m.applied++
	if overpaid {
		m.overpaid++
	}
}

type fixture struct {
	store   *ledgertest.Store
	repo    *memRepo
	seq     *ledgertest.Sequence
	metrics *recordingMetrics
	svc     *subscriptions.Service
}

func fullAccounts() financeconfig.Map {
	return financeconfig.Map{
		financeconfig.SubscriptionsRevenue:      "revenue",
		financeconfig.SubscriptionsBox:          "box",
		financeconfig.SubscriptionsDiscount:     "discounts",
		financeconfig.SubscriptionsClientCredit: "client-credit",
	}
}

func newFixture(t *testing.T, accounts financeconfig.Map) *fixture {
	t.Helper()
	store := ledgertest.NewStore("revenue", "box", "bank", "discounts", "client-credit", "client-1")
	repo := newMemRepo(store)
	seq := ledgertest.NewSequence()
	led := ledger.NewService(store, seq, nil, nil)
	led.WithNow(func() time.Time { return clock })
	metrics := &recordingMetrics{}
	svc := subscriptions.NewService(repo, repo, led, financeconfig.StaticSource(accounts), nil, metrics)
	svc.WithNow(func() time.Time { return clock })
	return &fixture{store: store, repo: repo, seq: seq, metrics: metrics, svc: svc}
}

// sell creates a subscription with three monthly installments of 100 due Jan, Feb and Mar.
func (f *fixture) sell(t *testing.T) subscriptions.Detail {
	t.Helper()
	detail, err := f.svc.Create(context.Background(), subscriptions.CreateInput{
		ClientID:         "client-1",
		Service:          "umrah package",
		SalePrice:        d("300"),
		Currency:         "USD",
		SaleDate:         clock,
		InstallmentCount: 3,
		FirstDueDate:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}, cashier)
	require.NoError(t, err)
	return detail
}

func (f *fixture) pay(installmentID, amount, discount string) (subscriptions.PaymentResult, error) {
	return f.svc.ApplyPayment(context.Background(), subscriptions.PaymentInput{
		InstallmentID: installmentID,
		Amount:        d(amount),
		Discount:      d(discount),
		Currency:      "USD",
	}, cashier)
}

func TestCreatePostsSaleVoucher(t *testing.T) {
	f := newFixture(t, fullAccounts())
	detail := f.sell(t)
	require.Len(t, detail.Installments, 3)
	require.Equal(t, "SUB-000001", detail.Subscription.InvoiceNumber)
	require.Equal(t, subscriptions.StatusUnpaid, detail.Subscription.Status)

	v := f.store.Snapshot().Vouchers[detail.Subscription.VoucherID]
	require.Equal(t, ledger.SourceSubscription, v.SourceType)
	require.Equal(t, detail.Subscription.ID, v.SourceID)
	require.True(t, v.Balanced())
	require.Equal(t, "client-1", v.DebitEntries[0].AccountID)
	require.Equal(t, "revenue", v.CreditEntries[0].AccountID)

	got, err := f.svc.Get(context.Background(), detail.Subscription.ID)
	require.NoError(t, err)
	require.Len(t, got.Installments, 3)
	require.Empty(t, got.Payments)
}

func TestCreateRequiresRevenueAccount(t *testing.T) {
	f := newFixture(t, financeconfig.Map{})
	_, err := f.svc.Create(context.Background(), subscriptions.CreateInput{
		ClientID: "client-1", SalePrice: d("10"), Currency: "USD", InstallmentCount: 1,
	}, cashier)
	require.ErrorIs(t, err, shared.ErrConfiguration)
	require.Empty(t, f.store.Snapshot().Vouchers)
}

func TestApplyPaymentFIFO(t *testing.T) {
	f := newFixture(t, fullAccounts())
	detail := f.sell(t)
	// paying against the last installment still settles the oldest first
	res, err := f.pay(detail.Installments[2].ID, "150", "0")
	require.NoError(t, err)
	require.Len(t, res.Payments, 2)
	require.Equal(t, detail.Installments[0].ID, res.Payments[0].InstallmentID)
	require.True(t, res.Payments[0].Amount.Equal(d("100")))
	require.Equal(t, detail.Installments[1].ID, res.Payments[1].InstallmentID)
	require.True(t, res.Payments[1].Amount.Equal(d("50")))
	require.Empty(t, res.OverpaymentVoucherID)
	require.True(t, res.Remaining.Equal(d("150")))
	require.Equal(t, "PAY-000001", res.InvoiceNumber)

	inst := f.repo.installments
	require.Equal(t, subscriptions.StatusPaid, inst[detail.Installments[0].ID].Status)
	require.True(t, inst[detail.Installments[1].ID].PaidAmount.Equal(d("50")))
	require.True(t, inst[detail.Installments[2].ID].PaidAmount.IsZero())

	v := f.store.Snapshot().Vouchers[res.VoucherID]
	require.True(t, v.Balanced())
	require.Equal(t, "box", v.DebitEntries[0].AccountID)
	require.Equal(t, "client-1", v.CreditEntries[0].AccountID)
	for _, p := range res.Payments {
		require.Equal(t, res.VoucherID, p.JournalVoucherID)
	}
	require.Equal(t, 1, f.metrics.applied)
}

func TestApplyPaymentWithDiscountThenSettle(t *testing.T) {
	f := newFixture(t, fullAccounts())
	detail := f.sell(t)
	first := detail.Installments[0].ID

	res, err := f.pay(first, "40", "10")
	require.NoError(t, err)
	inst := f.repo.installments[first]
	require.True(t, inst.PaidAmount.Equal(d("40")))
	require.True(t, inst.Discount.Equal(d("10")))
	require.True(t, inst.Due().Equal(d("50")))
	require.Equal(t, subscriptions.StatusUnpaid, inst.Status)

	v := f.store.Snapshot().Vouchers[res.VoucherID]
	require.Len(t, v.DebitEntries, 2)
	require.Equal(t, "discounts", v.DebitEntries[1].AccountID)
	require.True(t, v.CreditEntries[0].Amount.Equal(d("50")))

	_, err = f.pay(first, "50", "0")
	require.NoError(t, err)
	require.Equal(t, subscriptions.StatusPaid, f.repo.installments[first].Status)
	require.True(t, f.repo.installments[detail.Installments[1].ID].PaidAmount.IsZero())
}

func TestApplyPaymentOverpaymentPostsClientCredit(t *testing.T) {
	f := newFixture(t, fullAccounts())
	detail := f.sell(t)
	res, err := f.pay(detail.Installments[0].ID, "350", "0")
	require.NoError(t, err)
	require.True(t, res.Overpayment.Equal(d("50")))
	require.NotEmpty(t, res.OverpaymentVoucherID)
	require.Equal(t, subscriptions.StatusPaid, res.Subscription.Status)
	require.True(t, res.Remaining.IsZero())

	credit := f.store.Snapshot().Vouchers[res.OverpaymentVoucherID]
	require.Equal(t, ledger.SourceSubscriptionOverpayment, credit.SourceType)
	require.Equal(t, res.VoucherID, credit.SourceID)
	require.Equal(t, "client-credit", credit.CreditEntries[0].AccountID)
	require.True(t, credit.CreditEntries[0].Amount.Equal(d("50")))
	require.Equal(t, 1, f.metrics.overpaid)

	// a fully paid subscription turns every further payment into client credit
	res, err = f.pay(detail.Installments[0].ID, "20", "0")
	require.NoError(t, err)
	require.Empty(t, res.Payments)
	require.True(t, res.Overpayment.Equal(d("20")))
}

func TestApplyPaymentRejectsUnabsorbedDiscount(t *testing.T) {
	f := newFixture(t, fullAccounts())
	detail := f.sell(t)
	_, err := f.pay(detail.Installments[0].ID, "290", "20")
	require.ErrorIs(t, err, shared.ErrInvalidAmount)
	require.Len(t, f.store.Snapshot().Vouchers, 1)
	require.Empty(t, f.repo.payments)
}

func TestApplyPaymentErrors(t *testing.T) {
	f := newFixture(t, fullAccounts())
	detail := f.sell(t)

	_, err := f.pay("missing", "10", "0")
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.pay(detail.Installments[0].ID, "0", "0")
	require.ErrorIs(t, err, shared.ErrInvalidAmount)

	_, err = f.svc.ApplyPayment(context.Background(), subscriptions.PaymentInput{
		InstallmentID: detail.Installments[0].ID, Amount: d("10"), Currency: "EUR",
	}, cashier)
	require.ErrorIs(t, err, shared.ErrInvalidAmount)

	_, err = f.svc.ApplyPayment(context.Background(), subscriptions.PaymentInput{
		InstallmentID: detail.Installments[0].ID, Amount: d("10"), Currency: "USD", BoxAccountID: "nowhere",
	}, cashier)
	require.ErrorIs(t, err, shared.ErrInvalidVoucher)
	require.Empty(t, f.repo.payments)

	res, err := f.svc.ApplyPayment(context.Background(), subscriptions.PaymentInput{
		InstallmentID: detail.Installments[0].ID, Amount: d("10"), Currency: "USD", BoxAccountID: "bank",
	}, cashier)
	require.NoError(t, err)
	require.Equal(t, "bank", f.store.Snapshot().Vouchers[res.VoucherID].DebitEntries[0].AccountID)
}

func TestApplyPaymentMissingAccountsIsConfigurationError(t *testing.T) {
	accounts := fullAccounts()
	delete(accounts, financeconfig.SubscriptionsClientCredit)
	f := newFixture(t, accounts)
	detail := f.sell(t)
	_, err := f.pay(detail.Installments[0].ID, "10", "0")
	require.ErrorIs(t, err, shared.ErrConfiguration)
}

func TestApplyPaymentIdempotencyKey(t *testing.T) {
	f := newFixture(t, fullAccounts())
	detail := f.sell(t)
	in := subscriptions.PaymentInput{
		InstallmentID:  detail.Installments[0].ID,
		Amount:         d("60"),
		Currency:       "USD",
		IdempotencyKey: "req-1",
	}
	_, err := f.svc.ApplyPayment(context.Background(), in, cashier)
	require.NoError(t, err)
	_, err = f.svc.ApplyPayment(context.Background(), in, cashier)
	require.ErrorIs(t, err, shared.ErrConflict)
	require.True(t, f.repo.installments[detail.Installments[0].ID].PaidAmount.Equal(d("60")))
	require.Len(t, f.store.Snapshot().Vouchers, 2)
}

func TestRevokePaymentRestoresBalances(t *testing.T) {
	f := newFixture(t, fullAccounts())
	detail := f.sell(t)
	first, err := f.pay(detail.Installments[0].ID, "60", "0")
	require.NoError(t, err)
	second, err := f.pay(detail.Installments[0].ID, "280", "0")
	require.NoError(t, err)
	require.NotEmpty(t, second.OverpaymentVoucherID)

	res, err := f.svc.RevokePayment(context.Background(), second.VoucherID, "", cashier)
	require.NoError(t, err)
	require.Len(t, res.ReversalIDs, 2)
	require.Len(t, res.Payments, 3)
	require.True(t, res.Subscription.PaidAmount.Equal(d("60")))
	require.Equal(t, subscriptions.StatusUnpaid, res.Subscription.Status)

	inst := f.repo.installments
	require.True(t, inst[detail.Installments[0].ID].PaidAmount.Equal(d("60")))
	require.Equal(t, subscriptions.StatusUnpaid, inst[detail.Installments[0].ID].Status)
	require.True(t, inst[detail.Installments[2].ID].PaidAmount.IsZero())
	for _, p := range f.repo.payments {
		require.Equal(t, p.JournalVoucherID == second.VoucherID, p.IsDeleted)
	}

	state := f.store.Snapshot()
	reversal := state.Vouchers[res.ReversalIDs[0]]
	require.Equal(t, second.VoucherID, reversal.ReversalOf)
	require.Equal(t, "client-1", reversal.DebitEntries[0].AccountID)

	_, err = f.svc.RevokePayment(context.Background(), second.VoucherID, "", cashier)
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = f.svc.RevokePayment(context.Background(), detail.Subscription.VoucherID, "", cashier)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = f.svc.RevokePayment(context.Background(), first.VoucherID, "", cashier)
	require.NoError(t, err)
	got, err := f.svc.Get(context.Background(), detail.Subscription.ID)
	require.NoError(t, err)
	require.True(t, got.Subscription.PaidAmount.IsZero())
}

func TestRevokeDeletedPaymentIsInvalidTransition(t *testing.T) {
	f := newFixture(t, fullAccounts())
	detail := f.sell(t)
	res, err := f.pay(detail.Installments[0].ID, "60", "0")
	require.NoError(t, err)

	tx := f.store.Begin()
	require.NoError(t, tx.MarkDeleted(context.Background(), res.VoucherID, "admin", clock))
	f.store.Commit(tx)

	_, err = f.svc.RevokePayment(context.Background(), res.VoucherID, "", cashier)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	require.True(t, f.repo.installments[detail.Installments[0].ID].PaidAmount.Equal(d("60")))
}

// lifecycleRepo runs lifecycle transactions on the same in-memory tables.
type lifecycleRepo struct {
	repo *memRepo
}

func (l lifecycleRepo) WithTx(ctx context.Context, fn func(context.Context, lifecycle.TxRepository) error) error {
	return l.repo.WithTx(ctx, func(ctx context.Context, tx subscriptions.TxRepository) error {
		return fn(ctx, tx.(*memTx))
	})
}

func TestPaymentVouchersLeaveOnlyThroughRevoke(t *testing.T) {
	f := newFixture(t, fullAccounts())
	ctx := context.Background()
	detail := f.sell(t)
	paid, err := f.pay(detail.Installments[0].ID, "340", "0")
	require.NoError(t, err)
	require.NotEmpty(t, paid.OverpaymentVoucherID)

	life := lifecycle.NewService(lifecycleRepo{repo: f.repo}, f.store, nil, nil)
	for _, id := range []string{paid.VoucherID, paid.OverpaymentVoucherID} {
		_, err := life.SoftDelete(ctx, id, cashier)
		require.ErrorIs(t, err, shared.ErrInvalidTransition)
	}
	state := f.store.Snapshot()
	require.False(t, state.Vouchers[paid.VoucherID].IsDeleted)
	require.False(t, state.Vouchers[paid.OverpaymentVoucherID].IsDeleted)
	for _, inst := range detail.Installments {
		require.True(t, f.repo.installments[inst.ID].PaidAmount.Equal(d("100")), inst.ID)
	}
	for _, p := range f.repo.payments {
		require.False(t, p.IsDeleted)
	}

	revoked, err := f.svc.RevokePayment(ctx, paid.VoucherID, "", cashier)
	require.NoError(t, err)
	require.Len(t, revoked.ReversalIDs, 2)
	for _, id := range revoked.ReversalIDs {
		_, err := life.SoftDelete(ctx, id, cashier)
		require.ErrorIs(t, err, shared.ErrInvalidTransition)
	}
	for _, inst := range detail.Installments {
		require.True(t, f.repo.installments[inst.ID].PaidAmount.IsZero(), inst.ID)
	}
}

func TestPaymentsConserveMoney(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for iter := 0; iter < 40; iter++ {
		f := newFixture(t, fullAccounts())
		detail := f.sell(t)
		received, overpaid := decimal.Zero, decimal.Zero
		for p := 0; p < 1+rng.Intn(6); p++ {
			amount := decimal.New(int64(1+rng.Intn(15000)), -2)
			res, err := f.pay(detail.Installments[rng.Intn(3)].ID, amount.String(), "0")
			require.NoError(t, err)
			received = received.Add(amount)
			overpaid = overpaid.Add(res.Overpayment)
		}
		recorded := decimal.Zero
		for _, inst := range f.repo.installments {
			require.True(t, inst.PaidAmount.Add(inst.Discount).LessThanOrEqual(inst.Amount))
			recorded = recorded.Add(inst.PaidAmount).Add(inst.Discount)
		}
		require.True(t, recorded.Add(overpaid).Equal(received), "iteration %d", iter)
		sub := f.repo.subscriptions[detail.Subscription.ID]
		require.True(t, sub.PaidAmount.Equal(recorded), "iteration %d", iter)
	}
}
