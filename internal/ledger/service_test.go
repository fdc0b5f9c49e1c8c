package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/ledger/ledgertest"
	"github.com/odyssey-erp/finance-engine/internal/sequence"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type countingMetrics struct {
	posted map[string]int
}

func (m *countingMetrics) VoucherPosted(sourceType string) {
	if m.posted == nil {
		m.posted = map[string]int{}
	}
	m.posted[sourceType]++
}

var (
	clock = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	actor = shared.Actor{ID: "u-1", Name: "Rina", Permissions: []string{shared.PermVoucherPost}}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(t *testing.T) (*ledger.Service, *ledgertest.Store, *ledgertest.Sequence, *recordingAudit, *countingMetrics) {
	t.Helper()
	store := ledgertest.NewStore("1000", "4000", "client-1", "box-1")
	seq := ledgertest.NewSequence()
	audit := &recordingAudit{}
	metrics := &countingMetrics{}
	svc := ledger.NewService(store, seq, audit, metrics)
	svc.WithNow(func() time.Time { return clock })
	return svc, store, seq, audit, metrics
}

func segmentDraft(amount string) ledger.Draft {
	return ledger.Draft{
		SourceType:  ledger.SourceSegment,
		SourceID:    "seg-1",
		Date:        clock,
		Currency:    "usd",
		Description: "segment profit",
		Entries: []ledger.Line{
			ledger.Debit("client-1", d(amount)),
			ledger.Credit("4000", d(amount)),
		},
	}
}

func TestDraftValidate(t *testing.T) {
	valid := segmentDraft("10")
	require.NoError(t, valid.Validate())

	cases := map[string]func(*ledger.Draft){
		"no entries":      func(dr *ledger.Draft) { dr.Entries = nil },
		"debit only":      func(dr *ledger.Draft) { dr.Entries = dr.Entries[:1] },
		"unbalanced":      func(dr *ledger.Draft) { dr.Entries[1].Credit = d("9.99") },
		"negative":        func(dr *ledger.Draft) { dr.Entries[0].Debit = d("-10") },
		"both sides":      func(dr *ledger.Draft) { dr.Entries[0].Credit = d("1") },
		"zero line":       func(dr *ledger.Draft) { dr.Entries = append(dr.Entries, ledger.Line{AccountID: "1000"}) },
		"missing account": func(dr *ledger.Draft) { dr.Entries[1].AccountID = " " },
		"bad currency":    func(dr *ledger.Draft) { dr.Currency = "XX1" },
		"no source type":  func(dr *ledger.Draft) { dr.SourceType = "" },
		"no source id":    func(dr *ledger.Draft) { dr.SourceID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			dr := segmentDraft("10")
			dr.Entries = append([]ledger.Line(nil), dr.Entries...)
			mutate(&dr)
			require.ErrorIs(t, dr.Validate(), shared.ErrInvalidVoucher)
		})
	}
}

func TestPostAssignsNumberFromSourcePrefix(t *testing.T) {
	svc, store, _, audit, metrics := newService(t)

	v, err := svc.Post(context.Background(), segmentDraft("250"), actor)
	require.NoError(t, err)
	require.Equal(t, "SEG-000001", v.InvoiceNumber)
	require.Equal(t, "USD", v.Currency)
	require.Equal(t, "Rina", v.Officer)
	require.Equal(t, ledger.StatusActive, v.Status)
	require.True(t, v.Balanced())
	require.Len(t, v.DebitEntries, 1)
	require.Len(t, v.CreditEntries, 1)

	stored := store.Snapshot().Vouchers[v.ID]
	require.Equal(t, v.InvoiceNumber, stored.InvoiceNumber)
	require.Len(t, audit.logs, 1)
	require.Equal(t, "voucher.post", audit.logs[0].Action)
	require.Equal(t, 1, metrics.posted["segment"])
}

func TestPostWithReferenceSkipsSequence(t *testing.T) {
	svc, _, seq, _, _ := newService(t)
	draft := segmentDraft("50")
	draft.Reference = "SEG-000777"

	v, err := svc.Post(context.Background(), draft, actor)
	require.NoError(t, err)
	require.Equal(t, "SEG-000777", v.InvoiceNumber)
	require.Zero(t, seq.Issued("SEG"))
}

func TestPostRejectsUnknownAccountsBeforeWriting(t *testing.T) {
	svc, store, _, _, metrics := newService(t)
	draft := segmentDraft("50")
	draft.Entries[0].AccountID = "ghost"

	_, err := svc.Post(context.Background(), draft, actor)
	require.ErrorIs(t, err, shared.ErrInvalidVoucher)
	require.Empty(t, store.Snapshot().Vouchers)
	require.Empty(t, metrics.posted)
}

func TestPostFailsWhenSequenceUnavailable(t *testing.T) {
	svc, store, seq, _, _ := newService(t)
	seq.Fail = shared.ErrTransientStore

	_, err := svc.Post(context.Background(), segmentDraft("50"), actor)
	require.ErrorIs(t, err, shared.ErrTransientStore)
	require.Empty(t, store.Snapshot().Vouchers)
}

func TestPostRollsBackOnInsertFailure(t *testing.T) {
	svc, store, _, _, _ := newService(t)
	store.InsertHook = func(ledger.Voucher) error { return errors.New("disk full") }

	_, err := svc.Post(context.Background(), segmentDraft("50"), actor)
	require.Error(t, err)
	require.Empty(t, store.Snapshot().Vouchers)
}

func TestPostDrawsNumberThroughPostingTx(t *testing.T) {
	store := ledgertest.NewStore("1000", "4000", "client-1", "box-1")
	// No pool: a second transaction would fail, so every number must come from the posting tx.
	gen := sequence.NewPostgresGenerator(nil, sequence.DefaultWidth, 1)
	svc := ledger.NewService(store, gen, nil, nil)
	svc.WithNow(func() time.Time { return clock })
	ctx := context.Background()

	v, err := svc.Post(ctx, segmentDraft("50"), actor)
	require.NoError(t, err)
	require.Equal(t, "SEG-000001", v.InvoiceNumber)
	require.Equal(t, int64(1), store.Snapshot().Counters["SEG"])

	store.InsertHook = func(ledger.Voucher) error { return errors.New("disk full") }
	_, err = svc.Post(ctx, segmentDraft("50"), actor)
	require.Error(t, err)
	require.Equal(t, int64(1), store.Snapshot().Counters["SEG"], "rolled back posting keeps its number")

	store.InsertHook = nil
	v, err = svc.Post(ctx, segmentDraft("50"), actor)
	require.NoError(t, err)
	require.Equal(t, "SEG-000002", v.InvoiceNumber)
}

func TestConcurrentPostsDrawDistinctNumbersInTx(t *testing.T) {
	store := ledgertest.NewStore("1000", "4000", "client-1", "box-1")
	svc := ledger.NewService(store, sequence.NewPostgresGenerator(nil, sequence.DefaultWidth, 1), nil, nil)
	ctx := context.Background()

	const workers = 16
	numbers := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := svc.Post(ctx, segmentDraft("5"), actor)
			if err == nil {
				numbers <- v.InvoiceNumber
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[string]bool{}
	for n := range numbers {
		require.False(t, seen[n], "duplicate %s", n)
		seen[n] = true
	}
	require.Len(t, seen, workers)
	require.Equal(t, int64(workers), store.Snapshot().Counters["SEG"])
}

func TestPostLinkKeyIsIdempotent(t *testing.T) {
	svc, store, _, _, _ := newService(t)
	draft := segmentDraft("50")
	draft.LinkKey = "company-share"

	_, err := svc.Post(context.Background(), draft, actor)
	require.NoError(t, err)
	_, err = svc.Post(context.Background(), draft, actor)
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Len(t, store.Snapshot().Vouchers, 1)
}

func TestPostedVouchersAlwaysBalance(t *testing.T) {
	svc, _, _, _, _ := newService(t)
	rng := rand.New(rand.NewSource(42))
	accounts := []string{"1000", "4000", "client-1", "box-1"}

	for i := 0; i < 200; i++ {
		var lines []ledger.Line
		total := decimal.Zero
		for n := rng.Intn(4) + 1; n > 0; n-- {
			amt := decimal.New(int64(rng.Intn(100000)+1), -2)
			total = total.Add(amt)
			lines = append(lines, ledger.Debit(accounts[rng.Intn(len(accounts))], amt))
		}
		remaining := total
		for remaining.IsPositive() {
			part := decimal.New(int64(rng.Intn(100000)+1), -2)
			if part.GreaterThan(remaining) {
				part = remaining
			}
			remaining = remaining.Sub(part)
			lines = append(lines, ledger.Credit(accounts[rng.Intn(len(accounts))], part))
		}
		v, err := svc.Post(context.Background(), ledger.Draft{
			SourceType: ledger.SourceManual,
			SourceID:   "manual",
			Currency:   "IDR",
			Entries:    lines,
		}, actor)
		require.NoError(t, err)
		debit, credit := v.Totals()
		require.True(t, debit.Equal(credit), "voucher %d: %s != %s", i, debit, credit)
	}
}

func TestReverseSwapsLinesAndLeavesOriginal(t *testing.T) {
	svc, store, _, _, metrics := newService(t)
	ctx := context.Background()
	original, err := svc.Post(ctx, segmentDraft("250"), actor)
	require.NoError(t, err)

	reversal, err := svc.Reverse(ctx, original.ID, "", actor)
	require.NoError(t, err)
	require.Equal(t, "REV-000001", reversal.InvoiceNumber)
	require.Equal(t, ledger.SourceReversal, reversal.SourceType)
	require.Equal(t, original.ID, reversal.ReversalOf)
	require.Equal(t, "Reversal of "+original.InvoiceNumber, reversal.Description)
	require.Equal(t, original.CreditEntries, reversal.DebitEntries)
	require.Equal(t, original.DebitEntries, reversal.CreditEntries)

	require.Equal(t, original, store.Snapshot().Vouchers[original.ID])
	require.Equal(t, 1, metrics.posted["reversal"])

	_, err = svc.Reverse(ctx, original.ID, "again", actor)
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = svc.Reverse(ctx, reversal.ID, "", actor)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestReverseDeletedVoucherIsInvalidTransition(t *testing.T) {
	svc, store, _, _, _ := newService(t)
	ctx := context.Background()
	original, err := svc.Post(ctx, segmentDraft("10"), actor)
	require.NoError(t, err)

	tx := store.Begin()
	require.NoError(t, tx.MarkDeleted(ctx, original.ID, "u-1", clock))
	store.Commit(tx)

	_, err = svc.Reverse(ctx, original.ID, "", actor)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestGetAndListBySource(t *testing.T) {
	svc, _, _, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Get(ctx, "missing")
	require.ErrorIs(t, err, shared.ErrNotFound)

	first, err := svc.Post(ctx, segmentDraft("10"), actor)
	require.NoError(t, err)
	second, err := svc.Post(ctx, segmentDraft("20"), actor)
	require.NoError(t, err)

	got, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, first.InvoiceNumber, got.InvoiceNumber)

	list, err := svc.ListBySource(ctx, ledger.SourceSegment, "seg-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, first.ID, list[0].ID)
	require.Equal(t, second.ID, list[1].ID)
}

func TestSourceRecord(t *testing.T) {
	ref, ok := ledger.Voucher{ID: "v1", SourceType: ledger.SourceSubscriptionPayment, SourceID: "inst-1"}.SourceRecord()
	require.True(t, ok)
	require.Equal(t, ledger.SourceRef{Table: "subscription_payments", Column: "journal_voucher_id", Key: "v1"}, ref)

	ref, ok = ledger.Voucher{SourceType: ledger.SourceSegmentPartner, SourceID: "seg-9"}.SourceRecord()
	require.True(t, ok)
	require.Equal(t, "segments", ref.Table)

	_, ok = ledger.Voucher{SourceType: ledger.SourceReversal}.SourceRecord()
	require.False(t, ok)
}

func TestCheckVoucher(t *testing.T) {
	v := ledger.Voucher{
		DebitEntries:  []ledger.Entry{{AccountID: "a", Amount: d("10")}},
		CreditEntries: []ledger.Entry{{AccountID: "b", Amount: d("9")}},
		IsDeleted:     true,
	}
	require.ElementsMatch(t, []string{ledger.AnomalyUnbalanced, ledger.AnomalyDeletedWithoutMirror}, ledger.CheckVoucher(v, false))
	v.IsDeleted = false
	require.Equal(t, []string{ledger.AnomalyUnbalanced, ledger.AnomalyMirrorOfActive}, ledger.CheckVoucher(v, true))
}
