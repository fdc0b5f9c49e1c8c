package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/finance-engine/internal/shared"
)

type recordingVouchers struct {
	draft Draft
	memo  string
}

func (s *recordingVouchers) Post(_ context.Context, d Draft, _ shared.Actor) (Voucher, error) {
	s.draft = d
	if err := d.Validate(); err != nil {
		return Voucher{}, err
	}
	return Voucher{ID: "v-1", InvoiceNumber: "JV-000001"}, nil
}

func (s *recordingVouchers) Get(context.Context, string) (Voucher, error) {
	return Voucher{}, shared.ErrNotFound
}

func (s *recordingVouchers) Reverse(_ context.Context, _ string, memo string, _ shared.Actor) (Voucher, error) {
	s.memo = memo
	return Voucher{ID: "v-2", SourceType: SourceReversal}, nil
}

func voucherRouter(svc VoucherService) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			actor := shared.Actor{ID: "u-1", Name: "Dina", Permissions: []string{shared.PermVoucherPost}}
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), actor)))
		})
	})
	NewHandler(nil, svc).MountRoutes(r)
	return r
}

func TestHandlerPostBuildsManualDraft(t *testing.T) {
	svc := &recordingVouchers{}
	body := `{"currency":"usd","description":"opening balance","entries":[
		{"account_id":"cash","debit":"100.50"},
		{"account_id":"equity","credit":"100.50"}]}`
	rr := httptest.NewRecorder()
	voucherRouter(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/vouchers", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, SourceManual, svc.draft.SourceType)
	require.NotEmpty(t, svc.draft.SourceID)
	require.Equal(t, "Dina", svc.draft.Officer)
	require.False(t, svc.draft.Date.IsZero())
	require.Len(t, svc.draft.Entries, 2)
	require.True(t, decimal.RequireFromString("100.50").Equal(svc.draft.Entries[0].Debit))
}

func TestHandlerPostRejectsUnbalancedAndMalformed(t *testing.T) {
	svc := &recordingVouchers{}
	router := voucherRouter(svc)

	unbalanced := `{"currency":"USD","entries":[{"account_id":"cash","debit":"10"},{"account_id":"equity","credit":"9"}]}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/vouchers", strings.NewReader(unbalanced)))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	oneLine := `{"currency":"USD","entries":[{"account_id":"cash","debit":"10"}]}`
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/vouchers", strings.NewReader(oneLine)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerReverseMemo(t *testing.T) {
	svc := &recordingVouchers{}
	rr := httptest.NewRecorder()
	voucherRouter(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/vouchers/v-1/reverse", strings.NewReader(`{"memo":"duplicate"}`)))
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "duplicate", svc.memo)
}
