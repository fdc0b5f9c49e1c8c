package subscriptions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/finance-engine/internal/shared"
)

type stubBilling struct {
	created  CreateInput
	payment  PaymentInput
	revoked  string
	memo     string
	applyErr error
}

func (s *stubBilling) Create(_ context.Context, in CreateInput, _ shared.Actor) (Detail, error) {
	s.created = in
	return Detail{Subscription: Subscription{ID: "sub-1", SalePrice: in.SalePrice}}, nil
}

func (s *stubBilling) Get(_ context.Context, id string) (Detail, error) {
	if id != "sub-1" {
		return Detail{}, shared.ErrNotFound
	}
	return Detail{Subscription: Subscription{ID: id}}, nil
}

func (s *stubBilling) ApplyPayment(_ context.Context, in PaymentInput, _ shared.Actor) (PaymentResult, error) {
	s.payment = in
	if s.applyErr != nil {
		return PaymentResult{}, s.applyErr
	}
	return PaymentResult{VoucherID: "v-9", InvoiceNumber: "PAY-000001"}, nil
}

func (s *stubBilling) RevokePayment(_ context.Context, voucherID, memo string, _ shared.Actor) (RevokeResult, error) {
	s.revoked, s.memo = voucherID, memo
	return RevokeResult{ReversalIDs: []string{"r-1"}}, nil
}

func newHandlerRouter(svc Billing, perms ...string) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			actor := shared.Actor{ID: "u-1", Name: "Dina", Permissions: perms}
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), actor)))
		})
	})
	NewHandler(nil, svc).MountRoutes(r)
	return r
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerCreateSubscription(t *testing.T) {
	svc := &stubBilling{}
	router := newHandlerRouter(svc, shared.PermSubscriptionManage)

	rr := do(router, http.MethodPost, "/subscriptions",
		`{"client_id":"client-1","service":"Hosting","sale_price":"300.00","currency":"USD","installment_count":3,"sale_date":"2024-01-01T00:00:00Z"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "client-1", svc.created.ClientID)
	require.True(t, decimal.RequireFromString("300").Equal(svc.created.SalePrice))
	require.Equal(t, 3, svc.created.InstallmentCount)

	rr = do(router, http.MethodPost, "/subscriptions", `{"client_id":"client-1","currency":"USD"}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerApplyPaymentPassesIdempotencyKey(t *testing.T) {
	svc := &stubBilling{}
	router := newHandlerRouter(svc, shared.PermPaymentApply)

	rr := do(router, http.MethodPost, "/installments/inst-1/payments", `{"amount":"150","discount":"5","currency":"USD"}`,
		map[string]string{IdempotencyHeader: "pay-123"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "inst-1", svc.payment.InstallmentID)
	require.Equal(t, "pay-123", svc.payment.IdempotencyKey)
	require.True(t, decimal.NewFromInt(150).Equal(svc.payment.Amount))
	require.True(t, decimal.NewFromInt(5).Equal(svc.payment.Discount))

	var res PaymentResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, "PAY-000001", res.InvoiceNumber)
}

func TestHandlerApplyPaymentMapsErrors(t *testing.T) {
	svc := &stubBilling{applyErr: shared.ErrConflict}
	router := newHandlerRouter(svc, shared.PermPaymentApply)
	rr := do(router, http.MethodPost, "/installments/inst-1/payments", `{"amount":"10","currency":"USD"}`, nil)
	require.Equal(t, http.StatusConflict, rr.Code)

	svc.applyErr = shared.ErrConfiguration
	rr = do(router, http.MethodPost, "/installments/inst-1/payments", `{"amount":"10","currency":"USD"}`, nil)
	require.Equal(t, http.StatusPreconditionFailed, rr.Code)
}

func TestHandlerRevokeAndPermissions(t *testing.T) {
	svc := &stubBilling{}
	router := newHandlerRouter(svc, shared.PermPaymentApply)

	rr := do(router, http.MethodPost, "/payments/v-9/revoke", `{"memo":"bounced"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "v-9", svc.revoked)
	require.Equal(t, "bounced", svc.memo)

	rr = do(router, http.MethodGet, "/subscriptions/sub-1", "", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
}
