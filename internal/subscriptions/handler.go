package subscriptions

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/finance-engine/internal/identity"
	"github.com/odyssey-erp/finance-engine/internal/platform/httpx"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// IdempotencyHeader carries the client-chosen key that de-duplicates payment retries.
const IdempotencyHeader = "Idempotency-Key"

// Billing is the subset of Service the HTTP layer needs.
type Billing interface {
	Create(ctx context.Context, in CreateInput, actor shared.Actor) (Detail, error)
	Get(ctx context.Context, id string) (Detail, error)
	ApplyPayment(ctx context.Context, in PaymentInput, actor shared.Actor) (PaymentResult, error)
	RevokePayment(ctx context.Context, voucherID, memo string, actor shared.Actor) (RevokeResult, error)
}

// Handler exposes subscription sales and installment payments.
type Handler struct {
	logger    *slog.Logger
	service   Billing
	validator *validator.Validate
}

// NewHandler constructs the subscriptions handler.
func NewHandler(logger *slog.Logger, service Billing) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers subscription, installment and payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(identity.Require(shared.PermSubscriptionManage)).Post("/subscriptions", h.create)
	r.With(identity.Require(shared.PermSubscriptionManage)).Get("/subscriptions/{id}", h.get)
	r.With(identity.Require(shared.PermPaymentApply)).Post("/installments/{id}/payments", h.applyPayment)
	r.With(identity.Require(shared.PermPaymentApply)).Post("/payments/{voucherID}/revoke", h.revokePayment)
}

type createRequest struct {
	ClientID         string          `json:"client_id" validate:"required"`
	Service          string          `json:"service" validate:"required,max=120"`
	SalePrice        decimal.Decimal `json:"sale_price"`
	Currency         string          `json:"currency" validate:"required,len=3"`
	SaleDate         time.Time       `json:"sale_date"`
	Schedule         []ScheduleItem  `json:"schedule" validate:"omitempty,dive"`
	InstallmentCount int             `json:"installment_count" validate:"omitempty,min=1,max=120"`
	FirstDueDate     time.Time       `json:"first_due_date"`
}

type paymentRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	Discount     decimal.Decimal `json:"discount"`
	Currency     string          `json:"currency" validate:"required,len=3"`
	Date         time.Time       `json:"date"`
	BoxAccountID string          `json:"box_account_id"`
}

type revokeRequest struct {
	Memo string `json:"memo" validate:"max=500"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	in := CreateInput{
		ClientID:         req.ClientID,
		Service:          req.Service,
		SalePrice:        req.SalePrice,
		Currency:         req.Currency,
		SaleDate:         req.SaleDate,
		Schedule:         req.Schedule,
		InstallmentCount: req.InstallmentCount,
		FirstDueDate:     req.FirstDueDate,
	}
	if in.SaleDate.IsZero() {
		in.SaleDate = time.Now().UTC()
	}
	detail, err := h.service.Create(r.Context(), in, actor)
	if err != nil {
		h.fail(w, "create subscription", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, detail)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get subscription", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	res, err := h.service.ApplyPayment(r.Context(), PaymentInput{
		InstallmentID:  chi.URLParam(r, "id"),
		Amount:         req.Amount,
		Discount:       req.Discount,
		Currency:       req.Currency,
		Date:           req.Date,
		BoxAccountID:   req.BoxAccountID,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	}, actor)
	if err != nil {
		h.fail(w, "apply payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) revokePayment(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	actor, _ := shared.ActorFromContext(r.Context())
	res, err := h.service.RevokePayment(r.Context(), chi.URLParam(r, "voucherID"), req.Memo, actor)
	if err != nil {
		h.fail(w, "revoke payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if status, _ := httpx.StatusFor(err); status >= http.StatusInternalServerError && h.logger != nil {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
