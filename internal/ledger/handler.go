package ledger

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/finance-engine/internal/identity"
	"github.com/odyssey-erp/finance-engine/internal/platform/httpx"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// VoucherService is the subset of Service the HTTP layer needs.
type VoucherService interface {
	Post(ctx context.Context, draft Draft, actor shared.Actor) (Voucher, error)
	Get(ctx context.Context, id string) (Voucher, error)
	Reverse(ctx context.Context, voucherID, memo string, actor shared.Actor) (Voucher, error)
}

// Handler exposes manual posting, reads and reversals.
type Handler struct {
	logger    *slog.Logger
	service   VoucherService
	validator *validator.Validate
}

// NewHandler constructs the voucher handler.
func NewHandler(logger *slog.Logger, service VoucherService) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers voucher routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(identity.Require(shared.PermVoucherPost)).Post("/vouchers", h.post)
	r.With(identity.Require(shared.PermVoucherView)).Get("/vouchers/{id}", h.get)
	r.With(identity.Require(shared.PermVoucherPost)).Post("/vouchers/{id}/reverse", h.reverse)
}

type lineRequest struct {
	AccountID string          `json:"account_id" validate:"required"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
}

type postRequest struct {
	SourceID    string        `json:"source_id" validate:"omitempty,max=64"`
	Date        time.Time     `json:"date"`
	Currency    string        `json:"currency" validate:"required,len=3"`
	Description string        `json:"description" validate:"max=500"`
	Prefix      string        `json:"prefix" validate:"omitempty,max=12"`
	Entries     []lineRequest `json:"entries" validate:"required,min=2,dive"`
}

type reverseRequest struct {
	Memo string `json:"memo" validate:"max=500"`
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	draft := Draft{
		SourceType:  SourceManual,
		SourceID:    req.SourceID,
		Date:        req.Date,
		Currency:    req.Currency,
		Description: req.Description,
		Officer:     actor.Name,
		Prefix:      req.Prefix,
		Entries:     make([]Line, 0, len(req.Entries)),
	}
	if draft.SourceID == "" {
		draft.SourceID = uuid.NewString()
	}
	if draft.Date.IsZero() {
		draft.Date = time.Now().UTC()
	}
	for _, line := range req.Entries {
		draft.Entries = append(draft.Entries, Line{AccountID: line.AccountID, Debit: line.Debit, Credit: line.Credit})
	}
	voucher, err := h.service.Post(r.Context(), draft, actor)
	if err != nil {
		h.fail(w, "post voucher", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, voucher)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	voucher, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get voucher", err)
		return
	}
	httpx.JSON(w, http.StatusOK, voucher)
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	actor, _ := shared.ActorFromContext(r.Context())
	voucher, err := h.service.Reverse(r.Context(), chi.URLParam(r, "id"), req.Memo, actor)
	if err != nil {
		h.fail(w, "reverse voucher", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, voucher)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if status, _ := httpx.StatusFor(err); status >= http.StatusInternalServerError && h.logger != nil {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
