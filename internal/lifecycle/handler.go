package lifecycle

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/finance-engine/internal/identity"
	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/platform/httpx"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// Manager is the subset of Service the HTTP layer needs.
type Manager interface {
	SoftDelete(ctx context.Context, id string, actor shared.Actor) (ledger.Voucher, error)
	Restore(ctx context.Context, id string, actor shared.Actor) (ledger.Voucher, error)
	Purge(ctx context.Context, id string, actor shared.Actor) error
}

// Handler exposes voucher lifecycle transitions.
type Handler struct {
	logger  *slog.Logger
	service Manager
}

// NewHandler constructs the lifecycle handler.
func NewHandler(logger *slog.Logger, service Manager) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers lifecycle routes next to the voucher routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(identity.Require(shared.PermVoucherDelete)).Post("/vouchers/{id}/delete", h.softDelete)
	r.With(identity.Require(shared.PermVoucherDelete)).Post("/vouchers/{id}/restore", h.restore)
	r.With(identity.Require(shared.PermVoucherPurge)).Delete("/vouchers/{id}", h.purge)
}

func (h *Handler) softDelete(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	voucher, err := h.service.SoftDelete(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, TransitionSoftDelete, err)
		return
	}
	httpx.JSON(w, http.StatusOK, voucher)
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	voucher, err := h.service.Restore(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, TransitionRestore, err)
		return
	}
	httpx.JSON(w, http.StatusOK, voucher)
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	if err := h.service.Purge(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		h.fail(w, TransitionPurge, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, transition string, err error) {
	if status, _ := httpx.StatusFor(err); status >= http.StatusInternalServerError && h.logger != nil {
		h.logger.Error("voucher transition failed", slog.String("transition", transition), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
