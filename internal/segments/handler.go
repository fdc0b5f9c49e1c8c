package segments

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/finance-engine/internal/identity"
	"github.com/odyssey-erp/finance-engine/internal/platform/httpx"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// Orchestrator is the subset of Service the HTTP layer needs.
type Orchestrator interface {
	AddPeriod(ctx context.Context, in AddPeriodInput, actor shared.Actor) (AddPeriodResult, error)
	DeletePeriod(ctx context.Context, periodID string, mode DeleteMode, actor shared.Actor) (PeriodResult, error)
	RestorePeriod(ctx context.Context, periodID string, actor shared.Actor) (PeriodResult, error)
}

// Handler exposes the share preview and period operations.
type Handler struct {
	logger    *slog.Logger
	service   Orchestrator
	validator *validator.Validate
}

// NewHandler constructs the segments handler.
func NewHandler(logger *slog.Logger, service Orchestrator) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers segment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/segments", func(r chi.Router) {
		r.Use(identity.Require(shared.PermSegmentManage))
		r.Post("/shares", h.previewShares)
		r.Post("/periods", h.addPeriod)
		r.Delete("/periods/{id}", h.deletePeriod)
		r.Post("/periods/{id}/restore", h.restorePeriod)
	})
}

type sharesRequest struct {
	Rules   Rules        `json:"rules" validate:"required"`
	Entries []EntryInput `json:"entries" validate:"required,min=1,dive"`
}

type shareLine struct {
	ClientID string `json:"client_id"`
	Shares
}

type periodRequest struct {
	PeriodID     string       `json:"period_id" validate:"omitempty,max=64"`
	Replace      bool         `json:"replace"`
	Date         time.Time    `json:"date"`
	Currency     string       `json:"currency" validate:"required,len=3"`
	Rules        Rules        `json:"rules" validate:"required"`
	BoxAccountID string       `json:"box_account_id"`
	Entries      []EntryInput `json:"entries" validate:"required,min=1,dive"`
}

// addPeriodResponse carries the partial result next to the problem when an entry fails.
type addPeriodResponse struct {
	AddPeriodResult
	Error *httpx.ProblemDetail `json:"error,omitempty"`
}

func (h *Handler) previewShares(w http.ResponseWriter, r *http.Request) {
	var req sharesRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]shareLine, 0, len(req.Entries))
	for _, e := range req.Entries {
		sh, err := ComputeShares(e.Counts, req.Rules, e.split())
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		out = append(out, shareLine{ClientID: e.ClientID, Shares: sh})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *Handler) addPeriod(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	in := AddPeriodInput{
		PeriodID:     req.PeriodID,
		Replace:      req.Replace,
		Date:         req.Date,
		Currency:     req.Currency,
		Rules:        req.Rules,
		BoxAccountID: req.BoxAccountID,
		Entries:      req.Entries,
	}
	if in.Date.IsZero() {
		in.Date = time.Now().UTC()
	}
	res, err := h.service.AddPeriod(r.Context(), in, actor)
	if err != nil {
		if len(res.Segments) == 0 && len(res.Skipped) == 0 {
			h.fail(w, "add segment period", err)
			return
		}
		status, title := httpx.StatusFor(err)
		if h.logger != nil {
			h.logger.Warn("segment period partially added",
				slog.String("period_id", res.Period.ID),
				slog.Int("added", len(res.Segments)),
				slog.Any("error", err),
			)
		}
		problem := &httpx.ProblemDetail{Title: title, Status: status}
		if status < http.StatusInternalServerError {
			problem.Detail = err.Error()
		}
		httpx.JSON(w, status, addPeriodResponse{AddPeriodResult: res, Error: problem})
		return
	}
	httpx.JSON(w, http.StatusCreated, addPeriodResponse{AddPeriodResult: res})
}

func (h *Handler) deletePeriod(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	mode := DeleteMode(r.URL.Query().Get("mode"))
	res, err := h.service.DeletePeriod(r.Context(), chi.URLParam(r, "id"), mode, actor)
	if err != nil {
		h.fail(w, "delete segment period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) restorePeriod(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	res, err := h.service.RestorePeriod(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, "restore segment period", err)
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
