package reconhttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerline/ledgerline/internal/ledger"
	"github.com/ledgerline/ledgerline/internal/platform/httpx"
	"github.com/ledgerline/ledgerline/internal/recon"
)

// ReconService defines the engine contract used by the handler.
type ReconService interface {
	RunReconciliation(ctx context.Context, scope recon.Scope) (recon.RunResult, error)
	DetectGaps(ctx context.Context, startDate, endDate *time.Time) (recon.GapReport, error)
	GetForecast(ctx context.Context, days int, method recon.AccountingMethod) ([]ledger.CashFlowForecast, error)
	ListRiskFlags(ctx context.Context) ([]ledger.RiskFlag, error)
	ApproveSuggestion(ctx context.Context, id int64, note string) error
	RejectSuggestion(ctx context.Context, id int64, reason string) error
}

// Handler coordinates HTTP requests for the reconciliation engine.
type Handler struct {
	logger    *slog.Logger
	service   ReconService
	validator *validator.Validate
}

// NewHandler constructs the reconciliation HTTP handler.
func NewHandler(logger *slog.Logger, service ReconService) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

type runRequest struct {
	Scope string `json:"scope" validate:"omitempty,oneof=payable receivable all"`
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	// An empty body means "run everything"; anything else malformed is a 400.
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.service.RunReconciliation(r.Context(), recon.Scope(req.Scope))
	if err != nil {
		if errors.Is(err, recon.ErrUnknownScope) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("run reconciliation", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleGaps(w http.ResponseWriter, r *http.Request) {
	start := h.parseDate(r, "start")
	end := h.parseDate(r, "end")

	report, err := h.service.DetectGaps(r.Context(), start, end)
	if err != nil {
		h.logger.Error("detect gaps", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := h.service.ListRiskFlags(r.Context())
	if err != nil {
		h.logger.Error("list risk flags", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, flagViewModel(flags))
}

type forecastQuery struct {
	Days   int    `validate:"min=0,max=365"`
	Method string `validate:"omitempty,oneof=accrual cash"`
}

func (h *Handler) handleForecast(w http.ResponseWriter, r *http.Request) {
	query := forecastQuery{Method: r.URL.Query().Get("method")}
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "days must be an integer")
			return
		}
		query.Days = days
	}
	if err := h.validator.Struct(query); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	rows, err := h.service.GetForecast(r.Context(), query.Days, recon.AccountingMethod(query.Method))
	if err != nil {
		if errors.Is(err, recon.ErrUnknownMethod) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("get forecast", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, forecastViewModel(rows))
}

type reviewRequest struct {
	Note string `json:"note" validate:"max=500"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, func(ctx context.Context, id int64, note string) error {
		return h.service.ApproveSuggestion(ctx, id, note)
	})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, func(ctx context.Context, id int64, note string) error {
		return h.service.RejectSuggestion(ctx, id, note)
	})
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request, apply func(context.Context, int64, string) error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "suggestion id must be a positive integer")
		return
	}
	var req reviewRequest
	_ = httpx.DecodeJSON(r, &req)
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if err := apply(r.Context(), id, req.Note); err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "suggestion not found")
		case errors.Is(err, ledger.ErrInvalidStatus):
			httpx.Problem(w, http.StatusConflict, "Conflict", "suggestion already reviewed")
		case errors.Is(err, ledger.ErrAlreadyLinked), errors.Is(err, ledger.ErrAlreadyPaid):
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		default:
			h.logger.Error("review suggestion", slog.Int64("id", id), slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseDate reads an RFC3339 or date-only query parameter. Malformed input
// falls back to the permissive full-range scan rather than failing the call.
func (h *Handler) parseDate(r *http.Request, name string) *time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	h.logger.Warn("ignoring malformed date parameter",
		slog.String("param", name),
		slog.String("value", raw),
	)
	return nil
}

type forecastRow struct {
	ForecastDate     string              `json:"forecast_date"`
	PeriodType       string              `json:"period_type"`
	ProjectedInflow  float64             `json:"projected_inflow"`
	ProjectedOutflow float64             `json:"projected_outflow"`
	NetPosition      float64             `json:"net_position"`
	ConfidenceLevel  float64             `json:"confidence_level"`
	DataCompleteness float64             `json:"data_completeness_score"`
	RiskFactors      []ledger.RiskFactor `json:"risk_factors"`
}

type flagRow struct {
	ID          int64          `json:"id"`
	FlagType    string         `json:"flag_type"`
	Severity    string         `json:"severity"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func flagViewModel(flags []ledger.RiskFlag) []flagRow {
	out := make([]flagRow, 0, len(flags))
	for _, f := range flags {
		out = append(out, flagRow{
			ID:          f.ID,
			FlagType:    string(f.FlagType),
			Severity:    string(f.Severity),
			EntityType:  string(f.EntityType),
			EntityID:    f.EntityID,
			Description: f.Description,
			Details:     f.Details,
			CreatedAt:   f.CreatedAt,
			UpdatedAt:   f.UpdatedAt,
		})
	}
	return out
}

func forecastViewModel(rows []ledger.CashFlowForecast) []forecastRow {
	out := make([]forecastRow, 0, len(rows))
	for _, row := range rows {
		factors := row.RiskFactors
		if factors == nil {
			factors = []ledger.RiskFactor{}
		}
		out = append(out, forecastRow{
			ForecastDate:     row.ForecastDate.Format("2006-01-02"),
			PeriodType:       row.PeriodType,
			ProjectedInflow:  row.ProjectedInflow,
			ProjectedOutflow: row.ProjectedOutflow,
			NetPosition:      row.NetPosition,
			ConfidenceLevel:  row.ConfidenceLevel,
			DataCompleteness: row.DataCompleteness,
			RiskFactors:      factors,
		})
	}
	return out
}
