package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/ledgerline/internal/ledger"
	"github.com/ledgerline/ledgerline/internal/observability"
)

const feedbackContextLimit = 50

// ErrUnknownScope indicates a run was requested for an unrecognised scope.
var ErrUnknownScope = errors.New("recon: unknown scope")

// ErrUnknownMethod indicates an unrecognised accounting method.
var ErrUnknownMethod = errors.New("recon: unknown accounting method")

// Service orchestrates one reconciliation run: gap detection, forecasting,
// then match suggestion, each over the same snapshot fetched once at run
// start. A failed sub-stage is reported but does not stop later stages.
type Service struct {
	store      Store
	detector   *Detector
	forecaster *Forecaster
	suggester  *Suggester
	cache      *Cache
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires the engine components.
func NewService(store Store, detector *Detector, forecaster *Forecaster, suggester *Suggester, cache *Cache, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		detector:   detector,
		forecaster: forecaster,
		suggester:  suggester,
		cache:      cache,
		metrics:    metrics,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the service clock for testing. The override propagates to
// the detector and forecaster so a run sees one consistent clock.
func (s *Service) WithNow(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.now = fn
	if s.detector != nil {
		s.detector.WithNow(fn)
	}
	if s.forecaster != nil {
		s.forecaster.WithNow(fn)
	}
}

// RunReconciliation executes the full engine for one scope.
func (s *Service) RunReconciliation(ctx context.Context, scope Scope) (RunResult, error) {
	if scope == "" {
		scope = ScopeAll
	}
	if scope != ScopePayable && scope != ScopeReceivable && scope != ScopeAll {
		return RunResult{}, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}

	start := s.now()
	result := RunResult{Scope: scope, Warnings: []string{}}

	// Gap detection and forecasting always see the whole ledger; running them
	// on one side only would fabricate timeline gaps and clobber stored
	// forecast rows with half the cash flow. Scope narrows the matching stage.
	snap, loadErrs := s.loadSnapshot(ctx, time.Time{}, time.Time{})
	for _, stage := range loadErrs {
		result.FailedStages = append(result.FailedStages, stage)
		result.Warnings = append(result.Warnings, "snapshot incomplete: "+stage)
	}

	report := s.detector.Detect(ctx, snap)
	result.RiskScore = report.RiskScore
	result.DataCompleteness = report.DataCompleteness
	s.observeFlags(report)

	if err := s.forecaster.Run(ctx, snap, report.DataCompleteness, len(report.MissingInvoices)); err != nil {
		s.logger.Error("forecast stage", slog.Any("error", err))
		result.FailedStages = append(result.FailedStages, "forecast")
		result.Warnings = append(result.Warnings, "forecast stage failed")
	}

	scoped := scopeSnapshot(snap, scope)
	feedback := s.loadFeedback(ctx)
	suggestions := s.suggester.Run(ctx, scoped, feedback)
	result.AutoMatched = suggestions.AutoMatched
	result.NeedsReview = suggestions.NeedsReview
	result.Insights = suggestions.Insights
	result.Warnings = append(result.Warnings, suggestions.Warnings...)

	result.Matched, result.Partial, result.Unmatched = tallyOutcomes(scoped, suggestions.AutoMatched)

	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("bump forecast cache", slog.Any("error", err))
		}
	}

	outcome := "ok"
	if len(result.FailedStages) > 0 {
		outcome = "degraded"
	}
	s.metrics.ObserveRun(string(scope), outcome)
	s.metrics.AddAutoMatches(result.AutoMatched)

	s.logger.Info("reconciliation run complete",
		slog.String("scope", string(scope)),
		slog.Int("matched", result.Matched),
		slog.Int("auto_matched", result.AutoMatched),
		slog.Int("needs_review", result.NeedsReview),
		slog.Float64("risk_score", result.RiskScore),
		slog.Duration("duration", s.now().Sub(start)),
	)
	return result, nil
}

// DetectGaps runs a standalone gap-detection pass over the requested date
// range. Nil bounds fall back to a permissive all-time scan.
func (s *Service) DetectGaps(ctx context.Context, startDate, endDate *time.Time) (GapReport, error) {
	var from, to time.Time
	if startDate != nil {
		from = *startDate
	}
	if endDate != nil {
		to = *endDate
	}

	snap, loadErrs := s.loadSnapshot(ctx, from, to)
	if len(loadErrs) == len(snapshotStages) {
		return GapReport{}, errors.New("recon: snapshot unavailable")
	}

	report := s.detector.Detect(ctx, snap)
	s.observeFlags(report)
	return report, nil
}

// GetForecast computes the rolling forecast for the requested horizon and
// accounting method. Reads are cached; the cache version is bumped after
// every run so callers never see a stale projection.
func (s *Service) GetForecast(ctx context.Context, days int, method AccountingMethod) ([]ledger.CashFlowForecast, error) {
	if days <= 0 {
		days = DefaultForecastHorizonDays
	}
	if method == "" {
		method = MethodAccrual
	}
	if method != MethodAccrual && method != MethodCash {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	loader := func(ctx context.Context) (interface{}, error) {
		snap, loadErrs := s.loadSnapshot(ctx, time.Time{}, time.Time{})
		if len(loadErrs) == len(snapshotStages) {
			return nil, errors.New("recon: snapshot unavailable")
		}
		missing := countMissingInvoices(snap)
		return s.forecaster.Project(days, method, snap.Bills, snap.Invoices, completeness(snap), missing), nil
	}

	if s.cache == nil {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		return value.([]ledger.CashFlowForecast), nil
	}

	key, err := s.cache.BuildKey(ctx, keyForecast(days, method))
	if err != nil {
		return nil, err
	}
	var rows []ledger.CashFlowForecast
	if err := s.cache.FetchJSON(ctx, key, &rows, loader); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListRiskFlags returns the active risk flags written by earlier passes.
func (s *Service) ListRiskFlags(ctx context.Context) ([]ledger.RiskFlag, error) {
	return s.store.ListRiskFlags(ctx)
}

// ApproveSuggestion applies a pending suggestion through the same atomic
// path the auto-matcher uses, then records the review.
func (s *Service) ApproveSuggestion(ctx context.Context, id int64, note string) error {
	suggestion, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return err
	}
	if suggestion.Status != ledger.SuggestionPending {
		return ledger.ErrInvalidStatus
	}
	if err := s.store.ApplyMatch(ctx, suggestion.SourceType, suggestion.SourceID, suggestion.TargetID); err != nil {
		return err
	}
	if err := s.store.UpdateSuggestionStatus(ctx, id, ledger.SuggestionApproved, note); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("bump forecast cache", slog.Any("error", err))
		}
	}
	return nil
}

// RejectSuggestion records a rejection. The underlying ledger rows stay
// untouched.
func (s *Service) RejectSuggestion(ctx context.Context, id int64, reason string) error {
	suggestion, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return err
	}
	if suggestion.Status != ledger.SuggestionPending {
		return ledger.ErrInvalidStatus
	}
	return s.store.UpdateSuggestionStatus(ctx, id, ledger.SuggestionRejected, reason)
}

var snapshotStages = []string{"snapshot:bills", "snapshot:invoices", "snapshot:payments", "snapshot:reconciliations"}

// loadSnapshot fetches all four listings in parallel, once. A failed listing
// yields an empty slice plus its stage name; later stages run on whatever
// loaded.
func (s *Service) loadSnapshot(ctx context.Context, from, to time.Time) (Snapshot, []string) {
	var snap Snapshot
	errs := make([]error, len(snapshotStages))

	var g errgroup.Group
	g.Go(func() error {
		bills, err := s.store.ListBills(ctx, ledger.BillFilter{From: from, To: to})
		snap.Bills, errs[0] = bills, err
		return nil
	})
	g.Go(func() error {
		invoices, err := s.store.ListInvoices(ctx, ledger.InvoiceFilter{From: from, To: to})
		snap.Invoices, errs[1] = invoices, err
		return nil
	})
	g.Go(func() error {
		payments, err := s.store.ListPayments(ctx, ledger.PaymentFilter{From: from, To: to})
		snap.Payments, errs[2] = payments, err
		return nil
	})
	g.Go(func() error {
		recs, err := s.store.ListReconciliations(ctx, ledger.ReconciliationFilter{From: from, To: to})
		snap.Reconciliations, errs[3] = recs, err
		return nil
	})
	_ = g.Wait()

	var failed []string
	for i, err := range errs {
		if err != nil {
			s.logger.Error("load snapshot", slog.String("stage", snapshotStages[i]), slog.Any("error", err))
			failed = append(failed, snapshotStages[i])
		}
	}
	return snap, failed
}

// scopeSnapshot narrows the matching universe to one side of the ledger:
// payable keeps bills and outgoing payments, receivable keeps invoices and
// incoming payments. Reconciliations stay so the outcome tally is unaffected
// by scoping.
func scopeSnapshot(snap Snapshot, scope Scope) Snapshot {
	var direction ledger.PaymentDirection
	scoped := Snapshot{Reconciliations: snap.Reconciliations}
	switch scope {
	case ScopePayable:
		scoped.Bills = snap.Bills
		direction = ledger.DirectionOutgoing
	case ScopeReceivable:
		scoped.Invoices = snap.Invoices
		direction = ledger.DirectionIncoming
	default:
		return snap
	}
	for _, p := range snap.Payments {
		if p.Direction == direction {
			scoped.Payments = append(scoped.Payments, p)
		}
	}
	return scoped
}

func (s *Service) loadFeedback(ctx context.Context) []SuggestionFeedback {
	reviewed, err := s.store.ListReviewedSuggestions(ctx, feedbackContextLimit)
	if err != nil {
		s.logger.Warn("load suggestion feedback", slog.Any("error", err))
		return nil
	}
	feedback := make([]SuggestionFeedback, 0, len(reviewed))
	for _, sg := range reviewed {
		feedback = append(feedback, SuggestionFeedback{
			SuggestionID: sg.ID,
			Accepted:     sg.Status == ledger.SuggestionApproved,
			Reason:       sg.ReviewNote,
		})
	}
	return feedback
}

func (s *Service) observeFlags(report GapReport) {
	for _, doc := range append(append([]MissingDocument{}, report.MissingBills...), report.MissingInvoices...) {
		s.metrics.AddRiskFlags(string(ledger.FlagMissingInvoice), string(amountSeverity(doc.Amount)), 1)
	}
	for _, gap := range report.DateGaps {
		s.metrics.AddRiskFlags(string(ledger.FlagDateGap), string(gap.Severity), 1)
	}
}

// tallyOutcomes derives the display counters: matched and partial come from
// the audit rows in the snapshot plus this run's auto-matches, unmatched is
// what remains of the snapshot's unlinked payments. Mid-run writes by other
// actors are picked up by the next run, not this tally.
func tallyOutcomes(snap Snapshot, autoMatched int) (matched, partial, unmatched int) {
	for _, rec := range snap.Reconciliations {
		switch rec.Status {
		case ledger.ReconMatched:
			matched++
		case ledger.ReconPartial:
			partial++
		}
	}
	matched += autoMatched

	unlinked := 0
	for _, p := range snap.Payments {
		if !p.Linked() {
			unlinked++
		}
	}
	unmatched = unlinked - autoMatched
	if unmatched < 0 {
		unmatched = 0
	}
	return matched, partial, unmatched
}

func countMissingInvoices(snap Snapshot) int {
	count := 0
	for _, p := range snap.Payments {
		if p.Direction != ledger.DirectionIncoming || p.InvoiceID != nil {
			continue
		}
		if !hasInvoiceWithinTolerance(snap.Invoices, p.Amount) {
			count++
		}
	}
	return count
}

func keyForecast(days int, method AccountingMethod) string {
	return "recon:forecast:" + strconv.Itoa(days) + ":" + string(method)
}
