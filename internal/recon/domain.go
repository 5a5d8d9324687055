// Package recon implements the financial reconciliation and gap-detection
// engine: matching bank payments against outstanding bills and invoices,
// auto-applying high-confidence matches, flagging data-quality gaps, and
// projecting rolling cash flow.
package recon

import (
	"context"
	"time"

	"github.com/ledgerline/ledgerline/internal/ledger"
)

// Scope selects which side of the ledger a run covers.
type Scope string

const (
	ScopePayable    Scope = "payable"
	ScopeReceivable Scope = "receivable"
	ScopeAll        Scope = "all"
)

// AccountingMethod selects how forecast expectation dates are derived.
type AccountingMethod string

const (
	MethodAccrual AccountingMethod = "accrual"
	MethodCash    AccountingMethod = "cash"
)

// Engine policy constants. The thresholds are deliberately fixed rather than
// per-tenant configuration.
const (
	// AutoMatchThreshold is the confidence at or above which a suggestion is
	// applied without human review.
	AutoMatchThreshold = 0.95

	// DefaultForecastHorizonDays bounds the rolling forecast window.
	DefaultForecastHorizonDays = 30

	amountTolerance      = 1.0
	highAmountThreshold  = 10000.0
	dateGapThresholdDays = 30
	dateGapHighDays      = 60

	forecastDueWindowDays      = 3
	cashMethodPaymentDelayDays = 15

	maxCandidateSample = 20

	missingBillPenalty    = 10
	missingInvoicePenalty = 10
	dateGapPenalty        = 5
	discrepancyPenalty    = 15
)

// Store is the ledger persistence port consumed by the engine. Runs operate
// on snapshots fetched once through the list methods; writes go through the
// upsert/insert/apply methods.
type Store interface {
	ListBills(ctx context.Context, f ledger.BillFilter) ([]ledger.Bill, error)
	ListInvoices(ctx context.Context, f ledger.InvoiceFilter) ([]ledger.Invoice, error)
	ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error)
	ListReconciliations(ctx context.Context, f ledger.ReconciliationFilter) ([]ledger.Reconciliation, error)

	UpsertRiskFlag(ctx context.Context, flag ledger.RiskFlag) error
	InsertRiskFlag(ctx context.Context, flag ledger.RiskFlag) error
	ListRiskFlags(ctx context.Context) ([]ledger.RiskFlag, error)
	UpsertForecast(ctx context.Context, row ledger.CashFlowForecast) error

	InsertSuggestion(ctx context.Context, s ledger.Suggestion) (int64, error)
	GetSuggestion(ctx context.Context, id int64) (*ledger.Suggestion, error)
	ListReviewedSuggestions(ctx context.Context, limit int) ([]ledger.Suggestion, error)
	UpdateSuggestionStatus(ctx context.Context, id int64, status ledger.SuggestionStatus, note string) error
	ApplyMatch(ctx context.Context, sourceType ledger.EntityType, sourceID, paymentID int64) error
}

// Snapshot carries the ledger state a run operates on, fetched once at run
// start. Concurrent writers racing a run are resolved by the next run.
type Snapshot struct {
	Bills           []ledger.Bill
	Invoices        []ledger.Invoice
	Payments        []ledger.Payment
	Reconciliations []ledger.Reconciliation
}

// MissingDocument is a payment with no counterpart document within tolerance.
type MissingDocument struct {
	PaymentID   int64     `json:"payment_id"`
	Date        time.Time `json:"date"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
}

// DateGap is a stretch of the timeline with no ledger activity.
type DateGap struct {
	GapID    string          `json:"gap_id"`
	From     time.Time       `json:"from"`
	To       time.Time       `json:"to"`
	Days     int             `json:"days"`
	Severity ledger.Severity `json:"severity"`
}

// AmountDiscrepancy surfaces an existing reconciliation whose amounts
// disagree beyond tolerance.
type AmountDiscrepancy struct {
	ReconciliationID int64   `json:"reconciliation_id"`
	Amount           float64 `json:"amount"`
	Reason           string  `json:"reason"`
}

// GapReport is the structured output of one gap-detection pass.
type GapReport struct {
	MissingBills        []MissingDocument   `json:"missing_bills"`
	MissingInvoices     []MissingDocument   `json:"missing_invoices"`
	DateGaps            []DateGap           `json:"date_gaps"`
	AmountDiscrepancies []AmountDiscrepancy `json:"amount_discrepancies"`
	RiskScore           float64             `json:"risk_score"`
	DataCompleteness    float64             `json:"data_completeness"`
}

// SuggestionResult summarises one suggester pass.
type SuggestionResult struct {
	TotalMatches int      `json:"total_matches"`
	AutoMatched  int      `json:"auto_matched"`
	NeedsReview  int      `json:"needs_review"`
	Skipped      int      `json:"skipped"`
	Insights     string   `json:"insights"`
	Warnings     []string `json:"warnings"`
}

// RunResult aggregates one orchestrated reconciliation run.
type RunResult struct {
	Scope            Scope    `json:"scope"`
	Matched          int      `json:"matched"`
	Partial          int      `json:"partial"`
	Unmatched        int      `json:"unmatched"`
	AutoMatched      int      `json:"auto_matched"`
	NeedsReview      int      `json:"needs_review"`
	RiskScore        float64  `json:"risk_score"`
	DataCompleteness float64  `json:"data_completeness"`
	Insights         string   `json:"insights"`
	Warnings         []string `json:"warnings"`
	FailedStages     []string `json:"failed_stages,omitempty"`
}

// SuggestionFeedback is prior human review forwarded to the scorer as
// context. It never alters the engine's own policy.
type SuggestionFeedback struct {
	SuggestionID int64  `json:"suggestion_id"`
	Accepted     bool   `json:"accepted"`
	Reason       string `json:"reason,omitempty"`
}

// ScoredMatch is one candidate pairing returned by the ranking collaborator.
type ScoredMatch struct {
	SourceType ledger.EntityType    `json:"source_type"`
	SourceID   int64                `json:"source_id"`
	TargetID   int64                `json:"target_id"`
	Confidence float64              `json:"confidence"`
	Reasons    []ledger.MatchReason `json:"reasons"`
}

// ScoreRequest is the single structured request sent to the collaborator per
// run.
type ScoreRequest struct {
	Bills    []ledger.Bill
	Invoices []ledger.Invoice
	Payments []ledger.Payment
	Feedback []SuggestionFeedback
}

// ScoreResponse is the collaborator's answer. An empty response is valid.
type ScoreResponse struct {
	Matches  []ScoredMatch
	Insights string
	Warnings []string
}

// CandidateScorer ranks candidate pairs. Implementations must honour the
// context deadline; the engine treats any error as "no suggestions this run".
type CandidateScorer interface {
	ScoreCandidates(ctx context.Context, req ScoreRequest) (ScoreResponse, error)
}
