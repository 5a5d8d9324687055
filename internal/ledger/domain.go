package ledger

import (
	"time"
)

// PaymentDirection distinguishes bank movements.
type PaymentDirection string

const (
	DirectionIncoming PaymentDirection = "incoming"
	DirectionOutgoing PaymentDirection = "outgoing"
)

// ReconciliationStatus enumerates reconciliation outcomes.
type ReconciliationStatus string

const (
	ReconMatched   ReconciliationStatus = "matched"
	ReconPartial   ReconciliationStatus = "partial"
	ReconUnmatched ReconciliationStatus = "unmatched"
	ReconDisputed  ReconciliationStatus = "disputed"
)

// FlagType enumerates detectable data-quality issues.
type FlagType string

const (
	FlagMissingInvoice    FlagType = "missing_invoice"
	FlagMissingBill       FlagType = "missing_bill"
	FlagDateGap           FlagType = "date_gap"
	FlagAmountDiscrepancy FlagType = "amount_discrepancy"
)

// Severity grades a risk flag.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// EntityType identifies the record a flag or suggestion points at.
type EntityType string

const (
	EntityBill    EntityType = "bill"
	EntityInvoice EntityType = "invoice"
	EntityPayment EntityType = "payment"
	EntityDateGap EntityType = "date_gap"
)

// SuggestionStatus tracks the lifecycle of a match suggestion.
type SuggestionStatus string

const (
	SuggestionPending     SuggestionStatus = "pending"
	SuggestionApproved    SuggestionStatus = "approved"
	SuggestionRejected    SuggestionStatus = "rejected"
	SuggestionAutoMatched SuggestionStatus = "auto_matched"
)

// Bill is a payable owed to a vendor. The engine mutates paid state only;
// bills are never deleted here.
type Bill struct {
	ID         int64
	VendorID   *int64
	IssueDate  time.Time
	DueDate    *time.Time
	Total      float64
	Currency   string
	IsPaid     bool
	PaidAmount float64
	PaidAt     *time.Time
	Reference  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Invoice is a receivable owed by a customer, mirroring Bill.
type Invoice struct {
	ID         int64
	CustomerID *int64
	IssueDate  time.Time
	DueDate    *time.Time
	Total      float64
	Currency   string
	IsPaid     bool
	PaidAmount float64
	PaidAt     *time.Time
	Reference  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Payment is a single bank movement. At most one of BillID/InvoiceID may be
// set at any time.
type Payment struct {
	ID            int64
	Direction     PaymentDirection
	Date          time.Time
	Amount        float64
	Currency      string
	BillID        *int64
	InvoiceID     *int64
	Reference     string
	BankReference string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Linked reports whether the payment already points at a bill or invoice.
func (p Payment) Linked() bool {
	return p.BillID != nil || p.InvoiceID != nil
}

// Reconciliation is the audit record of how a bill/invoice/payment were
// linked, independent of the live paid flags.
type Reconciliation struct {
	ID                int64
	BillID            *int64
	InvoiceID         *int64
	PaymentID         *int64
	Status            ReconciliationStatus
	MatchedAmount     float64
	DiscrepancyAmount *float64
	DiscrepancyReason string
	ReconciledAt      time.Time
}

// RiskFlag records one detected data-quality issue. At most one active flag
// exists per (EntityType, EntityID) pair.
type RiskFlag struct {
	ID          int64
	FlagType    FlagType
	Severity    Severity
	EntityType  EntityType
	EntityID    string
	Description string
	Details     map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RiskFactor is one contribution to forecast uncertainty.
type RiskFactor struct {
	Factor string  `json:"factor"`
	Impact float64 `json:"impact"`
}

// CashFlowForecast is one projected row, unique per (ForecastDate, PeriodType).
type CashFlowForecast struct {
	ID               int64
	ForecastDate     time.Time
	PeriodType       string
	ProjectedInflow  float64
	ProjectedOutflow float64
	NetPosition      float64
	ConfidenceLevel  float64
	DataCompleteness float64
	RiskFactors      []RiskFactor
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MatchReason is one rule contribution inside a suggestion explanation trail.
type MatchReason struct {
	Rule   string  `json:"rule"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Suggestion is a candidate match produced by the suggester. Status never
// changes after approved/rejected except by explicit reversal.
type Suggestion struct {
	ID             int64
	SuggestionType string
	SourceType     EntityType
	SourceID       int64
	TargetType     EntityType
	TargetID       int64
	Confidence     float64
	MatchReasons   []MatchReason
	Status         SuggestionStatus
	ReviewNote     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BillFilter narrows bill listings. Zero time bounds mean unbounded.
type BillFilter struct {
	From       time.Time
	To         time.Time
	UnpaidOnly bool
}

// InvoiceFilter narrows invoice listings.
type InvoiceFilter struct {
	From       time.Time
	To         time.Time
	UnpaidOnly bool
}

// PaymentFilter narrows payment listings.
type PaymentFilter struct {
	From         time.Time
	To           time.Time
	Direction    PaymentDirection
	UnlinkedOnly bool
}

// ReconciliationFilter narrows reconciliation listings.
type ReconciliationFilter struct {
	From   time.Time
	To     time.Time
	Status ReconciliationStatus
}
