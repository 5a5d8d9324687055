package recon

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/ledger"
)

// Detector scans a ledger snapshot for unmatched payments, timeline gaps,
// and amount discrepancies. Flag persistence is best-effort: a store error
// is logged and the remaining detection steps still run.
type Detector struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector constructs a gap detector.
func NewDetector(store Store, logger *slog.Logger) *Detector {
	return &Detector{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the detector clock for testing.
func (d *Detector) WithNow(fn func() time.Time) {
	if fn != nil {
		d.now = fn
	}
}

// Detect runs the full gap-detection pass over one snapshot.
func (d *Detector) Detect(ctx context.Context, snap Snapshot) GapReport {
	report := GapReport{
		MissingBills:        []MissingDocument{},
		MissingInvoices:     []MissingDocument{},
		DateGaps:            []DateGap{},
		AmountDiscrepancies: []AmountDiscrepancy{},
	}

	d.detectMissingBills(ctx, snap, &report)
	d.detectMissingInvoices(ctx, snap, &report)
	d.detectDateGaps(ctx, snap, &report)
	d.collectDiscrepancies(snap, &report)

	report.RiskScore = riskScore(
		len(report.MissingBills),
		len(report.MissingInvoices),
		len(report.DateGaps),
		len(report.AmountDiscrepancies),
	)
	report.DataCompleteness = completeness(snap)
	return report
}

// detectMissingBills flags outgoing payments with no unpaid bill inside the
// amount tolerance.
func (d *Detector) detectMissingBills(ctx context.Context, snap Snapshot, report *GapReport) {
	for _, p := range snap.Payments {
		if p.Direction != ledger.DirectionOutgoing || p.BillID != nil {
			continue
		}
		if hasBillWithinTolerance(snap.Bills, p.Amount) {
			continue
		}
		doc := MissingDocument{
			PaymentID:   p.ID,
			Date:        p.Date,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Description: fmt.Sprintf("outgoing payment %d of %.2f %s has no matching bill", p.ID, p.Amount, p.Currency),
		}
		report.MissingBills = append(report.MissingBills, doc)
		d.upsertMissingDocumentFlag(ctx, p, doc.Description)
	}
}

// detectMissingInvoices flags incoming payments with no unpaid invoice
// inside the amount tolerance.
func (d *Detector) detectMissingInvoices(ctx context.Context, snap Snapshot, report *GapReport) {
	for _, p := range snap.Payments {
		if p.Direction != ledger.DirectionIncoming || p.InvoiceID != nil {
			continue
		}
		if hasInvoiceWithinTolerance(snap.Invoices, p.Amount) {
			continue
		}
		doc := MissingDocument{
			PaymentID:   p.ID,
			Date:        p.Date,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Description: fmt.Sprintf("incoming payment %d of %.2f %s has no matching invoice", p.ID, p.Amount, p.Currency),
		}
		report.MissingInvoices = append(report.MissingInvoices, doc)
		d.upsertMissingDocumentFlag(ctx, p, doc.Description)
	}
}

// upsertMissingDocumentFlag writes the missing-document flag keyed by the
// payment, so re-running on unchanged data overwrites instead of duplicating.
func (d *Detector) upsertMissingDocumentFlag(ctx context.Context, p ledger.Payment, description string) {
	flag := ledger.RiskFlag{
		FlagType:    ledger.FlagMissingInvoice,
		Severity:    amountSeverity(p.Amount),
		EntityType:  ledger.EntityPayment,
		EntityID:    fmt.Sprintf("%d", p.ID),
		Description: description,
		Details: map[string]any{
			"payment_id": p.ID,
			"direction":  string(p.Direction),
			"amount":     p.Amount,
			"currency":   p.Currency,
			"date":       p.Date.Format(time.RFC3339),
		},
	}
	if err := d.store.UpsertRiskFlag(ctx, flag); err != nil {
		d.logger.Error("upsert missing-document flag",
			slog.Int64("payment_id", p.ID),
			slog.Any("error", err),
		)
	}
}

// detectDateGaps merges all document and payment dates into one ascending
// timeline and flags every silence longer than the gap threshold. Gaps are
// appended, never upserted: each gets a fresh synthetic id per run.
func (d *Detector) detectDateGaps(ctx context.Context, snap Snapshot, report *GapReport) {
	timeline := make([]time.Time, 0, len(snap.Bills)+len(snap.Invoices)+len(snap.Payments))
	for _, b := range snap.Bills {
		timeline = append(timeline, b.IssueDate)
	}
	for _, inv := range snap.Invoices {
		timeline = append(timeline, inv.IssueDate)
	}
	for _, p := range snap.Payments {
		timeline = append(timeline, p.Date)
	}
	sort.Slice(timeline, func(i, j int) bool { return timeline[i].Before(timeline[j]) })

	for i := 1; i < len(timeline); i++ {
		prev, next := timeline[i-1], timeline[i]
		days := int(next.Sub(prev).Hours() / 24)
		if days <= dateGapThresholdDays {
			continue
		}
		gap := DateGap{
			GapID:    uuid.NewString(),
			From:     prev,
			To:       next,
			Days:     days,
			Severity: gapSeverity(days),
		}
		report.DateGaps = append(report.DateGaps, gap)

		flag := ledger.RiskFlag{
			FlagType:    ledger.FlagDateGap,
			Severity:    gap.Severity,
			EntityType:  ledger.EntityDateGap,
			EntityID:    gap.GapID,
			Description: fmt.Sprintf("no ledger activity for %d days between %s and %s", days, prev.Format("2006-01-02"), next.Format("2006-01-02")),
			Details: map[string]any{
				"from": prev.Format(time.RFC3339),
				"to":   next.Format(time.RFC3339),
				"days": days,
			},
		}
		if err := d.store.InsertRiskFlag(ctx, flag); err != nil {
			d.logger.Error("insert date-gap flag",
				slog.String("gap_id", gap.GapID),
				slog.Any("error", err),
			)
		}
	}
}

// collectDiscrepancies lists reconciliations whose recorded discrepancy
// exceeds the amount tolerance. Read-only: the discrepancy already lives on
// the reconciliation row, so no new flag is written.
func (d *Detector) collectDiscrepancies(snap Snapshot, report *GapReport) {
	for _, rec := range snap.Reconciliations {
		if rec.DiscrepancyAmount == nil {
			continue
		}
		if math.Abs(*rec.DiscrepancyAmount) <= amountTolerance {
			continue
		}
		report.AmountDiscrepancies = append(report.AmountDiscrepancies, AmountDiscrepancy{
			ReconciliationID: rec.ID,
			Amount:           *rec.DiscrepancyAmount,
			Reason:           rec.DiscrepancyReason,
		})
	}
}

func hasBillWithinTolerance(bills []ledger.Bill, amount float64) bool {
	for _, b := range bills {
		if !b.IsPaid && math.Abs(b.Total-amount) < amountTolerance {
			return true
		}
	}
	return false
}

func hasInvoiceWithinTolerance(invoices []ledger.Invoice, amount float64) bool {
	for _, inv := range invoices {
		if !inv.IsPaid && math.Abs(inv.Total-amount) < amountTolerance {
			return true
		}
	}
	return false
}

func amountSeverity(amount float64) ledger.Severity {
	if amount > highAmountThreshold {
		return ledger.SeverityHigh
	}
	return ledger.SeverityMedium
}

func gapSeverity(days int) ledger.Severity {
	if days > dateGapHighDays {
		return ledger.SeverityHigh
	}
	return ledger.SeverityMedium
}

func riskScore(missingBills, missingInvoices, dateGaps, discrepancies int) float64 {
	penalty := float64(missingBillPenalty*missingBills +
		missingInvoicePenalty*missingInvoices +
		dateGapPenalty*dateGaps +
		discrepancyPenalty*discrepancies)
	return math.Max(0, 100-penalty)
}

// completeness is the fraction of ledger records that are fully reconciled:
// paid documents plus linked payments over all records. An empty ledger is
// complete by definition.
func completeness(snap Snapshot) float64 {
	total := len(snap.Bills) + len(snap.Invoices) + len(snap.Payments)
	if total == 0 {
		return 1.0
	}
	reconciled := 0
	for _, b := range snap.Bills {
		if b.IsPaid {
			reconciled++
		}
	}
	for _, inv := range snap.Invoices {
		if inv.IsPaid {
			reconciled++
		}
	}
	for _, p := range snap.Payments {
		if p.Linked() {
			reconciled++
		}
	}
	return float64(reconciled) / float64(total)
}
