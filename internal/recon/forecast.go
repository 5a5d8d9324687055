package recon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ledgerline/ledgerline/internal/ledger"
)

// PeriodDaily is the only period type the engine writes today.
const PeriodDaily = "daily"

// Forecaster projects expected inflow and outflow per day over a rolling
// horizon, weighted by data completeness.
type Forecaster struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewForecaster constructs a forecast engine.
func NewForecaster(store Store, logger *slog.Logger) *Forecaster {
	return &Forecaster{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the forecaster clock for testing.
func (f *Forecaster) WithNow(fn func() time.Time) {
	if fn != nil {
		f.now = fn
	}
}

// Project computes forecast rows without touching the store. Days where both
// projections are zero produce no row. The computation is deterministic for
// a given snapshot and clock, which is what makes Run idempotent.
func (f *Forecaster) Project(horizon int, method AccountingMethod, bills []ledger.Bill, invoices []ledger.Invoice, dataCompleteness float64, missingInvoices int) []ledger.CashFlowForecast {
	if horizon <= 0 {
		horizon = DefaultForecastHorizonDays
	}
	today := truncateDay(f.now())

	var factors []ledger.RiskFactor
	if missingInvoices > 0 {
		factors = []ledger.RiskFactor{
			{Factor: "missing_data", Impact: -1000 * float64(missingInvoices)},
		}
	}

	type flows struct {
		inflow  float64
		outflow float64
	}
	buckets := make(map[int]*flows, horizon)
	add := func(offset int, inflow, outflow float64) {
		b := buckets[offset]
		if b == nil {
			b = &flows{}
			buckets[offset] = b
		}
		b.inflow += inflow
		b.outflow += outflow
	}

	for _, inv := range invoices {
		if inv.IsPaid {
			continue
		}
		due, ok := expectationDate(method, inv.DueDate, inv.IssueDate)
		if !ok {
			continue
		}
		if offset, ok := bucketOffset(today, due, horizon); ok {
			add(offset, inv.Total, 0)
		}
	}
	for _, b := range bills {
		if b.IsPaid {
			continue
		}
		due, ok := expectationDate(method, b.DueDate, b.IssueDate)
		if !ok {
			continue
		}
		if offset, ok := bucketOffset(today, due, horizon); ok {
			add(offset, 0, b.Total)
		}
	}

	rows := make([]ledger.CashFlowForecast, 0, len(buckets))
	for i := 0; i < horizon; i++ {
		b := buckets[i]
		if b == nil {
			continue
		}
		rows = append(rows, ledger.CashFlowForecast{
			ForecastDate:     today.AddDate(0, 0, i),
			PeriodType:       PeriodDaily,
			ProjectedInflow:  b.inflow,
			ProjectedOutflow: b.outflow,
			NetPosition:      b.inflow - b.outflow,
			ConfidenceLevel:  dataCompleteness,
			DataCompleteness: dataCompleteness,
			RiskFactors:      factors,
		})
	}
	return rows
}

// Run projects the accrual forecast over the default horizon and upserts each
// row keyed by (forecast_date, period_type). A failed row is logged and the
// remaining rows are still written; the first error is returned so the
// orchestrator can report the stage.
func (f *Forecaster) Run(ctx context.Context, snap Snapshot, dataCompleteness float64, missingInvoices int) error {
	rows := f.Project(DefaultForecastHorizonDays, MethodAccrual, snap.Bills, snap.Invoices, dataCompleteness, missingInvoices)

	var firstErr error
	for _, row := range rows {
		if err := f.store.UpsertForecast(ctx, row); err != nil {
			f.logger.Error("upsert forecast row",
				slog.Time("forecast_date", row.ForecastDate),
				slog.Any("error", err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return errors.Join(errors.New("recon: forecast stage incomplete"), firstErr)
	}
	return nil
}

// expectationDate resolves when cash is expected to move for a document.
// Accrual trusts the due date; cash assumes settlement a fixed delay after
// issue, which smooths over documents that never carry a due date.
func expectationDate(method AccountingMethod, due *time.Time, issue time.Time) (time.Time, bool) {
	if method == MethodCash {
		return issue.AddDate(0, 0, cashMethodPaymentDelayDays), true
	}
	if due == nil {
		return time.Time{}, false
	}
	return *due, true
}

// bucketOffset places a document exactly once on the horizon timeline. It
// lands on its expectation date; a document already past due but still inside
// the due window is expected imminently and lands on today. Anything older or
// past the horizon produces no row.
func bucketOffset(today, due time.Time, horizon int) (int, bool) {
	days := int(truncateDay(due).Sub(today).Hours() / 24)
	if days < -forecastDueWindowDays || days >= horizon {
		return 0, false
	}
	if days < 0 {
		return 0, true
	}
	return days, true
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
