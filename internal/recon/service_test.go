package recon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerline/ledgerline/internal/ledger"
)

func newTestService(store *memStore, scorer CandidateScorer) *Service {
	logger := testLogger()
	svc := NewService(
		store,
		NewDetector(store, logger),
		NewForecaster(store, logger),
		NewSuggester(store, scorer, logger),
		nil,
		nil,
		logger,
	)
	svc.WithNow(fixedClock(day(2025, 6, 1)))
	return svc
}

func TestRunReconciliationRejectsUnknownScope(t *testing.T) {
	svc := newTestService(newMemStore(), &fakeScorer{})

	_, err := svc.RunReconciliation(context.Background(), Scope("weekly"))
	require.ErrorIs(t, err, ErrUnknownScope)
}

func TestRunReconciliationEmptyScopeDefaultsToAll(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &fakeScorer{})

	result, err := svc.RunReconciliation(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, ScopeAll, result.Scope)
	require.InDelta(t, 1.0, result.DataCompleteness, 1e-9)
	require.InDelta(t, 100.0, result.RiskScore, 1e-9)
}

func TestRunReconciliationFullPass(t *testing.T) {
	store := newMemStore()
	store.bills = []ledger.Bill{
		{ID: 1, IssueDate: day(2025, 5, 1), Total: 5000, Currency: "EUR"},
	}
	store.payments = []ledger.Payment{
		{ID: 100, Direction: ledger.DirectionOutgoing, Date: day(2025, 5, 20), Amount: 5000, Currency: "EUR"},
	}
	scorer := &fakeScorer{resp: ScoreResponse{
		Matches: []ScoredMatch{
			{SourceType: ledger.EntityBill, SourceID: 1, TargetID: 100, Confidence: 0.98},
		},
		Insights: "one exact amount match",
	}}

	svc := newTestService(store, scorer)
	result, err := svc.RunReconciliation(context.Background(), ScopePayable)
	require.NoError(t, err)

	require.Equal(t, 1, result.AutoMatched)
	require.Equal(t, 1, result.Matched)
	require.Equal(t, 0, result.Unmatched)
	require.Equal(t, "one exact amount match", result.Insights)
	require.Empty(t, result.FailedStages)
	require.True(t, store.bill(1).IsPaid)
}

func TestRunReconciliationScopeFiltersDirection(t *testing.T) {
	store := newMemStore()
	store.invoices = []ledger.Invoice{
		{ID: 10, IssueDate: day(2025, 5, 1), Total: 3000},
	}
	store.payments = []ledger.Payment{
		{ID: 100, Direction: ledger.DirectionOutgoing, Date: day(2025, 5, 2), Amount: 700},
		{ID: 101, Direction: ledger.DirectionIncoming, Date: day(2025, 5, 3), Amount: 3000},
	}
	scorer := &fakeScorer{}

	svc := newTestService(store, scorer)
	_, err := svc.RunReconciliation(context.Background(), ScopeReceivable)
	require.NoError(t, err)

	require.Len(t, scorer.lastReq.Payments, 1)
	require.Equal(t, int64(101), scorer.lastReq.Payments[0].ID)
	require.Empty(t, scorer.lastReq.Bills)
}

func TestScopedRunSeesFullLedgerForGapsAndForecast(t *testing.T) {
	store := newMemStore()
	due := day(2025, 6, 5)
	store.bills = []ledger.Bill{
		{ID: 1, IssueDate: day(2025, 1, 1), Total: 100},
		{ID: 2, IssueDate: day(2025, 3, 22), Total: 100},
	}
	store.invoices = []ledger.Invoice{
		{ID: 10, IssueDate: day(2025, 1, 21), Total: 100},
		{ID: 11, IssueDate: day(2025, 2, 10), Total: 100},
		{ID: 12, IssueDate: day(2025, 3, 2), DueDate: &due, Total: 2500},
	}

	svc := newTestService(store, &fakeScorer{})

	_, err := svc.RunReconciliation(context.Background(), ScopeAll)
	require.NoError(t, err)
	require.Empty(t, store.insertedFlags)
	store.forecasts = map[string]ledger.CashFlowForecast{}

	result, err := svc.RunReconciliation(context.Background(), ScopePayable)
	require.NoError(t, err)

	// The bills alone sit 80 days apart; the invoices fill that stretch, so
	// a payable run must not invent date gaps. Its forecast still carries
	// the receivable inflow instead of overwriting it with zeros.
	require.Empty(t, store.insertedFlags)
	require.NotContains(t, result.FailedStages, "forecast")
	row, ok := store.forecasts["2025-06-05:daily"]
	require.True(t, ok)
	require.InDelta(t, 2500.0, row.ProjectedInflow, 1e-9)
}

func TestRunReconciliationContinuesPastFailedStage(t *testing.T) {
	store := newMemStore()
	store.failOn("ListBills", errors.New("db down"))
	store.invoices = []ledger.Invoice{
		{ID: 10, IssueDate: day(2025, 5, 1), Total: 3000},
	}
	store.payments = []ledger.Payment{
		{ID: 101, Direction: ledger.DirectionIncoming, Date: day(2025, 5, 3), Amount: 3000},
	}
	scorer := &fakeScorer{resp: ScoreResponse{
		Matches: []ScoredMatch{
			{SourceType: ledger.EntityInvoice, SourceID: 10, TargetID: 101, Confidence: 0.99},
		},
	}}

	svc := newTestService(store, scorer)
	result, err := svc.RunReconciliation(context.Background(), ScopeAll)
	require.NoError(t, err)

	require.Contains(t, result.FailedStages, "snapshot:bills")
	require.Equal(t, 1, result.AutoMatched)
}

func TestRunReconciliationForecastFailureReported(t *testing.T) {
	store := newMemStore()
	due := day(2025, 6, 2)
	store.invoices = []ledger.Invoice{
		{ID: 10, IssueDate: day(2025, 5, 1), DueDate: &due, Total: 3000},
	}
	store.failOn("UpsertForecast", errors.New("db down"))

	svc := newTestService(store, &fakeScorer{})
	result, err := svc.RunReconciliation(context.Background(), ScopeAll)
	require.NoError(t, err)
	require.Contains(t, result.FailedStages, "forecast")
}

func TestRunReconciliationForwardsReviewFeedback(t *testing.T) {
	store := newMemStore()
	store.suggestions[1] = &ledger.Suggestion{
		ID: 1, SourceType: ledger.EntityBill, SourceID: 5, TargetID: 50,
		Status: ledger.SuggestionRejected, ReviewNote: "wrong vendor",
	}
	store.bills = []ledger.Bill{{ID: 5, IssueDate: day(2025, 5, 1), Total: 100}}
	store.payments = []ledger.Payment{{ID: 50, Direction: ledger.DirectionOutgoing, Date: day(2025, 5, 2), Amount: 100}}
	scorer := &fakeScorer{}

	svc := newTestService(store, scorer)
	_, err := svc.RunReconciliation(context.Background(), ScopeAll)
	require.NoError(t, err)

	require.Len(t, scorer.lastReq.Feedback, 1)
	require.False(t, scorer.lastReq.Feedback[0].Accepted)
	require.Equal(t, "wrong vendor", scorer.lastReq.Feedback[0].Reason)
}

func TestDetectGapsAllStagesFailedErrors(t *testing.T) {
	store := newMemStore()
	boom := errors.New("db down")
	store.failOn("ListBills", boom)
	store.failOn("ListInvoices", boom)
	store.failOn("ListPayments", boom)
	store.failOn("ListReconciliations", boom)

	svc := newTestService(store, &fakeScorer{})
	_, err := svc.DetectGaps(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestDetectGapsRangeBounds(t *testing.T) {
	store := newMemStore()
	store.payments = []ledger.Payment{
		{ID: 1, Direction: ledger.DirectionIncoming, Date: day(2025, 1, 10), Amount: 100},
		{ID: 2, Direction: ledger.DirectionIncoming, Date: day(2025, 5, 10), Amount: 200},
	}

	svc := newTestService(store, &fakeScorer{})

	from := day(2025, 5, 1)
	report, err := svc.DetectGaps(context.Background(), &from, nil)
	require.NoError(t, err)
	require.Len(t, report.MissingInvoices, 1)
	require.Equal(t, int64(2), report.MissingInvoices[0].PaymentID)
}

func TestGetForecastValidatesMethod(t *testing.T) {
	svc := newTestService(newMemStore(), &fakeScorer{})
	_, err := svc.GetForecast(context.Background(), 10, AccountingMethod("double_entry"))
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestGetForecastComputesWithoutCache(t *testing.T) {
	store := newMemStore()
	due := day(2025, 6, 3)
	store.invoices = []ledger.Invoice{
		{ID: 1, IssueDate: day(2025, 5, 1), DueDate: &due, Total: 1000},
	}

	svc := newTestService(store, &fakeScorer{})
	rows, err := svc.GetForecast(context.Background(), 0, "")
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	require.InDelta(t, 1000.0, rows[0].ProjectedInflow, 1e-9)
}

func TestApproveSuggestionAppliesMatch(t *testing.T) {
	store := newMemStore()
	store.bills = []ledger.Bill{{ID: 1, IssueDate: day(2025, 5, 1), Total: 500}}
	store.payments = []ledger.Payment{{ID: 100, Direction: ledger.DirectionOutgoing, Date: day(2025, 5, 2), Amount: 500}}
	store.suggestions[1] = &ledger.Suggestion{
		ID: 1, SourceType: ledger.EntityBill, SourceID: 1,
		TargetType: ledger.EntityPayment, TargetID: 100,
		Status: ledger.SuggestionPending,
	}

	svc := newTestService(store, &fakeScorer{})
	require.NoError(t, svc.ApproveSuggestion(context.Background(), 1, "looks right"))

	require.True(t, store.bill(1).IsPaid)
	require.True(t, store.payment(100).Linked())
	require.Equal(t, ledger.SuggestionApproved, store.suggestions[1].Status)
	require.Equal(t, "looks right", store.suggestions[1].ReviewNote)
}

func TestApproveSuggestionRejectsReviewed(t *testing.T) {
	store := newMemStore()
	store.suggestions[1] = &ledger.Suggestion{ID: 1, Status: ledger.SuggestionApproved}

	svc := newTestService(store, &fakeScorer{})
	err := svc.ApproveSuggestion(context.Background(), 1, "")
	require.ErrorIs(t, err, ledger.ErrInvalidStatus)
}

func TestRejectSuggestionLeavesLedgerUntouched(t *testing.T) {
	store := newMemStore()
	store.bills = []ledger.Bill{{ID: 1, IssueDate: day(2025, 5, 1), Total: 500}}
	store.payments = []ledger.Payment{{ID: 100, Direction: ledger.DirectionOutgoing, Date: day(2025, 5, 2), Amount: 500}}
	store.suggestions[1] = &ledger.Suggestion{
		ID: 1, SourceType: ledger.EntityBill, SourceID: 1, TargetID: 100,
		Status: ledger.SuggestionPending,
	}

	svc := newTestService(store, &fakeScorer{})
	require.NoError(t, svc.RejectSuggestion(context.Background(), 1, "wrong vendor"))

	require.False(t, store.bill(1).IsPaid)
	require.False(t, store.payment(100).Linked())
	require.Equal(t, ledger.SuggestionRejected, store.suggestions[1].Status)
}

func TestRejectSuggestionNotFound(t *testing.T) {
	svc := newTestService(newMemStore(), &fakeScorer{})
	err := svc.RejectSuggestion(context.Background(), 42, "")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestTallyOutcomes(t *testing.T) {
	linked := int64(1)
	snap := Snapshot{
		Reconciliations: []ledger.Reconciliation{
			{ID: 1, Status: ledger.ReconMatched},
			{ID: 2, Status: ledger.ReconPartial},
			{ID: 3, Status: ledger.ReconUnmatched},
		},
		Payments: []ledger.Payment{
			{ID: 1, BillID: &linked},
			{ID: 2},
			{ID: 3},
		},
	}

	matched, partial, unmatched := tallyOutcomes(snap, 1)
	require.Equal(t, 2, matched)
	require.Equal(t, 1, partial)
	require.Equal(t, 1, unmatched)

	_, _, floor := tallyOutcomes(Snapshot{}, 5)
	require.Equal(t, 0, floor)
}

func TestWithNowPropagatesClock(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &fakeScorer{})
	fixed := day(2030, 1, 1)
	svc.WithNow(func() time.Time { return fixed })

	require.Equal(t, fixed, svc.now())
	require.Equal(t, fixed, svc.detector.now())
	require.Equal(t, fixed, svc.forecaster.now())
}
