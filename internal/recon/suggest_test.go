package recon

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerline/ledgerline/internal/ledger"
)

type fakeScorer struct {
	resp    ScoreResponse
	err     error
	lastReq ScoreRequest
	calls   int
}

func (f *fakeScorer) ScoreCandidates(ctx context.Context, req ScoreRequest) (ScoreResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return ScoreResponse{}, f.err
	}
	return f.resp, nil
}

func suggestFixture() (*memStore, Snapshot) {
	store := newMemStore()
	store.bills = []ledger.Bill{
		{ID: 1, IssueDate: day(2025, 5, 1), Total: 5000, Currency: "EUR"},
	}
	store.invoices = []ledger.Invoice{
		{ID: 10, IssueDate: day(2025, 5, 2), Total: 3000, Currency: "EUR"},
	}
	store.payments = []ledger.Payment{
		{ID: 100, Direction: ledger.DirectionOutgoing, Date: day(2025, 5, 20), Amount: 5000, Currency: "EUR"},
		{ID: 101, Direction: ledger.DirectionIncoming, Date: day(2025, 5, 21), Amount: 3000, Currency: "EUR"},
	}
	return store, Snapshot{Bills: store.bills, Invoices: store.invoices, Payments: store.payments}
}

func TestSuggestHighConfidenceAutoApplies(t *testing.T) {
	store, snap := suggestFixture()
	scorer := &fakeScorer{resp: ScoreResponse{
		Matches: []ScoredMatch{
			{SourceType: ledger.EntityBill, SourceID: 1, TargetID: 100, Confidence: 0.97,
				Reasons: []ledger.MatchReason{{Rule: "amount_exact", Score: 0.97, Reason: "amounts equal"}}},
		},
	}}

	s := NewSuggester(store, scorer, testLogger())
	result := s.Run(context.Background(), snap, nil)

	require.Equal(t, 1, result.AutoMatched)
	require.Equal(t, 0, result.NeedsReview)
	require.Equal(t, 1, result.TotalMatches)

	bill := store.bill(1)
	require.True(t, bill.IsPaid)
	payment := store.payment(100)
	require.NotNil(t, payment.BillID)
	require.Nil(t, payment.InvoiceID)

	require.Len(t, store.suggestions, 1)
	for _, sg := range store.suggestions {
		require.Equal(t, ledger.SuggestionAutoMatched, sg.Status)
		require.Equal(t, SuggestionTypePaymentMatch, sg.SuggestionType)
		require.NotEmpty(t, sg.MatchReasons)
	}
}

func TestSuggestThresholdBoundaryAutoApplies(t *testing.T) {
	store, snap := suggestFixture()
	scorer := &fakeScorer{resp: ScoreResponse{
		Matches: []ScoredMatch{
			{SourceType: ledger.EntityInvoice, SourceID: 10, TargetID: 101, Confidence: AutoMatchThreshold},
		},
	}}

	s := NewSuggester(store, scorer, testLogger())
	result := s.Run(context.Background(), snap, nil)

	require.Equal(t, 1, result.AutoMatched)
	require.True(t, store.invoice(10).IsPaid)
}

func TestSuggestLowConfidenceStaysPending(t *testing.T) {
	store, snap := suggestFixture()
	scorer := &fakeScorer{resp: ScoreResponse{
		Matches: []ScoredMatch{
			{SourceType: ledger.EntityBill, SourceID: 1, TargetID: 100, Confidence: 0.5},
		},
	}}

	s := NewSuggester(store, scorer, testLogger())
	result := s.Run(context.Background(), snap, nil)

	require.Equal(t, 0, result.AutoMatched)
	require.Equal(t, 1, result.NeedsReview)

	require.False(t, store.bill(1).IsPaid)
	require.False(t, store.payment(100).Linked())
	for _, sg := range store.suggestions {
		require.Equal(t, ledger.SuggestionPending, sg.Status)
	}
}

func TestSuggestScorerFailureDegradesToEmpty(t *testing.T) {
	store, snap := suggestFixture()
	scorer := &fakeScorer{err: errors.New("ranker unreachable")}

	s := NewSuggester(store, scorer, testLogger())
	result := s.Run(context.Background(), snap, nil)

	require.Zero(t, result.TotalMatches)
	require.NotEmpty(t, result.Warnings)
	require.Empty(t, store.suggestions)
	require.False(t, store.payment(100).Linked())
}

func TestSuggestNoCandidatesSkipsScorer(t *testing.T) {
	store := newMemStore()
	store.bills = []ledger.Bill{{ID: 1, Total: 100}}
	scorer := &fakeScorer{}

	s := NewSuggester(store, scorer, testLogger())
	result := s.Run(context.Background(), Snapshot{Bills: store.bills}, nil)

	require.Zero(t, result.TotalMatches)
	require.Zero(t, scorer.calls)
}

func TestSuggestDirectionMismatchSkipped(t *testing.T) {
	store, snap := suggestFixture()
	scorer := &fakeScorer{resp: ScoreResponse{
		Matches: []ScoredMatch{
			// A bill can only settle an outgoing payment.
			{SourceType: ledger.EntityBill, SourceID: 1, TargetID: 101, Confidence: 0.99},
		},
	}}

	s := NewSuggester(store, scorer, testLogger())
	result := s.Run(context.Background(), snap, nil)

	require.Equal(t, 1, result.Skipped)
	require.Zero(t, result.TotalMatches)
	require.False(t, store.payment(101).Linked())
}

func TestSuggestSecondMatchForSamePaymentSkipped(t *testing.T) {
	store, snap := suggestFixture()
	store.bills = append(store.bills, ledger.Bill{ID: 2, IssueDate: day(2025, 5, 3), Total: 5000, Currency: "EUR"})
	snap.Bills = store.bills
	scorer := &fakeScorer{resp: ScoreResponse{
		Matches: []ScoredMatch{
			{SourceType: ledger.EntityBill, SourceID: 1, TargetID: 100, Confidence: 0.98},
			{SourceType: ledger.EntityBill, SourceID: 2, TargetID: 100, Confidence: 0.97},
		},
	}}

	s := NewSuggester(store, scorer, testLogger())
	result := s.Run(context.Background(), snap, nil)

	require.Equal(t, 1, result.AutoMatched)
	require.Equal(t, 1, result.Skipped)
	require.True(t, store.bill(1).IsPaid)
	require.False(t, store.bill(2).IsPaid)
}

func TestSuggestCandidateSampleCapped(t *testing.T) {
	store := newMemStore()
	for i := 1; i <= maxCandidateSample+10; i++ {
		store.bills = append(store.bills, ledger.Bill{ID: int64(i), IssueDate: day(2025, 5, 1), Total: float64(i * 10)})
		store.payments = append(store.payments, ledger.Payment{ID: int64(1000 + i), Direction: ledger.DirectionOutgoing, Date: day(2025, 5, 2), Amount: float64(i * 10)})
	}
	scorer := &fakeScorer{}

	s := NewSuggester(store, scorer, testLogger())
	s.Run(context.Background(), Snapshot{Bills: store.bills, Payments: store.payments}, nil)

	require.Len(t, scorer.lastReq.Bills, maxCandidateSample)
	require.Len(t, scorer.lastReq.Payments, maxCandidateSample)
}

func TestSuggestFeedbackForwardedToScorer(t *testing.T) {
	store, snap := suggestFixture()
	scorer := &fakeScorer{}
	feedback := []SuggestionFeedback{{SuggestionID: 4, Accepted: false, Reason: "wrong vendor"}}

	s := NewSuggester(store, scorer, testLogger())
	s.Run(context.Background(), snap, feedback)

	require.Equal(t, feedback, scorer.lastReq.Feedback)
}

// Payments must never end a pass pointing at both a bill and an invoice,
// whatever sequence of matches the scorer produces.
func TestSuggestPaymentLinkInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 50; iter++ {
		store := newMemStore()
		for i := int64(1); i <= 5; i++ {
			store.bills = append(store.bills, ledger.Bill{ID: i, IssueDate: day(2025, 5, 1), Total: float64(100 * i)})
			store.invoices = append(store.invoices, ledger.Invoice{ID: 10 + i, IssueDate: day(2025, 5, 1), Total: float64(100 * i)})
			direction := ledger.DirectionOutgoing
			if i%2 == 0 {
				direction = ledger.DirectionIncoming
			}
			store.payments = append(store.payments, ledger.Payment{ID: 100 + i, Direction: direction, Date: day(2025, 5, 2), Amount: float64(100 * i)})
		}

		matches := make([]ScoredMatch, 0, 12)
		for n := 0; n < 12; n++ {
			sourceType := ledger.EntityBill
			sourceID := int64(1 + rng.Intn(5))
			if rng.Intn(2) == 1 {
				sourceType = ledger.EntityInvoice
				sourceID = int64(11 + rng.Intn(5))
			}
			matches = append(matches, ScoredMatch{
				SourceType: sourceType,
				SourceID:   sourceID,
				TargetID:   int64(101 + rng.Intn(5)),
				Confidence: rng.Float64(),
			})
		}
		scorer := &fakeScorer{resp: ScoreResponse{Matches: matches}}

		s := NewSuggester(store, scorer, testLogger())
		s.Run(context.Background(), Snapshot{Bills: store.bills, Invoices: store.invoices, Payments: store.payments}, nil)

		for _, p := range store.payments {
			require.False(t, p.BillID != nil && p.InvoiceID != nil, "payment %d linked to both sides", p.ID)
		}
	}
}

func TestSuggestDuplicatePairSkipped(t *testing.T) {
	store, snap := suggestFixture()
	scorer := &fakeScorer{resp: ScoreResponse{
		Matches: []ScoredMatch{
			{SourceType: ledger.EntityBill, SourceID: 1, TargetID: 100, Confidence: 0.5},
		},
	}}

	s := NewSuggester(store, scorer, testLogger())
	first := s.Run(context.Background(), snap, nil)
	require.Equal(t, 1, first.NeedsReview)

	second := s.Run(context.Background(), snap, nil)
	require.Equal(t, 0, second.NeedsReview)
	require.Equal(t, 1, second.Skipped)
	require.Len(t, store.suggestions, 1)
}
