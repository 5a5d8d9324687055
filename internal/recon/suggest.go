package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgerline/ledgerline/internal/ledger"
)

// SuggestionTypePaymentMatch is the only suggestion type produced today.
const SuggestionTypePaymentMatch = "payment_match"

const defaultScorerTimeout = 20 * time.Second

// Suggester builds candidate bill/invoice-to-payment pairs, has them scored
// by the external ranking collaborator, and applies the auto-match policy.
// The collaborator is the only long-latency call in a run; it runs under a
// timeout and any failure degrades to an empty suggestion set.
type Suggester struct {
	store   Store
	scorer  CandidateScorer
	logger  *slog.Logger
	timeout time.Duration
}

// NewSuggester constructs a match suggester.
func NewSuggester(store Store, scorer CandidateScorer, logger *slog.Logger) *Suggester {
	return &Suggester{
		store:   store,
		scorer:  scorer,
		logger:  logger,
		timeout: defaultScorerTimeout,
	}
}

// WithTimeout overrides the scorer call deadline.
func (s *Suggester) WithTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Run executes one suggestion pass over the snapshot. Feedback from earlier
// human reviews is forwarded to the scorer as context only; the threshold
// policy here stays deterministic.
func (s *Suggester) Run(ctx context.Context, snap Snapshot, feedback []SuggestionFeedback) SuggestionResult {
	result := SuggestionResult{Warnings: []string{}}

	bills := sampleUnpaidBills(snap.Bills)
	invoices := sampleUnpaidInvoices(snap.Invoices)
	payments := sampleUnlinkedPayments(snap.Payments)
	if len(payments) == 0 || (len(bills) == 0 && len(invoices) == 0) {
		return result
	}

	scoreCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.scorer.ScoreCandidates(scoreCtx, ScoreRequest{
		Bills:    bills,
		Invoices: invoices,
		Payments: payments,
		Feedback: feedback,
	})
	if err != nil {
		s.logger.Warn("candidate scoring unavailable", slog.Any("error", err))
		result.Warnings = append(result.Warnings, fmt.Sprintf("candidate scoring unavailable: %v", err))
		return result
	}
	result.Insights = resp.Insights
	result.Warnings = append(result.Warnings, resp.Warnings...)

	billByID := make(map[int64]ledger.Bill, len(bills))
	for _, b := range bills {
		billByID[b.ID] = b
	}
	invoiceByID := make(map[int64]ledger.Invoice, len(invoices))
	for _, inv := range invoices {
		invoiceByID[inv.ID] = inv
	}
	paymentByID := make(map[int64]ledger.Payment, len(payments))
	for _, p := range payments {
		paymentByID[p.ID] = p
	}
	// Payments linked during this pass; a later candidate for the same
	// payment would otherwise double-link it.
	applied := make(map[int64]bool)

	for _, match := range resp.Matches {
		payment, ok := paymentByID[match.TargetID]
		if !ok || applied[match.TargetID] || payment.Linked() {
			result.Skipped++
			s.logger.Warn("skipping candidate with unusable payment",
				slog.Int64("target_id", match.TargetID),
			)
			continue
		}
		if !candidateDirectionValid(match.SourceType, payment.Direction) {
			result.Skipped++
			s.logger.Warn("skipping candidate with incompatible direction",
				slog.String("source_type", string(match.SourceType)),
				slog.String("direction", string(payment.Direction)),
			)
			continue
		}
		switch match.SourceType {
		case ledger.EntityBill:
			if _, ok := billByID[match.SourceID]; !ok {
				result.Skipped++
				continue
			}
		case ledger.EntityInvoice:
			if _, ok := invoiceByID[match.SourceID]; !ok {
				result.Skipped++
				continue
			}
		default:
			result.Skipped++
			continue
		}

		confidence := clamp01(match.Confidence)
		suggestion := ledger.Suggestion{
			SuggestionType: SuggestionTypePaymentMatch,
			SourceType:     match.SourceType,
			SourceID:       match.SourceID,
			TargetType:     ledger.EntityPayment,
			TargetID:       match.TargetID,
			Confidence:     confidence,
			MatchReasons:   match.Reasons,
			Status:         ledger.SuggestionPending,
		}

		if confidence >= AutoMatchThreshold {
			if err := s.store.ApplyMatch(ctx, match.SourceType, match.SourceID, match.TargetID); err != nil {
				if errors.Is(err, ledger.ErrAlreadyLinked) || errors.Is(err, ledger.ErrAlreadyPaid) {
					result.Skipped++
					s.logger.Warn("skipping conflicting auto-match",
						slog.Int64("source_id", match.SourceID),
						slog.Int64("target_id", match.TargetID),
						slog.Any("error", err),
					)
					continue
				}
				s.logger.Error("apply auto-match",
					slog.Int64("source_id", match.SourceID),
					slog.Int64("target_id", match.TargetID),
					slog.Any("error", err),
				)
				result.Warnings = append(result.Warnings, fmt.Sprintf("auto-match for payment %d not applied, queued for review", match.TargetID))
			} else {
				suggestion.Status = ledger.SuggestionAutoMatched
				applied[match.TargetID] = true
			}
		}

		if _, err := s.store.InsertSuggestion(ctx, suggestion); err != nil {
			if errors.Is(err, ledger.ErrDuplicateSuggestion) {
				result.Skipped++
				continue
			}
			s.logger.Error("persist suggestion",
				slog.Int64("source_id", match.SourceID),
				slog.Int64("target_id", match.TargetID),
				slog.Any("error", err),
			)
			result.Warnings = append(result.Warnings, fmt.Sprintf("suggestion for payment %d not persisted", match.TargetID))
			continue
		}

		if suggestion.Status == ledger.SuggestionAutoMatched {
			result.AutoMatched++
		} else {
			result.NeedsReview++
		}
	}

	result.TotalMatches = result.AutoMatched + result.NeedsReview
	return result
}

// sampleUnpaidBills bounds the candidate universe sent to the collaborator.
// The cap protects the external call, it is not a correctness requirement.
func sampleUnpaidBills(bills []ledger.Bill) []ledger.Bill {
	out := make([]ledger.Bill, 0, maxCandidateSample)
	for _, b := range bills {
		if b.IsPaid {
			continue
		}
		out = append(out, b)
		if len(out) == maxCandidateSample {
			break
		}
	}
	return out
}

func sampleUnpaidInvoices(invoices []ledger.Invoice) []ledger.Invoice {
	out := make([]ledger.Invoice, 0, maxCandidateSample)
	for _, inv := range invoices {
		if inv.IsPaid {
			continue
		}
		out = append(out, inv)
		if len(out) == maxCandidateSample {
			break
		}
	}
	return out
}

func sampleUnlinkedPayments(payments []ledger.Payment) []ledger.Payment {
	out := make([]ledger.Payment, 0, maxCandidateSample)
	for _, p := range payments {
		if p.Linked() {
			continue
		}
		out = append(out, p)
		if len(out) == maxCandidateSample {
			break
		}
	}
	return out
}

func candidateDirectionValid(sourceType ledger.EntityType, direction ledger.PaymentDirection) bool {
	switch sourceType {
	case ledger.EntityBill:
		return direction == ledger.DirectionOutgoing
	case ledger.EntityInvoice:
		return direction == ledger.DirectionIncoming
	default:
		return false
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
