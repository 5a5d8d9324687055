// Package rank implements the HTTP client for the external candidate-ranking
// service. The service is a black box to the engine; this client only owns
// the wire contract for the scores it returns.
package rank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ledgerline/ledgerline/internal/ledger"
	"github.com/ledgerline/ledgerline/internal/recon"
)

// Client wraps interactions with the ranking API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Ping checks if the remote ranking service is available.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ranker returned status %d", resp.StatusCode)
	}
	return nil
}

type candidateDocument struct {
	ID        int64   `json:"id"`
	IssueDate string  `json:"issue_date"`
	DueDate   string  `json:"due_date,omitempty"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Reference string  `json:"reference,omitempty"`
}

type candidatePayment struct {
	ID            int64   `json:"id"`
	Direction     string  `json:"direction"`
	Date          string  `json:"date"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Reference     string  `json:"reference,omitempty"`
	BankReference string  `json:"bank_reference,omitempty"`
}

type feedbackEntry struct {
	SuggestionID int64  `json:"suggestion_id"`
	Accepted     bool   `json:"accepted"`
	Reason       string `json:"reason,omitempty"`
}

type rankRequest struct {
	Bills    []candidateDocument `json:"bills"`
	Invoices []candidateDocument `json:"invoices"`
	Payments []candidatePayment  `json:"payments"`
	Feedback []feedbackEntry     `json:"feedback_context"`
}

type rankMatch struct {
	SourceType string  `json:"source_type"`
	SourceID   int64   `json:"source_id"`
	TargetID   int64   `json:"target_id"`
	Confidence float64 `json:"confidence"`
	Reasons    []struct {
		Rule   string  `json:"rule"`
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	} `json:"reasons"`
}

type rankResponse struct {
	Matches  []rankMatch `json:"matches"`
	Insights string      `json:"insights"`
	Warnings []string    `json:"warnings"`
}

// ScoreCandidates sends one structured request to the ranking service and
// maps its answer back into engine types. Callers treat any error as "no
// suggestions this run".
func (c *Client) ScoreCandidates(ctx context.Context, req recon.ScoreRequest) (recon.ScoreResponse, error) {
	payload := rankRequest{
		Bills:    make([]candidateDocument, 0, len(req.Bills)),
		Invoices: make([]candidateDocument, 0, len(req.Invoices)),
		Payments: make([]candidatePayment, 0, len(req.Payments)),
		Feedback: make([]feedbackEntry, 0, len(req.Feedback)),
	}
	for _, b := range req.Bills {
		payload.Bills = append(payload.Bills, candidateDocument{
			ID:        b.ID,
			IssueDate: b.IssueDate.Format(time.RFC3339),
			DueDate:   formatOptional(b.DueDate),
			Amount:    b.Total,
			Currency:  b.Currency,
			Reference: b.Reference,
		})
	}
	for _, inv := range req.Invoices {
		payload.Invoices = append(payload.Invoices, candidateDocument{
			ID:        inv.ID,
			IssueDate: inv.IssueDate.Format(time.RFC3339),
			DueDate:   formatOptional(inv.DueDate),
			Amount:    inv.Total,
			Currency:  inv.Currency,
			Reference: inv.Reference,
		})
	}
	for _, p := range req.Payments {
		payload.Payments = append(payload.Payments, candidatePayment{
			ID:            p.ID,
			Direction:     string(p.Direction),
			Date:          p.Date.Format(time.RFC3339),
			Amount:        p.Amount,
			Currency:      p.Currency,
			Reference:     p.Reference,
			BankReference: p.BankReference,
		})
	}
	for _, fb := range req.Feedback {
		payload.Feedback = append(payload.Feedback, feedbackEntry{
			SuggestionID: fb.SuggestionID,
			Accepted:     fb.Accepted,
			Reason:       fb.Reason,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return recon.ScoreResponse{}, fmt.Errorf("rank: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/rank", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return recon.ScoreResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return recon.ScoreResponse{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return recon.ScoreResponse{}, fmt.Errorf("rank: request failed with status %d", resp.StatusCode)
	}

	var decoded rankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return recon.ScoreResponse{}, fmt.Errorf("rank: decode response: %w", err)
	}

	out := recon.ScoreResponse{
		Insights: decoded.Insights,
		Warnings: decoded.Warnings,
		Matches:  make([]recon.ScoredMatch, 0, len(decoded.Matches)),
	}
	for _, m := range decoded.Matches {
		match := recon.ScoredMatch{
			SourceType: ledger.EntityType(m.SourceType),
			SourceID:   m.SourceID,
			TargetID:   m.TargetID,
			Confidence: m.Confidence,
			Reasons:    make([]ledger.MatchReason, 0, len(m.Reasons)),
		}
		for _, r := range m.Reasons {
			match.Reasons = append(match.Reasons, ledger.MatchReason{
				Rule:   r.Rule,
				Score:  r.Score,
				Reason: r.Reason,
			})
		}
		out.Matches = append(out.Matches, match)
	}
	return out, nil
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
