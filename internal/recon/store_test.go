package recon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ledgerline/ledgerline/internal/ledger"
)

// memStore is an in-memory Store with per-method error injection. It applies
// matches with the same guards the SQL layer enforces so the engine's
// conflict handling is exercised for real.
type memStore struct {
	mu sync.Mutex

	bills    []ledger.Bill
	invoices []ledger.Invoice
	payments []ledger.Payment
	recs     []ledger.Reconciliation

	upsertedFlags map[string]ledger.RiskFlag
	insertedFlags []ledger.RiskFlag
	forecasts     map[string]ledger.CashFlowForecast

	suggestions map[int64]*ledger.Suggestion
	nextSuggID  int64

	errs map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		upsertedFlags: make(map[string]ledger.RiskFlag),
		forecasts:     make(map[string]ledger.CashFlowForecast),
		suggestions:   make(map[int64]*ledger.Suggestion),
		nextSuggID:    1,
		errs:          make(map[string]error),
	}
}

func (m *memStore) failOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = err
}

func (m *memStore) injected(method string) error {
	return m.errs[method]
}

func (m *memStore) ListBills(ctx context.Context, f ledger.BillFilter) ([]ledger.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("ListBills"); err != nil {
		return nil, err
	}
	out := make([]ledger.Bill, 0, len(m.bills))
	for _, b := range m.bills {
		if !f.From.IsZero() && b.IssueDate.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && b.IssueDate.After(f.To) {
			continue
		}
		if f.UnpaidOnly && b.IsPaid {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *memStore) ListInvoices(ctx context.Context, f ledger.InvoiceFilter) ([]ledger.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("ListInvoices"); err != nil {
		return nil, err
	}
	out := make([]ledger.Invoice, 0, len(m.invoices))
	for _, inv := range m.invoices {
		if !f.From.IsZero() && inv.IssueDate.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && inv.IssueDate.After(f.To) {
			continue
		}
		if f.UnpaidOnly && inv.IsPaid {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

func (m *memStore) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("ListPayments"); err != nil {
		return nil, err
	}
	out := make([]ledger.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		if !f.From.IsZero() && p.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && p.Date.After(f.To) {
			continue
		}
		if f.Direction != "" && p.Direction != f.Direction {
			continue
		}
		if f.UnlinkedOnly && p.Linked() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) ListReconciliations(ctx context.Context, f ledger.ReconciliationFilter) ([]ledger.Reconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("ListReconciliations"); err != nil {
		return nil, err
	}
	out := make([]ledger.Reconciliation, 0, len(m.recs))
	for _, rec := range m.recs {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) UpsertRiskFlag(ctx context.Context, flag ledger.RiskFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("UpsertRiskFlag"); err != nil {
		return err
	}
	m.upsertedFlags[string(flag.EntityType)+":"+flag.EntityID] = flag
	return nil
}

func (m *memStore) InsertRiskFlag(ctx context.Context, flag ledger.RiskFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("InsertRiskFlag"); err != nil {
		return err
	}
	m.insertedFlags = append(m.insertedFlags, flag)
	return nil
}

func (m *memStore) ListRiskFlags(ctx context.Context) ([]ledger.RiskFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("ListRiskFlags"); err != nil {
		return nil, err
	}
	out := make([]ledger.RiskFlag, 0, len(m.upsertedFlags)+len(m.insertedFlags))
	for _, f := range m.upsertedFlags {
		out = append(out, f)
	}
	out = append(out, m.insertedFlags...)
	return out, nil
}

func (m *memStore) UpsertForecast(ctx context.Context, row ledger.CashFlowForecast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("UpsertForecast"); err != nil {
		return err
	}
	key := row.ForecastDate.Format("2006-01-02") + ":" + row.PeriodType
	m.forecasts[key] = row
	return nil
}

func (m *memStore) InsertSuggestion(ctx context.Context, s ledger.Suggestion) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("InsertSuggestion"); err != nil {
		return 0, err
	}
	for _, existing := range m.suggestions {
		open := existing.Status == ledger.SuggestionPending || existing.Status == ledger.SuggestionAutoMatched
		if open && existing.SourceType == s.SourceType && existing.SourceID == s.SourceID && existing.TargetID == s.TargetID {
			return 0, ledger.ErrDuplicateSuggestion
		}
	}
	id := m.nextSuggID
	m.nextSuggID++
	s.ID = id
	m.suggestions[id] = &s
	return id, nil
}

func (m *memStore) GetSuggestion(ctx context.Context, id int64) (*ledger.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("GetSuggestion"); err != nil {
		return nil, err
	}
	s, ok := m.suggestions[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memStore) ListReviewedSuggestions(ctx context.Context, limit int) ([]ledger.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("ListReviewedSuggestions"); err != nil {
		return nil, err
	}
	out := make([]ledger.Suggestion, 0)
	for _, s := range m.suggestions {
		if s.Status != ledger.SuggestionApproved && s.Status != ledger.SuggestionRejected {
			continue
		}
		out = append(out, *s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) UpdateSuggestionStatus(ctx context.Context, id int64, status ledger.SuggestionStatus, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("UpdateSuggestionStatus"); err != nil {
		return err
	}
	s, ok := m.suggestions[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if s.Status != ledger.SuggestionPending {
		return ledger.ErrInvalidStatus
	}
	s.Status = status
	s.ReviewNote = note
	return nil
}

func (m *memStore) ApplyMatch(ctx context.Context, sourceType ledger.EntityType, sourceID, paymentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("ApplyMatch"); err != nil {
		return err
	}

	pi := -1
	for i, p := range m.payments {
		if p.ID == paymentID {
			pi = i
			break
		}
	}
	if pi < 0 {
		return ledger.ErrNotFound
	}
	if m.payments[pi].Linked() {
		return ledger.ErrAlreadyLinked
	}

	switch sourceType {
	case ledger.EntityBill:
		bi := -1
		for i, b := range m.bills {
			if b.ID == sourceID {
				bi = i
				break
			}
		}
		if bi < 0 {
			return ledger.ErrNotFound
		}
		if m.bills[bi].IsPaid {
			return ledger.ErrAlreadyPaid
		}
		m.bills[bi].IsPaid = true
		m.bills[bi].PaidAmount = m.payments[pi].Amount
		m.payments[pi].BillID = &m.bills[bi].ID
	case ledger.EntityInvoice:
		ii := -1
		for i, inv := range m.invoices {
			if inv.ID == sourceID {
				ii = i
				break
			}
		}
		if ii < 0 {
			return ledger.ErrNotFound
		}
		if m.invoices[ii].IsPaid {
			return ledger.ErrAlreadyPaid
		}
		m.invoices[ii].IsPaid = true
		m.invoices[ii].PaidAmount = m.payments[pi].Amount
		m.payments[pi].InvoiceID = &m.invoices[ii].ID
	default:
		return fmt.Errorf("apply match: unsupported source type %q", sourceType)
	}

	m.recs = append(m.recs, ledger.Reconciliation{
		ID:            int64(len(m.recs) + 1),
		PaymentID:     &m.payments[pi].ID,
		Status:        ledger.ReconMatched,
		MatchedAmount: m.payments[pi].Amount,
		ReconciledAt:  time.Now().UTC(),
	})
	return nil
}

func (m *memStore) payment(id int64) ledger.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ID == id {
			return p
		}
	}
	return ledger.Payment{}
}

func (m *memStore) bill(id int64) ledger.Bill {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bills {
		if b.ID == id {
			return b
		}
	}
	return ledger.Bill{}
}

func (m *memStore) invoice(id int64) ledger.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invoices {
		if inv.ID == id {
			return inv
		}
	}
	return ledger.Invoice{}
}
