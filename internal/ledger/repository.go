package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for the ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("ledger: not found")
	// ErrAlreadyLinked indicates the payment already points at a document.
	ErrAlreadyLinked = errors.New("ledger: payment already linked")
	// ErrAlreadyPaid indicates the document is already settled.
	ErrAlreadyPaid = errors.New("ledger: document already paid")
	// ErrDuplicateSuggestion indicates an open suggestion already exists for the pair.
	ErrDuplicateSuggestion = errors.New("ledger: duplicate suggestion")
	// ErrInvalidStatus indicates a disallowed status transition.
	ErrInvalidStatus = errors.New("ledger: invalid status transition")
)

// --- Document listings ---

// ListBills returns bills whose issue date falls inside the filter range.
func (r *Repository) ListBills(ctx context.Context, f BillFilter) ([]Bill, error) {
	query := `
		SELECT id, vendor_id, issue_date, due_date, total, currency,
			is_paid, paid_amount, paid_at, reference, created_at, updated_at
		FROM bills
		WHERE 1=1`
	query, args := appendRange(query, nil, "issue_date", f.From, f.To)
	if f.UnpaidOnly {
		query += " AND is_paid = FALSE"
	}
	query += " ORDER BY issue_date, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []Bill
	for rows.Next() {
		var b Bill
		var vendorID pgtype.Int8
		var dueDate pgtype.Date
		var paidAt pgtype.Timestamptz
		if err := rows.Scan(
			&b.ID, &vendorID, &b.IssueDate, &dueDate, &b.Total, &b.Currency,
			&b.IsPaid, &b.PaidAmount, &paidAt, &b.Reference, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if vendorID.Valid {
			b.VendorID = &vendorID.Int64
		}
		if dueDate.Valid {
			due := dueDate.Time
			b.DueDate = &due
		}
		if paidAt.Valid {
			at := paidAt.Time
			b.PaidAt = &at
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

// ListInvoices returns invoices whose issue date falls inside the filter range.
func (r *Repository) ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error) {
	query := `
		SELECT id, customer_id, issue_date, due_date, total, currency,
			is_paid, paid_amount, paid_at, reference, created_at, updated_at
		FROM invoices
		WHERE 1=1`
	query, args := appendRange(query, nil, "issue_date", f.From, f.To)
	if f.UnpaidOnly {
		query += " AND is_paid = FALSE"
	}
	query += " ORDER BY issue_date, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		var customerID pgtype.Int8
		var dueDate pgtype.Date
		var paidAt pgtype.Timestamptz
		if err := rows.Scan(
			&inv.ID, &customerID, &inv.IssueDate, &dueDate, &inv.Total, &inv.Currency,
			&inv.IsPaid, &inv.PaidAmount, &paidAt, &inv.Reference, &inv.CreatedAt, &inv.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if customerID.Valid {
			inv.CustomerID = &customerID.Int64
		}
		if dueDate.Valid {
			due := dueDate.Time
			inv.DueDate = &due
		}
		if paidAt.Valid {
			at := paidAt.Time
			inv.PaidAt = &at
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// ListPayments returns payments whose bank date falls inside the filter range.
func (r *Repository) ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error) {
	query := `
		SELECT id, direction, payment_date, amount, currency,
			bill_id, invoice_id, reference, bank_reference, created_at, updated_at
		FROM payments
		WHERE 1=1`
	query, args := appendRange(query, nil, "payment_date", f.From, f.To)
	if f.Direction != "" {
		args = append(args, string(f.Direction))
		query += fmt.Sprintf(" AND direction = $%d", len(args))
	}
	if f.UnlinkedOnly {
		query += " AND bill_id IS NULL AND invoice_id IS NULL"
	}
	query += " ORDER BY payment_date, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		var billID, invoiceID pgtype.Int8
		if err := rows.Scan(
			&p.ID, &p.Direction, &p.Date, &p.Amount, &p.Currency,
			&billID, &invoiceID, &p.Reference, &p.BankReference, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if billID.Valid {
			p.BillID = &billID.Int64
		}
		if invoiceID.Valid {
			p.InvoiceID = &invoiceID.Int64
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ListReconciliations returns reconciliation audit rows.
func (r *Repository) ListReconciliations(ctx context.Context, f ReconciliationFilter) ([]Reconciliation, error) {
	query := `
		SELECT id, bill_id, invoice_id, payment_id, status, matched_amount,
			discrepancy_amount, discrepancy_reason, reconciled_at
		FROM reconciliations
		WHERE 1=1`
	query, args := appendRange(query, nil, "reconciled_at", f.From, f.To)
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY reconciled_at, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Reconciliation
	for rows.Next() {
		var rec Reconciliation
		var billID, invoiceID, paymentID pgtype.Int8
		var discrepancy pgtype.Float8
		var reason pgtype.Text
		if err := rows.Scan(
			&rec.ID, &billID, &invoiceID, &paymentID, &rec.Status, &rec.MatchedAmount,
			&discrepancy, &reason, &rec.ReconciledAt,
		); err != nil {
			return nil, err
		}
		if billID.Valid {
			rec.BillID = &billID.Int64
		}
		if invoiceID.Valid {
			rec.InvoiceID = &invoiceID.Int64
		}
		if paymentID.Valid {
			rec.PaymentID = &paymentID.Int64
		}
		if discrepancy.Valid {
			d := discrepancy.Float64
			rec.DiscrepancyAmount = &d
		}
		if reason.Valid {
			rec.DiscrepancyReason = reason.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Risk flags ---

// UpsertRiskFlag writes a flag keyed by (entity_type, entity_id), overwriting
// any active flag for the same entity.
func (r *Repository) UpsertRiskFlag(ctx context.Context, flag RiskFlag) error {
	details, err := json.Marshal(flag.Details)
	if err != nil {
		return fmt.Errorf("ledger: encode flag details: %w", err)
	}
	query := `
		INSERT INTO risk_flags (flag_type, severity, entity_type, entity_id, description, details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (entity_type, entity_id) DO UPDATE
		SET flag_type = EXCLUDED.flag_type,
			severity = EXCLUDED.severity,
			description = EXCLUDED.description,
			details = EXCLUDED.details,
			updated_at = NOW()`
	_, err = r.pool.Exec(ctx, query,
		string(flag.FlagType), string(flag.Severity), string(flag.EntityType), flag.EntityID,
		flag.Description, details,
	)
	return err
}

// InsertRiskFlag appends a flag without conflict handling. Date gaps carry a
// fresh synthetic entity id per run, so no key exists to collide on.
func (r *Repository) InsertRiskFlag(ctx context.Context, flag RiskFlag) error {
	details, err := json.Marshal(flag.Details)
	if err != nil {
		return fmt.Errorf("ledger: encode flag details: %w", err)
	}
	query := `
		INSERT INTO risk_flags (flag_type, severity, entity_type, entity_id, description, details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`
	_, err = r.pool.Exec(ctx, query,
		string(flag.FlagType), string(flag.Severity), string(flag.EntityType), flag.EntityID,
		flag.Description, details,
	)
	return err
}

// ListRiskFlags returns all active flags.
func (r *Repository) ListRiskFlags(ctx context.Context) ([]RiskFlag, error) {
	query := `
		SELECT id, flag_type, severity, entity_type, entity_id, description, details, created_at, updated_at
		FROM risk_flags
		ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []RiskFlag
	for rows.Next() {
		var f RiskFlag
		var details []byte
		if err := rows.Scan(&f.ID, &f.FlagType, &f.Severity, &f.EntityType, &f.EntityID, &f.Description, &details, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &f.Details); err != nil {
				return nil, fmt.Errorf("ledger: decode flag details: %w", err)
			}
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// --- Forecast rows ---

// UpsertForecast writes a forecast row keyed by (forecast_date, period_type).
// Re-running for the same day overwrites rather than accumulates.
func (r *Repository) UpsertForecast(ctx context.Context, row CashFlowForecast) error {
	factors, err := json.Marshal(row.RiskFactors)
	if err != nil {
		return fmt.Errorf("ledger: encode risk factors: %w", err)
	}
	query := `
		INSERT INTO cash_flow_forecasts (
			forecast_date, period_type, projected_inflow, projected_outflow,
			net_position, confidence_level, data_completeness_score, risk_factors,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (forecast_date, period_type) DO UPDATE
		SET projected_inflow = EXCLUDED.projected_inflow,
			projected_outflow = EXCLUDED.projected_outflow,
			net_position = EXCLUDED.net_position,
			confidence_level = EXCLUDED.confidence_level,
			data_completeness_score = EXCLUDED.data_completeness_score,
			risk_factors = EXCLUDED.risk_factors,
			updated_at = NOW()`
	_, err = r.pool.Exec(ctx, query,
		row.ForecastDate, row.PeriodType, row.ProjectedInflow, row.ProjectedOutflow,
		row.NetPosition, row.ConfidenceLevel, row.DataCompleteness, factors,
	)
	return err
}

// --- Suggestions ---

// InsertSuggestion persists a new match suggestion and returns its id.
func (r *Repository) InsertSuggestion(ctx context.Context, s Suggestion) (int64, error) {
	reasons, err := json.Marshal(s.MatchReasons)
	if err != nil {
		return 0, fmt.Errorf("ledger: encode match reasons: %w", err)
	}
	query := `
		INSERT INTO match_suggestions (
			suggestion_type, source_type, source_id, target_type, target_id,
			confidence_score, match_reasons, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id`
	var id int64
	err = r.pool.QueryRow(ctx, query,
		s.SuggestionType, string(s.SourceType), s.SourceID, string(s.TargetType), s.TargetID,
		s.Confidence, reasons, string(s.Status),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_match_suggestions_open_pair" {
			return 0, ErrDuplicateSuggestion
		}
		return 0, err
	}
	return id, nil
}

// GetSuggestion retrieves a suggestion by id.
func (r *Repository) GetSuggestion(ctx context.Context, id int64) (*Suggestion, error) {
	query := `
		SELECT id, suggestion_type, source_type, source_id, target_type, target_id,
			confidence_score, match_reasons, status, review_note, created_at, updated_at
		FROM match_suggestions
		WHERE id = $1`
	var s Suggestion
	var reasons []byte
	var note pgtype.Text
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.SuggestionType, &s.SourceType, &s.SourceID, &s.TargetType, &s.TargetID,
		&s.Confidence, &reasons, &s.Status, &note, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &s.MatchReasons); err != nil {
			return nil, fmt.Errorf("ledger: decode match reasons: %w", err)
		}
	}
	if note.Valid {
		s.ReviewNote = note.String
	}
	return &s, nil
}

// ListReviewedSuggestions returns the most recently reviewed suggestions,
// used as feedback context for the ranking collaborator.
func (r *Repository) ListReviewedSuggestions(ctx context.Context, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, suggestion_type, source_type, source_id, target_type, target_id,
			confidence_score, match_reasons, status, review_note, created_at, updated_at
		FROM match_suggestions
		WHERE status IN ('approved', 'rejected')
		ORDER BY updated_at DESC
		LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var suggestions []Suggestion
	for rows.Next() {
		var s Suggestion
		var reasons []byte
		var note pgtype.Text
		if err := rows.Scan(
			&s.ID, &s.SuggestionType, &s.SourceType, &s.SourceID, &s.TargetType, &s.TargetID,
			&s.Confidence, &reasons, &s.Status, &note, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(reasons) > 0 {
			if err := json.Unmarshal(reasons, &s.MatchReasons); err != nil {
				return nil, fmt.Errorf("ledger: decode match reasons: %w", err)
			}
		}
		if note.Valid {
			s.ReviewNote = note.String
		}
		suggestions = append(suggestions, s)
	}
	return suggestions, rows.Err()
}

// UpdateSuggestionStatus moves a suggestion out of pending. Approved and
// rejected rows are immutable, so the guard rejects any other origin state.
func (r *Repository) UpdateSuggestionStatus(ctx context.Context, id int64, status SuggestionStatus, note string) error {
	query := `
		UPDATE match_suggestions
		SET status = $2, review_note = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	result, err := r.pool.Exec(ctx, query, id, string(status), note)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidStatus
	}
	return nil
}

// --- Match application ---

// ApplyMatch links a payment to a bill or invoice and marks the document
// paid inside one transaction, so a crash cannot leave the two writes
// half-applied. The link update carries its own guard against payments that
// are already linked, which also enforces the one-link-per-payment invariant
// under concurrent runs.
func (r *Repository) ApplyMatch(ctx context.Context, sourceType EntityType, sourceID, paymentID int64) error {
	if sourceType != EntityBill && sourceType != EntityInvoice {
		return fmt.Errorf("ledger: apply match: unsupported source type %q", sourceType)
	}

	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var amount float64
		if err := tx.QueryRow(ctx, `SELECT amount FROM payments WHERE id = $1`, paymentID).Scan(&amount); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		linkColumn := "bill_id"
		table := "bills"
		if sourceType == EntityInvoice {
			linkColumn = "invoice_id"
			table = "invoices"
		}

		linkQuery := fmt.Sprintf(`
			UPDATE payments SET %s = $2, updated_at = NOW()
			WHERE id = $1 AND bill_id IS NULL AND invoice_id IS NULL`, linkColumn)
		linked, err := tx.Exec(ctx, linkQuery, paymentID, sourceID)
		if err != nil {
			return err
		}
		if linked.RowsAffected() == 0 {
			return ErrAlreadyLinked
		}

		paidQuery := fmt.Sprintf(`
			UPDATE %s SET is_paid = TRUE, paid_amount = $2, paid_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND is_paid = FALSE`, table)
		paid, err := tx.Exec(ctx, paidQuery, sourceID, amount)
		if err != nil {
			return err
		}
		if paid.RowsAffected() == 0 {
			return ErrAlreadyPaid
		}

		recQuery := fmt.Sprintf(`
			INSERT INTO reconciliations (%s, payment_id, status, matched_amount, reconciled_at)
			VALUES ($1, $2, 'matched', $3, NOW())`, linkColumn)
		_, err = tx.Exec(ctx, recQuery, sourceID, paymentID, amount)
		return err
	})
}

// --- Helpers ---

func appendRange(query string, args []any, column string, from, to time.Time) (string, []any) {
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND %s >= $%d", column, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND %s <= $%d", column, len(args))
	}
	return query, args
}
