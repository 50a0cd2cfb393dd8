package loan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("loan: not found")

// Store persists loan applications. Status updates go through the row so the
// notify trigger fires; the store never bypasses the lifecycle graph.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const loanColumns = `id, country_code, document_type, document_number, document_hash,
	full_name, amount_requested, monthly_income, currency, status, risk_score,
	requires_review, banking_info, extra_data, created_at, updated_at, processed_at`

func scanLoan(row interface{ Scan(...any) error }) (*Loan, error) {
	var (
		l         Loan
		status    string
		riskScore sql.NullInt64
		processed sql.NullTime
	)
	err := row.Scan(
		&l.ID, &l.CountryCode, &l.DocumentType, &l.DocumentNumber, &l.DocumentHash,
		&l.FullName, &l.Amount, &l.MonthlyIncome, &l.Currency, &status, &riskScore,
		&l.RequiresReview, &l.BankingInfo, &l.ExtraData, &l.CreatedAt, &l.UpdatedAt,
		&processed,
	)
	if err != nil {
		return nil, err
	}
	l.Status = Status(status)
	if riskScore.Valid {
		v := int(riskScore.Int64)
		l.RiskScore = &v
	}
	if processed.Valid {
		t := processed.Time
		l.ProcessedAt = &t
	}
	return &l, nil
}

// Create inserts the application and its initial history row in one
// transaction. The generated id and timestamps are written back into l.
func (s *Store) Create(ctx context.Context, l *Loan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("loan: begin create: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO loan_applications (
			country_code, document_type, document_number, document_hash,
			full_name, amount_requested, monthly_income, currency, status,
			risk_score, requires_review, banking_info, extra_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`,
		l.CountryCode, l.DocumentType, l.DocumentNumber, l.DocumentHash,
		l.FullName, l.Amount, l.MonthlyIncome, l.Currency, string(l.Status),
		l.RiskScore, l.RequiresReview, l.BankingInfo, l.ExtraData,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("loan: insert application: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO loan_status_history (loan_id, previous_status, new_status, reason)
		VALUES ($1, NULL, $2, $3)`,
		l.ID, string(l.Status), "Application created")
	if err != nil {
		return fmt.Errorf("loan: insert initial history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("loan: commit create: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Loan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loan_applications WHERE id = $1`, id)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loan: get by id: %w", err)
	}
	return l, nil
}

// GetByDocumentHash returns the most recent application for the document,
// optionally narrowed to one country.
func (s *Store) GetByDocumentHash(ctx context.Context, hash, countryCode string) (*Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loan_applications WHERE document_hash = $1`
	args := []any{hash}
	if countryCode != "" {
		query += ` AND country_code = $2`
		args = append(args, countryCode)
	}
	// id breaks created_at ties so repeated lookups stay deterministic
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	l, err := scanLoan(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loan: get by document hash: %w", err)
	}
	return l, nil
}

// HasActiveApplication reports whether the document already holds an open
// application (PENDING, VALIDATING or IN_REVIEW) in the country.
func (s *Store) HasActiveApplication(ctx context.Context, hash, countryCode string) (bool, error) {
	statuses := make([]string, len(ActiveStatuses))
	for i, st := range ActiveStatuses {
		statuses[i] = string(st)
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM loan_applications
			WHERE document_hash = $1 AND country_code = $2 AND status = ANY($3)
		)`, hash, countryCode, pq.Array(statuses)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("loan: active application check: %w", err)
	}
	return exists, nil
}

// listConds builds the WHERE clause shared by List and Count.
func listConds(filter ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.CountryCode != "" {
		add("country_code = $%d", filter.CountryCode)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.RequiresReview != nil {
		add("requires_review = $%d", *filter.RequiresReview)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Loan, error) {
	where, args := listConds(filter)
	query := `SELECT ` + loanColumns + ` FROM loan_applications` + where +
		" ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loan: list: %w", err)
	}
	defer rows.Close()

	var loans []*Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("loan: scan list row: %w", err)
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// Count returns the number of rows matching the filter, ignoring pagination.
func (s *Store) Count(ctx context.Context, filter ListFilter) (int64, error) {
	where, args := listConds(filter)

	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loan_applications`+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("loan: count: %w", err)
	}
	return total, nil
}

// UpdateStatus moves the loan to newStatus and appends the history row in
// one transaction. The UPDATE is guarded by the current status so concurrent
// transitions cannot race past the graph; a guard miss surfaces as
// ErrInvalidTransition. processed_at is stamped on decision states.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, changedBy *uuid.UUID, reason string, extra JSONMap) error {
	if err := CheckTransition(from, to); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("loan: begin status update: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if SetsProcessedAt(to) {
		res, err = tx.ExecContext(ctx, `
			UPDATE loan_applications
			SET status = $1, processed_at = NOW()
			WHERE id = $2 AND status = $3`,
			string(to), id, string(from))
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE loan_applications
			SET status = $1
			WHERE id = $2 AND status = $3`,
			string(to), id, string(from))
	}
	if err != nil {
		return fmt.Errorf("loan: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrInvalidTransition{From: from, To: to}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO loan_status_history (loan_id, previous_status, new_status, changed_by, reason, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, string(from), string(to), changedBy, reason, extra)
	if err != nil {
		return fmt.Errorf("loan: insert history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("loan: commit status update: %w", err)
	}
	return nil
}

func (s *Store) UpdateRiskScore(ctx context.Context, id uuid.UUID, score int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE loan_applications SET risk_score = $1 WHERE id = $2`, score, id)
	if err != nil {
		return fmt.Errorf("loan: update risk score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StatusHistory returns the audit trail oldest first.
func (s *Store) StatusHistory(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loan_id, previous_status, new_status, changed_by, reason, extra_data, created_at
		FROM loan_status_history
		WHERE loan_id = $1
		ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("loan: status history: %w", err)
	}
	defer rows.Close()

	var history []*StatusChange
	for rows.Next() {
		var (
			c        StatusChange
			previous sql.NullString
			actor    uuid.NullUUID
			reason   sql.NullString
		)
		err := rows.Scan(&c.ID, &c.LoanID, &previous, &c.NewStatus, &actor, &reason, &c.ExtraData, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("loan: scan history row: %w", err)
		}
		if previous.Valid {
			st := Status(previous.String)
			c.PreviousStatus = &st
		}
		if actor.Valid {
			id := actor.UUID
			c.ChangedBy = &id
		}
		c.Reason = reason.String
		history = append(history, &c)
	}
	return history, rows.Err()
}

// Statistics aggregates counts and amounts, optionally narrowed to one
// country. NULL risk scores are ignored by the average.
func (s *Store) Statistics(ctx context.Context, countryCode string) (*Statistics, error) {
	where := ""
	var args []any
	if countryCode != "" {
		where = " WHERE country_code = $1"
		args = append(args, countryCode)
	}

	stats := &Statistics{
		ByStatus:      map[string]int64{},
		ByCountry:     map[string]int64{},
		TotalAmount:   decimal.Zero,
		AverageAmount: decimal.Zero,
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM loan_applications`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("loan: stats by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("loan: scan status count: %w", err)
		}
		stats.ByStatus[status] = count
		stats.TotalLoans += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	countryRows, err := s.db.QueryContext(ctx,
		`SELECT country_code, COUNT(*) FROM loan_applications`+where+` GROUP BY country_code`, args...)
	if err != nil {
		return nil, fmt.Errorf("loan: stats by country: %w", err)
	}
	defer countryRows.Close()
	for countryRows.Next() {
		var code string
		var count int64
		if err := countryRows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("loan: scan country count: %w", err)
		}
		stats.ByCountry[code] = count
	}
	if err := countryRows.Err(); err != nil {
		return nil, err
	}

	var (
		total   sql.NullString
		average sql.NullString
		avgRisk sql.NullFloat64
		pending int64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount_requested), 0),
			COALESCE(AVG(amount_requested), 0),
			AVG(risk_score),
			COUNT(*) FILTER (WHERE requires_review AND status IN ('PENDING', 'IN_REVIEW'))
		FROM loan_applications`+where, args...).
		Scan(&total, &average, &avgRisk, &pending)
	if err != nil {
		return nil, fmt.Errorf("loan: stats aggregates: %w", err)
	}

	if total.Valid {
		if stats.TotalAmount, err = decimal.NewFromString(total.String); err != nil {
			return nil, fmt.Errorf("loan: parse total amount: %w", err)
		}
	}
	if average.Valid {
		if stats.AverageAmount, err = decimal.NewFromString(average.String); err != nil {
			return nil, fmt.Errorf("loan: parse average amount: %w", err)
		}
	}
	if avgRisk.Valid {
		stats.AverageRiskScore = avgRisk.Float64
	}
	stats.PendingReviewCount = pending

	return stats, nil
}
