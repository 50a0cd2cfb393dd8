package loan

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JSONMap maps onto a JSONB column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("loan: cannot scan %T into JSONMap", src)
	}
	return json.Unmarshal(raw, m)
}

// Loan is a row of loan_applications. DocumentNumber and FullName hold the
// encrypted ciphertext; decryption happens at the API edge for authorized
// roles only.
type Loan struct {
	ID             uuid.UUID       `json:"id"`
	CountryCode    string          `json:"country_code"`
	DocumentType   string          `json:"document_type"`
	DocumentNumber string          `json:"document_number"`
	DocumentHash   string          `json:"-"`
	FullName       string          `json:"full_name"`
	Amount         decimal.Decimal `json:"amount_requested"`
	MonthlyIncome  decimal.Decimal `json:"monthly_income"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	RiskScore      *int            `json:"risk_score"`
	RequiresReview bool            `json:"requires_review"`
	BankingInfo    JSONMap         `json:"banking_info,omitempty"`
	ExtraData      JSONMap         `json:"extra_data"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// StatusChange is a row of loan_status_history.
type StatusChange struct {
	ID             uuid.UUID  `json:"id"`
	LoanID         uuid.UUID  `json:"loan_id"`
	PreviousStatus *Status    `json:"previous_status"`
	NewStatus      Status     `json:"new_status"`
	ChangedBy      *uuid.UUID `json:"changed_by"`
	Reason         string     `json:"reason,omitempty"`
	ExtraData      JSONMap    `json:"extra_data,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ListFilter narrows List queries.
type ListFilter struct {
	CountryCode    string
	Status         Status
	RequiresReview *bool
	Limit          int
	Offset         int
}

// Page is one page of list results.
type Page struct {
	Items    []*Loan `json:"items"`
	Total    int64   `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
	Pages    int     `json:"pages"`
}

// Statistics aggregates the portfolio for dashboards.
type Statistics struct {
	TotalLoans         int64            `json:"total_loans"`
	ByStatus           map[string]int64 `json:"by_status"`
	ByCountry          map[string]int64 `json:"by_country"`
	TotalAmount        decimal.Decimal  `json:"total_amount"`
	AverageAmount      decimal.Decimal  `json:"average_amount"`
	AverageRiskScore   float64          `json:"average_risk_score"`
	PendingReviewCount int64            `json:"pending_review_count"`
}
