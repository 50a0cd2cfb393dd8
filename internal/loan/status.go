// Package loan holds the loan application domain model: statuses, the
// transition graph and the Postgres persistence layer.
package loan

import "fmt"

// Status is the lifecycle state of a loan application.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusValidating Status = "VALIDATING"
	StatusInReview   Status = "IN_REVIEW"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
	StatusDisbursed  Status = "DISBURSED"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// validTransitions is the authoritative lifecycle graph. REJECTED, CANCELLED
// and COMPLETED are terminal.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusValidating, StatusCancelled},
	StatusValidating: {StatusInReview, StatusApproved, StatusRejected},
	StatusInReview:   {StatusApproved, StatusRejected},
	StatusApproved:   {StatusDisbursed, StatusCancelled},
	StatusDisbursed:  {StatusCompleted},
	StatusRejected:   {},
	StatusCancelled:  {},
	StatusCompleted:  {},
}

// ActiveStatuses are the states in which a document may not hold a second
// open application.
var ActiveStatuses = []Status{StatusPending, StatusValidating, StatusInReview}

// ErrInvalidTransition reports a rejected lifecycle move.
type ErrInvalidTransition struct {
	From Status
	To   Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s Status) bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is allowed by the graph.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not
// allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &ErrInvalidTransition{From: from, To: to}
	}
	return nil
}

// Terminal reports whether no further transitions exist from s.
func Terminal(s Status) bool {
	return ValidStatus(s) && len(validTransitions[s]) == 0
}

// SetsProcessedAt reports whether entering s stamps processed_at.
func SetsProcessedAt(s Status) bool {
	return s == StatusApproved || s == StatusRejected || s == StatusDisbursed
}

// RequiresDecisionRole reports whether entering s needs an ADMIN or ANALYST
// actor.
func RequiresDecisionRole(s Status) bool {
	return s == StatusApproved || s == StatusRejected
}
