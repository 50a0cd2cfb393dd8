package service

import (
	"errors"
	"strings"
)

// ErrDuplicateApplication: the document already has an open application in
// the country.
var ErrDuplicateApplication = errors.New("service: active application already exists")

// ErrForbidden: the actor's role may not perform the operation.
var ErrForbidden = errors.New("service: operation not allowed for role")

// ValidationError carries the strategy validation outcome to the API layer.
type ValidationError struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings,omitempty"`
}

func (e *ValidationError) Error() string {
	return "service: validation failed: " + strings.Join(e.Errors, "; ")
}
