// Package validate holds the deterministic rate and guideline checks
// run against classified line items. Both validators are pure: they
// read their inputs, write nothing, and report findings for the
// pipeline to persist.
package validate

import (
	"log"

	"github.com/google/uuid"

	"github.com/clearbill/backend/internal/billing"
)

var logger = log.New(log.Writer(), "[VALIDATE] ", log.LstdFlags)

// Finding is one validation outcome for a line item. The pipeline
// turns findings into persisted ValidationResults and opens an
// exception for every FAIL.
type Finding struct {
	ValidationType billing.ValidationType
	RateCardID     *uuid.UUID
	GuidelineID    *uuid.UUID

	Status   billing.ValidationStatus
	Severity billing.Severity
	Message  string

	ExpectedValue string
	ActualValue   string

	RequiredAction billing.RequiredAction
}

// Failed reports whether this finding blocks the line.
func (f Finding) Failed() bool {
	return f.Status == billing.ValidationFail
}

// AnyFailed reports whether any finding in the slice is a FAIL.
func AnyFailed(findings []Finding) bool {
	for _, f := range findings {
		if f.Failed() {
			return true
		}
	}
	return false
}
