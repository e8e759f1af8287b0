package billing

import (
	"fmt"

	"github.com/google/uuid"
)

// =============================================================================
// STATE MACHINES
// =============================================================================
//
// Three lifecycles share one shape: a transition table keyed by current
// status, a guard that rejects anything outside the table, and a typed
// ConflictError so callers can map rejections to 409s. Terminal states
// have no outgoing edges.

// ConflictError reports a state transition outside the permitted set.
type ConflictError struct {
	Entity   string
	EntityID uuid.UUID
	From     string
	To       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Entity, e.EntityID, e.From, e.To)
}

// invoiceTransitions is the full permitted set for invoices. WITHDRAWN
// is reachable from every non-terminal status (supplier withdrawal);
// PROCESSING -> SUBMITTED is the compensating edge taken when a pipeline
// run fails after the processing marker committed.
var invoiceTransitions = map[SubmissionStatus][]SubmissionStatus{
	StatusDraft:      {StatusSubmitted, StatusWithdrawn},
	StatusSubmitted:  {StatusProcessing, StatusWithdrawn},
	StatusProcessing: {StatusPendingCarrierReview, StatusReviewRequired, StatusSubmitted, StatusWithdrawn},
	StatusReviewRequired: {
		StatusSupplierResponded,
		StatusSubmitted,
		StatusWithdrawn,
	},
	StatusSupplierResponded: {
		StatusCarrierReviewing,
		StatusSubmitted,
		StatusWithdrawn,
	},
	StatusPendingCarrierReview: {
		StatusApproved,
		StatusReviewRequired,
		StatusWithdrawn,
	},
	StatusCarrierReviewing: {
		StatusApproved,
		StatusReviewRequired,
		StatusDisputed,
		StatusWithdrawn,
	},
	StatusDisputed:  {StatusCarrierReviewing, StatusWithdrawn},
	StatusApproved:  {StatusExported, StatusWithdrawn},
	StatusExported:  {},
	StatusWithdrawn: {},
}

// lineTransitions is the permitted set for line items. APPROVED and
// DENIED are terminal. A disputed line returns to EXCEPTION before any
// further disposition.
var lineTransitions = map[LineStatus][]LineStatus{
	LinePending:    {LineClassified, LineException},
	LineClassified: {LineValidated, LineException},
	LineValidated:  {LineOverride, LineResolved, LineApproved, LineDisputed, LineDenied},
	LineException:  {LineOverride, LineResolved, LineApproved, LineDisputed, LineDenied},
	LineOverride:   {LineApproved, LineDenied},
	LineResolved:   {LineApproved, LineDenied},
	LineDisputed:   {LineException, LineDenied},
	LineApproved:   {},
	LineDenied:     {},
}

// exceptionTransitions is the permitted set for exception records. The
// carrier may short-circuit straight to RESOLVED or WAIVED from OPEN or
// SUPPLIER_RESPONDED without an explicit CARRIER_REVIEWING step.
var exceptionTransitions = map[ExceptionStatus][]ExceptionStatus{
	ExceptionOpen:              {ExceptionSupplierResponded, ExceptionResolved, ExceptionWaived},
	ExceptionSupplierResponded: {ExceptionCarrierReviewing, ExceptionResolved, ExceptionWaived},
	ExceptionCarrierReviewing:  {ExceptionResolved, ExceptionWaived},
	ExceptionResolved:          {},
	ExceptionWaived:            {},
}

// CanTransition reports whether an invoice may move from s to next.
func (s SubmissionStatus) CanTransition(next SubmissionStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanTransition reports whether a line may move from s to next.
func (s LineStatus) CanTransition(next LineStatus) bool {
	for _, allowed := range lineTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanTransition reports whether an exception may move from s to next.
func (s ExceptionStatus) CanTransition(next ExceptionStatus) bool {
	for _, allowed := range exceptionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// GuardInvoiceTransition returns a ConflictError unless from -> to is a
// permitted invoice transition.
func GuardInvoiceTransition(id uuid.UUID, from, to SubmissionStatus) error {
	if !from.CanTransition(to) {
		return &ConflictError{Entity: EntityInvoice, EntityID: id, From: string(from), To: string(to)}
	}
	return nil
}

// GuardLineTransition returns a ConflictError unless from -> to is a
// permitted line transition.
func GuardLineTransition(id uuid.UUID, from, to LineStatus) error {
	if !from.CanTransition(to) {
		return &ConflictError{Entity: EntityLineItem, EntityID: id, From: string(from), To: string(to)}
	}
	return nil
}

// GuardExceptionTransition returns a ConflictError unless from -> to is
// a permitted exception transition.
func GuardExceptionTransition(id uuid.UUID, from, to ExceptionStatus) error {
	if !from.CanTransition(to) {
		return &ConflictError{Entity: EntityException, EntityID: id, From: string(from), To: string(to)}
	}
	return nil
}
