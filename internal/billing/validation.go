package billing

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// VALIDATION ENUMERATIONS
// =============================================================================

// ValidationType identifies which engine produced a finding.
type ValidationType string

const (
	ValidationRate           ValidationType = "RATE"
	ValidationGuideline      ValidationType = "GUIDELINE"
	ValidationClassification ValidationType = "CLASSIFICATION"
)

// ValidationStatus is the outcome of a single check.
type ValidationStatus string

const (
	ValidationPass ValidationStatus = "PASS"
	ValidationFail ValidationStatus = "FAIL"
	ValidationWarn ValidationStatus = "WARNING"
)

// Severity grades a finding.
type Severity string

const (
	// SeverityError blocks payment; the supplier must act.
	SeverityError Severity = "ERROR"
	// SeverityWarning is flagged for carrier review; does not block.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo is recorded for audit; no action required.
	SeverityInfo Severity = "INFO"
)

// RequiredAction is the machine-readable next step for the supplier.
type RequiredAction string

const (
	ActionNone              RequiredAction = "NONE"
	ActionReupload          RequiredAction = "REUPLOAD"
	ActionAttachDoc         RequiredAction = "ATTACH_DOC"
	ActionRequestReclassify RequiredAction = "REQUEST_RECLASSIFICATION"
	ActionAcceptReduction   RequiredAction = "ACCEPT_REDUCTION"
)

// ExceptionStatus is the lifecycle state of an ExceptionRecord.
type ExceptionStatus string

const (
	ExceptionOpen              ExceptionStatus = "OPEN"
	ExceptionSupplierResponded ExceptionStatus = "SUPPLIER_RESPONDED"
	ExceptionCarrierReviewing  ExceptionStatus = "CARRIER_REVIEWING"
	ExceptionResolved          ExceptionStatus = "RESOLVED"
	ExceptionWaived            ExceptionStatus = "WAIVED"
)

// IsTerminal reports whether the exception is closed and immutable.
func (s ExceptionStatus) IsTerminal() bool {
	return s == ExceptionResolved || s == ExceptionWaived
}

// ResolutionAction is the carrier's disposition of an exception.
type ResolutionAction string

const (
	ResolutionReupload          ResolutionAction = "REUPLOAD"
	ResolutionWaived            ResolutionAction = "WAIVED"
	ResolutionHeldContractRate  ResolutionAction = "HELD_CONTRACT_RATE"
	ResolutionReclassified      ResolutionAction = "RECLASSIFIED"
	ResolutionAcceptedReduction ResolutionAction = "ACCEPTED_REDUCTION"
	// ResolutionDenied closes the exception and denies the owning line.
	ResolutionDenied ResolutionAction = "DENIED"
)

// AllResolutionActions lists every valid carrier disposition.
var AllResolutionActions = []ResolutionAction{
	ResolutionReupload,
	ResolutionWaived,
	ResolutionHeldContractRate,
	ResolutionReclassified,
	ResolutionAcceptedReduction,
	ResolutionDenied,
}

// Valid reports whether a is a known resolution action.
func (a ResolutionAction) Valid() bool {
	for _, known := range AllResolutionActions {
		if a == known {
			return true
		}
	}
	return false
}

// =============================================================================
// VALIDATION ENTITIES
// =============================================================================

// ValidationResult is the outcome of one check against one line item.
// A line may accumulate several results (one per rate check, one per
// guideline rule). Results are immutable once written; reprocessing
// appends new rows and preserves the old ones.
type ValidationResult struct {
	ID         uuid.UUID `json:"id"`
	LineItemID uuid.UUID `json:"line_item_id"`

	ValidationType ValidationType `json:"validation_type"`

	// The specific rule that produced this result, when applicable.
	RateCardID  *uuid.UUID `json:"rate_card_id,omitempty"`
	GuidelineID *uuid.UUID `json:"guideline_id,omitempty"`

	Status   ValidationStatus `json:"status"`
	Severity Severity         `json:"severity"`

	// Plain-language explanation shown to both supplier and carrier.
	Message string `json:"message"`

	// Machine-readable values for UI rendering.
	ExpectedValue string `json:"expected_value,omitempty"`
	ActualValue   string `json:"actual_value,omitempty"`

	RequiredAction RequiredAction `json:"required_action"`

	CreatedAt time.Time `json:"created_at"`
}

// ExceptionRecord is an open issue on a line item requiring party action.
// One is created for every FAIL finding at processing time. Exceptions
// are never deleted, only transitioned through states.
type ExceptionRecord struct {
	ID                 uuid.UUID `json:"id"`
	LineItemID         uuid.UUID `json:"line_item_id"`
	ValidationResultID uuid.UUID `json:"validation_result_id"`

	Status ExceptionStatus `json:"status"`

	// Supplier response fields.
	SupplierResponse  string `json:"supplier_response,omitempty"`
	SupportingDocPath string `json:"supporting_doc_path,omitempty"`

	// Resolution fields, set by the carrier.
	ResolutionAction ResolutionAction `json:"resolution_action,omitempty"`
	ResolutionNotes  string           `json:"resolution_notes,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ResolvedByUserID *uuid.UUID       `json:"resolved_by_user_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
