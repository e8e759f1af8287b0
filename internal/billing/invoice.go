// Package billing defines the domain model for the ClearBill invoice
// platform: invoices and their versioned submissions, normalized line
// items, validation findings, exceptions, and the lifecycle state
// machines that govern all of them.
//
// Every monetary field is a fixed-precision decimal. Statuses are
// closed string enumerations persisted verbatim; transitions outside
// the tables in state_machine.go are rejected with a ConflictError.
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LIFECYCLE STATUSES
// =============================================================================

// SubmissionStatus is the lifecycle state of an invoice.
type SubmissionStatus string

const (
	StatusDraft                SubmissionStatus = "DRAFT"
	StatusSubmitted            SubmissionStatus = "SUBMITTED"
	StatusProcessing           SubmissionStatus = "PROCESSING"
	StatusReviewRequired       SubmissionStatus = "REVIEW_REQUIRED"
	StatusSupplierResponded    SubmissionStatus = "SUPPLIER_RESPONDED"
	StatusPendingCarrierReview SubmissionStatus = "PENDING_CARRIER_REVIEW"
	StatusCarrierReviewing     SubmissionStatus = "CARRIER_REVIEWING"
	StatusApproved             SubmissionStatus = "APPROVED"
	StatusDisputed             SubmissionStatus = "DISPUTED"
	StatusExported             SubmissionStatus = "EXPORTED"
	StatusWithdrawn            SubmissionStatus = "WITHDRAWN"
)

// AllSubmissionStatuses lists every invoice status, in lifecycle order.
var AllSubmissionStatuses = []SubmissionStatus{
	StatusDraft,
	StatusSubmitted,
	StatusProcessing,
	StatusReviewRequired,
	StatusSupplierResponded,
	StatusPendingCarrierReview,
	StatusCarrierReviewing,
	StatusApproved,
	StatusDisputed,
	StatusExported,
	StatusWithdrawn,
}

// IsTerminal reports whether no further invoice transitions are allowed.
func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusExported || s == StatusWithdrawn
}

// Valid reports whether s is a known invoice status.
func (s SubmissionStatus) Valid() bool {
	for _, known := range AllSubmissionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// LineStatus is the lifecycle state of a single invoice line.
type LineStatus string

const (
	LinePending    LineStatus = "PENDING"
	LineClassified LineStatus = "CLASSIFIED"
	LineValidated  LineStatus = "VALIDATED"
	LineException  LineStatus = "EXCEPTION"
	LineOverride   LineStatus = "OVERRIDE"
	LineResolved   LineStatus = "RESOLVED"
	LineApproved   LineStatus = "APPROVED"
	LineDisputed   LineStatus = "DISPUTED"
	LineDenied     LineStatus = "DENIED"
)

// IsTerminal reports whether the line can no longer change state.
func (s LineStatus) IsTerminal() bool {
	return s == LineApproved || s == LineDenied
}

// FileFormat identifies the uploaded invoice file type.
type FileFormat string

const (
	FormatCSV FileFormat = "csv"
	FormatPDF FileFormat = "pdf"
)

// =============================================================================
// INVOICE ENTITIES
// =============================================================================

// Invoice is a single invoice submission from a supplier. The header is
// immutable; resubmissions create InvoiceVersion rows, never new invoices.
type Invoice struct {
	ID         uuid.UUID `json:"id"`
	SupplierID uuid.UUID `json:"supplier_id"`
	ContractID uuid.UUID `json:"contract_id"`

	// Supplier's own invoice number, used for duplicate warnings.
	InvoiceNumber string    `json:"invoice_number"`
	InvoiceDate   time.Time `json:"invoice_date"`

	Status SubmissionStatus `json:"status"`

	// File reference for the most recent version.
	RawFilePath    string     `json:"raw_file_path,omitempty"`
	FileFormat     FileFormat `json:"file_format,omitempty"`
	CurrentVersion int        `json:"current_version"`

	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	SubmissionNotes string     `json:"submission_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InvoiceVersion records one upload attempt. The raw file and extraction
// artifacts for every attempt are preserved for audit and disputes.
type InvoiceVersion struct {
	ID            uuid.UUID  `json:"id"`
	InvoiceID     uuid.UUID  `json:"invoice_id"`
	VersionNumber int        `json:"version_number"`
	RawFilePath   string     `json:"raw_file_path"`
	FileFormat    FileFormat `json:"file_format"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// LineItem is a single normalized line from a supplier invoice.
//
// Raw* fields hold values exactly as extracted from the file. The mapped
// fields are set by the classifier; MappedRate and ExpectedAmount by the
// rate validator.
type LineItem struct {
	ID             uuid.UUID  `json:"id"`
	InvoiceID      uuid.UUID  `json:"invoice_id"`
	InvoiceVersion int        `json:"invoice_version"`
	LineNumber     int        `json:"line_number"`
	Status         LineStatus `json:"status"`

	RawDescription string          `json:"raw_description"`
	RawCode        string          `json:"raw_code,omitempty"`
	RawAmount      decimal.Decimal `json:"raw_amount"`
	RawQuantity    decimal.Decimal `json:"raw_quantity"`
	RawUnit        string          `json:"raw_unit,omitempty"`

	ClaimNumber string     `json:"claim_number,omitempty"`
	ServiceDate *time.Time `json:"service_date,omitempty"`

	TaxonomyCode      string     `json:"taxonomy_code,omitempty"`
	BillingComponent  string     `json:"billing_component,omitempty"`
	MappedUnitModel   string     `json:"mapped_unit_model,omitempty"`
	MappingConfidence string     `json:"mapping_confidence,omitempty"`
	MappingRuleID     *uuid.UUID `json:"mapping_rule_id,omitempty"`

	MappedRate     *decimal.Decimal `json:"mapped_rate,omitempty"`
	ExpectedAmount *decimal.Decimal `json:"expected_amount,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Classified reports whether the classifier resolved this line to a
// taxonomy code.
func (li *LineItem) Classified() bool {
	return li.TaxonomyCode != ""
}

// ExtractionArtifact preserves the raw text extracted from a file page or
// section. Write-once; always traceable back to the source document.
type ExtractionArtifact struct {
	ID               uuid.UUID              `json:"id"`
	InvoiceVersionID uuid.UUID              `json:"invoice_version_id"`
	PageNumber       *int                   `json:"page_number,omitempty"`
	RawText          string                 `json:"raw_text"`
	ExtractionMethod string                 `json:"extraction_method"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}
