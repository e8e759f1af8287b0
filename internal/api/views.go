package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearbill/backend/internal/billing"
	"github.com/clearbill/backend/internal/store"
	"github.com/clearbill/backend/internal/taxonomy"
)

// =============================================================================
// RESPONSE SHAPES
// =============================================================================

// ValidationSummary aggregates line outcomes for an invoice detail
// view. Denied lines are carved out of both payable and dispute.
type ValidationSummary struct {
	TotalLines          int             `json:"total_lines"`
	LinesValidated      int             `json:"lines_validated"`
	LinesWithExceptions int             `json:"lines_with_exceptions"`
	LinesPendingReview  int             `json:"lines_pending_review"`
	TotalBilled         decimal.Decimal `json:"total_billed"`
	TotalPayable        decimal.Decimal `json:"total_payable"`
	TotalInDispute      decimal.Decimal `json:"total_in_dispute"`
	LinesDenied         int             `json:"lines_denied"`
	TotalDenied         decimal.Decimal `json:"total_denied"`
}

// InvoiceResponse is the full invoice detail payload.
type InvoiceResponse struct {
	ID                uuid.UUID                `json:"id"`
	SupplierID        uuid.UUID                `json:"supplier_id"`
	ContractID        uuid.UUID                `json:"contract_id"`
	InvoiceNumber     string                   `json:"invoice_number"`
	InvoiceDate       time.Time                `json:"invoice_date"`
	Status            billing.SubmissionStatus `json:"status"`
	CurrentVersion    int                      `json:"current_version"`
	FileFormat        billing.FileFormat       `json:"file_format,omitempty"`
	SubmittedAt       *time.Time               `json:"submitted_at,omitempty"`
	SubmissionNotes   string                   `json:"submission_notes,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
	ValidationSummary *ValidationSummary       `json:"validation_summary,omitempty"`
}

// InvoiceListItem is the compact row used by both list endpoints.
type InvoiceListItem struct {
	ID             uuid.UUID                `json:"id"`
	InvoiceNumber  string                   `json:"invoice_number"`
	InvoiceDate    time.Time                `json:"invoice_date"`
	Status         billing.SubmissionStatus `json:"status"`
	CurrentVersion int                      `json:"current_version"`
	SubmittedAt    *time.Time               `json:"submitted_at,omitempty"`
	TotalBilled    decimal.Decimal          `json:"total_billed"`
	ExceptionCount int                      `json:"exception_count"`
}

// UploadResponse is returned after a file is ingested and processed.
type UploadResponse struct {
	InvoiceID uuid.UUID                `json:"invoice_id"`
	Status    billing.SubmissionStatus `json:"status"`
	Message   string                   `json:"message"`
	Version   int                      `json:"version"`
}

// ValidationResultView is one check outcome as shown to either party.
type ValidationResultView struct {
	Status         billing.ValidationStatus `json:"status"`
	Severity       billing.Severity         `json:"severity"`
	Message        string                   `json:"message"`
	ExpectedValue  string                   `json:"expected_value,omitempty"`
	ActualValue    string                   `json:"actual_value,omitempty"`
	RequiredAction billing.RequiredAction   `json:"required_action"`
}

// ExceptionView is an exception as shown on a line.
type ExceptionView struct {
	ExceptionID      uuid.UUID               `json:"exception_id"`
	Status           billing.ExceptionStatus `json:"status"`
	Message          string                  `json:"message"`
	Severity         billing.Severity        `json:"severity"`
	RequiredAction   billing.RequiredAction  `json:"required_action"`
	SupplierResponse string                  `json:"supplier_response,omitempty"`
}

// LineItemView is the supplier's view of a line: raw values, outcomes,
// and open issues. Mapping internals are carrier-side only.
type LineItemView struct {
	ID             uuid.UUID              `json:"id"`
	LineNumber     int                    `json:"line_number"`
	Status         billing.LineStatus     `json:"status"`
	RawDescription string                 `json:"raw_description"`
	RawCode        string                 `json:"raw_code,omitempty"`
	RawAmount      decimal.Decimal        `json:"raw_amount"`
	RawQuantity    decimal.Decimal        `json:"raw_quantity"`
	RawUnit        string                 `json:"raw_unit,omitempty"`
	ClaimNumber    string                 `json:"claim_number,omitempty"`
	ServiceDate    *time.Time             `json:"service_date,omitempty"`
	ExpectedAmount *decimal.Decimal       `json:"expected_amount,omitempty"`
	NeedsReview    bool                   `json:"needs_review"`
	Validations    []ValidationResultView `json:"validations"`
	Exceptions     []ExceptionView        `json:"exceptions"`
}

// LineItemCarrierView adds the classification fields the carrier needs
// to judge a line.
type LineItemCarrierView struct {
	LineItemView
	TaxonomyCode      string           `json:"taxonomy_code,omitempty"`
	TaxonomyLabel     string           `json:"taxonomy_label,omitempty"`
	BillingComponent  string           `json:"billing_component,omitempty"`
	MappedUnitModel   string           `json:"mapped_unit_model,omitempty"`
	MappingConfidence string           `json:"mapping_confidence,omitempty"`
	MappedRate        *decimal.Decimal `json:"mapped_rate,omitempty"`
}

// =============================================================================
// BUILDERS
// =============================================================================

// lineContext bundles a line with its validation results and
// exceptions for view building.
type lineContext struct {
	line    billing.LineItem
	results []billing.ValidationResult
	excs    []billing.ExceptionRecord
}

// loadLineContexts reads every current-version line of an invoice with
// its validation results and exceptions.
func loadLineContexts(ctx context.Context, st store.Store, inv *billing.Invoice) ([]lineContext, error) {
	lines, err := st.ListLineItems(ctx, inv.ID, inv.CurrentVersion)
	if err != nil {
		return nil, err
	}
	excs, err := st.ListInvoiceExceptions(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	byLine := make(map[uuid.UUID][]billing.ExceptionRecord)
	for _, exc := range excs {
		byLine[exc.LineItemID] = append(byLine[exc.LineItemID], exc)
	}
	out := make([]lineContext, 0, len(lines))
	for _, line := range lines {
		results, err := st.ListValidationResults(ctx, line.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, lineContext{line: line, results: results, excs: byLine[line.ID]})
	}
	return out, nil
}

func needsReview(line *billing.LineItem) bool {
	return line.MappingConfidence == billing.ConfidenceLow || line.MappingConfidence == billing.ConfidenceMedium
}

func supplierLineView(lc lineContext) LineItemView {
	resultByID := make(map[uuid.UUID]*billing.ValidationResult, len(lc.results))
	validations := make([]ValidationResultView, 0, len(lc.results))
	for i := range lc.results {
		res := &lc.results[i]
		resultByID[res.ID] = res
		validations = append(validations, ValidationResultView{
			Status:         res.Status,
			Severity:       res.Severity,
			Message:        res.Message,
			ExpectedValue:  res.ExpectedValue,
			ActualValue:    res.ActualValue,
			RequiredAction: res.RequiredAction,
		})
	}
	exceptions := make([]ExceptionView, 0, len(lc.excs))
	for _, exc := range lc.excs {
		view := ExceptionView{
			ExceptionID:      exc.ID,
			Status:           exc.Status,
			SupplierResponse: exc.SupplierResponse,
		}
		if res, ok := resultByID[exc.ValidationResultID]; ok {
			view.Message = res.Message
			view.Severity = res.Severity
			view.RequiredAction = res.RequiredAction
		}
		exceptions = append(exceptions, view)
	}
	return LineItemView{
		ID:             lc.line.ID,
		LineNumber:     lc.line.LineNumber,
		Status:         lc.line.Status,
		RawDescription: lc.line.RawDescription,
		RawCode:        lc.line.RawCode,
		RawAmount:      lc.line.RawAmount,
		RawQuantity:    lc.line.RawQuantity,
		RawUnit:        lc.line.RawUnit,
		ClaimNumber:    lc.line.ClaimNumber,
		ServiceDate:    lc.line.ServiceDate,
		ExpectedAmount: lc.line.ExpectedAmount,
		NeedsReview:    needsReview(&lc.line),
		Validations:    validations,
		Exceptions:     exceptions,
	}
}

func carrierLineView(lc lineContext, registry *taxonomy.Registry) LineItemCarrierView {
	view := LineItemCarrierView{
		LineItemView:      supplierLineView(lc),
		TaxonomyCode:      lc.line.TaxonomyCode,
		BillingComponent:  lc.line.BillingComponent,
		MappedUnitModel:   lc.line.MappedUnitModel,
		MappingConfidence: lc.line.MappingConfidence,
		MappedRate:        lc.line.MappedRate,
	}
	if item, err := registry.Lookup(lc.line.TaxonomyCode); err == nil {
		view.TaxonomyLabel = item.Label
	}
	return view
}

// buildValidationSummary rolls line outcomes into the invoice-level
// totals. Returns nil when the invoice has no processed lines yet.
func buildValidationSummary(contexts []lineContext) *ValidationSummary {
	if len(contexts) == 0 {
		return nil
	}
	summary := &ValidationSummary{TotalLines: len(contexts)}
	for _, lc := range contexts {
		summary.TotalBilled = summary.TotalBilled.Add(lc.line.RawAmount)
		if lc.line.Status == billing.LineDenied {
			summary.LinesDenied++
			summary.TotalDenied = summary.TotalDenied.Add(lc.line.RawAmount)
			continue
		}
		hasError := false
		for _, res := range lc.results {
			if res.Status == billing.ValidationFail {
				hasError = true
				break
			}
		}
		if hasError {
			summary.LinesWithExceptions++
			summary.TotalInDispute = summary.TotalInDispute.Add(lc.line.RawAmount)
		} else {
			summary.LinesValidated++
			payable := lc.line.RawAmount
			if lc.line.ExpectedAmount != nil {
				payable = *lc.line.ExpectedAmount
			}
			summary.TotalPayable = summary.TotalPayable.Add(payable)
		}
		if needsReview(&lc.line) && !hasError {
			summary.LinesPendingReview++
		}
	}
	return summary
}

func invoiceResponse(inv *billing.Invoice, summary *ValidationSummary) InvoiceResponse {
	return InvoiceResponse{
		ID:                inv.ID,
		SupplierID:        inv.SupplierID,
		ContractID:        inv.ContractID,
		InvoiceNumber:     inv.InvoiceNumber,
		InvoiceDate:       inv.InvoiceDate,
		Status:            inv.Status,
		CurrentVersion:    inv.CurrentVersion,
		FileFormat:        inv.FileFormat,
		SubmittedAt:       inv.SubmittedAt,
		SubmissionNotes:   inv.SubmissionNotes,
		CreatedAt:         inv.CreatedAt,
		UpdatedAt:         inv.UpdatedAt,
		ValidationSummary: summary,
	}
}

// loadInvoiceListItem builds the compact list row: billed total over
// current-version lines and a count of still-open exceptions.
func loadInvoiceListItem(ctx context.Context, st store.Store, inv *billing.Invoice) (InvoiceListItem, error) {
	item := InvoiceListItem{
		ID:             inv.ID,
		InvoiceNumber:  inv.InvoiceNumber,
		InvoiceDate:    inv.InvoiceDate,
		Status:         inv.Status,
		CurrentVersion: inv.CurrentVersion,
		SubmittedAt:    inv.SubmittedAt,
	}
	lines, err := st.ListLineItems(ctx, inv.ID, inv.CurrentVersion)
	if err != nil {
		return item, err
	}
	for _, line := range lines {
		item.TotalBilled = item.TotalBilled.Add(line.RawAmount)
	}
	excs, err := st.ListInvoiceExceptions(ctx, inv.ID)
	if err != nil {
		return item, err
	}
	for _, exc := range excs {
		if exc.Status == billing.ExceptionOpen {
			item.ExceptionCount++
		}
	}
	return item, nil
}
