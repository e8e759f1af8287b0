// Package pipeline drives one uploaded invoice through the processing
// pass: parse the file, classify every line against the taxonomy,
// validate against the contract, and leave the invoice in
// PENDING_CARRIER_REVIEW or REVIEW_REQUIRED with each decision written
// to the audit log.
//
// All writes for a run land in a single transaction. Only the
// PROCESSING marker commits separately, so observers see the run start;
// a failed run compensates the marker back to SUBMITTED so the upload
// can be retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearbill/backend/internal/audit"
	"github.com/clearbill/backend/internal/billing"
	"github.com/clearbill/backend/internal/classify"
	"github.com/clearbill/backend/internal/config"
	"github.com/clearbill/backend/internal/ingest"
	"github.com/clearbill/backend/internal/metrics"
	"github.com/clearbill/backend/internal/store"
	"github.com/clearbill/backend/internal/validate"
)

var logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)

// maxArtifactText caps the raw extraction text persisted per version.
const maxArtifactText = 50000

// Summary is what a pipeline run reports back to the caller.
//
// LinesError counts error findings, not lines; one line can carry
// several. LinesPass counts lines that finished with zero errors.
type Summary struct {
	InvoiceID      uuid.UUID                `json:"invoice_id"`
	Status         billing.SubmissionStatus `json:"status"`
	LinesProcessed int                      `json:"lines_processed"`
	LinesPass      int                      `json:"lines_pass"`
	LinesError     int                      `json:"lines_error"`
	LinesWarning   int                      `json:"lines_warning"`
	ParseWarnings  []string                 `json:"parse_warnings,omitempty"`
	Skipped        bool                     `json:"skipped,omitempty"`
	Error          string                   `json:"error,omitempty"`
}

// FileLoader fetches a stored invoice file by its storage path.
type FileLoader interface {
	Load(ctx context.Context, path string) ([]byte, error)
}

// Orchestrator runs the processing pass for one invoice at a time.
type Orchestrator struct {
	store   store.Store
	metrics *metrics.Metrics
	config  *config.Manager
}

// New returns an Orchestrator backed by the given store.
func New(st store.Store) *Orchestrator {
	return &Orchestrator{store: st}
}

// SetMetrics attaches the domain collectors. Optional; without them
// runs record nothing.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// SetConfig attaches the config manager so carriers with a stricter or
// looser rate tolerance get it applied during validation. Optional;
// without it the validator default applies.
func (o *Orchestrator) SetConfig(mgr *config.Manager) {
	o.config = mgr
}

// =============================================================================
// ENTRY POINTS
// =============================================================================

// ProcessStored loads the invoice's current file from storage and runs
// Process. Queue workers use this entry; a load failure returns before
// any status change, so the invoice stays SUBMITTED and the job can be
// retried.
func (o *Orchestrator) ProcessStored(ctx context.Context, loader FileLoader, invoiceID uuid.UUID) (*Summary, error) {
	invoice, err := o.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("load invoice %s: %w", invoiceID, err)
	}
	data, err := loader.Load(ctx, invoice.RawFilePath)
	if err != nil {
		return nil, fmt.Errorf("load file %s: %w", invoice.RawFilePath, err)
	}
	return o.Process(ctx, invoiceID, data, path.Base(invoice.RawFilePath))
}

// Process runs the full pass for the invoice's current version.
func (o *Orchestrator) Process(ctx context.Context, invoiceID uuid.UUID, fileBytes []byte, filename string) (*Summary, error) {
	start := time.Now()
	invoice, err := o.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("load invoice %s: %w", invoiceID, err)
	}

	// A redelivered job for a version that already has line items is a
	// no-op. Audit events are never deduplicated, so the check runs
	// before any write.
	existing, err := o.store.CountLineItems(ctx, invoice.ID, invoice.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("count line items for invoice %s: %w", invoice.ID, err)
	}
	if existing > 0 {
		logger.Printf("invoice %s v%d already has %d line items, skipping", invoice.ID, invoice.CurrentVersion, existing)
		o.metrics.RecordPipelineSkip()
		return &Summary{InvoiceID: invoice.ID, Status: invoice.Status, Skipped: true}, nil
	}

	from := invoice.Status
	err = o.store.InTransaction(ctx, func(tx store.Store) error {
		if err := tx.TransitionInvoice(ctx, invoice.ID, from, billing.StatusProcessing); err != nil {
			return err
		}
		audit.NewRecorder(tx).InvoiceStatusChanged(ctx, invoice, from, billing.StatusProcessing, billing.ActorSystem, nil)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark invoice %s processing: %w", invoice.ID, err)
	}
	invoice.Status = billing.StatusProcessing
	logger.Printf("processing invoice %s v%d (%s, %d bytes)", invoice.ID, invoice.CurrentVersion, filename, len(fileBytes))

	// Parsing touches no state, so it runs outside the transaction.
	parsed, _, err := ingest.Parse(fileBytes, filename)
	if err != nil {
		var parseErr *ingest.ParseError
		if errors.As(err, &parseErr) {
			summary, failErr := o.fail(ctx, invoice, parseErr.Error())
			if failErr != nil {
				return nil, failErr
			}
			o.metrics.RecordPipelineRun(string(summary.Status), time.Since(start).Seconds())
			return summary, nil
		}
		o.metrics.RecordPipelineFailure()
		o.compensate(ctx, invoice)
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	summary := &Summary{InvoiceID: invoice.ID, ParseWarnings: parsed.Warnings}
	err = o.store.InTransaction(ctx, func(tx store.Store) error {
		return o.run(ctx, tx, invoice, parsed, summary)
	})
	if err != nil {
		o.metrics.RecordPipelineFailure()
		o.compensate(ctx, invoice)
		return nil, err
	}
	o.metrics.RecordPipelineRun(string(summary.Status), time.Since(start).Seconds())
	return summary, nil
}

// =============================================================================
// RUN BODY
// =============================================================================

// run executes the classify-and-validate pass inside one transaction.
func (o *Orchestrator) run(ctx context.Context, tx store.Store, invoice *billing.Invoice, parsed *ingest.ParseResult, summary *Summary) error {
	rec := audit.NewRecorder(tx)

	// The extraction artifact hangs off the version row; without one
	// there is nowhere to attach it.
	version, err := tx.GetInvoiceVersion(ctx, invoice.ID, invoice.CurrentVersion)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load invoice version: %w", err)
	}
	if version != nil {
		artifact := &billing.ExtractionArtifact{
			InvoiceVersionID: version.ID,
			RawText:          truncate(parsed.RawText, maxArtifactText),
			ExtractionMethod: parsed.ExtractionMethod,
			Metadata: map[string]interface{}{
				"warnings":   parsed.Warnings,
				"line_count": len(parsed.LineItems),
			},
		}
		if err := tx.InsertArtifact(ctx, artifact); err != nil {
			return fmt.Errorf("persist extraction artifact: %w", err)
		}
	}

	contract, err := tx.GetContract(ctx, invoice.ContractID)
	if errors.Is(err, store.ErrNotFound) {
		return o.failInTx(ctx, tx, invoice, summary, "contract not found for invoice")
	}
	if err != nil {
		return fmt.Errorf("load contract %s: %w", invoice.ContractID, err)
	}
	guidelines, err := tx.ActiveGuidelines(ctx, contract.ID)
	if err != nil {
		return fmt.Errorf("load guidelines for contract %s: %w", contract.ID, err)
	}

	classifier := classify.New(tx)
	rates := validate.NewRateValidator(tx)
	if o.config != nil {
		if tol := o.config.Get(contract.CarrierID.String()).Validation.RateTolerance; tol > 0 {
			rates = rates.WithTolerance(decimal.NewFromFloat(tol))
		}
	}
	guides := validate.NewGuidelineValidator()

	totalErrors, totalWarnings, passed := 0, 0, 0
	for _, raw := range parsed.LineItems {
		lineErrors, lineWarnings, err := o.processLine(ctx, tx, rec, invoice, contract, guidelines, classifier, rates, guides, raw)
		if err != nil {
			return err
		}
		totalErrors += lineErrors
		totalWarnings += lineWarnings
		if lineErrors == 0 {
			passed++
		}
	}

	to := billing.StatusPendingCarrierReview
	if totalErrors > 0 {
		to = billing.StatusReviewRequired
	}
	if err := tx.TransitionInvoice(ctx, invoice.ID, billing.StatusProcessing, to); err != nil {
		return err
	}
	rec.InvoiceStatusChanged(ctx, invoice, billing.StatusProcessing, to, billing.ActorSystem, nil)

	summary.Status = to
	summary.LinesProcessed = len(parsed.LineItems)
	summary.LinesPass = passed
	summary.LinesError = totalErrors
	summary.LinesWarning = totalWarnings
	logger.Printf("invoice %s processed: status=%s lines=%d pass=%d errors=%d warnings=%d",
		invoice.ID, to, len(parsed.LineItems), passed, totalErrors, totalWarnings)
	return nil
}

// processLine inserts, classifies, and validates one parsed line. The
// returned counts are error and warning findings for the line.
func (o *Orchestrator) processLine(ctx context.Context, tx store.Store, rec *audit.Recorder, invoice *billing.Invoice, contract *billing.Contract, guidelines []billing.Guideline, classifier *classify.Classifier, rates *validate.RateValidator, guides *validate.GuidelineValidator, raw ingest.RawLineItem) (int, int, error) {
	line := &billing.LineItem{
		InvoiceID:      invoice.ID,
		InvoiceVersion: invoice.CurrentVersion,
		LineNumber:     raw.LineNumber,
		Status:         billing.LinePending,
		RawDescription: raw.RawDescription,
		RawCode:        raw.RawCode,
		RawAmount:      raw.RawAmount,
		RawQuantity:    raw.RawQuantity,
		RawUnit:        raw.RawUnit,
		ClaimNumber:    raw.ClaimNumber,
		ServiceDate:    raw.ServiceDate,
	}
	if err := tx.InsertLineItem(ctx, line); err != nil {
		return 0, 0, fmt.Errorf("insert line %d: %w", raw.LineNumber, err)
	}

	result := classifier.Classify(ctx, raw.RawDescription, raw.RawCode, &invoice.SupplierID)
	line.TaxonomyCode = result.TaxonomyCode
	line.BillingComponent = result.BillingComponent
	line.MappingConfidence = result.Confidence
	if result.Confidence == billing.ConfidenceUnrecognized {
		// UNRECOGNIZED is a classification outcome, not a stored
		// confidence grade.
		line.MappingConfidence = billing.ConfidenceLow
	}
	line.MappingRuleID = result.MatchedRuleID
	line.Status = billing.LineClassified
	if err := tx.UpdateLineItem(ctx, line); err != nil {
		return 0, 0, fmt.Errorf("classify line %d: %w", raw.LineNumber, err)
	}
	rec.LineItemClassified(ctx, line, result.MatchType, result.MatchExplanation)
	o.metrics.RecordClassification(result.Confidence)

	// An unrecognized description raises a classification exception and
	// short-circuits validation; there is no taxonomy code to validate
	// against, and expected_amount stays unset.
	if !result.Recognized() {
		vr := &billing.ValidationResult{
			LineItemID:     line.ID,
			ValidationType: billing.ValidationClassification,
			Status:         billing.ValidationFail,
			Severity:       billing.SeverityError,
			Message: fmt.Sprintf(
				"Service description could not be classified: '%s'. Please provide a clearer description or request manual reclassification.",
				raw.RawDescription),
			RequiredAction: billing.ActionRequestReclassify,
		}
		if err := tx.InsertValidationResult(ctx, vr); err != nil {
			return 0, 0, fmt.Errorf("record classification failure for line %d: %w", raw.LineNumber, err)
		}
		o.metrics.RecordFinding(string(vr.ValidationType), string(vr.Status))
		exc := &billing.ExceptionRecord{
			LineItemID:         line.ID,
			ValidationResultID: vr.ID,
			Status:             billing.ExceptionOpen,
		}
		if err := tx.InsertExceptionRecord(ctx, exc); err != nil {
			return 0, 0, fmt.Errorf("open classification exception for line %d: %w", raw.LineNumber, err)
		}
		o.metrics.ExceptionOpened()
		line.Status = billing.LineException
		if err := tx.UpdateLineItem(ctx, line); err != nil {
			return 0, 0, fmt.Errorf("flag line %d: %w", raw.LineNumber, err)
		}
		o.metrics.RecordLineOutcome(string(line.Status))
		return 1, 0, nil
	}

	errorCount, warningCount := 0, 0
	expected := raw.RawAmount
	expectedSet := false

	findings, err := rates.Validate(ctx, line, contract)
	if err != nil {
		return 0, 0, fmt.Errorf("rate validation for line %d: %w", raw.LineNumber, err)
	}
	for i := range findings {
		f := &findings[i]
		vr := resultFromFinding(line.ID, f)
		if err := tx.InsertValidationResult(ctx, vr); err != nil {
			return 0, 0, fmt.Errorf("record rate finding for line %d: %w", raw.LineNumber, err)
		}
		o.metrics.RecordFinding(string(vr.ValidationType), string(vr.Status))
		switch f.Status {
		case billing.ValidationFail:
			if err := o.openException(ctx, tx, rec, line, vr); err != nil {
				return 0, 0, err
			}
			errorCount++
			// The first monetary expected value becomes the line's
			// expected_amount. Non-monetary values ("max 2 units")
			// leave it at the billed amount.
			if !expectedSet {
				if amt, ok := parseMoney(f.ExpectedValue); ok {
					expected = amt
					expectedSet = true
				}
			}
		case billing.ValidationWarn:
			warningCount++
		}
	}

	// Guideline findings never adjust expected_amount; the carrier
	// decides those on review.
	gFindings := guides.Validate(line, guidelines)
	for i := range gFindings {
		f := &gFindings[i]
		vr := resultFromFinding(line.ID, f)
		if err := tx.InsertValidationResult(ctx, vr); err != nil {
			return 0, 0, fmt.Errorf("record guideline finding for line %d: %w", raw.LineNumber, err)
		}
		o.metrics.RecordFinding(string(vr.ValidationType), string(vr.Status))
		switch f.Status {
		case billing.ValidationFail:
			if err := o.openException(ctx, tx, rec, line, vr); err != nil {
				return 0, 0, err
			}
			errorCount++
		case billing.ValidationWarn:
			warningCount++
		}
	}

	line.Status = billing.LineValidated
	if errorCount > 0 {
		line.Status = billing.LineException
	}
	line.ExpectedAmount = &expected
	if err := tx.UpdateLineItem(ctx, line); err != nil {
		return 0, 0, fmt.Errorf("finalize line %d: %w", raw.LineNumber, err)
	}
	o.metrics.RecordLineOutcome(string(line.Status))
	return errorCount, warningCount, nil
}

// openException opens an OPEN exception for a FAIL finding and records
// it on the audit trail.
func (o *Orchestrator) openException(ctx context.Context, tx store.Store, rec *audit.Recorder, line *billing.LineItem, vr *billing.ValidationResult) error {
	exc := &billing.ExceptionRecord{
		LineItemID:         line.ID,
		ValidationResultID: vr.ID,
		Status:             billing.ExceptionOpen,
	}
	if err := tx.InsertExceptionRecord(ctx, exc); err != nil {
		return fmt.Errorf("open exception for line %d: %w", line.LineNumber, err)
	}
	rec.ExceptionOpened(ctx, line, vr)
	o.metrics.ExceptionOpened()
	return nil
}

// =============================================================================
// FAILURE PATHS
// =============================================================================

// fail parks the invoice in REVIEW_REQUIRED with the reason on the
// audit trail. Parse failures land here; the uploaded file is kept for
// the supplier to correct and resubmit.
func (o *Orchestrator) fail(ctx context.Context, invoice *billing.Invoice, reason string) (*Summary, error) {
	summary := &Summary{InvoiceID: invoice.ID}
	err := o.store.InTransaction(ctx, func(tx store.Store) error {
		return o.failInTx(ctx, tx, invoice, summary, reason)
	})
	if err != nil {
		return nil, fmt.Errorf("fail invoice %s: %w", invoice.ID, err)
	}
	return summary, nil
}

func (o *Orchestrator) failInTx(ctx context.Context, tx store.Store, invoice *billing.Invoice, summary *Summary, reason string) error {
	logger.Printf("invoice %s failed processing: %s", invoice.ID, reason)
	if err := tx.TransitionInvoice(ctx, invoice.ID, billing.StatusProcessing, billing.StatusReviewRequired); err != nil {
		return err
	}
	audit.NewRecorder(tx).Record(ctx, billing.EntityInvoice, invoice.ID, billing.EventInvoiceStatusChanged,
		billing.ActorSystem, nil, map[string]interface{}{
			"from_status":    string(billing.StatusProcessing),
			"to_status":      string(billing.StatusReviewRequired),
			"invoice_number": invoice.InvoiceNumber,
			"error":          reason,
		})
	summary.Status = billing.StatusReviewRequired
	summary.Error = reason
	return nil
}

// compensate reverts the PROCESSING marker after a failed run so the
// invoice can be retried or resubmitted.
func (o *Orchestrator) compensate(ctx context.Context, invoice *billing.Invoice) {
	err := o.store.InTransaction(ctx, func(tx store.Store) error {
		if err := tx.TransitionInvoice(ctx, invoice.ID, billing.StatusProcessing, billing.StatusSubmitted); err != nil {
			return err
		}
		audit.NewRecorder(tx).InvoiceStatusChanged(ctx, invoice, billing.StatusProcessing, billing.StatusSubmitted, billing.ActorSystem, nil)
		return nil
	})
	if err != nil {
		logger.Printf("WARNING: invoice %s left in PROCESSING, revert failed: %v", invoice.ID, err)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func resultFromFinding(lineItemID uuid.UUID, f *validate.Finding) *billing.ValidationResult {
	return &billing.ValidationResult{
		LineItemID:     lineItemID,
		ValidationType: f.ValidationType,
		RateCardID:     f.RateCardID,
		GuidelineID:    f.GuidelineID,
		Status:         f.Status,
		Severity:       f.Severity,
		Message:        f.Message,
		ExpectedValue:  f.ExpectedValue,
		ActualValue:    f.ActualValue,
		RequiredAction: f.RequiredAction,
	}
}

// parseMoney reads a display value like "$1,250.00".
func parseMoney(display string) (decimal.Decimal, bool) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(display, "$", ""), ",", ""))
	if cleaned == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
