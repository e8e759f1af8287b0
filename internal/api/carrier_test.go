package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearbill/backend/internal/billing"
)

// reviewedInvoice walks an invoice through the exception round-trip
// until it sits in CARRIER_REVIEWING: overbilled upload, supplier
// response, carrier resolution holding the contract rate.
func (f *fixture) reviewedInvoice(number string) uuid.UUID {
	f.t.Helper()
	id := f.createInvoice(number)
	excID := f.openException(id)

	rr := f.do(http.MethodPost, "/api/v1/supplier/exceptions/"+excID.String()+"/respond", f.supplierToken, map[string]string{
		"supplier_response": "Exam ran long; see attached report.",
	})
	require.Equal(f.t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(http.MethodPost, "/api/v1/carrier/exceptions/"+excID.String()+"/resolve", f.carrierToken, map[string]string{
		"resolution_action": string(billing.ResolutionHeldContractRate),
		"resolution_notes":  "Contract rate stands.",
	})
	require.Equal(f.t, http.StatusOK, rr.Code, rr.Body.String())

	inv := f.mustGetInvoice(id)
	require.Equal(f.t, billing.StatusCarrierReviewing, inv.Status)
	return id
}

// =============================================================================
// REVIEW QUEUE
// =============================================================================

func TestCarrierQueueListsPendingInvoices(t *testing.T) {
	f := newFixture(t)
	first := f.createInvoice("INV-Q-1")
	f.uploadInvoice(first, cleanCSV)
	second := f.createInvoice("INV-Q-2")
	f.uploadInvoice(second, cleanCSV)

	rr := f.do(http.MethodGet, "/api/v1/carrier/invoices", f.carrierToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var items []InvoiceListItem
	f.decode(rr, &items)
	require.Len(t, items, 2)
	// Oldest submission first.
	assert.Equal(t, "INV-Q-1", items[0].InvoiceNumber)
	assert.Equal(t, "INV-Q-2", items[1].InvoiceNumber)
}

func TestCarrierQueueFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-QF-1")
	f.uploadInvoice(id, overbillCSV) // lands in REVIEW_REQUIRED

	rr := f.do(http.MethodGet, "/api/v1/carrier/invoices", f.carrierToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var pending []InvoiceListItem
	f.decode(rr, &pending)
	assert.Empty(t, pending)

	rr = f.do(http.MethodGet, "/api/v1/carrier/invoices?status_filter=REVIEW_REQUIRED", f.carrierToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var flagged []InvoiceListItem
	f.decode(rr, &flagged)
	require.Len(t, flagged, 1)
	assert.Equal(t, "INV-QF-1", flagged[0].InvoiceNumber)
}

func TestCarrierQueueRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodGet, "/api/v1/carrier/invoices?status_filter=LIMBO", f.carrierToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestCarrierCannotSeeForeignInvoice(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-FOREIGN-1")
	f.uploadInvoice(id, cleanCSV)

	ctx := context.Background()
	other := &billing.Carrier{Name: "Rival Assurance", ShortCode: "RVL", IsActive: true}
	require.NoError(t, f.store.InsertCarrier(ctx, other))
	outsider := &billing.User{
		Email:     "ap@rival.example",
		Role:      billing.RoleCarrierAdmin,
		CarrierID: &other.ID,
		IsActive:  true,
	}
	require.NoError(t, f.store.InsertUser(ctx, outsider))

	rr := f.do(http.MethodGet, "/api/v1/carrier/invoices/"+id.String(), f.token(outsider), nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "Access denied", f.detail(rr))
}

// =============================================================================
// APPROVAL
// =============================================================================

func TestApproveCleanInvoice(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-APPR-1")
	f.uploadInvoice(id, cleanCSV)

	rr := f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/approve", f.carrierToken, map[string]string{})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		LinesApproved    int `json:"lines_approved"`
		ExceptionsWaived int `json:"exceptions_waived"`
	}
	f.decode(rr, &resp)
	assert.Equal(t, 1, resp.LinesApproved)
	assert.Equal(t, 0, resp.ExceptionsWaived)

	inv := f.mustGetInvoice(id)
	assert.Equal(t, billing.StatusApproved, inv.Status)

	lines, err := f.store.ListLineItems(context.Background(), id, inv.CurrentVersion)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, billing.LineApproved, lines[0].Status)
}

func TestApproveWaivesOpenExceptions(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-APPR-2")
	excID := f.openException(id)

	rr := f.do(http.MethodPost, "/api/v1/supplier/exceptions/"+excID.String()+"/respond", f.supplierToken, map[string]string{
		"supplier_response": "Please reconsider.",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/approve", f.carrierToken, map[string]string{
		"notes": "Accepted as billed for this cycle.",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ctx := context.Background()
	exc, err := f.store.GetExceptionRecord(ctx, excID)
	require.NoError(t, err)
	assert.Equal(t, billing.ExceptionWaived, exc.Status)
	assert.Equal(t, billing.ResolutionWaived, exc.ResolutionAction)
	assert.Equal(t, "Accepted as billed for this cycle.", exc.ResolutionNotes)

	assert.Equal(t, billing.StatusApproved, f.mustGetInvoice(id).Status)
}

func TestApproveRejectsDraft(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-APPR-3")

	rr := f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/approve", f.carrierToken, map[string]string{})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, f.detail(rr), "Cannot approve invoice in status 'DRAFT'")
	// The message enumerates every status approve actually accepts.
	assert.Contains(t, f.detail(rr), "PENDING_CARRIER_REVIEW, CARRIER_REVIEWING, or SUPPLIER_RESPONDED")
}

// =============================================================================
// REQUEST CHANGES
// =============================================================================

func TestRequestChangesReturnsInvoiceToSupplier(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-RC-1")
	f.uploadInvoice(id, cleanCSV)

	rr := f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/request-changes", f.carrierToken, map[string]string{
		"carrier_notes": "Claim numbers missing on the line detail.",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	inv := f.mustGetInvoice(id)
	assert.Equal(t, billing.StatusReviewRequired, inv.Status)

	events, err := f.store.ListAuditEvents(context.Background(), billing.EntityInvoice, id)
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.EventType == billing.EventInvoiceChangesRequested {
			found = true
			assert.Equal(t, "Claim numbers missing on the line detail.", ev.Payload["carrier_notes"])
		}
	}
	assert.True(t, found, "expected a changes_requested audit event")
}

func TestRequestChangesRequiresNotes(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-RC-2")
	f.uploadInvoice(id, cleanCSV)

	rr := f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/request-changes", f.carrierToken, map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

// =============================================================================
// EXCEPTION RESOLUTION
// =============================================================================

func TestResolveExceptionDeniesLine(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-RES-1")
	excID := f.openException(id)

	rr := f.do(http.MethodPost, "/api/v1/carrier/exceptions/"+excID.String()+"/resolve", f.carrierToken, map[string]string{
		"resolution_action": string(billing.ResolutionDenied),
		"resolution_notes":  "Service not covered under contract.",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ctx := context.Background()
	exc, err := f.store.GetExceptionRecord(ctx, excID)
	require.NoError(t, err)
	assert.Equal(t, billing.ExceptionResolved, exc.Status)
	assert.Equal(t, billing.ResolutionDenied, exc.ResolutionAction)
	require.NotNil(t, exc.ResolvedAt)
	require.NotNil(t, exc.ResolvedByUserID)
	assert.Equal(t, f.carrierUser.ID, *exc.ResolvedByUserID)

	line, err := f.store.GetLineItem(ctx, exc.LineItemID)
	require.NoError(t, err)
	assert.Equal(t, billing.LineDenied, line.Status)
}

func TestResolveExceptionRejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	excID := f.openException(f.createInvoice("INV-RES-2"))

	rr := f.do(http.MethodPost, "/api/v1/carrier/exceptions/"+excID.String()+"/resolve", f.carrierToken, map[string]string{
		"resolution_action": "SHREDDED",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, f.detail(rr), "Invalid resolution_action 'SHREDDED'")
}

func TestResolveExceptionTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	excID := f.openException(f.createInvoice("INV-RES-3"))

	body := map[string]string{"resolution_action": string(billing.ResolutionWaived)}
	first := f.do(http.MethodPost, "/api/v1/carrier/exceptions/"+excID.String()+"/resolve", f.carrierToken, body)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodPost, "/api/v1/carrier/exceptions/"+excID.String()+"/resolve", f.carrierToken, body)
	require.Equal(t, http.StatusConflict, second.Code)
}

// =============================================================================
// DISPUTE
// =============================================================================

func TestDisputeAndResumeReview(t *testing.T) {
	f := newFixture(t)
	id := f.reviewedInvoice("INV-DISP-1")

	rr := f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/dispute", f.carrierToken, map[string]string{
		"dispute_reason": "Contract interpretation escalated to legal.",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, billing.StatusDisputed, f.mustGetInvoice(id).Status)

	events, err := f.store.ListAuditEvents(context.Background(), billing.EntityInvoice, id)
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.EventType == billing.EventInvoiceDisputed {
			found = true
			assert.Equal(t, "Contract interpretation escalated to legal.", ev.Payload["dispute_reason"])
		}
	}
	assert.True(t, found, "expected an invoice.disputed audit event")

	// A disputed invoice cannot be approved until review resumes.
	rr = f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/approve", f.carrierToken, map[string]string{})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/resume-review", f.carrierToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, billing.StatusCarrierReviewing, f.mustGetInvoice(id).Status)

	rr = f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/approve", f.carrierToken, map[string]string{})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestDisputeRejectsPendingReview(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-DISP-2")
	f.uploadInvoice(id, cleanCSV)

	rr := f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/dispute", f.carrierToken, map[string]string{
		"dispute_reason": "Premature.",
	})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, f.detail(rr), "Invoice must be in CARRIER_REVIEWING")
}

func TestResumeReviewRejectsUndisputed(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-DISP-3")
	f.uploadInvoice(id, cleanCSV)

	rr := f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/resume-review", f.carrierToken, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, f.detail(rr), "Invoice must be in DISPUTED")
}

// =============================================================================
// EXPORT
// =============================================================================

func TestExportApprovedInvoice(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-EXP-1")
	f.uploadInvoice(id, cleanCSV)
	rr := f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/approve", f.carrierToken, map[string]string{})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodGet, "/api/v1/carrier/invoices/"+id.String()+"/export", f.carrierToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "INV-EXP-1")
	assert.Contains(t, rr.Body.String(), "Records Review - No Exam")

	assert.Equal(t, billing.StatusExported, f.mustGetInvoice(id).Status)
}

func TestExportRejectsUnapprovedInvoice(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-EXP-2")
	f.uploadInvoice(id, cleanCSV)

	rr := f.do(http.MethodGet, "/api/v1/carrier/invoices/"+id.String()+"/export", f.carrierToken, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, f.detail(rr), "Invoice must be APPROVED before export")
}

func TestExportTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-EXP-3")
	f.uploadInvoice(id, cleanCSV)
	rr := f.do(http.MethodPost, "/api/v1/carrier/invoices/"+id.String()+"/approve", f.carrierToken, map[string]string{})
	require.Equal(t, http.StatusOK, rr.Code)

	first := f.do(http.MethodGet, "/api/v1/carrier/invoices/"+id.String()+"/export", f.carrierToken, nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodGet, "/api/v1/carrier/invoices/"+id.String()+"/export", f.carrierToken, nil)
	require.Equal(t, http.StatusConflict, second.Code)
}
