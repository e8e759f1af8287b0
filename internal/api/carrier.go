package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clearbill/backend/internal/audit"
	"github.com/clearbill/backend/internal/billing"
	"github.com/clearbill/backend/internal/export"
	"github.com/clearbill/backend/internal/middleware"
	"github.com/clearbill/backend/internal/store"
)

// carrierIdentity is the authenticated carrier behind a request.
type carrierIdentity struct {
	carrierID uuid.UUID
	actorID   uuid.UUID
}

func (s *Server) carrierIdentity(w http.ResponseWriter, r *http.Request) (carrierIdentity, bool) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return carrierIdentity{}, false
	}
	carrierID, ok := claims.Carrier()
	if !ok {
		writeDetail(w, http.StatusForbidden, "User is not associated with a carrier")
		return carrierIdentity{}, false
	}
	actorID, err := claims.ActorID()
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return carrierIdentity{}, false
	}
	return carrierIdentity{carrierID: carrierID, actorID: actorID}, true
}

// carrierInvoice loads the invoice in the path and checks that its
// contract belongs to the caller's carrier.
func (s *Server) carrierInvoice(w http.ResponseWriter, r *http.Request, id carrierIdentity) (*billing.Invoice, bool) {
	invoiceID, ok := pathUUID(w, r, "invoice_id")
	if !ok {
		return nil, false
	}
	ctx := r.Context()
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		respondStoreError(w, err, "Invoice not found")
		return nil, false
	}
	contract, err := s.store.GetContract(ctx, inv.ContractID)
	if err != nil {
		internalError(w, err)
		return nil, false
	}
	if contract.CarrierID != id.carrierID {
		writeDetail(w, http.StatusForbidden, "Access denied")
		return nil, false
	}
	return inv, true
}

// =============================================================================
// REVIEW QUEUE
// =============================================================================

// handleCarrierListInvoices is the carrier work queue. It defaults to
// invoices awaiting first review and serves them oldest submission
// first, so nothing starves at the back of the queue.
func (s *Server) handleCarrierListInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := s.carrierIdentity(w, r)
	if !ok {
		return
	}
	statusParam := r.URL.Query().Get("status_filter")
	if statusParam == "" {
		statusParam = string(billing.StatusPendingCarrierReview)
	}
	status := billing.SubmissionStatus(statusParam)
	if !status.Valid() {
		writeDetail(w, http.StatusUnprocessableEntity, "Unknown status '%s'", statusParam)
		return
	}

	ctx := r.Context()
	invoices, err := s.store.ListInvoicesByStatus(ctx, status)
	if err != nil {
		internalError(w, err)
		return
	}
	carrierOf := make(map[uuid.UUID]uuid.UUID)
	var mine []billing.Invoice
	for _, inv := range invoices {
		owner, cached := carrierOf[inv.ContractID]
		if !cached {
			contract, err := s.store.GetContract(ctx, inv.ContractID)
			if err != nil {
				internalError(w, err)
				return
			}
			owner = contract.CarrierID
			carrierOf[inv.ContractID] = owner
		}
		if owner == id.carrierID {
			mine = append(mine, inv)
		}
	}
	sort.SliceStable(mine, func(i, j int) bool {
		ti, tj := mine[i].SubmittedAt, mine[j].SubmittedAt
		switch {
		case ti == nil && tj == nil:
			return mine[i].CreatedAt.Before(mine[j].CreatedAt)
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.Before(*tj)
		}
	})
	if limit := s.config.Get(id.carrierID.String()).Review.QueueLimit; limit > 0 && len(mine) > limit {
		mine = mine[:limit]
	}

	items := make([]InvoiceListItem, 0, len(mine))
	for i := range mine {
		item, err := loadInvoiceListItem(ctx, s.store, &mine[i])
		if err != nil {
			internalError(w, err)
			return
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCarrierGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.carrierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.carrierInvoice(w, r, id)
	if !ok {
		return
	}
	contexts, err := loadLineContexts(r.Context(), s.store, inv)
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceResponse(inv, buildValidationSummary(contexts)))
}

func (s *Server) handleCarrierListLines(w http.ResponseWriter, r *http.Request) {
	id, ok := s.carrierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.carrierInvoice(w, r, id)
	if !ok {
		return
	}
	contexts, err := loadLineContexts(r.Context(), s.store, inv)
	if err != nil {
		internalError(w, err)
		return
	}
	views := make([]LineItemCarrierView, 0, len(contexts))
	for _, lc := range contexts {
		views = append(views, carrierLineView(lc, s.registry))
	}
	writeJSON(w, http.StatusOK, views)
}

// =============================================================================
// APPROVAL
// =============================================================================

// ApproveRequest is the optional approval payload. Notes, when given,
// are stamped onto every exception waived by the approval.
type ApproveRequest struct {
	Notes string `json:"notes"`
}

// handleApproveInvoice approves an invoice wholesale: remaining open
// exceptions are waived, eligible lines move to APPROVED, and the
// invoice becomes exportable. A SUPPLIER_RESPONDED invoice passes
// through CARRIER_REVIEWING on the way so every recorded transition is
// a permitted edge.
func (s *Server) handleApproveInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.carrierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.carrierInvoice(w, r, id)
	if !ok {
		return
	}
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeDetail(w, http.StatusUnprocessableEntity, "Malformed request body: %v", err)
		return
	}
	switch inv.Status {
	case billing.StatusPendingCarrierReview, billing.StatusCarrierReviewing, billing.StatusSupplierResponded:
	default:
		writeDetail(w, http.StatusConflict,
			"Cannot approve invoice in status '%s'. Invoice must be in PENDING_CARRIER_REVIEW, CARRIER_REVIEWING, or SUPPLIER_RESPONDED.", inv.Status)
		return
	}

	ctx := r.Context()
	from := inv.Status
	waived, approved := 0, 0
	err := s.store.InTransaction(ctx, func(tx store.Store) error {
		rec := audit.NewRecorder(tx)
		cur := from
		if cur == billing.StatusSupplierResponded {
			if err := tx.TransitionInvoice(ctx, inv.ID, cur, billing.StatusCarrierReviewing); err != nil {
				return err
			}
			rec.InvoiceStatusChanged(ctx, inv, cur, billing.StatusCarrierReviewing, billing.ActorCarrier, &id.actorID)
			cur = billing.StatusCarrierReviewing
		}

		excs, err := tx.ListInvoiceExceptions(ctx, inv.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for i := range excs {
			exc := &excs[i]
			if exc.Status == billing.ExceptionResolved || exc.Status == billing.ExceptionWaived {
				continue
			}
			if err := billing.GuardExceptionTransition(exc.ID, exc.Status, billing.ExceptionWaived); err != nil {
				return err
			}
			exc.Status = billing.ExceptionWaived
			exc.ResolutionAction = billing.ResolutionWaived
			exc.ResolutionNotes = req.Notes
			if exc.ResolutionNotes == "" {
				exc.ResolutionNotes = "Waived on invoice approval"
			}
			exc.ResolvedAt = &now
			exc.ResolvedByUserID = &id.actorID
			if err := tx.UpdateExceptionRecord(ctx, exc); err != nil {
				return err
			}
			rec.ExceptionResolved(ctx, exc, billing.ActorCarrier, &id.actorID)
			waived++
		}

		lines, err := tx.ListLineItems(ctx, inv.ID, inv.CurrentVersion)
		if err != nil {
			return err
		}
		for i := range lines {
			line := &lines[i]
			switch line.Status {
			case billing.LineValidated, billing.LineOverride, billing.LineResolved, billing.LineException:
				if err := billing.GuardLineTransition(line.ID, line.Status, billing.LineApproved); err != nil {
					return err
				}
				line.Status = billing.LineApproved
				if err := tx.UpdateLineItem(ctx, line); err != nil {
					return err
				}
				approved++
			}
		}

		if err := tx.TransitionInvoice(ctx, inv.ID, cur, billing.StatusApproved); err != nil {
			return err
		}
		rec.InvoiceStatusChanged(ctx, inv, cur, billing.StatusApproved, billing.ActorCarrier, &id.actorID)
		inv.Status = billing.StatusApproved
		return nil
	})
	if err != nil {
		respondStoreError(w, err, "Invoice not found")
		return
	}
	for i := 0; i < waived; i++ {
		s.metrics.ExceptionClosed()
	}
	if s.hub != nil {
		s.hub.InvoiceStatusChanged(inv.ID, inv.InvoiceNumber, from, billing.StatusApproved)
	}
	logger.Printf("invoice %s approved by carrier %s: %d lines approved, %d exceptions waived",
		inv.InvoiceNumber, id.carrierID, approved, waived)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":           fmt.Sprintf("Invoice %s approved.", inv.InvoiceNumber),
		"lines_approved":    approved,
		"exceptions_waived": waived,
	})
}

// =============================================================================
// REQUEST CHANGES
// =============================================================================

// RequestChangesRequest returns an invoice to the supplier with notes.
type RequestChangesRequest struct {
	CarrierNotes string `json:"carrier_notes" validate:"required"`
}

func (s *Server) handleRequestChanges(w http.ResponseWriter, r *http.Request) {
	id, ok := s.carrierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.carrierInvoice(w, r, id)
	if !ok {
		return
	}
	var req RequestChangesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if inv.Status != billing.StatusPendingCarrierReview && inv.Status != billing.StatusCarrierReviewing {
		writeDetail(w, http.StatusConflict,
			"Cannot request changes in status '%s'. Invoice must be in PENDING_CARRIER_REVIEW or CARRIER_REVIEWING.", inv.Status)
		return
	}

	ctx := r.Context()
	from := inv.Status
	err := s.store.InTransaction(ctx, func(tx store.Store) error {
		if err := tx.TransitionInvoice(ctx, inv.ID, from, billing.StatusReviewRequired); err != nil {
			return err
		}
		rec := audit.NewRecorder(tx)
		rec.InvoiceChangesRequested(ctx, inv, req.CarrierNotes, id.actorID)
		rec.InvoiceStatusChanged(ctx, inv, from, billing.StatusReviewRequired, billing.ActorCarrier, &id.actorID)
		inv.Status = billing.StatusReviewRequired
		return nil
	})
	if err != nil {
		respondStoreError(w, err, "Invoice not found")
		return
	}
	if s.hub != nil {
		s.hub.InvoiceStatusChanged(inv.ID, inv.InvoiceNumber, from, billing.StatusReviewRequired)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":       "Invoice returned to supplier for correction.",
		"carrier_notes": req.CarrierNotes,
	})
}

// =============================================================================
// DISPUTE
// =============================================================================

// DisputeRequest escalates an invoice under review into a formal
// dispute.
type DisputeRequest struct {
	DisputeReason string `json:"dispute_reason" validate:"required"`
}

// handleDisputeInvoice parks a CARRIER_REVIEWING invoice in DISPUTED.
// A disputed invoice is frozen for both sides until the carrier
// resumes review or the supplier withdraws it.
func (s *Server) handleDisputeInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.carrierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.carrierInvoice(w, r, id)
	if !ok {
		return
	}
	var req DisputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if inv.Status != billing.StatusCarrierReviewing {
		writeDetail(w, http.StatusConflict,
			"Cannot dispute in status '%s'. Invoice must be in CARRIER_REVIEWING.", inv.Status)
		return
	}

	ctx := r.Context()
	err := s.store.InTransaction(ctx, func(tx store.Store) error {
		if err := tx.TransitionInvoice(ctx, inv.ID, billing.StatusCarrierReviewing, billing.StatusDisputed); err != nil {
			return err
		}
		rec := audit.NewRecorder(tx)
		rec.InvoiceDisputed(ctx, inv, req.DisputeReason, id.actorID)
		rec.InvoiceStatusChanged(ctx, inv, billing.StatusCarrierReviewing, billing.StatusDisputed, billing.ActorCarrier, &id.actorID)
		inv.Status = billing.StatusDisputed
		return nil
	})
	if err != nil {
		respondStoreError(w, err, "Invoice not found")
		return
	}
	if s.hub != nil {
		s.hub.InvoiceStatusChanged(inv.ID, inv.InvoiceNumber, billing.StatusCarrierReviewing, billing.StatusDisputed)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":        fmt.Sprintf("Invoice %s placed in dispute.", inv.InvoiceNumber),
		"dispute_reason": req.DisputeReason,
	})
}

// handleResumeReview returns a DISPUTED invoice to CARRIER_REVIEWING
// once the dispute is settled.
func (s *Server) handleResumeReview(w http.ResponseWriter, r *http.Request) {
	id, ok := s.carrierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.carrierInvoice(w, r, id)
	if !ok {
		return
	}
	if inv.Status != billing.StatusDisputed {
		writeDetail(w, http.StatusConflict,
			"Cannot resume review in status '%s'. Invoice must be in DISPUTED.", inv.Status)
		return
	}

	ctx := r.Context()
	err := s.store.InTransaction(ctx, func(tx store.Store) error {
		if err := tx.TransitionInvoice(ctx, inv.ID, billing.StatusDisputed, billing.StatusCarrierReviewing); err != nil {
			return err
		}
		rec := audit.NewRecorder(tx)
		rec.InvoiceStatusChanged(ctx, inv, billing.StatusDisputed, billing.StatusCarrierReviewing, billing.ActorCarrier, &id.actorID)
		inv.Status = billing.StatusCarrierReviewing
		return nil
	})
	if err != nil {
		respondStoreError(w, err, "Invoice not found")
		return
	}
	if s.hub != nil {
		s.hub.InvoiceStatusChanged(inv.ID, inv.InvoiceNumber, billing.StatusDisputed, billing.StatusCarrierReviewing)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Invoice %s returned to review.", inv.InvoiceNumber),
	})
}

// =============================================================================
// EXCEPTION RESOLUTION
// =============================================================================

// ResolveExceptionRequest is the carrier's disposition of an exception.
type ResolveExceptionRequest struct {
	ResolutionAction string `json:"resolution_action" validate:"required"`
	ResolutionNotes  string `json:"resolution_notes"`
}

func (s *Server) handleResolveException(w http.ResponseWriter, r *http.Request) {
	id, ok := s.carrierIdentity(w, r)
	if !ok {
		return
	}
	excID, ok := pathUUID(w, r, "exception_id")
	if !ok {
		return
	}
	var req ResolveExceptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	action := billing.ResolutionAction(req.ResolutionAction)
	if !action.Valid() {
		known := make([]string, len(billing.AllResolutionActions))
		for i, a := range billing.AllResolutionActions {
			known[i] = string(a)
		}
		writeDetail(w, http.StatusUnprocessableEntity,
			"Invalid resolution_action '%s'. Must be one of: %s", req.ResolutionAction, strings.Join(known, ", "))
		return
	}

	ctx := r.Context()
	exc, err := s.store.GetExceptionRecord(ctx, excID)
	if err != nil {
		respondStoreError(w, err, "Exception not found")
		return
	}
	line, err := s.store.GetLineItem(ctx, exc.LineItemID)
	if err != nil {
		internalError(w, err)
		return
	}
	inv, err := s.store.GetInvoice(ctx, line.InvoiceID)
	if err != nil {
		internalError(w, err)
		return
	}
	contract, err := s.store.GetContract(ctx, inv.ContractID)
	if err != nil {
		internalError(w, err)
		return
	}
	if contract.CarrierID != id.carrierID {
		writeDetail(w, http.StatusForbidden, "Access denied")
		return
	}
	if exc.Status != billing.ExceptionOpen && exc.Status != billing.ExceptionSupplierResponded {
		writeDetail(w, http.StatusConflict,
			"Exception in status '%s' cannot be resolved. Only OPEN or SUPPLIER_RESPONDED exceptions can be resolved.", exc.Status)
		return
	}

	err = s.store.InTransaction(ctx, func(tx store.Store) error {
		target := billing.ExceptionResolved
		if action == billing.ResolutionWaived {
			target = billing.ExceptionWaived
		}
		if err := billing.GuardExceptionTransition(exc.ID, exc.Status, target); err != nil {
			return err
		}
		now := time.Now().UTC()
		exc.Status = target
		exc.ResolutionAction = action
		exc.ResolutionNotes = req.ResolutionNotes
		exc.ResolvedAt = &now
		exc.ResolvedByUserID = &id.actorID
		if err := tx.UpdateExceptionRecord(ctx, exc); err != nil {
			return err
		}
		rec := audit.NewRecorder(tx)
		rec.ExceptionResolved(ctx, exc, billing.ActorCarrier, &id.actorID)

		// Denial is the one disposition that also condemns the line.
		if action == billing.ResolutionDenied && line.Status != billing.LineDenied {
			if err := billing.GuardLineTransition(line.ID, line.Status, billing.LineDenied); err != nil {
				return err
			}
			line.Status = billing.LineDenied
			if err := tx.UpdateLineItem(ctx, line); err != nil {
				return err
			}
		}

		// A carrier working the exception is the start of carrier
		// review.
		if inv.Status == billing.StatusSupplierResponded {
			if err := tx.TransitionInvoice(ctx, inv.ID, billing.StatusSupplierResponded, billing.StatusCarrierReviewing); err != nil {
				return err
			}
			rec.InvoiceStatusChanged(ctx, inv, billing.StatusSupplierResponded, billing.StatusCarrierReviewing, billing.ActorCarrier, &id.actorID)
			inv.Status = billing.StatusCarrierReviewing
		}
		return nil
	})
	if err != nil {
		respondStoreError(w, err, "Exception not found")
		return
	}
	s.metrics.ExceptionClosed()
	if s.hub != nil {
		s.hub.ExceptionResolved(inv.ID, exc.ID, string(action))
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Exception resolved with action: %s", action),
	})
}

// =============================================================================
// EXPORT
// =============================================================================

// handleExportInvoice renders the remittance CSV for an approved
// invoice and marks it EXPORTED. Only approved lines are paid out, so
// an invoice with none cannot be exported.
func (s *Server) handleExportInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.carrierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.carrierInvoice(w, r, id)
	if !ok {
		return
	}
	result, err := s.exporter.Export(r.Context(), inv.ID, &id.actorID)
	var conflict *billing.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeDetail(w, http.StatusConflict, "Invoice must be APPROVED before export (current: '%s').", conflict.From)
	case errors.Is(err, export.ErrNoApprovedLines):
		writeDetail(w, http.StatusUnprocessableEntity, "No approved lines to export")
	case errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Invoice not found")
	case err != nil:
		internalError(w, err)
	default:
		if s.hub != nil {
			s.hub.InvoiceStatusChanged(inv.ID, inv.InvoiceNumber, billing.StatusApproved, billing.StatusExported)
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(result.Data); err != nil {
			logger.Printf("write export: %v", err)
		}
	}
}
