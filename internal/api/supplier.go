package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clearbill/backend/internal/audit"
	"github.com/clearbill/backend/internal/billing"
	"github.com/clearbill/backend/internal/ingest"
	"github.com/clearbill/backend/internal/middleware"
	"github.com/clearbill/backend/internal/storage"
	"github.com/clearbill/backend/internal/store"
)

// maxUploadBytes caps invoice file uploads at 32 MB.
const maxUploadBytes = 32 << 20

// supplierIdentity is the authenticated supplier behind a request.
type supplierIdentity struct {
	supplierID uuid.UUID
	actorID    uuid.UUID
}

// supplierIdentity resolves the caller's supplier binding. Accounts
// without one cannot use this surface at all.
func (s *Server) supplierIdentity(w http.ResponseWriter, r *http.Request) (supplierIdentity, bool) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return supplierIdentity{}, false
	}
	supplierID, ok := claims.Supplier()
	if !ok {
		writeDetail(w, http.StatusForbidden, "User is not associated with a supplier")
		return supplierIdentity{}, false
	}
	actorID, err := claims.ActorID()
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return supplierIdentity{}, false
	}
	return supplierIdentity{supplierID: supplierID, actorID: actorID}, true
}

// supplierInvoice loads the invoice in the path and enforces ownership.
// Foreign invoices 403 rather than 404 since invoice ids are not
// secret; they appear in exports and audit trails.
func (s *Server) supplierInvoice(w http.ResponseWriter, r *http.Request, id supplierIdentity) (*billing.Invoice, bool) {
	invoiceID, ok := pathUUID(w, r, "invoice_id")
	if !ok {
		return nil, false
	}
	inv, err := s.store.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		respondStoreError(w, err, "Invoice not found")
		return nil, false
	}
	if inv.SupplierID != id.supplierID {
		writeDetail(w, http.StatusForbidden, "Access denied")
		return nil, false
	}
	return inv, true
}

// =============================================================================
// CONTRACTS
// =============================================================================

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.supplierIdentity(w, r)
	if !ok {
		return
	}
	contracts, err := s.store.ListSupplierContracts(r.Context(), id.supplierID)
	if err != nil {
		internalError(w, err)
		return
	}
	active := make([]billing.Contract, 0, len(contracts))
	for _, c := range contracts {
		if c.IsActive {
			active = append(active, c)
		}
	}
	writeJSON(w, http.StatusOK, active)
}

// =============================================================================
// INVOICE CREATION AND UPLOAD
// =============================================================================

// CreateInvoiceRequest opens a draft invoice under a contract.
type CreateInvoiceRequest struct {
	ContractID      uuid.UUID `json:"contract_id" validate:"required"`
	InvoiceNumber   string    `json:"invoice_number" validate:"required"`
	InvoiceDate     string    `json:"invoice_date" validate:"required"`
	SubmissionNotes string    `json:"submission_notes"`
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.supplierIdentity(w, r)
	if !ok {
		return
	}
	var req CreateInvoiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	invoiceDate, err := time.Parse("2006-01-02", req.InvoiceDate)
	if err != nil {
		invoiceDate, err = time.Parse(time.RFC3339, req.InvoiceDate)
	}
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid invoice_date %q. Expected YYYY-MM-DD.", req.InvoiceDate)
		return
	}

	ctx := r.Context()
	contract, err := s.store.GetContract(ctx, req.ContractID)
	if err != nil {
		respondStoreError(w, err, "Contract not found")
		return
	}
	if contract.SupplierID != id.supplierID {
		writeDetail(w, http.StatusForbidden, "Access denied")
		return
	}

	inv := &billing.Invoice{
		ID:              uuid.New(),
		SupplierID:      id.supplierID,
		ContractID:      contract.ID,
		InvoiceNumber:   req.InvoiceNumber,
		InvoiceDate:     invoiceDate,
		Status:          billing.StatusDraft,
		CurrentVersion:  1,
		SubmissionNotes: req.SubmissionNotes,
	}
	err = s.store.InTransaction(ctx, func(tx store.Store) error {
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		audit.NewRecorder(tx).InvoiceCreated(ctx, inv, id.actorID)
		return nil
	})
	if err != nil {
		internalError(w, err)
		return
	}
	logger.Printf("invoice %s created for supplier %s", inv.InvoiceNumber, id.supplierID)
	writeJSON(w, http.StatusCreated, invoiceResponse(inv, nil))
}

func (s *Server) handleUploadInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.supplierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.supplierInvoice(w, r, id)
	if !ok {
		return
	}
	if inv.Status != billing.StatusDraft && inv.Status != billing.StatusReviewRequired {
		writeDetail(w, http.StatusConflict,
			"Cannot upload file - invoice is in status '%s'. Only DRAFT or REVIEW_REQUIRED invoices accept new uploads.", inv.Status)
		return
	}
	s.ingestUpload(w, r, inv, id.actorID)
}

func (s *Server) handleResubmitInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.supplierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.supplierInvoice(w, r, id)
	if !ok {
		return
	}
	if inv.Status != billing.StatusReviewRequired && inv.Status != billing.StatusSupplierResponded {
		writeDetail(w, http.StatusConflict,
			"Cannot resubmit invoice in status '%s'. Only REVIEW_REQUIRED or SUPPLIER_RESPONDED invoices can be resubmitted.", inv.Status)
		return
	}
	// Every upload attempt gets its own version; prior versions and
	// their files are never overwritten.
	inv.CurrentVersion++
	s.ingestUpload(w, r, inv, id.actorID)
}

// readUpload pulls the invoice file out of the multipart form.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Expected a multipart form upload: %v", err)
		return nil, "", false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "No file provided")
		return nil, "", false
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		internalError(w, fmt.Errorf("read upload: %w", err))
		return nil, "", false
	}
	if len(data) == 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "Uploaded file is empty")
		return nil, "", false
	}
	filename := header.Filename
	if filename == "" {
		filename = "invoice.csv"
	}
	return data, filename, true
}

// ingestUpload is the shared submit path behind upload and resubmit.
// The file is persisted first, then one transaction moves the invoice
// to SUBMITTED and records the version. By default the pipeline then
// runs synchronously so the supplier sees findings in the response;
// with pipeline.async enabled the run is handed to the queue worker
// instead and the response reports the SUBMITTED status.
func (s *Server) ingestUpload(w http.ResponseWriter, r *http.Request, inv *billing.Invoice, actorID uuid.UUID) {
	ctx := r.Context()
	data, filename, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	format, err := ingest.DetectFormat(filename)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "%v", err)
		return
	}
	path, err := s.files.Save(ctx, data, storage.InvoiceFolder(inv.ID), storage.VersionedFilename(inv.ID, inv.CurrentVersion, filename))
	if err != nil {
		internalError(w, fmt.Errorf("store upload: %w", err))
		return
	}

	now := time.Now().UTC()
	from := inv.Status
	err = s.store.InTransaction(ctx, func(tx store.Store) error {
		if err := tx.TransitionInvoice(ctx, inv.ID, from, billing.StatusSubmitted); err != nil {
			return err
		}
		inv.Status = billing.StatusSubmitted
		inv.RawFilePath = path
		inv.FileFormat = format
		inv.SubmittedAt = &now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if err := tx.InsertInvoiceVersion(ctx, &billing.InvoiceVersion{
			InvoiceID:     inv.ID,
			VersionNumber: inv.CurrentVersion,
			RawFilePath:   path,
			FileFormat:    format,
			SubmittedAt:   now,
		}); err != nil {
			return err
		}
		audit.NewRecorder(tx).InvoiceSubmitted(ctx, inv, &actorID)
		return nil
	})
	if err != nil {
		respondStoreError(w, err, "Invoice not found")
		return
	}
	s.metrics.RecordUpload(string(format))

	if s.queue != nil && s.config.Global().Pipeline.Async {
		if _, err := s.queue.Enqueue(ctx, inv.ID); err != nil {
			// The upload is safely stored and SUBMITTED; a retry of
			// the enqueue is the worker operator's problem, not the
			// supplier's.
			internalError(w, fmt.Errorf("enqueue invoice %s: %w", inv.ID, err))
			return
		}
		writeJSON(w, http.StatusAccepted, UploadResponse{
			InvoiceID: inv.ID,
			Status:    billing.StatusSubmitted,
			Message:   "Invoice received and queued for processing.",
			Version:   inv.CurrentVersion,
		})
		return
	}

	summary, err := s.pipeline.Process(ctx, inv.ID, data, filename)
	if err != nil {
		internalError(w, fmt.Errorf("process invoice %s: %w", inv.ID, err))
		return
	}
	if s.hub != nil {
		s.hub.InvoiceStatusChanged(inv.ID, inv.InvoiceNumber, billing.StatusSubmitted, summary.Status)
	}
	writeJSON(w, http.StatusOK, UploadResponse{
		InvoiceID: inv.ID,
		Status:    summary.Status,
		Message: fmt.Sprintf("Invoice processed successfully. %d lines processed, %d exceptions flagged.",
			summary.LinesProcessed, summary.LinesError),
		Version: inv.CurrentVersion,
	})
}

// =============================================================================
// INVOICE READS
// =============================================================================

func (s *Server) handleSupplierListInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := s.supplierIdentity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	invoices, err := s.store.ListSupplierInvoices(ctx, id.supplierID)
	if err != nil {
		internalError(w, err)
		return
	}
	items := make([]InvoiceListItem, 0, len(invoices))
	for i := range invoices {
		item, err := loadInvoiceListItem(ctx, s.store, &invoices[i])
		if err != nil {
			internalError(w, err)
			return
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleSupplierGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.supplierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.supplierInvoice(w, r, id)
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

func (s *Server) handleSupplierListLines(w http.ResponseWriter, r *http.Request) {
	id, ok := s.supplierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.supplierInvoice(w, r, id)
	if !ok {
		return
	}
	contexts, err := loadLineContexts(r.Context(), s.store, inv)
	if err != nil {
		internalError(w, err)
		return
	}
	views := make([]LineItemView, 0, len(contexts))
	for _, lc := range contexts {
		views = append(views, supplierLineView(lc))
	}
	writeJSON(w, http.StatusOK, views)
}

// =============================================================================
// EXCEPTION RESPONSE
// =============================================================================

// ExceptionResponseRequest is the supplier's answer to an open
// exception.
type ExceptionResponseRequest struct {
	SupplierResponse  string `json:"supplier_response" validate:"required"`
	SupportingDocPath string `json:"supporting_doc_path"`
}

func (s *Server) handleRespondToException(w http.ResponseWriter, r *http.Request) {
	id, ok := s.supplierIdentity(w, r)
	if !ok {
		return
	}
	excID, ok := pathUUID(w, r, "exception_id")
	if !ok {
		return
	}
	var req ExceptionResponseRequest
	if !decodeJSON(w, r, &req) {
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
	if inv.SupplierID != id.supplierID {
		writeDetail(w, http.StatusForbidden, "Access denied")
		return
	}
	if exc.Status != billing.ExceptionOpen {
		writeDetail(w, http.StatusConflict, "Exception is in status '%s' and cannot be responded to.", exc.Status)
		return
	}

	err = s.store.InTransaction(ctx, func(tx store.Store) error {
		if err := billing.GuardExceptionTransition(exc.ID, exc.Status, billing.ExceptionSupplierResponded); err != nil {
			return err
		}
		exc.Status = billing.ExceptionSupplierResponded
		exc.SupplierResponse = req.SupplierResponse
		exc.SupportingDocPath = req.SupportingDocPath
		if err := tx.UpdateExceptionRecord(ctx, exc); err != nil {
			return err
		}
		rec := audit.NewRecorder(tx)
		rec.ExceptionSupplierResponded(ctx, exc, id.actorID)

		// The first response moves the invoice out of the supplier's
		// court. Later responses on other exceptions leave it alone.
		if inv.Status == billing.StatusReviewRequired {
			if err := tx.TransitionInvoice(ctx, inv.ID, billing.StatusReviewRequired, billing.StatusSupplierResponded); err != nil {
				return err
			}
			rec.InvoiceStatusChanged(ctx, inv, billing.StatusReviewRequired, billing.StatusSupplierResponded, billing.ActorSupplier, &id.actorID)
			inv.Status = billing.StatusSupplierResponded
		}
		return nil
	})
	if err != nil {
		respondStoreError(w, err, "Exception not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Response recorded. The carrier will review your response.",
	})
}

// =============================================================================
// WITHDRAW
// =============================================================================

func (s *Server) handleWithdrawInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.supplierIdentity(w, r)
	if !ok {
		return
	}
	inv, ok := s.supplierInvoice(w, r, id)
	if !ok {
		return
	}

	ctx := r.Context()
	from := inv.Status
	err := s.store.InTransaction(ctx, func(tx store.Store) error {
		if err := tx.TransitionInvoice(ctx, inv.ID, from, billing.StatusWithdrawn); err != nil {
			return err
		}
		inv.Status = billing.StatusWithdrawn
		audit.NewRecorder(tx).InvoiceStatusChanged(ctx, inv, from, billing.StatusWithdrawn, billing.ActorSupplier, &id.actorID)
		return nil
	})
	if err != nil {
		var conflict *billing.ConflictError
		if errors.As(err, &conflict) {
			writeDetail(w, http.StatusConflict, "Cannot withdraw invoice in status '%s'.", conflict.From)
			return
		}
		respondStoreError(w, err, "Invoice not found")
		return
	}
	if s.hub != nil {
		s.hub.InvoiceStatusChanged(inv.ID, inv.InvoiceNumber, from, billing.StatusWithdrawn)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Invoice %s withdrawn.", inv.InvoiceNumber),
	})
}
