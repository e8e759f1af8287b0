package api

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearbill/backend/internal/billing"
	"github.com/clearbill/backend/internal/config"
	"github.com/clearbill/backend/internal/queue"
	"github.com/clearbill/backend/internal/storage"
)

// fakeQueueRedis is the minimum of go-redis the queue touches, so the
// async upload path can be observed without a Redis server.
type fakeQueueRedis struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

func newFakeQueueRedis() *fakeQueueRedis {
	return &fakeQueueRedis{lists: make(map[string][][]byte)}
}

func (f *fakeQueueRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([][]byte{v.([]byte)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeQueueRedis) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keys[0]
	list := f.lists[key]
	if len(list) == 0 {
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
	last := list[len(list)-1]
	f.lists[key] = list[:len(list)-1]
	return redis.NewStringSliceResult([]string{key, string(last)}, nil)
}

func (f *fakeQueueRedis) LLen(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeQueueRedis) Close() error { return nil }

// =============================================================================
// CONTRACTS
// =============================================================================

func TestListContractsShowsOnlyActive(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.InsertContract(context.Background(), &billing.Contract{
		SupplierID:     f.supplier.ID,
		CarrierID:      f.carrier.ID,
		Name:           "Expired 2023",
		EffectiveFrom:  time.Now().UTC().AddDate(-3, 0, 0),
		GeographyScope: billing.GeoNational,
		IsActive:       false,
	}))

	rr := f.do(http.MethodGet, "/api/v1/supplier/contracts", f.supplierToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var contracts []billing.Contract
	f.decode(rr, &contracts)
	require.Len(t, contracts, 1)
	assert.Equal(t, f.contract.ID, contracts[0].ID)
	assert.Equal(t, "Meridian IME National 2025", contracts[0].Name)
}

// =============================================================================
// INVOICE CREATION
// =============================================================================

func TestCreateInvoice(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/api/v1/supplier/invoices", f.supplierToken, map[string]string{
		"contract_id":      f.contract.ID.String(),
		"invoice_number":   "INV-2025-001",
		"invoice_date":     "2025-07-15",
		"submission_notes": "July IME batch",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp InvoiceResponse
	f.decode(rr, &resp)
	assert.Equal(t, billing.StatusDraft, resp.Status)
	assert.Equal(t, "INV-2025-001", resp.InvoiceNumber)
	assert.Equal(t, 1, resp.CurrentVersion)
	assert.Equal(t, f.supplier.ID, resp.SupplierID)
	assert.Nil(t, resp.ValidationSummary)

	events, err := f.store.ListAuditEvents(context.Background(), billing.EntityInvoice, resp.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, billing.EventInvoiceCreated, events[0].EventType)
	assert.Equal(t, billing.ActorSupplier, events[0].ActorType)
}

func TestCreateInvoiceRejectsForeignContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := &billing.Supplier{Name: "Apex Engineering", IsActive: true}
	require.NoError(t, f.store.InsertSupplier(ctx, other))
	foreign := &billing.Contract{
		SupplierID:     other.ID,
		CarrierID:      f.carrier.ID,
		Name:           "Apex Engineering 2025",
		EffectiveFrom:  time.Now().UTC().AddDate(-1, 0, 0),
		GeographyScope: billing.GeoNational,
		IsActive:       true,
	}
	require.NoError(t, f.store.InsertContract(ctx, foreign))

	rr := f.do(http.MethodPost, "/api/v1/supplier/invoices", f.supplierToken, map[string]string{
		"contract_id":    foreign.ID.String(),
		"invoice_number": "INV-X",
		"invoice_date":   "2025-07-15",
	})
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "Access denied", f.detail(rr))
}

func TestCreateInvoiceValidatesPayload(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/api/v1/supplier/invoices", f.supplierToken, map[string]string{
		"contract_id":  f.contract.ID.String(),
		"invoice_date": "2025-07-15",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = f.do(http.MethodPost, "/api/v1/supplier/invoices", f.supplierToken, map[string]string{
		"contract_id":    f.contract.ID.String(),
		"invoice_number": "INV-BAD-DATE",
		"invoice_date":   "July 15th",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, f.detail(rr), "Invalid invoice_date")
}

// =============================================================================
// UPLOAD AND PROCESSING
// =============================================================================

func TestUploadProcessesCleanInvoice(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-CLEAN-1")

	resp := f.uploadInvoice(id, cleanCSV)
	assert.Equal(t, billing.StatusPendingCarrierReview, resp.Status)
	assert.Equal(t, "Invoice processed successfully. 1 lines processed, 0 exceptions flagged.", resp.Message)
	assert.Equal(t, 1, resp.Version)

	inv := f.mustGetInvoice(id)
	assert.Equal(t, billing.FormatCSV, inv.FileFormat)
	assert.NotEmpty(t, inv.RawFilePath)
	require.NotNil(t, inv.SubmittedAt)

	lines, err := f.store.ListLineItems(context.Background(), id, 1)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, billing.LineValidated, lines[0].Status)
	assert.Equal(t, "IME.RECORDS_REVIEW.PROF_FEE", lines[0].TaxonomyCode)
	assert.Equal(t, billing.ConfidenceHigh, lines[0].MappingConfidence)
}

func TestUploadRejectsWrongStatus(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-TWICE-1")
	f.uploadInvoice(id, cleanCSV)

	rr := f.upload("/api/v1/supplier/invoices/"+id.String()+"/upload", f.supplierToken, "invoice.csv", cleanCSV)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, f.detail(rr), "Cannot upload file - invoice is in status 'PENDING_CARRIER_REVIEW'")
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-EMPTY-1")
	rr := f.upload("/api/v1/supplier/invoices/"+id.String()+"/upload", f.supplierToken, "invoice.csv", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "Uploaded file is empty", f.detail(rr))
}

func TestUploadRejectsUnknownExtension(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-DOCX-1")
	rr := f.upload("/api/v1/supplier/invoices/"+id.String()+"/upload", f.supplierToken, "invoice.docx", "not a spreadsheet")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestUploadOverbillOpensException(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-OVER-1")

	resp := f.uploadInvoice(id, overbillCSV)
	assert.Equal(t, billing.StatusReviewRequired, resp.Status)
	assert.Equal(t, "Invoice processed successfully. 1 lines processed, 1 exceptions flagged.", resp.Message)

	rr := f.do(http.MethodGet, "/api/v1/supplier/invoices/"+id.String()+"/lines", f.supplierToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var lines []LineItemView
	f.decode(rr, &lines)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, billing.LineException, line.Status)
	assert.True(t, line.NeedsReview)
	require.NotNil(t, line.ExpectedAmount)
	assert.True(t, line.ExpectedAmount.Equal(decimal.RequireFromString("600.00")),
		"expected 600.00, got %s", line.ExpectedAmount)

	require.NotEmpty(t, line.Validations)
	var rateFail *ValidationResultView
	for i := range line.Validations {
		if line.Validations[i].Status == billing.ValidationFail {
			rateFail = &line.Validations[i]
		}
	}
	require.NotNil(t, rateFail)
	assert.Equal(t, "$600.00", rateFail.ExpectedValue)
	assert.Equal(t, "$725.00", rateFail.ActualValue)
	assert.Equal(t, billing.ActionAcceptReduction, rateFail.RequiredAction)

	require.Len(t, line.Exceptions, 1)
	assert.Equal(t, billing.ExceptionOpen, line.Exceptions[0].Status)
	assert.Contains(t, line.Exceptions[0].Message, "exceeds contracted rate")
}

func TestUploadUnrecognizedDescription(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-UNK-1")

	resp := f.uploadInvoice(id, unknownCSV)
	assert.Equal(t, billing.StatusReviewRequired, resp.Status)

	lines, err := f.store.ListLineItems(context.Background(), id, 1)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, billing.LineException, lines[0].Status)
	assert.Empty(t, lines[0].TaxonomyCode)
	assert.Equal(t, billing.ConfidenceLow, lines[0].MappingConfidence)
}

func TestUploadAsyncEnqueuesInsteadOfProcessing(t *testing.T) {
	f := newFixture(t)

	cfg := config.Default()
	cfg.Pipeline.Async = true
	mgr, err := config.NewManager(cfg, "")
	require.NoError(t, err)
	files, err := storage.New("local", t.TempDir())
	require.NoError(t, err)
	q := queue.New(newFakeQueueRedis(), "")

	asyncSrv := NewServer(Deps{
		Store:  f.store,
		Issuer: f.issuer,
		Files:  files,
		Config: mgr,
		Queue:  q,
	})
	asyncRouter := asyncSrv.Router()

	id := f.createInvoice("INV-ASYNC-1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "invoice.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(cleanCSV))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/supplier/invoices/"+id.String()+"/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+f.supplierToken)
	rr := httptest.NewRecorder()
	asyncRouter.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp UploadResponse
	f.decode(rr, &resp)
	assert.Equal(t, billing.StatusSubmitted, resp.Status)
	assert.Contains(t, resp.Message, "queued")

	// The pipeline has not run: no line items yet, invoice parked in
	// SUBMITTED for the worker.
	inv := f.mustGetInvoice(id)
	assert.Equal(t, billing.StatusSubmitted, inv.Status)
	lines, err := f.store.ListLineItems(context.Background(), id, 1)
	require.NoError(t, err)
	assert.Empty(t, lines)

	job, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.InvoiceID)
}

// =============================================================================
// READS
// =============================================================================

func TestSupplierListInvoices(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-LIST-1")
	f.uploadInvoice(id, cleanCSV)

	rr := f.do(http.MethodGet, "/api/v1/supplier/invoices", f.supplierToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var items []InvoiceListItem
	f.decode(rr, &items)
	require.Len(t, items, 1)
	assert.Equal(t, "INV-LIST-1", items[0].InvoiceNumber)
	assert.True(t, items[0].TotalBilled.Equal(decimal.RequireFromString("450.00")))
	assert.Zero(t, items[0].ExceptionCount)
}

func TestSupplierInvoiceDetailSummary(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-SUM-1")
	f.uploadInvoice(id, cleanCSV)

	rr := f.do(http.MethodGet, "/api/v1/supplier/invoices/"+id.String(), f.supplierToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp InvoiceResponse
	f.decode(rr, &resp)
	require.NotNil(t, resp.ValidationSummary)
	s := resp.ValidationSummary
	assert.Equal(t, 1, s.TotalLines)
	assert.Equal(t, 1, s.LinesValidated)
	assert.Zero(t, s.LinesWithExceptions)
	assert.True(t, s.TotalBilled.Equal(decimal.RequireFromString("450.00")))
	assert.True(t, s.TotalPayable.Equal(decimal.RequireFromString("450.00")))
	assert.True(t, s.TotalInDispute.IsZero())
}

func TestSupplierCannotSeeForeignInvoice(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-MINE-1")

	ctx := context.Background()
	other := &billing.Supplier{Name: "Apex Engineering", IsActive: true}
	require.NoError(t, f.store.InsertSupplier(ctx, other))
	outsider := &billing.User{
		Email:      "ap@apex-eng.example",
		Role:       billing.RoleSupplier,
		SupplierID: &other.ID,
		IsActive:   true,
	}
	require.NoError(t, f.store.InsertUser(ctx, outsider))

	rr := f.do(http.MethodGet, "/api/v1/supplier/invoices/"+id.String(), f.token(outsider), nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "Access denied", f.detail(rr))
}

// =============================================================================
// EXCEPTION RESPONSE
// =============================================================================

// openException uploads an overbilled file and returns the resulting
// exception id.
func (f *fixture) openException(invoiceID uuid.UUID) uuid.UUID {
	f.t.Helper()
	f.uploadInvoice(invoiceID, overbillCSV)
	excs, err := f.store.ListInvoiceExceptions(context.Background(), invoiceID)
	require.NoError(f.t, err)
	require.Len(f.t, excs, 1)
	return excs[0].ID
}

func TestRespondToException(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-RESP-1")
	excID := f.openException(id)

	rr := f.do(http.MethodPost, "/api/v1/supplier/exceptions/"+excID.String()+"/respond", f.supplierToken, map[string]string{
		"supplier_response": "Extended exam ran 2.5 hours; report attached.",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ctx := context.Background()
	exc, err := f.store.GetExceptionRecord(ctx, excID)
	require.NoError(t, err)
	assert.Equal(t, billing.ExceptionSupplierResponded, exc.Status)
	assert.Equal(t, "Extended exam ran 2.5 hours; report attached.", exc.SupplierResponse)

	inv := f.mustGetInvoice(id)
	assert.Equal(t, billing.StatusSupplierResponded, inv.Status)

	events, err := f.store.ListAuditEvents(ctx, billing.EntityException, excID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, billing.EventExceptionSupplierReplied, events[len(events)-1].EventType)
}

func TestRespondToExceptionTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-RESP-2")
	excID := f.openException(id)

	first := f.do(http.MethodPost, "/api/v1/supplier/exceptions/"+excID.String()+"/respond", f.supplierToken, map[string]string{
		"supplier_response": "First answer.",
	})
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodPost, "/api/v1/supplier/exceptions/"+excID.String()+"/respond", f.supplierToken, map[string]string{
		"supplier_response": "Second answer.",
	})
	require.Equal(t, http.StatusConflict, second.Code)
	assert.Contains(t, f.detail(second), "Exception is in status 'SUPPLIER_RESPONDED'")
}

func TestRespondToForeignExceptionDenied(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-RESP-3")
	excID := f.openException(id)

	ctx := context.Background()
	other := &billing.Supplier{Name: "Apex Engineering", IsActive: true}
	require.NoError(t, f.store.InsertSupplier(ctx, other))
	outsider := &billing.User{
		Email:      "ap2@apex-eng.example",
		Role:       billing.RoleSupplier,
		SupplierID: &other.ID,
		IsActive:   true,
	}
	require.NoError(t, f.store.InsertUser(ctx, outsider))

	rr := f.do(http.MethodPost, "/api/v1/supplier/exceptions/"+excID.String()+"/respond", f.token(outsider), map[string]string{
		"supplier_response": "Not mine to answer.",
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

// =============================================================================
// RESUBMIT
// =============================================================================

func TestResubmitCorrectedInvoice(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-FIX-1")
	f.uploadInvoice(id, overbillCSV)
	require.Equal(t, billing.StatusReviewRequired, f.mustGetInvoice(id).Status)

	corrected := "description,quantity,amount\nIndependent Medical Examination,1,600.00\n"
	rr := f.upload("/api/v1/supplier/invoices/"+id.String()+"/resubmit", f.supplierToken, "invoice-v2.csv", corrected)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp UploadResponse
	f.decode(rr, &resp)
	assert.Equal(t, billing.StatusPendingCarrierReview, resp.Status)
	assert.Equal(t, 2, resp.Version)

	// Version 1 lines survive untouched; version 2 carries the fix.
	ctx := context.Background()
	v1, err := f.store.ListLineItems(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, v1, 1)
	v2, err := f.store.ListLineItems(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, v2, 1)
	assert.Equal(t, billing.LineValidated, v2[0].Status)
}

func TestResubmitRejectsWrongStatus(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-FIX-2")
	rr := f.upload("/api/v1/supplier/invoices/"+id.String()+"/resubmit", f.supplierToken, "invoice.csv", cleanCSV)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, f.detail(rr), "Cannot resubmit invoice in status 'DRAFT'")
}

// =============================================================================
// WITHDRAW
// =============================================================================

func TestWithdrawInvoice(t *testing.T) {
	f := newFixture(t)
	id := f.createInvoice("INV-WD-1")

	rr := f.do(http.MethodPost, "/api/v1/supplier/invoices/"+id.String()+"/withdraw", f.supplierToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, billing.StatusWithdrawn, f.mustGetInvoice(id).Status)

	again := f.do(http.MethodPost, "/api/v1/supplier/invoices/"+id.String()+"/withdraw", f.supplierToken, nil)
	require.Equal(t, http.StatusConflict, again.Code)
	assert.Contains(t, f.detail(again), "Cannot withdraw invoice in status 'WITHDRAWN'")
}
