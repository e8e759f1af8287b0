package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearbill/backend/internal/billing"
	"github.com/clearbill/backend/internal/config"
	"github.com/clearbill/backend/internal/metrics"
	"github.com/clearbill/backend/internal/store"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fixture seeds a memory store with one supplier under contract and one
// submitted invoice ready for processing.
type fixture struct {
	store    *store.MemoryStore
	orch     *Orchestrator
	supplier *billing.Supplier
	carrier  *billing.Carrier
	contract *billing.Contract
	invoice  *billing.Invoice
	version  *billing.InvoiceVersion
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemoryStore()

	supplier := &billing.Supplier{Name: "Apex IME Group", TaxID: "84-1234567", IsActive: true}
	require.NoError(t, m.InsertSupplier(ctx, supplier))
	carrier := &billing.Carrier{Name: "Northwind Mutual", ShortCode: "NWM", IsActive: true}
	require.NoError(t, m.InsertCarrier(ctx, carrier))
	contract := &billing.Contract{
		SupplierID:     supplier.ID,
		CarrierID:      carrier.ID,
		Name:           "Apex 2025 master",
		EffectiveFrom:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		GeographyScope: billing.GeoNational,
		IsActive:       true,
	}
	require.NoError(t, m.InsertContract(ctx, contract))

	invoice := &billing.Invoice{
		SupplierID:     supplier.ID,
		ContractID:     contract.ID,
		InvoiceNumber:  "INV-2025-0042",
		InvoiceDate:    time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:         billing.StatusSubmitted,
		RawFilePath:    "invoices/INV-2025-0042/v1_billing.csv",
		FileFormat:     billing.FormatCSV,
		CurrentVersion: 1,
	}
	require.NoError(t, m.InsertInvoice(ctx, invoice))

	version := &billing.InvoiceVersion{
		InvoiceID:     invoice.ID,
		VersionNumber: 1,
		RawFilePath:   invoice.RawFilePath,
		FileFormat:    billing.FormatCSV,
		SubmittedAt:   time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.InsertInvoiceVersion(ctx, version))

	return &fixture{
		store:    m,
		orch:     New(m),
		supplier: supplier,
		carrier:  carrier,
		contract: contract,
		invoice:  invoice,
		version:  version,
	}
}

func (f *fixture) addCard(t *testing.T, taxonomyCode, rate string) *billing.RateCard {
	t.Helper()
	card := &billing.RateCard{
		ContractID:     f.contract.ID,
		TaxonomyCode:   taxonomyCode,
		ContractedRate: dec(rate),
		EffectiveFrom:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.store.InsertRateCard(context.Background(), card))
	return card
}

func (f *fixture) addGuideline(t *testing.T, g *billing.Guideline) *billing.Guideline {
	t.Helper()
	g.ContractID = f.contract.ID
	g.IsActive = true
	require.NoError(t, f.store.InsertGuideline(context.Background(), g))
	return g
}

func (f *fixture) process(t *testing.T, csv string) *Summary {
	t.Helper()
	summary, err := f.orch.Process(context.Background(), f.invoice.ID, []byte(csv), "billing.csv")
	require.NoError(t, err)
	return summary
}

func (f *fixture) reload(t *testing.T) *billing.Invoice {
	t.Helper()
	inv, err := f.store.GetInvoice(context.Background(), f.invoice.ID)
	require.NoError(t, err)
	return inv
}

func (f *fixture) lines(t *testing.T) []billing.LineItem {
	t.Helper()
	lines, err := f.store.ListLineItems(context.Background(), f.invoice.ID, 1)
	require.NoError(t, err)
	return lines
}

func csvFile(rows ...string) string {
	return "description,quantity,amount,claim number,service date\n" + strings.Join(rows, "\n") + "\n"
}

// resultWithStatus pulls the single result carrying the given status.
func resultWithStatus(t *testing.T, results []billing.ValidationResult, status billing.ValidationStatus) *billing.ValidationResult {
	t.Helper()
	var found *billing.ValidationResult
	for i := range results {
		if results[i].Status == status {
			require.Nil(t, found, "expected exactly one %s result", status)
			found = &results[i]
		}
	}
	require.NotNil(t, found, "expected a %s result", status)
	return found
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestPipelineCleanInvoice(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "IME.PHY_EXAM.PROF_FEE", "600.00")
	ctx := context.Background()

	summary := f.process(t, csvFile(`IME Physician Examination,1,600.00,CLM-2025-118,2025-03-14`))

	assert.Equal(t, f.invoice.ID, summary.InvoiceID)
	assert.Equal(t, billing.StatusPendingCarrierReview, summary.Status)
	assert.Equal(t, 1, summary.LinesProcessed)
	assert.Equal(t, 1, summary.LinesPass)
	assert.Equal(t, 0, summary.LinesError)
	assert.Equal(t, 0, summary.LinesWarning)
	assert.False(t, summary.Skipped)
	assert.Empty(t, summary.Error)

	assert.Equal(t, billing.StatusPendingCarrierReview, f.reload(t).Status)

	lines := f.lines(t)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, billing.LineValidated, line.Status)
	assert.Equal(t, "IME.PHY_EXAM.PROF_FEE", line.TaxonomyCode)
	assert.Equal(t, "PROF_FEE", line.BillingComponent)
	assert.Equal(t, billing.ConfidenceMedium, line.MappingConfidence)
	assert.Equal(t, "CLM-2025-118", line.ClaimNumber)
	require.NotNil(t, line.ServiceDate)
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), *line.ServiceDate)
	require.NotNil(t, line.ExpectedAmount)
	assert.True(t, line.ExpectedAmount.Equal(dec("600.00")))

	results, err := f.store.ListValidationResults(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, billing.ValidationRate, results[0].ValidationType)
	assert.Equal(t, billing.ValidationPass, results[0].Status)

	exceptions, err := f.store.ListInvoiceExceptions(ctx, f.invoice.ID)
	require.NoError(t, err)
	assert.Empty(t, exceptions)
}

func TestPipelinePersistsExtractionArtifact(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "IME.PHY_EXAM.PROF_FEE", "600.00")

	f.process(t, csvFile(`IME Physician Examination,1,600.00,,`))

	artifacts, err := f.store.ListArtifacts(context.Background(), f.version.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "csv", artifacts[0].ExtractionMethod)
	assert.Contains(t, artifacts[0].RawText, "IME Physician Examination")
	assert.Equal(t, 1, artifacts[0].Metadata["line_count"])
}

func TestPipelineAuditsBothTransitions(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "IME.PHY_EXAM.PROF_FEE", "600.00")

	f.process(t, csvFile(`IME Physician Examination,1,600.00,,`))

	events, err := f.store.ListAuditEvents(context.Background(), billing.EntityInvoice, f.invoice.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, billing.EventInvoiceStatusChanged, events[0].EventType)
	assert.Equal(t, string(billing.StatusProcessing), events[0].Payload["to_status"])
	assert.Equal(t, string(billing.StatusPendingCarrierReview), events[1].Payload["to_status"])
	assert.Equal(t, billing.ActorSystem, events[0].ActorType)
	assert.True(t, events[1].CreatedAt.After(events[0].CreatedAt))
}

// =============================================================================
// EXCEPTION SCENARIOS
// =============================================================================

func TestPipelineOverbillOpensException(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "IME.PHY_EXAM.PROF_FEE", "600.00")
	ctx := context.Background()

	summary := f.process(t, csvFile(`IME Physician Examination - Neurology,1,725.00,CLM-2025-118,2025-03-14`))

	assert.Equal(t, billing.StatusReviewRequired, summary.Status)
	assert.Equal(t, 1, summary.LinesProcessed)
	assert.Equal(t, 0, summary.LinesPass)
	assert.Equal(t, 1, summary.LinesError)
	assert.Equal(t, billing.StatusReviewRequired, f.reload(t).Status)

	lines := f.lines(t)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, billing.LineException, line.Status)
	require.NotNil(t, line.ExpectedAmount)
	assert.True(t, line.ExpectedAmount.Equal(dec("600.00")),
		"expected amount should be reduced to the contracted total, got %s", line.ExpectedAmount)

	results, err := f.store.ListValidationResults(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	fail := results[0]
	assert.Equal(t, billing.ValidationRate, fail.ValidationType)
	assert.Equal(t, billing.ValidationFail, fail.Status)
	assert.Equal(t, "$600.00", fail.ExpectedValue)
	assert.Equal(t, "$725.00", fail.ActualValue)
	assert.Equal(t, billing.ActionAcceptReduction, fail.RequiredAction)

	exceptions, err := f.store.ListInvoiceExceptions(ctx, f.invoice.ID)
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, billing.ExceptionOpen, exceptions[0].Status)
	assert.Equal(t, line.ID, exceptions[0].LineItemID)
	assert.Equal(t, fail.ID, exceptions[0].ValidationResultID)

	events, err := f.store.ListAuditEvents(ctx, billing.EntityLineItem, line.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, billing.EventLineItemClassified, events[0].EventType)
	assert.Equal(t, billing.EventExceptionOpened, events[1].EventType)
}

func TestPipelineUnrecognizedDescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	summary := f.process(t, csvFile(`Completely unrecognizable xyzzy service,1,999.99,,`))

	assert.Equal(t, billing.StatusReviewRequired, summary.Status)
	assert.Equal(t, 1, summary.LinesError)

	lines := f.lines(t)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, billing.LineException, line.Status)
	assert.Empty(t, line.TaxonomyCode)
	assert.Equal(t, billing.ConfidenceLow, line.MappingConfidence,
		"UNRECOGNIZED is not a stored confidence grade")
	assert.Nil(t, line.ExpectedAmount, "unclassified lines carry no expected amount")

	results, err := f.store.ListValidationResults(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, billing.ValidationClassification, results[0].ValidationType)
	assert.Equal(t, billing.ValidationFail, results[0].Status)
	assert.Equal(t, billing.ActionRequestReclassify, results[0].RequiredAction)
	assert.Contains(t, results[0].Message, "could not be classified")
	assert.Contains(t, results[0].Message, "xyzzy")

	exceptions, err := f.store.ListInvoiceExceptions(ctx, f.invoice.ID)
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, billing.ExceptionOpen, exceptions[0].Status)
}

func TestPipelineMaxUnitsCapsPayable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	maxUnits := dec("1")
	require.NoError(t, f.store.InsertRateCard(ctx, &billing.RateCard{
		ContractID:     f.contract.ID,
		TaxonomyCode:   "IME.PHY_EXAM.TRAVEL_LODGING",
		ContractedRate: dec("200.00"),
		MaxUnits:       &maxUnits,
		EffectiveFrom:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	summary := f.process(t, csvFile(`Hotel lodging - 2 nights,2,400.00,,`))

	assert.Equal(t, billing.StatusReviewRequired, summary.Status)
	assert.Equal(t, 1, summary.LinesError)

	lines := f.lines(t)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "IME.PHY_EXAM.TRAVEL_LODGING", line.TaxonomyCode)
	assert.Equal(t, billing.LineException, line.Status)
	require.NotNil(t, line.ExpectedAmount)
	assert.True(t, line.ExpectedAmount.Equal(dec("200.00")),
		"payable should cap at max_units x rate, got %s", line.ExpectedAmount)

	results, err := f.store.ListValidationResults(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	pass := resultWithStatus(t, results, billing.ValidationPass)
	assert.Equal(t, billing.ValidationRate, pass.ValidationType, "billed amount is internally consistent")
	fail := resultWithStatus(t, results, billing.ValidationFail)
	assert.Equal(t, "$200.00", fail.ExpectedValue)
	assert.Equal(t, billing.ActionAcceptReduction, fail.RequiredAction)
}

func TestPipelineGuidelineCapCitesNarrative(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "IME.PHY_EXAM.TRAVEL_TRANSPORT", "500.00")
	f.addGuideline(t, &billing.Guideline{
		TaxonomyCode:    "IME.PHY_EXAM.TRAVEL_TRANSPORT",
		RuleType:        billing.RuleCapAmount,
		RuleParams:      map[string]interface{}{"max_amount": 400.00},
		Severity:        billing.SeverityError,
		NarrativeSource: "Airfare reimbursement capped at $400 per exam",
	})
	ctx := context.Background()

	summary := f.process(t, csvFile(`Airfare - expert travel,1,500.00,,`))

	assert.Equal(t, billing.StatusReviewRequired, summary.Status)
	assert.Equal(t, 1, summary.LinesError)

	lines := f.lines(t)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, billing.LineException, line.Status)
	require.NotNil(t, line.ExpectedAmount)
	assert.True(t, line.ExpectedAmount.Equal(dec("500.00")),
		"guideline findings leave the expected amount to carrier review")

	results, err := f.store.ListValidationResults(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	guidelineFail := resultWithStatus(t, results, billing.ValidationFail)
	assert.Equal(t, billing.ValidationGuideline, guidelineFail.ValidationType)
	assert.Equal(t, billing.ActionAcceptReduction, guidelineFail.RequiredAction)
	assert.Contains(t, guidelineFail.Message, "$400")
	assert.Contains(t, guidelineFail.Message, "Airfare reimbursement capped at $400 per exam")

	exceptions, err := f.store.ListInvoiceExceptions(ctx, f.invoice.ID)
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, billing.ExceptionOpen, exceptions[0].Status)
}

func TestPipelineMixedLinesSummaryCounts(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "IME.PHY_EXAM.PROF_FEE", "600.00")

	summary := f.process(t, csvFile(
		`IME Physician Examination,1,600.00,,`,
		`IME Physician Examination - Neurology,1,725.00,,`,
		`IME Physician Examination - Records Only,1,500.00,,`,
		`Completely unrecognizable xyzzy service,1,999.99,,`,
	))

	assert.Equal(t, billing.StatusReviewRequired, summary.Status)
	assert.Equal(t, 4, summary.LinesProcessed)
	assert.Equal(t, 2, summary.LinesPass, "clean line and underbilled line both pass")
	assert.Equal(t, 2, summary.LinesError)
	assert.Equal(t, 1, summary.LinesWarning, "underbilling warns but does not fail")

	lines := f.lines(t)
	require.Len(t, lines, 4)
	assert.Equal(t, billing.LineValidated, lines[0].Status)
	assert.Equal(t, billing.LineException, lines[1].Status)
	assert.Equal(t, billing.LineValidated, lines[2].Status)
	assert.Equal(t, billing.LineException, lines[3].Status)
}

// =============================================================================
// FAILURE AND RECOVERY
// =============================================================================

func TestPipelineParseFailureParksInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	summary, err := f.orch.Process(ctx, f.invoice.ID, []byte("description,amount\n"), "billing.csv")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusReviewRequired, summary.Status)
	assert.Contains(t, summary.Error, "no data rows")
	assert.Equal(t, 0, summary.LinesProcessed)

	assert.Equal(t, billing.StatusReviewRequired, f.reload(t).Status)

	count, err := f.store.CountLineItems(ctx, f.invoice.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, count)

	events, err := f.store.ListAuditEvents(ctx, billing.EntityInvoice, f.invoice.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, string(billing.StatusReviewRequired), events[1].Payload["to_status"])
	assert.Contains(t, events[1].Payload["error"], "no data rows")
}

func TestPipelineUnsupportedFormatParksInvoice(t *testing.T) {
	f := newFixture(t)

	summary, err := f.orch.Process(context.Background(), f.invoice.ID, []byte("junk"), "billing.xlsx")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusReviewRequired, summary.Status)
	assert.Contains(t, summary.Error, "not yet supported")
	assert.Equal(t, billing.StatusReviewRequired, f.reload(t).Status)
}

func TestPipelineContractMissingParksInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Point the invoice at a contract that does not exist.
	orphan := &billing.Invoice{
		SupplierID:     f.supplier.ID,
		ContractID:     uuid.New(),
		InvoiceNumber:  "INV-2025-0099",
		InvoiceDate:    time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:         billing.StatusSubmitted,
		FileFormat:     billing.FormatCSV,
		CurrentVersion: 1,
	}
	require.NoError(t, f.store.InsertInvoice(ctx, orphan))

	summary, err := f.orch.Process(ctx, orphan.ID, []byte(csvFile(`IME Physician Examination,1,600.00,,`)), "billing.csv")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusReviewRequired, summary.Status)
	assert.Contains(t, summary.Error, "contract not found")

	reloaded, err := f.store.GetInvoice(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusReviewRequired, reloaded.Status)

	count, err := f.store.CountLineItems(ctx, orphan.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPipelineRerunIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "IME.PHY_EXAM.PROF_FEE", "600.00")
	ctx := context.Background()
	body := csvFile(`IME Physician Examination,1,600.00,,`)

	first := f.process(t, body)
	assert.False(t, first.Skipped)

	second := f.process(t, body)
	assert.True(t, second.Skipped)
	assert.Equal(t, billing.StatusPendingCarrierReview, second.Status)
	assert.Zero(t, second.LinesProcessed)

	count, err := f.store.CountLineItems(ctx, f.invoice.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "rerun must not duplicate line items")

	events, err := f.store.ListAuditEvents(ctx, billing.EntityInvoice, f.invoice.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2, "rerun must not append audit events")
}

// failingStore wraps a Store and fails line inserts, including inside
// transactions.
type failingStore struct {
	store.Store
}

func (f *failingStore) InsertLineItem(ctx context.Context, line *billing.LineItem) error {
	return errors.New("disk full")
}

func (f *failingStore) InTransaction(ctx context.Context, fn func(store.Store) error) error {
	return f.Store.InTransaction(ctx, func(tx store.Store) error {
		return fn(&failingStore{Store: tx})
	})
}

func TestPipelineBodyFailureRollsBackAndCompensates(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "IME.PHY_EXAM.PROF_FEE", "600.00")
	ctx := context.Background()
	orch := New(&failingStore{Store: f.store})

	_, err := orch.Process(ctx, f.invoice.ID, []byte(csvFile(`IME Physician Examination,1,600.00,,`)), "billing.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, billing.StatusSubmitted, f.reload(t).Status,
		"failed run must revert the processing marker")

	count, err := f.store.CountLineItems(ctx, f.invoice.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, count)

	artifacts, err := f.store.ListArtifacts(ctx, f.version.ID)
	require.NoError(t, err)
	assert.Empty(t, artifacts, "artifact write must roll back with the run")

	events, err := f.store.ListAuditEvents(ctx, billing.EntityInvoice, f.invoice.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, string(billing.StatusProcessing), events[0].Payload["to_status"])
	assert.Equal(t, string(billing.StatusSubmitted), events[1].Payload["to_status"])
}

// =============================================================================
// STORED-FILE ENTRY
// =============================================================================

type mapLoader struct {
	files map[string][]byte
}

func (l *mapLoader) Load(ctx context.Context, path string) ([]byte, error) {
	data, ok := l.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return data, nil
}

func TestPipelineProcessStored(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "IME.PHY_EXAM.PROF_FEE", "600.00")
	loader := &mapLoader{files: map[string][]byte{
		f.invoice.RawFilePath: []byte(csvFile(`IME Physician Examination,1,600.00,,`)),
	}}

	summary, err := f.orch.ProcessStored(context.Background(), loader, f.invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPendingCarrierReview, summary.Status)
	assert.Equal(t, 1, summary.LinesProcessed)
}

func TestPipelineProcessStoredLoadFailureLeavesSubmitted(t *testing.T) {
	f := newFixture(t)
	loader := &mapLoader{files: map[string][]byte{}}

	_, err := f.orch.ProcessStored(context.Background(), loader, f.invoice.ID)
	require.Error(t, err)
	assert.Equal(t, billing.StatusSubmitted, f.reload(t).Status,
		"a file that cannot be loaded must leave the invoice retryable")
}

func TestPipelineHonorsCarrierRateTolerance(t *testing.T) {
	// 600.50 billed against a 600.00 expected amount fails at the
	// default 0.02 tolerance.
	f := newFixture(t)
	f.addCard(t, "IME.PHY_EXAM.PROF_FEE", "600.00")
	summary := f.process(t, csvFile(`IME Physician Examination,1,600.50,,`))
	assert.Equal(t, billing.StatusReviewRequired, summary.Status)

	// The same invoice passes for a carrier that tolerates a dollar.
	g := newFixture(t)
	g.addCard(t, "IME.PHY_EXAM.PROF_FEE", "600.00")
	mgr, err := config.NewManager(config.Default(), "")
	require.NoError(t, err)
	mgr.SetCarrierOverride(g.carrier.ID.String(), config.Config{
		Validation: config.ValidationConfig{RateTolerance: 1.00},
	})
	g.orch.SetConfig(mgr)

	summary = g.process(t, csvFile(`IME Physician Examination,1,600.50,,`))
	assert.Equal(t, billing.StatusPendingCarrierReview, summary.Status)
	assert.Equal(t, 0, summary.LinesError)
}

func TestPipelineRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "IME.PHY_EXAM.PROF_FEE", "600.00")
	m := metrics.New(prometheus.NewRegistry())
	f.orch.SetMetrics(m)

	f.process(t, csvFile(
		`IME Physician Examination,1,600.00,,`,
		`Completely unrecognizable xyzzy service,1,50.00,,`,
	))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvoicesProcessed.WithLabelValues("REVIEW_REQUIRED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LineOutcomes.WithLabelValues("VALIDATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LineOutcomes.WithLabelValues("EXCEPTION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Classifications.WithLabelValues("MEDIUM")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Classifications.WithLabelValues("UNRECOGNIZED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationFindings.WithLabelValues("RATE", "PASS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationFindings.WithLabelValues("CLASSIFICATION", "FAIL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenExceptions))

	// A redelivered job only bumps the skip counter.
	_, err := f.orch.Process(context.Background(), f.invoice.ID, []byte(csvFile(`IME Physician Examination,1,600.00,,`)), "billing.csv")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineSkips))
}
