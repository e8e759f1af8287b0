package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearbill/backend/internal/billing"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore is a map-backed Store for tests and for local development
// without a database. Writes replace stored pointers with fresh copies
// and reads return copies, so a snapshot of the maps is enough to roll
// a failed transaction back.
//
// Transactions are serialized on txMu. They restore the pre-transaction
// snapshot on error but concurrent readers are not isolated from
// in-flight writes the way Postgres isolates them.
type MemoryStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	carriers     map[uuid.UUID]*billing.Carrier
	suppliers    map[uuid.UUID]*billing.Supplier
	users        map[uuid.UUID]*billing.User
	contracts    map[uuid.UUID]*billing.Contract
	rateCards    map[uuid.UUID]*billing.RateCard
	guidelines   map[uuid.UUID]*billing.Guideline
	taxonomy     map[string]*billing.TaxonomyItem
	mappingRules map[uuid.UUID]*billing.MappingRule
	invoices     map[uuid.UUID]*billing.Invoice
	versions     map[uuid.UUID]*billing.InvoiceVersion
	artifacts    map[uuid.UUID]*billing.ExtractionArtifact
	lineItems    map[uuid.UUID]*billing.LineItem
	validations  map[uuid.UUID]*billing.ValidationResult
	exceptions   map[uuid.UUID]*billing.ExceptionRecord
	auditEvents  []*billing.AuditEvent

	lastAuditAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		carriers:     map[uuid.UUID]*billing.Carrier{},
		suppliers:    map[uuid.UUID]*billing.Supplier{},
		users:        map[uuid.UUID]*billing.User{},
		contracts:    map[uuid.UUID]*billing.Contract{},
		rateCards:    map[uuid.UUID]*billing.RateCard{},
		guidelines:   map[uuid.UUID]*billing.Guideline{},
		taxonomy:     map[string]*billing.TaxonomyItem{},
		mappingRules: map[uuid.UUID]*billing.MappingRule{},
		invoices:     map[uuid.UUID]*billing.Invoice{},
		versions:     map[uuid.UUID]*billing.InvoiceVersion{},
		artifacts:    map[uuid.UUID]*billing.ExtractionArtifact{},
		lineItems:    map[uuid.UUID]*billing.LineItem{},
		validations:  map[uuid.UUID]*billing.ValidationResult{},
		exceptions:   map[uuid.UUID]*billing.ExceptionRecord{},
	}
}

// memorySnapshot captures the map headers. Copy-on-write makes the
// shared pointers safe to restore.
type memorySnapshot struct {
	carriers     map[uuid.UUID]*billing.Carrier
	suppliers    map[uuid.UUID]*billing.Supplier
	users        map[uuid.UUID]*billing.User
	contracts    map[uuid.UUID]*billing.Contract
	rateCards    map[uuid.UUID]*billing.RateCard
	guidelines   map[uuid.UUID]*billing.Guideline
	taxonomy     map[string]*billing.TaxonomyItem
	mappingRules map[uuid.UUID]*billing.MappingRule
	invoices     map[uuid.UUID]*billing.Invoice
	versions     map[uuid.UUID]*billing.InvoiceVersion
	artifacts    map[uuid.UUID]*billing.ExtractionArtifact
	lineItems    map[uuid.UUID]*billing.LineItem
	validations  map[uuid.UUID]*billing.ValidationResult
	exceptions   map[uuid.UUID]*billing.ExceptionRecord
	auditEvents  []*billing.AuditEvent
	lastAuditAt  time.Time
}

func (m *MemoryStore) snapshot() memorySnapshot {
	return memorySnapshot{
		carriers:     copyMapU(m.carriers),
		suppliers:    copyMapU(m.suppliers),
		users:        copyMapU(m.users),
		contracts:    copyMapU(m.contracts),
		rateCards:    copyMapU(m.rateCards),
		guidelines:   copyMapU(m.guidelines),
		taxonomy:     copyMapS(m.taxonomy),
		mappingRules: copyMapU(m.mappingRules),
		invoices:     copyMapU(m.invoices),
		versions:     copyMapU(m.versions),
		artifacts:    copyMapU(m.artifacts),
		lineItems:    copyMapU(m.lineItems),
		validations:  copyMapU(m.validations),
		exceptions:   copyMapU(m.exceptions),
		auditEvents:  append([]*billing.AuditEvent(nil), m.auditEvents...),
		lastAuditAt:  m.lastAuditAt,
	}
}

func (m *MemoryStore) restore(snap memorySnapshot) {
	m.carriers = snap.carriers
	m.suppliers = snap.suppliers
	m.users = snap.users
	m.contracts = snap.contracts
	m.rateCards = snap.rateCards
	m.guidelines = snap.guidelines
	m.taxonomy = snap.taxonomy
	m.mappingRules = snap.mappingRules
	m.invoices = snap.invoices
	m.versions = snap.versions
	m.artifacts = snap.artifacts
	m.lineItems = snap.lineItems
	m.validations = snap.validations
	m.exceptions = snap.exceptions
	m.auditEvents = snap.auditEvents
	m.lastAuditAt = snap.lastAuditAt
}

func copyMapU[V any](src map[uuid.UUID]V) map[uuid.UUID]V {
	dst := make(map[uuid.UUID]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyMapS[V any](src map[string]V) map[string]V {
	dst := make(map[string]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// InTransaction serializes the body and restores the pre-transaction
// state on error. Nested calls join the running transaction like the
// Postgres store.
func (m *MemoryStore) InTransaction(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	if err := fn(&memoryTx{m}); err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

// memoryTx is the Store handed to a transaction body. It reuses every
// MemoryStore method but turns nested InTransaction calls into plain
// calls so they join instead of deadlocking on txMu.
type memoryTx struct {
	*MemoryStore
}

func (t *memoryTx) InTransaction(ctx context.Context, fn func(Store) error) error {
	return fn(t)
}

// =============================================================================
// PARTIES AND USERS
// =============================================================================

func (m *MemoryStore) InsertCarrier(ctx context.Context, carrier *billing.Carrier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&carrier.ID)
	stampTime(&carrier.CreatedAt)
	m.carriers[carrier.ID] = cloneCarrier(carrier)
	return nil
}

func (m *MemoryStore) GetCarrier(ctx context.Context, id uuid.UUID) (*billing.Carrier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carriers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCarrier(c), nil
}

func (m *MemoryStore) InsertSupplier(ctx context.Context, supplier *billing.Supplier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&supplier.ID)
	stampTime(&supplier.CreatedAt)
	m.suppliers[supplier.ID] = cloneSupplier(supplier)
	return nil
}

func (m *MemoryStore) GetSupplier(ctx context.Context, id uuid.UUID) (*billing.Supplier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suppliers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSupplier(s), nil
}

func (m *MemoryStore) ListSuppliers(ctx context.Context) ([]billing.Supplier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]billing.Supplier, 0, len(m.suppliers))
	for _, s := range m.suppliers {
		out = append(out, *cloneSupplier(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) InsertContract(ctx context.Context, contract *billing.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&contract.ID)
	stampTime(&contract.CreatedAt)
	m.contracts[contract.ID] = cloneContract(contract)
	return nil
}

func (m *MemoryStore) GetContract(ctx context.Context, id uuid.UUID) (*billing.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneContract(c), nil
}

func (m *MemoryStore) ListSupplierContracts(ctx context.Context, supplierID uuid.UUID) ([]billing.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.Contract
	for _, c := range m.contracts {
		if c.SupplierID == supplierID {
			out = append(out, *cloneContract(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.After(out[j].EffectiveFrom) })
	return out, nil
}

func (m *MemoryStore) InsertUser(ctx context.Context, user *billing.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return fmt.Errorf("insert user: email %q already registered", user.Email)
		}
	}
	stampID(&user.ID)
	stampTime(&user.CreatedAt)
	m.users[user.ID] = cloneUser(user)
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*billing.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

// =============================================================================
// CONTRACT TERMS
// =============================================================================

func (m *MemoryStore) InsertRateCard(ctx context.Context, card *billing.RateCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&card.ID)
	stampTime(&card.CreatedAt)
	m.rateCards[card.ID] = cloneRateCard(card)
	return nil
}

func (m *MemoryStore) RateCards(ctx context.Context, contractID uuid.UUID, taxonomyCode string) ([]billing.RateCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.RateCard
	for _, rc := range m.rateCards {
		if rc.ContractID == contractID && rc.TaxonomyCode == taxonomyCode {
			out = append(out, *cloneRateCard(rc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out, nil
}

func (m *MemoryStore) InsertGuideline(ctx context.Context, guideline *billing.Guideline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&guideline.ID)
	stampTime(&guideline.CreatedAt)
	m.guidelines[guideline.ID] = cloneGuideline(guideline)
	return nil
}

func (m *MemoryStore) ActiveGuidelines(ctx context.Context, contractID uuid.UUID) ([]billing.Guideline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.Guideline
	for _, g := range m.guidelines {
		if g.ContractID == contractID && g.IsActive {
			out = append(out, *cloneGuideline(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// TAXONOMY PROJECTION
// =============================================================================

func (m *MemoryStore) UpsertTaxonomyItem(ctx context.Context, item *billing.TaxonomyItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampTime(&item.CreatedAt)
	next := cloneTaxonomyItem(item)
	if existing, ok := m.taxonomy[item.Code]; ok {
		next.IsActive = existing.IsActive
		next.CreatedAt = existing.CreatedAt
	}
	m.taxonomy[item.Code] = next
	return nil
}

func (m *MemoryStore) ListTaxonomyItems(ctx context.Context) ([]billing.TaxonomyItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]billing.TaxonomyItem, 0, len(m.taxonomy))
	for _, item := range m.taxonomy {
		out = append(out, *cloneTaxonomyItem(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// =============================================================================
// MAPPING RULES
// =============================================================================

func (m *MemoryStore) InsertMappingRule(ctx context.Context, rule *billing.MappingRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&rule.ID)
	stampTime(&rule.CreatedAt)
	m.mappingRules[rule.ID] = cloneMappingRule(rule)
	return nil
}

func (m *MemoryStore) GetMappingRule(ctx context.Context, id uuid.UUID) (*billing.MappingRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.mappingRules[id]
	if !ok {
		return nil, nil
	}
	return cloneMappingRule(r), nil
}

func (m *MemoryStore) ActiveMappingRules(ctx context.Context, supplierID *uuid.UUID, now time.Time) ([]billing.MappingRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.MappingRule
	for _, r := range m.mappingRules {
		if !r.ActiveAt(now) {
			continue
		}
		if r.SupplierID != nil && (supplierID == nil || *r.SupplierID != *supplierID) {
			continue
		}
		out = append(out, *cloneMappingRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) FindActiveMappingRule(ctx context.Context, supplierID *uuid.UUID, matchType billing.MatchType, pattern string) (*billing.MappingRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *billing.MappingRule
	for _, r := range m.mappingRules {
		if !sameScope(r.SupplierID, supplierID) || r.MatchType != matchType || r.MatchPattern != pattern {
			continue
		}
		if r.EffectiveTo != nil {
			continue
		}
		if best == nil || r.Version > best.Version {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneMappingRule(best), nil
}

func (m *MemoryStore) ExpireMappingRule(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.mappingRules[id]
	if !ok {
		return fmt.Errorf("expire mapping rule: %w", ErrNotFound)
	}
	next := cloneMappingRule(r)
	next.EffectiveTo = copyTime(&at)
	m.mappingRules[id] = next
	return nil
}

func sameScope(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// =============================================================================
// INVOICES
// =============================================================================

func (m *MemoryStore) InsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&inv.ID)
	stampTime(&inv.CreatedAt)
	inv.UpdatedAt = inv.CreatedAt
	m.invoices[inv.ID] = cloneInvoice(inv)
	return nil
}

func (m *MemoryStore) GetInvoice(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (m *MemoryStore) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.invoices[inv.ID]
	if !ok {
		return fmt.Errorf("update invoice: %w", ErrNotFound)
	}
	inv.UpdatedAt = time.Now().UTC()
	next := cloneInvoice(inv)
	next.Status = existing.Status
	next.CreatedAt = existing.CreatedAt
	m.invoices[inv.ID] = next
	return nil
}

func (m *MemoryStore) TransitionInvoice(ctx context.Context, id uuid.UUID, from, to billing.SubmissionStatus) error {
	if err := billing.GuardInvoiceTransition(id, from, to); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return ErrNotFound
	}
	if inv.Status != from {
		return &billing.ConflictError{
			Entity:   billing.EntityInvoice,
			EntityID: id,
			From:     string(inv.Status),
			To:       string(to),
		}
	}
	next := cloneInvoice(inv)
	next.Status = to
	next.UpdatedAt = time.Now().UTC()
	m.invoices[id] = next
	return nil
}

func (m *MemoryStore) ListSupplierInvoices(ctx context.Context, supplierID uuid.UUID) ([]billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.Invoice
	for _, inv := range m.invoices {
		if inv.SupplierID == supplierID {
			out = append(out, *cloneInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListInvoicesByStatus(ctx context.Context, statuses ...billing.SubmissionStatus) ([]billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[billing.SubmissionStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	var out []billing.Invoice
	for _, inv := range m.invoices {
		if wanted[inv.Status] {
			out = append(out, *cloneInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// VERSIONS AND ARTIFACTS
// =============================================================================

func (m *MemoryStore) InsertInvoiceVersion(ctx context.Context, version *billing.InvoiceVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.InvoiceID == version.InvoiceID && v.VersionNumber == version.VersionNumber {
			return fmt.Errorf("insert invoice version: version %d already exists for invoice %s",
				version.VersionNumber, version.InvoiceID)
		}
	}
	stampID(&version.ID)
	stampTime(&version.SubmittedAt)
	m.versions[version.ID] = cloneInvoiceVersion(version)
	return nil
}

func (m *MemoryStore) GetInvoiceVersion(ctx context.Context, invoiceID uuid.UUID, versionNumber int) (*billing.InvoiceVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.InvoiceID == invoiceID && v.VersionNumber == versionNumber {
			return cloneInvoiceVersion(v), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) InsertArtifact(ctx context.Context, artifact *billing.ExtractionArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&artifact.ID)
	stampTime(&artifact.CreatedAt)
	m.artifacts[artifact.ID] = cloneArtifact(artifact)
	return nil
}

func (m *MemoryStore) ListArtifacts(ctx context.Context, invoiceVersionID uuid.UUID) ([]billing.ExtractionArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.ExtractionArtifact
	for _, a := range m.artifacts {
		if a.InvoiceVersionID == invoiceVersionID {
			out = append(out, *cloneArtifact(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// LINE ITEMS
// =============================================================================

func (m *MemoryStore) InsertLineItem(ctx context.Context, line *billing.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&line.ID)
	stampTime(&line.CreatedAt)
	line.UpdatedAt = line.CreatedAt
	m.lineItems[line.ID] = cloneLineItem(line)
	return nil
}

func (m *MemoryStore) UpdateLineItem(ctx context.Context, line *billing.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.lineItems[line.ID]
	if !ok {
		return fmt.Errorf("update line item: %w", ErrNotFound)
	}
	line.UpdatedAt = time.Now().UTC()
	next := cloneLineItem(existing)
	next.Status = line.Status
	next.TaxonomyCode = line.TaxonomyCode
	next.BillingComponent = line.BillingComponent
	next.MappedUnitModel = line.MappedUnitModel
	next.MappingConfidence = line.MappingConfidence
	next.MappingRuleID = copyUUID(line.MappingRuleID)
	next.MappedRate = copyDecimal(line.MappedRate)
	next.ExpectedAmount = copyDecimal(line.ExpectedAmount)
	next.UpdatedAt = line.UpdatedAt
	m.lineItems[line.ID] = next
	return nil
}

func (m *MemoryStore) GetLineItem(ctx context.Context, id uuid.UUID) (*billing.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	li, ok := m.lineItems[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLineItem(li), nil
}

func (m *MemoryStore) ListLineItems(ctx context.Context, invoiceID uuid.UUID, version int) ([]billing.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.LineItem
	for _, li := range m.lineItems {
		if li.InvoiceID == invoiceID && li.InvoiceVersion == version {
			out = append(out, *cloneLineItem(li))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out, nil
}

func (m *MemoryStore) CountLineItems(ctx context.Context, invoiceID uuid.UUID, version int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, li := range m.lineItems {
		if li.InvoiceID == invoiceID && li.InvoiceVersion == version {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ReviewQueue(ctx context.Context, limit int) ([]billing.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.LineItem
	for _, li := range m.lineItems {
		if li.MappingConfidence == billing.ConfidenceLow || li.MappingConfidence == billing.ConfidenceMedium {
			out = append(out, *cloneLineItem(li))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// VALIDATION RESULTS AND EXCEPTIONS
// =============================================================================

func (m *MemoryStore) InsertValidationResult(ctx context.Context, result *billing.ValidationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&result.ID)
	stampTime(&result.CreatedAt)
	m.validations[result.ID] = cloneValidationResult(result)
	return nil
}

func (m *MemoryStore) ListValidationResults(ctx context.Context, lineItemID uuid.UUID) ([]billing.ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.ValidationResult
	for _, vr := range m.validations {
		if vr.LineItemID == lineItemID {
			out = append(out, *cloneValidationResult(vr))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return lessUUID(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (m *MemoryStore) InsertExceptionRecord(ctx context.Context, exc *billing.ExceptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stampID(&exc.ID)
	stampTime(&exc.CreatedAt)
	exc.UpdatedAt = exc.CreatedAt
	m.exceptions[exc.ID] = cloneException(exc)
	return nil
}

func (m *MemoryStore) UpdateExceptionRecord(ctx context.Context, exc *billing.ExceptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.exceptions[exc.ID]
	if !ok {
		return fmt.Errorf("update exception record: %w", ErrNotFound)
	}
	exc.UpdatedAt = time.Now().UTC()
	next := cloneException(exc)
	next.LineItemID = existing.LineItemID
	next.ValidationResultID = existing.ValidationResultID
	next.CreatedAt = existing.CreatedAt
	m.exceptions[exc.ID] = next
	return nil
}

func (m *MemoryStore) GetExceptionRecord(ctx context.Context, id uuid.UUID) (*billing.ExceptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exc, ok := m.exceptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneException(exc), nil
}

func (m *MemoryStore) ListInvoiceExceptions(ctx context.Context, invoiceID uuid.UUID) ([]billing.ExceptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.ExceptionRecord
	for _, exc := range m.exceptions {
		li, ok := m.lineItems[exc.LineItemID]
		if !ok || li.InvoiceID != invoiceID {
			continue
		}
		out = append(out, *cloneException(exc))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return lessUUID(out[i].ID, out[j].ID)
	})
	return out, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AppendAuditEvent mirrors the Postgres behavior: the store assigns id
// and created_at, refusing caller-supplied timestamps, and bumps the
// clock forward when two events land in the same instant so per-entity
// order stays strict.
func (m *MemoryStore) AppendAuditEvent(ctx context.Context, event *billing.AuditEvent) error {
	if !event.CreatedAt.IsZero() {
		return ErrTimestampSupplied
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(m.lastAuditAt) {
		now = m.lastAuditAt.Add(time.Microsecond)
	}
	m.lastAuditAt = now

	event.ID = uuid.New()
	event.CreatedAt = now
	m.auditEvents = append(m.auditEvents, cloneAuditEvent(event))
	return nil
}

func (m *MemoryStore) ListAuditEvents(ctx context.Context, entityType string, entityID uuid.UUID) ([]billing.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.AuditEvent
	for _, ev := range m.auditEvents {
		if ev.EntityType == entityType && ev.EntityID == entityID {
			out = append(out, *cloneAuditEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return lessUUID(out[i].ID, out[j].ID)
	})
	return out, nil
}

// =============================================================================
// ANALYTICS
// =============================================================================

func (m *MemoryStore) AnalyticsSummary(ctx context.Context) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := Summary{
		TotalBilled:   decimal.Zero,
		TotalApproved: decimal.Zero,
		TotalSavings:  decimal.Zero,
	}
	for _, li := range m.lineItems {
		inv, ok := m.invoices[li.InvoiceID]
		if !ok {
			continue
		}
		if inv.Status != billing.StatusDraft && inv.Status != billing.StatusProcessing {
			sum.TotalBilled = sum.TotalBilled.Add(li.RawAmount)
		}
		if inv.Status == billing.StatusApproved || inv.Status == billing.StatusExported {
			if li.ExpectedAmount != nil && li.Status != billing.LineDenied {
				sum.TotalApproved = sum.TotalApproved.Add(*li.ExpectedAmount)
			}
			if li.ExpectedAmount != nil && li.RawAmount.GreaterThan(*li.ExpectedAmount) {
				sum.TotalSavings = sum.TotalSavings.Add(li.RawAmount.Sub(*li.ExpectedAmount))
			}
		}
	}

	for _, exc := range m.exceptions {
		sum.TotalExceptions++
		if exc.Status == billing.ExceptionOpen {
			sum.OpenExceptions++
		}
	}

	counts := map[billing.SubmissionStatus]int{}
	for _, inv := range m.invoices {
		counts[inv.Status]++
	}
	for st, n := range counts {
		sum.InvoiceStatusCounts = append(sum.InvoiceStatusCounts, StatusCount{Status: st, Count: n})
	}
	sort.Slice(sum.InvoiceStatusCounts, func(i, j int) bool {
		return sum.InvoiceStatusCounts[i].Status < sum.InvoiceStatusCounts[j].Status
	})
	return &sum, nil
}

func (m *MemoryStore) SpendByDomain(ctx context.Context) ([]DomainSpend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byDomain := map[string]*DomainSpend{}
	for _, li := range m.lineItems {
		if li.TaxonomyCode == "" {
			continue
		}
		domain := li.TaxonomyCode
		if i := strings.IndexByte(domain, '.'); i >= 0 {
			domain = domain[:i]
		}
		d, ok := byDomain[domain]
		if !ok {
			d = &DomainSpend{Domain: domain, TotalBilled: decimal.Zero, TotalApproved: decimal.Zero}
			byDomain[domain] = d
		}
		d.LineCount++
		d.TotalBilled = d.TotalBilled.Add(li.RawAmount)
		if li.ExpectedAmount != nil {
			d.TotalApproved = d.TotalApproved.Add(*li.ExpectedAmount)
		}
	}

	out := make([]DomainSpend, 0, len(byDomain))
	for _, d := range byDomain {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalBilled.GreaterThan(out[j].TotalBilled) })
	return out, nil
}

func (m *MemoryStore) SpendBySupplier(ctx context.Context) ([]SupplierSpend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type agg struct {
		spend    SupplierSpend
		invoices map[uuid.UUID]bool
	}
	bySupplier := map[uuid.UUID]*agg{}
	for _, li := range m.lineItems {
		inv, ok := m.invoices[li.InvoiceID]
		if !ok || inv.Status == billing.StatusDraft || inv.Status == billing.StatusProcessing {
			continue
		}
		sup, ok := m.suppliers[inv.SupplierID]
		if !ok {
			continue
		}
		a, ok := bySupplier[sup.ID]
		if !ok {
			a = &agg{
				spend: SupplierSpend{
					SupplierID:    sup.ID,
					SupplierName:  sup.Name,
					TotalBilled:   decimal.Zero,
					TotalApproved: decimal.Zero,
				},
				invoices: map[uuid.UUID]bool{},
			}
			bySupplier[sup.ID] = a
		}
		a.invoices[inv.ID] = true
		a.spend.TotalBilled = a.spend.TotalBilled.Add(li.RawAmount)
		if li.ExpectedAmount != nil {
			a.spend.TotalApproved = a.spend.TotalApproved.Add(*li.ExpectedAmount)
		}
	}

	out := make([]SupplierSpend, 0, len(bySupplier))
	for _, a := range bySupplier {
		a.spend.InvoiceCount = len(a.invoices)
		out = append(out, a.spend)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalBilled.GreaterThan(out[j].TotalBilled) })
	return out, nil
}

func (m *MemoryStore) SpendByTaxonomy(ctx context.Context) ([]TaxonomySpend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCode := map[string]*TaxonomySpend{}
	for _, li := range m.lineItems {
		if li.TaxonomyCode == "" {
			continue
		}
		ts, ok := byCode[li.TaxonomyCode]
		if !ok {
			ts = &TaxonomySpend{TaxonomyCode: li.TaxonomyCode, TotalBilled: decimal.Zero, TotalApproved: decimal.Zero}
			if item, found := m.taxonomy[li.TaxonomyCode]; found {
				ts.Label = item.Label
				ts.Domain = item.Domain
			}
			byCode[li.TaxonomyCode] = ts
		}
		ts.LineCount++
		ts.TotalBilled = ts.TotalBilled.Add(li.RawAmount)
		if li.ExpectedAmount != nil {
			ts.TotalApproved = ts.TotalApproved.Add(*li.ExpectedAmount)
		}
	}

	out := make([]TaxonomySpend, 0, len(byCode))
	for _, ts := range byCode {
		out = append(out, *ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalBilled.GreaterThan(out[j].TotalBilled) })
	return out, nil
}

func (m *MemoryStore) ExceptionBreakdown(ctx context.Context) ([]ExceptionTypeCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[billing.ValidationType]int{}
	for _, exc := range m.exceptions {
		vr, ok := m.validations[exc.ValidationResultID]
		if !ok {
			continue
		}
		counts[vr.ValidationType]++
	}

	out := make([]ExceptionTypeCount, 0, len(counts))
	for vt, n := range counts {
		out = append(out, ExceptionTypeCount{ValidationType: vt, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ValidationType < out[j].ValidationType
	})
	return out, nil
}

// =============================================================================
// CLONES
// =============================================================================

func lessUUID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func copyUUID(p *uuid.UUID) *uuid.UUID {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyDecimal(p *decimal.Decimal) *decimal.Decimal {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyPayload(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneCarrier(c *billing.Carrier) *billing.Carrier {
	cp := *c
	return &cp
}

func cloneSupplier(s *billing.Supplier) *billing.Supplier {
	cp := *s
	return &cp
}

func cloneUser(u *billing.User) *billing.User {
	cp := *u
	cp.SupplierID = copyUUID(u.SupplierID)
	cp.CarrierID = copyUUID(u.CarrierID)
	return &cp
}

func cloneContract(c *billing.Contract) *billing.Contract {
	cp := *c
	cp.EffectiveTo = copyTime(c.EffectiveTo)
	cp.StateCodes = append([]string(nil), c.StateCodes...)
	return &cp
}

func cloneRateCard(rc *billing.RateCard) *billing.RateCard {
	cp := *rc
	cp.MaxUnits = copyDecimal(rc.MaxUnits)
	cp.EffectiveTo = copyTime(rc.EffectiveTo)
	return &cp
}

func cloneGuideline(g *billing.Guideline) *billing.Guideline {
	cp := *g
	cp.RuleParams = copyPayload(g.RuleParams)
	return &cp
}

func cloneTaxonomyItem(t *billing.TaxonomyItem) *billing.TaxonomyItem {
	cp := *t
	return &cp
}

func cloneMappingRule(r *billing.MappingRule) *billing.MappingRule {
	cp := *r
	cp.SupplierID = copyUUID(r.SupplierID)
	cp.ConfirmedByUserID = copyUUID(r.ConfirmedByUserID)
	cp.ConfirmedAt = copyTime(r.ConfirmedAt)
	cp.EffectiveTo = copyTime(r.EffectiveTo)
	cp.SupersedesRuleID = copyUUID(r.SupersedesRuleID)
	return &cp
}

func cloneInvoice(inv *billing.Invoice) *billing.Invoice {
	cp := *inv
	cp.SubmittedAt = copyTime(inv.SubmittedAt)
	return &cp
}

func cloneInvoiceVersion(v *billing.InvoiceVersion) *billing.InvoiceVersion {
	cp := *v
	return &cp
}

func cloneArtifact(a *billing.ExtractionArtifact) *billing.ExtractionArtifact {
	cp := *a
	cp.PageNumber = copyInt(a.PageNumber)
	cp.Metadata = copyPayload(a.Metadata)
	return &cp
}

func cloneLineItem(li *billing.LineItem) *billing.LineItem {
	cp := *li
	cp.ServiceDate = copyTime(li.ServiceDate)
	cp.MappingRuleID = copyUUID(li.MappingRuleID)
	cp.MappedRate = copyDecimal(li.MappedRate)
	cp.ExpectedAmount = copyDecimal(li.ExpectedAmount)
	return &cp
}

func cloneValidationResult(vr *billing.ValidationResult) *billing.ValidationResult {
	cp := *vr
	cp.RateCardID = copyUUID(vr.RateCardID)
	cp.GuidelineID = copyUUID(vr.GuidelineID)
	return &cp
}

func cloneException(exc *billing.ExceptionRecord) *billing.ExceptionRecord {
	cp := *exc
	cp.ResolvedAt = copyTime(exc.ResolvedAt)
	cp.ResolvedByUserID = copyUUID(exc.ResolvedByUserID)
	return &cp
}

func cloneAuditEvent(ev *billing.AuditEvent) *billing.AuditEvent {
	cp := *ev
	cp.ActorID = copyUUID(ev.ActorID)
	cp.Payload = copyPayload(ev.Payload)
	return &cp
}
