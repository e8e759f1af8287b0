// Package store is the persistence layer. PostgresStore is the system
// of record; MemoryStore backs tests and single-process development.
// Both satisfy Store, and the narrow interfaces the classifier,
// validators, and audit recorder declare are implicit subsets of it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearbill/backend/internal/billing"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrTimestampSupplied rejects audit events that arrive with a
// caller-set created_at. The store assigns audit timestamps; that rule
// is the tamper-resistance guarantee.
var ErrTimestampSupplied = errors.New("store: audit created_at is store-assigned")

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the full persistence surface. InTransaction hands the
// callback a Store whose writes all commit or roll back together; the
// pipeline runs one transaction per invoice.
type Store interface {
	InTransaction(ctx context.Context, fn func(Store) error) error

	// Parties and users.
	InsertCarrier(ctx context.Context, carrier *billing.Carrier) error
	GetCarrier(ctx context.Context, id uuid.UUID) (*billing.Carrier, error)
	InsertSupplier(ctx context.Context, supplier *billing.Supplier) error
	GetSupplier(ctx context.Context, id uuid.UUID) (*billing.Supplier, error)
	ListSuppliers(ctx context.Context) ([]billing.Supplier, error)
	InsertContract(ctx context.Context, contract *billing.Contract) error
	GetContract(ctx context.Context, id uuid.UUID) (*billing.Contract, error)
	ListSupplierContracts(ctx context.Context, supplierID uuid.UUID) ([]billing.Contract, error)
	InsertUser(ctx context.Context, user *billing.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*billing.User, error)
	GetUserByEmail(ctx context.Context, email string) (*billing.User, error)

	// Contract terms.
	InsertRateCard(ctx context.Context, card *billing.RateCard) error
	RateCards(ctx context.Context, contractID uuid.UUID, taxonomyCode string) ([]billing.RateCard, error)
	InsertGuideline(ctx context.Context, guideline *billing.Guideline) error
	ActiveGuidelines(ctx context.Context, contractID uuid.UUID) ([]billing.Guideline, error)

	// Taxonomy projection. The canonical list lives in code; the table
	// mirrors it for reporting joins.
	UpsertTaxonomyItem(ctx context.Context, item *billing.TaxonomyItem) error
	ListTaxonomyItems(ctx context.Context) ([]billing.TaxonomyItem, error)

	// Mapping rules.
	InsertMappingRule(ctx context.Context, rule *billing.MappingRule) error
	GetMappingRule(ctx context.Context, id uuid.UUID) (*billing.MappingRule, error)
	ActiveMappingRules(ctx context.Context, supplierID *uuid.UUID, now time.Time) ([]billing.MappingRule, error)
	FindActiveMappingRule(ctx context.Context, supplierID *uuid.UUID, matchType billing.MatchType, pattern string) (*billing.MappingRule, error)
	ExpireMappingRule(ctx context.Context, id uuid.UUID, at time.Time) error

	// Invoices.
	InsertInvoice(ctx context.Context, inv *billing.Invoice) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*billing.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *billing.Invoice) error
	TransitionInvoice(ctx context.Context, id uuid.UUID, from, to billing.SubmissionStatus) error
	ListSupplierInvoices(ctx context.Context, supplierID uuid.UUID) ([]billing.Invoice, error)
	ListInvoicesByStatus(ctx context.Context, statuses ...billing.SubmissionStatus) ([]billing.Invoice, error)

	// Upload versions and extraction artifacts.
	InsertInvoiceVersion(ctx context.Context, version *billing.InvoiceVersion) error
	GetInvoiceVersion(ctx context.Context, invoiceID uuid.UUID, versionNumber int) (*billing.InvoiceVersion, error)
	InsertArtifact(ctx context.Context, artifact *billing.ExtractionArtifact) error
	ListArtifacts(ctx context.Context, invoiceVersionID uuid.UUID) ([]billing.ExtractionArtifact, error)

	// Line items.
	InsertLineItem(ctx context.Context, line *billing.LineItem) error
	UpdateLineItem(ctx context.Context, line *billing.LineItem) error
	GetLineItem(ctx context.Context, id uuid.UUID) (*billing.LineItem, error)
	ListLineItems(ctx context.Context, invoiceID uuid.UUID, version int) ([]billing.LineItem, error)
	CountLineItems(ctx context.Context, invoiceID uuid.UUID, version int) (int, error)
	ReviewQueue(ctx context.Context, limit int) ([]billing.LineItem, error)

	// Validation results and exceptions.
	InsertValidationResult(ctx context.Context, result *billing.ValidationResult) error
	ListValidationResults(ctx context.Context, lineItemID uuid.UUID) ([]billing.ValidationResult, error)
	InsertExceptionRecord(ctx context.Context, exc *billing.ExceptionRecord) error
	UpdateExceptionRecord(ctx context.Context, exc *billing.ExceptionRecord) error
	GetExceptionRecord(ctx context.Context, id uuid.UUID) (*billing.ExceptionRecord, error)
	ListInvoiceExceptions(ctx context.Context, invoiceID uuid.UUID) ([]billing.ExceptionRecord, error)

	// Audit log. Append-only; created_at comes back store-assigned and
	// strictly increasing per entity.
	AppendAuditEvent(ctx context.Context, event *billing.AuditEvent) error
	ListAuditEvents(ctx context.Context, entityType string, entityID uuid.UUID) ([]billing.AuditEvent, error)

	// Analytics rollups for carrier reporting.
	AnalyticsSummary(ctx context.Context) (*Summary, error)
	SpendByDomain(ctx context.Context) ([]DomainSpend, error)
	SpendBySupplier(ctx context.Context) ([]SupplierSpend, error)
	SpendByTaxonomy(ctx context.Context) ([]TaxonomySpend, error)
	ExceptionBreakdown(ctx context.Context) ([]ExceptionTypeCount, error)
}

// =============================================================================
// ANALYTICS ROWS
// =============================================================================

// StatusCount is one bar of the invoice status distribution.
type StatusCount struct {
	Status billing.SubmissionStatus `json:"status"`
	Count  int                      `json:"count"`
}

// Summary carries the KPI scalars for the carrier dashboard header.
type Summary struct {
	TotalBilled         decimal.Decimal `json:"total_billed"`
	TotalApproved       decimal.Decimal `json:"total_approved"`
	TotalSavings        decimal.Decimal `json:"total_savings"`
	OpenExceptions      int             `json:"open_exceptions"`
	TotalExceptions     int             `json:"total_exceptions"`
	InvoiceStatusCounts []StatusCount   `json:"invoice_status_counts"`
}

// DomainSpend is spend rolled up by service domain (IME, ENG, ...).
type DomainSpend struct {
	Domain        string          `json:"domain"`
	LineCount     int             `json:"line_count"`
	TotalBilled   decimal.Decimal `json:"total_billed"`
	TotalApproved decimal.Decimal `json:"total_approved"`
}

// SupplierSpend is the per-supplier rollup used for RFP benchmarking.
type SupplierSpend struct {
	SupplierID    uuid.UUID       `json:"supplier_id"`
	SupplierName  string          `json:"supplier_name"`
	InvoiceCount  int             `json:"invoice_count"`
	TotalBilled   decimal.Decimal `json:"total_billed"`
	TotalApproved decimal.Decimal `json:"total_approved"`
}

// TaxonomySpend is the full per-code breakdown behind the spend
// intelligence table. Label and Domain are blank for orphaned codes.
type TaxonomySpend struct {
	TaxonomyCode  string          `json:"taxonomy_code"`
	Label         string          `json:"label"`
	Domain        string          `json:"domain"`
	LineCount     int             `json:"line_count"`
	TotalBilled   decimal.Decimal `json:"total_billed"`
	TotalApproved decimal.Decimal `json:"total_approved"`
}

// ExceptionTypeCount groups exceptions by originating validation type.
type ExceptionTypeCount struct {
	ValidationType billing.ValidationType `json:"validation_type"`
	Count          int                    `json:"count"`
}
