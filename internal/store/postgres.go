package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/clearbill/backend/internal/billing"
)

var logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)

// =============================================================================
// POSTGRES STORE
// =============================================================================

// PostgresStore is the production Store. A zero tx means operations run
// directly on the pool; InTransaction produces a copy bound to one
// transaction.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Init applies the schema idempotently.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.q().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// querier is the shared subset of *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *PostgresStore) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// InTransaction runs fn against a transaction-bound copy of the store.
// A nested call joins the open transaction rather than starting a new
// one.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&PostgresStore{db: s.db, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// =============================================================================
// PARTIES AND USERS
// =============================================================================

func (s *PostgresStore) InsertCarrier(ctx context.Context, carrier *billing.Carrier) error {
	stampID(&carrier.ID)
	stampTime(&carrier.CreatedAt)
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO carriers (id, name, short_code, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		carrier.ID, carrier.Name, carrier.ShortCode, carrier.IsActive, carrier.CreatedAt)
	return wrapErr("insert carrier", err)
}

func (s *PostgresStore) GetCarrier(ctx context.Context, id uuid.UUID) (*billing.Carrier, error) {
	var c billing.Carrier
	err := s.q().QueryRowContext(ctx, `
		SELECT id, name, short_code, is_active, created_at FROM carriers WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.ShortCode, &c.IsActive, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get carrier", err)
	}
	return &c, nil
}

func (s *PostgresStore) InsertSupplier(ctx context.Context, supplier *billing.Supplier) error {
	stampID(&supplier.ID)
	stampTime(&supplier.CreatedAt)
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO suppliers (id, name, tax_id, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		supplier.ID, supplier.Name, supplier.TaxID, supplier.IsActive, supplier.CreatedAt)
	return wrapErr("insert supplier", err)
}

func (s *PostgresStore) GetSupplier(ctx context.Context, id uuid.UUID) (*billing.Supplier, error) {
	var sup billing.Supplier
	err := s.q().QueryRowContext(ctx, `
		SELECT id, name, tax_id, is_active, created_at FROM suppliers WHERE id = $1`, id).
		Scan(&sup.ID, &sup.Name, &sup.TaxID, &sup.IsActive, &sup.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get supplier", err)
	}
	return &sup, nil
}

func (s *PostgresStore) ListSuppliers(ctx context.Context) ([]billing.Supplier, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT id, name, tax_id, is_active, created_at FROM suppliers ORDER BY name`)
	if err != nil {
		return nil, wrapErr("list suppliers", err)
	}
	defer rows.Close()

	var out []billing.Supplier
	for rows.Next() {
		var sup billing.Supplier
		if err := rows.Scan(&sup.ID, &sup.Name, &sup.TaxID, &sup.IsActive, &sup.CreatedAt); err != nil {
			return nil, wrapErr("scan supplier", err)
		}
		out = append(out, sup)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertContract(ctx context.Context, contract *billing.Contract) error {
	stampID(&contract.ID)
	stampTime(&contract.CreatedAt)
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO contracts (id, supplier_id, carrier_id, name, effective_from, effective_to,
			geography_scope, state_codes, notes, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		contract.ID, contract.SupplierID, contract.CarrierID, contract.Name,
		contract.EffectiveFrom, nullTime(contract.EffectiveTo),
		contract.GeographyScope, pq.Array(contract.StateCodes),
		contract.Notes, contract.IsActive, contract.CreatedAt)
	return wrapErr("insert contract", err)
}

const contractColumns = `id, supplier_id, carrier_id, name, effective_from, effective_to,
	geography_scope, state_codes, notes, is_active, created_at`

func scanContract(row rowScanner) (*billing.Contract, error) {
	var c billing.Contract
	var effectiveTo sql.NullTime
	err := row.Scan(&c.ID, &c.SupplierID, &c.CarrierID, &c.Name, &c.EffectiveFrom, &effectiveTo,
		&c.GeographyScope, pq.Array(&c.StateCodes), &c.Notes, &c.IsActive, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.EffectiveTo = timePtr(effectiveTo)
	return &c, nil
}

func (s *PostgresStore) GetContract(ctx context.Context, id uuid.UUID) (*billing.Contract, error) {
	row := s.q().QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get contract", err)
	}
	return c, nil
}

func (s *PostgresStore) ListSupplierContracts(ctx context.Context, supplierID uuid.UUID) ([]billing.Contract, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+contractColumns+` FROM contracts WHERE supplier_id = $1 ORDER BY effective_from DESC`, supplierID)
	if err != nil {
		return nil, wrapErr("list contracts", err)
	}
	defer rows.Close()

	var out []billing.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, wrapErr("scan contract", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertUser(ctx context.Context, user *billing.User) error {
	stampID(&user.ID)
	stampTime(&user.CreatedAt)
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO users (id, email, hashed_password, role, supplier_id, carrier_id, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Email, user.HashedPassword, user.Role,
		nullUUID(user.SupplierID), nullUUID(user.CarrierID), user.IsActive, user.CreatedAt)
	return wrapErr("insert user", err)
}

const userColumns = `id, email, hashed_password, role, supplier_id, carrier_id, is_active, created_at`

func scanUser(row rowScanner) (*billing.User, error) {
	var u billing.User
	var supplierID, carrierID uuid.NullUUID
	err := row.Scan(&u.ID, &u.Email, &u.HashedPassword, &u.Role, &supplierID, &carrierID, &u.IsActive, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.SupplierID = uuidPtr(supplierID)
	u.CarrierID = uuidPtr(carrierID)
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*billing.User, error) {
	row := s.q().QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get user", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	row := s.q().QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get user by email", err)
	}
	return u, nil
}

// =============================================================================
// CONTRACT TERMS
// =============================================================================

func (s *PostgresStore) InsertRateCard(ctx context.Context, card *billing.RateCard) error {
	stampID(&card.ID)
	stampTime(&card.CreatedAt)
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO rate_cards (id, contract_id, taxonomy_code, contracted_rate, max_units,
			is_all_inclusive, effective_from, effective_to, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		card.ID, card.ContractID, card.TaxonomyCode, card.ContractedRate, nullDecimal(card.MaxUnits),
		card.IsAllInclusive, card.EffectiveFrom, nullTime(card.EffectiveTo), card.Notes, card.CreatedAt)
	return wrapErr("insert rate card", err)
}

func (s *PostgresStore) RateCards(ctx context.Context, contractID uuid.UUID, taxonomyCode string) ([]billing.RateCard, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT id, contract_id, taxonomy_code, contracted_rate, max_units, is_all_inclusive,
			effective_from, effective_to, notes, created_at
		FROM rate_cards
		WHERE contract_id = $1 AND taxonomy_code = $2
		ORDER BY effective_from`, contractID, taxonomyCode)
	if err != nil {
		return nil, wrapErr("rate cards", err)
	}
	defer rows.Close()

	var out []billing.RateCard
	for rows.Next() {
		var rc billing.RateCard
		var maxUnits decimal.NullDecimal
		var effectiveTo sql.NullTime
		if err := rows.Scan(&rc.ID, &rc.ContractID, &rc.TaxonomyCode, &rc.ContractedRate, &maxUnits,
			&rc.IsAllInclusive, &rc.EffectiveFrom, &effectiveTo, &rc.Notes, &rc.CreatedAt); err != nil {
			return nil, wrapErr("scan rate card", err)
		}
		rc.MaxUnits = decimalPtr(maxUnits)
		rc.EffectiveTo = timePtr(effectiveTo)
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertGuideline(ctx context.Context, guideline *billing.Guideline) error {
	stampID(&guideline.ID)
	stampTime(&guideline.CreatedAt)
	params, err := marshalJSON(guideline.RuleParams)
	if err != nil {
		return fmt.Errorf("marshal rule params: %w", err)
	}
	_, err = s.q().ExecContext(ctx, `
		INSERT INTO guidelines (id, contract_id, taxonomy_code, domain, rule_type, rule_params,
			severity, narrative_source, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		guideline.ID, guideline.ContractID, guideline.TaxonomyCode, guideline.Domain,
		guideline.RuleType, params, guideline.Severity, guideline.NarrativeSource,
		guideline.IsActive, guideline.CreatedAt)
	return wrapErr("insert guideline", err)
}

func (s *PostgresStore) ActiveGuidelines(ctx context.Context, contractID uuid.UUID) ([]billing.Guideline, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT id, contract_id, taxonomy_code, domain, rule_type, rule_params,
			severity, narrative_source, is_active, created_at
		FROM guidelines
		WHERE contract_id = $1 AND is_active
		ORDER BY created_at`, contractID)
	if err != nil {
		return nil, wrapErr("active guidelines", err)
	}
	defer rows.Close()

	var out []billing.Guideline
	for rows.Next() {
		var g billing.Guideline
		var params []byte
		if err := rows.Scan(&g.ID, &g.ContractID, &g.TaxonomyCode, &g.Domain, &g.RuleType, &params,
			&g.Severity, &g.NarrativeSource, &g.IsActive, &g.CreatedAt); err != nil {
			return nil, wrapErr("scan guideline", err)
		}
		if g.RuleParams, err = unmarshalJSON(params); err != nil {
			return nil, fmt.Errorf("guideline %s rule params: %w", g.ID, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// =============================================================================
// TAXONOMY PROJECTION
// =============================================================================

// UpsertTaxonomyItem refreshes the definition columns but deliberately
// leaves is_active untouched on existing rows, so deactivated codes
// survive a reseed.
func (s *PostgresStore) UpsertTaxonomyItem(ctx context.Context, item *billing.TaxonomyItem) error {
	stampTime(&item.CreatedAt)
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO taxonomy_items (code, domain, service_item, billing_component, unit_model,
			label, description, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO UPDATE SET
			domain = EXCLUDED.domain,
			service_item = EXCLUDED.service_item,
			billing_component = EXCLUDED.billing_component,
			unit_model = EXCLUDED.unit_model,
			label = EXCLUDED.label,
			description = EXCLUDED.description`,
		item.Code, item.Domain, item.ServiceItem, item.BillingComponent, item.UnitModel,
		item.Label, item.Description, item.IsActive, item.CreatedAt)
	return wrapErr("upsert taxonomy item", err)
}

func (s *PostgresStore) ListTaxonomyItems(ctx context.Context) ([]billing.TaxonomyItem, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT code, domain, service_item, billing_component, unit_model, label, description, is_active, created_at
		FROM taxonomy_items ORDER BY code`)
	if err != nil {
		return nil, wrapErr("list taxonomy items", err)
	}
	defer rows.Close()

	var out []billing.TaxonomyItem
	for rows.Next() {
		var item billing.TaxonomyItem
		if err := rows.Scan(&item.Code, &item.Domain, &item.ServiceItem, &item.BillingComponent,
			&item.UnitModel, &item.Label, &item.Description, &item.IsActive, &item.CreatedAt); err != nil {
			return nil, wrapErr("scan taxonomy item", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// =============================================================================
// MAPPING RULES
// =============================================================================

const mappingRuleColumns = `id, supplier_id, match_type, match_pattern, taxonomy_code, billing_component,
	confidence_weight, confidence_label, confirmed_by, confirmed_by_user_id, confirmed_at,
	version, effective_from, effective_to, supersedes_rule_id, notes, created_at`

func scanMappingRule(row rowScanner) (*billing.MappingRule, error) {
	var r billing.MappingRule
	var supplierID, confirmedByUser, supersedes uuid.NullUUID
	var confirmedAt, effectiveTo sql.NullTime
	err := row.Scan(&r.ID, &supplierID, &r.MatchType, &r.MatchPattern, &r.TaxonomyCode, &r.BillingComponent,
		&r.ConfidenceWeight, &r.ConfidenceLabel, &r.ConfirmedBy, &confirmedByUser, &confirmedAt,
		&r.Version, &r.EffectiveFrom, &effectiveTo, &supersedes, &r.Notes, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.SupplierID = uuidPtr(supplierID)
	r.ConfirmedByUserID = uuidPtr(confirmedByUser)
	r.ConfirmedAt = timePtr(confirmedAt)
	r.EffectiveTo = timePtr(effectiveTo)
	r.SupersedesRuleID = uuidPtr(supersedes)
	return &r, nil
}

func (s *PostgresStore) InsertMappingRule(ctx context.Context, rule *billing.MappingRule) error {
	stampID(&rule.ID)
	stampTime(&rule.CreatedAt)
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO mapping_rules (`+mappingRuleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rule.ID, nullUUID(rule.SupplierID), rule.MatchType, rule.MatchPattern,
		rule.TaxonomyCode, rule.BillingComponent, rule.ConfidenceWeight, rule.ConfidenceLabel,
		rule.ConfirmedBy, nullUUID(rule.ConfirmedByUserID), nullTime(rule.ConfirmedAt),
		rule.Version, rule.EffectiveFrom, nullTime(rule.EffectiveTo),
		nullUUID(rule.SupersedesRuleID), rule.Notes, rule.CreatedAt)
	return wrapErr("insert mapping rule", err)
}

// GetMappingRule returns nil (not ErrNotFound) for a missing id; the
// override chain walker treats dangling pointers as the chain end.
func (s *PostgresStore) GetMappingRule(ctx context.Context, id uuid.UUID) (*billing.MappingRule, error) {
	row := s.q().QueryRowContext(ctx, `SELECT `+mappingRuleColumns+` FROM mapping_rules WHERE id = $1`, id)
	r, err := scanMappingRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get mapping rule", err)
	}
	return r, nil
}

func (s *PostgresStore) ActiveMappingRules(ctx context.Context, supplierID *uuid.UUID, now time.Time) ([]billing.MappingRule, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+mappingRuleColumns+`
		FROM mapping_rules
		WHERE (supplier_id IS NULL OR supplier_id = $1)
			AND effective_from <= $2
			AND (effective_to IS NULL OR effective_to > $2)
		ORDER BY created_at`, nullUUID(supplierID), now)
	if err != nil {
		return nil, wrapErr("active mapping rules", err)
	}
	defer rows.Close()

	var out []billing.MappingRule
	for rows.Next() {
		r, err := scanMappingRule(rows)
		if err != nil {
			return nil, wrapErr("scan mapping rule", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// FindActiveMappingRule locates the unexpired rule for an exact scope,
// match type, and pattern. Returns nil when there is none.
func (s *PostgresStore) FindActiveMappingRule(ctx context.Context, supplierID *uuid.UUID, matchType billing.MatchType, pattern string) (*billing.MappingRule, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+mappingRuleColumns+`
		FROM mapping_rules
		WHERE supplier_id IS NOT DISTINCT FROM $1
			AND match_type = $2 AND match_pattern = $3
			AND effective_to IS NULL
		ORDER BY version DESC
		LIMIT 1`, nullUUID(supplierID), matchType, pattern)
	r, err := scanMappingRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("find active mapping rule", err)
	}
	return r, nil
}

func (s *PostgresStore) ExpireMappingRule(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.q().ExecContext(ctx, `
		UPDATE mapping_rules SET effective_to = $1 WHERE id = $2`, at, id)
	if err != nil {
		return wrapErr("expire mapping rule", err)
	}
	return requireRow(res, "expire mapping rule")
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, supplier_id, contract_id, invoice_number, invoice_date, status,
	raw_file_path, file_format, current_version, submitted_at, submission_notes, created_at, updated_at`

func scanInvoice(row rowScanner) (*billing.Invoice, error) {
	var inv billing.Invoice
	var submittedAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.SupplierID, &inv.ContractID, &inv.InvoiceNumber, &inv.InvoiceDate,
		&inv.Status, &inv.RawFilePath, &inv.FileFormat, &inv.CurrentVersion, &submittedAt,
		&inv.SubmissionNotes, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.SubmittedAt = timePtr(submittedAt)
	return &inv, nil
}

func (s *PostgresStore) InsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	stampID(&inv.ID)
	stampTime(&inv.CreatedAt)
	inv.UpdatedAt = inv.CreatedAt
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inv.ID, inv.SupplierID, inv.ContractID, inv.InvoiceNumber, inv.InvoiceDate, inv.Status,
		inv.RawFilePath, inv.FileFormat, inv.CurrentVersion, nullTime(inv.SubmittedAt),
		inv.SubmissionNotes, inv.CreatedAt, inv.UpdatedAt)
	return wrapErr("insert invoice", err)
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	row := s.q().QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get invoice", err)
	}
	return inv, nil
}

// UpdateInvoice writes the mutable non-status columns. Status moves only
// through TransitionInvoice so every change passes the compare-and-set
// guard.
func (s *PostgresStore) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	inv.UpdatedAt = time.Now().UTC()
	res, err := s.q().ExecContext(ctx, `
		UPDATE invoices SET raw_file_path = $1, file_format = $2, current_version = $3,
			submitted_at = $4, submission_notes = $5, updated_at = $6
		WHERE id = $7`,
		inv.RawFilePath, inv.FileFormat, inv.CurrentVersion, nullTime(inv.SubmittedAt),
		inv.SubmissionNotes, inv.UpdatedAt, inv.ID)
	if err != nil {
		return wrapErr("update invoice", err)
	}
	return requireRow(res, "update invoice")
}

// TransitionInvoice applies a guarded compare-and-set status change. It
// fails with a ConflictError when the edge is not in the state machine
// or when the row has moved since the caller read it.
func (s *PostgresStore) TransitionInvoice(ctx context.Context, id uuid.UUID, from, to billing.SubmissionStatus) error {
	if err := billing.GuardInvoiceTransition(id, from, to); err != nil {
		return err
	}
	res, err := s.q().ExecContext(ctx, `
		UPDATE invoices SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return wrapErr("transition invoice", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("transition invoice", err)
	}
	if n == 0 {
		current, err := s.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		return &billing.ConflictError{
			Entity:   billing.EntityInvoice,
			EntityID: id,
			From:     string(current.Status),
			To:       string(to),
		}
	}
	return nil
}

func (s *PostgresStore) ListSupplierInvoices(ctx context.Context, supplierID uuid.UUID) ([]billing.Invoice, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE supplier_id = $1 ORDER BY created_at DESC`, supplierID)
	if err != nil {
		return nil, wrapErr("list supplier invoices", err)
	}
	return collectInvoices(rows)
}

func (s *PostgresStore) ListInvoicesByStatus(ctx context.Context, statuses ...billing.SubmissionStatus) ([]billing.Invoice, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE status = ANY($1) ORDER BY created_at DESC`,
		pq.Array(names))
	if err != nil {
		return nil, wrapErr("list invoices by status", err)
	}
	return collectInvoices(rows)
}

func collectInvoices(rows *sql.Rows) ([]billing.Invoice, error) {
	defer rows.Close()
	var out []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, wrapErr("scan invoice", err)
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// =============================================================================
// VERSIONS AND ARTIFACTS
// =============================================================================

func (s *PostgresStore) InsertInvoiceVersion(ctx context.Context, version *billing.InvoiceVersion) error {
	stampID(&version.ID)
	stampTime(&version.SubmittedAt)
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO invoice_versions (id, invoice_id, version_number, raw_file_path, file_format, submitted_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		version.ID, version.InvoiceID, version.VersionNumber, version.RawFilePath,
		version.FileFormat, version.SubmittedAt, version.Notes)
	return wrapErr("insert invoice version", err)
}

func (s *PostgresStore) GetInvoiceVersion(ctx context.Context, invoiceID uuid.UUID, versionNumber int) (*billing.InvoiceVersion, error) {
	var v billing.InvoiceVersion
	err := s.q().QueryRowContext(ctx, `
		SELECT id, invoice_id, version_number, raw_file_path, file_format, submitted_at, notes
		FROM invoice_versions WHERE invoice_id = $1 AND version_number = $2`,
		invoiceID, versionNumber).
		Scan(&v.ID, &v.InvoiceID, &v.VersionNumber, &v.RawFilePath, &v.FileFormat, &v.SubmittedAt, &v.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get invoice version", err)
	}
	return &v, nil
}

func (s *PostgresStore) InsertArtifact(ctx context.Context, artifact *billing.ExtractionArtifact) error {
	stampID(&artifact.ID)
	stampTime(&artifact.CreatedAt)
	metadata, err := marshalJSON(artifact.Metadata)
	if err != nil {
		return fmt.Errorf("marshal artifact metadata: %w", err)
	}
	var pageNumber sql.NullInt32
	if artifact.PageNumber != nil {
		pageNumber = sql.NullInt32{Int32: int32(*artifact.PageNumber), Valid: true}
	}
	_, err = s.q().ExecContext(ctx, `
		INSERT INTO extraction_artifacts (id, invoice_version_id, page_number, raw_text, extraction_method, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		artifact.ID, artifact.InvoiceVersionID, pageNumber, artifact.RawText,
		artifact.ExtractionMethod, metadata, artifact.CreatedAt)
	return wrapErr("insert artifact", err)
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, invoiceVersionID uuid.UUID) ([]billing.ExtractionArtifact, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT id, invoice_version_id, page_number, raw_text, extraction_method, metadata, created_at
		FROM extraction_artifacts WHERE invoice_version_id = $1 ORDER BY created_at`, invoiceVersionID)
	if err != nil {
		return nil, wrapErr("list artifacts", err)
	}
	defer rows.Close()

	var out []billing.ExtractionArtifact
	for rows.Next() {
		var a billing.ExtractionArtifact
		var pageNumber sql.NullInt32
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.InvoiceVersionID, &pageNumber, &a.RawText,
			&a.ExtractionMethod, &metadata, &a.CreatedAt); err != nil {
			return nil, wrapErr("scan artifact", err)
		}
		if pageNumber.Valid {
			n := int(pageNumber.Int32)
			a.PageNumber = &n
		}
		if a.Metadata, err = unmarshalJSON(metadata); err != nil {
			return nil, fmt.Errorf("artifact %s metadata: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// LINE ITEMS
// =============================================================================

const lineItemColumns = `id, invoice_id, invoice_version, line_number, status,
	raw_description, raw_code, raw_amount, raw_quantity, raw_unit, claim_number, service_date,
	taxonomy_code, billing_component, mapped_unit_model, mapping_confidence, mapping_rule_id,
	mapped_rate, expected_amount, created_at, updated_at`

func scanLineItem(row rowScanner) (*billing.LineItem, error) {
	var li billing.LineItem
	var serviceDate sql.NullTime
	var mappingRuleID uuid.NullUUID
	var mappedRate, expectedAmount decimal.NullDecimal
	err := row.Scan(&li.ID, &li.InvoiceID, &li.InvoiceVersion, &li.LineNumber, &li.Status,
		&li.RawDescription, &li.RawCode, &li.RawAmount, &li.RawQuantity, &li.RawUnit,
		&li.ClaimNumber, &serviceDate, &li.TaxonomyCode, &li.BillingComponent,
		&li.MappedUnitModel, &li.MappingConfidence, &mappingRuleID, &mappedRate,
		&expectedAmount, &li.CreatedAt, &li.UpdatedAt)
	if err != nil {
		return nil, err
	}
	li.ServiceDate = timePtr(serviceDate)
	li.MappingRuleID = uuidPtr(mappingRuleID)
	li.MappedRate = decimalPtr(mappedRate)
	li.ExpectedAmount = decimalPtr(expectedAmount)
	return &li, nil
}

func (s *PostgresStore) InsertLineItem(ctx context.Context, line *billing.LineItem) error {
	stampID(&line.ID)
	stampTime(&line.CreatedAt)
	line.UpdatedAt = line.CreatedAt
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO line_items (`+lineItemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		line.ID, line.InvoiceID, line.InvoiceVersion, line.LineNumber, line.Status,
		line.RawDescription, line.RawCode, line.RawAmount, line.RawQuantity, line.RawUnit,
		line.ClaimNumber, nullTime(line.ServiceDate), line.TaxonomyCode, line.BillingComponent,
		line.MappedUnitModel, line.MappingConfidence, nullUUID(line.MappingRuleID),
		nullDecimal(line.MappedRate), nullDecimal(line.ExpectedAmount), line.CreatedAt, line.UpdatedAt)
	return wrapErr("insert line item", err)
}

// UpdateLineItem rewrites the classification and disposition columns;
// the raw_* columns are immutable once parsed.
func (s *PostgresStore) UpdateLineItem(ctx context.Context, line *billing.LineItem) error {
	line.UpdatedAt = time.Now().UTC()
	res, err := s.q().ExecContext(ctx, `
		UPDATE line_items SET status = $1, taxonomy_code = $2, billing_component = $3,
			mapped_unit_model = $4, mapping_confidence = $5, mapping_rule_id = $6,
			mapped_rate = $7, expected_amount = $8, updated_at = $9
		WHERE id = $10`,
		line.Status, line.TaxonomyCode, line.BillingComponent, line.MappedUnitModel,
		line.MappingConfidence, nullUUID(line.MappingRuleID), nullDecimal(line.MappedRate),
		nullDecimal(line.ExpectedAmount), line.UpdatedAt, line.ID)
	if err != nil {
		return wrapErr("update line item", err)
	}
	return requireRow(res, "update line item")
}

func (s *PostgresStore) GetLineItem(ctx context.Context, id uuid.UUID) (*billing.LineItem, error) {
	row := s.q().QueryRowContext(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE id = $1`, id)
	li, err := scanLineItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get line item", err)
	}
	return li, nil
}

func (s *PostgresStore) ListLineItems(ctx context.Context, invoiceID uuid.UUID, version int) ([]billing.LineItem, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+lineItemColumns+` FROM line_items
		WHERE invoice_id = $1 AND invoice_version = $2 ORDER BY line_number`, invoiceID, version)
	if err != nil {
		return nil, wrapErr("list line items", err)
	}
	return collectLineItems(rows)
}

func (s *PostgresStore) CountLineItems(ctx context.Context, invoiceID uuid.UUID, version int) (int, error) {
	var n int
	err := s.q().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM line_items WHERE invoice_id = $1 AND invoice_version = $2`,
		invoiceID, version).Scan(&n)
	if err != nil {
		return 0, wrapErr("count line items", err)
	}
	return n, nil
}

// ReviewQueue returns recent lines the classifier was unsure about.
func (s *PostgresStore) ReviewQueue(ctx context.Context, limit int) ([]billing.LineItem, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+lineItemColumns+` FROM line_items
		WHERE mapping_confidence IN ($1, $2)
		ORDER BY created_at DESC LIMIT $3`,
		billing.ConfidenceLow, billing.ConfidenceMedium, limit)
	if err != nil {
		return nil, wrapErr("review queue", err)
	}
	return collectLineItems(rows)
}

func collectLineItems(rows *sql.Rows) ([]billing.LineItem, error) {
	defer rows.Close()
	var out []billing.LineItem
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, wrapErr("scan line item", err)
		}
		out = append(out, *li)
	}
	return out, rows.Err()
}

// =============================================================================
// VALIDATION RESULTS AND EXCEPTIONS
// =============================================================================

func (s *PostgresStore) InsertValidationResult(ctx context.Context, result *billing.ValidationResult) error {
	stampID(&result.ID)
	stampTime(&result.CreatedAt)
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO validation_results (id, line_item_id, validation_type, rate_card_id, guideline_id,
			status, severity, message, expected_value, actual_value, required_action, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		result.ID, result.LineItemID, result.ValidationType, nullUUID(result.RateCardID),
		nullUUID(result.GuidelineID), result.Status, result.Severity, result.Message,
		result.ExpectedValue, result.ActualValue, result.RequiredAction, result.CreatedAt)
	return wrapErr("insert validation result", err)
}

func (s *PostgresStore) ListValidationResults(ctx context.Context, lineItemID uuid.UUID) ([]billing.ValidationResult, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT id, line_item_id, validation_type, rate_card_id, guideline_id, status, severity,
			message, expected_value, actual_value, required_action, created_at
		FROM validation_results WHERE line_item_id = $1 ORDER BY created_at, id`, lineItemID)
	if err != nil {
		return nil, wrapErr("list validation results", err)
	}
	defer rows.Close()

	var out []billing.ValidationResult
	for rows.Next() {
		var vr billing.ValidationResult
		var rateCardID, guidelineID uuid.NullUUID
		if err := rows.Scan(&vr.ID, &vr.LineItemID, &vr.ValidationType, &rateCardID, &guidelineID,
			&vr.Status, &vr.Severity, &vr.Message, &vr.ExpectedValue, &vr.ActualValue,
			&vr.RequiredAction, &vr.CreatedAt); err != nil {
			return nil, wrapErr("scan validation result", err)
		}
		vr.RateCardID = uuidPtr(rateCardID)
		vr.GuidelineID = uuidPtr(guidelineID)
		out = append(out, vr)
	}
	return out, rows.Err()
}

const exceptionColumns = `id, line_item_id, validation_result_id, status, supplier_response,
	supporting_doc_path, resolution_action, resolution_notes, resolved_at, resolved_by_user_id,
	created_at, updated_at`

func scanException(row rowScanner) (*billing.ExceptionRecord, error) {
	var exc billing.ExceptionRecord
	var resolvedAt sql.NullTime
	var resolvedBy uuid.NullUUID
	err := row.Scan(&exc.ID, &exc.LineItemID, &exc.ValidationResultID, &exc.Status,
		&exc.SupplierResponse, &exc.SupportingDocPath, &exc.ResolutionAction,
		&exc.ResolutionNotes, &resolvedAt, &resolvedBy, &exc.CreatedAt, &exc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exc.ResolvedAt = timePtr(resolvedAt)
	exc.ResolvedByUserID = uuidPtr(resolvedBy)
	return &exc, nil
}

func (s *PostgresStore) InsertExceptionRecord(ctx context.Context, exc *billing.ExceptionRecord) error {
	stampID(&exc.ID)
	stampTime(&exc.CreatedAt)
	exc.UpdatedAt = exc.CreatedAt
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO exception_records (`+exceptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exc.ID, exc.LineItemID, exc.ValidationResultID, exc.Status, exc.SupplierResponse,
		exc.SupportingDocPath, exc.ResolutionAction, exc.ResolutionNotes,
		nullTime(exc.ResolvedAt), nullUUID(exc.ResolvedByUserID), exc.CreatedAt, exc.UpdatedAt)
	return wrapErr("insert exception record", err)
}

func (s *PostgresStore) UpdateExceptionRecord(ctx context.Context, exc *billing.ExceptionRecord) error {
	exc.UpdatedAt = time.Now().UTC()
	res, err := s.q().ExecContext(ctx, `
		UPDATE exception_records SET status = $1, supplier_response = $2, supporting_doc_path = $3,
			resolution_action = $4, resolution_notes = $5, resolved_at = $6, resolved_by_user_id = $7,
			updated_at = $8
		WHERE id = $9`,
		exc.Status, exc.SupplierResponse, exc.SupportingDocPath, exc.ResolutionAction,
		exc.ResolutionNotes, nullTime(exc.ResolvedAt), nullUUID(exc.ResolvedByUserID),
		exc.UpdatedAt, exc.ID)
	if err != nil {
		return wrapErr("update exception record", err)
	}
	return requireRow(res, "update exception record")
}

func (s *PostgresStore) GetExceptionRecord(ctx context.Context, id uuid.UUID) (*billing.ExceptionRecord, error) {
	row := s.q().QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exception_records WHERE id = $1`, id)
	exc, err := scanException(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get exception record", err)
	}
	return exc, nil
}

func (s *PostgresStore) ListInvoiceExceptions(ctx context.Context, invoiceID uuid.UUID) ([]billing.ExceptionRecord, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+qualify(exceptionColumns, "er")+`
		FROM exception_records er
		JOIN line_items li ON li.id = er.line_item_id
		WHERE li.invoice_id = $1
		ORDER BY er.created_at, er.id`, invoiceID)
	if err != nil {
		return nil, wrapErr("list invoice exceptions", err)
	}
	defer rows.Close()

	var out []billing.ExceptionRecord
	for rows.Next() {
		exc, err := scanException(rows)
		if err != nil {
			return nil, wrapErr("scan exception record", err)
		}
		out = append(out, *exc)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AppendAuditEvent inserts one immutable audit row. The database
// assigns both id and created_at; events arriving with a timestamp are
// rejected outright.
func (s *PostgresStore) AppendAuditEvent(ctx context.Context, event *billing.AuditEvent) error {
	if !event.CreatedAt.IsZero() {
		return ErrTimestampSupplied
	}
	payload, err := marshalJSON(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	err = s.q().QueryRowContext(ctx, `
		INSERT INTO audit_events (entity_type, entity_id, event_type, actor_type, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		event.EntityType, event.EntityID, event.EventType, event.ActorType,
		nullUUID(event.ActorID), payload).
		Scan(&event.ID, &event.CreatedAt)
	return wrapErr("append audit event", err)
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, entityType string, entityID uuid.UUID) ([]billing.AuditEvent, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT id, entity_type, entity_id, event_type, actor_type, actor_id, payload, created_at
		FROM audit_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at, id`, entityType, entityID)
	if err != nil {
		return nil, wrapErr("list audit events", err)
	}
	defer rows.Close()

	var out []billing.AuditEvent
	for rows.Next() {
		var ev billing.AuditEvent
		var actorID uuid.NullUUID
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &ev.EventType, &ev.ActorType,
			&actorID, &payload, &ev.CreatedAt); err != nil {
			return nil, wrapErr("scan audit event", err)
		}
		ev.ActorID = uuidPtr(actorID)
		if ev.Payload, err = unmarshalJSON(payload); err != nil {
			return nil, fmt.Errorf("audit event %s payload: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// ANALYTICS
// =============================================================================

func (s *PostgresStore) AnalyticsSummary(ctx context.Context) (*Summary, error) {
	var sum Summary

	err := s.q().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(li.raw_amount), 0)
		FROM line_items li JOIN invoices i ON i.id = li.invoice_id
		WHERE i.status NOT IN ('DRAFT', 'PROCESSING')`).Scan(&sum.TotalBilled)
	if err != nil {
		return nil, wrapErr("analytics total billed", err)
	}

	err = s.q().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(li.expected_amount), 0)
		FROM line_items li JOIN invoices i ON i.id = li.invoice_id
		WHERE i.status IN ('APPROVED', 'EXPORTED')
			AND li.status <> 'DENIED'
			AND li.expected_amount IS NOT NULL`).Scan(&sum.TotalApproved)
	if err != nil {
		return nil, wrapErr("analytics total approved", err)
	}

	err = s.q().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(li.raw_amount - li.expected_amount), 0)
		FROM line_items li JOIN invoices i ON i.id = li.invoice_id
		WHERE i.status IN ('APPROVED', 'EXPORTED')
			AND li.expected_amount IS NOT NULL
			AND li.raw_amount > li.expected_amount`).Scan(&sum.TotalSavings)
	if err != nil {
		return nil, wrapErr("analytics total savings", err)
	}

	err = s.q().QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'OPEN'), COUNT(*)
		FROM exception_records`).Scan(&sum.OpenExceptions, &sum.TotalExceptions)
	if err != nil {
		return nil, wrapErr("analytics exception counts", err)
	}

	rows, err := s.q().QueryContext(ctx, `
		SELECT status, COUNT(id) FROM invoices GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, wrapErr("analytics status counts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, wrapErr("scan status count", err)
		}
		sum.InvoiceStatusCounts = append(sum.InvoiceStatusCounts, sc)
	}
	return &sum, rows.Err()
}

func (s *PostgresStore) SpendByDomain(ctx context.Context) ([]DomainSpend, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT split_part(taxonomy_code, '.', 1) AS domain,
			COUNT(id), COALESCE(SUM(raw_amount), 0), COALESCE(SUM(expected_amount), 0)
		FROM line_items
		WHERE taxonomy_code <> ''
		GROUP BY 1
		ORDER BY SUM(raw_amount) DESC`)
	if err != nil {
		return nil, wrapErr("spend by domain", err)
	}
	defer rows.Close()

	var out []DomainSpend
	for rows.Next() {
		var d DomainSpend
		if err := rows.Scan(&d.Domain, &d.LineCount, &d.TotalBilled, &d.TotalApproved); err != nil {
			return nil, wrapErr("scan domain spend", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SpendBySupplier(ctx context.Context) ([]SupplierSpend, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT s.id, s.name, COUNT(DISTINCT i.id),
			COALESCE(SUM(li.raw_amount), 0), COALESCE(SUM(li.expected_amount), 0)
		FROM suppliers s
		JOIN invoices i ON i.supplier_id = s.id
		JOIN line_items li ON li.invoice_id = i.id
		WHERE i.status NOT IN ('DRAFT', 'PROCESSING')
		GROUP BY s.id, s.name
		ORDER BY SUM(li.raw_amount) DESC`)
	if err != nil {
		return nil, wrapErr("spend by supplier", err)
	}
	defer rows.Close()

	var out []SupplierSpend
	for rows.Next() {
		var sp SupplierSpend
		if err := rows.Scan(&sp.SupplierID, &sp.SupplierName, &sp.InvoiceCount, &sp.TotalBilled, &sp.TotalApproved); err != nil {
			return nil, wrapErr("scan supplier spend", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SpendByTaxonomy(ctx context.Context) ([]TaxonomySpend, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT li.taxonomy_code, COALESCE(t.label, ''), COALESCE(t.domain, ''),
			COUNT(li.id), COALESCE(SUM(li.raw_amount), 0), COALESCE(SUM(li.expected_amount), 0)
		FROM line_items li
		LEFT JOIN taxonomy_items t ON t.code = li.taxonomy_code
		WHERE li.taxonomy_code <> ''
		GROUP BY li.taxonomy_code, t.label, t.domain
		ORDER BY SUM(li.raw_amount) DESC`)
	if err != nil {
		return nil, wrapErr("spend by taxonomy", err)
	}
	defer rows.Close()

	var out []TaxonomySpend
	for rows.Next() {
		var ts TaxonomySpend
		if err := rows.Scan(&ts.TaxonomyCode, &ts.Label, &ts.Domain, &ts.LineCount, &ts.TotalBilled, &ts.TotalApproved); err != nil {
			return nil, wrapErr("scan taxonomy spend", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExceptionBreakdown(ctx context.Context) ([]ExceptionTypeCount, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT vr.validation_type, COUNT(er.id)
		FROM exception_records er
		JOIN validation_results vr ON vr.id = er.validation_result_id
		GROUP BY vr.validation_type
		ORDER BY COUNT(er.id) DESC`)
	if err != nil {
		return nil, wrapErr("exception breakdown", err)
	}
	defer rows.Close()

	var out []ExceptionTypeCount
	for rows.Next() {
		var ec ExceptionTypeCount
		if err := rows.Scan(&ec.ValidationType, &ec.Count); err != nil {
			return nil, wrapErr("scan exception breakdown", err)
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func stampID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

func stampTime(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// qualify prefixes every column in a comma-separated list with a table
// alias, for queries that join tables with overlapping column names.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// requireRow converts a zero-row write into ErrNotFound.
func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func marshalJSON(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	return json.Marshal(m)
}

func unmarshalJSON(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
