package store

// schema is the full DDL, applied idempotently by PostgresStore.Init.
// Rates and raw monetary columns are numeric(12,4): contracted rates
// can be sub-cent (a 0.625/mile mileage rate) and must survive storage
// unrounded or quantity x rate drifts past the validation tolerance.
// Quantities are numeric(10,4) for fractional hours and mileage.
// audit_events.created_at defaults to clock_timestamp() rather than
// now() so writes inside one transaction still get strictly increasing
// timestamps.
const schema = `
CREATE TABLE IF NOT EXISTS carriers (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	short_code TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS suppliers (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	tax_id TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	hashed_password TEXT NOT NULL,
	role TEXT NOT NULL,
	supplier_id UUID REFERENCES suppliers(id),
	carrier_id UUID REFERENCES carriers(id),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS contracts (
	id UUID PRIMARY KEY,
	supplier_id UUID NOT NULL REFERENCES suppliers(id),
	carrier_id UUID NOT NULL REFERENCES carriers(id),
	name TEXT NOT NULL,
	effective_from TIMESTAMPTZ NOT NULL,
	effective_to TIMESTAMPTZ,
	geography_scope TEXT NOT NULL DEFAULT 'national',
	state_codes TEXT[] NOT NULL DEFAULT '{}',
	notes TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_cards (
	id UUID PRIMARY KEY,
	contract_id UUID NOT NULL REFERENCES contracts(id),
	taxonomy_code TEXT NOT NULL,
	contracted_rate NUMERIC(12,4) NOT NULL,
	max_units NUMERIC(10,4),
	is_all_inclusive BOOLEAN NOT NULL DEFAULT FALSE,
	effective_from TIMESTAMPTZ NOT NULL,
	effective_to TIMESTAMPTZ,
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_cards_lookup ON rate_cards (contract_id, taxonomy_code);

CREATE TABLE IF NOT EXISTS guidelines (
	id UUID PRIMARY KEY,
	contract_id UUID NOT NULL REFERENCES contracts(id),
	taxonomy_code TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL DEFAULT '',
	rule_type TEXT NOT NULL,
	rule_params JSONB NOT NULL DEFAULT '{}',
	severity TEXT NOT NULL,
	narrative_source TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_guidelines_contract ON guidelines (contract_id);

CREATE TABLE IF NOT EXISTS taxonomy_items (
	code TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	service_item TEXT NOT NULL,
	billing_component TEXT NOT NULL,
	unit_model TEXT NOT NULL,
	label TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mapping_rules (
	id UUID PRIMARY KEY,
	supplier_id UUID REFERENCES suppliers(id),
	match_type TEXT NOT NULL,
	match_pattern TEXT NOT NULL,
	taxonomy_code TEXT NOT NULL,
	billing_component TEXT NOT NULL,
	confidence_weight DOUBLE PRECISION NOT NULL,
	confidence_label TEXT NOT NULL,
	confirmed_by TEXT NOT NULL,
	confirmed_by_user_id UUID,
	confirmed_at TIMESTAMPTZ,
	version INTEGER NOT NULL DEFAULT 1,
	effective_from TIMESTAMPTZ NOT NULL,
	effective_to TIMESTAMPTZ,
	supersedes_rule_id UUID,
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mapping_rules_scope ON mapping_rules (supplier_id, effective_to);

CREATE TABLE IF NOT EXISTS invoices (
	id UUID PRIMARY KEY,
	supplier_id UUID NOT NULL REFERENCES suppliers(id),
	contract_id UUID NOT NULL REFERENCES contracts(id),
	invoice_number TEXT NOT NULL,
	invoice_date TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	raw_file_path TEXT NOT NULL DEFAULT '',
	file_format TEXT NOT NULL DEFAULT '',
	current_version INTEGER NOT NULL DEFAULT 0,
	submitted_at TIMESTAMPTZ,
	submission_notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoices_supplier ON invoices (supplier_id, created_at);
CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices (status);

CREATE TABLE IF NOT EXISTS invoice_versions (
	id UUID PRIMARY KEY,
	invoice_id UUID NOT NULL REFERENCES invoices(id),
	version_number INTEGER NOT NULL,
	raw_file_path TEXT NOT NULL,
	file_format TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	UNIQUE (invoice_id, version_number)
);

CREATE TABLE IF NOT EXISTS extraction_artifacts (
	id UUID PRIMARY KEY,
	invoice_version_id UUID NOT NULL REFERENCES invoice_versions(id),
	page_number INTEGER,
	raw_text TEXT NOT NULL,
	extraction_method TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS line_items (
	id UUID PRIMARY KEY,
	invoice_id UUID NOT NULL REFERENCES invoices(id),
	invoice_version INTEGER NOT NULL,
	line_number INTEGER NOT NULL,
	status TEXT NOT NULL,
	raw_description TEXT NOT NULL,
	raw_code TEXT NOT NULL DEFAULT '',
	raw_amount NUMERIC(12,4) NOT NULL,
	raw_quantity NUMERIC(10,4) NOT NULL,
	raw_unit TEXT NOT NULL DEFAULT '',
	claim_number TEXT NOT NULL DEFAULT '',
	service_date TIMESTAMPTZ,
	taxonomy_code TEXT NOT NULL DEFAULT '',
	billing_component TEXT NOT NULL DEFAULT '',
	mapped_unit_model TEXT NOT NULL DEFAULT '',
	mapping_confidence TEXT NOT NULL DEFAULT '',
	mapping_rule_id UUID,
	mapped_rate NUMERIC(12,4),
	expected_amount NUMERIC(12,4),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_line_items_invoice ON line_items (invoice_id, invoice_version, line_number);
CREATE INDEX IF NOT EXISTS idx_line_items_confidence ON line_items (mapping_confidence);

CREATE TABLE IF NOT EXISTS validation_results (
	id UUID PRIMARY KEY,
	line_item_id UUID NOT NULL REFERENCES line_items(id),
	validation_type TEXT NOT NULL,
	rate_card_id UUID,
	guideline_id UUID,
	status TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	expected_value TEXT NOT NULL DEFAULT '',
	actual_value TEXT NOT NULL DEFAULT '',
	required_action TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_validation_results_line ON validation_results (line_item_id);

CREATE TABLE IF NOT EXISTS exception_records (
	id UUID PRIMARY KEY,
	line_item_id UUID NOT NULL REFERENCES line_items(id),
	validation_result_id UUID NOT NULL REFERENCES validation_results(id),
	status TEXT NOT NULL,
	supplier_response TEXT NOT NULL DEFAULT '',
	supporting_doc_path TEXT NOT NULL DEFAULT '',
	resolution_action TEXT NOT NULL DEFAULT '',
	resolution_notes TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ,
	resolved_by_user_id UUID,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exception_records_line ON exception_records (line_item_id);
CREATE INDEX IF NOT EXISTS idx_exception_records_status ON exception_records (status);

CREATE TABLE IF NOT EXISTS audit_events (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	entity_type TEXT NOT NULL,
	entity_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	actor_type TEXT NOT NULL,
	actor_id UUID,
	payload JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS idx_audit_events_entity ON audit_events (entity_type, entity_id, created_at);
`
