package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PARTIES AND CONTRACTS
// =============================================================================

// Role gates platform operations by actor kind.
type Role string

const (
	RoleSupplier        Role = "SUPPLIER"
	RoleCarrierAdmin    Role = "CARRIER_ADMIN"
	RoleCarrierReviewer Role = "CARRIER_REVIEWER"
	RoleSystemAdmin     Role = "SYSTEM_ADMIN"
)

// GeographyScope bounds where a contract applies.
type GeographyScope string

const (
	GeoNational GeographyScope = "national"
	GeoState    GeographyScope = "state"
	GeoRegional GeographyScope = "regional"
)

// User is a platform account. SupplierID is set for SUPPLIER accounts,
// CarrierID for CARRIER_* accounts.
type User struct {
	ID             uuid.UUID  `json:"id"`
	Email          string     `json:"email"`
	HashedPassword string     `json:"-"`
	Role           Role       `json:"role"`
	SupplierID     *uuid.UUID `json:"supplier_id,omitempty"`
	CarrierID      *uuid.UUID `json:"carrier_id,omitempty"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Carrier is an insurance carrier, the paying client of the platform.
type Carrier struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	ShortCode string    `json:"short_code"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Supplier is a vendor who submits invoices.
type Supplier struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	TaxID     string    `json:"tax_id,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Contract is an agreement between a carrier and a supplier. Rate cards
// and guidelines hang off it; invoices are validated against it.
type Contract struct {
	ID         uuid.UUID `json:"id"`
	SupplierID uuid.UUID `json:"supplier_id"`
	CarrierID  uuid.UUID `json:"carrier_id"`

	Name          string     `json:"name"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`

	GeographyScope GeographyScope `json:"geography_scope"`
	StateCodes     []string       `json:"state_codes,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// RateCard is one contracted rate within a contract. The rate validator
// checks billed_amount against quantity x ContractedRate.
type RateCard struct {
	ID           uuid.UUID `json:"id"`
	ContractID   uuid.UUID `json:"contract_id"`
	TaxonomyCode string    `json:"taxonomy_code"`

	ContractedRate decimal.Decimal  `json:"contracted_rate"`
	MaxUnits       *decimal.Decimal `json:"max_units,omitempty"`

	// All-inclusive rates prohibit separately billed travel or mileage.
	IsAllInclusive bool `json:"is_all_inclusive"`

	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EffectiveOn reports whether the card covers the given service date.
func (rc *RateCard) EffectiveOn(serviceDate time.Time) bool {
	if serviceDate.Before(rc.EffectiveFrom) {
		return false
	}
	return rc.EffectiveTo == nil || !serviceDate.After(*rc.EffectiveTo)
}

// GuidelineRuleType enumerates the structured rule kinds understood by
// the guideline validator.
type GuidelineRuleType string

const (
	RuleMaxUnits            GuidelineRuleType = "max_units"
	RuleRequiresAuth        GuidelineRuleType = "requires_auth"
	RuleBillingIncrement    GuidelineRuleType = "billing_increment"
	RuleBundlingProhibition GuidelineRuleType = "bundling_prohibition"
	RuleCapAmount           GuidelineRuleType = "cap_amount"
)

// Guideline is a structured rule derived from narrative contract
// language, authored by carrier admins.
//
// Expected RuleParams shapes by rule type:
//
//	max_units:            {"max": 8, "period": "per_claim"}
//	requires_auth:        {"required": true, "auth_field": "auth_number"}
//	billing_increment:    {"min_increment": 0.25, "unit": "hour"}
//	bundling_prohibition: {"prohibited_components": ["TRAVEL_TRANSPORT", "MILEAGE"]}
//	cap_amount:           {"max_amount": 500.00}
type Guideline struct {
	ID         uuid.UUID `json:"id"`
	ContractID uuid.UUID `json:"contract_id"`

	// Scope: TaxonomyCode binds to one code; else Domain binds to a
	// whole domain; else the rule is global to the contract.
	TaxonomyCode string `json:"taxonomy_code,omitempty"`
	Domain       string `json:"domain,omitempty"`

	RuleType   GuidelineRuleType      `json:"rule_type"`
	RuleParams map[string]interface{} `json:"rule_params"`
	Severity   Severity               `json:"severity"`

	// Original contract language, cited verbatim in FAIL messages.
	NarrativeSource string `json:"narrative_source,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
