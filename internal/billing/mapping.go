package billing

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// MAPPING RULES
// =============================================================================

// MatchType is how a mapping rule matches a raw line.
type MatchType string

const (
	// MatchExactCode compares raw_code to the pattern, case-insensitive.
	MatchExactCode MatchType = "exact_code"
	// MatchRegex searches the lowercased description with a regex.
	MatchRegex MatchType = "regex_pattern"
	// MatchKeywordSet requires every comma-separated keyword to occur
	// in the description.
	MatchKeywordSet MatchType = "keyword_set"
)

// Specificity ranks match types for tie-breaking: exact code beats
// regex beats keyword set.
func (m MatchType) Specificity() int {
	switch m {
	case MatchExactCode:
		return 3
	case MatchRegex:
		return 2
	case MatchKeywordSet:
		return 1
	default:
		return 0
	}
}

// Confidence labels assigned by the classifier. Stored on both mapping
// rules and line items; the carrier review queue filters on LOW and
// MEDIUM.
const (
	ConfidenceHigh         = "HIGH"
	ConfidenceMedium       = "MEDIUM"
	ConfidenceLow          = "LOW"
	ConfidenceUnrecognized = "UNRECOGNIZED"
)

// ConfirmedBy records the provenance of a mapping rule.
type ConfirmedBy string

const (
	// ConfirmedSystem marks rules auto-generated from heuristics.
	ConfirmedSystem ConfirmedBy = "SYSTEM"
	// ConfirmedCarrier marks system mappings a carrier reviewed and accepted.
	ConfirmedCarrier ConfirmedBy = "CARRIER_CONFIRMED"
	// ConfirmedCarrierOverride marks carrier corrections of wrong mappings.
	ConfirmedCarrierOverride ConfirmedBy = "CARRIER_OVERRIDE"
)

// MappingRule maps a supplier's raw description or code to a taxonomy
// code.
//
// Scope: a nil SupplierID makes the rule global; a set SupplierID makes
// it supplier-specific, which takes precedence over global rules.
//
// Versioning: an override expires the old rule (EffectiveTo = now) and
// inserts a successor whose SupersedesRuleID points at it, forming an
// immutable linked-list chain of how the mapping evolved.
type MappingRule struct {
	ID         uuid.UUID  `json:"id"`
	SupplierID *uuid.UUID `json:"supplier_id,omitempty"`

	MatchType    MatchType `json:"match_type"`
	MatchPattern string    `json:"match_pattern"`

	TaxonomyCode     string `json:"taxonomy_code"`
	BillingComponent string `json:"billing_component"`

	// ConfidenceWeight in [0,1] ranks competing rules; carrier-confirmed
	// rules carry 1.0.
	ConfidenceWeight float64 `json:"confidence_weight"`
	ConfidenceLabel  string  `json:"confidence_label"`

	ConfirmedBy       ConfirmedBy `json:"confirmed_by"`
	ConfirmedByUserID *uuid.UUID  `json:"confirmed_by_user_id,omitempty"`
	ConfirmedAt       *time.Time  `json:"confirmed_at,omitempty"`

	Version          int        `json:"version"`
	EffectiveFrom    time.Time  `json:"effective_from"`
	EffectiveTo      *time.Time `json:"effective_to,omitempty"`
	SupersedesRuleID *uuid.UUID `json:"supersedes_rule_id,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ActiveAt reports whether the rule is effective at the given instant.
func (r *MappingRule) ActiveAt(t time.Time) bool {
	if t.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || r.EffectiveTo.After(t)
}
