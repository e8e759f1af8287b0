// Package classify maps raw invoice line descriptions to taxonomy codes.
//
// Resolution order is strict: supplier-specific persisted rules, then
// global persisted rules, then the built-in seed rules, then
// UNRECOGNIZED. A lower tier is consulted only when every rule in the
// tiers above it failed to match. Within a tier the winner is the
// highest confidence weight, with ties broken by match type specificity
// and then by rule id.
package classify

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearbill/backend/internal/billing"
)

var logger = log.New(log.Writer(), "[CLASSIFY] ", log.LstdFlags)

// =============================================================================
// RESULT
// =============================================================================

// Result is the outcome of classifying one raw line item.
type Result struct {
	TaxonomyCode     string            `json:"taxonomy_code,omitempty"`
	BillingComponent string            `json:"billing_component,omitempty"`
	Confidence       string            `json:"confidence"`
	ConfidenceWeight float64           `json:"confidence_weight"`
	MatchType        billing.MatchType `json:"match_type,omitempty"`
	MatchedRuleID    *uuid.UUID        `json:"matched_rule_id,omitempty"`
	MatchExplanation string            `json:"match_explanation"`
}

// Recognized reports whether classification produced a taxonomy code.
func (r Result) Recognized() bool {
	return r.Confidence != billing.ConfidenceUnrecognized
}

// confidenceFor buckets a rule weight into a confidence label.
func confidenceFor(weight float64) string {
	switch {
	case weight >= 0.85:
		return billing.ConfidenceHigh
	case weight >= 0.65:
		return billing.ConfidenceMedium
	default:
		return billing.ConfidenceLow
	}
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// RuleSource supplies the persisted mapping rules that are effective at
// a given instant. supplierID narrows the result to that supplier's
// rules plus global rules; nil returns global rules only.
type RuleSource interface {
	ActiveMappingRules(ctx context.Context, supplierID *uuid.UUID, now time.Time) ([]billing.MappingRule, error)
}

// Classifier resolves raw descriptions against persisted and built-in
// mapping rules.
type Classifier struct {
	rules RuleSource

	// now is swappable for tests.
	now func() time.Time

	mu         sync.Mutex
	regexCache map[string]*regexp.Regexp
}

// New creates a Classifier backed by the given rule source. A nil
// source skips the persisted tiers and classifies from built-in rules
// only.
func New(rules RuleSource) *Classifier {
	return &Classifier{
		rules:      rules,
		now:        time.Now,
		regexCache: make(map[string]*regexp.Regexp),
	}
}

// Classify resolves one raw line item. It never returns an error: a
// failing rule source is logged and resolution falls through to the
// built-in tier, and no match at all yields UNRECOGNIZED.
func (c *Classifier) Classify(ctx context.Context, rawDescription, rawCode string, supplierID *uuid.UUID) Result {
	descLower := strings.ToLower(strings.TrimSpace(rawDescription))
	codeLower := strings.ToLower(strings.TrimSpace(rawCode))

	if c.rules != nil {
		rules, err := c.rules.ActiveMappingRules(ctx, supplierID, c.now())
		if err != nil {
			logger.Printf("mapping rule lookup failed, falling back to builtin rules: %v", err)
		} else {
			supplierRules, globalRules := partitionRules(rules, supplierID)
			if result, ok := c.bestPersistedMatch(supplierRules, descLower, codeLower); ok {
				return result
			}
			if result, ok := c.bestPersistedMatch(globalRules, descLower, codeLower); ok {
				return result
			}
		}
	}

	if result, ok := bestBuiltinMatch(descLower); ok {
		return result
	}

	return Result{
		Confidence:       billing.ConfidenceUnrecognized,
		ConfidenceWeight: 0,
		MatchExplanation: "No rule matched description: " + strconv.Quote(rawDescription),
	}
}

// partitionRules splits candidates into the supplier tier and the
// global tier. Rules scoped to a different supplier are discarded.
func partitionRules(rules []billing.MappingRule, supplierID *uuid.UUID) (supplier, global []billing.MappingRule) {
	for _, rule := range rules {
		switch {
		case rule.SupplierID == nil:
			global = append(global, rule)
		case supplierID != nil && *rule.SupplierID == *supplierID:
			supplier = append(supplier, rule)
		}
	}
	return supplier, global
}

// bestPersistedMatch scans one tier of persisted rules and returns the
// winning match, if any.
func (c *Classifier) bestPersistedMatch(rules []billing.MappingRule, descLower, codeLower string) (Result, bool) {
	var (
		best      *billing.MappingRule
		bestExpl  string
		bestMatch bool
	)
	for i := range rules {
		rule := &rules[i]
		matched, explanation := c.ruleMatches(rule, descLower, codeLower)
		if !matched {
			continue
		}
		if !bestMatch || persistedRuleLess(best, rule) {
			best, bestExpl, bestMatch = rule, explanation, true
		}
	}
	if !bestMatch {
		return Result{}, false
	}
	id := best.ID
	return Result{
		TaxonomyCode:     best.TaxonomyCode,
		BillingComponent: best.BillingComponent,
		Confidence:       best.ConfidenceLabel,
		ConfidenceWeight: best.ConfidenceWeight,
		MatchType:        best.MatchType,
		MatchedRuleID:    &id,
		MatchExplanation: bestExpl,
	}, true
}

// persistedRuleLess reports whether challenger beats incumbent: higher
// weight wins, then more specific match type, then lower rule id so the
// outcome is stable across scans.
func persistedRuleLess(incumbent, challenger *billing.MappingRule) bool {
	if challenger.ConfidenceWeight != incumbent.ConfidenceWeight {
		return challenger.ConfidenceWeight > incumbent.ConfidenceWeight
	}
	if challenger.MatchType.Specificity() != incumbent.MatchType.Specificity() {
		return challenger.MatchType.Specificity() > incumbent.MatchType.Specificity()
	}
	return challenger.ID.String() < incumbent.ID.String()
}

// ruleMatches tests a persisted rule against the normalized inputs.
func (c *Classifier) ruleMatches(rule *billing.MappingRule, descLower, codeLower string) (bool, string) {
	pattern := strings.ToLower(strings.TrimSpace(rule.MatchPattern))

	switch rule.MatchType {
	case billing.MatchExactCode:
		if codeLower != "" && codeLower == pattern {
			return true, "Exact code match: " + strconv.Quote(rule.MatchPattern)
		}
		return false, ""

	case billing.MatchRegex:
		rx, err := c.compile(pattern)
		if err != nil {
			logger.Printf("invalid regex in mapping rule %s: %q: %v", rule.ID, pattern, err)
			return false, ""
		}
		if rx.MatchString(descLower) {
			return true, "Regex match: " + strconv.Quote(rule.MatchPattern)
		}
		return false, ""

	case billing.MatchKeywordSet:
		if keywordsPresent(splitKeywords(pattern), descLower) {
			return true, "Keyword set match: " + strconv.Quote(rule.MatchPattern)
		}
		return false, ""

	default:
		logger.Printf("unknown match type %q in mapping rule %s", rule.MatchType, rule.ID)
		return false, ""
	}
}

// compile returns a cached case-insensitive regex for the pattern.
func (c *Classifier) compile(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rx, ok := c.regexCache[pattern]; ok {
		return rx, nil
	}
	rx, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	c.regexCache[pattern] = rx
	return rx, nil
}

// bestBuiltinMatch scans the built-in tier. Ranking is weight first,
// then specificity, then table order.
func bestBuiltinMatch(descLower string) (Result, bool) {
	var (
		best     *compiledRule
		bestExpl string
	)
	rules := compiledBuiltins()
	for i := range rules {
		rule := &rules[i]
		var (
			matched     bool
			explanation string
		)
		switch rule.MatchType {
		case billing.MatchRegex:
			if rule.regex.MatchString(descLower) {
				matched = true
				explanation = "Regex match: " + strconv.Quote(rule.Pattern)
			}
		case billing.MatchKeywordSet:
			if keywordsPresent(rule.keywords, descLower) {
				matched = true
				explanation = "Keyword match: " + strconv.Quote(rule.Pattern)
			}
		}
		if !matched {
			continue
		}
		if best == nil || builtinRuleLess(best, rule) {
			best, bestExpl = rule, explanation
		}
	}
	if best == nil {
		return Result{}, false
	}
	return Result{
		TaxonomyCode:     best.TaxonomyCode,
		BillingComponent: best.BillingComponent,
		Confidence:       confidenceFor(best.Weight),
		ConfidenceWeight: best.Weight,
		MatchType:        best.MatchType,
		MatchExplanation: bestExpl,
	}, true
}

// builtinRuleLess reports whether challenger beats incumbent among
// built-in rules. Table order is the final tie-breaker, so the first
// of two equal rules wins.
func builtinRuleLess(incumbent, challenger *compiledRule) bool {
	if challenger.Weight != incumbent.Weight {
		return challenger.Weight > incumbent.Weight
	}
	return challenger.MatchType.Specificity() > incumbent.MatchType.Specificity()
}
