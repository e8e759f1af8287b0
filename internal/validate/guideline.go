package validate

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/clearbill/backend/internal/billing"
)

// =============================================================================
// GUIDELINE VALIDATION
// =============================================================================

// billingIncrementTolerance forgives sub-thousandth remainders when
// checking quantity increments.
var billingIncrementTolerance = decimal.RequireFromString("0.001")

// GuidelineValidator evaluates structured contract guidelines against
// one line item.
type GuidelineValidator struct{}

// NewGuidelineValidator builds a guideline validator.
func NewGuidelineValidator() *GuidelineValidator {
	return &GuidelineValidator{}
}

// Validate runs every applicable guideline. One finding per guideline
// that flags the line; passing guidelines contribute nothing.
func (v *GuidelineValidator) Validate(line *billing.LineItem, guidelines []billing.Guideline) []Finding {
	var findings []Finding
	for i := range guidelines {
		guideline := &guidelines[i]
		if !appliesTo(guideline, line) {
			continue
		}
		if finding := v.evaluate(guideline, line); finding != nil {
			findings = append(findings, *finding)
		}
	}
	return findings
}

// appliesTo implements the scope filter: exact taxonomy code, then
// domain, then contract-global.
func appliesTo(guideline *billing.Guideline, line *billing.LineItem) bool {
	if guideline.TaxonomyCode != "" {
		return guideline.TaxonomyCode == line.TaxonomyCode
	}
	if guideline.Domain != "" && line.TaxonomyCode != "" {
		return guideline.Domain == billing.TaxonomyDomain(line.TaxonomyCode)
	}
	return guideline.TaxonomyCode == "" && guideline.Domain == ""
}

// evaluate dispatches to the rule handler. A panicking handler is
// downgraded to a WARNING finding; guideline evaluation must never
// fail the pipeline.
func (v *GuidelineValidator) evaluate(guideline *billing.Guideline, line *billing.LineItem) (finding *Finding) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("error evaluating guideline %s (type=%q): %v", guideline.ID, guideline.RuleType, r)
			guidelineID := guideline.ID
			finding = &Finding{
				ValidationType: billing.ValidationGuideline,
				GuidelineID:    &guidelineID,
				Status:         billing.ValidationWarn,
				Severity:       billing.SeverityWarning,
				Message: fmt.Sprintf(
					"Guideline check could not be evaluated (rule_type=%q). Carrier review required.",
					guideline.RuleType),
				RequiredAction: billing.ActionNone,
			}
		}
	}()

	switch guideline.RuleType {
	case billing.RuleMaxUnits:
		return v.checkMaxUnits(guideline, line)
	case billing.RuleRequiresAuth:
		return v.checkRequiresAuth(guideline, line)
	case billing.RuleBillingIncrement:
		return v.checkBillingIncrement(guideline, line)
	case billing.RuleBundlingProhibition:
		return v.checkBundlingProhibition(guideline, line)
	case billing.RuleCapAmount:
		return v.checkCapAmount(guideline, line)
	default:
		logger.Printf("unknown guideline rule_type %q for guideline %s", guideline.RuleType, guideline.ID)
		return nil
	}
}

// checkMaxUnits: params {"max": <number>, "period": "per_claim" | "per_invoice" | "per_day"}.
func (v *GuidelineValidator) checkMaxUnits(guideline *billing.Guideline, line *billing.LineItem) *Finding {
	maxUnits, ok := paramDecimal(guideline.RuleParams, "max")
	if !ok {
		logger.Printf("guideline %s: invalid max_units params: %v", guideline.ID, guideline.RuleParams)
		return nil
	}
	period := paramString(guideline.RuleParams, "period", "per_claim")

	if !line.RawQuantity.GreaterThan(maxUnits) {
		return nil
	}

	action := billing.ActionNone
	if guideline.Severity == billing.SeverityError {
		action = billing.ActionAcceptReduction
	}
	guidelineID := guideline.ID
	return &Finding{
		ValidationType: billing.ValidationGuideline,
		GuidelineID:    &guidelineID,
		Status:         billing.ValidationFail,
		Severity:       guideline.Severity,
		Message: appendNarrative(fmt.Sprintf(
			"Quantity %s %s exceeds contract guideline maximum of %s %s.",
			line.RawQuantity.String(), unitLabel(line), maxUnits.String(), period), guideline),
		ExpectedValue:  fmt.Sprintf("max %s (%s)", maxUnits.String(), period),
		ActualValue:    line.RawQuantity.String(),
		RequiredAction: action,
	}
}

// checkRequiresAuth: params {"required": true, "auth_field": "auth_number"}.
// Line items carry no auth number yet, so this warns and asks for
// documentation instead of hard-failing.
func (v *GuidelineValidator) checkRequiresAuth(guideline *billing.Guideline, line *billing.LineItem) *Finding {
	if !paramBool(guideline.RuleParams, "required", true) {
		return nil
	}
	guidelineID := guideline.ID
	return &Finding{
		ValidationType: billing.ValidationGuideline,
		GuidelineID:    &guidelineID,
		Status:         billing.ValidationWarn,
		Severity:       billing.SeverityWarning,
		Message: appendNarrative(
			"This service may require prior authorization per contract guidelines. "+
				"Please attach authorization documentation if applicable.", guideline),
		RequiredAction: billing.ActionAttachDoc,
	}
}

// checkBillingIncrement: params {"min_increment": 0.25, "unit": "hour"}.
// Quantity must land on an increment boundary: 1.25 hours is valid at
// a 0.25 increment, 1.3 is not.
func (v *GuidelineValidator) checkBillingIncrement(guideline *billing.Guideline, line *billing.LineItem) *Finding {
	minIncrement, ok := paramDecimal(guideline.RuleParams, "min_increment")
	if !ok || minIncrement.IsZero() {
		return nil
	}

	remainder := line.RawQuantity.Mod(minIncrement)
	if !remainder.GreaterThan(billingIncrementTolerance) {
		return nil
	}

	unit := paramString(guideline.RuleParams, "unit", unitLabel(line))
	guidelineID := guideline.ID
	return &Finding{
		ValidationType: billing.ValidationGuideline,
		GuidelineID:    &guidelineID,
		Status:         billing.ValidationFail,
		Severity:       guideline.Severity,
		Message: appendNarrative(fmt.Sprintf(
			"Quantity %s %s is not a valid billing increment. "+
				"Contract requires billing in increments of %s %s. "+
				"Please round to the nearest %s %s.",
			line.RawQuantity.String(), unit, minIncrement.String(), unit,
			minIncrement.String(), unit), guideline),
		ExpectedValue:  fmt.Sprintf("multiple of %s %s", minIncrement.String(), unit),
		ActualValue:    fmt.Sprintf("%s %s", line.RawQuantity.String(), unit),
		RequiredAction: billing.ActionReupload,
	}
}

// checkBundlingProhibition: params {"prohibited_components": ["TRAVEL_TRANSPORT", "MILEAGE"]}.
func (v *GuidelineValidator) checkBundlingProhibition(guideline *billing.Guideline, line *billing.LineItem) *Finding {
	prohibited := paramStrings(guideline.RuleParams, "prohibited_components")
	found := false
	for _, component := range prohibited {
		if component == line.BillingComponent {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	guidelineID := guideline.ID
	return &Finding{
		ValidationType: billing.ValidationGuideline,
		GuidelineID:    &guidelineID,
		Status:         billing.ValidationFail,
		Severity:       guideline.Severity,
		Message: appendNarrative(fmt.Sprintf(
			"Billing component '%s' is not separately billable under this contract. "+
				"Prohibited components: %s.",
			line.BillingComponent, strings.Join(prohibited, ", ")), guideline),
		ExpectedValue:  "Not separately billable",
		ActualValue:    line.BillingComponent,
		RequiredAction: billing.ActionReupload,
	}
}

// checkCapAmount: params {"max_amount": 500.00}.
func (v *GuidelineValidator) checkCapAmount(guideline *billing.Guideline, line *billing.LineItem) *Finding {
	maxAmount, ok := paramDecimal(guideline.RuleParams, "max_amount")
	if !ok {
		return nil
	}
	if !line.RawAmount.GreaterThan(maxAmount) {
		return nil
	}

	guidelineID := guideline.ID
	return &Finding{
		ValidationType: billing.ValidationGuideline,
		GuidelineID:    &guidelineID,
		Status:         billing.ValidationFail,
		Severity:       guideline.Severity,
		Message: appendNarrative(fmt.Sprintf(
			"Billed amount $%s exceeds contract cap of $%s. Payment will be limited to $%s.",
			line.RawAmount.StringFixed(2), maxAmount.StringFixed(2), maxAmount.StringFixed(2)), guideline),
		ExpectedValue:  fmt.Sprintf("max $%s", maxAmount.StringFixed(2)),
		ActualValue:    fmt.Sprintf("$%s", line.RawAmount.StringFixed(2)),
		RequiredAction: billing.ActionAcceptReduction,
	}
}

// appendNarrative cites the original contract language on every
// failure message so exceptions stay auditable.
func appendNarrative(message string, guideline *billing.Guideline) string {
	if guideline.NarrativeSource == "" {
		return message
	}
	return fmt.Sprintf("%s Contract reference: \"%s\"", message, guideline.NarrativeSource)
}

// =============================================================================
// PARAMETER COERCION
// =============================================================================

// paramDecimal pulls a numeric parameter that may arrive as a JSON
// number, a string, or an integer.
func paramDecimal(params map[string]interface{}, key string) (decimal.Decimal, bool) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return decimal.Zero, false
	}
	switch value := raw.(type) {
	case float64:
		return decimal.NewFromFloat(value), true
	case int:
		return decimal.NewFromInt(int64(value)), true
	case int64:
		return decimal.NewFromInt(value), true
	case string:
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case decimal.Decimal:
		return value, true
	default:
		return decimal.Zero, false
	}
}

func paramString(params map[string]interface{}, key, fallback string) string {
	if value, ok := params[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

func paramBool(params map[string]interface{}, key string, fallback bool) bool {
	if value, ok := params[key].(bool); ok {
		return value
	}
	return fallback
}

func paramStrings(params map[string]interface{}, key string) []string {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	switch value := raw.(type) {
	case []string:
		return value
	case []interface{}:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
