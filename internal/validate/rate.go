package validate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearbill/backend/internal/billing"
)

// =============================================================================
// RATE VALIDATION
// =============================================================================

// DefaultAmountTolerance absorbs rounding drift between billed and
// expected amounts, e.g. mileage x rate.
var DefaultAmountTolerance = decimal.RequireFromString("0.02")

// travelComponents must not be billed separately under an
// all-inclusive rate card.
var travelComponents = map[string]bool{
	"TRAVEL_TRANSPORT": true,
	"TRAVEL_LODGING":   true,
	"TRAVEL_MEALS":     true,
	"MILEAGE":          true,
}

// RateCardSource looks up the rate cards for one contract and taxonomy
// code. Effective-window filtering happens in the validator.
type RateCardSource interface {
	RateCards(ctx context.Context, contractID uuid.UUID, taxonomyCode string) ([]billing.RateCard, error)
}

// RateValidator checks a line item's billed amount against the
// applicable contracted rate.
type RateValidator struct {
	cards     RateCardSource
	tolerance decimal.Decimal

	// now is swappable for tests; service dates default to today.
	now func() time.Time
}

// NewRateValidator builds a validator with the default tolerance.
func NewRateValidator(cards RateCardSource) *RateValidator {
	return &RateValidator{
		cards:     cards,
		tolerance: DefaultAmountTolerance,
		now:       time.Now,
	}
}

// WithTolerance overrides the amount tolerance for this validator.
func (v *RateValidator) WithTolerance(tolerance decimal.Decimal) *RateValidator {
	v.tolerance = tolerance
	return v
}

// Validate runs all rate checks for one line item. Multiple checks may
// each contribute a finding; all are returned.
func (v *RateValidator) Validate(ctx context.Context, line *billing.LineItem, contract *billing.Contract) ([]Finding, error) {
	if line.TaxonomyCode == "" {
		return []Finding{{
			ValidationType: billing.ValidationRate,
			Status:         billing.ValidationFail,
			Severity:       billing.SeverityError,
			Message: "Line item could not be classified to a taxonomy code. " +
				"Rate validation requires a valid service classification. " +
				"Please clarify the service description or request reclassification.",
			RequiredAction: billing.ActionRequestReclassify,
		}}, nil
	}

	card, err := v.findRateCard(ctx, line, contract.ID)
	if err != nil {
		return nil, fmt.Errorf("loading rate cards for %s: %w", line.TaxonomyCode, err)
	}
	if card == nil {
		return []Finding{{
			ValidationType: billing.ValidationRate,
			Status:         billing.ValidationFail,
			Severity:       billing.SeverityError,
			Message: fmt.Sprintf(
				"No contracted rate found for service '%s' under contract '%s'. "+
					"This service may not be covered or may require carrier pre-approval.",
				line.TaxonomyCode, contract.Name),
			RequiredAction: billing.ActionRequestReclassify,
		}}, nil
	}

	findings := []Finding{v.checkAmount(line, card)}

	if card.MaxUnits != nil {
		findings = append(findings, v.checkMaxUnits(line, card))
	}

	if card.IsAllInclusive {
		if bundling := v.checkBundling(line, card); bundling != nil {
			findings = append(findings, *bundling)
		}
	}

	return findings, nil
}

// findRateCard picks the card covering the line's service date, most
// recent effective_from first. Service date defaults to today.
func (v *RateValidator) findRateCard(ctx context.Context, line *billing.LineItem, contractID uuid.UUID) (*billing.RateCard, error) {
	serviceDate := v.now()
	if line.ServiceDate != nil {
		serviceDate = *line.ServiceDate
	}

	cards, err := v.cards.RateCards(ctx, contractID, line.TaxonomyCode)
	if err != nil {
		return nil, err
	}

	var best *billing.RateCard
	for i := range cards {
		card := &cards[i]
		if !card.EffectiveOn(serviceDate) {
			continue
		}
		if best == nil || card.EffectiveFrom.After(best.EffectiveFrom) {
			best = card
		}
	}
	return best, nil
}

// checkAmount compares billed against quantity x contracted rate,
// rounded half-even to cents.
func (v *RateValidator) checkAmount(line *billing.LineItem, card *billing.RateCard) Finding {
	expected := line.RawQuantity.Mul(card.ContractedRate).RoundBank(2)
	billed := line.RawAmount
	diff := billed.Sub(expected)

	cardID := card.ID
	base := Finding{
		ValidationType: billing.ValidationRate,
		RateCardID:     &cardID,
		ExpectedValue:  "$" + expected.StringFixed(2),
		ActualValue:    "$" + billed.StringFixed(2),
	}

	switch {
	case diff.Abs().LessThanOrEqual(v.tolerance):
		base.Status = billing.ValidationPass
		base.Severity = billing.SeverityInfo
		base.Message = fmt.Sprintf(
			"Amount validated: billed $%s matches contracted rate $%s × %s units = $%s.",
			billed.StringFixed(2), card.ContractedRate.StringFixed(2),
			line.RawQuantity.String(), expected.StringFixed(2))
		base.RequiredAction = billing.ActionNone

	case diff.GreaterThan(v.tolerance):
		base.Status = billing.ValidationFail
		base.Severity = billing.SeverityError
		base.Message = fmt.Sprintf(
			"Billed amount $%s exceeds contracted rate. "+
				"Contracted rate: $%s × %s %s = $%s. Overage: $%s. "+
				"Payment will be limited to $%s.",
			billed.StringFixed(2), card.ContractedRate.StringFixed(2),
			line.RawQuantity.String(), unitLabel(line),
			expected.StringFixed(2), diff.StringFixed(2), expected.StringFixed(2))
		base.RequiredAction = billing.ActionAcceptReduction

	default:
		// Underbilled. Unusual but payable as billed; warn for
		// carrier visibility.
		base.Status = billing.ValidationWarn
		base.Severity = billing.SeverityWarning
		base.Message = fmt.Sprintf(
			"Billed amount $%s is less than contracted rate ($%s × %s = $%s). "+
				"Amount will be paid as billed.",
			billed.StringFixed(2), card.ContractedRate.StringFixed(2),
			line.RawQuantity.String(), expected.StringFixed(2))
		base.RequiredAction = billing.ActionNone
	}

	return base
}

// checkMaxUnits rejects quantities above the rate card cap. The
// expected value is the capped payable, max_units x rate, so the
// pipeline can limit the line's expected amount to it.
func (v *RateValidator) checkMaxUnits(line *billing.LineItem, card *billing.RateCard) Finding {
	cardID := card.ID
	if line.RawQuantity.GreaterThan(*card.MaxUnits) {
		capped := card.MaxUnits.Mul(card.ContractedRate).RoundBank(2)
		return Finding{
			ValidationType: billing.ValidationRate,
			RateCardID:     &cardID,
			Status:         billing.ValidationFail,
			Severity:       billing.SeverityError,
			Message: fmt.Sprintf(
				"Quantity %s %s exceeds contract maximum of %s for %s. "+
					"Payment will be limited to %s units × $%s = $%s.",
				line.RawQuantity.String(), unitLabel(line),
				card.MaxUnits.String(), line.TaxonomyCode,
				card.MaxUnits.String(), card.ContractedRate.StringFixed(2),
				capped.StringFixed(2)),
			ExpectedValue:  "$" + capped.StringFixed(2),
			ActualValue:    "$" + line.RawAmount.StringFixed(2),
			RequiredAction: billing.ActionAcceptReduction,
		}
	}
	return Finding{
		ValidationType: billing.ValidationRate,
		RateCardID:     &cardID,
		Status:         billing.ValidationPass,
		Severity:       billing.SeverityInfo,
		Message: fmt.Sprintf("Quantity %s within contract maximum of %s.",
			line.RawQuantity.String(), card.MaxUnits.String()),
		RequiredAction: billing.ActionNone,
	}
}

// checkBundling flags separately billed travel or mileage under an
// all-inclusive rate. Returns nil when the component is fine.
func (v *RateValidator) checkBundling(line *billing.LineItem, card *billing.RateCard) *Finding {
	if !travelComponents[line.BillingComponent] {
		return nil
	}
	cardID := card.ID
	domain := billing.TaxonomyDomain(line.TaxonomyCode)
	return &Finding{
		ValidationType: billing.ValidationRate,
		RateCardID:     &cardID,
		Status:         billing.ValidationFail,
		Severity:       billing.SeverityError,
		Message: fmt.Sprintf(
			"The contracted rate for %s services is all-inclusive (rate card: %s). "+
				"Travel and expense charges (%s) must not be billed separately. "+
				"This line will not be approved.",
			domain, card.ContractedRate.StringFixed(2), line.BillingComponent),
		ExpectedValue:  "Not separately billable (all-inclusive rate)",
		ActualValue:    fmt.Sprintf("$%s (%s)", line.RawAmount.StringFixed(2), line.BillingComponent),
		RequiredAction: billing.ActionReupload,
	}
}

func unitLabel(line *billing.LineItem) string {
	if line.RawUnit != "" {
		return line.RawUnit
	}
	return "units"
}
