package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clearbill/backend/internal/billing"
)

// =============================================================================
// MAPPING OVERRIDE
// =============================================================================

// ErrChainCycle is returned when a supersession chain loops back on
// itself. Persisted chains are backward-only lists; a cycle means the
// store holds corrupt data and the override must not extend it.
var ErrChainCycle = errors.New("mapping rule supersession chain contains a cycle")

// OverrideStore is the persistence surface the override protocol needs.
// All calls are expected to run inside the caller's transaction.
type OverrideStore interface {
	// FindActiveMappingRule returns the currently effective rule for the
	// scope and pattern, or nil when none exists.
	FindActiveMappingRule(ctx context.Context, supplierID *uuid.UUID, matchType billing.MatchType, pattern string) (*billing.MappingRule, error)
	// GetMappingRule loads a rule by id, nil when absent.
	GetMappingRule(ctx context.Context, id uuid.UUID) (*billing.MappingRule, error)
	// ExpireMappingRule sets effective_to on a rule.
	ExpireMappingRule(ctx context.Context, id uuid.UUID, at time.Time) error
	// InsertMappingRule persists a new rule row.
	InsertMappingRule(ctx context.Context, rule *billing.MappingRule) error
}

// OverrideParams describes a carrier correction of a mapping.
type OverrideParams struct {
	// SupplierID scopes the new rule; nil makes it global.
	SupplierID       *uuid.UUID
	MatchType        billing.MatchType
	MatchPattern     string
	TaxonomyCode     string
	BillingComponent string
	UserID           uuid.UUID
	Notes            string
}

// Override replaces the active mapping rule for (supplier, match type,
// pattern) with a carrier-confirmed successor. The old rule is expired,
// never mutated otherwise; the successor records its lineage through
// SupersedesRuleID and a bumped version. When no prior rule exists the
// successor starts a fresh chain at version 1.
func Override(ctx context.Context, store OverrideStore, params OverrideParams) (*billing.MappingRule, error) {
	now := time.Now().UTC()

	existing, err := store.FindActiveMappingRule(ctx, params.SupplierID, params.MatchType, params.MatchPattern)
	if err != nil {
		return nil, fmt.Errorf("looking up active mapping rule: %w", err)
	}

	successor := &billing.MappingRule{
		ID:                uuid.New(),
		SupplierID:        params.SupplierID,
		MatchType:         params.MatchType,
		MatchPattern:      params.MatchPattern,
		TaxonomyCode:      params.TaxonomyCode,
		BillingComponent:  params.BillingComponent,
		ConfidenceWeight:  1.0,
		ConfidenceLabel:   billing.ConfidenceHigh,
		ConfirmedBy:       billing.ConfirmedCarrierOverride,
		ConfirmedByUserID: &params.UserID,
		ConfirmedAt:       &now,
		Version:           1,
		EffectiveFrom:     now,
		Notes:             params.Notes,
		CreatedAt:         now,
	}

	if existing != nil {
		if err := checkChain(ctx, store, existing, successor.ID); err != nil {
			return nil, err
		}
		oldID := existing.ID
		successor.SupersedesRuleID = &oldID
		successor.Version = existing.Version + 1

		if err := store.ExpireMappingRule(ctx, existing.ID, now); err != nil {
			return nil, fmt.Errorf("expiring mapping rule %s: %w", existing.ID, err)
		}
	}

	if err := store.InsertMappingRule(ctx, successor); err != nil {
		return nil, fmt.Errorf("inserting mapping rule: %w", err)
	}

	logger.Printf("mapping override: rule %s supersedes %v (version %d)",
		successor.ID, successor.SupersedesRuleID, successor.Version)
	return successor, nil
}

// checkChain walks the supersession chain starting at head and fails
// if it revisits a rule or reaches newID.
func checkChain(ctx context.Context, store OverrideStore, head *billing.MappingRule, newID uuid.UUID) error {
	seen := map[uuid.UUID]bool{newID: true}
	current := head
	for current != nil {
		if seen[current.ID] {
			return ErrChainCycle
		}
		seen[current.ID] = true
		if current.SupersedesRuleID == nil {
			return nil
		}
		next, err := store.GetMappingRule(ctx, *current.SupersedesRuleID)
		if err != nil {
			return fmt.Errorf("walking supersession chain at %s: %w", *current.SupersedesRuleID, err)
		}
		if next == nil {
			// Dangling pointer; treat the chain as ended.
			return nil
		}
		current = next
	}
	return nil
}

// Chain returns the supersession history for a rule, newest first. The
// head itself is included.
func Chain(ctx context.Context, store OverrideStore, headID uuid.UUID) ([]billing.MappingRule, error) {
	var history []billing.MappingRule
	seen := map[uuid.UUID]bool{}

	current, err := store.GetMappingRule(ctx, headID)
	if err != nil {
		return nil, err
	}
	for current != nil {
		if seen[current.ID] {
			return nil, ErrChainCycle
		}
		seen[current.ID] = true
		history = append(history, *current)
		if current.SupersedesRuleID == nil {
			break
		}
		current, err = store.GetMappingRule(ctx, *current.SupersedesRuleID)
		if err != nil {
			return nil, err
		}
	}
	return history, nil
}
