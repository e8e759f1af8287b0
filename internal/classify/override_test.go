package classify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearbill/backend/internal/billing"
)

// memRuleStore is a map-backed OverrideStore for tests.
type memRuleStore struct {
	rules map[uuid.UUID]*billing.MappingRule
}

func newMemRuleStore() *memRuleStore {
	return &memRuleStore{rules: make(map[uuid.UUID]*billing.MappingRule)}
}

func (m *memRuleStore) FindActiveMappingRule(_ context.Context, supplierID *uuid.UUID, matchType billing.MatchType, pattern string) (*billing.MappingRule, error) {
	for _, rule := range m.rules {
		if rule.MatchType != matchType || rule.MatchPattern != pattern || rule.EffectiveTo != nil {
			continue
		}
		if sameScope(rule.SupplierID, supplierID) {
			copied := *rule
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memRuleStore) GetMappingRule(_ context.Context, id uuid.UUID) (*billing.MappingRule, error) {
	rule, ok := m.rules[id]
	if !ok {
		return nil, nil
	}
	copied := *rule
	return &copied, nil
}

func (m *memRuleStore) ExpireMappingRule(_ context.Context, id uuid.UUID, at time.Time) error {
	if rule, ok := m.rules[id]; ok {
		rule.EffectiveTo = &at
	}
	return nil
}

func (m *memRuleStore) InsertMappingRule(_ context.Context, rule *billing.MappingRule) error {
	copied := *rule
	m.rules[rule.ID] = &copied
	return nil
}

func sameScope(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (m *memRuleStore) activeCount() int {
	n := 0
	for _, rule := range m.rules {
		if rule.EffectiveTo == nil {
			n++
		}
	}
	return n
}

// ============================================================================
// OVERRIDE PROTOCOL
// ============================================================================

func TestOverrideStartsFreshChain(t *testing.T) {
	store := newMemRuleStore()
	userID := uuid.New()

	rule, err := Override(context.Background(), store, OverrideParams{
		MatchType:        billing.MatchKeywordSet,
		MatchPattern:     "drone footage",
		TaxonomyCode:     "INV.SURVEILLANCE.PROF_FEE",
		BillingComponent: "PROF_FEE",
		UserID:           userID,
		Notes:            "new service type",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, rule.Version)
	assert.Nil(t, rule.SupersedesRuleID)
	assert.Equal(t, billing.ConfirmedCarrierOverride, rule.ConfirmedBy)
	assert.Equal(t, 1.0, rule.ConfidenceWeight)
	assert.Equal(t, billing.ConfidenceHigh, rule.ConfidenceLabel)
	require.NotNil(t, rule.ConfirmedByUserID)
	assert.Equal(t, userID, *rule.ConfirmedByUserID)
	assert.Equal(t, 1, store.activeCount())
}

func TestOverrideExpiresPredecessorAndLinks(t *testing.T) {
	store := newMemRuleStore()
	ctx := context.Background()
	params := OverrideParams{
		MatchType:        billing.MatchKeywordSet,
		MatchPattern:     "drone footage",
		TaxonomyCode:     "INV.SURVEILLANCE.PROF_FEE",
		BillingComponent: "PROF_FEE",
		UserID:           uuid.New(),
	}

	first, err := Override(ctx, store, params)
	require.NoError(t, err)

	params.TaxonomyCode = "IA.PHOTO_DOC.PROF_FEE"
	second, err := Override(ctx, store, params)
	require.NoError(t, err)

	// Predecessor expired, successor linked
	stored, err := store.GetMappingRule(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EffectiveTo)
	require.NotNil(t, second.SupersedesRuleID)
	assert.Equal(t, first.ID, *second.SupersedesRuleID)
	assert.Equal(t, 2, second.Version)

	// Exactly one active head per (scope, pattern, type)
	assert.Equal(t, 1, store.activeCount())
}

func TestOverrideChainWalksFullHistory(t *testing.T) {
	store := newMemRuleStore()
	ctx := context.Background()
	params := OverrideParams{
		MatchType:        billing.MatchKeywordSet,
		MatchPattern:     "drone footage",
		TaxonomyCode:     "INV.SURVEILLANCE.PROF_FEE",
		BillingComponent: "PROF_FEE",
		UserID:           uuid.New(),
	}

	var head *billing.MappingRule
	for i := 0; i < 4; i++ {
		rule, err := Override(ctx, store, params)
		require.NoError(t, err)
		head = rule
	}

	assert.Equal(t, 4, head.Version)

	history, err := Chain(ctx, store, head.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	// Newest first, versions descending to the chain root
	for i, rule := range history {
		assert.Equal(t, 4-i, rule.Version)
	}
	assert.Nil(t, history[3].SupersedesRuleID)
}

func TestOverrideScopesAreIndependentChains(t *testing.T) {
	store := newMemRuleStore()
	ctx := context.Background()
	supplierID := uuid.New()

	global, err := Override(ctx, store, OverrideParams{
		MatchType:    billing.MatchKeywordSet,
		MatchPattern: "drone footage",
		TaxonomyCode: "INV.SURVEILLANCE.PROF_FEE",
		UserID:       uuid.New(),
	})
	require.NoError(t, err)

	scoped, err := Override(ctx, store, OverrideParams{
		SupplierID:   &supplierID,
		MatchType:    billing.MatchKeywordSet,
		MatchPattern: "drone footage",
		TaxonomyCode: "IA.PHOTO_DOC.PROF_FEE",
		UserID:       uuid.New(),
	})
	require.NoError(t, err)

	// The supplier-scoped override does not expire the global rule
	assert.Equal(t, 1, global.Version)
	assert.Equal(t, 1, scoped.Version)
	assert.Nil(t, scoped.SupersedesRuleID)
	assert.Equal(t, 2, store.activeCount())
}

func TestOverrideRejectsCorruptCycle(t *testing.T) {
	store := newMemRuleStore()
	ctx := context.Background()

	// Hand-build a corrupt two-rule loop
	idA, idB := uuid.New(), uuid.New()
	store.rules[idA] = &billing.MappingRule{
		ID:               idA,
		MatchType:        billing.MatchKeywordSet,
		MatchPattern:     "drone footage",
		TaxonomyCode:     "INV.SURVEILLANCE.PROF_FEE",
		Version:          2,
		SupersedesRuleID: &idB,
	}
	expired := time.Now()
	store.rules[idB] = &billing.MappingRule{
		ID:               idB,
		MatchType:        billing.MatchKeywordSet,
		MatchPattern:     "drone footage",
		TaxonomyCode:     "INV.SURVEILLANCE.PROF_FEE",
		Version:          1,
		SupersedesRuleID: &idA,
		EffectiveTo:      &expired,
	}

	_, err := Override(ctx, store, OverrideParams{
		MatchType:    billing.MatchKeywordSet,
		MatchPattern: "drone footage",
		TaxonomyCode: "IA.PHOTO_DOC.PROF_FEE",
		UserID:       uuid.New(),
	})
	require.ErrorIs(t, err, ErrChainCycle)

	_, err = Chain(ctx, store, idA)
	require.ErrorIs(t, err, ErrChainCycle)
}
