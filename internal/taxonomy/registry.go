// Package taxonomy provides the canonical service taxonomy for claims-
// adjacent vendor billing and an O(1) in-process registry over it.
//
// The registry is read-mostly: it is built once at startup from the
// compiled catalog (or from the persisted table) and replaced wholesale
// on administrative change.
package taxonomy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/clearbill/backend/internal/billing"
)

// Registry is a concurrency-safe lookup from taxonomy code to metadata,
// with enumeration by domain.
type Registry struct {
	mu       sync.RWMutex
	items    map[string]*billing.TaxonomyItem
	byDomain map[string][]*billing.TaxonomyItem
}

// NewRegistry builds a registry from the compiled catalog with every
// item active.
func NewRegistry() *Registry {
	r := &Registry{}
	items := make([]billing.TaxonomyItem, len(Catalog))
	copy(items, Catalog)
	for i := range items {
		items[i].IsActive = true
	}
	r.Reload(items)
	return r
}

// Reload replaces the registry contents wholesale. Used at startup and
// whenever the persisted table changes.
func (r *Registry) Reload(items []billing.TaxonomyItem) {
	byCode := make(map[string]*billing.TaxonomyItem, len(items))
	byDomain := make(map[string][]*billing.TaxonomyItem)
	for i := range items {
		item := items[i]
		byCode[item.Code] = &item
		byDomain[item.Domain] = append(byDomain[item.Domain], &item)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = byCode
	r.byDomain = byDomain
}

// Lookup returns the taxonomy item for a code.
func (r *Registry) Lookup(code string) (*billing.TaxonomyItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[code]
	if !ok {
		return nil, fmt.Errorf("taxonomy code %s not found in registry", code)
	}
	return item, nil
}

// Contains reports whether code is a known taxonomy code.
func (r *Registry) Contains(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[code]
	return ok
}

// ByDomain returns all items in a domain, sorted by code.
func (r *Registry) ByDomain(domain string) []*billing.TaxonomyItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*billing.TaxonomyItem, len(r.byDomain[domain]))
	copy(items, r.byDomain[domain])
	sort.Slice(items, func(i, j int) bool { return items[i].Code < items[j].Code })
	return items
}

// Domains returns the known domain names, sorted.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	domains := make([]string, 0, len(r.byDomain))
	for d := range r.byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// Codes returns every known code, sorted.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.items))
	for c := range r.items {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Len returns the number of registered items.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
