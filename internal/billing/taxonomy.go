package billing

import (
	"strings"
	"time"
)

// TaxonomyItem is one canonical service code definition. Codes follow
// the format DOMAIN.SERVICE_ITEM.COMPONENT, e.g. IME.PHY_EXAM.PROF_FEE.
//
// The canonical list in the taxonomy package is the source of truth;
// the persisted table is an idempotent projection of it.
type TaxonomyItem struct {
	Code             string    `json:"code"`
	Domain           string    `json:"domain"`
	ServiceItem      string    `json:"service_item"`
	BillingComponent string    `json:"billing_component"`
	UnitModel        string    `json:"unit_model"`
	Label            string    `json:"label"`
	Description      string    `json:"description"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
}

// TaxonomyDomain extracts the domain segment from a taxonomy code, the
// text before the first dot. Returns "" for malformed codes.
func TaxonomyDomain(code string) string {
	if i := strings.IndexByte(code, '.'); i > 0 {
		return code[:i]
	}
	return ""
}
