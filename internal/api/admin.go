package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearbill/backend/internal/audit"
	"github.com/clearbill/backend/internal/billing"
	"github.com/clearbill/backend/internal/classify"
	"github.com/clearbill/backend/internal/middleware"
	"github.com/clearbill/backend/internal/store"
)

// =============================================================================
// MAPPING OVERRIDES
// =============================================================================

// Override scopes. this_line corrects a single line; the wider scopes
// additionally mint a mapping rule so the correction sticks for future
// invoices.
const (
	ScopeThisLine     = "this_line"
	ScopeThisSupplier = "this_supplier"
	ScopeGlobal       = "global"
)

// OverrideRequest reassigns a line to a different taxonomy code.
type OverrideRequest struct {
	LineItemID       uuid.UUID `json:"line_item_id" validate:"required"`
	TaxonomyCode     string    `json:"taxonomy_code" validate:"required"`
	BillingComponent string    `json:"billing_component" validate:"required"`
	Scope            string    `json:"scope" validate:"required,oneof=this_line this_supplier global"`
	Notes            string    `json:"notes"`
}

// handleMappingOverride corrects a misclassified line. The line gets
// the new code at HIGH confidence; supplier and global scopes also
// create a keyword rule from the line's raw description so the
// classifier learns the correction.
func (s *Server) handleMappingOverride(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	actorID, err := claims.ActorID()
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	var req OverrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	item, err := s.registry.Lookup(req.TaxonomyCode)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Unknown taxonomy code '%s'", req.TaxonomyCode)
		return
	}

	ctx := r.Context()
	line, err := s.store.GetLineItem(ctx, req.LineItemID)
	if err != nil {
		respondStoreError(w, err, "Line item not found")
		return
	}
	inv, err := s.store.GetInvoice(ctx, line.InvoiceID)
	if err != nil {
		internalError(w, err)
		return
	}

	oldCode := line.TaxonomyCode
	var rule *billing.MappingRule
	err = s.store.InTransaction(ctx, func(tx store.Store) error {
		if line.Status != billing.LineOverride {
			if err := billing.GuardLineTransition(line.ID, line.Status, billing.LineOverride); err != nil {
				return err
			}
			line.Status = billing.LineOverride
		}
		line.TaxonomyCode = req.TaxonomyCode
		line.BillingComponent = req.BillingComponent
		line.MappedUnitModel = item.UnitModel
		line.MappingConfidence = billing.ConfidenceHigh

		rec := audit.NewRecorder(tx)
		if req.Scope != ScopeThisLine {
			var supplierID *uuid.UUID
			if req.Scope == ScopeThisSupplier {
				supplierID = &inv.SupplierID
			}
			created, err := classify.Override(ctx, tx, classify.OverrideParams{
				SupplierID:       supplierID,
				MatchType:        billing.MatchKeywordSet,
				MatchPattern:     line.RawDescription,
				TaxonomyCode:     req.TaxonomyCode,
				BillingComponent: req.BillingComponent,
				UserID:           actorID,
				Notes:            req.Notes,
			})
			if err != nil {
				return err
			}
			rule = created
			line.MappingRuleID = &rule.ID
			rec.MappingRuleOverridden(ctx, rule, oldCode, actorID)
		} else {
			rec.Record(ctx, billing.EntityLineItem, line.ID, billing.EventMappingRuleOverridden,
				billing.ActorCarrier, &actorID, map[string]interface{}{
					"old_taxonomy_code": oldCode,
					"new_taxonomy_code": req.TaxonomyCode,
					"scope":             ScopeThisLine,
				})
		}
		return tx.UpdateLineItem(ctx, line)
	})
	if err != nil {
		respondStoreError(w, err, "Line item not found")
		return
	}

	resp := map[string]interface{}{
		"message":      "Mapping updated to " + req.TaxonomyCode + ".",
		"scope":        req.Scope,
		"rule_created": rule != nil,
	}
	if rule != nil {
		resp["rule_id"] = rule.ID
	}
	logger.Printf("mapping override on line %s: %s -> %s (scope %s)", line.ID, oldCode, req.TaxonomyCode, req.Scope)
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// REVIEW QUEUE
// =============================================================================

// ReviewQueueRow is one low-confidence line awaiting a human mapping
// decision.
type ReviewQueueRow struct {
	LineItemID        uuid.UUID       `json:"line_item_id"`
	InvoiceID         uuid.UUID       `json:"invoice_id"`
	LineNumber        int             `json:"line_number"`
	RawDescription    string          `json:"raw_description"`
	RawCode           string          `json:"raw_code,omitempty"`
	RawAmount         decimal.Decimal `json:"raw_amount"`
	TaxonomyCode      string          `json:"taxonomy_code,omitempty"`
	BillingComponent  string          `json:"billing_component,omitempty"`
	MappingConfidence string          `json:"mapping_confidence"`
}

func (s *Server) handleMappingReviewQueue(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	cfg := s.config.Global()
	if carrierID, ok := claims.Carrier(); ok {
		cfg = s.config.Get(carrierID.String())
	}
	limit := cfg.Review.QueueLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeDetail(w, http.StatusUnprocessableEntity, "Invalid limit %q", raw)
			return
		}
		if n < limit {
			limit = n
		}
	}

	lines, err := s.store.ReviewQueue(r.Context(), limit)
	if err != nil {
		internalError(w, err)
		return
	}
	rows := make([]ReviewQueueRow, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, ReviewQueueRow{
			LineItemID:        line.ID,
			InvoiceID:         line.InvoiceID,
			LineNumber:        line.LineNumber,
			RawDescription:    line.RawDescription,
			RawCode:           line.RawCode,
			RawAmount:         line.RawAmount,
			TaxonomyCode:      line.TaxonomyCode,
			BillingComponent:  line.BillingComponent,
			MappingConfidence: line.MappingConfidence,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

// =============================================================================
// ANALYTICS
// =============================================================================

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.AnalyticsSummary(r.Context())
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSpendByDomain(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.SpendByDomain(r.Context())
	if err != nil {
		internalError(w, err)
		return
	}
	if rows == nil {
		rows = []store.DomainSpend{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSpendBySupplier(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.SpendBySupplier(r.Context())
	if err != nil {
		internalError(w, err)
		return
	}
	if rows == nil {
		rows = []store.SupplierSpend{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSpendByTaxonomy(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.SpendByTaxonomy(r.Context())
	if err != nil {
		internalError(w, err)
		return
	}
	if rows == nil {
		rows = []store.TaxonomySpend{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleExceptionBreakdown(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ExceptionBreakdown(r.Context())
	if err != nil {
		internalError(w, err)
		return
	}
	if rows == nil {
		rows = []store.ExceptionTypeCount{}
	}
	writeJSON(w, http.StatusOK, rows)
}
