// Package audit is the only writer of audit events. Every meaningful
// state change in the system flows through a Recorder, which appends an
// immutable row to the audit log inside the caller's transaction.
//
// Two rules are enforced here. First, created_at is never set by the
// application; the store assigns it, which is what makes the log
// tamper-resistant. Second, a Recorder never returns an error: a failed
// audit write is logged and must not block the state change it
// describes.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearbill/backend/internal/billing"
)

var logger = log.New(log.Writer(), "[AUDIT] ", log.LstdFlags)

// =============================================================================
// RECORDER
// =============================================================================

// Store is the slice of the persistence layer the recorder needs. The
// store assigns both the event ID and created_at on append, and rejects
// events that arrive with a caller-supplied timestamp.
type Store interface {
	AppendAuditEvent(ctx context.Context, event *billing.AuditEvent) error
}

// Recorder writes audit events through a Store.
type Recorder struct {
	store Store
}

// NewRecorder returns a Recorder backed by the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends one audit event. It never fails; append errors are
// logged and swallowed so the business write they describe proceeds.
func (r *Recorder) Record(ctx context.Context, entityType string, entityID uuid.UUID, eventType string, actorType billing.ActorType, actorID *uuid.UUID, payload map[string]interface{}) {
	event := &billing.AuditEvent{
		EntityType: entityType,
		EntityID:   entityID,
		EventType:  eventType,
		ActorType:  actorType,
		ActorID:    actorID,
		Payload:    sanitizePayload(payload),
	}
	if err := r.store.AppendAuditEvent(ctx, event); err != nil {
		logger.Printf("WARNING: failed to write audit event %q for %s:%s: %v",
			eventType, entityType, entityID, err)
	}
}

// =============================================================================
// TYPED EVENTS
// =============================================================================

// InvoiceCreated records a supplier creating a draft invoice.
func (r *Recorder) InvoiceCreated(ctx context.Context, inv *billing.Invoice, actorID uuid.UUID) {
	r.Record(ctx, billing.EntityInvoice, inv.ID, billing.EventInvoiceCreated,
		billing.ActorSupplier, &actorID, map[string]interface{}{
			"invoice_number": inv.InvoiceNumber,
			"status":         string(inv.Status),
		})
}

// InvoiceSubmitted records a supplier submitting an invoice file for
// processing.
func (r *Recorder) InvoiceSubmitted(ctx context.Context, inv *billing.Invoice, actorID *uuid.UUID) {
	r.Record(ctx, billing.EntityInvoice, inv.ID, billing.EventInvoiceSubmitted,
		billing.ActorSupplier, actorID, map[string]interface{}{
			"invoice_number": inv.InvoiceNumber,
			"supplier_id":    inv.SupplierID,
			"contract_id":    inv.ContractID,
			"status":         string(inv.Status),
			"version":        inv.CurrentVersion,
		})
}

// InvoiceStatusChanged records an invoice moving between lifecycle states.
func (r *Recorder) InvoiceStatusChanged(ctx context.Context, inv *billing.Invoice, from, to billing.SubmissionStatus, actorType billing.ActorType, actorID *uuid.UUID) {
	r.Record(ctx, billing.EntityInvoice, inv.ID, billing.EventInvoiceStatusChanged,
		actorType, actorID, map[string]interface{}{
			"from_status":    string(from),
			"to_status":      string(to),
			"invoice_number": inv.InvoiceNumber,
		})
}

// InvoiceChangesRequested records a carrier returning an invoice to the
// supplier. The carrier's notes live only in the audit payload; no
// schema change is needed and the notes are always recoverable.
func (r *Recorder) InvoiceChangesRequested(ctx context.Context, inv *billing.Invoice, carrierNotes string, actorID uuid.UUID) {
	r.Record(ctx, billing.EntityInvoice, inv.ID, billing.EventInvoiceChangesRequested,
		billing.ActorCarrier, &actorID, map[string]interface{}{
			"invoice_number": inv.InvoiceNumber,
			"to_status":      string(billing.StatusReviewRequired),
			"carrier_notes":  carrierNotes,
		})
}

// InvoiceDisputed records a carrier escalating an invoice under review
// into a formal dispute. As with change requests, the dispute reason
// lives only in the audit payload.
func (r *Recorder) InvoiceDisputed(ctx context.Context, inv *billing.Invoice, reason string, actorID uuid.UUID) {
	r.Record(ctx, billing.EntityInvoice, inv.ID, billing.EventInvoiceDisputed,
		billing.ActorCarrier, &actorID, map[string]interface{}{
			"invoice_number": inv.InvoiceNumber,
			"dispute_reason": reason,
		})
}

// LineItemClassified records the classifier's verdict for a line.
func (r *Recorder) LineItemClassified(ctx context.Context, line *billing.LineItem, matchType billing.MatchType, explanation string) {
	r.Record(ctx, billing.EntityLineItem, line.ID, billing.EventLineItemClassified,
		billing.ActorSystem, nil, map[string]interface{}{
			"taxonomy_code":      line.TaxonomyCode,
			"billing_component":  line.BillingComponent,
			"mapping_confidence": line.MappingConfidence,
			"match_type":         string(matchType),
			"match_explanation":  explanation,
		})
}

// ExceptionOpened records a FAIL finding raising an exception on a line.
func (r *Recorder) ExceptionOpened(ctx context.Context, line *billing.LineItem, result *billing.ValidationResult) {
	r.Record(ctx, billing.EntityLineItem, line.ID, billing.EventExceptionOpened,
		billing.ActorSystem, nil, map[string]interface{}{
			"validation_type": string(result.ValidationType),
			"status":          string(result.Status),
			"severity":        string(result.Severity),
			"message":         result.Message,
			"required_action": string(result.RequiredAction),
		})
}

// ExceptionSupplierResponded records a supplier answering an open
// exception.
func (r *Recorder) ExceptionSupplierResponded(ctx context.Context, exc *billing.ExceptionRecord, actorID uuid.UUID) {
	r.Record(ctx, billing.EntityException, exc.ID, billing.EventExceptionSupplierReplied,
		billing.ActorSupplier, &actorID, map[string]interface{}{
			"supplier_response": exc.SupplierResponse,
		})
}

// ExceptionResolved records a carrier (or the system, on approval
// waivers) closing an exception.
func (r *Recorder) ExceptionResolved(ctx context.Context, exc *billing.ExceptionRecord, actorType billing.ActorType, actorID *uuid.UUID) {
	r.Record(ctx, billing.EntityException, exc.ID, billing.EventExceptionResolved,
		actorType, actorID, map[string]interface{}{
			"line_item_id":      exc.LineItemID,
			"resolution_action": string(exc.ResolutionAction),
			"resolution_notes":  exc.ResolutionNotes,
		})
}

// MappingRuleOverridden records a carrier correcting a classification,
// which mints a new mapping rule.
func (r *Recorder) MappingRuleOverridden(ctx context.Context, rule *billing.MappingRule, oldTaxonomyCode string, actorID uuid.UUID) {
	scope := "global"
	if rule.SupplierID != nil {
		scope = "supplier"
	}
	r.Record(ctx, billing.EntityMappingRule, rule.ID, billing.EventMappingRuleOverridden,
		billing.ActorCarrier, &actorID, map[string]interface{}{
			"old_taxonomy_code": oldTaxonomyCode,
			"new_taxonomy_code": rule.TaxonomyCode,
			"match_pattern":     rule.MatchPattern,
			"match_type":        string(rule.MatchType),
			"scope":             scope,
		})
}

// =============================================================================
// PAYLOAD SANITIZATION
// =============================================================================

// sanitizePayload normalizes a payload so it serializes cleanly as JSON.
// UUIDs, timestamps, and decimals become strings; nested maps and slices
// are walked recursively. Everything else passes through unchanged.
func sanitizePayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case uuid.UUID:
		return t.String()
	case *uuid.UUID:
		if t == nil {
			return nil
		}
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	case decimal.Decimal:
		return t.String()
	case *decimal.Decimal:
		if t == nil {
			return nil
		}
		return t.String()
	case map[string]interface{}:
		return sanitizePayload(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return v
	}
}
