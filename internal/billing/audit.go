package billing

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT LOG
// =============================================================================

// ActorType identifies who caused an audited change.
type ActorType string

const (
	ActorSystem   ActorType = "SYSTEM"
	ActorSupplier ActorType = "SUPPLIER"
	ActorCarrier  ActorType = "CARRIER"
)

// Audit event types, dot-namespaced and past-tense.
const (
	EventInvoiceCreated           = "invoice.created"
	EventInvoiceSubmitted         = "invoice.submitted"
	EventInvoiceStatusChanged     = "invoice.status_changed"
	EventInvoiceChangesRequested  = "invoice.changes_requested"
	EventInvoiceDisputed          = "invoice.disputed"
	EventLineItemClassified       = "line_item.classified"
	EventExceptionOpened          = "exception.opened"
	EventExceptionSupplierReplied = "exception.supplier_responded"
	EventExceptionResolved        = "exception.resolved"
	EventMappingRuleOverridden    = "mapping_rule.overridden"
)

// Audit entity types.
const (
	EntityInvoice     = "invoice"
	EntityLineItem    = "line_item"
	EntityException   = "exception"
	EntityMappingRule = "mapping_rule"
)

// AuditEvent is one immutable row in the append-only audit log.
//
// CreatedAt is always assigned by the store, never by the caller; that
// rule is the system's tamper-resistance guarantee. Rows are never
// updated or deleted.
type AuditEvent struct {
	ID         uuid.UUID              `json:"id"`
	EntityType string                 `json:"entity_type"`
	EntityID   uuid.UUID              `json:"entity_id"`
	EventType  string                 `json:"event_type"`
	ActorType  ActorType              `json:"actor_type"`
	ActorID    *uuid.UUID             `json:"actor_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
