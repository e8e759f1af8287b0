// Package events broadcasts invoice and exception lifecycle changes to
// connected websocket clients. Carrier review dashboards subscribe at
// /ws and refresh their queues without polling. The feed is advisory:
// slow or dead clients are dropped, and the audit log remains the
// source of truth.
package events

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clearbill/backend/internal/billing"
)

var logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)

// Event is one live feed message. Type reuses the audit event names so
// dashboard and audit consumers speak the same vocabulary.
type Event struct {
	Type      string                 `json:"type"`
	InvoiceID uuid.UUID              `json:"invoice_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Hub fans events out to every connected client. Register, unregister
// and broadcast all flow through Run's select loop, which owns the
// client set.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once

	mu      sync.RWMutex
	count   int
	dropped int64

	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Dashboards are served from a separate origin in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run owns the client set until Stop is called. Call it in its own
// goroutine before serving connections.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.setCount(len(h.clients))
			logger.Printf("Client connected (total: %d)", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.setCount(len(h.clients))
			logger.Printf("Client disconnected (total: %d)", len(h.clients))

		case event := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteJSON(event); err != nil {
					logger.Printf("Write failed, dropping client: %v", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.setCount(len(h.clients))

		case <-h.stop:
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.setCount(0)
			return
		}
	}
}

// Stop closes every connection and ends Run. Safe to call twice.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Handler upgrades the request and keeps the connection registered
// until the peer goes away. Clients are read-drained; the feed is
// one-way.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("Upgrade failed: %v", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.stop:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.stop:
				conn.Close()
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish stamps and queues an event. When the queue is full the event
// is dropped rather than blocking the business operation that raised it.
func (h *Hub) Publish(event Event) {
	event.Timestamp = time.Now().UTC()
	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		logger.Printf("Feed queue full, dropped %s for invoice %s", event.Type, event.InvoiceID)
	}
}

// InvoiceStatusChanged announces an invoice transition.
func (h *Hub) InvoiceStatusChanged(invoiceID uuid.UUID, invoiceNumber string, from, to billing.SubmissionStatus) {
	h.Publish(Event{
		Type:      billing.EventInvoiceStatusChanged,
		InvoiceID: invoiceID,
		Data: map[string]interface{}{
			"invoice_number": invoiceNumber,
			"from_status":    string(from),
			"to_status":      string(to),
		},
	})
}

// ExceptionOpened announces a new exception on a line item.
func (h *Hub) ExceptionOpened(invoiceID, lineItemID uuid.UUID, exceptionType string) {
	h.Publish(Event{
		Type:      billing.EventExceptionOpened,
		InvoiceID: invoiceID,
		Data: map[string]interface{}{
			"line_item_id":   lineItemID.String(),
			"exception_type": exceptionType,
		},
	})
}

// ExceptionResolved announces a carrier resolution.
func (h *Hub) ExceptionResolved(invoiceID, exceptionID uuid.UUID, resolutionAction string) {
	h.Publish(Event{
		Type:      billing.EventExceptionResolved,
		InvoiceID: invoiceID,
		Data: map[string]interface{}{
			"exception_id":      exceptionID.String(),
			"resolution_action": resolutionAction,
		},
	})
}

// Stats reports feed health for the admin surface.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": h.count,
		"broadcast_queue":   len(h.broadcast),
		"dropped_events":    h.dropped,
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}
