package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearbill/backend/internal/billing"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Stop)

	srv := httptest.NewServer(http.HandlerFunc(h.Handler))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Stats()["connected_clients"] == want
	}, 2*time.Second, 10*time.Millisecond, "expected %d connected clients", want)
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	return got
}

func TestHubDeliversInvoiceStatusChange(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url)
	waitForClients(t, h, 1)

	invoiceID := uuid.New()
	h.InvoiceStatusChanged(invoiceID, "INV-2025-0042", billing.StatusApproved, billing.StatusExported)

	got := readEvent(t, conn)
	assert.Equal(t, billing.EventInvoiceStatusChanged, got.Type)
	assert.Equal(t, invoiceID, got.InvoiceID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "INV-2025-0042", got.Data["invoice_number"])
	assert.Equal(t, "APPROVED", got.Data["from_status"])
	assert.Equal(t, "EXPORTED", got.Data["to_status"])
}

func TestHubBroadcastsToAllClients(t *testing.T) {
	h, url := startHub(t)
	first := dial(t, url)
	second := dial(t, url)
	waitForClients(t, h, 2)

	invoiceID := uuid.New()
	lineID := uuid.New()
	h.ExceptionOpened(invoiceID, lineID, "RATE_MISMATCH")

	for _, conn := range []*websocket.Conn{first, second} {
		got := readEvent(t, conn)
		assert.Equal(t, billing.EventExceptionOpened, got.Type)
		assert.Equal(t, invoiceID, got.InvoiceID)
		assert.Equal(t, lineID.String(), got.Data["line_item_id"])
		assert.Equal(t, "RATE_MISMATCH", got.Data["exception_type"])
	}
}

func TestHubExceptionResolvedPayload(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url)
	waitForClients(t, h, 1)

	invoiceID := uuid.New()
	exceptionID := uuid.New()
	h.ExceptionResolved(invoiceID, exceptionID, "HELD_CONTRACT_RATE")

	got := readEvent(t, conn)
	assert.Equal(t, billing.EventExceptionResolved, got.Type)
	assert.Equal(t, exceptionID.String(), got.Data["exception_id"])
	assert.Equal(t, "HELD_CONTRACT_RATE", got.Data["resolution_action"])
}

func TestHubForgetsDisconnectedClient(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url)
	waitForClients(t, h, 1)

	conn.Close()
	waitForClients(t, h, 0)

	// Publishing with nobody listening must not block.
	h.InvoiceStatusChanged(uuid.New(), "INV-1", billing.StatusSubmitted, billing.StatusProcessing)
}

func TestHubStopClosesConnections(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url)
	waitForClients(t, h, 1)

	h.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server-side close should end the read loop")
}

func TestHubStatsShape(t *testing.T) {
	h, _ := startHub(t)

	stats := h.Stats()
	assert.Equal(t, 0, stats["connected_clients"])
	assert.Equal(t, 0, stats["broadcast_queue"])
	assert.Equal(t, int64(0), stats["dropped_events"])
}
