package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Priya8975/event-webhooks/internal/domain"
)

func setupTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func connectWS(t *testing.T, hub *Hub, tenantID string) (*websocket.Conn, func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?tenant_id=" + tenantID

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}

	cleanup := func() {
		conn.Close()
		server.Close()
	}

	return conn, cleanup
}

func TestHub_ClientConnects(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub, "t1")
	defer cleanup()

	// Give the hub time to register the client
	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 1 {
		t.Errorf("expected 1 client, got %d", count)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after disconnect, got %d", count)
	}
}

func TestHub_RequiresTenant(t *testing.T) {
	hub := setupTestHub(t)

	rec := httptest.NewRecorder()
	hub.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without tenant, got %d", rec.Code)
	}
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub, "t1")
	defer cleanup()

	time.Sleep(50 * time.Millisecond)

	err := hub.Broadcast(domain.LifecycleEvent{
		Type:           domain.LifecycleDelivered,
		DeliveryID:     "dlv-123",
		TenantID:       "t1",
		SubscriptionID: "sub-456",
		EventType:      "deal.funded",
		Attempt:        1,
		ResponseStatus: 200,
		DurationMs:     42,
		Timestamp:      time.Now(),
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	msg := string(message)
	if !strings.Contains(msg, domain.LifecycleDelivered) {
		t.Errorf("expected message to contain %q, got: %s", domain.LifecycleDelivered, msg)
	}
	if !strings.Contains(msg, "dlv-123") {
		t.Errorf("expected message to contain delivery ID, got: %s", msg)
	}
}

func TestHub_TenantIsolation(t *testing.T) {
	hub := setupTestHub(t)

	conn1, cleanup1 := connectWS(t, hub, "t1")
	defer cleanup1()
	conn2, cleanup2 := connectWS(t, hub, "t2")
	defer cleanup2()

	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 2 {
		t.Errorf("expected 2 clients, got %d", count)
	}
	if count := hub.TenantClientCount("t1"); count != 1 {
		t.Errorf("expected 1 client for t1, got %d", count)
	}
	if count := hub.TenantClientCount("t3"); count != 0 {
		t.Errorf("expected no clients for t3, got %d", count)
	}

	hub.Broadcast(domain.LifecycleEvent{Type: domain.LifecycleFailed, DeliveryID: "dlv-t2", TenantID: "t2"})

	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn2.ReadMessage()
	if err != nil {
		t.Fatalf("t2 client failed to read: %v", err)
	}
	if !strings.Contains(string(message), "dlv-t2") {
		t.Errorf("t2 client didn't receive its event")
	}

	conn1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn1.ReadMessage(); err == nil {
		t.Error("t1 client should not receive t2 events")
	}
}

func TestHub_HeaderSelectsTenant(t *testing.T) {
	hub := setupTestHub(t)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	header := http.Header{}
	header.Set(TenantHeader, "t-header")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), header)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	if count := hub.TenantClientCount("t-header"); count != 1 {
		t.Errorf("expected 1 client for t-header, got %d", count)
	}
}

func TestHub_RunClosesClientsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	conn, cleanup := connectWS(t, hub, "t1")
	defer cleanup()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after cancel")
	}

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", count)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed after shutdown")
	}
}

func TestHub_ClientCountStartsAtZero(t *testing.T) {
	hub := setupTestHub(t)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients initially, got %d", count)
	}
}
