package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
)

func newTestHub(t *testing.T) (*Hub, *storage.MockStore, *httptest.Server) {
	t.Helper()
	store := storage.NewMockStore()
	hub := NewHub(store)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("wallet"))
	}))
	t.Cleanup(server.Close)
	t.Cleanup(hub.Close)
	return hub, store, server
}

// dialWS connects to the test hub and consumes the greeting
func dialWS(t *testing.T, server *httptest.Server, wallet string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?wallet=" + wallet
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var greeting Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("greeting read failed: %v", err)
	}
	if greeting.Type != "connected" {
		t.Fatalf("expected connected greeting, got %q", greeting.Type)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	var event Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("event read failed: %v", err)
	}
	return event
}

func TestHubNotifyDeliversAndPersists(t *testing.T) {
	hub, store, server := newTestHub(t)
	conn := dialWS(t, server, "0xabc")

	err := hub.Notify(context.Background(), "0xABC", models.NotifyTradeCopied,
		"Trade copied", "Copied 25.00 USDC into will-x-happen",
		map[string]string{"position_id": "1"})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	event := readEvent(t, conn)
	if event.Type != models.NotifyTradeCopied {
		t.Errorf("event type = %q, want %q", event.Type, models.NotifyTradeCopied)
	}
	payload, ok := event.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected payload shape: %T", event.Data)
	}
	if payload["user_id"] != "0xabc" {
		t.Errorf("user_id = %v, want lowercased wallet", payload["user_id"])
	}
	if payload["title"] != "Trade copied" {
		t.Errorf("title = %v", payload["title"])
	}

	rows, err := store.ListNotifications(context.Background(), "0xabc", false, 10)
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 persisted notification, got %d", len(rows))
	}
	if rows[0].Type != models.NotifyTradeCopied || rows[0].Read {
		t.Errorf("persisted row wrong: %+v", rows[0])
	}
	if rows[0].Data["position_id"] != "1" {
		t.Errorf("data not persisted: %v", rows[0].Data)
	}
}

func TestHubPingPong(t *testing.T) {
	_, _, server := newTestHub(t)
	conn := dialWS(t, server, "0xabc")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if event := readEvent(t, conn); event.Type != "pong" {
		t.Errorf("bare ping: got %q, want pong", event.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if event := readEvent(t, conn); event.Type != "pong" {
		t.Errorf("json ping: got %q, want pong", event.Type)
	}
}

func TestHubFanoutIsWalletScoped(t *testing.T) {
	hub, _, server := newTestHub(t)
	alice1 := dialWS(t, server, "0xaaa")
	alice2 := dialWS(t, server, "0xaaa")
	bob := dialWS(t, server, "0xbbb")

	hub.Push("0xaaa", Event{Type: "position_update", Data: map[string]string{"id": "7"}})

	if event := readEvent(t, alice1); event.Type != "position_update" {
		t.Errorf("first connection: got %q", event.Type)
	}
	if event := readEvent(t, alice2); event.Type != "position_update" {
		t.Errorf("second connection: got %q", event.Type)
	}

	// Bob's connection stays silent
	bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var stray Event
	if err := bob.ReadJSON(&stray); err == nil {
		t.Errorf("unrelated wallet received %+v", stray)
	}
}

func TestHubUnregistersClosedConnections(t *testing.T) {
	hub, _, server := newTestHub(t)
	conn := dialWS(t, server, "0xabc")

	if n := hub.ClientCount("0xabc"); n != 1 {
		t.Fatalf("client count = %d, want 1", n)
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount("0xabc") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never unregistered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubNotifyWithoutClients(t *testing.T) {
	hub, store, server := newTestHub(t)
	_ = server

	err := hub.Notify(context.Background(), "0xghost", models.NotifyStopLoss,
		"Stop loss triggered", "Closed will-x-happen at 0.52", nil)
	if err != nil {
		t.Fatalf("Notify with no clients should still persist: %v", err)
	}

	rows, err := store.ListNotifications(context.Background(), "0xghost", true, 10)
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(rows))
	}
}

func TestHubNotifySaveFailure(t *testing.T) {
	hub, store, _ := newTestHub(t)
	store.ErrorOnNext["SaveNotification"] = errors.New("db down")

	err := hub.Notify(context.Background(), "0xabc", models.NotifyTradeCopied, "t", "m", nil)
	if err == nil {
		t.Fatal("expected save error to surface")
	}
}
