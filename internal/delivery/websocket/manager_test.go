package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	protov1 "github.com/marko911/block-reader/pkg/proto/v1"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, m *Manager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, m.ActiveCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readSignal(t *testing.T, conn *websocket.Conn) *protov1.Signal {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var env struct {
		Type string         `json:"type"`
		Data protov1.Signal `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Type != protov1.SignalType {
		t.Errorf("expected type %s, got %s", protov1.SignalType, env.Type)
	}
	return &env.Data
}

func TestManager_PublishFiltersBySource(t *testing.T) {
	m := NewManager(ManagerConfig{})
	srv := httptest.NewServer(m)
	defer srv.Close()
	defer m.Close()

	all := dial(t, srv, "")
	onlyAvail := dial(t, srv, "?source=avail,%20celestia")
	waitForClients(t, m, 2)

	if err := m.Publish(&protov1.Signal{Type: protov1.SignalType, SourceId: "linea", Value: "0x01"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := m.Publish(&protov1.Signal{Type: protov1.SignalType, SourceId: "avail", Value: "0x02"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := readSignal(t, all); got.SourceId != "linea" {
		t.Errorf("expected linea first, got %s", got.SourceId)
	}
	if got := readSignal(t, all); got.SourceId != "avail" {
		t.Errorf("expected avail second, got %s", got.SourceId)
	}
	if got := readSignal(t, onlyAvail); got.SourceId != "avail" || got.Value != "0x02" {
		t.Errorf("expected filtered client to get only avail, got %+v", got)
	}

	if stats := m.Stats(); stats.MessagesDelivered != 3 || stats.TotalConnections != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestManager_ClientDisconnect(t *testing.T) {
	m := NewManager(ManagerConfig{})
	srv := httptest.NewServer(m)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitForClients(t, m, 1)

	conn.Close()
	waitForClients(t, m, 0)
}

func TestManager_Ping(t *testing.T) {
	m := NewManager(ManagerConfig{})
	srv := httptest.NewServer(m)
	defer srv.Close()
	defer m.Close()

	conn := dial(t, srv, "")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write error: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !strings.Contains(string(msg), `"type":"pong"`) {
		t.Errorf("expected pong, got %s", msg)
	}
}

func TestManager_CloseDisconnectsAll(t *testing.T) {
	m := NewManager(ManagerConfig{})
	srv := httptest.NewServer(m)
	defer srv.Close()

	dial(t, srv, "")
	dial(t, srv, "")
	waitForClients(t, m, 2)

	m.Close()
	waitForClients(t, m, 0)
}
