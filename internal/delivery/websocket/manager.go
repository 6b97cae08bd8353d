package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	protov1 "github.com/marko911/block-reader/pkg/proto/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// SendBufferSize is the per-client queue length.
	SendBufferSize int
	Logger         *slog.Logger
}

// Manager tracks connected clients and fans signals out to them.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu           sync.RWMutex
	destinations map[string]*Destination

	totalConnections  atomic.Int64
	messagesDelivered atomic.Int64
	messagesDropped   atomic.Int64
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	return &Manager{
		cfg:          cfg,
		logger:       cfg.Logger.With("component", "websocket-manager"),
		destinations: make(map[string]*Destination),
	}
}

// ServeHTTP upgrades the request and streams signals until the client leaves.
// The optional "source" query parameter is a comma-separated source filter.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	var sources []string
	if q := r.URL.Query().Get("source"); q != "" {
		for _, s := range strings.Split(q, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sources = append(sources, s)
			}
		}
	}

	id := uuid.NewString()
	d := newDestination(id, conn, sources, m.cfg.SendBufferSize, m.remove)

	m.mu.Lock()
	m.destinations[id] = d
	m.mu.Unlock()
	m.totalConnections.Add(1)

	m.logger.Info("client connected", "client_id", id, "remote_addr", conn.RemoteAddr().String(), "sources", sources)
	d.run()
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.destinations, id)
	m.mu.Unlock()
	m.logger.Info("client disconnected", "client_id", id)
}

// Publish queues sig for every client subscribed to its source. Slow clients
// drop messages rather than stall the caller.
func (m *Manager) Publish(sig *protov1.Signal) error {
	msg, err := json.Marshal(serverMessage{
		Type:      sig.Type,
		Timestamp: time.Now().UTC(),
		Data:      sig,
	})
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.destinations {
		if !d.Wants(sig.SourceId) || d.isClosed() {
			continue
		}
		if err := d.enqueue(msg); err != nil {
			m.messagesDropped.Add(1)
			continue
		}
		m.messagesDelivered.Add(1)
	}
	return nil
}

// ActiveCount returns the number of connected clients.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.destinations)
}

// ManagerStats contains delivery counters.
type ManagerStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	MessagesDelivered int64 `json:"messages_delivered"`
	MessagesDropped   int64 `json:"messages_dropped"`
}

// Stats returns delivery counters.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		TotalConnections:  m.totalConnections.Load(),
		ActiveConnections: int64(m.ActiveCount()),
		MessagesDelivered: m.messagesDelivered.Load(),
		MessagesDropped:   m.messagesDropped.Load(),
	}
}

// Close disconnects every client.
func (m *Manager) Close() error {
	m.mu.Lock()
	dests := make([]*Destination, 0, len(m.destinations))
	for _, d := range m.destinations {
		dests = append(dests, d)
	}
	m.mu.Unlock()

	// Close outside the lock; Close calls back into remove.
	for _, d := range dests {
		d.Close()
	}
	return nil
}
