// Package websocket streams accepted signals to connected clients.
package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var errClosed = errors.New("destination closed")

// Destination is one connected client.
type Destination struct {
	id      string
	conn    *websocket.Conn
	sources map[string]bool
	send    chan []byte
	done    chan struct{}

	mu      sync.Mutex
	closed  bool
	onClose func(id string)
}

func newDestination(id string, conn *websocket.Conn, sources []string, buffer int, onClose func(string)) *Destination {
	d := &Destination{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	if len(sources) > 0 {
		d.sources = make(map[string]bool, len(sources))
		for _, s := range sources {
			d.sources[s] = true
		}
	}
	return d
}

// ID returns the client id.
func (d *Destination) ID() string { return d.id }

// Wants reports whether the client subscribed to sourceID. An empty filter
// matches every source.
func (d *Destination) Wants(sourceID string) bool {
	return d.sources == nil || d.sources[sourceID]
}

// enqueue queues msg without blocking; a full buffer drops the message.
func (d *Destination) enqueue(msg []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	select {
	case d.send <- msg:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close closes the connection once.
func (d *Destination) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	onClose := d.onClose
	d.mu.Unlock()

	if onClose != nil {
		onClose(d.id)
	}
	return d.conn.Close()
}

func (d *Destination) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// run pumps until the peer goes away.
func (d *Destination) run() {
	go d.writePump()
	d.readPump()
}

func (d *Destination) readPump() {
	defer d.Close()

	d.conn.SetReadLimit(maxMessageSize)
	_ = d.conn.SetReadDeadline(time.Now().Add(pongWait))
	d.conn.SetPongHandler(func(string) error {
		return d.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := d.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if json.Unmarshal(message, &msg) == nil && msg.Type == "ping" {
			if b, err := json.Marshal(serverMessage{Type: "pong", Timestamp: time.Now().UTC()}); err == nil {
				_ = d.enqueue(b)
			}
		}
	}
}

func (d *Destination) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		d.Close()
	}()

	for {
		select {
		case <-d.done:
			return
		case msg := <-d.send:
			_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientMessage struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}
