package dispatch

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Envelope is the wire frame for every websocket message, both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// WSConn is one connected user. Writes are serialized per connection;
// gorilla/websocket allows only one concurrent writer.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *WSConn) send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(Envelope{Event: event, Data: payload})
}

// WSRegistry maps user ids to their active connection. A reconnect replaces
// the previous connection for that user.
type WSRegistry struct {
	mu    sync.RWMutex
	conns map[string]*WSConn
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{conns: make(map[string]*WSConn)} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *WSConn {
	c := &WSConn{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[userID]; ok {
		_ = old.conn.Close()
	}
	r.conns[userID] = c
	return c
}

// Remove drops the user's registration, but only if it still points at the
// given connection; a newer connection is left alone.
func (r *WSRegistry) Remove(userID string, c *WSConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[userID]; ok && cur == c {
		delete(r.conns, userID)
	}
}

func (r *WSRegistry) Push(userID, event string, payload any) error {
	r.mu.RLock()
	c, ok := r.conns[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return c.send(event, payload)
}
