package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ride-dispatch/internal/contracts"
)

const (
	writeTimeout = 5 * time.Second
	ctrlTimeout  = 5 * time.Second
)

// Session wraps one websocket connection with a write mutex so the read
// loop, the ping loop, and fanout goroutines never interleave frames.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewSession wraps an upgraded connection.
func NewSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn}
}

// SendEvent writes one enveloped JSON frame. Implements registry.Sender.
func (s *Session) SendEvent(event string, payload any) error {
	body, err := json.Marshal(contracts.Envelope{Type: event, Data: payload})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, body)
}

// Close closes the underlying socket.
func (s *Session) Close() error {
	return s.conn.Close()
}

// ping sends a control ping under the write mutex.
func (s *Session) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(ctrlTimeout))
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctrlTimeout))
}

// writeClose sends a close frame; best effort.
func (s *Session) writeClose(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ctrlTimeout))
}
