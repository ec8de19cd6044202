// Package ws is the realtime transport: one websocket endpoint, first-frame
// authentication, and event routing into the dispatch core.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ride-dispatch/internal/auth"
	"ride-dispatch/internal/contracts"
	"ride-dispatch/internal/dispatch"
	"ride-dispatch/internal/fanout"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/notify"
	"ride-dispatch/internal/registry"
)

const (
	authDeadline = 5 * time.Second
	readDeadline = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 1 << 20 // 1 MiB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// envelope is the raw inbound frame before per-event decoding.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Server owns the websocket endpoint.
type Server struct {
	gate        *auth.Gate
	registry    *registry.Registry
	pipeline    *fanout.Pipeline
	coordinator *dispatch.Coordinator
	notify      *notify.Broadcaster
	logger      *logger.Logger
}

// NewServer constructs a Server.
func NewServer(
	gate *auth.Gate,
	reg *registry.Registry,
	pipeline *fanout.Pipeline,
	coordinator *dispatch.Coordinator,
	broadcaster *notify.Broadcaster,
	log *logger.Logger,
) *Server {
	return &Server{
		gate:        gate,
		registry:    reg,
		pipeline:    pipeline,
		coordinator: coordinator,
		notify:      broadcaster,
		logger:      log,
	}
}

// Handle upgrades the request and runs the connection to completion.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(r.Context(), "ws_upgrade_failed", "Failed to upgrade to WebSocket", err, nil)
		return
	}
	sess := NewSession(conn)
	defer sess.Close()

	conn.SetReadLimit(maxFrameSize)

	principal, ok := s.authenticate(r, conn, sess)
	if !ok {
		return
	}

	ctx := logger.WithRequestID(r.Context(), uuid.NewString())

	c := registry.NewConn(uuid.NewString(), principal.Identity, principal.Role, principal.DriverID, principal.Anonymous, sess)
	s.registry.Register(ctx, c)
	defer s.registry.Unregister(ctx, c.ID)

	_ = sess.SendEvent(contracts.EventAck, contracts.AckPayload{Event: contracts.EventHandshake, OK: true})

	// replay what the recipient missed while offline
	if !principal.Anonymous {
		if err := s.notify.DeliverUnread(ctx, principal.Identity); err != nil {
			s.logger.Warn(ctx, "unread_replay_failed", "Could not replay unread notifications", map[string]any{
				"identity": principal.Identity, "error": err.Error(),
			})
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(sess, stopPing)

	s.readLoop(ctx, c, sess, conn)
}

// authenticate enforces the first-frame handshake within the auth deadline.
func (s *Server) authenticate(r *http.Request, conn *websocket.Conn, sess *Session) (*auth.Principal, bool) {
	if err := conn.SetReadDeadline(time.Now().Add(authDeadline)); err != nil {
		s.logger.Error(r.Context(), "ws_set_deadline_failed", "Failed to set auth deadline", err, nil)
		return nil, false
	}

	msgType, frame, err := conn.ReadMessage()
	if err != nil {
		s.rejectAuth(sess, "handshake not received in time")
		return nil, false
	}
	if msgType != websocket.TextMessage {
		s.rejectAuth(sess, "handshake must be a text frame")
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Type != contracts.EventHandshake {
		s.rejectAuth(sess, "first frame must be a handshake event")
		return nil, false
	}

	var hs contracts.HandshakePayload
	if err := json.Unmarshal(env.Data, &hs); err != nil {
		s.rejectAuth(sess, "malformed handshake payload")
		return nil, false
	}

	principal, err := s.gate.Admit(r.Context(), auth.Credentials{Token: hs.Token, ClientID: hs.ClientID})
	if err != nil {
		s.logger.Warn(r.Context(), "ws_auth_rejected", "Connection refused", map[string]any{"error": err.Error()})
		s.rejectAuth(sess, "authentication failed")
		return nil, false
	}
	return principal, true
}

func (s *Server) rejectAuth(sess *Session, reason string) {
	_ = sess.SendEvent(contracts.EventAck, contracts.AckPayload{Event: contracts.EventHandshake, OK: false, Error: reason})
	sess.writeClose(websocket.ClosePolicyViolation, reason)
}

func (s *Server) pingLoop(sess *Session, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				// close the socket to unblock the read loop
				_ = sess.Close()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *registry.Conn, sess *Session, conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn(ctx, "ws_unexpected_close", "Connection closed unexpectedly", map[string]any{
					"identity": c.Identity, "error": err.Error(),
				})
			} else {
				s.logger.Info(ctx, "ws_closed", "Connection closed", map[string]any{"identity": c.Identity})
			}
			sess.writeClose(websocket.CloseNormalClosure, "bye")
			return
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			_ = sess.SendEvent(contracts.EventAck, contracts.AckPayload{OK: false, Code: CodeValidationError, Error: "bad json"})
			continue
		}

		s.route(ctx, c, sess, env)
	}
}
