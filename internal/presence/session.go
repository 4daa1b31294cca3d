package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Handler is invoked for each decoded inbound message, in arrival order.
type Handler func(ctx context.Context, s *Session, msg Message)

// Session is one websocket connection. Writes go through a buffered queue
// drained by a single writer goroutine.
type Session struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger logrus.FieldLogger

	owner  string
	onLast func(owner string)

	mu     sync.Mutex
	closed bool
}

func NewSession(conn *websocket.Conn, logger logrus.FieldLogger) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger.WithField("conn_id", id),
	}
}

func (s *Session) ID() string { return s.id }

// OwnedBy ties the session to owner before Serve. onLast runs after the
// owner's last session on this process has been released.
func (s *Session) OwnedBy(owner string, onLast func(owner string)) {
	s.owner, s.onLast = owner, onLast
}

func (s *Session) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Send encodes and queues a single event for this session only.
func (s *Session) Send(event models.EventName, payload any) bool {
	frame, err := Encode(event, payload)
	if err != nil {
		s.logger.WithError(err).Error("encode frame")
		return false
	}
	return s.Enqueue(frame)
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Serve registers the session, pumps messages until the peer goes away or
// ctx ends, then releases every room membership and its owner claim.
func (s *Session) Serve(ctx context.Context, reg *Registry, handle Handler) {
	reg.Register(s)
	if s.owner != "" {
		_ = reg.Claim(s.id, s.owner)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		owner, last := reg.Unregister(s.id)
		s.close()
		if last && s.onLast != nil {
			s.onLast(owner)
		}
	}()

	go s.writePump()
	go func() {
		<-ctx.Done()
		_ = s.conn.SetReadDeadline(time.Now())
	}()
	s.readPump(ctx, handle)
}

func (s *Session) readPump(ctx context.Context, handle Handler) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).Warn("websocket read")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			s.logger.Debug("ignoring malformed frame")
			continue
		}
		handle(ctx, s, msg)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
