// Package server manages individual WebSocket sessions, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Tyrowin/vibechat/internal/auth"
	"github.com/Tyrowin/vibechat/internal/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Session is one authenticated WebSocket connection. Frames for it are queued
// on a bounded buffer drained by writePump; the buffer is never closed, done
// signals the end of the session instead.
type Session struct {
	id   string
	user auth.Identity
	addr string
	conn *websocket.Conn
	hub  *Hub

	send chan []byte
	done chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu    sync.Mutex
	state connState
	rooms map[string]struct{}

	limiter  *rateLimiter
	handlers map[event.Name]inboundHandler
	log      *zap.Logger
}

// newSession wraps an upgraded connection for an already authenticated user.
// conn may be nil when the session is driven without a socket.
func newSession(conn *websocket.Conn, hub *Hub, user auth.Identity, addr string) *Session {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		user:    user,
		addr:    addr,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, cfg.SendBufferSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		state:   stateAuthenticated,
		rooms:   make(map[string]struct{}),
		limiter: newRateLimiter(cfg.RateLimitBurst, cfg.RateLimitRefillInterval),
		log: hub.log.Named("session").With(
			zap.String("conn_id", id),
			zap.String("user_id", user.UserID),
			zap.String("remote_addr", addr),
		),
	}
	s.handlers = s.dispatchTable()
	return s
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// User returns the identity bound at handshake.
func (s *Session) User() auth.Identity { return s.user }

// enqueue hands a frame to writePump without blocking.
func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

func (s *Session) reply(out event.Outbound) {
	if err := s.hub.deliver(s, out); err != nil {
		s.log.Debug("Could not deliver reply", zap.String("event", string(out.Name())), zap.Error(err))
	}
}

// joinRoom subscribes the session to chatID. It reports whether the
// subscription is new and fails once the session is closed.
func (s *Session) joinRoom(chatID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return false, ErrStateInconsistency
	}
	if _, ok := s.rooms[chatID]; ok {
		return false, nil
	}
	s.rooms[chatID] = struct{}{}
	s.hub.rooms.Join(chatID, s.id)
	return true, nil
}

func (s *Session) leaveRoom(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[chatID]; !ok {
		return false
	}
	delete(s.rooms, chatID)
	s.hub.rooms.Leave(chatID, s.id)
	return true
}

func (s *Session) inRoom(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[chatID]
	return ok
}

// activate moves an authenticated session to active, running publish first
// under the session lock. Teardown marks the session closed under the same
// lock before it unpublishes, so publish either runs before teardown sees the
// session or not at all.
func (s *Session) activate(publish func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateAuthenticated {
		return false
	}
	publish()
	s.state = stateActive
	return true
}

// detachRooms closes the session state and hands back the rooms it was in.
// Later joins fail, so the returned set is final.
func (s *Session) detachRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = stateClosed
	rooms := lo.Keys(s.rooms)
	s.rooms = make(map[string]struct{})
	return rooms
}

func (s *Session) currentState() connState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close tears the session down. It is safe to call from any goroutine, any
// number of times; teardown runs once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
		s.hub.teardown(s)
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Warn("Error setting initial read deadline", zap.Error(err))
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.log.Warn("Error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError logs the reason the read loop is ending.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Info("Message exceeded maximum size", zap.Int64("limit", s.hub.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		s.log.Debug("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Debug("Connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		s.log.Warn("Unexpected WebSocket close", zap.Error(err))
	default:
		s.log.Info("WebSocket read error", zap.Error(err))
	}
}

// checkRateLimit verifies if the session has exceeded rate limits
// and returns true if the frame should be processed
func (s *Session) checkRateLimit() bool {
	if s.limiter.allow() {
		return true
	}
	s.log.Warn("Rate limit exceeded; discarding frame",
		zap.Int("burst", s.hub.cfg.RateLimitBurst),
		zap.Duration("interval", s.hub.cfg.RateLimitRefillInterval))
	s.reply(event.Failure("Rate limit exceeded"))
	return false
}

func (s *Session) readPump() {
	defer func() {
		s.Close()
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn("Error closing connection in readPump", zap.Error(err))
		}
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}

		if !s.checkRateLimit() {
			continue
		}

		s.handleFrame(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
		s.Close()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame := <-s.send:
		return s.writeFrame(frame) && s.writeQueuedFrames()
	case <-ticker.C:
		return s.handlePing()
	case <-s.done:
		s.writeCloseMessage()
		return false
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Warn("Error closing connection in writePump", zap.Error(err))
	}
}

func (s *Session) writeCloseMessage() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		s.log.Debug("Error writing close message", zap.Error(err))
	}
}

// writeFrame writes one event as its own text message.
func (s *Session) writeFrame(frame []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warn("Error setting write deadline", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Info("Write failed; closing session", zap.Error(&DeliveryError{ConnID: s.id, Err: err}))
		}
		return false
	}
	return true
}

// writeQueuedFrames flushes whatever queued up while the last write was in flight.
func (s *Session) writeQueuedFrames() bool {
	n := len(s.send)
	for i := 0; i < n; i++ {
		if !s.writeFrame(<-s.send) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warn("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.log.Debug("Error writing ping message", zap.Error(err))
		return false
	}
	return true
}
