// Package server coordinates session registration, room and presence fan-out,
// and connection cleanup for the realtime chat gateway via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/vibechat/internal/event"
	"github.com/Tyrowin/vibechat/internal/presence"
	"github.com/Tyrowin/vibechat/internal/room"
	"github.com/Tyrowin/vibechat/internal/store"
)

// Hub owns every live session together with the presence registry and the
// room membership index, and fans events out to them.
//
// Room events are ordered per chat and presence transitions per user: each
// goes through a sequencer keyed on the chat or user id.
type Hub struct {
	cfg      Config
	store    store.Store
	registry *presence.Registry
	rooms    *room.Membership

	mutex    sync.RWMutex
	sessions map[string]*Session

	fanout    *sequencer
	presences *sequencer

	log    *zap.Logger
	now    func() time.Time
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewHub creates a Hub backed by st. The returned Hub is ready to accept sessions.
func NewHub(st store.Store, cfg Config, log *zap.Logger) *Hub {
	cfg = sanitizeConfig(cfg)
	log = log.Named("hub")
	return &Hub{
		cfg:       cfg,
		store:     st,
		registry:  presence.NewRegistry(cfg.ShardCount),
		rooms:     room.NewMembership(cfg.ShardCount),
		sessions:  make(map[string]*Session),
		fanout:    newSequencer("fanout", cfg.SequencerWorkers, cfg.SequencerBacklog, log),
		presences: newSequencer("presence", cfg.SequencerWorkers, cfg.SequencerBacklog, log),
		log:       log,
		now:       time.Now,
	}
}

func roomKey(chatID string) string     { return "room:" + chatID }
func presenceKey(userID string) string { return "presence:" + userID }
func userKey(userID string) string     { return "user:" + userID }

// register makes an authenticated session live: it joins every chat the user
// is an active member of and then records the connection in the presence
// registry, announcing the user if this is their first connection.
//
// A session closed while register runs is never added to the registry, and
// a failed register leaves nothing in the session map.
func (h *Hub) register(ctx context.Context, s *Session) (err error) {
	if h.closed.Load() {
		return ErrHubClosed
	}

	h.mutex.Lock()
	h.sessions[s.id] = s
	count := len(h.sessions)
	h.mutex.Unlock()

	defer func() {
		if err != nil {
			h.mutex.Lock()
			delete(h.sessions, s.id)
			h.mutex.Unlock()
		}
	}()

	// Shutdown may have taken its snapshot before the insert above.
	if h.closed.Load() {
		return ErrHubClosed
	}

	chats, err := h.store.ListActiveChatsForUser(ctx, s.user.UserID)
	if err != nil {
		return errors.Wrap(err, "list chats")
	}
	for _, chatID := range chats {
		if _, err := s.joinRoom(chatID); err != nil {
			return err
		}
	}

	userID := s.user.UserID
	activated := s.activate(func() {
		h.registry.Add(userID, s.id, func() {
			h.submitPresence(userID, true)
		})
	})
	if !activated {
		return ErrStateInconsistency
	}

	s.log.Info("Session registered", zap.Int("chats", len(chats)), zap.Int("sessions", count))
	return nil
}

// submitPresence queues a presence transition observed now. It runs inside
// registry hooks, so it must not block.
func (h *Hub) submitPresence(userID string, online bool) {
	at := h.now()
	if !h.presences.submit(presenceKey(userID), func() {
		h.publishPresence(userID, online, at)
	}) {
		h.log.Warn("Presence transition dropped after shutdown",
			zap.String("user_id", userID), zap.Bool("online", online))
	}
}

// teardown reverses register. The session calls it exactly once.
func (h *Hub) teardown(s *Session) {
	for _, chatID := range s.detachRooms() {
		h.rooms.Leave(chatID, s.id)
	}

	h.mutex.Lock()
	delete(h.sessions, s.id)
	count := len(h.sessions)
	h.mutex.Unlock()

	userID := s.user.UserID
	_, ok := h.registry.Remove(userID, s.id, func() {
		h.submitPresence(userID, false)
	})
	if !ok {
		s.log.Debug("Session was not in the presence registry")
	}

	s.log.Info("Session closed", zap.Int("sessions", count))
}

// publishPresence persists a presence transition and tells the user's
// contacts about it.
func (h *Hub) publishPresence(userID string, online bool, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.HandlerTimeout)
	defer cancel()

	log := h.log.With(zap.String("user_id", userID), zap.Bool("online", online))

	if err := h.store.SetUserOnline(ctx, userID, online, at); err != nil {
		log.Error("Failed to persist presence", zap.Error(err))
	}

	contacts, err := h.store.ListContactsOf(ctx, userID)
	if err != nil {
		log.Error("Failed to load contacts for presence broadcast", zap.Error(err))
		return
	}

	out := event.Online(userID)
	if !online {
		out = event.Offline(userID, at)
	}
	delivered := 0
	for _, contactID := range contacts {
		delivered += h.deliverToUser(contactID, out)
	}
	log.Debug("Presence broadcast", zap.Int("contacts", len(contacts)), zap.Int("connections", delivered))
}

// BroadcastToRoom delivers out to every connection subscribed to chatID,
// skipping all connections of excludeUser when it is set.
func (h *Hub) BroadcastToRoom(chatID string, out event.Outbound, excludeUser string) {
	if !h.fanout.submit(roomKey(chatID), func() {
		h.deliverToRoom(chatID, out, excludeUser)
	}) {
		h.log.Debug("Room broadcast dropped after shutdown", zap.String("chat_id", chatID))
	}
}

// BroadcastToUser delivers out to every connection of userID.
func (h *Hub) BroadcastToUser(userID string, out event.Outbound) {
	if !h.fanout.submit(userKey(userID), func() {
		h.deliverToUser(userID, out)
	}) {
		h.log.Debug("User broadcast dropped after shutdown", zap.String("user_id", userID))
	}
}

// Unicast delivers out to a single connection.
func (h *Hub) Unicast(connID string, out event.Outbound) error {
	s, ok := h.session(connID)
	if !ok {
		return ErrStateInconsistency
	}
	return h.deliver(s, out)
}

// NotifyNewMessage broadcasts a message persisted elsewhere to its chat room.
// The payload is forwarded as the new_message data untouched.
func (h *Hub) NotifyNewMessage(ctx context.Context, chatID string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out, err := event.NewMessageRaw(payload)
	if err != nil {
		return err
	}
	h.BroadcastToRoom(chatID, out, "")
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type removedReaction struct {
	ID     string `json:"id" validate:"required,max=128"`
	UserID string `json:"userId" validate:"required,max=128"`
	Emoji  string `json:"emoji" validate:"required,max=64"`
}

// NotifyReactionChanged broadcasts reaction_added, or reaction_removed when
// removed is set, to the message's chat room.
func (h *Hub) NotifyReactionChanged(ctx context.Context, messageID, chatID string, reaction json.RawMessage, removed bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !removed {
		out, err := event.ReactionAddedRaw(messageID, reaction)
		if err != nil {
			return err
		}
		h.BroadcastToRoom(chatID, out, "")
		return nil
	}

	var r removedReaction
	if err := json.Unmarshal(reaction, &r); err != nil {
		return errors.Wrap(event.ErrInvalidPayload, err.Error())
	}
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(event.ErrInvalidPayload, err.Error())
	}
	h.BroadcastToRoom(chatID, event.ReactionRemovedFrom(messageID, r.ID, r.UserID, r.Emoji), "")
	return nil
}

// IsOnline reports whether userID has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	return h.registry.IsOnline(userID)
}

// Connections returns the number of live connections of userID.
func (h *Hub) Connections(userID string) int {
	return len(h.registry.Connections(userID))
}

// Stats is a point-in-time summary for health reporting.
type Stats struct {
	Sessions    int `json:"sessions"`
	OnlineUsers int `json:"onlineUsers"`
	ActiveRooms int `json:"activeRooms"`
}

// Stats returns current session, user and room counts.
func (h *Hub) Stats() Stats {
	h.mutex.RLock()
	sessions := len(h.sessions)
	h.mutex.RUnlock()
	return Stats{
		Sessions:    sessions,
		OnlineUsers: h.registry.OnlineUsers(),
		ActiveRooms: h.rooms.ActiveRooms(),
	}
}

func (h *Hub) session(connID string) (*Session, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	s, ok := h.sessions[connID]
	return s, ok
}

func (h *Hub) sessionsFor(connIDs []string) []*Session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	out := make([]*Session, 0, len(connIDs))
	for _, id := range connIDs {
		if s, ok := h.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) deliverToRoom(chatID string, out event.Outbound, excludeUser string) int {
	recipients := h.sessionsFor(h.rooms.Subscribers(chatID))
	delivered := 0
	for _, s := range recipients {
		if excludeUser != "" && s.user.UserID == excludeUser {
			continue
		}
		if h.deliver(s, out) == nil {
			delivered++
		}
	}
	h.log.Debug("Room broadcast",
		zap.String("chat_id", chatID),
		zap.String("event", string(out.Name())),
		zap.Int("recipients", delivered))
	return delivered
}

func (h *Hub) deliverToUser(userID string, out event.Outbound) int {
	delivered := 0
	for _, s := range h.sessionsFor(h.registry.Connections(userID)) {
		if h.deliver(s, out) == nil {
			delivered++
		}
	}
	return delivered
}

// deliver enqueues without blocking. A recipient that cannot take the frame
// is torn down; the failure never propagates to the broadcaster.
func (h *Hub) deliver(s *Session, out event.Outbound) error {
	err := s.enqueue(out.Frame())
	if err == nil {
		return nil
	}

	derr := &DeliveryError{ConnID: s.id, Err: err}
	if errors.Is(err, errSendBufferFull) {
		s.log.Warn("Dropping slow session", zap.Error(derr))
		go s.Close()
	}
	return derr
}

// startPumps runs the session's pumps under the hub's wait group. It refuses
// once shutdown has begun, since Shutdown may already be waiting on the group.
func (h *Hub) startPumps(s *Session) bool {
	h.mutex.Lock()
	if h.closed.Load() {
		h.mutex.Unlock()
		return false
	}
	h.wg.Add(2)
	h.mutex.Unlock()

	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go func() {
		defer h.wg.Done()
		s.readPump()
	}()
	return true
}

// Shutdown closes every session, drains the sequencers and waits for all
// session goroutines to complete, or returns context.DeadlineExceeded when
// timeout elapses first.
func (h *Hub) Shutdown(timeout time.Duration) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.log.Info("Initiating hub shutdown...")

	// Taking the lock orders this snapshot after any startPumps that saw the
	// hub open, so every wg.Add happens before the Wait below.
	h.mutex.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mutex.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
	h.log.Info("Closed sessions", zap.Int("count", len(sessions)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		h.fanout.stop()
		h.presences.stop()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
