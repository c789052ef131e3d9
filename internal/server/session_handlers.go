package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Tyrowin/vibechat/internal/event"
	"github.com/Tyrowin/vibechat/internal/store"
)

type inboundHandler func(ctx context.Context, msg event.Inbound) error

func (s *Session) dispatchTable() map[event.Name]inboundHandler {
	return map[event.Name]inboundHandler{
		event.JoinChat:    s.onJoinChat,
		event.LeaveChat:   s.onLeaveChat,
		event.StartTyping: s.onTyping,
		event.EndTyping:   s.onStopTyping,
		event.MarkAsRead:  s.onMarkAsRead,
		event.SendMessage: s.onSendMessage,
	}
}

// handleFrame decodes one client frame and runs its handler. Failures are
// reported to this connection only and never close it.
func (s *Session) handleFrame(raw []byte) {
	msg, err := event.Decode(raw)
	if err != nil {
		s.log.Debug("Rejected client frame", zap.Error(err))
		s.reply(event.Failure(frameErrorMessage(err)))
		return
	}

	name := msg.EventName()
	handler, ok := s.handlers[name]
	if !ok {
		s.reply(event.Failure(frameErrorMessage(event.ErrUnknownEvent)))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.hub.cfg.HandlerTimeout)
	defer cancel()

	if err := s.invoke(ctx, name, handler, msg); err != nil {
		s.handleError(name, err)
	}
}

func (s *Session) invoke(ctx context.Context, name event.Name, handler inboundHandler, msg event.Inbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered from panic in event handler",
				zap.String("event", string(name)),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func (s *Session) handleError(name event.Name, err error) {
	log := s.log.With(zap.String("event", string(name)))

	var authErr *AuthorizationError
	switch {
	case errors.Is(err, ErrStateInconsistency):
		log.Debug("Event raced session teardown", zap.Error(err))
		return
	case errors.As(err, &authErr):
		log.Info("Unauthorized chat action", zap.String("chat_id", authErr.ChatID))
	default:
		log.Error("Event handler failed", zap.Error(err))
	}
	s.reply(event.Failure(clientMessage(name, err)))
}

// requireMember re-checks membership against the store on every call, so a
// user removed from a chat loses access without reconnecting.
func (s *Session) requireMember(ctx context.Context, name event.Name, chatID string) error {
	ok, err := s.hub.store.IsActiveChatMember(ctx, s.user.UserID, chatID)
	if err != nil {
		return fmt.Errorf("check membership of %s: %w", chatID, err)
	}
	if !ok {
		return &AuthorizationError{UserID: s.user.UserID, ChatID: chatID, Event: name}
	}
	return nil
}

func (s *Session) onJoinChat(ctx context.Context, msg event.Inbound) error {
	req := msg.(*event.JoinChatRequest)
	if err := s.requireMember(ctx, event.JoinChat, req.ChatID); err != nil {
		return err
	}
	added, err := s.joinRoom(req.ChatID)
	if err != nil {
		return err
	}
	if added {
		s.log.Debug("Joined chat", zap.String("chat_id", req.ChatID))
	}
	return nil
}

func (s *Session) onLeaveChat(_ context.Context, msg event.Inbound) error {
	req := msg.(*event.LeaveChatRequest)
	if s.leaveRoom(req.ChatID) {
		s.log.Debug("Left chat", zap.String("chat_id", req.ChatID))
	}
	return nil
}

func (s *Session) onTyping(ctx context.Context, msg event.Inbound) error {
	req := msg.(*event.TypingRequest)
	if err := s.requireMember(ctx, event.StartTyping, req.ChatID); err != nil {
		return err
	}
	s.hub.BroadcastToRoom(req.ChatID, event.Typing(s.user.UserID, s.user.Username, req.ChatID), s.user.UserID)
	return nil
}

func (s *Session) onStopTyping(ctx context.Context, msg event.Inbound) error {
	req := msg.(*event.StopTypingRequest)
	if err := s.requireMember(ctx, event.EndTyping, req.ChatID); err != nil {
		return err
	}
	s.hub.BroadcastToRoom(req.ChatID, event.StopTyping(s.user.UserID, req.ChatID), s.user.UserID)
	return nil
}

func (s *Session) onMarkAsRead(ctx context.Context, msg event.Inbound) error {
	req := msg.(*event.MarkAsReadRequest)

	chatID, err := s.hub.store.MessageChat(ctx, req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return &AuthorizationError{UserID: s.user.UserID, Event: event.MarkAsRead}
	}
	if err != nil {
		return fmt.Errorf("look up message %s: %w", req.MessageID, err)
	}
	if err := s.requireMember(ctx, event.MarkAsRead, chatID); err != nil {
		return err
	}

	alreadyRead, err := s.hub.store.MarkMessageRead(ctx, req.MessageID, s.user.UserID)
	if err != nil {
		return fmt.Errorf("mark message %s read: %w", req.MessageID, err)
	}
	if alreadyRead {
		return nil
	}

	s.hub.BroadcastToRoom(chatID, event.Read(req.MessageID, s.user.UserID, chatID), "")
	return nil
}

// onSendMessage broadcasts a message the client already persisted over REST.
// The sender's own connections receive it too.
func (s *Session) onSendMessage(ctx context.Context, msg event.Inbound) error {
	req := msg.(*event.SendMessageRequest)
	if err := s.requireMember(ctx, event.SendMessage, req.ChatID); err != nil {
		return err
	}

	out := event.NewMessageFrom(event.MessagePayload{
		ID:        req.MessageID,
		Content:   req.Content,
		SenderID:  s.user.UserID,
		ChatID:    req.ChatID,
		ImageURL:  req.ImageURL,
		ReadBy:    []string{s.user.UserID},
		CreatedAt: s.hub.now().UTC(),
		Sender:    event.Sender{ID: s.user.UserID, Username: s.user.Username},
	})
	s.hub.BroadcastToRoom(req.ChatID, out, "")
	return nil
}
