// Package event defines the JSON wire protocol spoken over the WebSocket:
// one typed payload per event name, wrapped in a {"event", "data"} envelope.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Name is the wire name of an event.
type Name string

// Outbound event names.
const (
	NewMessage          Name = "new_message"
	MessageRead         Name = "message_read"
	UserTyping          Name = "user_typing"
	UserStopTyping      Name = "user_stop_typing"
	ContactStatusChange Name = "contact_status_change"
	ReactionAdded       Name = "reaction_added"
	ReactionRemoved     Name = "reaction_removed"
	Error               Name = "error"
)

// ErrNotObject is returned when a raw payload is not a JSON object.
var ErrNotObject = errors.New("payload must be a JSON object")

type envelope struct {
	Event Name `json:"event"`
	Data  any  `json:"data"`
}

// Outbound is an encoded server-to-client event. The frame is built once and
// shared by every recipient of a broadcast.
type Outbound struct {
	name  Name
	frame []byte
}

// Name returns the event's wire name.
func (o Outbound) Name() Name { return o.name }

// Frame returns the encoded envelope. Callers must not modify it.
func (o Outbound) Frame() []byte { return o.frame }

// Encode wraps data in an envelope for the named event.
func Encode(name Name, data any) (Outbound, error) {
	frame, err := json.Marshal(envelope{Event: name, Data: data})
	if err != nil {
		return Outbound{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return Outbound{name: name, frame: frame}, nil
}

func mustEncode(name Name, data any) Outbound {
	o, err := Encode(name, data)
	if err != nil {
		panic(err)
	}
	return o
}

// Sender is the author summary embedded in new_message.
type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// MessagePayload is the new_message shape produced for socket-originated sends.
type MessagePayload struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	ChatID    string    `json:"chatId"`
	ImageURL  *string   `json:"imageUrl,omitempty"`
	ReadBy    []string  `json:"readBy"`
	CreatedAt time.Time `json:"createdAt"`
	Sender    Sender    `json:"sender"`
}

// MessageReadPayload is the message_read shape.
type MessageReadPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	ChatID    string `json:"chatId"`
}

// TypingPayload is the user_typing shape.
type TypingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	ChatID   string `json:"chatId"`
}

// StopTypingPayload is the user_stop_typing shape.
type StopTypingPayload struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
}

// StatusPayload is the contact_status_change shape. LastSeen is null while
// the user is online.
type StatusPayload struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

// ReactionAddedPayload is the reaction_added shape; Reaction is forwarded
// verbatim from the caller.
type ReactionAddedPayload struct {
	MessageID string          `json:"messageId"`
	Reaction  json.RawMessage `json:"reaction"`
}

// ReactionRemovedPayload is the reaction_removed shape.
type ReactionRemovedPayload struct {
	MessageID  string `json:"messageId"`
	ReactionID string `json:"reactionId"`
	UserID     string `json:"userId"`
	Emoji      string `json:"emoji"`
}

// ErrorPayload is the private error shape.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewMessageRaw builds new_message from a payload that was already serialized
// by the persistence side, forwarding it byte for byte.
func NewMessageRaw(payload json.RawMessage) (Outbound, error) {
	if err := requireObject(payload); err != nil {
		return Outbound{}, err
	}
	return Encode(NewMessage, payload)
}

// NewMessageFrom builds new_message from a typed payload.
func NewMessageFrom(p MessagePayload) Outbound {
	if p.ReadBy == nil {
		p.ReadBy = []string{}
	}
	return mustEncode(NewMessage, p)
}

// Read builds message_read.
func Read(messageID, userID, chatID string) Outbound {
	return mustEncode(MessageRead, MessageReadPayload{MessageID: messageID, UserID: userID, ChatID: chatID})
}

// Typing builds user_typing.
func Typing(userID, username, chatID string) Outbound {
	return mustEncode(UserTyping, TypingPayload{UserID: userID, Username: username, ChatID: chatID})
}

// StopTyping builds user_stop_typing.
func StopTyping(userID, chatID string) Outbound {
	return mustEncode(UserStopTyping, StopTypingPayload{UserID: userID, ChatID: chatID})
}

// Online builds contact_status_change for a user that came online.
func Online(userID string) Outbound {
	return mustEncode(ContactStatusChange, StatusPayload{UserID: userID, IsOnline: true})
}

// Offline builds contact_status_change for a user that went offline at lastSeen.
func Offline(userID string, lastSeen time.Time) Outbound {
	ts := lastSeen.UTC()
	return mustEncode(ContactStatusChange, StatusPayload{UserID: userID, IsOnline: false, LastSeen: &ts})
}

// ReactionAddedRaw builds reaction_added around a serialized reaction.
func ReactionAddedRaw(messageID string, reaction json.RawMessage) (Outbound, error) {
	if err := requireObject(reaction); err != nil {
		return Outbound{}, err
	}
	return Encode(ReactionAdded, ReactionAddedPayload{MessageID: messageID, Reaction: reaction})
}

// ReactionRemovedFrom builds reaction_removed.
func ReactionRemovedFrom(messageID, reactionID, userID, emoji string) Outbound {
	return mustEncode(ReactionRemoved, ReactionRemovedPayload{
		MessageID:  messageID,
		ReactionID: reactionID,
		UserID:     userID,
		Emoji:      emoji,
	})
}

// Failure builds the private error event.
func Failure(message string) Outbound {
	return mustEncode(Error, ErrorPayload{Message: message})
}

func requireObject(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrNotObject
	}
	return nil
}
