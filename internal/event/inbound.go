package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Inbound event names.
const (
	SendMessage Name = "send_message"
	MarkAsRead  Name = "mark_as_read"
	StartTyping Name = "typing"
	EndTyping   Name = "stop_typing"
	JoinChat    Name = "join_chat"
	LeaveChat   Name = "leave_chat"
)

var (
	// ErrMalformedFrame is returned when a frame is not a JSON envelope.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownEvent is returned for an event name with no decoder.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload is returned when the data fails validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Inbound is a decoded client-to-server event.
type Inbound interface {
	EventName() Name
}

// SendMessageRequest broadcasts a message the client already persisted over REST.
type SendMessageRequest struct {
	ChatID    string  `json:"chatId" validate:"required,max=128"`
	MessageID string  `json:"messageId" validate:"required,max=128"`
	Content   string  `json:"content"`
	ImageURL  *string `json:"imageUrl,omitempty" validate:"omitempty,max=2048"`
}

// MarkAsReadRequest marks one message read for the calling user.
type MarkAsReadRequest struct {
	MessageID string `json:"messageId" validate:"required,max=128"`
}

// TypingRequest announces the caller started typing.
type TypingRequest struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

// StopTypingRequest announces the caller stopped typing.
type StopTypingRequest struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

// JoinChatRequest subscribes the connection to a chat room.
type JoinChatRequest struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

// LeaveChatRequest unsubscribes the connection from a chat room.
type LeaveChatRequest struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

func (SendMessageRequest) EventName() Name { return SendMessage }
func (MarkAsReadRequest) EventName() Name  { return MarkAsRead }
func (TypingRequest) EventName() Name      { return StartTyping }
func (StopTypingRequest) EventName() Name  { return EndTyping }
func (JoinChatRequest) EventName() Name    { return JoinChat }
func (LeaveChatRequest) EventName() Name   { return LeaveChat }

var decoders = map[Name]func() Inbound{
	SendMessage: func() Inbound { return &SendMessageRequest{} },
	MarkAsRead:  func() Inbound { return &MarkAsReadRequest{} },
	StartTyping: func() Inbound { return &TypingRequest{} },
	EndTyping:   func() Inbound { return &StopTypingRequest{} },
	JoinChat:    func() Inbound { return &JoinChatRequest{} },
	LeaveChat:   func() Inbound { return &LeaveChatRequest{} },
}

// Decode parses and validates one client frame. The returned value is a
// pointer to one of the *Request types above.
func Decode(raw []byte) (Inbound, error) {
	var env struct {
		Event Name            `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}

	factory, ok := decoders[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	msg := factory()
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: %s requires data", ErrInvalidPayload, env.Event)
	}
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return msg, nil
}
