package server

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/vibechat/internal/event"
)

var (
	// ErrStateInconsistency means an event arrived for a connection that is no
	// longer registered, typically racing its teardown. Callers ignore it.
	ErrStateInconsistency = errors.New("connection is not registered")

	// ErrHubClosed is returned when registering after shutdown began.
	ErrHubClosed = errors.New("hub is shut down")

	errSendBufferFull = errors.New("send buffer full")
	errSessionClosed  = errors.New("session closed")
)

// AuthorizationError rejects a client action on a chat the user is not (or no
// longer) an active member of. The connection stays open.
type AuthorizationError struct {
	UserID string
	ChatID string
	Event  event.Name
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s may not %s in chat %q", e.UserID, e.Event, e.ChatID)
}

// DeliveryError records a failed write to one recipient. It never reaches
// the broadcaster; the recipient is torn down instead.
type DeliveryError struct {
	ConnID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.ConnID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Messages sent back in the private error event.
var (
	deniedMessages = map[event.Name]string{
		event.JoinChat:    "Not authorized to join this chat",
		event.SendMessage: "Not authorized to send message to this chat",
		event.MarkAsRead:  "Message not found or not authorized",
		event.StartTyping: "Not authorized to access this chat",
		event.EndTyping:   "Not authorized to access this chat",
	}
	failedMessages = map[event.Name]string{
		event.JoinChat:    "Failed to join chat",
		event.LeaveChat:   "Failed to leave chat",
		event.SendMessage: "Failed to send message",
		event.MarkAsRead:  "Failed to mark message as read",
		event.StartTyping: "Failed to update typing status",
		event.EndTyping:   "Failed to update typing status",
	}
)

func clientMessage(name event.Name, err error) string {
	var authErr *AuthorizationError
	if errors.As(err, &authErr) {
		if msg, ok := deniedMessages[name]; ok {
			return msg
		}
		return "Not authorized"
	}
	if msg, ok := failedMessages[name]; ok {
		return msg
	}
	return "Request failed"
}

func frameErrorMessage(err error) string {
	switch {
	case errors.Is(err, event.ErrUnknownEvent):
		return "Unknown event"
	case errors.Is(err, event.ErrInvalidPayload):
		return "Invalid event payload"
	default:
		return "Malformed message"
	}
}
