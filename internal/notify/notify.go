// Package notify carries "something changed elsewhere" signals from the REST
// service into the realtime gateway, over HTTP or NATS.
package notify

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Notifier is the part of the hub that publishes externally originated events.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, chatID string, payload json.RawMessage) error
	NotifyReactionChanged(ctx context.Context, messageID, chatID string, reaction json.RawMessage, removed bool) error
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// MessageNotification announces a message persisted by the REST service.
type MessageNotification struct {
	ChatID  string          `json:"chatId" validate:"required,max=128"`
	Message json.RawMessage `json:"message" validate:"required"`
}

// Validate checks required fields.
func (n MessageNotification) Validate() error {
	return errors.Wrap(validate.Struct(n), "message notification")
}

// Deliver hands the notification to the hub.
func (n MessageNotification) Deliver(ctx context.Context, to Notifier) error {
	if err := n.Validate(); err != nil {
		return err
	}
	return to.NotifyNewMessage(ctx, n.ChatID, n.Message)
}

// ReactionNotification announces a reaction added to or removed from a message.
type ReactionNotification struct {
	MessageID string          `json:"messageId" validate:"required,max=128"`
	ChatID    string          `json:"chatId" validate:"required,max=128"`
	Reaction  json.RawMessage `json:"reaction" validate:"required"`
	Removed   bool            `json:"removed"`
}

// Validate checks required fields.
func (n ReactionNotification) Validate() error {
	return errors.Wrap(validate.Struct(n), "reaction notification")
}

// Deliver hands the notification to the hub.
func (n ReactionNotification) Deliver(ctx context.Context, to Notifier) error {
	if err := n.Validate(); err != nil {
		return err
	}
	return to.NotifyReactionChanged(ctx, n.MessageID, n.ChatID, n.Reaction, n.Removed)
}
