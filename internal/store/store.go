// Package store is the persistence boundary of the realtime gateway: the
// handful of relational lookups and writes the connection layer needs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a user or message does not exist.
var ErrNotFound = errors.New("not found")

// User is the identity the gateway resolves from a token.
type User struct {
	ID       string
	Username string
}

// Store is implemented by Postgres, Memory and the Cached decorator.
type Store interface {
	// FindUser returns ErrNotFound when the user no longer exists.
	FindUser(ctx context.Context, userID string) (User, error)
	// IsActiveChatMember reports whether userID belongs to chatID and has not left it.
	IsActiveChatMember(ctx context.Context, userID, chatID string) (bool, error)
	// ListActiveChatsForUser returns every chat userID belongs to and has not left.
	ListActiveChatsForUser(ctx context.Context, userID string) ([]string, error)
	// ListContactsOf returns the ids of userID's contacts.
	ListContactsOf(ctx context.Context, userID string) ([]string, error)
	// MessageChat returns the chat a message was posted in, or ErrNotFound.
	MessageChat(ctx context.Context, messageID string) (string, error)
	// MarkMessageRead atomically adds userID to the message's readers and
	// reports whether it was already there.
	MarkMessageRead(ctx context.Context, messageID, userID string) (alreadyRead bool, err error)
	// SetUserOnline persists the user's online flag and last-seen time.
	SetUserOnline(ctx context.Context, userID string, online bool, lastSeen time.Time) error
}
