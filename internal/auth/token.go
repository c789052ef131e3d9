// Package auth resolves the bearer token presented during the WebSocket
// handshake into a user identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/vibechat/internal/store"
)

// Reason classifies a handshake authentication failure.
type Reason string

// Handshake failure reasons.
const (
	TokenMissing Reason = "Token missing"
	TokenInvalid Reason = "Invalid token"
	TokenExpired Reason = "Token expired"
	UserNotFound Reason = "User not found"
)

// AuthenticationError refuses a connection before any session exists.
type AuthenticationError struct {
	Reason Reason
	Err    error
}

func (e *AuthenticationError) Error() string {
	return "Authentication error: " + string(e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Identity is the authenticated user behind a connection. It does not change
// for the lifetime of the connection.
type Identity struct {
	UserID   string
	Username string
}

// Claims carries the user id under "id", as issued by the REST login
// endpoint. "sub" is accepted as a fallback.
type Claims struct {
	UserID string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) userID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// UserFinder is the part of the store the resolver needs.
type UserFinder interface {
	FindUser(ctx context.Context, userID string) (store.User, error)
}

// Resolver validates HS256 tokens and loads the user they name.
type Resolver struct {
	secret []byte
	users  UserFinder
}

// NewResolver creates a Resolver that verifies signatures with secret.
func NewResolver(secret []byte, users UserFinder) *Resolver {
	return &Resolver{secret: secret, users: users}
}

// Resolve returns the identity behind token or an *AuthenticationError.
// Store failures other than a missing user are returned unwrapped so callers
// can tell an outage from a bad credential.
func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, &AuthenticationError{Reason: TokenMissing}
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Identity{}, &AuthenticationError{Reason: TokenExpired, Err: err}
	case err != nil:
		return Identity{}, &AuthenticationError{Reason: TokenInvalid, Err: err}
	}

	userID := claims.userID()
	if userID == "" {
		return Identity{}, &AuthenticationError{Reason: TokenInvalid, Err: errors.New("token carries no user id")}
	}

	user, err := r.users.FindUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, &AuthenticationError{Reason: UserNotFound, Err: err}
	}
	if err != nil {
		return Identity{}, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	return Identity{UserID: user.ID, Username: user.Username}, nil
}

// Issue signs a token for userID valid for ttl. The REST service owns login;
// this exists for local tooling and tests.
func Issue(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
