package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis key layout shared with the REST service.
func contactsKey(userID string) string { return "contacts:" + userID }
func presenceKey(userID string) string { return "presence:user:" + userID }
func lastSeenKey(userID string) string { return "lastseen:" + userID }

// ContactInvalidator drops cached contact lists after contacts change.
type ContactInvalidator interface {
	InvalidateContacts(ctx context.Context, userIDs ...string) error
}

// Cached wraps a Store with a Redis read-through cache for contact lists and a
// Redis mirror of presence. Redis failures are logged and never fail a call:
// the wrapped Store stays the source of truth.
type Cached struct {
	Store
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

// NewCached wraps inner. A non-positive ttl disables contact caching.
func NewCached(inner Store, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Cached {
	return &Cached{Store: inner, rdb: rdb, ttl: ttl, log: log}
}

func (c *Cached) ListContactsOf(ctx context.Context, userID string) ([]string, error) {
	if c.ttl <= 0 {
		return c.Store.ListContactsOf(ctx, userID)
	}

	key := contactsKey(userID)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var ids []string
		if jsonErr := json.Unmarshal(raw, &ids); jsonErr == nil {
			return ids, nil
		}
		c.log.Warn("discarding corrupt contacts cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("contacts cache read failed", zap.String("key", key), zap.Error(err))
	}

	ids, err := c.Store.ListContactsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	data, _ := json.Marshal(ids)
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn("contacts cache write failed", zap.String("key", key), zap.Error(err))
	}
	return ids, nil
}

func (c *Cached) SetUserOnline(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	if err := c.Store.SetUserOnline(ctx, userID, online, lastSeen); err != nil {
		return err
	}

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if online {
			pipe.Set(ctx, presenceKey(userID), "1", 0)
		} else {
			pipe.Del(ctx, presenceKey(userID))
		}
		pipe.Set(ctx, lastSeenKey(userID), lastSeen.UTC().Format(time.RFC3339), 0)
		return nil
	})
	if err != nil {
		c.log.Warn("presence mirror write failed", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

// InvalidateContacts removes the cached contact lists of userIDs.
func (c *Cached) InvalidateContacts(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = contactsKey(id)
	}
	return c.rdb.Del(ctx, keys...).Err()
}
