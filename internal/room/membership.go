// Package room keeps chat-scoped broadcast groups: which connections are
// currently subscribed to which chat.
//
// Subscription is not authorization. Callers must re-check chat membership
// against the store before honoring a room-scoped action.
package room

import "github.com/Tyrowin/vibechat/internal/shard"

// Membership maps a chat id to the connection ids subscribed to it.
type Membership struct {
	rooms *shard.SetMap
}

// NewMembership creates an empty membership table with the given shard count.
func NewMembership(shards int) *Membership {
	return &Membership{rooms: shard.NewSetMap(shards)}
}

// Join subscribes connID to chatID. Joining twice is a no-op; the return value
// reports whether the subscription is new.
func (m *Membership) Join(chatID, connID string) bool {
	added, _ := m.rooms.Add(chatID, connID, nil)
	return added
}

// Leave unsubscribes connID from chatID and reports whether it was subscribed.
func (m *Membership) Leave(chatID, connID string) bool {
	removed, _ := m.rooms.Remove(chatID, connID, nil)
	return removed
}

// Subscribers returns a snapshot of the connections subscribed to chatID.
func (m *Membership) Subscribers(chatID string) []string {
	return m.rooms.Members(chatID)
}

// IsSubscribed reports whether connID is subscribed to chatID.
func (m *Membership) IsSubscribed(chatID, connID string) bool {
	return m.rooms.Contains(chatID, connID)
}

// ActiveRooms returns the number of rooms with at least one subscriber.
func (m *Membership) ActiveRooms() int {
	return m.rooms.Len()
}
