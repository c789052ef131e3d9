// Package presence tracks which users are online and through which
// connections. A user is online exactly while they own at least one
// registered connection.
package presence

import "github.com/Tyrowin/vibechat/internal/shard"

// Registry maps a user id to the set of live connection ids for that user.
// It is safe for concurrent use; users are sharded so that connects and
// disconnects for different users do not contend.
type Registry struct {
	users *shard.SetMap
}

// NewRegistry creates an empty registry with the given shard count.
func NewRegistry(shards int) *Registry {
	return &Registry{users: shard.NewSetMap(shards)}
}

// Add registers connID for userID. onFirst, when non-nil, runs only if this is
// the user's first live connection, while the user's shard is still locked, so
// online/offline transitions for one user are observed in the order they
// happened. onFirst must not call back into the Registry.
func (r *Registry) Add(userID, connID string, onFirst func()) (first bool) {
	_, first = r.users.Add(userID, connID, func(first bool) {
		if first && onFirst != nil {
			onFirst()
		}
	})
	return first
}

// Remove deregisters connID for userID. onLast, when non-nil, runs only if this
// removed the user's last live connection, under the same locking rules as
// Add. It returns ok=false when the connection was not registered.
func (r *Registry) Remove(userID, connID string, onLast func()) (last, ok bool) {
	ok, last = r.users.Remove(userID, connID, func(last bool) {
		if last && onLast != nil {
			onLast()
		}
	})
	return last, ok
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	return r.users.Has(userID)
}

// Connections returns a snapshot of userID's live connection ids.
func (r *Registry) Connections(userID string) []string {
	return r.users.Members(userID)
}

// OnlineUsers returns the number of users currently online.
func (r *Registry) OnlineUsers() int {
	return r.users.Len()
}
