package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Status is the persisted presence of a user.
type Status struct {
	Online   bool
	LastSeen time.Time
}

type message struct {
	chatID string
	readBy map[string]struct{}
}

// Memory is an in-process Store used when no database is configured and in
// tests. The Seed* and Remove* helpers stand in for the REST layer that would
// normally create and change these rows.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]User
	members  map[string]map[string]struct{} // chatID -> active userIDs
	contacts map[string]map[string]struct{} // userID -> contact userIDs
	messages map[string]*message
	statuses map[string]Status
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]User),
		members:  make(map[string]map[string]struct{}),
		contacts: make(map[string]map[string]struct{}),
		messages: make(map[string]*message),
		statuses: make(map[string]Status),
	}
}

// SeedUser creates or replaces a user.
func (m *Memory) SeedUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// SeedChat adds userIDs as active members of chatID.
func (m *Memory) SeedChat(chatID string, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[chatID]
	if !ok {
		set = make(map[string]struct{})
		m.members[chatID] = set
	}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
}

// RemoveMember marks userID as having left chatID.
func (m *Memory) RemoveMember(chatID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[chatID], userID)
}

// SeedContacts makes a and b mutual contacts, as accepting a contact request does.
func (m *Memory) SeedContacts(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		set, ok := m.contacts[pair[0]]
		if !ok {
			set = make(map[string]struct{})
			m.contacts[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

// SeedMessage records a message in chatID, read by its sender.
func (m *Memory) SeedMessage(messageID, chatID, senderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[messageID] = &message{chatID: chatID, readBy: map[string]struct{}{senderID: {}}}
}

// StatusOf returns the last persisted presence of userID.
func (m *Memory) StatusOf(userID string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[userID]
	return s, ok
}

func (m *Memory) FindUser(_ context.Context, userID string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) IsActiveChatMember(_ context.Context, userID, chatID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[chatID][userID]
	return ok, nil
}

func (m *Memory) ListActiveChatsForUser(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var chats []string
	for chatID, set := range m.members {
		if _, ok := set[userID]; ok {
			chats = append(chats, chatID)
		}
	}
	sort.Strings(chats)
	return chats, nil
}

func (m *Memory) ListContactsOf(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	contacts := lo.Keys(m.contacts[userID])
	sort.Strings(contacts)
	return contacts, nil
}

func (m *Memory) MessageChat(_ context.Context, messageID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return "", ErrNotFound
	}
	return msg.chatID, nil
}

func (m *Memory) MarkMessageRead(_ context.Context, messageID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return false, ErrNotFound
	}
	if _, read := msg.readBy[userID]; read {
		return true, nil
	}
	msg.readBy[userID] = struct{}{}
	return false, nil
}

func (m *Memory) SetUserOnline(_ context.Context, userID string, online bool, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[userID] = Status{Online: online, LastSeen: lastSeen}
	return nil
}
