package msgclient

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// TypingTTL is how long a typing indicator lives without a refresh
const TypingTTL = 3 * time.Second

type typingEntry struct {
	key    ConversationKey
	userID string
}

// TypingTracker keeps disposable typing indicators. Nothing here is ever
// reconciled with the server; an expired or missed indicator just vanishes.
type TypingTracker struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[typingEntry]time.Time
}

// NewTypingTracker creates a tracker; ttl <= 0 uses TypingTTL
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = TypingTTL
	}
	return &TypingTracker{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[typingEntry]time.Time),
	}
}

// Started records or refreshes userID typing in key
func (t *TypingTracker) Started(key ConversationKey, userID string) {
	t.mu.Lock()
	t.entries[typingEntry{key, userID}] = t.now().Add(t.ttl)
	t.mu.Unlock()
}

// Stopped clears userID's indicator in key
func (t *TypingTracker) Stopped(key ConversationKey, userID string) {
	t.mu.Lock()
	delete(t.entries, typingEntry{key, userID})
	t.mu.Unlock()
}

// Typing returns the users currently typing in key, sorted
func (t *TypingTracker) Typing(key ConversationKey) []string {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var users []string
	for entry, expires := range t.entries {
		if !now.Before(expires) {
			delete(t.entries, entry)
			continue
		}
		if entry.key == key {
			users = append(users, entry.userID)
		}
	}
	sort.Strings(users)
	return users
}

// Apply consumes a TypingStarted or TypingStopped envelope. The caller's own
// indicators echoed back by a partnership group are ignored.
func (t *TypingTracker) Apply(env Envelope, selfID string) bool {
	if env.Type != EventTypingStarted && env.Type != EventTypingStopped {
		return false
	}
	var p Typing
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.UserID == "" || p.UserID == selfID {
		return false
	}

	key := DirectKey(p.UserID)
	if p.PartnershipID != 0 {
		key = PartnershipKey(p.PartnershipID)
	}
	if env.Type == EventTypingStarted {
		t.Started(key, p.UserID)
	} else {
		t.Stopped(key, p.UserID)
	}
	return true
}
