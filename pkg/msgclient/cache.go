package msgclient

import (
	"sort"
	"sync"
	"time"
)

// Cache holds the local view of the caller's threads. Messages are
// de-duplicated by id and kept oldest first by (createdAt, id).
type Cache struct {
	selfID string

	mu            sync.RWMutex
	threads       map[ConversationKey][]Message
	conversations []ConversationSummary
}

// NewCache creates an empty cache for the user selfID
func NewCache(selfID string) *Cache {
	return &Cache{
		selfID:  selfID,
		threads: make(map[ConversationKey][]Message),
	}
}

// KeysFor returns the threads a message belongs to from the caller's point
// of view. A message addressed to both a receiver and a partnership appears
// in both threads.
func (c *Cache) KeysFor(m Message) []ConversationKey {
	var keys []ConversationKey
	if m.ReceiverID != nil {
		partner := *m.ReceiverID
		if partner == c.selfID {
			partner = m.SenderID
		}
		keys = append(keys, DirectKey(partner))
	}
	if m.PartnershipID != nil {
		keys = append(keys, PartnershipKey(*m.PartnershipID))
	}
	return keys
}

// Merge adds messages to every thread they belong to. It returns the number
// of messages that were not already present.
func (c *Cache) Merge(msgs ...Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, m := range msgs {
		for _, key := range c.KeysFor(m) {
			if c.upsert(key, m) {
				added++
			}
		}
	}
	return added
}

// Replace swaps a thread's content for a freshly fetched page
func (c *Cache) Replace(key ConversationKey, msgs []Message) {
	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	sortMessages(sorted)

	c.mu.Lock()
	c.threads[key] = dedupe(sorted)
	c.mu.Unlock()
}

// Thread returns a copy of a thread, oldest first
func (c *Cache) Thread(key ConversationKey) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.threads[key]))
	copy(out, c.threads[key])
	return out
}

// SetConversations replaces the conversation list
func (c *Cache) SetConversations(list []ConversationSummary) {
	cp := make([]ConversationSummary, len(list))
	copy(cp, list)
	c.mu.Lock()
	c.conversations = cp
	c.mu.Unlock()
}

// Conversations returns a copy of the conversation list
func (c *Cache) Conversations() []ConversationSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ConversationSummary, len(c.conversations))
	copy(out, c.conversations)
	return out
}

// MarkRead applies a single read receipt
func (c *Cache) MarkRead(messageID uint64, readAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	for _, msgs := range c.threads {
		for i := range msgs {
			if msgs[i].ID == messageID && !msgs[i].IsRead {
				msgs[i].IsRead = true
				t := readAt
				msgs[i].ReadAt = &t
				found = true
			}
		}
	}
	return found
}

// MarkConversationRead applies a bulk read: messages sent by PartnerID to
// ReaderID, created no later than ReadAt and up to UpToID when set, become
// read. Messages appended after the server's update stay unread.
func (c *Cache) MarkConversationRead(p ConversationRead) int {
	other := p.PartnerID
	if p.ReaderID != c.selfID {
		other = p.ReaderID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	msgs := c.threads[DirectKey(other)]
	for i := range msgs {
		m := &msgs[i]
		if m.IsRead || m.SenderID != p.PartnerID || m.ReceiverID == nil || *m.ReceiverID != p.ReaderID {
			continue
		}
		if m.CreatedAt.After(p.ReadAt) {
			continue
		}
		if p.UpToID != nil && m.ID > *p.UpToID {
			continue
		}
		m.IsRead = true
		t := p.ReadAt
		m.ReadAt = &t
		n++
	}

	if p.ReaderID == c.selfID {
		for i := range c.conversations {
			conv := &c.conversations[i]
			if conv.PartnershipID == 0 && conv.PartnerID == p.PartnerID {
				conv.UnreadCount -= p.Count
				if conv.UnreadCount < 0 {
					conv.UnreadCount = 0
				}
			}
		}
	}
	return n
}

func (c *Cache) upsert(key ConversationKey, m Message) bool {
	msgs := c.threads[key]
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i] = m
			return false
		}
	}
	msgs = append(msgs, m)
	sortMessages(msgs)
	c.threads[key] = msgs
	return true
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// dedupe drops repeated ids from a sorted slice, keeping the first
func dedupe(msgs []Message) []Message {
	seen := make(map[uint64]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}
