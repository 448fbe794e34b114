package msgclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string  { return &s }
func u64Ptr(v uint64) *uint64 { return &v }

func direct(id uint64, from, to string, at time.Time) Message {
	return Message{ID: id, SenderID: from, ReceiverID: strPtr(to), Content: "m", MessageType: "text", CreatedAt: at}
}

func ids(msgs []Message) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestCache_MergeDedupesAndOrders(t *testing.T) {
	c := NewCache("y")

	added := c.Merge(
		direct(3, "x", "y", t0.Add(2*time.Second)),
		direct(1, "x", "y", t0),
		direct(2, "y", "x", t0), // same instant, ordered by id
	)
	assert.Equal(t, 3, added)

	added = c.Merge(direct(3, "x", "y", t0.Add(2*time.Second)))
	assert.Equal(t, 0, added)

	assert.Equal(t, []uint64{1, 2, 3}, ids(c.Thread(DirectKey("x"))))
}

func TestCache_KeysForBothAddressingModes(t *testing.T) {
	c := NewCache("y")
	m := direct(1, "x", "y", t0)
	m.PartnershipID = u64Ptr(4)

	keys := c.KeysFor(m)
	assert.ElementsMatch(t, []ConversationKey{DirectKey("x"), PartnershipKey(4)}, keys)

	c.Merge(m)
	assert.Len(t, c.Thread(DirectKey("x")), 1)
	assert.Len(t, c.Thread(PartnershipKey(4)), 1)
}

func TestCache_ReplaceDropsStaleContent(t *testing.T) {
	c := NewCache("y")
	c.Merge(direct(1, "x", "y", t0), direct(2, "x", "y", t0.Add(time.Second)))

	// server pages are newest first
	c.Replace(DirectKey("x"), []Message{
		direct(4, "x", "y", t0.Add(3*time.Second)),
		direct(3, "x", "y", t0.Add(2*time.Second)),
	})

	assert.Equal(t, []uint64{3, 4}, ids(c.Thread(DirectKey("x"))))
}

func TestCache_MarkRead(t *testing.T) {
	c := NewCache("x")
	c.Merge(direct(1, "x", "y", t0))

	assert.True(t, c.MarkRead(1, t0.Add(time.Minute)))
	assert.False(t, c.MarkRead(1, t0.Add(2*time.Minute)))

	thread := c.Thread(DirectKey("y"))
	require.Len(t, thread, 1)
	assert.True(t, thread[0].IsRead)
	assert.Equal(t, t0.Add(time.Minute), *thread[0].ReadAt)
}

func TestCache_MarkConversationRead(t *testing.T) {
	t.Run("reader view", func(t *testing.T) {
		c := NewCache("y")
		c.Merge(
			direct(1, "x", "y", t0),
			direct(2, "y", "x", t0.Add(time.Second)),
			direct(3, "x", "y", t0.Add(2*time.Second)),
			direct(4, "x", "y", t0.Add(3*time.Second)),
		)
		c.SetConversations([]ConversationSummary{{Type: "direct", PartnerID: "x", UnreadCount: 3}})

		n := c.MarkConversationRead(ConversationRead{
			ReaderID: "y", PartnerID: "x", UpToID: u64Ptr(3), ReadAt: t0.Add(time.Minute), Count: 2,
		})

		assert.Equal(t, 2, n)
		thread := c.Thread(DirectKey("x"))
		assert.True(t, thread[0].IsRead)
		assert.False(t, thread[1].IsRead, "outbound message untouched")
		assert.True(t, thread[2].IsRead)
		assert.False(t, thread[3].IsRead, "beyond upToId")
		assert.Equal(t, int64(1), c.Conversations()[0].UnreadCount)
	})

	t.Run("sender view", func(t *testing.T) {
		c := NewCache("x")
		c.Merge(direct(1, "x", "y", t0), direct(2, "x", "y", t0.Add(time.Second)))

		n := c.MarkConversationRead(ConversationRead{ReaderID: "y", PartnerID: "x", ReadAt: t0.Add(time.Minute), Count: 2})

		assert.Equal(t, 2, n)
		for _, m := range c.Thread(DirectKey("y")) {
			assert.True(t, m.IsRead)
		}
	})

	t.Run("messages created after the server update stay unread", func(t *testing.T) {
		c := NewCache("x")
		c.Merge(direct(1, "x", "y", t0), direct(2, "x", "y", t0.Add(2*time.Second)))

		n := c.MarkConversationRead(ConversationRead{ReaderID: "y", PartnerID: "x", ReadAt: t0.Add(time.Second), Count: 1})

		assert.Equal(t, 1, n)
		thread := c.Thread(DirectKey("y"))
		assert.True(t, thread[0].IsRead)
		assert.False(t, thread[1].IsRead)
		assert.Nil(t, thread[1].ReadAt)
	})

	t.Run("unread count follows the server count", func(t *testing.T) {
		c := NewCache("y")
		c.Merge(direct(5, "x", "y", t0))
		c.SetConversations([]ConversationSummary{{Type: "direct", PartnerID: "x", UnreadCount: 7}})

		c.MarkConversationRead(ConversationRead{ReaderID: "y", PartnerID: "x", ReadAt: t0.Add(time.Minute), Count: 4})

		assert.Equal(t, int64(3), c.Conversations()[0].UnreadCount)
	})
}
