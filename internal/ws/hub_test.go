package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/partnerhub/messaging-backend/internal/common"
	"github.com/partnerhub/messaging-backend/internal/domain"
	"github.com/partnerhub/messaging-backend/internal/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	registry *presence.Registry
	mu       sync.Mutex
	calls    []Invocation
}

func (h *recordingHandler) HandleInvocation(_ context.Context, conn presence.Connection, inv Invocation) error {
	h.mu.Lock()
	h.calls = append(h.calls, inv)
	h.mu.Unlock()
	if inv.Type == InvokeJoinPartnership {
		h.registry.Join(conn.ID(), presence.PartnershipGroup(inv.PartnershipID))
	}
	return nil
}

// startServer serves websocket connections authenticated by the user query param
func startServer(t *testing.T, hub *Hub, handler InvocationHandler) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, r.URL.Query().Get("user"), handler)
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitOnline(t *testing.T, hub *Hub, user string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.Registry().ConnectionCount(user) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func readReply(t *testing.T, conn *websocket.Conn) Reply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var r Reply
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(presence.NewRegistry(), nil, HubConfig{SendBufferSize: 8})
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func TestHub_PublishToUserGroup(t *testing.T) {
	hub := newRunningHub(t)
	srv := startServer(t, hub, nil)

	phone := dial(t, srv, "bob")
	laptop := dial(t, srv, "bob")
	waitOnline(t, hub, "bob", 2)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, presence.UserGroup("bob"), domain.Event{
		Type:    domain.EventPresenceChanged,
		Payload: domain.PresencePayload{UserID: "alice", Online: true},
	}))
	require.NoError(t, hub.Publish(ctx, presence.UserGroup("bob"), domain.Event{
		Type:    domain.EventPresenceChanged,
		Payload: domain.PresencePayload{UserID: "alice", Online: false},
	}))

	for _, conn := range []*websocket.Conn{phone, laptop} {
		first := readEnvelope(t, conn)
		second := readEnvelope(t, conn)
		assert.Equal(t, domain.EventPresenceChanged, first.Type)
		assert.Equal(t, "user:bob", first.Group)
		assert.Equal(t, uint64(1), first.Seq)
		assert.Equal(t, uint64(2), second.Seq)

		var p domain.PresencePayload
		require.NoError(t, json.Unmarshal(second.Payload, &p))
		assert.False(t, p.Online)
	}
}

func TestHub_InvocationsAndPartnershipGroup(t *testing.T) {
	hub := newRunningHub(t)
	handler := &recordingHandler{registry: hub.Registry()}
	srv := startServer(t, hub, handler)

	alice := dial(t, srv, "alice")
	waitOnline(t, hub, "alice", 1)

	t.Run("ping is acknowledged without the handler", func(t *testing.T) {
		require.NoError(t, alice.WriteJSON(Invocation{ID: "1", Type: InvokePing}))
		r := readReply(t, alice)
		assert.Equal(t, "Ack", r.Type)
		assert.Equal(t, "1", r.ID)
	})

	t.Run("malformed frame yields an error reply", func(t *testing.T) {
		require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{nope")))
		r := readReply(t, alice)
		assert.Equal(t, "Error", r.Type)
		assert.Equal(t, "VALIDATION_ERROR", r.Code)
	})

	t.Run("joined partnership receives group events", func(t *testing.T) {
		require.NoError(t, alice.WriteJSON(Invocation{ID: "2", Type: InvokeJoinPartnership, PartnershipID: 5}))
		r := readReply(t, alice)
		require.Equal(t, "Ack", r.Type)

		require.NoError(t, hub.Publish(context.Background(), presence.PartnershipGroup(5), domain.Event{
			Type:    domain.EventTypingStarted,
			Payload: domain.TypingPayload{UserID: "bob", PartnershipID: 5},
		}))
		env := readEnvelope(t, alice)
		assert.Equal(t, domain.EventTypingStarted, env.Type)
		assert.Equal(t, "partnership:5", env.Group)
	})
}

// registeredJoinHandler refuses joins for connections the registry does not know
type registeredJoinHandler struct {
	registry *presence.Registry
}

func (h *registeredJoinHandler) HandleInvocation(_ context.Context, conn presence.Connection, inv Invocation) error {
	if !h.registry.Join(conn.ID(), presence.PartnershipGroup(inv.PartnershipID)) {
		return common.ErrNotFound
	}
	return nil
}

func TestHub_JoinRightAfterConnect(t *testing.T) {
	hub := newRunningHub(t)
	srv := startServer(t, hub, &registeredJoinHandler{registry: hub.Registry()})

	for i := 0; i < 20; i++ {
		conn := dial(t, srv, "dave")
		require.NoError(t, conn.WriteJSON(Invocation{ID: "join", Type: InvokeJoinPartnership, PartnershipID: 3}))
		r := readReply(t, conn)
		assert.Equal(t, "Ack", r.Type, "attempt %d: %s", i, r.Message)
		conn.Close()
	}
}

func TestHub_PresenceTransitions(t *testing.T) {
	hub := newRunningHub(t)
	srv := startServer(t, hub, nil)

	type transition struct {
		user   string
		online bool
	}
	events := make(chan transition, 4)
	hub.OnPresence(func(userID string, online bool) {
		events <- transition{userID, online}
	})

	conn := dial(t, srv, "carol")
	select {
	case tr := <-events:
		assert.Equal(t, transition{"carol", true}, tr)
	case <-time.After(2 * time.Second):
		t.Fatal("no online transition")
	}

	conn.Close()
	select {
	case tr := <-events:
		assert.Equal(t, transition{"carol", false}, tr)
	case <-time.After(2 * time.Second):
		t.Fatal("no offline transition")
	}
	assert.False(t, hub.Registry().IsOnline("carol"))
}

type stuckConn struct {
	closed bool
}

func (c *stuckConn) ID() string         { return "stuck" }
func (c *stuckConn) UserID() string     { return "slow" }
func (c *stuckConn) Send(_ []byte) bool { return false }
func (c *stuckConn) Close()             { c.closed = true }

func TestHub_DropsOnFullBuffer(t *testing.T) {
	hub := NewHub(presence.NewRegistry(), nil, HubConfig{})
	conn := &stuckConn{}
	hub.Registry().Attach(conn)

	hub.deliver(&Envelope{Type: domain.EventMessageReceived, Group: presence.UserGroup("slow"), Seq: 1})
	assert.True(t, conn.closed)
}

func TestHub_PublishRespectsContext(t *testing.T) {
	// not running: the broadcast queue fills up and Publish must give up
	hub := NewHub(presence.NewRegistry(), nil, HubConfig{})
	for i := 0; i < cap(hub.broadcast); i++ {
		hub.broadcast <- &Envelope{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := hub.Publish(ctx, "user:x", domain.Event{Type: domain.EventMessageRead, Payload: struct{}{}})
	assert.Error(t, err)
}

func TestHub_SequencesArePerGroup(t *testing.T) {
	hub := NewHub(presence.NewRegistry(), nil, HubConfig{})
	ctx := context.Background()

	a1, _ := hub.nextSeq(ctx, "user:a")
	a2, _ := hub.nextSeq(ctx, "user:a")
	b1, _ := hub.nextSeq(ctx, "user:b")
	assert.Equal(t, []uint64{1, 2, 1}, []uint64{a1, a2, b1})
}
