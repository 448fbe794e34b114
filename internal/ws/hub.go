package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/partnerhub/messaging-backend/internal/common"
	"github.com/partnerhub/messaging-backend/internal/domain"
	"github.com/partnerhub/messaging-backend/internal/presence"
	"github.com/partnerhub/messaging-backend/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

const (
	defaultChannel    = "messaging:events"
	defaultSendBuffer = 256
	seqKeyPrefix      = "messaging:seq:"
	publishLockCount  = 64
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Number of live websocket connections",
	})
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_events_published_total",
		Help: "Realtime events published by type",
	}, []string{"type"})
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_events_dropped_total",
		Help: "Realtime events dropped because a connection buffer was full",
	})
)

// Envelope is the frame delivered to clients for every event
type Envelope struct {
	SentAt  time.Time        `json:"sentAt"`
	Type    domain.EventType `json:"type"`
	Group   string           `json:"group"`
	Payload json.RawMessage  `json:"payload"`
	Seq     uint64           `json:"seq"`
}

// HubConfig tunes the hub
type HubConfig struct {
	Channel        string // redis pub/sub channel
	SendBufferSize int    // per-connection outbound buffer
}

// PresenceFunc is called when a user's first connection attaches or last
// connection detaches
type PresenceFunc func(userID string, online bool)

// Hub fans events out to the connections subscribed to a group. Delivery is
// at-most-once: nothing is persisted and full connection buffers drop events.
type Hub struct {
	registry *presence.Registry
	clients  map[*Client]struct{}

	register   chan registration
	unregister chan *Client
	broadcast  chan *Envelope

	redisClient *redis.Client
	channel     string
	instanceID  string
	sendBuffer  int

	seqMu       sync.Mutex
	seqs        map[string]uint64
	publishLock [publishLockCount]sync.Mutex

	presenceMu sync.RWMutex
	onPresence PresenceFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub; redisClient may be nil for single instance setups
func NewHub(registry *presence.Registry, redisClient *redis.Client, cfg HubConfig) *Hub {
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:    registry,
		clients:     make(map[*Client]struct{}),
		register:    make(chan registration),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Envelope, 1024),
		redisClient: redisClient,
		channel:     cfg.Channel,
		instanceID:  uuid.NewString(),
		sendBuffer:  cfg.SendBufferSize,
		seqs:        make(map[string]uint64),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Registry exposes the presence registry the hub delivers through
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// OnPresence installs the presence transition callback
func (h *Hub) OnPresence(fn PresenceFunc) {
	h.presenceMu.Lock()
	h.onPresence = fn
	h.presenceMu.Unlock()
}

// registration hands a client to the hub loop; done is closed once the
// client is attached to the registry
type registration struct {
	client *Client
	done   chan struct{}
}

// Register adds a client to the hub. It returns after the connection is
// attached, so invocations read right after can join groups.
func (h *Hub) Register(client *Client) {
	reg := registration{client: client, done: make(chan struct{})}
	select {
	case h.register <- reg:
	case <-h.ctx.Done():
		client.Close()
		return
	}
	select {
	case <-reg.done:
	case <-h.ctx.Done():
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	log := logger.WithComponent("ws_hub")

	if h.redisClient != nil {
		go h.subscribeRedis()
	}

	for {
		select {
		case reg := <-h.register:
			client := reg.client
			h.clients[client] = struct{}{}
			connectionsActive.Inc()
			if h.registry.Attach(client) {
				h.notifyPresence(client.UserID(), true)
			}
			close(reg.done)
			log.Debug().Str("conn_id", client.ID()).Str("user_id", client.UserID()).Msg("connection attached")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; !ok {
				continue
			}
			delete(h.clients, client)
			connectionsActive.Dec()
			client.closeSend()
			if h.registry.Detach(client) {
				h.notifyPresence(client.UserID(), false)
			}
			log.Debug().Str("conn_id", client.ID()).Str("user_id", client.UserID()).Msg("connection detached")

		case env := <-h.broadcast:
			h.deliver(env)

		case <-h.ctx.Done():
			for client := range h.clients {
				client.Close()
			}
			return
		}
	}
}

// Stop shuts the hub down and closes every connection
func (h *Hub) Stop() {
	h.cancel()
}

// Publish sends event to every connection in group, on this instance and,
// when Redis is configured, on every other instance. Events for one group
// are enqueued in sequence order.
func (h *Hub) Publish(ctx context.Context, group string, event domain.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", common.ErrBroadcastFailure, event.Type, err)
	}

	lock := h.groupLock(group)
	lock.Lock()
	defer lock.Unlock()

	seq, err := h.nextSeq(ctx, group)
	if err != nil {
		return fmt.Errorf("%w: sequence for %s: %v", common.ErrBroadcastFailure, group, err)
	}

	env := &Envelope{
		Type:    event.Type,
		Group:   group,
		Seq:     seq,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}

	select {
	case h.broadcast <- env:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", common.ErrBroadcastFailure, ctx.Err())
	case <-h.ctx.Done():
		return fmt.Errorf("%w: hub stopped", common.ErrBroadcastFailure)
	}
	eventsPublished.WithLabelValues(string(event.Type)).Inc()

	if h.redisClient != nil {
		data, err := json.Marshal(&redisMessage{Origin: h.instanceID, Envelope: env})
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrBroadcastFailure, err)
		}
		if err := h.redisClient.Publish(ctx, h.channel, data).Err(); err != nil {
			return fmt.Errorf("%w: redis publish: %v", common.ErrBroadcastFailure, err)
		}
	}
	return nil
}

// deliver runs on the hub loop. Slow connections lose the event and are closed.
func (h *Hub) deliver(env *Envelope) {
	members := h.registry.Members(env.Group)
	if len(members) == 0 {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	for _, conn := range members {
		if conn.Send(data) {
			continue
		}
		eventsDropped.Inc()
		logger.GetLogger().Warn().
			Str("conn_id", conn.ID()).
			Str("group", env.Group).
			Str("type", string(env.Type)).
			Msg("send buffer full, dropping event and closing connection")
		conn.Close()
	}
}

func (h *Hub) notifyPresence(userID string, online bool) {
	h.presenceMu.RLock()
	fn := h.onPresence
	h.presenceMu.RUnlock()
	if fn != nil {
		// may publish, which needs the hub loop free
		go fn(userID, online)
	}
}

func (h *Hub) nextSeq(ctx context.Context, group string) (uint64, error) {
	if h.redisClient != nil {
		n, err := h.redisClient.Incr(ctx, seqKeyPrefix+group).Result()
		if err != nil {
			return 0, err
		}
		return uint64(n), nil
	}

	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	h.seqs[group]++
	return h.seqs[group], nil
}

func (h *Hub) groupLock(group string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(group))
	return &h.publishLock[f.Sum32()%publishLockCount]
}

type redisMessage struct {
	Origin   string    `json:"origin"`
	Envelope *Envelope `json:"envelope"`
}

// subscribeRedis delivers events published by other instances
func (h *Hub) subscribeRedis() {
	pubsub := h.redisClient.Subscribe(h.ctx, h.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var rm redisMessage
			if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil || rm.Envelope == nil {
				continue
			}
			if rm.Origin == h.instanceID {
				continue
			}
			select {
			case h.broadcast <- rm.Envelope:
			case <-h.ctx.Done():
				return
			}
		case <-h.ctx.Done():
			return
		}
	}
}
