package msgclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is the reconciliation state of one open thread
type State int

const (
	Disconnected State = iota
	Connecting
	Synced
	Stale
	Resyncing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Synced:
		return "synced"
	case Stale:
		return "stale"
	case Resyncing:
		return "resyncing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Fetcher is the REST surface the syncer refetches from
type Fetcher interface {
	Conversations(ctx context.Context) ([]ConversationSummary, error)
	Conversation(ctx context.Context, partnerID string, page, pageSize int) ([]Message, error)
	PartnershipMessages(ctx context.Context, partnershipID uint64, page, pageSize int) ([]Message, error)
}

// Joiner subscribes the realtime connection to a partnership group.
// *Realtime implements it.
type Joiner interface {
	JoinPartnership(ctx context.Context, partnershipID uint64) error
}

// SyncerOptions tunes a Syncer. OnStateChange runs with the syncer locked
// and must not call back into it.
type SyncerOptions struct {
	OnStateChange    func(key ConversationKey, from, to State)
	Now              func() time.Time
	PageSize         int
	HeartbeatTimeout time.Duration
}

// Syncer reconciles pushed events with REST state. Realtime delivery is a
// latency shortcut only: every reconnect, sequence gap or missed heartbeat
// triggers a refetch of the conversation list and of every open thread.
type Syncer struct {
	fetcher Fetcher
	joiner  Joiner
	cache   *Cache
	typing  *TypingTracker
	selfID  string
	opts    SyncerOptions

	mu        sync.Mutex
	states    map[ConversationKey]State
	seqs      map[string]uint64
	online    map[string]bool
	connected bool
	lastBeat  time.Time

	resyncMu sync.Mutex
}

// NewSyncer creates a syncer for selfID writing into cache and typing
func NewSyncer(selfID string, fetcher Fetcher, cache *Cache, typing *TypingTracker, opts SyncerOptions) *Syncer {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 75 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if typing == nil {
		typing = NewTypingTracker(0)
	}
	return &Syncer{
		fetcher: fetcher,
		cache:   cache,
		typing:  typing,
		selfID:  selfID,
		opts:    opts,
		states:  make(map[ConversationKey]State),
		seqs:    make(map[string]uint64),
		online:  make(map[string]bool),
	}
}

// SetJoiner wires the connection used to join partnership groups. The
// server forgets group membership on every reconnect, so the syncer joins
// open partnership threads again in OnConnected.
func (s *Syncer) SetJoiner(j Joiner) {
	s.mu.Lock()
	s.joiner = j
	s.mu.Unlock()
}

// Open starts tracking a thread. When connected, a partnership thread's
// group is joined and the thread's first page is fetched before Open
// returns. Joining first means nothing committed after the fetch can be
// missed.
func (s *Syncer) Open(ctx context.Context, key ConversationKey) error {
	s.mu.Lock()
	if _, ok := s.states[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.states[key] = Disconnected
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	if err := s.join(ctx, key); err != nil {
		s.transition([]ConversationKey{key}, Stale)
		return err
	}
	return s.resyncThreads(ctx, []ConversationKey{key})
}

// Close stops tracking a thread
func (s *Syncer) Close(key ConversationKey) {
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
}

// State returns a thread's state; untracked threads report Disconnected
func (s *Syncer) State(key ConversationKey) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key]
}

// Online reports the last pushed presence of userID
func (s *Syncer) Online(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

// OnConnecting moves every thread to Connecting
func (s *Syncer) OnConnecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.states {
		s.setLocked(key, Connecting)
	}
}

// OnConnected resynchronises everything from REST. Events sent while the
// connection was down were never pushed, so cached state is not trusted.
func (s *Syncer) OnConnected(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.lastBeat = s.opts.Now()
	// sequence numbers restart from whatever the server is at now
	s.seqs = make(map[string]uint64)
	keys := make([]ConversationKey, 0, len(s.states))
	for key := range s.states {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	joined, joinErr := s.joinAll(ctx, keys)
	return errors.Join(joinErr, s.resync(ctx, joined))
}

// OnDisconnected moves every thread to Disconnected
func (s *Syncer) OnDisconnected(error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	for key := range s.states {
		s.setLocked(key, Disconnected)
	}
}

// Heartbeat records liveness of the realtime connection
func (s *Syncer) Heartbeat() {
	s.mu.Lock()
	s.lastBeat = s.opts.Now()
	s.mu.Unlock()
}

// CheckHeartbeat marks every synced thread Stale when no heartbeat arrived
// within the timeout, then resyncs whatever is stale
func (s *Syncer) CheckHeartbeat(ctx context.Context) error {
	s.mu.Lock()
	if now := s.opts.Now(); s.connected && now.Sub(s.lastBeat) > s.opts.HeartbeatTimeout {
		s.lastBeat = now
		for key, st := range s.states {
			if st == Synced {
				s.setLocked(key, Stale)
			}
		}
	}
	var stale []ConversationKey
	for key, st := range s.states {
		if st == Stale {
			stale = append(stale, key)
		}
	}
	connected := s.connected
	s.mu.Unlock()

	if !connected || len(stale) == 0 {
		return nil
	}
	joined, joinErr := s.joinAll(ctx, stale)
	return errors.Join(joinErr, s.resync(ctx, joined))
}

// Resync refetches the conversation list and every open thread
func (s *Syncer) Resync(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]ConversationKey, 0, len(s.states))
	for key := range s.states {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	return s.resync(ctx, keys)
}

// HandleEnvelope applies one pushed event. A gap in the group's sequence
// marks the affected threads Stale and refetches them.
func (s *Syncer) HandleEnvelope(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	s.lastBeat = s.opts.Now()
	last, seen := s.seqs[env.Group]
	if seen && env.Seq <= last {
		s.mu.Unlock()
		return nil
	}
	s.seqs[env.Group] = env.Seq
	gap := seen && env.Seq != last+1
	var affected []ConversationKey
	if gap {
		affected = s.affectedLocked(env.Group)
		for _, key := range affected {
			s.setLocked(key, Stale)
		}
	}
	s.mu.Unlock()

	if err := s.apply(ctx, env); err != nil {
		return err
	}
	if gap {
		return s.resync(ctx, affected)
	}
	return nil
}

func (s *Syncer) apply(ctx context.Context, env Envelope) error {
	switch env.Type {
	case EventMessageReceived:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		s.cache.Merge(m)

	case EventConversationUpdated:
		var p ConversationUpdated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		list, err := s.fetcher.Conversations(ctx)
		if err != nil {
			return err
		}
		s.cache.SetConversations(list)
		return s.refreshOpen(ctx, p.Key())

	case EventMessageRead:
		var p MessageRead
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		s.cache.MarkRead(p.MessageID, p.ReadAt)

	case EventConversationRead:
		var p ConversationRead
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.ReadAt.IsZero() {
			p.ReadAt = env.SentAt
		}
		s.cache.MarkConversationRead(p)

	case EventTypingStarted, EventTypingStopped:
		s.typing.Apply(env, s.selfID)

	case EventPresenceChanged:
		var p Presence
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		s.mu.Lock()
		s.online[p.UserID] = p.Online
		s.mu.Unlock()
	}
	return nil
}

// join subscribes to the group of a partnership thread. Direct threads ride
// on the user group and need nothing.
func (s *Syncer) join(ctx context.Context, key ConversationKey) error {
	s.mu.Lock()
	joiner := s.joiner
	s.mu.Unlock()
	if key.PartnershipID == 0 || joiner == nil {
		return nil
	}
	if err := joiner.JoinPartnership(ctx, key.PartnershipID); err != nil {
		return fmt.Errorf("join %s: %w", key, err)
	}
	return nil
}

// joinAll joins every partnership thread in keys. Threads whose join fails
// are left Stale and dropped from the result so they are never reported
// Synced without a subscription.
func (s *Syncer) joinAll(ctx context.Context, keys []ConversationKey) ([]ConversationKey, error) {
	var (
		joined []ConversationKey
		errs   []error
	)
	for _, key := range keys {
		if err := s.join(ctx, key); err != nil {
			s.transition([]ConversationKey{key}, Stale)
			errs = append(errs, err)
			continue
		}
		joined = append(joined, key)
	}
	return joined, errors.Join(errs...)
}

// refreshOpen merges the first page of an open thread. Threads that are not
// open are left to the next Open.
func (s *Syncer) refreshOpen(ctx context.Context, key ConversationKey) error {
	s.mu.Lock()
	_, open := s.states[key]
	s.mu.Unlock()
	if !open {
		return nil
	}

	var (
		msgs []Message
		err  error
	)
	if key.PartnershipID != 0 {
		msgs, err = s.fetcher.PartnershipMessages(ctx, key.PartnershipID, 1, s.opts.PageSize)
	} else {
		msgs, err = s.fetcher.Conversation(ctx, key.PartnerID, 1, s.opts.PageSize)
	}
	if err != nil {
		s.transition([]ConversationKey{key}, Stale)
		return fmt.Errorf("refetch %s: %w", key, err)
	}
	s.cache.Merge(msgs...)
	return nil
}

// affectedLocked maps a group onto the open threads it feeds
func (s *Syncer) affectedLocked(group string) []ConversationKey {
	var keys []ConversationKey
	if strings.HasPrefix(group, "partnership:") {
		for key := range s.states {
			if key.String() == group {
				keys = append(keys, key)
			}
		}
		return keys
	}
	for key := range s.states {
		keys = append(keys, key)
	}
	return keys
}

func (s *Syncer) resync(ctx context.Context, keys []ConversationKey) error {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()

	s.transition(keys, Resyncing)

	list, err := s.fetcher.Conversations(ctx)
	if err != nil {
		s.transition(keys, Stale)
		return fmt.Errorf("refetch conversations: %w", err)
	}
	s.cache.SetConversations(list)

	return s.fetchThreads(ctx, keys)
}

func (s *Syncer) resyncThreads(ctx context.Context, keys []ConversationKey) error {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()

	s.transition(keys, Resyncing)
	return s.fetchThreads(ctx, keys)
}

func (s *Syncer) fetchThreads(ctx context.Context, keys []ConversationKey) error {
	var errs []error
	for _, key := range keys {
		var (
			msgs []Message
			err  error
		)
		if key.PartnershipID != 0 {
			msgs, err = s.fetcher.PartnershipMessages(ctx, key.PartnershipID, 1, s.opts.PageSize)
		} else {
			msgs, err = s.fetcher.Conversation(ctx, key.PartnerID, 1, s.opts.PageSize)
		}
		if err != nil {
			s.transition([]ConversationKey{key}, Stale)
			errs = append(errs, fmt.Errorf("refetch %s: %w", key, err))
			continue
		}
		s.cache.Replace(key, msgs)
		s.transition([]ConversationKey{key}, Synced)
	}
	return errors.Join(errs...)
}

func (s *Syncer) transition(keys []ConversationKey, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if _, ok := s.states[key]; ok {
			s.setLocked(key, to)
		}
	}
}

func (s *Syncer) setLocked(key ConversationKey, to State) {
	from := s.states[key]
	if from == to {
		return
	}
	s.states[key] = to
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(key, from, to)
	}
}
