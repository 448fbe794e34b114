package msgclient

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Session wires a REST client, a realtime connection and a syncer for one
// signed-in user
type Session struct {
	Client   *Client
	Realtime *Realtime
	Syncer   *Syncer
	Cache    *Cache
	Typing   *TypingTracker

	checkEvery time.Duration
}

// SessionOptions tunes NewSession
type SessionOptions struct {
	Logger         *zerolog.Logger
	OnStateChange  func(key ConversationKey, from, to State)
	ClientOptions  []Option
	PageSize       int
	HeartbeatCheck time.Duration
}

// NewSession builds a session for selfID against the API at baseURL
func NewSession(baseURL, token, selfID string, opts SessionOptions) (*Session, error) {
	wsURL, err := WebSocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	client := New(baseURL, token, opts.ClientOptions...)
	cache := NewCache(selfID)
	typing := NewTypingTracker(TypingTTL)
	syncer := NewSyncer(selfID, client, cache, typing, SyncerOptions{
		PageSize:      opts.PageSize,
		OnStateChange: opts.OnStateChange,
	})
	realtime := NewRealtime(RealtimeOptions{
		URL:      wsURL,
		Token:    client.Token,
		Listener: syncer,
		Logger:   opts.Logger,
	})
	syncer.SetJoiner(realtime)

	checkEvery := opts.HeartbeatCheck
	if checkEvery <= 0 {
		checkEvery = 15 * time.Second
	}
	return &Session{
		Client:     client,
		Realtime:   realtime,
		Syncer:     syncer,
		Cache:      cache,
		Typing:     typing,
		checkEvery: checkEvery,
	}, nil
}

// Run keeps the session connected and reconciled until ctx ends
func (s *Session) Run(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(s.checkEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Syncer.CheckHeartbeat(ctx)
			}
		}
	}()

	err := s.Realtime.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Send posts a message and merges the stored copy into the cache without
// waiting for the echo from the server
func (s *Session) Send(ctx context.Context, req SendRequest) (*Message, error) {
	msg, err := s.Client.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	s.Cache.Merge(*msg)
	return msg, nil
}
