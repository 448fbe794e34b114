package msgclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 65 * time.Second
)

// ErrNotConnected is returned by invocations while the socket is down
var ErrNotConnected = errors.New("realtime connection is not established")

// Listener receives connection lifecycle and pushed events. *Syncer
// implements it.
type Listener interface {
	OnConnecting()
	OnConnected(ctx context.Context) error
	OnDisconnected(err error)
	HandleEnvelope(ctx context.Context, env Envelope) error
	Heartbeat()
}

// RealtimeOptions configures a Realtime connection
type RealtimeOptions struct {
	Listener   Listener
	Dialer     *websocket.Dialer
	NewBackOff func() backoff.BackOff
	Token      func() string
	Logger     *zerolog.Logger
	URL        string        // ws:// or wss:// endpoint, e.g. wss://api.example.com/ws
	PongWait   time.Duration // read deadline, extended by every server ping
}

// Realtime keeps one websocket to the server open, reconnecting with
// backoff until its context ends
type Realtime struct {
	opts RealtimeOptions
	log  zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame

	writeMu sync.Mutex
}

// NewRealtime creates a connection manager; call Run to connect
func NewRealtime(opts RealtimeOptions) *Realtime {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "msgclient_realtime").Logger()
	}
	return &Realtime{
		opts:    opts,
		log:     log,
		pending: make(map[string]chan frame),
	}
}

// WebSocketURL turns an http(s) API root into the realtime endpoint
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// Run connects and reads until ctx ends or the server rejects the
// credentials. Every disconnect is followed by a reconnect with backoff.
//
// Frames are read on their own goroutine so invocation replies resolve while
// OnConnected runs. Pushed events received meanwhile are queued and handed to
// the listener in arrival order once OnConnected returns.
func (r *Realtime) Run(ctx context.Context) error {
	for {
		if r.opts.Listener != nil {
			r.opts.Listener.OnConnecting()
		}

		conn, err := r.dial(ctx)
		if err != nil {
			return err
		}
		r.log.Info().Str("url", r.opts.URL).Msg("realtime connected")

		r.setConn(conn)
		events := newEventQueue()
		done := make(chan error, 1)
		go func() {
			err := r.readLoop(ctx, conn, events)
			r.setConn(nil)
			conn.Close()
			r.failPending()
			done <- err
		}()

		if r.opts.Listener != nil {
			if err := r.opts.Listener.OnConnected(ctx); err != nil {
				r.log.Warn().Err(err).Msg("resync after connect failed")
			}
		}

		err = r.dispatch(ctx, events, done)
		if r.opts.Listener != nil {
			r.opts.Listener.OnDisconnected(err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn().Err(err).Msg("realtime disconnected, reconnecting")
	}
}

// dispatch applies queued events until the read loop ends
func (r *Realtime) dispatch(ctx context.Context, events *eventQueue, done <-chan error) error {
	for {
		select {
		case <-events.ready:
			r.apply(ctx, events.drain())
		case err := <-done:
			r.apply(ctx, events.drain())
			return err
		}
	}
}

func (r *Realtime) apply(ctx context.Context, envs []Envelope) {
	if r.opts.Listener == nil {
		return
	}
	for _, env := range envs {
		if err := r.opts.Listener.HandleEnvelope(ctx, env); err != nil {
			r.log.Warn().Err(err).Str("type", env.Type).Msg("event not applied")
		}
	}
}

func (r *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	operation := func() error {
		header := http.Header{}
		if r.opts.Token != nil {
			if token := r.opts.Token(); token != "" {
				header.Set("Authorization", "Bearer "+token)
			}
		}
		c, resp, err := r.opts.Dialer.DialContext(ctx, r.opts.URL, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(&APIError{Status: resp.StatusCode, Code: "UNAUTHORIZED", Message: "realtime handshake rejected"})
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.log.Debug().Err(err).Dur("retry_in", wait).Msg("realtime dial failed")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(r.opts.NewBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (r *Realtime) readLoop(ctx context.Context, conn *websocket.Conn, events *eventQueue) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		conn.Close()
	})
	defer stop()

	conn.SetReadDeadline(time.Now().Add(r.opts.PongWait)) //nolint:errcheck
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(r.opts.PongWait)) //nolint:errcheck
		if r.opts.Listener != nil {
			r.opts.Listener.Heartbeat()
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(r.opts.PongWait)) //nolint:errcheck

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			r.log.Debug().Err(err).Msg("unreadable frame")
			continue
		}
		if f.isReply() {
			r.resolve(f)
			continue
		}
		events.push(f.envelope())
	}
}

// Connected reports whether the socket is currently open
func (r *Realtime) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// SendTyping tells receiverID that the caller is typing
func (r *Realtime) SendTyping(ctx context.Context, receiverID string) error {
	return r.invoke(ctx, invocation{Type: InvokeSendTyping, ReceiverID: receiverID})
}

// StopTyping clears the caller's typing indicator at receiverID
func (r *Realtime) StopTyping(ctx context.Context, receiverID string) error {
	return r.invoke(ctx, invocation{Type: InvokeStopTyping, ReceiverID: receiverID})
}

// SendPartnershipTyping signals typing in a partnership thread
func (r *Realtime) SendPartnershipTyping(ctx context.Context, partnershipID uint64) error {
	return r.invoke(ctx, invocation{Type: InvokeSendTyping, PartnershipID: partnershipID})
}

// JoinPartnership subscribes this connection to a partnership thread
func (r *Realtime) JoinPartnership(ctx context.Context, partnershipID uint64) error {
	return r.invoke(ctx, invocation{Type: InvokeJoinPartnership, PartnershipID: partnershipID})
}

// LeavePartnership unsubscribes this connection from a partnership thread
func (r *Realtime) LeavePartnership(ctx context.Context, partnershipID uint64) error {
	return r.invoke(ctx, invocation{Type: InvokeLeavePartnership, PartnershipID: partnershipID})
}

// Ping round-trips an application level ping
func (r *Realtime) Ping(ctx context.Context) error {
	return r.invoke(ctx, invocation{Type: InvokePing})
}

func (r *Realtime) invoke(ctx context.Context, inv invocation) error {
	inv.ID = uuid.NewString()
	reply := make(chan frame, 1)

	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return ErrNotConnected
	}
	r.pending[inv.ID] = reply
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, inv.ID)
		r.mu.Unlock()
	}()

	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	err = conn.WriteMessage(websocket.TextMessage, data)
	r.writeMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case f, ok := <-reply:
		if !ok {
			return ErrNotConnected
		}
		if f.Type == "Error" {
			return &APIError{Status: codeStatus(f.Code), Code: f.Code, Message: f.Message}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Realtime) setConn(conn *websocket.Conn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

func (r *Realtime) resolve(f frame) {
	r.mu.Lock()
	ch, ok := r.pending[f.ID]
	if ok {
		delete(r.pending, f.ID)
	}
	r.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (r *Realtime) failPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

// eventQueue is an unbounded FIFO between the read loop and the dispatcher.
// The read loop never blocks on it, so replies keep flowing while the
// listener is busy refetching.
type eventQueue struct {
	mu    sync.Mutex
	items []Envelope
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(env Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func codeStatus(code string) int {
	switch code {
	case "VALIDATION_ERROR":
		return http.StatusBadRequest
	case "UNAUTHORIZED":
		return http.StatusUnauthorized
	case "FORBIDDEN":
		return http.StatusForbidden
	case "NOT_FOUND":
		return http.StatusNotFound
	case "INVALID_RECIPIENT":
		return http.StatusUnprocessableEntity
	case "TRANSIENT_STORE_ERROR":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
