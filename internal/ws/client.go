package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/partnerhub/messaging-backend/internal/common"
	"github.com/partnerhub/messaging-backend/internal/presence"
	"github.com/partnerhub/messaging-backend/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	invokeTimeout  = 5 * time.Second
)

// Invocation types a client may send
const (
	InvokeSendTyping       = "SendTypingIndicator"
	InvokeStopTyping       = "StopTypingIndicator"
	InvokeJoinPartnership  = "JoinPartnership"
	InvokeLeavePartnership = "LeavePartnership"
	InvokePing             = "Ping"
)

// Invocation is a client to server request frame
type Invocation struct {
	ID            string `json:"id,omitempty"`
	Type          string `json:"type"`
	ReceiverID    string `json:"receiverId,omitempty"`
	PartnershipID uint64 `json:"partnershipId,omitempty"`
}

// Reply answers an invocation with Ack or Error
type Reply struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// InvocationHandler executes client invocations other than Ping
type InvocationHandler interface {
	HandleInvocation(ctx context.Context, conn presence.Connection, inv Invocation) error
}

// Client represents a single WebSocket connection
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	handler InvocationHandler
	id      string
	userID  string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewClient creates a new WebSocket client; handler may be nil
func NewClient(hub *Hub, conn *websocket.Conn, userID string, handler InvocationHandler) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		handler: handler,
		id:      uuid.NewString(),
		userID:  userID,
		send:    make(chan []byte, hub.sendBuffer),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Send queues payload without blocking
func (c *Client) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close terminates the underlying connection; the read pump then unregisters
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump reads invocations until the connection fails
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.GetLogger().Debug().Err(err).Str("conn_id", c.id).Msg("websocket read failed")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var inv Invocation
	if err := json.Unmarshal(data, &inv); err != nil || inv.Type == "" {
		c.reply(Reply{Type: "Error", Code: "VALIDATION_ERROR", Message: "malformed invocation"})
		return
	}

	if inv.Type == InvokePing {
		c.reply(Reply{Type: "Ack", ID: inv.ID})
		return
	}
	if c.handler == nil {
		c.reply(Reply{Type: "Error", ID: inv.ID, Code: "VALIDATION_ERROR", Message: "unsupported invocation"})
		return
	}

	ctx, cancel := context.WithTimeout(c.hub.ctx, invokeTimeout)
	defer cancel()
	if err := c.handler.HandleInvocation(ctx, c, inv); err != nil {
		c.reply(Reply{Type: "Error", ID: inv.ID, Code: common.ErrorCode(err), Message: err.Error()})
		return
	}
	c.reply(Reply{Type: "Ack", ID: inv.ID})
}

func (c *Client) reply(r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.Send(data)
}

// WritePump sends queued frames and keeps the connection alive with pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message) //nolint:errcheck
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
