// Package msgclient is a Go client for the messaging backend. It wraps the
// REST API, keeps a realtime connection alive and reconciles pushed events
// with REST state so that a lost event never leaves the local view wrong.
package msgclient

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message mirrors the server message representation
type Message struct {
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	ReceiverID     *string    `json:"receiverId,omitempty"`
	PartnershipID  *uint64    `json:"partnershipId,omitempty"`
	AttachmentURL  *string    `json:"attachmentUrl,omitempty"`
	AttachmentName *string    `json:"attachmentName,omitempty"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	MessageType    string     `json:"messageType"`
	ID             uint64     `json:"id"`
	IsRead         bool       `json:"isRead"`
}

// ConversationSummary is one entry of the conversation list
type ConversationSummary struct {
	LastMessageAt    time.Time `json:"lastMessageAt"`
	LastMessage      *Message  `json:"lastMessage"`
	Type             string    `json:"type"`
	PartnerID        string    `json:"partnerId,omitempty"`
	PartnerNickname  string    `json:"partnerNickname,omitempty"`
	PartnershipTitle string    `json:"partnershipTitle,omitempty"`
	PartnershipID    uint64    `json:"partnershipId,omitempty"`
	UnreadCount      int64     `json:"unreadCount"`
}

// Key returns the thread key of the summary
func (s ConversationSummary) Key() ConversationKey {
	if s.PartnershipID != 0 {
		return PartnershipKey(s.PartnershipID)
	}
	return DirectKey(s.PartnerID)
}

// SendRequest is the body of a send call
type SendRequest struct {
	ReceiverID     *string `json:"receiverId,omitempty"`
	PartnershipID  *uint64 `json:"partnershipId,omitempty"`
	AttachmentURL  *string `json:"attachmentUrl,omitempty"`
	AttachmentName *string `json:"attachmentName,omitempty"`
	Content        string  `json:"content"`
	MessageType    string  `json:"messageType,omitempty"`
}

// ConversationKey identifies a thread: a direct partner or a partnership
type ConversationKey struct {
	PartnerID     string
	PartnershipID uint64
}

// DirectKey returns the key of the direct thread with partnerID
func DirectKey(partnerID string) ConversationKey {
	return ConversationKey{PartnerID: partnerID}
}

// PartnershipKey returns the key of a partnership thread
func PartnershipKey(id uint64) ConversationKey {
	return ConversationKey{PartnershipID: id}
}

func (k ConversationKey) String() string {
	if k.PartnershipID != 0 {
		return fmt.Sprintf("partnership:%d", k.PartnershipID)
	}
	return "direct:" + k.PartnerID
}

// Event types pushed by the server
const (
	EventMessageReceived     = "MessageReceived"
	EventConversationUpdated = "ConversationUpdated"
	EventMessageRead         = "MessageRead"
	EventConversationRead    = "ConversationRead"
	EventTypingStarted       = "TypingStarted"
	EventTypingStopped       = "TypingStopped"
	EventPresenceChanged     = "PresenceChanged"
)

// Envelope is one pushed event. Seq increases by one per group.
type Envelope struct {
	SentAt  time.Time       `json:"sentAt"`
	Type    string          `json:"type"`
	Group   string          `json:"group"`
	Payload json.RawMessage `json:"payload"`
	Seq     uint64          `json:"seq"`
}

// ConversationUpdated payload
type ConversationUpdated struct {
	PartnerID     string `json:"partnerId,omitempty"`
	PartnershipID uint64 `json:"partnershipId,omitempty"`
	LastMessageID uint64 `json:"lastMessageId"`
}

// Key returns the thread the update refers to
func (u ConversationUpdated) Key() ConversationKey {
	if u.PartnershipID != 0 {
		return PartnershipKey(u.PartnershipID)
	}
	return DirectKey(u.PartnerID)
}

// MessageRead payload
type MessageRead struct {
	ReadAt    time.Time `json:"readAt"`
	ReaderID  string    `json:"readerId"`
	MessageID uint64    `json:"messageId"`
}

// ConversationRead payload. Only messages created at or before ReadAt
// (and up to UpToID when set) were marked by the server.
type ConversationRead struct {
	ReadAt    time.Time `json:"readAt"`
	UpToID    *uint64   `json:"upToId,omitempty"`
	ReaderID  string    `json:"readerId"`
	PartnerID string    `json:"partnerId"`
	Count     int64     `json:"count"`
}

// Typing payload
type Typing struct {
	UserID        string `json:"userId"`
	ReceiverID    string `json:"receiverId,omitempty"`
	PartnershipID uint64 `json:"partnershipId,omitempty"`
}

// Presence payload
type Presence struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// Invocation names understood by the server
const (
	InvokeSendTyping       = "SendTypingIndicator"
	InvokeStopTyping       = "StopTypingIndicator"
	InvokeJoinPartnership  = "JoinPartnership"
	InvokeLeavePartnership = "LeavePartnership"
	InvokePing             = "Ping"
)

type invocation struct {
	ID            string `json:"id,omitempty"`
	Type          string `json:"type"`
	ReceiverID    string `json:"receiverId,omitempty"`
	PartnershipID uint64 `json:"partnershipId,omitempty"`
}

// frame is the union of replies and envelopes read off the socket
type frame struct {
	SentAt  time.Time       `json:"sentAt"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Group   string          `json:"group,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

func (f frame) isReply() bool {
	return f.Type == "Ack" || f.Type == "Error"
}

func (f frame) envelope() Envelope {
	return Envelope{SentAt: f.SentAt, Type: f.Type, Group: f.Group, Payload: f.Payload, Seq: f.Seq}
}
