package domain

import "time"

// EventType names a realtime event pushed to clients
type EventType string

const (
	EventMessageReceived     EventType = "MessageReceived"
	EventConversationUpdated EventType = "ConversationUpdated"
	EventMessageRead         EventType = "MessageRead"
	EventConversationRead    EventType = "ConversationRead"
	EventTypingStarted       EventType = "TypingStarted"
	EventTypingStopped       EventType = "TypingStopped"
	EventPresenceChanged     EventType = "PresenceChanged"
)

// Event is a typed payload handed to the broadcast hub
type Event struct {
	Payload interface{}
	Type    EventType
}

// ConversationUpdatedPayload tells a client to refresh one conversation entry
type ConversationUpdatedPayload struct {
	PartnerID     string `json:"partnerId,omitempty"`
	PartnershipID uint64 `json:"partnershipId,omitempty"`
	LastMessageID uint64 `json:"lastMessageId"`
}

// MessageReadPayload is sent to the sender when a receiver reads a message
type MessageReadPayload struct {
	ReadAt    time.Time `json:"readAt"`
	ReaderID  string    `json:"readerId"`
	MessageID uint64    `json:"messageId"`
}

// ConversationReadPayload aggregates a bulk read into one event. ReadAt is
// the bound of the update: messages created after it were not marked.
type ConversationReadPayload struct {
	ReadAt    time.Time `json:"readAt"`
	UpToID    *uint64   `json:"upToId,omitempty"`
	ReaderID  string    `json:"readerId"`
	PartnerID string    `json:"partnerId"`
	Count     int64     `json:"count"`
}

// TypingPayload carries a typing indicator
type TypingPayload struct {
	UserID        string `json:"userId"`
	ReceiverID    string `json:"receiverId,omitempty"`
	PartnershipID uint64 `json:"partnershipId,omitempty"`
}

// PresencePayload reports a user's online transition
type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}
