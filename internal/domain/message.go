package domain

import (
	"strings"
	"time"
)

// MessageType classifies message content
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// ParseMessageType parses a client supplied type case-insensitively.
// The second return value is false for unknown types.
func ParseMessageType(s string) (MessageType, bool) {
	switch MessageType(strings.ToLower(strings.TrimSpace(s))) {
	case MessageTypeText:
		return MessageTypeText, true
	case MessageTypeImage:
		return MessageTypeImage, true
	case MessageTypeFile:
		return MessageTypeFile, true
	case MessageTypeSystem:
		return MessageTypeSystem, true
	default:
		return "", false
	}
}

// Message is a single persisted message. At least one of ReceiverID and
// PartnershipID is set; both may be set for a direct message filed under a
// partnership thread.
type Message struct {
	CreatedAt      time.Time   `gorm:"column:created_at;index:idx_messages_pair,priority:3;index:idx_messages_partnership,priority:2" json:"createdAt"`
	ReadAt         *time.Time  `gorm:"column:read_at" json:"readAt,omitempty"`
	ReceiverID     *string     `gorm:"column:receiver_id;size:64;index:idx_messages_pair,priority:2;index:idx_messages_receiver_read,priority:1" json:"receiverId,omitempty"`
	PartnershipID  *uint64     `gorm:"column:partnership_id;index:idx_messages_partnership,priority:1" json:"partnershipId,omitempty"`
	AttachmentURL  *string     `gorm:"column:attachment_url;size:1024" json:"attachmentUrl,omitempty"`
	AttachmentName *string     `gorm:"column:attachment_name;size:255" json:"attachmentName,omitempty"`
	SenderID       string      `gorm:"column:sender_id;size:64;not null;index:idx_messages_pair,priority:1" json:"senderId"`
	Content        string      `gorm:"column:content;type:text" json:"content"`
	MessageType    MessageType `gorm:"column:message_type;size:16;not null" json:"messageType"`
	ID             uint64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	IsRead         bool        `gorm:"column:is_read;not null;default:false;index:idx_messages_receiver_read,priority:2" json:"isRead"`
}

func (Message) TableName() string {
	return "messages"
}

// IsDirect reports whether the message has a direct recipient
func (m *Message) IsDirect() bool {
	return m.ReceiverID != nil && *m.ReceiverID != ""
}

// InPartnership reports whether the message is filed under a partnership thread
func (m *Message) InPartnership() bool {
	return m.PartnershipID != nil && *m.PartnershipID != 0
}

// SendMessageRequest is the body of POST /api/messages/send
type SendMessageRequest struct {
	ReceiverID     *string `json:"receiverId" validate:"omitempty,min=1,max=64"`
	PartnershipID  *uint64 `json:"partnershipId" validate:"omitempty,gt=0"`
	AttachmentURL  *string `json:"attachmentUrl" validate:"omitempty,url,max=1024"`
	AttachmentName *string `json:"attachmentName" validate:"omitempty,max=255"`
	Content        string  `json:"content"`
	MessageType    string  `json:"messageType" validate:"omitempty,max=16"`
}

// HasAttachment reports whether an attachment URL was supplied
func (r *SendMessageRequest) HasAttachment() bool {
	return r.AttachmentURL != nil && strings.TrimSpace(*r.AttachmentURL) != ""
}

// ConversationType distinguishes direct and partnership threads
type ConversationType string

const (
	ConversationDirect      ConversationType = "direct"
	ConversationPartnership ConversationType = "partnership"
)

// ConversationSummary is one entry of the conversation list
type ConversationSummary struct {
	LastMessageAt    time.Time        `json:"lastMessageAt"`
	LastMessage      *Message         `json:"lastMessage"`
	Type             ConversationType `json:"type"`
	PartnerID        string           `json:"partnerId,omitempty"`
	PartnerNickname  string           `json:"partnerNickname,omitempty"`
	PartnershipTitle string           `json:"partnershipTitle,omitempty"`
	PartnershipID    uint64           `json:"partnershipId,omitempty"`
	UnreadCount      int64            `json:"unreadCount"`
}

// Pagination carries normalized page parameters
type Pagination struct {
	Page     int
	PageSize int
}

// Offset returns the row offset for the page
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}
