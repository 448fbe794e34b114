package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/partnerhub/messaging-backend/internal/common"
	"github.com/partnerhub/messaging-backend/internal/domain"
	"github.com/partnerhub/messaging-backend/internal/presence"
	"github.com/partnerhub/messaging-backend/internal/repository"
	"github.com/partnerhub/messaging-backend/pkg/logger"
	"gorm.io/gorm"
)

var validate = validator.New()

// MessageService business logic for messages, read state and conversations
type MessageService interface {
	Send(ctx context.Context, senderID string, req *domain.SendMessageRequest) (*domain.Message, error)
	AppendSystem(ctx context.Context, partnershipID uint64, content string) (*domain.Message, error)
	GetConversation(ctx context.Context, userID, partnerID string, page, pageSize int) ([]*domain.Message, *common.Meta, error)
	GetPartnershipMessages(ctx context.Context, userID string, partnershipID uint64, page, pageSize int) ([]*domain.Message, *common.Meta, error)
	ListConversations(ctx context.Context, userID string) ([]*domain.ConversationSummary, error)
	MarkRead(ctx context.Context, messageID uint64, readerID string) error
	MarkConversationRead(ctx context.Context, readerID, partnerID string, upToID *uint64) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

// MessageOptions carries the messaging limits from configuration
type MessageOptions struct {
	Attachments      *common.AttachmentValidator
	SystemSenderID   string
	DefaultPageSize  int
	MaxPageSize      int
	MaxContentLength int
}

type messageService struct {
	repo      repository.MessageRepository
	directory repository.DirectoryRepository
	notifier  *Notifier
	opts      MessageOptions
	now       func() time.Time
}

// NewMessageService creates a new MessageService
func NewMessageService(repo repository.MessageRepository, directory repository.DirectoryRepository, notifier *Notifier, opts MessageOptions) MessageService {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 50
	}
	if opts.MaxPageSize < opts.DefaultPageSize {
		opts.MaxPageSize = opts.DefaultPageSize
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = 4000
	}
	if opts.SystemSenderID == "" {
		opts.SystemSenderID = "system"
	}
	if opts.Attachments == nil {
		opts.Attachments = common.NewAttachmentValidator(nil)
	}
	return &messageService{
		repo:      repo,
		directory: directory,
		notifier:  notifier,
		opts:      opts,
		now:       time.Now,
	}
}

// Send validates and persists a message, then notifies the recipients
func (s *messageService) Send(ctx context.Context, senderID string, req *domain.SendMessageRequest) (*domain.Message, error) {
	msg, err := s.buildMessage(senderID, req)
	if err != nil {
		return nil, err
	}

	if err := s.requireActiveMember(ctx, senderID, "sender"); err != nil {
		return nil, err
	}
	if msg.IsDirect() {
		if err := s.requireActiveMember(ctx, *msg.ReceiverID, "receiver"); err != nil {
			return nil, err
		}
	}

	var participants []string
	if msg.InPartnership() {
		participants, err = s.partnershipParticipants(ctx, *msg.PartnershipID)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(participants, senderID) {
			return nil, fmt.Errorf("%w: sender is not a participant of partnership %d", common.ErrForbidden, *msg.PartnershipID)
		}
		if msg.IsDirect() && !slices.Contains(participants, *msg.ReceiverID) {
			return nil, fmt.Errorf("%w: receiver is not a participant of partnership %d", common.ErrInvalidRecipient, *msg.PartnershipID)
		}
	}

	msg.CreatedAt = s.now().UTC()
	if err := s.repo.Create(ctx, msg); err != nil {
		return nil, common.StoreError(err)
	}

	s.notifier.Notify(messageDeliveries(msg, participants)...)
	return msg, nil
}

// AppendSystem records a platform generated message in a partnership thread
func (s *messageService) AppendSystem(ctx context.Context, partnershipID uint64, content string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", common.ErrValidation)
	}
	if utf8.RuneCountInString(content) > s.opts.MaxContentLength {
		return nil, fmt.Errorf("%w: content exceeds %d characters", common.ErrValidation, s.opts.MaxContentLength)
	}

	participants, err := s.partnershipParticipants(ctx, partnershipID)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		SenderID:      s.opts.SystemSenderID,
		PartnershipID: &partnershipID,
		Content:       content,
		MessageType:   domain.MessageTypeSystem,
	}
	msg.CreatedAt = s.now().UTC()
	if err := s.repo.Create(ctx, msg); err != nil {
		return nil, common.StoreError(err)
	}

	s.notifier.Notify(messageDeliveries(msg, participants)...)
	return msg, nil
}

func (s *messageService) buildMessage(senderID string, req *domain.SendMessageRequest) (*domain.Message, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request body is required", common.ErrValidation)
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrValidation, describeValidation(err))
	}

	msg := &domain.Message{
		SenderID: senderID,
		Content:  strings.TrimSpace(req.Content),
	}
	if req.ReceiverID != nil && strings.TrimSpace(*req.ReceiverID) != "" {
		receiver := strings.TrimSpace(*req.ReceiverID)
		msg.ReceiverID = &receiver
	}
	if req.PartnershipID != nil && *req.PartnershipID != 0 {
		pid := *req.PartnershipID
		msg.PartnershipID = &pid
	}

	if !msg.IsDirect() && !msg.InPartnership() {
		return nil, fmt.Errorf("%w: receiverId or partnershipId is required", common.ErrValidation)
	}
	if msg.IsDirect() && *msg.ReceiverID == senderID {
		return nil, fmt.Errorf("%w: cannot send a message to yourself", common.ErrValidation)
	}

	hasAttachment := req.HasAttachment()
	if msg.Content == "" && !hasAttachment {
		return nil, fmt.Errorf("%w: content or attachment is required", common.ErrValidation)
	}
	if utf8.RuneCountInString(msg.Content) > s.opts.MaxContentLength {
		return nil, fmt.Errorf("%w: content exceeds %d characters", common.ErrValidation, s.opts.MaxContentLength)
	}

	if hasAttachment {
		url := strings.TrimSpace(*req.AttachmentURL)
		if err := s.opts.Attachments.Validate(url); err != nil {
			return nil, err
		}
		msg.AttachmentURL = &url
		if req.AttachmentName != nil && strings.TrimSpace(*req.AttachmentName) != "" {
			name := strings.TrimSpace(*req.AttachmentName)
			msg.AttachmentName = &name
		}
	}

	msgType, err := resolveMessageType(req.MessageType, hasAttachment)
	if err != nil {
		return nil, err
	}
	msg.MessageType = msgType
	return msg, nil
}

func resolveMessageType(raw string, hasAttachment bool) (domain.MessageType, error) {
	if strings.TrimSpace(raw) == "" {
		if hasAttachment {
			return domain.MessageTypeFile, nil
		}
		return domain.MessageTypeText, nil
	}

	t, ok := domain.ParseMessageType(raw)
	switch {
	case !ok:
		return "", fmt.Errorf("%w: unknown messageType %q", common.ErrValidation, raw)
	case t == domain.MessageTypeSystem:
		return "", fmt.Errorf("%w: system messages cannot be sent by clients", common.ErrValidation)
	case (t == domain.MessageTypeImage || t == domain.MessageTypeFile) && !hasAttachment:
		return "", fmt.Errorf("%w: %s messages require an attachment", common.ErrValidation, t)
	}
	return t, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(fields, ", ")
}

func (s *messageService) requireActiveMember(ctx context.Context, userID, role string) error {
	member, err := s.directory.FindMember(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s does not exist", common.ErrInvalidRecipient, role, userID)
	}
	if err != nil {
		return common.StoreError(err)
	}
	if !member.IsActive() {
		return fmt.Errorf("%w: %s %s is %s", common.ErrInvalidRecipient, role, userID, member.Status)
	}
	return nil
}

// partnershipParticipants returns the participants of an active partnership
func (s *messageService) partnershipParticipants(ctx context.Context, partnershipID uint64) ([]string, error) {
	partnership, err := s.directory.FindPartnership(ctx, partnershipID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: partnership %d does not exist", common.ErrInvalidRecipient, partnershipID)
	}
	if err != nil {
		return nil, common.StoreError(err)
	}
	if !partnership.IsActive() {
		return nil, fmt.Errorf("%w: partnership %d is %s", common.ErrInvalidRecipient, partnershipID, partnership.Status)
	}

	participants, err := s.directory.ParticipantIDs(ctx, partnershipID)
	if err != nil {
		return nil, common.StoreError(err)
	}
	return participants, nil
}

// messageDeliveries builds the fan-out for a new message. A message with both
// a receiver and a partnership goes to both audiences.
func messageDeliveries(msg *domain.Message, participants []string) []Delivery {
	var out []Delivery
	received := domain.Event{Type: domain.EventMessageReceived, Payload: msg}

	if msg.IsDirect() {
		receiver := *msg.ReceiverID
		out = append(out,
			Delivery{Group: presence.UserGroup(receiver), Event: received},
			Delivery{Group: presence.UserGroup(receiver), Event: domain.Event{
				Type:    domain.EventConversationUpdated,
				Payload: domain.ConversationUpdatedPayload{PartnerID: msg.SenderID, LastMessageID: msg.ID},
			}},
			Delivery{Group: presence.UserGroup(msg.SenderID), Event: domain.Event{
				Type:    domain.EventConversationUpdated,
				Payload: domain.ConversationUpdatedPayload{PartnerID: receiver, LastMessageID: msg.ID},
			}},
		)
	}

	if msg.InPartnership() {
		pid := *msg.PartnershipID
		out = append(out, Delivery{Group: presence.PartnershipGroup(pid), Event: received})
		updated := domain.Event{
			Type:    domain.EventConversationUpdated,
			Payload: domain.ConversationUpdatedPayload{PartnershipID: pid, LastMessageID: msg.ID},
		}
		for _, p := range participants {
			out = append(out, Delivery{Group: presence.UserGroup(p), Event: updated})
		}
	}
	return out
}

func (s *messageService) pagination(page, pageSize int) domain.Pagination {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = s.opts.DefaultPageSize
	}
	if pageSize > s.opts.MaxPageSize {
		pageSize = s.opts.MaxPageSize
	}
	return domain.Pagination{Page: page, PageSize: pageSize}
}

// GetConversation returns the direct thread between userID and partnerID, newest first
func (s *messageService) GetConversation(ctx context.Context, userID, partnerID string, page, pageSize int) ([]*domain.Message, *common.Meta, error) {
	partnerID = strings.TrimSpace(partnerID)
	if partnerID == "" {
		return nil, nil, fmt.Errorf("%w: partnerId is required", common.ErrValidation)
	}

	p := s.pagination(page, pageSize)
	messages, total, err := s.repo.FindConversation(ctx, userID, partnerID, p)
	if err != nil {
		return nil, nil, common.StoreError(err)
	}
	return messages, &common.Meta{Page: p.Page, Limit: p.PageSize, Total: total}, nil
}

// GetPartnershipMessages returns a partnership thread; only participants may read it
func (s *messageService) GetPartnershipMessages(ctx context.Context, userID string, partnershipID uint64, page, pageSize int) ([]*domain.Message, *common.Meta, error) {
	if partnershipID == 0 {
		return nil, nil, fmt.Errorf("%w: partnershipId is required", common.ErrValidation)
	}

	if _, err := s.directory.FindPartnership(ctx, partnershipID); err != nil {
		return nil, nil, common.StoreError(err)
	}
	participants, err := s.directory.ParticipantIDs(ctx, partnershipID)
	if err != nil {
		return nil, nil, common.StoreError(err)
	}
	if !slices.Contains(participants, userID) {
		return nil, nil, fmt.Errorf("%w: not a participant of partnership %d", common.ErrForbidden, partnershipID)
	}

	p := s.pagination(page, pageSize)
	messages, total, err := s.repo.FindPartnershipMessages(ctx, partnershipID, p)
	if err != nil {
		return nil, nil, common.StoreError(err)
	}
	return messages, &common.Meta{Page: p.Page, Limit: p.PageSize, Total: total}, nil
}

// ListConversations aggregates every thread userID takes part in, most
// recent activity first
func (s *messageService) ListConversations(ctx context.Context, userID string) ([]*domain.ConversationSummary, error) {
	direct, err := s.repo.DirectThreads(ctx, userID)
	if err != nil {
		return nil, common.StoreError(err)
	}
	partnershipIDs, err := s.directory.ActivePartnershipIDs(ctx, userID)
	if err != nil {
		return nil, common.StoreError(err)
	}
	group, err := s.repo.PartnershipThreads(ctx, userID, partnershipIDs)
	if err != nil {
		return nil, common.StoreError(err)
	}

	ids := make([]uint64, 0, len(direct)+len(group))
	partnerIDs := make([]string, 0, len(direct))
	threadIDs := make([]uint64, 0, len(group))
	for _, row := range direct {
		ids = append(ids, row.LastMessageID)
		partnerIDs = append(partnerIDs, row.PartnerID)
	}
	for _, row := range group {
		ids = append(ids, row.LastMessageID)
		threadIDs = append(threadIDs, row.PartnershipID)
	}

	lastMessages, err := s.repo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, common.StoreError(err)
	}
	byID := make(map[uint64]*domain.Message, len(lastMessages))
	for _, m := range lastMessages {
		byID[m.ID] = m
	}

	// display names are best effort
	members, err := s.directory.FindMembers(ctx, partnerIDs)
	if err != nil {
		logger.GetLogger().Debug().Err(err).Str("user_id", userID).Msg("conversation member lookup failed")
	}
	partnerships, err := s.directory.FindPartnerships(ctx, threadIDs)
	if err != nil {
		logger.GetLogger().Debug().Err(err).Str("user_id", userID).Msg("conversation partnership lookup failed")
	}

	summaries := make([]*domain.ConversationSummary, 0, len(direct)+len(group))
	for _, row := range direct {
		last, ok := byID[row.LastMessageID]
		if !ok {
			continue
		}
		summary := &domain.ConversationSummary{
			Type:          domain.ConversationDirect,
			PartnerID:     row.PartnerID,
			LastMessage:   last,
			LastMessageAt: last.CreatedAt,
			UnreadCount:   row.UnreadCount,
		}
		if m, ok := members[row.PartnerID]; ok {
			summary.PartnerNickname = m.Nickname
		}
		summaries = append(summaries, summary)
	}
	for _, row := range group {
		last, ok := byID[row.LastMessageID]
		if !ok {
			continue
		}
		summary := &domain.ConversationSummary{
			Type:          domain.ConversationPartnership,
			PartnershipID: row.PartnershipID,
			LastMessage:   last,
			LastMessageAt: last.CreatedAt,
			UnreadCount:   row.UnreadCount,
		}
		if p, ok := partnerships[row.PartnershipID]; ok {
			summary.PartnershipTitle = p.Title
		}
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.LastMessage.ID > b.LastMessage.ID
	})
	return summaries, nil
}

// MarkRead marks one message as read by its receiver. Repeated calls are
// no-ops and only the call that flipped the row publishes MessageRead.
func (s *messageService) MarkRead(ctx context.Context, messageID uint64, readerID string) error {
	msg, err := s.repo.FindByID(ctx, messageID)
	if err != nil {
		return common.StoreError(err)
	}
	if !msg.IsDirect() || *msg.ReceiverID != readerID {
		return fmt.Errorf("%w: only the receiver can mark message %d as read", common.ErrForbidden, messageID)
	}
	if msg.IsRead {
		return nil
	}

	readAt := s.now().UTC()
	changed, err := s.repo.MarkAsRead(ctx, messageID, readerID, readAt)
	if err != nil {
		return common.StoreError(err)
	}
	if !changed {
		return nil
	}

	event := domain.Event{
		Type:    domain.EventMessageRead,
		Payload: domain.MessageReadPayload{MessageID: messageID, ReaderID: readerID, ReadAt: readAt},
	}
	s.notifier.Notify(
		Delivery{Group: presence.UserGroup(msg.SenderID), Event: event},
		Delivery{Group: presence.UserGroup(readerID), Event: event},
	)
	return nil
}

// MarkConversationRead marks every unread message from partnerID to readerID
// in one conditional update and returns how many rows changed
func (s *messageService) MarkConversationRead(ctx context.Context, readerID, partnerID string, upToID *uint64) (int64, error) {
	partnerID = strings.TrimSpace(partnerID)
	if partnerID == "" {
		return 0, fmt.Errorf("%w: partnerId is required", common.ErrValidation)
	}
	if partnerID == readerID {
		return 0, fmt.Errorf("%w: partnerId must differ from the reader", common.ErrValidation)
	}

	readAt := s.now().UTC()
	count, err := s.repo.MarkConversationRead(ctx, readerID, partnerID, upToID, readAt)
	if err != nil {
		return 0, common.StoreError(err)
	}
	if count == 0 {
		return 0, nil
	}

	event := domain.Event{
		Type: domain.EventConversationRead,
		Payload: domain.ConversationReadPayload{
			ReadAt:    readAt,
			ReaderID:  readerID,
			PartnerID: partnerID,
			Count:     count,
			UpToID:    upToID,
		},
	}
	s.notifier.Notify(
		Delivery{Group: presence.UserGroup(partnerID), Event: event},
		Delivery{Group: presence.UserGroup(readerID), Event: event},
	)
	return count, nil
}

// UnreadCount returns the number of unread messages addressed to userID
func (s *messageService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	count, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, common.StoreError(err)
	}
	return count, nil
}
