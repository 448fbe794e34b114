package repository

import (
	"context"
	"time"

	"github.com/partnerhub/messaging-backend/internal/domain"
	"gorm.io/gorm"
)

// ThreadAggregate is one row of the conversation aggregation. Exactly one of
// PartnerID and PartnershipID is set.
type ThreadAggregate struct {
	PartnerID     string `gorm:"column:partner_id"`
	PartnershipID uint64 `gorm:"column:partnership_id"`
	LastMessageID uint64 `gorm:"column:last_message_id"`
	UnreadCount   int64  `gorm:"column:unread_count"`
}

// MessageRepository message data access interface
type MessageRepository interface {
	// Write operations
	Create(ctx context.Context, msg *domain.Message) error
	MarkAsRead(ctx context.Context, id uint64, readerID string, at time.Time) (bool, error)
	MarkConversationRead(ctx context.Context, readerID, partnerID string, upToID *uint64, at time.Time) (int64, error)

	// Read operations
	FindByID(ctx context.Context, id uint64) (*domain.Message, error)
	FindByIDs(ctx context.Context, ids []uint64) ([]*domain.Message, error)
	FindConversation(ctx context.Context, userA, userB string, p domain.Pagination) ([]*domain.Message, int64, error)
	FindPartnershipMessages(ctx context.Context, partnershipID uint64, p domain.Pagination) ([]*domain.Message, int64, error)
	CountUnread(ctx context.Context, userID string) (int64, error)

	// Aggregates
	DirectThreads(ctx context.Context, userID string) ([]ThreadAggregate, error)
	PartnershipThreads(ctx context.Context, userID string, partnershipIDs []uint64) ([]ThreadAggregate, error)
	RecentPartners(ctx context.Context, userID string, limit int) ([]string, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

const (
	partnerExpr   = "CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END"
	unreadSumExpr = "SUM(CASE WHEN receiver_id = ? AND is_read = ? THEN 1 ELSE 0 END)"
	newestFirst   = "created_at DESC, id DESC"

	// n is newer than m in (created_at, id) order
	newerThanM = "(n.created_at > m.created_at OR (n.created_at = m.created_at AND n.id > m.id))"
)

// Create inserts a message; the row is committed when Create returns
func (r *messageRepository) Create(ctx context.Context, msg *domain.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// FindByID finds a message by ID
func (r *messageRepository) FindByID(ctx context.Context, id uint64) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// FindByIDs loads messages by ID in no particular order
func (r *messageRepository) FindByIDs(ctx context.Context, ids []uint64) ([]*domain.Message, error) {
	var messages []*domain.Message
	if len(ids) == 0 {
		return messages, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&messages).Error
	return messages, err
}

// FindConversation returns the direct messages exchanged between two users,
// newest first. Messages also filed under a partnership are included.
func (r *messageRepository) FindConversation(ctx context.Context, userA, userB string, p domain.Pagination) ([]*domain.Message, int64, error) {
	var messages []*domain.Message
	var total int64

	scope := func(db *gorm.DB) *gorm.DB {
		return db.Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
			userA, userB, userB, userA)
	}

	if err := r.db.WithContext(ctx).Model(&domain.Message{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.db.WithContext(ctx).Scopes(scope).
		Order(newestFirst).
		Offset(p.Offset()).Limit(p.PageSize).
		Find(&messages).Error
	return messages, total, err
}

// FindPartnershipMessages returns a partnership thread, newest first
func (r *messageRepository) FindPartnershipMessages(ctx context.Context, partnershipID uint64, p domain.Pagination) ([]*domain.Message, int64, error) {
	var messages []*domain.Message
	var total int64

	if err := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("partnership_id = ?", partnershipID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.db.WithContext(ctx).
		Where("partnership_id = ?", partnershipID).
		Order(newestFirst).
		Offset(p.Offset()).Limit(p.PageSize).
		Find(&messages).Error
	return messages, total, err
}

// MarkAsRead flips is_read for a single message addressed to readerID.
// It reports true only for the call that actually changed the row.
func (r *messageRepository) MarkAsRead(ctx context.Context, id uint64, readerID string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND receiver_id = ? AND is_read = ?", id, readerID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkConversationRead marks every unread message from partnerID to readerID
// in one conditional statement. Rows inserted after the statement runs, or
// stamped later than at, are untouched. upToID optionally bounds the update.
func (r *messageRepository) MarkConversationRead(ctx context.Context, readerID, partnerID string, upToID *uint64, at time.Time) (int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("receiver_id = ? AND sender_id = ? AND is_read = ? AND created_at <= ?", readerID, partnerID, false, at)
	if upToID != nil {
		q = q.Where("id <= ?", *upToID)
	}
	result := q.Updates(map[string]interface{}{"is_read": true, "read_at": at})
	return result.RowsAffected, result.Error
}

// CountUnread counts unread messages addressed to userID
func (r *messageRepository) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("receiver_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	return count, err
}

// DirectThreads aggregates userID's direct messages per partner. The head of
// each thread is its newest message by (created_at, id).
func (r *messageRepository) DirectThreads(ctx context.Context, userID string) ([]ThreadAggregate, error) {
	var rows []ThreadAggregate
	err := r.directScope(ctx, userID).
		Select(partnerExpr+" AS partner_id, "+unreadSumExpr+" AS unread_count", userID, userID, false).
		Group("partner_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	var heads []ThreadAggregate
	if err := r.directHeads(ctx, userID).Scan(&heads).Error; err != nil {
		return nil, err
	}
	headByPartner := make(map[string]uint64, len(heads))
	for _, h := range heads {
		headByPartner[h.PartnerID] = h.LastMessageID
	}
	for i := range rows {
		rows[i].LastMessageID = headByPartner[rows[i].PartnerID]
	}
	return rows, nil
}

// PartnershipThreads aggregates the given partnership threads. Unread counts
// only include messages addressed to userID directly.
func (r *messageRepository) PartnershipThreads(ctx context.Context, userID string, partnershipIDs []uint64) ([]ThreadAggregate, error) {
	var rows []ThreadAggregate
	if len(partnershipIDs) == 0 {
		return rows, nil
	}
	err := r.db.WithContext(ctx).Model(&domain.Message{}).
		Select("partnership_id, "+unreadSumExpr+" AS unread_count", userID, false).
		Where("partnership_id IN ?", partnershipIDs).
		Group("partnership_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	var heads []ThreadAggregate
	err = r.db.WithContext(ctx).Table("messages AS m").
		Select("m.partnership_id AS partnership_id, m.id AS last_message_id").
		Where("m.partnership_id IN ?", partnershipIDs).
		Where("NOT EXISTS (?)", r.db.Table("messages AS n").Select("1").
			Where("n.partnership_id = m.partnership_id AND " + newerThanM)).
		Scan(&heads).Error
	if err != nil {
		return nil, err
	}
	headByID := make(map[uint64]uint64, len(heads))
	for _, h := range heads {
		headByID[h.PartnershipID] = h.LastMessageID
	}
	for i := range rows {
		rows[i].LastMessageID = headByID[rows[i].PartnershipID]
	}
	return rows, nil
}

// RecentPartners returns the users userID most recently exchanged direct
// messages with, most recent first
func (r *messageRepository) RecentPartners(ctx context.Context, userID string, limit int) ([]string, error) {
	var rows []ThreadAggregate
	err := r.directHeads(ctx, userID).
		Order("m.created_at DESC, m.id DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	partners := make([]string, 0, len(rows))
	for _, row := range rows {
		partners = append(partners, row.PartnerID)
	}
	return partners, nil
}

// directHeads selects the newest direct message of every thread userID is in.
// A message is a head when no message of the same pair is newer.
func (r *messageRepository) directHeads(ctx context.Context, userID string) *gorm.DB {
	samePair := "((n.sender_id = m.sender_id AND n.receiver_id = m.receiver_id) OR " +
		"(n.sender_id = m.receiver_id AND n.receiver_id = m.sender_id))"
	return r.db.WithContext(ctx).Table("messages AS m").
		Select("CASE WHEN m.sender_id = ? THEN m.receiver_id ELSE m.sender_id END AS partner_id, m.id AS last_message_id", userID).
		Where("((m.sender_id = ? AND m.receiver_id IS NOT NULL) OR m.receiver_id = ?)", userID, userID).
		Where("NOT EXISTS (?)", r.db.Table("messages AS n").Select("1").
			Where(samePair+" AND "+newerThanM))
}

func (r *messageRepository) directScope(ctx context.Context, userID string) *gorm.DB {
	return r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("(sender_id = ? AND receiver_id IS NOT NULL) OR receiver_id = ?", userID, userID)
}
