package repository

import (
	"context"
	"time"

	"github.com/partnerhub/messaging-backend/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DirectoryRepository reads the identity and partnership mirror tables
type DirectoryRepository interface {
	// Read operations
	FindMember(ctx context.Context, userID string) (*domain.Member, error)
	FindMembers(ctx context.Context, userIDs []string) (map[string]*domain.Member, error)
	FindPartnership(ctx context.Context, id uint64) (*domain.Partnership, error)
	FindPartnerships(ctx context.Context, ids []uint64) (map[uint64]*domain.Partnership, error)
	ParticipantIDs(ctx context.Context, partnershipID uint64) ([]string, error)
	ActivePartnershipIDs(ctx context.Context, userID string) ([]uint64, error)

	// Mirror sync
	UpsertMember(ctx context.Context, member *domain.Member) error
	UpsertPartnership(ctx context.Context, partnership *domain.Partnership) error
	AddParticipant(ctx context.Context, participant *domain.PartnershipParticipant) error
	RemoveParticipant(ctx context.Context, partnershipID uint64, userID string) error
}

type directoryRepository struct {
	db *gorm.DB
}

// NewDirectoryRepository creates a new DirectoryRepository
func NewDirectoryRepository(db *gorm.DB) DirectoryRepository {
	return &directoryRepository{db: db}
}

func (r *directoryRepository) FindMember(ctx context.Context, userID string) (*domain.Member, error) {
	var member domain.Member
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&member).Error
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// FindMembers returns the known members keyed by user ID; unknown IDs are absent
func (r *directoryRepository) FindMembers(ctx context.Context, userIDs []string) (map[string]*domain.Member, error) {
	result := make(map[string]*domain.Member, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	var members []*domain.Member
	if err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&members).Error; err != nil {
		return nil, err
	}
	for _, m := range members {
		result[m.UserID] = m
	}
	return result, nil
}

func (r *directoryRepository) FindPartnership(ctx context.Context, id uint64) (*domain.Partnership, error) {
	var partnership domain.Partnership
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&partnership).Error
	if err != nil {
		return nil, err
	}
	return &partnership, nil
}

func (r *directoryRepository) FindPartnerships(ctx context.Context, ids []uint64) (map[uint64]*domain.Partnership, error) {
	result := make(map[uint64]*domain.Partnership, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var partnerships []*domain.Partnership
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&partnerships).Error; err != nil {
		return nil, err
	}
	for _, p := range partnerships {
		result[p.ID] = p
	}
	return result, nil
}

// ParticipantIDs lists the user IDs participating in a partnership
func (r *directoryRepository) ParticipantIDs(ctx context.Context, partnershipID uint64) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&domain.PartnershipParticipant{}).
		Where("partnership_id = ?", partnershipID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// ActivePartnershipIDs lists the active partnerships userID participates in
func (r *directoryRepository) ActivePartnershipIDs(ctx context.Context, userID string) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&domain.PartnershipParticipant{}).
		Joins("JOIN partnerships ON partnerships.id = partnership_participants.partnership_id").
		Where("partnership_participants.user_id = ? AND partnerships.status = ?", userID, domain.PartnershipActive).
		Order("partnership_participants.partnership_id").
		Pluck("partnership_participants.partnership_id", &ids).Error
	return ids, err
}

// UpsertMember inserts or refreshes a mirrored member
func (r *directoryRepository) UpsertMember(ctx context.Context, member *domain.Member) error {
	now := time.Now()
	if member.CreatedAt.IsZero() {
		member.CreatedAt = now
	}
	member.UpdatedAt = now
	if member.Status == "" {
		member.Status = domain.MemberActive
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nickname", "status", "updated_at"}),
	}).Create(member).Error
}

// UpsertPartnership inserts or refreshes a mirrored partnership
func (r *directoryRepository) UpsertPartnership(ctx context.Context, partnership *domain.Partnership) error {
	now := time.Now()
	if partnership.CreatedAt.IsZero() {
		partnership.CreatedAt = now
	}
	partnership.UpdatedAt = now
	if partnership.Status == "" {
		partnership.Status = domain.PartnershipActive
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "status", "updated_at"}),
	}).Create(partnership).Error
}

// AddParticipant links a member to a partnership, updating the role if the
// link already exists
func (r *directoryRepository) AddParticipant(ctx context.Context, participant *domain.PartnershipParticipant) error {
	if participant.CreatedAt.IsZero() {
		participant.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "partnership_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(participant).Error
}

func (r *directoryRepository) RemoveParticipant(ctx context.Context, partnershipID uint64, userID string) error {
	return r.db.WithContext(ctx).
		Where("partnership_id = ? AND user_id = ?", partnershipID, userID).
		Delete(&domain.PartnershipParticipant{}).Error
}
