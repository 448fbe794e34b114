package repository

import (
	"context"
	"errors"
	"time"

	"github.com/partnerhub/messaging-backend/internal/domain"
	"github.com/partnerhub/messaging-backend/pkg/cache"
	"github.com/partnerhub/messaging-backend/pkg/logger"
)

// CachedDirectoryRepository serves hot directory lookups from Redis. Writes
// go to the underlying repository and invalidate the affected keys.
type CachedDirectoryRepository struct {
	DirectoryRepository
	cache cache.Service
	ttl   time.Duration
}

// NewCachedDirectoryRepository wraps repo with a read-through cache.
// Without an available cache the wrapped repository is returned as is.
func NewCachedDirectoryRepository(repo DirectoryRepository, cacheService cache.Service, ttl time.Duration) DirectoryRepository {
	if cacheService == nil || !cacheService.IsAvailable() {
		return repo
	}
	if ttl <= 0 {
		ttl = cache.TTLDirectory
	}
	return &CachedDirectoryRepository{
		DirectoryRepository: repo,
		cache:               cacheService,
		ttl:                 ttl,
	}
}

func (r *CachedDirectoryRepository) FindMember(ctx context.Context, userID string) (*domain.Member, error) {
	key := cache.MemberKey(userID)

	var member domain.Member
	if err := r.cache.Get(ctx, key, &member); err == nil {
		return &member, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		logger.GetLogger().Debug().Err(err).Str("key", key).Msg("directory cache read failed")
	}

	found, err := r.DirectoryRepository.FindMember(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.store(ctx, key, found)
	return found, nil
}

func (r *CachedDirectoryRepository) FindPartnership(ctx context.Context, id uint64) (*domain.Partnership, error) {
	key := cache.PartnershipKey(id)

	var partnership domain.Partnership
	if err := r.cache.Get(ctx, key, &partnership); err == nil {
		return &partnership, nil
	}

	found, err := r.DirectoryRepository.FindPartnership(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(ctx, key, found)
	return found, nil
}

func (r *CachedDirectoryRepository) ParticipantIDs(ctx context.Context, partnershipID uint64) ([]string, error) {
	key := cache.ParticipantsKey(partnershipID)

	var ids []string
	if err := r.cache.Get(ctx, key, &ids); err == nil {
		return ids, nil
	}

	ids, err := r.DirectoryRepository.ParticipantIDs(ctx, partnershipID)
	if err != nil {
		return nil, err
	}
	r.store(ctx, key, ids)
	return ids, nil
}

func (r *CachedDirectoryRepository) UpsertMember(ctx context.Context, member *domain.Member) error {
	if err := r.DirectoryRepository.UpsertMember(ctx, member); err != nil {
		return err
	}
	return r.cache.InvalidateMember(ctx, member.UserID)
}

func (r *CachedDirectoryRepository) UpsertPartnership(ctx context.Context, partnership *domain.Partnership) error {
	if err := r.DirectoryRepository.UpsertPartnership(ctx, partnership); err != nil {
		return err
	}
	return r.cache.InvalidatePartnership(ctx, partnership.ID)
}

func (r *CachedDirectoryRepository) AddParticipant(ctx context.Context, participant *domain.PartnershipParticipant) error {
	if err := r.DirectoryRepository.AddParticipant(ctx, participant); err != nil {
		return err
	}
	return r.cache.Delete(ctx, cache.ParticipantsKey(participant.PartnershipID))
}

func (r *CachedDirectoryRepository) RemoveParticipant(ctx context.Context, partnershipID uint64, userID string) error {
	if err := r.DirectoryRepository.RemoveParticipant(ctx, partnershipID, userID); err != nil {
		return err
	}
	return r.cache.Delete(ctx, cache.ParticipantsKey(partnershipID))
}

func (r *CachedDirectoryRepository) store(ctx context.Context, key string, value interface{}) {
	if err := r.cache.Set(ctx, key, value, r.ttl); err != nil {
		logger.GetLogger().Debug().Err(err).Str("key", key).Msg("directory cache write failed")
	}
}
