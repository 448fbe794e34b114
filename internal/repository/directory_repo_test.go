package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/partnerhub/messaging-backend/internal/domain"
	"github.com/partnerhub/messaging-backend/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedDirectory(t *testing.T, repo DirectoryRepository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.UpsertMember(ctx, &domain.Member{UserID: "alice", Nickname: "Alice"}))
	require.NoError(t, repo.UpsertMember(ctx, &domain.Member{UserID: "bob", Nickname: "Bob"}))
	require.NoError(t, repo.UpsertMember(ctx, &domain.Member{UserID: "mallory", Status: domain.MemberSuspended}))
	require.NoError(t, repo.UpsertPartnership(ctx, &domain.Partnership{ID: 1, Title: "Expo 2026"}))
	require.NoError(t, repo.UpsertPartnership(ctx, &domain.Partnership{ID: 2, Title: "Closed deal", Status: domain.PartnershipClosed}))
	require.NoError(t, repo.AddParticipant(ctx, &domain.PartnershipParticipant{PartnershipID: 1, UserID: "alice", Role: domain.RoleOrganizer}))
	require.NoError(t, repo.AddParticipant(ctx, &domain.PartnershipParticipant{PartnershipID: 1, UserID: "bob", Role: domain.RoleSponsor}))
	require.NoError(t, repo.AddParticipant(ctx, &domain.PartnershipParticipant{PartnershipID: 2, UserID: "alice", Role: domain.RoleSupplier}))
}

func TestDirectoryRepository(t *testing.T) {
	repo := NewDirectoryRepository(setupTestDB(t))
	seedDirectory(t, repo)
	ctx := context.Background()

	t.Run("FindMember", func(t *testing.T) {
		m, err := repo.FindMember(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", m.Nickname)
		assert.True(t, m.IsActive())

		m, err = repo.FindMember(ctx, "mallory")
		require.NoError(t, err)
		assert.False(t, m.IsActive())

		_, err = repo.FindMember(ctx, "nobody")
		assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	})

	t.Run("FindMembers skips unknown ids", func(t *testing.T) {
		members, err := repo.FindMembers(ctx, []string{"alice", "bob", "ghost"})
		require.NoError(t, err)
		assert.Len(t, members, 2)
		assert.Equal(t, "Bob", members["bob"].Nickname)
	})

	t.Run("upsert refreshes existing rows", func(t *testing.T) {
		require.NoError(t, repo.UpsertMember(ctx, &domain.Member{UserID: "bob", Nickname: "Robert"}))
		m, err := repo.FindMember(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "Robert", m.Nickname)
	})

	t.Run("participants", func(t *testing.T) {
		ids, err := repo.ParticipantIDs(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, ids)

		active, err := repo.ActivePartnershipIDs(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []uint64{1}, active)

		require.NoError(t, repo.RemoveParticipant(ctx, 1, "bob"))
		ids, err = repo.ParticipantIDs(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, ids)
	})

	t.Run("FindPartnerships", func(t *testing.T) {
		ps, err := repo.FindPartnerships(ctx, []uint64{1, 2, 3})
		require.NoError(t, err)
		assert.Len(t, ps, 2)
		assert.False(t, ps[2].IsActive())
	})
}

// memoryCache is an in-process cache.Service used to observe cache traffic
type memoryCache struct {
	data map[string][]byte
	hits int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: map[string][]byte{}}
}

func (c *memoryCache) Get(_ context.Context, key string, dest interface{}) error {
	raw, ok := c.data[key]
	if !ok {
		return cache.ErrMiss
	}
	c.hits++
	return json.Unmarshal(raw, dest)
}

func (c *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = raw
	return nil
}

func (c *memoryCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *memoryCache) Exists(_ context.Context, key string) (bool, error) {
	_, ok := c.data[key]
	return ok, nil
}

func (c *memoryCache) InvalidateMember(ctx context.Context, userID string) error {
	return c.Delete(ctx, cache.MemberKey(userID))
}

func (c *memoryCache) InvalidatePartnership(ctx context.Context, id uint64) error {
	return c.Delete(ctx, cache.PartnershipKey(id), cache.ParticipantsKey(id))
}

func (c *memoryCache) IsAvailable() bool             { return true }
func (c *memoryCache) Ping(_ context.Context) error { return nil }

func TestCachedDirectoryRepository(t *testing.T) {
	db := setupTestDB(t)
	base := NewDirectoryRepository(db)
	mem := newMemoryCache()
	repo := NewCachedDirectoryRepository(base, mem, time.Minute)
	seedDirectory(t, repo)
	ctx := context.Background()

	t.Run("nil cache returns the base repository", func(t *testing.T) {
		assert.Equal(t, base, NewCachedDirectoryRepository(base, cache.NewService(nil), time.Minute))
	})

	t.Run("second lookup is served from cache", func(t *testing.T) {
		_, err := repo.FindMember(ctx, "alice")
		require.NoError(t, err)

		// bypass the cache to prove the next read does not hit the table
		require.NoError(t, db.Model(&domain.Member{}).Where("user_id = ?", "alice").Update("nickname", "Changed").Error)

		m, err := repo.FindMember(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", m.Nickname)
		assert.Equal(t, 1, mem.hits)
	})

	t.Run("upsert invalidates", func(t *testing.T) {
		require.NoError(t, repo.UpsertMember(ctx, &domain.Member{UserID: "alice", Nickname: "Alicia"}))
		m, err := repo.FindMember(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alicia", m.Nickname)
	})

	t.Run("participant list invalidated on change", func(t *testing.T) {
		ids, err := repo.ParticipantIDs(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, ids, 2)

		require.NoError(t, repo.AddParticipant(ctx, &domain.PartnershipParticipant{PartnershipID: 1, UserID: "carol", Role: domain.RoleSupplier}))
		ids, err = repo.ParticipantIDs(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob", "carol"}, ids)
	})

	t.Run("partnership lookup caches misses as errors", func(t *testing.T) {
		_, err := repo.FindPartnership(ctx, 404)
		assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
		ok, _ := mem.Exists(ctx, cache.PartnershipKey(404))
		assert.False(t, ok)
	})
}
