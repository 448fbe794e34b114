package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL constants
const (
	TTLDirectory = 30 * time.Second // member/partnership mirror lookups
	TTLShort     = 10 * time.Second
	TTLDefault   = 5 * time.Minute
)

// Key prefixes
const (
	PrefixMember       = "dir:member:"
	PrefixPartnership  = "dir:partnership:"
	PrefixParticipants = "dir:participants:"
)

// ErrMiss is returned by Get when the key is absent or the cache is disabled
var ErrMiss = errors.New("cache miss")

// Service is a JSON cache on top of Redis. Every method is safe to call
// with a nil client; reads then miss and writes are no-ops.
type Service interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	InvalidateMember(ctx context.Context, userID string) error
	InvalidatePartnership(ctx context.Context, partnershipID uint64) error

	IsAvailable() bool
	Ping(ctx context.Context) error
}

type redisCache struct {
	client *redis.Client
}

// NewService creates a cache service; client may be nil
func NewService(client *redis.Client) Service {
	return &redisCache{client: client}
}

// MemberKey returns the cache key of a member record
func MemberKey(userID string) string {
	return PrefixMember + userID
}

// PartnershipKey returns the cache key of a partnership record
func PartnershipKey(partnershipID uint64) string {
	return fmt.Sprintf("%s%d", PrefixPartnership, partnershipID)
}

// ParticipantsKey returns the cache key of a partnership's participant list
func ParticipantsKey(partnershipID uint64) string {
	return fmt.Sprintf("%s%d", PrefixParticipants, partnershipID)
}

func (c *redisCache) IsAvailable() bool {
	return c.client != nil
}

func (c *redisCache) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return c.client.Ping(ctx).Err()
}

// Get decodes the cached JSON value into dest
func (c *redisCache) Get(ctx context.Context, key string, dest interface{}) error {
	if c.client == nil {
		return ErrMiss
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}

// Set stores value as JSON
func (c *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.client == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if c.client == nil || len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	if c.client == nil {
		return false, nil
	}
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InvalidateMember drops the cached member record
func (c *redisCache) InvalidateMember(ctx context.Context, userID string) error {
	return c.Delete(ctx, MemberKey(userID))
}

// InvalidatePartnership drops the partnership record and its participant list
func (c *redisCache) InvalidatePartnership(ctx context.Context, partnershipID uint64) error {
	return c.Delete(ctx, PartnershipKey(partnershipID), ParticipantsKey(partnershipID))
}
