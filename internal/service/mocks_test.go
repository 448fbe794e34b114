package service

import (
	"context"
	"sync"
	"time"

	"github.com/partnerhub/messaging-backend/internal/domain"
	"github.com/partnerhub/messaging-backend/internal/repository"
	"github.com/stretchr/testify/mock"
)

// --- Mock MessageRepository ---

type mockMessageRepo struct {
	mock.Mock
}

func (m *mockMessageRepo) Create(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	if args.Error(0) == nil && msg.ID == 0 {
		msg.ID = 1
		msg.CreatedAt = time.Now()
	}
	return args.Error(0)
}

func (m *mockMessageRepo) MarkAsRead(ctx context.Context, id uint64, readerID string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, readerID, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockMessageRepo) MarkConversationRead(ctx context.Context, readerID, partnerID string, upToID *uint64, at time.Time) (int64, error) {
	args := m.Called(ctx, readerID, partnerID, upToID, at)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockMessageRepo) FindByID(ctx context.Context, id uint64) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *mockMessageRepo) FindByIDs(ctx context.Context, ids []uint64) ([]*domain.Message, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *mockMessageRepo) FindConversation(ctx context.Context, userA, userB string, p domain.Pagination) ([]*domain.Message, int64, error) {
	args := m.Called(ctx, userA, userB, p)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*domain.Message), args.Get(1).(int64), args.Error(2)
}

func (m *mockMessageRepo) FindPartnershipMessages(ctx context.Context, partnershipID uint64, p domain.Pagination) ([]*domain.Message, int64, error) {
	args := m.Called(ctx, partnershipID, p)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*domain.Message), args.Get(1).(int64), args.Error(2)
}

func (m *mockMessageRepo) CountUnread(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockMessageRepo) DirectThreads(ctx context.Context, userID string) ([]repository.ThreadAggregate, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.ThreadAggregate), args.Error(1)
}

func (m *mockMessageRepo) PartnershipThreads(ctx context.Context, userID string, ids []uint64) ([]repository.ThreadAggregate, error) {
	args := m.Called(ctx, userID, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.ThreadAggregate), args.Error(1)
}

func (m *mockMessageRepo) RecentPartners(ctx context.Context, userID string, limit int) ([]string, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// --- Mock DirectoryRepository ---

type mockDirectoryRepo struct {
	mock.Mock
}

func (m *mockDirectoryRepo) FindMember(ctx context.Context, userID string) (*domain.Member, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Member), args.Error(1)
}

func (m *mockDirectoryRepo) FindMembers(ctx context.Context, userIDs []string) (map[string]*domain.Member, error) {
	args := m.Called(ctx, userIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*domain.Member), args.Error(1)
}

func (m *mockDirectoryRepo) FindPartnership(ctx context.Context, id uint64) (*domain.Partnership, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Partnership), args.Error(1)
}

func (m *mockDirectoryRepo) FindPartnerships(ctx context.Context, ids []uint64) (map[uint64]*domain.Partnership, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[uint64]*domain.Partnership), args.Error(1)
}

func (m *mockDirectoryRepo) ParticipantIDs(ctx context.Context, partnershipID uint64) ([]string, error) {
	args := m.Called(ctx, partnershipID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockDirectoryRepo) ActivePartnershipIDs(ctx context.Context, userID string) ([]uint64, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uint64), args.Error(1)
}

func (m *mockDirectoryRepo) UpsertMember(ctx context.Context, member *domain.Member) error {
	return m.Called(ctx, member).Error(0)
}

func (m *mockDirectoryRepo) UpsertPartnership(ctx context.Context, partnership *domain.Partnership) error {
	return m.Called(ctx, partnership).Error(0)
}

func (m *mockDirectoryRepo) AddParticipant(ctx context.Context, participant *domain.PartnershipParticipant) error {
	return m.Called(ctx, participant).Error(0)
}

func (m *mockDirectoryRepo) RemoveParticipant(ctx context.Context, partnershipID uint64, userID string) error {
	return m.Called(ctx, partnershipID, userID).Error(0)
}

// --- Recording publisher ---

type published struct {
	Group string
	Event domain.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, group string, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{Group: group, Event: event})
	return p.err
}

func (p *recordingPublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

func (p *recordingPublisher) types() []domain.EventType {
	var out []domain.EventType
	for _, e := range p.snapshot() {
		out = append(out, e.Event.Type)
	}
	return out
}

func (p *recordingPublisher) groups() []string {
	var out []string
	for _, e := range p.snapshot() {
		out = append(out, e.Group)
	}
	return out
}

func strPtr(s string) *string { return &s }

func u64Ptr(v uint64) *uint64 { return &v }

func activeMember(id string) *domain.Member {
	return &domain.Member{UserID: id, Nickname: id, Status: domain.MemberActive}
}
