package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/partnerhub/messaging-backend/internal/common"
	"github.com/partnerhub/messaging-backend/internal/domain"
	"github.com/partnerhub/messaging-backend/internal/presence"
	"github.com/partnerhub/messaging-backend/internal/repository"
	"github.com/partnerhub/messaging-backend/internal/ws"
	"github.com/partnerhub/messaging-backend/pkg/logger"
	"gorm.io/gorm"
)

// RealtimeService handles websocket invocations and presence fan-out
type RealtimeService struct {
	messages       repository.MessageRepository
	directory      repository.DirectoryRepository
	registry       *presence.Registry
	notifier       *Notifier
	presenceFanout int
}

// NewRealtimeService creates a new RealtimeService
func NewRealtimeService(messages repository.MessageRepository, directory repository.DirectoryRepository, registry *presence.Registry, notifier *Notifier, presenceFanout int) *RealtimeService {
	if presenceFanout <= 0 {
		presenceFanout = 50
	}
	return &RealtimeService{
		messages:       messages,
		directory:      directory,
		registry:       registry,
		notifier:       notifier,
		presenceFanout: presenceFanout,
	}
}

// HandleInvocation executes a client invocation on behalf of conn's user
func (s *RealtimeService) HandleInvocation(ctx context.Context, conn presence.Connection, inv ws.Invocation) error {
	switch inv.Type {
	case ws.InvokeSendTyping:
		return s.typing(ctx, conn.UserID(), inv, domain.EventTypingStarted)
	case ws.InvokeStopTyping:
		return s.typing(ctx, conn.UserID(), inv, domain.EventTypingStopped)
	case ws.InvokeJoinPartnership:
		return s.JoinPartnership(ctx, conn, inv.PartnershipID)
	case ws.InvokeLeavePartnership:
		if inv.PartnershipID == 0 {
			return fmt.Errorf("%w: partnershipId is required", common.ErrValidation)
		}
		s.registry.Leave(conn.ID(), presence.PartnershipGroup(inv.PartnershipID))
		return nil
	default:
		return fmt.Errorf("%w: unsupported invocation %q", common.ErrValidation, inv.Type)
	}
}

// JoinPartnership subscribes conn to a partnership thread it participates in
func (s *RealtimeService) JoinPartnership(ctx context.Context, conn presence.Connection, partnershipID uint64) error {
	if partnershipID == 0 {
		return fmt.Errorf("%w: partnershipId is required", common.ErrValidation)
	}
	if err := s.requireParticipant(ctx, partnershipID, conn.UserID()); err != nil {
		return err
	}
	if !s.registry.Join(conn.ID(), presence.PartnershipGroup(partnershipID)) {
		return fmt.Errorf("%w: connection is not registered", common.ErrNotFound)
	}
	return nil
}

func (s *RealtimeService) typing(ctx context.Context, userID string, inv ws.Invocation, eventType domain.EventType) error {
	payload := domain.TypingPayload{UserID: userID}
	var group string

	switch {
	case inv.PartnershipID != 0:
		if err := s.requireParticipant(ctx, inv.PartnershipID, userID); err != nil {
			return err
		}
		payload.PartnershipID = inv.PartnershipID
		group = presence.PartnershipGroup(inv.PartnershipID)
	case strings.TrimSpace(inv.ReceiverID) != "":
		receiver := strings.TrimSpace(inv.ReceiverID)
		if receiver == userID {
			return fmt.Errorf("%w: cannot type to yourself", common.ErrValidation)
		}
		payload.ReceiverID = receiver
		group = presence.UserGroup(receiver)
	default:
		return fmt.Errorf("%w: receiverId or partnershipId is required", common.ErrValidation)
	}

	s.notifier.Notify(Delivery{Group: group, Event: domain.Event{Type: eventType, Payload: payload}})
	return nil
}

func (s *RealtimeService) requireParticipant(ctx context.Context, partnershipID uint64, userID string) error {
	if _, err := s.directory.FindPartnership(ctx, partnershipID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: partnership %d", common.ErrNotFound, partnershipID)
		}
		return common.StoreError(err)
	}
	participants, err := s.directory.ParticipantIDs(ctx, partnershipID)
	if err != nil {
		return common.StoreError(err)
	}
	if !slices.Contains(participants, userID) {
		return fmt.Errorf("%w: not a participant of partnership %d", common.ErrForbidden, partnershipID)
	}
	return nil
}

// PresenceChanged tells userID's recent direct partners that the user came
// online or went offline
func (s *RealtimeService) PresenceChanged(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	partners, err := s.messages.RecentPartners(ctx, userID, s.presenceFanout)
	if err != nil {
		logger.GetLogger().Warn().Err(err).Str("user_id", userID).Msg("presence fan-out skipped")
		return
	}

	event := domain.Event{
		Type:    domain.EventPresenceChanged,
		Payload: domain.PresencePayload{UserID: userID, Online: online},
	}
	deliveries := make([]Delivery, 0, len(partners))
	for _, p := range partners {
		deliveries = append(deliveries, Delivery{Group: presence.UserGroup(p), Event: event})
	}
	s.notifier.Notify(deliveries...)
}

// IsOnline reports whether userID has a live connection on this instance
func (s *RealtimeService) IsOnline(userID string) bool {
	return s.registry.IsOnline(userID)
}
