package repository

import (
	"context"
	"testing"
	"time"

	"github.com/partnerhub/messaging-backend/internal/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	// single connection so every goroutine sees the same in-memory database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&domain.Message{},
		&domain.Member{},
		&domain.Partnership{},
		&domain.PartnershipParticipant{},
	))
	return db
}

func strPtr(s string) *string { return &s }

func u64Ptr(v uint64) *uint64 { return &v }

func directMessage(from, to, content string) *domain.Message {
	return &domain.Message{
		SenderID:    from,
		ReceiverID:  strPtr(to),
		Content:     content,
		MessageType: domain.MessageTypeText,
	}
}

func partnershipMessage(from string, partnershipID uint64, content string) *domain.Message {
	return &domain.Message{
		SenderID:      from,
		PartnershipID: u64Ptr(partnershipID),
		Content:       content,
		MessageType:   domain.MessageTypeText,
	}
}

func mustCreate(t *testing.T, repo MessageRepository, msgs ...*domain.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, repo.Create(context.Background(), m))
	}
}
