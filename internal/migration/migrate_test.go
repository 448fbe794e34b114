package migration

import (
	"testing"
	"time"

	"github.com/partnerhub/messaging-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Run(db))
	return db
}

func TestSeed_Idempotent(t *testing.T) {
	db := openDB(t)

	require.NoError(t, Seed(db))
	require.NoError(t, Seed(db))

	var members, participants int64
	require.NoError(t, db.Model(&domain.Member{}).Count(&members).Error)
	require.NoError(t, db.Model(&domain.PartnershipParticipant{}).Count(&participants).Error)
	assert.Equal(t, int64(3), members)
	assert.Equal(t, int64(3), participants)
}

func TestVerify(t *testing.T) {
	db := openDB(t)
	now := time.Now().UTC()
	earlier := now.Add(-time.Minute)
	receiver := "sponsor-1"

	report, err := Verify(db)
	require.NoError(t, err)
	assert.True(t, report.OK())

	rows := []domain.Message{
		{SenderID: "a", ReceiverID: &receiver, Content: "fine", MessageType: domain.MessageTypeText, CreatedAt: now},
		{SenderID: "a", Content: "nowhere", MessageType: domain.MessageTypeText, CreatedAt: now},
		{SenderID: "a", ReceiverID: &receiver, Content: "read", MessageType: domain.MessageTypeText, IsRead: true, CreatedAt: now},
		{SenderID: "a", ReceiverID: &receiver, Content: "early", MessageType: domain.MessageTypeText, IsRead: true, ReadAt: &earlier, CreatedAt: now},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	report, err = Verify(db)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, int64(1), report.NoAddress)
	assert.Equal(t, int64(1), report.ReadWithoutAt)
	assert.Equal(t, int64(0), report.AtWithoutRead)
	assert.Equal(t, int64(1), report.ReadBeforeSent)
}
