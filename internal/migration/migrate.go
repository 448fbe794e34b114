package migration

import (
	"fmt"

	"github.com/partnerhub/messaging-backend/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Models lists every table owned by the messaging backend
func Models() []interface{} {
	return []interface{}{
		&domain.Member{},
		&domain.Partnership{},
		&domain.PartnershipParticipant{},
		&domain.Message{},
	}
}

// Run executes AutoMigrate for the messaging tables
func Run(db *gorm.DB) error {
	// 테이블 없으면 생성, 있으면 누락된 컬럼/인덱스만 추가
	return db.AutoMigrate(Models()...)
}

// Seed inserts a small directory for local development. Existing rows are kept.
func Seed(db *gorm.DB) error {
	members := []domain.Member{
		{UserID: "organizer-1", Nickname: "Festival Org", Status: domain.MemberActive},
		{UserID: "sponsor-1", Nickname: "Acme Sponsor", Status: domain.MemberActive},
		{UserID: "supplier-1", Nickname: "Stage Supply", Status: domain.MemberActive},
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error; err != nil {
		return fmt.Errorf("seed members: %w", err)
	}

	partnership := domain.Partnership{ID: 1, Title: "Summer Festival 2026", Status: domain.PartnershipActive}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&partnership).Error; err != nil {
		return fmt.Errorf("seed partnership: %w", err)
	}

	participants := []domain.PartnershipParticipant{
		{PartnershipID: 1, UserID: "organizer-1", Role: domain.RoleOrganizer},
		{PartnershipID: 1, UserID: "sponsor-1", Role: domain.RoleSponsor},
		{PartnershipID: 1, UserID: "supplier-1", Role: domain.RoleSupplier},
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&participants).Error; err != nil {
		return fmt.Errorf("seed participants: %w", err)
	}
	return nil
}

// IntegrityReport counts rows that violate the message invariants
type IntegrityReport struct {
	NoAddress      int64 `json:"noAddress"`
	ReadWithoutAt  int64 `json:"readWithoutAt"`
	AtWithoutRead  int64 `json:"atWithoutRead"`
	ReadBeforeSent int64 `json:"readBeforeSent"`
}

// OK reports whether no violations were found
func (r IntegrityReport) OK() bool {
	return r.NoAddress == 0 && r.ReadWithoutAt == 0 && r.AtWithoutRead == 0 && r.ReadBeforeSent == 0
}

// Verify scans the messages table for rows a correct writer never produces
func Verify(db *gorm.DB) (IntegrityReport, error) {
	var report IntegrityReport
	checks := []struct {
		dst   *int64
		query string
		args  []interface{}
	}{
		{&report.NoAddress, "receiver_id IS NULL AND partnership_id IS NULL", nil},
		{&report.ReadWithoutAt, "is_read = ? AND read_at IS NULL", []interface{}{true}},
		{&report.AtWithoutRead, "is_read = ? AND read_at IS NOT NULL", []interface{}{false}},
		{&report.ReadBeforeSent, "read_at < created_at", nil},
	}
	for _, check := range checks {
		if err := db.Model(&domain.Message{}).Where(check.query, check.args...).Count(check.dst).Error; err != nil {
			return report, fmt.Errorf("verify %q: %w", check.query, err)
		}
	}
	return report, nil
}
