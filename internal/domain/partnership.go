package domain

import "time"

// PartnershipStatus mirrors the partnership service state
type PartnershipStatus string

const (
	PartnershipActive PartnershipStatus = "active"
	PartnershipClosed PartnershipStatus = "closed"
)

// ParticipantRole is the role of a participant in a partnership
type ParticipantRole string

const (
	RoleOrganizer ParticipantRole = "organizer"
	RoleSponsor   ParticipantRole = "sponsor"
	RoleSupplier  ParticipantRole = "supplier"
)

// Partnership is the local mirror of an organizer/sponsor/supplier deal
type Partnership struct {
	CreatedAt time.Time         `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time         `gorm:"column:updated_at" json:"updatedAt"`
	Title     string            `gorm:"column:title;size:255" json:"title"`
	Status    PartnershipStatus `gorm:"column:status;size:16;not null;default:active" json:"status"`
	ID        uint64            `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
}

func (Partnership) TableName() string {
	return "partnerships"
}

// IsActive reports whether the thread accepts new messages
func (p *Partnership) IsActive() bool {
	return p.Status == PartnershipActive
}

// PartnershipParticipant links a member to a partnership
type PartnershipParticipant struct {
	CreatedAt     time.Time       `gorm:"column:created_at" json:"createdAt"`
	UserID        string          `gorm:"column:user_id;primaryKey;size:64;index" json:"userId"`
	Role          ParticipantRole `gorm:"column:role;size:16" json:"role"`
	PartnershipID uint64          `gorm:"column:partnership_id;primaryKey;autoIncrement:false" json:"partnershipId"`
}

func (PartnershipParticipant) TableName() string {
	return "partnership_participants"
}
