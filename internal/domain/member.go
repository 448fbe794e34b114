package domain

import "time"

// MemberStatus mirrors the identity service account state
type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberSuspended MemberStatus = "suspended"
	MemberDeleted   MemberStatus = "deleted"
)

// Member is the local mirror of an identity (members table)
type Member struct {
	CreatedAt time.Time    `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time    `gorm:"column:updated_at" json:"updatedAt"`
	UserID    string       `gorm:"column:user_id;primaryKey;size:64" json:"userId"`
	Nickname  string       `gorm:"column:nickname;size:100" json:"nickname"`
	Status    MemberStatus `gorm:"column:status;size:16;not null;default:active" json:"status"`
}

func (Member) TableName() string {
	return "members"
}

// IsActive reports whether the member may send and receive messages
func (m *Member) IsActive() bool {
	return m.Status == MemberActive
}
