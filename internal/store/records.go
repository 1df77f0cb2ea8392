package store

import "time"

const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
)

// DocumentRecord is the last flushed content of a room.
type DocumentRecord struct {
	RoomID    string `gorm:"primaryKey;size:191"`
	Content   string `gorm:"type:text;not null"`
	Revision  int64  `gorm:"not null"`
	UpdatedAt time.Time
}

func (DocumentRecord) TableName() string { return "room_documents" }

type ChatMessageRecord struct {
	ID       string    `gorm:"primaryKey;size:36"`
	RoomID   string    `gorm:"index;not null"`
	UserID   string    `gorm:"not null"`
	UserName string
	Message  string    `gorm:"type:text;not null"`
	SentAt   time.Time `gorm:"index"`
}

func (ChatMessageRecord) TableName() string { return "room_chat_messages" }

type InvitationRecord struct {
	ID          string `gorm:"primaryKey;size:36"`
	RoomID      string `gorm:"index;not null"`
	Email       string `gorm:"index;not null"`
	Role        string `gorm:"not null"`
	InviterID   string `gorm:"not null"`
	InviterName string
	Status      string `gorm:"index;not null;default:pending"`
	CreatedAt   time.Time
	AcceptedAt  *time.Time
}

func (InvitationRecord) TableName() string { return "room_invitations" }
