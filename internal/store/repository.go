package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabroom/internal/models"
)

var ErrInvitationNotFound = errors.New("invitation not found")

var openPostgres = func(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// Open connects to PostgreSQL and migrates the collaboration tables.
func Open(dsn string) (*gorm.DB, error) {
	db, err := openPostgres(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&DocumentRecord{}, &ChatMessageRecord{}, &InvitationRecord{})
}

type Repository struct {
	DB *gorm.DB
}

// LoadDocument returns the stored content for roomID, or an empty document
// when nothing was ever flushed.
func (r *Repository) LoadDocument(ctx context.Context, roomID string) (string, int64, error) {
	var rec DocumentRecord
	res := r.DB.WithContext(ctx).Where("room_id = ?", roomID).Limit(1).Find(&rec)
	if res.Error != nil {
		return "", 0, res.Error
	}
	if res.RowsAffected == 0 {
		return "", 0, nil
	}
	return rec.Content, rec.Revision, nil
}

// SaveDocument upserts the document unless a newer revision is already
// stored, so a late write can never roll a room back.
func (r *Repository) SaveDocument(ctx context.Context, roomID, content string, revision int64) error {
	rec := DocumentRecord{RoomID: roomID, Content: content, Revision: revision, UpdatedAt: time.Now()}
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "revision", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "room_documents.revision <= excluded.revision"},
		}},
	}).Create(&rec).Error
}

func (r *Repository) SaveChatMessage(ctx context.Context, roomID string, msg models.ChatMessage) error {
	return r.DB.WithContext(ctx).Create(&ChatMessageRecord{
		ID:       msg.ID,
		RoomID:   roomID,
		UserID:   msg.UserID,
		UserName: msg.UserName,
		Message:  msg.Message,
		SentAt:   msg.Timestamp,
	}).Error
}

func (r *Repository) CreateInvitation(ctx context.Context, inv models.Invitation) error {
	return r.DB.WithContext(ctx).Create(&InvitationRecord{
		ID:          inv.ID,
		RoomID:      inv.RoomID,
		Email:       strings.ToLower(inv.Email),
		Role:        string(inv.Role),
		InviterID:   inv.InviterID,
		InviterName: inv.InviterName,
		Status:      InvitationPending,
		CreatedAt:   inv.Timestamp,
	}).Error
}

// AcceptInvitation marks a pending invitation addressed to email as accepted.
func (r *Repository) AcceptInvitation(ctx context.Context, id, email string) (*InvitationRecord, error) {
	var rec InvitationRecord
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND status = ?", id, InvitationPending).Limit(1).Find(&rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || !strings.EqualFold(rec.Email, email) {
			return ErrInvitationNotFound
		}
		now := time.Now()
		rec.Status = InvitationAccepted
		rec.AcceptedAt = &now
		return tx.Model(&rec).Updates(map[string]interface{}{
			"status":      rec.Status,
			"accepted_at": now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
