package store

import (
	"context"

	"go.uber.org/zap"

	"collabroom/internal/models"
)

// Service is the persistence collaborator of the room server. Either backend
// may be nil; with neither configured every hook is a no-op and rooms start
// empty.
type Service struct {
	repo  *Repository
	cache *DocumentCache
	log   *zap.Logger
}

func NewService(repo *Repository, cache *DocumentCache, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, cache: cache, log: log}
}

// LoadInitialDocument returns the newest known content and revision for
// roomID, preferring the cache.
func (s *Service) LoadInitialDocument(ctx context.Context, roomID string) (string, int64, error) {
	if s.cache != nil {
		content, revision, ok, err := s.cache.Get(ctx, roomID)
		if err != nil {
			s.log.Warn("document cache read failed", zap.String("roomId", roomID), zap.Error(err))
		} else if ok {
			return content, revision, nil
		}
	}
	if s.repo == nil {
		return "", 0, nil
	}

	content, revision, err := s.repo.LoadDocument(ctx, roomID)
	if err != nil {
		return "", 0, err
	}
	if s.cache != nil && content != "" {
		if err := s.cache.Set(ctx, roomID, content, revision); err != nil {
			s.log.Warn("document cache warm failed", zap.String("roomId", roomID), zap.Error(err))
		}
	}
	return content, revision, nil
}

// PersistDocument stores one snapshot. Writes older than what is already
// stored are ignored by both backends.
func (s *Service) PersistDocument(ctx context.Context, roomID, content string, revision int64) error {
	if s.repo != nil {
		if err := s.repo.SaveDocument(ctx, roomID, content, revision); err != nil {
			return err
		}
	}
	if s.cache == nil {
		return nil
	}
	if _, cached, ok, err := s.cache.Get(ctx, roomID); err == nil && ok && cached > revision {
		s.log.Debug("skipping stale document cache write",
			zap.String("roomId", roomID), zap.Int64("revision", revision), zap.Int64("cached", cached))
		return nil
	}
	return s.cache.Set(ctx, roomID, content, revision)
}

func (s *Service) PersistChatMessage(ctx context.Context, roomID string, msg models.ChatMessage) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.SaveChatMessage(ctx, roomID, msg)
}

func (s *Service) CreateInvitation(ctx context.Context, inv models.Invitation) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.CreateInvitation(ctx, inv)
}

func (s *Service) AcceptInvitation(ctx context.Context, invitationID, email string) (models.InvitationAccepted, error) {
	if s.repo == nil {
		return models.InvitationAccepted{}, ErrInvitationNotFound
	}
	rec, err := s.repo.AcceptInvitation(ctx, invitationID, email)
	if err != nil {
		return models.InvitationAccepted{}, err
	}
	return models.InvitationAccepted{
		InvitationID: rec.ID,
		RoomID:       rec.RoomID,
		Role:         models.Role(rec.Role),
	}, nil
}
