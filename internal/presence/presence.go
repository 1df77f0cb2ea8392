package presence

import (
	"sort"
	"strings"
	"time"

	"collabroom/internal/models"
)

type member struct {
	p      models.Participant
	connID string
	seq    uint64
}

// Store tracks who is in a room and where their cursors are. It is owned by
// a single room and is not safe for concurrent use on its own.
type Store struct {
	members map[string]*member
	seq     uint64
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{members: make(map[string]*member), now: time.Now}
}

// Add inserts or replaces the participant for id.UserID. If the user was
// already present on another connection, that connection id is returned so
// the caller can retire it; the previous cursor and selection are dropped.
func (s *Store) Add(id models.Identity, connID string) (models.Participant, string) {
	var stale string
	if old, ok := s.members[id.UserID]; ok && old.connID != connID {
		stale = old.connID
	}

	role := id.Role
	if role == "" {
		role = models.RoleEditor
	}
	s.seq++
	m := &member{
		p: models.Participant{
			UserID:      id.UserID,
			DisplayName: id.DisplayName,
			AvatarURL:   id.AvatarURL,
			Email:       id.Email,
			Role:        role,
			Color:       ColorFor(id.UserID),
			JoinedAt:    s.now(),
		},
		connID: connID,
		seq:    s.seq,
	}
	s.members[id.UserID] = m
	return m.p, stale
}

// UpdateCursor is a no-op for users that are not present.
func (s *Store) UpdateCursor(userID string, c models.Cursor) bool {
	m, ok := s.members[userID]
	if !ok {
		return false
	}
	m.p.Cursor = &c
	return true
}

// UpdateSelection is a no-op for users that are not present.
func (s *Store) UpdateSelection(userID string, sel models.Selection) bool {
	m, ok := s.members[userID]
	if !ok {
		return false
	}
	m.p.Selection = &sel
	return true
}

// Remove deletes userID and reports whether the store is now empty.
func (s *Store) Remove(userID string) bool {
	delete(s.members, userID)
	return len(s.members) == 0
}

// RemoveConnection deletes userID only while connID is still its active
// connection, so a superseded connection cannot evict its replacement.
func (s *Store) RemoveConnection(userID, connID string) (removed, empty bool) {
	m, ok := s.members[userID]
	if !ok || m.connID != connID {
		return false, len(s.members) == 0
	}
	delete(s.members, userID)
	return true, len(s.members) == 0
}

func (s *Store) Get(userID string) (models.Participant, bool) {
	m, ok := s.members[userID]
	if !ok {
		return models.Participant{}, false
	}
	return m.p, true
}

// Active reports whether connID is the live connection for userID.
func (s *Store) Active(userID, connID string) bool {
	m, ok := s.members[userID]
	return ok && m.connID == connID
}

func (s *Store) Connection(userID string) (string, bool) {
	m, ok := s.members[userID]
	if !ok {
		return "", false
	}
	return m.connID, true
}

// FindByEmail matches case-insensitively.
func (s *Store) FindByEmail(email string) (models.Participant, string, bool) {
	for _, m := range s.members {
		if m.p.Email != "" && strings.EqualFold(m.p.Email, email) {
			return m.p, m.connID, true
		}
	}
	return models.Participant{}, "", false
}

// List returns participants in join order.
func (s *Store) List() []models.Participant {
	ms := make([]*member, 0, len(s.members))
	for _, m := range s.members {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].seq < ms[j].seq })

	out := make([]models.Participant, len(ms))
	for i, m := range ms {
		out[i] = m.p
	}
	return out
}

func (s *Store) Len() int { return len(s.members) }
