package collab

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabroom/internal/document"
	"collabroom/internal/metrics"
	"collabroom/internal/models"
	"collabroom/internal/presence"
)

// Target selects which subscribers of a room receive an outbound event.
type Target int

const (
	ToSender Target = iota
	ToOthers
	ToRoom
	ToConnection
	// ToEmail addresses whichever live session belongs to Email, in any room.
	ToEmail
)

type Outbound struct {
	Target       Target
	ConnectionID string
	Email        string
	Event        models.Event
}

// Effects are side effects for external collaborators. They never feed back
// into room state.
type Effects struct {
	Chat            *models.ChatMessage
	Invitation      *models.Invitation
	DocumentChanged bool
}

type Result struct {
	Out     []Outbound
	Effects Effects
	// Stale is a connection superseded by a Join for the same user.
	Stale string
	// Empty is set by Leave when no participants remain.
	Empty bool
	// Dropped is set when the sender was no longer present.
	Dropped bool
}

type Sender struct {
	ConnectionID string
	Identity     models.Identity
}

func (s Sender) userID() string { return s.Identity.UserID }

func (s Sender) displayName() string {
	if s.Identity.DisplayName != "" {
		return s.Identity.DisplayName
	}
	return s.Identity.UserID
}

// RoomState is the mutable state of one room. Callers must hold the room's
// lock for every Handler call that receives it.
type RoomState struct {
	ID       string
	Presence *presence.Store
	Doc      *document.State
}

func NewRoomState(id, content string, historyLimit int) *RoomState {
	return NewRoomStateAt(id, content, 0, historyLimit)
}

// NewRoomStateAt is NewRoomState for a document that resumes at revision.
func NewRoomStateAt(id, content string, revision int64, historyLimit int) *RoomState {
	return &RoomState{
		ID:       id,
		Presence: presence.NewStore(),
		Doc:      document.NewStateAt(content, revision, historyLimit),
	}
}

// Snapshot is the room-state payload sent to a joining connection.
func (r *RoomState) Snapshot() models.RoomStatePayload {
	doc := r.Doc.Snapshot()
	return models.RoomStatePayload{
		Participants: r.Presence.List(),
		Content:      doc.Content,
		Revision:     doc.Revision,
		LastModified: doc.LastModified,
	}
}

type Handler struct {
	log      *zap.Logger
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

func NewHandler(log *zap.Logger) *Handler {
	return &Handler{
		log:      log,
		validate: validator.New(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Validate checks struct tags on a decoded payload.
func (h *Handler) Validate(v interface{}) error { return h.validate.Struct(v) }

// Join adds the sender to the room, announces it to everyone else and sends
// the joiner a snapshot.
func (h *Handler) Join(room *RoomState, s Sender) Result {
	p, stale := room.Presence.Add(s.Identity, s.ConnectionID)
	return Result{
		Stale: stale,
		Out: []Outbound{
			h.others(room, models.KindUserJoined, models.UserJoinedPayload{Participant: p}),
			h.toSender(room, models.KindRoomState, room.Snapshot()),
		},
	}
}

// Leave removes the sender if it is still the user's active connection.
func (h *Handler) Leave(room *RoomState, s Sender) Result {
	removed, empty := room.Presence.RemoveConnection(s.userID(), s.ConnectionID)
	if !removed {
		return Result{Empty: empty, Dropped: true}
	}
	return Result{
		Empty: empty,
		Out:   []Outbound{h.others(room, models.KindUserLeft, models.UserLeftPayload{UserID: s.userID()})},
	}
}

// Dispatch applies one inbound frame to the room.
func (h *Handler) Dispatch(room *RoomState, s Sender, frame models.Frame) Result {
	if !room.Presence.Active(s.userID(), s.ConnectionID) {
		h.log.Debug("dropping event from stale sender",
			zap.String("roomId", room.ID), zap.String("userId", s.userID()), zap.String("kind", string(frame.Kind)))
		metrics.RecordDrop("stale_sender")
		return Result{Dropped: true}
	}

	switch frame.Kind {
	case models.KindCursorUpdate:
		var in models.CursorUpdate
		if err := json.Unmarshal(frame.Payload, &in); err != nil {
			return h.fail(room, "invalid_payload", err.Error())
		}
		room.Presence.UpdateCursor(s.userID(), in.Cursor)
		return h.single(h.others(room, models.KindCursorUpdate, models.CursorUpdate{UserID: s.userID(), Cursor: in.Cursor}))

	case models.KindSelectionUpdate:
		var in models.SelectionUpdate
		if err := json.Unmarshal(frame.Payload, &in); err != nil {
			return h.fail(room, "invalid_payload", err.Error())
		}
		room.Presence.UpdateSelection(s.userID(), in.Selection)
		return h.single(h.others(room, models.KindSelectionUpdate, models.SelectionUpdate{UserID: s.userID(), Selection: in.Selection}))

	case models.KindDocumentChange:
		return h.documentChange(room, s, frame.Payload)

	case models.KindChatMessage:
		var in models.ChatRequest
		if err := h.decode(frame.Payload, &in); err != nil {
			return h.fail(room, "invalid_payload", err.Error())
		}
		msg := models.ChatMessage{
			ID:        h.newID(),
			UserID:    s.userID(),
			UserName:  s.displayName(),
			Message:   in.Message,
			Timestamp: h.now().UTC(),
		}
		res := h.single(h.everyone(room, models.KindChatMessage, msg))
		res.Effects.Chat = &msg
		return res

	case models.KindInviteUser:
		return h.invite(room, s, frame.Payload)

	default:
		return h.fail(room, "unknown_kind", string(frame.Kind))
	}
}

func (h *Handler) documentChange(room *RoomState, s Sender, payload json.RawMessage) Result {
	p, _ := room.Presence.Get(s.userID())
	if !p.Role.CanEdit() {
		metrics.RecordOperation("rejected")
		return h.fail(room, "forbidden", "role may not edit the document")
	}

	var in models.DocumentChangeRequest
	if err := h.decode(payload, &in); err != nil {
		metrics.RecordOperation("rejected")
		return h.fail(room, "invalid_payload", err.Error())
	}

	res, err := room.Doc.Apply(in.Op, in.OriginRevision)
	switch {
	case errors.Is(err, document.ErrRevisionAhead), errors.Is(err, document.ErrHistoryTruncated):
		metrics.RecordOperation("resync")
		reason := "revision_ahead"
		if errors.Is(err, document.ErrHistoryTruncated) {
			reason = "history_truncated"
		}
		return h.single(h.toSender(room, models.KindResync, models.ResyncPayload{
			Content:  room.Doc.Content(),
			Revision: room.Doc.Revision(),
			Reason:   reason,
		}))
	case err != nil:
		metrics.RecordOperation("rejected")
		return h.fail(room, "invalid_operation", err.Error())
	}

	switch {
	case res.Clamped:
		h.log.Warn("clamped out-of-range operation",
			zap.String("roomId", room.ID),
			zap.String("userId", s.userID()),
			zap.Int64("originRevision", in.OriginRevision),
			zap.Int64("revision", res.Revision),
			zap.Any("op", in.Op),
			zap.Any("applied", res.Op))
		metrics.RecordOperation("clamped")
	case res.Transformed:
		metrics.RecordOperation("transformed")
	default:
		metrics.RecordOperation("applied")
	}

	return Result{
		Out: []Outbound{
			h.others(room, models.KindDocumentChange, models.DocumentChangeEvent{UserID: s.userID(), Op: res.Op, Revision: res.Revision}),
			h.toSender(room, models.KindDocumentAck, models.DocumentAck{Op: res.Op, Revision: res.Revision}),
		},
		Effects: Effects{DocumentChanged: true},
	}
}

func (h *Handler) invite(room *RoomState, s Sender, payload json.RawMessage) Result {
	p, _ := room.Presence.Get(s.userID())
	if !p.Role.CanInvite() {
		return h.fail(room, "forbidden", "role may not invite users")
	}

	var in models.InviteRequest
	if err := h.decode(payload, &in); err != nil {
		return h.fail(room, "invalid_payload", err.Error())
	}

	inv := models.Invitation{
		ID:          h.newID(),
		RoomID:      room.ID,
		Email:       in.Email,
		Role:        in.Role,
		InviterID:   s.userID(),
		InviterName: s.displayName(),
		Timestamp:   h.now().UTC(),
	}

	res := Result{Effects: Effects{Invitation: &inv}}
	res.Out = append(res.Out, h.toSender(room, models.KindInvitationSent, models.InvitationSent{
		ID: inv.ID, Email: inv.Email, Role: inv.Role, Timestamp: inv.Timestamp,
	}))

	ev := models.Event{Kind: models.KindCollaborationInvitation, RoomID: room.ID, Payload: inv}
	if _, conn, ok := room.Presence.FindByEmail(in.Email); ok {
		res.Out = append(res.Out, Outbound{Target: ToConnection, ConnectionID: conn, Event: ev})
	} else {
		res.Out = append(res.Out, Outbound{Target: ToEmail, Email: in.Email, Event: ev})
	}
	return res
}

func (h *Handler) decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}

func (h *Handler) fail(room *RoomState, code, msg string) Result {
	return h.single(h.toSender(room, models.KindError, models.ErrorPayload{Code: code, Message: msg}))
}

func (h *Handler) single(o Outbound) Result { return Result{Out: []Outbound{o}} }

func (h *Handler) toSender(room *RoomState, kind models.Kind, payload interface{}) Outbound {
	return Outbound{Target: ToSender, Event: models.Event{Kind: kind, RoomID: room.ID, Payload: payload}}
}

func (h *Handler) others(room *RoomState, kind models.Kind, payload interface{}) Outbound {
	return Outbound{Target: ToOthers, Event: models.Event{Kind: kind, RoomID: room.ID, Payload: payload}}
}

func (h *Handler) everyone(room *RoomState, kind models.Kind, payload interface{}) Outbound {
	return Outbound{Target: ToRoom, Event: models.Event{Kind: kind, RoomID: room.ID, Payload: payload}}
}
