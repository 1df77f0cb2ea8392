package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"collabroom/internal/collab"
	"collabroom/internal/metrics"
	"collabroom/internal/models"
	"collabroom/internal/relay"
	"collabroom/internal/session"
	"collabroom/internal/store"
	"collabroom/internal/utils"
	"collabroom/internal/worker"
)

var ErrAuthTimeout = errors.New("authentication timed out")

const maxAuthFrameSize = 64 << 10

type authenticator interface {
	Authenticate(ctx context.Context, token string) (models.Identity, error)
}

type persistence interface {
	PersistChatMessage(ctx context.Context, roomID string, msg models.ChatMessage) error
	CreateInvitation(ctx context.Context, inv models.Invitation) error
	AcceptInvitation(ctx context.Context, invitationID, email string) (models.InvitationAccepted, error)
}

type taskRunner interface {
	Submit(name string, t worker.Task) bool
}

type presencePublisher interface {
	Publish(ctx context.Context, ev models.PresenceEvent) error
}

type Settings struct {
	AuthTimeout      time.Duration
	HeartbeatTimeout time.Duration
	LoadTimeout      time.Duration
	SendBuffer       int
	RateLimit        float64
	RateBurst        int
}

func (s Settings) withDefaults() Settings {
	if s.AuthTimeout <= 0 {
		s.AuthTimeout = 10 * time.Second
	}
	if s.HeartbeatTimeout <= 0 {
		s.HeartbeatTimeout = 60 * time.Second
	}
	if s.LoadTimeout <= 0 {
		s.LoadTimeout = 5 * time.Second
	}
	if s.RateLimit <= 0 {
		s.RateLimit = 50
	}
	if s.RateBurst <= 0 {
		s.RateBurst = 100
	}
	return s
}

type Handlers struct {
	log      *zap.Logger
	hub      *session.Hub
	auth     authenticator
	store    persistence
	tasks    taskRunner
	relay    presencePublisher
	validate *validator.Validate
	settings Settings
	upgrader websocket.Upgrader
}

func NewHandlers(log *zap.Logger, hub *session.Hub, auth authenticator, st persistence, tasks taskRunner, settings Settings) *Handlers {
	return &Handlers{
		log:      log,
		hub:      hub,
		auth:     auth,
		store:    st,
		tasks:    tasks,
		validate: validator.New(),
		settings: settings.withDefaults(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// SetRelay announces local joins and leaves to other instances.
func (h *Handlers) SetRelay(p presencePublisher) {
	h.relay = p
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) RoomStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}

/*** Collaboration WebSocket ***/

func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	var user *models.Identity
	if token := tokenFromRequest(r); token != "" {
		id, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			metrics.RecordConnection("rejected")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		user = &id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.RecordConnection("upgrade_failed")
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if user == nil {
		id, err := h.handshake(r.Context(), conn)
		if err != nil {
			metrics.RecordConnection("auth_failed")
			h.log.Info("websocket authentication failed", zap.Error(err))
			rejectConn(conn, err)
			return
		}
		user = &id
	}

	metrics.RecordConnection("accepted")
	client := session.NewClient(conn, *user, h.settings.SendBuffer)
	h.hub.Register(client)
	go client.WritePump(h.settings.HeartbeatTimeout * 9 / 10)
	client.PrepareRead(h.settings.HeartbeatTimeout)
	client.Send(models.Event{Kind: models.KindAuthenticated, Payload: models.AuthenticatedPayload{UserID: user.UserID}})
	h.log.Info("connection authenticated", zap.String("userId", user.UserID), zap.String("connectionId", client.ID))

	defer func() {
		h.leave(client)
		h.hub.Unregister(client)
		client.Close()
		h.log.Info("connection closed", zap.String("userId", user.UserID), zap.String("connectionId", client.ID))
	}()

	limiter := rate.NewLimiter(rate.Limit(h.settings.RateLimit), h.settings.RateBurst)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read failed", zap.String("connectionId", client.ID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.settings.HeartbeatTimeout))

		if !limiter.Allow() {
			metrics.RecordDrop("rate_limited")
			client.Send(errorEvent("", "rate_limited", "too many messages"))
			continue
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Kind == "" {
			client.Send(errorEvent("", "invalid_payload", "malformed frame"))
			continue
		}
		h.dispatch(r.Context(), client, frame)
	}
}

// handshake waits for an authenticate frame on a connection that carried no
// token at upgrade.
func (h *Handlers) handshake(ctx context.Context, conn *websocket.Conn) (models.Identity, error) {
	conn.SetReadLimit(maxAuthFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.settings.AuthTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return models.Identity{}, ErrAuthTimeout
		}
		return models.Identity{}, err
	}

	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Kind != models.KindAuthenticate {
		return models.Identity{}, errors.New("expected authenticate message")
	}
	var req models.AuthenticateRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return models.Identity{}, errors.New("invalid authenticate payload")
	}
	return h.auth.Authenticate(ctx, req.Token)
}

func rejectConn(conn *websocket.Conn, cause error) {
	defer conn.Close()
	msg := "authentication failed"
	if errors.Is(cause, ErrAuthTimeout) {
		msg = "authentication timed out"
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteJSON(models.Event{Kind: models.KindAuthenticationError, Payload: models.MessagePayload{Message: msg}})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg))
}

func (h *Handlers) dispatch(ctx context.Context, c *session.Client, frame models.Frame) {
	switch frame.Kind {
	case models.KindPing:
		c.Send(models.Event{Kind: models.KindPong, RoomID: frame.RoomID, Payload: struct{}{}})
	case models.KindAuthenticate:
		c.Send(errorEvent(frame.RoomID, "already_authenticated", "connection is already authenticated"))
	case models.KindJoin:
		h.join(ctx, c, frame.RoomID)
	case models.KindLeave:
		if !h.leave(c) {
			c.Send(errorEvent(frame.RoomID, "not_in_room", "not in a room"))
		}
	case models.KindAcceptInvitation:
		h.acceptInvitation(ctx, c, frame)
	default:
		h.inRoom(c, frame)
	}
}

func (h *Handlers) join(ctx context.Context, c *session.Client, roomID string) {
	if roomID == "" {
		c.Send(errorEvent("", "invalid_payload", "roomId is required"))
		return
	}
	// joining again, even the same room, starts a fresh membership
	h.leave(c)

	ctx, cancel := context.WithTimeout(ctx, h.settings.LoadTimeout)
	defer cancel()
	room, err := h.hub.Acquire(ctx, roomID)
	if err != nil {
		h.log.Warn("room unavailable", zap.String("roomId", roomID), zap.Error(err))
		c.Send(errorEvent(roomID, "room_unavailable", "room could not be opened"))
		return
	}
	err = room.Join(c)
	h.hub.Release(room)
	if err != nil {
		c.Send(errorEvent(roomID, "room_unavailable", "room is closing, retry"))
		return
	}
	h.log.Debug("user joined room", zap.String("roomId", roomID), zap.String("userId", c.User.UserID))
	h.publish(relay.EventUserJoined, roomID, c)
}

// leave reports whether c was in a room.
func (h *Handlers) leave(c *session.Client) bool {
	room := c.Room()
	if room == nil {
		return false
	}
	room.Leave(c)
	h.hub.RemoveIfEmpty(room.ID)
	h.publish(relay.EventUserLeft, room.ID, c)
	return true
}

func (h *Handlers) inRoom(c *session.Client, frame models.Frame) {
	room := c.Room()
	if room == nil && c.HasJoined() {
		h.dropStale(c, frame)
		return
	}
	if room == nil || (frame.RoomID != "" && frame.RoomID != room.ID) {
		c.Send(errorEvent(frame.RoomID, "not_in_room", "join the room first"))
		return
	}

	res, err := room.Handle(c, frame)
	switch {
	case errors.Is(err, session.ErrRoomReset):
		h.log.Error("room reset", zap.String("roomId", room.ID))
		h.hub.RemoveIfEmpty(room.ID)
		return
	case err != nil:
		h.dropStale(c, frame)
		return
	}
	h.route(room.ID, res)
}

// dropStale discards a frame from a session that left, was superseded or
// was evicted. The sender gets no reply.
func (h *Handlers) dropStale(c *session.Client, frame models.Frame) {
	metrics.RecordDrop("stale_sender")
	h.log.Debug("dropped frame from stale session",
		zap.String("connectionId", c.ID), zap.String("kind", string(frame.Kind)))
}

// route handles what a room leaves to the gateway: events addressed by email
// and persistence side effects.
func (h *Handlers) route(roomID string, res collab.Result) {
	for _, o := range res.Out {
		if o.Target != collab.ToEmail {
			continue
		}
		n := h.hub.SendToEmail(o.Email, o.Event)
		h.log.Debug("invitation routed", zap.String("roomId", roomID), zap.Int("sessions", n))
	}

	if res.Effects.Chat != nil {
		msg := *res.Effects.Chat
		h.tasks.Submit("persist_chat", func(ctx context.Context) error {
			return h.store.PersistChatMessage(ctx, roomID, msg)
		})
	}
	if res.Effects.Invitation != nil {
		inv := *res.Effects.Invitation
		h.tasks.Submit("create_invitation", func(ctx context.Context) error {
			return h.store.CreateInvitation(ctx, inv)
		})
	}
}

func (h *Handlers) acceptInvitation(ctx context.Context, c *session.Client, frame models.Frame) {
	var req models.AcceptInvitationRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		c.Send(errorEvent(frame.RoomID, "invalid_payload", "invalid accept-invitation payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.Send(errorEvent(frame.RoomID, "invalid_payload", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.settings.LoadTimeout)
	defer cancel()
	accepted, err := h.store.AcceptInvitation(ctx, req.InvitationID, c.User.Email)
	switch {
	case errors.Is(err, store.ErrInvitationNotFound):
		c.Send(errorEvent(frame.RoomID, "invitation_not_found", "invitation not found"))
		return
	case err != nil:
		metrics.RecordPersistFailure("accept_invitation")
		h.log.Error("accept invitation failed", zap.String("invitationId", req.InvitationID), zap.Error(err))
		c.Send(errorEvent(frame.RoomID, "internal_error", "could not accept invitation"))
		return
	}
	c.Send(models.Event{Kind: models.KindInvitationAccepted, RoomID: accepted.RoomID, Payload: accepted})
}

func (h *Handlers) publish(kind, roomID string, c *session.Client) {
	if h.relay == nil {
		return
	}
	// stamped now, not when the queued publish runs, so remote instances can
	// order joins
	ev := models.PresenceEvent{Type: kind, RoomID: roomID, UserID: c.User.UserID, ConnectionID: c.ID, Timestamp: time.Now()}
	h.tasks.Submit("publish_presence", func(ctx context.Context) error {
		return h.relay.Publish(ctx, ev)
	})
}

func tokenFromRequest(r *http.Request) string {
	if token, err := utils.ExtractTokenFromHeader(r.Header.Get("Authorization")); err == nil {
		return token
	}
	return r.URL.Query().Get("token")
}

func errorEvent(roomID, code, msg string) models.Event {
	return models.Event{Kind: models.KindError, RoomID: roomID, Payload: models.ErrorPayload{Code: code, Message: msg}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
