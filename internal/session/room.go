package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabroom/internal/collab"
	"collabroom/internal/document"
	"collabroom/internal/metrics"
	"collabroom/internal/models"
)

var (
	ErrRoomClosed = errors.New("room is closed")
	ErrRoomReset  = errors.New("room was reset")
)

// Room serializes all work on one collaboration session. Its subscribers
// form the room's broadcast group.
type Room struct {
	ID string

	// guarded by Hub.mu
	pending int

	ready chan struct{}

	mu        sync.Mutex
	state     *collab.RoomState
	handler   *collab.Handler
	clients   map[string]*Client
	broken    bool
	durable   bool
	persisted int64
	log       *zap.Logger
}

func newRoom(id string, handler *collab.Handler, log *zap.Logger) *Room {
	return &Room{
		ID:      id,
		ready:   make(chan struct{}),
		handler: handler,
		clients: make(map[string]*Client),
		log:     log,
	}
}

// init seeds the document at revision; persisted is the revision already
// stored.
func (r *Room) init(content string, revision, persisted int64, historyLimit int, durable bool) {
	r.mu.Lock()
	r.state = collab.NewRoomStateAt(r.ID, content, revision, historyLimit)
	r.durable = durable
	r.persisted = persisted
	r.mu.Unlock()
	close(r.ready)
}

func sender(c *Client) collab.Sender {
	return collab.Sender{ConnectionID: c.ID, Identity: c.User}
}

// Join subscribes c and adds its user to presence. A previous connection for
// the same user is unsubscribed, told why and closed.
func (r *Room) Join(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken || r.state == nil {
		return ErrRoomClosed
	}

	res := r.handler.Join(r.state, sender(c))
	if res.Stale != "" {
		if old, ok := r.clients[res.Stale]; ok {
			delete(r.clients, res.Stale)
			old.clearRoom(r)
			old.Send(models.Event{Kind: models.KindError, RoomID: r.ID, Payload: models.ErrorPayload{
				Code: "superseded", Message: "joined from another connection",
			}})
			old.Close()
		}
		r.log.Info("connection superseded", zap.String("roomId", r.ID), zap.String("userId", c.User.UserID))
	} else {
		metrics.ParticipantJoined()
	}

	r.clients[c.ID] = c
	c.setRoom(r)
	r.deliver(c.ID, c, res.Out)
	return nil
}

// Leave unsubscribes c and reports whether the room has no participants left.
func (r *Room) Leave(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.clients[c.ID]; ok && cur == c {
		delete(r.clients, c.ID)
	}
	c.clearRoom(r)
	if r.state == nil || r.broken {
		return true
	}

	res := r.handler.Leave(r.state, sender(c))
	if !res.Dropped {
		metrics.ParticipantLeft()
	}
	r.deliver(c.ID, c, res.Out)
	return res.Empty
}

// Handle runs one inbound frame through the protocol handler. Events for
// subscribers of this room are delivered before Handle returns; ToEmail
// events are left in the result for the caller.
func (r *Room) Handle(c *Client, frame models.Frame) (res collab.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken || r.clients[c.ID] != c {
		return collab.Result{Dropped: true}, ErrRoomClosed
	}

	defer func() {
		if p := recover(); p != nil {
			r.failLocked(fmt.Sprint(p))
			res, err = collab.Result{Dropped: true}, ErrRoomReset
		}
	}()

	res = r.handler.Dispatch(r.state, sender(c), frame)
	r.deliver(c.ID, c, res.Out)
	return res, nil
}

// evictJoinedBefore removes userID as if its connection had dropped and
// closes that connection, provided the participant joined before cutoff. A
// zero cutoff matches any participant. empty reports whether the room has no
// participants left.
func (r *Room) evictJoinedBefore(userID, reason string, cutoff time.Time) (evicted, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil || r.broken {
		return false, true
	}

	p, ok := r.state.Presence.Get(userID)
	if !ok {
		return false, r.state.Presence.Len() == 0
	}
	if !cutoff.IsZero() && !p.JoinedAt.Before(cutoff) {
		return false, false
	}
	connID, _ := r.state.Presence.Connection(userID)
	res := r.handler.Leave(r.state, collab.Sender{ConnectionID: connID, Identity: models.Identity{UserID: userID}})
	if !res.Dropped {
		metrics.ParticipantLeft()
	}

	c := r.clients[connID]
	delete(r.clients, connID)
	r.deliver(connID, nil, res.Out)
	if c != nil {
		c.clearRoom(r)
		c.Send(models.Event{Kind: models.KindError, RoomID: r.ID, Payload: models.ErrorPayload{Code: reason}})
		c.Close()
	}
	return true, res.Empty
}

// Broadcast delivers ev to every subscriber except the connection exclude.
// A failed delivery never stops the rest.
func (r *Room) Broadcast(ev models.Event, exclude string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(ev, exclude)
}

func (r *Room) broadcastLocked(ev models.Event, exclude string) int {
	n := 0
	for id, c := range r.clients {
		if id == exclude {
			continue
		}
		if !c.Send(ev) {
			r.log.Debug("broadcast delivery failed", zap.String("roomId", r.ID), zap.String("connectionId", id))
			continue
		}
		n++
	}
	return n
}

// deliver routes outs on behalf of connection fromID. from may be nil when
// that connection is already gone.
func (r *Room) deliver(fromID string, from *Client, outs []collab.Outbound) {
	for _, o := range outs {
		switch o.Target {
		case collab.ToSender:
			if from != nil {
				from.Send(o.Event)
			}
		case collab.ToOthers:
			r.broadcastLocked(o.Event, fromID)
		case collab.ToRoom:
			r.broadcastLocked(o.Event, "")
		case collab.ToConnection:
			if c, ok := r.clients[o.ConnectionID]; ok {
				c.Send(o.Event)
			}
		}
	}
}

// failLocked tears the room down after its state can no longer be trusted.
func (r *Room) failLocked(reason string) {
	r.broken = true
	r.log.Error("room reset after internal failure", zap.String("roomId", r.ID), zap.String("reason", reason))

	ev := models.Event{Kind: models.KindRoomReset, RoomID: r.ID, Payload: models.MessagePayload{
		Message: "room state was reset, rejoin to continue",
	}}
	for id, c := range r.clients {
		c.Send(ev)
		c.clearRoom(r)
		delete(r.clients, id)
	}
	for i := 0; i < r.state.Presence.Len(); i++ {
		metrics.ParticipantLeft()
	}
}

func (r *Room) emptyLocked() bool {
	return r.state == nil || r.broken || r.state.Presence.Len() == 0
}

// Summary returns false until the room has finished loading.
func (r *Room) Summary() (models.RoomSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return models.RoomSummary{}, false
	}
	doc := r.state.Doc.Snapshot()
	return models.RoomSummary{
		RoomID:       r.ID,
		UserCount:    r.state.Presence.Len(),
		Revision:     doc.Revision,
		LastModified: doc.LastModified,
	}, true
}

// Participants lists the room's participants in join order.
func (r *Room) Participants() []models.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil
	}
	return r.state.Presence.List()
}

// Pending returns the document snapshot if it changed since the last
// MarkPersisted and the room may be persisted at all.
func (r *Room) Pending() (document.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

func (r *Room) pendingLocked() (document.Snapshot, bool) {
	if r.state == nil || r.broken || !r.durable {
		return document.Snapshot{}, false
	}
	snap := r.state.Doc.Snapshot()
	return snap, snap.Revision > r.persisted
}

func (r *Room) MarkPersisted(revision int64) {
	r.mu.Lock()
	if revision > r.persisted {
		r.persisted = revision
	}
	r.mu.Unlock()
}
