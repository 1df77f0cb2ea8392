package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabroom/internal/collab"
	"collabroom/internal/document"
	"collabroom/internal/metrics"
	"collabroom/internal/models"
)

// Loader returns the stored content and revision for a room that is being
// created.
type Loader func(ctx context.Context, roomID string) (string, int64, error)

// DestroyHook receives the final document of a room that held unpersisted
// changes when it was removed. done must be called once snap is stored; until
// then a room recreated under the same id starts from snap instead of the
// Loader.
type DestroyHook func(roomID string, snap document.Snapshot, done func())

type Options struct {
	Loader       Loader
	HistoryLimit int
	OnDestroy    DestroyHook
}

// Hub manages all active collaboration rooms and the set of authenticated
// connections. Lock order is Hub.mu before Room.mu.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*Room
	// final snapshots of destroyed rooms whose persist has not finished
	parked map[string]document.Snapshot

	clientsMu sync.RWMutex
	clients   map[string]*Client

	handler *collab.Handler
	log     *zap.Logger
	opts    Options
}

func NewHub(log *zap.Logger, handler *collab.Handler, opts Options) *Hub {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = document.DefaultHistoryLimit
	}
	return &Hub{
		rooms:   make(map[string]*Room),
		parked:  make(map[string]document.Snapshot),
		clients: make(map[string]*Client),
		handler: handler,
		log:     log,
		opts:    opts,
	}
}

// Acquire returns the room for id, creating and loading it if needed. The
// caller holds a pending join on the room until it calls Release, which keeps
// the room registered even while it has no participants.
func (h *Hub) Acquire(ctx context.Context, id string) (*Room, error) {
	h.mu.Lock()
	r, ok := h.rooms[id]
	var snap document.Snapshot
	var parked bool
	if !ok {
		r = newRoom(id, h.handler, h.log)
		h.rooms[id] = r
		snap, parked = h.parked[id]
		delete(h.parked, id)
	}
	r.pending++
	h.mu.Unlock()

	if !ok {
		if parked {
			// the stored copy may still be behind; keep the room dirty so it is written again
			r.init(snap.Content, snap.Revision, 0, h.opts.HistoryLimit, true)
		} else {
			h.load(ctx, r)
		}
		metrics.RoomCreated()
		h.log.Info("room created", zap.String("roomId", id))
	}

	// a room that finished loading wins over a deadline that expired alongside it
	select {
	case <-r.ready:
		return r, nil
	default:
	}
	select {
	case <-r.ready:
		return r, nil
	case <-ctx.Done():
		h.Release(r)
		return nil, ctx.Err()
	}
}

func (h *Hub) load(ctx context.Context, r *Room) {
	if h.opts.Loader == nil {
		r.init("", 0, 0, h.opts.HistoryLimit, true)
		return
	}
	content, revision, err := h.opts.Loader(ctx, r.ID)
	if err != nil {
		h.log.Error("load initial document failed, starting empty without persistence",
			zap.String("roomId", r.ID), zap.Error(err))
		metrics.RecordPersistFailure("load_document")
		r.init("", 0, 0, h.opts.HistoryLimit, false)
		return
	}
	r.init(content, revision, revision, h.opts.HistoryLimit, true)
}

// Release drops a pending join taken by Acquire.
func (h *Hub) Release(r *Room) {
	h.mu.Lock()
	r.pending--
	h.mu.Unlock()
	h.RemoveIfEmpty(r.ID)
}

// RemoveIfEmpty destroys the room if nobody is present and no join is in
// flight. Calling it for an unknown or already removed room does nothing.
func (h *Hub) RemoveIfEmpty(id string) bool {
	h.mu.Lock()
	r, ok := h.rooms[id]
	if !ok || r.pending > 0 {
		h.mu.Unlock()
		return false
	}

	r.mu.Lock()
	if !r.emptyLocked() {
		r.mu.Unlock()
		h.mu.Unlock()
		return false
	}
	delete(h.rooms, id)
	snap, dirty := r.pendingLocked()
	dirty = dirty && h.opts.OnDestroy != nil
	if dirty {
		h.parked[id] = snap
	}
	r.mu.Unlock()
	h.mu.Unlock()

	metrics.RoomDestroyed()
	h.log.Info("room destroyed", zap.String("roomId", id))
	if dirty {
		h.opts.OnDestroy(id, snap, func() { h.Unpark(id, snap.Revision) })
	}
	return true
}

// Unpark forgets a destroyed room's snapshot once revision is stored. A newer
// snapshot parked in the meantime is kept.
func (h *Hub) Unpark(id string, revision int64) {
	h.mu.Lock()
	if snap, ok := h.parked[id]; ok && snap.Revision <= revision {
		delete(h.parked, id)
	}
	h.mu.Unlock()
}

// Parked returns the snapshots of destroyed rooms still waiting to be stored.
func (h *Hub) Parked() map[string]document.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]document.Snapshot, len(h.parked))
	for id, snap := range h.parked {
		out[id] = snap
	}
	return out
}

// Get is a lookup only; it never creates a room.
func (h *Hub) Get(id string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	return r, ok
}

func (h *Hub) Rooms() []*Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	return out
}

func (h *Hub) Stats() models.RoomStats {
	stats := models.RoomStats{Rooms: []models.RoomSummary{}}
	for _, r := range h.Rooms() {
		s, ok := r.Summary()
		if !ok {
			continue
		}
		stats.TotalRooms++
		stats.TotalUsers += s.UserCount
		stats.Rooms = append(stats.Rooms, s)
	}
	sort.Slice(stats.Rooms, func(i, j int) bool { return stats.Rooms[i].RoomID < stats.Rooms[j].RoomID })
	return stats
}

// Supersede evicts userID from room id if it joined before joinedAt, which is
// when the same user joined the room elsewhere. A delayed announcement of an
// older join leaves the newer local session alone; a zero joinedAt evicts
// unconditionally.
func (h *Hub) Supersede(id, userID string, joinedAt time.Time) bool {
	r, ok := h.Get(id)
	if !ok {
		return false
	}
	evicted, empty := r.evictJoinedBefore(userID, "superseded", joinedAt)
	if empty {
		h.RemoveIfEmpty(id)
	}
	return evicted
}

func (h *Hub) Register(c *Client) {
	h.clientsMu.Lock()
	h.clients[c.ID] = c
	h.clientsMu.Unlock()
}

func (h *Hub) Unregister(c *Client) {
	h.clientsMu.Lock()
	delete(h.clients, c.ID)
	h.clientsMu.Unlock()
}

// SendToEmail delivers ev to every connection whose user has email and
// returns how many accepted it.
func (h *Hub) SendToEmail(email string, ev models.Event) int {
	h.clientsMu.RLock()
	targets := make([]*Client, 0, 1)
	for _, c := range h.clients {
		if c.User.Email != "" && strings.EqualFold(c.User.Email, email) {
			targets = append(targets, c)
		}
	}
	h.clientsMu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.Send(ev) {
			n++
		}
	}
	return n
}

// CloseAll closes every registered connection.
func (h *Hub) CloseAll() {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, c := range h.clients {
		c.Close()
	}
}
