package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"collabroom/internal/collab"
	"collabroom/internal/document"
	"collabroom/internal/models"
	"collabroom/internal/session"
)

type persistCall struct {
	roomID   string
	content  string
	revision int64
}

type recordingPersister struct {
	mu    sync.Mutex
	calls []persistCall
	err   error
}

func (p *recordingPersister) PersistDocument(_ context.Context, roomID, content string, revision int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, persistCall{roomID, content, revision})
	return nil
}

func (p *recordingPersister) snapshot() []persistCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]persistCall(nil), p.calls...)
}

func roomWithEdit(t *testing.T, hub *session.Hub, roomID, text string) *session.Room {
	t.Helper()
	c := session.NewClient(nil, models.Identity{UserID: "u-" + roomID}, 8)
	c.SetSendHook(func(models.Event) {})

	r, err := hub.Acquire(context.Background(), roomID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer hub.Release(r)
	if err := r.Join(c); err != nil {
		t.Fatalf("join: %v", err)
	}
	raw, _ := json.Marshal(models.DocumentChangeRequest{Op: models.Operation{Type: models.OpInsert, Text: text}})
	if _, err := r.Handle(c, models.Frame{Kind: models.KindDocumentChange, RoomID: roomID, Payload: raw}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	return r
}

func newHub() *session.Hub {
	return session.NewHub(zap.NewNop(), collab.NewHandler(zap.NewNop()), session.Options{})
}

func TestFlushOncePersistsDirtyRoomsOnce(t *testing.T) {
	hub := newHub()
	roomWithEdit(t, hub, "room-a", "alpha")
	roomWithEdit(t, hub, "room-b", "beta")

	p := &recordingPersister{}
	f := NewDocumentFlusher(hub, p, "@every 1h", zap.NewNop())

	n, err := f.FlushOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 flushed, got %d %v", n, err)
	}
	got := map[string]persistCall{}
	for _, c := range p.snapshot() {
		got[c.roomID] = c
	}
	if got["room-a"].content != "alpha" || got["room-a"].revision != 1 || got["room-b"].content != "beta" {
		t.Fatalf("unexpected persisted documents %+v", got)
	}

	n, err = f.FlushOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected clean rooms to be skipped, got %d %v", n, err)
	}
}

func TestFlushOnceKeepsRoomDirtyOnFailure(t *testing.T) {
	hub := newHub()
	r := roomWithEdit(t, hub, "room-a", "alpha")

	p := &recordingPersister{err: errors.New("db down")}
	f := NewDocumentFlusher(hub, p, "@every 1h", zap.NewNop())

	if n, err := f.FlushOnce(context.Background()); err == nil || n != 0 {
		t.Fatalf("expected failure, got %d %v", n, err)
	}
	if _, dirty := r.Pending(); !dirty {
		t.Fatalf("expected room to stay dirty after failed flush")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := NewDocumentFlusher(newHub(), &recordingPersister{}, "not a schedule", zap.NewNop())
	if err := f.Start(); err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	hub := newHub()
	roomWithEdit(t, hub, "room-a", "alpha")
	p := &recordingPersister{}
	f := NewDocumentFlusher(hub, p, "@every 1s", zap.NewNop())

	if err := f.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(p.snapshot()) == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected scheduled flush to persist the room")
}

func TestFlushOnceWritesDestroyedRoomsStillPending(t *testing.T) {
	var queued []string
	hub := session.NewHub(zap.NewNop(), collab.NewHandler(zap.NewNop()), session.Options{
		// the destroy write stays queued, done is never called
		OnDestroy: func(roomID string, _ document.Snapshot, _ func()) { queued = append(queued, roomID) },
	})
	roomWithEdit(t, hub, "room-a", "alpha")
	hub.Supersede("room-a", "u-room-a", time.Time{})
	if len(queued) != 1 || len(hub.Parked()) != 1 {
		t.Fatalf("expected destroyed room to be parked, queued=%v", queued)
	}

	p := &recordingPersister{}
	f := NewDocumentFlusher(hub, p, "@every 1h", zap.NewNop())
	n, err := f.FlushOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 flushed, got %d %v", n, err)
	}
	if calls := p.snapshot(); len(calls) != 1 || calls[0].content != "alpha" || calls[0].revision != 1 {
		t.Fatalf("unexpected persisted documents %+v", calls)
	}
	if len(hub.Parked()) != 0 {
		t.Fatalf("expected parked snapshot to be cleared after the write")
	}
}
