package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"collabroom/internal/metrics"
	"collabroom/internal/session"
)

// DocumentPersister stores the content of a room.
type DocumentPersister interface {
	PersistDocument(ctx context.Context, roomID, content string, revision int64) error
}

// DocumentFlusher periodically writes the documents of live rooms that
// changed since their last flush.
type DocumentFlusher struct {
	hub      *session.Hub
	persist  DocumentPersister
	schedule string
	cron     *cron.Cron
	log      *zap.Logger
}

func NewDocumentFlusher(hub *session.Hub, persist DocumentPersister, schedule string, log *zap.Logger) *DocumentFlusher {
	return &DocumentFlusher{
		hub:      hub,
		persist:  persist,
		schedule: schedule,
		cron:     cron.New(),
		log:      log,
	}
}

func (f *DocumentFlusher) Start() error {
	_, err := f.cron.AddFunc(f.schedule, func() {
		if _, err := f.FlushOnce(context.Background()); err != nil {
			f.log.Warn("document flush incomplete", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule document flush: %w", err)
	}
	f.cron.Start()
	f.log.Info("document flusher started", zap.String("schedule", f.schedule))
	return nil
}

// Stop waits for a running flush to finish.
func (f *DocumentFlusher) Stop() {
	<-f.cron.Stop().Done()
}

// FlushOnce persists every dirty room, live or destroyed, and returns how
// many were written.
func (f *DocumentFlusher) FlushOnce(ctx context.Context) (int, error) {
	var errs []error
	flushed := 0
	for _, r := range f.hub.Rooms() {
		snap, dirty := r.Pending()
		if !dirty {
			continue
		}
		if err := f.persist.PersistDocument(ctx, r.ID, snap.Content, snap.Revision); err != nil {
			metrics.RecordPersistFailure("persist_document")
			errs = append(errs, fmt.Errorf("room %s: %w", r.ID, err))
			continue
		}
		r.MarkPersisted(snap.Revision)
		flushed++
	}
	// destroyed rooms whose final write failed or is still queued
	for id, snap := range f.hub.Parked() {
		if err := f.persist.PersistDocument(ctx, id, snap.Content, snap.Revision); err != nil {
			metrics.RecordPersistFailure("persist_document")
			errs = append(errs, fmt.Errorf("destroyed room %s: %w", id, err))
			continue
		}
		f.hub.Unpark(id, snap.Revision)
		flushed++
	}
	if flushed > 0 {
		f.log.Debug("documents flushed", zap.Int("count", flushed))
	}
	return flushed, errors.Join(errs...)
}
