package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabroom/internal/models"
)

const (
	Channel = "collab:presence"

	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
)

// Evicter removes a user from a local room when that user joined the same
// room elsewhere at joinedAt.
type Evicter interface {
	Supersede(roomID, userID string, joinedAt time.Time) bool
}

// Relay shares presence events between server instances over redis pub/sub
// so a user joining a room on one instance supersedes its connection on any
// other.
type Relay struct {
	rdb        *redis.Client
	instanceID string
	log        *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Relay {
	return &Relay{rdb: rdb, instanceID: uuid.NewString(), log: log}
}

func (r *Relay) InstanceID() string { return r.instanceID }

func (r *Relay) Publish(ctx context.Context, ev models.PresenceEvent) error {
	ev.InstanceID = r.instanceID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal presence event: %w", err)
	}
	return r.rdb.Publish(ctx, Channel, data).Err()
}

// Subscribe confirms the subscription and then consumes events in the
// background until ctx is cancelled.
func (r *Relay) Subscribe(ctx context.Context, ev Evicter) error {
	pubsub := r.rdb.Subscribe(ctx, Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	r.log.Info("subscribed to presence relay", zap.String("instanceId", r.instanceID))

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handle(msg.Payload, ev)
			}
		}
	}()
	return nil
}

func (r *Relay) handle(payload string, ev Evicter) {
	var event models.PresenceEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.log.Warn("invalid presence event", zap.Error(err))
		return
	}
	if event.InstanceID == r.instanceID {
		return
	}

	switch event.Type {
	case EventUserJoined:
		if ev.Supersede(event.RoomID, event.UserID, event.Timestamp) {
			r.log.Info("user joined on another instance",
				zap.String("roomId", event.RoomID),
				zap.String("userId", event.UserID),
				zap.String("instanceId", event.InstanceID))
		}
	case EventUserLeft:
		r.log.Debug("user left on another instance",
			zap.String("roomId", event.RoomID), zap.String("userId", event.UserID))
	}
}
