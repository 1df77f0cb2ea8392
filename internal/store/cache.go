package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "collab:doc:"

type cachedDocument struct {
	Content  string `json:"content"`
	Revision int64  `json:"revision"`
}

// DocumentCache keeps the latest flushed content of each room in redis so a
// room recreated on any instance starts without a database read.
type DocumentCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewDocumentCache(rdb redis.Cmdable, ttl time.Duration) *DocumentCache {
	return &DocumentCache{rdb: rdb, ttl: ttl}
}

func (c *DocumentCache) Get(ctx context.Context, roomID string) (string, int64, bool, error) {
	raw, err := c.rdb.Get(ctx, cacheKeyPrefix+roomID).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	var doc cachedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", 0, false, err
	}
	return doc.Content, doc.Revision, true, nil
}

func (c *DocumentCache) Set(ctx context.Context, roomID, content string, revision int64) error {
	data, err := json.Marshal(cachedDocument{Content: content, Revision: revision})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, cacheKeyPrefix+roomID, data, c.ttl).Err()
}
