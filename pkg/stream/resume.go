package stream

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResumeCursor persists the timestamp of the last notification this
// manager processed (spec §4.4 "at-least-once delivery, no persistent
// log" — this is the opt-in exception: one timestamp, not a queue). A
// process that restarts after a gap uses it to replay the rows it may
// have missed rather than silently losing them. A nil *ResumeCursor is a
// valid no-op, matching pkg/cache's nil-client pass-through convention.
type ResumeCursor struct {
	client *redis.Client
	key    string
}

// NewResumeCursor builds a cursor backed by Redis at addr, or returns nil
// when addr is empty (resume bookkeeping is opt-in).
func NewResumeCursor(addr, key string) *ResumeCursor {
	if addr == "" {
		return nil
	}
	return &ResumeCursor{client: redis.NewClient(&redis.Options{Addr: addr}), key: key}
}

// Advance records at as the last-processed notification's timestamp.
func (r *ResumeCursor) Advance(ctx context.Context, at time.Time) {
	if r == nil {
		return
	}
	r.client.Set(ctx, r.key, strconv.FormatInt(at.UnixNano(), 10), 0)
}

// Load returns the last recorded timestamp, or false if none is on record
// (including when r is nil).
func (r *ResumeCursor) Load(ctx context.Context) (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	raw, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
