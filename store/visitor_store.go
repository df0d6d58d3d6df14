package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Visitor first-seen marks persist for 13 months, matching the event log
// retention window.
const visitorRetention = 13 * 31 * 24 * time.Hour

// VisitorRegistry tracks the first-seen timestamp per visitor in Redis,
// independent of any session. It powers new-vs-returning classification: a
// visitor is "new" on the day their first session ever was observed.
type VisitorRegistry struct {
	rdb *redis.Client
}

func NewVisitorRegistry(addr, password string) (*VisitorRegistry, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &VisitorRegistry{rdb: rdb}, nil
}

// NewVisitorRegistryFromClient wraps an existing client; tests use this with
// miniredis.
func NewVisitorRegistryFromClient(rdb *redis.Client) *VisitorRegistry {
	return &VisitorRegistry{rdb: rdb}
}

func visitorKey(visitorID string) string {
	return "visitor:first_seen:" + visitorID
}

// FirstSeen records now as the visitor's first-seen timestamp if none exists
// yet, and returns the effective first-seen time plus whether this call was
// the first observation ever.
func (r *VisitorRegistry) FirstSeen(ctx context.Context, visitorID string, now time.Time) (time.Time, bool, error) {
	key := visitorKey(visitorID)
	set, err := r.rdb.SetNX(ctx, key, now.UTC().Format(time.RFC3339Nano), visitorRetention).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to record first-seen for visitor: %w", err)
	}
	if set {
		return now, true, nil
	}

	raw, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read first-seen for visitor: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt first-seen timestamp %q: %w", raw, err)
	}
	return ts, false, nil
}

func (r *VisitorRegistry) Close() error {
	return r.rdb.Close()
}
