// Package cache provides a Redis-backed read cache for per-appliance
// compliance scores, read by the API's /compliance/score handler, which
// fills it from Postgres on a miss so repeat requests skip the database.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ComplianceScore mirrors a compliance_scores row (internal/evidence).
type ComplianceScore struct {
	ApplianceID string    `json:"appliance_id"`
	Framework   string    `json:"framework"`
	Score       float64   `json:"score"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// ScoreCache wraps a redis client scoped to compliance-score lookups.
type ScoreCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to addr. TTL bounds how long a cached score is served before
// a reader falls back to the relational store.
func New(addr string, ttl time.Duration) *ScoreCache {
	return &ScoreCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func key(applianceID, framework string) string {
	return fmt.Sprintf("compliance_score:%s:%s", applianceID, framework)
}

// Get returns the cached score, or ok=false on a cache miss.
func (c *ScoreCache) Get(ctx context.Context, applianceID, framework string) (ComplianceScore, bool, error) {
	raw, err := c.client.Get(ctx, key(applianceID, framework)).Bytes()
	if err == redis.Nil {
		return ComplianceScore{}, false, nil
	}
	if err != nil {
		return ComplianceScore{}, false, fmt.Errorf("get compliance score: %w", err)
	}
	var score ComplianceScore
	if err := json.Unmarshal(raw, &score); err != nil {
		return ComplianceScore{}, false, fmt.Errorf("decode cached score: %w", err)
	}
	return score, true, nil
}

// Set stores a freshly computed score, overwriting whatever was cached.
func (c *ScoreCache) Set(ctx context.Context, score ComplianceScore) error {
	raw, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}
	if err := c.client.Set(ctx, key(score.ApplianceID, score.Framework), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set compliance score: %w", err)
	}
	return nil
}

// Invalidate drops a cached score, forcing the next reader to recompute it.
func (c *ScoreCache) Invalidate(ctx context.Context, applianceID, framework string) error {
	if err := c.client.Del(ctx, key(applianceID, framework)).Err(); err != nil {
		return fmt.Errorf("invalidate compliance score: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *ScoreCache) Close() error {
	return c.client.Close()
}
