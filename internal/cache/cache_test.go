package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) *ScoreCache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	c := New(mr.Addr(), time.Minute)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Get(context.Background(), "appliance-1", "hipaa")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected a cache miss for an unset key")
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	want := ComplianceScore{
		ApplianceID: "appliance-1",
		Framework:   "hipaa",
		Score:       0.92,
		RefreshedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := c.Set(ctx, want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := c.Get(ctx, want.ApplianceID, want.Framework)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected a cache hit after Set")
	}
	if got.Score != want.Score || got.ApplianceID != want.ApplianceID || got.Framework != want.Framework {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	score := ComplianceScore{ApplianceID: "appliance-1", Framework: "hipaa", Score: 0.5}
	if err := c.Set(ctx, score); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Invalidate(ctx, score.ApplianceID, score.Framework); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	_, ok, err := c.Get(ctx, score.ApplianceID, score.Framework)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected invalidated entry to miss")
	}
}

func TestGetIsScopedByApplianceAndFramework(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	if err := c.Set(ctx, ComplianceScore{ApplianceID: "appliance-1", Framework: "hipaa", Score: 0.9}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set(ctx, ComplianceScore{ApplianceID: "appliance-1", Framework: "soc2", Score: 0.4}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	hipaaScore, ok, err := c.Get(ctx, "appliance-1", "hipaa")
	if err != nil || !ok {
		t.Fatalf("expected hipaa hit, ok=%v err=%v", ok, err)
	}
	if hipaaScore.Score != 0.9 {
		t.Fatalf("got %v, want 0.9", hipaaScore.Score)
	}

	soc2Score, ok, err := c.Get(ctx, "appliance-1", "soc2")
	if err != nil || !ok {
		t.Fatalf("expected soc2 hit, ok=%v err=%v", ok, err)
	}
	if soc2Score.Score != 0.4 {
		t.Fatalf("got %v, want 0.4", soc2Score.Score)
	}
}

func TestExpiredEntryMisses(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	c := New(mr.Addr(), 10*time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	score := ComplianceScore{ApplianceID: "appliance-1", Framework: "hipaa", Score: 0.77}
	if err := c.Set(ctx, score); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(time.Second)

	_, ok, err := c.Get(ctx, score.ApplianceID, score.Framework)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected the entry to have expired")
	}
}
