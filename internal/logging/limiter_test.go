package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"fleetmon/internal/clock"
)

func TestLimiterSuppressesWithinInterval(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewLimiter(logger, time.Minute, clock.Func(func() time.Time { return now }))

	ctx := context.Background()
	if !limiter.Log(ctx, "rule-1", slog.LevelWarn, "rule misconfigured", "rule_id", "rule-1") {
		t.Fatalf("first record should be emitted")
	}
	if limiter.Log(ctx, "rule-1", slog.LevelWarn, "rule misconfigured", "rule_id", "rule-1") {
		t.Fatalf("repeat within interval should be suppressed")
	}
	if !limiter.Log(ctx, "rule-2", slog.LevelWarn, "rule misconfigured", "rule_id", "rule-2") {
		t.Fatalf("distinct key should not be suppressed")
	}

	now = now.Add(61 * time.Second)
	if !limiter.Log(ctx, "rule-1", slog.LevelWarn, "rule misconfigured", "rule_id", "rule-1") {
		t.Fatalf("record after interval should be emitted")
	}

	if got := strings.Count(buf.String(), "rule misconfigured"); got != 3 {
		t.Fatalf("emitted records = %d, want 3", got)
	}
}

func TestLimiterForget(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewLimiter(logger, time.Hour, clock.Func(func() time.Time { return now }))

	ctx := context.Background()
	limiter.Log(ctx, "rule-1", slog.LevelInfo, "noted")
	limiter.Forget("rule-1")
	if !limiter.Log(ctx, "rule-1", slog.LevelInfo, "noted") {
		t.Fatalf("forgotten key should be emitted again")
	}
}
