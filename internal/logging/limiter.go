package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleetmon/internal/clock"
)

// Limiter suppresses repeated log records sharing one key within an interval.
// Params: logger destination, minimum gap between records per key, and clock.
// Returns: keyed rate-limited logging facade.
type Limiter struct {
	logger   *slog.Logger
	interval time.Duration
	clk      clock.Clock

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewLimiter builds a keyed log limiter.
// Params: logger destination; interval minimum gap per key; clk time source.
// Returns: ready limiter.
func NewLimiter(logger *slog.Logger, interval time.Duration, clk clock.Clock) *Limiter {
	return &Limiter{
		logger:   logger,
		interval: interval,
		clk:      clk,
		lastSeen: make(map[string]time.Time),
	}
}

// Log emits the record unless the same key fired within the interval.
// Params: ctx context; key suppression identity; level, msg, and attrs as in slog.
// Returns: true when the record was emitted.
func (l *Limiter) Log(ctx context.Context, key string, level slog.Level, msg string, args ...any) bool {
	now := l.clk.Now()

	l.mu.Lock()
	last, seen := l.lastSeen[key]
	if seen && now.Sub(last) < l.interval {
		l.mu.Unlock()
		return false
	}
	l.lastSeen[key] = now
	l.mu.Unlock()

	l.logger.Log(ctx, level, msg, args...)
	return true
}

// Forget drops suppression state for one key.
// Params: key suppression identity.
// Returns: none.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.lastSeen, key)
	l.mu.Unlock()
}
