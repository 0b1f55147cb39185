package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetmon/internal/domain"
)

func TestMemoryStorePutGetUpdate(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	ctx := context.Background()
	key := domain.StateKey("rule-cpu", "agent-1")

	if _, _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	firingSince := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := domain.RuleState{
		AgentID:     "agent-1",
		RuleID:      "rule-cpu",
		IsFiring:    true,
		FiringSince: &firingSince,
	}
	rev, err := store.Put(ctx, key, st)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, gotRev, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotRev != rev || !got.IsFiring || got.FiringSince == nil || !got.FiringSince.Equal(firingSince) {
		t.Fatalf("unexpected state: %+v rev=%d", got, gotRev)
	}

	st.IsFiring = false
	st.FiringSince = nil
	newRev, err := store.Update(ctx, key, rev, st)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newRev != rev+1 {
		t.Fatalf("revision = %d, want %d", newRev, rev+1)
	}

	if _, err := store.Update(ctx, key, rev, st); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale revision should conflict, got %v", err)
	}
	if _, err := store.Update(ctx, "rule/absent/agent", 1, st); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key should be ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCreateIsExclusive(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	ctx := context.Background()
	key := domain.StateKey("rule-cpu", "agent-1")

	rev, err := store.Create(ctx, key, domain.RuleState{AgentID: "agent-1", RuleID: "rule-cpu"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rev != 1 {
		t.Fatalf("revision = %d, want 1", rev)
	}

	if _, err := store.Create(ctx, key, domain.RuleState{AgentID: "agent-1", RuleID: "rule-cpu", IsFiring: true}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second create should conflict, got %v", err)
	}
	got, _, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IsFiring {
		t.Fatalf("losing create must not overwrite: %+v", got)
	}
}

func TestMemoryStoreGraceTickExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()
	key := domain.StateKey("rule-cpu", "agent-1")

	if err := store.RefreshGraceTick(ctx, key, now, 15*time.Minute); err != nil {
		t.Fatalf("RefreshGraceTick: %v", err)
	}
	ok, err := store.HasGraceTick(ctx, key)
	if err != nil || !ok {
		t.Fatalf("tick should exist before expiry, ok=%v err=%v", ok, err)
	}

	now = now.Add(15*time.Minute + time.Second)
	ok, err = store.HasGraceTick(ctx, key)
	if err != nil || ok {
		t.Fatalf("tick should expire, ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreDeleteRemovesTick(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	ctx := context.Background()
	key := domain.StateKey("rule-cpu", "agent-1")

	if _, err := store.Put(ctx, key, domain.RuleState{AgentID: "agent-1", RuleID: "rule-cpu"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.RefreshGraceTick(ctx, key, time.Now(), 0); err != nil {
		t.Fatalf("RefreshGraceTick: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("state should be gone, got %v", err)
	}
	if ok, _ := store.HasGraceTick(ctx, key); ok {
		t.Fatalf("tick should be gone with state")
	}
}

func TestMemoryStoreListKeysByRule(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	ctx := context.Background()

	for _, agentID := range []string{"agent-1", "agent-2"} {
		key := domain.StateKey("rule-cpu", agentID)
		if _, err := store.Put(ctx, key, domain.RuleState{AgentID: agentID, RuleID: "rule-cpu"}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	otherKey := domain.StateKey("rule-disk", "agent-1")
	if _, err := store.Put(ctx, otherKey, domain.RuleState{AgentID: "agent-1", RuleID: "rule-disk"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	keys, err := store.ListKeysByRule(ctx, "rule-cpu")
	if err != nil {
		t.Fatalf("ListKeysByRule: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %v, want 2 entries", keys)
	}
}
