package occurrence

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetmon/internal/domain"
)

func testOccurrence(id string, createdAt time.Time) domain.AlertOccurrence {
	return domain.AlertOccurrence{
		ID:          id,
		AccountID:   "acct-1",
		GroupID:     "group-a",
		AgentID:     "agent-1",
		RuleID:      "rule-cpu",
		Severity:    domain.SeverityCritical,
		Metric:      domain.MetricCPU,
		Message:     "cpu >= 90 for 30s",
		AnomalyType: "cpu_threshold",
		CreatedAt:   createdAt,
	}
}

func TestMemoryStoreInsertRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	occ := testOccurrence("occ-1", time.Now())

	if err := store.Insert(ctx, occ); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Insert(ctx, occ); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStoreListNewestFirstWithPaging(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		occ := testOccurrence("occ-"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		if err := store.Insert(ctx, occ); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	other := testOccurrence("occ-other", base)
	other.GroupID = "group-b"
	if err := store.Insert(ctx, other); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	page, err := store.List(ctx, "group-a", 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 || page[0].ID != "occ-e" || page[1].ID != "occ-d" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	page, err = store.List(ctx, "group-a", 2, 4)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 1 || page[0].ID != "occ-a" {
		t.Fatalf("unexpected last page: %+v", page)
	}

	if page, _ := store.List(ctx, "group-a", 2, 50); page != nil {
		t.Fatalf("offset past end should be empty, got %+v", page)
	}
}

func TestMemoryStoreAttemptHistory(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	record := func(n int, outcome domain.AttemptOutcome, terminal bool) {
		t.Helper()
		err := store.RecordAttempt(ctx, domain.DeliveryAttempt{
			OccurrenceID:  "occ-1",
			ChannelID:     "chan-1",
			AttemptNumber: n,
			Outcome:       outcome,
			Terminal:      terminal,
			AttemptedAt:   now.Add(time.Duration(n) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}

	if _, found, err := store.TerminalOutcome(ctx, "occ-1", "chan-1"); err != nil || found {
		t.Fatalf("no attempts yet, found=%v err=%v", found, err)
	}

	record(1, domain.OutcomeFailure, false)
	record(2, domain.OutcomeFailure, false)
	record(3, domain.OutcomeSuccess, true)

	attempts, err := store.Attempts(ctx, "occ-1", "chan-1")
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(attempts) != 3 || attempts[2].AttemptNumber != 3 {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}

	outcome, found, err := store.TerminalOutcome(ctx, "occ-1", "chan-1")
	if err != nil || !found || outcome != domain.OutcomeSuccess {
		t.Fatalf("terminal = %q found=%v err=%v", outcome, found, err)
	}

	if attempts, _ := store.Attempts(ctx, "occ-1", "chan-other"); len(attempts) != 0 {
		t.Fatalf("other channel should have no attempts, got %+v", attempts)
	}
}
