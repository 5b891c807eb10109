package scheduler

import (
	"testing"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/store"
	"github.com/google/uuid"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob(DefaultSweepSpec, func() {}); err != nil {
		t.Errorf("expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron spec", func() {}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func activeSession(phone string, lastActivity time.Time) models.Session {
	return models.Session{
		ID:             uuid.NewString(),
		PhoneNumber:    phone,
		Account:        "acct-1",
		FlowID:         "flow-1",
		CurrentStep:    "ask_name",
		Status:         models.SessionStatusActive,
		CreatedAt:      lastActivity,
		LastActivityAt: lastActivity,
	}
}

func TestSweeperExpiresIdleSessions(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := store.NewInMemoryStore()
	if err := st.CreateSession(activeSession("+15550001", now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := st.CreateSession(activeSession("+15550002", now.Add(-time.Minute))); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sweeper := NewSweeper(st,
		func() time.Duration { return 30 * time.Minute },
		WithClock(func() time.Time { return now }),
	)
	if got := sweeper.Run(); got != 1 {
		t.Errorf("expected 1 expired session, got %d", got)
	}

	stale, _ := st.GetActiveSession("+15550001", "acct-1")
	if stale != nil {
		t.Errorf("expected stale session expired, got %+v", stale)
	}
	fresh, _ := st.GetActiveSession("+15550002", "acct-1")
	if fresh == nil {
		t.Error("expected fresh session to survive the sweep")
	}
}

func TestSweeperDrainsInBatches(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := store.NewInMemoryStore()
	for i := 0; i < 7; i++ {
		if err := st.CreateSession(activeSession(uuid.NewString(), now.Add(-2*time.Hour))); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}

	sweeper := NewSweeper(st,
		func() time.Duration { return 30 * time.Minute },
		WithBatchSize(3),
		WithClock(func() time.Time { return now }),
	)
	if got := sweeper.Run(); got != 7 {
		t.Errorf("expected all 7 sessions expired across batches, got %d", got)
	}
}

func TestSweeperDefaultTTL(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := store.NewInMemoryStore()
	if err := st.CreateSession(activeSession("+15550001", now.Add(-time.Hour))); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// TTL of zero falls back to the default rather than expiring everything.
	sweeper := NewSweeper(st,
		func() time.Duration { return 0 },
		WithClock(func() time.Time { return now }),
	)
	if got := sweeper.Run(); got != 1 {
		t.Errorf("expected the hour-idle session expired under the default TTL, got %d", got)
	}
}
