package audit_test

import (
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/store/audit"
	"github.com/dalemusser/crewhub/internal/testutil"
)

func TestStore_Log(t *testing.T) {
	store := audit.New(testutil.NewMemoryStore(t))
	ctx, cancel := testutil.TestContext()
	defer cancel()

	event := audit.Event{
		Category:  audit.CategoryCrew,
		EventType: audit.EventCrewCreated,
		CrewID:    "localsunited-1",
		ActorID:   "bob",
		Success:   true,
	}
	if err := store.Log(ctx, event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	events, err := store.GetByCrew(ctx, "localsunited-1", 10)
	if err != nil {
		t.Fatalf("GetByCrew failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ID == "" {
		t.Error("expected ID to be auto-generated")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestStore_Query_Filters(t *testing.T) {
	store := audit.New(testutil.NewMemoryStore(t))
	ctx, cancel := testutil.TestContext()
	defer cancel()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := []audit.Event{
		{Category: audit.CategoryCrew, EventType: audit.EventCrewCreated, CrewID: "a-1", Timestamp: base, Success: true},
		{Category: audit.CategoryCrew, EventType: audit.EventMemberAdded, CrewID: "a-1", UserID: "mo", Timestamp: base.Add(time.Minute), Success: true},
		{Category: audit.CategoryOps, EventType: audit.EventNotificationFailed, CrewID: "a-1", Timestamp: base.Add(2 * time.Minute)},
		{Category: audit.CategoryCrew, EventType: audit.EventCrewCreated, CrewID: "b-2", Timestamp: base.Add(3 * time.Minute), Success: true},
	}
	for _, e := range events {
		if err := store.Log(ctx, e); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter audit.QueryFilter
		want   int64
	}{
		{"all", audit.QueryFilter{}, 4},
		{"by crew", audit.QueryFilter{CrewID: "a-1"}, 3},
		{"by category", audit.QueryFilter{Category: audit.CategoryOps}, 1},
		{"by type", audit.QueryFilter{EventType: audit.EventCrewCreated}, 2},
		{"by user", audit.QueryFilter{UserID: "mo"}, 1},
		{"since", audit.QueryFilter{StartTime: ptr(base.Add(2 * time.Minute))}, 2},
		{"until", audit.QueryFilter{EndTime: ptr(base.Add(time.Minute))}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := store.CountByFilter(ctx, tt.filter)
			if err != nil {
				t.Fatalf("CountByFilter failed: %v", err)
			}
			if n != tt.want {
				t.Errorf("got %d, want %d", n, tt.want)
			}
		})
	}

	recent, err := store.GetRecent(ctx, 2)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(recent) != 2 || recent[0].CrewID != "b-2" {
		t.Errorf("expected newest first, got %+v", recent)
	}
}

func ptr(t time.Time) *time.Time { return &t }
