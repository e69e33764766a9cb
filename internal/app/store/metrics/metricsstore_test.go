package metricsstore_test

import (
	"context"
	"testing"

	metricsstore "github.com/dalemusser/crewhub/internal/app/store/metrics"
	"github.com/dalemusser/crewhub/internal/app/system/membership"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/dalemusser/crewhub/internal/testutil"
	"go.uber.org/zap"
)

func TestFetchCounts_Empty(t *testing.T) {
	ds := testutil.NewMemoryStore(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	counts := metricsstore.FetchCounts(ctx, ds)
	if counts != (metricsstore.Counts{}) {
		t.Errorf("expected zero counts, got %+v", counts)
	}
}

func TestFetchCounts_WithData(t *testing.T) {
	ds := testutil.NewMemoryStore(t)
	mgr := membership.New(ds, nil, zap.NewNop())
	ctx := context.Background()

	a, err := mgr.CreateCrew(ctx, "Alpha", "bob", nil)
	if err != nil {
		t.Fatalf("CreateCrew: %v", err)
	}
	if _, err := mgr.AddMember(ctx, a.ID, "mo", models.RoleMember); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if _, err := mgr.Invite(ctx, a.ID, "bob", "nia"); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	b, err := mgr.CreateCrew(ctx, "Bravo", "ann", nil)
	if err != nil {
		t.Fatalf("CreateCrew: %v", err)
	}
	if _, err := mgr.Deactivate(ctx, b.ID, "ann"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	counts := metricsstore.FetchCounts(ctx, ds)
	if counts.Crews != 2 {
		t.Errorf("Crews: got %d, want 2", counts.Crews)
	}
	if counts.ActiveCrews != 1 {
		t.Errorf("ActiveCrews: got %d, want 1", counts.ActiveCrews)
	}
	if counts.Members != 3 {
		t.Errorf("Members: got %d, want 3", counts.Members)
	}
	if counts.PendingInvitations != 1 {
		t.Errorf("PendingInvitations: got %d, want 1", counts.PendingInvitations)
	}
}
