// internal/testutil/fixtures.go
package testutil

import (
	"context"
	"testing"

	"github.com/dalemusser/crewhub/internal/app/system/membership"
	"github.com/dalemusser/crewhub/internal/domain/models"
)

// CreateCrew creates a crew founded by founderID or fails the test.
func CreateCrew(t *testing.T, mgr *membership.Manager, name, founderID string) models.Crew {
	t.Helper()
	crew, err := mgr.CreateCrew(context.Background(), name, founderID, nil)
	if err != nil {
		t.Fatalf("create crew %q: %v", name, err)
	}
	return crew
}

// AddMembers adds each user to the crew as a plain member or fails the test.
func AddMembers(t *testing.T, mgr *membership.Manager, crewID models.CrewID, userIDs ...string) {
	t.Helper()
	for _, id := range userIDs {
		if _, err := mgr.AddMember(context.Background(), crewID, id, models.RoleMember); err != nil {
			t.Fatalf("add member %s to %s: %v", id, crewID, err)
		}
	}
}
