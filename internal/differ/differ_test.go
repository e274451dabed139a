package differ

import (
	"testing"
	"time"

	"dbsentry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity(name string, class models.PrivilegeClass, active bool) models.Identity {
	return models.Identity{
		ServerID:           1,
		NativeUsername:     name,
		NormalizedUsername: name,
		Kind:               models.KindLoginUser,
		PrivilegeClass:     class,
		Active:             active,
	}
}

func findActivity(t *testing.T, activities []models.ActivityRecord, username, action string) models.ActivityRecord {
	t.Helper()
	for _, a := range activities {
		if a.IdentityUsername == username && a.Action == action {
			return a
		}
	}
	t.Fatalf("no %s activity for %s", action, username)
	return models.ActivityRecord{}
}

func TestDiffCreatedDeletedModified(t *testing.T) {
	previous := []models.Identity{
		identity("alice", models.ClassNormal, true),
		identity("bob", models.ClassNormal, true),
	}
	current := []models.Identity{
		identity("alice", models.ClassAdmin, true),  // modified
		identity("carol", models.ClassNormal, true), // created
	}

	activities, events := Diff(1, previous, current, Options{})

	require.Len(t, activities, 3)
	findActivity(t, activities, "alice", models.ActionModified)
	findActivity(t, activities, "carol", models.ActionCreated)
	deleted := findActivity(t, activities, "bob", models.ActionDeleted)
	assert.False(t, deleted.DetectedManually)

	// Creation and modification outside the tool both raise events.
	assert.Len(t, events, 2)
}

func TestDiffNoChanges(t *testing.T) {
	set := []models.Identity{identity("alice", models.ClassNormal, true)}

	activities, events := Diff(1, set, set, Options{})
	assert.Empty(t, activities)
	assert.Empty(t, events)
}

func TestDiffFirstScanRaisesNoEvents(t *testing.T) {
	current := []models.Identity{
		identity("alice", models.ClassSuperuser, true),
		identity("bob", models.ClassNormal, true),
	}

	activities, events := Diff(1, nil, current, Options{FirstScan: true})

	require.Len(t, activities, 2)
	for _, a := range activities {
		assert.Equal(t, models.ActionCreated, a.Action)
		assert.False(t, a.DetectedManually)
	}
	assert.Empty(t, events)
}

func TestDiffSuperuserEscalationIsCritical(t *testing.T) {
	previous := []models.Identity{identity("alice", models.ClassNormal, true)}
	current := []models.Identity{identity("alice", models.ClassSuperuser, true)}

	_, events := Diff(1, previous, current, Options{})

	require.Len(t, events, 1)
	assert.Equal(t, models.EventManualUserDetected, events[0].EventType)
	assert.Equal(t, models.SeverityCritical, events[0].Severity)
	assert.Equal(t, "alice", events[0].IdentityUsername)
	require.NotNil(t, events[0].ServerID)
	assert.Equal(t, uint(1), *events[0].ServerID)
	assert.NotEmpty(t, events[0].EventID)
}

func TestDiffAdminEscalationIsHigh(t *testing.T) {
	previous := []models.Identity{identity("bob", models.ClassNormal, true)}
	current := []models.Identity{identity("bob", models.ClassAdmin, true)}

	_, events := Diff(1, previous, current, Options{})
	require.Len(t, events, 1)
	assert.Equal(t, models.SeverityHigh, events[0].Severity)
}

func TestDiffCorrelationWindowSuppressesEvents(t *testing.T) {
	now := time.Now()
	previous := []models.Identity{identity("alice", models.ClassNormal, true)}
	current := []models.Identity{identity("alice", models.ClassAdmin, true)}

	opts := Options{
		CorrelationWindow: 5 * time.Minute,
		Now:               now,
		LastMutation: func(username string) (time.Time, bool) {
			if username == "alice" {
				return now.Add(-time.Minute), true
			}
			return time.Time{}, false
		},
	}

	activities, events := Diff(1, previous, current, opts)

	// The change is still recorded, but attributed to the tool.
	mod := findActivity(t, activities, "alice", models.ActionModified)
	assert.False(t, mod.DetectedManually)
	assert.Empty(t, events)
}

func TestDiffMutationOutsideWindowStillAlerts(t *testing.T) {
	now := time.Now()
	previous := []models.Identity{identity("alice", models.ClassNormal, true)}
	current := []models.Identity{identity("alice", models.ClassAdmin, true)}

	opts := Options{
		CorrelationWindow: 5 * time.Minute,
		Now:               now,
		LastMutation: func(string) (time.Time, bool) {
			return now.Add(-time.Hour), true
		},
	}

	_, events := Diff(1, previous, current, opts)
	assert.Len(t, events, 1)
}

func TestDiffUnclassifiableChangeDegradesToUnknown(t *testing.T) {
	previous := []models.Identity{identity("alice", models.ClassNormal, true)}
	broken := identity("alice", "", true)
	broken.Kind = ""

	activities, events := Diff(1, previous, []models.Identity{broken}, Options{})

	require.Len(t, activities, 1)
	assert.Equal(t, models.ActionUnknown, activities[0].Action)
	assert.False(t, activities[0].DetectedManually)
	assert.Empty(t, events)
}

func TestDiffDisableDetected(t *testing.T) {
	previous := []models.Identity{identity("alice", models.ClassNormal, true)}
	current := []models.Identity{identity("alice", models.ClassDisabled, false)}

	activities, events := Diff(1, previous, current, Options{})

	mod := findActivity(t, activities, "alice", models.ActionModified)
	assert.Contains(t, mod.Details, "privilege class changed")
	require.Len(t, events, 1)
	assert.Equal(t, models.SeverityMedium, events[0].Severity)
}
