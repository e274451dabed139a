// Package differ compares normalized snapshots against the persisted
// baseline and raises security events for drift that did not originate
// from this tool.
package differ

import (
	"fmt"
	"time"

	"dbsentry/internal/models"

	"github.com/google/uuid"
)

// Options tunes one diff run.
type Options struct {
	// FirstScan means no baseline exists; everything is created and
	// nothing counts as manual drift.
	FirstScan bool
	// CorrelationWindow suppresses manual-drift alerts for identities
	// the command generator touched recently.
	CorrelationWindow time.Duration
	// LastMutation returns when the tool last issued a mutation against
	// the given native username, if at all.
	LastMutation func(nativeUsername string) (time.Time, bool)
	Now          time.Time
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// Diff classifies changes between the previous and current identity sets
// of one server. Both sets must belong to serverID. Identities are keyed
// by native username; created/deleted each appear exactly once.
func Diff(serverID uint, previous, current []models.Identity, opts Options) ([]models.ActivityRecord, []models.SecurityEvent) {
	prevByName := make(map[string]models.Identity, len(previous))
	for _, id := range previous {
		prevByName[id.NativeUsername] = id
	}
	curByName := make(map[string]models.Identity, len(current))
	for _, id := range current {
		curByName[id.NativeUsername] = id
	}

	var activities []models.ActivityRecord
	var events []models.SecurityEvent

	record := func(id models.Identity, action, details string) {
		manual := !opts.FirstScan && (action == models.ActionCreated || action == models.ActionModified)
		if manual && opts.withinCorrelationWindow(id.NativeUsername) {
			// Tool-driven change; keep the activity row but raise no alarm.
			manual = false
		}
		activities = append(activities, models.ActivityRecord{
			ServerID:         serverID,
			IdentityUsername: id.NativeUsername,
			Action:           action,
			DetectedManually: manual,
			Details:          details,
		})
		if manual {
			events = append(events, manualDriftEvent(serverID, id, action, details))
		}
	}

	for _, cur := range curByName {
		prev, existed := prevByName[cur.NativeUsername]
		if !existed {
			record(cur, models.ActionCreated, fmt.Sprintf("principal appeared with class %s", cur.PrivilegeClass))
			continue
		}
		action, details, ok := classifyChange(prev, cur)
		if !ok {
			// Classification failed; persist the raw activity anyway.
			activities = append(activities, models.ActivityRecord{
				ServerID:         serverID,
				IdentityUsername: cur.NativeUsername,
				Action:           models.ActionUnknown,
				DetectedManually: false,
				Details:          details,
			})
			continue
		}
		if action != "" {
			record(cur, action, details)
		}
	}

	for _, prev := range prevByName {
		if _, still := curByName[prev.NativeUsername]; !still {
			activities = append(activities, models.ActivityRecord{
				ServerID:         serverID,
				IdentityUsername: prev.NativeUsername,
				Action:           models.ActionDeleted,
				DetectedManually: false,
				Details:          "principal no longer present",
			})
		}
	}

	return activities, events
}

func (o Options) withinCorrelationWindow(nativeUsername string) bool {
	if o.LastMutation == nil || o.CorrelationWindow <= 0 {
		return false
	}
	issued, ok := o.LastMutation(nativeUsername)
	if !ok {
		return false
	}
	return o.now().Sub(issued) <= o.CorrelationWindow
}

// classifyChange reports what changed between two snapshots of the same
// principal. ok=false means the records could not be compared and the
// change should degrade to "unknown".
func classifyChange(prev, cur models.Identity) (action, details string, ok bool) {
	if cur.PrivilegeClass == "" || cur.Kind == "" {
		return "", "snapshot carried no classifiable state", false
	}
	switch {
	case prev.PrivilegeClass != cur.PrivilegeClass:
		return models.ActionModified,
			fmt.Sprintf("privilege class changed %s -> %s", prev.PrivilegeClass, cur.PrivilegeClass), true
	case prev.Active != cur.Active:
		return models.ActionModified,
			fmt.Sprintf("active changed %t -> %t", prev.Active, cur.Active), true
	case prev.Kind != cur.Kind:
		return models.ActionModified,
			fmt.Sprintf("kind changed %s -> %s", prev.Kind, cur.Kind), true
	}
	return "", "", true
}

// manualDriftEvent scales severity with the privilege class the change
// resulted in; a principal escalated to superuser outside the tool is
// the worst case.
func manualDriftEvent(serverID uint, id models.Identity, action, details string) models.SecurityEvent {
	severity := models.SeverityMedium
	switch id.PrivilegeClass {
	case models.ClassSuperuser:
		severity = models.SeverityCritical
	case models.ClassAdmin:
		severity = models.SeverityHigh
	}
	sid := serverID
	return models.SecurityEvent{
		EventID:          uuid.NewString(),
		ServerID:         &sid,
		EventType:        models.EventManualUserDetected,
		Severity:         severity,
		IdentityUsername: id.NativeUsername,
		Description:      fmt.Sprintf("out-of-band change (%s): %s", action, details),
	}
}
