// Package reconcile keeps a client's view of a handshake eventually
// consistent with the authoritative record. The server is polled on a
// fixed cadence; a refresh never overwrites a field the user is
// actively editing, and a stale in-flight fetch never clobbers the
// result of a later-issued one.
package reconcile

import (
	"github.com/tmarkov/timebank/internal/handshake"
)

// Field names a client may hold under active edit.
const (
	FieldHours         = "provisioned_hours"
	FieldLocation      = "exact_location"
	FieldDuration      = "exact_duration"
	FieldScheduledTime = "scheduled_time"
	FieldMessage       = "message"
)

// Merge folds the authoritative remote record into the local view.
// Every field refreshes from remote except those named in activeEdits,
// which keep the local (mid-edit) value. Status, confirmation flags,
// and the revision marker always come from remote.
func Merge(local, remote *handshake.Handshake, activeEdits map[string]bool) *handshake.Handshake {
	if remote == nil {
		return local
	}
	merged := *remote
	if local == nil || len(activeEdits) == 0 {
		return &merged
	}
	if activeEdits[FieldHours] {
		merged.ProvisionedHours = local.ProvisionedHours
	}
	if activeEdits[FieldLocation] {
		merged.ExactLocation = local.ExactLocation
	}
	if activeEdits[FieldDuration] {
		merged.ExactDuration = local.ExactDuration
	}
	if activeEdits[FieldScheduledTime] {
		merged.ScheduledTime = local.ScheduledTime
	}
	if activeEdits[FieldMessage] {
		merged.Message = local.Message
	}
	return &merged
}
