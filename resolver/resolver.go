// Package resolver decides how a replicated change log entry is applied to
// the local copy of a row.
package resolver

import (
	"fmt"

	"github.com/scorekeeper/changesync/store"
)

type Action int

const (
	Skip Action = iota
	Insert
	Update
	Delete
)

func (a Action) String() string {
	switch a {
	case Skip:
		return "skip"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Op maps the action onto the change log operation it produces.
func (a Action) Op() store.Operation {
	switch a {
	case Insert:
		return store.OpInsert
	case Update:
		return store.OpUpdate
	case Delete:
		return store.OpDelete
	}
	return ""
}

// LocalState is what the local instance knows about a primary key.
type LocalState struct {
	// Exists reports whether the row is present in the local table.
	Exists bool
	// Known reports whether a version has been recorded for the key.
	Known   bool
	Version store.Version
	// Deleted marks Version as a tombstone watermark.
	Deleted bool
}

type Decision struct {
	Action Action
	Reason string
}

// Resolve applies last-writer-wins on (logical time, origin). A stamp that is
// not newer than the local one is skipped, which makes replay idempotent and
// keeps a tombstone from being overridden by any older write.
func Resolve(local LocalState, in store.Entry) Decision {
	if local.Known && !in.Version.After(local.Version) {
		if local.Deleted {
			return Decision{Action: Skip, Reason: fmt.Sprintf("tombstone %v is not older than %v", local.Version, in.Version)}
		}
		return Decision{Action: Skip, Reason: fmt.Sprintf("local version %v is not older than %v", local.Version, in.Version)}
	}
	if in.IsTombstone() {
		return Decision{Action: Delete, Reason: "delete is newer than local state"}
	}
	if local.Exists {
		return Decision{Action: Update, Reason: "incoming image is newer"}
	}
	return Decision{Action: Insert, Reason: "no local row"}
}
