// Package syncer replicates change logs between instances. A Replica is the
// local instance, a Peer is any instance reachable for a pass, and the
// Coordinator runs bidirectional passes between the two.
package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/scorekeeper/changesync/store"
)

// ErrPeerUnavailable aborts a whole pass. The pass is retried later.
var ErrPeerUnavailable = errors.New("peer unavailable")

// Peer is the surface an instance exposes to the instances syncing with it.
type Peer interface {
	ID() string
	// ChangesSince returns up to limit entries of table newer than since.
	ChangesSince(ctx context.Context, table string, since int64, limit int) ([]store.Entry, error)
	// Cursor returns the last logical time of from's log applied by this peer.
	Cursor(ctx context.Context, from, table string) (int64, error)
	// Apply resolves and applies entries read from from's log and advances
	// the cursor for (from, table) in the same transaction.
	Apply(ctx context.Context, from, table string, entries []store.Entry) (ApplyResult, error)
}

type ApplyResult struct {
	Cursor  int64 `json:"cursor"`
	Applied int   `json:"applied"`
	Skipped int   `json:"skipped"`
}

// ApplyError reports the entry that stopped a table pass. Nothing of the
// batch it belongs to was committed.
type ApplyError struct {
	Peer        string
	Table       string
	LogicalTime int64
	Err         error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("failed to apply %s entry %d from %s: %v", e.Table, e.LogicalTime, e.Peer, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
