package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/scorekeeper/changesync/capture"
	"github.com/scorekeeper/changesync/metrics"
	"github.com/scorekeeper/changesync/resolver"
	"github.com/scorekeeper/changesync/store"
)

// Replica is the local instance: its store, its tracked tables and its id.
type Replica struct {
	id       string
	storage  store.Storage
	registry *capture.Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	listeners []func()
}

var _ Peer = (*Replica)(nil)

func NewReplica(id string, storage store.Storage, registry *capture.Registry, logger zerolog.Logger, m *metrics.Metrics) *Replica {
	return &Replica{
		id:       id,
		storage:  storage,
		registry: registry,
		logger:   logger.With().Str("instance", id).Logger(),
		metrics:  m,
	}
}

func (r *Replica) ID() string {
	return r.id
}

func (r *Replica) Registry() *capture.Registry {
	return r.registry
}

func (r *Replica) Storage() store.Storage {
	return r.storage
}

// OnChange registers fn to run after every commit that appended entries.
func (r *Replica) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Replica) changed() {
	r.mu.Lock()
	listeners := r.listeners
	r.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Write runs fn in one transaction. Every mutation fn makes through the
// writer is captured; if fn or any capture fails nothing is committed.
func (r *Replica) Write(ctx context.Context, fn func(w *capture.Writer) error) ([]store.Entry, error) {
	tx, err := r.storage.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w := capture.NewWriter(tx, r.registry, r.id)
	if err := fn(w); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	captured := w.Captured()
	for _, e := range captured {
		r.metrics.Captured(e.Table, 1)
	}
	if len(captured) > 0 {
		r.changed()
	}
	return captured, nil
}

// Get reads the current image of a tracked row.
func (r *Replica) Get(ctx context.Context, table string, key ...any) (store.Row, bool, error) {
	t, err := r.registry.Table(table)
	if err != nil {
		return nil, false, err
	}
	tx, err := r.storage.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)
	return tx.GetRow(ctx, t, key)
}

func (r *Replica) ChangesSince(ctx context.Context, table string, since int64, limit int) ([]store.Entry, error) {
	if _, err := r.registry.Table(table); err != nil {
		return nil, err
	}
	return r.storage.ChangesSince(ctx, table, since, limit)
}

func (r *Replica) Cursor(ctx context.Context, from, table string) (int64, error) {
	return r.storage.Cursor(ctx, from, table)
}

func (r *Replica) Cursors(ctx context.Context, from string) (map[string]int64, error) {
	return r.storage.Cursors(ctx, from)
}

// Apply replays entries of from's log in logical time order. Entries at or
// below the current cursor were applied before and are ignored. Writes and
// the cursor advance commit together or not at all.
func (r *Replica) Apply(ctx context.Context, from, table string, entries []store.Entry) (ApplyResult, error) {
	t, err := r.registry.Table(table)
	if err != nil {
		return ApplyResult{}, err
	}
	tx, err := r.storage.Begin(ctx)
	if err != nil {
		return ApplyResult{}, err
	}
	defer tx.Rollback(ctx)

	cursor, err := tx.Cursor(ctx, from, table)
	if err != nil {
		return ApplyResult{}, err
	}
	sorted := make([]store.Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LogicalTime < sorted[j].LogicalTime })

	result := ApplyResult{Cursor: cursor}
	w := capture.NewWriter(tx, r.registry, r.id)
	for _, e := range sorted {
		if e.LogicalTime <= result.Cursor {
			continue
		}
		skipped, err := r.applyEntry(ctx, tx, w, t, e)
		if err != nil {
			r.metrics.ApplyError(from, table)
			r.logger.Error().Err(err).Str("peer", from).Str("table", table).
				Int64("logical_time", e.LogicalTime).Msg("failed to apply change")
			return ApplyResult{}, &ApplyError{Peer: from, Table: table, LogicalTime: e.LogicalTime, Err: err}
		}
		if skipped {
			result.Skipped++
		} else {
			result.Applied++
		}
		result.Cursor = e.LogicalTime
	}
	if result.Cursor > cursor {
		if err := tx.AdvanceCursor(ctx, from, table, result.Cursor); err != nil {
			return ApplyResult{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, err
	}

	r.metrics.Applied(from, table, result.Applied, result.Skipped)
	r.metrics.Cursor(from, table, result.Cursor)
	if result.Applied > 0 {
		r.changed()
	}
	return result, nil
}

func (r *Replica) applyEntry(ctx context.Context, tx store.Tx, w *capture.Writer, t store.Table, e store.Entry) (bool, error) {
	if e.Table != t.Name {
		return false, fmt.Errorf("%w: entry for %s in a %s batch", store.ErrInvalidEntry, e.Table, t.Name)
	}
	e.Before = store.NormalizeRow(e.Before)
	e.After = store.NormalizeRow(e.After)
	if err := e.Validate(); err != nil {
		return false, err
	}
	image := e.Image()
	key, err := t.KeyValues(image)
	if err != nil {
		return false, err
	}
	encoded, err := store.EncodeKey(key)
	if err != nil {
		return false, err
	}
	state, known, err := tx.KeyState(ctx, t.Name, encoded)
	if err != nil {
		return false, err
	}
	_, exists, err := tx.GetRow(ctx, t, key)
	if err != nil {
		return false, err
	}

	decision := resolver.Resolve(resolver.LocalState{
		Exists:  exists,
		Known:   known,
		Version: state.Version,
		Deleted: state.Deleted,
	}, e)
	if decision.Action == resolver.Skip {
		r.logger.Debug().Str("table", t.Name).Str("key", encoded).Str("reason", decision.Reason).Msg("skipping change")
		// Later local writes still have to sort after the skipped stamp.
		return true, tx.Observe(ctx, e.Version.Time)
	}
	_, err = w.Apply(ctx, t.Name, decision.Action.Op(), image, e.Version)
	return false, err
}
