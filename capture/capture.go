// Package capture records every mutation of a tracked table as a change log
// entry inside the transaction that performs it.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/scorekeeper/changesync/store"
)

var (
	ErrNotTracked  = errors.New("table is not tracked")
	ErrRowExists   = errors.New("row already exists")
	ErrRowNotFound = errors.New("row not found")
)

// Registry holds the tracked tables and their primary keys. It is built once
// at startup and read concurrently afterwards.
type Registry struct {
	tables map[string]store.Table
}

func NewRegistry(tables ...store.Table) (*Registry, error) {
	r := &Registry{tables: make(map[string]store.Table, len(tables))}
	for _, t := range tables {
		if _, err := store.QuoteIdent(t.Name); err != nil {
			return nil, err
		}
		if len(t.Key) == 0 {
			return nil, fmt.Errorf("%w: table %s has no key columns", store.ErrMissingKey, t.Name)
		}
		for _, col := range t.Key {
			if _, err := store.QuoteIdent(col); err != nil {
				return nil, err
			}
		}
		if _, ok := r.tables[t.Name]; ok {
			return nil, fmt.Errorf("table %s registered twice", t.Name)
		}
		r.tables[t.Name] = store.Table{Name: t.Name, Key: append([]string(nil), t.Key...)}
	}
	return r, nil
}

func (r *Registry) Table(name string) (store.Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return store.Table{}, fmt.Errorf("%w: %s", ErrNotTracked, name)
	}
	return t, nil
}

// Tables returns the tracked table names in sorted order.
func (r *Registry) Tables() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Writer is the single mutation path for tracked tables. Every method writes
// the row and appends its log entry in the wrapped transaction, so a failed
// append fails the whole write.
type Writer struct {
	tx       store.Tx
	registry *Registry
	origin   string
	captured []store.Entry
}

func NewWriter(tx store.Tx, registry *Registry, origin string) *Writer {
	return &Writer{tx: tx, registry: registry, origin: origin}
}

// Captured returns the entries appended through this writer so far.
func (w *Writer) Captured() []store.Entry {
	return w.captured
}

// Get reads the current image of a tracked row.
func (w *Writer) Get(ctx context.Context, table string, key []any) (store.Row, bool, error) {
	t, err := w.registry.Table(table)
	if err != nil {
		return nil, false, err
	}
	return w.tx.GetRow(ctx, t, normalizeKey(key))
}

func (w *Writer) Insert(ctx context.Context, table string, row store.Row) (store.Entry, error) {
	t, err := w.registry.Table(table)
	if err != nil {
		return store.Entry{}, err
	}
	row = store.NormalizeRow(row)
	key, err := t.KeyValues(row)
	if err != nil {
		return store.Entry{}, err
	}
	if _, exists, err := w.tx.GetRow(ctx, t, key); err != nil {
		return store.Entry{}, err
	} else if exists {
		return store.Entry{}, fmt.Errorf("%w: %s %v", ErrRowExists, table, key)
	}
	return w.write(ctx, t, store.OpInsert, key, nil, row, store.Version{})
}

// Update applies changes on top of the current image of the row at key. A
// change of primary key is captured as a delete of the old key followed by
// an insert of the new one.
func (w *Writer) Update(ctx context.Context, table string, key []any, changes store.Row) (store.Entry, error) {
	t, err := w.registry.Table(table)
	if err != nil {
		return store.Entry{}, err
	}
	key = normalizeKey(key)
	before, exists, err := w.tx.GetRow(ctx, t, key)
	if err != nil {
		return store.Entry{}, err
	}
	if !exists {
		return store.Entry{}, fmt.Errorf("%w: %s %v", ErrRowNotFound, table, key)
	}
	after := before.Merge(changes)
	newKey, err := t.KeyValues(after)
	if err != nil {
		return store.Entry{}, err
	}
	oldEncoded, err := store.EncodeKey(key)
	if err != nil {
		return store.Entry{}, err
	}
	newEncoded, err := store.EncodeKey(newKey)
	if err != nil {
		return store.Entry{}, err
	}
	if oldEncoded != newEncoded {
		if _, err := w.write(ctx, t, store.OpDelete, key, before, nil, store.Version{}); err != nil {
			return store.Entry{}, err
		}
		if _, exists, err := w.tx.GetRow(ctx, t, newKey); err != nil {
			return store.Entry{}, err
		} else if exists {
			return store.Entry{}, fmt.Errorf("%w: %s %v", ErrRowExists, table, newKey)
		}
		return w.write(ctx, t, store.OpInsert, newKey, nil, after, store.Version{})
	}
	return w.write(ctx, t, store.OpUpdate, key, before, after, store.Version{})
}

func (w *Writer) Delete(ctx context.Context, table string, key []any) (store.Entry, error) {
	t, err := w.registry.Table(table)
	if err != nil {
		return store.Entry{}, err
	}
	key = normalizeKey(key)
	before, exists, err := w.tx.GetRow(ctx, t, key)
	if err != nil {
		return store.Entry{}, err
	}
	if !exists {
		return store.Entry{}, fmt.Errorf("%w: %s %v", ErrRowNotFound, table, key)
	}
	return w.write(ctx, t, store.OpDelete, key, before, nil, store.Version{})
}

// Apply writes a replicated image while keeping the version stamp it was
// originally written with. op is the operation to perform locally, which the
// resolver derives from the local state. For a delete, image is the before
// image the peer last saw; the local row image is preferred when present.
func (w *Writer) Apply(ctx context.Context, table string, op store.Operation, image store.Row, version store.Version) (store.Entry, error) {
	t, err := w.registry.Table(table)
	if err != nil {
		return store.Entry{}, err
	}
	if version.IsZero() {
		return store.Entry{}, fmt.Errorf("%w: replicated change without a version", store.ErrInvalidEntry)
	}
	image = store.NormalizeRow(image)
	key, err := t.KeyValues(image)
	if err != nil {
		return store.Entry{}, err
	}
	before, exists, err := w.tx.GetRow(ctx, t, key)
	if err != nil {
		return store.Entry{}, err
	}
	switch op {
	case store.OpInsert:
		if exists {
			return w.write(ctx, t, store.OpUpdate, key, before, image, version)
		}
		return w.write(ctx, t, store.OpInsert, key, nil, image, version)
	case store.OpUpdate:
		if !exists {
			return w.write(ctx, t, store.OpInsert, key, nil, image, version)
		}
		return w.write(ctx, t, store.OpUpdate, key, before, image, version)
	case store.OpDelete:
		if !exists {
			before = image
		}
		return w.write(ctx, t, store.OpDelete, key, before, nil, version)
	}
	return store.Entry{}, fmt.Errorf("%w: unknown operation %q", store.ErrInvalidEntry, op)
}

func (w *Writer) write(ctx context.Context, t store.Table, op store.Operation, key []any, before, after store.Row, version store.Version) (store.Entry, error) {
	encoded, err := store.EncodeKey(key)
	if err != nil {
		return store.Entry{}, err
	}
	if !version.IsZero() {
		if err := w.tx.Observe(ctx, version.Time); err != nil {
			return store.Entry{}, err
		}
	}
	logicalTime, err := w.tx.Tick(ctx)
	if err != nil {
		return store.Entry{}, err
	}
	if version.IsZero() {
		version = store.Version{Time: logicalTime, Origin: w.origin}
	}

	switch op {
	case store.OpInsert:
		err = w.tx.InsertRow(ctx, t, after)
	case store.OpUpdate:
		err = w.tx.UpdateRow(ctx, t, key, after)
	case store.OpDelete:
		// A replicated delete of a row that never reached this instance
		// still records its tombstone.
		err = w.tx.DeleteRow(ctx, t, key)
	}
	if err != nil {
		return store.Entry{}, err
	}

	entry := store.Entry{
		LogicalTime: logicalTime,
		Table:       t.Name,
		Op:          op,
		Key:         encoded,
		Before:      before,
		After:       after,
		Version:     version,
	}
	if err := w.tx.AppendEntry(ctx, entry); err != nil {
		return store.Entry{}, err
	}
	err = w.tx.PutKeyState(ctx, t.Name, encoded, store.KeyState{Version: version, Deleted: op == store.OpDelete})
	if err != nil {
		return store.Entry{}, err
	}
	w.captured = append(w.captured, entry)
	return entry, nil
}

func normalizeKey(key []any) []any {
	out := make([]any, len(key))
	for i, v := range key {
		out[i] = store.NormalizeValue(v)
	}
	return out
}
