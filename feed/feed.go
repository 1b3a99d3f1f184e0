// Package feed answers "what changed since T" over the change log and pushes
// new entries to live subscribers.
package feed

import (
	"context"
	"fmt"

	"github.com/scorekeeper/changesync/capture"
	"github.com/scorekeeper/changesync/store"
)

const defaultPageSize = 500

// Filter narrows a feed to entries touching matching rows. An entry matches
// when its before or after image carries every column value in Columns, and
// its key equals Key when Key is set.
type Filter struct {
	Key     []any     `json:"key,omitempty"`
	Columns store.Row `json:"columns,omitempty"`
}

func (f *Filter) match(e store.Entry, key string) bool {
	if f == nil {
		return true
	}
	if key != "" && e.Key != key {
		return false
	}
	if len(f.Columns) == 0 {
		return true
	}
	return imageMatches(e.Before, f.Columns) || imageMatches(e.After, f.Columns)
}

func imageMatches(image store.Row, columns map[string]any) bool {
	if image == nil {
		return false
	}
	for col, want := range columns {
		got, ok := image[col]
		if !ok || !store.ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

type Feed struct {
	storage  store.Storage
	registry *capture.Registry
	pageSize int
}

func New(storage store.Storage, registry *capture.Registry) *Feed {
	return &Feed{storage: storage, registry: registry, pageSize: defaultPageSize}
}

// ChangesSince returns every entry of table strictly newer than since, in
// logical time order, that matches filter.
func (f *Feed) ChangesSince(ctx context.Context, table string, since int64, filter *Filter) ([]store.Entry, error) {
	if _, err := f.registry.Table(table); err != nil {
		return nil, err
	}
	key := ""
	if filter != nil && len(filter.Key) > 0 {
		var err error
		if key, err = store.EncodeKey(filter.Key); err != nil {
			return nil, err
		}
	}

	result := make([]store.Entry, 0)
	for {
		page, err := f.storage.ChangesSince(ctx, table, since, f.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read changes of %s: %w", table, err)
		}
		for _, e := range page {
			if filter.match(e, key) {
				result = append(result, e)
			}
		}
		if len(page) < f.pageSize {
			return result, nil
		}
		since = page[len(page)-1].LogicalTime
	}
}

// Latest returns the last entry per primary key since the watermark. A key
// whose last entry is a tombstone maps to that tombstone.
func (f *Feed) Latest(ctx context.Context, table string, since int64, filter *Filter) (map[string]store.Entry, error) {
	entries, err := f.ChangesSince(ctx, table, since, filter)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]store.Entry, len(entries))
	for _, e := range entries {
		latest[e.Key] = e
	}
	return latest, nil
}

// LastSet is the latest entry per group value plus the overall last entry.
type LastSet struct {
	Groups map[string]store.Entry `json:"groups"`
	Last   *store.Entry           `json:"last,omitempty"`
}

// LastSet groups the matching changes since the watermark by the value of
// groupBy and keeps the newest entry of each group. Tombstones take part, so
// a deleted row replaces whatever its group last showed.
func (f *Feed) LastSet(ctx context.Context, table string, since int64, groupBy string, filter *Filter) (*LastSet, error) {
	entries, err := f.ChangesSince(ctx, table, since, filter)
	if err != nil {
		return nil, err
	}
	set := &LastSet{Groups: make(map[string]store.Entry)}
	for i := range entries {
		e := entries[i]
		set.Groups[groupKey(e.Image()[groupBy])] = e
		set.Last = &e
	}
	return set, nil
}

func groupKey(v any) string {
	switch x := store.NormalizeValue(v).(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
