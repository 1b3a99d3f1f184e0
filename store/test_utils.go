package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// StoreTest is the storage contract shared by every backend.
type StoreTest struct{}

func (s *StoreTest) createItems(t *testing.T, storage Storage) Table {
	name := "items_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	err := storage.Exec(context.Background(), fmt.Sprintf(
		`CREATE TABLE %s (itemid TEXT PRIMARY KEY, name TEXT NOT NULL, price INTEGER)`, name))
	require.NoError(t, err, "failed to create items table")
	return Table{Name: name, Key: []string{"itemid"}}
}

func (s *StoreTest) TestRowOperations(t *testing.T, storage Storage) {
	ctx := context.Background()
	items := s.createItems(t, storage)

	tx, err := storage.Begin(ctx)
	require.NoError(t, err, "failed to begin")
	defer tx.Rollback(ctx)

	require.NoError(t, tx.InsertRow(ctx, items, Row{"itemid": "i1", "name": "entry fee", "price": 100}))
	row, ok, err := tx.GetRow(ctx, items, []any{"i1"})
	require.NoError(t, err, "failed to get row")
	require.True(t, ok)
	require.Equal(t, Row{"itemid": "i1", "name": "entry fee", "price": int64(100)}, row)

	require.NoError(t, tx.UpdateRow(ctx, items, []any{"i1"}, Row{"itemid": "i1", "name": "late fee", "price": 150}))
	row, ok, err = tx.GetRow(ctx, items, []any{"i1"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Row{"itemid": "i1", "name": "late fee", "price": int64(150)}, row)

	require.NoError(t, tx.DeleteRow(ctx, items, []any{"i1"}))
	_, ok, err = tx.GetRow(ctx, items, []any{"i1"})
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, tx.Commit(ctx))
}

func (s *StoreTest) TestAppendAndChangesSince(t *testing.T, storage Storage) {
	ctx := context.Background()
	items := s.createItems(t, storage)

	tx, err := storage.Begin(ctx)
	require.NoError(t, err)
	var times []int64
	for i, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
		lt, err := tx.Tick(ctx)
		require.NoError(t, err, "failed to tick")
		e := Entry{LogicalTime: lt, Table: items.Name, Op: op, Key: `["i1"]`, Version: Version{Time: lt, Origin: "a"}}
		if op != OpInsert {
			e.Before = Row{"itemid": "i1", "price": int64(i)}
		}
		if op != OpDelete {
			e.After = Row{"itemid": "i1", "price": int64(i + 1)}
		}
		require.NoError(t, tx.AppendEntry(ctx, e), "failed to append %v", op)
		times = append(times, lt)
	}
	require.NoError(t, tx.Commit(ctx))
	require.Less(t, times[0], times[1])
	require.Less(t, times[1], times[2])

	entries, err := storage.ChangesSince(ctx, items.Name, 0, 0)
	require.NoError(t, err, "failed to list changes")
	require.Len(t, entries, 3)
	require.Equal(t, OpInsert, entries[0].Op)
	require.Nil(t, entries[0].Before)
	require.Equal(t, Row{"itemid": "i1", "price": int64(1)}, entries[0].After)
	require.Equal(t, OpDelete, entries[2].Op)
	require.Nil(t, entries[2].After)
	require.Equal(t, Version{Time: times[2], Origin: "a"}, entries[2].Version)

	entries, err = storage.ChangesSince(ctx, items.Name, times[0], 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, times[1], entries[0].LogicalTime)

	entries, err = storage.ChangesSince(ctx, items.Name, 0, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = storage.ChangesSince(ctx, items.Name, times[2], 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func (s *StoreTest) TestBinaryImages(t *testing.T, storage Storage) {
	ctx := context.Background()
	table := "items_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	after := Row{"itemid": "i1", "photo": []byte{0xff, 0x00, 0xfe}, "name": "\xff\x00\xfe"}

	tx, err := storage.Begin(ctx)
	require.NoError(t, err)
	lt, err := tx.Tick(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AppendEntry(ctx, Entry{LogicalTime: lt, Table: table, Op: OpInsert, Key: `["i1"]`,
		After: after, Version: Version{Time: lt, Origin: "a"}}))
	require.NoError(t, tx.Commit(ctx))

	entries, err := storage.ChangesSince(ctx, table, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte{0xff, 0x00, 0xfe}, entries[0].After["photo"])
	require.Equal(t, "\xff\x00\xfe", entries[0].After["name"])
}

func (s *StoreTest) TestRejectsInvalidEntry(t *testing.T, storage Storage) {
	ctx := context.Background()
	tx, err := storage.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	err = tx.AppendEntry(ctx, Entry{LogicalTime: 1, Table: "items", Op: OpDelete, Key: `["x"]`,
		After: Row{"itemid": "x"}, Version: Version{Time: 1, Origin: "a"}})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func (s *StoreTest) TestRollbackDiscardsEverything(t *testing.T, storage Storage) {
	ctx := context.Background()
	items := s.createItems(t, storage)
	peer := uuid.New().String()

	tx, err := storage.Begin(ctx)
	require.NoError(t, err)
	lt, err := tx.Tick(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertRow(ctx, items, Row{"itemid": "i1", "name": "n"}))
	require.NoError(t, tx.AppendEntry(ctx, Entry{LogicalTime: lt, Table: items.Name, Op: OpInsert, Key: `["i1"]`,
		After: Row{"itemid": "i1", "name": "n"}, Version: Version{Time: lt, Origin: "a"}}))
	require.NoError(t, tx.AdvanceCursor(ctx, peer, items.Name, 42))
	require.NoError(t, tx.Rollback(ctx))

	entries, err := storage.ChangesSince(ctx, items.Name, 0, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
	cursor, err := storage.Cursor(ctx, peer, items.Name)
	require.NoError(t, err)
	require.Equal(t, int64(0), cursor)

	tx, err = storage.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	_, ok, err := tx.GetRow(ctx, items, []any{"i1"})
	require.NoError(t, err)
	require.False(t, ok)
}

func (s *StoreTest) TestClock(t *testing.T, storage Storage) {
	ctx := context.Background()
	tx, err := storage.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	first, err := tx.Tick(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Observe(ctx, first+100))
	second, err := tx.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, first+101, second)

	// observing an older time never moves the clock back
	require.NoError(t, tx.Observe(ctx, 1))
	third, err := tx.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, second+1, third)
}

func (s *StoreTest) TestCursorsAreMonotone(t *testing.T, storage Storage) {
	ctx := context.Background()
	peer := uuid.New().String()

	advance := func(table string, lt int64) {
		tx, err := storage.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.AdvanceCursor(ctx, peer, table, lt))
		require.NoError(t, tx.Commit(ctx))
	}

	cursor, err := storage.Cursor(ctx, peer, "items")
	require.NoError(t, err)
	require.Equal(t, int64(0), cursor)

	advance("items", 10)
	advance("items", 7)
	advance("accounts", 3)

	cursor, err = storage.Cursor(ctx, peer, "items")
	require.NoError(t, err)
	require.Equal(t, int64(10), cursor)

	cursors, err := storage.Cursors(ctx, peer)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"items": 10, "accounts": 3}, cursors)
}

func (s *StoreTest) TestKeyState(t *testing.T, storage Storage) {
	ctx := context.Background()
	table := "items_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]

	tx, err := storage.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, ok, err := tx.KeyState(ctx, table, `["i1"]`)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tx.PutKeyState(ctx, table, `["i1"]`, KeyState{Version: Version{Time: 3, Origin: "a"}}))
	require.NoError(t, tx.PutKeyState(ctx, table, `["i1"]`, KeyState{Version: Version{Time: 9, Origin: "b"}, Deleted: true}))

	state, ok, err := tx.KeyState(ctx, table, `["i1"]`)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KeyState{Version: Version{Time: 9, Origin: "b"}, Deleted: true}, state)
}

// Run executes the whole contract against storage.
func (s *StoreTest) Run(t *testing.T, storage Storage) {
	t.Run("RowOperations", func(t *testing.T) { s.TestRowOperations(t, storage) })
	t.Run("AppendAndChangesSince", func(t *testing.T) { s.TestAppendAndChangesSince(t, storage) })
	t.Run("BinaryImages", func(t *testing.T) { s.TestBinaryImages(t, storage) })
	t.Run("RejectsInvalidEntry", func(t *testing.T) { s.TestRejectsInvalidEntry(t, storage) })
	t.Run("RollbackDiscardsEverything", func(t *testing.T) { s.TestRollbackDiscardsEverything(t, storage) })
	t.Run("Clock", func(t *testing.T) { s.TestClock(t, storage) })
	t.Run("CursorsAreMonotone", func(t *testing.T) { s.TestCursorsAreMonotone(t, storage) })
	t.Run("KeyState", func(t *testing.T) { s.TestKeyState(t, storage) })
}
