package store

import (
	"context"
)

// Storage is a durable store holding the tracked tables, the change log,
// the per-key version records and the sync cursors of one instance.
type Storage interface {
	// Begin opens a transaction. Every mutation of a tracked table, its log
	// entry and any cursor advance happen inside one.
	Begin(ctx context.Context) (Tx, error)

	// ChangesSince returns log entries of table with a logical time strictly
	// greater than since, ascending. A limit <= 0 returns everything.
	ChangesSince(ctx context.Context, table string, since int64, limit int) ([]Entry, error)

	Cursor(ctx context.Context, peer, table string) (int64, error)
	Cursors(ctx context.Context, peer string) (map[string]int64, error)

	// Exec runs raw statements, used to create application tables.
	Exec(ctx context.Context, query string) error
	Close() error
}

type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Observe raises the logical clock to at least t.
	Observe(ctx context.Context, t int64) error
	// Tick advances the logical clock and returns the new time. The clock
	// row stays locked until the transaction ends so commit order follows
	// logical time order.
	Tick(ctx context.Context) (int64, error)

	GetRow(ctx context.Context, t Table, key []any) (Row, bool, error)
	InsertRow(ctx context.Context, t Table, row Row) error
	UpdateRow(ctx context.Context, t Table, key []any, row Row) error
	DeleteRow(ctx context.Context, t Table, key []any) error

	AppendEntry(ctx context.Context, e Entry) error
	KeyState(ctx context.Context, table, key string) (KeyState, bool, error)
	PutKeyState(ctx context.Context, table, key string, s KeyState) error

	Cursor(ctx context.Context, peer, table string) (int64, error)
	// AdvanceCursor never moves a cursor backwards.
	AdvanceCursor(ctx context.Context, peer, table string, logicalTime int64) error
}
