package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/scorekeeper/changesync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteSyncStorage struct {
	db *sql.DB
}

var _ store.Storage = (*SQLiteSyncStorage)(nil)

// NewSQLiteSyncStorage opens (creating if needed) the database at file and
// brings its sync schema up to date. file may be a plain path or a "file:"
// URI such as "file:name?mode=memory&cache=shared".
func NewSQLiteSyncStorage(file string) (*SQLiteSyncStorage, error) {
	if !strings.HasPrefix(file, "file:") {
		if dir := filepath.Dir(file); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", withDefaultParams(file))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// A single connection serializes writers, which keeps logical time order
	// equal to commit order and keeps shared-cache memory databases alive.
	db.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteSyncStorage{db: db}, nil
}

func withDefaultParams(file string) string {
	params := []string{"_foreign_keys=on", "_busy_timeout=5000"}
	sep := "?"
	if strings.Contains(file, "?") {
		sep = "&"
	}
	return file + sep + strings.Join(params, "&")
}

func (s *SQLiteSyncStorage) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteSyncStorage) ChangesSince(ctx context.Context, table string, since int64, limit int) ([]store.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+store.EntryColumns+" FROM changelog WHERE table_name = ? AND logical_time > ? ORDER BY logical_time LIMIT ?",
		table, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changelog: %w", err)
	}
	defer rows.Close()

	entries := make([]store.Entry, 0)
	for rows.Next() {
		e, err := store.ScanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read changelog: %w", err)
	}
	return entries, nil
}

func (s *SQLiteSyncStorage) Cursor(ctx context.Context, peer, table string) (int64, error) {
	return cursor(ctx, s.db, peer, table)
}

func (s *SQLiteSyncStorage) Cursors(ctx context.Context, peer string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT table_name, last_applied FROM sync_cursors WHERE peer_id = ?", peer)
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}
	defer rows.Close()

	cursors := make(map[string]int64)
	for rows.Next() {
		var table string
		var lastApplied int64
		if err := rows.Scan(&table, &lastApplied); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors[table] = lastApplied
	}
	return cursors, rows.Err()
}

func (s *SQLiteSyncStorage) Exec(ctx context.Context, query string) error {
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func cursor(ctx context.Context, q queryer, peer, table string) (int64, error) {
	var lastApplied int64
	err := q.QueryRowContext(ctx, "SELECT last_applied FROM sync_cursors WHERE peer_id = ? AND table_name = ?", peer, table).Scan(&lastApplied)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
	return lastApplied, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (t *sqliteTx) Observe(ctx context.Context, observed int64) error {
	if _, err := t.tx.ExecContext(ctx, "UPDATE logical_clock SET value = MAX(value, ?) WHERE id = 1", observed); err != nil {
		return fmt.Errorf("failed to observe logical time: %w", err)
	}
	return nil
}

func (t *sqliteTx) Tick(ctx context.Context) (int64, error) {
	var now int64
	err := t.tx.QueryRowContext(ctx, "UPDATE logical_clock SET value = value + 1 WHERE id = 1 RETURNING value").Scan(&now)
	if err != nil {
		return 0, fmt.Errorf("failed to advance logical clock: %w", err)
	}
	return now, nil
}

func (t *sqliteTx) GetRow(ctx context.Context, table store.Table, key []any) (store.Row, bool, error) {
	query, args, err := store.SelectRowSQL(table, key, store.QuestionPlaceholder)
	if err != nil {
		return nil, false, err
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query %s: %w", table.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read columns of %s: %w", table.Name, err)
	}
	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, false, fmt.Errorf("failed to scan %s row: %w", table.Name, err)
	}
	row := make(store.Row, len(cols))
	for i, col := range cols {
		row[col] = store.NormalizeValue(values[i])
	}
	return row, true, nil
}

func (t *sqliteTx) InsertRow(ctx context.Context, table store.Table, row store.Row) error {
	query, args, err := store.InsertRowSQL(table, row, store.QuestionPlaceholder)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table.Name, err)
	}
	return nil
}

func (t *sqliteTx) UpdateRow(ctx context.Context, table store.Table, key []any, row store.Row) error {
	query, args, err := store.UpdateRowSQL(table, key, row, store.QuestionPlaceholder)
	if err != nil || query == "" {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", table.Name, err)
	}
	return nil
}

func (t *sqliteTx) DeleteRow(ctx context.Context, table store.Table, key []any) error {
	query, args, err := store.DeleteRowSQL(table, key, store.QuestionPlaceholder)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table.Name, err)
	}
	return nil
}

func (t *sqliteTx) AppendEntry(ctx context.Context, e store.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	before, err := store.MarshalRow(e.Before)
	if err != nil {
		return fmt.Errorf("failed to encode before image: %w", err)
	}
	after, err := store.MarshalRow(e.After)
	if err != nil {
		return fmt.Errorf("failed to encode after image: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		"INSERT INTO changelog ("+store.EntryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		e.LogicalTime, e.Table, string(e.Op), e.Key, nullable(before), nullable(after), e.Version.Origin, e.Version.Time)
	if err != nil {
		return fmt.Errorf("failed to append changelog entry: %w", err)
	}
	return nil
}

func (t *sqliteTx) KeyState(ctx context.Context, table, key string) (store.KeyState, bool, error) {
	var s store.KeyState
	err := t.tx.QueryRowContext(ctx,
		"SELECT origin, origin_time, deleted FROM row_versions WHERE table_name = ? AND row_key = ?",
		table, key).Scan(&s.Version.Origin, &s.Version.Time, &s.Deleted)
	if err == sql.ErrNoRows {
		return store.KeyState{}, false, nil
	}
	if err != nil {
		return store.KeyState{}, false, fmt.Errorf("failed to get row version: %w", err)
	}
	return s, true, nil
}

func (t *sqliteTx) PutKeyState(ctx context.Context, table, key string, s store.KeyState) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO row_versions (table_name, row_key, origin, origin_time, deleted) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (table_name, row_key) DO UPDATE SET origin = excluded.origin, origin_time = excluded.origin_time, deleted = excluded.deleted`,
		table, key, s.Version.Origin, s.Version.Time, s.Deleted)
	if err != nil {
		return fmt.Errorf("failed to set row version: %w", err)
	}
	return nil
}

func (t *sqliteTx) Cursor(ctx context.Context, peer, table string) (int64, error) {
	return cursor(ctx, t.tx, peer, table)
}

func (t *sqliteTx) AdvanceCursor(ctx context.Context, peer, table string, logicalTime int64) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sync_cursors (peer_id, table_name, last_applied, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (peer_id, table_name) DO UPDATE SET last_applied = MAX(last_applied, excluded.last_applied), updated_at = excluded.updated_at`,
		peer, table, logicalTime)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
