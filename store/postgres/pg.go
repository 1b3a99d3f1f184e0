package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/scorekeeper/changesync/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgSyncStorage struct {
	db *pgxpool.Pool
}

var _ store.Storage = (*PgSyncStorage)(nil)

func NewPGSyncStorage(databaseURL string) (*PgSyncStorage, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"changesync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	// Closing the migrator also releases the database/sql handle above.
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgSyncStorage{db: pgxPool}, nil
}

func (s *PgSyncStorage) Begin(ctx context.Context) (store.Tx, error) {
	// Capturing transactions serialize on the logical clock row.
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.ReadCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PgSyncStorage) ChangesSince(ctx context.Context, table string, since int64, limit int) ([]store.Entry, error) {
	query := "SELECT " + store.EntryColumns + " FROM changelog WHERE table_name = $1 AND logical_time > $2 ORDER BY logical_time"
	args := []any{table, since}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
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

func (s *PgSyncStorage) Cursor(ctx context.Context, peer, table string) (int64, error) {
	return cursor(ctx, s.db, peer, table)
}

func (s *PgSyncStorage) Cursors(ctx context.Context, peer string) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, "SELECT table_name, last_applied FROM sync_cursors WHERE peer_id = $1", peer)
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

func (s *PgSyncStorage) Exec(ctx context.Context, query string) error {
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

func (s *PgSyncStorage) Close() error {
	s.db.Close()
	return nil
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func cursor(ctx context.Context, q queryer, peer, table string) (int64, error) {
	var lastApplied int64
	err := q.QueryRow(ctx, "SELECT last_applied FROM sync_cursors WHERE peer_id = $1 AND table_name = $2", peer, table).Scan(&lastApplied)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
	return lastApplied, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func (t *pgTx) Observe(ctx context.Context, observed int64) error {
	if _, err := t.tx.Exec(ctx, "UPDATE logical_clock SET value = GREATEST(value, $1) WHERE id = 1", observed); err != nil {
		return fmt.Errorf("failed to observe logical time: %w", err)
	}
	return nil
}

func (t *pgTx) Tick(ctx context.Context) (int64, error) {
	var now int64
	err := t.tx.QueryRow(ctx, "UPDATE logical_clock SET value = value + 1 WHERE id = 1 RETURNING value").Scan(&now)
	if err != nil {
		return 0, fmt.Errorf("failed to advance logical clock: %w", err)
	}
	return now, nil
}

func (t *pgTx) GetRow(ctx context.Context, table store.Table, key []any) (store.Row, bool, error) {
	query, args, err := store.SelectRowSQL(table, key, store.DollarPlaceholder)
	if err != nil {
		return nil, false, err
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query %s: %w", table.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, false, fmt.Errorf("failed to scan %s row: %w", table.Name, err)
	}
	row := make(store.Row, len(values))
	for i, fd := range rows.FieldDescriptions() {
		row[fd.Name] = normalize(values[i])
	}
	return row, true, nil
}

// normalize converts pgx specific value types before generic normalization.
func normalize(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return store.NormalizeValue(f.Float64)
	}
	return store.NormalizeValue(v)
}

func (t *pgTx) InsertRow(ctx context.Context, table store.Table, row store.Row) error {
	query, args, err := store.InsertRowSQL(table, row, store.DollarPlaceholder)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table.Name, err)
	}
	return nil
}

func (t *pgTx) UpdateRow(ctx context.Context, table store.Table, key []any, row store.Row) error {
	query, args, err := store.UpdateRowSQL(table, key, row, store.DollarPlaceholder)
	if err != nil || query == "" {
		return err
	}
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", table.Name, err)
	}
	return nil
}

func (t *pgTx) DeleteRow(ctx context.Context, table store.Table, key []any) error {
	query, args, err := store.DeleteRowSQL(table, key, store.DollarPlaceholder)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table.Name, err)
	}
	return nil
}

func (t *pgTx) AppendEntry(ctx context.Context, e store.Entry) error {
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
	_, err = t.tx.Exec(ctx,
		"INSERT INTO changelog ("+store.EntryColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		e.LogicalTime, e.Table, string(e.Op), e.Key, before, after, e.Version.Origin, e.Version.Time)
	if err != nil {
		return fmt.Errorf("failed to append changelog entry: %w", err)
	}
	return nil
}

func (t *pgTx) KeyState(ctx context.Context, table, key string) (store.KeyState, bool, error) {
	var s store.KeyState
	err := t.tx.QueryRow(ctx,
		"SELECT origin, origin_time, deleted FROM row_versions WHERE table_name = $1 AND row_key = $2",
		table, key).Scan(&s.Version.Origin, &s.Version.Time, &s.Deleted)
	if err == pgx.ErrNoRows {
		return store.KeyState{}, false, nil
	}
	if err != nil {
		return store.KeyState{}, false, fmt.Errorf("failed to get row version: %w", err)
	}
	return s, true, nil
}

func (t *pgTx) PutKeyState(ctx context.Context, table, key string, s store.KeyState) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO row_versions (table_name, row_key, origin, origin_time, deleted) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (table_name, row_key) DO UPDATE SET origin = EXCLUDED.origin, origin_time = EXCLUDED.origin_time, deleted = EXCLUDED.deleted`,
		table, key, s.Version.Origin, s.Version.Time, s.Deleted)
	if err != nil {
		return fmt.Errorf("failed to set row version: %w", err)
	}
	return nil
}

func (t *pgTx) Cursor(ctx context.Context, peer, table string) (int64, error) {
	return cursor(ctx, t.tx, peer, table)
}

func (t *pgTx) AdvanceCursor(ctx context.Context, peer, table string, logicalTime int64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO sync_cursors (peer_id, table_name, last_applied, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (peer_id, table_name) DO UPDATE SET last_applied = GREATEST(sync_cursors.last_applied, EXCLUDED.last_applied), updated_at = EXCLUDED.updated_at`,
		peer, table, logicalTime)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}
