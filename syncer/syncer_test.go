package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/scorekeeper/changesync/capture"
	"github.com/scorekeeper/changesync/store"
	"github.com/scorekeeper/changesync/store/sqlite"
	"github.com/stretchr/testify/require"
)

var trackedTables = []string{"accounts", "items", "photos"}

func newReplica(t *testing.T, id string) *Replica {
	ctx := context.Background()
	storage, err := sqlite.NewSQLiteSyncStorage(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { storage.Close() })
	require.NoError(t, storage.Exec(ctx, `CREATE TABLE accounts (accountid TEXT PRIMARY KEY, name TEXT)`))
	require.NoError(t, storage.Exec(ctx, `CREATE TABLE items (itemid TEXT PRIMARY KEY, accountid TEXT, name TEXT, price INTEGER)`))
	require.NoError(t, storage.Exec(ctx, `CREATE TABLE photos (photoid TEXT PRIMARY KEY, caption TEXT, image BLOB)`))
	reg, err := capture.NewRegistry(
		store.Table{Name: "accounts", Key: []string{"accountid"}},
		store.Table{Name: "items", Key: []string{"itemid"}},
		store.Table{Name: "photos", Key: []string{"photoid"}},
	)
	require.NoError(t, err)
	return NewReplica(id, storage, reg, zerolog.Nop(), nil)
}

func write(t *testing.T, r *Replica, fn func(ctx context.Context, w *capture.Writer) error) {
	ctx := context.Background()
	_, err := r.Write(ctx, func(w *capture.Writer) error { return fn(ctx, w) })
	require.NoError(t, err)
}

func insert(t *testing.T, r *Replica, table string, row store.Row) {
	write(t, r, func(ctx context.Context, w *capture.Writer) error {
		_, err := w.Insert(ctx, table, row)
		return err
	})
}

func syncPair(t *testing.T, a, b *Replica) *Report {
	report, err := NewCoordinator(a, 0, zerolog.Nop(), nil).Sync(context.Background(), b, trackedTables)
	require.NoError(t, err)
	return report
}

// rows returns the latest image per key, omitting deleted keys.
func rows(t *testing.T, r *Replica, table string) map[string]store.Row {
	entries, err := r.ChangesSince(context.Background(), table, 0, 0)
	require.NoError(t, err)
	out := make(map[string]store.Row)
	for _, e := range entries {
		if e.IsTombstone() {
			delete(out, e.Key)
			continue
		}
		out[e.Key] = e.After
	}
	return out
}

func requireRow(t *testing.T, r *Replica, table string, key any, exists bool) store.Row {
	row, ok, err := r.Get(context.Background(), table, key)
	require.NoError(t, err)
	require.Equal(t, exists, ok, "%s %s %v on %s", table, key, exists, r.ID())
	return row
}

func TestDeleteThenResync(t *testing.T) {
	a := newReplica(t, "server")
	b := newReplica(t, "station")

	insert(t, b, "accounts", store.Row{"accountid": "X", "name": "Entry Fees"})
	insert(t, b, "items", store.Row{"itemid": "Y", "accountid": "X", "name": "Entry", "price": 3000})

	syncPair(t, a, b)
	for _, r := range []*Replica{a, b} {
		requireRow(t, r, "accounts", "X", true)
		requireRow(t, r, "items", "Y", true)
	}

	write(t, b, func(ctx context.Context, w *capture.Writer) error {
		if _, err := w.Delete(ctx, "items", []any{"Y"}); err != nil {
			return err
		}
		_, err := w.Delete(ctx, "accounts", []any{"X"})
		return err
	})

	syncPair(t, a, b)
	syncPair(t, a, b)
	for _, r := range []*Replica{a, b} {
		requireRow(t, r, "accounts", "X", false)
		requireRow(t, r, "items", "Y", false)
	}
}

func TestBinaryValuesSurviveSync(t *testing.T) {
	a := newReplica(t, "server")
	b := newReplica(t, "station")
	image := []byte{0xff, 0x00, 0xfe, 0x89, 0x50}

	insert(t, b, "photos", store.Row{"photoid": "p1", "caption": "\xff\x00\xfe", "image": image})
	syncPair(t, a, b)

	want := store.Row{"photoid": "p1", "caption": "\xff\x00\xfe", "image": image}
	require.Equal(t, want, requireRow(t, b, "photos", "p1", true))
	require.Equal(t, want, requireRow(t, a, "photos", "p1", true))
	require.Equal(t, rows(t, b, "photos"), rows(t, a, "photos"))

	write(t, a, func(ctx context.Context, w *capture.Writer) error {
		_, err := w.Update(ctx, "photos", []any{"p1"}, store.Row{"image": []byte{0x00}})
		return err
	})
	syncPair(t, a, b)
	require.Equal(t, []byte{0x00}, requireRow(t, b, "photos", "p1", true)["image"])
}

func TestConvergence(t *testing.T) {
	a := newReplica(t, "a")
	b := newReplica(t, "b")

	insert(t, a, "items", store.Row{"itemid": "shared", "name": "base", "price": 1})
	syncPair(t, a, b)

	// concurrent edits on both sides
	write(t, a, func(ctx context.Context, w *capture.Writer) error {
		if _, err := w.Update(ctx, "items", []any{"shared"}, store.Row{"price": 10}); err != nil {
			return err
		}
		_, err := w.Insert(ctx, "items", store.Row{"itemid": "onlyA", "price": 5})
		return err
	})
	write(t, b, func(ctx context.Context, w *capture.Writer) error {
		if _, err := w.Update(ctx, "items", []any{"shared"}, store.Row{"price": 20}); err != nil {
			return err
		}
		if _, err := w.Update(ctx, "items", []any{"shared"}, store.Row{"name": "edited"}); err != nil {
			return err
		}
		_, err := w.Insert(ctx, "accounts", store.Row{"accountid": "onlyB"})
		return err
	})

	syncPair(t, a, b)
	for _, table := range trackedTables {
		require.Equal(t, rows(t, a, table), rows(t, b, table), table)
	}
	// b's last write carries the higher logical time and wins the whole image
	shared := requireRow(t, a, "items", "shared", true)
	require.Equal(t, int64(20), shared["price"])
	require.Equal(t, "edited", shared["name"])
	requireRow(t, b, "items", "onlyA", true)
	requireRow(t, a, "accounts", "onlyB", true)

	// further passes only exchange echoes, which change nothing
	syncPair(t, a, b)
	report := syncPair(t, a, b)
	for _, tr := range report.Tables {
		require.Zero(t, tr.Pulled, tr.Table)
		require.Zero(t, tr.Pushed, tr.Table)
	}
	for _, table := range trackedTables {
		require.Equal(t, rows(t, a, table), rows(t, b, table), table)
	}
}

func TestConvergenceThroughRelay(t *testing.T) {
	a := newReplica(t, "a")
	b := newReplica(t, "b")
	c := newReplica(t, "c")

	insert(t, a, "accounts", store.Row{"accountid": "k", "name": "from a"})
	syncPair(t, b, a)
	syncPair(t, c, b)
	requireRow(t, c, "accounts", "k", true)

	write(t, c, func(ctx context.Context, w *capture.Writer) error {
		_, err := w.Delete(ctx, "accounts", []any{"k"})
		return err
	})
	syncPair(t, b, c)
	syncPair(t, a, b)
	for _, r := range []*Replica{a, b, c} {
		requireRow(t, r, "accounts", "k", false)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t, "local")

	image := store.Row{"itemid": "K", "name": "old", "price": int64(1)}
	insertK := store.Entry{LogicalTime: 1, Table: "items", Op: store.OpInsert, Key: `["K"]`, After: image,
		Version: store.Version{Time: 1, Origin: "p"}}
	update5 := store.Entry{LogicalTime: 5, Table: "items", Op: store.OpUpdate, Key: `["K"]`, Before: image,
		After: store.Row{"itemid": "K", "name": "stale", "price": int64(5)}, Version: store.Version{Time: 5, Origin: "p"}}
	delete10 := store.Entry{LogicalTime: 10, Table: "items", Op: store.OpDelete, Key: `["K"]`, Before: image,
		Version: store.Version{Time: 10, Origin: "p"}}

	// one batch delivered in the wrong order is replayed by logical time
	res, err := r.Apply(ctx, "p", "items", []store.Entry{delete10, insertK, update5})
	require.NoError(t, err)
	require.Equal(t, ApplyResult{Cursor: 10, Applied: 3}, res)
	requireRow(t, r, "items", "K", false)

	// the stale update relayed later by another peer cannot resurrect the row
	relayed := update5
	relayed.LogicalTime = 2
	res, err = r.Apply(ctx, "q", "items", []store.Entry{relayed})
	require.NoError(t, err)
	require.Equal(t, ApplyResult{Cursor: 2, Skipped: 1}, res)
	requireRow(t, r, "items", "K", false)

	// a delete arriving before anything else still guards the key
	res, err = r.Apply(ctx, "q", "items", []store.Entry{{LogicalTime: 3, Table: "items", Op: store.OpDelete, Key: `["Z"]`,
		Before: store.Row{"itemid": "Z"}, Version: store.Version{Time: 10, Origin: "p"}}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)
	res, err = r.Apply(ctx, "q", "items", []store.Entry{{LogicalTime: 4, Table: "items", Op: store.OpInsert, Key: `["Z"]`,
		After: store.Row{"itemid": "Z"}, Version: store.Version{Time: 4, Origin: "p"}}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	requireRow(t, r, "items", "Z", false)
}

func TestIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t, "a")
	b := newReplica(t, "b")

	insert(t, a, "items", store.Row{"itemid": "1", "price": 1})
	write(t, a, func(ctx context.Context, w *capture.Writer) error {
		_, err := w.Update(ctx, "items", []any{"1"}, store.Row{"price": 2})
		return err
	})
	insert(t, a, "items", store.Row{"itemid": "2", "price": 3})
	entries, err := a.ChangesSince(ctx, "items", 0, 0)
	require.NoError(t, err)

	_, err = b.Apply(ctx, "a", "items", entries)
	require.NoError(t, err)
	once := rows(t, b, "items")

	// same cursor: ignored; another source: every stamp is already known
	res, err := b.Apply(ctx, "a", "items", entries)
	require.NoError(t, err)
	require.Equal(t, ApplyResult{Cursor: entries[2].LogicalTime}, res)
	res, err = b.Apply(ctx, "relay", "items", entries)
	require.NoError(t, err)
	require.Equal(t, 3, res.Skipped)
	require.Zero(t, res.Applied)

	require.Equal(t, once, rows(t, b, "items"))
	require.Equal(t, rows(t, a, "items"), rows(t, b, "items"))
}

func TestPartialFailureRecovery(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t, "a")
	b := newReplica(t, "b")

	for i := 1; i <= 5; i++ {
		price := i
		if i == 3 {
			price = 666
		}
		insert(t, b, "items", store.Row{"itemid": fmt.Sprint(i), "price": price})
	}
	require.NoError(t, a.Storage().Exec(ctx, `CREATE TRIGGER reject_price BEFORE INSERT ON items
		WHEN NEW.price = 666 BEGIN SELECT RAISE(ABORT, 'rejected'); END`))

	report, err := NewCoordinator(a, 0, zerolog.Nop(), nil).Sync(ctx, b, trackedTables)
	require.Error(t, err)
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	require.Equal(t, "items", applyErr.Table)
	require.Equal(t, "b", applyErr.Peer)

	cursor, err := a.Cursor(ctx, "b", "items")
	require.NoError(t, err)
	require.Zero(t, cursor)
	require.Empty(t, rows(t, a, "items"))
	for _, tr := range report.Tables {
		if tr.Table == "accounts" {
			require.NoError(t, tr.Err)
		}
	}

	require.NoError(t, a.Storage().Exec(ctx, `DROP TRIGGER reject_price`))
	syncPair(t, a, b)
	require.Equal(t, rows(t, b, "items"), rows(t, a, "items"))
	require.Len(t, rows(t, a, "items"), 5)

	cursor, err = a.Cursor(ctx, "b", "items")
	require.NoError(t, err)
	require.Positive(t, cursor)
}

func TestCursorNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t, "local")

	entry := func(lt int64, id string) store.Entry {
		return store.Entry{LogicalTime: lt, Table: "accounts", Op: store.OpInsert, Key: fmt.Sprintf(`["%s"]`, id),
			After: store.Row{"accountid": id}, Version: store.Version{Time: lt, Origin: "p"}}
	}
	_, err := r.Apply(ctx, "p", "accounts", []store.Entry{entry(4, "a"), entry(8, "b")})
	require.NoError(t, err)
	res, err := r.Apply(ctx, "p", "accounts", []store.Entry{entry(2, "c")})
	require.NoError(t, err)
	require.Equal(t, int64(8), res.Cursor)
	requireRow(t, r, "accounts", "c", false)

	cursors, err := r.Cursors(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"accounts": 8}, cursors)
}

func TestBatchedPass(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t, "a")
	b := newReplica(t, "b")
	for i := 0; i < 7; i++ {
		insert(t, b, "accounts", store.Row{"accountid": fmt.Sprint(i)})
	}
	report, err := NewCoordinator(a, 2, zerolog.Nop(), nil).Sync(ctx, b, []string{"accounts"})
	require.NoError(t, err)
	require.Equal(t, 7, report.Tables[0].Pulled)
	require.Len(t, rows(t, a, "accounts"), 7)
}

type downPeer struct{ id string }

func (p downPeer) ID() string { return p.id }

func (p downPeer) ChangesSince(context.Context, string, int64, int) ([]store.Entry, error) {
	return nil, fmt.Errorf("dial %s: %w", p.id, ErrPeerUnavailable)
}

func (p downPeer) Cursor(context.Context, string, string) (int64, error) {
	return 0, fmt.Errorf("dial %s: %w", p.id, ErrPeerUnavailable)
}

func (p downPeer) Apply(context.Context, string, string, []store.Entry) (ApplyResult, error) {
	return ApplyResult{}, fmt.Errorf("dial %s: %w", p.id, ErrPeerUnavailable)
}

func TestUnavailablePeerAbortsPass(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t, "a")
	insert(t, a, "accounts", store.Row{"accountid": "x"})

	_, err := NewCoordinator(a, 0, zerolog.Nop(), nil).Sync(ctx, downPeer{id: "b"}, trackedTables)
	require.ErrorIs(t, err, ErrPeerUnavailable)
	cursors, err := a.Cursors(ctx, "b")
	require.NoError(t, err)
	require.Empty(t, cursors)
}

type blockingPeer struct {
	Peer
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPeer) ChangesSince(ctx context.Context, table string, since int64, limit int) ([]store.Entry, error) {
	if p.calls.Add(1) == 1 {
		close(p.entered)
	}
	<-p.release
	return p.Peer.ChangesSince(ctx, table, since, limit)
}

func TestSyncIsSingleFlightPerPeer(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t, "a")
	b := newReplica(t, "b")
	insert(t, b, "accounts", store.Row{"accountid": "x"})

	peer := &blockingPeer{Peer: b, entered: make(chan struct{}), release: make(chan struct{})}
	coord := NewCoordinator(a, 0, zerolog.Nop(), nil)

	var wg sync.WaitGroup
	reports := make([]*Report, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := coord.Sync(ctx, peer, []string{"accounts"})
			require.NoError(t, err)
			reports[i] = r
		}(i)
		if i == 0 {
			<-peer.entered
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(peer.release)
	wg.Wait()

	require.Equal(t, int32(1), peer.calls.Load())
	require.Same(t, reports[0], reports[1])
	requireRow(t, a, "accounts", "x", true)
}

func TestSyncOtherTablesWaitsForRunningPass(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t, "a")
	b := newReplica(t, "b")
	insert(t, b, "accounts", store.Row{"accountid": "x"})
	insert(t, b, "items", store.Row{"itemid": "y"})

	peer := &blockingPeer{Peer: b, entered: make(chan struct{}), release: make(chan struct{})}
	coord := NewCoordinator(a, 0, zerolog.Nop(), nil)

	var wg sync.WaitGroup
	reports := make([]*Report, 2)
	for i, tables := range [][]string{{"accounts"}, {"items"}} {
		wg.Add(1)
		go func(i int, tables []string) {
			defer wg.Done()
			r, err := coord.Sync(ctx, peer, tables)
			require.NoError(t, err)
			reports[i] = r
		}(i, tables)
		if i == 0 {
			<-peer.entered
		}
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), peer.calls.Load(), "second pass must wait for the first")
	close(peer.release)
	wg.Wait()

	require.Equal(t, int32(2), peer.calls.Load())
	require.Equal(t, "accounts", reports[0].Tables[0].Table)
	require.Equal(t, "items", reports[1].Tables[0].Table)
	requireRow(t, a, "accounts", "x", true)
	requireRow(t, a, "items", "y", true)
}

func TestScheduler(t *testing.T) {
	a := newReplica(t, "a")
	b := newReplica(t, "b")
	coord := NewCoordinator(a, 0, zerolog.Nop(), nil)
	s := NewScheduler(coord, []Peer{b}, trackedTables, 0, zerolog.Nop())
	require.False(t, s.Trigger("nobody"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	insert(t, b, "accounts", store.Row{"accountid": "triggered"})
	require.Eventually(t, func() bool {
		s.Trigger("b")
		_, ok, err := a.Get(context.Background(), "accounts", "triggered")
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestBackoff(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 400*time.Millisecond)
	first := b.Next()
	require.InDelta(t, float64(100*time.Millisecond), float64(first), float64(20*time.Millisecond))
	b.Next()
	b.Next()
	capped := b.Next()
	require.InDelta(t, float64(400*time.Millisecond), float64(capped), float64(80*time.Millisecond))
	b.Reset()
	require.Equal(t, 100*time.Millisecond, b.current)
}
