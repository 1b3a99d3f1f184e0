package main

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/rs/zerolog"
	"github.com/scorekeeper/changesync/capture"
	"github.com/scorekeeper/changesync/feed"
	"github.com/scorekeeper/changesync/middleware"
	"github.com/scorekeeper/changesync/rpc"
	"github.com/scorekeeper/changesync/store"
	"github.com/scorekeeper/changesync/store/sqlite"
	"github.com/scorekeeper/changesync/syncer"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

var tables = []string{"accounts", "items"}

func newReplica(t *testing.T, id string) *syncer.Replica {
	ctx := context.Background()
	storage, err := sqlite.NewSQLiteSyncStorage(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { storage.Close() })
	require.NoError(t, storage.Exec(ctx, `CREATE TABLE accounts (accountid TEXT PRIMARY KEY, name TEXT)`))
	require.NoError(t, storage.Exec(ctx, `CREATE TABLE items (itemid TEXT PRIMARY KEY, accountid TEXT, name TEXT, price INTEGER)`))
	reg, err := capture.NewRegistry(
		store.Table{Name: "accounts", Key: []string{"accountid"}},
		store.Table{Name: "items", Key: []string{"itemid"}},
	)
	require.NoError(t, err)
	return syncer.NewReplica(id, storage, reg, zerolog.Nop(), nil)
}

type testServer struct {
	replica *syncer.Replica
	lis     *bufconn.Listener
}

func server(t *testing.T, replica *syncer.Replica, trusted ...string) *testServer {
	lis := bufconn.Listen(1024 * 1024)
	changeFeed := feed.New(replica.Storage(), replica.Registry())
	broadcaster := feed.NewBroadcaster(changeFeed, 20*time.Millisecond, zerolog.Nop())
	replica.OnChange(broadcaster.Notify)
	quitChan := make(chan struct{})
	broadcaster.Start(quitChan)

	syncServer := NewPeerSyncServer(replica, nil, broadcaster, changeFeed, nil)
	s := CreateServer(syncServer, middleware.NewAuthenticator(trusted, middleware.DefaultMaxSkew), grpcprom.NewServerMetrics())
	go func() {
		if err := s.Serve(lis); err != nil {
			t.Logf("error serving server: %v", err)
		}
	}()
	t.Cleanup(func() {
		s.Stop()
		close(quitChan)
	})
	return &testServer{replica: replica, lis: lis}
}

func (s *testServer) dial(t *testing.T, signer *middleware.Signer) *rpc.Client {
	client, err := rpc.Dial(s.replica.ID(), "passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return s.lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(signer.UnaryClientInterceptor()),
		grpc.WithStreamInterceptor(signer.StreamClientInterceptor()),
	)
	require.NoError(t, err, "failed to dial")
	t.Cleanup(func() { client.Close() })
	return client
}

func newSigner(t *testing.T) *middleware.Signer {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	return middleware.NewSigner(key)
}

func write(t *testing.T, r *syncer.Replica, fn func(ctx context.Context, w *capture.Writer) error) {
	ctx := context.Background()
	_, err := r.Write(ctx, func(w *capture.Writer) error { return fn(ctx, w) })
	require.NoError(t, err)
}

func exists(t *testing.T, r *syncer.Replica, table string, key any) bool {
	_, ok, err := r.Get(context.Background(), table, key)
	require.NoError(t, err)
	return ok
}

func TestSyncOverGRPC(t *testing.T) {
	ctx := context.Background()
	signer := newSigner(t)
	central := newReplica(t, "server")
	station := newReplica(t, "station")
	peer := server(t, central, signer.PubKey()).dial(t, signer)
	coordinator := syncer.NewCoordinator(station, 0, zerolog.Nop(), nil)

	write(t, station, func(ctx context.Context, w *capture.Writer) error {
		if _, err := w.Insert(ctx, "accounts", store.Row{"accountid": "X", "name": "Entry Fees"}); err != nil {
			return err
		}
		_, err := w.Insert(ctx, "items", store.Row{"itemid": "Y", "accountid": "X", "name": "Entry", "price": 3000})
		return err
	})
	write(t, central, func(ctx context.Context, w *capture.Writer) error {
		_, err := w.Insert(ctx, "accounts", store.Row{"accountid": "Z", "name": "Membership"})
		return err
	})

	report, err := coordinator.Sync(ctx, peer, tables)
	require.NoError(t, err, "failed to sync")
	require.NoError(t, report.Err())
	for _, r := range []*syncer.Replica{central, station} {
		require.True(t, exists(t, r, "accounts", "X"), r.ID())
		require.True(t, exists(t, r, "items", "Y"), r.ID())
		require.True(t, exists(t, r, "accounts", "Z"), r.ID())
	}
	row, _, err := central.Get(ctx, "items", "Y")
	require.NoError(t, err)
	require.Equal(t, int64(3000), row["price"])

	write(t, station, func(ctx context.Context, w *capture.Writer) error {
		if _, err := w.Delete(ctx, "items", []any{"Y"}); err != nil {
			return err
		}
		_, err := w.Delete(ctx, "accounts", []any{"X"})
		return err
	})
	_, err = coordinator.Sync(ctx, peer, tables)
	require.NoError(t, err)
	_, err = coordinator.Sync(ctx, peer, tables)
	require.NoError(t, err)
	for _, r := range []*syncer.Replica{central, station} {
		require.False(t, exists(t, r, "accounts", "X"), r.ID())
		require.False(t, exists(t, r, "items", "Y"), r.ID())
		require.True(t, exists(t, r, "accounts", "Z"), r.ID())
	}

	cursors, err := peer.Cursors(ctx, "station")
	require.NoError(t, err)
	require.Len(t, cursors, 2)
}

func TestNonUTF8ValuesOverGRPC(t *testing.T) {
	ctx := context.Background()
	signer := newSigner(t)
	central := newReplica(t, "server")
	station := newReplica(t, "station")
	peer := server(t, central, signer.PubKey()).dial(t, signer)
	name := "\xff\x00\xfe"

	write(t, station, func(ctx context.Context, w *capture.Writer) error {
		_, err := w.Insert(ctx, "items", store.Row{"itemid": "raw", "name": name})
		return err
	})
	_, err := syncer.NewCoordinator(station, 0, zerolog.Nop(), nil).Sync(ctx, peer, tables)
	require.NoError(t, err)

	entries, err := station.ChangesSince(ctx, "items", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, name, entries[0].After["name"])

	row, ok, err := central.Get(ctx, "items", "raw")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, name, row["name"])

	remote, err := peer.Changes(ctx, "items", 0, 0, &feed.Filter{Columns: store.Row{"name": name}})
	require.NoError(t, err)
	require.Len(t, remote, 1)
	require.Equal(t, name, remote[0].After["name"])
}

func TestFeedOverGRPC(t *testing.T) {
	ctx := context.Background()
	signer := newSigner(t)
	central := newReplica(t, "server")
	client := server(t, central, signer.PubKey()).dial(t, signer)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := client.TrackChanges(streamCtx, "items", 0, &feed.Filter{Columns: map[string]any{"accountid": "A"}})
	require.NoError(t, err)

	write(t, central, func(ctx context.Context, w *capture.Writer) error {
		for i, account := range []string{"A", "B", "A"} {
			if _, err := w.Insert(ctx, "items", store.Row{"itemid": fmt.Sprint(i), "accountid": account, "price": i}); err != nil {
				return err
			}
		}
		return nil
	})

	first, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "0", first.After["itemid"])
	second, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "2", second.After["itemid"])
	require.Equal(t, int64(2), second.After["price"])

	changes, err := client.Changes(ctx, "items", first.LogicalTime, 0, nil)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	set, err := client.LastSet(ctx, "items", 0, "accountid", nil)
	require.NoError(t, err)
	require.Len(t, set.Groups, 2)
	require.Equal(t, "2", set.Groups["A"].After["itemid"])
	require.Equal(t, second.LogicalTime, set.Last.LogicalTime)

	_, err = client.ChangesSince(ctx, "payments", 0, 0)
	require.ErrorIs(t, err, capture.ErrNotTracked)

	_, err = client.SyncNow(ctx, "station")
	require.Error(t, err)
}

func TestUntrustedPeerIsRejected(t *testing.T) {
	ctx := context.Background()
	trusted := newSigner(t)
	central := newReplica(t, "server")
	client := server(t, central, trusted.PubKey()).dial(t, newSigner(t))

	_, err := client.ChangesSince(ctx, "accounts", 0, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Unauthenticated")

	_, err = client.Apply(ctx, "intruder", "accounts", []store.Entry{{LogicalTime: 1, Table: "accounts", Op: store.OpInsert,
		Key: `["x"]`, After: store.Row{"accountid": "x"}, Version: store.Version{Time: 1, Origin: "intruder"}}})
	require.Error(t, err)
	require.False(t, exists(t, central, "accounts", "x"))
}

func TestUnreachablePeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lis := bufconn.Listen(1024)
	require.NoError(t, lis.Close())

	client, err := rpc.Dial("server", "passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer client.Close()

	station := newReplica(t, "station")
	write(t, station, func(ctx context.Context, w *capture.Writer) error {
		_, err := w.Insert(ctx, "accounts", store.Row{"accountid": "X"})
		return err
	})
	_, err = syncer.NewCoordinator(station, 0, zerolog.Nop(), nil).Sync(ctx, client, tables)
	require.ErrorIs(t, err, syncer.ErrPeerUnavailable)

	cursors, err := station.Cursors(ctx, "server")
	require.NoError(t, err)
	require.Empty(t, cursors)
}
