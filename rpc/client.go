package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/scorekeeper/changesync/capture"
	"github.com/scorekeeper/changesync/feed"
	"github.com/scorekeeper/changesync/store"
	"github.com/scorekeeper/changesync/syncer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client is a remote replica reached over gRPC.
type Client struct {
	id   string
	conn *grpc.ClientConn
}

var _ syncer.Peer = (*Client)(nil)

// Dial creates a client for the peer with the given id. The connection is
// established lazily, so an unreachable peer only surfaces on first use.
func Dial(id, target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Name))}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", id, err)
	}
	return &Client{id: id, conn: conn}, nil
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) ChangesSince(ctx context.Context, table string, since int64, limit int) ([]store.Entry, error) {
	return c.Changes(ctx, table, since, limit, nil)
}

// Changes is ChangesSince with a feed filter applied by the peer.
func (c *Client) Changes(ctx context.Context, table string, since int64, limit int, filter *feed.Filter) ([]store.Entry, error) {
	reply := new(ChangesSinceReply)
	req := &ChangesSinceRequest{Table: table, Since: since, Limit: limit, Filter: filter}
	if err := c.conn.Invoke(ctx, ChangesSinceMethod, req, reply); err != nil {
		return nil, c.mapError(err)
	}
	return reply.Entries, nil
}

func (c *Client) Cursor(ctx context.Context, from, table string) (int64, error) {
	reply := new(CursorReply)
	if err := c.conn.Invoke(ctx, CursorMethod, &CursorRequest{From: from, Table: table}, reply); err != nil {
		return 0, c.mapError(err)
	}
	return reply.Cursor, nil
}

func (c *Client) Cursors(ctx context.Context, from string) (map[string]int64, error) {
	reply := new(CursorsReply)
	if err := c.conn.Invoke(ctx, CursorsMethod, &CursorsRequest{From: from}, reply); err != nil {
		return nil, c.mapError(err)
	}
	return reply.Cursors, nil
}

func (c *Client) Apply(ctx context.Context, from, table string, entries []store.Entry) (syncer.ApplyResult, error) {
	reply := new(ApplyReply)
	req := &ApplyRequest{From: from, Table: table, Entries: entries}
	if err := c.conn.Invoke(ctx, ApplyMethod, req, reply); err != nil {
		return syncer.ApplyResult{}, c.mapError(err)
	}
	return reply.Result, nil
}

func (c *Client) LastSet(ctx context.Context, table string, since int64, groupBy string, filter *feed.Filter) (*feed.LastSet, error) {
	reply := new(LastSetReply)
	req := &LastSetRequest{Table: table, Since: since, GroupBy: groupBy, Filter: filter}
	if err := c.conn.Invoke(ctx, LastSetMethod, req, reply); err != nil {
		return nil, c.mapError(err)
	}
	return reply.Set, nil
}

// SyncNow asks the remote instance to run a pass against peer.
func (c *Client) SyncNow(ctx context.Context, peer string) (bool, error) {
	reply := new(SyncNowReply)
	if err := c.conn.Invoke(ctx, SyncNowMethod, &SyncNowRequest{Peer: peer}, reply); err != nil {
		return false, c.mapError(err)
	}
	return reply.Triggered, nil
}

// ChangeStream delivers live entries of one table.
type ChangeStream struct {
	stream grpc.ClientStream
	client *Client
}

// Recv blocks for the next entry. It returns io.EOF once the server ends
// the stream.
func (s *ChangeStream) Recv() (store.Entry, error) {
	var e store.Entry
	if err := s.stream.RecvMsg(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return store.Entry{}, io.EOF
		}
		return store.Entry{}, s.client.mapError(err)
	}
	return e, nil
}

func (c *Client) TrackChanges(ctx context.Context, table string, since int64, filter *feed.Filter) (*ChangeStream, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], TrackChangesMethod)
	if err != nil {
		return nil, c.mapError(err)
	}
	if err := stream.SendMsg(&TrackChangesRequest{Table: table, Since: since, Filter: filter}); err != nil {
		return nil, c.mapError(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, c.mapError(err)
	}
	return &ChangeStream{stream: stream, client: c}, nil
}

func (c *Client) mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s: %s", syncer.ErrPeerUnavailable, c.id, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", capture.ErrNotTracked, st.Message())
	}
	return fmt.Errorf("peer %s: %w", c.id, err)
}
