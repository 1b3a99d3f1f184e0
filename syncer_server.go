package main

import (
	"context"
	"errors"

	"github.com/scorekeeper/changesync/capture"
	"github.com/scorekeeper/changesync/feed"
	"github.com/scorekeeper/changesync/metrics"
	"github.com/scorekeeper/changesync/rpc"
	"github.com/scorekeeper/changesync/store"
	"github.com/scorekeeper/changesync/syncer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PeerSyncServer exposes the local replica to peers and its live feed to
// clients.
type PeerSyncServer struct {
	replica     *syncer.Replica
	feed        *feed.Feed
	broadcaster *feed.Broadcaster
	scheduler   *syncer.Scheduler
	metrics     *metrics.Metrics
}

var _ rpc.PeerServer = (*PeerSyncServer)(nil)

func NewPeerSyncServer(replica *syncer.Replica, scheduler *syncer.Scheduler, broadcaster *feed.Broadcaster, f *feed.Feed, m *metrics.Metrics) *PeerSyncServer {
	return &PeerSyncServer{
		replica:     replica,
		feed:        f,
		broadcaster: broadcaster,
		scheduler:   scheduler,
		metrics:     m,
	}
}

func (s *PeerSyncServer) ChangesSince(ctx context.Context, msg *rpc.ChangesSinceRequest) (*rpc.ChangesSinceReply, error) {
	var (
		entries []store.Entry
		err     error
	)
	if msg.Filter != nil {
		entries, err = s.feed.ChangesSince(ctx, msg.Table, msg.Since, msg.Filter)
		if err == nil && msg.Limit > 0 && len(entries) > msg.Limit {
			entries = entries[:msg.Limit]
		}
	} else {
		entries, err = s.replica.ChangesSince(ctx, msg.Table, msg.Since, msg.Limit)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.ChangesSinceReply{Entries: entries}, nil
}

func (s *PeerSyncServer) Cursor(ctx context.Context, msg *rpc.CursorRequest) (*rpc.CursorReply, error) {
	cursor, err := s.replica.Cursor(ctx, msg.From, msg.Table)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.CursorReply{Cursor: cursor}, nil
}

func (s *PeerSyncServer) Cursors(ctx context.Context, msg *rpc.CursorsRequest) (*rpc.CursorsReply, error) {
	cursors, err := s.replica.Cursors(ctx, msg.From)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.CursorsReply{Cursors: cursors}, nil
}

func (s *PeerSyncServer) Apply(ctx context.Context, msg *rpc.ApplyRequest) (*rpc.ApplyReply, error) {
	if msg.From == "" || msg.From == s.replica.ID() {
		return nil, status.Errorf(codes.InvalidArgument, "invalid source instance %q", msg.From)
	}
	result, err := s.replica.Apply(ctx, msg.From, msg.Table, msg.Entries)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.ApplyReply{Result: result}, nil
}

func (s *PeerSyncServer) LastSet(ctx context.Context, msg *rpc.LastSetRequest) (*rpc.LastSetReply, error) {
	set, err := s.feed.LastSet(ctx, msg.Table, msg.Since, msg.GroupBy, msg.Filter)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.LastSetReply{Set: set}, nil
}

func (s *PeerSyncServer) SyncNow(ctx context.Context, msg *rpc.SyncNowRequest) (*rpc.SyncNowReply, error) {
	if s.scheduler == nil {
		return nil, status.Error(codes.FailedPrecondition, "no peers configured")
	}
	if msg.Peer == "" {
		s.scheduler.TriggerAll()
		return &rpc.SyncNowReply{Triggered: true}, nil
	}
	return &rpc.SyncNowReply{Triggered: s.scheduler.Trigger(msg.Peer)}, nil
}

func (s *PeerSyncServer) TrackChanges(request *rpc.TrackChangesRequest, stream rpc.TrackChangesServer) error {
	ctx := stream.Context()
	subscription, err := s.broadcaster.Subscribe(ctx, request.Table, request.Since, request.Filter)
	if err != nil {
		return toStatus(err)
	}
	defer s.broadcaster.Unsubscribe(subscription)
	s.metrics.SubscriberAdded()
	defer s.metrics.SubscriberRemoved()

	for {
		select {
		case entry, ok := <-subscription.Events:
			if !ok {
				// Unsubscribed, shutting down or lagging. The client
				// resumes from the last entry it received.
				return nil
			}
			if err := stream.Send(&entry); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func toStatus(err error) error {
	var applyErr *syncer.ApplyError
	switch {
	case errors.Is(err, capture.ErrNotTracked), errors.Is(err, store.ErrUnknownTable):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &applyErr):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, store.ErrInvalidEntry), errors.Is(err, store.ErrMissingKey), errors.Is(err, store.ErrInvalidIdentifier):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, feed.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}
