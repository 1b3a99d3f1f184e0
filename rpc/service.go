// Package rpc serves a replica and its live feed to peers and clients over
// gRPC, and dials remote replicas as syncer peers.
package rpc

import (
	"context"

	"github.com/scorekeeper/changesync/store"
	"google.golang.org/grpc"
)

const ServiceName = "changesync.Peer"

const (
	ChangesSinceMethod = "/" + ServiceName + "/ChangesSince"
	CursorMethod       = "/" + ServiceName + "/Cursor"
	CursorsMethod      = "/" + ServiceName + "/Cursors"
	ApplyMethod        = "/" + ServiceName + "/Apply"
	LastSetMethod      = "/" + ServiceName + "/LastSet"
	SyncNowMethod      = "/" + ServiceName + "/SyncNow"
	TrackChangesMethod = "/" + ServiceName + "/TrackChanges"
)

type PeerServer interface {
	ChangesSince(context.Context, *ChangesSinceRequest) (*ChangesSinceReply, error)
	Cursor(context.Context, *CursorRequest) (*CursorReply, error)
	Cursors(context.Context, *CursorsRequest) (*CursorsReply, error)
	Apply(context.Context, *ApplyRequest) (*ApplyReply, error)
	LastSet(context.Context, *LastSetRequest) (*LastSetReply, error)
	SyncNow(context.Context, *SyncNowRequest) (*SyncNowReply, error)
	TrackChanges(*TrackChangesRequest, TrackChangesServer) error
}

type TrackChangesServer interface {
	Send(*store.Entry) error
	grpc.ServerStream
}

type trackChangesServer struct {
	grpc.ServerStream
}

func (s *trackChangesServer) Send(e *store.Entry) error {
	return s.ServerStream.SendMsg(e)
}

func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary adapts a typed handler to a grpc.MethodDesc handler.
func unary[Req any, Reply any](method string, call func(PeerServer, context.Context, *Req) (*Reply, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PeerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PeerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func trackChangesHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(TrackChangesRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PeerServer).TrackChanges(in, &trackChangesServer{stream})
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ChangesSince", Handler: unary(ChangesSinceMethod, PeerServer.ChangesSince)},
		{MethodName: "Cursor", Handler: unary(CursorMethod, PeerServer.Cursor)},
		{MethodName: "Cursors", Handler: unary(CursorsMethod, PeerServer.Cursors)},
		{MethodName: "Apply", Handler: unary(ApplyMethod, PeerServer.Apply)},
		{MethodName: "LastSet", Handler: unary(LastSetMethod, PeerServer.LastSet)},
		{MethodName: "SyncNow", Handler: unary(SyncNowMethod, PeerServer.SyncNow)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "TrackChanges", Handler: trackChangesHandler, ServerStreams: true},
	},
	Metadata: "changesync/peer",
}
