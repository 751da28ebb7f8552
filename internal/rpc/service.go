// Package rpc serves the latest published snapshot over gRPC.
//
// The service is registered from a hand-written descriptor; requests and
// responses are google.protobuf.Struct values, so no generated code is
// needed.
package rpc

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caesar-terminal/depthbook/internal/publish"
)

const (
	serviceName  = "depthbook.v1.Snapshots"
	LatestMethod = "/" + serviceName + "/Latest"
)

// SnapshotsServer is the server API for depthbook.v1.Snapshots.
type SnapshotsServer interface {
	// Latest returns the most recent snapshot. The optional request field
	// "levels" caps the number of book levels per side.
	Latest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var snapshotsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SnapshotsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Latest", Handler: latestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "depthbook/v1/snapshots.proto",
}

// RegisterSnapshotsServer registers srv on s.
func RegisterSnapshotsServer(s grpc.ServiceRegistrar, srv SnapshotsServer) {
	s.RegisterService(&snapshotsServiceDesc, srv)
}

func latestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotsServer).Latest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LatestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SnapshotsServer).Latest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Service retains the latest snapshot it is given and serves it. It is a
// publish.Renderer.
type Service struct {
	latest atomic.Pointer[publish.Snapshot]
}

// NewService creates a Service with no snapshot yet.
func NewService() *Service {
	return &Service{}
}

// Render stores s as the latest snapshot.
func (s *Service) Render(snap publish.Snapshot) error {
	s.latest.Store(&snap)
	return nil
}

// Latest implements SnapshotsServer.
func (s *Service) Latest(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	snap := s.latest.Load()
	if snap == nil {
		return nil, status.Errorf(codes.Unavailable, "no snapshot published yet")
	}

	levels := -1
	if v, ok := req.GetFields()["levels"]; ok {
		n, isNum := v.GetKind().(*structpb.Value_NumberValue)
		if !isNum || n.NumberValue < 0 {
			return nil, status.Errorf(codes.InvalidArgument, "levels must be a non-negative number")
		}
		levels = int(n.NumberValue)
	}

	out, err := structpb.NewStruct(encodeSnapshot(*snap, levels))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	return out, nil
}
