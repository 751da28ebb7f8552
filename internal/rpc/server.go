package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caesar-terminal/depthbook/internal/logging"
)

// Server wraps the gRPC server and its listener.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	log        zerolog.Logger
}

// New creates a Snapshots gRPC server listening on addr.
func New(addr string, svc SnapshotsServer, logger zerolog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return NewWithListener(lis, svc, logger), nil
}

// NewWithListener creates a Snapshots gRPC server on an existing listener.
func NewWithListener(lis net.Listener, svc SnapshotsServer, logger zerolog.Logger) *Server {
	log := logging.Component(logger, "grpc")
	gs := grpc.NewServer(grpc.UnaryInterceptor(logUnary(log)))
	RegisterSnapshotsServer(gs, svc)

	return &Server{
		grpcServer: gs,
		listener:   lis,
		log:        log,
	}
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve starts accepting gRPC connections. It blocks until the server
// is stopped or an error occurs.
func (s *Server) Serve() error {
	s.log.Info().Str("addr", s.listener.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop drains in-flight RPCs and stops the server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

func logUnary(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("took", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}

// Client calls depthbook.v1.Snapshots.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Latest fetches the latest snapshot. levels < 0 requests every level.
func (c *Client) Latest(ctx context.Context, levels int, opts ...grpc.CallOption) (*structpb.Struct, error) {
	fields := map[string]any{}
	if levels >= 0 {
		fields["levels"] = levels
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, LatestMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
