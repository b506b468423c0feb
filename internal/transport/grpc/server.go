// Package grpc implements the RPC path of action forwarding. It adapts
// incoming unary calls into local action dispatches and maps transport
// failures into typed cluster errors on the calling side.
//
// The service is described by hand rather than generated: a request is a
// protobuf Struct carrying the action name and a JSON body, and the reply is
// a Struct carrying the structured result.
package grpc

import (
	"context"
	"net"

	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/arcadia-eternity/battle-cluster/internal/action"
)

const (
	ServiceName   = "battlecluster.v1.ActionForwarder"
	executeMethod = "/" + ServiceName + "/Execute"
)

// Dispatcher executes an action against a locally owned room.
type Dispatcher interface {
	Dispatch(ctx context.Context, req action.Request) action.Result
}

type executor interface {
	Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = gogrpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*executor)(nil),
	Methods: []gogrpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: "battlecluster/v1/forwarder.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor gogrpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(executor).Execute(ctx, in)
	}
	info := &gogrpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(executor).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type Server struct {
	dispatcher Dispatcher
	grpcServer *gogrpc.Server
	health     *health.Server
	logger     *zap.Logger
}

var _ executor = (*Server)(nil)

func New(dispatcher Dispatcher, logger *zap.Logger, opts ...gogrpc.ServerOption) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: dispatcher,
		health:     health.NewServer(),
		logger:     logger.Named("grpc"),
	}

	s.grpcServer = gogrpc.NewServer(opts...)
	s.grpcServer.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return s, nil
}

// SetServing flips the health status reported for the forwarding service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.Stop()
}
