package grpc

import (
	"context"
	"net"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"webshield/internal/intercept"
)

const (
	ServiceName = "webshield.v1.BlockChecker"
	CheckMethod = "/" + ServiceName + "/Check"

	maxURLLen = 2048
)

// Checker is the decision side of the interceptor.
type Checker interface {
	Decide(requestURL string) intercept.Decision
}

// BlockCheckerServer answers whether a request URL would be blocked.
type BlockCheckerServer interface {
	Check(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
}

type Server struct {
	checker Checker
}

func NewServer(c Checker) *Server {
	return &Server{checker: c}
}

func (s *Server) Check(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	rawURL := strings.TrimSpace(req.GetValue())
	if rawURL == "" {
		return nil, status.Error(codes.InvalidArgument, "url is required")
	}
	if len(rawURL) > maxURLLen {
		return nil, status.Error(codes.InvalidArgument, "url is too long")
	}

	d := s.checker.Decide(rawURL)
	if d.Verdict == intercept.VerdictInvalid {
		return nil, status.Errorf(codes.InvalidArgument, "invalid url %q", rawURL)
	}
	return wrapperspb.Bool(d.Blocked()), nil
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockCheckerServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BlockCheckerServer).Check(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the BlockChecker service. Messages are the well-known
// wrapper types, so clients need no generated code.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BlockCheckerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: ProtoFile,
}

func Register(s *grpc.Server, srv BlockCheckerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Check calls the BlockChecker service over conn.
func Check(ctx context.Context, conn grpc.ClientConnInterface, requestURL string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := conn.Invoke(ctx, CheckMethod, wrapperspb.String(requestURL), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// Run starts a gRPC server on addr and stops it gracefully when ctx is done.
func Run(ctx context.Context, addr string, c Checker, logger *zap.Logger) error {
	if addr == "" {
		addr = ":9090"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s := grpc.NewServer()
	Register(s, NewServer(c))
	reflection.Register(s)

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	return s.Serve(lis)
}
