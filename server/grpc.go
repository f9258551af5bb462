package server

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/golang/protobuf/ptypes/wrappers"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/bskracic/cpipe/runner"
)

// PipelineServer is the server API for the cpipe.Pipeline service. Each
// method takes the source unit and answers with the rendered report.
type PipelineServer interface {
	Lexical(context.Context, *wrappers.StringValue) (*wrappers.StringValue, error)
	ParseTree(context.Context, *wrappers.StringValue) (*wrappers.StringValue, error)
	CompileAndRun(context.Context, *wrappers.StringValue) (*wrappers.StringValue, error)
}

const (
	methodLexical       = "/cpipe.Pipeline/Lexical"
	methodParseTree     = "/cpipe.Pipeline/ParseTree"
	methodCompileAndRun = "/cpipe.Pipeline/CompileAndRun"
)

var pipelineServiceDesc = grpc.ServiceDesc{
	ServiceName: "cpipe.Pipeline",
	HandlerType: (*PipelineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Lexical", Handler: unaryHandler(methodLexical, PipelineServer.Lexical)},
		{MethodName: "ParseTree", Handler: unaryHandler(methodParseTree, PipelineServer.ParseTree)},
		{MethodName: "CompileAndRun", Handler: unaryHandler(methodCompileAndRun, PipelineServer.CompileAndRun)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cpipe.proto",
}

func RegisterPipelineServer(s grpc.ServiceRegistrar, srv PipelineServer) {
	s.RegisterService(&pipelineServiceDesc, srv)
}

type unaryMethod func(PipelineServer, context.Context, *wrappers.StringValue) (*wrappers.StringValue, error)

func unaryHandler(fullMethod string, call unaryMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(wrappers.StringValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PipelineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PipelineServer), ctx, req.(*wrappers.StringValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer adapts a runner.Pipeline to PipelineServer. Run failures are
// part of the report, so calls only fail on transport errors.
type GRPCServer struct {
	pipeline runner.Pipeline
}

func NewGRPCServer(p runner.Pipeline) *GRPCServer {
	return &GRPCServer{pipeline: p}
}

func (s *GRPCServer) Lexical(ctx context.Context, in *wrappers.StringValue) (*wrappers.StringValue, error) {
	rep := s.pipeline.RunLexical(ctx, in.GetValue())
	return &wrappers.StringValue{Value: rep.String()}, nil
}

func (s *GRPCServer) ParseTree(ctx context.Context, in *wrappers.StringValue) (*wrappers.StringValue, error) {
	rep := s.pipeline.RunParseTree(ctx, in.GetValue())
	return &wrappers.StringValue{Value: rep.String()}, nil
}

func (s *GRPCServer) CompileAndRun(ctx context.Context, in *wrappers.StringValue) (*wrappers.StringValue, error) {
	rep := s.pipeline.CompileAndRun(ctx, in.GetValue())
	return &wrappers.StringValue{Value: rep.String()}, nil
}

// NewGRPC returns a grpc.Server with the pipeline service registered.
func NewGRPC(p runner.Pipeline, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts = append(opts, grpc.UnaryInterceptor(loggingInterceptor(logger)))
	s := grpc.NewServer(opts...)
	RegisterPipelineServer(s, NewGRPCServer(p))
	return s
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("rpc",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}

// PipelineClient calls a remote cpipe.Pipeline service.
type PipelineClient struct {
	cc grpc.ClientConnInterface
}

func NewPipelineClient(cc grpc.ClientConnInterface) *PipelineClient {
	return &PipelineClient{cc: cc}
}

func (c *PipelineClient) Lexical(ctx context.Context, source string, opts ...grpc.CallOption) (string, error) {
	return c.invoke(ctx, methodLexical, source, opts)
}

func (c *PipelineClient) ParseTree(ctx context.Context, source string, opts ...grpc.CallOption) (string, error) {
	return c.invoke(ctx, methodParseTree, source, opts)
}

func (c *PipelineClient) CompileAndRun(ctx context.Context, source string, opts ...grpc.CallOption) (string, error) {
	return c.invoke(ctx, methodCompileAndRun, source, opts)
}

func (c *PipelineClient) invoke(ctx context.Context, method, source string, opts []grpc.CallOption) (string, error) {
	out := new(wrappers.StringValue)
	if err := c.cc.Invoke(ctx, method, &wrappers.StringValue{Value: source}, out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}
