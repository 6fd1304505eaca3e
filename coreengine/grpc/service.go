package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of the debug service. Messages are
// google.protobuf.Struct so no generated stubs are needed.
const (
	ServiceName       = "codedebugger.v1.DebugService"
	DebugMethod       = "/" + ServiceName + "/Debug"
	DebugStreamMethod = "/" + ServiceName + "/DebugStream"
)

// DebugServiceServer is the server API of codedebugger.v1.DebugService.
type DebugServiceServer interface {
	// Debug runs one debugging request to completion.
	Debug(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// DebugStream runs one request and streams trace events, then the result.
	DebugStream(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// DebugServiceDesc describes codedebugger.v1.DebugService for grpc.Server.
var DebugServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DebugServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Debug", Handler: debugHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "DebugStream", Handler: debugStreamHandler, ServerStreams: true},
	},
	Metadata: "codedebugger/v1/debug.proto",
}

// RegisterDebugServiceServer registers srv on s.
func RegisterDebugServiceServer(s grpc.ServiceRegistrar, srv DebugServiceServer) {
	s.RegisterService(&DebugServiceDesc, srv)
}

func debugHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DebugServiceServer).Debug(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DebugMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DebugServiceServer).Debug(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func debugStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DebugServiceServer).DebugStream(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// =============================================================================
// Client
// =============================================================================

// DebugServiceClient is the client API of codedebugger.v1.DebugService.
type DebugServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewDebugServiceClient wraps a client connection.
func NewDebugServiceClient(cc grpc.ClientConnInterface) *DebugServiceClient {
	return &DebugServiceClient{cc: cc}
}

// Debug calls the unary Debug method.
func (c *DebugServiceClient) Debug(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DebugMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// DebugStream opens the server-streaming DebugStream method.
func (c *DebugServiceClient) DebugStream(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &DebugServiceDesc.Streams[0], DebugStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
