package control

import (
	"context"

	grpc "google.golang.org/grpc"
	emptypb "google.golang.org/protobuf/types/known/emptypb"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service name, also used for health checks.
const ServiceName = "ailet.control.v1.Recorder"

const (
	startRecordingMethod = "/" + ServiceName + "/StartRecording"
	stopRecordingMethod  = "/" + ServiceName + "/StopRecording"
	statusMethod         = "/" + ServiceName + "/Status"
	watchOutcomesMethod  = "/" + ServiceName + "/WatchOutcomes"
)

// RecorderServer is the server API of the control service. Requests are
// empty, replies are structs so no generated code is needed.
type RecorderServer interface {
	StartRecording(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StopRecording(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchOutcomes(*emptypb.Empty, grpc.ServerStream) error
}

type unaryCall func(RecorderServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

// methodHandler has the shape of grpc.MethodDesc.Handler.
type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

func unaryHandler(fullMethod string, call unaryCall) methodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RecorderServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(RecorderServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchOutcomesHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RecorderServer).WatchOutcomes(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecorderServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartRecording",
			Handler:    unaryHandler(startRecordingMethod, RecorderServer.StartRecording),
		},
		{
			MethodName: "StopRecording",
			Handler:    unaryHandler(stopRecordingMethod, RecorderServer.StopRecording),
		},
		{
			MethodName: "Status",
			Handler:    unaryHandler(statusMethod, RecorderServer.Status),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchOutcomes",
			Handler:       watchOutcomesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "ailet/control/v1/recorder.proto",
}

func RegisterRecorderServer(s grpc.ServiceRegistrar, srv RecorderServer) {
	s.RegisterService(&serviceDesc, srv)
}
