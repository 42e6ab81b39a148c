package copier

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The copy service is registered by hand over well-known wrapper messages:
//
//	service ContentCopy {
//	  rpc CopyFile(google.protobuf.StringValue) returns (stream google.protobuf.BytesValue);
//	  rpc Exists(google.protobuf.StringValue) returns (google.protobuf.BoolValue);
//	}
const (
	serviceName      = "locsync.copy.v1.ContentCopy"
	copyFileMethod   = "/" + serviceName + "/CopyFile"
	existsMethod     = "/" + serviceName + "/Exists"
	contentSizeKey   = "x-content-size"
	DefaultPort      = 7089
	DefaultChunkSize = 64 * 1024
)

type contentCopyServer interface {
	CopyFile(*wrapperspb.StringValue, grpc.ServerStream) error
	Exists(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
}

var copyFileStreamDesc = grpc.StreamDesc{
	StreamName:    "CopyFile",
	Handler:       copyFileHandler,
	ServerStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*contentCopyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exists", Handler: existsHandler},
	},
	Streams:  []grpc.StreamDesc{copyFileStreamDesc},
	Metadata: "locsync/copy/v1/copy.proto",
}

func copyFileHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(contentCopyServer).CopyFile(in, stream)
}

func existsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(contentCopyServer).Exists(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: existsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(contentCopyServer).Exists(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
