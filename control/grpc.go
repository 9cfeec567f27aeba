package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "signmesh.control.v1.Control"

// ControlServer is the server API for the Control gRPC service. Messages
// are protobuf well-known types; see control.proto.
type ControlServer interface {
	Status(context.Context, *wrapperspb.UInt32Value) (*structpb.Struct, error)
	Broadcast(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Messages(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.BytesValue, error)
	TakeReceived(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.BoolValue, error)
	GenerateKeypair(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.BytesValue, error)
	Restart(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// UnimplementedControlServer can be embedded to have forward compatible implementations.
type UnimplementedControlServer struct{}

func (UnimplementedControlServer) Status(context.Context, *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}
func (UnimplementedControlServer) Broadcast(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Broadcast not implemented")
}
func (UnimplementedControlServer) Messages(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Messages not implemented")
}
func (UnimplementedControlServer) TakeReceived(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method TakeReceived not implemented")
}
func (UnimplementedControlServer) GenerateKeypair(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method GenerateKeypair not implemented")
}
func (UnimplementedControlServer) Restart(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Restart not implemented")
}

// RegisterControlServer registers the Control service on a gRPC server.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&Control_ServiceDesc, srv)
}

// ControlClient is the client API for the Control gRPC service.
type ControlClient interface {
	Status(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*structpb.Struct, error)
	Broadcast(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Messages(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	TakeReceived(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	GenerateKeypair(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Restart(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type controlClient struct{ cc grpc.ClientConnInterface }

func NewControlClient(cc grpc.ClientConnInterface) ControlClient { return &controlClient{cc: cc} }

func (c *controlClient) Status(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Status", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlClient) Broadcast(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Broadcast", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlClient) Messages(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Messages", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlClient) TakeReceived(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/TakeReceived", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlClient) GenerateKeypair(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GenerateKeypair", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlClient) Restart(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Restart", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Control_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Status(ctx, req.(*wrapperspb.UInt32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_Broadcast_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Broadcast(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Broadcast"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Broadcast(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_Messages_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Messages(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Messages"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Messages(ctx, req.(*wrapperspb.UInt32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_TakeReceived_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).TakeReceived(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/TakeReceived"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).TakeReceived(ctx, req.(*wrapperspb.UInt32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_GenerateKeypair_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).GenerateKeypair(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GenerateKeypair"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).GenerateKeypair(ctx, req.(*wrapperspb.UInt32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_Restart_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Restart(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Restart"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Restart(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Control_ServiceDesc is the grpc.ServiceDesc for the Control service.
var Control_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: _Control_Status_Handler},
		{MethodName: "Broadcast", Handler: _Control_Broadcast_Handler},
		{MethodName: "Messages", Handler: _Control_Messages_Handler},
		{MethodName: "TakeReceived", Handler: _Control_TakeReceived_Handler},
		{MethodName: "GenerateKeypair", Handler: _Control_GenerateKeypair_Handler},
		{MethodName: "Restart", Handler: _Control_Restart_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "control.proto",
}
