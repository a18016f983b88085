package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the management surface.
const ServiceName = "presence.v1.SessionService"

// Full method names.
const (
	MethodListSessions      = "/" + ServiceName + "/ListSessions"
	MethodGetCurrentSession = "/" + ServiceName + "/GetCurrentSession"
	MethodTerminateSession  = "/" + ServiceName + "/TerminateSession"
	MethodListOnlineUsers   = "/" + ServiceName + "/ListOnlineUsers"
	MethodLogout            = "/" + ServiceName + "/Logout"
)

// SessionServiceServer is the server API of presence.v1.SessionService. Messages are protobuf well-known types
// so the service needs no generated code.
type SessionServiceServer interface {
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCurrentSession(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	TerminateSession(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListOnlineUsers(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Logout(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// ServiceDesc describes presence.v1.SessionService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSessions", Handler: unary(MethodListSessions, func() *structpb.Struct { return new(structpb.Struct) },
			func(s SessionServiceServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
				return s.ListSessions
			})},
		{MethodName: "GetCurrentSession", Handler: unary(MethodGetCurrentSession, func() *emptypb.Empty { return new(emptypb.Empty) },
			func(s SessionServiceServer) func(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
				return s.GetCurrentSession
			})},
		{MethodName: "TerminateSession", Handler: unary(MethodTerminateSession, func() *structpb.Struct { return new(structpb.Struct) },
			func(s SessionServiceServer) func(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
				return s.TerminateSession
			})},
		{MethodName: "ListOnlineUsers", Handler: unary(MethodListOnlineUsers, func() *emptypb.Empty { return new(emptypb.Empty) },
			func(s SessionServiceServer) func(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
				return s.ListOnlineUsers
			})},
		{MethodName: "Logout", Handler: unary(MethodLogout, func() *emptypb.Empty { return new(emptypb.Empty) },
			func(s SessionServiceServer) func(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
				return s.Logout
			})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "presence/v1/session.proto",
}

func unary[Req, Resp any](fullMethod string, newReq func() Req,
	method func(SessionServiceServer) func(context.Context, Req) (Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		call := method(srv.(SessionServiceServer))
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ctx, req.(Req))
		})
	}
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv SessionServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls presence.v1.SessionService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// ListSessions lists sessions of userID, or of the caller when userID is empty.
func (c *Client) ListSessions(ctx context.Context, userID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if userID != "" {
		in.Fields["user_id"] = structpb.NewStringValue(userID)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodListSessions, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCurrentSession returns the agent's live session.
func (c *Client) GetCurrentSession(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetCurrentSession, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// TerminateSession terminates sessionID of userID, or of the caller when userID is empty.
func (c *Client) TerminateSession(ctx context.Context, userID, sessionID string, opts ...grpc.CallOption) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{"session_id": structpb.NewStringValue(sessionID)}}
	if userID != "" {
		in.Fields["user_id"] = structpb.NewStringValue(userID)
	}
	return c.cc.Invoke(ctx, MethodTerminateSession, in, new(emptypb.Empty), opts...)
}

// ListOnlineUsers lists the presence of every other user.
func (c *Client) ListOnlineUsers(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodListOnlineUsers, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Logout signs the agent's device out.
func (c *Client) Logout(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, MethodLogout, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}
