// Package api is the daemon's gRPC control surface. Requests and responses
// travel as google.protobuf.Struct, so the service is described by hand
// instead of from generated stubs.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "msync.v1.MessageService"

// Method names.
const (
	MethodSelectConversation  = "SelectConversation"
	MethodSendMessage         = "SendMessage"
	MethodSendMessageWithFile = "SendMessageWithFile"
	MethodDownloadFile        = "DownloadFile"
	MethodListConversations   = "ListConversations"
	MethodListMessages        = "ListMessages"
	MethodGetStatus           = "GetStatus"
	MethodWatchEvents         = "WatchEvents"
)

// MessageServer is the server side of MessageService.
type MessageServer interface {
	SelectConversation(context.Context, *SelectRequest) (*SelectResponse, error)
	SendMessage(context.Context, *SendRequest) (*SendResponse, error)
	SendMessageWithFile(context.Context, *SendFileRequest) (*SendFileResponse, error)
	DownloadFile(context.Context, *DownloadRequest) (*DownloadResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	GetStatus(context.Context, *StatusRequest) (*StatusResponse, error)
	WatchEvents(*WatchRequest, EventSender) error
}

// EventSender is the server end of a WatchEvents stream.
type EventSender interface {
	Send(*EventView) error
	Context() context.Context
}

// ServiceDesc describes MessageService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSelectConversation, MessageServer.SelectConversation),
		unary(MethodSendMessage, MessageServer.SendMessage),
		unary(MethodSendMessageWithFile, MessageServer.SendMessageWithFile),
		unary(MethodDownloadFile, MessageServer.DownloadFile),
		unary(MethodListConversations, MessageServer.ListConversations),
		unary(MethodListMessages, MessageServer.ListMessages),
		unary(MethodGetStatus, MessageServer.GetStatus),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "msync/v1/message.proto",
}

// RegisterMessageServer registers srv on s.
func RegisterMessageServer(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed method to a grpc.MethodDesc that decodes its request
// from and encodes its response to a Struct.
func unary[Req, Resp any](name string, call func(MessageServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, raw any) (any, error) {
				req := new(Req)
				if err := fromStruct(raw.(*structpb.Struct), req); err != nil {
					return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
				}
				resp, err := call(srv.(MessageServer), ctx, req)
				if err != nil {
					return nil, err
				}
				out, err := toStruct(resp)
				if err != nil {
					return nil, grpcstatus.Errorf(codes.Internal, "encode %s response: %v", name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handle)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req WatchRequest
	if err := fromStruct(in, &req); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode %s request: %v", MethodWatchEvents, err)
	}
	return srv.(MessageServer).WatchEvents(&req, &eventSender{stream})
}

type eventSender struct {
	grpc.ServerStream
}

func (s *eventSender) Send(evt *EventView) error {
	out, err := toStruct(evt)
	if err != nil {
		return err
	}
	return s.SendMsg(out)
}
