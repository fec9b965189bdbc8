package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "medchat.v1.ChatService"

// ChatServer is the daemon's RPC surface.
type ChatServer interface {
	GetStatus(context.Context, *Empty) (*StatusResponse, error)
	Connect(context.Context, *ConnectRequest) (*StatusResponse, error)
	Logout(context.Context, *Empty) (*StatusResponse, error)
	ListConversations(context.Context, *Empty) (*ListConversationsResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	OpenConversation(context.Context, *ConversationRequest) (*ListMessagesResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*MessageResponse, error)
	RetryMessage(context.Context, *RetryMessageRequest) (*MessageResponse, error)
	MarkRead(context.Context, *MarkReadRequest) (*MarkReadResponse, error)
	CreateConversation(context.Context, *CreateConversationRequest) (*ConversationResponse, error)
	UploadFile(context.Context, *UploadFileRequest) (*MessageResponse, error)
	CancelUpload(context.Context, *CancelUploadRequest) (*Empty, error)
	ListUploads(context.Context, *Empty) (*ListUploadsResponse, error)
	SetTyping(context.Context, *SetTypingRequest) (*Empty, error)
	SearchUsers(context.Context, *SearchUsersRequest) (*SearchUsersResponse, error)
	SearchMessages(context.Context, *SearchMessagesRequest) (*SearchMessagesResponse, error)
	Watch(*WatchRequest, WatchStream) error
}

// WatchStream is the server side of Watch.
type WatchStream interface {
	Send(*EventEnvelope) error
	Context() context.Context
}

// Method returns the full method path used on the wire.
func Method(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes ChatServer for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", ChatServer.GetStatus),
		unary("Connect", ChatServer.Connect),
		unary("Logout", ChatServer.Logout),
		unary("ListConversations", ChatServer.ListConversations),
		unary("ListMessages", ChatServer.ListMessages),
		unary("OpenConversation", ChatServer.OpenConversation),
		unary("SendMessage", ChatServer.SendMessage),
		unary("RetryMessage", ChatServer.RetryMessage),
		unary("MarkRead", ChatServer.MarkRead),
		unary("CreateConversation", ChatServer.CreateConversation),
		unary("UploadFile", ChatServer.UploadFile),
		unary("CancelUpload", ChatServer.CancelUpload),
		unary("ListUploads", ChatServer.ListUploads),
		unary("SetTyping", ChatServer.SetTyping),
		unary("SearchUsers", ChatServer.SearchUsers),
		unary("SearchMessages", ChatServer.SearchMessages),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "medchat/v1/chat",
}

// WatchStreamDesc is the client-side descriptor of Watch.
var WatchStreamDesc = &ServiceDesc.Streams[0]

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name string, call func(ChatServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Method(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServer), ctx, req.(*Req))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).Watch(in, &watchServer{stream})
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(e *EventEnvelope) error {
	return w.ServerStream.SendMsg(e)
}
