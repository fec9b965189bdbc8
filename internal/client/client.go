// Package client is the typed gRPC client for a running medchat daemon.
package client

import (
	"context"
	"fmt"

	"github.com/matheus3301/medchat/internal/api"
	"github.com/matheus3301/medchat/internal/chat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection. The connection must use the JSON
// content-subtype.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func call[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, api.Method(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	return call[api.StatusResponse](ctx, c, "GetStatus", &api.Empty{})
}

func (c *Client) Connect(ctx context.Context, req *api.ConnectRequest) (*api.StatusResponse, error) {
	return call[api.StatusResponse](ctx, c, "Connect", req)
}

func (c *Client) Logout(ctx context.Context) (*api.StatusResponse, error) {
	return call[api.StatusResponse](ctx, c, "Logout", &api.Empty{})
}

func (c *Client) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	resp, err := call[api.ListConversationsResponse](ctx, c, "ListConversations", &api.Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *Client) Messages(ctx context.Context, req *api.ListMessagesRequest) (*api.ListMessagesResponse, error) {
	return call[api.ListMessagesResponse](ctx, c, "ListMessages", req)
}

// Open makes a conversation active on the daemon and returns its latest page.
func (c *Client) Open(ctx context.Context, conversationID int64) (*api.ListMessagesResponse, error) {
	return call[api.ListMessagesResponse](ctx, c, "OpenConversation", &api.ConversationRequest{ConversationID: conversationID})
}

func (c *Client) Send(ctx context.Context, conversationID int64, content string) (chat.Message, error) {
	resp, err := call[api.MessageResponse](ctx, c, "SendMessage", &api.SendMessageRequest{ConversationID: conversationID, Content: content})
	if err != nil {
		return chat.Message{}, err
	}
	return resp.Message, nil
}

func (c *Client) Retry(ctx context.Context, localID int64) (chat.Message, error) {
	resp, err := call[api.MessageResponse](ctx, c, "RetryMessage", &api.RetryMessageRequest{LocalID: localID})
	if err != nil {
		return chat.Message{}, err
	}
	return resp.Message, nil
}

func (c *Client) MarkRead(ctx context.Context, req *api.MarkReadRequest) (int, error) {
	resp, err := call[api.MarkReadResponse](ctx, c, "MarkRead", req)
	if err != nil {
		return 0, err
	}
	return resp.Marked, nil
}

func (c *Client) CreateConversation(ctx context.Context, targetUserID int64, role chat.Role) (chat.Conversation, error) {
	resp, err := call[api.ConversationResponse](ctx, c, "CreateConversation", &api.CreateConversationRequest{TargetUserID: targetUserID, TargetRole: role})
	if err != nil {
		return chat.Conversation{}, err
	}
	return resp.Conversation, nil
}

func (c *Client) Upload(ctx context.Context, req *api.UploadFileRequest) (chat.Message, error) {
	resp, err := call[api.MessageResponse](ctx, c, "UploadFile", req)
	if err != nil {
		return chat.Message{}, err
	}
	return resp.Message, nil
}

func (c *Client) CancelUpload(ctx context.Context, localID string) error {
	_, err := call[api.Empty](ctx, c, "CancelUpload", &api.CancelUploadRequest{LocalID: localID})
	return err
}

func (c *Client) Uploads(ctx context.Context) (*api.ListUploadsResponse, error) {
	return call[api.ListUploadsResponse](ctx, c, "ListUploads", &api.Empty{})
}

func (c *Client) SetTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	_, err := call[api.Empty](ctx, c, "SetTyping", &api.SetTypingRequest{ConversationID: conversationID, IsTyping: isTyping})
	return err
}

func (c *Client) SearchUsers(ctx context.Context, query string, role chat.Role) (*api.SearchUsersResponse, error) {
	return call[api.SearchUsersResponse](ctx, c, "SearchUsers", &api.SearchUsersRequest{Query: query, Role: role})
}

func (c *Client) SearchMessages(ctx context.Context, req *api.SearchMessagesRequest) (*api.SearchMessagesResponse, error) {
	return call[api.SearchMessagesResponse](ctx, c, "SearchMessages", req)
}

// Watch streams daemon events until ctx is done. The returned channel is
// closed when the stream ends; the error, if any, is sent on errc.
func (c *Client) Watch(ctx context.Context, namespaces ...string) (<-chan *api.EventEnvelope, <-chan error, error) {
	stream, err := c.conn.NewStream(ctx, api.WatchStreamDesc, api.Method("Watch"))
	if err != nil {
		return nil, nil, err
	}
	if err := stream.SendMsg(&api.WatchRequest{Namespaces: namespaces}); err != nil {
		return nil, nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, err
	}

	out := make(chan *api.EventEnvelope, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			evt := new(api.EventEnvelope)
			if err := stream.RecvMsg(evt); err != nil {
				if ctx.Err() == nil {
					errc <- err
				}
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc, nil
}
