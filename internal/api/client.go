package api

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls MessageService over a daemon's Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// lazy: errors surface on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := fromStruct(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SelectConversation(ctx context.Context, t Target) (*SelectResponse, error) {
	return invoke[SelectResponse](ctx, c, MethodSelectConversation, SelectRequest{Target: t})
}

func (c *Client) SendMessage(ctx context.Context, text string) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c, MethodSendMessage, SendRequest{Text: text})
}

func (c *Client) SendMessageWithFile(ctx context.Context, req SendFileRequest) (*SendFileResponse, error) {
	return invoke[SendFileResponse](ctx, c, MethodSendMessageWithFile, req)
}

func (c *Client) DownloadFile(ctx context.Context, key, name string) (*DownloadResponse, error) {
	return invoke[DownloadResponse](ctx, c, MethodDownloadFile, DownloadRequest{Key: key, Name: name})
}

func (c *Client) ListConversations(ctx context.Context) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c, MethodListConversations, ListConversationsRequest{})
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, MethodListMessages, ListMessagesRequest{ConversationID: conversationID})
}

func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, MethodGetStatus, StatusRequest{})
}

// WatchEvents calls fn for every event under namespace until ctx is done,
// the stream ends or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(*EventView) error) error {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, fullMethod(MethodWatchEvents))
	if err != nil {
		return err
	}
	in, err := toStruct(WatchRequest{Namespace: namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt EventView
		if err := fromStruct(out, &evt); err != nil {
			return err
		}
		if err := fn(&evt); err != nil {
			return err
		}
	}
}
