package api

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/download"
	"github.com/matheus3301/msync/internal/index"
	"github.com/matheus3301/msync/internal/realtime"
	"github.com/matheus3301/msync/internal/reconcile"
	"github.com/matheus3301/msync/internal/remote"
	"github.com/matheus3301/msync/internal/status"
	"github.com/matheus3301/msync/internal/store"
	"github.com/matheus3301/msync/internal/upload"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Channel is a realtime channel as seen by GetStatus.
type Channel interface {
	Name() string
	State() status.State
	Since() time.Time
}

// MessageStore loads messages for resumed uploads.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*store.Message, error)
}

// Deps are the components the service fronts.
type Deps struct {
	Session   string
	Engine    *reconcile.Engine
	Index     *index.Index
	Store     MessageStore
	Uploads   *upload.Pipeline
	Downloads *download.Downloader
	Channels  []Channel
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Service implements MessageServer.
type Service struct {
	d Deps
}

var _ MessageServer = (*Service)(nil)

// NewService creates the control service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{d: d}
}

func (s *Service) SelectConversation(ctx context.Context, req *SelectRequest) (*SelectResponse, error) {
	t := reconcile.Target{ConversationID: req.ConversationID, ReceiverID: req.ReceiverID}
	if err := s.d.Engine.Select(ctx, t); err != nil {
		return nil, toStatus("select conversation", err)
	}
	return &SelectResponse{Active: target(s.d.Engine.Active())}, nil
}

func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	msg, err := s.d.Engine.SendMessage(ctx, req.Text)
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return &SendResponse{Message: messageView(msg)}, nil
}

// SendMessageWithFile blocks until the upload finishes. The upload is
// detached from the caller's cancellation so a client hang-up does not leave
// it half done.
func (s *Service) SendMessageWithFile(ctx context.Context, req *SendFileRequest) (*SendFileResponse, error) {
	var (
		msg  *store.Message
		file *upload.File
	)
	if req.Path == "" {
		if req.MessageID == "" {
			return nil, grpcstatus.Error(codes.InvalidArgument, "path or message_id is required")
		}
		m, err := s.d.Store.GetMessage(ctx, req.MessageID)
		if err != nil {
			return nil, toStatus("load message", err)
		}
		if m == nil {
			return nil, grpcstatus.Errorf(codes.NotFound, "message %s not found", req.MessageID)
		}
		msg = m
	} else {
		content, err := os.ReadFile(req.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, grpcstatus.Errorf(codes.NotFound, "read %s: %v", req.Path, err)
			}
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "read %s: %v", req.Path, err)
		}
		t := reconcile.Target{ConversationID: req.ConversationID, ReceiverID: req.ReceiverID}
		if t.Empty() {
			t = s.d.Engine.Active()
		}
		if t.Empty() {
			return nil, toStatus("send file", reconcile.ErrNoActiveConversation)
		}
		msg = &store.Message{
			ID:             uuid.NewString(),
			ConversationID: t.ConversationID,
			SenderID:       s.d.Engine.UserID(),
			ReceiverID:     t.ReceiverID,
			Body:           req.Text,
		}
		file = &upload.File{Name: filepath.Base(req.Path), Size: int64(len(content)), Content: content}
	}

	if err := s.d.Uploads.SendMessageWithFile(context.WithoutCancel(ctx), msg, file); err != nil {
		return nil, toStatus("send file", err)
	}
	return &SendFileResponse{MessageID: msg.ID}, nil
}

func (s *Service) DownloadFile(ctx context.Context, req *DownloadRequest) (*DownloadResponse, error) {
	if req.Key == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "key is required")
	}
	path, err := s.d.Downloads.DownloadFile(ctx, download.FileInfo{Key: req.Key, Name: req.Name})
	if err != nil {
		return nil, toStatus("download file", err)
	}
	return &DownloadResponse{Path: path}, nil
}

func (s *Service) ListConversations(_ context.Context, _ *ListConversationsRequest) (*ListConversationsResponse, error) {
	summaries := s.d.Index.Conversations()
	out := make([]ConversationView, 0, len(summaries))
	for _, c := range summaries {
		out = append(out, conversationView(c))
	}
	return &ListConversationsResponse{Conversations: out}, nil
}

func (s *Service) ListMessages(_ context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if _, ok := s.d.Index.Conversation(req.ConversationID); !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %s not found", req.ConversationID)
	}
	msgs := s.d.Index.Messages(req.ConversationID)
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView(m))
	}
	return &ListMessagesResponse{Messages: out}, nil
}

func (s *Service) GetStatus(_ context.Context, _ *StatusRequest) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session: s.d.Session,
		UserID:  s.d.Engine.UserID(),
		Active:  target(s.d.Engine.Active()),
	}
	for _, c := range s.d.Channels {
		resp.Channels = append(resp.Channels, ChannelView{Name: c.Name(), State: string(c.State()), Since: c.Since()})
	}
	if s.d.Bus != nil {
		resp.Dropped = s.d.Bus.Dropped()
	}
	return resp, nil
}

func (s *Service) WatchEvents(req *WatchRequest, stream EventSender) error {
	ch, unsub := s.d.Bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			view := &EventView{
				ID:         uuid.New().String(),
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp,
			}
			if evt.Payload != nil {
				b, err := json.Marshal(evt.Payload)
				if err != nil {
					s.d.Logger.Warn("dropping unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
				} else {
					view.Payload = b
				}
			}
			if err := stream.Send(view); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func target(t reconcile.Target) Target {
	return Target{ConversationID: t.ConversationID, ReceiverID: t.ReceiverID}
}

// toStatus maps domain errors to gRPC codes.
func toStatus(op string, err error) error {
	var (
		verr *reconcile.ValidationError
		serr *remote.StatusError
	)
	code := codes.Internal
	switch {
	case errors.As(err, &verr):
		code = codes.InvalidArgument
	case errors.Is(err, reconcile.ErrNoActiveConversation),
		errors.Is(err, upload.ErrNoTarget),
		errors.Is(err, upload.ErrInFlight):
		code = codes.FailedPrecondition
	case errors.Is(err, upload.ErrTempFileNotFound):
		code = codes.NotFound
	case errors.Is(err, realtime.ErrNotConnected), errors.As(err, &serr):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
