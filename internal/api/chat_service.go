// Package api exposes the presenter over gRPC on the session's Unix socket.
// Messages are plain Go structs carried by a JSON codec.
package api

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/config"
	"github.com/matheus3301/medchat/internal/presenter"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const defaultPageSize = 50

var _ ChatServer = (*ChatService)(nil)

// Session signs the daemon in and out.
type Session interface {
	Login(ctx context.Context, creds config.Credentials, save bool) error
	Logout(ctx context.Context) error
}

// CacheStats reports on the local cache. *cache.DB implements it.
type CacheStats interface {
	ConversationCount() (int64, error)
	MessageCount() (int64, error)
	LastResync() (time.Time, error)
}

// ChatService implements ChatServer.
type ChatService struct {
	sessionName string
	startedAt   time.Time
	p           *presenter.Presenter
	session     Session
	stats       CacheStats
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewChatService creates the RPC service. stats may be nil.
func NewChatService(sessionName string, p *presenter.Presenter, s Session, stats CacheStats, b *bus.Bus, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		p:           p,
		session:     s,
		stats:       stats,
		bus:         b,
		logger:      logger.Named("api"),
	}
}

func (s *ChatService) GetStatus(_ context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session:            s.sessionName,
		State:              string(s.p.ConnectionStatus()),
		UserID:             s.p.Self(),
		UptimeMs:           time.Since(s.startedAt).Milliseconds(),
		ActiveConversation: s.p.ActiveConversation(),
		PendingUploads:     len(s.p.PendingUploads()),
	}
	for _, c := range s.p.Conversations() {
		resp.Conversations++
		resp.Messages += len(s.p.MessagesFor(c.ID))
	}

	if s.stats != nil {
		if n, err := s.stats.ConversationCount(); err == nil {
			resp.CachedConversations = n
		}
		if n, err := s.stats.MessageCount(); err == nil {
			resp.CachedMessages = n
		}
		if at, err := s.stats.LastResync(); err == nil {
			resp.LastResync = at
		}
	}
	return resp, nil
}

func (s *ChatService) Connect(ctx context.Context, req *ConnectRequest) (*StatusResponse, error) {
	creds := config.Credentials{UserID: req.UserID, Token: req.Token}
	if err := s.session.Login(ctx, creds, req.Save); err != nil {
		return nil, toStatus(err)
	}
	return s.GetStatus(ctx, &Empty{})
}

func (s *ChatService) Logout(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	if err := s.session.Logout(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.GetStatus(ctx, &Empty{})
}

func (s *ChatService) ListConversations(_ context.Context, _ *Empty) (*ListConversationsResponse, error) {
	return &ListConversationsResponse{Conversations: s.p.Conversations()}, nil
}

func (s *ChatService) ListMessages(_ context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	if _, ok := s.p.Conversation(req.ConversationID); !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "unknown conversation %d", req.ConversationID)
	}
	return s.page(req.ConversationID, req.Before, req.Limit), nil
}

// page returns up to limit messages created before the cursor, oldest first.
func (s *ChatService) page(conversationID int64, before time.Time, limit int) *ListMessagesResponse {
	if limit <= 0 {
		limit = defaultPageSize
	}
	msgs := s.p.MessagesFor(conversationID)
	if !before.IsZero() {
		end, _ := slices.BinarySearchFunc(msgs, before, func(m chat.Message, t time.Time) int {
			return m.CreatedAt.Compare(t)
		})
		msgs = msgs[:end]
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[len(msgs)-limit:]
	}
	return &ListMessagesResponse{
		Messages: msgs,
		HasMore:  hasMore,
		TypingBy: s.p.TypingIn(conversationID),
	}
}

func (s *ChatService) OpenConversation(ctx context.Context, req *ConversationRequest) (*ListMessagesResponse, error) {
	if err := s.p.Open(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return s.page(req.ConversationID, time.Time{}, 0), nil
}

func (s *ChatService) SendMessage(ctx context.Context, req *SendMessageRequest) (*MessageResponse, error) {
	m, err := s.p.SendMessage(ctx, req.ConversationID, req.Content)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MessageResponse{Message: m}, nil
}

func (s *ChatService) RetryMessage(ctx context.Context, req *RetryMessageRequest) (*MessageResponse, error) {
	m, err := s.p.Retry(ctx, req.LocalID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MessageResponse{Message: m}, nil
}

func (s *ChatService) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	if req.ConversationID != 0 {
		n, err := s.p.MarkConversationRead(ctx, req.ConversationID)
		if err != nil {
			return nil, toStatus(err)
		}
		return &MarkReadResponse{Marked: n}, nil
	}
	if req.MessageID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "messageId or conversationId is required")
	}
	if err := s.p.MarkRead(ctx, req.MessageID); err != nil {
		return nil, toStatus(err)
	}
	return &MarkReadResponse{Marked: 1}, nil
}

func (s *ChatService) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*ConversationResponse, error) {
	c, err := s.p.CreateConversation(ctx, req.TargetUserID, req.TargetRole)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ConversationResponse{Conversation: c}, nil
}

func (s *ChatService) UploadFile(ctx context.Context, req *UploadFileRequest) (*MessageResponse, error) {
	m, err := s.p.UploadPath(ctx, req.ConversationID, req.Path, req.Caption)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MessageResponse{Message: m}, nil
}

func (s *ChatService) CancelUpload(_ context.Context, req *CancelUploadRequest) (*Empty, error) {
	if err := s.p.CancelUpload(req.LocalID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *ChatService) ListUploads(_ context.Context, _ *Empty) (*ListUploadsResponse, error) {
	return &ListUploadsResponse{Uploads: s.p.PendingUploads()}, nil
}

func (s *ChatService) SetTyping(ctx context.Context, req *SetTypingRequest) (*Empty, error) {
	if err := s.p.Typing(ctx, req.ConversationID, req.IsTyping); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *ChatService) SearchUsers(ctx context.Context, req *SearchUsersRequest) (*SearchUsersResponse, error) {
	users, err := s.p.SearchUsers(ctx, req.Query, req.Role)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SearchUsersResponse{Users: users}, nil
}

func (s *ChatService) SearchMessages(_ context.Context, req *SearchMessagesRequest) (*SearchMessagesResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	results, err := s.p.SearchMessages(req.Query, req.ConversationID, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SearchMessagesResponse{Results: results}, nil
}

// Watch streams bus events until the client goes away. Events the client
// is too slow to take are dropped by the bus, so clients treat the stream as
// a hint and re-query state.
func (s *ChatService) Watch(req *WatchRequest, stream WatchStream) error {
	ch, unsub := s.bus.Subscribe(256, req.Namespaces...)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Warn("unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
				payload = nil
			}
			if err := stream.Send(&EventEnvelope{
				EventID:    uuid.NewString(),
				Session:    s.sessionName,
				OccurredAt: evt.Timestamp,
				Kind:       evt.Kind,
				Payload:    payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
