package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/medchat/internal/cache"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/upload"
)

type Empty struct{}

type StatusResponse struct {
	Session             string    `json:"session"`
	State               string    `json:"state"`
	UserID              int64     `json:"userId"`
	UptimeMs            int64     `json:"uptimeMs"`
	ActiveConversation  int64     `json:"activeConversation,omitempty"`
	Conversations       int       `json:"conversations"`
	Messages            int       `json:"messages"`
	PendingUploads      int       `json:"pendingUploads"`
	CachedConversations int64     `json:"cachedConversations"`
	CachedMessages      int64     `json:"cachedMessages"`
	LastResync          time.Time `json:"lastResync"`
}

// ConnectRequest signs in. A zero UserID uses the credentials from the
// session's .env file; Save writes the given ones there.
type ConnectRequest struct {
	UserID int64  `json:"userId,omitempty"`
	Token  string `json:"token,omitempty"`
	Save   bool   `json:"save,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []chat.Conversation `json:"conversations"`
}

type ListMessagesRequest struct {
	ConversationID int64     `json:"conversationId"`
	Before         time.Time `json:"before,omitzero"`
	Limit          int       `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages []chat.Message `json:"messages"`
	HasMore  bool           `json:"hasMore"`
	TypingBy []int64        `json:"typingBy,omitempty"`
}

type ConversationRequest struct {
	ConversationID int64 `json:"conversationId"`
}

type SendMessageRequest struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
}

type MessageResponse struct {
	Message chat.Message `json:"message"`
}

type RetryMessageRequest struct {
	LocalID int64 `json:"localId"`
}

// MarkReadRequest marks one message, or a whole conversation when
// ConversationID is set.
type MarkReadRequest struct {
	MessageID      int64 `json:"messageId,omitempty"`
	ConversationID int64 `json:"conversationId,omitempty"`
}

type MarkReadResponse struct {
	Marked int `json:"marked"`
}

type CreateConversationRequest struct {
	TargetUserID int64     `json:"targetUserId"`
	TargetRole   chat.Role `json:"targetUserType"`
}

type ConversationResponse struct {
	Conversation chat.Conversation `json:"conversation"`
}

// UploadFileRequest names a file on the daemon's filesystem.
type UploadFileRequest struct {
	ConversationID int64  `json:"conversationId"`
	Path           string `json:"path"`
	Caption        string `json:"caption,omitempty"`
}

type CancelUploadRequest struct {
	LocalID string `json:"localId"`
}

type ListUploadsResponse struct {
	Uploads []upload.Pending `json:"uploads"`
}

type SetTypingRequest struct {
	ConversationID int64 `json:"conversationId"`
	IsTyping       bool  `json:"isTyping"`
}

type SearchUsersRequest struct {
	Query string    `json:"query"`
	Role  chat.Role `json:"userType,omitempty"`
}

type SearchUsersResponse struct {
	Users []restapi.User `json:"users"`
}

type SearchMessagesRequest struct {
	Query          string `json:"query"`
	ConversationID int64  `json:"conversationId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type SearchMessagesResponse struct {
	Results []cache.SearchResult `json:"results"`
}

// WatchRequest filters the event stream by kind prefix; empty means all.
type WatchRequest struct {
	Namespaces []string `json:"namespaces,omitempty"`
}

// EventEnvelope is one bus event as streamed to clients.
type EventEnvelope struct {
	EventID    string          `json:"eventId"`
	Session    string          `json:"session"`
	OccurredAt time.Time       `json:"occurredAt"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
