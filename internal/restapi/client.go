// Package restapi is a client for the chat server's HTTP endpoints: cold
// conversation and history fetches, user search, the eligibility gate and
// file uploads.
package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/medchat/internal/chat"
	"go.uber.org/zap"
)

// User is a search result when starting a new conversation.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Role      chat.Role `json:"userType"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
}

// Eligibility is the answer of the can-chat gate.
type Eligibility struct {
	CanChat         bool   `json:"canChat"`
	Reason          string `json:"reason,omitempty"`
	HasExistingChat bool   `json:"hasExistingChat,omitempty"`
	ChatID          int64  `json:"chatId,omitempty"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Status)
}

// Unauthorized reports whether the server rejected the credential.
func (e *StatusError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the REST API with the session's bearer token.
type Client struct {
	base   *url.URL
	httpc  *http.Client
	logger *zap.Logger

	mu    sync.RWMutex
	token string
}

// New creates a client for the API rooted at opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", opts.BaseURL)
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, httpc: httpc, logger: logger.Named("restapi")}, nil
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Conversations fetches the caller's conversation list.
func (c *Client) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.getJSON(ctx, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches a conversation's history.
func (c *Client) Messages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	var out []chat.Message
	path := "/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	if err := c.getJSON(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ConversationID == 0 {
			out[i].ConversationID = conversationID
		}
	}
	return out, nil
}

// SearchUsers lists users matching query. An empty role searches both.
func (c *Client) SearchUsers(ctx context.Context, query string, role chat.Role) ([]User, error) {
	q := url.Values{}
	q.Set("query", query)
	if role != "" {
		q.Set("userType", string(role))
	}
	var out []User
	if err := c.getJSON(ctx, "/users/search", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CanChat asks whether the caller may start a conversation with userID.
func (c *Client) CanChat(ctx context.Context, userID int64) (Eligibility, error) {
	var out Eligibility
	err := c.getJSON(ctx, "/chat/can-chat/"+strconv.FormatInt(userID, 10), nil, &out)
	return out, err
}

// UploadRequest describes one file transfer.
type UploadRequest struct {
	ConversationID int64
	FileName       string
	ContentType    string
	Body           io.Reader
}

// Upload streams the file as multipart form field "file" and returns the
// stored file's metadata. The body is never buffered in memory.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (chat.FileInfo, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.FileName))
		h.Set("Content-Type", req.ContentType)
		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, req.Body)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	path := "/chat/" + strconv.FormatInt(req.ConversationID, 10) + "/upload"
	hreq, err := c.newRequest(ctx, http.MethodPost, path, nil, pr)
	if err != nil {
		pr.CloseWithError(err)
		return chat.FileInfo{}, err
	}
	hreq.Header.Set("Content-Type", mw.FormDataContentType())

	var out chat.FileInfo
	if err := c.do(hreq, &out); err != nil {
		pr.CloseWithError(err)
		return chat.FileInfo{}, err
	}
	if out.Name == "" {
		out.Name = req.FileName
	}
	if out.Type == "" {
		out.Type = req.ContentType
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Method:  req.Method,
			Path:    req.URL.Path,
			Status:  resp.StatusCode,
			Message: errorMessage(resp.Body),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// errorMessage extracts {"message": ...} or {"error": ...} from an error body.
func errorMessage(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4<<10))
	if err != nil || len(body) == 0 {
		return ""
	}
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(body))
}
