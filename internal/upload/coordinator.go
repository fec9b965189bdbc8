// Package upload transfers attachments over HTTP and then sends the resulting
// file message through the dispatcher, so files and text share one pipeline.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/metrics"
	"github.com/matheus3301/medchat/internal/restapi"
	"go.uber.org/zap"
)

// DefaultMaxSize is the attachment ceiling when none is configured.
const DefaultMaxSize = 10 * humanize.MiByte

// DefaultAllowedTypes are accepted MIME types. A trailing "/*" matches a
// whole top-level type.
var DefaultAllowedTypes = []string{
	"image/*",
	"application/pdf",
	"text/plain",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

var (
	ErrFileTooLarge       = errors.New("file too large")
	ErrFileTypeNotAllowed = errors.New("file type not allowed")
	ErrUploadFailed       = errors.New("upload failed")
	ErrUnknownUpload      = errors.New("unknown upload")
)

// Status of a pending upload.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Pending is an upload between file selection and message injection.
type Pending struct {
	LocalID        string `json:"localId"`
	ConversationID int64  `json:"conversationId"`
	FileName       string `json:"fileName"`
	Size           int64  `json:"size"`
	Progress       int    `json:"progress"`
	Status         Status `json:"status"`
	Err            string `json:"error,omitempty"`
}

// File is an attachment to upload.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Body        io.Reader
}

// Uploader performs the HTTP transfer. *restapi.Client implements it.
type Uploader interface {
	Upload(ctx context.Context, req restapi.UploadRequest) (chat.FileInfo, error)
}

// MessageSender injects the file message. *dispatch.Dispatcher implements it.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID int64, content string, msgType chat.MessageType, file *chat.FileInfo) (chat.Message, error)
}

// Options configures a Coordinator.
type Options struct {
	MaxSize      int64
	AllowedTypes []string
	Bus          *bus.Bus
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Coordinator runs uploads and tracks the pending ones.
type Coordinator struct {
	up      Uploader
	send    MessageSender
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*entry
	order   []string
}

type entry struct {
	Pending
	cancel context.CancelFunc
}

// New creates a coordinator.
func New(up Uploader, send MessageSender, opts Options) *Coordinator {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if len(opts.AllowedTypes) == 0 {
		opts.AllowedTypes = DefaultAllowedTypes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		up:      up,
		send:    send,
		opts:    opts,
		logger:  opts.Logger.Named("upload"),
		metrics: opts.Metrics,
		pending: make(map[string]*entry),
	}
}

// MaxSize returns the configured ceiling in bytes.
func (c *Coordinator) MaxSize() int64 {
	return c.opts.MaxSize
}

// Validate checks f against the size ceiling and the allowed types.
func (c *Coordinator) Validate(f File) error {
	if f.Size > c.opts.MaxSize {
		return fmt.Errorf("%w: %s is %s, limit is %s", ErrFileTooLarge, f.Name,
			humanize.IBytes(uint64(f.Size)), humanize.IBytes(uint64(c.opts.MaxSize)))
	}
	if !typeAllowed(f.ContentType, c.opts.AllowedTypes) {
		return fmt.Errorf("%w: %s (%s)", ErrFileTypeNotAllowed, f.Name, f.ContentType)
	}
	return nil
}

func typeAllowed(contentType string, allowed []string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" {
		return false
	}
	for _, pattern := range allowed {
		pattern = strings.ToLower(pattern)
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(ct, prefix) {
				return true
			}
		} else if ct == pattern {
			return true
		}
	}
	return false
}

// UploadAndSend validates f, uploads it and sends the file message. Invalid
// files are rejected before any network call. No message is created unless
// the upload succeeds, and failed uploads are never retried automatically.
func (c *Coordinator) UploadAndSend(ctx context.Context, conversationID int64, f File, caption string) (chat.Message, error) {
	if err := c.Validate(f); err != nil {
		c.metrics.UploadFinished("rejected")
		return chat.Message{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e := c.begin(conversationID, f, cancel)
	defer c.discard(e.LocalID)

	body := &progressReader{r: f.Body, total: f.Size, report: func(n int64, pct int) {
		c.metrics.UploadBytes(int(n))
		c.progress(e.LocalID, pct)
	}}
	info, err := c.up.Upload(ctx, restapi.UploadRequest{
		ConversationID: conversationID,
		FileName:       f.Name,
		ContentType:    f.ContentType,
		Body:           body,
	})
	if err != nil {
		if ctx.Err() != nil {
			c.finish(e.LocalID, StatusFailed, "canceled", "canceled")
			return chat.Message{}, fmt.Errorf("upload %s: %w", f.Name, context.Canceled)
		}
		c.finish(e.LocalID, StatusFailed, err.Error(), "failed")
		c.logger.Warn("upload failed", zap.String("file", f.Name), zap.Int64("conversation_id", conversationID), zap.Error(err))
		return chat.Message{}, fmt.Errorf("%w: %s: %w", ErrUploadFailed, f.Name, err)
	}
	c.progress(e.LocalID, 100)
	c.finish(e.LocalID, StatusDone, "", "done")

	if info.Type == "" {
		info.Type = f.ContentType
	}
	if info.Size == 0 {
		info.Size = f.Size
	}
	c.logger.Info("uploaded",
		zap.String("file", info.Name),
		zap.String("size", humanize.IBytes(uint64(info.Size))),
		zap.Int64("conversation_id", conversationID),
	)
	return c.send.SendMessage(context.WithoutCancel(ctx), conversationID, caption, chat.TypeForMIME(info.Type), &info)
}

// Cancel aborts an in-flight upload.
func (c *Coordinator) Cancel(localID string) error {
	c.mu.Lock()
	e, ok := c.pending[localID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUpload, localID)
	}
	e.cancel()
	return nil
}

// Pending lists in-flight uploads, oldest first.
func (c *Coordinator) Pending() []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Pending, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.pending[id].Pending)
	}
	return out
}

func (c *Coordinator) begin(conversationID int64, f File, cancel context.CancelFunc) Pending {
	e := &entry{
		Pending: Pending{
			LocalID:        uuid.NewString(),
			ConversationID: conversationID,
			FileName:       f.Name,
			Size:           f.Size,
			Status:         StatusUploading,
		},
		cancel: cancel,
	}
	c.mu.Lock()
	c.pending[e.LocalID] = e
	c.order = append(c.order, e.LocalID)
	c.mu.Unlock()
	c.opts.Bus.Emit(bus.UploadProgress, e.Pending)
	return e.Pending
}

func (c *Coordinator) progress(localID string, pct int) {
	c.mu.Lock()
	e, ok := c.pending[localID]
	if !ok || pct <= e.Progress {
		c.mu.Unlock()
		return
	}
	e.Progress = pct
	snap := e.Pending
	c.mu.Unlock()
	c.opts.Bus.Emit(bus.UploadProgress, snap)
}

func (c *Coordinator) finish(localID string, st Status, errText, outcome string) {
	c.mu.Lock()
	e, ok := c.pending[localID]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.Status = st
	e.Err = errText
	snap := e.Pending
	c.mu.Unlock()
	c.metrics.UploadFinished(outcome)
	c.opts.Bus.Emit(bus.UploadFinished, snap)
}

func (c *Coordinator) discard(localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, localID)
	c.order = slices.DeleteFunc(c.order, func(id string) bool { return id == localID })
}

// progressReader reports percent complete as the body is consumed. The last
// percent point is left to the caller so 100 only appears after the server
// accepted the file.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(n int64, pct int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		pct := 99
		if p.total > 0 && p.read < p.total {
			pct = min(int(p.read*100/p.total), 99)
		}
		if pct > p.last {
			p.last = pct
		}
		p.report(int64(n), p.last)
	}
	return n, err
}
