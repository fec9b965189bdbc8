// Package presenter exposes chat state to user interfaces as plain queries
// plus a coalesced change signal. It holds no state of its own: every query
// reads the store and every intent is forwarded to the component that owns it.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/cache"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/status"
	"github.com/matheus3301/medchat/internal/store"
	"github.com/matheus3301/medchat/internal/upload"
	"go.uber.org/zap"
)

// ErrSearchUnavailable is returned by SearchMessages when no cache is configured.
var ErrSearchUnavailable = errors.New("message search needs the local cache")

// Dispatcher is the outbound half of the chat pipeline. *dispatch.Dispatcher
// implements it.
type Dispatcher interface {
	SendMessage(ctx context.Context, conversationID int64, content string, msgType chat.MessageType, file *chat.FileInfo) (chat.Message, error)
	Retry(ctx context.Context, localID int64) (chat.Message, error)
	MarkRead(ctx context.Context, messageID int64) error
	MarkConversationRead(ctx context.Context, conversationID int64) (int, error)
	CreateConversation(ctx context.Context, targetUserID int64, targetRole chat.Role) (chat.Conversation, error)
	Open(ctx context.Context, conversationID int64) error
	SetTyping(ctx context.Context, conversationID int64, isTyping bool) error
	Active() int64
}

// Uploads is implemented by *upload.Coordinator.
type Uploads interface {
	UploadAndSend(ctx context.Context, conversationID int64, f upload.File, caption string) (chat.Message, error)
	Cancel(localID string) error
	Pending() []upload.Pending
}

// Directory looks up users. *restapi.Client implements it.
type Directory interface {
	SearchUsers(ctx context.Context, query string, role chat.Role) ([]restapi.User, error)
}

// Searcher runs full-text queries over cached messages. *cache.DB implements it.
type Searcher interface {
	SearchMessages(query string, conversationID int64, limit int) ([]cache.SearchResult, error)
}

// Options wires a Presenter. Search may be nil.
type Options struct {
	Machine    *status.Machine
	Store      *store.Store
	Dispatcher Dispatcher
	Uploads    Uploads
	Directory  Directory
	Search     Searcher
	Bus        *bus.Bus
	Logger     *zap.Logger
}

// Presenter is the query and intent surface for UIs.
type Presenter struct {
	machine *status.Machine
	store   *store.Store
	disp    Dispatcher
	uploads Uploads
	dir     Directory
	search  Searcher
	bus     *bus.Bus
	logger  *zap.Logger

	changes chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a presenter.
func New(opts Options) *Presenter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Presenter{
		machine: opts.Machine,
		store:   opts.Store,
		disp:    opts.Dispatcher,
		uploads: opts.Uploads,
		dir:     opts.Directory,
		search:  opts.Search,
		bus:     opts.Bus,
		logger:  opts.Logger.Named("presenter"),
		changes: make(chan struct{}, 1),
	}
}

// Start forwards store, connection and upload events to Changes until ctx is
// done or Stop is called.
func (p *Presenter) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	ch, unsub := p.bus.Subscribe(256, "store.", "conn.", "upload.")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsub()
		for {
			select {
			case <-ch:
				p.signal()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends event forwarding.
func (p *Presenter) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Changes receives a value whenever something a UI renders may have changed.
// Bursts collapse into one signal; receivers re-query what they display.
func (p *Presenter) Changes() <-chan struct{} {
	return p.changes
}

func (p *Presenter) signal() {
	select {
	case p.changes <- struct{}{}:
	default:
	}
}

// ConnectionStatus returns the connection state.
func (p *Presenter) ConnectionStatus() status.State {
	return p.machine.Current()
}

// Self returns the signed-in user id.
func (p *Presenter) Self() int64 {
	return p.store.Self()
}

// Conversations returns all conversations, most recent activity first.
func (p *Presenter) Conversations() []chat.Conversation {
	return p.store.Conversations()
}

// Conversation returns one conversation.
func (p *Presenter) Conversation(id int64) (chat.Conversation, bool) {
	return p.store.Conversation(id)
}

// MessagesFor returns a conversation's messages in display order.
func (p *Presenter) MessagesFor(conversationID int64) []chat.Message {
	return p.store.MessagesFor(conversationID)
}

// TypingIn returns the peers currently typing in a conversation.
func (p *Presenter) TypingIn(conversationID int64) []int64 {
	return p.store.Typing(conversationID)
}

// ActiveConversation returns the conversation last opened, 0 if none.
func (p *Presenter) ActiveConversation() int64 {
	return p.disp.Active()
}

// Open makes a conversation active and loads its history.
func (p *Presenter) Open(ctx context.Context, conversationID int64) error {
	return p.disp.Open(ctx, conversationID)
}

// SendMessage sends a text message. Unlike the dispatcher, an unknown
// conversation is reported as an error since the id comes from user input.
func (p *Presenter) SendMessage(ctx context.Context, conversationID int64, content string) (chat.Message, error) {
	if err := p.known(conversationID); err != nil {
		return chat.Message{}, err
	}
	return p.disp.SendMessage(ctx, conversationID, content, chat.TypeText, nil)
}

// Retry re-sends a failed message.
func (p *Presenter) Retry(ctx context.Context, localID int64) (chat.Message, error) {
	return p.disp.Retry(ctx, localID)
}

// MarkRead marks a single message read.
func (p *Presenter) MarkRead(ctx context.Context, messageID int64) error {
	return p.disp.MarkRead(ctx, messageID)
}

// MarkConversationRead marks every unread peer message in a conversation read.
func (p *Presenter) MarkConversationRead(ctx context.Context, conversationID int64) (int, error) {
	if err := p.known(conversationID); err != nil {
		return 0, err
	}
	return p.disp.MarkConversationRead(ctx, conversationID)
}

// CreateConversation opens or reuses a conversation with another user.
func (p *Presenter) CreateConversation(ctx context.Context, targetUserID int64, targetRole chat.Role) (chat.Conversation, error) {
	return p.disp.CreateConversation(ctx, targetUserID, targetRole)
}

// Typing publishes the local typing flag.
func (p *Presenter) Typing(ctx context.Context, conversationID int64, isTyping bool) error {
	if err := p.known(conversationID); err != nil {
		return err
	}
	return p.disp.SetTyping(ctx, conversationID, isTyping)
}

// UploadAndSend uploads f and sends it as a file message.
func (p *Presenter) UploadAndSend(ctx context.Context, conversationID int64, f upload.File, caption string) (chat.Message, error) {
	if err := p.known(conversationID); err != nil {
		return chat.Message{}, err
	}
	return p.uploads.UploadAndSend(ctx, conversationID, f, caption)
}

// UploadPath uploads a local file by path.
func (p *Presenter) UploadPath(ctx context.Context, conversationID int64, path, caption string) (chat.Message, error) {
	f, closer, err := upload.OpenFile(path)
	if err != nil {
		return chat.Message{}, err
	}
	defer func() { _ = closer.Close() }()
	return p.UploadAndSend(ctx, conversationID, f, caption)
}

// CancelUpload aborts an in-flight upload.
func (p *Presenter) CancelUpload(localID string) error {
	return p.uploads.Cancel(localID)
}

// PendingUploads lists in-flight uploads.
func (p *Presenter) PendingUploads() []upload.Pending {
	return p.uploads.Pending()
}

// SearchUsers queries the user directory.
func (p *Presenter) SearchUsers(ctx context.Context, query string, role chat.Role) ([]restapi.User, error) {
	return p.dir.SearchUsers(ctx, query, role)
}

// SearchMessages searches cached messages, optionally within one conversation.
func (p *Presenter) SearchMessages(query string, conversationID int64, limit int) ([]cache.SearchResult, error) {
	if p.search == nil {
		return nil, ErrSearchUnavailable
	}
	return p.search.SearchMessages(query, conversationID, limit)
}

func (p *Presenter) known(conversationID int64) error {
	if _, ok := p.store.Conversation(conversationID); !ok {
		return fmt.Errorf("%w: %d", store.ErrUnknownConversation, conversationID)
	}
	return nil
}
