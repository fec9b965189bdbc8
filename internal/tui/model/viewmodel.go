// Package model holds the TUI's snapshot of daemon state and the calls that
// refresh it.
package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/medchat/internal/api"
	"github.com/matheus3301/medchat/internal/cache"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/upload"
)

// typingEvery bounds how often a typing signal is sent while composing.
const typingEvery = 3 * time.Second

// ErrNoConversation is returned by intents that need an open conversation.
var ErrNoConversation = errors.New("no conversation open")

// Backend is the daemon API the view model drives. *client.Client implements it.
type Backend interface {
	Status(ctx context.Context) (*api.StatusResponse, error)
	Connect(ctx context.Context, req *api.ConnectRequest) (*api.StatusResponse, error)
	Logout(ctx context.Context) (*api.StatusResponse, error)
	Conversations(ctx context.Context) ([]chat.Conversation, error)
	Open(ctx context.Context, conversationID int64) (*api.ListMessagesResponse, error)
	Messages(ctx context.Context, req *api.ListMessagesRequest) (*api.ListMessagesResponse, error)
	Send(ctx context.Context, conversationID int64, content string) (chat.Message, error)
	Retry(ctx context.Context, localID int64) (chat.Message, error)
	MarkRead(ctx context.Context, req *api.MarkReadRequest) (int, error)
	CreateConversation(ctx context.Context, targetUserID int64, role chat.Role) (chat.Conversation, error)
	Upload(ctx context.Context, req *api.UploadFileRequest) (chat.Message, error)
	Uploads(ctx context.Context) (*api.ListUploadsResponse, error)
	SetTyping(ctx context.Context, conversationID int64, isTyping bool) error
	SearchUsers(ctx context.Context, query string, role chat.Role) (*api.SearchUsersResponse, error)
	SearchMessages(ctx context.Context, req *api.SearchMessagesRequest) (*api.SearchMessagesResponse, error)
	Watch(ctx context.Context, namespaces ...string) (<-chan *api.EventEnvelope, <-chan error, error)
}

// ViewModel caches daemon state and signals UI refreshes.
type ViewModel struct {
	mu sync.RWMutex

	backend       Backend
	status        *api.StatusResponse
	conversations []chat.Conversation
	messages      []chat.Message
	typingBy      []int64
	uploads       []upload.Pending
	active        int64
	lastTyping    time.Time

	refreshCh chan struct{}
	now       func() time.Time
}

// NewViewModel creates a view model over the daemon backend.
func NewViewModel(b Backend) *ViewModel {
	return &ViewModel{
		backend:   b,
		refreshCh: make(chan struct{}, 1),
		now:       time.Now,
	}
}

// RefreshCh signals that a snapshot changed. Signals coalesce.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// Follow reloads state whenever the daemon reports a change, until ctx is
// done or the stream breaks. Bursts of events collapse into one reload.
func (vm *ViewModel) Follow(ctx context.Context) error {
	events, errc, err := vm.backend.Watch(ctx, "conn.", "store.", "upload.")
	if err != nil {
		return err
	}
	wctx, stop := context.WithCancel(ctx)
	dirty := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-dirty:
				_ = vm.Reload(wctx)
			case <-wctx.Done():
				return
			}
		}
	}()

	for range events {
		select {
		case dirty <- struct{}{}:
		default:
		}
	}
	stop()
	<-done
	select {
	case err := <-errc:
		return err
	default:
		return ctx.Err()
	}
}

// Reload refreshes status, the conversation list and, when one is open, the
// active conversation. Unread messages in the open conversation are marked read.
func (vm *ViewModel) Reload(ctx context.Context) error {
	if err := vm.LoadStatus(ctx); err != nil {
		return err
	}
	if err := vm.LoadConversations(ctx); err != nil {
		return err
	}
	id := vm.Active()
	if id == 0 {
		return nil
	}
	if c, ok := vm.Conversation(id); ok && c.UnreadCount > 0 {
		if _, err := vm.backend.MarkRead(ctx, &api.MarkReadRequest{ConversationID: id}); err != nil {
			return err
		}
	}
	resp, err := vm.backend.Messages(ctx, &api.ListMessagesRequest{ConversationID: id, Limit: 200})
	if err != nil {
		return err
	}
	ups, err := vm.backend.Uploads(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	if vm.active == id {
		vm.messages = resp.Messages
		vm.typingBy = resp.TypingBy
	}
	vm.uploads = ups.Uploads
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// LoadStatus fetches current session status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	resp, err := vm.backend.Status(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = resp
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// LoadConversations fetches the conversation list.
func (vm *ViewModel) LoadConversations(ctx context.Context) error {
	convs, err := vm.backend.Conversations(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = convs
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Open makes id the active conversation and loads its latest messages.
func (vm *ViewModel) Open(ctx context.Context, id int64) error {
	resp, err := vm.backend.Open(ctx, id)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.active = id
	vm.messages = resp.Messages
	vm.typingBy = resp.TypingBy
	vm.mu.Unlock()
	if _, err := vm.backend.MarkRead(ctx, &api.MarkReadRequest{ConversationID: id}); err != nil {
		return err
	}
	vm.signalRefresh()
	return nil
}

// Close leaves the active conversation.
func (vm *ViewModel) Close() {
	vm.mu.Lock()
	vm.active = 0
	vm.messages = nil
	vm.typingBy = nil
	vm.mu.Unlock()
	vm.signalRefresh()
}

// Send sends text to the active conversation and stops the typing signal.
func (vm *ViewModel) Send(ctx context.Context, text string) (chat.Message, error) {
	id := vm.Active()
	if id == 0 {
		return chat.Message{}, ErrNoConversation
	}
	m, err := vm.backend.Send(ctx, id, text)
	if err != nil {
		return chat.Message{}, err
	}
	vm.mu.Lock()
	typing := !vm.lastTyping.IsZero()
	vm.lastTyping = time.Time{}
	vm.mu.Unlock()
	if typing {
		_ = vm.backend.SetTyping(ctx, id, false)
	}
	return m, nil
}

// Typing reports composing activity, at most once per typingEvery.
func (vm *ViewModel) Typing(ctx context.Context) error {
	vm.mu.Lock()
	id := vm.active
	now := vm.now()
	if id == 0 || now.Sub(vm.lastTyping) < typingEvery {
		vm.mu.Unlock()
		return nil
	}
	vm.lastTyping = now
	vm.mu.Unlock()
	return vm.backend.SetTyping(ctx, id, true)
}

// RetryLastFailed resends the most recent failed message of the active
// conversation.
func (vm *ViewModel) RetryLastFailed(ctx context.Context) (chat.Message, error) {
	vm.mu.RLock()
	msgs := vm.messages
	vm.mu.RUnlock()
	for j := len(msgs) - 1; j >= 0; j-- {
		if msgs[j].Status == chat.StatusFailed {
			return vm.backend.Retry(ctx, msgs[j].ID)
		}
	}
	return chat.Message{}, errors.New("no failed message to retry")
}

// Attach uploads the file at path to the active conversation.
func (vm *ViewModel) Attach(ctx context.Context, path, caption string) (chat.Message, error) {
	id := vm.Active()
	if id == 0 {
		return chat.Message{}, ErrNoConversation
	}
	return vm.backend.Upload(ctx, &api.UploadFileRequest{ConversationID: id, Path: path, Caption: caption})
}

// StartWith opens the conversation with a user, creating it if needed.
func (vm *ViewModel) StartWith(ctx context.Context, u restapi.User) (chat.Conversation, error) {
	c, err := vm.backend.CreateConversation(ctx, u.ID, u.Role)
	if err != nil {
		return chat.Conversation{}, err
	}
	if err := vm.LoadConversations(ctx); err != nil {
		return c, err
	}
	return c, vm.Open(ctx, c.ID)
}

// SearchUsers looks up users by name.
func (vm *ViewModel) SearchUsers(ctx context.Context, query string) ([]restapi.User, error) {
	resp, err := vm.backend.SearchUsers(ctx, query, "")
	if err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// SearchMessages performs a search over cached messages.
func (vm *ViewModel) SearchMessages(ctx context.Context, query string) ([]cache.SearchResult, error) {
	resp, err := vm.backend.SearchMessages(ctx, &api.SearchMessagesRequest{Query: query, Limit: 50})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Connect signs in with the daemon's stored credentials.
func (vm *ViewModel) Connect(ctx context.Context) error {
	resp, err := vm.backend.Connect(ctx, &api.ConnectRequest{})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = resp
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Logout closes the daemon's connection.
func (vm *ViewModel) Logout(ctx context.Context) error {
	resp, err := vm.backend.Logout(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = resp
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Status returns a snapshot of session status, or nil before the first load.
func (vm *ViewModel) Status() *api.StatusResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Self returns the signed-in user id.
func (vm *ViewModel) Self() int64 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.status == nil {
		return 0
	}
	return vm.status.UserID
}

// Conversations returns a snapshot of the conversation list.
func (vm *ViewModel) Conversations() []chat.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversations
}

// Conversation looks up a conversation in the snapshot.
func (vm *ViewModel) Conversation(id int64) (chat.Conversation, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	i := slices.IndexFunc(vm.conversations, func(c chat.Conversation) bool { return c.ID == id })
	if i < 0 {
		return chat.Conversation{}, false
	}
	return vm.conversations[i], true
}

// Active returns the open conversation id, or 0.
func (vm *ViewModel) Active() int64 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.active
}

// Messages returns a snapshot of the active conversation's messages.
func (vm *ViewModel) Messages() []chat.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.messages
}

// TypingBy returns the peers composing in the active conversation.
func (vm *ViewModel) TypingBy() []int64 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.typingBy
}

// Uploads returns uploads still in flight for the active conversation.
func (vm *ViewModel) Uploads() []upload.Pending {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	var out []upload.Pending
	for _, u := range vm.uploads {
		if u.ConversationID == vm.active {
			out = append(out, u)
		}
	}
	return out
}

// Title names a conversation by its other participant.
func Title(c chat.Conversation, self int64) string {
	p, ok := c.Peer(self)
	if !ok {
		return fmt.Sprintf("#%d", c.ID)
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return fmt.Sprintf("%s %d", p.Role, p.ID)
}
