// Package dispatch turns user intents into wire frames and inbound frames
// into store mutations.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/metrics"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/store"
	"github.com/matheus3301/medchat/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Sender writes frames on the live connection. *conn.Manager implements it.
type Sender interface {
	Send(ctx context.Context, p wire.Payload) error
}

// API is the subset of the REST client the dispatcher needs.
type API interface {
	Conversations(ctx context.Context) ([]chat.Conversation, error)
	Messages(ctx context.Context, conversationID int64) ([]chat.Message, error)
	CanChat(ctx context.Context, userID int64) (restapi.Eligibility, error)
}

// Options configures a Dispatcher.
type Options struct {
	AckTimeout    time.Duration
	CreateTimeout time.Duration
	Bus           *bus.Bus
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Dispatcher is the only writer of the store besides cache hydration.
type Dispatcher struct {
	conn    Sender
	store   *store.Store
	api     API
	opts    Options
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	active atomic.Int64
	group  singleflight.Group

	mu       sync.Mutex
	acks     map[string]*pendingAck
	creates  map[string]chan createResult
	receipts map[int64]int64
	closed   bool

	now   func() time.Time
	newID func() string
}

type pendingAck struct {
	localID int64
	sentAt  time.Time
	timer   *time.Timer
}

type createResult struct {
	conv chat.Conversation
	err  error
}

// New creates a dispatcher over the given connection, store and REST client.
func New(sender Sender, st *store.Store, api API, opts Options) *Dispatcher {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		conn:     sender,
		store:    st,
		api:      api,
		opts:     opts,
		bus:      opts.Bus,
		logger:   opts.Logger.Named("dispatch"),
		metrics:  opts.Metrics,
		acks:     make(map[string]*pendingAck),
		creates:  make(map[string]chan createResult),
		receipts: make(map[int64]int64),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Active returns the id of the conversation currently open, or 0.
func (d *Dispatcher) Active() int64 {
	return d.active.Load()
}

// Run applies inbound frames in receipt order until ctx is done or the
// channel is closed.
func (d *Dispatcher) Run(ctx context.Context, inbound <-chan wire.Payload) {
	for {
		select {
		case p, ok := <-inbound:
			if !ok {
				return
			}
			d.handle(ctx, p)
		case <-ctx.Done():
			return
		}
	}
}

// Close stops all ack timers. Messages still pending stay pending.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, a := range d.acks {
		a.timer.Stop()
		delete(d.acks, id)
	}
	for id, ch := range d.creates {
		ch <- createResult{err: context.Canceled}
		delete(d.creates, id)
	}
}

// Reset forgets everything tied to the signed-in user: ack timers, queued
// read receipts, pending creates and the open conversation. Sends still
// awaiting an ack are failed so they can be retried after signing back in.
// The store itself is left to its owner.
func (d *Dispatcher) Reset() {
	d.active.Store(0)

	d.mu.Lock()
	acks := d.acks
	d.acks = make(map[string]*pendingAck)
	for id, ch := range d.creates {
		ch <- createResult{err: context.Canceled}
		delete(d.creates, id)
	}
	dropped := len(d.receipts)
	d.receipts = make(map[int64]int64)
	d.mu.Unlock()

	for _, a := range acks {
		a.timer.Stop()
		d.store.FailSend(a.localID, signedOutReason)
	}
	d.logger.Info("session state reset", zap.Int("in_flight", len(acks)), zap.Int("dropped_receipts", dropped))
}

func (d *Dispatcher) handle(ctx context.Context, p wire.Payload) {
	switch f := p.(type) {
	case wire.NewMessage:
		d.onNewMessage(ctx, f.Message)
	case wire.Ack:
		d.onAck(f)
	case wire.ReadReceipt:
		d.store.MarkRead(f.MessageID)
	case wire.Delivered:
		d.store.MarkDelivered(f.MessageID)
	case wire.ConversationList:
		for _, c := range f {
			d.upsertConversation(c, store.SourceLive)
		}
	case wire.History:
		d.store.AppendHistory(f.ConversationID, f.Messages)
	case wire.ConversationCreated:
		d.onConversationCreated(f)
	case wire.Typing:
		if f.UserID != d.store.Self() {
			d.store.SetTyping(f.ConversationID, f.UserID, f.IsTyping)
		}
	case wire.Error:
		d.onError(f)
	case wire.AuthOK:
		// Handshake frames are consumed by the connection manager.
	case wire.Auth, wire.SendMessage, wire.CreateConversation:
		d.logger.Warn("server sent a client frame", zap.String("type", string(wire.TypeOf(p))))
	default:
		d.logger.Error("unhandled frame", zap.String("type", string(wire.TypeOf(p))))
	}
}

func (d *Dispatcher) onNewMessage(ctx context.Context, m chat.Message) {
	if m.ClientMsgID != "" {
		if a := d.settle(m.ClientMsgID); a != nil {
			d.metrics.AckLatency(d.now().Sub(a.sentAt))
		}
	}
	inserted := d.store.AppendMessage(m)
	if _, known := d.store.Conversation(m.ConversationID); !known {
		// A peer opened a conversation we have not listed yet.
		go d.refreshConversations(context.WithoutCancel(ctx))
		return
	}
	if inserted && m.SenderID != d.store.Self() && !m.IsRead {
		d.store.IncrementUnread(m.ConversationID)
	}
}

func (d *Dispatcher) onAck(f wire.Ack) {
	server := f.Message
	if server.ClientMsgID == "" {
		server.ClientMsgID = f.ClientMsgID
	}
	a := d.settle(f.ClientMsgID)
	if a != nil {
		d.metrics.AckLatency(d.now().Sub(a.sentAt))
		d.store.ReconcileOptimisticSend(a.localID, server)
		return
	}
	// Late ack for a send that already timed out.
	if local, ok := d.store.ByClientID(f.ClientMsgID); ok && local.ID < 0 {
		d.store.ReconcileOptimisticSend(local.ID, server)
		return
	}
	d.store.AppendMessage(server)
}

func (d *Dispatcher) onConversationCreated(f wire.ConversationCreated) {
	err := d.upsertConversation(f.Conversation, store.SourceLive)
	d.mu.Lock()
	ch, ok := d.creates[f.RequestID]
	delete(d.creates, f.RequestID)
	d.mu.Unlock()
	if ok {
		ch <- createResult{conv: f.Conversation, err: err}
	}
}

func (d *Dispatcher) onError(f wire.Error) {
	switch {
	case f.ClientMsgID != "":
		a := d.settle(f.ClientMsgID)
		localID := int64(0)
		if a != nil {
			localID = a.localID
		} else if m, ok := d.store.ByClientID(f.ClientMsgID); ok {
			localID = m.ID
		}
		if localID < 0 && d.store.FailSend(localID, f.Message) {
			d.metrics.SendFailure()
		}
		d.logger.Warn("send rejected", zap.String("client_msg_id", f.ClientMsgID), zap.String("code", f.Code), zap.String("message", f.Message))
	case f.RequestID != "":
		d.mu.Lock()
		ch, ok := d.creates[f.RequestID]
		delete(d.creates, f.RequestID)
		d.mu.Unlock()
		if ok {
			ch <- createResult{err: f}
		}
	default:
		d.logger.Warn("server error", zap.String("code", f.Code), zap.String("message", f.Message))
	}
}

func (d *Dispatcher) upsertConversation(c chat.Conversation, src store.Source) error {
	if err := d.store.UpsertConversation(c, src); err != nil {
		d.logger.Warn("rejected conversation", zap.Int64("conversation_id", c.ID), zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) refreshConversations(ctx context.Context) {
	convs, err := d.api.Conversations(ctx)
	if err != nil {
		d.logger.Warn("refresh conversations", zap.Error(err))
		return
	}
	for _, c := range convs {
		d.upsertConversation(c, store.SourceFetch)
	}
}

func isOffline(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
