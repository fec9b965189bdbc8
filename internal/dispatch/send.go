package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/conn"
	"github.com/matheus3301/medchat/internal/wire"
	"go.uber.org/zap"
)

// ErrEmptyMessage is returned for a text message with no content.
var ErrEmptyMessage = errors.New("message content is empty")

const (
	ackTimeoutReason = "no acknowledgement from server"
	signedOutReason  = "signed out before acknowledgement"
)

// SendMessage inserts an optimistic message and hands it to the connection.
// It returns as soon as the message is in the store; confirmation arrives
// asynchronously. If the connection is down the message stays pending and is
// retransmitted on the next resync while its ack window is still open.
//
// Sending to a conversation the store does not know is a caller bug and panics.
func (d *Dispatcher) SendMessage(ctx context.Context, conversationID int64, content string, msgType chat.MessageType, file *chat.FileInfo) (chat.Message, error) {
	if _, ok := d.store.Conversation(conversationID); !ok {
		panic(fmt.Sprintf("dispatch: SendMessage on unknown conversation %d", conversationID))
	}
	if msgType == "" {
		msgType = chat.TypeText
	}
	content = strings.TrimSpace(content)

	m := chat.Message{
		ID:             d.store.NextLocalID(),
		ClientMsgID:    d.newID(),
		ConversationID: conversationID,
		SenderID:       d.store.Self(),
		Content:        content,
		Type:           msgType,
		CreatedAt:      d.now(),
		Status:         chat.StatusPending,
	}
	if msgType == chat.TypeText {
		if content == "" {
			return chat.Message{}, ErrEmptyMessage
		}
	} else if file != nil {
		m.FileURL = file.URL
		m.FileName = file.Name
		m.FileSize = file.Size
		if m.Content == "" {
			m.Content = chat.FilePlaceholder(file.Name)
		}
	}
	if err := m.Validate(); err != nil {
		return chat.Message{}, err
	}

	d.store.AppendMessage(m)
	d.startAck(m)
	d.transmit(ctx, m)
	return m, nil
}

// Retry re-sends a failed message with its original clientMsgId.
func (d *Dispatcher) Retry(ctx context.Context, localID int64) (chat.Message, error) {
	m, err := d.store.RetrySend(localID)
	if err != nil {
		return chat.Message{}, err
	}
	d.startAck(m)
	d.transmit(ctx, m)
	return m, nil
}

func (d *Dispatcher) startAck(m chat.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if old, ok := d.acks[m.ClientMsgID]; ok {
		old.timer.Stop()
	}
	clientID := m.ClientMsgID
	d.acks[clientID] = &pendingAck{
		localID: m.ID,
		sentAt:  d.now(),
		timer:   time.AfterFunc(d.opts.AckTimeout, func() { d.expire(clientID) }),
	}
}

// settle removes and returns the ack record for clientID, stopping its timer.
func (d *Dispatcher) settle(clientID string) *pendingAck {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.acks[clientID]
	if !ok {
		return nil
	}
	a.timer.Stop()
	delete(d.acks, clientID)
	return a
}

func (d *Dispatcher) expire(clientID string) {
	a := d.settle(clientID)
	if a == nil {
		return
	}
	if d.store.FailSend(a.localID, ackTimeoutReason) {
		d.metrics.SendFailure()
		d.logger.Warn("send timed out", zap.String("client_msg_id", clientID), zap.Int64("local_id", a.localID))
	}
}

func (d *Dispatcher) awaitingAck(clientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.acks[clientID]
	return ok
}

// transmit writes the send frame. Connection errors leave the message
// pending for the resync retransmit; anything else fails it.
func (d *Dispatcher) transmit(ctx context.Context, m chat.Message) {
	frame := wire.SendMessage{
		ClientMsgID:    m.ClientMsgID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		MessageType:    m.Type,
		FileInfo:       m.File(),
	}
	err := d.conn.Send(ctx, frame)
	switch {
	case err == nil:
	case errors.Is(err, conn.ErrNotConnected) || isOffline(err):
		d.logger.Debug("send deferred until reconnect", zap.String("client_msg_id", m.ClientMsgID), zap.Error(err))
	default:
		d.settle(m.ClientMsgID)
		if d.store.FailSend(m.ID, err.Error()) {
			d.metrics.SendFailure()
		}
		d.logger.Error("send failed", zap.String("client_msg_id", m.ClientMsgID), zap.Error(err))
	}
}

// MarkRead marks a message read locally and, when that changed anything,
// sends the read receipt. Receipts that cannot be sent are kept for the next
// resync.
func (d *Dispatcher) MarkRead(ctx context.Context, messageID int64) error {
	m, changed := d.store.MarkRead(messageID)
	if !changed || m.ID <= 0 || m.SenderID == d.store.Self() {
		return nil
	}
	return d.sendReceipt(ctx, m.ID, m.ConversationID)
}

// MarkConversationRead marks every unread peer message of a conversation read.
func (d *Dispatcher) MarkConversationRead(ctx context.Context, conversationID int64) (int, error) {
	n := 0
	var errs []error
	for _, id := range d.store.UnreadFromPeer(conversationID) {
		m, changed := d.store.MarkRead(id)
		if !changed {
			continue
		}
		n++
		if err := d.sendReceipt(ctx, m.ID, m.ConversationID); err != nil {
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

func (d *Dispatcher) sendReceipt(ctx context.Context, messageID, conversationID int64) error {
	err := d.conn.Send(ctx, wire.ReadReceipt{MessageID: messageID, ConversationID: conversationID})
	if err == nil {
		return nil
	}
	if errors.Is(err, conn.ErrNotConnected) || isOffline(err) {
		d.mu.Lock()
		d.receipts[messageID] = conversationID
		d.mu.Unlock()
		return nil
	}
	return fmt.Errorf("send read receipt: %w", err)
}

// SetTyping tells the peer whether the local user is composing.
func (d *Dispatcher) SetTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	return d.conn.Send(ctx, wire.Typing{ConversationID: conversationID, IsTyping: isTyping})
}
