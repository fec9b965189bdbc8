// Package store is the in-memory source of truth for conversations and
// messages of one signed-in user. All mutations go through the methods
// below and each one publishes a store.* event on the bus.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/chat"
	"go.uber.org/zap"
)

// Source tells UpsertConversation how to merge counters.
type Source int

const (
	// SourceLive is a push from the socket; its unread count replaces ours.
	SourceLive Source = iota
	// SourceFetch is a cold REST/list fetch that may be stale.
	SourceFetch
)

// TypingTTL is how long a typing signal stays active without a refresh.
const TypingTTL = 6 * time.Second

var (
	ErrUnknownMessage      = errors.New("unknown message")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrPairChanged         = errors.New("conversation participants cannot change")
	ErrNotFailed           = errors.New("message is not in the failed state")
	ErrNotParticipant      = errors.New("sender is not a participant")
)

// MessageChange is the payload of store.message_upserted and
// store.message_failed. ReplacedID is the local id a confirmed message took over.
type MessageChange struct {
	Message    chat.Message
	ReplacedID int64
}

// HistoryLoaded is the payload of store.history_loaded.
type HistoryLoaded struct {
	ConversationID int64
	Messages       []chat.Message
	Inserted       int
}

// TypingChange is the payload of store.typing.
type TypingChange struct {
	ConversationID int64
	UserID         int64
	IsTyping       bool
}

// Store holds conversation and message state.
type Store struct {
	mu        sync.RWMutex
	self      int64
	bus       *bus.Bus
	convs     map[int64]*chat.Conversation
	pairs     map[chat.Pair]int64
	msgs      map[int64][]*chat.Message
	byID      map[int64]*chat.Message
	byClient  map[string]*chat.Message
	typing    map[int64]map[int64]time.Time
	nextLocal int64
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for rejected and conflicting data.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l.Named("store") }
}

// New creates an empty store for the user selfID.
func New(selfID int64, b *bus.Bus, opts ...Option) *Store {
	s := &Store{bus: b, now: time.Now, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	s.resetLocked(selfID)
	return s
}

// Reset drops all state and rebinds the store to another user.
func (s *Store) Reset(selfID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(selfID)
}

func (s *Store) resetLocked(selfID int64) {
	s.self = selfID
	s.convs = make(map[int64]*chat.Conversation)
	s.pairs = make(map[chat.Pair]int64)
	s.msgs = make(map[int64][]*chat.Message)
	s.byID = make(map[int64]*chat.Message)
	s.byClient = make(map[string]*chat.Message)
	s.typing = make(map[int64]map[int64]time.Time)
}

// Self returns the local user id.
func (s *Store) Self() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// NextLocalID returns a fresh negative id for an optimistic message.
func (s *Store) NextLocalID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLocal--
	return s.nextLocal
}

// UpsertConversation inserts conv or merges it into the stored copy.
func (s *Store) UpsertConversation(conv chat.Conversation, src Source) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	pair, _ := conv.Pair()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.convs[conv.ID]
	if !ok {
		c := conv
		c.Participants = slices.Clone(conv.Participants)
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		s.convs[c.ID] = &c
		if other, dup := s.pairs[pair]; dup {
			// FindByPair keeps answering with the first id.
			s.logger.Warn("second conversation for one pair",
				zap.Int64("conversation_id", c.ID),
				zap.Int64("indexed_id", other),
				zap.Int64("doctor_id", pair.DoctorID),
				zap.Int64("patient_id", pair.PatientID),
			)
		} else {
			s.pairs[pair] = c.ID
		}
		s.bus.Emit(bus.StoreConversationUpserted, c)
		return nil
	}

	if curPair, _ := cur.Pair(); curPair != pair {
		return fmt.Errorf("%w: conversation %d", ErrPairChanged, conv.ID)
	}
	// Same pair: refresh display data.
	cur.Participants = slices.Clone(conv.Participants)
	if cur.CreatedAt.IsZero() {
		cur.CreatedAt = conv.CreatedAt
	}
	if conv.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = conv.UpdatedAt
	}
	if !conv.LastMessageAt.Before(cur.LastMessageAt) {
		cur.LastMessageAt = conv.LastMessageAt
		if conv.LastMessagePreview != "" {
			cur.LastMessagePreview = conv.LastMessagePreview
		}
	}
	switch src {
	case SourceFetch:
		cur.UnreadCount = max(cur.UnreadCount, conv.UnreadCount)
	default:
		cur.UnreadCount = max(conv.UnreadCount, 0)
	}
	s.bus.Emit(bus.StoreConversationUpserted, *cur)
	return nil
}

// AppendMessage inserts msg at its (createdAt, id) position. A message whose
// id is already stored, or whose clientMsgId matches a pending local entry,
// replaces that entry instead. It reports whether a new entry was added.
// A message from someone outside a known conversation is dropped.
func (s *Store) AppendMessage(msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	change, inserted, err := s.appendLocked(msg)
	if err != nil {
		s.logger.Warn("dropping message", zap.Int64("message_id", msg.ID), zap.Error(err))
		return false
	}
	s.bus.Emit(bus.StoreMessageUpserted, change)
	return inserted
}

// AppendHistory bulk-appends a conversation backlog and emits a single
// store.history_loaded event. It returns the number of new entries.
func (s *Store) AppendHistory(conversationID int64, msgs []chat.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ConversationID == 0 {
			m.ConversationID = conversationID
		}
		change, ok, err := s.appendLocked(m)
		if err != nil {
			s.logger.Warn("dropping history message", zap.Int64("message_id", m.ID), zap.Error(err))
			continue
		}
		if ok {
			inserted++
		}
		out = append(out, change.Message)
	}
	s.bus.Emit(bus.StoreHistoryLoaded, HistoryLoaded{ConversationID: conversationID, Messages: out, Inserted: inserted})
	return inserted
}

func (s *Store) appendLocked(msg chat.Message) (MessageChange, bool, error) {
	if c, ok := s.convs[msg.ConversationID]; ok && !c.HasParticipant(msg.SenderID) {
		return MessageChange{}, false, fmt.Errorf("%w: user %d in conversation %d", ErrNotParticipant, msg.SenderID, msg.ConversationID)
	}
	if msg.ID > 0 && msg.ClientMsgID != "" {
		if local, ok := s.byClient[msg.ClientMsgID]; ok && local.ID < 0 {
			return s.reconcileLocked(local, msg), false, nil
		}
	}
	if cur, ok := s.byID[msg.ID]; ok {
		s.mergeLocked(cur, msg)
		return MessageChange{Message: *cur}, false, nil
	}

	m := msg
	if m.Status == "" {
		if m.ID < 0 {
			m.Status = chat.StatusPending
		} else {
			m.Status = chat.StatusFromFlags(m.IsDelivered, m.IsRead)
		}
	}
	s.insertLocked(&m)
	return MessageChange{Message: m}, true, nil
}

func (s *Store) insertLocked(m *chat.Message) {
	list := s.msgs[m.ConversationID]
	i := sort.Search(len(list), func(i int) bool { return m.Before(list[i]) })
	s.msgs[m.ConversationID] = slices.Insert(list, i, m)
	s.byID[m.ID] = m
	if m.ClientMsgID != "" {
		s.byClient[m.ClientMsgID] = m
	}
	s.touchLocked(m)
}

func (s *Store) removeLocked(m *chat.Message) {
	list := s.msgs[m.ConversationID]
	if i := slices.Index(list, m); i >= 0 {
		s.msgs[m.ConversationID] = slices.Delete(list, i, i+1)
	}
	delete(s.byID, m.ID)
	if m.ClientMsgID != "" && s.byClient[m.ClientMsgID] == m {
		delete(s.byClient, m.ClientMsgID)
	}
}

// mergeLocked applies incoming server data to cur. Flags only go false to
// true and the status never moves backwards.
func (s *Store) mergeLocked(cur *chat.Message, in chat.Message) {
	reposition := !in.CreatedAt.IsZero() && !in.CreatedAt.Equal(cur.CreatedAt)
	if reposition {
		s.removeLocked(cur)
	}
	isDelivered := cur.IsDelivered || in.IsDelivered
	isRead := cur.IsRead || in.IsRead
	st := cur.Status
	clientID := cur.ClientMsgID
	if in.ClientMsgID != "" {
		clientID = in.ClientMsgID
	}
	createdAt := cur.CreatedAt
	if reposition {
		createdAt = in.CreatedAt
	}

	*cur = in
	cur.IsDelivered = isDelivered
	cur.IsRead = isRead
	cur.ClientMsgID = clientID
	cur.CreatedAt = createdAt
	cur.Status = st
	if cur.ID > 0 {
		cur.Status = st.Advance(chat.StatusFromFlags(isDelivered, isRead))
	}

	if reposition {
		s.insertLocked(cur)
	} else if cur.ClientMsgID != "" {
		s.byClient[cur.ClientMsgID] = cur
	}
}

// touchLocked bumps the owning conversation's last-message data.
func (s *Store) touchLocked(m *chat.Message) {
	c, ok := s.convs[m.ConversationID]
	if !ok || m.CreatedAt.Before(c.LastMessageAt) {
		return
	}
	c.LastMessageAt = m.CreatedAt
	c.LastMessagePreview = preview(m)
}

func preview(m *chat.Message) string {
	const maxLen = 100
	text := m.Content
	if text == "" && m.FileName != "" {
		text = chat.FilePlaceholder(m.FileName)
	}
	r := []rune(text)
	if len(r) > maxLen {
		return string(r[:maxLen])
	}
	return text
}

// ReconcileOptimisticSend replaces the local pending message localID with the
// server-confirmed one. If the local entry is gone, server is appended.
func (s *Store) ReconcileOptimisticSend(localID int64, server chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	local, ok := s.byID[localID]
	var change MessageChange
	if !ok || local.ID >= 0 {
		var err error
		if change, _, err = s.appendLocked(server); err != nil {
			s.logger.Warn("dropping acknowledged message", zap.Int64("message_id", server.ID), zap.Error(err))
			return
		}
	} else {
		change = s.reconcileLocked(local, server)
	}
	s.bus.Emit(bus.StoreMessageUpserted, change)
}

func (s *Store) reconcileLocked(local *chat.Message, server chat.Message) MessageChange {
	localID := local.ID
	clientID := local.ClientMsgID
	s.removeLocked(local)
	if server.ClientMsgID == "" {
		server.ClientMsgID = clientID
	}
	if server.ConversationID == 0 {
		server.ConversationID = local.ConversationID
	}
	if cur, ok := s.byID[server.ID]; ok {
		s.mergeLocked(cur, server)
		cur.Status = cur.Status.Advance(chat.StatusSent)
		cur.Error = ""
		return MessageChange{Message: *cur, ReplacedID: localID}
	}
	m := server
	m.Status = chat.StatusPending.Advance(chat.StatusFromFlags(m.IsDelivered, m.IsRead))
	m.Error = ""
	s.insertLocked(&m)
	return MessageChange{Message: m, ReplacedID: localID}
}

// FailSend marks a pending local message failed. It reports whether the
// message was pending.
func (s *Store) FailSend(localID int64, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[localID]
	if !ok || m.ID >= 0 || m.Status != chat.StatusPending {
		return false
	}
	m.Status = chat.StatusFailed
	m.Error = reason
	s.bus.Emit(bus.StoreMessageFailed, MessageChange{Message: *m})
	return true
}

// RetrySend moves a failed message back to pending and returns it.
func (s *Store) RetrySend(localID int64) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[localID]
	if !ok {
		return chat.Message{}, fmt.Errorf("%w: %d", ErrUnknownMessage, localID)
	}
	if m.Status != chat.StatusFailed {
		return chat.Message{}, fmt.Errorf("%w: %d is %s", ErrNotFailed, localID, m.Status)
	}
	m.Status = chat.StatusPending
	m.Error = ""
	s.bus.Emit(bus.StoreMessageUpserted, MessageChange{Message: *m})
	return *m, nil
}

// MarkRead sets isRead on a message. The owning conversation's unread count
// drops by one, floored at zero, only when the flag actually flipped on a
// message from the peer. It reports whether anything changed.
func (s *Store) MarkRead(messageID int64) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok || m.IsRead {
		return chat.Message{}, false
	}
	m.IsRead = true
	if m.ID > 0 {
		m.Status = m.Status.Advance(chat.StatusRead)
	}
	if m.SenderID != s.self {
		if c, ok := s.convs[m.ConversationID]; ok && c.UnreadCount > 0 {
			c.UnreadCount--
			s.bus.Emit(bus.StoreConversationUpserted, *c)
		}
	}
	s.bus.Emit(bus.StoreMessageUpserted, MessageChange{Message: *m})
	return *m, true
}

// MarkDelivered sets isDelivered on a message.
func (s *Store) MarkDelivered(messageID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok || m.IsDelivered {
		return false
	}
	m.IsDelivered = true
	if m.ID > 0 {
		m.Status = m.Status.Advance(chat.StatusDelivered)
	}
	s.bus.Emit(bus.StoreMessageUpserted, MessageChange{Message: *m})
	return true
}

// IncrementUnread bumps a conversation's unread count.
func (s *Store) IncrementUnread(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return
	}
	c.UnreadCount++
	s.bus.Emit(bus.StoreConversationUpserted, *c)
}

// SetTyping records a typing signal from userID.
func (s *Store) SetTyping(conversationID, userID int64, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.typing[conversationID]
	if isTyping {
		if users == nil {
			users = make(map[int64]time.Time)
			s.typing[conversationID] = users
		}
		users[userID] = s.now().Add(TypingTTL)
	} else if users != nil {
		delete(users, userID)
	}
	s.bus.Emit(bus.StoreTyping, TypingChange{ConversationID: conversationID, UserID: userID, IsTyping: isTyping})
}
