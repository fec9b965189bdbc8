package store

import (
	"slices"

	"github.com/matheus3301/medchat/internal/chat"
)

// Conversation returns a copy of the conversation with id.
func (s *Store) Conversation(id int64) (chat.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return chat.Conversation{}, false
	}
	return cloneConv(c), true
}

// Conversations returns all conversations, most recent activity first.
func (s *Store) Conversations() []chat.Conversation {
	s.mu.RLock()
	out := make([]chat.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, cloneConv(c))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b chat.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return out
}

// FindWith returns the conversation between the local user and userID.
func (s *Store) FindWith(userID int64) (chat.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.convs {
		if c.HasParticipant(userID) && c.HasParticipant(s.self) {
			return cloneConv(c), true
		}
	}
	return chat.Conversation{}, false
}

// FindByPair returns the conversation for a doctor-patient pair.
func (s *Store) FindByPair(p chat.Pair) (chat.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pairs[p]
	if !ok {
		return chat.Conversation{}, false
	}
	return cloneConv(s.convs[id]), true
}

// MessagesFor returns a conversation's messages in (createdAt, id) order.
func (s *Store) MessagesFor(conversationID int64) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.msgs[conversationID]
	out := make([]chat.Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

// Message returns a message by id.
func (s *Store) Message(id int64) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return chat.Message{}, false
	}
	return *m, true
}

// ByClientID returns the message correlated with a clientMsgId.
func (s *Store) ByClientID(clientMsgID string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byClient[clientMsgID]
	if !ok {
		return chat.Message{}, false
	}
	return *m, true
}

// Pending returns optimistic messages still awaiting confirmation, oldest first.
func (s *Store) Pending() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Message
	for _, m := range s.byID {
		if m.ID < 0 && m.Status == chat.StatusPending {
			out = append(out, *m)
		}
	}
	slices.SortFunc(out, func(a, b chat.Message) int {
		// Local ids decrease over time.
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return out
}

// UnreadFromPeer returns ids of confirmed messages in a conversation that the
// local user has not read.
func (s *Store) UnreadFromPeer(conversationID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for _, m := range s.msgs[conversationID] {
		if m.ID > 0 && !m.IsRead && m.SenderID != s.self {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Typing returns the users currently typing in a conversation.
func (s *Store) Typing(conversationID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var ids []int64
	for uid, exp := range s.typing[conversationID] {
		if now.Before(exp) {
			ids = append(ids, uid)
		}
	}
	slices.Sort(ids)
	return ids
}

// Stats returns the number of conversations and messages held.
func (s *Store) Stats() (conversations, messages int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs), len(s.byID)
}

func cloneConv(c *chat.Conversation) chat.Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	return out
}
