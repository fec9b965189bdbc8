package store

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/chat"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	doctorID  = 20
	patientID = 10
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func conv(id int64, unread int, last time.Time) chat.Conversation {
	return chat.Conversation{
		ID: id,
		Participants: []chat.Participant{
			{ID: doctorID, DisplayName: "Dra. Ruiz", Role: chat.RoleDoctor},
			{ID: patientID + id, DisplayName: "Paciente", Role: chat.RolePatient},
		},
		LastMessageAt: last,
		UnreadCount:   unread,
	}
}

func msg(id, convID, sender int64, at time.Time) chat.Message {
	return chat.Message{
		ID: id, ConversationID: convID, SenderID: sender,
		Content: "hola", Type: chat.TypeText, CreatedAt: at,
	}
}

func testStore(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := New(doctorID, b)
	if err := s.UpsertConversation(conv(5, 0, t0), SourceFetch); err != nil {
		t.Fatal(err)
	}
	return s, b
}

func TestUpsertConversationMerge(t *testing.T) {
	s, _ := testStore(t)

	tests := []struct {
		name       string
		in         chat.Conversation
		src        Source
		wantUnread int
		wantLast   time.Time
	}{
		{"live sets unread", conv(5, 3, t0.Add(time.Minute)), SourceLive, 3, t0.Add(time.Minute)},
		{"stale fetch keeps larger unread and later timestamp", conv(5, 1, t0), SourceFetch, 3, t0.Add(time.Minute)},
		{"fetch with larger unread wins", conv(5, 4, t0.Add(2*time.Minute)), SourceFetch, 4, t0.Add(2 * time.Minute)},
		{"live decrement wins over fetch", conv(5, 0, t0.Add(2*time.Minute)), SourceLive, 0, t0.Add(2 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.UpsertConversation(tt.in, tt.src); err != nil {
				t.Fatal(err)
			}
			got, _ := s.Conversation(5)
			if got.UnreadCount != tt.wantUnread {
				t.Errorf("unread = %d, want %d", got.UnreadCount, tt.wantUnread)
			}
			if !got.LastMessageAt.Equal(tt.wantLast) {
				t.Errorf("lastMessageAt = %v, want %v", got.LastMessageAt, tt.wantLast)
			}
		})
	}
}

func TestUpsertConversationRejectsPairChange(t *testing.T) {
	s, _ := testStore(t)
	other := conv(5, 0, t0)
	other.Participants[1].ID = 999
	if err := s.UpsertConversation(other, SourceLive); !errors.Is(err, ErrPairChanged) {
		t.Errorf("UpsertConversation() error = %v, want ErrPairChanged", err)
	}
	bad := chat.Conversation{ID: 6, Participants: []chat.Participant{{ID: 1, Role: chat.RoleDoctor}}}
	if err := s.UpsertConversation(bad, SourceLive); err == nil {
		t.Error("single participant should be rejected")
	}
}

func TestFindConversation(t *testing.T) {
	s, _ := testStore(t)
	if c, ok := s.FindWith(patientID + 5); !ok || c.ID != 5 {
		t.Errorf("FindWith() = %d, %v", c.ID, ok)
	}
	if _, ok := s.FindWith(12345); ok {
		t.Error("FindWith(unknown) should miss")
	}
	if c, ok := s.FindByPair(chat.Pair{DoctorID: doctorID, PatientID: patientID + 5}); !ok || c.ID != 5 {
		t.Errorf("FindByPair() = %d, %v", c.ID, ok)
	}
}

func TestDuplicatePairKeepsFirstID(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := New(doctorID, nil, WithLogger(zap.New(core)))
	if err := s.UpsertConversation(conv(5, 0, t0), SourceFetch); err != nil {
		t.Fatal(err)
	}
	dup := conv(5, 0, t0)
	dup.ID = 6
	if err := s.UpsertConversation(dup, SourceFetch); err != nil {
		t.Fatal(err)
	}

	if c, ok := s.FindByPair(chat.Pair{DoctorID: doctorID, PatientID: patientID + 5}); !ok || c.ID != 5 {
		t.Errorf("FindByPair() = %d, %v, want 5", c.ID, ok)
	}
	if _, ok := s.Conversation(6); !ok {
		t.Error("second conversation should still be stored")
	}
	if n := logs.FilterMessage("second conversation for one pair").Len(); n != 1 {
		t.Errorf("pair conflict warnings = %d, want 1", n)
	}
}

func TestConversationsSortedByActivity(t *testing.T) {
	s := New(doctorID, nil)
	_ = s.UpsertConversation(conv(1, 0, t0), SourceFetch)
	_ = s.UpsertConversation(conv(2, 0, t0.Add(time.Hour)), SourceFetch)
	_ = s.UpsertConversation(conv(3, 0, t0), SourceFetch)

	got := s.Conversations()
	want := []int64{2, 3, 1}
	for i, c := range got {
		if c.ID != want[i] {
			t.Fatalf("order = %v, want %v", ids(got), want)
		}
	}

	// A new message moves its conversation to the top.
	s.AppendMessage(msg(100, 1, patientID+1, t0.Add(2*time.Hour)))
	if top := s.Conversations()[0]; top.ID != 1 || top.LastMessagePreview != "hola" {
		t.Errorf("top = %d %q, want 1 with preview", top.ID, top.LastMessagePreview)
	}
}

func ids(cs []chat.Conversation) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestAppendMessageOrderUnderAnyInterleaving(t *testing.T) {
	base := make([]chat.Message, 0, 40)
	for i := range 40 {
		// Several messages share a createdAt millisecond.
		at := t0.Add(time.Duration(i/3) * time.Millisecond)
		base = append(base, msg(int64(1000+i), 5, patientID+5, at))
	}

	for trial := range 25 {
		s, _ := testStore(t)
		perm := rand.Perm(len(base))
		for _, i := range perm {
			s.AppendMessage(base[i])
		}
		// Replay a few duplicates.
		for _, i := range perm[:10] {
			s.AppendMessage(base[i])
		}

		got := s.MessagesFor(5)
		if len(got) != len(base) {
			t.Fatalf("trial %d: len = %d, want %d", trial, len(got), len(base))
		}
		for i := 1; i < len(got); i++ {
			if !got[i-1].Before(&got[i]) {
				t.Fatalf("trial %d: messages %d and %d out of order", trial, got[i-1].ID, got[i].ID)
			}
		}
	}
}

func TestAppendMessageDeduplicates(t *testing.T) {
	s, _ := testStore(t)
	m := msg(1, 5, patientID+5, t0)
	m.IsRead = true
	if !s.AppendMessage(m) {
		t.Fatal("first append should insert")
	}

	dup := msg(1, 5, patientID+5, t0)
	dup.IsDelivered = true
	if s.AppendMessage(dup) {
		t.Error("duplicate append should replace, not insert")
	}

	got := s.MessagesFor(5)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if !got[0].IsRead || !got[0].IsDelivered {
		t.Errorf("flags = read:%v delivered:%v, want both true", got[0].IsRead, got[0].IsDelivered)
	}
	if got[0].Status != chat.StatusRead {
		t.Errorf("status = %s, want read", got[0].Status)
	}
}

func TestAppendMessageRejectsNonParticipant(t *testing.T) {
	s, b := testStore(t)
	events, unsub := b.Subscribe(4, bus.StoreMessageUpserted)
	defer unsub()

	if s.AppendMessage(msg(100, 5, 999, t0)) {
		t.Error("AppendMessage() from a stranger reported an insert")
	}
	if n := len(s.MessagesFor(5)); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	if n := s.AppendHistory(5, []chat.Message{msg(101, 5, 999, t0), msg(102, 5, patientID+5, t0)}); n != 1 {
		t.Errorf("AppendHistory() inserted %d, want 1", n)
	}
	if _, ok := s.Message(101); ok {
		t.Error("history message from a stranger was stored")
	}
	select {
	case evt := <-events:
		t.Errorf("unexpected event %+v", evt)
	default:
	}

	// Conversation not known yet: kept until the list catches up.
	if !s.AppendMessage(msg(103, 42, 999, t0)) {
		t.Error("message for an unknown conversation should be kept")
	}
}

func TestEchoCollapsesOptimisticSend(t *testing.T) {
	s, _ := testStore(t)
	localID := s.NextLocalID()
	local := msg(localID, 5, doctorID, t0)
	local.ClientMsgID = "c-1"
	s.AppendMessage(local)

	echo := msg(9001, 5, doctorID, t0.Add(-time.Second))
	echo.ClientMsgID = "c-1"
	if s.AppendMessage(echo) {
		t.Error("echo should replace the optimistic entry")
	}

	got := s.MessagesFor(5)
	if len(got) != 1 || got[0].ID != 9001 || got[0].Status != chat.StatusSent {
		t.Fatalf("messages = %+v, want single sent 9001", got)
	}
	if _, ok := s.Message(localID); ok {
		t.Error("local id should be gone")
	}
}

// TestOfflineSendReconciled covers a send made while offline that is acked
// after reconnect.
func TestOfflineSendReconciled(t *testing.T) {
	s, b := testStore(t)
	ch, unsub := b.Subscribe(10, bus.StoreMessageUpserted)
	defer unsub()

	localID := s.NextLocalID()
	pending := chat.Message{ID: localID, ClientMsgID: "c-9", ConversationID: 5, SenderID: doctorID,
		Content: "Hola", Type: chat.TypeText, CreatedAt: t0}
	s.AppendMessage(pending)
	if m, _ := s.Message(localID); m.Status != chat.StatusPending {
		t.Fatalf("status = %s, want pending", m.Status)
	}
	<-ch

	T := t0.Add(30 * time.Second)
	s.ReconcileOptimisticSend(localID, chat.Message{ID: 9001, ConversationID: 5, SenderID: doctorID,
		Content: "Hola", Type: chat.TypeText, CreatedAt: T})

	got := s.MessagesFor(5)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].ID != 9001 || got[0].Status != chat.StatusSent || !got[0].CreatedAt.Equal(T) {
		t.Errorf("reconciled = %+v", got[0])
	}
	if got[0].ClientMsgID != "c-9" {
		t.Errorf("clientMsgId = %q, want c-9 kept", got[0].ClientMsgID)
	}

	select {
	case evt := <-ch:
		change := evt.Payload.(MessageChange)
		if change.ReplacedID != localID || change.Message.ID != 9001 {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for upsert event")
	}
}

func TestReconcileAfterEchoIsIdempotent(t *testing.T) {
	s, _ := testStore(t)
	localID := s.NextLocalID()
	local := msg(localID, 5, doctorID, t0)
	local.ClientMsgID = "c-2"
	s.AppendMessage(local)

	server := msg(77, 5, doctorID, t0)
	server.ClientMsgID = "c-2"
	s.AppendMessage(server)
	s.ReconcileOptimisticSend(localID, server)

	if got := s.MessagesFor(5); len(got) != 1 || got[0].ID != 77 {
		t.Errorf("messages = %+v, want only 77", got)
	}
}

func TestFailAndRetry(t *testing.T) {
	s, b := testStore(t)
	ch, unsub := b.Subscribe(10, bus.StoreMessageFailed)
	defer unsub()

	localID := s.NextLocalID()
	local := msg(localID, 5, doctorID, t0)
	local.ClientMsgID = "c-3"
	s.AppendMessage(local)

	if _, err := s.RetrySend(localID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("RetrySend(pending) = %v, want ErrNotFailed", err)
	}
	if !s.FailSend(localID, "ack timeout") {
		t.Fatal("FailSend should succeed on pending message")
	}
	if s.FailSend(localID, "again") {
		t.Error("FailSend on failed message should be a no-op")
	}
	m, _ := s.Message(localID)
	if m.Status != chat.StatusFailed || m.Error != "ack timeout" {
		t.Errorf("message = %+v", m)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no store.message_failed event")
	}
	if len(s.MessagesFor(5)) != 1 {
		t.Error("failed message must stay visible")
	}

	retried, err := s.RetrySend(localID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != chat.StatusPending || retried.ClientMsgID != "c-3" {
		t.Errorf("retried = %+v", retried)
	}
	if p := s.Pending(); len(p) != 1 || p[0].ID != localID {
		t.Errorf("Pending() = %+v", p)
	}

	if _, err := s.RetrySend(12345); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("RetrySend(unknown) = %v", err)
	}
}

func TestLateAckRevivesFailedMessage(t *testing.T) {
	s, _ := testStore(t)
	localID := s.NextLocalID()
	local := msg(localID, 5, doctorID, t0)
	local.ClientMsgID = "c-4"
	s.AppendMessage(local)
	s.FailSend(localID, "timeout")

	s.ReconcileOptimisticSend(localID, msg(500, 5, doctorID, t0))
	m, ok := s.Message(500)
	if !ok || m.Status != chat.StatusSent || m.Error != "" {
		t.Errorf("message = %+v, want sent", m)
	}
}

func TestMarkRead(t *testing.T) {
	s, _ := testStore(t)
	_ = s.UpsertConversation(conv(5, 2, t0), SourceLive)
	s.AppendMessage(msg(1, 5, patientID+5, t0))
	s.AppendMessage(msg(2, 5, doctorID, t0.Add(time.Second)))

	if _, changed := s.MarkRead(1); !changed {
		t.Fatal("first MarkRead should change")
	}
	if _, changed := s.MarkRead(1); changed {
		t.Error("second MarkRead should be a no-op")
	}
	if c, _ := s.Conversation(5); c.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", c.UnreadCount)
	}

	// A receipt for our own message never touches our unread count.
	if _, changed := s.MarkRead(2); !changed {
		t.Error("receipt for own message should set isRead")
	}
	if c, _ := s.Conversation(5); c.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", c.UnreadCount)
	}
	if m, _ := s.Message(2); m.Status != chat.StatusRead {
		t.Errorf("own message status = %s, want read", m.Status)
	}

	if _, changed := s.MarkRead(404); changed {
		t.Error("unknown message should not change")
	}
}

func TestMarkReadFloorsAtZero(t *testing.T) {
	s, _ := testStore(t)
	s.AppendMessage(msg(1, 5, patientID+5, t0))
	s.MarkRead(1)
	if c, _ := s.Conversation(5); c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
}

func TestConcurrentMarkReadDecrementsOnce(t *testing.T) {
	s, _ := testStore(t)
	_ = s.UpsertConversation(conv(5, 1, t0), SourceLive)
	s.AppendMessage(msg(1, 5, patientID+5, t0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	changes := 0
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, changed := s.MarkRead(1); changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if changes != 1 {
		t.Errorf("changes observed = %d, want 1", changes)
	}
	c, _ := s.Conversation(5)
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
	if m, _ := s.Message(1); !m.IsRead {
		t.Error("isRead should be true")
	}
}

func TestReadFlagNeverReverts(t *testing.T) {
	s, _ := testStore(t)
	s.AppendMessage(msg(1, 5, patientID+5, t0))
	s.MarkRead(1)
	s.AppendMessage(msg(1, 5, patientID+5, t0))
	if m, _ := s.Message(1); !m.IsRead {
		t.Error("stale redelivery reverted isRead")
	}
}

func TestAppendHistory(t *testing.T) {
	s, b := testStore(t)
	ch, unsub := b.Subscribe(10, bus.StoreHistoryLoaded)
	defer unsub()

	s.AppendMessage(msg(2, 5, patientID+5, t0.Add(time.Second)))
	n := s.AppendHistory(5, []chat.Message{
		msg(3, 0, patientID+5, t0.Add(2*time.Second)),
		msg(1, 0, doctorID, t0),
		msg(2, 0, patientID+5, t0.Add(time.Second)),
	})
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}
	got := s.MessagesFor(5)
	if len(got) != 3 || got[0].ID != 1 || got[2].ID != 3 {
		t.Errorf("history = %+v", got)
	}
	select {
	case evt := <-ch:
		h := evt.Payload.(HistoryLoaded)
		if h.ConversationID != 5 || len(h.Messages) != 3 || h.Inserted != 2 {
			t.Errorf("event = %+v", h)
		}
	case <-time.After(time.Second):
		t.Fatal("no history event")
	}
}

func TestUnreadFromPeer(t *testing.T) {
	s, _ := testStore(t)
	s.AppendMessage(msg(1, 5, patientID+5, t0))
	s.AppendMessage(msg(2, 5, doctorID, t0))
	s.AppendMessage(msg(3, 5, patientID+5, t0))
	s.MarkRead(3)
	if got := s.UnreadFromPeer(5); len(got) != 1 || got[0] != 1 {
		t.Errorf("UnreadFromPeer() = %v, want [1]", got)
	}
}

func TestTypingExpires(t *testing.T) {
	s, _ := testStore(t)
	now := t0
	s.now = func() time.Time { return now }

	s.SetTyping(5, patientID+5, true)
	if got := s.Typing(5); len(got) != 1 {
		t.Fatalf("Typing() = %v", got)
	}
	now = now.Add(TypingTTL + time.Second)
	if got := s.Typing(5); len(got) != 0 {
		t.Errorf("Typing() after TTL = %v, want none", got)
	}

	s.SetTyping(5, patientID+5, true)
	s.SetTyping(5, patientID+5, false)
	if got := s.Typing(5); len(got) != 0 {
		t.Errorf("Typing() after stop = %v, want none", got)
	}
}

func TestReset(t *testing.T) {
	s, _ := testStore(t)
	s.AppendMessage(msg(1, 5, patientID+5, t0))
	s.Reset(99)
	if c, m := s.Stats(); c != 0 || m != 0 {
		t.Errorf("Stats() = %d, %d after reset", c, m)
	}
	if s.Self() != 99 {
		t.Errorf("Self() = %d", s.Self())
	}
}
