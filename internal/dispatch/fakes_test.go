package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/conn"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/store"
	"github.com/matheus3301/medchat/internal/wire"
)

const (
	selfID = 20 // doctor
	peerID = 10 // patient
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeSender records frames. While offline every Send fails with
// conn.ErrNotConnected. reply, if set, is called for each accepted frame.
type fakeSender struct {
	mu     sync.Mutex
	online bool
	frames []wire.Payload
	reply  func(p wire.Payload)
	sentCh chan wire.Payload
}

func newFakeSender(online bool) *fakeSender {
	return &fakeSender{online: online, sentCh: make(chan wire.Payload, 64)}
}

func (s *fakeSender) Send(ctx context.Context, p wire.Payload) error {
	s.mu.Lock()
	if !s.online {
		s.mu.Unlock()
		return conn.ErrNotConnected
	}
	s.frames = append(s.frames, p)
	reply := s.reply
	s.mu.Unlock()
	s.sentCh <- p
	if reply != nil {
		reply(p)
	}
	return nil
}

func (s *fakeSender) setOnline(v bool) {
	s.mu.Lock()
	s.online = v
	s.mu.Unlock()
}

func (s *fakeSender) framesOf(typ wire.Type) []wire.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Payload
	for _, f := range s.frames {
		if wire.TypeOf(f) == typ {
			out = append(out, f)
		}
	}
	return out
}

type fakeAPI struct {
	mu          sync.Mutex
	convs       []chat.Conversation
	history     map[int64][]chat.Message
	eligibility map[int64]restapi.Eligibility
	canChatWait time.Duration
	canChat     atomic.Int32
}

func (a *fakeAPI) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chat.Conversation(nil), a.convs...), nil
}

func (a *fakeAPI) Messages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chat.Message(nil), a.history[conversationID]...), nil
}

func (a *fakeAPI) CanChat(ctx context.Context, userID int64) (restapi.Eligibility, error) {
	a.canChat.Add(1)
	if a.canChatWait > 0 {
		time.Sleep(a.canChatWait)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.eligibility[userID]
	if !ok {
		return restapi.Eligibility{CanChat: true}, nil
	}
	return e, nil
}

func conversation(id, patient int64) chat.Conversation {
	return chat.Conversation{
		ID: id,
		Participants: []chat.Participant{
			{ID: selfID, DisplayName: "Dra. Ruiz", Role: chat.RoleDoctor},
			{ID: patient, DisplayName: "Paciente", Role: chat.RolePatient},
		},
		LastMessageAt: t0,
	}
}

type harness struct {
	d      *Dispatcher
	st     *store.Store
	sender *fakeSender
	api    *fakeAPI
	bus    *bus.Bus
}

func newHarness(t *testing.T, online bool, opts Options) *harness {
	t.Helper()
	b := bus.New()
	st := store.New(selfID, b)
	if err := st.UpsertConversation(conversation(5, peerID), store.SourceFetch); err != nil {
		t.Fatal(err)
	}
	api := &fakeAPI{
		history:     make(map[int64][]chat.Message),
		eligibility: make(map[int64]restapi.Eligibility),
	}
	sender := newFakeSender(online)
	opts.Bus = b
	d := New(sender, st, api, opts)
	t.Cleanup(d.Close)
	return &harness{d: d, st: st, sender: sender, api: api, bus: b}
}

// deliver applies an inbound frame the way the run loop does.
func (h *harness) deliver(p wire.Payload) {
	h.d.handle(context.Background(), p)
}

func waitEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return bus.Event{}
}
