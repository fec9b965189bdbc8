package dispatch_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/chattest"
	"github.com/matheus3301/medchat/internal/conn"
	"github.com/matheus3301/medchat/internal/dispatch"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/status"
	"github.com/matheus3301/medchat/internal/store"
)

const (
	doctorID  = 20
	patientID = 10
)

type session struct {
	srv     *chattest.Server
	machine *status.Machine
	mgr     *conn.Manager
	store   *store.Store
	disp    *dispatch.Dispatcher
	bus     *bus.Bus
}

func newSession(t *testing.T) *session {
	t.Helper()
	srv := chattest.New()
	t.Cleanup(srv.Close)
	srv.AddUser(restapi.User{ID: doctorID, Name: "Dra. Ruiz", Role: chat.RoleDoctor}, "doc-token")
	srv.AddUser(restapi.User{ID: patientID, Name: "Ana", Role: chat.RolePatient}, "pat-token")

	b := bus.New()
	machine := status.NewMachine(b)
	st := store.New(doctorID, b)
	rest, err := restapi.New(restapi.Options{BaseURL: srv.APIURL()})
	if err != nil {
		t.Fatal(err)
	}
	rest.SetToken("doc-token")

	mgr := conn.NewManager(conn.Options{
		URL:     srv.SocketURL(),
		Dialer:  conn.WebsocketDialer{},
		Backoff: conn.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		Bus:     b,
	}, machine)
	d := dispatch.New(mgr, st, rest, dispatch.Options{AckTimeout: 2 * time.Second, Bus: b})
	mgr.OnConnected(d.Resync)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx, mgr.Inbound())
	t.Cleanup(func() {
		mgr.Disconnect("test done")
		cancel()
		d.Close()
	})
	return &session{srv: srv, machine: machine, mgr: mgr, store: st, disp: d, bus: b}
}

func (s *session) connect(t *testing.T) {
	t.Helper()
	if err := s.mgr.Connect(conn.Credentials{UserID: doctorID, Token: "doc-token"}); err != nil {
		t.Fatal(err)
	}
	waitState(t, s.machine, status.Connected)
}

func waitState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := m.Wait(ctx, want); err != nil {
		t.Fatalf("waiting for %s: still %s", want, m.Current())
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func hasContent(msgs []chat.Message, content string) bool {
	return slices.ContainsFunc(msgs, func(m chat.Message) bool { return m.Content == content })
}

func TestSessionSendIsAcknowledged(t *testing.T) {
	s := newSession(t)
	conv := s.srv.AddConversation(doctorID, patientID)
	s.connect(t)

	eventually(t, "conversation list", func() bool {
		_, ok := s.store.Conversation(conv.ID)
		return ok
	})
	ctx := context.Background()
	if err := s.disp.Open(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}

	local, err := s.disp.SendMessage(ctx, conv.ID, "Buenos días", chat.TypeText, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !local.Optimistic() {
		t.Fatalf("local id = %d, want negative", local.ID)
	}

	eventually(t, "ack", func() bool {
		m, ok := s.store.ByClientID(local.ClientMsgID)
		return ok && !m.Optimistic() && m.Status == chat.StatusSent
	})
	if got := s.srv.Messages(conv.ID); len(got) != 1 || got[0].Content != "Buenos días" {
		t.Errorf("server history = %+v", got)
	}
	if n := len(s.store.MessagesFor(conv.ID)); n != 1 {
		t.Errorf("client has %d messages, want 1", n)
	}
}

func TestSessionResyncsAfterDrop(t *testing.T) {
	s := newSession(t)
	conv := s.srv.AddConversation(doctorID, patientID)
	s.connect(t)
	eventually(t, "conversation list", func() bool {
		_, ok := s.store.Conversation(conv.ID)
		return ok
	})
	if err := s.disp.Open(context.Background(), conv.ID); err != nil {
		t.Fatal(err)
	}

	resynced, unsub := s.bus.Subscribe(8, bus.ConnResynced)
	defer unsub()

	s.srv.DropConnections()
	s.srv.InjectMessage(conv.ID, patientID, "¿Sigue en pie la cita?")

	select {
	case <-resynced:
	case <-time.After(3 * time.Second):
		t.Fatalf("no resync after drop; state %s", s.machine.Current())
	}
	eventually(t, "missed message", func() bool {
		return hasContent(s.store.MessagesFor(conv.ID), "¿Sigue en pie la cita?")
	})
	if s.srv.Connections(doctorID) != 1 {
		t.Errorf("connections = %d, want 1", s.srv.Connections(doctorID))
	}
}

func TestSessionLiveMessageFromPeer(t *testing.T) {
	s := newSession(t)
	conv := s.srv.AddConversation(doctorID, patientID)
	s.connect(t)
	eventually(t, "conversation list", func() bool {
		_, ok := s.store.Conversation(conv.ID)
		return ok
	})

	m := s.srv.InjectMessage(conv.ID, patientID, "Hola doctora")
	eventually(t, "live message", func() bool {
		_, ok := s.store.Message(m.ID)
		return ok
	})
	c, _ := s.store.Conversation(conv.ID)
	if c.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 for an inactive conversation", c.UnreadCount)
	}
}

func TestSessionRejectedCredential(t *testing.T) {
	s := newSession(t)
	s.srv.RejectAuth(true)

	if err := s.mgr.Connect(conn.Credentials{UserID: doctorID, Token: "doc-token"}); err != nil {
		t.Fatal(err)
	}
	waitState(t, s.machine, status.AuthFailed)

	time.Sleep(100 * time.Millisecond)
	if st := s.machine.Current(); st != status.AuthFailed {
		t.Errorf("state after auth failure = %s, want no reconnect", st)
	}
}

func TestSessionCreateConversation(t *testing.T) {
	s := newSession(t)
	s.connect(t)
	ctx := context.Background()

	c, err := s.disp.CreateConversation(ctx, patientID, chat.RolePatient)
	if err != nil {
		t.Fatal(err)
	}
	if p, ok := c.Pair(); !ok || p.DoctorID != doctorID || p.PatientID != patientID {
		t.Errorf("pair = %+v", p)
	}
	again, err := s.disp.CreateConversation(ctx, patientID, chat.RolePatient)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != c.ID {
		t.Errorf("second create id = %d, want %d", again.ID, c.ID)
	}

	s.srv.SetEligibility(33, restapi.Eligibility{CanChat: false, Reason: "Sin cita previa"})
	if _, err := s.disp.CreateConversation(ctx, 33, chat.RolePatient); err == nil {
		t.Error("ineligible target accepted")
	}
}
