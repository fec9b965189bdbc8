package api_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/matheus3301/medchat/internal/api"
	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/client"
	"github.com/matheus3301/medchat/internal/config"
	"github.com/matheus3301/medchat/internal/presenter"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/status"
	"github.com/matheus3301/medchat/internal/store"
	"github.com/matheus3301/medchat/internal/upload"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stubDispatcher struct {
	st *store.Store
}

func (d *stubDispatcher) SendMessage(ctx context.Context, conversationID int64, content string, msgType chat.MessageType, file *chat.FileInfo) (chat.Message, error) {
	m := chat.Message{ID: d.st.NextLocalID(), ConversationID: conversationID, SenderID: d.st.Self(), Content: content, Type: msgType, CreatedAt: t0, Status: chat.StatusPending}
	d.st.AppendMessage(m)
	return m, nil
}

func (d *stubDispatcher) Retry(ctx context.Context, localID int64) (chat.Message, error) {
	return d.st.RetrySend(localID)
}

func (d *stubDispatcher) MarkRead(ctx context.Context, messageID int64) error { return nil }

func (d *stubDispatcher) MarkConversationRead(ctx context.Context, conversationID int64) (int, error) {
	return len(d.st.UnreadFromPeer(conversationID)), nil
}

func (d *stubDispatcher) CreateConversation(ctx context.Context, targetUserID int64, targetRole chat.Role) (chat.Conversation, error) {
	return chat.Conversation{}, &restapi.StatusError{Status: 403, Message: "forbidden"}
}

func (d *stubDispatcher) Open(ctx context.Context, conversationID int64) error {
	if _, ok := d.st.Conversation(conversationID); !ok {
		return store.ErrUnknownConversation
	}
	return nil
}

func (d *stubDispatcher) SetTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	return nil
}

func (d *stubDispatcher) Active() int64 { return 0 }

type stubSession struct {
	logins []config.Credentials
}

func (s *stubSession) Login(ctx context.Context, creds config.Credentials, save bool) error {
	s.logins = append(s.logins, creds)
	return nil
}

func (s *stubSession) Logout(ctx context.Context) error { return nil }

type stubDirectory struct{}

func (stubDirectory) SearchUsers(ctx context.Context, query string, role chat.Role) ([]restapi.User, error) {
	return []restapi.User{{ID: 10, Name: "Ana", Role: chat.RolePatient}}, nil
}

type fixture struct {
	client  *client.Client
	store   *store.Store
	bus     *bus.Bus
	session *stubSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	st := store.New(20, b)
	if err := st.UpsertConversation(chat.Conversation{
		ID: 5,
		Participants: []chat.Participant{
			{ID: 20, Role: chat.RoleDoctor},
			{ID: 10, Role: chat.RolePatient},
		},
	}, store.SourceLive); err != nil {
		t.Fatal(err)
	}
	p := presenter.New(presenter.Options{
		Machine:    status.NewMachine(b),
		Store:      st,
		Dispatcher: &stubDispatcher{st: st},
		Uploads:    upload.New(nil, nil, upload.Options{}),
		Directory:  stubDirectory{},
		Bus:        b,
	})
	sess := &stubSession{}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	api.Register(srv, api.NewChatService("test", p, sess, nil, b, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		t.Fatal(err)
	}
	c := client.NewFromConn(conn)
	t.Cleanup(func() { _ = c.Close() })
	return &fixture{client: c, store: st, bus: b, session: sess}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	resp, err := f.client.Status(ctx(t))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Session != "test" || resp.State != string(status.Disconnected) || resp.UserID != 20 || resp.Conversations != 1 {
		t.Errorf("status = %+v", resp)
	}
}

func TestConnectForwardsCredentials(t *testing.T) {
	f := newFixture(t)
	if _, err := f.client.Connect(ctx(t), &api.ConnectRequest{UserID: 20, Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	if len(f.session.logins) != 1 || f.session.logins[0].Token != "tok" {
		t.Errorf("logins = %+v", f.session.logins)
	}
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)

	m, err := f.client.Send(ctx(t), 5, "hola")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID >= 0 || m.Content != "hola" || m.Status != chat.StatusPending {
		t.Errorf("message = %+v", m)
	}

	_, err = f.client.Send(ctx(t), 404, "hola")
	if code := grpcstatus.Code(err); code != codes.NotFound {
		t.Errorf("unknown conversation code = %s (%v)", code, err)
	}
}

func TestListMessagesPages(t *testing.T) {
	f := newFixture(t)
	for i := range 5 {
		f.store.AppendMessage(chat.Message{ID: int64(i + 1), ConversationID: 5, SenderID: 10, Content: "m", Type: chat.TypeText, CreatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}

	resp, err := f.client.Messages(ctx(t), &api.ListMessagesRequest{ConversationID: 5, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.HasMore || len(resp.Messages) != 2 || resp.Messages[0].ID != 4 {
		t.Fatalf("latest page = %+v", resp)
	}
	resp, err = f.client.Messages(ctx(t), &api.ListMessagesRequest{ConversationID: 5, Before: resp.Messages[0].CreatedAt, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if resp.HasMore || len(resp.Messages) != 3 || resp.Messages[2].ID != 3 {
		t.Errorf("older page = %+v", resp)
	}

	if _, err := f.client.Messages(ctx(t), &api.ListMessagesRequest{ConversationID: 404}); grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("unknown conversation error = %v", err)
	}
}

func TestErrorsCarryCodes(t *testing.T) {
	f := newFixture(t)

	if _, err := f.client.CreateConversation(ctx(t), 33, chat.RolePatient); grpcstatus.Code(err) != codes.Unauthenticated {
		t.Errorf("create error = %v", err)
	}
	if _, err := f.client.MarkRead(ctx(t), &api.MarkReadRequest{}); grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("empty mark read = %v", err)
	}
	if err := f.client.CancelUpload(ctx(t), "nope"); grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("cancel unknown upload = %v", err)
	}
	if _, err := f.client.SearchMessages(ctx(t), &api.SearchMessagesRequest{Query: "x"}); grpcstatus.Code(err) != codes.FailedPrecondition {
		t.Errorf("search without cache = %v", err)
	}
}

func TestSearchUsers(t *testing.T) {
	f := newFixture(t)
	resp, err := f.client.SearchUsers(ctx(t), "an", chat.RolePatient)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Users) != 1 || resp.Users[0].Role != chat.RolePatient {
		t.Errorf("users = %+v", resp.Users)
	}
}

func TestWatchStreamsBusEvents(t *testing.T) {
	f := newFixture(t)
	c := ctx(t)

	events, _, err := f.client.Watch(c, "store.")
	if err != nil {
		t.Fatal(err)
	}
	// The subscription is registered asynchronously on the server.
	deadline := time.After(2 * time.Second)
	for {
		f.store.SetTyping(5, 10, true)
		select {
		case evt := <-events:
			if evt.Kind != bus.StoreTyping || evt.EventID == "" || evt.Session != "test" {
				t.Fatalf("event = %+v", evt)
			}
			var tc store.TypingChange
			if err := json.Unmarshal(evt.Payload, &tc); err != nil || tc.UserID != 10 {
				t.Errorf("payload = %s, %v", evt.Payload, err)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
