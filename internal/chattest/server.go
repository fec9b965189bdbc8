// Package chattest runs an in-process chat server for tests: the websocket
// endpoint speaks the wire protocol and the REST endpoints mirror the ones
// restapi.Client calls.
package chattest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/wire"
)

// CloseUnauthenticated is the close code sent when the auth frame is rejected.
const CloseUnauthenticated websocket.StatusCode = 4001

// Received is a frame the server read from a client.
type Received struct {
	UserID int64
	Frame  wire.Payload
}

// Server is a fake chat backend. The zero value is not usable; call New.
type Server struct {
	http *httptest.Server

	mu          sync.Mutex
	users       map[int64]restapi.User
	tokens      map[string]int64
	convs       map[int64]*chat.Conversation
	msgs        map[int64][]chat.Message
	byClientID  map[string]chat.Message
	eligibility map[int64]restapi.Eligibility
	conns       map[*peer]struct{}
	received    []Received
	uploads     map[string][]byte
	nextConv    int64
	nextMsg     int64
	rejectAuth  bool
	dropAcks    bool
	now         func() time.Time
}

type peer struct {
	userID int64
	ws     *websocket.Conn
}

// New starts a server. Close it with Close.
func New() *Server {
	s := &Server{
		users:       make(map[int64]restapi.User),
		tokens:      make(map[string]int64),
		convs:       make(map[int64]*chat.Conversation),
		msgs:        make(map[int64][]chat.Message),
		byClientID:  make(map[string]chat.Message),
		eligibility: make(map[int64]restapi.Eligibility),
		conns:       make(map[*peer]struct{}),
		uploads:     make(map[string][]byte),
		nextConv:    100,
		nextMsg:     1000,
		now:         func() time.Time { return time.Now().UTC() },
	}

	r := chi.NewRouter()
	r.Get("/ws", s.handleSocket)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.bearer)
		r.Get("/conversations", s.listConversations)
		r.Get("/conversations/{id}/messages", s.listMessages)
		r.Get("/users/search", s.searchUsers)
		r.Get("/chat/can-chat/{userId}", s.canChat)
		r.Post("/chat/{id}/upload", s.upload)
	})
	s.http = httptest.NewServer(r)
	return s
}

// SocketURL is the websocket endpoint.
func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// APIURL is the REST base URL.
func (s *Server) APIURL() string {
	return s.http.URL + "/api"
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.http.Close()
}

// AddUser registers a user and the token that authenticates them.
func (s *Server) AddUser(u restapi.User, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.tokens[token] = u.ID
}

// AddConversation creates a conversation between a doctor and a patient and
// returns it.
func (s *Server) AddConversation(doctorID, patientID int64) chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.conversationFor(doctorID, patientID)
}

// InjectMessage stores a message as if another client had sent it, and
// pushes it to the conversation's connected participants.
func (s *Server) InjectMessage(conversationID, senderID int64, content string) chat.Message {
	s.mu.Lock()
	m := s.appendLocked(chat.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           chat.TypeText,
	})
	targets := s.participantsLocked(conversationID, 0)
	s.mu.Unlock()

	s.push(context.Background(), targets, wire.NewMessage{Message: m})
	return m
}

// Messages returns the stored history of a conversation.
func (s *Server) Messages(conversationID int64) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs[conversationID])
}

// Frames returns every frame read from clients, in arrival order.
func (s *Server) Frames() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.received)
}

// Connections reports how many authenticated sockets are open for userID.
func (s *Server) Connections(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p := range s.conns {
		if p.userID == userID {
			n++
		}
	}
	return n
}

// DropConnections closes every socket abruptly, as a network failure would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		conns = append(conns, p)
	}
	clear(s.conns)
	s.mu.Unlock()

	for _, p := range conns {
		_ = p.ws.CloseNow()
	}
}

// RejectAuth makes every subsequent handshake fail with close code 4001.
func (s *Server) RejectAuth(reject bool) {
	s.mu.Lock()
	s.rejectAuth = reject
	s.mu.Unlock()
}

// DropAcks stores sends without acknowledging them.
func (s *Server) DropAcks(drop bool) {
	s.mu.Lock()
	s.dropAcks = drop
	s.mu.Unlock()
}

// SetEligibility fixes the can-chat answer for a target user. Users without
// an entry are eligible.
func (s *Server) SetEligibility(targetUserID int64, e restapi.Eligibility) {
	s.mu.Lock()
	s.eligibility[targetUserID] = e
	s.mu.Unlock()
}

// Upload returns the bytes received for a stored file URL.
func (s *Server) Upload(url string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.uploads[url]
	return b, ok
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()

	first, err := readFrame(ctx, ws)
	if err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "bad frame")
		return
	}
	auth, ok := first.(wire.Auth)
	if !ok {
		_ = ws.Close(websocket.StatusPolicyViolation, "auth required")
		return
	}

	s.mu.Lock()
	uid, known := s.tokens[auth.Token]
	reject := s.rejectAuth || !known || uid != auth.UserID
	s.mu.Unlock()
	if reject {
		_ = ws.Close(CloseUnauthenticated, "unauthenticated")
		return
	}

	p := &peer{userID: uid, ws: ws}
	if err := write(ctx, ws, wire.AuthOK{UserID: uid}); err != nil {
		return
	}
	s.mu.Lock()
	s.conns[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, p)
		s.mu.Unlock()
	}()

	for {
		f, err := readFrame(ctx, ws)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, Received{UserID: uid, Frame: f})
		s.mu.Unlock()
		s.handleFrame(ctx, p, f)
	}
}

func (s *Server) handleFrame(ctx context.Context, from *peer, f wire.Payload) {
	switch f := f.(type) {
	case wire.SendMessage:
		s.onSend(ctx, from, f)
	case wire.ReadReceipt:
		s.onRead(ctx, from, f)
	case wire.CreateConversation:
		s.onCreate(ctx, from, f)
	case wire.Typing:
		s.mu.Lock()
		targets := s.participantsLocked(f.ConversationID, from.userID)
		s.mu.Unlock()
		f.UserID = from.userID
		s.push(ctx, targets, f)
	default:
		_ = write(ctx, from.ws, wire.Error{Code: wire.CodeInvalid, Message: "unexpected " + string(wire.TypeOf(f))})
	}
}

func (s *Server) onSend(ctx context.Context, from *peer, f wire.SendMessage) {
	s.mu.Lock()
	c, ok := s.convs[f.ConversationID]
	if !ok || !c.HasParticipant(from.userID) {
		s.mu.Unlock()
		_ = write(ctx, from.ws, wire.Error{Code: wire.CodeForbidden, Message: "not a participant", ClientMsgID: f.ClientMsgID})
		return
	}

	// A retransmitted clientMsgId gets the original message back.
	m, dup := s.byClientID[f.ClientMsgID]
	if !dup {
		m = chat.Message{
			ClientMsgID:    f.ClientMsgID,
			ConversationID: f.ConversationID,
			SenderID:       from.userID,
			Content:        f.Content,
			Type:           f.MessageType,
		}
		if fi := f.FileInfo; fi != nil {
			m.FileURL, m.FileName, m.FileSize = fi.URL, fi.Name, fi.Size
		}
		m = s.appendLocked(m)
		if f.ClientMsgID != "" {
			s.byClientID[f.ClientMsgID] = m
		}
	}
	dropAck := s.dropAcks
	targets := s.participantsLocked(f.ConversationID, from.userID)
	s.mu.Unlock()

	if !dropAck {
		_ = write(ctx, from.ws, wire.Ack{ClientMsgID: f.ClientMsgID, Message: m})
	}
	if dup || len(targets) == 0 {
		return
	}
	s.push(ctx, targets, wire.NewMessage{Message: m})

	s.mu.Lock()
	s.updateLocked(m.ConversationID, m.ID, func(m *chat.Message) { m.IsDelivered = true })
	s.mu.Unlock()
	_ = write(ctx, from.ws, wire.Delivered{MessageID: m.ID})
}

func (s *Server) onRead(ctx context.Context, from *peer, f wire.ReadReceipt) {
	s.mu.Lock()
	var sender int64
	convID := f.ConversationID
	for id, msgs := range s.msgs {
		if i := slices.IndexFunc(msgs, func(m chat.Message) bool { return m.ID == f.MessageID }); i >= 0 {
			msgs[i].IsRead = true
			msgs[i].IsDelivered = true
			sender, convID = msgs[i].SenderID, id
			break
		}
	}
	var targets []*peer
	if sender != 0 && sender != from.userID {
		for p := range s.conns {
			if p.userID == sender {
				targets = append(targets, p)
			}
		}
	}
	s.mu.Unlock()

	s.push(ctx, targets, wire.ReadReceipt{MessageID: f.MessageID, ConversationID: convID})
}

func (s *Server) onCreate(ctx context.Context, from *peer, f wire.CreateConversation) {
	s.mu.Lock()
	self, ok := s.users[from.userID]
	if !ok || !f.TargetUserType.Valid() || f.TargetUserType == self.Role {
		s.mu.Unlock()
		_ = write(ctx, from.ws, wire.Error{Code: wire.CodeInvalid, Message: "invalid target", RequestID: f.RequestID})
		return
	}
	if e, ok := s.eligibility[f.TargetUserID]; ok && !e.CanChat {
		s.mu.Unlock()
		_ = write(ctx, from.ws, wire.Error{Code: wire.CodeForbidden, Message: e.Reason, RequestID: f.RequestID})
		return
	}
	doctor, patient := from.userID, f.TargetUserID
	if self.Role == chat.RolePatient {
		doctor, patient = patient, doctor
	}
	existing := s.findLocked(doctor, patient) != nil
	c := *s.conversationFor(doctor, patient)
	s.mu.Unlock()

	_ = write(ctx, from.ws, wire.ConversationCreated{RequestID: f.RequestID, Conversation: c, Existing: existing})
}

// conversationFor returns the pair's conversation, creating it if needed.
func (s *Server) conversationFor(doctorID, patientID int64) *chat.Conversation {
	if c := s.findLocked(doctorID, patientID); c != nil {
		return c
	}
	s.nextConv++
	now := s.now()
	c := &chat.Conversation{
		ID: s.nextConv,
		Participants: []chat.Participant{
			s.participantLocked(doctorID, chat.RoleDoctor),
			s.participantLocked(patientID, chat.RolePatient),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[c.ID] = c
	return c
}

func (s *Server) findLocked(doctorID, patientID int64) *chat.Conversation {
	for _, c := range s.convs {
		if p, ok := c.Pair(); ok && p.DoctorID == doctorID && p.PatientID == patientID {
			return c
		}
	}
	return nil
}

func (s *Server) participantLocked(id int64, role chat.Role) chat.Participant {
	u := s.users[id]
	return chat.Participant{ID: id, DisplayName: u.Name, Role: role, AvatarURL: u.AvatarURL}
}

func (s *Server) appendLocked(m chat.Message) chat.Message {
	s.nextMsg++
	m.ID = s.nextMsg
	m.CreatedAt = s.now()
	m.Status = ""
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], m)
	if c, ok := s.convs[m.ConversationID]; ok {
		c.LastMessageAt = m.CreatedAt
		c.UpdatedAt = m.CreatedAt
		c.LastMessagePreview = m.Content
	}
	return m
}

func (s *Server) updateLocked(conversationID, messageID int64, fn func(*chat.Message)) {
	msgs := s.msgs[conversationID]
	if i := slices.IndexFunc(msgs, func(m chat.Message) bool { return m.ID == messageID }); i >= 0 {
		fn(&msgs[i])
	}
}

// participantsLocked returns the open sockets of the conversation's
// participants other than except.
func (s *Server) participantsLocked(conversationID, except int64) []*peer {
	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	var out []*peer
	for p := range s.conns {
		if p.userID != except && c.HasParticipant(p.userID) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) push(ctx context.Context, targets []*peer, f wire.Payload) {
	for _, p := range targets {
		_ = write(ctx, p.ws, f)
	}
}

func readFrame(ctx context.Context, ws *websocket.Conn) (wire.Payload, error) {
	var raw json.RawMessage
	if err := wsjson.Read(ctx, ws, &raw); err != nil {
		return nil, err
	}
	return wire.Decode(raw)
}

func write(ctx context.Context, ws *websocket.Conn, f wire.Payload) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, ws, json.RawMessage(data))
}

type userKey struct{}

func (s *Server) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		uid, ok := s.tokens[token]
		reject := s.rejectAuth
		s.mu.Unlock()
		if !ok || reject {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, uid)))
	})
}

func caller(r *http.Request) int64 {
	uid, _ := r.Context().Value(userKey{}).(int64)
	return uid
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	uid := caller(r)
	s.mu.Lock()
	out := []chat.Conversation{}
	for _, c := range s.convs {
		if !c.HasParticipant(uid) {
			continue
		}
		cc := *c
		cc.UnreadCount = 0
		for _, m := range s.msgs[c.ID] {
			if m.SenderID != uid && !m.IsRead {
				cc.UnreadCount++
			}
		}
		out = append(out, cc)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b chat.Conversation) int { return b.LastMessageAt.Compare(a.LastMessageAt) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s.mu.Lock()
	c, found := s.convs[id]
	if !found || !c.HasParticipant(caller(r)) {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "conversation not found"})
		return
	}
	out := slices.Clone(s.msgs[id])
	s.mu.Unlock()
	if out == nil {
		out = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("query"))
	role := chat.Role(r.URL.Query().Get("userType"))
	s.mu.Lock()
	out := []restapi.User{}
	for _, u := range s.users {
		if role != "" && u.Role != role {
			continue
		}
		if strings.Contains(strings.ToLower(u.Name), q) {
			out = append(out, u)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b restapi.User) int { return int(a.ID - b.ID) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) canChat(w http.ResponseWriter, r *http.Request) {
	target, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	uid := caller(r)
	s.mu.Lock()
	e, set := s.eligibility[target]
	if !set {
		e = restapi.Eligibility{CanChat: true}
	}
	self := s.users[uid]
	doctor, patient := uid, target
	if self.Role == chat.RolePatient {
		doctor, patient = target, uid
	}
	if c := s.findLocked(doctor, patient); c != nil {
		e.HasExistingChat, e.ChatID = true, c.ID
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	defer file.Close()
	body, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	url := "/files/" + strconv.FormatInt(id, 10) + "/" + uuid.NewString() + "/" + hdr.Filename
	s.mu.Lock()
	s.uploads[url] = body
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, chat.FileInfo{
		URL:  url,
		Name: hdr.Filename,
		Size: int64(len(body)),
		Type: hdr.Header.Get("Content-Type"),
	})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad " + name})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
