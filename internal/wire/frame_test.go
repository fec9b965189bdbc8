package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/medchat/internal/chat"
)

func TestEncodeEnvelopeShape(t *testing.T) {
	data, err := Encode(ReadReceipt{MessageID: 42})
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["type"]) != `"message:read"` {
		t.Errorf("type = %s, want \"message:read\"", raw["type"])
	}
	if string(raw["payload"]) != `{"messageId":42}` {
		t.Errorf("payload = %s", raw["payload"])
	}
}

func TestDecodeMessageNewFlattensMessage(t *testing.T) {
	in := `{"type":"message:new","payload":{"id":9001,"clientMsgId":"c-1","conversationId":5,"senderId":7,"content":"Hola","messageType":"text","createdAt":"2026-01-02T03:04:05Z","isDelivered":false,"isRead":false}}`
	p, err := Decode([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	nm, ok := p.(NewMessage)
	if !ok {
		t.Fatalf("payload type = %T, want NewMessage", p)
	}
	if nm.ID != 9001 || nm.ClientMsgID != "c-1" || nm.ConversationID != 5 {
		t.Errorf("decoded = %+v", nm.Message)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !nm.CreatedAt.Equal(want) {
		t.Errorf("createdAt = %v, want %v", nm.CreatedAt, want)
	}
}

func TestConversationListIsArray(t *testing.T) {
	list := ConversationList{{ID: 1}, {ID: 2}}
	data, err := Encode(list)
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Payload []json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("payload is not an array: %v", err)
	}
	if len(env.Payload) != 2 {
		t.Errorf("payload len = %d, want 2", len(env.Payload))
	}

	p, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.(ConversationList); len(got) != 2 || got[1].ID != 2 {
		t.Errorf("decoded list = %+v", got)
	}
}

func TestRoundTripPreservesVariant(t *testing.T) {
	frames := []Payload{
		Auth{UserID: 7, Token: "tok"},
		SendMessage{ClientMsgID: "c", ConversationID: 5, Content: "[Archivo: a.pdf]", MessageType: chat.TypeFile,
			FileInfo: &chat.FileInfo{URL: "/f/a.pdf", Name: "a.pdf", Size: 10}},
		CreateConversation{RequestID: "r", TargetUserID: 3, TargetUserType: chat.RolePatient},
		Error{Code: CodeUnauthenticated, Message: "bad token"},
		Typing{ConversationID: 5, IsTyping: true},
	}
	for _, f := range frames {
		t.Run(string(TypeOf(f)), func(t *testing.T) {
			data, err := Encode(f)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatal(err)
			}
			if TypeOf(got) != TypeOf(f) {
				t.Errorf("type = %s, want %s", TypeOf(got), TypeOf(f))
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		unknown bool
	}{
		{"not json", `{`, false},
		{"unknown type", `{"type":"presence","payload":{}}`, true},
		{"bad payload", `{"type":"message:read","payload":{"messageId":"x"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrUnknownType) != tt.unknown {
				t.Errorf("errors.Is(ErrUnknownType) = %v, want %v (%v)", !tt.unknown, tt.unknown, err)
			}
		})
	}
}

func TestDecodeMissingPayload(t *testing.T) {
	p, err := Decode([]byte(`{"type":"auth:ok"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(AuthOK); !ok {
		t.Errorf("payload type = %T, want AuthOK", p)
	}
}
