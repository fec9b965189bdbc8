package chat

import (
	"testing"
	"time"
)

func TestTypeForMIME(t *testing.T) {
	tests := []struct {
		mime string
		want MessageType
	}{
		{"image/png", TypeImage},
		{"IMAGE/JPEG", TypeImage},
		{"application/pdf", TypeFile},
		{"", TypeFile},
		{"text/plain", TypeFile},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			if got := TypeForMIME(tt.mime); got != tt.want {
				t.Errorf("TypeForMIME(%q) = %q, want %q", tt.mime, got, tt.want)
			}
		})
	}
}

func TestFilePlaceholder(t *testing.T) {
	if got := FilePlaceholder("x.pdf"); got != "[Archivo: x.pdf]" {
		t.Errorf("FilePlaceholder = %q", got)
	}
}

func TestMessageBefore(t *testing.T) {
	t0 := time.UnixMilli(1000)
	a := &Message{ID: 1, CreatedAt: t0}
	b := &Message{ID: 2, CreatedAt: t0}
	c := &Message{ID: 0, CreatedAt: t0.Add(time.Millisecond)}

	if !a.Before(b) {
		t.Error("same createdAt should order by id")
	}
	if b.Before(a) {
		t.Error("b should not be before a")
	}
	if !b.Before(c) {
		t.Error("earlier createdAt should win over id")
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"text ok", Message{Type: TypeText, Content: "Hola"}, false},
		{"text empty", Message{Type: TypeText, Content: "  "}, true},
		{"text with file", Message{Type: TypeText, Content: "x", FileURL: "u"}, true},
		{"file ok", Message{Type: TypeFile, FileURL: "u", FileName: "a.pdf"}, false},
		{"image missing url", Message{Type: TypeImage, FileName: "a.png"}, true},
		{"unknown", Message{Type: "video", Content: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStatusAdvance(t *testing.T) {
	tests := []struct {
		from, next, want Status
	}{
		{StatusPending, StatusSent, StatusSent},
		{StatusSent, StatusPending, StatusSent},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusDelivered, StatusRead, StatusRead},
		{StatusPending, StatusFailed, StatusFailed},
		{StatusSent, StatusFailed, StatusSent},
		{StatusFailed, StatusPending, StatusFailed},
		{StatusFailed, StatusSent, StatusSent},
		{"", StatusSent, StatusSent},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"+"+string(tt.next), func(t *testing.T) {
			if got := tt.from.Advance(tt.next); got != tt.want {
				t.Errorf("%q.Advance(%q) = %q, want %q", tt.from, tt.next, got, tt.want)
			}
		})
	}
}

func TestConversationPair(t *testing.T) {
	c := Conversation{
		ID: 5,
		Participants: []Participant{
			{ID: 10, Role: RolePatient},
			{ID: 20, Role: RoleDoctor},
		},
	}
	p, ok := c.Pair()
	if !ok || p.DoctorID != 20 || p.PatientID != 10 {
		t.Errorf("Pair() = %+v, %v", p, ok)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	peer, _ := c.Peer(20)
	if peer.ID != 10 {
		t.Errorf("Peer(20) = %d, want 10", peer.ID)
	}

	bad := Conversation{ID: 6, Participants: []Participant{{ID: 1, Role: RoleDoctor}, {ID: 2, Role: RoleDoctor}}}
	if err := bad.Validate(); err == nil {
		t.Error("two doctors should not validate")
	}
}
