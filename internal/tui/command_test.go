package tui

import (
	"testing"

	"github.com/matheus3301/medchat/internal/chat"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"quit", Command{Name: "quit"}},
		{"  Search  dolor de cabeza ", Command{Name: "search", Args: "dolor de cabeza"}},
		{"new 11 patient", Command{Name: "new", Args: "11 patient"}},
		{"", Command{}},
	}
	for _, tt := range tests {
		if got := ParseCommand(tt.in); got != tt.want {
			t.Errorf("ParseCommand(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestNewConversationArgs(t *testing.T) {
	tests := []struct {
		args    string
		id      int64
		role    chat.Role
		wantErr bool
	}{
		{"11 patient", 11, chat.RolePatient, false},
		{"20 Doctor", 20, chat.RoleDoctor, false},
		{"11", 0, "", true},
		{"x patient", 0, "", true},
		{"-4 patient", 0, "", true},
		{"11 nurse", 0, "", true},
	}
	for _, tt := range tests {
		id, role, err := NewConversationArgs(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewConversationArgs(%q) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			continue
		}
		if id != tt.id || role != tt.role {
			t.Errorf("NewConversationArgs(%q) = %d, %q", tt.args, id, role)
		}
	}
}

func TestAttachArgs(t *testing.T) {
	tests := []struct {
		args, path, caption string
		wantErr             bool
	}{
		{"/tmp/lab.pdf", "/tmp/lab.pdf", "", false},
		{"/tmp/lab.pdf resultados de abril", "/tmp/lab.pdf", "resultados de abril", false},
		{`"/tmp/my scans/x.png" rodilla`, "/tmp/my scans/x.png", "rodilla", false},
		{`'/tmp/a b.pdf'`, "/tmp/a b.pdf", "", false},
		{`"/tmp/open`, "", "", true},
		{"  ", "", "", true},
	}
	for _, tt := range tests {
		path, caption, err := AttachArgs(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("AttachArgs(%q) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			continue
		}
		if path != tt.path || caption != tt.caption {
			t.Errorf("AttachArgs(%q) = %q, %q", tt.args, path, caption)
		}
	}
}
