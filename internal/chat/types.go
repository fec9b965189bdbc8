package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is a participant's role in a conversation.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// MessageType discriminates message payloads.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
)

// TypeForMIME maps a MIME type to the message type used for an attachment.
func TypeForMIME(mime string) MessageType {
	if strings.HasPrefix(strings.ToLower(mime), "image/") {
		return TypeImage
	}
	return TypeFile
}

// FilePlaceholder is the content used for attachments sent without a caption.
func FilePlaceholder(name string) string {
	return fmt.Sprintf("[Archivo: %s]", name)
}

// Participant is one side of a conversation.
type Participant struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Pair identifies the doctor-patient pairing a conversation belongs to.
type Pair struct {
	DoctorID  int64
	PatientID int64
}

// Conversation is a doctor-patient messaging thread.
type Conversation struct {
	ID                 int64         `json:"id"`
	Participants       []Participant `json:"participants"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	LastMessageAt      time.Time     `json:"lastMessageAt"`
	LastMessagePreview string        `json:"lastMessagePreview,omitempty"`
	UnreadCount        int           `json:"unreadCount"`
}

// Pair returns the doctor-patient pair. ok is false when the participants
// are not exactly one doctor and one patient.
func (c *Conversation) Pair() (Pair, bool) {
	if len(c.Participants) != 2 {
		return Pair{}, false
	}
	var p Pair
	for _, part := range c.Participants {
		switch part.Role {
		case RoleDoctor:
			p.DoctorID = part.ID
		case RolePatient:
			p.PatientID = part.ID
		}
	}
	return p, p.DoctorID != 0 && p.PatientID != 0
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID int64) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Peer returns the participant that is not self.
func (c *Conversation) Peer(self int64) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID != self {
			return p, true
		}
	}
	return Participant{}, false
}

// Validate checks the participant invariants.
func (c *Conversation) Validate() error {
	if c.ID == 0 {
		return errors.New("conversation id is required")
	}
	if _, ok := c.Pair(); !ok {
		return fmt.Errorf("conversation %d: participants must be one doctor and one patient", c.ID)
	}
	return nil
}

// FileInfo describes an uploaded attachment.
type FileInfo struct {
	URL  string `json:"fileUrl"`
	Name string `json:"fileName"`
	Size int64  `json:"fileSize"`
	Type string `json:"fileType,omitempty"`
}

// Message is a single entry in a conversation's append-only log.
// Negative IDs are local placeholders for optimistic sends.
type Message struct {
	ID             int64       `json:"id"`
	ClientMsgID    string      `json:"clientMsgId,omitempty"`
	ConversationID int64       `json:"conversationId"`
	SenderID       int64       `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"messageType"`
	FileURL        string      `json:"fileUrl,omitempty"`
	FileName       string      `json:"fileName,omitempty"`
	FileSize       int64       `json:"fileSize,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	IsDelivered    bool        `json:"isDelivered"`
	IsRead         bool        `json:"isRead"`

	// Local-only fields.
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Optimistic reports whether m still carries a local placeholder id.
func (m *Message) Optimistic() bool {
	return m.ID < 0
}

// Before orders messages by (createdAt, id).
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// File returns the attachment info, or nil for text messages.
func (m *Message) File() *FileInfo {
	if m.Type == TypeText || m.Type == "" {
		return nil
	}
	return &FileInfo{URL: m.FileURL, Name: m.FileName, Size: m.FileSize}
}

// Validate checks the type/attachment invariant.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeText:
		if m.FileURL != "" || m.FileName != "" || m.FileSize != 0 {
			return errors.New("text message must not carry file fields")
		}
		if strings.TrimSpace(m.Content) == "" {
			return errors.New("text message content is empty")
		}
	case TypeImage, TypeFile:
		if m.FileURL == "" || m.FileName == "" {
			return fmt.Errorf("%s message requires fileUrl and fileName", m.Type)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Status is the local delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// Advance returns the state reached by applying next to s. Confirmed states
// only move forward, and failed is reachable only from pending.
func (s Status) Advance(next Status) Status {
	switch {
	case next == StatusFailed:
		if s == StatusPending || s == "" {
			return StatusFailed
		}
		return s
	case s == StatusFailed:
		// Leaving failed requires an explicit retry, or a server
		// confirmation that arrived after the timeout.
		if next.rank() >= StatusSent.rank() {
			return next
		}
		return s
	case next.rank() > s.rank():
		return next
	}
	return s
}

// StatusFromFlags derives the status of a server-confirmed message.
func StatusFromFlags(isDelivered, isRead bool) Status {
	switch {
	case isRead:
		return StatusRead
	case isDelivered:
		return StatusDelivered
	}
	return StatusSent
}
