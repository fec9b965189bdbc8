// Package wire defines the JSON frames exchanged over the chat socket.
//
// Every frame is an envelope {"type": ..., "payload": ...}. Payloads form a
// closed set: each variant implements Payload, and Decode returns exactly one
// of them so callers can switch exhaustively on the concrete type.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/medchat/internal/chat"
)

// Type is the frame discriminant.
type Type string

const (
	TypeAuth                Type = "auth"
	TypeAuthOK              Type = "auth:ok"
	TypeMessageSend         Type = "message:send"
	TypeMessageNew          Type = "message:new"
	TypeMessageAck          Type = "message:ack"
	TypeMessageRead         Type = "message:read"
	TypeMessageDelivered    Type = "message:delivered"
	TypeMessageHistory      Type = "message:history"
	TypeConversationCreate  Type = "conversation:create"
	TypeConversationCreated Type = "conversation:created"
	TypeConversationList    Type = "conversation:list"
	TypeTyping              Type = "typing"
	TypeError               Type = "error"
)

// Error codes carried by error frames.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInvalid         = "invalid"
	CodeInternal        = "internal"
)

// ErrUnknownType is returned by Decode for an unrecognized discriminant.
var ErrUnknownType = errors.New("unknown frame type")

// Payload is implemented by every frame variant.
type Payload interface {
	frameType() Type
}

// TypeOf returns the discriminant of p.
func TypeOf(p Payload) Type {
	return p.frameType()
}

// Auth is the first frame a client sends on a new connection.
type Auth struct {
	UserID int64  `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// AuthOK confirms the handshake.
type AuthOK struct {
	UserID int64 `json:"userId"`
}

// SendMessage asks the server to append a message to a conversation.
type SendMessage struct {
	ClientMsgID    string           `json:"clientMsgId"`
	ConversationID int64            `json:"conversationId"`
	Content        string           `json:"content"`
	MessageType    chat.MessageType `json:"messageType"`
	FileInfo       *chat.FileInfo   `json:"fileInfo,omitempty"`
}

// NewMessage carries a full message. The sender's own echo also carries
// the clientMsgId of the originating send.
type NewMessage struct {
	chat.Message
}

// Ack confirms a send and carries the server-assigned message.
type Ack struct {
	ClientMsgID string       `json:"clientMsgId"`
	Message     chat.Message `json:"message"`
}

// ReadReceipt marks a message read. Used in both directions.
type ReadReceipt struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId,omitempty"`
}

// Delivered marks a message delivered to the recipient.
type Delivered struct {
	MessageID int64 `json:"messageId"`
}

// History is a conversation's message backlog.
type History struct {
	ConversationID int64          `json:"conversationId"`
	Messages       []chat.Message `json:"messages"`
}

// CreateConversation requests a conversation with a target user.
type CreateConversation struct {
	RequestID      string    `json:"requestId"`
	TargetUserID   int64     `json:"targetUserId"`
	TargetUserType chat.Role `json:"targetUserType"`
}

// ConversationCreated answers CreateConversation. Existing is set when the
// pair already had a conversation.
type ConversationCreated struct {
	RequestID    string            `json:"requestId"`
	Conversation chat.Conversation `json:"conversation"`
	Existing     bool              `json:"existing"`
}

// ConversationList is the full conversation list; its payload is a JSON array.
type ConversationList []chat.Conversation

// Typing signals composing activity. UserID is set by the server.
type Typing struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId,omitempty"`
	IsTyping       bool  `json:"isTyping"`
}

// Error reports a failed request. ClientMsgID or RequestID correlate it with
// the frame that caused it.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (Auth) frameType() Type                { return TypeAuth }
func (AuthOK) frameType() Type              { return TypeAuthOK }
func (SendMessage) frameType() Type         { return TypeMessageSend }
func (NewMessage) frameType() Type          { return TypeMessageNew }
func (Ack) frameType() Type                 { return TypeMessageAck }
func (ReadReceipt) frameType() Type         { return TypeMessageRead }
func (Delivered) frameType() Type           { return TypeMessageDelivered }
func (History) frameType() Type             { return TypeMessageHistory }
func (CreateConversation) frameType() Type  { return TypeConversationCreate }
func (ConversationCreated) frameType() Type { return TypeConversationCreated }
func (ConversationList) frameType() Type    { return TypeConversationList }
func (Typing) frameType() Type              { return TypeTyping }
func (Error) frameType() Type               { return TypeError }

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps p in an envelope.
func Encode(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.frameType(), err)
	}
	return json.Marshal(envelope{Type: p.frameType(), Payload: raw})
}

// Decode parses an envelope and its payload.
func Decode(data []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case TypeAuth:
		return decodeAs[Auth](env)
	case TypeAuthOK:
		return decodeAs[AuthOK](env)
	case TypeMessageSend:
		return decodeAs[SendMessage](env)
	case TypeMessageNew:
		return decodeAs[NewMessage](env)
	case TypeMessageAck:
		return decodeAs[Ack](env)
	case TypeMessageRead:
		return decodeAs[ReadReceipt](env)
	case TypeMessageDelivered:
		return decodeAs[Delivered](env)
	case TypeMessageHistory:
		return decodeAs[History](env)
	case TypeConversationCreate:
		return decodeAs[CreateConversation](env)
	case TypeConversationCreated:
		return decodeAs[ConversationCreated](env)
	case TypeConversationList:
		return decodeAs[ConversationList](env)
	case TypeTyping:
		return decodeAs[Typing](env)
	case TypeError:
		return decodeAs[Error](env)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
}

func decodeAs[T Payload](env envelope) (Payload, error) {
	var p T
	if len(env.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return p, nil
}
