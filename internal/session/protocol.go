package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
	"github.com/go-playground/validator/v10"
)

// MessageType names a protocol message.
type MessageType string

const (
	TypeConnect        MessageType = "CONNECT"
	TypeDisconnect     MessageType = "DISCONNECT"
	TypePing           MessageType = "PING"
	TypePong           MessageType = "PONG"
	TypeError          MessageType = "ERROR"
	TypeJoinProject    MessageType = "JOIN_PROJECT"
	TypeLeaveProject   MessageType = "LEAVE_PROJECT"
	TypeUserJoined     MessageType = "USER_JOINED"
	TypeUserLeft       MessageType = "USER_LEFT"
	TypeActiveUsers    MessageType = "ACTIVE_USERS"
	TypeCursorMove     MessageType = "CURSOR_MOVE"
	TypeCursorUpdate   MessageType = "CURSOR_UPDATE"
	TypeOperation      MessageType = "OPERATION"
	TypeOperationAck   MessageType = "OPERATION_ACK"
	TypeSyncRequest    MessageType = "SYNC_REQUEST"
	TypeSyncResponse   MessageType = "SYNC_RESPONSE"
	TypeQueueOperation MessageType = "QUEUE_OPERATION"
	TypeFlushQueue     MessageType = "FLUSH_QUEUE"
)

// Error codes carried by ERROR messages.
const (
	CodeInvalidMessage       = "INVALID_MESSAGE"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeUnknownType          = "UNKNOWN_TYPE"
	CodeNotJoined            = "NOT_JOINED"
	CodeProjectMismatch      = "PROJECT_MISMATCH"
	CodeUserMismatch         = "USER_MISMATCH"
	CodeAccessDenied         = "ACCESS_DENIED"
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeOperationFailed      = "OPERATION_FAILED"
	CodeDocumentUnavailable  = "DOCUMENT_UNAVAILABLE"
	CodeInternal             = "INTERNAL_ERROR"
)

var (
	// ErrInvalidMessage indicates an envelope that could not be decoded.
	ErrInvalidMessage = errors.New("session: invalid message")
	// ErrInvalidPayload indicates a payload that failed validation.
	ErrInvalidPayload = errors.New("session: invalid payload")

	payloadValidator = validator.New(validator.WithRequiredStructEnabled())
)

// Envelope is the frame every message travels in. Timestamp is in
// milliseconds since the epoch.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
}

// NewEnvelope encodes payload into an envelope; a nil payload is omitted.
func NewEnvelope(messageType MessageType, payload any, timestampMillis int64) (Envelope, error) {
	envelope := Envelope{Type: messageType, Timestamp: timestampMillis}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", messageType, err)
		}
		envelope.Payload = encoded
	}
	return envelope, nil
}

// DecodeEnvelope parses one frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return envelope, nil
}

// DecodePayload unmarshals the payload into target and validates it.
func (e Envelope) DecodePayload(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrInvalidPayload, e.Type)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payloadValidator.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ConnectPayload greets an authenticated connection.
type ConnectPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Email        string `json:"email,omitempty"`
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName,omitempty"`
}

// JoinProjectPayload asks to join a document room. KnownVersion is the
// version the client already holds, if any.
type JoinProjectPayload struct {
	DocumentID   string `json:"documentId" validate:"required,max=190"`
	KnownVersion *int64 `json:"knownVersion,omitempty" validate:"omitempty,gte=0"`
}

// LeaveProjectPayload leaves a document room.
type LeaveProjectPayload struct {
	DocumentID string `json:"documentId" validate:"required,max=190"`
}

// Selection is a highlighted range.
type Selection struct {
	Start int `json:"start" validate:"gte=0"`
	End   int `json:"end" validate:"gtefield=Start"`
}

// ActiveUserPayload describes one participant of a room.
type ActiveUserPayload struct {
	UserID       string     `json:"userId"`
	Email        string     `json:"email,omitempty"`
	FirstName    string     `json:"firstName,omitempty"`
	LastName     string     `json:"lastName,omitempty"`
	Color        string     `json:"color"`
	Cursor       *int       `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	LastActivity int64      `json:"lastActivity"`
}

// UserJoinedPayload announces a new participant.
type UserJoinedPayload struct {
	DocumentID string            `json:"documentId"`
	User       ActiveUserPayload `json:"user"`
}

// UserLeftPayload announces a departed participant.
type UserLeftPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

// ActiveUsersPayload lists every participant of a room.
type ActiveUsersPayload struct {
	DocumentID string              `json:"documentId"`
	Version    int64               `json:"version"`
	Users      []ActiveUserPayload `json:"users"`
}

// CursorMovePayload reports the sender's cursor.
type CursorMovePayload struct {
	DocumentID string     `json:"documentId" validate:"required,max=190"`
	Position   int        `json:"position" validate:"gte=0"`
	Selection  *Selection `json:"selection,omitempty" validate:"omitempty"`
}

// CursorUpdatePayload relays a participant's cursor to the rest of the room.
type CursorUpdatePayload struct {
	DocumentID string     `json:"documentId"`
	UserID     string     `json:"userId"`
	Color      string     `json:"color"`
	Position   int        `json:"position"`
	Selection  *Selection `json:"selection,omitempty"`
}

// OperationAckPayload confirms an operation under its final version.
type OperationAckPayload struct {
	OperationID string `json:"operationId"`
	DocumentID  string `json:"documentId"`
	Version     int64  `json:"version"`
}

// SyncRequestPayload asks for everything after Version.
type SyncRequestPayload struct {
	DocumentID string `json:"documentId" validate:"required,max=190"`
	Version    int64  `json:"version" validate:"gte=0"`
}

// SyncResponsePayload carries the authoritative state. Complete is false
// when the operations after the requested version are no longer retained;
// the client must then adopt Content.
type SyncResponsePayload struct {
	DocumentID string                 `json:"documentId"`
	Content    string                 `json:"content"`
	Version    int64                  `json:"version"`
	Operations []ot.DocumentOperation `json:"operations"`
	Complete   bool                   `json:"complete"`
}

// FlushQueuePayload replays buffered offline operations in order. BaseVersion
// is the server version the first operation was made against; when absent it
// is derived from the first operation's version.
type FlushQueuePayload struct {
	DocumentID  string                 `json:"documentId" validate:"required,max=190"`
	BaseVersion *int64                 `json:"baseVersion,omitempty" validate:"omitempty,gte=0"`
	Operations  []ot.DocumentOperation `json:"operations" validate:"required,min=1,dive"`
}

// ErrorPayload reports a rejected request.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	OperationID string `json:"operationId,omitempty"`
}
