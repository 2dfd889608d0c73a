package store

import (
	"time"

	"github.com/google/uuid"
)

// MailKind tags a mail entry's direction.
type MailKind string

const (
	MailInbound  MailKind = "inbound"
	MailOutbound MailKind = "outbound"
)

// MailAttachment describes an attachment on a stored mail entry. Blob bytes
// live in the datasafe; entries carry the descriptor. Data is a transient
// base64 payload present only while a message is in flight.
type MailAttachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size,omitempty"`
	DatasafePath string `json:"datasafe_path,omitempty"`
	Data         string `json:"data,omitempty"` // base64, not persisted by SQL stores
}

// MailEntry is one record in the append-only unified mail store.
type MailEntry struct {
	ID             uuid.UUID        `json:"id"`
	Timestamp      time.Time        `json:"timestamp"`
	Kind           MailKind         `json:"kind"`
	MessageID      string           `json:"message_id"` // normalized, unique
	From           string           `json:"from"`
	To             string           `json:"to"`
	Subject        string           `json:"subject"`
	Body           string           `json:"body"`
	HTML           string           `json:"html,omitempty"`
	AgentID        uuid.UUID        `json:"agent_id,omitempty"` // uuid.Nil for orphan entries
	ConversationID string           `json:"conversation_id"`
	InReplyTo      []string         `json:"in_reply_to,omitempty"`
	References     []string         `json:"references,omitempty"`
	Attachments    []MailAttachment `json:"attachments,omitempty"`

	// GatewayConfirmed is false on outbound entries written after the gateway
	// call failed; the entry is still recorded for the audit trail.
	GatewayConfirmed bool `json:"gateway_confirmed"`
}
