package mail

// Inbound is the normalized shape of a webhook delivery. The gateway adapter
// collapses the provider's many field-name variants into this struct; nothing
// downstream ever sees the raw payload.
type Inbound struct {
	MessageID   string              `json:"message_id"` // normalized (lower-case, no brackets)
	From        string              `json:"from"`       // raw From header (may include display name)
	To          string              `json:"to"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	HTML        string              `json:"html,omitempty"`
	InReplyTo   []string            `json:"in_reply_to,omitempty"`
	References  []string            `json:"references,omitempty"`
	Attachments []InboundAttachment `json:"attachments,omitempty"`
	Token       string              `json:"-"` // shared-secret token, when the payload carries one
}

// InboundAttachment is a decoded attachment from the webhook payload.
type InboundAttachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// ReferenceSet returns the union of InReplyTo and References, normalized.
// This is the set the router intersects against a waiting flow's thread ids.
func (in *Inbound) ReferenceSet() []string {
	return MergeReferences(in.InReplyTo, in.References)
}
