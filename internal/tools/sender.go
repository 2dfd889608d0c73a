package tools

import (
	"context"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// OutboundMail is one message a tool asks the router to deliver on the
// acting agent's behalf. Threading headers come pre-resolved; the
// router still runs the outbound policy gate before anything leaves.
type OutboundMail struct {
	To          string
	Subject     string
	Body        string
	InReplyTo   string
	References  []string
	Attachments []store.MailAttachment
}

// MailSender delivers agent mail. The router implements it; tools hold
// only this interface so the tool package never imports the router.
type MailSender interface {
	SendFromAgent(ctx context.Context, agentID uuid.UUID, mail OutboundMail) (messageID string, err error)
}
