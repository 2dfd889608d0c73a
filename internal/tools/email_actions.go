package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// ============================================================
// email_reply
// ============================================================

type EmailReplyTool struct {
	mail   store.MailStore
	sender MailSender
}

func NewEmailReplyTool(mail store.MailStore, sender MailSender) *EmailReplyTool {
	return &EmailReplyTool{mail: mail, sender: sender}
}

func (t *EmailReplyTool) Name() string { return "email_reply" }
func (t *EmailReplyTool) Description() string {
	return "Reply to a previously received email by its message id. The reply is threaded onto the existing conversation."
}

func (t *EmailReplyTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message_id": map[string]interface{}{
				"type":        "string",
				"description": "Message id of the stored email to reply to",
			},
			"body": map[string]interface{}{
				"type":        "string",
				"description": "Reply text",
			},
		},
		"required": []string{"message_id", "body"},
	}
}

func (t *EmailReplyTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	messageID := strings.TrimSpace(argString(args, "message_id"))
	body := argString(args, "body")
	if messageID == "" || body == "" {
		return ErrorResult("'message_id' and 'body' are required")
	}

	orig, err := t.mail.GetByMessageID(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("no stored message with id %q", messageID))
		}
		return ErrorResult(fmt.Sprintf("look up message: %v", err)).WithError(err)
	}

	sentID, err := t.sender.SendFromAgent(ctx, store.AgentIDFromContext(ctx), OutboundMail{
		To:         orig.From,
		Subject:    replySubject(orig.Subject),
		Body:       body,
		InReplyTo:  orig.MessageID,
		References: append(append([]string{}, orig.References...), orig.MessageID),
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("send reply: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Reply sent to %s (message id %s).", orig.From, sentID))
}

// ============================================================
// email_forward
// ============================================================

type EmailForwardTool struct {
	mail   store.MailStore
	sender MailSender
}

func NewEmailForwardTool(mail store.MailStore, sender MailSender) *EmailForwardTool {
	return &EmailForwardTool{mail: mail, sender: sender}
}

func (t *EmailForwardTool) Name() string { return "email_forward" }
func (t *EmailForwardTool) Description() string {
	return "Forward a previously received email to another recipient, optionally with a note. Attachments are carried over."
}

func (t *EmailForwardTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message_id": map[string]interface{}{
				"type":        "string",
				"description": "Message id of the stored email to forward",
			},
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient email address",
			},
			"note": map[string]interface{}{
				"type":        "string",
				"description": "Optional note placed above the forwarded content",
			},
		},
		"required": []string{"message_id", "to"},
	}
}

func (t *EmailForwardTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	messageID := strings.TrimSpace(argString(args, "message_id"))
	to := strings.TrimSpace(argString(args, "to"))
	if messageID == "" || to == "" {
		return ErrorResult("'message_id' and 'to' are required")
	}

	orig, err := t.mail.GetByMessageID(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("no stored message with id %q", messageID))
		}
		return ErrorResult(fmt.Sprintf("look up message: %v", err)).WithError(err)
	}

	var b strings.Builder
	if note := argString(args, "note"); note != "" {
		b.WriteString(note)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "---------- Forwarded message ----------\nFrom: %s\nTo: %s\nSubject: %s\n\n%s",
		orig.From, orig.To, orig.Subject, orig.Body)

	sentID, err := t.sender.SendFromAgent(ctx, store.AgentIDFromContext(ctx), OutboundMail{
		To:          to,
		Subject:     forwardSubject(orig.Subject),
		Body:        b.String(),
		Attachments: append([]store.MailAttachment{}, orig.Attachments...),
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("forward: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Forwarded to %s (message id %s).", to, sentID))
}

func replySubject(s string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "re:") {
		return s
	}
	return "Re: " + s
}

func forwardSubject(s string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "fwd:") {
		return s
	}
	return "Fwd: " + s
}
