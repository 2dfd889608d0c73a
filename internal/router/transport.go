package router

import (
	"context"
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/patrick-hofmann/koompl/internal/mail"
	"github.com/patrick-hofmann/koompl/internal/mailgun"
	"github.com/patrick-hofmann/koompl/internal/store"
)

// Outbound is one message handed to a transport. The message id is
// assigned by the transport: the gateway mints its own, the local
// transport generates one.
type Outbound struct {
	Domain      string
	From        string
	To          string
	Subject     string
	Text        string
	HTML        string
	InReplyTo   []string
	References  []string
	Attachments []store.MailAttachment
}

// Transport delivers outbound mail and returns the wire message id.
type Transport interface {
	Send(ctx context.Context, out Outbound) (messageID string, err error)
}

// MailgunTransport sends through the HTTP gateway.
type MailgunTransport struct {
	client *mailgun.Client
}

func NewMailgunTransport(client *mailgun.Client) *MailgunTransport {
	return &MailgunTransport{client: client}
}

func (t *MailgunTransport) Send(ctx context.Context, out Outbound) (string, error) {
	id, err := t.client.Send(ctx, mailgun.SendRequest{
		Domain:      out.Domain,
		From:        out.From,
		To:          out.To,
		Subject:     out.Subject,
		Text:        out.Text,
		HTML:        out.HTML,
		InReplyTo:   out.InReplyTo,
		References:  out.References,
		Attachments: out.Attachments,
	})
	if err != nil {
		return "", err
	}
	return mail.NormalizeMessageID(id), nil
}

// LocalDelivery re-enters a locally generated message into the inbound
// pipeline. The webhook handler provides it at wiring time.
type LocalDelivery func(ctx context.Context, in *mail.Inbound)

// LocalTransport short-circuits the gateway for development and for
// same-domain agent traffic: the message is looped back through the
// inbound pipeline in-process.
type LocalTransport struct {
	domain  string
	deliver LocalDelivery
}

func NewLocalTransport(domain string) *LocalTransport {
	return &LocalTransport{domain: domain}
}

// SetDelivery wires the loopback target. Until it is set, sends succeed
// but go nowhere; the send is still recorded by the caller.
func (t *LocalTransport) SetDelivery(d LocalDelivery) { t.deliver = d }

func (t *LocalTransport) Send(ctx context.Context, out Outbound) (string, error) {
	suffix, err := gonanoid.New(12)
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	domain := out.Domain
	if domain == "" {
		domain = t.domain
	}
	id := mail.NormalizeMessageID(fmt.Sprintf("local-%s@%s", suffix, domain))

	if t.deliver == nil {
		slog.Warn("router.local_send_dropped", "to", out.To, "message_id", id)
		return id, nil
	}

	in := &mail.Inbound{
		MessageID:  id,
		From:       out.From,
		To:         out.To,
		Subject:    out.Subject,
		Text:       out.Text,
		HTML:       out.HTML,
		InReplyTo:  out.InReplyTo,
		References: out.References,
	}
	for _, a := range out.Attachments {
		in.Attachments = append(in.Attachments, mail.InboundAttachment{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Data:     a.Data,
		})
	}

	// Asynchronous on purpose: the sending flow holds its lock and the
	// receiving agent may need the same webhook path.
	go t.deliver(context.WithoutCancel(ctx), in)

	return id, nil
}
