package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/patrick-hofmann/koompl/internal/config"
	"github.com/patrick-hofmann/koompl/internal/flow"
	"github.com/patrick-hofmann/koompl/internal/identity"
	"github.com/patrick-hofmann/koompl/internal/mail"
	"github.com/patrick-hofmann/koompl/internal/mailgun"
	"github.com/patrick-hofmann/koompl/internal/policy"
	"github.com/patrick-hofmann/koompl/internal/router"
	"github.com/patrick-hofmann/koompl/internal/store"
	"github.com/patrick-hofmann/koompl/internal/telemetry"
)

// InboundHandler is the single webhook the mail gateway posts into.
// It answers 200 {ok:true} for everything except a bad shared-secret
// token, so gateway retries never duplicate flows.
type InboundHandler struct {
	cfg     *config.Config
	proc    *Processor
	limiter *rate.Limiter
}

func NewInboundHandler(cfg *config.Config, proc *Processor) *InboundHandler {
	rps := cfg.Snapshot().Server.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	return &InboundHandler{
		cfg:     cfg,
		proc:    proc,
		limiter: rate.NewLimiter(rate.Limit(rps), rps*2),
	}
}

func (h *InboundHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /inbound", h.handleInbound)
}

func (h *InboundHandler) handleInbound(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		// Still 200: the gateway holds the message and retries later.
		slog.Warn("webhook.rate_limited", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	in, err := mailgun.ParseInbound(r)
	if err != nil {
		slog.Warn("webhook.parse_failed", "error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	if token := h.cfg.Snapshot().Server.InboundToken; token != "" {
		if subtle.ConstantTimeCompare([]byte(in.Token), []byte(token)) != 1 {
			slog.Warn("webhook.bad_token", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}

	// Processing is asynchronous; the gateway only needs the ack.
	go h.proc.Process(context.WithoutCancel(r.Context()), in)

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Processor runs the inbound pipeline: store, identify, policy-check,
// then resume a waiting flow or start a new one. It doubles as the
// local transport's loopback target.
type Processor struct {
	mailStore store.MailStore
	view      *identity.View
	router    *router.Router
	flows     *flow.Engine
	datasafe  *store.Datasafe
}

func NewProcessor(mailStore store.MailStore, view *identity.View, r *router.Router, flows *flow.Engine, datasafe *store.Datasafe) *Processor {
	return &Processor{
		mailStore: mailStore,
		view:      view,
		router:    r,
		flows:     flows,
		datasafe:  datasafe,
	}
}

// Process handles one inbound mail end to end. Errors are logged, never
// returned: by the time this runs the webhook has been acknowledged.
func (p *Processor) Process(ctx context.Context, in *mail.Inbound) {
	ctx, span := telemetry.Tracer().Start(ctx, "inbound.process",
		trace.WithAttributes(attribute.String("mail.message_id", in.MessageID)))
	defer span.End()

	recipient, err := p.view.ResolveRecipient(ctx, in.To)
	if err != nil {
		slog.Info("webhook.unknown_recipient", "to", in.To, "error", err)
		return
	}

	entry := p.storeEntry(ctx, in, recipient)
	if entry == nil {
		return
	}

	sender, err := p.view.ClassifySender(ctx, recipient.Team, in.From)
	if err != nil {
		slog.Error("webhook.classify_failed", "from", in.From, "error", err)
		return
	}

	party := policy.Party{Email: in.From, TeamMember: sender.User != nil}
	if sender.Agent != nil {
		party.AgentUsername = sender.Agent.Username
	}
	if v := policy.EvaluateInbound(recipient.Agent, recipient.Team.Domain, party); !v.Allowed {
		slog.Info("webhook.policy_denied",
			"agent", recipient.Agent.Username,
			"from", in.From,
			"reason", v.Reason,
		)
		return
	}

	matched, err := p.router.MatchWaiting(ctx, recipient.Agent.ID, in, time.Now().UTC())
	if err != nil {
		slog.Error("webhook.match_failed", "error", err)
		return
	}

	if matched != nil {
		err = p.flows.ResumeFlow(ctx, matched.ID, entry)
		if errors.Is(err, flow.ErrFlowBusy) {
			slog.Warn("webhook.flow_busy", "flow", matched.ID, "message_id", in.MessageID)
			return
		}
		if err != nil {
			slog.Error("webhook.resume_failed", "flow", matched.ID, "error", err)
		}
		return
	}

	p.startNewFlow(ctx, in, entry, recipient, sender)
}

// storeEntry lifts attachments into the datasafe, then persists the
// inbound mail. The lift runs first so the stored entry carries the
// datasafe path and size; stores serialise the entry on insert. A
// duplicate message-id means a gateway retry; the mail was already
// handled, so processing stops there.
func (p *Processor) storeEntry(ctx context.Context, in *mail.Inbound, recipient *identity.Recipient) *store.MailEntry {
	entry := &store.MailEntry{
		Timestamp:  time.Now().UTC(),
		Kind:       store.MailInbound,
		MessageID:  in.MessageID,
		From:       in.From,
		To:         in.To,
		Subject:    in.Subject,
		Body:       in.Text,
		HTML:       in.HTML,
		AgentID:    recipient.Agent.ID,
		InReplyTo:  in.InReplyTo,
		References: in.References,
	}
	for _, a := range in.Attachments {
		att := store.MailAttachment{
			Filename: a.Filename,
			MimeType: a.MimeType,
		}
		if p.datasafe != nil {
			data, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				slog.Warn("webhook.attachment_decode_failed", "filename", a.Filename, "error", err)
			} else if path, err := p.datasafe.SaveAttachment(ctx, recipient.Team.ID, in.MessageID, a.Filename, a.MimeType, data); err != nil {
				slog.Warn("webhook.attachment_save_failed", "filename", a.Filename, "error", err)
			} else {
				att.DatasafePath = path
				att.Size = int64(len(data))
			}
		}
		entry.Attachments = append(entry.Attachments, att)
	}

	if err := p.mailStore.StoreInbound(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateMessageID) {
			slog.Info("webhook.duplicate_ignored", "message_id", in.MessageID)
		} else {
			slog.Error("webhook.store_failed", "message_id", in.MessageID, "error", err)
		}
		return nil
	}
	return entry
}

func (p *Processor) startNewFlow(ctx context.Context, in *mail.Inbound, entry *store.MailEntry, recipient *identity.Recipient, sender *identity.Sender) {
	trig := store.TriggerEmail{
		MessageID:   entry.MessageID,
		From:        in.From,
		To:          in.To,
		Subject:     in.Subject,
		Body:        in.Text,
		InReplyTo:   entry.InReplyTo,
		References:  entry.References,
		Attachments: entry.Attachments,
	}

	f, err := p.flows.StartFlow(ctx, flow.StartParams{
		Agent:   recipient.Agent,
		Team:    recipient.Team,
		Trigger: trig,
		Sender:  sender,
	})
	if err != nil {
		slog.Error("webhook.start_failed", "agent", recipient.Agent.Username, "error", err)
		return
	}

	if err := p.flows.ExecuteRound(ctx, f.ID); err != nil {
		if errors.Is(err, flow.ErrFlowBusy) {
			slog.Warn("webhook.flow_busy", "flow", f.ID)
			return
		}
		slog.Error("webhook.round_failed", "flow", f.ID, "error", err)
	}
}
