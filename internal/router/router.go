// Package router correlates inbound mail to suspended flows and
// dispatches outbound mail, enforcing per-agent policy on both sides.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/identity"
	"github.com/patrick-hofmann/koompl/internal/mail"
	"github.com/patrick-hofmann/koompl/internal/policy"
	"github.com/patrick-hofmann/koompl/internal/store"
	"github.com/patrick-hofmann/koompl/internal/tools"
)

// ErrSendFailed wraps gateway failures. The outbound entry is still
// persisted, flagged unconfirmed, before this is returned.
var ErrSendFailed = errors.New("send failed")

type Router struct {
	mailStore store.MailStore
	flows     store.FlowStore
	view      *identity.View
	transport Transport
}

func New(mailStore store.MailStore, flows store.FlowStore, view *identity.View, transport Transport) *Router {
	return &Router{mailStore: mailStore, flows: flows, view: view, transport: transport}
}

// MatchWaiting classifies an inbound mail against the agent's suspended
// flows. It returns (nil, nil) when the mail is a new request.
//
// Matching order: thread-header intersection first, then the request-id
// token in the subject. A candidate is accepted only if the sender's
// local part equals the awaited agent username and the wait has not
// expired.
func (r *Router) MatchWaiting(ctx context.Context, agentID uuid.UUID, in *mail.Inbound, now time.Time) (*store.FlowData, error) {
	waiting, err := r.flows.ListWaiting(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list waiting flows: %w", err)
	}
	if len(waiting) == 0 {
		return nil, nil
	}

	refs := map[string]bool{}
	for _, id := range in.ReferenceSet() {
		refs[id] = true
	}

	var candidate *store.FlowData
	for i := range waiting {
		f := &waiting[i]
		for _, id := range f.ThreadIDs() {
			if refs[mail.NormalizeMessageID(id)] {
				candidate = f
				break
			}
		}
		if candidate != nil {
			break
		}
	}

	if candidate == nil {
		if reqID := mail.ExtractRequestID(in.Subject); reqID != "" {
			for i := range waiting {
				if waiting[i].WaitingFor != nil && waiting[i].WaitingFor.RequestID == reqID {
					candidate = &waiting[i]
					break
				}
			}
		}
	}

	if candidate == nil || candidate.WaitingFor == nil {
		return nil, nil
	}

	if mail.LocalPart(in.From) != candidate.WaitingFor.TargetAgentUsername {
		slog.Warn("router.sender_mismatch",
			"flow", candidate.ID,
			"expected", candidate.WaitingFor.TargetAgentUsername,
			"from", in.From,
		)
		return nil, nil
	}

	if now.After(candidate.WaitingFor.ExpectedBy) {
		slog.Info("router.wait_expired",
			"flow", candidate.ID,
			"expected_by", candidate.WaitingFor.ExpectedBy,
		)
		return nil, nil
	}

	return candidate, nil
}

// SendAgentToAgent delivers a delegation request. The subject carries
// the request-id token so the reply can be correlated even when the
// responding agent's mailer drops threading headers.
func (r *Router) SendAgentToAgent(ctx context.Context, from *store.AgentData, toUsername, subject, body string, flowID uuid.UUID, requestID string) (*store.MailEntry, error) {
	if !from.MultiRound.CanCommunicateWithAgents {
		return nil, fmt.Errorf("agent %s: %w", from.Username, policy.ErrDenied)
	}
	if len(from.MultiRound.AllowedAgentUsernames) > 0 {
		ok := false
		for _, u := range from.MultiRound.AllowedAgentUsernames {
			if u == toUsername {
				ok = true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("agent %s may not contact %s: %w", from.Username, toUsername, policy.ErrDenied)
		}
	}

	team, err := r.view.TeamByID(ctx, from.TeamID)
	if err != nil {
		return nil, fmt.Errorf("resolve team: %w", err)
	}
	target, err := r.view.AgentByUsername(ctx, from.TeamID, toUsername)
	if err != nil {
		return nil, fmt.Errorf("resolve target agent %q: %w", toUsername, err)
	}

	return r.send(ctx, from, team.Domain, Outbound{
		Domain:  team.Domain,
		From:    from.Address(team.Domain),
		To:      target.Address(team.Domain),
		Subject: mail.EmbedRequestID(requestID, subject),
		Text:    body,
	})
}

// SendAgentToUser delivers a reply to a human (or any external address).
// When flow is set and the recipient is its requester, the message is
// threaded onto the trigger so mail clients keep the conversation.
func (r *Router) SendAgentToUser(ctx context.Context, from *store.AgentData, toEmail, subject, body string, flow *store.FlowData, attachments []store.MailAttachment) (*store.MailEntry, error) {
	team, err := r.view.TeamByID(ctx, from.TeamID)
	if err != nil {
		return nil, fmt.Errorf("resolve team: %w", err)
	}

	requester := ""
	if flow != nil {
		requester = flow.Requester.Email
	}
	party, err := r.resolveParty(ctx, team, toEmail)
	if err != nil {
		return nil, err
	}
	if v := policy.EvaluateOutbound(from, team.Domain, party, requester); !v.Allowed {
		return nil, v.Err()
	}

	out := Outbound{
		Domain:      team.Domain,
		From:        from.Address(team.Domain),
		To:          toEmail,
		Subject:     subject,
		Text:        body,
		Attachments: attachments,
	}
	if flow != nil && mail.SameAddress(toEmail, flow.Requester.Email) {
		trig := flow.Trigger
		out.Subject = mail.ReplySubject(trig.Subject)
		out.InReplyTo = []string{trig.MessageID}
		out.References = mail.MergeReferences(trig.References, []string{trig.MessageID})
	}

	return r.send(ctx, from, team.Domain, out)
}

// SendFromAgent implements tools.MailSender for the reply/forward tools.
func (r *Router) SendFromAgent(ctx context.Context, agentID uuid.UUID, m tools.OutboundMail) (string, error) {
	agent, err := r.view.AgentByID(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("resolve agent: %w", err)
	}
	team, err := r.view.TeamByID(ctx, agent.TeamID)
	if err != nil {
		return "", fmt.Errorf("resolve team: %w", err)
	}

	party, err := r.resolveParty(ctx, team, m.To)
	if err != nil {
		return "", err
	}
	if v := policy.EvaluateOutbound(agent, team.Domain, party, ""); !v.Allowed {
		return "", v.Err()
	}

	out := Outbound{
		Domain:      team.Domain,
		From:        agent.Address(team.Domain),
		To:          m.To,
		Subject:     m.Subject,
		Text:        m.Body,
		References:  m.References,
		Attachments: m.Attachments,
	}
	if m.InReplyTo != "" {
		out.InReplyTo = []string{m.InReplyTo}
	}

	entry, err := r.send(ctx, agent, team.Domain, out)
	if err != nil {
		return "", err
	}
	return entry.MessageID, nil
}

// resolveParty classifies the recipient for the policy check.
func (r *Router) resolveParty(ctx context.Context, team *store.TeamData, toEmail string) (policy.Party, error) {
	party := policy.Party{Email: toEmail}

	sender, err := r.view.ClassifySender(ctx, team, toEmail)
	if err != nil {
		return party, fmt.Errorf("classify recipient: %w", err)
	}
	if sender.User != nil {
		party.TeamMember = true
	}
	if sender.Agent != nil {
		party.AgentUsername = sender.Agent.Username
	}
	return party, nil
}

// send dispatches through the transport and persists the outbound entry.
// On transport failure the entry is written with GatewayConfirmed=false
// and ErrSendFailed is returned.
func (r *Router) send(ctx context.Context, from *store.AgentData, domain string, out Outbound) (*store.MailEntry, error) {
	messageID, sendErr := r.transport.Send(ctx, out)
	if messageID == "" {
		// Deterministic placeholder so the audit entry is still unique.
		messageID = mail.NormalizeMessageID(fmt.Sprintf("unsent-%s@%s", uuid.NewString(), domain))
	}

	entry := &store.MailEntry{
		Timestamp:        time.Now().UTC(),
		Kind:             store.MailOutbound,
		MessageID:        messageID,
		From:             out.From,
		To:               out.To,
		Subject:          out.Subject,
		Body:             out.Text,
		HTML:             out.HTML,
		AgentID:          from.ID,
		InReplyTo:        out.InReplyTo,
		References:       out.References,
		Attachments:      stripAttachmentData(out.Attachments),
		GatewayConfirmed: sendErr == nil,
	}
	if err := r.mailStore.StoreOutbound(ctx, entry); err != nil {
		slog.Error("router.store_outbound_failed", "message_id", messageID, "error", err)
		if sendErr == nil {
			return nil, fmt.Errorf("store outbound: %w", err)
		}
	}

	if sendErr != nil {
		slog.Error("router.gateway_send_failed", "to", out.To, "error", sendErr)
		return entry, fmt.Errorf("%w: %v", ErrSendFailed, sendErr)
	}
	return entry, nil
}

// stripAttachmentData drops base64 payloads before persisting; the
// datasafe path remains as the durable reference.
func stripAttachmentData(atts []store.MailAttachment) []store.MailAttachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]store.MailAttachment, len(atts))
	copy(out, atts)
	for i := range out {
		out[i].Data = ""
	}
	return out
}
