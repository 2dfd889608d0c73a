package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/identity"
	"github.com/patrick-hofmann/koompl/internal/mail"
	"github.com/patrick-hofmann/koompl/internal/policy"
	"github.com/patrick-hofmann/koompl/internal/store"
	"github.com/patrick-hofmann/koompl/internal/tools"
)

func toolsMail() tools.OutboundMail {
	return tools.OutboundMail{
		To:      "boss@corp.example",
		Subject: "Report",
		Body:    "Attached.",
		Attachments: []store.MailAttachment{
			{Filename: "report.pdf", MimeType: "application/pdf", Data: "UERG"},
		},
	}
}

type fakeTransport struct {
	sent []Outbound
	err  error
	next int
}

func (t *fakeTransport) Send(ctx context.Context, out Outbound) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	t.sent = append(t.sent, out)
	t.next++
	return mail.NormalizeMessageID(uuid.NewString() + "@gw.example"), nil
}

type fixture struct {
	mem   *store.MemStores
	view  *identity.View
	trans *fakeTransport
	r     *Router
	team  *store.TeamData
	sam   *store.AgentData
	ruth  *store.AgentData
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemStores()
	ctx := context.Background()

	team := &store.TeamData{Name: "Corp", Domain: "corp.example"}
	if err := mem.Teams.CreateTeam(ctx, team); err != nil {
		t.Fatal(err)
	}
	sam := &store.AgentData{
		TeamID:   team.ID,
		Username: "sam",
		Name:     "Sam",
		MultiRound: store.MultiRoundConfig{
			Enabled:                  true,
			CanCommunicateWithAgents: true,
		},
	}
	ruth := &store.AgentData{TeamID: team.ID, Username: "ruth", Name: "Ruth"}
	for _, a := range []*store.AgentData{sam, ruth} {
		if err := mem.Agents.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	boss := &store.UserData{Name: "Boss", Email: "boss@corp.example"}
	if err := mem.Teams.CreateUser(ctx, boss); err != nil {
		t.Fatal(err)
	}
	if err := mem.Teams.AddMember(ctx, team.ID, boss.ID, "owner"); err != nil {
		t.Fatal(err)
	}

	view := identity.NewView(mem.Teams, mem.Agents)
	trans := &fakeTransport{}
	return &fixture{
		mem:   mem,
		view:  view,
		trans: trans,
		r:     New(mem.Mail, mem.Flows, view, trans),
		team:  team,
		sam:   sam,
		ruth:  ruth,
	}
}

func waitingFlow(t *testing.T, fx *fixture, requestID string, expectedBy time.Time) *store.FlowData {
	t.Helper()
	f := &store.FlowData{
		AgentID:   fx.sam.ID,
		TeamID:    fx.team.ID,
		Requester: store.Requester{Email: "boss@corp.example"},
		Status:    store.FlowWaiting,
		Trigger: store.TriggerEmail{
			MessageID: "trigger-1@corp.example",
			From:      "boss@corp.example",
			Subject:   "Budget",
		},
		MaxRounds: 10,
		Deadline:  time.Now().Add(time.Hour),
		WaitingFor: &store.WaitingFor{
			Type:                store.WaitAgentResponse,
			RequestID:           requestID,
			TargetAgentUsername: "ruth",
			SentMessageID:       "sent-1@corp.example",
			ThreadMessageIDs:    []string{"sent-1@corp.example"},
			ExpectedBy:          expectedBy,
		},
	}
	if err := fx.mem.Flows.Create(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestMatchWaitingByHeaders(t *testing.T) {
	fx := newFixture(t)
	f := waitingFlow(t, fx, "req-abc123", time.Now().Add(20*time.Minute))

	in := &mail.Inbound{
		From:      "ruth@corp.example",
		To:        "sam@corp.example",
		Subject:   "Re: Budget",
		InReplyTo: []string{"sent-1@corp.example"},
	}
	got, err := fx.r.MatchWaiting(context.Background(), fx.sam.ID, in, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != f.ID {
		t.Fatalf("matched = %+v, want flow %s", got, f.ID)
	}
}

func TestMatchWaitingByRequestID(t *testing.T) {
	fx := newFixture(t)
	f := waitingFlow(t, fx, "req-abc123", time.Now().Add(20*time.Minute))

	// No threading headers; only the subject token survives.
	in := &mail.Inbound{
		From:    "ruth@corp.example",
		To:      "sam@corp.example",
		Subject: "Re: [Req: req-abc123] Budget",
	}
	got, err := fx.r.MatchWaiting(context.Background(), fx.sam.ID, in, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != f.ID {
		t.Fatalf("matched = %+v", got)
	}
}

func TestMatchWaitingSenderMismatch(t *testing.T) {
	fx := newFixture(t)
	waitingFlow(t, fx, "req-abc123", time.Now().Add(20*time.Minute))

	in := &mail.Inbound{
		From:      "mallory@corp.example",
		To:        "sam@corp.example",
		Subject:   "Re: [Req: req-abc123] Budget",
		InReplyTo: []string{"sent-1@corp.example"},
	}
	got, err := fx.r.MatchWaiting(context.Background(), fx.sam.ID, in, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("impostor matched flow %s", got.ID)
	}
}

func TestMatchWaitingExpired(t *testing.T) {
	fx := newFixture(t)
	waitingFlow(t, fx, "req-abc123", time.Now().Add(-time.Minute))

	in := &mail.Inbound{
		From:      "ruth@corp.example",
		To:        "sam@corp.example",
		InReplyTo: []string{"sent-1@corp.example"},
	}
	got, err := fx.r.MatchWaiting(context.Background(), fx.sam.ID, in, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expired wait should not match; the mail is a new request")
	}
}

func TestMatchWaitingNoCandidates(t *testing.T) {
	fx := newFixture(t)
	in := &mail.Inbound{From: "ruth@corp.example", Subject: "Hello"}
	got, err := fx.r.MatchWaiting(context.Background(), fx.sam.ID, in, time.Now())
	if err != nil || got != nil {
		t.Fatalf("got %+v, %v", got, err)
	}
}

func TestSendAgentToAgent(t *testing.T) {
	fx := newFixture(t)

	entry, err := fx.r.SendAgentToAgent(context.Background(), fx.sam, "ruth", "Rooms?", "Which rooms are free tomorrow?", uuid.New(), "req-xyz789")
	if err != nil {
		t.Fatal(err)
	}
	if len(fx.trans.sent) != 1 {
		t.Fatalf("sent %d", len(fx.trans.sent))
	}
	out := fx.trans.sent[0]
	if out.To != "ruth@corp.example" || out.From != "sam@corp.example" {
		t.Errorf("addressing = %+v", out)
	}
	if !strings.Contains(out.Subject, "[Req: req-xyz789]") {
		t.Errorf("subject = %q", out.Subject)
	}

	stored, err := fx.mem.Mail.GetByMessageID(context.Background(), entry.MessageID)
	if err != nil {
		t.Fatalf("outbound not persisted: %v", err)
	}
	if stored.Kind != store.MailOutbound || !stored.GatewayConfirmed {
		t.Errorf("stored = %+v", stored)
	}
}

func TestSendAgentToAgentPolicy(t *testing.T) {
	fx := newFixture(t)

	fx.sam.MultiRound.CanCommunicateWithAgents = false
	if _, err := fx.r.SendAgentToAgent(context.Background(), fx.sam, "ruth", "s", "b", uuid.New(), "req-1"); !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}

	fx.sam.MultiRound.CanCommunicateWithAgents = true
	fx.sam.MultiRound.AllowedAgentUsernames = []string{"carl"}
	if _, err := fx.r.SendAgentToAgent(context.Background(), fx.sam, "ruth", "s", "b", uuid.New(), "req-1"); !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
	if len(fx.trans.sent) != 0 {
		t.Error("denied sends must not reach the transport")
	}
}

func TestSendAgentToUserThreadsToRequester(t *testing.T) {
	fx := newFixture(t)
	flow := waitingFlow(t, fx, "req-1", time.Now().Add(time.Hour))
	flow.Trigger.References = []string{"older@corp.example"}

	_, err := fx.r.SendAgentToUser(context.Background(), fx.sam, "boss@corp.example", "ignored", "Here is the answer.", flow, nil)
	if err != nil {
		t.Fatal(err)
	}
	out := fx.trans.sent[0]
	if out.Subject != "Re: Budget" {
		t.Errorf("subject = %q", out.Subject)
	}
	if len(out.InReplyTo) != 1 || out.InReplyTo[0] != "trigger-1@corp.example" {
		t.Errorf("InReplyTo = %v", out.InReplyTo)
	}
	if len(out.References) != 2 {
		t.Errorf("References = %v", out.References)
	}
}

func TestSendAgentToUserPolicyDenied(t *testing.T) {
	fx := newFixture(t)
	fx.sam.MailPolicy = store.MailPolicyData{Mode: store.PolicyTeamOnly}

	_, err := fx.r.SendAgentToUser(context.Background(), fx.sam, "stranger@ext.example", "s", "b", nil, nil)
	if !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
}

func TestSendFailureStillPersists(t *testing.T) {
	fx := newFixture(t)
	fx.trans.err = errors.New("gateway 502")

	entry, err := fx.r.SendAgentToUser(context.Background(), fx.sam, "boss@corp.example", "s", "b", nil, nil)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	if entry == nil {
		t.Fatal("entry must be returned even on send failure")
	}
	stored, err := fx.mem.Mail.GetByMessageID(context.Background(), entry.MessageID)
	if err != nil {
		t.Fatalf("unconfirmed entry not persisted: %v", err)
	}
	if stored.GatewayConfirmed {
		t.Error("GatewayConfirmed should be false after a gateway failure")
	}
}

func TestSendFromAgentStripsAttachmentData(t *testing.T) {
	fx := newFixture(t)

	id, err := fx.r.SendFromAgent(context.Background(), fx.sam.ID, toolsMail())
	if err != nil {
		t.Fatal(err)
	}
	out := fx.trans.sent[0]
	if len(out.Attachments) != 1 || out.Attachments[0].Data == "" {
		t.Errorf("transport should receive the payload: %+v", out.Attachments)
	}
	stored, err := fx.mem.Mail.GetByMessageID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Attachments) != 1 || stored.Attachments[0].Data != "" {
		t.Errorf("stored entry must not carry base64 payloads: %+v", stored.Attachments)
	}
}
