package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/config"
	"github.com/patrick-hofmann/koompl/internal/decision"
	"github.com/patrick-hofmann/koompl/internal/identity"
	"github.com/patrick-hofmann/koompl/internal/mail"
	"github.com/patrick-hofmann/koompl/internal/router"
	"github.com/patrick-hofmann/koompl/internal/store"
)

type fakeTransport struct {
	sent     []router.Outbound
	attempts int
	failures int // fail the first N sends
}

func (t *fakeTransport) Send(ctx context.Context, out router.Outbound) (string, error) {
	t.attempts++
	if t.attempts <= t.failures {
		return "", errors.New("gateway unreachable")
	}
	t.sent = append(t.sent, out)
	return mail.NormalizeMessageID(uuid.NewString() + "@gw.example"), nil
}

type scriptedDecider struct {
	outs  []*decision.Outcome
	calls int
	last  decision.Input
}

func (d *scriptedDecider) Decide(ctx context.Context, in decision.Input) (*decision.Outcome, error) {
	d.last = in
	i := d.calls
	d.calls++
	if i >= len(d.outs) {
		return &decision.Outcome{Decision: &store.Decision{Type: store.DecisionContinue}}, nil
	}
	return d.outs[i], nil
}

func outcome(d store.Decision) *decision.Outcome {
	return &decision.Outcome{Decision: &d}
}

type fixture struct {
	mem     *store.MemStores
	trans   *fakeTransport
	decider *scriptedDecider
	engine  *Engine
	cfg     *config.Config
	team    *store.TeamData
	sam     *store.AgentData
	ruth    *store.AgentData
	boss    *store.UserData
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemStores()

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
			MaxRounds:                3,
			TimeoutMinutes:           30,
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
	r := router.New(mem.Mail, mem.Flows, view, trans)
	dec := &scriptedDecider{}
	cfg := config.Default()

	return &fixture{
		mem:     mem,
		trans:   trans,
		decider: dec,
		engine:  NewEngine(mem.Flows, view, r, dec, cfg, nil),
		cfg:     cfg,
		team:    team,
		sam:     sam,
		ruth:    ruth,
		boss:    boss,
	}
}

func trigger() store.TriggerEmail {
	return store.TriggerEmail{
		MessageID: "trig-1@ext.example",
		From:      "Boss <boss@corp.example>",
		To:        "sam@corp.example",
		Subject:   "Book a room",
		Body:      "Please book a room for tomorrow.",
	}
}

func (fx *fixture) start(t *testing.T, sender *identity.Sender) *store.FlowData {
	t.Helper()
	f, err := fx.engine.StartFlow(context.Background(), StartParams{
		Agent:   fx.sam,
		Team:    fx.team,
		Trigger: trigger(),
		Sender:  sender,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestStartFlowRequesterFromUser(t *testing.T) {
	fx := newFixture(t)
	f := fx.start(t, &identity.Sender{User: fx.boss})

	if f.Requester.Email != "boss@corp.example" || f.Requester.Name != "Boss" {
		t.Errorf("requester = %+v", f.Requester)
	}
	if f.UserID == nil || *f.UserID != fx.boss.ID {
		t.Errorf("user id = %v", f.UserID)
	}
	if f.Status != store.FlowRunning || f.MaxRounds != 3 || f.TimeoutMinutes != 30 {
		t.Errorf("flow = %+v", f)
	}
	if !f.Deadline.After(f.StartedAt) {
		t.Error("deadline not set")
	}
}

func TestStartFlowRequesterFromRawHeader(t *testing.T) {
	fx := newFixture(t)
	f := fx.start(t, &identity.Sender{External: true})

	if f.Requester.Email != "boss@corp.example" {
		t.Errorf("requester = %+v", f.Requester)
	}
	if f.UserID != nil {
		t.Error("external sender must not set a user id")
	}
}

func TestCompleteRound(t *testing.T) {
	fx := newFixture(t)
	fx.decider.outs = []*decision.Outcome{
		outcome(store.Decision{Type: store.DecisionComplete, FinalResponse: "Room 4 is booked.", Confidence: 0.9}),
	}
	f := fx.start(t, &identity.Sender{User: fx.boss})

	if err := fx.engine.ExecuteRound(context.Background(), f.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := fx.mem.Flows.Get(context.Background(), f.ID)
	if got.Status != store.FlowCompleted || got.FinalResponse != "Room 4 is booked." {
		t.Fatalf("flow = %+v", got)
	}
	if len(got.Rounds) != 1 || got.CurrentRound != 1 {
		t.Errorf("rounds = %d, current = %d", len(got.Rounds), got.CurrentRound)
	}

	if len(fx.trans.sent) != 1 {
		t.Fatalf("sent = %d", len(fx.trans.sent))
	}
	reply := fx.trans.sent[0]
	if reply.To != "boss@corp.example" || reply.Subject != "Re: Book a room" {
		t.Errorf("reply = %+v", reply)
	}
	if len(reply.InReplyTo) != 1 || reply.InReplyTo[0] != "trig-1@ext.example" {
		t.Errorf("threading = %v", reply.InReplyTo)
	}
}

func TestCompleteRetriesTransientSendFailure(t *testing.T) {
	fx := newFixture(t)
	fx.trans.failures = 2
	fx.engine.sendBackoff = time.Millisecond
	fx.decider.outs = []*decision.Outcome{
		outcome(store.Decision{Type: store.DecisionComplete, FinalResponse: "Room 4 is booked."}),
	}
	f := fx.start(t, &identity.Sender{User: fx.boss})

	if err := fx.engine.ExecuteRound(context.Background(), f.ID); err != nil {
		t.Fatal(err)
	}
	if fx.trans.attempts != 3 || len(fx.trans.sent) != 1 {
		t.Errorf("attempts = %d, delivered = %d", fx.trans.attempts, len(fx.trans.sent))
	}
	got, _ := fx.mem.Flows.Get(context.Background(), f.ID)
	if got.Status != store.FlowCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestCompleteFailsWhenReplyNeverLeaves(t *testing.T) {
	fx := newFixture(t)
	fx.trans.failures = 10
	fx.engine.sendBackoff = time.Millisecond
	fx.decider.outs = []*decision.Outcome{
		outcome(store.Decision{Type: store.DecisionComplete, FinalResponse: "Room 4 is booked."}),
	}
	f := fx.start(t, &identity.Sender{User: fx.boss})

	err := fx.engine.ExecuteRound(context.Background(), f.ID)
	if !errors.Is(err, router.ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	if fx.trans.attempts != 3 {
		t.Errorf("attempts = %d, want initial send plus two retries", fx.trans.attempts)
	}
	got, _ := fx.mem.Flows.Get(context.Background(), f.ID)
	if got.Status != store.FlowFailed {
		t.Errorf("status = %s, undelivered reply must not complete the flow", got.Status)
	}
	if got.FinalResponse != "Room 4 is booked." {
		t.Errorf("final response = %q, want preserved for the audit trail", got.FinalResponse)
	}
}

func TestWaitForAgentSuspends(t *testing.T) {
	fx := newFixture(t)
	fx.decider.outs = []*decision.Outcome{
		outcome(store.Decision{
			Type:           store.DecisionWaitForAgent,
			TargetUsername: "ruth",
			Subject:        "Free rooms?",
			Body:           "Which rooms are free tomorrow?",
		}),
	}
	f := fx.start(t, &identity.Sender{User: fx.boss})

	if err := fx.engine.ExecuteRound(context.Background(), f.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := fx.mem.Flows.Get(context.Background(), f.ID)
	if got.Status != store.FlowWaiting || got.WaitingFor == nil {
		t.Fatalf("flow = %+v", got)
	}
	w := got.WaitingFor
	if !strings.HasPrefix(w.RequestID, "req-") || len(w.RequestID) != len("req-")+10 {
		t.Errorf("request id = %q", w.RequestID)
	}
	if w.TargetAgentUsername != "ruth" || w.SentMessageID == "" {
		t.Errorf("waiting = %+v", w)
	}
	if !w.ExpectedBy.After(time.Now()) || w.ExpectedBy.After(got.Deadline.Add(time.Second)) {
		t.Errorf("expected_by = %v outside (now, deadline]", w.ExpectedBy)
	}

	ask := fx.trans.sent[0]
	if ask.To != "ruth@corp.example" || !strings.Contains(ask.Subject, "[Req: "+w.RequestID+"]") {
		t.Errorf("delegation mail = %+v", ask)
	}
}

func TestWaitRequestIDCollisionReminted(t *testing.T) {
	fx := newFixture(t)
	ids := []string{"req-dup0000001", "req-fresh00001"}
	fx.engine.mintRequestID = func() string {
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}

	// Another flow is already waiting on the first id.
	other := &store.FlowData{
		AgentID: fx.ruth.ID,
		TeamID:  fx.team.ID,
		Status:  store.FlowWaiting,
		WaitingFor: &store.WaitingFor{
			Type:      store.WaitAgentResponse,
			RequestID: "req-dup0000001",
		},
	}
	if err := fx.mem.Flows.Create(context.Background(), other); err != nil {
		t.Fatal(err)
	}

	fx.decider.outs = []*decision.Outcome{
		outcome(store.Decision{Type: store.DecisionWaitForAgent, TargetUsername: "ruth", Subject: "s", Body: "b"}),
	}
	f := fx.start(t, &identity.Sender{User: fx.boss})
	if err := fx.engine.ExecuteRound(context.Background(), f.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := fx.mem.Flows.Get(context.Background(), f.ID)
	if got.WaitingFor == nil || got.WaitingFor.RequestID != "req-fresh00001" {
		t.Fatalf("waiting = %+v, want the re-minted request id", got.WaitingFor)
	}
}

func TestDelegationBlockedByPolicyFailsFlow(t *testing.T) {
	fx := newFixture(t)
	fx.sam.MultiRound.AllowedAgentUsernames = []string{"pam"}
	if err := fx.mem.Agents.Update(context.Background(), fx.sam); err != nil {
		t.Fatal(err)
	}
	fx.decider.outs = []*decision.Outcome{
		outcome(store.Decision{
			Type:           store.DecisionWaitForAgent,
			TargetUsername: "ruth",
			Subject:        "Free rooms?",
			Body:           "Which rooms are free tomorrow?",
		}),
	}
	f := fx.start(t, &identity.Sender{User: fx.boss})

	if err := fx.engine.ExecuteRound(context.Background(), f.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := fx.mem.Flows.Get(context.Background(), f.ID)
	if got.Status != store.FlowFailed {
		t.Fatalf("status = %s", got.Status)
	}
	last := got.Rounds[len(got.Rounds)-1]
	if last.Decision.Type != store.DecisionFail || !strings.Contains(last.Decision.Reasoning, "could not reach ruth") {
		t.Errorf("decision = %+v", last.Decision)
	}
	// Nothing goes to ruth; the requester still gets the apology.
	if len(fx.trans.sent) != 1 || fx.trans.sent[0].To != "boss@corp.example" {
		t.Fatalf("sent = %+v", fx.trans.sent)
	}
}

func TestResumeRunsNextRound(t *testing.T) {
	fx := newFixture(t)
	fx.decider.outs = []*decision.Outcome{
		outcome(store.Decision{Type: store.DecisionWaitForAgent, TargetUsername: "ruth", Subject: "s", Body: "b"}),
		outcome(store.Decision{Type: store.DecisionComplete, FinalResponse: "Done with Ruth's input."}),
	}
	f := fx.start(t, &identity.Sender{User: fx.boss})
	if err := fx.engine.ExecuteRound(context.Background(), f.ID); err != nil {
		t.Fatal(err)
	}

	reply := &store.MailEntry{
		Kind:      store.MailInbound,
		MessageID: "ruth-reply-1@corp.example",
		From:      "ruth@corp.example",
		To:        "sam@corp.example",
		Body:      "Rooms 4 and 5 are free.",
	}
	if err := fx.engine.ResumeFlow(context.Background(), f.ID, reply); err != nil {
		t.Fatal(err)
	}

	got, _ := fx.mem.Flows.Get(context.Background(), f.ID)
	if got.Status != store.FlowCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.Rounds) != 2 {
		t.Fatalf("rounds = %d", len(got.Rounds))
	}
	// The reply is recorded in the round that asked.
	msgs := got.Rounds[0].Messages
	found := false
	for _, m := range msgs {
		if m.MessageID == "ruth-reply-1@corp.example" {
			found = true
		}
	}
	if !found {
		t.Errorf("reply not appended to asking round: %+v", msgs)
	}
	if fx.decider.calls != 2 {
		t.Errorf("decider calls = %d", fx.decider.calls)
	}
}

func TestResumeRequiresWaiting(t *testing.T) {
	fx := newFixture(t)
	fx.decider.outs = []*decision.Outcome{
		outcome(store.Decision{Type: store.DecisionComplete, FinalResponse: "done"}),
	}
	f := fx.start(t, &identity.Sender{User: fx.boss})
	if err := fx.engine.ExecuteRound(context.Background(), f.ID); err != nil {
		t.Fatal(err)
	}

	err := fx.engine.ResumeFlow(context.Background(), f.ID, &store.MailEntry{MessageID: "x@y"})
	if err == nil || !strings.Contains(err.Error(), "not waiting") {
		t.Fatalf("err = %v", err)
	}
}

func TestContinueLoopsUntilLastChance(t *testing.T) {
	fx := newFixture(t)
	// Decider always continues; MaxRounds=3 means rounds 0..2 continue and
	// round 3 is last-chance. The scripted continue gets forced to fail.
	f := fx.start(t, &identity.Sender{User: fx.boss})

	if err := fx.engine.ExecuteRound(context.Background(), f.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := fx.mem.Flows.Get(context.Background(), f.ID)
	if got.Status != store.FlowFailed {
		t.Fatalf("status = %s", got.Status)
	}
	last := got.Rounds[len(got.Rounds)-1]
	if last.Decision.Reasoning != "max rounds reached" {
		t.Errorf("final decision = %+v", last.Decision)
	}
	if !fx.decider.last.LastChance {
		t.Error("final round was not flagged last-chance")
	}
	// The forced failure still apologises to the requester.
	if len(fx.trans.sent) != 1 {
		t.Errorf("sent = %d", len(fx.trans.sent))
	}
}

func TestDeadlineExpiryDuringRound(t *testing.T) {
	fx := newFixture(t)
	f := fx.start(t, &identity.Sender{User: fx.boss})

	f.Deadline = time.Now().Add(-time.Minute)
	if err := fx.mem.Flows.Update(context.Background(), f); err != nil {
		t.Fatal(err)
	}

	if err := fx.engine.ExecuteRound(context.Background(), f.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := fx.mem.Flows.Get(context.Background(), f.ID)
	if got.Status != store.FlowExpired {
		t.Fatalf("status = %s", got.Status)
	}
	if fx.decider.calls != 0 {
		t.Error("no decision should run past the deadline")
	}
	// Best-effort apology mail.
	if len(fx.trans.sent) != 1 || !strings.Contains(fx.trans.sent[0].Text, "unable to complete") {
		t.Errorf("apology = %+v", fx.trans.sent)
	}
}

func TestDelegatedFlowInheritsRequester(t *testing.T) {
	fx := newFixture(t)

	// Upstream flow owned by sam, waiting on ruth.
	fx.decider.outs = []*decision.Outcome{
		outcome(store.Decision{Type: store.DecisionWaitForAgent, TargetUsername: "ruth", Subject: "s", Body: "b"}),
	}
	upstream := fx.start(t, &identity.Sender{User: fx.boss})
	if err := fx.engine.ExecuteRound(context.Background(), upstream.ID); err != nil {
		t.Fatal(err)
	}
	up, _ := fx.mem.Flows.Get(context.Background(), upstream.ID)

	// Ruth receives the delegation mail; her flow starts with the token
	// in the subject and an agent sender.
	trig := store.TriggerEmail{
		MessageID: "delegation-1@corp.example",
		From:      "sam@corp.example",
		To:        "ruth@corp.example",
		Subject:   mail.EmbedRequestID(up.WaitingFor.RequestID, "Free rooms?"),
		Body:      "Which rooms are free tomorrow?",
	}
	ruthFlow, err := fx.engine.StartFlow(context.Background(), StartParams{
		Agent:   fx.ruth,
		Team:    fx.team,
		Trigger: trig,
		Sender:  &identity.Sender{Agent: fx.sam},
	})
	if err != nil {
		t.Fatal(err)
	}

	if ruthFlow.Requester.Email != "boss@corp.example" {
		t.Errorf("requester = %+v, want inherited boss", ruthFlow.Requester)
	}
	if ruthFlow.UserID == nil || *ruthFlow.UserID != fx.boss.ID {
		t.Errorf("user id = %v, want inherited", ruthFlow.UserID)
	}
}

func TestSweeperExpiresOverdueFlows(t *testing.T) {
	fx := newFixture(t)
	f := fx.start(t, &identity.Sender{User: fx.boss})
	f.Deadline = time.Now().Add(-time.Minute)
	if err := fx.mem.Flows.Update(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	fresh := fx.start(t, &identity.Sender{User: fx.boss})

	s := NewSweeper(fx.engine, fx.mem.Flows, fx.cfg)
	s.sweep(context.Background())

	got, _ := fx.mem.Flows.Get(context.Background(), f.ID)
	if got.Status != store.FlowExpired {
		t.Errorf("overdue flow = %s", got.Status)
	}
	still, _ := fx.mem.Flows.Get(context.Background(), fresh.ID)
	if still.Status != store.FlowRunning {
		t.Errorf("fresh flow = %s", still.Status)
	}
}

func TestFlowLockBusy(t *testing.T) {
	locks := newFlowLocks()
	id := uuid.New()

	if err := locks.acquire(context.Background(), id, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := locks.acquire(context.Background(), id, 50*time.Millisecond); err != ErrFlowBusy {
		t.Fatalf("err = %v, want ErrFlowBusy", err)
	}

	locks.release(id, true)
	if err := locks.acquire(context.Background(), id, 50*time.Millisecond); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	locks.release(id, true)
}
