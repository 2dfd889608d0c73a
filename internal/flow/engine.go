// Package flow owns the lifecycle of inbound-triggered conversations:
// start, per-round execution, suspension on delegation, resumption on
// matched replies, and deadline expiry.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/patrick-hofmann/koompl/internal/config"
	"github.com/patrick-hofmann/koompl/internal/decision"
	"github.com/patrick-hofmann/koompl/internal/identity"
	"github.com/patrick-hofmann/koompl/internal/mail"
	"github.com/patrick-hofmann/koompl/internal/router"
	"github.com/patrick-hofmann/koompl/internal/store"
	"github.com/patrick-hofmann/koompl/internal/telemetry"
)

// ErrPreconditionFailed is returned when an operation meets a flow in
// the wrong status, e.g. resuming a flow that is not waiting.
var ErrPreconditionFailed = errors.New("flow precondition failed")

// lockWait bounds how long a resume or round waits for a busy flow.
const lockWait = 3 * time.Second

// Terminal replies to the requester are retried on gateway failure:
// finalSendRetries extra attempts, backoff doubling from finalSendBackoff.
const (
	finalSendRetries = 2
	finalSendBackoff = 2 * time.Second
)

// Decider is the decision engine seam; tests script it.
type Decider interface {
	Decide(ctx context.Context, in decision.Input) (*decision.Outcome, error)
}

// Notifier receives flow lifecycle events. The websocket hub implements
// it; a nil notifier is valid.
type Notifier interface {
	FlowEvent(event string, f *store.FlowData)
}

type Engine struct {
	flows   store.FlowStore
	view    *identity.View
	router  *router.Router
	decider Decider
	cfg     *config.Config
	notify  Notifier
	locks   *flowLocks

	sendBackoff   time.Duration
	mintRequestID func() string
}

func NewEngine(flows store.FlowStore, view *identity.View, r *router.Router, decider Decider, cfg *config.Config, notify Notifier) *Engine {
	return &Engine{
		flows:         flows,
		view:          view,
		router:        r,
		decider:       decider,
		cfg:           cfg,
		notify:        notify,
		locks:         newFlowLocks(),
		sendBackoff:   finalSendBackoff,
		mintRequestID: store.NewRequestID,
	}
}

// sendTerminal delivers a terminal reply (final response, fail apology,
// expiry apology) to the requester, retrying transport failures with
// backoff. Policy denials are not retried.
func (e *Engine) sendTerminal(ctx context.Context, agent *store.AgentData, f *store.FlowData, body string, atts []store.MailAttachment) (*store.MailEntry, error) {
	var entry *store.MailEntry
	var err error
	for attempt := 0; ; attempt++ {
		entry, err = e.router.SendAgentToUser(ctx, agent, f.Requester.Email, mail.ReplySubject(f.Trigger.Subject), body, f, atts)
		if err == nil || !errors.Is(err, router.ErrSendFailed) || attempt >= finalSendRetries {
			return entry, err
		}
		slog.Warn("flow.terminal_send_retry", "flow", f.ID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return entry, err
		case <-time.After(e.sendBackoff << attempt):
		}
	}
}

func (e *Engine) emit(event string, f *store.FlowData) {
	if e.notify != nil {
		e.notify.FlowEvent(event, f)
	}
}

// StartParams describes the inbound mail that opens a flow.
type StartParams struct {
	Agent   *store.AgentData
	Team    *store.TeamData
	Trigger store.TriggerEmail
	Sender  *identity.Sender
}

// StartFlow persists a new running flow. The requester defaults to the
// raw sender; when the sender is a known user, their record supplies
// name and id. When the sender is itself an agent replying to a
// delegation request, requester and user id are inherited from the
// delegating flow so the user context survives agent-to-agent hops.
func (e *Engine) StartFlow(ctx context.Context, p StartParams) (*store.FlowData, error) {
	now := time.Now().UTC()

	flowsCfg := e.cfg.Snapshot().Flows
	maxRounds := p.Agent.MultiRound.MaxRounds
	if maxRounds <= 0 {
		maxRounds = flowsCfg.DefaultMaxRounds
	}
	timeoutMin := p.Agent.MultiRound.TimeoutMinutes
	if timeoutMin <= 0 {
		timeoutMin = flowsCfg.DefaultTimeoutMinutes
	}

	f := &store.FlowData{
		ID:             store.GenNewID(),
		AgentID:        p.Agent.ID,
		TeamID:         p.Team.ID,
		Requester:      store.Requester{Email: mail.CleanAddress(p.Trigger.From), Name: mail.DisplayName(p.Trigger.From)},
		Status:         store.FlowRunning,
		Trigger:        p.Trigger,
		CurrentRound:   0,
		MaxRounds:      maxRounds,
		TimeoutMinutes: timeoutMin,
		StartedAt:      now,
		Deadline:       now.Add(time.Duration(timeoutMin) * time.Minute),
	}

	if p.Sender != nil && p.Sender.User != nil {
		f.Requester = store.Requester{Name: p.Sender.User.Name, Email: p.Sender.User.Email}
		uid := p.Sender.User.ID
		f.UserID = &uid
	}

	if p.Sender != nil && p.Sender.Agent != nil {
		e.inheritRequester(ctx, f, p.Trigger.Subject)
	}

	if err := e.flows.Create(ctx, f); err != nil {
		return nil, fmt.Errorf("create flow: %w", err)
	}

	slog.Info("flow.started",
		"flow", f.ID,
		"agent", p.Agent.Username,
		"requester", f.Requester.Email,
		"deadline", f.Deadline,
	)
	e.emit("flow.started", f)
	return f, nil
}

// inheritRequester copies requester and user id from the delegating
// flow identified by the request-id token in the subject.
func (e *Engine) inheritRequester(ctx context.Context, f *store.FlowData, subject string) {
	reqID := mail.ExtractRequestID(subject)
	if reqID == "" {
		return
	}
	upstream, err := e.flows.FindByRequestID(ctx, reqID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("flow.inherit_lookup_failed", "request_id", reqID, "error", err)
		}
		return
	}
	f.Requester = upstream.Requester
	if upstream.UserID != nil {
		uid := *upstream.UserID
		f.UserID = &uid
	}
	slog.Debug("flow.requester_inherited", "flow", f.ID, "upstream", upstream.ID)
}

// ExecuteRound runs decision rounds until the flow suspends or ends.
// Consecutive continue decisions loop inline, bounded by max rounds.
func (e *Engine) ExecuteRound(ctx context.Context, flowID uuid.UUID) error {
	if err := e.locks.acquire(ctx, flowID, lockWait); err != nil {
		return err
	}
	defer e.locks.release(flowID, true)

	return e.executeRoundsLocked(ctx, flowID)
}

func (e *Engine) executeRoundsLocked(ctx context.Context, flowID uuid.UUID) error {
	for {
		f, err := e.flows.Get(ctx, flowID)
		if err != nil {
			return fmt.Errorf("load flow: %w", err)
		}
		if f.Status != store.FlowRunning {
			return fmt.Errorf("%w: flow %s is %s, not running", ErrPreconditionFailed, f.ID, f.Status)
		}

		cont, err := e.runOneRound(ctx, f)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// runOneRound executes one decision cycle. It reports whether the
// caller should immediately run the next round (continue decisions).
func (e *Engine) runOneRound(ctx context.Context, f *store.FlowData) (bool, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "flow.round", trace.WithAttributes(
		attribute.String("flow.id", f.ID.String()),
		attribute.Int("flow.round", f.CurrentRound),
	))
	defer span.End()

	now := time.Now().UTC()

	if f.Expired(now) {
		return false, e.expireLocked(ctx, f)
	}

	lastChance := f.CurrentRound >= f.MaxRounds
	agent, err := e.view.AgentByID(ctx, f.AgentID)
	if err != nil {
		return false, fmt.Errorf("load agent: %w", err)
	}
	teamAgents, err := e.view.TeamAgents(ctx, f.TeamID)
	if err != nil {
		return false, fmt.Errorf("list team agents: %w", err)
	}

	dctx := store.WithFlowID(store.WithTeamID(store.WithAgentID(ctx, agent.ID), f.TeamID), f.ID)
	if f.UserID != nil {
		dctx = store.WithUserID(dctx, f.UserID.String())
	}

	round := store.RoundData{Number: f.CurrentRound, StartedAt: now}

	out, err := e.decider.Decide(dctx, decision.Input{
		Flow:       f,
		Agent:      agent,
		Peers:      decision.FilterPeers(agent, teamAgents),
		Now:        now,
		LastChance: lastChance,
	})
	if err != nil {
		return false, fmt.Errorf("decide round %d: %w", f.CurrentRound, err)
	}

	d := out.Decision
	if lastChance && d.Type != store.DecisionComplete && d.Type != store.DecisionFail {
		slog.Warn("flow.max_rounds_forced_fail", "flow", f.ID, "decision", d.Type)
		d = &store.Decision{
			Type:          store.DecisionFail,
			Reasoning:     "max rounds reached",
			FinalResponse: "I'm sorry, I could not finish your request within the allowed number of steps.",
		}
	}

	round.Decision = d
	round.MCPCalls = out.Calls
	round.EndedAt = time.Now().UTC()

	switch d.Type {
	case store.DecisionComplete:
		err = e.dispatchComplete(ctx, f, agent, d, &round)
	case store.DecisionWaitForAgent:
		err = e.dispatchWait(ctx, f, agent, d, &round, now)
	case store.DecisionFail:
		err = e.dispatchFail(ctx, f, agent, d, &round)
	case store.DecisionContinue:
		f.Rounds = append(f.Rounds, round)
		f.CurrentRound = len(f.Rounds)
		f.UpdatedAt = time.Now().UTC()
		if err := e.flows.Update(ctx, f); err != nil {
			return false, fmt.Errorf("persist round: %w", err)
		}
		e.emit("flow.round", f)
		return true, nil
	default:
		err = fmt.Errorf("unexpected decision type %q", d.Type)
	}
	return false, err
}

func (e *Engine) dispatchComplete(ctx context.Context, f *store.FlowData, agent *store.AgentData, d *store.Decision, round *store.RoundData) error {
	entry, sendErr := e.sendTerminal(ctx, agent, f, d.FinalResponse, d.Attachments)
	if entry != nil {
		round.Messages = append(round.Messages, *entry)
	}

	f.Rounds = append(f.Rounds, *round)
	f.CurrentRound = len(f.Rounds)
	f.FinalResponse = d.FinalResponse
	f.WaitingFor = nil
	f.UpdatedAt = time.Now().UTC()

	// completed means the requester actually got the reply. If the send
	// is still failing after retries the flow ends failed, with the
	// response preserved for the audit trail.
	if sendErr != nil {
		slog.Error("flow.final_reply_failed", "flow", f.ID, "error", sendErr)
		f.Status = store.FlowFailed
		if err := e.flows.Update(ctx, f); err != nil {
			return fmt.Errorf("persist failed flow: %w", err)
		}
		e.emit("flow.failed", f)
		return sendErr
	}

	f.Status = store.FlowCompleted
	if err := e.flows.Update(ctx, f); err != nil {
		return fmt.Errorf("persist completed flow: %w", err)
	}
	slog.Info("flow.completed", "flow", f.ID, "rounds", len(f.Rounds))
	e.emit("flow.completed", f)
	return nil
}

func (e *Engine) dispatchFail(ctx context.Context, f *store.FlowData, agent *store.AgentData, d *store.Decision, round *store.RoundData) error {
	if d.FinalResponse != "" {
		entry, sendErr := e.sendTerminal(ctx, agent, f, d.FinalResponse, nil)
		if entry != nil {
			round.Messages = append(round.Messages, *entry)
		}
		if sendErr != nil {
			slog.Error("flow.fail_reply_failed", "flow", f.ID, "error", sendErr)
		}
	}

	f.Rounds = append(f.Rounds, *round)
	f.CurrentRound = len(f.Rounds)
	f.Status = store.FlowFailed
	f.FinalResponse = d.FinalResponse
	f.WaitingFor = nil
	f.UpdatedAt = time.Now().UTC()
	if err := e.flows.Update(ctx, f); err != nil {
		return fmt.Errorf("persist failed flow: %w", err)
	}
	slog.Info("flow.failed", "flow", f.ID, "reasoning", d.Reasoning)
	e.emit("flow.failed", f)
	return nil
}

func (e *Engine) dispatchWait(ctx context.Context, f *store.FlowData, agent *store.AgentData, d *store.Decision, round *store.RoundData, now time.Time) error {
	requestID := e.mintRequestID()
	// A collision within the waiting set would misroute the reply; re-mint once.
	if _, err := e.flows.FindByRequestID(ctx, requestID); err == nil {
		slog.Warn("flow.request_id_collision", "flow", f.ID, "request_id", requestID)
		requestID = e.mintRequestID()
	}
	d.RequestID = requestID

	entry, sendErr := e.router.SendAgentToAgent(ctx, agent, d.TargetUsername, d.Subject, d.Body, f.ID, requestID)
	if entry != nil {
		round.Messages = append(round.Messages, *entry)
	}
	if sendErr != nil {
		// Delegation mail never left; the flow would wait forever.
		slog.Error("flow.delegation_send_failed", "flow", f.ID, "target", d.TargetUsername, "error", sendErr)
		fail := &store.Decision{
			Type:          store.DecisionFail,
			Reasoning:     fmt.Sprintf("could not reach %s: %v", d.TargetUsername, sendErr),
			FinalResponse: "I'm sorry, I could not reach a colleague needed for your request.",
		}
		round.Decision = fail
		return e.dispatchFail(ctx, f, agent, fail, round)
	}

	wait := time.Duration(f.TimeoutMinutes) * time.Minute
	if remaining := f.Deadline.Sub(now); remaining < wait {
		wait = remaining
	}

	f.WaitingFor = &store.WaitingFor{
		Type:                store.WaitAgentResponse,
		RequestID:           requestID,
		TargetAgentUsername: d.TargetUsername,
		SentMessageID:       entry.MessageID,
		ThreadMessageIDs:    []string{entry.MessageID},
		ExpectedBy:          now.Add(wait),
	}
	f.Rounds = append(f.Rounds, *round)
	f.CurrentRound = len(f.Rounds)
	f.Status = store.FlowWaiting
	f.UpdatedAt = time.Now().UTC()
	if err := e.flows.Update(ctx, f); err != nil {
		return fmt.Errorf("persist waiting flow: %w", err)
	}
	slog.Info("flow.waiting",
		"flow", f.ID,
		"target", d.TargetUsername,
		"request_id", requestID,
		"expected_by", f.WaitingFor.ExpectedBy,
	)
	e.emit("flow.waiting", f)
	return nil
}

// ResumeFlow feeds a matched reply into a waiting flow and immediately
// executes the next round under the same lock.
func (e *Engine) ResumeFlow(ctx context.Context, flowID uuid.UUID, incoming *store.MailEntry) error {
	if err := e.locks.acquire(ctx, flowID, lockWait); err != nil {
		return err
	}
	defer e.locks.release(flowID, true)

	f, err := e.flows.Get(ctx, flowID)
	if err != nil {
		return fmt.Errorf("load flow: %w", err)
	}
	if f.Status != store.FlowWaiting {
		return fmt.Errorf("%w: flow %s is %s, not waiting", ErrPreconditionFailed, f.ID, f.Status)
	}

	// The reply belongs to the round that asked the question.
	if n := len(f.Rounds); n > 0 {
		f.Rounds[n-1].Messages = append(f.Rounds[n-1].Messages, *incoming)
	}
	f.Status = store.FlowRunning
	f.WaitingFor = nil
	f.CurrentRound = len(f.Rounds)
	f.UpdatedAt = time.Now().UTC()
	if err := e.flows.Update(ctx, f); err != nil {
		return fmt.Errorf("persist resumed flow: %w", err)
	}
	slog.Info("flow.resumed", "flow", f.ID, "from", incoming.From)
	e.emit("flow.resumed", f)

	return e.executeRoundsLocked(ctx, flowID)
}

// expireLocked transitions a flow past its deadline and sends the
// best-effort apology when configured.
func (e *Engine) expireLocked(ctx context.Context, f *store.FlowData) error {
	alreadyAnswered := f.FinalResponse != ""

	f.Status = store.FlowExpired
	f.WaitingFor = nil
	f.UpdatedAt = time.Now().UTC()
	if err := e.flows.Update(ctx, f); err != nil {
		return fmt.Errorf("persist expired flow: %w", err)
	}
	slog.Warn("flow.expired", "flow", f.ID, "deadline", f.Deadline)
	e.emit("flow.expired", f)

	if alreadyAnswered || f.Requester.Email == "" || !e.cfg.Snapshot().Flows.ApologyOnExpiry {
		return nil
	}
	agent, err := e.view.AgentByID(ctx, f.AgentID)
	if err != nil {
		return nil
	}
	if _, err := e.sendTerminal(ctx, agent, f,
		"I was unable to complete your request in time. Please try again.", nil); err != nil {
		slog.Warn("flow.expiry_apology_failed", "flow", f.ID, "error", err)
	}
	return nil
}

// Expire is the sweeper entry point: it takes the flow lock and applies
// the deadline transition if still due.
func (e *Engine) Expire(ctx context.Context, flowID uuid.UUID) error {
	if err := e.locks.acquire(ctx, flowID, lockWait); err != nil {
		return err
	}
	defer e.locks.release(flowID, true)

	f, err := e.flows.Get(ctx, flowID)
	if err != nil {
		return fmt.Errorf("load flow: %w", err)
	}
	if f.Status.Terminal() || !f.Expired(time.Now().UTC()) {
		return nil
	}
	return e.expireLocked(ctx, f)
}

// Terminate force-fails a flow from the admin surface. No mail is sent;
// the operator is expected to follow up out of band.
func (e *Engine) Terminate(ctx context.Context, flowID uuid.UUID, reason string) error {
	if err := e.locks.acquire(ctx, flowID, lockWait); err != nil {
		return err
	}
	defer e.locks.release(flowID, true)

	f, err := e.flows.Get(ctx, flowID)
	if err != nil {
		return fmt.Errorf("load flow: %w", err)
	}
	if f.Status.Terminal() {
		return fmt.Errorf("%w: flow %s is already %s", ErrPreconditionFailed, f.ID, f.Status)
	}

	f.Status = store.FlowFailed
	f.WaitingFor = nil
	f.FinalResponse = reason
	f.UpdatedAt = time.Now().UTC()
	if err := e.flows.Update(ctx, f); err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	slog.Info("flow.terminated", "flow", f.ID, "reason", reason)
	e.emit("flow.failed", f)
	return nil
}
