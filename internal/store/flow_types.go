package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FlowStatus is the lifecycle state of a flow.
type FlowStatus string

const (
	FlowRunning   FlowStatus = "running"
	FlowWaiting   FlowStatus = "waiting"
	FlowCompleted FlowStatus = "completed"
	FlowFailed    FlowStatus = "failed"
	FlowExpired   FlowStatus = "expired"
)

// Terminal reports whether no further rounds may execute.
func (s FlowStatus) Terminal() bool {
	return s == FlowCompleted || s == FlowFailed || s == FlowExpired
}

// Requester identifies who the flow ultimately answers to. For delegated
// flows this is inherited from the upstream flow, not the agent that sent
// the triggering mail.
type Requester struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// TriggerEmail is the snapshot of the inbound mail that started a flow.
type TriggerEmail struct {
	MessageID   string           `json:"message_id"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	InReplyTo   []string         `json:"in_reply_to,omitempty"`
	References  []string         `json:"references,omitempty"`
	Attachments []MailAttachment `json:"attachments,omitempty"`
}

// DecisionType enumerates the four per-round outcomes.
type DecisionType string

const (
	DecisionComplete     DecisionType = "complete"
	DecisionWaitForAgent DecisionType = "wait_for_agent"
	DecisionContinue     DecisionType = "continue"
	DecisionFail         DecisionType = "fail"
)

// Decision is the typed outcome of one decision-engine round.
type Decision struct {
	Type       DecisionType `json:"type"`
	Reasoning  string       `json:"reasoning,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`

	// complete / fail
	FinalResponse string           `json:"final_response,omitempty"`
	Attachments   []MailAttachment `json:"attachments,omitempty"`

	// wait_for_agent
	TargetUsername string `json:"target_username,omitempty"`
	Subject        string `json:"subject,omitempty"`
	Body           string `json:"body,omitempty"`
	Question       string `json:"question,omitempty"`
	RequestID      string `json:"request_id,omitempty"` // assigned by the engine
}

// MCPCall records one tool invocation made during a round.
type MCPCall struct {
	Tool    string          `json:"tool"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	At      time.Time       `json:"at"`
}

// RoundData is one decision cycle inside a flow. Messages are copies of the
// mail entries sent or received during the round, kept for replay.
type RoundData struct {
	Number    int         `json:"number"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
	Decision  *Decision   `json:"decision,omitempty"`
	MCPCalls  []MCPCall   `json:"mcp_calls,omitempty"`
	Messages  []MailEntry `json:"messages,omitempty"`
}

// WaitAgentResponse is the only wait type today; the field exists so
// other resumption triggers can be added without a schema change.
const WaitAgentResponse = "agent_response"

// WaitingFor describes the event that will resume a suspended flow.
// Present iff the flow status is waiting.
type WaitingFor struct {
	Type                string    `json:"type"`
	RequestID           string    `json:"request_id"`
	TargetAgentUsername string    `json:"target_agent_username"`
	SentMessageID       string    `json:"sent_message_id"`
	ThreadMessageIDs    []string  `json:"thread_message_ids"`
	ExpectedBy          time.Time `json:"expected_by"`
}

// FlowData is the persistent state of one inbound-triggered conversation.
type FlowData struct {
	ID        uuid.UUID  `json:"id"`
	AgentID   uuid.UUID  `json:"agent_id"`
	TeamID    uuid.UUID  `json:"team_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Requester Requester  `json:"requester"`

	Status  FlowStatus   `json:"status"`
	Trigger TriggerEmail `json:"trigger"`

	CurrentRound   int       `json:"current_round"` // 0-based; equals len(Rounds)
	MaxRounds      int       `json:"max_rounds"`
	TimeoutMinutes int       `json:"timeout_minutes"`
	StartedAt      time.Time `json:"started_at"`
	Deadline       time.Time `json:"deadline"`

	Rounds        []RoundData `json:"rounds"`
	WaitingFor    *WaitingFor `json:"waiting_for,omitempty"`
	FinalResponse string      `json:"final_response,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether now is past the flow deadline.
func (f *FlowData) Expired(now time.Time) bool {
	return now.After(f.Deadline)
}

// ThreadIDs returns the set of message-ids a reply to this flow's pending
// request may reference.
func (f *FlowData) ThreadIDs() []string {
	if f.WaitingFor == nil {
		return nil
	}
	return f.WaitingFor.ThreadMessageIDs
}
