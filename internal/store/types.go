package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BaseModel holds the fields shared by all first-class entities.
type BaseModel struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TeamData is a mail team: one DNS domain, a set of users, a set of agents.
// Read-only from the engine's perspective.
type TeamData struct {
	BaseModel
	Name   string `json:"name"`
	Domain string `json:"domain"` // unique, stored lower-cased
}

// UserData is a human member of one or more teams.
type UserData struct {
	BaseModel
	Name  string `json:"name"`
	Email string `json:"email"`
}

// MembershipData associates a user with a team.
type MembershipData struct {
	TeamID uuid.UUID `json:"team_id"`
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role,omitempty"`
}

// MailPolicyMode selects the per-agent send/receive rule set.
type MailPolicyMode string

const (
	PolicyOpen      MailPolicyMode = "open"
	PolicyTeamOnly  MailPolicyMode = "team_only"
	PolicyAllowlist MailPolicyMode = "allowlist"
)

// MailPolicyData is the per-agent policy configuration. Evaluation lives in
// the policy package; this is just the stored shape.
type MailPolicyData struct {
	Mode      MailPolicyMode `json:"mode"`
	Allowlist []string       `json:"allowlist,omitempty"` // addresses, case-folded on load
}

// MultiRoundConfig controls the flow engine behaviour for one agent.
// AllowedAgentIDs is the legacy field from older records; Normalize folds it
// into AllowedAgentUsernames at load time so call sites never see it.
type MultiRoundConfig struct {
	Enabled                  bool     `json:"enabled"`
	MaxRounds                int      `json:"max_rounds,omitempty"`
	TimeoutMinutes           int      `json:"timeout_minutes,omitempty"`
	CanCommunicateWithAgents bool     `json:"can_communicate_with_agents"`
	AllowedAgentUsernames    []string `json:"allowed_agent_usernames,omitempty"`
	AllowedAgentIDs          []string `json:"allowed_agent_ids,omitempty"` // legacy
}

// AgentData is a persona with an address in a team's mail domain.
type AgentData struct {
	BaseModel
	TeamID       uuid.UUID        `json:"team_id"`
	Username     string           `json:"username"` // local-part only, lower-cased
	Name         string           `json:"name"`
	Role         string           `json:"role,omitempty"`
	Prompt       string           `json:"prompt,omitempty"` // LLM system message
	MCPServerIDs []uuid.UUID      `json:"mcp_server_ids,omitempty"`
	MailPolicy   MailPolicyData   `json:"mail_policy"`
	MultiRound   MultiRoundConfig `json:"multi_round"`
}

// Address returns the agent's full mail address within its team domain.
func (a *AgentData) Address(domain string) string {
	return a.Username + "@" + domain
}

// Normalize folds legacy fields and case-folds strings that must compare
// case-insensitively. Stores call this on every load so normalization never
// leaks into call sites.
func (a *AgentData) Normalize(resolveLegacyID func(id string) string) {
	a.Username = strings.ToLower(strings.TrimSpace(a.Username))

	for i, addr := range a.MailPolicy.Allowlist {
		a.MailPolicy.Allowlist[i] = strings.ToLower(strings.TrimSpace(addr))
	}

	// Legacy allowedAgentIds → allowedAgentUsernames migration.
	if len(a.MultiRound.AllowedAgentIDs) > 0 {
		seen := make(map[string]bool, len(a.MultiRound.AllowedAgentUsernames))
		for _, u := range a.MultiRound.AllowedAgentUsernames {
			seen[strings.ToLower(u)] = true
		}
		for _, id := range a.MultiRound.AllowedAgentIDs {
			username := ""
			if resolveLegacyID != nil {
				username = resolveLegacyID(id)
			}
			if username == "" {
				continue
			}
			username = strings.ToLower(username)
			if !seen[username] {
				seen[username] = true
				a.MultiRound.AllowedAgentUsernames = append(a.MultiRound.AllowedAgentUsernames, username)
			}
		}
		a.MultiRound.AllowedAgentIDs = nil
	}

	for i, u := range a.MultiRound.AllowedAgentUsernames {
		a.MultiRound.AllowedAgentUsernames[i] = strings.ToLower(strings.TrimSpace(u))
	}
}

// MaxRoundsOrDefault applies the configured fallback when the agent record
// leaves the field unset.
func (c MultiRoundConfig) MaxRoundsOrDefault(def int) int {
	if c.MaxRounds > 0 {
		return c.MaxRounds
	}
	return def
}

// TimeoutOrDefault applies the configured fallback when the agent record
// leaves the field unset.
func (c MultiRoundConfig) TimeoutOrDefault(def int) int {
	if c.TimeoutMinutes > 0 {
		return c.TimeoutMinutes
	}
	return def
}
