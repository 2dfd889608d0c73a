// Package policy evaluates per-agent mail allow rules. Evaluation is
// pure: callers resolve identity (team domain, membership, peer agents)
// up front and pass plain values in, so the same inputs always yield the
// same verdict.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/patrick-hofmann/koompl/internal/mail"
	"github.com/patrick-hofmann/koompl/internal/store"
)

// ErrDenied wraps every deny verdict so callers can branch with
// errors.Is while keeping the rule-specific reason.
var ErrDenied = errors.New("mail policy denied")

// Party is the counterpart of a policy check: the sender on inbound,
// the recipient on outbound.
type Party struct {
	Email string

	// TeamMember is true when the address belongs to a registered member
	// of the agent's team.
	TeamMember bool

	// AgentUsername is set when the address is another agent in the same
	// team.
	AgentUsername string
}

// Verdict is the outcome of one evaluation. Reason names the rule that
// decided, for logs and round records.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Err converts a deny verdict into an error; allowed verdicts return nil.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDenied, v.Reason)
}

// EvaluateInbound decides whether the agent may receive mail from the
// party. teamDomain is the agent's team domain.
func EvaluateInbound(agent *store.AgentData, teamDomain string, sender Party) Verdict {
	return evaluate(agent, teamDomain, sender, "")
}

// EvaluateOutbound decides whether the agent may send mail to the party.
// requesterEmail is the originating requester of the current flow, empty
// when no flow applies; the requester is always reachable so an agent
// can answer the person it works for.
func EvaluateOutbound(agent *store.AgentData, teamDomain string, recipient Party, requesterEmail string) Verdict {
	return evaluate(agent, teamDomain, recipient, requesterEmail)
}

func evaluate(agent *store.AgentData, teamDomain string, party Party, requesterEmail string) Verdict {
	addr := strings.ToLower(mail.CleanAddress(party.Email))
	teamDomain = strings.ToLower(teamDomain)

	switch agent.MailPolicy.Mode {
	case store.PolicyOpen, "":
		return Verdict{Allowed: true, Reason: "open"}

	case store.PolicyTeamOnly:
		if mail.Domain(addr) == teamDomain {
			return Verdict{Allowed: true, Reason: "team_only: team domain"}
		}
		if party.TeamMember {
			return Verdict{Allowed: true, Reason: "team_only: team member"}
		}
		if requesterEmail != "" && mail.SameAddress(addr, requesterEmail) {
			return Verdict{Allowed: true, Reason: "team_only: flow requester"}
		}
		return Verdict{Reason: fmt.Sprintf("team_only: %s is outside team %s", addr, teamDomain)}

	case store.PolicyAllowlist:
		for _, allowed := range agent.MailPolicy.Allowlist {
			if mail.SameAddress(addr, allowed) {
				return Verdict{Allowed: true, Reason: "allowlist: listed address"}
			}
		}
		if requesterEmail != "" && mail.SameAddress(addr, requesterEmail) {
			return Verdict{Allowed: true, Reason: "allowlist: flow requester"}
		}
		if party.AgentUsername != "" {
			for _, u := range agent.MultiRound.AllowedAgentUsernames {
				if strings.EqualFold(u, party.AgentUsername) {
					return Verdict{Allowed: true, Reason: "allowlist: allowed peer agent"}
				}
			}
		}
		return Verdict{Reason: fmt.Sprintf("allowlist: %s not listed for agent %s", addr, agent.Username)}
	}

	return Verdict{Reason: fmt.Sprintf("unknown policy mode %q", agent.MailPolicy.Mode)}
}
