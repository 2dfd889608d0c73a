// Package identity resolves mail addresses to teams, users, and agents.
// It layers case-folded lookup and short-lived caching over the backing
// stores so the webhook hot path does not hammer the database on every
// delivery.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/mail"
	"github.com/patrick-hofmann/koompl/internal/store"
)

// cacheTTL bounds staleness after admin-side edits.
const cacheTTL = 30 * time.Second

// Recipient is the resolved target of an inbound mail.
type Recipient struct {
	Team  *store.TeamData
	Agent *store.AgentData
}

// Sender classifies who sent an inbound mail relative to a team.
type Sender struct {
	// User is set when the address belongs to a registered human.
	User *store.UserData
	// Agent is set when the address belongs to an agent in the same team.
	Agent *store.AgentData
	// External is true when the address matches neither.
	External bool
}

// View is the read-side identity resolver.
type View struct {
	teams  store.TeamStore
	agents store.AgentStore

	mu      sync.Mutex
	domains map[string]cachedTeam
}

type cachedTeam struct {
	team    *store.TeamData
	fetched time.Time
}

func NewView(teams store.TeamStore, agents store.AgentStore) *View {
	return &View{teams: teams, agents: agents, domains: make(map[string]cachedTeam)}
}

// TeamByDomain resolves a mail domain to its team, case-insensitively.
func (v *View) TeamByDomain(ctx context.Context, domain string) (*store.TeamData, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, fmt.Errorf("identity: empty domain: %w", store.ErrNotFound)
	}

	v.mu.Lock()
	if c, ok := v.domains[domain]; ok && time.Since(c.fetched) < cacheTTL {
		v.mu.Unlock()
		return c.team, nil
	}
	v.mu.Unlock()

	t, err := v.teams.GetTeamByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.domains[domain] = cachedTeam{team: t, fetched: time.Now()}
	v.mu.Unlock()
	return t, nil
}

// ResolveRecipient maps a To address to the owning team and agent.
func (v *View) ResolveRecipient(ctx context.Context, to string) (*Recipient, error) {
	addr := mail.CleanAddress(to)
	local, domain := mail.LocalPart(addr), mail.Domain(addr)
	if local == "" || domain == "" {
		return nil, fmt.Errorf("identity: unparseable recipient %q: %w", to, store.ErrNotFound)
	}

	team, err := v.TeamByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	agent, err := v.agents.GetByUsername(ctx, team.ID, local)
	if err != nil {
		return nil, err
	}
	return &Recipient{Team: team, Agent: agent}, nil
}

// ClassifySender determines whether a From address is a registered user,
// a same-team agent, or external, relative to the receiving team.
func (v *View) ClassifySender(ctx context.Context, team *store.TeamData, from string) (*Sender, error) {
	addr := mail.CleanAddress(from)

	// Same-domain agent first: an agent address shadows any user record
	// with the same email.
	if strings.EqualFold(mail.Domain(addr), team.Domain) {
		if agent, err := v.agents.GetByUsername(ctx, team.ID, mail.LocalPart(addr)); err == nil {
			return &Sender{Agent: agent}, nil
		}
	}

	if user, err := v.teams.GetUserByEmail(ctx, addr); err == nil {
		member, err := v.isMember(ctx, team.ID, user.ID)
		if err != nil {
			return nil, err
		}
		if member {
			return &Sender{User: user}, nil
		}
	}

	return &Sender{External: true}, nil
}

func (v *View) isMember(ctx context.Context, teamID, userID uuid.UUID) (bool, error) {
	members, err := v.teams.ListMembers(ctx, teamID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.ID == userID {
			return true, nil
		}
	}
	return false, nil
}

// TeamByID fetches a team record.
func (v *View) TeamByID(ctx context.Context, id uuid.UUID) (*store.TeamData, error) {
	return v.teams.GetTeam(ctx, id)
}

// AgentByUsername resolves a peer agent within a team.
func (v *View) AgentByUsername(ctx context.Context, teamID uuid.UUID, username string) (*store.AgentData, error) {
	return v.agents.GetByUsername(ctx, teamID, username)
}

// AgentByID fetches an agent record.
func (v *View) AgentByID(ctx context.Context, id uuid.UUID) (*store.AgentData, error) {
	return v.agents.GetByID(ctx, id)
}

// TeamAgents lists all agents of a team, for peer discovery in prompts.
func (v *View) TeamAgents(ctx context.Context, teamID uuid.UUID) ([]store.AgentData, error) {
	return v.agents.ListByTeam(ctx, teamID)
}

// TeamMembers lists the humans of a team.
func (v *View) TeamMembers(ctx context.Context, teamID uuid.UUID) ([]store.UserData, error) {
	return v.teams.ListMembers(ctx, teamID)
}

// Invalidate clears the domain cache. Admin mutations call this so edits
// become visible without waiting out the TTL.
func (v *View) Invalidate() {
	v.mu.Lock()
	v.domains = make(map[string]cachedTeam)
	v.mu.Unlock()
}
