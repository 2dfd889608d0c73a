package store

import (
	"context"

	"github.com/google/uuid"
)

// MailStore is the append-only unified mail log. Writes are serialised by
// the implementation; readers observe pre- or post-state, never partial.
type MailStore interface {
	// StoreInbound inserts an inbound entry. Fails with ErrDuplicateMessageID
	// when the (normalized) message-id is already present.
	StoreInbound(ctx context.Context, e *MailEntry) error

	// StoreOutbound inserts an outbound entry, deriving ConversationID from
	// any referenced entry already in the store (falling back to the entry's
	// own message-id as thread root).
	StoreOutbound(ctx context.Context, e *MailEntry) error

	// GetByMessageID looks up an entry case-insensitively, tolerating angle
	// brackets in the argument.
	GetByMessageID(ctx context.Context, messageID string) (*MailEntry, error)

	// Conversation returns all entries sharing the conversation id, in
	// timestamp order.
	Conversation(ctx context.Context, conversationID string) ([]MailEntry, error)

	// ListForAgent returns the newest entries for one agent, newest first.
	ListForAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]MailEntry, error)

	// ClearForAgent removes entries owned by the agent. Orphan entries
	// (AgentID == uuid.Nil) are preserved.
	ClearForAgent(ctx context.Context, agentID uuid.UUID) (int, error)
}

// FlowStore persists flows. Update replaces the whole record atomically; a
// flow is persisted at every status transition.
type FlowStore interface {
	Create(ctx context.Context, f *FlowData) error
	Get(ctx context.Context, id uuid.UUID) (*FlowData, error)
	Update(ctx context.Context, f *FlowData) error

	// ListByAgent filters by status when status != "".
	ListByAgent(ctx context.Context, agentID uuid.UUID, status FlowStatus) ([]FlowData, error)

	// ListWaiting returns flows owned by the agent with status waiting.
	ListWaiting(ctx context.Context, agentID uuid.UUID) ([]FlowData, error)

	// ListActive returns all running and waiting flows (sweeper scan set).
	ListActive(ctx context.Context) ([]FlowData, error)

	// List returns all flows, filtered by status when status != "",
	// newest first.
	List(ctx context.Context, status FlowStatus) ([]FlowData, error)

	// FindByRequestID returns the waiting flow whose WaitingFor.RequestID
	// matches, or ErrNotFound.
	FindByRequestID(ctx context.Context, requestID string) (*FlowData, error)
}

// AgentStore manages agent records. Create/Update/Delete exist for seeding
// and the admin surface; the engine itself only reads.
type AgentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*AgentData, error)
	GetByUsername(ctx context.Context, teamID uuid.UUID, username string) (*AgentData, error)
	ListByTeam(ctx context.Context, teamID uuid.UUID) ([]AgentData, error)
	List(ctx context.Context) ([]AgentData, error)
	Create(ctx context.Context, a *AgentData) error
	Update(ctx context.Context, a *AgentData) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// TeamStore manages teams, users, and memberships (the identity backing
// store; the identity view layers case-folded resolution and caching on
// top).
type TeamStore interface {
	GetTeam(ctx context.Context, id uuid.UUID) (*TeamData, error)
	GetTeamByDomain(ctx context.Context, domain string) (*TeamData, error)
	ListTeams(ctx context.Context) ([]TeamData, error)
	CreateTeam(ctx context.Context, t *TeamData) error

	GetUserByEmail(ctx context.Context, email string) (*UserData, error)
	GetUser(ctx context.Context, id uuid.UUID) (*UserData, error)
	CreateUser(ctx context.Context, u *UserData) error

	AddMember(ctx context.Context, teamID, userID uuid.UUID, role string) error
	ListMembers(ctx context.Context, teamID uuid.UUID) ([]UserData, error)
}

// MCPServerStore manages external MCP server definitions referenced by
// Agent.MCPServerIDs.
type MCPServerStore interface {
	GetServer(ctx context.Context, id uuid.UUID) (*MCPServerData, error)
	ListServers(ctx context.Context) ([]MCPServerData, error)
	CreateServer(ctx context.Context, s *MCPServerData) error
	DeleteServer(ctx context.Context, id uuid.UUID) error
}
