package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/mail"
)

// MemStores holds the in-memory implementations of every store interface.
// Used in development mode and throughout the tests; the SQL stores share
// its semantics.
type MemStores struct {
	Mail   *MemMailStore
	Flows  *MemFlowStore
	Agents *MemAgentStore
	Teams  *MemTeamStore
	MCP    *MemMCPStore
}

// NewMemStores creates an empty in-memory store set.
func NewMemStores() *MemStores {
	return &MemStores{
		Mail:   NewMemMailStore(),
		Flows:  NewMemFlowStore(),
		Agents: NewMemAgentStore(),
		Teams:  NewMemTeamStore(),
		MCP:    NewMemMCPStore(),
	}
}

// Stores returns the interface-typed view used for wiring.
func (m *MemStores) Stores() *Stores {
	return &Stores{
		Mail:   m.Mail,
		Flows:  m.Flows,
		Agents: m.Agents,
		Teams:  m.Teams,
		MCP:    m.MCP,
	}
}

// --- Mail ---

// MemMailStore is the in-memory unified mail log. A single writer lock
// guards mutation; reads take a shared lock and copy out.
type MemMailStore struct {
	mu      sync.RWMutex
	byID    map[string]*MailEntry // normalized message-id → entry
	ordered []string              // insertion order of message-ids
}

func NewMemMailStore() *MemMailStore {
	return &MemMailStore{byID: make(map[string]*MailEntry)}
}

func (s *MemMailStore) insert(ctx context.Context, e *MailEntry) error {
	NormalizeEntry(e)
	if e.MessageID == "" {
		return fmt.Errorf("mail store: empty message-id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[e.MessageID]; ok {
		return fmt.Errorf("mail store %q: %w", e.MessageID, ErrDuplicateMessageID)
	}
	if e.ID == uuid.Nil {
		e.ID = GenNewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ConversationID == "" {
		e.ConversationID = s.deriveConversationLocked(e)
	}

	cp := cloneEntry(e)
	s.byID[e.MessageID] = &cp
	s.ordered = append(s.ordered, e.MessageID)
	return nil
}

// deriveConversationLocked mirrors DeriveConversationID without re-taking
// the lock.
func (s *MemMailStore) deriveConversationLocked(e *MailEntry) string {
	for _, id := range mail.MergeReferences(e.InReplyTo, e.References) {
		if ref, ok := s.byID[id]; ok && ref.ConversationID != "" {
			return ref.ConversationID
		}
	}
	warnDanglingReply(e)
	return e.MessageID
}

func (s *MemMailStore) StoreInbound(ctx context.Context, e *MailEntry) error {
	e.Kind = MailInbound
	return s.insert(ctx, e)
}

func (s *MemMailStore) StoreOutbound(ctx context.Context, e *MailEntry) error {
	e.Kind = MailOutbound
	return s.insert(ctx, e)
}

func (s *MemMailStore) GetByMessageID(ctx context.Context, messageID string) (*MailEntry, error) {
	id := mail.NormalizeMessageID(messageID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("mail entry %q: %w", id, ErrNotFound)
	}
	cp := cloneEntry(e)
	return &cp, nil
}

func (s *MemMailStore) Conversation(ctx context.Context, conversationID string) ([]MailEntry, error) {
	conversationID = mail.NormalizeMessageID(conversationID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MailEntry
	for _, id := range s.ordered {
		if e := s.byID[id]; e.ConversationID == conversationID {
			out = append(out, cloneEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemMailStore) ListForAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]MailEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MailEntry
	for i := len(s.ordered) - 1; i >= 0; i-- {
		e := s.byID[s.ordered[i]]
		if e.AgentID == agentID {
			out = append(out, cloneEntry(e))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemMailStore) ClearForAgent(ctx context.Context, agentID uuid.UUID) (int, error) {
	if agentID == uuid.Nil {
		return 0, fmt.Errorf("mail store: refusing to clear orphan entries")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.ordered[:0]
	for _, id := range s.ordered {
		if s.byID[id].AgentID == agentID {
			delete(s.byID, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.ordered = kept
	return removed, nil
}

func cloneEntry(e *MailEntry) MailEntry {
	cp := *e
	cp.InReplyTo = append([]string(nil), e.InReplyTo...)
	cp.References = append([]string(nil), e.References...)
	cp.Attachments = append([]MailAttachment(nil), e.Attachments...)
	return cp
}

// --- Flows ---

type MemFlowStore struct {
	mu    sync.RWMutex
	flows map[uuid.UUID]*FlowData
}

func NewMemFlowStore() *MemFlowStore {
	return &MemFlowStore{flows: make(map[uuid.UUID]*FlowData)}
}

func (s *MemFlowStore) Create(ctx context.Context, f *FlowData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID == uuid.Nil {
		f.ID = GenNewID()
	}
	if _, ok := s.flows[f.ID]; ok {
		return fmt.Errorf("flow %s already exists", f.ID)
	}
	f.UpdatedAt = time.Now().UTC()
	cp := cloneFlow(f)
	s.flows[f.ID] = &cp
	return nil
}

func (s *MemFlowStore) Get(ctx context.Context, id uuid.UUID) (*FlowData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flows[id]
	if !ok {
		return nil, fmt.Errorf("flow %s: %w", id, ErrNotFound)
	}
	cp := cloneFlow(f)
	return &cp, nil
}

func (s *MemFlowStore) Update(ctx context.Context, f *FlowData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[f.ID]; !ok {
		return fmt.Errorf("flow %s: %w", f.ID, ErrNotFound)
	}
	f.UpdatedAt = time.Now().UTC()
	cp := cloneFlow(f)
	s.flows[f.ID] = &cp
	return nil
}

func (s *MemFlowStore) ListByAgent(ctx context.Context, agentID uuid.UUID, status FlowStatus) ([]FlowData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []FlowData
	for _, f := range s.flows {
		if f.AgentID != agentID {
			continue
		}
		if status != "" && f.Status != status {
			continue
		}
		out = append(out, cloneFlow(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemFlowStore) ListWaiting(ctx context.Context, agentID uuid.UUID) ([]FlowData, error) {
	return s.ListByAgent(ctx, agentID, FlowWaiting)
}

func (s *MemFlowStore) ListActive(ctx context.Context) ([]FlowData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []FlowData
	for _, f := range s.flows {
		if f.Status == FlowRunning || f.Status == FlowWaiting {
			out = append(out, cloneFlow(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemFlowStore) List(ctx context.Context, status FlowStatus) ([]FlowData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []FlowData
	for _, f := range s.flows {
		if status != "" && f.Status != status {
			continue
		}
		out = append(out, cloneFlow(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *MemFlowStore) FindByRequestID(ctx context.Context, requestID string) (*FlowData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.flows {
		if f.Status == FlowWaiting && f.WaitingFor != nil && f.WaitingFor.RequestID == requestID {
			cp := cloneFlow(f)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("request %q: %w", requestID, ErrNotFound)
}

func cloneFlow(f *FlowData) FlowData {
	cp := *f
	cp.Rounds = append([]RoundData(nil), f.Rounds...)
	if f.WaitingFor != nil {
		w := *f.WaitingFor
		w.ThreadMessageIDs = append([]string(nil), f.WaitingFor.ThreadMessageIDs...)
		cp.WaitingFor = &w
	}
	if f.UserID != nil {
		u := *f.UserID
		cp.UserID = &u
	}
	return cp
}

// --- Agents ---

type MemAgentStore struct {
	mu     sync.RWMutex
	agents map[uuid.UUID]*AgentData
}

func NewMemAgentStore() *MemAgentStore {
	return &MemAgentStore{agents: make(map[uuid.UUID]*AgentData)}
}

func (s *MemAgentStore) resolveLegacyID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		if a, ok := s.agents[u]; ok {
			return a.Username
		}
	}
	return ""
}

func (s *MemAgentStore) GetByID(ctx context.Context, id uuid.UUID) (*AgentData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	cp := *a
	cp.Normalize(s.resolveLegacyID)
	return &cp, nil
}

func (s *MemAgentStore) GetByUsername(ctx context.Context, teamID uuid.UUID, username string) (*AgentData, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.agents {
		if a.TeamID == teamID && strings.ToLower(a.Username) == username {
			cp := *a
			cp.Normalize(s.resolveLegacyID)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("agent %q in team %s: %w", username, teamID, ErrNotFound)
}

func (s *MemAgentStore) ListByTeam(ctx context.Context, teamID uuid.UUID) ([]AgentData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AgentData
	for _, a := range s.agents {
		if a.TeamID == teamID {
			cp := *a
			cp.Normalize(s.resolveLegacyID)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemAgentStore) List(ctx context.Context) ([]AgentData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AgentData
	for _, a := range s.agents {
		cp := *a
		cp.Normalize(s.resolveLegacyID)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemAgentStore) Create(ctx context.Context, a *AgentData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = GenNewID()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *MemAgentStore) Update(ctx context.Context, a *AgentData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[a.ID]; !ok {
		return fmt.Errorf("agent %s: %w", a.ID, ErrNotFound)
	}
	a.UpdatedAt = time.Now().UTC()
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *MemAgentStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}

// --- Teams ---

type MemTeamStore struct {
	mu      sync.RWMutex
	teams   map[uuid.UUID]*TeamData
	users   map[uuid.UUID]*UserData
	members []MembershipData
}

func NewMemTeamStore() *MemTeamStore {
	return &MemTeamStore{
		teams: make(map[uuid.UUID]*TeamData),
		users: make(map[uuid.UUID]*UserData),
	}
}

func (s *MemTeamStore) GetTeam(ctx context.Context, id uuid.UUID) (*TeamData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.teams[id]
	if !ok {
		return nil, fmt.Errorf("team %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemTeamStore) GetTeamByDomain(ctx context.Context, domain string) (*TeamData, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.teams {
		if strings.ToLower(t.Domain) == domain {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("team for domain %q: %w", domain, ErrNotFound)
}

func (s *MemTeamStore) ListTeams(ctx context.Context) ([]TeamData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []TeamData
	for _, t := range s.teams {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (s *MemTeamStore) CreateTeam(ctx context.Context, t *TeamData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = GenNewID()
	}
	t.Domain = strings.ToLower(strings.TrimSpace(t.Domain))
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	s.teams[t.ID] = &cp
	return nil
}

func (s *MemTeamStore) GetUserByEmail(ctx context.Context, email string) (*UserData, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.ToLower(u.Email) == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", email, ErrNotFound)
}

func (s *MemTeamStore) GetUser(ctx context.Context, id uuid.UUID) (*UserData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemTeamStore) CreateUser(ctx context.Context, u *UserData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == uuid.Nil {
		u.ID = GenNewID()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemTeamStore) AddMember(ctx context.Context, teamID, userID uuid.UUID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.members {
		if m.TeamID == teamID && m.UserID == userID {
			return nil
		}
	}
	s.members = append(s.members, MembershipData{TeamID: teamID, UserID: userID, Role: role})
	return nil
}

func (s *MemTeamStore) ListMembers(ctx context.Context, teamID uuid.UUID) ([]UserData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []UserData
	for _, m := range s.members {
		if m.TeamID == teamID {
			if u, ok := s.users[m.UserID]; ok {
				out = append(out, *u)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// --- MCP servers ---

type MemMCPStore struct {
	mu      sync.RWMutex
	servers map[uuid.UUID]*MCPServerData
}

func NewMemMCPStore() *MemMCPStore {
	return &MemMCPStore{servers: make(map[uuid.UUID]*MCPServerData)}
}

func (s *MemMCPStore) GetServer(ctx context.Context, id uuid.UUID) (*MCPServerData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, fmt.Errorf("mcp server %s: %w", id, ErrNotFound)
	}
	cp := *srv
	return &cp, nil
}

func (s *MemMCPStore) ListServers(ctx context.Context) ([]MCPServerData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MCPServerData
	for _, srv := range s.servers {
		out = append(out, *srv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemMCPStore) CreateServer(ctx context.Context, srv *MCPServerData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if srv.ID == uuid.Nil {
		srv.ID = GenNewID()
	}
	now := time.Now().UTC()
	srv.CreatedAt, srv.UpdatedAt = now, now
	cp := *srv
	s.servers[srv.ID] = &cp
	return nil
}

func (s *MemMCPStore) DeleteServer(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, id)
	return nil
}
