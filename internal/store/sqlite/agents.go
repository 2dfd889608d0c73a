package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// AgentStore implements store.AgentStore on SQLite.
type AgentStore struct {
	db *sql.DB
}

func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

const agentSelectCols = `id, team_id, username, name, role, prompt, mcp_server_ids,
	mail_policy, multi_round, created_at, updated_at`

// resolveLegacyID maps an old uuid-string agent reference to a username,
// for the legacy allowed-agent-ids migration in AgentData.Normalize.
func (s *AgentStore) resolveLegacyID(ctx context.Context) func(string) string {
	return func(id string) string {
		u, err := uuid.Parse(id)
		if err != nil {
			return ""
		}
		var username string
		err = s.db.QueryRowContext(ctx, `SELECT username FROM agents WHERE id = ?`, u).Scan(&username)
		if err != nil {
			return ""
		}
		return username
	}
}

func (s *AgentStore) GetByID(ctx context.Context, id uuid.UUID) (*store.AgentData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentSelectCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.Normalize(s.resolveLegacyID(ctx))
	return a, nil
}

func (s *AgentStore) GetByUsername(ctx context.Context, teamID uuid.UUID, username string) (*store.AgentData, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentSelectCols+` FROM agents WHERE team_id = ? AND lower(username) = ?`,
		teamID, username)
	a, err := scanAgentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q in team %s: %w", username, teamID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.Normalize(s.resolveLegacyID(ctx))
	return a, nil
}

func (s *AgentStore) ListByTeam(ctx context.Context, teamID uuid.UUID) ([]store.AgentData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentSelectCols+` FROM agents WHERE team_id = ? ORDER BY username`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAgents(ctx, rows)
}

func (s *AgentStore) List(ctx context.Context) ([]store.AgentData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentSelectCols+` FROM agents ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAgents(ctx, rows)
}

func (s *AgentStore) Create(ctx context.Context, a *store.AgentData) error {
	if a.ID == uuid.Nil {
		a.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	mcpIDs, policy, multiRound, err := agentColumns(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentSelectCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TeamID, strings.ToLower(a.Username), a.Name, a.Role, a.Prompt,
		mcpIDs, policy, multiRound, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("agent %q already exists in team %s", a.Username, a.TeamID)
	}
	return err
}

func (s *AgentStore) Update(ctx context.Context, a *store.AgentData) error {
	a.UpdatedAt = time.Now().UTC()

	mcpIDs, policy, multiRound, err := agentColumns(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET team_id = ?, username = ?, name = ?, role = ?, prompt = ?,
		   mcp_server_ids = ?, mail_policy = ?, multi_round = ?, updated_at = ?
		 WHERE id = ?`,
		a.TeamID, strings.ToLower(a.Username), a.Name, a.Role, a.Prompt,
		mcpIDs, policy, multiRound, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", a.ID, store.ErrNotFound)
	}
	return nil
}

func (s *AgentStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	return err
}

func agentColumns(a *store.AgentData) (mcpIDs, policy, multiRound string, err error) {
	if mcpIDs, err = jsonCol(a.MCPServerIDs); err != nil {
		return
	}
	if policy, err = jsonCol(a.MailPolicy); err != nil {
		return
	}
	multiRound, err = jsonCol(a.MultiRound)
	return
}

func scanAgentRow(row rowScanner) (*store.AgentData, error) {
	var a store.AgentData
	var mcpIDs, policy, multiRound string
	if err := row.Scan(
		&a.ID, &a.TeamID, &a.Username, &a.Name, &a.Role, &a.Prompt, &mcpIDs,
		&policy, &multiRound, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := fromJSONCol(mcpIDs, &a.MCPServerIDs); err != nil {
		return nil, err
	}
	if err := fromJSONCol(policy, &a.MailPolicy); err != nil {
		return nil, err
	}
	if err := fromJSONCol(multiRound, &a.MultiRound); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AgentStore) scanAgents(ctx context.Context, rows *sql.Rows) ([]store.AgentData, error) {
	var out []store.AgentData
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	resolve := s.resolveLegacyID(ctx)
	for i := range out {
		out[i].Normalize(resolve)
	}
	return out, nil
}
