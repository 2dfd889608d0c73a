package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// MCPServerStore implements store.MCPServerStore backed by Postgres.
type MCPServerStore struct {
	db *sql.DB
}

func NewMCPServerStore(db *sql.DB) *MCPServerStore {
	return &MCPServerStore{db: db}
}

const mcpSelectCols = `id, name, transport, command, args, url, headers, env,
	tool_prefix, timeout_sec, enabled, created_at, updated_at`

func (s *MCPServerStore) GetServer(ctx context.Context, id uuid.UUID) (*store.MCPServerData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mcpSelectCols+` FROM mcp_servers WHERE id = $1`, id)
	srv, err := scanMCPRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mcp server %s: %w", id, store.ErrNotFound)
	}
	return srv, err
}

func (s *MCPServerStore) ListServers(ctx context.Context) ([]store.MCPServerData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mcpSelectCols+` FROM mcp_servers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.MCPServerData
	for rows.Next() {
		srv, err := scanMCPRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

func (s *MCPServerStore) CreateServer(ctx context.Context, srv *store.MCPServerData) error {
	if srv.ID == uuid.Nil {
		srv.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	srv.CreatedAt, srv.UpdatedAt = now, now

	args, err := jsonCol(srv.Args)
	if err != nil {
		return err
	}
	headers, err := jsonCol(srv.Headers)
	if err != nil {
		return err
	}
	env, err := jsonCol(srv.Env)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mcp_servers (`+mcpSelectCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		srv.ID, srv.Name, srv.Transport, srv.Command, args, srv.URL, headers, env,
		srv.ToolPrefix, srv.TimeoutSec, srv.Enabled, srv.CreatedAt, srv.UpdatedAt,
	)
	return err
}

func (s *MCPServerStore) DeleteServer(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = $1`, id)
	return err
}

func scanMCPRow(row rowScanner) (*store.MCPServerData, error) {
	var srv store.MCPServerData
	var args, headers, env json.RawMessage
	if err := row.Scan(
		&srv.ID, &srv.Name, &srv.Transport, &srv.Command, &args, &srv.URL, &headers, &env,
		&srv.ToolPrefix, &srv.TimeoutSec, &srv.Enabled, &srv.CreatedAt, &srv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := fromJSONCol(args, &srv.Args); err != nil {
		return nil, err
	}
	if err := fromJSONCol(headers, &srv.Headers); err != nil {
		return nil, err
	}
	if err := fromJSONCol(env, &srv.Env); err != nil {
		return nil, err
	}
	return &srv, nil
}
