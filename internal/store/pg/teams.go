package pg

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

// TeamStore implements store.TeamStore backed by Postgres.
type TeamStore struct {
	db *sql.DB
}

func NewTeamStore(db *sql.DB) *TeamStore {
	return &TeamStore{db: db}
}

const teamSelectCols = `id, name, domain, created_at, updated_at`
const userSelectCols = `id, name, email, created_at, updated_at`

func (s *TeamStore) GetTeam(ctx context.Context, id uuid.UUID) (*store.TeamData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+teamSelectCols+` FROM teams WHERE id = $1`, id)
	t, err := scanTeamRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team %s: %w", id, store.ErrNotFound)
	}
	return t, err
}

func (s *TeamStore) GetTeamByDomain(ctx context.Context, domain string) (*store.TeamData, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	row := s.db.QueryRowContext(ctx,
		`SELECT `+teamSelectCols+` FROM teams WHERE domain = $1`, domain)
	t, err := scanTeamRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team for domain %q: %w", domain, store.ErrNotFound)
	}
	return t, err
}

func (s *TeamStore) ListTeams(ctx context.Context) ([]store.TeamData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+teamSelectCols+` FROM teams ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TeamData
	for rows.Next() {
		t, err := scanTeamRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *TeamStore) CreateTeam(ctx context.Context, t *store.TeamData) error {
	if t.ID == uuid.Nil {
		t.ID = store.GenNewID()
	}
	t.Domain = strings.ToLower(strings.TrimSpace(t.Domain))
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (`+teamSelectCols+`) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, t.Domain, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("team domain %q already registered", t.Domain)
	}
	return err
}

func (s *TeamStore) GetUserByEmail(ctx context.Context, email string) (*store.UserData, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userSelectCols+` FROM users WHERE lower(email) = $1`, email)
	u, err := scanUserRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", email, store.ErrNotFound)
	}
	return u, err
}

func (s *TeamStore) GetUser(ctx context.Context, id uuid.UUID) (*store.UserData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userSelectCols+` FROM users WHERE id = $1`, id)
	u, err := scanUserRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return u, err
}

func (s *TeamStore) CreateUser(ctx context.Context, u *store.UserData) error {
	if u.ID == uuid.Nil {
		u.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userSelectCols+`) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Name, u.Email, u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("user email %q already registered", u.Email)
	}
	return err
}

func (s *TeamStore) AddMember(ctx context.Context, teamID, userID uuid.UUID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (team_id, user_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (team_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		teamID, userID, role,
	)
	return err
}

func (s *TeamStore) ListMembers(ctx context.Context, teamID uuid.UUID) ([]store.UserData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.name, u.email, u.created_at, u.updated_at
		 FROM memberships m JOIN users u ON u.id = m.user_id
		 WHERE m.team_id = $1 ORDER BY u.email`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.UserData
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func scanTeamRow(row rowScanner) (*store.TeamData, error) {
	var t store.TeamData
	if err := row.Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanUserRow(row rowScanner) (*store.UserData, error) {
	var u store.UserData
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
