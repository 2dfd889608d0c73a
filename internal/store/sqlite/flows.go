package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// FlowStore implements store.FlowStore on SQLite.
type FlowStore struct {
	db *sql.DB
}

func NewFlowStore(db *sql.DB) *FlowStore {
	return &FlowStore{db: db}
}

const flowSelectCols = `id, agent_id, team_id, user_id, requester, status, trigger_email,
	current_round, max_rounds, timeout_minutes, started_at, deadline, rounds,
	waiting_for, final_response, updated_at`

func flowColumns(f *store.FlowData) (requester, trigger, rounds string, waitingFor sql.NullString, waitingReq string, err error) {
	if requester, err = jsonCol(f.Requester); err != nil {
		return
	}
	if trigger, err = jsonCol(f.Trigger); err != nil {
		return
	}
	if rounds, err = jsonCol(f.Rounds); err != nil {
		return
	}
	if f.WaitingFor != nil {
		var w string
		if w, err = jsonCol(f.WaitingFor); err != nil {
			return
		}
		waitingFor = sql.NullString{String: w, Valid: true}
		waitingReq = f.WaitingFor.RequestID
	}
	return
}

func (s *FlowStore) Create(ctx context.Context, f *store.FlowData) error {
	if f.ID == uuid.Nil {
		f.ID = store.GenNewID()
	}
	f.UpdatedAt = time.Now().UTC()

	requester, trigger, rounds, waitingFor, waitingReq, err := flowColumns(f)
	if err != nil {
		return err
	}
	userID := uuid.NullUUID{}
	if f.UserID != nil {
		userID = uuid.NullUUID{UUID: *f.UserID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flows (id, agent_id, team_id, user_id, requester, status, trigger_email,
		   current_round, max_rounds, timeout_minutes, started_at, deadline, rounds,
		   waiting_for, waiting_request_id, final_response, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AgentID, f.TeamID, userID, requester, f.Status, trigger,
		f.CurrentRound, f.MaxRounds, f.TimeoutMinutes, f.StartedAt, f.Deadline, rounds,
		waitingFor, waitingReq, f.FinalResponse, f.UpdatedAt,
	)
	return err
}

func (s *FlowStore) Update(ctx context.Context, f *store.FlowData) error {
	f.UpdatedAt = time.Now().UTC()

	requester, trigger, rounds, waitingFor, waitingReq, err := flowColumns(f)
	if err != nil {
		return err
	}
	userID := uuid.NullUUID{}
	if f.UserID != nil {
		userID = uuid.NullUUID{UUID: *f.UserID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE flows SET agent_id = ?, team_id = ?, user_id = ?, requester = ?, status = ?,
		   trigger_email = ?, current_round = ?, max_rounds = ?, timeout_minutes = ?,
		   started_at = ?, deadline = ?, rounds = ?, waiting_for = ?, waiting_request_id = ?,
		   final_response = ?, updated_at = ?
		 WHERE id = ?`,
		f.AgentID, f.TeamID, userID, requester, f.Status,
		trigger, f.CurrentRound, f.MaxRounds, f.TimeoutMinutes,
		f.StartedAt, f.Deadline, rounds, waitingFor, waitingReq,
		f.FinalResponse, f.UpdatedAt, f.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("flow %s: %w", f.ID, store.ErrNotFound)
	}
	return nil
}

func (s *FlowStore) Get(ctx context.Context, id uuid.UUID) (*store.FlowData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+flowSelectCols+` FROM flows WHERE id = ?`, id)
	f, err := scanFlowRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flow %s: %w", id, store.ErrNotFound)
	}
	return f, err
}

func (s *FlowStore) ListByAgent(ctx context.Context, agentID uuid.UUID, status store.FlowStatus) ([]store.FlowData, error) {
	q := `SELECT ` + flowSelectCols + ` FROM flows WHERE agent_id = ?`
	args := []any{agentID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY started_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFlowRows(rows)
}

func (s *FlowStore) ListWaiting(ctx context.Context, agentID uuid.UUID) ([]store.FlowData, error) {
	return s.ListByAgent(ctx, agentID, store.FlowWaiting)
}

func (s *FlowStore) ListActive(ctx context.Context) ([]store.FlowData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+flowSelectCols+` FROM flows WHERE status IN (?, ?) ORDER BY started_at`,
		store.FlowRunning, store.FlowWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFlowRows(rows)
}

func (s *FlowStore) List(ctx context.Context, status store.FlowStatus) ([]store.FlowData, error) {
	query := `SELECT ` + flowSelectCols + ` FROM flows ORDER BY started_at DESC`
	args := []interface{}{}
	if status != "" {
		query = `SELECT ` + flowSelectCols + ` FROM flows WHERE status = ? ORDER BY started_at DESC`
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFlowRows(rows)
}

func (s *FlowStore) FindByRequestID(ctx context.Context, requestID string) (*store.FlowData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+flowSelectCols+` FROM flows WHERE status = ? AND waiting_request_id = ?`,
		store.FlowWaiting, requestID)
	f, err := scanFlowRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %q: %w", requestID, store.ErrNotFound)
	}
	return f, err
}

func scanFlowRow(row rowScanner) (*store.FlowData, error) {
	var f store.FlowData
	var userID uuid.NullUUID
	var requester, trigger, rounds string
	var waitingFor sql.NullString
	if err := row.Scan(
		&f.ID, &f.AgentID, &f.TeamID, &userID, &requester, &f.Status, &trigger,
		&f.CurrentRound, &f.MaxRounds, &f.TimeoutMinutes, &f.StartedAt, &f.Deadline, &rounds,
		&waitingFor, &f.FinalResponse, &f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if userID.Valid {
		u := userID.UUID
		f.UserID = &u
	}
	if err := fromJSONCol(requester, &f.Requester); err != nil {
		return nil, err
	}
	if err := fromJSONCol(trigger, &f.Trigger); err != nil {
		return nil, err
	}
	if err := fromJSONCol(rounds, &f.Rounds); err != nil {
		return nil, err
	}
	if waitingFor.Valid {
		f.WaitingFor = &store.WaitingFor{}
		if err := fromJSONCol(waitingFor.String, f.WaitingFor); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

func scanFlowRows(rows *sql.Rows) ([]store.FlowData, error) {
	var out []store.FlowData
	for rows.Next() {
		f, err := scanFlowRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}
