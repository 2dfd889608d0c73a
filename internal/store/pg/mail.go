package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/patrick-hofmann/koompl/internal/mail"
	"github.com/patrick-hofmann/koompl/internal/store"
)

// MailStore implements store.MailStore backed by Postgres.
type MailStore struct {
	db *sql.DB
}

func NewMailStore(db *sql.DB) *MailStore {
	return &MailStore{db: db}
}

const mailSelectCols = `id, ts, kind, message_id, from_addr, to_addr, subject, body, html,
	agent_id, conversation_id, in_reply_to, refs, attachments, gateway_confirmed`

func (s *MailStore) insert(ctx context.Context, e *store.MailEntry) error {
	store.NormalizeEntry(e)
	if e.MessageID == "" {
		return fmt.Errorf("mail store: empty message-id")
	}
	if e.ID == uuid.Nil {
		e.ID = store.GenNewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ConversationID == "" {
		e.ConversationID = store.DeriveConversationID(ctx, s, e)
	}

	attachments := make([]store.MailAttachment, len(e.Attachments))
	for i, a := range e.Attachments {
		a.Data = ""
		attachments[i] = a
	}
	atts, err := jsonCol(attachments)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mail_entries (`+mailSelectCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.Timestamp, e.Kind, e.MessageID, e.From, e.To, e.Subject, e.Body, e.HTML,
		e.AgentID, e.ConversationID, pq.Array(e.InReplyTo), pq.Array(e.References), atts, e.GatewayConfirmed,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("mail store %q: %w", e.MessageID, store.ErrDuplicateMessageID)
	}
	return err
}

func (s *MailStore) StoreInbound(ctx context.Context, e *store.MailEntry) error {
	e.Kind = store.MailInbound
	return s.insert(ctx, e)
}

func (s *MailStore) StoreOutbound(ctx context.Context, e *store.MailEntry) error {
	e.Kind = store.MailOutbound
	return s.insert(ctx, e)
}

func (s *MailStore) GetByMessageID(ctx context.Context, messageID string) (*store.MailEntry, error) {
	id := mail.NormalizeMessageID(messageID)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mailSelectCols+` FROM mail_entries WHERE message_id = $1`, id)
	e, err := scanMailRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mail entry %q: %w", id, store.ErrNotFound)
	}
	return e, err
}

func (s *MailStore) Conversation(ctx context.Context, conversationID string) ([]store.MailEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mailSelectCols+` FROM mail_entries WHERE conversation_id = $1 ORDER BY ts, id`,
		mail.NormalizeMessageID(conversationID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMailRows(rows)
}

func (s *MailStore) ListForAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]store.MailEntry, error) {
	q := `SELECT ` + mailSelectCols + ` FROM mail_entries WHERE agent_id = $1 ORDER BY ts DESC, id DESC`
	args := []any{agentID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMailRows(rows)
}

func (s *MailStore) ClearForAgent(ctx context.Context, agentID uuid.UUID) (int, error) {
	if agentID == uuid.Nil {
		return 0, fmt.Errorf("mail store: refusing to clear orphan entries")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM mail_entries WHERE agent_id = $1`, agentID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMailRow(row rowScanner) (*store.MailEntry, error) {
	var e store.MailEntry
	var atts json.RawMessage
	if err := row.Scan(
		&e.ID, &e.Timestamp, &e.Kind, &e.MessageID, &e.From, &e.To, &e.Subject, &e.Body, &e.HTML,
		&e.AgentID, &e.ConversationID, pq.Array(&e.InReplyTo), pq.Array(&e.References), &atts, &e.GatewayConfirmed,
	); err != nil {
		return nil, err
	}
	if err := fromJSONCol(atts, &e.Attachments); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanMailRows(rows *sql.Rows) ([]store.MailEntry, error) {
	var out []store.MailEntry
	for rows.Next() {
		e, err := scanMailRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
