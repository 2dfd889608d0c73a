package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMailStoreDuplicateMessageID(t *testing.T) {
	ctx := context.Background()
	s := NewMemMailStore()

	e := &MailEntry{MessageID: "<First@Example.com>", From: "a@x.com", To: "b@x.com"}
	if err := s.StoreInbound(ctx, e); err != nil {
		t.Fatalf("first store: %v", err)
	}

	// Same id with different casing and brackets must be rejected.
	dup := &MailEntry{MessageID: "first@example.com", From: "c@x.com", To: "d@x.com"}
	err := s.StoreInbound(ctx, dup)
	if !errors.Is(err, ErrDuplicateMessageID) {
		t.Fatalf("want ErrDuplicateMessageID, got %v", err)
	}
}

func TestMailStoreConversationDerivation(t *testing.T) {
	ctx := context.Background()
	s := NewMemMailStore()

	root := &MailEntry{MessageID: "<root@x>", From: "u@x.com", To: "a@x.com"}
	if err := s.StoreInbound(ctx, root); err != nil {
		t.Fatal(err)
	}
	if root.ConversationID != "root@x" {
		t.Fatalf("root conversation = %q", root.ConversationID)
	}

	reply := &MailEntry{
		MessageID: "<reply@x>",
		From:      "a@x.com", To: "u@x.com",
		InReplyTo:  []string{"<root@x>"},
		References: []string{"<root@x>"},
	}
	if err := s.StoreOutbound(ctx, reply); err != nil {
		t.Fatal(err)
	}
	if reply.ConversationID != "root@x" {
		t.Fatalf("reply conversation = %q, want root@x", reply.ConversationID)
	}

	// Reply referencing an unknown ancestor plus the reply: earliest
	// referenced entry that exists wins.
	deep := &MailEntry{
		MessageID:  "<deep@x>",
		From:       "u@x.com",
		To:         "a@x.com",
		References: []string{"<missing@x>", "<reply@x>"},
	}
	if err := s.StoreInbound(ctx, deep); err != nil {
		t.Fatal(err)
	}
	if deep.ConversationID != "root@x" {
		t.Fatalf("deep conversation = %q, want root@x", deep.ConversationID)
	}

	conv, err := s.Conversation(ctx, "root@x")
	if err != nil {
		t.Fatal(err)
	}
	if len(conv) != 3 {
		t.Fatalf("conversation length = %d, want 3", len(conv))
	}
}

func TestMailStoreDanglingOutboundReply(t *testing.T) {
	ctx := context.Background()
	s := NewMemMailStore()

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	defer slog.SetDefault(prev)

	// An outbound reply whose parent was never stored still inserts,
	// rooting its own conversation, and the gap is logged.
	orphan := &MailEntry{
		MessageID: "<orphan@x>",
		From:      "a@x.com", To: "u@x.com",
		InReplyTo: []string{"<gone@x>"},
	}
	if err := s.StoreOutbound(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	if orphan.ConversationID != "orphan@x" {
		t.Fatalf("conversation = %q, want orphan@x", orphan.ConversationID)
	}
	if !strings.Contains(logs.String(), "mail.reply_parent_missing") {
		t.Errorf("missing warning, logs: %s", logs.String())
	}

	// Inbound mail replying to something we never saw is normal and
	// stays quiet.
	logs.Reset()
	in := &MailEntry{
		MessageID: "<fresh@x>",
		From:      "u@x.com", To: "a@x.com",
		InReplyTo: []string{"<elsewhere@x>"},
	}
	if err := s.StoreInbound(ctx, in); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(logs.String(), "mail.reply_parent_missing") {
		t.Errorf("inbound mail must not warn, logs: %s", logs.String())
	}
}

func TestMailStoreListAndClearForAgent(t *testing.T) {
	ctx := context.Background()
	s := NewMemMailStore()
	agent := GenNewID()

	for _, id := range []string{"<m1@x>", "<m2@x>", "<m3@x>"} {
		if err := s.StoreInbound(ctx, &MailEntry{MessageID: id, AgentID: agent, From: "u@x.com", To: "a@x.com"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.StoreInbound(ctx, &MailEntry{MessageID: "<orphan@x>", From: "u@x.com", To: "z@x.com"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListForAgent(ctx, agent, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("limited list length = %d, want 2", len(got))
	}

	n, err := s.ClearForAgent(ctx, agent)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("cleared %d, want 3", n)
	}
	if _, err := s.GetByMessageID(ctx, "<orphan@x>"); err != nil {
		t.Fatalf("orphan entry should survive clear: %v", err)
	}

	if _, err := s.ClearForAgent(ctx, uuid.Nil); err == nil {
		t.Fatal("clearing the nil agent must be refused")
	}
}

func TestFlowStoreFindByRequestID(t *testing.T) {
	ctx := context.Background()
	s := NewMemFlowStore()

	f := &FlowData{
		AgentID:   GenNewID(),
		TeamID:    GenNewID(),
		Status:    FlowWaiting,
		StartedAt: time.Now().UTC(),
		Deadline:  time.Now().UTC().Add(30 * time.Minute),
		WaitingFor: &WaitingFor{
			Type:      WaitAgentResponse,
			RequestID: "req-abc123",
		},
	}
	if err := s.Create(ctx, f); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindByRequestID(ctx, "req-abc123")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != f.ID {
		t.Fatalf("found flow %s, want %s", got.ID, f.ID)
	}

	// A completed flow no longer matches its old request id.
	got.Status = FlowCompleted
	got.WaitingFor = nil
	if err := s.Update(ctx, got); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindByRequestID(ctx, "req-abc123"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after completion, got %v", err)
	}
}

func TestAgentStoreLegacyAllowlistMigration(t *testing.T) {
	ctx := context.Background()
	s := NewMemAgentStore()
	team := GenNewID()

	peer := &AgentData{TeamID: team, Username: "Helper", Name: "Helper"}
	if err := s.Create(ctx, peer); err != nil {
		t.Fatal(err)
	}

	a := &AgentData{
		TeamID:   team,
		Username: "Lead",
		Name:     "Lead",
		MultiRound: MultiRoundConfig{
			Enabled:                  true,
			CanCommunicateWithAgents: true,
			AllowedAgentIDs:          []string{peer.ID.String()},
		},
	}
	if err := s.Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByUsername(ctx, team, "LEAD")
	if err != nil {
		t.Fatal(err)
	}
	if got.Username != "lead" {
		t.Fatalf("username not folded: %q", got.Username)
	}
	if len(got.MultiRound.AllowedAgentIDs) != 0 {
		t.Fatal("legacy ids should be cleared after normalization")
	}
	if len(got.MultiRound.AllowedAgentUsernames) != 1 || got.MultiRound.AllowedAgentUsernames[0] != "helper" {
		t.Fatalf("legacy id not resolved to username: %v", got.MultiRound.AllowedAgentUsernames)
	}
}

func TestFlowExpiry(t *testing.T) {
	now := time.Now().UTC()
	f := FlowData{Status: FlowWaiting, Deadline: now.Add(-time.Minute)}
	if !f.Expired(now) {
		t.Fatal("flow past deadline should be expired")
	}
	f.Status = FlowCompleted
	if f.Expired(now) {
		t.Fatal("terminal flow never expires")
	}
}
