package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/identity"
	"github.com/patrick-hofmann/koompl/internal/store"
)

func toolCtx(teamID, agentID uuid.UUID) context.Context {
	ctx := store.WithTeamID(context.Background(), teamID)
	return store.WithAgentID(ctx, agentID)
}

func TestRegistryDefsAndUnknown(t *testing.T) {
	data, err := store.NewTeamDataStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry()
	reg.Register(NewCalendarListTool(data))
	reg.Register(NewCalendarCreateTool(data))
	reg.Register(NewKanbanListTool(data))

	defs := reg.Defs(nil)
	if len(defs) != 3 {
		t.Fatalf("Defs(nil) = %d defs, want 3", len(defs))
	}
	for _, d := range defs {
		if d.Type != "function" || d.Function.Name == "" || d.Function.Parameters == nil {
			t.Errorf("malformed def: %+v", d)
		}
	}

	defs = reg.Defs([]string{"calendar_list_events"})
	if len(defs) != 1 || defs[0].Function.Name != "calendar_list_events" {
		t.Fatalf("filtered Defs = %+v", defs)
	}

	res := reg.Execute(context.Background(), "no_such_tool", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "unknown tool") {
		t.Fatalf("unknown tool result = %+v", res)
	}
}

func TestCalendarCreateAndList(t *testing.T) {
	data, err := store.NewTeamDataStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	teamID := uuid.New()
	ctx := toolCtx(teamID, uuid.New())

	create := NewCalendarCreateTool(data)
	res := create.Execute(ctx, map[string]interface{}{
		"title": "Standup",
		"start": "2026-09-01T09:00:00Z",
		"end":   "2026-09-01T09:15:00Z",
	})
	if res.IsError {
		t.Fatalf("create: %s", res.ForLLM)
	}

	list := NewCalendarListTool(data)
	res = list.Execute(ctx, map[string]interface{}{
		"from": "2026-09-01",
		"to":   "2026-09-02",
	})
	if res.IsError || !strings.Contains(res.ForLLM, "Standup") {
		t.Fatalf("list: %+v", res)
	}

	// Other teams see nothing.
	res = list.Execute(toolCtx(uuid.New(), uuid.New()), map[string]interface{}{
		"from": "2026-09-01",
		"to":   "2026-09-02",
	})
	if res.IsError || !strings.Contains(res.ForLLM, "No events") {
		t.Fatalf("cross-team list: %+v", res)
	}
}

func TestCalendarCreateValidation(t *testing.T) {
	data, err := store.NewTeamDataStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	create := NewCalendarCreateTool(data)
	ctx := toolCtx(uuid.New(), uuid.New())

	for name, args := range map[string]map[string]interface{}{
		"missing title": {"start": "2026-09-01"},
		"missing start": {"title": "x"},
		"bad start":     {"title": "x", "start": "tomorrow"},
	} {
		if res := create.Execute(ctx, args); !res.IsError {
			t.Errorf("%s: expected error, got %q", name, res.ForLLM)
		}
	}
}

func TestKanbanLifecycle(t *testing.T) {
	data, err := store.NewTeamDataStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	teamID := uuid.New()
	ctx := toolCtx(teamID, uuid.New())

	add := NewKanbanAddCardTool(data)
	res := add.Execute(ctx, map[string]interface{}{
		"board": "Sprint",
		"title": "Ship it",
	})
	if res.IsError {
		t.Fatalf("add: %s", res.ForLLM)
	}

	boards, err := data.ListBoards(ctx, teamID)
	if err != nil || len(boards) != 1 {
		t.Fatalf("boards = %v, %v", boards, err)
	}
	cardID := boards[0].Columns[0].Cards[0].ID

	move := NewKanbanMoveCardTool(data)
	res = move.Execute(ctx, map[string]interface{}{
		"board":     "Sprint",
		"card_id":   cardID.String(),
		"to_column": "done",
	})
	if res.IsError {
		t.Fatalf("move: %s", res.ForLLM)
	}

	list := NewKanbanListTool(data)
	res = list.Execute(ctx, map[string]interface{}{"board": "sprint"})
	if res.IsError || !strings.Contains(res.ForLLM, "Ship it") {
		t.Fatalf("list: %+v", res)
	}

	del := NewKanbanDeleteCardTool(data)
	res = del.Execute(ctx, map[string]interface{}{
		"board":   "Sprint",
		"card_id": cardID.String(),
	})
	if res.IsError {
		t.Fatalf("delete: %s", res.ForLLM)
	}

	res = move.Execute(ctx, map[string]interface{}{
		"board":     "Sprint",
		"card_id":   cardID.String(),
		"to_column": "todo",
	})
	if !res.IsError {
		t.Fatal("moving a deleted card should fail")
	}
}

func TestDatasafeUploadDownloadCapture(t *testing.T) {
	safe, err := store.NewDatasafe(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	teamID := uuid.New()
	ctx := toolCtx(teamID, uuid.New())

	up := NewDatasafeUploadTool(safe)
	res := up.Execute(ctx, map[string]interface{}{
		"path":    "notes/summary.txt",
		"content": "quarterly numbers",
	})
	if res.IsError {
		t.Fatalf("upload: %s", res.ForLLM)
	}

	down := NewDatasafeDownloadTool(safe)
	res = down.Execute(ctx, map[string]interface{}{"path": "notes/summary.txt"})
	if res.IsError {
		t.Fatalf("download: %s", res.ForLLM)
	}
	if res.Attachment == nil {
		t.Fatal("download did not capture an attachment")
	}
	if res.Attachment.Filename != "summary.txt" || res.Attachment.DatasafePath != "notes/summary.txt" {
		t.Errorf("attachment = %+v", res.Attachment)
	}
	if !strings.Contains(res.ForLLM, "quarterly numbers") {
		t.Errorf("small text file should be inlined, got %q", res.ForLLM)
	}

	res = down.Execute(ctx, map[string]interface{}{"path": "../escape"})
	if !res.IsError {
		t.Fatal("path escape should be rejected")
	}

	res = down.Execute(ctx, map[string]interface{}{"path": "missing.txt"})
	if !res.IsError {
		t.Fatal("missing file should be an error result")
	}
}

func TestDirectoryList(t *testing.T) {
	mem := store.NewMemStores()
	ctx := context.Background()

	team := &store.TeamData{Name: "Corp", Domain: "corp.example"}
	if err := mem.Teams.CreateTeam(ctx, team); err != nil {
		t.Fatal(err)
	}
	self := &store.AgentData{TeamID: team.ID, Username: "sam", Name: "Sam"}
	peer := &store.AgentData{TeamID: team.ID, Username: "ruth", Name: "Ruth", Role: "research"}
	for _, a := range []*store.AgentData{self, peer} {
		if err := mem.Agents.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	boss := &store.UserData{Name: "Boss", Email: "boss@corp.example"}
	if err := mem.Teams.CreateUser(ctx, boss); err != nil {
		t.Fatal(err)
	}
	if err := mem.Teams.AddMember(ctx, team.ID, boss.ID, "owner"); err != nil {
		t.Fatal(err)
	}

	view := identity.NewView(mem.Teams, mem.Agents)
	tool := NewDirectoryListTool(view)
	res := tool.Execute(toolCtx(team.ID, self.ID), nil)
	if res.IsError {
		t.Fatalf("directory: %s", res.ForLLM)
	}
	if strings.Contains(res.ForLLM, `"sam"`) {
		t.Error("directory should omit the acting agent")
	}
	for _, want := range []string{"ruth@corp.example", "boss@corp.example"} {
		if !strings.Contains(res.ForLLM, want) {
			t.Errorf("directory missing %s:\n%s", want, res.ForLLM)
		}
	}
}

type fakeSender struct {
	sent []OutboundMail
	err  error
}

func (f *fakeSender) SendFromAgent(ctx context.Context, agentID uuid.UUID, m OutboundMail) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, m)
	return "<sent-1@corp.example>", nil
}

func TestEmailReply(t *testing.T) {
	mem := store.NewMemStores()
	ctx := context.Background()
	agentID := uuid.New()

	entry := &store.MailEntry{
		Kind:       store.MailInbound,
		MessageID:  "<orig-1@ext.example>",
		From:       "alice@ext.example",
		To:         "sam@corp.example",
		Subject:    "Budget question",
		Body:       "How much is left?",
		AgentID:    agentID,
		References: []string{"<root@ext.example>"},
	}
	if err := mem.Mail.StoreInbound(ctx, entry); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	tool := NewEmailReplyTool(mem.Mail, sender)
	res := tool.Execute(toolCtx(uuid.New(), agentID), map[string]interface{}{
		"message_id": "Orig-1@ext.example", // case and brackets tolerated
		"body":       "About 40k.",
	})
	if res.IsError {
		t.Fatalf("reply: %s", res.ForLLM)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d mails", len(sender.sent))
	}
	m := sender.sent[0]
	if m.To != "alice@ext.example" || m.Subject != "Re: Budget question" {
		t.Errorf("mail = %+v", m)
	}
	if m.InReplyTo != "orig-1@ext.example" {
		t.Errorf("InReplyTo = %q", m.InReplyTo)
	}
	if len(m.References) != 2 || m.References[1] != "orig-1@ext.example" {
		t.Errorf("References = %v", m.References)
	}

	// Unknown message id refuses without sending.
	res = tool.Execute(toolCtx(uuid.New(), agentID), map[string]interface{}{
		"message_id": "<ghost@ext.example>",
		"body":       "x",
	})
	if !res.IsError || len(sender.sent) != 1 {
		t.Fatalf("ghost reply: %+v, sent=%d", res, len(sender.sent))
	}
}

func TestEmailForward(t *testing.T) {
	mem := store.NewMemStores()
	ctx := context.Background()

	entry := &store.MailEntry{
		Kind:      store.MailInbound,
		MessageID: "<orig-2@ext.example>",
		From:      "alice@ext.example",
		To:        "sam@corp.example",
		Subject:   "Contract draft",
		Body:      "See attached.",
		Attachments: []store.MailAttachment{
			{Filename: "draft.pdf", MimeType: "application/pdf", DatasafePath: "attachments/x/draft.pdf"},
		},
	}
	if err := mem.Mail.StoreInbound(ctx, entry); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	tool := NewEmailForwardTool(mem.Mail, sender)
	res := tool.Execute(toolCtx(uuid.New(), uuid.New()), map[string]interface{}{
		"message_id": "<orig-2@ext.example>",
		"to":         "legal@corp.example",
		"note":       "Please review.",
	})
	if res.IsError {
		t.Fatalf("forward: %s", res.ForLLM)
	}
	m := sender.sent[0]
	if m.Subject != "Fwd: Contract draft" {
		t.Errorf("subject = %q", m.Subject)
	}
	if !strings.Contains(m.Body, "Please review.") || !strings.Contains(m.Body, "Forwarded message") {
		t.Errorf("body = %q", m.Body)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].Filename != "draft.pdf" {
		t.Errorf("attachments = %+v", m.Attachments)
	}
}
