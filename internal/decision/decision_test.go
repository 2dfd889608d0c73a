package decision

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/config"
	"github.com/patrick-hofmann/koompl/internal/providers"
	"github.com/patrick-hofmann/koompl/internal/store"
	"github.com/patrick-hofmann/koompl/internal/tools"
)

type scriptedProvider struct {
	responses []providers.ChatResponse
	errs      []error
	calls     int
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	i := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return &providers.ChatResponse{Content: `{"decision":"fail","reasoning":"script exhausted"}`}, nil
	}
	r := p.responses[i]
	return &r, nil
}

type echoTool struct{ lastArgs map[string]interface{} }

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echo the input back." }
func (t *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *echoTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	t.lastArgs = args
	return tools.NewResult("echoed")
}

func testFlow() *store.FlowData {
	return &store.FlowData{
		ID:      uuid.New(),
		AgentID: uuid.New(),
		Status:  store.FlowRunning,
		Trigger: store.TriggerEmail{
			MessageID: "trig-1@ext.example",
			From:      "boss@corp.example",
			Subject:   "Book a room",
			Body:      "Please book a meeting room for tomorrow.",
		},
		MaxRounds: 10,
		Deadline:  time.Now().Add(30 * time.Minute),
	}
}

func testEngine(p providers.Provider, reg *tools.Registry) *Engine {
	cfg := config.Default()
	cfg.LLM.MaxToolIterations = 3
	if reg == nil {
		reg = tools.NewRegistry()
	}
	return NewEngine(p, reg, nil, cfg)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    store.DecisionType
		wantErr bool
	}{
		{
			name:    "complete",
			content: `{"decision":"complete","reasoning":"done","confidence":0.9,"final_response":"Room booked."}`,
			want:    store.DecisionComplete,
		},
		{
			name:    "fenced json",
			content: "Here is my answer:\n```json\n{\"decision\":\"continue\",\"confidence\":0.5}\n```",
			want:    store.DecisionContinue,
		},
		{
			name:    "wait for agent",
			content: `{"decision":"wait_for_agent","target_agent":"Ruth","subject":"Rooms?","body":"Which rooms are free?","confidence":1}`,
			want:    store.DecisionWaitForAgent,
		},
		{
			name:    "unknown type falls back to continue",
			content: `{"decision":"ponder","confidence":0.2}`,
			want:    store.DecisionContinue,
		},
		{
			name:    "complete without final_response",
			content: `{"decision":"complete"}`,
			wantErr: true,
		},
		{
			name:    "wait missing body",
			content: `{"decision":"wait_for_agent","target_agent":"ruth","subject":"x"}`,
			wantErr: true,
		},
		{
			name:    "confidence out of range",
			content: `{"decision":"continue","confidence":1.5}`,
			wantErr: true,
		},
		{
			name:    "no json at all",
			content: "I think we should wait.",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse() = %+v, want error", d)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if d.Type != tt.want {
				t.Errorf("type = %s, want %s", d.Type, tt.want)
			}
		})
	}

	t.Run("target agent is case-folded", func(t *testing.T) {
		d, err := Parse(`{"decision":"wait_for_agent","target_agent":"Ruth","subject":"s","body":"b"}`)
		if err != nil {
			t.Fatal(err)
		}
		if d.TargetUsername != "ruth" {
			t.Errorf("TargetUsername = %q", d.TargetUsername)
		}
	})
}

func TestFilterPeers(t *testing.T) {
	self := &store.AgentData{
		BaseModel: store.BaseModel{ID: uuid.New()},
		Username:  "sam",
		MultiRound: store.MultiRoundConfig{
			CanCommunicateWithAgents: true,
			AllowedAgentUsernames:    []string{"ruth"},
		},
	}
	team := []store.AgentData{
		*self,
		{BaseModel: store.BaseModel{ID: uuid.New()}, Username: "ruth", Name: "Ruth"},
		{BaseModel: store.BaseModel{ID: uuid.New()}, Username: "carl", Name: "Carl"},
	}

	peers := FilterPeers(self, team)
	if len(peers) != 1 || peers[0].Username != "ruth" {
		t.Fatalf("peers = %+v", peers)
	}

	self.MultiRound.AllowedAgentUsernames = nil
	if got := FilterPeers(self, team); len(got) != 2 {
		t.Fatalf("unrestricted peers = %+v", got)
	}

	self.MultiRound.CanCommunicateWithAgents = false
	if got := FilterPeers(self, team); got != nil {
		t.Fatalf("delegation disabled but peers = %+v", got)
	}
}

func TestDecideNoTools(t *testing.T) {
	p := &scriptedProvider{responses: []providers.ChatResponse{
		{Content: `{"decision":"complete","confidence":0.8,"final_response":"All set."}`},
	}}
	eng := testEngine(p, nil)

	out, err := eng.Decide(context.Background(), Input{
		Flow:  testFlow(),
		Agent: &store.AgentData{Prompt: "You are a helpful assistant."},
		Now:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision.Type != store.DecisionComplete || out.Decision.FinalResponse != "All set." {
		t.Fatalf("decision = %+v", out.Decision)
	}
	if !p.requests[0].ForceJSON {
		t.Error("no-tools call should force JSON output")
	}
	if len(p.requests[0].Tools) != 0 {
		t.Error("no-tools call must not carry tool defs")
	}
}

func TestDecideToolLoop(t *testing.T) {
	p := &scriptedProvider{responses: []providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"x": "1"}}}},
		{Content: `{"decision":"complete","confidence":1,"final_response":"Done after tool."}`},
	}}
	reg := tools.NewRegistry()
	et := &echoTool{}
	reg.Register(et)
	eng := testEngine(p, reg)

	out, err := eng.Decide(context.Background(), Input{
		Flow:  testFlow(),
		Agent: &store.AgentData{Prompt: "sys"},
		Now:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision.Type != store.DecisionComplete {
		t.Fatalf("decision = %+v", out.Decision)
	}
	if len(out.Calls) != 1 || out.Calls[0].Tool != "echo" || out.Calls[0].IsError {
		t.Fatalf("calls = %+v", out.Calls)
	}
	if et.lastArgs["x"] != "1" {
		t.Errorf("tool args = %v", et.lastArgs)
	}

	// Second request must carry the tool result keyed by the call id.
	second := p.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "c1" || last.Content != "echoed" {
		t.Errorf("tool message = %+v", last)
	}
}

func TestDecideToolLoopCapHit(t *testing.T) {
	call := providers.ChatResponse{
		ToolCalls: []providers.ToolCall{{ID: "c", Name: "echo", Arguments: map[string]interface{}{}}},
	}
	p := &scriptedProvider{responses: []providers.ChatResponse{call, call, call, call}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	eng := testEngine(p, reg)

	out, err := eng.Decide(context.Background(), Input{
		Flow:  testFlow(),
		Agent: &store.AgentData{},
		Now:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision.Type != store.DecisionFail {
		t.Fatalf("decision = %+v", out.Decision)
	}
	if out.Decision.FinalResponse != apologyText {
		t.Errorf("apology = %q", out.Decision.FinalResponse)
	}
	if p.calls != 3 {
		t.Errorf("LLM calls = %d, want 3 (the configured cap)", p.calls)
	}
}

func TestDecideUnparseableContentBecomesComplete(t *testing.T) {
	p := &scriptedProvider{responses: []providers.ChatResponse{
		{Content: "The room is booked for 10am tomorrow."},
	}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	eng := testEngine(p, reg)

	out, err := eng.Decide(context.Background(), Input{
		Flow:  testFlow(),
		Agent: &store.AgentData{},
		Now:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision.Type != store.DecisionComplete {
		t.Fatalf("decision = %+v", out.Decision)
	}
	if !strings.Contains(out.Decision.FinalResponse, "10am") {
		t.Errorf("final response = %q", out.Decision.FinalResponse)
	}
}

func TestDecideRetriesOnceThenApologizes(t *testing.T) {
	boom := errors.New("upstream down")
	p := &scriptedProvider{errs: []error{boom, boom}}
	eng := testEngine(p, nil)

	out, err := eng.Decide(context.Background(), Input{
		Flow:  testFlow(),
		Agent: &store.AgentData{},
		Now:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision.Type != store.DecisionFail || out.Decision.FinalResponse != apologyText {
		t.Fatalf("decision = %+v", out.Decision)
	}
	if p.calls != 2 {
		t.Errorf("LLM calls = %d, want 2 (original + one retry)", p.calls)
	}
}

func TestDecideAttachmentCapture(t *testing.T) {
	att := &store.MailAttachment{Filename: "report.pdf", MimeType: "application/pdf", Data: "UERG"}
	p := &scriptedProvider{responses: []providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "d1", Name: "grab", Arguments: map[string]interface{}{}}}},
		{Content: `{"decision":"complete","confidence":1,"final_response":"Attached."}`},
	}}
	reg := tools.NewRegistry()
	reg.Register(&attachTool{att: att})
	eng := testEngine(p, reg)

	flow := testFlow()
	flow.Trigger.Attachments = []store.MailAttachment{{Filename: "original.txt"}}

	out, err := eng.Decide(context.Background(), Input{Flow: flow, Agent: &store.AgentData{}, Now: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Decision.Attachments) != 2 {
		t.Fatalf("attachments = %+v", out.Decision.Attachments)
	}
	if out.Decision.Attachments[0].Filename != "report.pdf" || out.Decision.Attachments[1].Filename != "original.txt" {
		t.Errorf("attachment order = %+v", out.Decision.Attachments)
	}
}

type attachTool struct{ att *store.MailAttachment }

func (t *attachTool) Name() string        { return "grab" }
func (t *attachTool) Description() string { return "Grab a file." }
func (t *attachTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *attachTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	r := tools.NewResult("grabbed")
	r.Attachment = t.att
	return r
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	short := "kurz und gut"
	if got := truncate(short, 100); got != short {
		t.Errorf("truncate(%q) = %q", short, got)
	}

	// "ü" and "ß" are two bytes each, so some of these limits land
	// inside a rune and must back off.
	long := strings.Repeat("Grüße aus München. ", 50)
	for limit := 20; limit < 46; limit++ {
		got := truncate(long, limit)
		if !utf8.ValidString(got) {
			t.Errorf("limit %d: truncated text is not valid UTF-8: %q", limit, got)
		}
		if !strings.HasSuffix(got, "… [truncated]") {
			t.Errorf("limit %d: missing truncation marker: %q", limit, got)
		}
	}
}

func TestBuildPromptLastChance(t *testing.T) {
	flow := testFlow()
	peers := []Peer{{Username: "ruth", Name: "Ruth"}}

	normal := BuildPrompt(flow, peers, time.Now(), false)
	if !strings.Contains(normal, "wait_for_agent") || !strings.Contains(normal, "ruth") {
		t.Errorf("normal prompt missing delegation options:\n%s", normal)
	}

	last := BuildPrompt(flow, peers, time.Now(), true)
	if strings.Contains(last, "wait_for_agent") || strings.Contains(last, `"continue"`) {
		t.Errorf("last-chance prompt must omit non-terminal decisions:\n%s", last)
	}
	if !strings.Contains(last, "final round") {
		t.Errorf("last-chance prompt missing warning:\n%s", last)
	}
}
