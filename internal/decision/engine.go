// Package decision turns flow state into one typed decision per round,
// optionally via an LLM tool loop.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/config"
	"github.com/patrick-hofmann/koompl/internal/providers"
	"github.com/patrick-hofmann/koompl/internal/store"
	"github.com/patrick-hofmann/koompl/internal/tools"
)

const apologyText = "I'm sorry, I was unable to complete your request. Please try again or rephrase it."

// Retry prompts are truncated hard; the model loses history but keeps
// the original request.
const retryPromptLimit = 4000

// MCPTools is the slice of the MCP manager the engine needs.
type MCPTools interface {
	ToolNamesFor(serverIDs []uuid.UUID) []string
}

// Input is everything one decision round needs. Peers are pre-filtered
// through the mail policy by the caller.
type Input struct {
	Flow       *store.FlowData
	Agent      *store.AgentData
	Peers      []Peer
	Now        time.Time
	LastChance bool
}

// Outcome carries the decision plus the round's side records.
type Outcome struct {
	Decision    *store.Decision
	Calls       []store.MCPCall
	Attachments []store.MailAttachment
	Usage       providers.Usage
}

// Engine drives one decision per call. Safe for concurrent use.
type Engine struct {
	provider providers.Provider
	registry *tools.Registry
	mcp      MCPTools
	cfg      *config.Config

	// builtinNames is captured at wiring time, before MCP servers
	// register their bridged tools.
	builtinNames []string
}

func NewEngine(provider providers.Provider, registry *tools.Registry, mcp MCPTools, cfg *config.Config) *Engine {
	return &Engine{
		provider:     provider,
		registry:     registry,
		mcp:          mcp,
		cfg:          cfg,
		builtinNames: registry.Names(),
	}
}

// Decide runs one round. It only returns an error for context
// cancellation; provider and parse failures degrade into fail or
// complete decisions so the flow always gets a usable outcome.
func (e *Engine) Decide(ctx context.Context, in Input) (*Outcome, error) {
	prompt := BuildPrompt(in.Flow, in.Peers, in.Now, in.LastChance)
	messages := []providers.Message{
		{Role: "system", Content: in.Agent.Prompt},
		{Role: "user", Content: prompt},
	}

	toolNames := append([]string{}, e.builtinNames...)
	if e.mcp != nil {
		toolNames = append(toolNames, e.mcp.ToolNamesFor(in.Agent.MCPServerIDs)...)
	}

	llm := e.cfg.Snapshot().LLM
	var out *Outcome
	var err error
	if len(toolNames) == 0 {
		out, err = e.decideSingle(ctx, messages, llm)
	} else {
		out, err = e.decideWithTools(ctx, messages, toolNames, llm)
	}
	if err != nil {
		return nil, err
	}

	if out.Decision.Type == store.DecisionComplete {
		out.Decision.Attachments = append(out.Attachments, in.Flow.Trigger.Attachments...)
	}
	return out, nil
}

func (e *Engine) decideSingle(ctx context.Context, messages []providers.Message, llm config.LLMConfig) (*Outcome, error) {
	req := providers.ChatRequest{
		Messages:    messages,
		Model:       llm.Model,
		MaxTokens:   llm.MaxTokens,
		Temperature: llm.Temperature,
		ForceJSON:   true,
	}

	resp, err := e.provider.Chat(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("decision.llm_retry", "error", err)
		req.Messages = shrinkMessages(messages)
		resp, err = e.provider.Chat(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Error("decision.llm_failed", "error", err)
			return &Outcome{Decision: failApology("LLM unavailable")}, nil
		}
	}

	out := &Outcome{}
	if resp.Usage != nil {
		out.Usage = *resp.Usage
	}

	d, perr := Parse(resp.Content)
	if perr != nil {
		slog.Warn("decision.parse_failed", "error", perr)
		if resp.Content != "" {
			d = &store.Decision{Type: store.DecisionComplete, FinalResponse: resp.Content}
		} else {
			d = failApology("unparseable model output")
		}
	}
	out.Decision = d
	return out, nil
}

func (e *Engine) decideWithTools(ctx context.Context, messages []providers.Message, toolNames []string, llm config.LLMConfig) (*Outcome, error) {
	model := llm.ToolsModel
	if model == "" {
		model = llm.Model
	}
	maxIter := llm.MaxToolIterations
	if maxIter <= 0 {
		maxIter = 5
	}

	out := &Outcome{}
	defs := e.registry.Defs(toolNames)

	for iteration := 1; iteration <= maxIter; iteration++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := e.provider.Chat(ctx, providers.ChatRequest{
			Messages:    messages,
			Tools:       defs,
			Model:       model,
			MaxTokens:   llm.MaxTokens,
			Temperature: llm.Temperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("decision.llm_retry", "iteration", iteration, "error", err)
			resp, err = e.provider.Chat(ctx, providers.ChatRequest{
				Messages:    shrinkMessages(messages),
				Tools:       defs,
				Model:       model,
				MaxTokens:   llm.MaxTokens,
				Temperature: llm.Temperature,
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				slog.Error("decision.llm_failed", "iteration", iteration, "error", err)
				out.Decision = failApology("LLM unavailable")
				return out, nil
			}
		}
		if resp.Usage != nil {
			out.Usage.PromptTokens += resp.Usage.PromptTokens
			out.Usage.CompletionTokens += resp.Usage.CompletionTokens
			out.Usage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			d, perr := Parse(resp.Content)
			if perr != nil {
				slog.Debug("decision.content_as_complete", "error", perr)
				d = &store.Decision{Type: store.DecisionComplete, FinalResponse: resp.Content}
			}
			out.Decision = d
			return out, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			slog.Info("decision.tool_call", "tool", tc.Name, "args_len", len(argsJSON))

			result := e.registry.Execute(ctx, tc.Name, tc.Arguments)
			out.Calls = append(out.Calls, store.MCPCall{
				Tool:    tc.Name,
				Args:    argsJSON,
				Result:  result.ForLLM,
				IsError: result.IsError,
				At:      time.Now().UTC(),
			})
			if result.Attachment != nil {
				out.Attachments = append(out.Attachments, *result.Attachment)
			}

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}

	slog.Warn("decision.tool_loop_exhausted", "cap", maxIter)
	out.Decision = failApology(fmt.Sprintf("tool loop cap (%d) reached without a decision", maxIter))
	return out, nil
}

func failApology(reasoning string) *store.Decision {
	return &store.Decision{
		Type:          store.DecisionFail,
		Reasoning:     reasoning,
		FinalResponse: apologyText,
	}
}

// shrinkMessages keeps the system message and truncates the first user
// prompt for the one retry the engine allows.
func shrinkMessages(messages []providers.Message) []providers.Message {
	out := make([]providers.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role == "user" {
			out[i].Content = truncate(out[i].Content, retryPromptLimit)
			break
		}
	}
	return out
}
