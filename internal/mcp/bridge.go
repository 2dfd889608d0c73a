package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/patrick-hofmann/koompl/internal/tools"
)

// BridgeTool adapts one remote MCP tool to the registry's Tool interface.
// The registered name is namespaced per server so agents on different
// servers never collide.
type BridgeTool struct {
	serverName   string
	registerName string
	originalName string
	description  string
	schema       map[string]interface{}
	client       *mcpclient.Client
	timeout      time.Duration
	connected    *atomic.Bool
}

// NewBridgeTool wraps a discovered MCP tool. prefix overrides the default
// "mcp_<server>_" namespace when set.
func NewBridgeTool(serverName string, t mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	if prefix == "" {
		prefix = "mcp_" + sanitizeName(serverName) + "_"
	}
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return &BridgeTool{
		serverName:   serverName,
		registerName: prefix + t.Name,
		originalName: t.Name,
		description:  t.Description,
		schema:       schemaToMap(t.InputSchema),
		client:       client,
		timeout:      time.Duration(timeoutSec) * time.Second,
		connected:    connected,
	}
}

func (t *BridgeTool) Name() string        { return t.registerName }
func (t *BridgeTool) Description() string { return t.description }

// OriginalName is the tool's name on the remote server, before namespacing.
func (t *BridgeTool) OriginalName() string { return t.originalName }

func (t *BridgeTool) Parameters() map[string]interface{} {
	if t.schema != nil {
		return t.schema
	}
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if t.connected != nil && !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %q is not connected", t.serverName))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.originalName
	req.Params.Arguments = args

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP tool %s: %v", t.originalName, err)).WithError(err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = fmt.Sprintf("MCP tool %s reported an error", t.originalName)
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(empty result)"
	}
	return tools.NewResult(text)
}

// flattenContent joins the content blocks of a tool result into the text
// envelope the decision engine feeds back to the LLM. Non-text blocks are
// summarized rather than inlined.
func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case mcpgo.ImageContent:
			size := len(v.Data)
			if decoded, err := base64.StdEncoding.DecodeString(v.Data); err == nil {
				size = len(decoded)
			}
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes]", v.MIMEType, size))
		default:
			if b, err := json.Marshal(c); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func schemaToMap(s mcpgo.ToolInputSchema) map[string]interface{} {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func sanitizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
