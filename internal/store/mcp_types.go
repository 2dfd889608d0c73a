package store

import "encoding/json"

// MCPServerData describes an external MCP server agents may draw tools
// from. Transport is one of "stdio", "sse", "streamable-http".
type MCPServerData struct {
	BaseModel
	Name       string            `json:"name"`
	Transport  string            `json:"transport"`
	Command    string            `json:"command,omitempty"` // stdio
	Args       []string          `json:"args,omitempty"`    // stdio
	URL        string            `json:"url,omitempty"`     // sse / streamable-http
	Headers    map[string]string `json:"headers,omitempty"`
	Env        json.RawMessage   `json:"env,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	Enabled    bool              `json:"enabled"`
}
