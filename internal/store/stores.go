package store

// Stores bundles the persistence interfaces the rest of the system is
// wired against. Backends: memory (dev/tests), sqlite (default) and
// postgres (managed deployments).
type Stores struct {
	Mail   MailStore
	Flows  FlowStore
	Agents AgentStore
	Teams  TeamStore
	MCP    MCPServerStore
}
