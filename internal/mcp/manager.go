// Package mcp supervises connections to external MCP servers and bridges
// their tools into the shared registry under namespaced names.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/patrick-hofmann/koompl/internal/store"
	"github.com/patrick-hofmann/koompl/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerStatus reports the connection status of one MCP server.
type ServerStatus struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Transport string    `json:"transport"`
	Connected bool      `json:"connected"`
	ToolCount int       `json:"tool_count"`
	Error     string    `json:"error,omitempty"`
}

type serverState struct {
	id        uuid.UUID
	name      string
	transport string
	client    *mcpclient.Client
	connected atomic.Bool
	toolNames []string
	cancel    context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager connects the MCP servers defined in the store and keeps their
// tools registered. Agents reference servers by id; ToolNamesFor maps an
// agent's server list onto the registry names the decision engine may
// offer.
type Manager struct {
	mu       sync.RWMutex
	servers  map[uuid.UUID]*serverState
	registry *tools.Registry
	store    store.MCPServerStore
}

func NewManager(registry *tools.Registry, s store.MCPServerStore) *Manager {
	return &Manager{
		servers:  make(map[uuid.UUID]*serverState),
		registry: registry,
		store:    s,
	}
}

// Start connects all enabled servers. Non-fatal: a server that fails to
// connect is logged and skipped; the health loop is not started for it.
func (m *Manager) Start(ctx context.Context) error {
	servers, err := m.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list MCP servers: %w", err)
	}

	var failed []string
	for i := range servers {
		srv := &servers[i]
		if !srv.Enabled {
			slog.Info("mcp.server_disabled", "server", srv.Name)
			continue
		}
		if err := m.connectServer(ctx, srv); err != nil {
			slog.Warn("mcp.connect_failed", "server", srv.Name, "error", err)
			failed = append(failed, fmt.Sprintf("%s: %v", srv.Name, err))
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("some MCP servers failed to connect: %s", strings.Join(failed, "; "))
	}
	return nil
}

func (m *Manager) connectServer(ctx context.Context, srv *store.MCPServerData) error {
	client, err := createClient(srv)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// SSE and streamable-http need an explicit Start; stdio auto-starts.
	if srv.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "koompl", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	ss := &serverState{
		id:        srv.ID,
		name:      srv.Name,
		transport: srv.Transport,
		client:    client,
	}
	ss.connected.Store(true)

	var registered []string
	for _, remote := range listed.Tools {
		bt := NewBridgeTool(srv.Name, remote, client, srv.ToolPrefix, srv.TimeoutSec, &ss.connected)
		if _, exists := m.registry.Get(bt.Name()); exists {
			slog.Warn("mcp.tool_name_collision", "server", srv.Name, "tool", bt.Name())
			continue
		}
		m.registry.Register(bt)
		registered = append(registered, bt.Name())
	}
	ss.toolNames = registered

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[srv.ID] = ss
	m.mu.Unlock()

	slog.Info("mcp.server_connected",
		"server", srv.Name,
		"transport", srv.Transport,
		"tools", len(registered),
	)
	return nil
}

func createClient(srv *store.MCPServerData) (*mcpclient.Client, error) {
	switch srv.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(srv.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(srv.Headers))
		}
		return mcpclient.NewSSEMCPClient(srv.URL, opts...)

	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(srv.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(srv.Headers))
		}
		return mcpclient.NewStreamableHttpClient(srv.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}
}

// ToolNamesFor returns the registered tool names of the given servers.
// Disconnected servers are included; their bridge tools answer with an
// error result so the LLM learns the server is down.
func (m *Manager) ToolNamesFor(serverIDs []uuid.UUID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, id := range serverIDs {
		if ss, ok := m.servers[id]; ok {
			names = append(names, ss.toolNames...)
		}
	}
	return names
}

// Statuses reports connection state for the doctor command and admin API.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		out = append(out, ServerStatus{
			ID:        ss.id,
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	return out
}

// Stop disconnects everything and unregisters the bridged tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			_ = ss.client.Close()
		}
		for _, name := range ss.toolNames {
			m.registry.Unregister(name)
		}
		slog.Debug("mcp.server_stopped", "server", ss.name, "tools", len(ss.toolNames))
		delete(m.servers, id)
	}
}

func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err == nil {
				ss.connected.Store(true)
				ss.mu.Lock()
				ss.reconnAttempts = 0
				ss.lastErr = ""
				ss.mu.Unlock()
				continue
			}
			// Servers without a "ping" method are still alive.
			if strings.Contains(strings.ToLower(err.Error()), "method not found") {
				ss.connected.Store(true)
				continue
			}
			ss.connected.Store(false)
			ss.mu.Lock()
			ss.lastErr = err.Error()
			ss.mu.Unlock()

			slog.Warn("mcp.health_failed", "server", ss.name, "error", err)
			m.tryReconnect(ctx, ss)
		}
	}
}

func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		slog.Error("mcp.reconnect_exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	slog.Info("mcp.reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	// The transport may have auto-reconnected in the meantime.
	if err := ss.client.Ping(ctx); err == nil {
		ss.connected.Store(true)
		ss.mu.Lock()
		ss.reconnAttempts = 0
		ss.lastErr = ""
		ss.mu.Unlock()
		slog.Info("mcp.reconnected", "server", ss.name)
	}
}

func envSlice(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var env map[string]string
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
