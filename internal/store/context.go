package store

import (
	"context"

	"github.com/google/uuid"
)

// Context keys for request-scoped identity. Values are injected at the
// webhook/engine boundary and read by tool backends, replacing mutable
// fields on tool instances so concurrent execution stays safe.

type contextKey string

const (
	ctxKeyAgentID contextKey = "agent_id"
	ctxKeyTeamID  contextKey = "team_id"
	ctxKeyUserID  contextKey = "user_id"
	ctxKeyFlowID  contextKey = "flow_id"
)

func WithAgentID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyAgentID, id)
}

func AgentIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ctxKeyAgentID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

func WithTeamID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyTeamID, id)
}

func TeamIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ctxKeyTeamID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, id)
}

func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUserID).(string); ok {
		return v
	}
	return ""
}

func WithFlowID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyFlowID, id)
}

func FlowIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ctxKeyFlowID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
