package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/patrick-hofmann/koompl/internal/identity"
	"github.com/patrick-hofmann/koompl/internal/store"
)

// ============================================================
// directory_list
// ============================================================

type DirectoryListTool struct {
	view *identity.View
}

func NewDirectoryListTool(view *identity.View) *DirectoryListTool {
	return &DirectoryListTool{view: view}
}

func (t *DirectoryListTool) Name() string { return "directory_list" }
func (t *DirectoryListTool) Description() string {
	return "List the team's agents and human members with their email addresses and roles."
}

func (t *DirectoryListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

type directoryEntry struct {
	Kind     string `json:"kind"` // "agent" or "user"
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email"`
	Role     string `json:"role,omitempty"`
}

func (t *DirectoryListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	teamID := store.TeamIDFromContext(ctx)

	team, err := t.view.TeamByID(ctx, teamID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("resolve team: %v", err)).WithError(err)
	}
	agents, err := t.view.TeamAgents(ctx, teamID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list agents: %v", err)).WithError(err)
	}
	members, err := t.view.TeamMembers(ctx, teamID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list members: %v", err)).WithError(err)
	}

	self := store.AgentIDFromContext(ctx)
	entries := make([]directoryEntry, 0, len(agents)+len(members))
	for _, a := range agents {
		if a.ID == self {
			continue
		}
		entries = append(entries, directoryEntry{
			Kind:     "agent",
			Name:     a.Name,
			Username: a.Username,
			Email:    a.Address(team.Domain),
			Role:     a.Role,
		})
	}
	for _, u := range members {
		entries = append(entries, directoryEntry{
			Kind:  "user",
			Name:  u.Name,
			Email: u.Email,
		})
	}

	if len(entries) == 0 {
		return NewResult("The directory is empty.")
	}
	out, _ := json.MarshalIndent(entries, "", "  ")
	return NewResult(string(out))
}
