package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/patrick-hofmann/koompl/internal/store"
)

func seed(t *testing.T) (*View, *store.TeamData, *store.AgentData, *store.UserData) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemStores()

	team := &store.TeamData{Name: "Acme", Domain: "Acme.Example"}
	if err := mem.Teams.CreateTeam(ctx, team); err != nil {
		t.Fatal(err)
	}
	agent := &store.AgentData{TeamID: team.ID, Username: "scout", Name: "Scout"}
	if err := mem.Agents.Create(ctx, agent); err != nil {
		t.Fatal(err)
	}
	user := &store.UserData{Name: "Pat", Email: "pat@example.com"}
	if err := mem.Teams.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	if err := mem.Teams.AddMember(ctx, team.ID, user.ID, "member"); err != nil {
		t.Fatal(err)
	}
	return NewView(mem.Teams, mem.Agents), team, agent, user
}

func TestResolveRecipient(t *testing.T) {
	v, team, agent, _ := seed(t)
	ctx := context.Background()

	tests := []struct {
		name string
		to   string
		ok   bool
	}{
		{"plain", "scout@acme.example", true},
		{"case folded", "SCOUT@ACME.EXAMPLE", true},
		{"display name form", `"Scout Agent" <scout@acme.example>`, true},
		{"unknown agent", "nobody@acme.example", false},
		{"unknown domain", "scout@other.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := v.ResolveRecipient(ctx, tt.to)
			if tt.ok {
				if err != nil {
					t.Fatalf("resolve: %v", err)
				}
				if r.Team.ID != team.ID || r.Agent.ID != agent.ID {
					t.Fatal("resolved to wrong team or agent")
				}
				return
			}
			if !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("want ErrNotFound, got %v", err)
			}
		})
	}
}

func TestClassifySender(t *testing.T) {
	v, team, agent, user := seed(t)
	ctx := context.Background()

	s, err := v.ClassifySender(ctx, team, "Pat <PAT@Example.com>")
	if err != nil {
		t.Fatal(err)
	}
	if s.User == nil || s.User.ID != user.ID {
		t.Fatal("registered member not classified as user")
	}

	s, err = v.ClassifySender(ctx, team, "scout@acme.example")
	if err != nil {
		t.Fatal(err)
	}
	if s.Agent == nil || s.Agent.ID != agent.ID {
		t.Fatal("same-team agent not classified as agent")
	}

	s, err = v.ClassifySender(ctx, team, "stranger@elsewhere.example")
	if err != nil {
		t.Fatal(err)
	}
	if !s.External {
		t.Fatal("unknown address should classify as external")
	}
}
