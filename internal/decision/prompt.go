package decision

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// Per-round summaries are trimmed so long flows do not blow past the
// model's context window.
const (
	roundSummaryLimit = 600
	triggerBodyLimit  = 4000
)

// Peer is one agent the acting agent may delegate to, post policy filter.
type Peer struct {
	Username string
	Name     string
	Role     string
}

// FilterPeers narrows a team's agents to those the acting agent may
// contact: delegation must be enabled, the agent itself is excluded, and
// a non-empty allowed list restricts to its usernames.
func FilterPeers(agent *store.AgentData, teamAgents []store.AgentData) []Peer {
	if !agent.MultiRound.CanCommunicateWithAgents {
		return nil
	}
	allowed := map[string]bool{}
	for _, u := range agent.MultiRound.AllowedAgentUsernames {
		allowed[strings.ToLower(u)] = true
	}

	var peers []Peer
	for _, a := range teamAgents {
		if a.ID == agent.ID {
			continue
		}
		if len(allowed) > 0 && !allowed[a.Username] {
			continue
		}
		peers = append(peers, Peer{Username: a.Username, Name: a.Name, Role: a.Role})
	}
	return peers
}

// BuildPrompt renders the per-round user prompt. lastChance removes the
// non-terminal decisions from the allowed set; the parser then coerces
// anything non-terminal into a failure.
func BuildPrompt(flow *store.FlowData, peers []Peer, now time.Time, lastChance bool) string {
	var b strings.Builder

	writeTemporalContext(&b, now)
	writeTrigger(&b, &flow.Trigger)
	writeRounds(&b, flow.Rounds)
	writePeers(&b, peers, lastChance)
	writeSchema(&b, peers, lastChance)

	return b.String()
}

func writeTemporalContext(b *strings.Builder, now time.Time) {
	now = now.UTC()
	b.WriteString("## Temporal context\n")
	fmt.Fprintf(b, "Current time (UTC): %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(b, "Today is %s, %s.\n", now.Weekday(), now.Format("2006-01-02"))
	fmt.Fprintf(b, "Tomorrow is %s, %s.\n", now.Add(24*time.Hour).Weekday(), now.Add(24*time.Hour).Format("2006-01-02"))
	b.WriteString("Relative dates: \"today\"/\"heute\" = the current date; " +
		"\"tomorrow\"/\"morgen\" = the next day; " +
		"\"next week\"/\"nächste Woche\" = the upcoming Monday through Sunday; " +
		"\"übermorgen\" = the day after tomorrow.\n\n")
}

func writeTrigger(b *strings.Builder, trig *store.TriggerEmail) {
	b.WriteString("## Original request\n")
	fmt.Fprintf(b, "From: %s\n", trig.From)
	fmt.Fprintf(b, "Subject: %s\n", trig.Subject)
	fmt.Fprintf(b, "Body:\n%s\n", truncate(trig.Body, triggerBodyLimit))
	if len(trig.Attachments) > 0 {
		b.WriteString("Attachments:\n")
		for _, a := range trig.Attachments {
			fmt.Fprintf(b, "- %s (%s, %d bytes)", a.Filename, a.MimeType, a.Size)
			if a.DatasafePath != "" {
				fmt.Fprintf(b, " — stored at %s", a.DatasafePath)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
}

func writeRounds(b *strings.Builder, rounds []store.RoundData) {
	if len(rounds) == 0 {
		return
	}
	b.WriteString("## Previous rounds\n")
	for _, r := range rounds {
		fmt.Fprintf(b, "Round %d:", r.Number+1)
		if r.Decision != nil {
			fmt.Fprintf(b, " decision=%s", r.Decision.Type)
			if r.Decision.TargetUsername != "" {
				fmt.Fprintf(b, " asked=%s", r.Decision.TargetUsername)
			}
		}
		b.WriteString("\n")
		for _, call := range r.MCPCalls {
			status := "ok"
			if call.IsError {
				status = "error"
			}
			fmt.Fprintf(b, "  tool %s (%s): %s\n", call.Tool, status, truncate(call.Result, roundSummaryLimit))
		}
		for _, m := range r.Messages {
			if m.Kind == store.MailInbound {
				fmt.Fprintf(b, "  received from %s: %s\n", m.From, truncate(m.Body, roundSummaryLimit))
			}
		}
	}
	b.WriteString("\n")
}

func writePeers(b *strings.Builder, peers []Peer, lastChance bool) {
	if len(peers) == 0 || lastChance {
		return
	}
	b.WriteString("## Colleagues you may ask\n")
	for _, p := range peers {
		fmt.Fprintf(b, "- %s (%s", p.Username, p.Name)
		if p.Role != "" {
			fmt.Fprintf(b, ", %s", p.Role)
		}
		b.WriteString(")\n")
	}
	b.WriteString("\n")
}

func writeSchema(b *strings.Builder, peers []Peer, lastChance bool) {
	b.WriteString("## Your decision\n")
	if lastChance {
		b.WriteString("This is the final round. You must now either answer the requester or give up.\n")
	}
	b.WriteString("Reply with a single JSON object, no prose around it:\n")
	b.WriteString("{\n")
	b.WriteString(`  "decision": "`)
	b.WriteString(strings.Join(allowedDecisions(peers, lastChance), `" | "`))
	b.WriteString("\",\n")
	b.WriteString("  \"reasoning\": \"one or two sentences\",\n")
	b.WriteString("  \"confidence\": 0.0,\n")
	b.WriteString("  \"final_response\": \"required for complete; the email body sent to the requester\",\n")
	if !lastChance && len(peers) > 0 {
		b.WriteString("  \"target_agent\": \"required for wait_for_agent; a colleague username from the list above\",\n")
		b.WriteString("  \"subject\": \"required for wait_for_agent\",\n")
		b.WriteString("  \"body\": \"required for wait_for_agent; the question you send the colleague\",\n")
	}
	b.WriteString("}\n")
}

func allowedDecisions(peers []Peer, lastChance bool) []string {
	if lastChance {
		return []string{"complete", "fail"}
	}
	out := []string{"complete", "continue", "fail"}
	if len(peers) > 0 {
		out = []string{"complete", "wait_for_agent", "continue", "fail"}
	}
	return out
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	// Back off to a rune boundary so multi-byte text is not cut mid-sequence.
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "… [truncated]"
}
