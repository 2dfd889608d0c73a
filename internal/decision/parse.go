package decision

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// wireDecision is the JSON shape the model is asked to produce.
type wireDecision struct {
	Decision      string  `json:"decision"`
	Reasoning     string  `json:"reasoning"`
	Confidence    float64 `json:"confidence"`
	FinalResponse string  `json:"final_response"`
	TargetAgent   string  `json:"target_agent"`
	Subject       string  `json:"subject"`
	Body          string  `json:"body"`
}

// Parse turns model output into a validated Decision. The content may
// wrap the JSON in a markdown fence or surrounding prose; the first
// top-level object is used. A nil decision with a nil error never occurs.
func Parse(content string) (*store.Decision, error) {
	raw, ok := extractJSON(content)
	if !ok {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var w wireDecision
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}

	d := &store.Decision{
		Reasoning:      strings.TrimSpace(w.Reasoning),
		Confidence:     w.Confidence,
		FinalResponse:  strings.TrimSpace(w.FinalResponse),
		TargetUsername: strings.ToLower(strings.TrimSpace(w.TargetAgent)),
		Subject:        strings.TrimSpace(w.Subject),
		Body:           strings.TrimSpace(w.Body),
	}

	switch strings.ToLower(strings.TrimSpace(w.Decision)) {
	case "complete":
		d.Type = store.DecisionComplete
	case "wait_for_agent", "waitforagent", "wait":
		d.Type = store.DecisionWaitForAgent
	case "continue":
		d.Type = store.DecisionContinue
	case "fail":
		d.Type = store.DecisionFail
	default:
		slog.Warn("decision.unknown_type", "value", w.Decision)
		d.Type = store.DecisionContinue
	}

	if err := validate(d); err != nil {
		return nil, err
	}
	return d, nil
}

func validate(d *store.Decision) error {
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", d.Confidence)
	}
	switch d.Type {
	case store.DecisionComplete:
		if d.FinalResponse == "" {
			return fmt.Errorf("complete decision without final_response")
		}
	case store.DecisionWaitForAgent:
		if d.TargetUsername == "" || d.Subject == "" || d.Body == "" {
			return fmt.Errorf("wait_for_agent decision missing target_agent, subject, or body")
		}
	}
	return nil
}

// extractJSON finds the first balanced top-level JSON object, skipping
// braces inside string literals.
func extractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
