package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// ============================================================
// calendar_list_events
// ============================================================

type CalendarListTool struct {
	data *store.TeamDataStore
}

func NewCalendarListTool(data *store.TeamDataStore) *CalendarListTool {
	return &CalendarListTool{data: data}
}

func (t *CalendarListTool) Name() string { return "calendar_list_events" }
func (t *CalendarListTool) Description() string {
	return "List team calendar events in a date range. Defaults to the next 14 days."
}

func (t *CalendarListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"from": map[string]interface{}{
				"type":        "string",
				"description": "Range start, RFC3339 or YYYY-MM-DD (default: today)",
			},
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Range end, RFC3339 or YYYY-MM-DD (default: from + 14 days)",
			},
		},
	}
}

func (t *CalendarListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	teamID := store.TeamIDFromContext(ctx)

	from := time.Now().Truncate(24 * time.Hour)
	if v := argString(args, "from"); v != "" {
		parsed, err := parseWhen(v)
		if err != nil {
			return ErrorResult(fmt.Sprintf("invalid 'from': %v", err))
		}
		from = parsed
	}
	to := from.Add(14 * 24 * time.Hour)
	if v := argString(args, "to"); v != "" {
		parsed, err := parseWhen(v)
		if err != nil {
			return ErrorResult(fmt.Sprintf("invalid 'to': %v", err))
		}
		to = parsed
	}
	if !to.After(from) {
		return ErrorResult("'to' must be after 'from'")
	}

	events, err := t.data.ListEvents(ctx, teamID, from, to)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list events: %v", err)).WithError(err)
	}
	if len(events) == 0 {
		return NewResult(fmt.Sprintf("No events between %s and %s.",
			from.Format("2006-01-02"), to.Format("2006-01-02")))
	}

	out, _ := json.MarshalIndent(events, "", "  ")
	return NewResult(string(out))
}

// ============================================================
// calendar_create_event
// ============================================================

type CalendarCreateTool struct {
	data *store.TeamDataStore
}

func NewCalendarCreateTool(data *store.TeamDataStore) *CalendarCreateTool {
	return &CalendarCreateTool{data: data}
}

func (t *CalendarCreateTool) Name() string { return "calendar_create_event" }
func (t *CalendarCreateTool) Description() string {
	return "Create a team calendar event. Times are RFC3339; an all-day event may use YYYY-MM-DD for start with no end."
}

func (t *CalendarCreateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Event title",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "Optional longer description",
			},
			"start": map[string]interface{}{
				"type":        "string",
				"description": "Start time, RFC3339 or YYYY-MM-DD",
			},
			"end": map[string]interface{}{
				"type":        "string",
				"description": "End time, RFC3339 (default: start + 1 hour, or end of day for all-day)",
			},
			"attendees": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Attendee emails or agent usernames",
			},
		},
		"required": []string{"title", "start"},
	}
}

func (t *CalendarCreateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	teamID := store.TeamIDFromContext(ctx)

	title := strings.TrimSpace(argString(args, "title"))
	if title == "" {
		return ErrorResult("'title' is required")
	}
	startRaw := argString(args, "start")
	if startRaw == "" {
		return ErrorResult("'start' is required")
	}
	start, err := parseWhen(startRaw)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid 'start': %v", err))
	}

	end := start.Add(time.Hour)
	if len(startRaw) == len("2006-01-02") {
		end = start.Add(24 * time.Hour)
	}
	if v := argString(args, "end"); v != "" {
		end, err = parseWhen(v)
		if err != nil {
			return ErrorResult(fmt.Sprintf("invalid 'end': %v", err))
		}
	}

	ev := store.CalendarEvent{
		Title:       title,
		Description: argString(args, "description"),
		Start:       start,
		End:         end,
		Attendees:   argStrings(args, "attendees"),
		CreatedBy:   store.UserIDFromContext(ctx),
	}
	created, err := t.data.AddEvent(ctx, teamID, ev)
	if err != nil {
		return ErrorResult(fmt.Sprintf("create event: %v", err)).WithError(err)
	}

	out, _ := json.Marshal(created)
	return NewResult(fmt.Sprintf("Event created: %s", out))
}

// ============================================================
// calendar_delete_event
// ============================================================

type CalendarDeleteTool struct {
	data *store.TeamDataStore
}

func NewCalendarDeleteTool(data *store.TeamDataStore) *CalendarDeleteTool {
	return &CalendarDeleteTool{data: data}
}

func (t *CalendarDeleteTool) Name() string { return "calendar_delete_event" }
func (t *CalendarDeleteTool) Description() string {
	return "Delete a team calendar event by its id."
}

func (t *CalendarDeleteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"event_id": map[string]interface{}{
				"type":        "string",
				"description": "Event id from calendar_list_events",
			},
		},
		"required": []string{"event_id"},
	}
}

func (t *CalendarDeleteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	teamID := store.TeamIDFromContext(ctx)

	id, err := parseUUIDArg(args, "event_id")
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := t.data.DeleteEvent(ctx, teamID, id); err != nil {
		return ErrorResult(fmt.Sprintf("delete event: %v", err)).WithError(err)
	}
	return NewResult("Event deleted.")
}

// parseWhen accepts RFC3339 or a bare date.
func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", s)
}

func argStrings(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
