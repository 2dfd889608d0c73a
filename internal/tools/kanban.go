package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// ============================================================
// kanban_list_board
// ============================================================

type KanbanListTool struct {
	data *store.TeamDataStore
}

func NewKanbanListTool(data *store.TeamDataStore) *KanbanListTool {
	return &KanbanListTool{data: data}
}

func (t *KanbanListTool) Name() string { return "kanban_list_board" }
func (t *KanbanListTool) Description() string {
	return "Show a team kanban board with its columns and cards. Lists all boards when no name is given."
}

func (t *KanbanListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"board": map[string]interface{}{
				"type":        "string",
				"description": "Board name (omit to list all boards)",
			},
		},
	}
}

func (t *KanbanListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	teamID := store.TeamIDFromContext(ctx)

	boards, err := t.data.ListBoards(ctx, teamID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list boards: %v", err)).WithError(err)
	}

	name := strings.TrimSpace(argString(args, "board"))
	if name == "" {
		if len(boards) == 0 {
			return NewResult("No boards yet. Use kanban_add_card to create one.")
		}
		out, _ := json.MarshalIndent(boards, "", "  ")
		return NewResult(string(out))
	}

	for _, b := range boards {
		if strings.EqualFold(b.Name, name) {
			out, _ := json.MarshalIndent(b, "", "  ")
			return NewResult(string(out))
		}
	}
	return ErrorResult(fmt.Sprintf("no board named %q", name))
}

// ============================================================
// kanban_add_card
// ============================================================

type KanbanAddCardTool struct {
	data *store.TeamDataStore
}

func NewKanbanAddCardTool(data *store.TeamDataStore) *KanbanAddCardTool {
	return &KanbanAddCardTool{data: data}
}

func (t *KanbanAddCardTool) Name() string { return "kanban_add_card" }
func (t *KanbanAddCardTool) Description() string {
	return "Add a card to a kanban board column. Creates the board with default columns (todo, in_progress, done) if missing."
}

func (t *KanbanAddCardTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"board": map[string]interface{}{
				"type":        "string",
				"description": "Board name",
			},
			"column": map[string]interface{}{
				"type":        "string",
				"description": "Column name (default: todo)",
			},
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Card title",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "Optional card description",
			},
			"assignee": map[string]interface{}{
				"type":        "string",
				"description": "Agent username or user email",
			},
			"due_date": map[string]interface{}{
				"type":        "string",
				"description": "Due date, YYYY-MM-DD",
			},
		},
		"required": []string{"board", "title"},
	}
}

func (t *KanbanAddCardTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	teamID := store.TeamIDFromContext(ctx)

	board := strings.TrimSpace(argString(args, "board"))
	title := strings.TrimSpace(argString(args, "title"))
	if board == "" || title == "" {
		return ErrorResult("'board' and 'title' are required")
	}
	column := strings.TrimSpace(argString(args, "column"))
	if column == "" {
		column = "todo"
	}

	if _, err := t.data.EnsureBoard(ctx, teamID, board); err != nil {
		return ErrorResult(fmt.Sprintf("ensure board: %v", err)).WithError(err)
	}

	card, err := t.data.AddCard(ctx, teamID, board, column, store.KanbanCard{
		Title:       title,
		Description: argString(args, "description"),
		Assignee:    argString(args, "assignee"),
		DueDate:     argString(args, "due_date"),
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("add card: %v", err)).WithError(err)
	}

	out, _ := json.Marshal(card)
	return NewResult(fmt.Sprintf("Card added to %s/%s: %s", board, column, out))
}

// ============================================================
// kanban_move_card
// ============================================================

type KanbanMoveCardTool struct {
	data *store.TeamDataStore
}

func NewKanbanMoveCardTool(data *store.TeamDataStore) *KanbanMoveCardTool {
	return &KanbanMoveCardTool{data: data}
}

func (t *KanbanMoveCardTool) Name() string { return "kanban_move_card" }
func (t *KanbanMoveCardTool) Description() string {
	return "Move a card to another column on its board."
}

func (t *KanbanMoveCardTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"board": map[string]interface{}{
				"type":        "string",
				"description": "Board name",
			},
			"card_id": map[string]interface{}{
				"type":        "string",
				"description": "Card id from kanban_list_board",
			},
			"to_column": map[string]interface{}{
				"type":        "string",
				"description": "Destination column name",
			},
		},
		"required": []string{"board", "card_id", "to_column"},
	}
}

func (t *KanbanMoveCardTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	teamID := store.TeamIDFromContext(ctx)

	board := strings.TrimSpace(argString(args, "board"))
	toColumn := strings.TrimSpace(argString(args, "to_column"))
	if board == "" || toColumn == "" {
		return ErrorResult("'board' and 'to_column' are required")
	}
	cardID, err := parseUUIDArg(args, "card_id")
	if err != nil {
		return ErrorResult(err.Error())
	}

	if err := t.data.MoveCard(ctx, teamID, board, cardID, toColumn); err != nil {
		return ErrorResult(fmt.Sprintf("move card: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Card moved to %s.", toColumn))
}

// ============================================================
// kanban_delete_card
// ============================================================

type KanbanDeleteCardTool struct {
	data *store.TeamDataStore
}

func NewKanbanDeleteCardTool(data *store.TeamDataStore) *KanbanDeleteCardTool {
	return &KanbanDeleteCardTool{data: data}
}

func (t *KanbanDeleteCardTool) Name() string { return "kanban_delete_card" }
func (t *KanbanDeleteCardTool) Description() string {
	return "Delete a card from a kanban board."
}

func (t *KanbanDeleteCardTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"board": map[string]interface{}{
				"type":        "string",
				"description": "Board name",
			},
			"card_id": map[string]interface{}{
				"type":        "string",
				"description": "Card id from kanban_list_board",
			},
		},
		"required": []string{"board", "card_id"},
	}
}

func (t *KanbanDeleteCardTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	teamID := store.TeamIDFromContext(ctx)

	board := strings.TrimSpace(argString(args, "board"))
	if board == "" {
		return ErrorResult("'board' is required")
	}
	cardID, err := parseUUIDArg(args, "card_id")
	if err != nil {
		return ErrorResult(err.Error())
	}

	if err := t.data.DeleteCard(ctx, teamID, board, cardID); err != nil {
		return ErrorResult(fmt.Sprintf("delete card: %v", err)).WithError(err)
	}
	return NewResult("Card deleted.")
}
