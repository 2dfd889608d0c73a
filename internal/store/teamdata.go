package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KanbanCard is one card on a team board.
type KanbanCard struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Assignee    string    `json:"assignee,omitempty"` // agent username or user email
	DueDate     string    `json:"dueDate,omitempty"`  // YYYY-MM-DD
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// KanbanColumn is an ordered list of cards.
type KanbanColumn struct {
	Name  string       `json:"name"`
	Cards []KanbanCard `json:"cards"`
}

// KanbanBoard is a team's board. Column names are unique per board.
type KanbanBoard struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Columns   []KanbanColumn `json:"columns"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// CalendarEvent is one entry in a team calendar.
type CalendarEvent struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendees   []string  `json:"attendees,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type teamData struct {
	Boards []KanbanBoard   `json:"boards"`
	Events []CalendarEvent `json:"events"`
}

// TeamDataStore persists kanban boards and calendar events per team as
// JSON files under <dir>/<teamID>.json. One lock guards the whole
// store; team data volumes are small.
type TeamDataStore struct {
	mu    sync.Mutex
	dir   string
	cache map[uuid.UUID]*teamData
}

// NewTeamDataStore opens a team-data store rooted at dir.
func NewTeamDataStore(dir string) (*TeamDataStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("team data dir: %w", err)
	}
	return &TeamDataStore{dir: dir, cache: make(map[uuid.UUID]*teamData)}, nil
}

func (s *TeamDataStore) path(teamID uuid.UUID) string {
	return filepath.Join(s.dir, teamID.String()+".json")
}

// loadLocked reads a team's data into the cache if not present.
func (s *TeamDataStore) loadLocked(teamID uuid.UUID) (*teamData, error) {
	if td, ok := s.cache[teamID]; ok {
		return td, nil
	}
	td := &teamData{}
	raw, err := os.ReadFile(s.path(teamID))
	switch {
	case os.IsNotExist(err):
		// fresh team
	case err != nil:
		return nil, fmt.Errorf("team data read: %w", err)
	default:
		if err := json.Unmarshal(raw, td); err != nil {
			return nil, fmt.Errorf("team data parse %s: %w", teamID, err)
		}
	}
	s.cache[teamID] = td
	return td, nil
}

func (s *TeamDataStore) saveLocked(teamID uuid.UUID, td *teamData) error {
	raw, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(teamID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("team data write: %w", err)
	}
	if err := os.Rename(tmp, s.path(teamID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("team data rename: %w", err)
	}
	return nil
}

// --- Kanban ---

// ListBoards returns copies of the team's boards.
func (s *TeamDataStore) ListBoards(ctx context.Context, teamID uuid.UUID) ([]KanbanBoard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	td, err := s.loadLocked(teamID)
	if err != nil {
		return nil, err
	}
	out := make([]KanbanBoard, len(td.Boards))
	for i := range td.Boards {
		out[i] = cloneBoard(&td.Boards[i])
	}
	return out, nil
}

// EnsureBoard returns the board with the given name, creating it with
// the default columns when missing.
func (s *TeamDataStore) EnsureBoard(ctx context.Context, teamID uuid.UUID, name string) (*KanbanBoard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	td, err := s.loadLocked(teamID)
	if err != nil {
		return nil, err
	}
	if b := findBoard(td, name); b != nil {
		cp := cloneBoard(b)
		return &cp, nil
	}
	b := KanbanBoard{
		ID:   GenNewID(),
		Name: name,
		Columns: []KanbanColumn{
			{Name: "todo"}, {Name: "in_progress"}, {Name: "done"},
		},
		UpdatedAt: time.Now().UTC(),
	}
	td.Boards = append(td.Boards, b)
	if err := s.saveLocked(teamID, td); err != nil {
		return nil, err
	}
	cp := cloneBoard(&b)
	return &cp, nil
}

// AddCard appends a card to a column, creating board and column when
// missing.
func (s *TeamDataStore) AddCard(ctx context.Context, teamID uuid.UUID, board, column string, card KanbanCard) (*KanbanCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	td, err := s.loadLocked(teamID)
	if err != nil {
		return nil, err
	}
	b := findBoard(td, board)
	if b == nil {
		td.Boards = append(td.Boards, KanbanBoard{ID: GenNewID(), Name: board})
		b = &td.Boards[len(td.Boards)-1]
	}
	col := findColumn(b, column)
	if col == nil {
		b.Columns = append(b.Columns, KanbanColumn{Name: column})
		col = &b.Columns[len(b.Columns)-1]
	}
	now := time.Now().UTC()
	card.ID = GenNewID()
	card.CreatedAt, card.UpdatedAt = now, now
	col.Cards = append(col.Cards, card)
	b.UpdatedAt = now
	if err := s.saveLocked(teamID, td); err != nil {
		return nil, err
	}
	cp := card
	return &cp, nil
}

// MoveCard moves a card to another column on the same board.
func (s *TeamDataStore) MoveCard(ctx context.Context, teamID uuid.UUID, board string, cardID uuid.UUID, toColumn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	td, err := s.loadLocked(teamID)
	if err != nil {
		return err
	}
	b := findBoard(td, board)
	if b == nil {
		return fmt.Errorf("board %q: %w", board, ErrNotFound)
	}
	var card *KanbanCard
	for ci := range b.Columns {
		col := &b.Columns[ci]
		for i := range col.Cards {
			if col.Cards[i].ID == cardID {
				c := col.Cards[i]
				col.Cards = append(col.Cards[:i], col.Cards[i+1:]...)
				card = &c
				break
			}
		}
		if card != nil {
			break
		}
	}
	if card == nil {
		return fmt.Errorf("card %s: %w", cardID, ErrNotFound)
	}
	dst := findColumn(b, toColumn)
	if dst == nil {
		b.Columns = append(b.Columns, KanbanColumn{Name: toColumn})
		dst = &b.Columns[len(b.Columns)-1]
	}
	card.UpdatedAt = time.Now().UTC()
	dst.Cards = append(dst.Cards, *card)
	b.UpdatedAt = card.UpdatedAt
	return s.saveLocked(teamID, td)
}

// DeleteCard removes a card from a board.
func (s *TeamDataStore) DeleteCard(ctx context.Context, teamID uuid.UUID, board string, cardID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	td, err := s.loadLocked(teamID)
	if err != nil {
		return err
	}
	b := findBoard(td, board)
	if b == nil {
		return fmt.Errorf("board %q: %w", board, ErrNotFound)
	}
	for ci := range b.Columns {
		col := &b.Columns[ci]
		for i := range col.Cards {
			if col.Cards[i].ID == cardID {
				col.Cards = append(col.Cards[:i], col.Cards[i+1:]...)
				b.UpdatedAt = time.Now().UTC()
				return s.saveLocked(teamID, td)
			}
		}
	}
	return fmt.Errorf("card %s: %w", cardID, ErrNotFound)
}

func findBoard(td *teamData, name string) *KanbanBoard {
	for i := range td.Boards {
		if strings.EqualFold(td.Boards[i].Name, name) {
			return &td.Boards[i]
		}
	}
	return nil
}

func findColumn(b *KanbanBoard, name string) *KanbanColumn {
	for i := range b.Columns {
		if strings.EqualFold(b.Columns[i].Name, name) {
			return &b.Columns[i]
		}
	}
	return nil
}

func cloneBoard(b *KanbanBoard) KanbanBoard {
	cp := *b
	cp.Columns = make([]KanbanColumn, len(b.Columns))
	for i, col := range b.Columns {
		cp.Columns[i] = KanbanColumn{Name: col.Name, Cards: append([]KanbanCard(nil), col.Cards...)}
	}
	return cp
}

// --- Calendar ---

// AddEvent stores a calendar event.
func (s *TeamDataStore) AddEvent(ctx context.Context, teamID uuid.UUID, ev CalendarEvent) (*CalendarEvent, error) {
	if ev.End.Before(ev.Start) {
		return nil, fmt.Errorf("event %q ends before it starts", ev.Title)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	td, err := s.loadLocked(teamID)
	if err != nil {
		return nil, err
	}
	ev.ID = GenNewID()
	ev.CreatedAt = time.Now().UTC()
	td.Events = append(td.Events, ev)
	if err := s.saveLocked(teamID, td); err != nil {
		return nil, err
	}
	cp := ev
	return &cp, nil
}

// ListEvents returns events overlapping [from, to), sorted by start.
// Zero bounds are open.
func (s *TeamDataStore) ListEvents(ctx context.Context, teamID uuid.UUID, from, to time.Time) ([]CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	td, err := s.loadLocked(teamID)
	if err != nil {
		return nil, err
	}
	var out []CalendarEvent
	for _, ev := range td.Events {
		if !from.IsZero() && ev.End.Before(from) {
			continue
		}
		if !to.IsZero() && !ev.Start.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// DeleteEvent removes an event by id.
func (s *TeamDataStore) DeleteEvent(ctx context.Context, teamID uuid.UUID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	td, err := s.loadLocked(teamID)
	if err != nil {
		return err
	}
	for i := range td.Events {
		if td.Events[i].ID == id {
			td.Events = append(td.Events[:i], td.Events[i+1:]...)
			return s.saveLocked(teamID, td)
		}
	}
	return fmt.Errorf("event %s: %w", id, ErrNotFound)
}
