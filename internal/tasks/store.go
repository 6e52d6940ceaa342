// Package tasks is the SQLite-backed task store the assistant's tools
// act on. Every mutating and listing method is scoped by owner; Lookup
// is the single unscoped read, used to tell "missing" from "someone
// else's" before a mutation.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/tally/internal/database"
)

// ErrNotFound is returned when no task matches the id (and owner).
var ErrNotFound = errors.New("task not found")

// Priority is a task's priority level.
type Priority string

// Priority levels.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Status filters List results.
type Status string

// List filters.
const (
	StatusAll       Status = "all"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Task is a single to-do item.
type Task struct {
	ID          int64     `json:"id"`
	OwnerID     string    `json:"-"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	Priority    Priority  `json:"priority"`
	DueDate     string    `json:"due_date,omitempty"` // YYYY-MM-DD
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Filter narrows a List call.
type Filter struct {
	Status Status
	Limit  int // <= 0 means no limit
}

// Patch carries the fields an Update changes. Nil fields are left alone;
// an empty DueDate clears the due date.
type Patch struct {
	Title       *string
	Description *string
	Priority    *Priority
	DueDate     *string
}

// Fields returns the names of the fields p sets, in column order.
func (p Patch) Fields() []string {
	var f []string
	if p.Title != nil {
		f = append(f, "title")
	}
	if p.Description != nil {
		f = append(f, "description")
	}
	if p.Priority != nil {
		f = append(f, "priority")
	}
	if p.DueDate != nil {
		f = append(f, "due_date")
	}
	return f
}

// Store persists tasks in the shared database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a task store on an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const taskColumns = `id, owner_id, title, description, completed, priority, due_date, created_at, updated_at`

// Create inserts a new task for t.OwnerID and returns the stored row.
func (s *Store) Create(ctx context.Context, t Task) (*Task, error) {
	if t.OwnerID == "" {
		return nil, fmt.Errorf("create task: owner is required")
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (owner_id, title, description, completed, priority, due_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OwnerID, t.Title, t.Description, t.Completed, string(t.Priority),
		nullString(t.DueDate), database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("insert task id: %w", err)
	}
	return &t, nil
}

// List returns the owner's tasks: incomplete first, then by due date
// (undated last), then newest first.
func (s *Store) List(ctx context.Context, ownerID string, f Filter) ([]*Task, error) {
	var (
		where strings.Builder
		args  = []any{ownerID}
	)
	where.WriteString("owner_id = ?")
	switch f.Status {
	case StatusPending:
		where.WriteString(" AND completed = 0")
	case StatusCompleted:
		where.WriteString(" AND completed = 1")
	case StatusAll, "":
	default:
		return nil, fmt.Errorf("list tasks: unknown status %q", f.Status)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + where.String() + `
		ORDER BY completed ASC, due_date IS NULL, due_date ASC, created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get returns the owner's task with the given id.
func (s *Store) Get(ctx context.Context, ownerID string, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanOne(row, id)
}

// Lookup returns the task with the given id regardless of owner. Callers
// use it only to verify ownership before an owner-scoped mutation.
func (s *Store) Lookup(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanOne(row, id)
}

// Update applies p to the owner's task and returns the updated row.
func (s *Store) Update(ctx context.Context, ownerID string, id int64, p Patch) (*Task, error) {
	var (
		sets []string
		args []any
	)
	if p.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *p.Title)
	}
	if p.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *p.Description)
	}
	if p.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, string(*p.Priority))
	}
	if p.DueDate != nil {
		sets = append(sets, "due_date = ?")
		args = append(args, nullString(*p.DueDate))
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("update task %d: nothing to update", id)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, database.FormatTime(s.now()), id, ownerID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND owner_id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update task %d: %w", id, err)
	}
	if err := requireOne(res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, ownerID, id)
}

// SetCompleted marks the owner's task completed or pending.
func (s *Store) SetCompleted(ctx context.Context, ownerID string, id int64, completed bool) (*Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		completed, database.FormatTime(s.now()), id, ownerID)
	if err != nil {
		return nil, fmt.Errorf("complete task %d: %w", id, err)
	}
	if err := requireOne(res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, ownerID, id)
}

// Delete removes the owner's task and returns it as it was.
func (s *Store) Delete(ctx context.Context, ownerID string, id int64) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete task %d: %w", id, err)
	}
	defer tx.Rollback()

	t, err := scanOne(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID), id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID); err != nil {
		return nil, fmt.Errorf("delete task %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete task %d: %w", id, err)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row, id int64) (*Task, error) {
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

func scanTask(sc scanner) (*Task, error) {
	var (
		t                Task
		priority         string
		due              sql.NullString
		created, updated string
	)
	if err := sc.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &t.Completed,
		&priority, &due, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Priority = Priority(priority)
	t.DueDate = due.String

	var err error
	if t.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	return &t, nil
}

func requireOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task %d rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
