package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/tally/internal/tasks"
)

// TaskStore is the task persistence the task tools delegate to.
type TaskStore interface {
	Create(ctx context.Context, t tasks.Task) (*tasks.Task, error)
	List(ctx context.Context, ownerID string, f tasks.Filter) ([]*tasks.Task, error)
	Lookup(ctx context.Context, id int64) (*tasks.Task, error)
	Update(ctx context.Context, ownerID string, id int64, p tasks.Patch) (*tasks.Task, error)
	SetCompleted(ctx context.Context, ownerID string, id int64, completed bool) (*tasks.Task, error)
	Delete(ctx context.Context, ownerID string, id int64) (*tasks.Task, error)
}

// Task field limits.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 1000
	DefaultListLimit  = 20
	MaxListLimit      = 100
)

const datePattern = `^[0-9]{4}-[0-9]{2}-[0-9]{2}$`

var priorities = []string{"low", "medium", "high"}

type addTaskArgs struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	DueDate     string `json:"due_date"`
}

type listTasksArgs struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

type completeTaskArgs struct {
	TaskID    int64 `json:"task_id"`
	Completed *bool `json:"completed"`
}

type deleteTaskArgs struct {
	TaskID int64 `json:"task_id"`
}

type updateTaskArgs struct {
	TaskID      int64   `json:"task_id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Priority    *string `json:"priority"`
	DueDate     *string `json:"due_date"`
}

type taskTools struct {
	store  TaskStore
	logger *slog.Logger
}

// RegisterTaskTools registers add_task, list_tasks, complete_task,
// delete_task and update_task backed by store.
func (r *Registry) RegisterTaskTools(store TaskStore) error {
	tt := &taskTools{store: store, logger: r.logger}

	taskID := Param{Name: "task_id", Type: "integer", Description: "The numeric id of the task (from list_tasks)", Required: true, Minimum: 1}

	regs := []struct {
		name    string
		schema  Schema
		handler Handler
	}{
		{"add_task", Schema{
			Description: "Create a new task for the user.",
			Mutating:    true,
			Params: []Param{
				{Name: "title", Type: "string", Description: "Short task title", Required: true, MinLength: 1, MaxLength: MaxTitleLen},
				{Name: "description", Type: "string", Description: "Optional longer description", MaxLength: MaxDescriptionLen},
				{Name: "priority", Type: "string", Description: "Task priority (default medium)", Enum: priorities, Default: "medium"},
				{Name: "due_date", Type: "string", Description: "Due date as YYYY-MM-DD", Pattern: datePattern},
			},
		}, Typed(tt.addTask)},
		{"list_tasks", Schema{
			Description: "List the user's tasks. Use this to find a task's id before changing it.",
			Params: []Param{
				{Name: "status", Type: "string", Description: "Which tasks to return (default all)", Enum: []string{"all", "pending", "completed"}, Default: "all"},
				{Name: "limit", Type: "integer", Description: "Maximum tasks to return (default 20)", Minimum: 1, Maximum: MaxListLimit, Default: DefaultListLimit},
			},
		}, Typed(tt.listTasks)},
		{"complete_task", Schema{
			Description: "Mark a task as completed, or as not completed when completed is false.",
			Mutating:    true,
			Params: []Param{
				taskID,
				{Name: "completed", Type: "boolean", Description: "New completion state (default true)", Default: true},
			},
		}, Typed(tt.completeTask)},
		{"delete_task", Schema{
			Description: "Permanently delete a task. Confirm with the user before deleting.",
			Mutating:    true,
			Params:      []Param{taskID},
		}, Typed(tt.deleteTask)},
		{"update_task", Schema{
			Description: "Change a task's title, description, priority or due date. Only the given fields change.",
			Mutating:    true,
			Params: []Param{
				taskID,
				{Name: "title", Type: "string", Description: "New title", MinLength: 1, MaxLength: MaxTitleLen},
				{Name: "description", Type: "string", Description: "New description (empty clears it)", MaxLength: MaxDescriptionLen},
				{Name: "priority", Type: "string", Description: "New priority", Enum: priorities},
				{Name: "due_date", Type: "string", Description: "New due date as YYYY-MM-DD, or empty to clear", Pattern: `^$|` + datePattern},
			},
		}, Typed(tt.updateTask)},
	}

	for _, reg := range regs {
		if err := r.Register(reg.name, reg.schema, reg.handler); err != nil {
			return err
		}
	}
	return nil
}

func (tt *taskTools) addTask(ctx context.Context, call CallContext, args addTaskArgs) (any, error) {
	title, err := cleanTitle(args.Title)
	if err != nil {
		return nil, err
	}
	if err := checkDate(args.DueDate); err != nil {
		return nil, err
	}
	priority := tasks.Priority(args.Priority)
	if priority == "" {
		priority = tasks.PriorityMedium
	}

	t, err := tt.store.Create(ctx, tasks.Task{
		OwnerID:     call.OwnerID,
		Title:       title,
		Description: strings.TrimSpace(args.Description),
		Priority:    priority,
		DueDate:     args.DueDate,
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	out := map[string]any{
		"id":        t.ID,
		"title":     t.Title,
		"completed": t.Completed,
		"priority":  t.Priority,
		"status":    "created",
	}
	if t.DueDate != "" {
		out["due_date"] = t.DueDate
	}
	return out, nil
}

func (tt *taskTools) listTasks(ctx context.Context, call CallContext, args listTasksArgs) (any, error) {
	status := tasks.Status(args.Status)
	if status == "" {
		status = tasks.StatusAll
	}
	limit := args.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}

	list, err := tt.store.List(ctx, call.OwnerID, tasks.Filter{Status: status, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	return map[string]any{
		"tasks": list,
		"count": len(list),
		"filters_applied": map[string]any{
			"status": status,
			"limit":  limit,
		},
	}, nil
}

func (tt *taskTools) completeTask(ctx context.Context, call CallContext, args completeTaskArgs) (any, error) {
	if _, err := tt.ownedTask(ctx, "complete_task", call, args.TaskID); err != nil {
		return nil, err
	}
	completed := true
	if args.Completed != nil {
		completed = *args.Completed
	}

	t, err := tt.store.SetCompleted(ctx, call.OwnerID, args.TaskID, completed)
	if err != nil {
		return nil, storeError(args.TaskID, err)
	}
	status := "completed"
	if !t.Completed {
		status = "pending"
	}
	return map[string]any{
		"id":        t.ID,
		"title":     t.Title,
		"completed": t.Completed,
		"status":    status,
	}, nil
}

func (tt *taskTools) deleteTask(ctx context.Context, call CallContext, args deleteTaskArgs) (any, error) {
	if _, err := tt.ownedTask(ctx, "delete_task", call, args.TaskID); err != nil {
		return nil, err
	}
	t, err := tt.store.Delete(ctx, call.OwnerID, args.TaskID)
	if err != nil {
		return nil, storeError(args.TaskID, err)
	}
	return map[string]any{
		"id":     t.ID,
		"title":  t.Title,
		"status": "deleted",
	}, nil
}

func (tt *taskTools) updateTask(ctx context.Context, call CallContext, args updateTaskArgs) (any, error) {
	var p tasks.Patch
	if args.Title != nil {
		title, err := cleanTitle(*args.Title)
		if err != nil {
			return nil, err
		}
		p.Title = &title
	}
	if args.Description != nil {
		d := strings.TrimSpace(*args.Description)
		p.Description = &d
	}
	if args.Priority != nil {
		pr := tasks.Priority(*args.Priority)
		p.Priority = &pr
	}
	if args.DueDate != nil {
		if err := checkDate(*args.DueDate); err != nil {
			return nil, err
		}
		p.DueDate = args.DueDate
	}
	fields := p.Fields()
	if len(fields) == 0 {
		return nil, validationError("update_task", "give at least one of title, description, priority or due_date")
	}

	if _, err := tt.ownedTask(ctx, "update_task", call, args.TaskID); err != nil {
		return nil, err
	}
	t, err := tt.store.Update(ctx, call.OwnerID, args.TaskID, p)
	if err != nil {
		return nil, storeError(args.TaskID, err)
	}
	return map[string]any{
		"id":             t.ID,
		"title":          t.Title,
		"status":         "updated",
		"updated_fields": fields,
	}, nil
}

// ownedTask confirms the task exists and belongs to the caller before a
// mutation. A foreign task is reported with the same wording as a
// missing one so ids owned by others cannot be probed.
func (tt *taskTools) ownedTask(ctx context.Context, tool string, call CallContext, id int64) (*tasks.Task, error) {
	t, err := tt.store.Lookup(ctx, id)
	if errors.Is(err, tasks.ErrNotFound) {
		return nil, &Error{Kind: KindNotFound, Tool: tool, Message: fmt.Sprintf("task %d not found", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("look up task %d: %w", id, err)
	}
	if t.OwnerID != call.OwnerID {
		tt.logger.Warn("cross-owner task access refused",
			"tool", tool,
			"task_id", id,
			"owner_id", call.OwnerID)
		return nil, &Error{Kind: KindForbidden, Tool: tool, Message: fmt.Sprintf("task %d not found", id)}
	}
	return t, nil
}

// storeError maps a store miss during the mutation itself (the task was
// deleted after the ownership check) to not_found.
func storeError(id int64, err error) error {
	if errors.Is(err, tasks.ErrNotFound) {
		return &Error{Kind: KindNotFound, Message: fmt.Sprintf("task %d not found", id), Err: err}
	}
	return err
}

func cleanTitle(s string) (string, error) {
	title := strings.TrimSpace(s)
	if title == "" {
		return "", validationError("", "title must not be empty")
	}
	if n := utf8.RuneCountInString(title); n > MaxTitleLen {
		return "", validationError("", "title is %d characters, the limit is %d", n, MaxTitleLen)
	}
	return title, nil
}

func checkDate(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return validationError("", "due_date %q is not a real date (use YYYY-MM-DD)", s)
	}
	return nil
}
