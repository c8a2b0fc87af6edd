package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/store"
)

type TaskCreateOptions struct {
	SectionID    string
	ProjectID    string
	Title        string
	Description  string
	AssigneeID   string
	Tags         []string
	CustomFields map[string]string
	Dependencies []string
	Status       string
}

func (e Engine) CreateTask(ctx context.Context, ownerID string, opts TaskCreateOptions) (domain.Task, error) {
	if err := required("title", opts.Title); err != nil {
		return domain.Task{}, err
	}
	if err := e.requireParent(ctx, store.KindProject, "project_id", opts.ProjectID, ownerID); err != nil {
		return domain.Task{}, err
	}
	if err := e.requireParent(ctx, store.KindSection, "section_id", opts.SectionID, ownerID); err != nil {
		return domain.Task{}, err
	}
	status := opts.Status
	if status == "" {
		status = domain.StatusNotStarted
	}
	if !domain.ValidStatus(status) {
		return domain.Task{}, ValidationError{Field: "status", Reason: "must be one of not_started, in_progress, completed"}
	}
	tags := opts.Tags
	if tags == nil {
		tags = []string{}
	}
	custom := opts.CustomFields
	if custom == nil {
		custom = map[string]string{}
	}
	deps := opts.Dependencies
	if deps == nil {
		deps = []string{}
	}
	var task domain.Task
	err := e.mutate(ctx, ownerID, "task.created", "task", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Create(ctx, tx, store.KindTask, ownerID, domain.Task{
			SectionID:    opts.SectionID,
			ProjectID:    opts.ProjectID,
			Title:        opts.Title,
			Description:  opts.Description,
			AssigneeID:   optionalString(opts.AssigneeID),
			Tags:         tags,
			CustomFields: custom,
			Dependencies: deps,
			Status:       status,
		})
		if err != nil {
			return "", nil, err
		}
		if err := doc.Decode(&task); err != nil {
			return "", nil, err
		}
		return doc.ID, events.EventPayload{"title": task.Title}, nil
	})
	return task, err
}

func (e Engine) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	doc, err := e.Store.Get(ctx, store.KindTask, id, ownerID)
	if err != nil {
		return domain.Task{}, err
	}
	var task domain.Task
	return task, doc.Decode(&task)
}

func (e Engine) ListTasks(ctx context.Context, ownerID string, f store.Filter) ([]domain.Task, error) {
	docs, err := e.Store.List(ctx, store.KindTask, ownerID, f)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Task, 0, len(docs))
	for _, doc := range docs {
		var task domain.Task
		if err := doc.Decode(&task); err != nil {
			return nil, err
		}
		res = append(res, task)
	}
	return res, nil
}

// TaskUpdateOptions is the task patch whitelist. SectionID and
// ProjectID are fixed at creation; moving a task across sections is
// not supported.
type TaskUpdateOptions struct {
	Title        *string
	Description  *string
	AssigneeID   *string
	Tags         *[]string
	CustomFields *map[string]string
	Dependencies *[]string
	Status       *string
}

func (e Engine) UpdateTask(ctx context.Context, ownerID, id string, opts TaskUpdateOptions) (domain.Task, error) {
	fields := map[string]any{}
	if opts.Title != nil {
		if err := required("title", *opts.Title); err != nil {
			return domain.Task{}, err
		}
		fields["title"] = *opts.Title
	}
	if opts.Description != nil {
		fields["description"] = patchText(*opts.Description)
	}
	if opts.AssigneeID != nil {
		fields["assignee_id"] = patchText(*opts.AssigneeID)
	}
	if opts.Tags != nil {
		tags := *opts.Tags
		if tags == nil {
			tags = []string{}
		}
		fields["tags"] = tags
	}
	if opts.CustomFields != nil {
		custom := *opts.CustomFields
		if custom == nil {
			custom = map[string]string{}
		}
		fields["custom_fields"] = custom
	}
	if opts.Dependencies != nil {
		deps := *opts.Dependencies
		if deps == nil {
			deps = []string{}
		}
		fields["dependencies"] = deps
	}
	if opts.Status != nil {
		if !domain.ValidStatus(*opts.Status) {
			return domain.Task{}, ValidationError{Field: "status", Reason: "must be one of not_started, in_progress, completed"}
		}
		fields["status"] = *opts.Status
	}
	var task domain.Task
	err := e.mutate(ctx, ownerID, "task.updated", "task", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Patch(ctx, tx, store.KindTask, id, ownerID, fields)
		if err != nil {
			return "", nil, err
		}
		return doc.ID, nil, doc.Decode(&task)
	})
	return task, err
}

// DeleteTaskCascade deletes a task together with its entire subtask
// subtree. Deleting an id that no longer exists is a no-op, so retries
// are safe. The subtree is collected with plain reads first, then the
// whole removal commits in one transaction.
func (e Engine) DeleteTaskCascade(ctx context.Context, ownerID, id string) error {
	if _, err := e.Store.Get(ctx, store.KindTask, id, ownerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	ids, err := e.collectSubtree(ctx, ownerID, id)
	if err != nil {
		return err
	}
	return e.mutate(ctx, ownerID, "task.deleted", "task", func(tx *sql.Tx) (string, events.EventPayload, error) {
		for _, victim := range ids {
			err := e.Store.Delete(ctx, tx, store.KindTask, victim, ownerID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return "", nil, err
			}
		}
		return id, events.EventPayload{"cascade_count": len(ids)}, nil
	})
}

// collectSubtree returns the task and every descendant, children
// before parents so deletes run leaf-first.
func (e Engine) collectSubtree(ctx context.Context, ownerID, id string) ([]string, error) {
	children, err := e.Store.List(ctx, store.KindTask, ownerID, store.Filter{"parent_task_id": id})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, child := range children {
		sub, err := e.collectSubtree(ctx, ownerID, child.ID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, sub...)
	}
	return append(ids, id), nil
}

// AddSubtask links child under parent. Linking the same pair twice is
// a no-op; a task cannot be its own ancestor.
func (e Engine) AddSubtask(ctx context.Context, ownerID, parentID, childID string) (domain.Task, error) {
	if parentID == childID {
		return domain.Task{}, ValidationError{Field: "subtask_id", Reason: "cannot link a task to itself"}
	}
	parent, err := e.GetTask(ctx, ownerID, parentID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", parentID, err)
	}
	child, err := e.GetTask(ctx, ownerID, childID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", childID, err)
	}
	if child.ParentTaskID != nil && *child.ParentTaskID == parentID {
		return child, nil
	}
	if err := e.ensureNoCycle(ctx, ownerID, parent, childID); err != nil {
		return domain.Task{}, err
	}
	err = e.mutate(ctx, ownerID, "subtask.linked", "task", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Patch(ctx, tx, store.KindTask, childID, ownerID, map[string]any{"parent_task_id": parentID})
		if err != nil {
			return "", nil, err
		}
		if err := doc.Decode(&child); err != nil {
			return "", nil, err
		}
		return childID, events.EventPayload{"parent_task_id": parentID}, nil
	})
	return child, err
}

// ensureNoCycle walks the ancestor chain starting at parent and fails
// if childID is already above it.
func (e Engine) ensureNoCycle(ctx context.Context, ownerID string, parent domain.Task, childID string) error {
	seen := map[string]bool{parent.ID: true}
	cur := parent
	for cur.ParentTaskID != nil {
		next := *cur.ParentTaskID
		if next == childID {
			return ValidationError{Field: "subtask_id", Reason: "link would create a cycle"}
		}
		if seen[next] {
			return ValidationError{Field: "subtask_id", Reason: "link would create a cycle"}
		}
		seen[next] = true
		t, err := e.GetTask(ctx, ownerID, next)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		cur = t
	}
	return nil
}

// RemoveSubtask unlinks child from parent. If the child is not linked
// to this parent the call changes nothing.
func (e Engine) RemoveSubtask(ctx context.Context, ownerID, parentID, childID string) (domain.Task, error) {
	if _, err := e.GetTask(ctx, ownerID, parentID); err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", parentID, err)
	}
	child, err := e.GetTask(ctx, ownerID, childID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", childID, err)
	}
	if child.ParentTaskID == nil || *child.ParentTaskID != parentID {
		return child, nil
	}
	var unlinked domain.Task
	err = e.mutate(ctx, ownerID, "subtask.unlinked", "task", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Patch(ctx, tx, store.KindTask, childID, ownerID, map[string]any{"parent_task_id": nil})
		if err != nil {
			return "", nil, err
		}
		if err := doc.Decode(&unlinked); err != nil {
			return "", nil, err
		}
		return childID, events.EventPayload{"parent_task_id": parentID}, nil
	})
	return unlinked, err
}
