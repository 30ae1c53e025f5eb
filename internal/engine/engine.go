// Package engine implements the work item and developer story lifecycles on
// top of the repo layer. Every mutating operation runs in its own
// transaction and validates status transitions against the state machine
// before writing.
package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/execlog"
	"storyline/internal/repo"
	"storyline/internal/statemachine"
)

type Engine struct {
	DB     *sql.DB
	Repo   *repo.Repo
	Logs   *execlog.Writer
	Config config.Config
	Now    func() time.Time
}

func New(db *sql.DB, r *repo.Repo, cfg config.Config) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   r,
		Config: cfg,
		Now:    time.Now,
	}
	// The writer reads the clock through the engine, so replacing Now also
	// redirects log timestamps.
	e.Logs = execlog.NewWriter(func() time.Time { return e.Now() })
	return e
}

func (e *Engine) nowStr() string {
	return e.Now().UTC().Format(time.RFC3339)
}

type NewWorkItem struct {
	Type               domain.WorkItemType
	Title              string
	Description        string
	AcceptanceCriteria *string
	Priority           int
}

func (e *Engine) CreateWorkItem(ctx context.Context, in NewWorkItem) (domain.WorkItem, error) {
	if in.Type != domain.WorkItemUserStory && in.Type != domain.WorkItemBug {
		return domain.WorkItem{}, ValidationError{Field: "type", Reason: "must be user_story or bug"}
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.WorkItem{}, ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if in.Priority < 1 || in.Priority > 9 {
		return domain.WorkItem{}, ValidationError{Field: "priority", Reason: "must be between 1 and 9"}
	}
	now := e.nowStr()
	wi := domain.WorkItem{
		ID:                 uuid.NewString(),
		Type:               in.Type,
		Title:              strings.TrimSpace(in.Title),
		Description:        in.Description,
		AcceptanceCriteria: in.AcceptanceCriteria,
		Priority:           in.Priority,
		Status:             domain.WorkItemPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Repo.InsertWorkItem(ctx, e.DB, wi); err != nil {
		return domain.WorkItem{}, err
	}
	return wi, nil
}

func (e *Engine) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.Repo.GetWorkItem(ctx, e.DB, id)
}

func (e *Engine) ListWorkItems(ctx context.Context, status domain.WorkItemStatus) ([]domain.WorkItem, error) {
	return e.Repo.ListWorkItems(ctx, e.DB, status)
}

func (e *Engine) GetStory(ctx context.Context, id string) (domain.DeveloperStory, error) {
	return e.Repo.GetStory(ctx, e.DB, id)
}

func (e *Engine) ListStories(ctx context.Context, f repo.StoryFilter) ([]domain.DeveloperStory, error) {
	return e.Repo.ListStories(ctx, e.DB, f)
}

// SetWorkItemStatus moves a work item to target after checking the
// transition table.
func (e *Engine) SetWorkItemStatus(ctx context.Context, id string, target domain.WorkItemStatus) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	wi, err := e.Repo.GetWorkItem(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := statemachine.EnsureWorkItemTransition(wi.Status, target); err != nil {
		return domain.WorkItem{}, err
	}
	wi = wi.WithStatus(target, e.nowStr())
	if err := e.Repo.UpdateWorkItem(ctx, tx, wi); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return wi, nil
}

// RetryWorkItem resets a failed work item to pending so it can be refined
// again. The stored error message is cleared.
func (e *Engine) RetryWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.SetWorkItemStatus(ctx, id, domain.WorkItemPending)
}

// RetryStory resets a failed story to ready so the scheduler can pick it up
// again. The stored error message is cleared; the branch and worktree handles
// are kept so a later run can reuse or clean them.
func (e *Engine) RetryStory(ctx context.Context, id string) (domain.DeveloperStory, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeveloperStory{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStory(ctx, tx, id)
	if err != nil {
		return domain.DeveloperStory{}, err
	}
	if err := statemachine.EnsureStoryTransition(s.Status, domain.StoryReady); err != nil {
		return domain.DeveloperStory{}, err
	}
	s = s.WithStatus(domain.StoryReady, e.nowStr())
	if err := e.Repo.UpdateStory(ctx, tx, s); err != nil {
		return domain.DeveloperStory{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DeveloperStory{}, err
	}
	return s, nil
}

// TailLogs returns the most recent execution events for a story.
func (e *Engine) TailLogs(ctx context.Context, storyID string, limit int) ([]domain.ExecutionLog, error) {
	if _, err := e.Repo.GetStory(ctx, e.DB, storyID); err != nil {
		return nil, err
	}
	return e.Logs.Tail(ctx, e.DB, storyID, limit)
}
