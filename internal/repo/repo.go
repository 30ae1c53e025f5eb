// Package repo is the persistence layer. Every query runs against a DBTX so
// callers can pass either the root *sql.DB or an open transaction.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"storyline/internal/domain"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

const workItemCols = `id, type, title, description, acceptance_criteria, priority, status, error_message, created_at, updated_at`

func scanWorkItem(row interface{ Scan(...any) error }) (domain.WorkItem, error) {
	var wi domain.WorkItem
	var desc, ac, errMsg sql.NullString
	err := row.Scan(&wi.ID, &wi.Type, &wi.Title, &desc, &ac, &wi.Priority, &wi.Status, &errMsg, &wi.CreatedAt, &wi.UpdatedAt)
	if err != nil {
		return domain.WorkItem{}, err
	}
	wi.Description = desc.String
	wi.AcceptanceCriteria = strPtr(ac)
	wi.ErrorMessage = strPtr(errMsg)
	return wi, nil
}

func (r *Repo) InsertWorkItem(ctx context.Context, q DBTX, wi domain.WorkItem) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO work_items (`+workItemCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wi.ID, wi.Type, wi.Title, sql.NullString{String: wi.Description, Valid: wi.Description != ""},
		nullStr(wi.AcceptanceCriteria), wi.Priority, wi.Status, nullStr(wi.ErrorMessage),
		wi.CreatedAt, wi.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	return nil
}

func (r *Repo) GetWorkItem(ctx context.Context, q DBTX, id string) (domain.WorkItem, error) {
	wi, err := scanWorkItem(q.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return domain.WorkItem{}, ErrNotFound
	}
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("get work item: %w", err)
	}
	return wi, nil
}

// ListWorkItems returns work items, optionally filtered by status, ordered by
// priority then creation time.
func (r *Repo) ListWorkItems(ctx context.Context, q DBTX, status domain.WorkItemStatus) ([]domain.WorkItem, error) {
	query := `SELECT ` + workItemCols + ` FROM work_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()
	var out []domain.WorkItem
	for rows.Next() {
		wi, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateWorkItem(ctx context.Context, q DBTX, wi domain.WorkItem) error {
	res, err := q.ExecContext(ctx, `
		UPDATE work_items
		SET type = ?, title = ?, description = ?, acceptance_criteria = ?,
		    priority = ?, status = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		wi.Type, wi.Title, sql.NullString{String: wi.Description, Valid: wi.Description != ""},
		nullStr(wi.AcceptanceCriteria), wi.Priority, wi.Status, nullStr(wi.ErrorMessage),
		wi.UpdatedAt, wi.ID)
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const storyCols = `id, work_item_id, story_type, title, description, instructions, priority, status,
	git_branch, git_worktree, started_at, completed_at, error_message, metadata_json, created_at, updated_at`

func scanStory(row interface{ Scan(...any) error }) (domain.DeveloperStory, error) {
	var s domain.DeveloperStory
	var desc, branch, worktree, startedAt, completedAt, errMsg, metadata sql.NullString
	err := row.Scan(&s.ID, &s.WorkItemID, &s.Type, &s.Title, &desc, &s.Instructions, &s.Priority, &s.Status,
		&branch, &worktree, &startedAt, &completedAt, &errMsg, &metadata, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.DeveloperStory{}, err
	}
	s.Description = desc.String
	s.GitBranch = strPtr(branch)
	s.GitWorktree = strPtr(worktree)
	s.StartedAt = strPtr(startedAt)
	s.CompletedAt = strPtr(completedAt)
	s.ErrorMessage = strPtr(errMsg)
	s.MetadataJSON = strPtr(metadata)
	return s, nil
}

func (r *Repo) InsertStory(ctx context.Context, q DBTX, s domain.DeveloperStory) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO stories (`+storyCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorkItemID, s.Type, s.Title, sql.NullString{String: s.Description, Valid: s.Description != ""},
		s.Instructions, s.Priority, s.Status,
		nullStr(s.GitBranch), nullStr(s.GitWorktree), nullStr(s.StartedAt), nullStr(s.CompletedAt),
		nullStr(s.ErrorMessage), nullStr(s.MetadataJSON), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	return nil
}

func (r *Repo) GetStory(ctx context.Context, q DBTX, id string) (domain.DeveloperStory, error) {
	s, err := scanStory(q.QueryRowContext(ctx, `SELECT `+storyCols+` FROM stories WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return domain.DeveloperStory{}, ErrNotFound
	}
	if err != nil {
		return domain.DeveloperStory{}, fmt.Errorf("get story: %w", err)
	}
	return s, nil
}

// StoryFilter narrows ListStories. Zero values mean no filtering.
type StoryFilter struct {
	WorkItemID string
	Status     domain.StoryStatus
}

func (r *Repo) ListStories(ctx context.Context, q DBTX, f StoryFilter) ([]domain.DeveloperStory, error) {
	var conds []string
	var args []any
	if f.WorkItemID != "" {
		conds = append(conds, "work_item_id = ?")
		args = append(args, f.WorkItemID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + storyCols + ` FROM stories`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()
	var out []domain.DeveloperStory
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateStory(ctx context.Context, q DBTX, s domain.DeveloperStory) error {
	res, err := q.ExecContext(ctx, `
		UPDATE stories
		SET story_type = ?, title = ?, description = ?, instructions = ?, priority = ?, status = ?,
		    git_branch = ?, git_worktree = ?, started_at = ?, completed_at = ?,
		    error_message = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?`,
		s.Type, s.Title, sql.NullString{String: s.Description, Valid: s.Description != ""},
		s.Instructions, s.Priority, s.Status,
		nullStr(s.GitBranch), nullStr(s.GitWorktree), nullStr(s.StartedAt), nullStr(s.CompletedAt),
		nullStr(s.ErrorMessage), nullStr(s.MetadataJSON), s.UpdatedAt, s.ID)
	if err != nil {
		return fmt.Errorf("update story: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) InsertDependency(ctx context.Context, q DBTX, dep domain.StoryDependency) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO story_deps (story_id, requires_story_id) VALUES (?, ?)`,
		dep.StoryID, dep.RequiresStoryID)
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	return nil
}

// ListRequirements returns the story ids that must complete before storyID may
// run.
func (r *Repo) ListRequirements(ctx context.Context, q DBTX, storyID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT requires_story_id FROM story_deps WHERE story_id = ? ORDER BY requires_story_id`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list requirements: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListDependents returns the story ids that require storyID.
func (r *Repo) ListDependents(ctx context.Context, q DBTX, storyID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT story_id FROM story_deps WHERE requires_story_id = ? ORDER BY story_id`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list dependents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CountIncompleteRequirements counts requirement stories of storyID that are
// not yet completed.
func (r *Repo) CountIncompleteRequirements(ctx context.Context, q DBTX, storyID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM story_deps d
		JOIN stories req ON req.id = d.requires_story_id
		WHERE d.story_id = ? AND req.status != ?`, storyID, domain.StoryCompleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count incomplete requirements: %w", err)
	}
	return n, nil
}

// NextReadyStory picks the next ready story whose requirements are all
// completed. Candidates order by story priority, then owning work item
// priority, then id as the deterministic tie-break. Returns ErrNotFound when
// nothing is eligible.
func (r *Repo) NextReadyStory(ctx context.Context, q DBTX) (domain.DeveloperStory, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+prefixCols("s", storyCols)+`
		FROM stories s
		JOIN work_items w ON w.id = s.work_item_id
		WHERE s.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM story_deps d
			JOIN stories req ON req.id = d.requires_story_id
			WHERE d.story_id = s.id AND req.status != ?
		  )
		ORDER BY s.priority ASC, w.priority ASC, s.id ASC
		LIMIT 1`, domain.StoryReady, domain.StoryCompleted)
	s, err := scanStory(row)
	if err == sql.ErrNoRows {
		return domain.DeveloperStory{}, ErrNotFound
	}
	if err != nil {
		return domain.DeveloperStory{}, fmt.Errorf("next ready story: %w", err)
	}
	return s, nil
}

// NextReadyStoryForItem is NextReadyStory restricted to one work item.
func (r *Repo) NextReadyStoryForItem(ctx context.Context, q DBTX, workItemID string) (domain.DeveloperStory, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+storyCols+`
		FROM stories s
		WHERE s.work_item_id = ? AND s.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM story_deps d
			JOIN stories req ON req.id = d.requires_story_id
			WHERE d.story_id = s.id AND req.status != ?
		  )
		ORDER BY s.priority ASC, s.id ASC
		LIMIT 1`, workItemID, domain.StoryReady, domain.StoryCompleted)
	s, err := scanStory(row)
	if err == sql.ErrNoRows {
		return domain.DeveloperStory{}, ErrNotFound
	}
	if err != nil {
		return domain.DeveloperStory{}, fmt.Errorf("next ready story for item: %w", err)
	}
	return s, nil
}

// CountWorkItems counts work items of one type in one status.
func (r *Repo) CountWorkItems(ctx context.Context, q DBTX, itemType domain.WorkItemType, status domain.WorkItemStatus) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM work_items WHERE type = ? AND status = ?`, itemType, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count work items: %w", err)
	}
	return n, nil
}

// CountIncompleteSiblings counts stories of the same work item, other than
// storyID, that are not completed.
func (r *Repo) CountIncompleteSiblings(ctx context.Context, q DBTX, workItemID, storyID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stories
		WHERE work_item_id = ? AND id != ? AND status != ?`,
		workItemID, storyID, domain.StoryCompleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count incomplete siblings: %w", err)
	}
	return n, nil
}

// ListIncompleteRequirements returns the requirement story ids of storyID
// that are not completed, for blocked diagnostics.
func (r *Repo) ListIncompleteRequirements(ctx context.Context, q DBTX, storyID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT req.id FROM story_deps d
		JOIN stories req ON req.id = d.requires_story_id
		WHERE d.story_id = ? AND req.status != ?
		ORDER BY req.id`, storyID, domain.StoryCompleted)
	if err != nil {
		return nil, fmt.Errorf("list incomplete requirements: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
