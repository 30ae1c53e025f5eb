package engine

import (
	"context"
	"errors"

	"storyline/internal/domain"
	"storyline/internal/repo"
	"storyline/internal/statemachine"
)

// SelectNext picks the next executable story, or none. No story is eligible
// while any user_story work item is in progress; that keeps one top-level
// item active at a time. Candidates are ready stories whose direct
// requirements are all completed, ordered by story priority, owning item
// priority, then id.
func (e *Engine) SelectNext(ctx context.Context) (domain.DeveloperStory, bool, error) {
	active, err := e.Repo.CountWorkItems(ctx, e.DB, domain.WorkItemUserStory, domain.WorkItemInProgress)
	if err != nil {
		return domain.DeveloperStory{}, false, err
	}
	if active > 0 {
		return domain.DeveloperStory{}, false, nil
	}
	s, err := e.Repo.NextReadyStory(ctx, e.DB)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DeveloperStory{}, false, nil
	}
	if err != nil {
		return domain.DeveloperStory{}, false, err
	}
	return s, true, nil
}

// NextExecutable returns the story an execution loop should run next. An
// in-progress user_story work item is continued before anything new starts:
// its own eligible stories bypass the global gate, so the active item can
// drain to completion. With no active item this is SelectNext.
func (e *Engine) NextExecutable(ctx context.Context) (domain.DeveloperStory, bool, error) {
	items, err := e.Repo.ListWorkItems(ctx, e.DB, domain.WorkItemInProgress)
	if err != nil {
		return domain.DeveloperStory{}, false, err
	}
	for _, wi := range items {
		if wi.Type != domain.WorkItemUserStory {
			continue
		}
		s, err := e.Repo.NextReadyStoryForItem(ctx, e.DB, wi.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.DeveloperStory{}, false, nil
		}
		if err != nil {
			return domain.DeveloperStory{}, false, err
		}
		return s, true, nil
	}
	return e.SelectNext(ctx)
}

// UpdateDependencyStatuses re-evaluates every pending or blocked story
// against its direct requirements: none incomplete means ready, otherwise
// blocked. One pass over direct edges; cascading unblocks need another call
// after each downstream completion. Returns the ids of stories that changed.
func (e *Engine) UpdateDependencyStatuses(ctx context.Context) ([]string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var candidates []domain.DeveloperStory
	for _, status := range []domain.StoryStatus{domain.StoryPending, domain.StoryBlocked} {
		batch, err := e.Repo.ListStories(ctx, tx, repo.StoryFilter{Status: status})
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, batch...)
	}

	now := e.nowStr()
	var changed []string
	for _, s := range candidates {
		incomplete, err := e.Repo.CountIncompleteRequirements(ctx, tx, s.ID)
		if err != nil {
			return nil, err
		}
		target := domain.StoryReady
		if incomplete > 0 {
			target = domain.StoryBlocked
		}
		if target == s.Status {
			continue
		}
		if !statemachine.CanTransitionStory(s.Status, target) {
			continue
		}
		if err := e.Repo.UpdateStory(ctx, tx, s.WithStatus(target, now)); err != nil {
			return nil, err
		}
		changed = append(changed, s.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return changed, nil
}

// BlockedStory pairs a blocked story with the requirements holding it back.
type BlockedStory struct {
	Story                 domain.DeveloperStory `json:"story"`
	IncompleteRequirement []string              `json:"incomplete_requirements"`
}

// BlockedStories maps each blocked story to its not-yet-completed
// requirements, for operator diagnostics.
func (e *Engine) BlockedStories(ctx context.Context) ([]BlockedStory, error) {
	blocked, err := e.Repo.ListStories(ctx, e.DB, repo.StoryFilter{Status: domain.StoryBlocked})
	if err != nil {
		return nil, err
	}
	out := make([]BlockedStory, 0, len(blocked))
	for _, s := range blocked {
		reqs, err := e.Repo.ListIncompleteRequirements(ctx, e.DB, s.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, BlockedStory{Story: s, IncompleteRequirement: reqs})
	}
	return out, nil
}
