package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"storyline/internal/domain"
	"storyline/internal/planner"
	"storyline/internal/statemachine"
)

// RefinementSource produces the raw story proposal for a work item.
type RefinementSource interface {
	Propose(ctx context.Context, wi domain.WorkItem) (planner.Proposal, error)
}

// Refine breaks a work item into developer stories. The item moves to
// refining first; a failure at any later step captures the diagnostic into
// the item's error state before the error is returned.
func (e *Engine) Refine(ctx context.Context, workItemID string, src RefinementSource) ([]domain.DeveloperStory, error) {
	wi, err := e.SetWorkItemStatus(ctx, workItemID, domain.WorkItemRefining)
	if err != nil {
		return nil, err
	}

	proposal, err := src.Propose(ctx, wi)
	if err != nil {
		e.markWorkItemError(ctx, workItemID, err.Error())
		return nil, err
	}

	stories, err := e.ApplyRefinement(ctx, wi, proposal)
	if err != nil {
		e.markWorkItemError(ctx, workItemID, err.Error())
		return nil, err
	}

	if _, err := e.SetWorkItemStatus(ctx, workItemID, domain.WorkItemRefined); err != nil {
		return nil, err
	}
	return stories, nil
}

// ApplyRefinement validates and persists a proposal in one transaction:
// story specs first, then the dependency edges, which are expressed as
// indices into the spec list. A self edge, an out-of-range index, or a cycle
// rejects the whole batch. Every story inherits the parent work item's
// priority; the proposal does not carry one. Each story's initial status
// comes from the validated in-memory edge set, not from a re-read: a story
// with no requirements is ready, a story with requirements starts blocked.
func (e *Engine) ApplyRefinement(ctx context.Context, wi domain.WorkItem, p planner.Proposal) ([]domain.DeveloperStory, error) {
	if len(p.Stories) == 0 {
		return nil, ValidationError{Field: "stories", Reason: "proposal must contain at least one story"}
	}
	for i, spec := range p.Stories {
		if !validStoryType(domain.StoryType(spec.Type)) {
			return nil, ValidationError{Field: fmt.Sprintf("stories[%d].type", i), Reason: "unknown story type " + spec.Type}
		}
		if strings.TrimSpace(spec.Title) == "" {
			return nil, ValidationError{Field: fmt.Sprintf("stories[%d].title", i), Reason: "must not be empty"}
		}
		if strings.TrimSpace(spec.Instructions) == "" {
			return nil, ValidationError{Field: fmt.Sprintf("stories[%d].instructions", i), Reason: "must not be empty"}
		}
	}

	edges, err := validateEdges(p)
	if err != nil {
		return nil, err
	}
	if cycle := findCycle(len(p.Stories), edges); cycle {
		return nil, DependencyError{Reason: "proposed edges contain a cycle"}
	}

	hasRequirement := make(map[int]bool)
	for _, edge := range edges {
		hasRequirement[edge[0]] = true
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	ids := make([]string, len(p.Stories))
	stories := make([]domain.DeveloperStory, len(p.Stories))
	for i, spec := range p.Stories {
		status := domain.StoryReady
		if hasRequirement[i] {
			status = domain.StoryBlocked
		}
		s := domain.DeveloperStory{
			ID:           uuid.NewString(),
			WorkItemID:   wi.ID,
			Type:         domain.StoryType(spec.Type),
			Title:        strings.TrimSpace(spec.Title),
			Description:  spec.Description,
			Instructions: spec.Instructions,
			Priority:     wi.Priority,
			Status:       status,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertStory(ctx, tx, s); err != nil {
			return nil, err
		}
		ids[i] = s.ID
		stories[i] = s
	}

	for _, edge := range edges {
		dep := domain.StoryDependency{StoryID: ids[edge[0]], RequiresStoryID: ids[edge[1]]}
		if err := e.Repo.InsertDependency(ctx, tx, dep); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stories, nil
}

func validStoryType(t domain.StoryType) bool {
	switch t {
	case domain.StoryImplementation, domain.StoryUnitTests, domain.StoryFeatureTests, domain.StoryDocumentation:
		return true
	}
	return false
}

// validateEdges resolves proposed edges to de-duplicated [dependent, requires]
// index pairs.
func validateEdges(p planner.Proposal) ([][2]int, error) {
	n := len(p.Stories)
	seen := make(map[[2]int]bool)
	var out [][2]int
	for _, e := range p.Edges {
		if e.Dependent == e.Requires {
			return nil, DependencyError{Reason: fmt.Sprintf("story %d cannot depend on itself", e.Dependent)}
		}
		if e.Dependent < 0 || e.Dependent >= n || e.Requires < 0 || e.Requires >= n {
			return nil, DependencyError{Reason: fmt.Sprintf("edge (%d -> %d) references a story index out of range", e.Dependent, e.Requires)}
		}
		key := [2]int{e.Dependent, e.Requires}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out, nil
}

// findCycle runs DFS coloring over the edge set: white undiscovered, gray on
// the stack, black finished. A gray-to-gray edge is a cycle.
func findCycle(n int, edges [][2]int) bool {
	adj := make(map[int][]int)
	for _, e := range edges {
		adj[e[0]] = append(adj[e[0]], e[1])
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, n)
	var visit func(int) bool
	visit = func(u int) bool {
		color[u] = gray
		for _, v := range adj[u] {
			if color[v] == gray {
				return true
			}
			if color[v] == white && visit(v) {
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := 0; i < n; i++ {
		if color[i] == white && visit(i) {
			return true
		}
	}
	return false
}

// markWorkItemError best-effort captures a refinement failure into the work
// item's error state. The write must survive a canceled caller context.
func (e *Engine) markWorkItemError(ctx context.Context, id, msg string) {
	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	wi, err := e.Repo.GetWorkItem(ctx, tx, id)
	if err != nil {
		return
	}
	if !statemachine.CanTransitionWorkItem(wi.Status, domain.WorkItemError) {
		return
	}
	if err := e.Repo.UpdateWorkItem(ctx, tx, wi.WithError(msg, e.nowStr())); err != nil {
		return
	}
	tx.Commit()
}
