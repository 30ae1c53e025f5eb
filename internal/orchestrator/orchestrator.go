// Package orchestrator runs one developer story end to end: branch and
// worktree setup, agent invocation, and the status checkpoints around them.
// Each state transition commits on its own so a crash never loses more than
// the step in flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"storyline/internal/agent"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/execlog"
	"storyline/internal/statemachine"
	"storyline/internal/worktree"
)

// ErrRequirementsIncomplete rejects an Implement call on a story whose
// direct requirements are not all completed.
var ErrRequirementsIncomplete = errors.New("story has incomplete requirements")

type Orchestrator struct {
	Engine     *engine.Engine
	Trees      *worktree.Manager
	Agent      *agent.Client
	MainBranch string
}

func New(e *engine.Engine, trees *worktree.Manager, ag *agent.Client, mainBranch string) *Orchestrator {
	if mainBranch == "" {
		mainBranch = "main"
	}
	return &Orchestrator{Engine: e, Trees: trees, Agent: ag, MainBranch: mainBranch}
}

// EnsureBranchForWorkItem lazily creates the work item's shared branch from
// the main branch. All stories of one work item execute on it.
func (o *Orchestrator) EnsureBranchForWorkItem(ctx context.Context, wi domain.WorkItem) (string, error) {
	branch := worktree.BranchName(wi.Type, wi.ID)
	if err := o.Trees.EnsureBranch(ctx, branch, o.MainBranch); err != nil {
		return "", err
	}
	return branch, nil
}

// Implement executes one story. Not-found and ineligibility fail fast with
// no persisted side effects. Once execution has started, any failure is
// captured into the story's error state and committed before the error is
// returned, so a reported failure never leaves the story in_progress. A
// cancellation takes the same persistence path and is then re-raised as the
// context error.
func (o *Orchestrator) Implement(ctx context.Context, storyID string) (domain.DeveloperStory, error) {
	e := o.Engine

	story, err := e.Repo.GetStory(ctx, e.DB, storyID)
	if err != nil {
		return domain.DeveloperStory{}, err
	}
	if err := statemachine.EnsureStoryTransition(story.Status, domain.StoryInProgress); err != nil {
		return domain.DeveloperStory{}, err
	}
	incomplete, err := e.Repo.CountIncompleteRequirements(ctx, e.DB, story.ID)
	if err != nil {
		return domain.DeveloperStory{}, err
	}
	if incomplete > 0 {
		return domain.DeveloperStory{}, fmt.Errorf("story %s: %w", story.ID, ErrRequirementsIncomplete)
	}

	wi, err := e.Repo.GetWorkItem(ctx, e.DB, story.WorkItemID)
	if err != nil {
		return domain.DeveloperStory{}, err
	}
	// The first story to run promotes its parent.
	if wi.Status == domain.WorkItemRefined {
		if wi, err = e.SetWorkItemStatus(ctx, wi.ID, domain.WorkItemInProgress); err != nil {
			return domain.DeveloperStory{}, err
		}
	}

	branch, err := o.EnsureBranchForWorkItem(ctx, wi)
	if err != nil {
		return o.failStory(ctx, story, err)
	}

	path := o.Trees.Path(story.Type, story.ID)
	if !o.Trees.WorktreeExists(path) {
		if err := o.Trees.CreateWorktree(ctx, branch, path); err != nil {
			return o.failStory(ctx, story, err)
		}
		o.appendLog(ctx, story.ID, domain.LogWorktreeCreated, "worktree "+path+" on "+branch, nil)
	}

	story, err = o.claimStory(ctx, story.ID, branch, path)
	if err != nil {
		return domain.DeveloperStory{}, err
	}

	o.appendLog(ctx, story.ID, domain.LogStarted, "agent "+o.Agent.Bin, nil)
	res, execErr := o.Agent.Execute(ctx, story.Instructions, path)
	if execErr != nil {
		// Cancellation re-raises as the context error, but only after the
		// error state is durably recorded.
		return o.failStory(ctx, story, execErr)
	}

	return o.completeStory(ctx, story, res)
}

// claimStory flips the story to in_progress in one transaction, re-checking
// the transition against the current row. A scheduling decision that went
// stale between selection and here fails with InvalidTransition instead of
// double running.
func (o *Orchestrator) claimStory(ctx context.Context, storyID, branch, path string) (domain.DeveloperStory, error) {
	e := o.Engine
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeveloperStory{}, err
	}
	defer tx.Rollback()

	story, err := e.Repo.GetStory(ctx, tx, storyID)
	if err != nil {
		return domain.DeveloperStory{}, err
	}
	if err := statemachine.EnsureStoryTransition(story.Status, domain.StoryInProgress); err != nil {
		return domain.DeveloperStory{}, err
	}
	story.GitBranch = &branch
	story.GitWorktree = &path
	story = story.WithStatus(domain.StoryInProgress, e.Now().UTC().Format(time.RFC3339))
	if err := e.Repo.UpdateStory(ctx, tx, story); err != nil {
		return domain.DeveloperStory{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DeveloperStory{}, err
	}
	return story, nil
}

// completeStory commits the success checkpoint: story completed, log entry
// with the elapsed duration, worktree removed (best effort), parent work
// item completed when this was its last incomplete story.
func (o *Orchestrator) completeStory(ctx context.Context, story domain.DeveloperStory, res agent.Result) (domain.DeveloperStory, error) {
	e := o.Engine
	now := e.Now().UTC().Format(time.RFC3339)
	story = story.WithStatus(domain.StoryCompleted, now)
	story.GitWorktree = nil
	if err := e.Repo.UpdateStory(ctx, e.DB, story); err != nil {
		return domain.DeveloperStory{}, err
	}
	o.appendLog(ctx, story.ID, domain.LogCompleted, fmt.Sprintf("duration %s", res.Duration.Round(time.Second)), nil)

	path := o.Trees.Path(story.Type, story.ID)
	if err := o.Trees.RemoveWorktree(ctx, path); err != nil {
		log.Printf("warning: remove worktree %s: %v", path, err)
	} else {
		o.appendLog(ctx, story.ID, domain.LogWorktreeRemoved, "worktree "+path, nil)
	}

	remaining, err := e.Repo.CountIncompleteSiblings(ctx, e.DB, story.WorkItemID, story.ID)
	if err != nil {
		return story, err
	}
	if remaining == 0 {
		if _, err := e.SetWorkItemStatus(ctx, story.WorkItemID, domain.WorkItemCompleted); err != nil {
			return story, err
		}
	}

	// One propagation pass per completion unblocks direct dependents.
	if _, err := e.UpdateDependencyStatuses(ctx); err != nil {
		return story, err
	}
	return story, nil
}

// failStory commits the failure checkpoint: story in error with the captured
// diagnostic, a failed log entry, worktree left intact for inspection. The
// original cause is returned so callers can re-raise it.
func (o *Orchestrator) failStory(ctx context.Context, story domain.DeveloperStory, cause error) (domain.DeveloperStory, error) {
	// The checkpoint must commit even when the failure is a cancellation.
	ctx = context.WithoutCancel(ctx)
	e := o.Engine
	now := e.Now().UTC().Format(time.RFC3339)
	story = story.WithError(cause.Error(), now)
	if err := e.Repo.UpdateStory(ctx, e.DB, story); err != nil {
		return story, fmt.Errorf("%w (additionally: persist error state: %v)", cause, err)
	}
	msg := cause.Error()
	o.appendLog(ctx, story.ID, domain.LogFailed, "", &msg)
	return story, cause
}

func (o *Orchestrator) appendLog(ctx context.Context, storyID string, event domain.LogEventType, details string, errMsg *string) {
	e := o.Engine
	entry := execlog.Entry{ErrorMessage: errMsg}
	if details != "" {
		entry.Details = &details
	}
	if err := e.Logs.Append(ctx, e.DB, storyID, event, entry); err != nil {
		log.Printf("warning: append execution log: %v", err)
	}
}

// Run drains the schedule: pick the next eligible story, implement it,
// repeat. Each completion re-evaluates dependency statuses, so stories
// unblock one hop at a time. The loop stops on the first failure or when
// nothing is eligible. Returns the ids of completed stories.
func (o *Orchestrator) Run(ctx context.Context) ([]string, error) {
	var done []string
	for {
		next, ok, err := o.Engine.NextExecutable(ctx)
		if err != nil {
			return done, err
		}
		if !ok {
			return done, nil
		}
		if _, err := o.Implement(ctx, next.ID); err != nil {
			return done, err
		}
		done = append(done, next.ID)
	}
}
