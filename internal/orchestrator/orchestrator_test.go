package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"storyline/internal/agent"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/migrate"
	"storyline/internal/orchestrator"
	"storyline/internal/repo"
	"storyline/internal/statemachine"
	"storyline/internal/worktree"
)

// gitRunner fakes every git call as a success.
type gitRunner struct {
	calls  [][]string
	onCall func()
}

func (g *gitRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	g.calls = append(g.calls, append([]string{name}, args...))
	if g.onCall != nil {
		g.onCall()
	}
	return "", "", 0, nil
}

// agentRunner fakes the coding agent binary.
type agentRunner struct {
	exitCode int
	stderr   string
	onRun    func(ctx context.Context) error
}

func (a *agentRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	if a.onRun != nil {
		if err := a.onRun(ctx); err != nil {
			return "", "", -1, err
		}
	}
	return "ok", a.stderr, a.exitCode, nil
}

type orchEnv struct {
	Orch   *orchestrator.Orchestrator
	Engine *engine.Engine
	Agent  *agentRunner
	Git    *gitRunner
	Ctx    context.Context
}

func newOrchEnv(t *testing.T) orchEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, repo.New(conn), config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	ar := &agentRunner{}
	gr := &gitRunner{}
	trees := worktree.NewManager(dir, t.TempDir(), gr)
	ag := &agent.Client{Bin: "claude", Timeout: time.Minute, Run: ar}
	return orchEnv{
		Orch:   orchestrator.New(eng, trees, ag, "main"),
		Engine: eng,
		Agent:  ar,
		Git:    gr,
		Ctx:    context.Background(),
	}
}

func seedItem(t *testing.T, env orchEnv, status domain.WorkItemStatus) domain.WorkItem {
	t.Helper()
	now := "2026-03-01T12:00:00Z"
	wi := domain.WorkItem{
		ID:        "1111aaaa-0000-0000-0000-000000000000",
		Type:      domain.WorkItemUserStory,
		Title:     "item",
		Priority:  5,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := env.Engine.Repo.InsertWorkItem(env.Ctx, env.Engine.DB, wi); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	return wi
}

func seedStory(t *testing.T, env orchEnv, id, itemID string, priority int, status domain.StoryStatus) domain.DeveloperStory {
	t.Helper()
	now := "2026-03-01T12:00:00Z"
	s := domain.DeveloperStory{
		ID:           id,
		WorkItemID:   itemID,
		Type:         domain.StoryImplementation,
		Title:        "story " + id,
		Instructions: "build it",
		Priority:     priority,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := env.Engine.Repo.InsertStory(env.Ctx, env.Engine.DB, s); err != nil {
		t.Fatalf("seed story: %v", err)
	}
	return s
}

func logEvents(t *testing.T, env orchEnv, storyID string) []domain.LogEventType {
	t.Helper()
	entries, err := env.Engine.TailLogs(env.Ctx, storyID, 50)
	if err != nil {
		t.Fatalf("tail logs: %v", err)
	}
	// Tail is newest first; reverse for chronological assertions.
	out := make([]domain.LogEventType, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].EventType)
	}
	return out
}

func TestImplementNotFound(t *testing.T) {
	env := newOrchEnv(t)
	_, err := env.Orch.Implement(env.Ctx, "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestImplementIneligibleStoryUnchanged(t *testing.T) {
	env := newOrchEnv(t)
	wi := seedItem(t, env, domain.WorkItemRefined)
	s := seedStory(t, env, "s1", wi.ID, 1, domain.StoryBlocked)

	_, err := env.Orch.Implement(env.Ctx, s.ID)
	var ite statemachine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}

	got, _ := env.Engine.GetStory(env.Ctx, s.ID)
	if got.Status != domain.StoryBlocked || got.GitBranch != nil || got.StartedAt != nil {
		t.Errorf("story mutated on fail-fast path: %+v", got)
	}
	item, _ := env.Engine.GetWorkItem(env.Ctx, wi.ID)
	if item.Status != domain.WorkItemRefined {
		t.Errorf("work item mutated: %s", item.Status)
	}
	if events := logEvents(t, env, s.ID); len(events) != 0 {
		t.Errorf("log entries written on fail-fast path: %v", events)
	}
}

func TestImplementIncompleteRequirements(t *testing.T) {
	env := newOrchEnv(t)
	wi := seedItem(t, env, domain.WorkItemRefined)
	seedStory(t, env, "req", wi.ID, 1, domain.StoryInProgress)
	s := seedStory(t, env, "s1", wi.ID, 2, domain.StoryReady)
	if err := env.Engine.Repo.InsertDependency(env.Ctx, env.Engine.DB, domain.StoryDependency{StoryID: "s1", RequiresStoryID: "req"}); err != nil {
		t.Fatal(err)
	}

	_, err := env.Orch.Implement(env.Ctx, s.ID)
	if !errors.Is(err, orchestrator.ErrRequirementsIncomplete) {
		t.Fatalf("expected ErrRequirementsIncomplete, got %v", err)
	}
}

func TestImplementStaleSelectionRejected(t *testing.T) {
	env := newOrchEnv(t)
	wi := seedItem(t, env, domain.WorkItemRefined)
	s := seedStory(t, env, "s1", wi.ID, 1, domain.StoryReady)

	// another invocation claims the story while this one sets up git state
	var claimed bool
	env.Git.onCall = func() {
		if claimed {
			return
		}
		claimed = true
		taken := s.WithStatus(domain.StoryInProgress, "2026-03-01T12:00:00Z")
		if err := env.Engine.Repo.UpdateStory(env.Ctx, env.Engine.DB, taken); err != nil {
			t.Fatalf("competing claim: %v", err)
		}
	}

	_, err := env.Orch.Implement(env.Ctx, s.ID)
	var ite statemachine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	got, _ := env.Engine.GetStory(env.Ctx, "s1")
	if got.Status != domain.StoryInProgress {
		t.Errorf("competing claim overwritten: %s", got.Status)
	}
	if got.GitBranch != nil {
		t.Errorf("branch handle written by the losing invocation: %s", *got.GitBranch)
	}
}

func TestImplementSuccess(t *testing.T) {
	env := newOrchEnv(t)
	wi := seedItem(t, env, domain.WorkItemRefined)
	s := seedStory(t, env, "s1", wi.ID, 1, domain.StoryReady)

	got, err := env.Orch.Implement(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("implement: %v", err)
	}
	if got.Status != domain.StoryCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("timestamps not stamped")
	}
	if *got.StartedAt > *got.CompletedAt {
		t.Errorf("started %s after completed %s", *got.StartedAt, *got.CompletedAt)
	}
	if got.GitWorktree != nil {
		t.Errorf("worktree handle not cleared: %s", *got.GitWorktree)
	}
	if got.GitBranch == nil || *got.GitBranch != "storyline/user_story-1111aaaa" {
		t.Errorf("branch = %v", got.GitBranch)
	}

	// last story completed: parent follows
	item, _ := env.Engine.GetWorkItem(env.Ctx, wi.ID)
	if item.Status != domain.WorkItemCompleted {
		t.Errorf("work item = %s, want completed", item.Status)
	}

	events := logEvents(t, env, s.ID)
	want := []domain.LogEventType{
		domain.LogWorktreeCreated,
		domain.LogStarted,
		domain.LogCompleted,
		domain.LogWorktreeRemoved,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestImplementKeepsParentWithSiblingsRemaining(t *testing.T) {
	env := newOrchEnv(t)
	wi := seedItem(t, env, domain.WorkItemRefined)
	s := seedStory(t, env, "s1", wi.ID, 1, domain.StoryReady)
	seedStory(t, env, "s2", wi.ID, 2, domain.StoryBlocked)

	if _, err := env.Orch.Implement(env.Ctx, s.ID); err != nil {
		t.Fatalf("implement: %v", err)
	}
	item, _ := env.Engine.GetWorkItem(env.Ctx, wi.ID)
	if item.Status != domain.WorkItemInProgress {
		t.Errorf("work item = %s, want in_progress while siblings remain", item.Status)
	}
}

func TestImplementFailurePersistsErrorState(t *testing.T) {
	env := newOrchEnv(t)
	env.Agent.exitCode = 1
	env.Agent.stderr = "tests failed"
	wi := seedItem(t, env, domain.WorkItemRefined)
	s := seedStory(t, env, "s1", wi.ID, 1, domain.StoryReady)

	_, err := env.Orch.Implement(env.Ctx, s.ID)
	var ee *agent.ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecError, got %v", err)
	}

	got, _ := env.Engine.GetStory(env.Ctx, s.ID)
	if got.Status != domain.StoryError {
		t.Errorf("status = %s, want error", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Error("missing error message")
	}
	// worktree handle stays for inspection
	if got.GitWorktree == nil {
		t.Error("worktree handle cleared on failure")
	}

	events := logEvents(t, env, s.ID)
	if len(events) == 0 || events[len(events)-1] != domain.LogFailed {
		t.Errorf("events = %v, want trailing failed entry", events)
	}
}

func TestImplementCancellationRecordedThenReRaised(t *testing.T) {
	env := newOrchEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	env.Agent.onRun = func(runCtx context.Context) error {
		cancel()
		<-runCtx.Done()
		return runCtx.Err()
	}
	wi := seedItem(t, env, domain.WorkItemRefined)
	s := seedStory(t, env, "s1", wi.ID, 1, domain.StoryReady)

	_, err := env.Orch.Implement(ctx, s.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	got, getErr := env.Engine.GetStory(env.Ctx, s.ID)
	if getErr != nil {
		t.Fatal(getErr)
	}
	if got.Status != domain.StoryError {
		t.Errorf("status = %s, want error recorded before re-raise", got.Status)
	}
}

func TestRunDrainsSchedule(t *testing.T) {
	env := newOrchEnv(t)
	wi := seedItem(t, env, domain.WorkItemRefined)
	seedStory(t, env, "s1", wi.ID, 1, domain.StoryReady)
	seedStory(t, env, "s2", wi.ID, 2, domain.StoryBlocked)
	if err := env.Engine.Repo.InsertDependency(env.Ctx, env.Engine.DB, domain.StoryDependency{StoryID: "s2", RequiresStoryID: "s1"}); err != nil {
		t.Fatal(err)
	}

	done, err := env.Orch.Run(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(done) != 2 || done[0] != "s1" || done[1] != "s2" {
		t.Fatalf("done = %v, want [s1 s2]", done)
	}
	item, _ := env.Engine.GetWorkItem(env.Ctx, wi.ID)
	if item.Status != domain.WorkItemCompleted {
		t.Errorf("work item = %s, want completed", item.Status)
	}
}

func TestRunStopsOnFirstFailure(t *testing.T) {
	env := newOrchEnv(t)
	env.Agent.exitCode = 1
	wi := seedItem(t, env, domain.WorkItemRefined)
	seedStory(t, env, "s1", wi.ID, 1, domain.StoryReady)
	seedStory(t, env, "s2", wi.ID, 2, domain.StoryReady)

	done, err := env.Orch.Run(env.Ctx)
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(done) != 0 {
		t.Errorf("done = %v, want none", done)
	}
	s2, _ := env.Engine.GetStory(env.Ctx, "s2")
	if s2.Status != domain.StoryReady {
		t.Errorf("s2 = %s, want untouched ready", s2.Status)
	}
}
