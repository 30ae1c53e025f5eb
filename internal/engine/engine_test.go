package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/execlog"
	"storyline/internal/migrate"
	"storyline/internal/repo"
	"storyline/internal/statemachine"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func seedItem(t *testing.T, env testEnv, itemType domain.WorkItemType, priority int, status domain.WorkItemStatus) domain.WorkItem {
	t.Helper()
	now := "2026-03-01T12:00:00Z"
	wi := domain.WorkItem{
		ID:        uuid.NewString(),
		Type:      itemType,
		Title:     "seeded item",
		Priority:  priority,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := env.Engine.Repo.InsertWorkItem(env.Ctx, env.Engine.DB, wi); err != nil {
		t.Fatalf("seed work item: %v", err)
	}
	return wi
}

func seedStory(t *testing.T, env testEnv, id, itemID string, priority int, status domain.StoryStatus) domain.DeveloperStory {
	t.Helper()
	now := "2026-03-01T12:00:00Z"
	s := domain.DeveloperStory{
		ID:           id,
		WorkItemID:   itemID,
		Type:         domain.StoryImplementation,
		Title:        "seeded story " + id,
		Instructions: "do the thing",
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

func seedDep(t *testing.T, env testEnv, storyID, requiresID string) {
	t.Helper()
	err := env.Engine.Repo.InsertDependency(env.Ctx, env.Engine.DB, domain.StoryDependency{
		StoryID: storyID, RequiresStoryID: requiresID,
	})
	if err != nil {
		t.Fatalf("seed dep: %v", err)
	}
}

func TestCreateWorkItem(t *testing.T) {
	env := newTestEnv(t)
	wi, err := env.Engine.CreateWorkItem(env.Ctx, engine.NewWorkItem{
		Type:     domain.WorkItemUserStory,
		Title:    "Add login",
		Priority: 3,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wi.Status != domain.WorkItemPending {
		t.Errorf("status = %s, want pending", wi.Status)
	}
	if wi.CreatedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("created_at = %s", wi.CreatedAt)
	}
	got, err := env.Engine.GetWorkItem(env.Ctx, wi.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Add login" || got.Priority != 3 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestCreateWorkItemValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		in   engine.NewWorkItem
	}{
		{"bad type", engine.NewWorkItem{Type: "epic", Title: "x", Priority: 5}},
		{"empty title", engine.NewWorkItem{Type: domain.WorkItemBug, Title: "  ", Priority: 5}},
		{"priority too low", engine.NewWorkItem{Type: domain.WorkItemBug, Title: "x", Priority: 0}},
		{"priority too high", engine.NewWorkItem{Type: domain.WorkItemBug, Title: "x", Priority: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateWorkItem(env.Ctx, tc.in)
			var ve engine.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSetWorkItemStatus(t *testing.T) {
	env := newTestEnv(t)
	wi := seedItem(t, env, domain.WorkItemUserStory, 5, domain.WorkItemPending)

	wi, err := env.Engine.SetWorkItemStatus(env.Ctx, wi.ID, domain.WorkItemRefining)
	if err != nil || wi.Status != domain.WorkItemRefining {
		t.Fatalf("to refining: %v", err)
	}
	_, err = env.Engine.SetWorkItemStatus(env.Ctx, wi.ID, domain.WorkItemCompleted)
	var ite statemachine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	// invalid transition leaves the row untouched
	got, err := env.Engine.GetWorkItem(env.Ctx, wi.ID)
	if err != nil || got.Status != domain.WorkItemRefining {
		t.Fatalf("status mutated on invalid transition: %s", got.Status)
	}
}

func TestSetWorkItemStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SetWorkItemStatus(env.Ctx, "missing", domain.WorkItemRefining)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryWorkItemClearsError(t *testing.T) {
	env := newTestEnv(t)
	wi := seedItem(t, env, domain.WorkItemBug, 5, domain.WorkItemPending)
	msg := "agent blew up"
	wi.Status = domain.WorkItemError
	wi.ErrorMessage = &msg
	if err := env.Engine.Repo.UpdateWorkItem(env.Ctx, env.Engine.DB, wi); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.RetryWorkItem(env.Ctx, wi.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Status != domain.WorkItemPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.ErrorMessage != nil {
		t.Errorf("error message not cleared: %q", *got.ErrorMessage)
	}
}

func TestLogWriterFollowsEngineClock(t *testing.T) {
	env := newTestEnv(t)
	wi := seedItem(t, env, domain.WorkItemUserStory, 5, domain.WorkItemInProgress)
	s := seedStory(t, env, "s1", wi.ID, 1, domain.StoryInProgress)

	// only eng.Now was overridden; the writer must pick it up
	if err := env.Engine.Logs.Append(env.Ctx, env.Engine.DB, s.ID, domain.LogStarted, execlog.Entry{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := env.Engine.TailLogs(env.Ctx, s.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].TS != "2026-03-01T12:00:00Z" {
		t.Errorf("log ts = %+v, want the engine clock's timestamp", entries)
	}
}

func TestRetryStory(t *testing.T) {
	env := newTestEnv(t)
	wi := seedItem(t, env, domain.WorkItemUserStory, 5, domain.WorkItemInProgress)
	s := seedStory(t, env, "s-err", wi.ID, 1, domain.StoryError)

	got, err := env.Engine.RetryStory(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Status != domain.StoryReady {
		t.Errorf("status = %s, want ready", got.Status)
	}
	if got.ErrorMessage != nil {
		t.Errorf("error message not cleared")
	}

	// a completed story cannot be retried
	done := seedStory(t, env, "s-done", wi.ID, 1, domain.StoryCompleted)
	_, err = env.Engine.RetryStory(env.Ctx, done.ID)
	var ite statemachine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}
