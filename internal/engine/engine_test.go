package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adrianstier/ProfDash-sub000/internal/config"
	"github.com/adrianstier/ProfDash-sub000/internal/db"
	"github.com/adrianstier/ProfDash-sub000/internal/domain"
	"github.com/adrianstier/ProfDash-sub000/internal/engine"
	"github.com/adrianstier/ProfDash-sub000/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "ws-1", "Test Project", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createPhase(t *testing.T, title string, blockedBy []string, set bool) string {
	t.Helper()
	p, err := env.Engine.CreatePhase(env.Ctx, engine.PhaseCreateOptions{
		ProjectID:    "proj-1",
		Title:        title,
		BlockedBy:    blockedBy,
		BlockedBySet: set,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create phase %s: %v", title, err)
	}
	return p.ID
}

func TestStartBlockedByUnfinishedDependency(t *testing.T) {
	env := newTestEnv(t)
	a := env.createPhase(t, "Discovery", nil, true)
	b := env.createPhase(t, "Design", []string{a}, true)

	_, err := env.Engine.StartPhase(env.Ctx, b, "tester")
	var blocked engine.PhaseBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected PhaseBlockedError, got %v", err)
	}
	if len(blocked.Blockers) != 1 || blocked.Blockers[0] != a {
		t.Fatalf("unexpected blockers: %v", blocked.Blockers)
	}

	if _, err := env.Engine.StartPhase(env.Ctx, a, "tester"); err != nil {
		t.Fatalf("start blocker: %v", err)
	}
	// an in_progress blocker still gates
	if _, err := env.Engine.StartPhase(env.Ctx, b, "tester"); !errors.As(err, &blocked) {
		t.Fatalf("expected still blocked, got %v", err)
	}
	if _, err := env.Engine.CompletePhase(env.Ctx, a, "tester"); err != nil {
		t.Fatalf("complete blocker: %v", err)
	}
	p, err := env.Engine.StartPhase(env.Ctx, b, "tester")
	if err != nil {
		t.Fatalf("start after unblock: %v", err)
	}
	if p.Status != engine.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", p.Status)
	}
}

func TestPhaseStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	a := env.createPhase(t, "Solo", nil, true)

	// pending -> completed is not a legal move
	_, err := env.Engine.CompletePhase(env.Ctx, a, "tester")
	var invalid engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != engine.StatusPending || invalid.To != engine.StatusCompleted {
		t.Fatalf("unexpected transition detail: %+v", invalid)
	}

	if _, err := env.Engine.StartPhase(env.Ctx, a, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// double start
	if _, err := env.Engine.StartPhase(env.Ctx, a, "tester"); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError on double start, got %v", err)
	}
	p, err := env.Engine.CompletePhase(env.Ctx, a, "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if p.CompletedAt == nil {
		t.Fatalf("expected completed_at set")
	}
	// completed is terminal
	if _, err := env.Engine.CompletePhase(env.Ctx, a, "tester"); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError on re-complete, got %v", err)
	}
}

func TestSequentialAppendDefault(t *testing.T) {
	env := newTestEnv(t)
	a := env.createPhase(t, "First", nil, false)
	b, err := env.Engine.CreatePhase(env.Ctx, engine.PhaseCreateOptions{
		ProjectID: "proj-1", Title: "Second", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if len(b.BlockedBy) != 1 || b.BlockedBy[0] != a {
		t.Fatalf("expected second chained behind first, got %v", b.BlockedBy)
	}
	// explicit empty list detaches from the chain
	c, err := env.Engine.CreatePhase(env.Ctx, engine.PhaseCreateOptions{
		ProjectID: "proj-1", Title: "Third", BlockedBy: []string{}, BlockedBySet: true, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create third: %v", err)
	}
	if len(c.BlockedBy) != 0 {
		t.Fatalf("expected detached phase, got %v", c.BlockedBy)
	}
	if _, err := env.Engine.StartPhase(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatalf("detached phase should start: %v", err)
	}
}

func TestCreatePhaseRejectsBadDependencies(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePhase(env.Ctx, engine.PhaseCreateOptions{
		ProjectID: "proj-1", Title: "Orphan", BlockedBy: []string{"nope"}, BlockedBySet: true, ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected unknown dependency error")
	}
}

func TestCreatePhaseRejectsSelfReference(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePhase(env.Ctx, engine.PhaseCreateOptions{
		ID: "phase-self", ProjectID: "proj-1", Title: "Loop",
		BlockedBy: []string{"phase-self"}, BlockedBySet: true, ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected self-referencing blocked_by to be rejected")
	}
}

func TestActiveBlockersDanglingReference(t *testing.T) {
	byID := map[string]domain.Phase{
		"open": {ID: "open", Status: engine.StatusPending},
		"done": {ID: "done", Status: engine.StatusCompleted},
	}
	phase := domain.Phase{ID: "p", BlockedBy: []string{"open", "ghost", "done"}}
	blockers, dangling := engine.ActiveBlockers(phase, byID)
	if len(blockers) != 1 || blockers[0] != "open" {
		t.Fatalf("expected only the unfinished known phase to block, got %v", blockers)
	}
	if len(dangling) != 1 || dangling[0] != "ghost" {
		t.Fatalf("expected the missing reference reported as dangling, got %v", dangling)
	}
}

func TestDeletePhaseWithDependents(t *testing.T) {
	env := newTestEnv(t)
	a := env.createPhase(t, "Base", nil, true)
	b := env.createPhase(t, "Dependent", []string{a}, true)

	err := env.Engine.DeletePhase(env.Ctx, a, false, "tester")
	var hasDeps engine.HasDependentsError
	if !errors.As(err, &hasDeps) {
		t.Fatalf("expected HasDependentsError, got %v", err)
	}
	if len(hasDeps.Dependents) != 1 || hasDeps.Dependents[0] != b {
		t.Fatalf("unexpected dependents: %v", hasDeps.Dependents)
	}

	if err := env.Engine.DeletePhase(env.Ctx, a, true, "tester"); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	// dependent is now free to start
	if _, err := env.Engine.StartPhase(env.Ctx, b, "tester"); err != nil {
		t.Fatalf("start after prune: %v", err)
	}
}

func TestWorkstreamColorAssignment(t *testing.T) {
	env := newTestEnv(t)
	seen := make([]string, 0, len(engine.Palette))
	for i := 0; i < len(engine.Palette); i++ {
		w, err := env.Engine.CreateWorkstream(env.Ctx, engine.WorkstreamCreateOptions{
			ProjectID: "proj-1", Title: "Lane", ActorID: "tester",
		})
		if err != nil {
			t.Fatalf("create workstream %d: %v", i, err)
		}
		if w.Color != engine.Palette[i] {
			t.Fatalf("expected color %s at position %d, got %s", engine.Palette[i], i, w.Color)
		}
		seen = append(seen, w.Color)
	}
	// palette exhausted: assignment wraps to the first entry
	w, err := env.Engine.CreateWorkstream(env.Ctx, engine.WorkstreamCreateOptions{
		ProjectID: "proj-1", Title: "Overflow", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create overflow workstream: %v", err)
	}
	if w.Color != seen[0] {
		t.Fatalf("expected wrap to %s, got %s", seen[0], w.Color)
	}
	// explicit colors must come from the palette
	if _, err := env.Engine.CreateWorkstream(env.Ctx, engine.WorkstreamCreateOptions{
		ProjectID: "proj-1", Title: "Bad", Color: "mauve", ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected palette rejection")
	}
}

func TestProgressRollup(t *testing.T) {
	env := newTestEnv(t)
	a := env.createPhase(t, "Build", nil, true)

	prog, err := env.Engine.PhaseProgress(env.Ctx, a)
	if err != nil {
		t.Fatalf("empty progress: %v", err)
	}
	if prog.Total != 0 || prog.Percent != 0 {
		t.Fatalf("expected 0/0 at 0%%, got %+v", prog)
	}

	ids := make([]string, 0, 4)
	for _, title := range []string{"d1", "d2", "d3", "d4"} {
		d, err := env.Engine.CreateDeliverable(env.Ctx, engine.DeliverableCreateOptions{
			PhaseID: a, Title: title, ActorID: "tester",
		})
		if err != nil {
			t.Fatalf("create deliverable %s: %v", title, err)
		}
		ids = append(ids, d.ID)
	}
	if _, err := env.Engine.CompleteDeliverable(env.Ctx, ids[0], "tester"); err != nil {
		t.Fatalf("complete d1: %v", err)
	}
	prog, _ = env.Engine.PhaseProgress(env.Ctx, a)
	if prog.Completed != 1 || prog.Total != 4 || prog.Percent != 25 {
		t.Fatalf("expected 1/4 at 25%%, got %+v", prog)
	}
	for _, id := range ids[1:3] {
		if _, err := env.Engine.CompleteDeliverable(env.Ctx, id, "tester"); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
	prog, _ = env.Engine.ProjectProgress(env.Ctx, "proj-1")
	if prog.Completed != 3 || prog.Total != 4 || prog.Percent != 75 {
		t.Fatalf("expected 3/4 at 75%%, got %+v", prog)
	}
}

func TestUpdateWorkstream(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkstream(env.Ctx, engine.WorkstreamCreateOptions{
		ProjectID: "proj-1", Title: "Lane", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create workstream: %v", err)
	}
	title := "Analysis"
	color := "teal"
	updated, err := env.Engine.UpdateWorkstream(env.Ctx, w.ID, engine.WorkstreamUpdateOptions{
		Title: &title, Color: &color, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("update workstream: %v", err)
	}
	if updated.Title != "Analysis" || updated.Color != "teal" {
		t.Fatalf("unexpected workstream after update: %+v", updated)
	}
	got, err := env.Engine.Repo.GetWorkstream(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("get workstream: %v", err)
	}
	if got.Title != "Analysis" || got.Color != "teal" {
		t.Fatalf("update not persisted: %+v", got)
	}
	bad := "mauve"
	if _, err := env.Engine.UpdateWorkstream(env.Ctx, w.ID, engine.WorkstreamUpdateOptions{Color: &bad, ActorID: "tester"}); err == nil {
		t.Fatal("expected off-palette color to be rejected")
	}
}

func TestArchivedWorkstreamRejectsNewDeliverables(t *testing.T) {
	env := newTestEnv(t)
	a := env.createPhase(t, "Build", nil, true)
	w, err := env.Engine.CreateWorkstream(env.Ctx, engine.WorkstreamCreateOptions{
		ProjectID: "proj-1", Title: "Lane", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create workstream: %v", err)
	}
	if _, err := env.Engine.ArchiveWorkstream(env.Ctx, w.ID, "tester"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, err = env.Engine.CreateDeliverable(env.Ctx, engine.DeliverableCreateOptions{
		PhaseID: a, Title: "late", WorkstreamID: w.ID, ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected archived workstream rejection")
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	a := env.createPhase(t, "Tracked", nil, true)
	if _, err := env.Engine.StartPhase(env.Ctx, a, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompletePhase(env.Ctx, a, "tester"); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=? ORDER BY id`, a)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		types = append(types, typ)
	}
	want := []string{"phase.created", "phase.started", "phase.completed"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
}
