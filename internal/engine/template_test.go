package engine_test

import (
	"errors"
	"testing"

	"github.com/adrianstier/ProfDash-sub000/internal/engine"
	"github.com/adrianstier/ProfDash-sub000/internal/repo"
)

const builtinID = "builtin-7-phase-mvp"

func countRows(t *testing.T, env testEnv, query string, args ...any) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count query: %v", err)
	}
	return n
}

func TestApplyBuiltinTemplate(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ApplyTemplate(env.Ctx, "proj-1", builtinID, "tester")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.PhaseIDs) != 7 {
		t.Fatalf("expected 7 phases, got %d", len(res.PhaseIDs))
	}
	if len(res.RoleIDs) != 7 {
		t.Fatalf("expected 7 roles, got %d", len(res.RoleIDs))
	}
	if len(res.DeliverableIDs) == 0 {
		t.Fatalf("expected deliverables")
	}

	phases, err := env.Engine.Repo.ListPhases(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range phases {
		if p.SortOrder != i {
			t.Fatalf("phase %d has sort_order %d", i, p.SortOrder)
		}
		if p.Status != engine.StatusPending {
			t.Fatalf("phase %s not pending", p.ID)
		}
		// each phase chains behind its predecessor
		if i == 0 && len(p.BlockedBy) != 0 {
			t.Fatalf("first phase should be unblocked, got %v", p.BlockedBy)
		}
		if i > 0 && (len(p.BlockedBy) != 1 || p.BlockedBy[0] != phases[i-1].ID) {
			t.Fatalf("phase %d blocked_by %v, want [%s]", i, p.BlockedBy, phases[i-1].ID)
		}
	}

	// only the first phase is startable
	if _, err := env.Engine.StartPhase(env.Ctx, phases[0].ID, "tester"); err != nil {
		t.Fatalf("start first: %v", err)
	}
	var blocked engine.PhaseBlockedError
	if _, err := env.Engine.StartPhase(env.Ctx, phases[1].ID, "tester"); !errors.As(err, &blocked) {
		t.Fatalf("expected second phase blocked, got %v", err)
	}
}

func TestApplyTemplateRoleReuse(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ApplyTemplate(env.Ctx, "proj-1", builtinID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApplyTemplate(env.Ctx, "proj-1", builtinID, "tester"); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, env, `SELECT count(*) FROM roles WHERE workspace_id='ws-1'`); n != 7 {
		t.Fatalf("expected roles reused across applies, got %d rows", n)
	}
	if n := countRows(t, env, `SELECT count(*) FROM phases WHERE project_id='proj-1'`); n != 14 {
		t.Fatalf("expected 14 phases after two applies, got %d", n)
	}
}

func TestApplyInvalidTemplateWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	bad := []byte(`
name: Backwards
phases:
  - title: First
    blocked_by_index: [1]
  - title: Second
`)
	_, err := env.Engine.ImportTemplate(env.Ctx, "ws-1", bad, "tester")
	var invalid engine.InvalidTemplateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTemplateError, got %v", err)
	}
	if n := countRows(t, env, `SELECT count(*) FROM templates`); n != 0 {
		t.Fatalf("expected no template rows, got %d", n)
	}
}

func TestApplyTemplateRollbackOnMidStepFailure(t *testing.T) {
	env := newTestEnv(t)
	// a deliverable pointing at a workstream that does not exist fails the
	// apply after roles and phases were already written inside the tx
	tpl := []byte(`
name: Broken
roles:
  - name: Researcher
phases:
  - title: Only
    assigned_role: Researcher
    deliverables:
      - title: Report
        workstream_id: no-such-lane
`)
	imported, err := env.Engine.ImportTemplate(env.Ctx, "ws-1", tpl, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	_, err = env.Engine.ApplyTemplate(env.Ctx, "proj-1", imported.ID, "tester")
	var partial engine.PartialApplicationError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialApplicationError, got %v", err)
	}
	if partial.Step != "deliverable materialization" {
		t.Fatalf("unexpected step %q", partial.Step)
	}
	if !partial.RollbackOK {
		t.Fatalf("expected clean rollback")
	}
	// nothing from the failed apply survives
	if n := countRows(t, env, `SELECT count(*) FROM phases WHERE project_id='proj-1'`); n != 0 {
		t.Fatalf("expected 0 phases after rollback, got %d", n)
	}
	if n := countRows(t, env, `SELECT count(*) FROM roles`); n != 0 {
		t.Fatalf("expected 0 roles after rollback, got %d", n)
	}
	if n := countRows(t, env, `SELECT count(*) FROM events WHERE type='template.applied'`); n != 0 {
		t.Fatalf("expected no applied event, got %d", n)
	}
}

func TestImportTemplateDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	tpl := []byte(`
name: Thesis Sprint
phases:
  - title: Draft
`)
	if _, err := env.Engine.ImportTemplate(env.Ctx, "ws-1", tpl, "tester"); err != nil {
		t.Fatalf("first import: %v", err)
	}
	_, err := env.Engine.ImportTemplate(env.Ctx, "ws-1", tpl, "tester")
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate name, got %v", err)
	}
	if n := countRows(t, env, `SELECT count(*) FROM templates`); n != 1 {
		t.Fatalf("expected one template row, got %d", n)
	}
}

func TestApplyUnknownTemplate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ApplyTemplate(env.Ctx, "proj-1", "nope", "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTemplatesIncludesBuiltins(t *testing.T) {
	env := newTestEnv(t)
	items, err := env.Engine.ListTemplates(env.Ctx, "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) == 0 || items[0].ID != builtinID || !items[0].Builtin {
		t.Fatalf("expected builtin template first, got %+v", items)
	}
}
