package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adrianstier/ProfDash-sub000/internal/config"
	"github.com/adrianstier/ProfDash-sub000/internal/domain"
	"github.com/adrianstier/ProfDash-sub000/internal/events"
	"github.com/adrianstier/ProfDash-sub000/internal/repo"
)

// Phase and deliverable statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusCompleted  = "completed"
)

// Workstream statuses.
const (
	WorkstreamActive   = "active"
	WorkstreamArchived = "archived"
)

// TaskCounter supplies derived workstream counters from the task store.
type TaskCounter interface {
	CountsFor(ctx context.Context, workstreamID string) (domain.WorkstreamCounts, error)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Counter TaskCounter
	Now     func() time.Time
	Logger  *log.Logger
	locks   *projectLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Counter: deliverableCounter{Repo: r, Now: time.Now},
		Now:     time.Now,
		Logger:  log.Default(),
		locks:   &projectLocks{m: map[string]*sync.Mutex{}},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// projectLocks serializes multi-step writes per project so template apply and
// manual appends cannot interleave sort_order reservation.
type projectLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *projectLocks) forProject(projectID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.m[projectID]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.m[projectID] = m
	return m
}

// InitProject creates a project plus its workspace footprint and seed config.
func (e Engine) InitProject(ctx context.Context, projectID, workspaceID, title, description, actorID string) (domain.Project, error) {
	if workspaceID == "" {
		workspaceID = "default-workspace"
	}
	if title == "" {
		title = projectID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:          projectID,
		WorkspaceID: workspaceID,
		Title:       title,
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	if err := e.Repo.EnsureWorkspace(ctx, tx, workspaceID, "", now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure workspace: %w", err)
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	seedCfg := config.Default(p.ID)
	seedCfg.Project.WorkspaceID = workspaceID
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, seedCfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// PhaseCreateOptions are parameters for appending a phase manually.
type PhaseCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	BlockedBy   []string
	// BlockedBySet distinguishes an explicit empty dependency list from an
	// omitted one; only the latter falls back to the sequential default.
	BlockedBySet bool
	AssignedRole string
	DueDate      string
	Metadata     map[string]any
	ActorID      string
}

// CreatePhase appends a phase to a project. Unless the caller supplies
// blocked_by explicitly, the new phase chains behind the last one by
// sort_order so manually built projects gate phase-by-phase.
func (e Engine) CreatePhase(ctx context.Context, opts PhaseCreateOptions) (domain.Phase, error) {
	if opts.Title == "" {
		return domain.Phase{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Phase{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Phase{}, err
	}

	mu := e.locks.forProject(opts.ProjectID)
	mu.Lock()
	defer mu.Unlock()

	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Title+"|"+now)).String()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	maxOrder, err := e.Repo.MaxSortOrder(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Phase{}, err
	}

	blockedBy := opts.BlockedBy
	if !opts.BlockedBySet && e.sequentialByDefault() {
		if last, err := e.Repo.LastPhaseBySortOrder(ctx, tx, opts.ProjectID); err == nil {
			blockedBy = []string{last.ID}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Phase{}, err
		}
	}
	for _, dep := range blockedBy {
		if dep == id {
			return domain.Phase{}, fmt.Errorf("phase cannot block on itself")
		}
		ref, err := e.Repo.GetPhaseTx(ctx, tx, dep)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Phase{}, fmt.Errorf("blocked_by references unknown phase %s", dep)
			}
			return domain.Phase{}, err
		}
		if ref.ProjectID != opts.ProjectID {
			return domain.Phase{}, fmt.Errorf("blocked_by phase %s not in project %s", dep, opts.ProjectID)
		}
	}

	var metadataJSON *string
	if len(opts.Metadata) > 0 {
		b, err := json.Marshal(opts.Metadata)
		if err != nil {
			return domain.Phase{}, fmt.Errorf("marshal metadata: %w", err)
		}
		s := string(b)
		metadataJSON = &s
	}

	p := domain.Phase{
		ID:           id,
		ProjectID:    opts.ProjectID,
		Title:        opts.Title,
		Description:  opts.Description,
		SortOrder:    maxOrder + 1,
		Status:       StatusPending,
		BlockedBy:    blockedBy,
		AssignedRole: optionalString(opts.AssignedRole),
		MetadataJSON: metadataJSON,
		DueDate:      optionalString(opts.DueDate),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertPhase(ctx, tx, p); err != nil {
		return domain.Phase{}, err
	}
	if err := e.Events.Append(ctx, tx, "phase.created", p.ProjectID, "phase", p.ID, opts.ActorID, events.EventPayload{
		"title":      p.Title,
		"sort_order": p.SortOrder,
		"blocked_by": p.BlockedBy,
	}); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return p, nil
}

func (e Engine) sequentialByDefault() bool {
	return e.Config == nil || e.Config.Phases.SequentialByDefault
}

// phaseIndex loads a project's phases keyed by id.
func (e Engine) phaseIndex(ctx context.Context, projectID string) (map[string]domain.Phase, error) {
	phases, err := e.Repo.ListPhases(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Phase, len(phases))
	for _, p := range phases {
		byID[p.ID] = p
	}
	return byID, nil
}

// PhaseBlockers recomputes a phase's active blockers, logging dangling
// references as data-integrity warnings rather than failing.
func (e Engine) PhaseBlockers(ctx context.Context, phase domain.Phase) ([]string, error) {
	byID, err := e.phaseIndex(ctx, phase.ProjectID)
	if err != nil {
		return nil, err
	}
	blockers, dangling := ActiveBlockers(phase, byID)
	for _, dep := range dangling {
		e.logger().Printf("WARNING: phase %s blocked_by references missing phase %s; treating as not blocking", phase.ID, dep)
	}
	return blockers, nil
}

// StartPhase transitions a phase to in_progress after checking its gates.
func (e Engine) StartPhase(ctx context.Context, phaseID, actorID string) (domain.Phase, error) {
	p, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return p, err
	}
	if p.Status != StatusPending && p.Status != StatusBlocked {
		return p, InvalidTransitionError{Entity: "phase", From: p.Status, To: StatusInProgress}
	}
	blockers, err := e.PhaseBlockers(ctx, p)
	if err != nil {
		return p, err
	}
	if len(blockers) > 0 {
		return p, PhaseBlockedError{PhaseID: p.ID, Blockers: blockers}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	prev := p.Status
	now := e.now().UTC().Format(time.RFC3339)
	p.Status = StatusInProgress
	p.StartedAt = &now
	p.UpdatedAt = now
	ok, err := e.Repo.UpdatePhaseStatusCAS(ctx, tx, p, prev)
	if err != nil {
		return p, err
	}
	if !ok {
		// A concurrent writer changed the status between read and write.
		return p, InvalidTransitionError{Entity: "phase", From: prev, To: StatusInProgress}
	}
	if err := e.Events.Append(ctx, tx, "phase.started", p.ProjectID, "phase", p.ID, actorID, events.EventPayload{"from": prev}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// CompletePhase transitions an in_progress phase to completed. Dependents are
// not touched; their effective blocking state is derived lazily on the next
// ActiveBlockers evaluation, keeping completion O(1) regardless of fan-out.
func (e Engine) CompletePhase(ctx context.Context, phaseID, actorID string) (domain.Phase, error) {
	p, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return p, err
	}
	if p.Status != StatusInProgress {
		return p, InvalidTransitionError{Entity: "phase", From: p.Status, To: StatusCompleted}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	p.Status = StatusCompleted
	p.CompletedAt = &now
	p.UpdatedAt = now
	ok, err := e.Repo.UpdatePhaseStatusCAS(ctx, tx, p, StatusInProgress)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, InvalidTransitionError{Entity: "phase", From: StatusInProgress, To: StatusCompleted}
	}
	if err := e.Events.Append(ctx, tx, "phase.completed", p.ProjectID, "phase", p.ID, actorID, nil); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// DeletePhase removes a phase. Phases still referencing it block the delete
// unless force is set, in which case their blocked_by entries are pruned.
func (e Engine) DeletePhase(ctx context.Context, phaseID string, force bool, actorID string) error {
	p, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return err
	}
	dependents, err := e.Repo.ListDependents(ctx, phaseID)
	if err != nil {
		return err
	}
	if len(dependents) > 0 && !force {
		return HasDependentsError{PhaseID: phaseID, Dependents: dependents}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(dependents) > 0 {
		if err := e.Repo.PruneDependencyRefs(ctx, tx, phaseID); err != nil {
			return err
		}
	}
	if err := e.Repo.DeletePhase(ctx, tx, phaseID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "phase.deleted", p.ProjectID, "phase", p.ID, actorID, events.EventPayload{
		"forced":            force,
		"pruned_dependents": dependents,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// WorkstreamCreateOptions are parameters for creating a workstream.
type WorkstreamCreateOptions struct {
	ID        string
	ProjectID string
	Title     string
	Color     string
	OwnerID   string
	ActorID   string
}

// CreateWorkstream creates a grouping lane, picking the first unused palette
// color when none is given.
func (e Engine) CreateWorkstream(ctx context.Context, opts WorkstreamCreateOptions) (domain.Workstream, error) {
	if opts.Title == "" {
		return domain.Workstream{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Workstream{}, errors.New("project is required")
	}
	if opts.Color != "" && !paletteContains(opts.Color) {
		return domain.Workstream{}, fmt.Errorf("color %s not in palette", opts.Color)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Workstream{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workstream{}, err
	}
	defer tx.Rollback()

	color := opts.Color
	if color == "" {
		used, err := e.Repo.UsedColors(ctx, tx, opts.ProjectID)
		if err != nil {
			return domain.Workstream{}, err
		}
		color = AssignColor(used, Palette)
	}
	maxOrder, err := e.Repo.MaxWorkstreamSortOrder(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Workstream{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	w := domain.Workstream{
		ID:        id,
		ProjectID: opts.ProjectID,
		Title:     opts.Title,
		Color:     color,
		SortOrder: maxOrder + 1,
		Status:    WorkstreamActive,
		OwnerID:   optionalString(opts.OwnerID),
		CreatedAt: now,
	}
	if err := e.Repo.InsertWorkstream(ctx, tx, w); err != nil {
		return domain.Workstream{}, err
	}
	if err := e.Events.Append(ctx, tx, "workstream.created", w.ProjectID, "workstream", w.ID, opts.ActorID, events.EventPayload{
		"title": w.Title,
		"color": w.Color,
	}); err != nil {
		return domain.Workstream{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workstream{}, err
	}
	return w, nil
}

// ArchiveWorkstream marks a workstream archived; its color stays reserved.
func (e Engine) ArchiveWorkstream(ctx context.Context, workstreamID, actorID string) (domain.Workstream, error) {
	w, err := e.Repo.GetWorkstream(ctx, workstreamID)
	if err != nil {
		return w, err
	}
	if w.Status == WorkstreamArchived {
		return w, InvalidTransitionError{Entity: "workstream", From: w.Status, To: WorkstreamArchived}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	archived := WorkstreamArchived
	if err := e.Repo.UpdateWorkstream(ctx, tx, w.ID, nil, nil, &archived, nil); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, "workstream.archived", w.ProjectID, "workstream", w.ID, actorID, nil); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	w.Status = WorkstreamArchived
	return w, nil
}

// WorkstreamUpdateOptions carries the mutable workstream fields. Nil pointers
// leave the field untouched.
type WorkstreamUpdateOptions struct {
	Title   *string
	Color   *string
	OwnerID *string
	ActorID string
}

// UpdateWorkstream changes a workstream's title, color, or owner. Status
// changes go through ArchiveWorkstream.
func (e Engine) UpdateWorkstream(ctx context.Context, workstreamID string, opts WorkstreamUpdateOptions) (domain.Workstream, error) {
	w, err := e.Repo.GetWorkstream(ctx, workstreamID)
	if err != nil {
		return w, err
	}
	if opts.Title != nil && *opts.Title == "" {
		return w, errors.New("title is required")
	}
	if opts.Color != nil && !paletteContains(*opts.Color) {
		return w, fmt.Errorf("color %s not in palette", *opts.Color)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkstream(ctx, tx, w.ID, opts.Title, opts.Color, nil, opts.OwnerID); err != nil {
		return w, err
	}
	payload := events.EventPayload{}
	if opts.Title != nil {
		w.Title = *opts.Title
		payload["title"] = *opts.Title
	}
	if opts.Color != nil {
		w.Color = *opts.Color
		payload["color"] = *opts.Color
	}
	if opts.OwnerID != nil {
		w.OwnerID = optionalString(*opts.OwnerID)
		payload["owner_id"] = *opts.OwnerID
	}
	if err := e.Events.Append(ctx, tx, "workstream.updated", w.ProjectID, "workstream", w.ID, opts.ActorID, payload); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

func paletteContains(color string) bool {
	for _, c := range Palette {
		if c == color {
			return true
		}
	}
	return false
}

// DeliverableCreateOptions are parameters for creating a deliverable.
type DeliverableCreateOptions struct {
	ID           string
	PhaseID      string
	Title        string
	ArtifactType string
	WorkstreamID string
	DocumentID   string
	DueDate      string
	ActorID      string
}

func (e Engine) CreateDeliverable(ctx context.Context, opts DeliverableCreateOptions) (domain.Deliverable, error) {
	if opts.Title == "" {
		return domain.Deliverable{}, errors.New("title is required")
	}
	phase, err := e.Repo.GetPhase(ctx, opts.PhaseID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	artifactType := opts.ArtifactType
	if artifactType == "" {
		artifactType = "document"
	}
	if e.Config != nil && !e.Config.ArtifactTypeAllowed(artifactType) {
		return domain.Deliverable{}, fmt.Errorf("artifact type %s not allowed", artifactType)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, err
	}
	defer tx.Rollback()

	if opts.WorkstreamID != "" {
		ws, err := e.Repo.GetWorkstreamTx(ctx, tx, opts.WorkstreamID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Deliverable{}, fmt.Errorf("workstream %s not found", opts.WorkstreamID)
			}
			return domain.Deliverable{}, err
		}
		if ws.ProjectID != phase.ProjectID {
			return domain.Deliverable{}, fmt.Errorf("workstream %s not in project %s", opts.WorkstreamID, phase.ProjectID)
		}
		if ws.Status == WorkstreamArchived {
			return domain.Deliverable{}, fmt.Errorf("workstream %s is archived", opts.WorkstreamID)
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	d := domain.Deliverable{
		ID:           id,
		PhaseID:      phase.ID,
		ProjectID:    phase.ProjectID,
		WorkstreamID: optionalString(opts.WorkstreamID),
		Title:        opts.Title,
		ArtifactType: artifactType,
		Status:       StatusPending,
		DocumentID:   optionalString(opts.DocumentID),
		DueDate:      optionalString(opts.DueDate),
		CreatedAt:    now,
	}
	if err := e.Repo.InsertDeliverable(ctx, tx, d); err != nil {
		return domain.Deliverable{}, err
	}
	if err := e.Events.Append(ctx, tx, "deliverable.created", d.ProjectID, "deliverable", d.ID, opts.ActorID, events.EventPayload{
		"title": d.Title,
		"phase": d.PhaseID,
	}); err != nil {
		return domain.Deliverable{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deliverable{}, err
	}
	return d, nil
}

// CompleteDeliverable marks a deliverable completed. Deliverable status is
// independent of the owning phase's status.
func (e Engine) CompleteDeliverable(ctx context.Context, deliverableID, actorID string) (domain.Deliverable, error) {
	d, err := e.Repo.GetDeliverable(ctx, deliverableID)
	if err != nil {
		return d, err
	}
	if d.Status == StatusCompleted {
		return d, InvalidTransitionError{Entity: "deliverable", From: d.Status, To: StatusCompleted}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	prev := d.Status
	now := e.now().UTC().Format(time.RFC3339)
	d.Status = StatusCompleted
	d.CompletedAt = &now
	ok, err := e.Repo.UpdateDeliverableStatusCAS(ctx, tx, d, prev)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, InvalidTransitionError{Entity: "deliverable", From: prev, To: StatusCompleted}
	}
	if err := e.Events.Append(ctx, tx, "deliverable.completed", d.ProjectID, "deliverable", d.ID, actorID, nil); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// PhaseProgress aggregates deliverable completion for one phase.
func (e Engine) PhaseProgress(ctx context.Context, phaseID string) (Progress, error) {
	ds, err := e.Repo.ListDeliverables(ctx, repo.DeliverableFilters{PhaseID: phaseID})
	if err != nil {
		return Progress{}, err
	}
	return DeliverableProgress(ds), nil
}

// ProjectProgress aggregates deliverable completion across a whole project.
func (e Engine) ProjectProgress(ctx context.Context, projectID string) (Progress, error) {
	ds, err := e.Repo.ListDeliverables(ctx, repo.DeliverableFilters{ProjectID: projectID})
	if err != nil {
		return Progress{}, err
	}
	return DeliverableProgress(ds), nil
}

// WorkstreamCounts returns the derived counters for a workstream via the
// configured TaskCounter.
func (e Engine) WorkstreamCounts(ctx context.Context, workstreamID string) (domain.WorkstreamCounts, error) {
	if e.Counter == nil {
		return domain.WorkstreamCounts{}, errors.New("task counter not configured")
	}
	return e.Counter.CountsFor(ctx, workstreamID)
}

// deliverableCounter backs TaskCounter with the deliverables table.
type deliverableCounter struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (c deliverableCounter) CountsFor(ctx context.Context, workstreamID string) (domain.WorkstreamCounts, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return c.Repo.WorkstreamCounts(ctx, workstreamID, now().UTC().Format(time.RFC3339))
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
