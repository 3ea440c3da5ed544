package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adrianstier/ProfDash-sub000/internal/config"
	"github.com/adrianstier/ProfDash-sub000/internal/domain"
	"github.com/adrianstier/ProfDash-sub000/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures a project + config exist in DB,
// seeding defaults if missing. It prefers overrides, then single-project DB.
// If the project does not exist, it is created on the fly.
func ResolveProjectAndConfig(ctx context.Context, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	seedCfg := config.Default(projectID)

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProject(ctx, r, seedCfg.Project.WorkspaceID, projectID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed project config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// createProject inserts a minimal workspace/project footprint using the seed config.
func createProject(ctx context.Context, r repo.Repo, workspaceID, projectID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}
	if workspaceID == "" {
		workspaceID = "default-workspace"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureWorkspace(ctx, tx, workspaceID, "Default Workspace", now); err != nil {
		return fmt.Errorf("ensure workspace: %w", err)
	}
	p := domain.Project{
		ID:          projectID,
		WorkspaceID: workspaceID,
		Title:       projectID,
		Status:      "active",
		CreatedAt:   now,
	}
	if err := r.InsertProject(ctx, tx, p); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, seedCfg); err != nil {
		return fmt.Errorf("insert project config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}
