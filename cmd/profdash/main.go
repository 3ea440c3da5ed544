package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/adrianstier/ProfDash-sub000/internal/app"
	"github.com/adrianstier/ProfDash-sub000/internal/config"
	"github.com/adrianstier/ProfDash-sub000/internal/db"
	"github.com/adrianstier/ProfDash-sub000/internal/domain"
	"github.com/adrianstier/ProfDash-sub000/internal/engine"
	"github.com/adrianstier/ProfDash-sub000/internal/migrate"
	"github.com/adrianstier/ProfDash-sub000/internal/repo"
	"github.com/adrianstier/ProfDash-sub000/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "profdash",
	Short: "ProfDash CLI",
	Long: `ProfDash tracks research projects as phases gated by a dependency graph.
Core concepts:
- Workspace: your .profdash directory with only the database; configs are stored in the DB and imported explicitly.
- Project: a research effort that owns phases, workstreams and deliverables.
- Phases: ordered stages with blocked_by links to earlier phases; a phase cannot start while any blocker is unfinished.
- Workstreams: colored grouping lanes for deliverables; they take no part in phase gating.
- Deliverables: concrete artifacts (documents, datasets, code) produced inside a phase; progress percentages derive from them.
- Templates: reusable blueprints (including the built-in 7-Phase MVP) that expand into phases, roles and deliverables in one shot.
- Event log: diary of changes, view with 'profdash log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PROFDASH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(workstreamCmd())
	rootCmd.AddCommand(deliverableCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, workspaceID, title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, workspaceID, title, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var status string
	var description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				if err := e.Repo.UpdateProject(ctx, target, status, descPtr); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (active, paused, archived)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				return e.Repo.DeleteProject(ctx, target)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PROFDASH_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set PROFDASH_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "See the scoreboard for your project: phase counts by status and overall deliverable progress.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID = strings.TrimSpace(projectID)
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountPhasesByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				progress, err := e.ProjectProgress(ctx, projectID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":   p.ID,
					"status":       p.Status,
					"phase_counts": counts,
					"progress":     progress,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Printf("Progress: %d%% (%d/%d deliverables)\n", progress.Percent, progress.Completed, progress.Total)
				fmt.Println("Phases:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func phaseCmd() *cobra.Command {
	phase := &cobra.Command{
		Use:   "phase",
		Short: "Manage phases",
		Long:  "Phases are the ordered stages of a project. Each can be gated by earlier phases through blocked_by; starting is refused while any blocker is unfinished, and completing a phase unblocks its dependents on their next evaluation.",
	}
	phase.AddCommand(phaseCreateCmd())
	phase.AddCommand(phaseListCmd())
	phase.AddCommand(phaseGetCmd())
	phase.AddCommand(phaseStartCmd())
	phase.AddCommand(phaseCompleteCmd())
	phase.AddCommand(phaseDeleteCmd())
	phase.AddCommand(phaseBlockersCmd())
	return phase
}

func phaseCreateCmd() *cobra.Command {
	var opts engine.PhaseCreateOptions
	var blockedBy []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Append a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.BlockedBy = blockedBy
			opts.BlockedBySet = cmd.Flags().Changed("blocked-by")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				p, err := e.CreatePhase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "phase id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&blockedBy, "blocked-by", []string{}, "blocking phase id (repeatable; pass none to detach from the chain)")
	cmd.Flags().StringVar(&opts.AssignedRole, "role", "", "assigned role name")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func phaseListCmd() *cobra.Command {
	var projectID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				phases, err := e.Repo.ListPhases(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				byID := phaseMap(phases)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Status", "Blockers", "Role"})
				for _, p := range phases {
					if status != "" && p.Status != status {
						continue
					}
					blockers, _ := engine.ActiveBlockers(p, byID)
					role := ""
					if p.AssignedRole != nil {
						role = *p.AssignedRole
					}
					tw.AppendRow(table.Row{p.SortOrder, p.ID, p.Title, p.Status, strings.Join(blockers, ","), role})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func phaseGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPhase(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func phaseStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.StartPhase(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func phaseCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CompletePhase(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func phaseDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete phase (use --force to prune dependents)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeletePhase(ctx, id, viper.GetBool("force"), viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func phaseBlockersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blockers <id>",
		Short: "Show a phase's active blockers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPhase(ctx, id)
				if err != nil {
					return err
				}
				blockers, err := e.PhaseBlockers(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"phase_id":        p.ID,
					"active_blockers": blockers,
					"blocked":         len(blockers) > 0,
				})
			})
		},
	}
	return cmd
}

func workstreamCmd() *cobra.Command {
	ws := &cobra.Command{
		Use:   "workstream",
		Short: "Manage workstreams",
		Long:  "Workstreams are colored lanes that group deliverables across phases. Colors come from a fixed palette and are assigned first-unused; counters (total, completed, overdue) are derived, never stored.",
	}
	ws.AddCommand(workstreamCreateCmd())
	ws.AddCommand(workstreamListCmd())
	ws.AddCommand(workstreamUpdateCmd())
	ws.AddCommand(workstreamArchiveCmd())
	return ws
}

func workstreamCreateCmd() *cobra.Command {
	var opts engine.WorkstreamCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create workstream",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				w, err := e.CreateWorkstream(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "workstream id")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Color, "color", "", "palette color (assigned automatically if omitted)")
	cmd.Flags().StringVar(&opts.OwnerID, "owner-id", "", "owner id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func workstreamListCmd() *cobra.Command {
	var projectID string
	var includeArchived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workstreams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				items, err := e.Repo.ListWorkstreams(ctx, projectID, includeArchived)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Color", "Status", "Tasks", "Done", "Overdue"})
				for _, w := range items {
					counts, err := e.WorkstreamCounts(ctx, w.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{w.ID, w.Title, w.Color, w.Status, counts.TaskCount, counts.CompletedTaskCount, counts.OverdueTaskCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().BoolVar(&includeArchived, "include-archived", false, "include archived workstreams")
	return cmd
}

func workstreamUpdateCmd() *cobra.Command {
	var title, color, ownerID string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update workstream title, color, or owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			opts := engine.WorkstreamUpdateOptions{ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("color") {
				opts.Color = &color
			}
			if cmd.Flags().Changed("owner-id") {
				opts.OwnerID = &ownerID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.UpdateWorkstream(ctx, id, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&color, "color", "", "palette color")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner id (empty clears)")
	return cmd
}

func workstreamArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive workstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.ArchiveWorkstream(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func deliverableCmd() *cobra.Command {
	del := &cobra.Command{
		Use:   "deliverable",
		Short: "Manage deliverables",
		Long:  "Deliverables are the artifacts a phase produces: documents, datasets, code, manuscripts. Their completion drives the progress percentages shown for phases and projects.",
	}
	del.AddCommand(deliverableCreateCmd())
	del.AddCommand(deliverableListCmd())
	del.AddCommand(deliverableCompleteCmd())
	return del
}

func deliverableCreateCmd() *cobra.Command {
	var opts engine.DeliverableCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create deliverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDeliverable(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "deliverable id")
	cmd.Flags().StringVar(&opts.PhaseID, "phase", "", "phase id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.ArtifactType, "artifact-type", "", "artifact type (document if omitted)")
	cmd.Flags().StringVar(&opts.WorkstreamID, "workstream", "", "workstream id")
	cmd.Flags().StringVar(&opts.DocumentID, "document-id", "", "linked document id")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (RFC3339)")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func deliverableListCmd() *cobra.Command {
	var f repo.DeliverableFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" && f.PhaseID == "" && f.WorkstreamID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.Repo.ListDeliverables(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Status", "Phase", "Workstream"})
				for _, d := range items {
					ws := ""
					if d.WorkstreamID != nil {
						ws = *d.WorkstreamID
					}
					tw.AppendRow(table.Row{d.ID, d.Title, d.ArtifactType, d.Status, d.PhaseID, ws})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.PhaseID, "phase", "", "phase filter")
	cmd.Flags().StringVar(&f.WorkstreamID, "workstream", "", "workstream filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func deliverableCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CompleteDeliverable(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage templates",
		Long:  "Templates expand into phases, roles and deliverables atomically: either everything is created or nothing is. The built-in 7-Phase MVP template is always available.",
	}
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateImportCmd())
	tpl.AddCommand(templateApplyCmd())
	return tpl
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTemplates(ctx, e.Config.Project.WorkspaceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Builtin", "Phases", "Roles"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Builtin, len(t.Phases), len(t.Roles)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTemplate(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func templateImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a template from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ImportTemplate(ctx, e.Config.Project.WorkspaceID, data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to template YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateApplyCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "apply <template-id>",
		Short: "Apply a template to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			templateID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				res, err := e.ApplyTemplate(ctx, projectID, templateID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Inspect workspace roles"}
	role.AddCommand(roleListCmd())
	return role
}

func roleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspace roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRoles(ctx, e.Config.Project.WorkspaceID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "Config is the rulebook (stored in DB): project id/kind, the sequential-by-default phase policy, and the allowed deliverable artifact types. Import from profdash.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: phase transitions, template applications, workstream changes, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
		Long:  "API keys authenticate requests via the X-Api-Key header. Only the SHA-256 hash is stored; the plaintext key is printed once at creation.",
	}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyRevokeCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			if actorID == "" {
				return errors.New("actor-id is required")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			plaintext := "pdk_" + hex.EncodeToString(raw)
			rec := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   actorID,
				Name:      name,
				KeyHash:   repo.HashAPIKey(plaintext),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "key": plaintext})
				}
				fmt.Printf("Created key %s\n", rec.ID)
				fmt.Printf("Store this now, it will not be shown again:\n\n  %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked key %s\n", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PROFDASH_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PROFDASH_JWT_SECRET is required for bearer auth")
			}
			authCfg.AllowLegacyActorHeader = cfg.Auth.AllowLegacyActorHeader
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving ProfDash API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func phaseMap(phases []domain.Phase) map[string]domain.Phase {
	byID := make(map[string]domain.Phase, len(phases))
	for _, p := range phases {
		byID[p.ID] = p
	}
	return byID
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
