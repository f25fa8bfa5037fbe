package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"carerounds/internal/config"
	"carerounds/internal/db"
	"carerounds/internal/domain"
	"carerounds/internal/engine"
	"carerounds/internal/migrate"
	"carerounds/internal/notify"
	"carerounds/internal/policy"
	"carerounds/internal/repo"
	"carerounds/internal/server"
	"carerounds/internal/source"
)

var rootCmd = &cobra.Command{
	Use:   "cr",
	Short: "Carerounds CLI",
	Long: `Carerounds turns safety incidents into timed follow-up rounds.
- Workspace: the .carerounds directory holding the database; settings live in carerounds.yml.
- Policies: versioned response rules (which incident type, which visit schedule, who attends).
- Incidents: pulled incrementally from the clinical records system, never edited here.
- Tasks: the individual visits a policy schedules; they go pending -> completed/overdue/cancelled.
- Sync: 'cr sync' runs one pull + generate + lifecycle cycle; 'cr serve' runs it on a timer.
- Event log: diary of changes, view with 'cr log tail'.`,
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
	viper.SetEnvPrefix("CAREROUNDS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(lifecycleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var facilityID, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if facilityID == "" {
				return fmt.Errorf("--facility required")
			}
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(facilityID)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := config.Load(workspace)
				if err != nil {
					return err
				}
				if name != "" {
					cfg.Facility.Name = name
				}
				if err := r.UpsertFacilityConfig(ctx, facilityID, cfg); err != nil {
					return err
				}
				e := engine.New(r.DB, cfg, nil)
				seeded, err := e.SeedDefaultPolicies(ctx, viper.GetString("actor-id"), time.Now())
				if err != nil {
					return err
				}
				return printResult(map[string]any{
					"facility_id":     facilityID,
					"policies_seeded": seeded.Imported,
					"workspace":       workspace,
				})
			})
		},
	}
	cmd.Flags().StringVar(&facilityID, "facility", "", "facility id")
	cmd.Flags().StringVar(&name, "name", "", "facility name")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage facility config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printResult(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import facility config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertFacilityConfig(ctx, cfg.Facility.ID, cfg); err != nil {
					return err
				}
				return printResult(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show facility status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"facility_id": e.Config.Facility.ID,
					"task_counts": counts,
				}
				if st, err := e.Repo.GetSyncState(ctx, e.Config.Source.Name); err == nil {
					out["sync"] = st
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Facility: %s\n", e.Config.Facility.ID)
				if st, ok := out["sync"].(domain.SyncState); ok {
					fmt.Printf("Last sync: %s (cursor %s)\n", st.LastSyncedAt, st.Cursor)
				} else {
					fmt.Println("Last sync: never")
				}
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync, generate and lifecycle cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.RunCycle(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Manage response policies"}
	p.AddCommand(policyListCmd())
	p.AddCommand(policyShowCmd())
	p.AddCommand(policyImportCmd())
	p.AddCommand(policyDeactivateCmd())
	p.AddCommand(policyTemplateCmd())
	return p
}

func policyListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPolicies(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Ver", "Name", "Type", "Sub-type", "Phases", "Active"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Code, p.Version, p.Name, p.IncidentType, p.Discriminator, len(p.Phases), p.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "active policies only")
	return cmd
}

func policyShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <code>",
		Short: "Show one policy version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetPolicy(ctx, args[0], version)
				if err != nil {
					return err
				}
				return printResult(p)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "policy version")
	return cmd
}

func policyImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import policy definitions from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				defs, err := policy.ParseFile(data, time.Now())
				if err != nil {
					return err
				}
				summary, err := e.ImportPolicies(ctx, defs, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(summary)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to policy YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func policyDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <code>",
		Short: "Deactivate all versions of a policy code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeactivatePolicy(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func policyTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Print the default policy YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(engine.DefaultPolicyYAML())
			return nil
		},
	}
	return cmd
}

func incidentCmd() *cobra.Command {
	in := &cobra.Command{Use: "incident", Short: "Inspect synced incidents"}
	in.AddCommand(incidentListCmd())
	in.AddCommand(incidentShowCmd())
	in.AddCommand(incidentGenerateCmd())
	return in
}

func incidentListCmd() *cobra.Command {
	var f repo.IncidentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIncidents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "External", "Resident", "Type", "Severity", "Status", "Occurred"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.ExternalID, in.ResidentID, in.Type, in.Severity, in.Status, in.OccurredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ResidentID, "resident", "", "resident filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "incident type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func incidentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an incident and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				in, err := r.GetIncident(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					in, err = r.GetIncidentByExternalID(ctx, args[0])
				}
				if err != nil {
					return err
				}
				tasks, err := r.ListTasks(ctx, repo.TaskFilters{IncidentID: in.ID})
				if err != nil {
					return err
				}
				return printResult(map[string]any{"incident": in, "tasks": tasks})
			})
		},
	}
	return cmd
}

func incidentGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <id>",
		Short: "Generate follow-up tasks for one incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				in, err := e.Repo.GetIncident(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					in, err = e.Repo.GetIncidentByExternalID(ctx, args[0])
				}
				if err != nil {
					return err
				}
				created, err := e.GenerateTasksForIncident(ctx, in)
				if err != nil {
					return err
				}
				return printResult(map[string]any{"tasks_created": len(created), "tasks": created})
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Manage follow-up tasks",
		Long:  "Tasks are timed visits derived from a policy. They start pending, flip to overdue when the due time passes, and end completed or cancelled.",
	}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskCompleteCmd())
	t.AddCommand(taskCancelCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Due", "Role", "Priority", "Status"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.DueAt, t.AssignedRole, t.Priority, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.IncidentID, "incident", "", "incident id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Role, "role", "", "assigned role filter")
	cmd.Flags().StringVar(&f.DueBefore, "due-before", "", "due before (RFC3339)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(t)
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				return printResult(t)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "optional note recorded in the activity log")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.CancelTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(t)
			})
		},
	}
	return cmd
}

func lifecycleCmd() *cobra.Command {
	lc := &cobra.Command{Use: "lifecycle", Short: "Task lifecycle maintenance"}
	lc.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Recompute overdue tasks and incident status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				summary, err := e.RecomputeLifecycle(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(summary)
			})
		},
	})
	return lc
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: syncs, generated tasks, completions, and policy changes.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printResult(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once, only the hash is stored)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			key := "crk_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				return printResult(map[string]string{
					"id":       k.ID,
					"actor_id": k.ActorID,
					"key":      key,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printResult(items)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the periodic sync scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := resolveConfig(cmd.Context(), workspace, repo.Repo{DB: conn})
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, sourceClient(cfg))

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CAREROUNDS_JWT_SECRET"), Disable: noAuth}
			if !noAuth && authCfg.JWTSecret == "" {
				return fmt.Errorf("CAREROUNDS_JWT_SECRET is required for bearer auth (or pass --no-auth)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			notify.Start(ctx, e.Repo, cfg.Webhooks)
			if cfg.Scheduler.PeriodMinutes > 0 && cfg.Source.BaseURL != "" {
				go runScheduler(ctx, e, time.Duration(cfg.Scheduler.PeriodMinutes)*time.Minute)
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Carerounds API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable authentication (local use)")
	return cmd
}

func runScheduler(ctx context.Context, e *engine.Engine, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		if _, err := e.RunCycle(ctx, "scheduler"); err != nil {
			fmt.Println("sync cycle:", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// --- helpers ---

// resolveConfig prefers the workspace carerounds.yml and falls back to
// the config imported into the DB.
func resolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	_, cfg, err = r.SingleFacilityConfig(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("no config found; run cr init --facility <id> first")
	}
	return cfg, err
}

func sourceClient(cfg *config.Config) source.Client {
	if cfg == nil || cfg.Source.BaseURL == "" {
		return nil
	}
	return source.NewHTTPClient(cfg.Source.BaseURL, cfg.Source.APIKey, time.Duration(cfg.Source.TimeoutSeconds)*time.Second)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(ctx, workspace, repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, sourceClient(cfg))
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
	return fn(ctx, repo.Repo{DB: conn})
}

func printResult(v any) error {
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
