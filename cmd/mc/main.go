package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missioncore/internal/app"
	"missioncore/internal/config"
	"missioncore/internal/db"
	"missioncore/internal/domain"
	"missioncore/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mc",
	Short: "Mission Core CLI",
	Long: `Mission Core schedules tenant missions across shared crews, sending
domains and provider API quotas. Missions move queued -> assigned ->
executing -> collecting -> analyzing -> optimizing -> completed, driven by a
three-tier decision engine. Every decision and transition lands in the
durable event log ('mc log tail').`,
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
	viper.SetEnvPrefix("MISSIONCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("tenant", "local", "tenant identifier")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(domainCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(logCmd())
}

func logLevel() zerolog.Level {
	if viper.GetBool("verbose") {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// withApp builds the full registry without starting background loops. Used
// by every one-shot command.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, app.Options{Workspace: workspace, LogLevel: logLevel()})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			a, err := app.New(ctx, cfg, app.Options{Workspace: workspace, LogLevel: logLevel()})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Run(ctx); err != nil {
				return err
			}

			authCfg := server.AuthConfig{
				JWTSecret:      cfg.Server.JWTSecret,
				AllowAnonymous: cfg.Server.AllowAnonymous,
			}
			if secret := os.Getenv("MISSIONCORE_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowAnonymous {
				return fmt.Errorf("MISSIONCORE_JWT_SECRET is required unless server.allow_anonymous is set")
			}
			handler, err := server.New(server.Config{App: a, BasePath: cfg.Server.BasePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Mission Core API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Queue depth, state counts and crew utilization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Repo.CountByState(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"state_counts": counts,
					"utilization":  a.Alloc.Utilization(),
				})
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			data, err := c.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			data, err := config.Default().ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	return cfg
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionSubmitCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionCancelCmd())
	return m
}

func missionSubmitCmd() *cobra.Command {
	var mType, crew, payload string
	var priority int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" && !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload must be valid JSON")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				mission := domain.Mission{
					TenantID: viper.GetString("tenant"),
					Type:     domain.MissionType(mType),
					Priority: priority,
					CrewID:   crew,
					Payload:  payload,
				}
				id, err := a.Scheduler.Submit(ctx, mission)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": id, "state": string(domain.StateQueued)})
			})
		},
	}
	cmd.Flags().StringVar(&mType, "type", "", "mission type (lead-reactivation, campaign-execution, profile-extraction)")
	cmd.Flags().IntVar(&priority, "priority", 50, "priority 0-100")
	cmd.Flags().StringVar(&crew, "crew", "", "crew id")
	cmd.Flags().StringVar(&payload, "payload", "", "mission payload JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission with progress and recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Repo.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"mission": m}
				if progress, perr := a.Repo.MissionProgress(ctx, m.ID); perr == nil {
					out["progress"] = progress
				}
				if tasks, terr := a.Repo.ListTasks(ctx, m.ID); terr == nil && len(tasks) > 0 {
					out["tasks"] = tasks
				}
				if events, eerr := a.Repo.RecentEvents(ctx, m.ID, 10); eerr == nil && len(events) > 0 {
					out["recent_events"] = events
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func missionListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions for the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				missions, err := a.Repo.ListByTenant(ctx, viper.GetString("tenant"), state, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Priority", "Retries", "Submitted"})
				for _, m := range missions {
					tw.AppendRow(table.Row{m.ID, m.Type, m.State, m.Priority, m.RetryCount, m.SubmittedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max results")
	return cmd
}

func missionCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or assigned mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Scheduler.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func domainCmd() *cobra.Command {
	d := &cobra.Command{Use: "domain", Short: "Manage sending domains"}
	d.AddCommand(domainListCmd())
	d.AddCommand(domainAddCmd())
	d.AddCommand(domainRotateCmd())
	return d
}

func domainListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sending domains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				domains, err := a.Repo.ListDomains(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(domains)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Tier", "Reputation", "Status"})
				for _, d := range domains {
					tw.AppendRow(table.Row{d.ID, d.Name, d.Tier, fmt.Sprintf("%.3f", d.Reputation), d.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func domainAddCmd() *cobra.Command {
	var name, tier string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a sending domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Alloc.AddDomain(ctx, name, domain.DomainTier(tier))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "domain name")
	cmd.Flags().StringVar(&tier, "tier", "prewarmed", "tier (custom, prewarmed)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func domainRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <id>",
		Short: "Rotate a degraded or quarantined domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Alloc.RotateDomain(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func analyticsCmd() *cobra.Command {
	an := &cobra.Command{Use: "analytics", Short: "Operational insight"}
	an.AddCommand(analyticsSnapshotCmd())
	an.AddCommand(&cobra.Command{
		Use:   "trends",
		Short: "Success, duration and reputation trends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				points, err := a.Analytics.Trends(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(points)
			})
		},
	})
	an.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "Persisted snapshots inside the trend window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snaps, err := a.Analytics.History(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(snaps)
			})
		},
	})
	return an
}

func analyticsSnapshotCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Current aggregate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if save {
					if err := a.Analytics.TakeSnapshot(ctx); err != nil {
						return err
					}
				}
				return printJSONOrTable(a.Analytics.Current(ctx))
			})
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "persist the snapshot")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Durable event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var topic, missionID string
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cursor := after
				if cursor == 0 {
					latest, err := a.Repo.LatestEventID(ctx)
					if err != nil {
						return err
					}
					cursor = latest - int64(n)
					if cursor < 0 {
						cursor = 0
					}
				}
				events, err := a.Repo.EventsAfter(ctx, cursor, topic, missionID, "", n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Topic", "Type", "Mission", "Emitted"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.Topic, e.Type, e.MissionID, e.EmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&topic, "topic", "", "topic filter")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id filter")
	cmd.Flags().Int64Var(&after, "after", 0, "cursor to read after")
	return cmd
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
