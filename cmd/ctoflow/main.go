package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fall-development-rob/cto-flow-sub000/internal/app"
	"github.com/fall-development-rob/cto-flow-sub000/internal/config"
	"github.com/fall-development-rob/cto-flow-sub000/internal/db"
	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/engine"
	"github.com/fall-development-rob/cto-flow-sub000/internal/migrate"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
	"github.com/fall-development-rob/cto-flow-sub000/internal/review"
	"github.com/fall-development-rob/cto-flow-sub000/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ctoflow",
	Short: "CTO Flow swarm coordinator CLI",
	Long: `ctoflow coordinates a pool of autonomous agents over epics and issues:
scored assignment, fairness balancing, peer review, and stall escalation.
All commands are inert until swarm mode is enabled (swarm.enabled in
ctoflow.yml, --swarm-enabled, or CTOFLOW_SWARM_ENABLED=true).`,
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
	viper.SetEnvPrefix("CTOFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("epic", "", "epic id (overrides config default)")
	rootCmd.PersistentFlags().Bool("swarm-enabled", false, "enable swarm commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("epic", rootCmd.PersistentFlags().Lookup("epic"))
	_ = viper.BindPFlag("swarm-enabled", rootCmd.PersistentFlags().Lookup("swarm-enabled"))
}

func registerCommands() {
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(teammateCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(stallCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// gated wraps a command handler behind the master enable switch. Disabled
// commands print guidance and exit 0 without touching any state.
func gated(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if !swarmEnabled() {
			fmt.Println("swarm mode is disabled; nothing was changed.")
			fmt.Println("Enable it with one of:")
			fmt.Println("  - swarm.enabled: true in ctoflow.yml")
			fmt.Println("  - --swarm-enabled")
			fmt.Println("  - CTOFLOW_SWARM_ENABLED=true")
			return nil
		}
		return run(cmd, args)
	}
}

func swarmEnabled() bool {
	if viper.GetBool("swarm-enabled") {
		return true
	}
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil || cfg == nil {
		return false
	}
	return cfg.Swarm.Enabled
}

// --- epic ---

func epicCmd() *cobra.Command {
	epic := &cobra.Command{Use: "epic", Short: "Manage epics"}
	epic.AddCommand(epicCreateCmd())
	epic.AddCommand(epicListCmd())
	epic.AddCommand(epicShowCmd())
	epic.AddCommand(epicUpdateCmd())
	epic.AddCommand(epicSyncCmd())
	epic.AddCommand(epicAssignCmd())
	return epic
}

func epicCreateCmd() *cobra.Command {
	var title, externalRef string
	var objectives, constraints []string
	var activate bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an epic and seed workspace config",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ep, err := e.CreateEpic(ctx, title, objectives, constraints, externalRef)
				if err != nil {
					return err
				}
				if err := config.Seed(viper.GetString("workspace"), ep.ID); err != nil {
					return err
				}
				if activate {
					ep, err = e.Machine.Transition(ctx, ep.ID, domain.EpicActive, "", viper.GetString("actor-id"))
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(ep)
			})
		}),
	}
	cmd.Flags().StringVar(&title, "title", "", "epic title")
	cmd.Flags().StringVar(&externalRef, "external-ref", "", "platform milestone/ref")
	cmd.Flags().StringArrayVar(&objectives, "objective", nil, "objective (repeatable)")
	cmd.Flags().StringArrayVar(&constraints, "constraint", nil, "constraint (repeatable)")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate immediately")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func epicListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List epics",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEpics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Version", "Updated"})
				for _, ep := range items {
					tw.AppendRow(table.Row{ep.ID, ep.Title, ep.State, ep.Version, ep.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		}),
	}
}

func epicShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show epic with progress report",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ep, err := e.ResolveEpic(ctx, viper.GetString("epic"))
				if err != nil {
					return err
				}
				report, err := e.EpicProgress(ctx, ep.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"epic": ep, "progress": report})
			})
		}),
	}
	return cmd
}

func epicUpdateCmd() *cobra.Command {
	var title, state, eventID string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update epic fields or transition its state",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ep, err := e.ResolveEpic(ctx, viper.GetString("epic"))
				if err != nil {
					return err
				}
				if title != "" {
					ep.Title = title
					if err := e.UpdateEpic(ctx, ep); err != nil {
						return err
					}
				}
				if state != "" {
					ep, err = e.Machine.Transition(ctx, ep.ID, state, eventID, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(ep)
			})
		}),
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&state, "state", "", "target state (active|paused|blocked|review|completed|archived)")
	cmd.Flags().StringVar(&eventID, "event-id", "", "dedup id for the triggering event")
	return cmd
}

func epicSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync the epic with the issue platform",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.SyncEpic(ctx, viper.GetString("epic")); err != nil {
					return err
				}
				fmt.Println("synced")
				return nil
			})
		}),
	}
}

func epicAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign",
		Short: "Select and claim the next ready issue",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.AssignNext(ctx, viper.GetString("epic"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("assigned %s (%s) to %s, score %.1f (confidence %.2f)\n",
					res.Issue.ID, res.Issue.Title, res.Agent.ID, res.Score.Total, res.Score.Confidence)
				return nil
			})
		}),
	}
}

// --- teammate context ---

func teammateCmd() *cobra.Command {
	tm := &cobra.Command{Use: "teammate", Short: "Manage durable teammate context"}
	tm.AddCommand(teammateSaveCmd())
	tm.AddCommand(teammateRestoreCmd())
	tm.AddCommand(teammateClearCmd())
	tm.AddCommand(teammateStatusCmd())
	return tm
}

func teammateSaveCmd() *cobra.Command {
	var ttlSeconds int
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Snapshot coordinator state to the context store",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				snap, err := e.SaveContext(ctx, viper.GetString("epic"), time.Duration(ttlSeconds)*time.Second)
				if err != nil {
					return err
				}
				fmt.Printf("saved context for epic %s (%d assignments, %d reviews, %d blocked)\n",
					snap.Epic.ID, len(snap.Assignments), len(snap.Reviews), len(snap.Blocked))
				return nil
			})
		}),
	}
	cmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "TTL in seconds (0 = no expiry)")
	return cmd
}

func teammateRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore coordinator state from the context store",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				snap, err := e.RestoreContext(ctx, viper.GetString("epic"))
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		}),
	}
}

func teammateClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop the epic's stored context",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.ClearContext(ctx, viper.GetString("epic")); err != nil {
					return err
				}
				fmt.Println("cleared")
				return nil
			})
		}),
	}
}

func teammateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List stored context keys for the epic",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.ContextStatus(ctx, viper.GetString("epic"))
				if err != nil {
					return err
				}
				if len(keys) == 0 {
					fmt.Println("no stored context")
					return nil
				}
				return printJSONOrTable(keys)
			})
		}),
	}
}

// --- agents ---

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Manage agents"}
	ag.AddCommand(agentRegisterCmd())
	ag.AddCommand(agentListCmd())
	ag.AddCommand(agentReportCmd())
	ag.AddCommand(agentRebalanceCmd())
	return ag
}

func agentRebalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebalance",
		Short: "Move work off overloaded agents (one issue per agent per pass)",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				moves, err := e.RebalancePass(ctx)
				if err != nil {
					return err
				}
				if len(moves) == 0 {
					fmt.Println("pool is balanced")
					return nil
				}
				return printJSONOrTable(moves)
			})
		}),
	}
}

func agentRegisterCmd() *cobra.Command {
	var id, agentType string
	var capabilities, languages, frameworks, domains []string
	var maxConcurrent int
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent profile",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			if len(capabilities) == 0 {
				return fmt.Errorf("--cap required at least once")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.RegisterAgent(ctx, domain.AgentProfile{
					ID:            id,
					Type:          agentType,
					Capabilities:  capabilities,
					Languages:     languages,
					Frameworks:    frameworks,
					Domains:       domains,
					MaxConcurrent: maxConcurrent,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		}),
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id (generated if empty)")
	cmd.Flags().StringVar(&agentType, "type", "", "agent type (feature|bugfix|refactor|...)")
	cmd.Flags().StringArrayVar(&capabilities, "cap", nil, "capability tag (repeatable)")
	cmd.Flags().StringArrayVar(&languages, "lang", nil, "language tag (repeatable)")
	cmd.Flags().StringArrayVar(&frameworks, "fw", nil, "framework tag (repeatable)")
	cmd.Flags().StringArrayVar(&domains, "domain", nil, "domain tag (repeatable)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 3, "concurrent task cap")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				agents, err := r.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Workload", "Health", "Success", "Done"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Type,
						fmt.Sprintf("%.2f", a.Workload), fmt.Sprintf("%.2f", a.Health),
						fmt.Sprintf("%.2f", a.SuccessRate), a.TasksCompleted})
				}
				tw.Render()
				return nil
			})
		}),
	}
}

func agentReportCmd() *cobra.Command {
	var issueID, note string
	var complete bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report progress or completion on an assigned issue",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			if issueID == "" {
				return fmt.Errorf("--issue required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				agentID := viper.GetString("actor-id")
				if complete {
					issue, err := e.Coordinator.ReportCompletion(ctx, agentID, issueID)
					if err != nil {
						return err
					}
					fmt.Printf("issue %s moved to %s\n", issue.ID, issue.Status)
					return nil
				}
				return e.Coordinator.ReportProgress(ctx, agentID, issueID, note)
			})
		}),
	}
	cmd.Flags().StringVar(&issueID, "issue", "", "issue id")
	cmd.Flags().StringVar(&note, "note", "", "progress note")
	cmd.Flags().BoolVar(&complete, "complete", false, "report completion (hands off to review)")
	_ = cmd.MarkFlagRequired("issue")
	return cmd
}

// --- review ---

func reviewCmd() *cobra.Command {
	rv := &cobra.Command{Use: "review", Short: "Peer review operations"}
	rv.AddCommand(reviewRunCmd())
	rv.AddCommand(reviewConsensusCmd())
	return rv
}

func reviewRunCmd() *cobra.Command {
	var issueID, checksJSON string
	var quality, design, completeness float64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run peer review for an in-review issue",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			if issueID == "" {
				return fmt.Errorf("--issue required")
			}
			var checks []review.CheckResult
			if checksJSON != "" {
				if err := json.Unmarshal([]byte(checksJSON), &checks); err != nil {
					return fmt.Errorf("invalid --checks: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.RunReview(ctx, issueID, checks, review.ManualScores{
					Quality: quality, Design: design, Completeness: completeness,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		}),
	}
	cmd.Flags().StringVar(&issueID, "issue", "", "issue id")
	cmd.Flags().StringVar(&checksJSON, "checks", "", `automated check results JSON, e.g. [{"name":"tests","passed":true,"blocking":true}]`)
	cmd.Flags().Float64Var(&quality, "quality", 0, "code quality sub-score (0-5)")
	cmd.Flags().Float64Var(&design, "design", 0, "design alignment sub-score (0-5)")
	cmd.Flags().Float64Var(&completeness, "completeness", 0, "completeness sub-score (0-5)")
	_ = cmd.MarkFlagRequired("issue")
	return cmd
}

func reviewConsensusCmd() *cobra.Command {
	var proposal, votesJSON string
	var critical bool
	cmd := &cobra.Command{
		Use:   "consensus",
		Short: "Run an epic-level weighted consensus vote",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			var votes []domain.Vote
			if err := json.Unmarshal([]byte(votesJSON), &votes); err != nil {
				return fmt.Errorf("invalid --votes: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ep, err := e.ResolveEpic(ctx, viper.GetString("epic"))
				if err != nil {
					return err
				}
				fraction, accepted, err := e.Consensus(ctx, ep.ID, proposal, votes, critical)
				if err != nil {
					return err
				}
				fmt.Printf("weighted approval %.2f -> accepted=%v\n", fraction, accepted)
				return nil
			})
		}),
	}
	cmd.Flags().StringVar(&proposal, "proposal", "", "proposal description")
	cmd.Flags().StringVar(&votesJSON, "votes", "", `votes JSON, e.g. [{"agent_id":"a1","approve":true,"lead":true}]`)
	cmd.Flags().BoolVar(&critical, "critical", false, "use the critical-decision threshold")
	_ = cmd.MarkFlagRequired("votes")
	return cmd
}

// --- stall ---

func stallCmd() *cobra.Command {
	st := &cobra.Command{Use: "stall", Short: "Stall detection"}
	st.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Run one detection pass over in-flight issues",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				recs, err := e.Detector.Scan(ctx)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("no stalled issues")
					return nil
				}
				return printJSONOrTable(recs)
			})
		}),
	})
	st.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List blocked task records",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				recs, err := r.ListBlockedTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Issue", "Agent", "Reason", "State", "Stalled(s)"})
				for _, b := range recs {
					tw.AppendRow(table.Row{b.IssueID, b.AgentID, b.Reason, b.State, b.StalledSeconds})
				}
				tw.Render()
				return nil
			})
		}),
	})
	return st
}

// --- log ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Cfg.Swarm.EpicID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		}),
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: gated(func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("CTOFLOW_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("CTOFLOW_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:        e,
					BasePath:      basePath,
					Auth:          authCfg,
					WebhookSecret: os.Getenv("CTOFLOW_WEBHOOK_SECRET"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving CTO Flow API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

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
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("epic"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, nil)
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
