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

	"storyline/internal/agent"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/migrate"
	"storyline/internal/orchestrator"
	"storyline/internal/planner"
	"storyline/internal/repo"
	"storyline/internal/server"
	"storyline/internal/statemachine"
	"storyline/internal/worktree"
)

// CLI exit codes.
const (
	exitOK                = 0
	exitGeneric           = 1
	exitNotFound          = 2
	exitInvalidTransition = 3
	exitToolFailure       = 4
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Storyline CLI",
	Long: `Storyline turns work items (user stories and bugs) into developer stories
and drives a coding agent through them, one story at a time, each in its own
git worktree. 'sl refine' breaks an item into stories with dependencies,
'sl run' executes whatever is ready.`,
	SilenceUsage:  true,
	SilenceErrors: true,
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if errors.Is(err, repo.ErrNotFound) {
		return exitNotFound
	}
	var ite statemachine.InvalidTransitionError
	if errors.As(err, &ite) || errors.Is(err, orchestrator.ErrRequirementsIncomplete) {
		return exitInvalidTransition
	}
	var ee *agent.ExecError
	var oe *worktree.OperationError
	if errors.As(err, &ee) || errors.As(err, &oe) {
		return exitToolFailure
	}
	return exitGeneric
}

func initConfig() {
	viper.SetEnvPrefix("STORYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(refineCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(implementCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(serveCmd())
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemRetryCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var itemType, title, desc, acceptance string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				wi, err := e.CreateWorkItem(ctx, engine.NewWorkItem{
					Type:               domain.WorkItemType(itemType),
					Title:              title,
					Description:        desc,
					AcceptanceCriteria: optionalString(acceptance),
					Priority:           priority,
				})
				if err != nil {
					return err
				}
				return printJSON(wi)
			})
		},
	}
	cmd.Flags().StringVar(&itemType, "type", "user_story", "user_story or bug")
	cmd.Flags().StringVar(&title, "title", "", "work item title")
	cmd.Flags().StringVar(&desc, "description", "", "work item description")
	cmd.Flags().StringVar(&acceptance, "acceptance", "", "acceptance criteria")
	cmd.Flags().IntVar(&priority, "priority", 5, "priority 1 (highest) to 9")
	return cmd
}

func itemListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListWorkItems(ctx, domain.WorkItemStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Priority", "Status"})
				for _, wi := range items {
					tw.AppendRow(table.Row{wi.ID, wi.Type, wi.Title, wi.Priority, wi.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item and its stories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				wi, err := e.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				stories, err := e.ListStories(ctx, repo.StoryFilter{WorkItemID: wi.ID})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"work_item": wi, "stories": stories})
			})
		},
	}
	return cmd
}

func itemRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Reset a failed work item to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				wi, err := e.RetryWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(wi)
			})
		},
	}
	return cmd
}

func refineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refine <work-item-id>",
		Short: "Break a work item into developer stories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				src, err := planner.NewClient("", e.Config.Planner.Model, e.Config.Planner.MaxTokens)
				if err != nil {
					return err
				}
				stories, err := e.Refine(ctx, args[0], src)
				if err != nil {
					return err
				}
				return printJSON(stories)
			})
		},
	}
	return cmd
}

func storyCmd() *cobra.Command {
	story := &cobra.Command{Use: "story", Short: "Manage developer stories"}
	story.AddCommand(storyListCmd())
	story.AddCommand(storyShowCmd())
	story.AddCommand(storyRetryCmd())
	story.AddCommand(storyBlockedCmd())
	return story
}

func storyListCmd() *cobra.Command {
	var status, itemID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stories, err := e.ListStories(ctx, repo.StoryFilter{
					WorkItemID: itemID,
					Status:     domain.StoryStatus(status),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stories)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Priority", "Status", "Branch"})
				for _, s := range stories {
					branch := ""
					if s.GitBranch != nil {
						branch = *s.GitBranch
					}
					tw.AppendRow(table.Row{s.ID, s.Type, s.Title, s.Priority, s.Status, branch})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&itemID, "item", "", "work item id filter")
	return cmd
}

func storyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.GetStory(ctx, args[0])
				if err != nil {
					return err
				}
				reqs, err := e.Repo.ListRequirements(ctx, e.DB, s.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"story": s, "requires": reqs})
			})
		},
	}
	return cmd
}

func storyRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Reset a failed story to ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.RetryStory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	return cmd
}

func storyBlockedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocked",
		Short: "Show blocked stories and what holds them back",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				blocked, err := e.BlockedStories(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(blocked)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Waiting On"})
				for _, b := range blocked {
					tw.AppendRow(table.Row{b.Story.ID, b.Story.Title, strings.Join(b.IncompleteRequirement, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func nextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the story the scheduler would run next",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, ok, err := e.NextExecutable(ctx)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("nothing eligible")
					return nil
				}
				return printJSON(s)
			})
		},
	}
	return cmd
}

func implementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "implement <story-id>",
		Short: "Execute one story with the coding agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				s, err := o.Implement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute ready stories until done or the first failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				done, err := o.Run(ctx)
				for _, id := range done {
					fmt.Println("completed", id)
				}
				return err
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logs := &cobra.Command{Use: "log", Short: "Execution logs"}
	logs.AddCommand(logTailCmd())
	return logs
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail <story-id>",
		Short: "Tail a story's execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.TailLogs(ctx, args[0], n)
				if err != nil {
					return err
				}
				return printJSON(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Coding agent"}
	ag.AddCommand(agentCheckCmd())
	return ag
}

func agentCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the coding agent binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			client := agentClient(cfg)
			version, err := client.Probe(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(cfg.Agent.Bin, version)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				authCfg := server.AuthConfig{JWTSecret: e.Config.Server.JWTSecret}
				if secret := os.Getenv("STORYLINE_JWT_SECRET"); secret != "" {
					authCfg.JWTSecret = secret
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Storyline API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, repo.New(conn), cfg)
	return fn(ctx, e)
}

func withOrchestrator(ctx context.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
		cfg := e.Config
		trees := worktree.NewManager(cfg.Repository, cfg.Worktrees, nil)
		o := orchestrator.New(e, trees, agentClient(cfg), cfg.MainBranch)
		return fn(ctx, o)
	})
}

func agentClient(cfg config.Config) *agent.Client {
	return &agent.Client{
		Bin:             cfg.Agent.Bin,
		Timeout:         time.Duration(cfg.Agent.TimeoutMinutes) * time.Minute,
		SkipPermissions: cfg.Agent.SkipPermissions,
		Run:             worktree.ExecRunner{},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
