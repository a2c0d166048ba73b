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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"impostor/internal/app"
	"impostor/internal/config"
	"impostor/internal/domain"
	"impostor/internal/engine"
	"impostor/internal/oracle"
	"impostor/internal/registry"
	"impostor/internal/repo"
	"impostor/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "impostor",
	Short: "Impostor game orchestrator",
	Long: `impostor runs emergency-meeting games between reasoning agents.
- Game: a roster of 3-8 colored agents, one of them secretly the impostor.
- Step: every living agent thinks, one of them speaks, everyone may vote.
- Votes: a strict majority of living agents eliminates a player; ties never do.
- End: crewmates win when the impostor is out; the impostor wins at parity or when time runs out.
- Journal: games, public actions and events are stored in .impostor/impostor.db; view them with 'impostor log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("IMPOSTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/impostor.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(playCmd())
	rootCmd.AddCommand(gamesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := loadRuntime(ctx, app.Options{Journal: true, Telemetry: true})
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())
			cfg := rt.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{JWTSecret: cfg.Server.JWTSecret(), Logger: rt.Logger.Named("auth")}
			if authCfg.JWTSecret == "" {
				rt.Logger.Warn("bearer auth disabled; set the jwt secret env to enable it", zap.String("env", cfg.Server.JWTSecretEnv))
			}
			handler, err := server.New(server.Config{
				Registry: rt.Registry,
				Repo:     rt.Repo,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   rt.Logger.Named("http"),
			})
			if err != nil {
				return err
			}
			go rt.Registry.Run(ctx)
			if d := server.NewWebhookDispatcher(*rt.Repo, cfg.Webhooks, server.WithWebhookLogger(rt.Logger.Named("webhooks"))); d != nil {
				go d.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			rt.Logger.Info("serving impostor api",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("oracle", cfg.Oracle.Provider),
				zap.Bool("auth", authCfg.JWTSecret != ""))
			fmt.Printf("Serving Impostor API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func playCmd() *cobra.Command {
	var roster, maxSteps int
	var seed uint64
	var noJournal, quiet bool
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play one game locally until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := loadRuntime(ctx, app.Options{Journal: !noJournal, Telemetry: true}, func(cfg *config.Config) {
				if seed != 0 {
					cfg.Game.Seed = seed
				}
			})
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			g, err := rt.Registry.CreateGame(ctx, registry.GameOptions{RosterSize: roster, MaxSteps: maxSteps})
			if err != nil {
				return err
			}
			asJSON := viper.GetBool("json")
			if !asJSON {
				printRoster(g)
			}
			var results []engine.StepResult
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				res, err := rt.Registry.AdvanceStep(ctx, g.ID)
				if err != nil {
					return err
				}
				results = append(results, res)
				if !asJSON && !quiet {
					printStep(res)
				}
				if res.Finished {
					break
				}
			}
			final, err := rt.Registry.GetState(g.ID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(map[string]any{"game": final, "steps": results})
			}
			printOutcome(final, results[len(results)-1])
			if c, ok := rt.Oracle.(*oracle.Chat); ok {
				printOracleStats(c)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&roster, "roster", 0, "number of agents (default from config)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step limit (default from config)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "seed for roles and speakers (default from config)")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "do not record the game in the workspace database")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the outcome")
	return cmd
}

func gamesCmd() *cobra.Command {
	games := &cobra.Command{
		Use:   "games",
		Short: "Inspect journaled games",
	}
	games.AddCommand(gamesListCmd())
	games.AddCommand(gamesShowCmd())
	return games
}

func gamesListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled games, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGames(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Step", "Alive", "Winner", "Created"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.ID, g.Status, fmt.Sprintf("%d/%d", g.Step, g.MaxSteps), fmt.Sprintf("%d/%d", g.AliveCount, g.RosterSize), g.Winner, g.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of games")
	return cmd
}

func gamesShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <game-id>",
		Short: "Show a journaled game with its public record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				g, err := r.GetGame(ctx, args[0])
				if err != nil {
					return err
				}
				actions, err := r.ListActions(ctx, g.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"game": g, "public_history": actions})
				}
				fmt.Printf("Game %s: %s, step %d/%d, winner %q\n", g.ID, g.Status, g.Step, g.MaxSteps, g.Winner)
				fmt.Printf("Meeting: %s\n", g.Meeting.Reason)
				agents := table.NewWriter()
				agents.SetOutputMirror(os.Stdout)
				agents.AppendHeader(table.Row{"Agent", "Color", "Role", "Alive"})
				for _, a := range g.Agents {
					agents.AppendRow(table.Row{a.Name, a.Color, a.Role, a.Alive})
				}
				agents.Render()
				history := table.NewWriter()
				history.SetOutputMirror(os.Stdout)
				history.AppendHeader(table.Row{"#", "Step", "Kind", "Agent", "Content"})
				for _, a := range actions {
					history.AppendRow(table.Row{a.Seq, a.Step, a.Kind, a.AgentID, a.Content})
				}
				history.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The journal of everything that happened: games created, steps committed, eliminations and outcomes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, gameID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, repo.EventFilter{GameID: gameID, Type: evtType})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Game", "Step", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.GameID, e.Step, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&gameID, "game", "", "game id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage impostor.yml",
		Long:  "Config sets the roster size, step limit, vote and speaker policies, the oracle providers, server and journal options.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default impostor.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
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

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := cfg.Server.JWTSecret()
			if secret == "" {
				return fmt.Errorf("%s is required to sign tokens", cfg.Server.JWTSecretEnv)
			}
			token, err := server.SignToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "spectator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
		Long:  "API keys are an alternative to bearer tokens. Only their hash is stored; the key itself is printed once on creation.",
	}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyRevokeCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var subject, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext, key, err := r.CreateAPIKey(ctx, subject, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": plaintext, "api_key": key})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.Subject, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "spectator", "key subject")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, subject)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Subject, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

func loadRuntime(ctx context.Context, opts app.Options, overrides ...func(*config.Config)) (*app.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for _, fn := range overrides {
		fn(cfg)
	}
	opts.Workspace = viper.GetString("workspace")
	return app.Bootstrap(ctx, cfg, opts)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	rt, err := loadRuntime(ctx, app.Options{Journal: true, Logger: zap.NewNop()})
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	return fn(ctx, *rt.Repo)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRoster(g domain.GameState) {
	fmt.Printf("Game %s (%d steps max)\n", g.ID, g.MaxSteps)
	fmt.Println(engine.Narrative(&g, 1))
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Agent", "Color", "Role"})
	for _, a := range g.Agents {
		tw.AppendRow(table.Row{a.Name, a.Color, a.Role})
	}
	tw.Render()
}

func printStep(res engine.StepResult) {
	fmt.Printf("\n== Step %d/%d ==\n", res.Step, res.MaxSteps)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Agent", "Think", "Speak", "Vote", "Fallback"})
	for _, t := range res.Turns {
		speak := ""
		if t.AgentID == res.Speaker {
			speak = t.Speak
		}
		tw.AppendRow(table.Row{t.AgentID, truncate(t.Think, 60), truncate(speak, 60), t.Vote, t.Fallback})
	}
	tw.Render()
	tally := table.NewWriter()
	tally.SetOutputMirror(os.Stdout)
	tally.AppendHeader(table.Row{"Target", "Votes"})
	for target, n := range res.Tally.Counts {
		tally.AppendRow(table.Row{target, n})
	}
	tally.AppendFooter(table.Row{"threshold", res.Tally.Threshold})
	tally.SortBy([]table.SortBy{{Name: "Votes", Mode: table.DscNumeric}})
	tally.Render()
	fmt.Println(res.Message)
}

func printOutcome(g domain.GameState, last engine.StepResult) {
	fmt.Printf("\nGame over after %d steps: %s wins.\n", g.Step, last.Winner)
	if imp, ok := g.Impostor(); ok {
		fmt.Printf("The impostor was %s.\n", imp.Name)
	}
}

func printOracleStats(c *oracle.Chat) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Provider", "Calls", "Failures", "Rate limited"})
	stats := c.Stats()
	for _, name := range c.Providers() {
		s := stats[name]
		tw.AppendRow(table.Row{name, s.Calls, s.Failures, s.RateLimited})
	}
	tw.Render()
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
