package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"runrelay/internal/app"
	"runrelay/internal/config"
	"runrelay/internal/metrics"
	"runrelay/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rr",
	Short: "Runrelay CLI",
	Long: `Runrelay triggers a GitHub Actions workflow on behalf of a web form and reports
which run the trigger created.

- Trigger: the submission is validated and forwarded as workflow_dispatch inputs.
- Correlation: the dispatch returns no run id, so the run listing is polled for a run
  created at or after the dispatch. matched means exactly one such run, ambiguous
  means several (the newest is returned), not_yet_visible means none appeared in time.
- Subscriptions: an email in the submission is stored against the run and handed to
  the notification webhook.`,
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
	viper.SetEnvPrefix("RUNRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("token", "RUNRELAY_GITHUB_TOKEN", "GITHUB_PAT")
	_ = viper.BindEnv("branch", "RUNRELAY_BRANCH", "BRANCH")
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "runrelay.yaml", "config file")
	flags.Bool("json", false, "output JSON")
	flags.String("token", "", "GitHub token (overrides config)")
	flags.String("branch", "", "ref to dispatch on (overrides config)")
	flags.String("store", "", "subscription database path (overrides config)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	for _, name := range []string{"config", "json", "token", "branch", "store", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(subscriptionsCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Stdout)
			cfg, err := loadConfig(config.Overrides{Addr: addr})
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, app.Options{Logger: logger, Metrics: metrics.NewCollector()})
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := a.Handler()
			if err != nil {
				return err
			}
			logger.Info("serving runrelay api",
				"addr", cfg.Server.Addr,
				"workflow", cfg.Remote.Workflow,
				"ref", cfg.Remote.EffectiveRef(),
				"openapi", "/openapi.json",
				"docs", "/docs")

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return server.Run(ctx, logger, cfg.Server.Addr, handler, a.WriteTimeout())
			})
			if a.Deliverer != nil {
				g.Go(func() error { return a.Deliverer.Run(ctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// --- helpers ---

func loadConfig(extra config.Overrides) (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	cfg.Apply(config.Overrides{
		Token:  viper.GetString("token"),
		Branch: viper.GetString("branch"),
		Store:  viper.GetString("store"),
	})
	cfg.Apply(extra)
	return cfg, nil
}

func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
