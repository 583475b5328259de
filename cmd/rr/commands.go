package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"runrelay/internal/config"
	"runrelay/internal/correlate"
	"runrelay/internal/db"
	"runrelay/internal/migrate"
	"runrelay/internal/remote"
	"runrelay/internal/repo"
	runrelaysdk "runrelay/sdk/go"
)

func triggerCmd() *cobra.Command {
	var (
		serverURL string
		bearer    string
		inputs    []string
		email     string
		asBase64  bool
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Submit a trigger to a running server",
		Example: `  rr trigger --input run_mode=full --input regions=US --input regions=EU
  rr trigger --input run_mode=quick --email me@example.com --base64`,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			client := runrelaysdk.New(serverURL)
			client.BearerToken = bearer
			res, err := client.Trigger(cmd.Context(), runrelaysdk.TriggerRequest{
				Inputs: parsed,
				Email:  email,
				Base64: asBase64,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Println(res.Message)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Correlation", "Run", "Status", "Created", "URL"})
			if res.Run != nil {
				tw.AppendRow(table.Row{res.CorrelationStatus, res.Run.ID, res.Run.Status, res.Run.CreatedAt.Format(time.RFC3339), res.Run.HTMLURL})
			} else {
				tw.AppendRow(table.Row{res.CorrelationStatus, "-", "-", "-", "-"})
			}
			tw.Render()
			if res.Diagnostic != "" {
				fmt.Println(res.Diagnostic)
			}
			if res.CorrelationStatus != "matched" && !res.DispatchedAt.IsZero() {
				at := res.DispatchedAt.UTC().Format(time.RFC3339Nano)
				fmt.Printf("Dispatched at %s; look again with: rr runs --since %s\n", at, at)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "runrelay server URL")
	cmd.Flags().StringVar(&bearer, "bearer", os.Getenv("RUNRELAY_BEARER"), "bearer token for the server")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "workflow input as key=value; repeat a key for multi-select")
	cmd.Flags().StringVar(&email, "email", "", "subscribe this address to the run")
	cmd.Flags().BoolVar(&asBase64, "base64", false, "send the body base64 encoded")
	return cmd
}

// parseInputs turns key=value pairs into a submission; repeated keys become lists.
func parseInputs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --input %q: want key=value", p)
		}
		switch prev := out[k].(type) {
		case nil:
			out[k] = v
		case string:
			out[k] = []any{prev, v}
		case []any:
			out[k] = append(prev, v)
		}
	}
	return out, nil
}

func runsCmd() *cobra.Command {
	var (
		since string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent dispatch runs of the configured workflow",
		Long:  "Lists runs straight from GitHub. With --since, also reports which run correlation would pick for a dispatch made at that instant.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Overrides{})
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ts, err := remote.TokenSource(cfg.Credential, cfg.Remote.APIURL)
			if err != nil && !errors.Is(err, remote.ErrNoCredential) {
				return err
			}
			client := remote.New(cfg.Remote.APIURL, cfg.Remote.Owner, cfg.Remote.Repo, ts, cfg.Correlation.RequestTimeout.Std())
			q := remote.ListQuery{Workflow: cfg.Remote.Workflow, Event: correlate.DispatchEvent, PerPage: limit}
			if cfg.Correlation.FilterByBranch {
				q.Branch = cfg.Remote.EffectiveRef()
			}
			runs, err := client.ListRuns(cmd.Context(), q)
			if err != nil {
				return err
			}
			var pick *correlate.Outcome
			if since != "" {
				at, err := time.Parse(time.RFC3339Nano, since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				out := correlate.SelectWithin(runs, at, cfg.Correlation.ClockSkew.Std())
				pick = &out
			}
			if viper.GetBool("json") {
				if pick != nil {
					return printJSON(map[string]any{"runs": runs, "correlation_status": pick.Status, "run": pick.Run})
				}
				return printJSON(runs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Created", "Status", "Branch", "URL", ""})
			for _, r := range runs {
				mark := ""
				if pick != nil && pick.Run != nil && pick.Run.ID == r.ID {
					mark = string(pick.Status)
				}
				tw.AppendRow(table.Row{r.ID, r.CreatedAt.Format(time.RFC3339), r.Status, r.Branch, r.HTMLURL, mark})
			}
			tw.Render()
			if pick != nil && pick.Run == nil {
				fmt.Println(pick.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "dispatch instant (RFC 3339) to correlate against")
	cmd.Flags().IntVar(&limit, "limit", 10, "runs to fetch (max 100)")
	return cmd
}

func subscriptionsCmd() *cobra.Command {
	subs := &cobra.Command{Use: "subscriptions", Short: "Inspect contact subscriptions"}
	var (
		limit   int
		pending bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Overrides{})
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return fmt.Errorf("no store configured; set store.path or --store")
			}
			conn, err := db.Open(db.Config{Path: cfg.Store.Path})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			list := r.ListSubscriptions
			if pending {
				list = r.PendingSubscriptions
			}
			items, err := list(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Contact", "Correlation", "Run", "Dispatched", "Delivered"})
			for _, s := range items {
				run := "-"
				if s.RunID != nil {
					run = fmt.Sprint(*s.RunID)
				}
				delivered := "-"
				if s.DeliveredAt != nil {
					delivered = *s.DeliveredAt
				}
				tw.AppendRow(table.Row{s.ID, s.Contact, s.CorrelationStatus, run, s.DispatchedAt, delivered})
			}
			tw.Render()
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	list.Flags().BoolVar(&pending, "pending", false, "only subscriptions not yet delivered")
	subs.AddCommand(list)
	return subs
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage configuration"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Overrides{})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Redacted())
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}

	var owner, repoName, workflow string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			content := config.GenerateDefault(owner, repoName, workflow)
			if _, err := config.FromYAML([]byte(content)); err != nil {
				return err
			}
			if err := db.EnsureDir(path); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&owner, "owner", "", "repository owner")
	initCmd.Flags().StringVar(&repoName, "repo", "", "repository name")
	initCmd.Flags().StringVar(&workflow, "workflow", "", "workflow file name or id")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	_ = initCmd.MarkFlagRequired("owner")
	_ = initCmd.MarkFlagRequired("repo")
	_ = initCmd.MarkFlagRequired("workflow")

	cfgCmd.AddCommand(show, initCmd)
	return cfgCmd
}
