package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"transithub/internal/app"
	"transithub/internal/config"
	"transithub/internal/db"
	"transithub/internal/migrate"
	"transithub/internal/observability"
	"transithub/internal/store/postgres"
)

var rootCmd = &cobra.Command{
	Use:   "hub",
	Short: "Transition hub CLI",
	Long: `hub records handoffs of work between business areas and drives them to completion.
- Transitions: one handoff (origin area -> destination area) that is pending, completed or error.
- Execution: a worker leases a pending transition, calls the destination area and records the artifact it produced.
- Events: notable occurrences that wait to be resolved.
- Summary: pending work per source plus the recent activity feed.
Configuration lives in hub.yml inside the workspace; flags and HUB_* environment variables override it.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding hub.yml and the sqlite database")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on mutations")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().String("store-driver", "", "store driver: sqlite, postgres or memory (overrides config)")
	rootCmd.PersistentFlags().String("dsn", "", "store DSN (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("store-driver", rootCmd.PersistentFlags().Lookup("store-driver"))
	_ = viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(hubCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads hub.yml from the workspace and applies flag and
// environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	cfg.Store.Workspace = workspace
	if v := viper.GetString("store-driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v := viper.GetString("dsn"); v != "" {
		cfg.Store.DSN = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("redis-url"); v != "" {
		cfg.Hub.RedisURL = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLogger(cfg.Log.Level)
}

// withApp opens the configured hub for a one-shot command. Metrics are not
// exported.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Store.Driver == config.DriverSQLite {
		if _, err := db.EnsureWorkspace(cfg.Store.Workspace); err != nil {
			return err
		}
	}
	a, err := app.Open(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// openServing is withApp for long-running commands that export metrics.
func openServing(ctx context.Context) (*app.App, *prometheus.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Driver == config.DriverSQLite {
		if _, err := db.EnsureWorkspace(cfg.Store.Workspace); err != nil {
			return nil, nil, err
		}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a, err := app.Open(ctx, cfg, logger, reg)
	if err != nil {
		return nil, nil, err
	}
	return a, reg, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			switch cfg.Store.Driver {
			case config.DriverMemory:
				fmt.Println("memory store has no schema")
				return nil
			case config.DriverPostgres:
				st, err := postgres.Open(ctx, cfg.Store.DSN)
				if err != nil {
					return err
				}
				defer st.Close()
				fmt.Println("postgres schema OK")
				return nil
			}
			if _, err := db.EnsureWorkspace(cfg.Store.Workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: cfg.Store.Workspace, DSN: cfg.Store.DSN})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(ctx, conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"driver": cfg.Store.Driver, "version": version})
			}
			fmt.Printf("sqlite schema at version %d (%s)\n", version, db.Path(cfg.Store.Workspace))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect hub.yml",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate hub.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default hub.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing hub.yml")
	return cmd
}

// --- helpers ---

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func parsePayload(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return doc, nil
}
