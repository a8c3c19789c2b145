package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orderline/internal/app"
	"orderline/internal/config"
	"orderline/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Orderline CLI",
	Long: `Orderline tracks business work items through a configurable status lifecycle.
- Branches: tenants that own work items; actors only see the branches assigned to them.
- Roles: named permission sets (admin, manager, clerk, viewer by default) granted to actors.
- Lifecycle: the status table in lifecycle.yml decides which moves are legal and who may make them.
- History: every committed change records one row per changed field with actor and time.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("ORDERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", "", "workspace directory holding .orderline/ (sqlite)")
	flags.String("db-driver", "", "database driver: sqlite or postgres")
	flags.String("database-url", "", "postgres connection string")
	flags.String("redis-url", "", "redis URL for the shared cache (empty uses memory)")
	flags.String("lifecycle", "", "lifecycle YAML file (empty uses the built-in table)")
	flags.String("log-level", "", "log level")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	for _, name := range []string{"workspace", "db-driver", "database-url", "redis-url", "lifecycle", "log-level", "json", "actor-id"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
}

// loadSettings reads the environment and lets persistent flags override it.
func loadSettings() (config.Settings, error) {
	s, err := config.LoadSettings()
	if err != nil {
		return config.Settings{}, err
	}
	override := func(key string, dst *string) {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = v
		}
	}
	override("workspace", &s.Workspace)
	override("db-driver", &s.DBDriver)
	override("database-url", &s.DatabaseURL)
	override("redis-url", &s.RedisURL)
	override("lifecycle", &s.LifecycleConfig)
	override("log-level", &s.LogLevel)
	return s, s.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, s)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				fmt.Println("migrations applied")
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the lifecycle config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			c, err := config.LoadOptional(s.LifecycleConfig)
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print the default lifecycle YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate a lifecycle file",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			_, err = config.LoadOptional(s.LifecycleConfig)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return 3
	case errors.Is(err, domain.ErrForbidden):
		return 4
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrValidationFailed), errors.Is(err, domain.ErrConflict):
		return 5
	case errors.Is(err, domain.ErrUnavailable):
		return 6
	default:
		return 1
	}
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

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
