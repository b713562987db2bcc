package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/copytrader/config"
	"github.com/rustyeddy/copytrader/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "copytrader",
	Short: "Account-isolated multi-broker trade execution and replication",
	Long: `Copytrader runs one execution unit per configured brokerage account,
quarantines failing accounts with a per-account circuit breaker and
replicates confirmed platform fills to subscribed user accounts.

It provides tools for:
  - Running the orchestrator and replication engine
  - Auditing the copy map of every platform fill
  - Inspecting and bumping the request sequence
  - Generating and validating configuration files`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	cfgPath  string
	dbPath   string
	logLevel string
	noColor  bool
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default: built-in paper setup)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite journal database (overrides journal.db_path)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug|info|warn|error (overrides log.level)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored log output")
}

// loadConfig reads --config, or the default paper setup, and applies flag
// overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(cfgPath); err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		cfg.Journal.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if noColor {
		cfg.Log.NoColor = true
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, func(), error) {
	log, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return log, func() { _ = closer.Close() }, nil
}
