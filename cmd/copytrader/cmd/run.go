package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/copytrader/internal/ops"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator and replication engine",
	Long: `Start one execution unit per enabled account and replicate confirmed
platform fills to subscribed users until interrupted.

Example:
  copytrader run --config copytrader.yaml`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	refs := cfg.Refs()
	if len(refs) == 0 {
		return fmt.Errorf("no enabled accounts")
	}
	logger.Info("starting copytrader",
		slog.Int("accounts", len(refs)),
		slog.Int("subscriptions", len(cfg.Subscriptions())),
		slog.String("journal", cfg.Journal.DBPath),
		slog.Int64("sequence", a.seq.Last()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.orch.Run(gctx, refs)
	})
	if cfg.Ops.Addr != "" {
		g.Go(func() error {
			return ops.Serve(gctx, cfg.Ops.Addr, a.opsHandler().Router(), logger)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rep := a.monitor.Report()
	logger.Info("copytrader stopped",
		slog.Int("accounts", rep.TotalAccounts),
		slog.Int("failures", rep.TotalFailures),
		slog.Int64("cross_account_errors", rep.CrossAccountErrorCount))
	return nil
}
