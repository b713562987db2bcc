package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/copytrader/journal"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the replication audit trail",
	Long: `Render master fills and their copy execution maps from the SQLite journal.

Subcommands:
  trade  - Show the copy map of one master fill
  fills  - List recent master fills

Examples:
  copytrader audit trade 01HZX3J5T0ABCDEF
  copytrader audit trade 01HZX3J5T0ABCDEF --format csv
  copytrader audit fills --limit 20`,
}

var auditTradeCmd = &cobra.Command{
	Use:   "trade <trade-id>",
	Short: "Show the copy map of one master fill",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTrade,
}

var auditFillsCmd = &cobra.Command{
	Use:   "fills",
	Short: "List recent master fills",
	Args:  cobra.NoArgs,
	RunE:  runAuditFills,
}

var (
	auditFormat string
	auditLimit  int
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditTradeCmd)
	auditCmd.AddCommand(auditFillsCmd)

	auditCmd.PersistentFlags().StringVarP(&auditFormat, "format", "f", "org", "output format: org|csv")
	auditFillsCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "number of fills, newest first (0 = all)")
}

func openJournal() (*journal.SQLite, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	j, err := journal.NewSQLite(cfg.Journal.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}

func checkFormat() error {
	switch auditFormat {
	case "org", "csv":
		return nil
	}
	return fmt.Errorf("unknown format %q (want org|csv)", auditFormat)
}

func runAuditTrade(cmd *cobra.Command, args []string) error {
	if err := checkFormat(); err != nil {
		return err
	}
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	tradeID := args[0]
	fill, err := j.GetFill(tradeID)
	if err != nil {
		return fmt.Errorf("get fill: %w", err)
	}
	sum, err := journal.SummaryFor(j, tradeID)
	if err != nil {
		return fmt.Errorf("copy map: %w", err)
	}

	if auditFormat == "csv" {
		return journal.WriteCopiesCSV(cmd.OutOrStdout(), sum.Records)
	}
	fmt.Fprintln(cmd.OutOrStdout(), journal.FormatCopyMapOrg(fill, sum))
	return nil
}

func runAuditFills(cmd *cobra.Command, args []string) error {
	if err := checkFormat(); err != nil {
		return err
	}
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	limit := auditLimit
	if limit <= 0 {
		limit = -1
	}
	fills, err := j.ListFills(limit)
	if err != nil {
		return fmt.Errorf("query fills: %w", err)
	}

	if auditFormat == "csv" {
		return journal.WriteFillsCSV(cmd.OutOrStdout(), fills)
	}
	fmt.Fprintln(cmd.OutOrStdout(), journal.FormatFillsOrg(fills))
	return nil
}
