package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/copytrader/sequence"
)

var sequenceCmd = &cobra.Command{
	Use:   "sequence",
	Short: "Inspect or advance the persisted request sequence",
	Long: `The request sequence supplies strictly increasing identifiers to brokerage
APIs. It is stored in the journal database and survives restarts.

Subcommands:
  show  - Print the last issued value
  next  - Issue and print one value
  bump  - Jump the sequence forward after a stale-identifier rejection`,
}

var sequenceShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the last issued value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSequence(func(g *sequence.Generator) error {
			last := g.Last()
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", last, time.UnixMicro(last).UTC().Format(time.RFC3339Nano))
			return nil
		})
	},
}

var sequenceNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Issue and print one value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSequence(func(g *sequence.Generator) error {
			fmt.Fprintln(cmd.OutOrStdout(), g.Next())
			return nil
		})
	},
}

var sequenceBumpCmd = &cobra.Command{
	Use:   "bump",
	Short: "Jump the sequence forward",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bumpBy <= 0 {
			return fmt.Errorf("--by must be positive")
		}
		return withSequence(func(g *sequence.Generator) error {
			before := g.Last()
			after := g.Bump(bumpBy)
			fmt.Fprintf(cmd.OutOrStdout(), "%d -> %d\n", before, after)
			return nil
		})
	},
}

var bumpBy time.Duration

func init() {
	rootCmd.AddCommand(sequenceCmd)
	sequenceCmd.AddCommand(sequenceShowCmd, sequenceNextCmd, sequenceBumpCmd)

	sequenceBumpCmd.Flags().DurationVar(&bumpBy, "by", sequence.RecoveryJump, "forward jump")
}

func withSequence(fn func(g *sequence.Generator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, g, err := openStores(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer j.Close()
	return fn(g)
}
