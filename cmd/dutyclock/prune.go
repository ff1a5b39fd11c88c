package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/dutyclock/internal/retention"
)

var pruneDays int

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete ledger days older than the retention window",
	Long: `Run one retention pass now, regardless of retention.enabled. Days before
the cutoff are deleted for every principal.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "Days of history to keep (0 uses retention.days)")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	rcfg := s.cfg.Retention
	if pruneDays > 0 {
		rcfg.Days = pruneDays
	}

	scheduler, err := retention.NewScheduler(s.store.Accrual(), s.acfg.Calendar, rcfg, s.acfg.Clock, quietLogger())
	if err != nil {
		return err
	}

	cutoff := scheduler.Cutoff(s.acfg.Clock.Now())
	deleted, err := scheduler.RunOnce(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to prune ledger: %w", err)
	}

	color.New(color.FgGreen, color.Bold).Printf("Deleted %d ledger entries before %s\n", deleted, cutoff)
	return nil
}
