package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/dutyclock/internal/accrual"
)

var (
	totalDay     string
	historyLimit int
)

var totalCmd = &cobra.Command{
	Use:   "total [flags] PRINCIPAL",
	Short: "Show a principal's time for one day",
	Example: `  dutyclock total dr-house
  dutyclock total --day 2024-01-15 dr-house`,
	Args: cobra.ExactArgs(1),
	RunE: runTotal,
}

var historyCmd = &cobra.Command{
	Use:   "history [flags] PRINCIPAL",
	Short: "List a principal's daily totals, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List open sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var dayCmd = &cobra.Command{
	Use:   "day DAY",
	Short: "List every principal's total for one day",
	Args:  cobra.ExactArgs(1),
	RunE:  runDay,
}

func init() {
	totalCmd.Flags().StringVar(&totalDay, "day", "", "Day as YYYY-MM-DD (defaults to today)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Maximum rows (0 uses accrual.history_limit)")

	rootCmd.AddCommand(totalCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(dayCmd)
}

func runTotal(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	now := time.Now()
	day := totalDay
	if day == "" {
		day = string(s.acfg.Calendar.KeyOf(now))
	}

	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Printf("%s on %s\n", args[0], day)

	total, err := s.reader.Total(cmd.Context(), args[0], day, now)
	if err != nil {
		return reportError(err)
	}

	state := color.New(color.FgYellow).Sprint("closed")
	if total.IsOpen {
		state = color.New(color.FgGreen, color.Bold).Sprint("open")
	}

	fmt.Printf("  Stored:  %s\n", formatSeconds(total.StoredSeconds))
	fmt.Printf("  Live:    %s\n", formatSeconds(total.LiveSeconds))
	fmt.Printf("  Total:   %s\n", color.New(color.Bold).Sprint(formatSeconds(total.TotalSeconds)))
	fmt.Printf("  Session: %s\n", state)
	fmt.Printf("  Login:   %s\n", formatTime(total.LastLogin))
	fmt.Printf("  Logout:  %s\n", formatTime(total.LastLogoutAt))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := s.reader.History(cmd.Context(), args[0], historyLimit)
	if err != nil {
		return reportError(err)
	}

	if len(rows) == 0 {
		color.New(color.FgYellow).Printf("No recorded time for %s\n", args[0])
		return nil
	}
	for _, row := range rows {
		fmt.Printf("%s  %12s  (updated %s)\n", row.Day, formatSeconds(row.TotalSeconds), formatTime(&row.LastUpdatedAt))
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	sessions, err := s.reader.OpenSessions(cmd.Context())
	if err != nil {
		return reportError(err)
	}

	if len(sessions) == 0 {
		color.New(color.FgYellow).Println("No open sessions")
		return nil
	}

	now := time.Now()
	for _, sess := range sessions {
		o, _ := sess.OpenState()
		fmt.Printf("%-24s  since %s  (%s unflushed)\n",
			sess.PrincipalID,
			formatTime(&o.StartedAt),
			formatSeconds(int64(now.Sub(o.Checkpoint)/time.Second)))
	}
	return nil
}

func runDay(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := s.reader.Day(cmd.Context(), args[0])
	if err != nil {
		return reportError(err)
	}

	if len(rows) == 0 {
		color.New(color.FgYellow).Printf("No recorded time on %s\n", args[0])
		return nil
	}
	for _, row := range rows {
		fmt.Printf("%-24s  %12s\n", row.PrincipalID, formatSeconds(row.TotalSeconds))
	}
	return nil
}

// reportError prints "unknown" for storage failures so a failed read is
// never mistaken for zero time worked.
func reportError(err error) error {
	if errors.Is(err, accrual.ErrStorageUnavailable) {
		color.New(color.FgRed, color.Bold).Fprintln(os.Stdout, "  Total:   unknown (storage unavailable)")
	}
	return err
}

func formatSeconds(n int64) string {
	return (time.Duration(n) * time.Second).String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
