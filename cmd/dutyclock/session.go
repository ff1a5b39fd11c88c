package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/dutyclock/internal/accrual"
)

var (
	sessionAt       string
	tickMinInterval time.Duration
)

var openCmd = &cobra.Command{
	Use:   "open [flags] PRINCIPAL",
	Short: "Open a session for a principal",
	Long:  `Record a login for PRINCIPAL. Re-opening an open session restarts its checkpoint.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runOpen,
}

var tickCmd = &cobra.Command{
	Use:   "tick [flags] PRINCIPAL",
	Short: "Flush elapsed session time for a principal",
	Example: `  dutyclock tick dr-house
  dutyclock tick --min-interval 0s --at 2024-01-15T09:01:00Z dr-house`,
	Args: cobra.ExactArgs(1),
	RunE: runTick,
}

var closeCmd = &cobra.Command{
	Use:   "close [flags] PRINCIPAL",
	Short: "Close a principal's session",
	Long:  `Record a logout for PRINCIPAL, flushing all unflushed time. Use this to force-close an abandoned session.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runClose,
}

func init() {
	for _, c := range []*cobra.Command{openCmd, tickCmd, closeCmd} {
		c.Flags().StringVar(&sessionAt, "at", "", "Event time in RFC 3339 (defaults to now)")
		rootCmd.AddCommand(c)
	}
	tickCmd.Flags().DurationVar(&tickMinInterval, "min-interval", 0, "Throttle window (0 uses accrual.min_tick_interval)")
}

func runOpen(cmd *cobra.Command, args []string) error {
	now, err := parseAt(sessionAt)
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	state, err := s.engine.Open(cmd.Context(), args[0], now)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	printSession(state)
	return nil
}

func runTick(cmd *cobra.Command, args []string) error {
	now, err := parseAt(sessionAt)
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	res := s.engine.Tick(cmd.Context(), args[0], now, tickMinInterval)

	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	switch res.Outcome {
	case accrual.TickFlushed:
		_, _ = green.Printf("Flushed %s for %s\n", formatSeconds(res.Seconds), args[0])
	case accrual.TickThrottled:
		_, _ = yellow.Println("Throttled: not enough time since the last checkpoint")
	case accrual.TickIgnored:
		_, _ = yellow.Printf("Ignored: %s has no open session\n", args[0])
	case accrual.TickFailed:
		_, _ = red.Fprintf(os.Stderr, "Tick failed: %v\n", res.Err)
		return res.Err
	}
	return nil
}

func runClose(cmd *cobra.Command, args []string) error {
	now, err := parseAt(sessionAt)
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	state, err := s.engine.Close(cmd.Context(), args[0], now)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	printSession(state)
	return nil
}

func printSession(s accrual.Session) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	_, _ = cyan.Printf("Principal: %s\n", s.PrincipalID)
	if o, ok := s.OpenState(); ok {
		_, _ = green.Println("State:     OPEN")
		fmt.Printf("Session:   %s\n", o.SessionID)
		fmt.Printf("Started:   %s\n", formatTime(&o.StartedAt))
		fmt.Printf("Flushed:   %s\n", formatTime(&o.Checkpoint))
	} else {
		_, _ = yellow.Println("State:     CLOSED")
	}
	fmt.Printf("Today:     %s (%s)\n", formatSeconds(s.TodaySeconds), s.TodayKey)
	fmt.Printf("Login:     %s\n", formatTime(s.LastLogin))
	fmt.Printf("Logout:    %s\n", formatTime(s.LastLogoutAt))
}
