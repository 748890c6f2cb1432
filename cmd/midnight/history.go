package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/midnight/agent/internal/orchestrator"
)

var historyLimit int

func init() {
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Show past spoofing sessions",
		Long: `Without arguments history lists recent sessions. With a session ID it prints
that session's full report.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistory,
	}
	cmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Number of sessions to list (0 for all)")
	rootCmd.AddCommand(cmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmdContext(cmd)

	if len(args) == 1 {
		sess, err := a.journal.Session(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", args[0], err)
		}
		if jsonOut {
			return printJSON(sess)
		}
		var rep orchestrator.Report
		if err := json.Unmarshal(sess.Report, &rep); err != nil {
			return fmt.Errorf("failed to decode session %s: %w", args[0], err)
		}
		fmt.Println(rep.Summary())
		return nil
	}

	sessions, err := a.journal.Sessions(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if jsonOut {
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		printInfo("No sessions recorded\n")
		return nil
	}
	for _, s := range sessions {
		status := "FAILED"
		if s.Success {
			status = "OK"
		}
		mode := ""
		if s.DryRun {
			mode = " (dry-run)"
		}
		fmt.Printf("%s  %s  %-6s %3.0f%%  %s%s\n", s.ID, s.StartedAt.Local().Format(time.DateTime), status,
			s.SuccessRatio*100, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond), mode)
	}
	return nil
}
