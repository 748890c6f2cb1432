package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/midnight/agent/internal/catalog"
)

func init() {
	idsCmd := &cobra.Command{
		Use:   "ids",
		Short: "Inspect the identifier catalog",
	}
	idsCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the current value of every catalog target",
			Args:  cobra.NoArgs,
			RunE:  runIdsShow,
		},
		&cobra.Command{
			Use:   "preview",
			Short: "Generate a rewrite plan without applying it",
			Args:  cobra.NoArgs,
			RunE:  runIdsPreview,
		},
	)
	rootCmd.AddCommand(idsCmd)
}

func runIdsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	readings, err := catalog.Snapshot(a.store, a.catalog)
	if err != nil {
		return fmt.Errorf("failed to read identifiers: %w", err)
	}
	if jsonOut {
		return printJSON(readings)
	}
	for _, r := range readings {
		value := r.Value
		if !r.Present {
			value = "<absent>"
		}
		fmt.Printf("%-16s %-40s %s\n", r.Target.Category, r.Target.Description, value)
	}
	return nil
}

func runIdsPreview(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	plan, err := a.rewriter.Preview()
	if err != nil {
		return fmt.Errorf("failed to plan rewrite: %w", err)
	}
	if jsonOut {
		return printJSON(plan)
	}
	for _, as := range plan.Assignments {
		fmt.Printf("%-16s %-40s %s\n", as.Target.Category, as.Target.Description, as.Value)
	}
	for _, s := range plan.Skipped {
		fmt.Printf("%-16s %-40s skipped: %s\n", s.Target.Category, s.Target.Description, s.Reason)
	}
	return nil
}
