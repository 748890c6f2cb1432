package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/midnight/agent/internal/paths"
)

var (
	// Global flags
	configPath string
	dryRun     bool
	verbose    bool
	quiet      bool
	jsonOut    bool
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "midnight",
	Short: "Rotate machine identifiers and network adapter addresses",
	Long: `midnight rewrites the persistent identifiers third parties use to
fingerprint a Windows machine (install GUIDs, product ID, launcher GUIDs and a
network adapter MAC address) and clears related caches.

Every registry change is preceded by a signed backup that can be restored with
"midnight backups restore". Use --dry-run to log intended changes without
applying them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", paths.ConfigPath(), "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Log intended changes without applying them")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
