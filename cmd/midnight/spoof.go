package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/midnight/agent/internal/orchestrator"
)

var (
	spoofModules   []string
	spoofInterface string
	spoofVendor    string
	spoofMAC       string
	spoofNoCleanup bool
)

func init() {
	cmd := newSpoofCmd()
	cmd.Flags().StringSliceVarP(&spoofModules, "modules", "m", []string{"mac", "identifiers"},
		"Modules to run besides cleanup (mac, identifiers)")
	cmd.Flags().StringVarP(&spoofInterface, "interface", "i", "", "Network adapter for the MAC step")
	cmd.Flags().StringVar(&spoofVendor, "vendor", "", "Vendor whose OUI prefixes the new MAC")
	cmd.Flags().StringVar(&spoofMAC, "mac", "", "Explicit MAC address to assign")
	cmd.Flags().BoolVar(&spoofNoCleanup, "no-cleanup", false, "Skip process and cache cleanup")
	rootCmd.AddCommand(cmd)
}

func newSpoofCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "spoof",
		Short: "Run a full spoofing session",
		Long: `The spoof command runs cleanup, the MAC spoof and the identifier rewrite in
that order. A step failure does not stop later steps; the session succeeds when
at least the configured share of enabled steps succeeded.

Example:
  midnight spoof --interface Ethernet --vendor Intel
  midnight spoof --modules identifiers --no-cleanup
  midnight spoof -i "Wi-Fi" --mac 02:11:22:33:44:55 --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest()
			if err != nil {
				return err
			}
			return runSpoof(cmdContext(cmd), req)
		},
	}
}

func buildRequest() (orchestrator.Request, error) {
	req := orchestrator.Request{
		Modules:   map[orchestrator.Module]bool{orchestrator.ModuleCleanup: !spoofNoCleanup},
		Interface: spoofInterface,
		Vendor:    spoofVendor,
		MAC:       spoofMAC,
	}
	for _, name := range spoofModules {
		m, err := orchestrator.ParseModule(name)
		if err != nil {
			return req, fmt.Errorf("unknown module %q", name)
		}
		if m == orchestrator.ModuleCleanup && spoofNoCleanup {
			continue
		}
		req.Modules[m] = true
	}
	return req, nil
}

func runSpoof(ctx context.Context, req orchestrator.Request) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	done, err := a.orch.Start(ctx, req, orchestrator.Callbacks{
		OnStart:   func() { printInfo("Session started\n") },
		OnSuccess: func() { printInfo("Session succeeded\n") },
		OnFailure: func(reason string) { printInfo("Session failed: %s\n", reason) },
		OnFinish:  func() { printInfo("Session finished\n") },
	})
	if err != nil {
		return err
	}

	var rep *orchestrator.Report
	for rep == nil {
		select {
		case rep = <-done:
		case <-sigs:
			printInfo("Interrupt received; the session runs to completion so no adapter is left disabled\n")
		}
	}

	if jsonOut {
		if err := printJSON(rep); err != nil {
			return err
		}
	} else {
		printInfo("%s\n", rep.Summary())
	}
	if !rep.Success {
		return fmt.Errorf("session %s failed", rep.ID)
	}
	return nil
}
