package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/midnight/agent/internal/netadapter"
)

func init() {
	macCmd := &cobra.Command{
		Use:   "mac",
		Short: "Inspect and reset network adapter addresses",
	}
	macCmd.AddCommand(newMacShowCmd(), newMacListCmd(), newMacResetCmd(), newMacVendorsCmd())
	rootCmd.AddCommand(macCmd)
}

func newMacShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <interface>",
		Short: "Print the current MAC address of an adapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			mac, err := a.spoofer.CurrentMAC(cmdContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("failed to read address of %s: %w", args[0], err)
			}
			if jsonOut {
				return printJSON(map[string]string{"interface": args[0], "mac": mac.String()})
			}
			vendor := "unknown vendor"
			if v, ok := vendorByOUI(mac.OUI()); ok {
				vendor = v
			}
			if mac.LocallyAdministered() {
				vendor = "locally administered"
			}
			fmt.Printf("%s  %s  (%s)\n", args[0], mac, vendor)
			return nil
		},
	}
}

func vendorByOUI(oui netadapter.OUI) (string, bool) {
	for _, v := range netadapter.Vendors {
		if v.OUI == oui {
			return v.Name, true
		}
	}
	return "", false
}

func newMacListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List network adapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			ifaces, err := a.spoofer.Interfaces(cmdContext(cmd))
			if err != nil {
				return fmt.Errorf("failed to list adapters: %w", err)
			}
			if jsonOut {
				return printJSON(ifaces)
			}
			for _, i := range ifaces {
				state := "down"
				if i.Up {
					state = "up"
				}
				fmt.Printf("%-24s %-17s %-4s %s\n", i.Name, i.MAC, state, i.Description)
			}
			return nil
		},
	}
}

func newMacResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <interface>",
		Short: "Restore the adapter's factory MAC address",
		Long: `The reset command removes the registry address override, asks the OS to
reset the adapter address as well and re-enables the adapter.

Example:
  midnight mac reset Ethernet`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmdContext(cmd)
			if err := a.spoofer.Reset(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to reset %s: %w", args[0], err)
			}
			if mac, err := a.spoofer.CurrentMAC(ctx, args[0]); err == nil {
				printInfo("%s reset, current address %s\n", args[0], mac)
			}
			return nil
		},
	}
}

func newMacVendorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vendors",
		Short: "List vendors accepted by --vendor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOut {
				return printJSON(netadapter.Vendors)
			}
			for _, v := range netadapter.Vendors {
				fmt.Printf("%-10s %s\n", v.Name, strings.ToUpper(v.OUI.String()))
			}
			return nil
		},
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
