package netadapter

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/midnight/agent/internal/executor"
	"github.com/midnight/agent/internal/fault"
)

// SystemController drives adapters through netsh and PowerShell, and reads
// addresses through gopsutil with getmac as a second source.
type SystemController struct {
	run      executor.Runner
	log      *zap.Logger
	listNICs func(ctx context.Context) (net.InterfaceStatList, error)
}

// NewSystemController returns the production controller.
func NewSystemController(run executor.Runner, logger *zap.Logger) *SystemController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemController{
		run:      run,
		log:      logger.Named("nic"),
		listNICs: net.InterfacesWithContext,
	}
}

func (c *SystemController) setAdmin(ctx context.Context, name, state string) error {
	_, err := c.run.Run(ctx, "netsh", "interface", "set", "interface", "name="+name, "admin="+state)
	if err != nil {
		return fmt.Errorf("netsh %s %q: %w", state, name, err)
	}
	return nil
}

func (c *SystemController) Disable(ctx context.Context, name string) error {
	return c.setAdmin(ctx, name, "disable")
}

func (c *SystemController) Enable(ctx context.Context, name string) error {
	return c.setAdmin(ctx, name, "enable")
}

func (c *SystemController) InterfaceGUID(ctx context.Context, name string) (string, error) {
	script := fmt.Sprintf("Get-NetAdapter -Name %s | Select-Object -ExpandProperty InterfaceGuid", executor.QuotePS(name))
	res, err := executor.PowerShell(ctx, c.run, script)
	if err != nil {
		return "", err
	}
	guid := strings.TrimSpace(res.Stdout)
	if guid == "" {
		return "", fault.New(fault.KindNotFound, "interface guid", name, nil)
	}
	return guid, nil
}

func (c *SystemController) SetMACFallback(ctx context.Context, name string, mac MAC) error {
	script := fmt.Sprintf("Get-NetAdapter -Name %s | Set-NetAdapter -MacAddress %s -Confirm:$false",
		executor.QuotePS(name), executor.QuotePS(mac.Registry()))
	_, err := executor.PowerShell(ctx, c.run, script)
	return err
}

func (c *SystemController) ResetMACFallback(ctx context.Context, name string) error {
	script := fmt.Sprintf("Reset-NetAdapterAdvancedProperty -Name %s -RegistryKeyword NetworkAddress -NoRestart",
		executor.QuotePS(name))
	_, err := executor.PowerShell(ctx, c.run, script)
	return err
}

// CurrentMAC prefers gopsutil and falls back to getmac, which also lists
// adapters gopsutil reports without an address.
func (c *SystemController) CurrentMAC(ctx context.Context, name string) (MAC, error) {
	nics, err := c.listNICs(ctx)
	if err != nil {
		c.log.Debug("Interface enumeration failed", zap.Error(err))
	}
	for _, nic := range nics {
		if strings.EqualFold(nic.Name, name) && nic.HardwareAddr != "" {
			if m, err := ParseMAC(nic.HardwareAddr); err == nil {
				return m, nil
			}
		}
	}

	rows, err := c.getmac(ctx)
	if err != nil {
		c.log.Debug("getmac failed", zap.Error(err))
	}
	for _, row := range rows {
		if strings.EqualFold(row.Name, name) {
			if m, err := ParseMAC(row.MAC); err == nil {
				return m, nil
			}
		}
	}
	return MAC{}, fault.New(fault.KindNotFound, "current mac", name, nil)
}

// Interfaces lists adapters that have a hardware address. Descriptions come
// from getmac when it is available.
func (c *SystemController) Interfaces(ctx context.Context) ([]Interface, error) {
	nics, err := c.listNICs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}
	rows, _ := c.getmac(ctx)
	desc := make(map[string]string, len(rows))
	for _, row := range rows {
		desc[strings.ToLower(row.Name)] = row.Description
	}

	var out []Interface
	for _, nic := range nics {
		if nic.HardwareAddr == "" {
			continue
		}
		m, err := ParseMAC(nic.HardwareAddr)
		if err != nil {
			continue
		}
		out = append(out, Interface{
			Name:        nic.Name,
			Description: desc[strings.ToLower(nic.Name)],
			MAC:         m.String(),
			Up:          hasFlag(nic.Flags, "up"),
		})
	}
	return out, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func (c *SystemController) getmac(ctx context.Context) ([]Interface, error) {
	res, err := c.run.Run(ctx, "getmac", "/v", "/fo", "csv", "/nh")
	if err != nil {
		return nil, err
	}
	return parseGetmacCSV(res.Stdout)
}

// parseGetmacCSV reads `getmac /v /fo csv` output: connection name, adapter,
// physical address, transport. A header row is tolerated.
func parseGetmacCSV(out string) ([]Interface, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse getmac output: %w", err)
	}
	var rows []Interface
	for _, rec := range records {
		if len(rec) < 3 {
			continue
		}
		m, err := ParseMAC(rec[2])
		if err != nil {
			// header row, or "N/A" for disconnected adapters
			continue
		}
		rows = append(rows, Interface{
			Name:        strings.TrimSpace(rec[0]),
			Description: strings.TrimSpace(rec[1]),
			MAC:         m.String(),
			Up:          len(rec) < 4 || !strings.Contains(strings.ToLower(rec[3]), "disconnected"),
		})
	}
	return rows, nil
}
