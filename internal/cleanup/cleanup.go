// Package cleanup performs the best-effort steps that precede a spoof:
// terminating launcher processes, purging cache and temp directories,
// flushing the DNS resolver cache and optionally resetting the network
// stack. No single failure stops the others.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/midnight/agent/internal/executor"
)

// DefaultProcessTargets are matched as case-insensitive substrings of the
// process image name.
var DefaultProcessTargets = []string{
	"discord", "fivem", "steam", "steamwebhelper",
	"epicgameslauncher", "socialclub", "rockstargames",
}

// DefaultCachePaths are purged by the cleanup step. Variables are expanded
// from the environment; a path naming an unset variable is skipped.
var DefaultCachePaths = []string{
	`%LOCALAPPDATA%\FiveM\FiveM.app\cache`,
	`%LOCALAPPDATA%\FiveM\FiveM.app\logs`,
	`%LOCALAPPDATA%\FiveM\FiveM.app\crashes`,
	`%LOCALAPPDATA%\FiveM\FiveM.app\data\cache`,
	`%LOCALAPPDATA%\FiveM\FiveM.app\browser`,
	`%LOCALAPPDATA%\Discord\Cache`,
	`%LOCALAPPDATA%\Discord\Code Cache`,
	`%LOCALAPPDATA%\Discord\GPUCache`,
	`%APPDATA%\Microsoft\Windows\Recent`,
}

// DefaultTempPaths are the system temp and browser cache directories purged
// when temp cleaning is on.
var DefaultTempPaths = []string{
	`%TEMP%`,
	`%LOCALAPPDATA%\Temp`,
	`%SystemRoot%\Temp`,
	`%LOCALAPPDATA%\Google\Chrome\User Data\Default\Cache`,
	`%LOCALAPPDATA%\Microsoft\Edge\User Data\Default\Cache`,
	`%LOCALAPPDATA%\Mozilla\Firefox\Profiles`,
}

// NetworkResetCommands rebuild the Winsock catalog and TCP/IP stack, drop
// the WinHTTP proxy and purge the NetBIOS name cache. Winsock and IP resets
// take full effect after a reboot.
var NetworkResetCommands = [][]string{
	{"netsh", "winsock", "reset"},
	{"netsh", "int", "ip", "reset"},
	{"netsh", "winhttp", "reset", "proxy"},
	{"nbtstat", "-R"},
	{"nbtstat", "-RR"},
}

// DefaultArtifactPaths hold traces bound to the rewritten launcher
// identifiers. They are removed after a committed identifier rewrite.
var DefaultArtifactPaths = []string{
	`%LOCALAPPDATA%\DigitalEntitlements`,
	`%APPDATA%\CitizenFX`,
}

// DefaultPreserve lists file names that are never deleted.
var DefaultPreserve = []string{
	"fivem.exe", "fiveguard.exe", "fxserver.exe", "citizenfx.exe",
}

// Options configures a Cleaner.
type Options struct {
	ProcessTargets []string
	CachePaths     []string
	TempPaths      []string // purged only when CleanTemp is set
	Preserve       []string
	CleanTemp      bool
	FlushDNS       bool
	ResetNetwork   bool
	DryRun         bool
	Logger         *zap.Logger
}

// Report counts what one run did.
type Report struct {
	ProcessesKilled int
	FilesRemoved    int
	PathsSkipped    int
	DNSFlushed      bool
	NetworkResets   int // reset commands that succeeded
	DryRun          bool
	Duration        time.Duration
	Errors          []error
}

// Err joins every error the run collected.
func (r *Report) Err() error { return errors.Join(r.Errors...) }

// Success reports whether the run achieved anything: it is false only when
// every action that was attempted failed.
func (r *Report) Success() bool {
	if len(r.Errors) == 0 {
		return true
	}
	return r.ProcessesKilled > 0 || r.FilesRemoved > 0 || r.DNSFlushed || r.NetworkResets > 0
}

// Summary is a one-line description for session reports.
func (r *Report) Summary() string {
	s := fmt.Sprintf("%d processes terminated, %d files removed", r.ProcessesKilled, r.FilesRemoved)
	if r.DNSFlushed {
		s += ", DNS cache flushed"
	}
	if r.NetworkResets > 0 {
		s += fmt.Sprintf(", %d network resets", r.NetworkResets)
	}
	if len(r.Errors) > 0 {
		s += fmt.Sprintf(", %d errors", len(r.Errors))
	}
	return s
}

// Cleaner runs the cleanup actions.
type Cleaner struct {
	opts   Options
	procs  ProcessSource
	purger *Purger
	run    executor.Runner
	log    *zap.Logger
}

// New builds a Cleaner. procs may be nil to use the live process table;
// run is used for the DNS flush and the network reset.
func New(opts Options, procs ProcessSource, run executor.Runner) *Cleaner {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if procs == nil {
		procs = SystemProcesses{}
	}
	log = log.Named("cleanup")
	return &Cleaner{
		opts:   opts,
		procs:  procs,
		purger: NewPurger(opts.Preserve, opts.DryRun, log),
		run:    run,
		log:    log,
	}
}

// Purger exposes the file purger so it can double as the identifier
// rewrite's artifact cleaner.
func (c *Cleaner) Purger() *Purger { return c.purger }

// Run executes every action and returns what was done. The error is the
// context's error if the run was cancelled; action failures are in the
// report.
func (c *Cleaner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	rep := &Report{DryRun: c.opts.DryRun}
	defer func() { rep.Duration = time.Since(start) }()

	n, err := c.killProcesses(ctx)
	rep.ProcessesKilled = n
	if err != nil {
		rep.Errors = append(rep.Errors, err)
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	targets := c.opts.CachePaths
	if c.opts.CleanTemp {
		targets = append(append([]string(nil), targets...), c.opts.TempPaths...)
	}
	res, err := c.purger.purge(ctx, targets)
	rep.FilesRemoved = res.removed
	rep.PathsSkipped = res.skipped
	if err != nil {
		rep.Errors = append(rep.Errors, err)
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	if c.opts.FlushDNS {
		if err := c.flushDNS(ctx); err != nil {
			rep.Errors = append(rep.Errors, err)
		} else {
			rep.DNSFlushed = !c.opts.DryRun
		}
	}

	if c.opts.ResetNetwork {
		n, err := c.resetNetwork(ctx)
		rep.NetworkResets = n
		if err != nil {
			rep.Errors = append(rep.Errors, err)
		}
	}

	c.log.Info("Cleanup finished",
		zap.Int("processes", rep.ProcessesKilled),
		zap.Int("files", rep.FilesRemoved),
		zap.Int("skipped", rep.PathsSkipped),
		zap.Bool("dns_flushed", rep.DNSFlushed),
		zap.Int("network_resets", rep.NetworkResets),
		zap.Int("errors", len(rep.Errors)))
	return rep, nil
}

func (c *Cleaner) flushDNS(ctx context.Context) error {
	if c.opts.DryRun {
		c.log.Info("[DRY-RUN] Would flush DNS cache", zap.Bool("dry_run", true))
		return nil
	}
	if c.run == nil {
		return errors.New("flush dns: no command runner")
	}
	res, err := c.run.Run(ctx, "ipconfig", "/flushdns")
	if err != nil {
		return fmt.Errorf("flush dns: %w", err)
	}
	c.log.Debug("DNS cache flushed", zap.String("output", res.Output()))
	return nil
}

// resetNetwork runs every NetworkResetCommands entry and returns how many
// succeeded.
func (c *Cleaner) resetNetwork(ctx context.Context) (int, error) {
	if c.opts.DryRun {
		for _, cmd := range NetworkResetCommands {
			c.log.Info("[DRY-RUN] Would run network reset", zap.Bool("dry_run", true),
				zap.Strings("command", cmd))
		}
		return 0, nil
	}
	if c.run == nil {
		return 0, errors.New("reset network: no command runner")
	}
	done := 0
	var errs []error
	for _, cmd := range NetworkResetCommands {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := c.run.Run(ctx, cmd[0], cmd[1:]...); err != nil {
			c.log.Warn("Network reset command failed", zap.Strings("command", cmd), zap.Error(err))
			errs = append(errs, fmt.Errorf("reset network: %s: %w", strings.Join(cmd, " "), err))
			continue
		}
		done++
	}
	if done > 0 {
		c.log.Info("Network stack reset", zap.Int("succeeded", done), zap.Int("total", len(NetworkResetCommands)))
	}
	return done, errors.Join(errs...)
}
