package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Proc is one running process.
type Proc interface {
	PID() int32
	Name(ctx context.Context) (string, error)
	Kill(ctx context.Context) error
}

// ProcessSource lists running processes.
type ProcessSource interface {
	Processes(ctx context.Context) ([]Proc, error)
}

// SystemProcesses reads the live process table through gopsutil.
type SystemProcesses struct{}

type gopsProc struct{ p *process.Process }

func (g gopsProc) PID() int32 { return g.p.Pid }

func (g gopsProc) Name(ctx context.Context) (string, error) { return g.p.NameWithContext(ctx) }

func (g gopsProc) Kill(ctx context.Context) error { return g.p.KillWithContext(ctx) }

func (SystemProcesses) Processes(ctx context.Context) ([]Proc, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		out = append(out, gopsProc{p})
	}
	return out, nil
}

func matchTarget(name string, targets []string) (string, bool) {
	name = strings.ToLower(name)
	for _, t := range targets {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && strings.Contains(name, t) {
			return t, true
		}
	}
	return "", false
}

// killProcesses terminates every process whose name contains a target.
// Processes that vanish or cannot be opened are skipped; kill failures on a
// matched process are returned.
func (c *Cleaner) killProcesses(ctx context.Context) (int, error) {
	if len(c.opts.ProcessTargets) == 0 {
		return 0, nil
	}
	procs, err := c.procs.Processes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	self := int32(os.Getpid())
	killed := 0
	var errs []error
	for _, p := range procs {
		if ctx.Err() != nil {
			break
		}
		if p.PID() == self {
			continue
		}
		name, err := p.Name(ctx)
		if err != nil || name == "" {
			continue
		}
		target, ok := matchTarget(name, c.opts.ProcessTargets)
		if !ok {
			continue
		}
		if c.opts.DryRun {
			c.log.Info("[DRY-RUN] Would terminate process", zap.Bool("dry_run", true),
				zap.String("name", name), zap.Int32("pid", p.PID()))
			continue
		}
		if err := p.Kill(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s (pid %d): %w", name, p.PID(), err))
			continue
		}
		killed++
		c.log.Info("Terminated process", zap.String("name", name), zap.Int32("pid", p.PID()),
			zap.String("target", target))
	}
	return killed, errors.Join(errs...)
}
