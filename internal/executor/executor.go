// Package executor runs the external tools the agent depends on (netsh,
// PowerShell, ipconfig) with a mandatory timeout.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/midnight/agent/internal/fault"
)

// DefaultTimeout bounds a command when the caller does not set one.
const DefaultTimeout = 30 * time.Second

// CommandResult contains the result of a command execution
type CommandResult struct {
	Program  string        `json:"program"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Output returns trimmed stdout, falling back to stderr when stdout is empty.
func (r *CommandResult) Output() string {
	if out := strings.TrimSpace(r.Stdout); out != "" {
		return out
	}
	return strings.TrimSpace(r.Stderr)
}

// Runner runs one program to completion. A non-zero exit is a
// fault.KindExternal error and an expired timeout a fault.KindTimeout error;
// the result is returned alongside either when the process ran.
type Runner interface {
	Run(ctx context.Context, program string, args ...string) (*CommandResult, error)
}

// Executor is the production Runner.
type Executor struct {
	timeout time.Duration
	log     *zap.Logger
	extra   map[string]bool
}

// New creates a command executor. A zero timeout selects DefaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{timeout: timeout, log: logger.Named("exec"), extra: make(map[string]bool)}
}

// Allow adds programs to the allow-list of this executor only.
func (e *Executor) Allow(programs ...string) {
	for _, p := range programs {
		e.extra[programName(p)] = true
	}
}

// Run executes program with args, without a shell.
func (e *Executor) Run(ctx context.Context, program string, args ...string) (*CommandResult, error) {
	if err := validateInvocation(program, args, e.extra); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, program, args...)
	hideWindow(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()

	err := cmd.Run()
	result := &CommandResult{
		Program:  program,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	subject := program
	if len(args) > 0 {
		subject += " " + args[0]
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		e.log.Warn("Command timed out", zap.String("program", program), zap.Duration("timeout", e.timeout))
		return result, fault.New(fault.KindTimeout, "run", subject,
			fmt.Errorf("no result after %s", e.timeout))
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			e.log.Debug("Command failed", zap.String("program", program),
				zap.Int("exit_code", result.ExitCode), zap.String("output", result.Output()))
			return result, fault.New(fault.KindExternal, "run", subject,
				fmt.Errorf("exit code %d: %s", result.ExitCode, result.Output()))
		}
		result.ExitCode = -1
		if errors.Is(err, exec.ErrNotFound) {
			return result, fault.New(fault.KindNotFound, "run", subject, err)
		}
		return result, fault.New(fault.KindExternal, "run", subject, err)
	}

	e.log.Debug("Command completed", zap.String("program", program), zap.Duration("duration", result.Duration))
	return result, nil
}

// PowerShell runs a script through powershell.exe with the non-interactive
// flags. Values interpolated into script must be quoted with QuotePS.
func PowerShell(ctx context.Context, r Runner, script string) (*CommandResult, error) {
	if err := ValidateScript(script); err != nil {
		return nil, err
	}
	return r.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
}
