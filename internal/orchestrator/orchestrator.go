// Package orchestrator sequences one spoofing session: cleanup, MAC spoof
// and identifier rewrite. Step failures are recorded and never stop later
// steps; the session succeeds when enough of the enabled steps did.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/midnight/agent/internal/catalog"
	"github.com/midnight/agent/internal/cleanup"
	"github.com/midnight/agent/internal/journal"
	"github.com/midnight/agent/internal/netadapter"
)

// DefaultThreshold is the share of enabled steps that must succeed.
const DefaultThreshold = 0.7

// ErrSessionRunning rejects a session while another is in flight.
var ErrSessionRunning = errors.New("a spoofing session is already running")

// Cleaner runs the cleanup step.
type Cleaner interface {
	Run(ctx context.Context) (*cleanup.Report, error)
}

// MACSpoofer runs the MAC step.
type MACSpoofer interface {
	Spoof(ctx context.Context, name, vendor, explicit string) (*netadapter.Result, error)
}

// Rewriter runs the identifier step.
type Rewriter interface {
	Rewrite(ctx context.Context) (*catalog.Result, error)
}

// SessionRecorder persists finished reports.
type SessionRecorder interface {
	RecordSession(ctx context.Context, s journal.Session) error
}

// Deps are the step implementations. A nil dependency makes its step fail
// when enabled.
type Deps struct {
	Cleaner  Cleaner
	MAC      MACSpoofer
	Rewriter Rewriter
	Journal  SessionRecorder
	// Snapshot, when set, is logged before and after the identifier step.
	Snapshot func() ([]catalog.Reading, error)
	DryRun   func() bool
}

// Options tunes an Orchestrator.
type Options struct {
	Threshold float64
	Logger    *zap.Logger
}

// Orchestrator runs at most one session at a time.
type Orchestrator struct {
	deps      Deps
	threshold float64
	log       *zap.Logger
	now       func() time.Time
	running   atomic.Bool
}

// New builds an orchestrator. A threshold outside (0, 1] selects
// DefaultThreshold.
func New(deps Deps, opts Options) *Orchestrator {
	th := opts.Threshold
	if th <= 0 || th > 1 {
		th = DefaultThreshold
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{deps: deps, threshold: th, log: log.Named("orchestrator"), now: time.Now}
}

// Running reports whether a session is in flight.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Execute runs a session on the calling goroutine. It returns
// ErrSessionRunning without invoking any callback if another session is in
// flight. Otherwise OnFinish is called exactly once, after OnSuccess or
// OnFailure. Cancelling ctx does not interrupt a running session.
func (o *Orchestrator) Execute(ctx context.Context, req Request, cb Callbacks) (*Report, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrSessionRunning
	}
	defer o.running.Store(false)
	return o.session(ctx, req, cb), nil
}

// Start runs a session on a new goroutine. The channel receives the report
// and is then closed.
func (o *Orchestrator) Start(ctx context.Context, req Request, cb Callbacks) (<-chan *Report, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrSessionRunning
	}
	out := make(chan *Report, 1)
	go func() {
		defer close(out)
		defer o.running.Store(false)
		out <- o.session(ctx, req, cb)
	}()
	return out, nil
}

func (o *Orchestrator) session(ctx context.Context, req Request, cb Callbacks) (rep *Report) {
	ctx = context.WithoutCancel(ctx)
	rep = &Report{
		ID:        uuid.NewString(),
		StartedAt: o.now(),
		Threshold: o.threshold,
	}
	if o.deps.DryRun != nil {
		rep.DryRun = o.deps.DryRun()
	}
	log := o.log.With(zap.String("session", rep.ID))

	defer cb.finish()
	defer func() {
		// A panicking callback fails the session; OnFinish still runs.
		if r := recover(); r != nil {
			log.Error("Session callback panicked", zap.Any("panic", r))
			rep.Success = false
			rep.Reason = fmt.Sprintf("panic: %v", r)
		}
	}()

	log.Info("Session started", zap.Bool("dry_run", rep.DryRun))
	cb.start()

	rep.Steps = append(rep.Steps, o.step(log, ModuleCleanup.String(), req.Enabled(ModuleCleanup), func() (string, error) {
		return o.runCleanup(ctx)
	}))

	macOn := req.Enabled(ModuleMAC)
	if macOn && req.Interface == "" {
		log.Warn("MAC spoof enabled without an interface, skipping")
		rep.Steps = append(rep.Steps, Result{Operation: ModuleMAC.String(), Skipped: true, Detail: "no interface selected"})
	} else {
		rep.Steps = append(rep.Steps, o.step(log, ModuleMAC.String(), macOn, func() (string, error) {
			return o.runMAC(ctx, req)
		}))
	}

	rep.Steps = append(rep.Steps, o.step(log, ModuleIdentifiers.String(), req.Enabled(ModuleIdentifiers), func() (string, error) {
		return o.runIdentifiers(ctx, log)
	}))

	o.conclude(rep)
	rep.FinishedAt = o.now()
	o.record(ctx, log, rep)

	if rep.Success {
		log.Info("Session succeeded", zap.Float64("ratio", rep.SuccessRatio))
		cb.success()
	} else {
		log.Warn("Session failed", zap.Float64("ratio", rep.SuccessRatio), zap.String("reason", rep.Reason))
		cb.failure(rep.Reason)
	}
	return rep
}

func (o *Orchestrator) conclude(rep *Report) {
	enabled, succeeded := rep.counted()
	if enabled == 0 {
		rep.Reason = "no steps enabled"
		return
	}
	rep.SuccessRatio = float64(succeeded) / float64(enabled)
	rep.Success = rep.SuccessRatio >= o.threshold
	if !rep.Success {
		var failed []string
		for _, s := range rep.Steps {
			if !s.Skipped && !s.Success {
				failed = append(failed, s.Operation)
			}
		}
		rep.Reason = fmt.Sprintf("%d of %d steps failed: %v", enabled-succeeded, enabled, failed)
	}
}

// step runs fn, converting errors and panics into a failed Result.
func (o *Orchestrator) step(log *zap.Logger, name string, enabled bool, fn func() (string, error)) (res Result) {
	res.Operation = name
	if !enabled {
		res.Skipped = true
		res.Detail = "disabled"
		return res
	}
	start := o.now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Step panicked", zap.String("step", name), zap.Any("panic", r))
			res.Success = false
			res.Detail = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = o.now().Sub(start)
	}()

	log.Info("Step started", zap.String("step", name))
	detail, err := fn()
	if err != nil {
		log.Error("Step failed", zap.String("step", name), zap.Error(err))
		res.Detail = err.Error()
		return res
	}
	res.Success = true
	res.Detail = detail
	log.Info("Step finished", zap.String("step", name), zap.String("detail", detail))
	return res
}

func (o *Orchestrator) runCleanup(ctx context.Context) (string, error) {
	if o.deps.Cleaner == nil {
		return "", errors.New("cleanup is not configured")
	}
	rep, err := o.deps.Cleaner.Run(ctx)
	if err != nil {
		return "", err
	}
	if !rep.Success() {
		return "", fmt.Errorf("cleanup failed: %w", rep.Err())
	}
	return rep.Summary(), nil
}

func (o *Orchestrator) runMAC(ctx context.Context, req Request) (string, error) {
	if o.deps.MAC == nil {
		return "", errors.New("mac spoofing is not configured")
	}
	res, err := o.deps.MAC.Spoof(ctx, req.Interface, req.Vendor, req.MAC)
	if err != nil {
		return "", err
	}
	if res.DryRun {
		return fmt.Sprintf("%s would change %s -> %s", res.Interface, res.Previous, res.Requested), nil
	}
	detail := fmt.Sprintf("%s %s -> %s", res.Interface, res.Previous, res.Current)
	if !res.Verified {
		detail += " (unverified, requested " + res.Requested.String() + ")"
	}
	if res.UsedFallback {
		detail += " via adapter fallback"
	}
	return detail, nil
}

func (o *Orchestrator) runIdentifiers(ctx context.Context, log *zap.Logger) (string, error) {
	if o.deps.Rewriter == nil {
		return "", errors.New("identifier rewrite is not configured")
	}
	o.logSnapshot(log, "before")
	res, err := o.deps.Rewriter.Rewrite(ctx)
	if err != nil {
		return "", err
	}
	o.logSnapshot(log, "after")

	detail := fmt.Sprintf("%d identifiers rewritten, %d skipped",
		len(res.Plan.Assignments), len(res.Plan.Skipped))
	if res.DryRun {
		detail = fmt.Sprintf("%d identifiers would be rewritten", len(res.Plan.Assignments))
	}
	if res.ArtifactsRemoved > 0 {
		detail += fmt.Sprintf(", %d artifacts removed", res.ArtifactsRemoved)
	}
	if res.CleanupErr != nil {
		detail += " (artifact cleanup incomplete)"
	}
	return detail, nil
}

func (o *Orchestrator) logSnapshot(log *zap.Logger, when string) {
	if o.deps.Snapshot == nil {
		return
	}
	readings, err := o.deps.Snapshot()
	if err != nil {
		log.Warn("Could not read identifiers", zap.String("when", when), zap.Error(err))
		return
	}
	for _, r := range readings {
		value := r.Value
		if !r.Present {
			value = "<absent>"
		}
		log.Info("Identifier", zap.String("when", when),
			zap.String("target", r.Target.Description), zap.String("value", value))
	}
}

func (o *Orchestrator) record(ctx context.Context, log *zap.Logger, rep *Report) {
	if o.deps.Journal == nil {
		return
	}
	raw, err := json.Marshal(rep)
	if err != nil {
		log.Warn("Could not encode session report", zap.Error(err))
		return
	}
	err = o.deps.Journal.RecordSession(ctx, journal.Session{
		ID:           rep.ID,
		StartedAt:    rep.StartedAt,
		FinishedAt:   rep.FinishedAt,
		Success:      rep.Success,
		SuccessRatio: rep.SuccessRatio,
		DryRun:       rep.DryRun,
		Report:       raw,
	})
	if err != nil {
		log.Warn("Could not record session", zap.Error(err))
	}
}
