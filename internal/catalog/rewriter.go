package catalog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/midnight/agent/internal/fault"
	"github.com/midnight/agent/internal/registry"
)

// ArtifactCleaner removes on-disk traces tied to the rewritten identifiers.
type ArtifactCleaner interface {
	RemoveArtifacts(ctx context.Context, paths []string) (removed int, err error)
}

// Result describes a finished rewrite.
type Result struct {
	Plan             *Plan
	Backup           *registry.BackupRecord // nil in dry-run mode
	DryRun           bool
	ArtifactsRemoved int
	CleanupErr       error // best effort, never rolls the registry back
}

// Rewriter applies catalog plans through a registry store.
type Rewriter struct {
	store     *registry.Store
	catalog   *Catalog
	gen       Generator
	cleaner   ArtifactCleaner
	artifacts []string
	log       *zap.Logger
}

// RewriterOption configures a Rewriter.
type RewriterOption func(*Rewriter)

func WithGenerator(g Generator) RewriterOption {
	return func(r *Rewriter) { r.gen = g }
}

// WithArtifacts enables post-rewrite cleanup of paths through c.
func WithArtifacts(c ArtifactCleaner, paths []string) RewriterOption {
	return func(r *Rewriter) {
		r.cleaner = c
		r.artifacts = append([]string(nil), paths...)
	}
}

func WithLogger(l *zap.Logger) RewriterOption {
	return func(r *Rewriter) { r.log = l }
}

// NewRewriter builds a rewriter over store for catalog c.
func NewRewriter(store *registry.Store, c *Catalog, opts ...RewriterOption) *Rewriter {
	r := &Rewriter{
		store:   store,
		catalog: c,
		gen:     RandomGenerator{},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("catalog")
	return r
}

// Preview generates a plan against the current registry without applying it.
func (r *Rewriter) Preview() (*Plan, error) {
	return NewPlan(r.catalog, r.gen, r.present)
}

func (r *Rewriter) present(t Target) (bool, error) {
	_, err := r.store.Read(t.Addr)
	switch {
	case err == nil:
		return true, nil
	case fault.Is(err, fault.KindNotFound):
		return false, nil
	}
	return false, err
}

// Rewrite plans and applies a full identifier rewrite as one transaction,
// then runs artifact cleanup. Only the transaction decides the outcome.
func (r *Rewriter) Rewrite(ctx context.Context) (*Result, error) {
	plan, err := r.Preview()
	if err != nil {
		return nil, fmt.Errorf("failed to plan rewrite: %w", err)
	}
	res := &Result{Plan: plan, DryRun: r.store.DryRun()}

	for _, s := range plan.Skipped {
		r.log.Info("Skipping identifier", zap.String("target", s.Target.Description), zap.String("reason", s.Reason))
	}
	if len(plan.Assignments) == 0 {
		r.log.Warn("No identifiers to rewrite")
		return res, nil
	}

	rec, err := r.store.TransactionalApply(plan.Ops())
	if err != nil {
		r.log.Error("Identifier rewrite rolled back", zap.Error(err))
		return res, err
	}
	res.Backup = rec

	for _, a := range plan.Assignments {
		r.log.Info("Identifier rewritten",
			zap.String("target", a.Target.Description),
			zap.String("category", a.Target.Category.String()),
			zap.String("value", a.Value),
			zap.Bool("dry_run", res.DryRun))
	}

	res.ArtifactsRemoved, res.CleanupErr = r.cleanArtifacts(ctx, res.DryRun)
	return res, nil
}

func (r *Rewriter) cleanArtifacts(ctx context.Context, dryRun bool) (int, error) {
	if r.cleaner == nil || len(r.artifacts) == 0 {
		return 0, nil
	}
	if dryRun {
		r.log.Info("[DRY-RUN] Would remove identifier artifacts", zap.Bool("dry_run", true),
			zap.Strings("paths", r.artifacts))
		return 0, nil
	}
	n, err := r.cleaner.RemoveArtifacts(ctx, r.artifacts)
	if err != nil {
		r.log.Warn("Artifact cleanup incomplete", zap.Int("removed", n), zap.Error(err))
	} else {
		r.log.Info("Artifact cleanup finished", zap.Int("removed", n))
	}
	return n, err
}

// Reading is the current state of one target.
type Reading struct {
	Target  Target
	Value   string
	Present bool
}

// Snapshot reads the current value of every target in c. Absent targets are
// reported with Present false; other read errors abort.
func Snapshot(store *registry.Store, c *Catalog) ([]Reading, error) {
	out := make([]Reading, 0, len(c.targets))
	for _, t := range c.targets {
		v, err := store.Read(t.Addr)
		if err != nil {
			if fault.Is(err, fault.KindNotFound) {
				out = append(out, Reading{Target: t})
				continue
			}
			return nil, err
		}
		s, _ := v.AsString()
		out = append(out, Reading{Target: t, Value: s, Present: true})
	}
	return out, nil
}
