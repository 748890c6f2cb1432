package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/midnight/agent/internal/catalog"
	"github.com/midnight/agent/internal/cleanup"
	"github.com/midnight/agent/internal/config"
	"github.com/midnight/agent/internal/executor"
	"github.com/midnight/agent/internal/journal"
	"github.com/midnight/agent/internal/logging"
	"github.com/midnight/agent/internal/netadapter"
	"github.com/midnight/agent/internal/orchestrator"
	"github.com/midnight/agent/internal/privilege"
	"github.com/midnight/agent/internal/registry"
)

// app owns every long-lived component for one command invocation.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	flush    func()
	journal  *journal.Store
	store    *registry.Store
	exec     *executor.Executor
	catalog  *catalog.Catalog
	rewriter *catalog.Rewriter
	spoofer  *netadapter.Spoofer
	cleaner  *cleanup.Cleaner
	orch     *orchestrator.Orchestrator
}

// openApp wires the agent. Commands that change system state pass
// mutating=true, which makes a missing elevation fatal before anything is
// touched.
func openApp(mutating bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dryRun {
		cfg.DryRun = true
	}

	log, flush, err := logging.New(logging.Options{
		FilePath: cfg.LogPath,
		Verbose:  verbose,
		NoColor:  noColor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	a := &app{cfg: cfg, log: log, flush: flush}

	if mutating && !cfg.DryRun {
		if err := privilege.Ensure(); err != nil {
			a.close()
			return nil, err
		}
	}

	a.journal, err = journal.Open(journal.Config{
		DBPath:          cfg.JournalPath,
		MaxSessions:     cfg.MaxSessions,
		CompressPayload: true,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	backend, err := registry.NewSystemBackend()
	if err != nil {
		a.close()
		return nil, err
	}
	a.store, err = registry.NewStore(backend, cfg.BackupDir,
		registry.WithIndex(a.journal),
		registry.WithLogger(log),
		registry.WithCreatedBy("midnight/"+cfg.AgentID))
	if err != nil {
		a.close()
		return nil, err
	}
	a.store.SetDryRun(cfg.DryRun)

	a.exec = executor.New(cfg.CommandTimeoutDuration(), log)
	a.cleaner = cleanup.New(cleanup.Options{
		ProcessTargets: cfg.ProcessTargets,
		CachePaths:     cfg.CachePaths,
		TempPaths:      cfg.TempPaths,
		Preserve:       cfg.Preserve,
		CleanTemp:      cfg.CleanTemp,
		FlushDNS:       cfg.FlushDNS,
		ResetNetwork:   cfg.ResetNetwork,
		DryRun:         cfg.DryRun,
		Logger:         log,
	}, nil, a.exec)

	a.catalog = catalog.Default()
	a.rewriter = catalog.NewRewriter(a.store, a.catalog,
		catalog.WithArtifacts(a.cleaner.Purger(), cfg.ArtifactPaths),
		catalog.WithLogger(log))

	a.spoofer = netadapter.NewSpoofer(a.store, netadapter.NewSystemController(a.exec, log), netadapter.Options{
		SettleDelay:    cfg.SettleDelayDuration(),
		VerifyAttempts: cfg.VerifyAttempts,
		Logger:         log,
	})

	a.orch = orchestrator.New(orchestrator.Deps{
		Cleaner:  a.cleaner,
		MAC:      a.spoofer,
		Rewriter: a.rewriter,
		Journal:  a.journal,
		Snapshot: func() ([]catalog.Reading, error) { return catalog.Snapshot(a.store, a.catalog) },
		DryRun:   a.store.DryRun,
	}, orchestrator.Options{Threshold: cfg.SuccessThreshold, Logger: log})

	return a, nil
}

func (a *app) close() {
	if a.journal != nil {
		if n, err := a.journal.Prune(context.Background()); err != nil {
			a.log.Warn("Journal prune failed", zap.Error(err))
		} else if n > 0 {
			a.log.Debug("Pruned old sessions", zap.Int64("removed", n))
		}
		if err := a.journal.Close(); err != nil {
			a.log.Warn("Journal close failed", zap.Error(err))
		}
	}
	a.flush()
}
