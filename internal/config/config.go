// Package config loads and saves the agent's JSON configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/midnight/agent/internal/cleanup"
	"github.com/midnight/agent/internal/paths"
)

// Config holds the agent configuration
type Config struct {
	// AgentID is recorded as the creator in backup metadata.
	AgentID          string   `json:"agent_id"`
	BackupDir        string   `json:"backup_dir"`
	JournalPath      string   `json:"journal_path"`
	LogPath          string   `json:"log_path"`
	DryRun           bool     `json:"dry_run"`
	SuccessThreshold float64  `json:"success_threshold"`
	SettleDelay      int      `json:"settle_delay"` // seconds
	VerifyAttempts   int      `json:"verify_attempts"`
	CommandTimeout   int      `json:"command_timeout"` // seconds
	MaxSessions      int      `json:"max_sessions"`
	FlushDNS         bool     `json:"flush_dns"`
	CleanTemp        bool     `json:"clean_temp"`
	ResetNetwork     bool     `json:"reset_network"`
	ProcessTargets   []string `json:"process_targets"`
	CachePaths       []string `json:"cache_paths"`
	TempPaths        []string `json:"temp_paths"`
	ArtifactPaths    []string `json:"artifact_paths"`
	Preserve         []string `json:"preserve"`
}

var mu sync.Mutex

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AgentID:          uuid.New().String(),
		BackupDir:        paths.BackupDir(),
		JournalPath:      paths.JournalPath(),
		LogPath:          paths.LogPath(),
		SuccessThreshold: 0.7,
		SettleDelay:      3,
		VerifyAttempts:   3,
		CommandTimeout:   30,
		MaxSessions:      500,
		FlushDNS:         true,
		CleanTemp:        true,
		ProcessTargets:   append([]string(nil), cleanup.DefaultProcessTargets...),
		CachePaths:       append([]string(nil), cleanup.DefaultCachePaths...),
		TempPaths:        append([]string(nil), cleanup.DefaultTempPaths...),
		ArtifactPaths:    append([]string(nil), cleanup.DefaultArtifactPaths...),
		Preserve:         append([]string(nil), cleanup.DefaultPreserve...),
	}
}

// Load reads the configuration from path. A missing file yields the
// defaults; fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path
func (c *Config) Save(path string) error {
	mu.Lock()
	defer mu.Unlock()

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate rejects values the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.BackupDir == "" {
		errs = append(errs, errors.New("backup_dir must be set"))
	}
	if c.JournalPath == "" {
		errs = append(errs, errors.New("journal_path must be set"))
	}
	if c.SuccessThreshold <= 0 || c.SuccessThreshold > 1 {
		errs = append(errs, fmt.Errorf("success_threshold must be in (0, 1], got %v", c.SuccessThreshold))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("settle_delay must not be negative, got %d", c.SettleDelay))
	}
	if c.VerifyAttempts < 1 {
		errs = append(errs, fmt.Errorf("verify_attempts must be at least 1, got %d", c.VerifyAttempts))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("command_timeout must be positive, got %d", c.CommandTimeout))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SettleDelayDuration returns SettleDelay as a duration.
func (c *Config) SettleDelayDuration() time.Duration {
	return time.Duration(c.SettleDelay) * time.Second
}

// CommandTimeoutDuration returns CommandTimeout as a duration.
func (c *Config) CommandTimeoutDuration() time.Duration {
	return time.Duration(c.CommandTimeout) * time.Second
}
