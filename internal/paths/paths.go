// Package paths provides centralized path management for the midnight agent.
// All file paths used by the agent should be defined here to ensure consistency
// and prevent hardcoded path errors.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// File names (constants - never change these inline elsewhere)
const (
	ConfigFileName   = "config.json"
	AgentLogFileName = "midnight.log"
	JournalFileName  = "journal.db"
)

// Directory names
const (
	MidnightDirName = "Midnight"
	BackupDirName   = "backups"
	LogDirName      = "logs"
)

// DataDir returns the platform-specific data directory for Midnight.
// Windows: C:\ProgramData\Midnight
// macOS: /Library/Application Support/Midnight
// Linux: /var/lib/midnight
var DataDir = func() string {
	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("ProgramData")
		if base == "" {
			base = `C:\ProgramData`
		}
		return filepath.Join(base, MidnightDirName)
	case "darwin":
		return filepath.Join("/Library/Application Support", MidnightDirName)
	default: // linux
		return filepath.Join("/var/lib", "midnight")
	}
}

// ConfigPath returns the full path to the config file.
var ConfigPath = func() string {
	return filepath.Join(DataDir(), ConfigFileName)
}

// BackupDir returns the directory holding registry backups.
var BackupDir = func() string {
	return filepath.Join(DataDir(), BackupDirName)
}

// JournalPath returns the full path to the session journal database.
var JournalPath = func() string {
	return filepath.Join(DataDir(), JournalFileName)
}

// LogDir returns the directory holding log files.
var LogDir = func() string {
	return filepath.Join(DataDir(), LogDirName)
}

// LogPath returns the full path to the agent log file.
var LogPath = func() string {
	return filepath.Join(LogDir(), AgentLogFileName)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0700)
}

// EnsureDirs creates every directory the agent writes into.
func EnsureDirs() error {
	for _, dir := range []string{DataDir(), BackupDir(), LogDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}
