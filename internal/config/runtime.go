package config

import (
	"log"
	"os"
	"path/filepath"
)

// RuntimeConfig holds the filesystem layout for the current installation
type RuntimeConfig struct {
	DataDir      string // user data directory, e.g. ~/.ontime
	MeetingsDir  string // durable meeting copies for crash recovery
	SettingsFile string // settings.json
	SessionFile  string // session.json snapshot for crash recovery
}

var (
	// Runtime is the global runtime configuration instance
	Runtime *RuntimeConfig
)

func init() {
	Runtime = DetectRuntime()
}

// DetectRuntime determines the data directory layout. ONTIME_HOME overrides
// the default of ~/.ontime, which keeps tests and portable installs isolated.
func DetectRuntime() *RuntimeConfig {
	dataDir := os.Getenv("ONTIME_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = os.Getenv("HOME")
			if homeDir == "" {
				homeDir = "."
			}
		}
		dataDir = filepath.Join(homeDir, ".ontime")
	}

	config := &RuntimeConfig{
		DataDir:      dataDir,
		MeetingsDir:  filepath.Join(dataDir, "meetings"),
		SettingsFile: filepath.Join(dataDir, "settings.json"),
		SessionFile:  filepath.Join(dataDir, "session.json"),
	}

	for _, dir := range []string{config.DataDir, config.MeetingsDir} {
		if err := ensureDir(dir); err != nil {
			log.Printf("Warning: Failed to create data directory %s: %v", dir, err)
		}
	}

	return config
}

// Reload re-detects the runtime layout. Tests use this after pointing
// ONTIME_HOME at a temporary directory.
func Reload() {
	Runtime = DetectRuntime()
}

// ensureDir creates a directory if it doesn't exist
func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
