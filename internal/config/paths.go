// Package config loads and validates the server's configuration surface
// from a JSONC file, environment variables, and CLI flags, in that
// priority order (flags win).
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds the standard XDG-style directories for server data.
type Paths struct {
	Data   string // ~/.local/share/agentserver
	Config string // ~/.config/agentserver
	Cache  string // ~/.cache/agentserver
	State  string // ~/.local/state/agentserver
}

// GetPaths returns the standard paths, honoring XDG overrides.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "agentserver"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "agentserver"),
		Cache:  filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), "agentserver"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "agentserver"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// SessionLogsPath is where per-project session log trees live.
func (p *Paths) SessionLogsPath() string {
	return filepath.Join(p.Data, "sessions")
}

// AuthPath is the owner-only local-auth file.
func (p *Paths) AuthPath() string {
	return filepath.Join(p.Data, "auth.json")
}

// RemoteAccessPath is the owner-only remote-access configuration file.
func (p *Paths) RemoteAccessPath() string {
	return filepath.Join(p.Data, "remote-access.json")
}

// ResumeStorePath is the optional owner-only SRP resume-session store.
func (p *Paths) ResumeStorePath() string {
	return filepath.Join(p.Data, "resume-sessions.json")
}

// InstallIDPath is the stable per-installation uuid file.
func (p *Paths) InstallIDPath() string {
	return filepath.Join(p.Data, "install-id")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "agentserver.json")
}

// ProjectConfigPath returns the path to a project-local config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".agentserver", "agentserver.json")
}
