package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Config is the full runtime configuration surface for the gateway.
type Config struct {
	// Placement
	Port        int    `json:"port"`
	Host        string `json:"host"`
	DataDir     string `json:"dataDir"`
	ProfileName string `json:"profileName"`

	// Local auth
	AuthEnabled      bool   `json:"authEnabled"`
	AuthDisabled     bool   `json:"authDisabled"`
	DesktopAuthToken string `json:"desktopAuthToken,omitempty"`

	// Remote access
	RemoteExecutors []string `json:"remoteExecutors,omitempty"`
	AllowedHosts    string   `json:"allowedHosts"`

	PersistRemoteSessionsToDisk bool `json:"persistRemoteSessionsToDisk"`

	// Tunables
	IdleTimeoutMs            int `json:"idleTimeoutMs"`
	MessageQueueCap          int `json:"messageQueueCap"`
	PerProjectConcurrencyCap int `json:"perProjectConcurrencyCap"`
	MaxQueueSize             int `json:"maxQueueSize"`
	CacheTTLMs               int `json:"cacheTtlMs"`
}

// Default returns the configuration used when no file, env var, or flag
// overrides a setting.
func Default() *Config {
	return &Config{
		Port:                     4096,
		Host:                     "127.0.0.1",
		DataDir:                  GetPaths().Data,
		ProfileName:              "default",
		AuthEnabled:              true,
		AllowedHosts:             "",
		IdleTimeoutMs:            10 * 60 * 1000,
		MessageQueueCap:          50,
		PerProjectConcurrencyCap: 3,
		MaxQueueSize:             50,
		CacheTTLMs:               5000,
	}
}

// Load merges configuration from, in increasing priority: the global
// config file, a project-local config file, and environment variables.
// CLI flags (parsed by cmd/agentserver) are applied on top by the caller.
func Load(directory string) (*Config, error) {
	cfg := Default()

	loadConfigFile(GlobalConfigPath(), cfg)
	if directory != "" {
		loadConfigFile(ProjectConfigPath(directory), cfg)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile reads a JSONC file and merges any fields it sets into
// cfg. A missing file is not an error.
func loadConfigFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	clean := jsonc.ToJSON(data)

	var partial map[string]json.RawMessage
	if err := json.Unmarshal(clean, &partial); err != nil {
		return
	}
	mergeField(partial, "port", &cfg.Port)
	mergeField(partial, "host", &cfg.Host)
	mergeField(partial, "dataDir", &cfg.DataDir)
	mergeField(partial, "profileName", &cfg.ProfileName)
	mergeField(partial, "authEnabled", &cfg.AuthEnabled)
	mergeField(partial, "authDisabled", &cfg.AuthDisabled)
	mergeField(partial, "desktopAuthToken", &cfg.DesktopAuthToken)
	mergeField(partial, "remoteExecutors", &cfg.RemoteExecutors)
	mergeField(partial, "allowedHosts", &cfg.AllowedHosts)
	mergeField(partial, "persistRemoteSessionsToDisk", &cfg.PersistRemoteSessionsToDisk)
	mergeField(partial, "idleTimeoutMs", &cfg.IdleTimeoutMs)
	mergeField(partial, "messageQueueCap", &cfg.MessageQueueCap)
	mergeField(partial, "perProjectConcurrencyCap", &cfg.PerProjectConcurrencyCap)
	mergeField(partial, "maxQueueSize", &cfg.MaxQueueSize)
	mergeField(partial, "cacheTtlMs", &cfg.CacheTTLMs)
}

func mergeField[T any](partial map[string]json.RawMessage, key string, dst *T) {
	raw, ok := partial[key]
	if !ok {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
	}
}

// applyEnvOverrides applies AGENTSERVER_* environment variables. Env vars
// take precedence over file config but not CLI flags.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTSERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("AGENTSERVER_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("AGENTSERVER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTSERVER_AUTH_DISABLED"); v != "" {
		cfg.AuthDisabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("AGENTSERVER_DESKTOP_AUTH_TOKEN"); v != "" {
		cfg.DesktopAuthToken = v
	}
	if v := os.Getenv("AGENTSERVER_ALLOWED_HOSTS"); v != "" {
		cfg.AllowedHosts = v
	}
	if v := os.Getenv("AGENTSERVER_REMOTE_EXECUTORS"); v != "" {
		cfg.RemoteExecutors = strings.Split(v, ",")
	}
}

// Validate checks the configuration surface's grammar-constrained
// fields: remoteExecutors must be valid SSH host aliases, and
// allowedHosts must be "*", a comma-list, or empty.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	for _, alias := range c.RemoteExecutors {
		if !isValidExecutorAlias(alias) {
			return fmt.Errorf("config: invalid remoteExecutors alias %q", alias)
		}
	}
	if c.AllowedHosts != "" && c.AllowedHosts != "*" {
		for _, h := range strings.Split(c.AllowedHosts, ",") {
			if strings.TrimSpace(h) == "" {
				return fmt.Errorf("config: allowedHosts has an empty entry")
			}
		}
	}
	return nil
}

// isValidExecutorAlias validates a "user@host" or "host" SSH alias: no
// whitespace, no shell metacharacters.
func isValidExecutorAlias(alias string) bool {
	if alias == "" {
		return false
	}
	for _, r := range alias {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_' || r == '@':
		default:
			return false
		}
	}
	return true
}

// AllowsHost reports whether host passes the allowedHosts grammar.
func (c *Config) AllowsHost(host string) bool {
	if c.AllowedHosts == "" {
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	}
	if c.AllowedHosts == "*" {
		return true
	}
	for _, h := range strings.Split(c.AllowedHosts, ",") {
		if strings.EqualFold(strings.TrimSpace(h), host) {
			return true
		}
	}
	return false
}

// IdleTimeout returns IdleTimeoutMs as a time.Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}
