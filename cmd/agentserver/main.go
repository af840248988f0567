// Package main is the entry point for agentserver: it wires the event
// bus, session log store, project index, supervisor, provider registry,
// auth service, and SRP relay collaborators into a single HTTP+WebSocket
// server and runs it until an interrupt signal arrives.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentbridge/gateway/internal/auth"
	"github.com/agentbridge/gateway/internal/config"
	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/internal/logging"
	"github.com/agentbridge/gateway/internal/project"
	"github.com/agentbridge/gateway/internal/provider"
	"github.com/agentbridge/gateway/internal/server"
	"github.com/agentbridge/gateway/internal/sessionlog"
	"github.com/agentbridge/gateway/internal/srp"
	"github.com/agentbridge/gateway/internal/storage"
	"github.com/agentbridge/gateway/internal/supervisor"
)

const (
	version   = "0.1.0"
	buildTime = "dev"
)

var (
	flagPort        int
	flagHost        string
	flagDirectory   string
	flagRemote      bool
	flagVerbose     bool
	flagPrettyLog   bool
)

func main() {
	root := &cobra.Command{
		Use:     "agentserver",
		Short:   "Supervises AI-agent CLI sessions behind a local HTTP and relay gateway",
		Version: version + " (" + buildTime + ")",
		RunE:    run,
	}
	root.Flags().IntVar(&flagPort, "port", 0, "server port (0 = use config)")
	root.Flags().StringVar(&flagHost, "host", "", "server bind host (empty = use config)")
	root.Flags().StringVar(&flagDirectory, "directory", "", "working directory for project-local config")
	root.Flags().BoolVar(&flagRemote, "remote", false, "enable remote access (requires SRP for non-local callers)")
	root.Flags().BoolVar(&flagVerbose, "verbose", false, "debug-level logging")
	root.Flags().BoolVar(&flagPrettyLog, "pretty-log", false, "human-readable console logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logCfg := logging.DefaultConfig()
	logCfg.Pretty = flagPrettyLog
	if flagVerbose {
		logCfg.Level = logging.DebugLevel
	}
	logging.Init(logCfg)
	defer logging.Close()
	log := logging.Component("main")

	workDir := flagDirectory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get working directory")
		}
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directories")
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if flagPort != 0 {
		appConfig.Port = flagPort
	}
	if flagHost != "" {
		appConfig.Host = flagHost
	}
	remoteAccessEnabled := flagRemote || len(appConfig.RemoteExecutors) > 0

	store := storage.New(paths.Data)
	authSvc := auth.New(auth.Config{
		Store:               store,
		RemoteAccessEnabled:  remoteAccessEnabled,
		BypassActive:         appConfig.AuthDisabled,
	})

	bus := eventbus.New()
	defer bus.Close()

	if err := os.MkdirAll(paths.SessionLogsPath(), 0755); err != nil {
		log.Fatal().Err(err).Msg("failed to create session log directory")
	}
	logs := sessionlog.New(paths.SessionLogsPath())

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = workDir
	}
	projects := project.New(bus, homeDir, paths.SessionLogsPath())
	defer projects.Close()

	if watcher, err := project.NewWatcher(bus, paths.SessionLogsPath()); err != nil {
		log.Warn().Err(err).Msg("session log directory watcher disabled")
	} else {
		watcher.Start()
		defer watcher.Close()
	}

	sup := supervisor.New(supervisor.Config{
		Bus:             bus,
		Logs:            logs,
		ProjectCap:      appConfig.PerProjectConcurrencyCap,
		GlobalCap:       0,
		QueueCap:        appConfig.MaxQueueSize,
		ProcessQueueCap: appConfig.MessageQueueCap,
		GraceDeadline:   5 * time.Second,
	})

	backends := provider.NewRegistry()
	backends.Register(provider.NewCLIBackend("claude", "claude"))
	backends.Register(provider.NewCLIBackend("codex", "codex"))

	identities := srp.NewIdentityLimiter()
	cooldown := srp.NewCooldownTracker()
	sessions := srp.NewSessionStore()
	verifierLookup := newDesktopVerifierLookup(appConfig.DesktopAuthToken)

	srvCfg := server.DefaultConfig()
	srvCfg.Port = appConfig.Port
	srvCfg.Host = appConfig.Host

	srv := server.New(srvCfg, server.Deps{
		Supervisor:          sup,
		Projects:            projects,
		Logs:                logs,
		Auth:                authSvc,
		Backends:            backends,
		Bus:                 bus,
		VerifierLookup:      verifierLookup,
		Identities:          identities,
		Cooldown:            cooldown,
		Sessions:            sessions,
		RemoteAccessEnabled: remoteAccessEnabled,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", srvCfg.Port).Str("host", srvCfg.Host).Msg("listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
	case <-quit:
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	return nil
}

// newDesktopVerifierLookup resolves the single "desktop" SRP identity
// from the pre-shared desktopAuthToken config value, computing its
// verifier once at startup. An empty token disables relay SRP admission
// entirely: every handshake will fail identity lookup.
func newDesktopVerifierLookup(token string) srp.VerifierLookup {
	if token == "" {
		return func(identity string) (*srp.Verifier, bool) { return nil, false }
	}
	v, err := srp.GenerateVerifier("desktop", []byte(token))
	if err != nil {
		return func(identity string) (*srp.Verifier, bool) { return nil, false }
	}
	return func(identity string) (*srp.Verifier, bool) {
		if identity != "desktop" {
			return nil, false
		}
		return v, true
	}
}
