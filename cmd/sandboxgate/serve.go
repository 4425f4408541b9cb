package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/sandboxgate/internal/api"
	"github.com/clawinfra/sandboxgate/internal/channels"
	"github.com/clawinfra/sandboxgate/internal/config"
	"github.com/clawinfra/sandboxgate/internal/scheduler"
	"github.com/clawinfra/sandboxgate/internal/security"
	"github.com/clawinfra/sandboxgate/internal/terminal"
)

// App holds all the runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Level      *slog.LevelVar
	Store      *security.RegistryStore
	Events     *security.EventLog
	Gate       *security.Gate
	Detector   *security.Detector
	Terminals  *terminal.Manager
	Scheduler  *scheduler.Scheduler
	MQTT       *channels.MQTTEventSink
	APIServer  *api.Server

	levelOverride string
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		port    int
		devMode bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(flags, cmd.ErrOrStderr(), true)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			if cmd.Flags().Changed("port") {
				app.Config.Server.Port = port
			}
			if devMode {
				app.Config.Server.DevMode = true
			}
			app.buildServer()

			ctx, stop := signal.NotifyContext(cmd.Context(), getShutdownSignals()...)
			defer stop()
			return app.Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override the configured API port")
	cmd.Flags().BoolVar(&devMode, "dev", false, "Serve without authentication (never in production)")
	return cmd
}

// loadConfig loads configuration from file or falls back to the defaults.
// With create set, a missing file is written with the defaults.
func loadConfig(path string, logger *slog.Logger, create bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = config.DefaultConfig()
	if !create {
		logger.Debug("no config found, using defaults", "path", path)
		return cfg, nil
	}
	logger.Info("no config found, creating default")
	if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("save default config: %w", err)
	}
	logger.Info("default config created", "path", path)
	return cfg, nil
}

// setup loads configuration and builds the security components.
func setup(flags *globalFlags, logOut io.Writer, createConfig bool) (*App, error) {
	app := &App{
		ConfigPath:    flags.configPath,
		Level:         new(slog.LevelVar),
		levelOverride: flags.logLevel,
	}
	app.Logger = newLogger(logOut, app.Level)

	cfg, err := loadConfig(app.ConfigPath, app.Logger, createConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg
	if err := app.applyLogLevel(); err != nil {
		return nil, err
	}

	reg, err := security.BuildRegistry(cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	app.Store = security.NewRegistryStore(reg)

	app.Events = security.NewEventLog(cfg.Security.EventCapacity, app.Logger)
	app.Gate = security.NewGate(cfg.Security.Sandbox, app.Store, app.Events, app.Logger)
	app.Detector = security.NewDetector(app.Store, app.Events, app.Logger)
	app.Terminals = terminal.NewManager(app.Gate, terminalOptions(cfg.Terminal), app.Logger)

	return app, nil
}

// buildServer wires event export, the digest scheduler and the API server.
func (a *App) buildServer() {
	cfg := a.Config

	var publisher scheduler.DigestPublisher
	if cfg.Events.MQTT.Enabled {
		a.MQTT = channels.NewMQTTEventSink(channels.MQTTOptions{
			Broker:      cfg.Events.MQTT.Broker,
			ClientID:    cfg.Events.MQTT.ClientID,
			Username:    cfg.Events.MQTT.Username,
			Password:    cfg.Events.MQTT.Password,
			TopicPrefix: cfg.Events.MQTT.TopicPrefix,
		}, a.Logger)
		publisher = a.MQTT
	}

	a.Scheduler = scheduler.NewScheduler(a.Events, publisher, a.Logger)
	if err := a.Scheduler.SetDigestSchedule(cfg.Events.DigestSchedule); err != nil {
		a.Logger.Warn("digest schedule rejected, digest disabled", "schedule", cfg.Events.DigestSchedule, "error", err)
	}

	a.APIServer = api.NewServer(api.Options{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Version:   version,
		JWTSecret: jwtSecret(cfg),
		DevMode:   cfg.Server.DevMode,
	}, a.Gate, a.Detector, a.Events, a.Terminals, a.Logger)
	a.APIServer.SetScheduler(a.Scheduler)
}

// Run starts every service and blocks until ctx is cancelled or one fails.
func (a *App) Run(ctx context.Context) error {
	if a.MQTT != nil {
		if err := a.MQTT.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt sink: %w", err)
		}
		a.Events.AddSink(a.MQTT)
		defer a.MQTT.Stop()
	}

	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer a.Scheduler.Stop()

	watcher := config.NewWatcher(a.watchPaths(), 2*time.Second, a.Logger, a.reload)
	watcher.Start()
	defer watcher.Stop()

	a.printBanner()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.APIServer.Start(gctx)
	})
	g.Go(func() error {
		return handleReloadSignals(gctx, a.Logger, a.reload)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.Logger.Info("sandboxgate stopped")
	return err
}

// reload re-reads the config file and applies what can change at runtime.
func (a *App) reload() {
	result, err := a.Config.Reload(a.ConfigPath, a.Store)
	if err != nil {
		a.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(a.Logger)

	config.RLock()
	defer config.RUnlock()

	if result.Has("Server.LogLevel") {
		if err := a.applyLogLevel(); err != nil {
			a.Logger.Warn("log level not applied", "error", err)
		}
	}
	if result.Has("Terminal") {
		a.Terminals.SetOptions(terminalOptions(a.Config.Terminal))
	}
	if result.Has("Events.DigestSchedule") {
		if err := a.Scheduler.SetDigestSchedule(a.Config.Events.DigestSchedule); err != nil {
			a.Logger.Warn("digest schedule rejected", "error", err)
		}
	}
}

// watchPaths is the config file plus the policy file it names.
func (a *App) watchPaths() []string {
	config.RLock()
	defer config.RUnlock()
	return []string{a.ConfigPath, a.Config.Security.Protection.PolicyFile}
}

func (a *App) applyLogLevel() error {
	name := a.Config.Server.LogLevel
	if a.levelOverride != "" {
		name = a.levelOverride
	}
	level, err := config.ParseLogLevel(name)
	if err != nil {
		return err
	}
	a.Level.Set(level)
	return nil
}

func terminalOptions(tc config.TerminalConfig) terminal.Options {
	return terminal.Options{
		Shell:       tc.Shell,
		Args:        tc.ShellArgs,
		IdleTimeout: time.Duration(tc.IdleTimeoutSec) * time.Second,
		MaxSessions: tc.MaxSessions,
	}
}

// jwtSecret reads the API signing secret from the configured variable.
func jwtSecret(cfg *config.Config) []byte {
	name := cfg.Server.JWTSecretEnv
	if name == "" {
		name = security.JWTSecretEnv
	}
	if s := os.Getenv(name); s != "" {
		return []byte(s)
	}
	return nil
}

// printBanner displays the startup banner
func (a *App) printBanner() {
	mode := "token"
	if a.Config.Server.DevMode {
		mode = "dev (unauthenticated)"
	}
	a.Logger.Info("sandboxgate ready",
		"version", version,
		"api", fmt.Sprintf("http://%s:%d", a.Config.Server.Host, a.Config.Server.Port),
		"auth", mode,
		"sandboxes", a.Config.Security.Sandbox.BaseDir,
		"mqtt", a.MQTT != nil,
		"digest", a.Config.Events.DigestSchedule,
	)
}
