// Command pushd supervises the configured push agents and serves the
// control API.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/SuicidePanda1738/kismet-webui/internal/api"
	"github.com/SuicidePanda1738/kismet-webui/internal/config"
	"github.com/SuicidePanda1738/kismet-webui/internal/inventory"
	"github.com/SuicidePanda1738/kismet-webui/internal/logger"
	"github.com/SuicidePanda1738/kismet-webui/internal/proc"
	"github.com/SuicidePanda1738/kismet-webui/internal/registry"
	"github.com/SuicidePanda1738/kismet-webui/internal/supervisor"
)

func main() {
	configPath := pflag.StringP("config", "c", "/etc/kismet-push/config.yaml", "Path to YAML config")
	listen := pflag.String("listen", "", "Override supervisor.listen")
	debug := pflag.Bool("debug", false, "Enable debug logging")
	noBootWait := pflag.Bool("no-boot-wait", false, "Skip the boot readiness waits")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("config load failed")
	}
	if err := logger.Init(cfg.Logging); err != nil {
		logger.Fatal().Err(err).Msg("logger init failed")
	}
	if *debug {
		logger.SetDebug(true)
	}
	if *listen != "" {
		cfg.Supervisor.Listen = *listen
	}
	// Launch scripts outlive this process; they need an absolute path.
	absConfig, err := filepath.Abs(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve config path")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logger.WithComponent("pushd")

	store, err := registry.Open(ctx, cfg.Registry, logger.WithComponent("registry"))
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Registry.Backend).Msg("liveness registry open failed")
	}
	defer store.Close()

	launcher := &supervisor.ExecLauncher{
		StateDir:    cfg.Supervisor.StateDir,
		AgentBinary: cfg.Supervisor.AgentBinary,
		ConfigPath:  absConfig,
		Table:       proc.OSTable{},
		Log:         logger.WithComponent("launcher"),
	}

	sup, err := supervisor.New(supervisor.Config{
		StopGrace:         cfg.Supervisor.StopGrace,
		KillWait:          cfg.Supervisor.KillWait,
		ReconcileInterval: cfg.Supervisor.ReconcileInterval,
		StartSpacing:      cfg.Supervisor.Boot.StartSpacing,
		Restart:           cfg.Supervisor.Restart,
	}, supervisor.Deps{
		Store:       store,
		Table:       proc.OSTable{},
		Signaler:    proc.OSSignaler{},
		Launcher:    launcher,
		Artifacts:   launcher,
		Descriptors: config.AgentFile{Path: absConfig},
		Log:         logger.WithComponent("supervisor"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("supervisor init failed")
	}

	log.Info().
		Str("listen", cfg.Supervisor.Listen).
		Str("state_dir", cfg.Supervisor.StateDir).
		Str("registry", cfg.Registry.Backend).
		Int("agents", len(cfg.Agents)).
		Msg("pushd starting")

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- api.Serve(ctx, cfg.Supervisor.Listen, api.Handler(api.Deps{
			Controller: sup,
			Devices:    inventory.New(logger.WithComponent("inventory")),
			Logs:       launcher,
			Log:        logger.WithComponent("api"),
		}))
	}()

	if cfg.Supervisor.Boot.Wait && !*noBootWait {
		if err := supervisor.BootWait(ctx, cfg.Supervisor.Boot, cfg.Agents, log); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("boot wait aborted")
		}
	}

	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		sup.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			log.Error().Err(err).Msg("control api stopped")
		}
		cancel()
	}
	<-supDone
	log.Info().Msg("pushd stopping")
}
