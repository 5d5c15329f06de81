// Command push-agent runs one push agent: capture, buffer, optional GPS
// tagging and delivery to the remote host.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/SuicidePanda1738/kismet-webui/internal/api"
	"github.com/SuicidePanda1738/kismet-webui/internal/config"
	"github.com/SuicidePanda1738/kismet-webui/internal/gps"
	"github.com/SuicidePanda1738/kismet-webui/internal/logger"
	"github.com/SuicidePanda1738/kismet-webui/internal/push"
	"github.com/SuicidePanda1738/kismet-webui/internal/registry"
)

func main() {
	configPath := pflag.StringP("config", "c", "/etc/kismet-push/config.yaml", "Path to YAML config")
	name := pflag.StringP("name", "n", "", "Agent name to run")
	metricsListen := pflag.String("metrics-listen", "", "Serve /metrics and /status on this address")
	noRegistry := pflag.Bool("no-registry", false, "Do not report health into the liveness registry")
	debug := pflag.Bool("debug", false, "Enable debug logging")
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

	desc, ok := config.Find(cfg.Agents, *name)
	if !ok {
		logger.Fatal().Str("agent", *name).Msg("agent not configured")
	}
	if err := desc.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid agent descriptor")
	}

	log := logger.WithAgent("push-agent", desc.Name)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	capture, err := push.NewCommandCapture(push.CaptureConfig{
		Command: desc.Capture.Command,
		Args:    desc.Capture.Args,
		Env:     desc.Capture.Env,
		Sources: desc.Sources,
	}, logger.WithAgent("capture", desc.Name))
	if err != nil {
		log.Fatal().Err(err).Msg("capture init failed")
	}

	sink, err := push.NewSink(desc.Remote, desc.Retry.FlushTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("sink init failed")
	}

	var wg sync.WaitGroup
	var fixes gps.FixSource
	var gpsClient *gps.Client
	if desc.GPS.Enable {
		gpsClient, err = gps.NewClient(gps.ClientConfig{Addr: desc.GPS.RelayAddr}, logger.WithAgent("gps", desc.Name))
		if err != nil {
			log.Fatal().Err(err).Msg("gps client init failed")
		}
		fixes = gpsClient
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gpsClient.Run(ctx)
		}()

		if desc.GPS.APIKey != "" {
			meta, err := gps.NewMetaGPS(gps.MetaGPSConfig{
				Host:   desc.Remote.Host,
				Name:   desc.GPS.MetaGPSName,
				APIKey: desc.GPS.APIKey,
				TLS:    desc.Remote.TLS,
			}, gpsClient, logger.WithAgent("metagps", desc.Name))
			if err != nil {
				log.Fatal().Err(err).Msg("metagps init failed")
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = meta.Run(ctx)
			}()
		}
	}

	var health push.HealthReporter
	if !*noRegistry {
		store, err := registry.Open(ctx, cfg.Registry, logger.WithComponent("registry"))
		if err != nil {
			log.Fatal().Err(err).Msg("liveness registry open failed")
		}
		defer store.Close()
		// The launch script execs this binary, so our pid is the recorded one.
		health = &push.RegistryReporter{Store: store, Name: desc.Name, PID: os.Getpid(), Log: log}
	}

	agent, err := push.NewAgent(push.Config{
		Name:           desc.Name,
		Sensor:         desc.Sensor,
		Capacity:       desc.Buffer.Capacity,
		BatchSize:      desc.Buffer.BatchSize,
		FlushInterval:  desc.Buffer.FlushInterval,
		RetryInitial:   desc.Retry.Initial,
		RetryCeiling:   desc.Retry.Ceiling,
		DegradeAfter:   desc.Retry.DegradeAfter,
		FlushTimeout:   desc.Retry.FlushTimeout,
		PositionMaxAge: desc.GPS.StaleAfter,
	}, push.Deps{
		Source: capture,
		Sink:   sink,
		Fixes:  fixes,
		Health: health,
		Log:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("agent init failed")
	}

	if *metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			st := map[string]any{"agent": agent.Snapshot(), "capture": capture.Snapshot()}
			if gpsClient != nil {
				st["gps"] = gpsClient.Snapshot()
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(st)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Serve(ctx, *metricsListen, mux); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	log.Info().
		Str("remote", desc.Remote.Host).
		Str("transport", desc.Remote.Transport).
		Str("sources", desc.Sources).
		Bool("gps", desc.GPS.Enable).
		Msg("push agent starting")

	if err := agent.Run(ctx); err != nil {
		log.Error().Err(err).Msg("push agent failed")
	}
	cancel()
	wg.Wait()
}
