// Command metagpsd relays one GPS receiver to local push agents and to
// Kismet meta GPS sources.
package main

import (
	"context"
	"encoding/json"
	"net"
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
)

func main() {
	configPath := pflag.StringP("config", "c", "/etc/kismet-push/config.yaml", "Path to YAML config")
	source := pflag.String("source", "", "Override gps.source (gpsd, nmea, nmea_tcp)")
	device := pflag.String("device", "", "Override gps.device for serial NMEA")
	listen := pflag.String("listen", "", "Override gps.listen")
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
	if *source != "" {
		cfg.GPS.Source = *source
	}
	if *device != "" {
		cfg.GPS.Device = *device
	}
	if *listen != "" {
		cfg.GPS.Listen = *listen
	}

	log := logger.WithComponent("metagpsd")

	upstream, err := gps.NewUpstream(cfg.GPS)
	if err != nil {
		log.Fatal().Err(err).Msg("gps upstream init failed")
	}

	fixes := gps.NewBroadcaster()
	defer fixes.Close()

	relay, err := gps.NewRelay(gps.RelayConfig{
		MinMode:        cfg.GPS.MinMode,
		StaleAfter:     cfg.GPS.StaleAfter,
		LostAfter:      cfg.GPS.LostAfter,
		ReadTimeout:    cfg.GPS.ReadTimeout,
		BackoffInitial: cfg.GPS.BackoffInitial,
		BackoffMax:     cfg.GPS.BackoffMax,
	}, upstream, fixes, logger.WithComponent("gps-relay"))
	if err != nil {
		log.Fatal().Err(err).Msg("gps relay init failed")
	}

	ln, err := net.Listen("tcp", cfg.GPS.Listen)
	if err != nil {
		log.Fatal().Err(err).Str("listen", cfg.GPS.Listen).Msg("fix listener failed")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	run := func(what string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("task", what).Msg("task stopped")
				cancel()
			}
		}()
	}

	run("relay", relay.Run)
	run("fanout", func(ctx context.Context) error {
		return gps.NewServer(fixes, logger.WithComponent("gps-fanout")).Serve(ctx, ln)
	})

	for _, m := range cfg.GPS.MetaGPS {
		fwd, err := gps.NewMetaGPS(gps.MetaGPSConfig{
			Host:   m.Host,
			Name:   m.Name,
			APIKey: m.APIKey,
			TLS:    m.TLS,
		}, relay, logger.WithComponent("metagps").With().Str("host", m.Host).Str("name", m.Name).Logger())
		if err != nil {
			log.Fatal().Err(err).Str("host", m.Host).Msg("metagps init failed")
		}
		run("metagps "+m.Host, fwd.Run)
	}

	if cfg.GPS.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(relay.Snapshot())
		})
		run("metrics", func(ctx context.Context) error {
			return api.Serve(ctx, cfg.GPS.MetricsListen, mux)
		})
	}

	log.Info().
		Str("upstream", upstream.Name()).
		Str("listen", cfg.GPS.Listen).
		Int("metagps", len(cfg.GPS.MetaGPS)).
		Msg("metagpsd starting")

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("metagpsd stopping")
}
