package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SuicidePanda1738/kismet-webui/internal/logger"
)

type Config struct {
	Logging    logger.Config    `yaml:"logging"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Registry   RegistryConfig   `yaml:"registry"`
	GPS        GPSConfig        `yaml:"gps"`
	Agents     []Agent          `yaml:"agents"`
}

type SupervisorConfig struct {
	// StateDir holds generated launch scripts, pid files and agent logs.
	StateDir    string `yaml:"state_dir"`
	AgentBinary string `yaml:"agent_binary"`
	Listen      string `yaml:"listen"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	StopGrace         time.Duration `yaml:"stop_grace"`
	KillWait          time.Duration `yaml:"kill_wait"`

	Restart RestartConfig `yaml:"restart"`
	Boot    BootConfig    `yaml:"boot"`
}

type RestartConfig struct {
	Max            int           `yaml:"max"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	StableAfter    time.Duration `yaml:"stable_after"`
}

// BootConfig controls the readiness waits done once before the first
// reconcile after boot.
type BootConfig struct {
	Wait        bool          `yaml:"wait"`
	GPSDAddr    string        `yaml:"gpsd_addr"`
	CapturePort int           `yaml:"capture_port"`
	Tries       int           `yaml:"tries"`
	Delay       time.Duration `yaml:"delay"`
	// StartSpacing is the pause between agent launches during one reconcile.
	StartSpacing time.Duration `yaml:"start_spacing"`
}

type RegistryConfig struct {
	// Backend is "sqlite" (default), "redis" or "memory".
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type GPSConfig struct {
	// Source selects the upstream: "gpsd" (default), "nmea" (serial) or
	// "nmea_tcp".
	Source   string `yaml:"source"`
	GPSDAddr string `yaml:"gpsd_addr"`
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	NMEAAddr string `yaml:"nmea_addr"`

	// Listen is where metagpsd serves NDJSON fixes; agents dial it.
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`

	StaleAfter     time.Duration `yaml:"stale_after"`
	LostAfter      time.Duration `yaml:"lost_after"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	MinMode        int           `yaml:"min_mode"`

	MetaGPS []MetaGPSConfig `yaml:"metagps"`
}

// MetaGPSConfig points a forwarder at a Kismet server's meta GPS source.
type MetaGPSConfig struct {
	Host   string `yaml:"host"`
	Name   string `yaml:"name"`
	APIKey string `yaml:"api_key"`
	TLS    bool   `yaml:"tls"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() error {
	s := &cfg.Supervisor
	if s.StateDir == "" {
		s.StateDir = "/var/lib/kismet-push"
	}
	if s.AgentBinary == "" {
		s.AgentBinary = "/usr/local/bin/push-agent"
	}
	if s.Listen == "" {
		s.Listen = "127.0.0.1:8095"
	}
	if s.ReconcileInterval <= 0 {
		s.ReconcileInterval = 15 * time.Second
	}
	if s.StopGrace <= 0 {
		s.StopGrace = 10 * time.Second
	}
	if s.KillWait <= 0 {
		s.KillWait = 2 * time.Second
	}
	if s.Restart.Max == 0 {
		s.Restart.Max = 5
	}
	if s.Restart.Max < 0 {
		return fmt.Errorf("supervisor.restart.max must be >= 0")
	}
	if s.Restart.BackoffInitial <= 0 {
		s.Restart.BackoffInitial = 1 * time.Second
	}
	if s.Restart.BackoffMax <= 0 {
		s.Restart.BackoffMax = 60 * time.Second
	}
	if s.Restart.BackoffMax < s.Restart.BackoffInitial {
		return fmt.Errorf("supervisor.restart.backoff_max must be >= supervisor.restart.backoff_initial")
	}
	if s.Restart.StableAfter <= 0 {
		s.Restart.StableAfter = 2 * time.Minute
	}
	if s.Boot.GPSDAddr == "" {
		s.Boot.GPSDAddr = "127.0.0.1:2947"
	}
	if s.Boot.CapturePort == 0 {
		s.Boot.CapturePort = 2501
	}
	if s.Boot.Tries <= 0 {
		s.Boot.Tries = 60
	}
	if s.Boot.Delay <= 0 {
		s.Boot.Delay = 1 * time.Second
	}
	if s.Boot.StartSpacing < 0 {
		return fmt.Errorf("supervisor.boot.start_spacing must be >= 0")
	}

	r := &cfg.Registry
	r.Backend = strings.ToLower(strings.TrimSpace(r.Backend))
	if r.Backend == "" {
		r.Backend = "sqlite"
	}
	switch r.Backend {
	case "sqlite":
		if r.Path == "" {
			r.Path = s.StateDir + "/liveness.db"
		}
	case "redis":
		if r.RedisAddr == "" {
			return fmt.Errorf("registry.redis_addr is required when registry.backend is 'redis'")
		}
		if r.RedisPrefix == "" {
			r.RedisPrefix = "kismet-push:liveness:"
		}
	case "memory":
	default:
		return fmt.Errorf("registry.backend must be one of sqlite, redis, memory")
	}

	g := &cfg.GPS
	g.Source = strings.ToLower(strings.TrimSpace(g.Source))
	if g.Source == "" {
		g.Source = "gpsd"
	}
	switch g.Source {
	case "gpsd":
		if g.GPSDAddr == "" {
			g.GPSDAddr = "127.0.0.1:2947"
		}
	case "nmea":
		if g.Baud == 0 {
			g.Baud = 9600
		}
	case "nmea_tcp":
		if g.NMEAAddr == "" {
			return fmt.Errorf("gps.nmea_addr is required when gps.source is 'nmea_tcp'")
		}
	default:
		return fmt.Errorf("gps.source must be one of gpsd, nmea, nmea_tcp")
	}
	if g.Listen == "" {
		g.Listen = "127.0.0.1:2948"
	}
	if g.StaleAfter <= 0 {
		g.StaleAfter = 2 * time.Second
	}
	if g.LostAfter <= 0 {
		g.LostAfter = 30 * time.Second
	}
	if g.ReadTimeout <= 0 {
		g.ReadTimeout = 5 * time.Second
	}
	if g.BackoffInitial <= 0 {
		g.BackoffInitial = 250 * time.Millisecond
	}
	if g.BackoffMax <= 0 {
		g.BackoffMax = 10 * time.Second
	}
	if g.MinMode == 0 {
		g.MinMode = 2
	}
	if g.MinMode < 2 || g.MinMode > 3 {
		return fmt.Errorf("gps.min_mode must be 2 or 3")
	}
	for i, m := range g.MetaGPS {
		if strings.TrimSpace(m.Host) == "" {
			return fmt.Errorf("gps.metagps[%d].host is required", i)
		}
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("gps.metagps[%d].name is required", i)
		}
	}

	// Agent descriptors are validated one by one by their consumers so a
	// single bad entry never blocks the others.
	for i := range cfg.Agents {
		cfg.Agents[i].applyDefaults(cfg.GPS)
	}
	return nil
}
