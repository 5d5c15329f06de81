package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourcesWiFi      = "wifi"
	SourcesBluetooth = "bluetooth"
	SourcesBoth      = "both"

	TransportHTTP      = "http"
	TransportWebsocket = "websocket"
)

// Agent is the desired-state description of one push agent.
type Agent struct {
	Name    string `yaml:"name" json:"name"`
	Enabled *bool  `yaml:"enabled" json:"enabled"`

	// Sources is "wifi", "bluetooth" or "both".
	Sources string `yaml:"sources" json:"sources"`
	Adapter string `yaml:"adapter" json:"adapter,omitempty"`
	Sensor  string `yaml:"sensor" json:"sensor"`

	Remote  RemoteConfig   `yaml:"remote" json:"remote"`
	GPS     AgentGPSConfig `yaml:"gps" json:"gps"`
	Capture CaptureConfig  `yaml:"capture" json:"capture"`
	Buffer  BufferConfig   `yaml:"buffer" json:"buffer"`
	Retry   RetryConfig    `yaml:"retry" json:"retry"`
}

type RemoteConfig struct {
	Host      string `yaml:"host" json:"host"`
	Path      string `yaml:"path" json:"path,omitempty"`
	APIKey    string `yaml:"api_key" json:"-"`
	TLS       bool   `yaml:"tls" json:"tls"`
	Transport string `yaml:"transport" json:"transport"`
	AwaitAck  bool   `yaml:"await_ack" json:"await_ack,omitempty"`
}

type AgentGPSConfig struct {
	Enable     bool          `yaml:"enable" json:"enable"`
	RelayAddr  string        `yaml:"relay_addr" json:"relay_addr,omitempty"`
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after,omitempty"`
	// APIKey enables a Kismet meta GPS forwarder on the remote host.
	APIKey      string `yaml:"api_key" json:"-"`
	MetaGPSName string `yaml:"metagps_name" json:"metagps_name,omitempty"`
}

type CaptureConfig struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"-"`
}

type BufferConfig struct {
	Capacity      int           `yaml:"capacity" json:"capacity"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

type RetryConfig struct {
	Initial      time.Duration `yaml:"initial" json:"initial"`
	Ceiling      time.Duration `yaml:"ceiling" json:"ceiling"`
	DegradeAfter int           `yaml:"degrade_after" json:"degrade_after"`
	FlushTimeout time.Duration `yaml:"flush_timeout" json:"flush_timeout"`
}

// ConfigurationError reports a malformed agent descriptor. Such agents are
// never started.
type ConfigurationError struct {
	Agent  string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	name := e.Agent
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("agent %s: %s %s", name, e.Field, e.Reason)
}

var agentNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func (a Agent) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// DefaultName mirrors the dashboard naming of push services.
func DefaultName(sources, sensor string) string {
	switch sources {
	case SourcesBluetooth:
		return "kismet-bt-push-" + sensor
	case SourcesBoth:
		return "kismet-push-" + sensor
	default:
		return "kismet-wifi-push-" + sensor
	}
}

func (a *Agent) applyDefaults(gps GPSConfig) {
	a.Sources = strings.ToLower(strings.TrimSpace(a.Sources))
	if a.Sources == "" {
		a.Sources = SourcesWiFi
	}
	a.Sensor = strings.TrimSpace(a.Sensor)
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" && a.Sensor != "" {
		a.Name = DefaultName(a.Sources, a.Sensor)
	}
	a.Remote.Transport = strings.ToLower(strings.TrimSpace(a.Remote.Transport))
	if a.Remote.Transport == "" {
		a.Remote.Transport = TransportHTTP
	}
	if a.Remote.Path == "" {
		a.Remote.Path = "/push/" + a.Sensor
	}
	if a.GPS.APIKey != "" {
		a.GPS.Enable = true
	}
	if a.GPS.RelayAddr == "" {
		a.GPS.RelayAddr = gps.Listen
	}
	if a.GPS.StaleAfter <= 0 {
		a.GPS.StaleAfter = gps.StaleAfter
	}
	if a.GPS.MetaGPSName == "" {
		a.GPS.MetaGPSName = a.Sensor
	}
	if a.Buffer.Capacity == 0 {
		a.Buffer.Capacity = 1000
	}
	if a.Buffer.BatchSize == 0 {
		a.Buffer.BatchSize = 100
	}
	if a.Buffer.FlushInterval <= 0 {
		a.Buffer.FlushInterval = 1 * time.Second
	}
	if a.Retry.Initial <= 0 {
		a.Retry.Initial = 1 * time.Second
	}
	if a.Retry.Ceiling <= 0 {
		a.Retry.Ceiling = 60 * time.Second
	}
	if a.Retry.DegradeAfter == 0 {
		a.Retry.DegradeAfter = 3
	}
	if a.Retry.FlushTimeout <= 0 {
		a.Retry.FlushTimeout = 5 * time.Second
	}
}

// Validate checks a descriptor after defaults were applied.
func (a Agent) Validate() error {
	bad := func(field, reason string) error {
		return &ConfigurationError{Agent: a.Name, Field: field, Reason: reason}
	}
	if a.Name == "" {
		return bad("name", "is required (or set sensor)")
	}
	if !agentNameRE.MatchString(a.Name) {
		return bad("name", "may only contain letters, digits, '.', '_' and '-'")
	}
	switch a.Sources {
	case SourcesWiFi, SourcesBluetooth, SourcesBoth:
	default:
		return bad("sources", "must be one of wifi, bluetooth, both")
	}
	if a.Sensor == "" {
		return bad("sensor", "is required")
	}
	if strings.TrimSpace(a.Remote.Host) == "" {
		return bad("remote.host", "is required")
	}
	switch a.Remote.Transport {
	case TransportHTTP, TransportWebsocket:
	default:
		return bad("remote.transport", "must be http or websocket")
	}
	if strings.TrimSpace(a.Capture.Command) == "" {
		return bad("capture.command", "is required")
	}
	if a.Buffer.Capacity < 1 {
		return bad("buffer.capacity", "must be >= 1")
	}
	if a.Buffer.BatchSize < 1 {
		return bad("buffer.batch_size", "must be >= 1")
	}
	if a.Retry.Ceiling < a.Retry.Initial {
		return bad("retry.ceiling", "must be >= retry.initial")
	}
	if a.Retry.DegradeAfter < 1 {
		return bad("retry.degrade_after", "must be >= 1")
	}
	if a.GPS.Enable && strings.TrimSpace(a.GPS.RelayAddr) == "" {
		return bad("gps.relay_addr", "is required when gps.enable is true")
	}
	return nil
}

// Find returns the descriptor named name.
func Find(agents []Agent, name string) (Agent, bool) {
	for _, a := range agents {
		if a.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}

// AgentFile re-reads agent descriptors from a config file on every call so
// edits are picked up without restarting the supervisor.
type AgentFile struct {
	Path string
}

func (f AgentFile) Descriptors(ctx context.Context) ([]Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg.Agents, nil
}
