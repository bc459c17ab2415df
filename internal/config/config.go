// Package config holds the agent and collector configuration values.
// Both are built once at startup, validated, and passed by value afterwards.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingCollectorURL = errors.New("collector url is required")
	ErrMissingToken        = errors.New("auth token is required")
	ErrInvalidInterval     = errors.New("interval must be greater than zero")
	ErrInsecureScheme      = errors.New("collector url must use https")
	ErrInvalidPort         = errors.New("port must be between 1 and 65535")
	ErrMissingDataDir      = errors.New("data directory is required")
)

const (
	DefaultInterval        = 15 * time.Second
	DefaultMaxTimeout      = 10 * time.Second
	DefaultPort            = 8443
	DefaultHost            = "0.0.0.0"
	DefaultDataDir         = "data"
	DefaultCertFile        = "server.crt"
	DefaultKeyFile         = "server.key"
	DefaultQueryRateLimit  = 10.0
	DefaultShutdownTimeout = 10 * time.Second
	DefaultHostsCacheTTL   = 5 * time.Second
)

// Duration reads either a number of seconds (15, 0.5) or a Go duration string ("15s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!null" {
		return nil
	}
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// AgentConfig is immutable for the lifetime of an agent.
type AgentConfig struct {
	CollectorURL       string   `yaml:"collector_url"`
	AuthToken          string   `yaml:"auth_token"`
	Interval           Duration `yaml:"interval"`
	HostnameOverride   string   `yaml:"hostname_override"`
	Timeout            Duration `yaml:"timeout"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	CAFile             string   `yaml:"ca_file"`
	TopProcesses       int      `yaml:"top_processes"`
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Interval: Duration(DefaultInterval),
	}
}

// LoadAgentConfig reads an agent config file on top of the defaults.
// JSON files load as well since YAML is a superset of JSON.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadFile(path, &cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration error, if any.
func (c AgentConfig) Validate() error {
	if c.CollectorURL == "" {
		return ErrMissingCollectorURL
	}
	u, err := url.Parse(c.CollectorURL)
	if err != nil {
		return fmt.Errorf("invalid collector url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: got %q", ErrInsecureScheme, c.CollectorURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid collector url: missing host in %q", c.CollectorURL)
	}
	if c.AuthToken == "" {
		return ErrMissingToken
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidInterval, time.Duration(c.Interval))
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative: got %s", time.Duration(c.Timeout))
	}
	if c.TopProcesses < 0 {
		return fmt.Errorf("top_processes must not be negative: got %d", c.TopProcesses)
	}
	return nil
}

// PushInterval is the sleep between two push cycles.
func (c AgentConfig) PushInterval() time.Duration {
	return time.Duration(c.Interval)
}

// RequestTimeout bounds a single push. It never exceeds the push interval.
func (c AgentConfig) RequestTimeout() time.Duration {
	interval := c.PushInterval()
	timeout := time.Duration(c.Timeout)
	if timeout == 0 {
		timeout = DefaultMaxTimeout
	}
	if timeout > interval {
		timeout = interval
	}
	return timeout
}

// Hostname returns hostname_override when set, the OS hostname otherwise.
func (c AgentConfig) Hostname() (string, error) {
	if c.HostnameOverride != "" {
		return c.HostnameOverride, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolving hostname: %w", err)
	}
	if name == "" {
		return "", errors.New("resolving hostname: empty hostname")
	}
	return name, nil
}

// CollectorConfig is immutable for the lifetime of a collector.
type CollectorConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	AuthToken       string   `yaml:"auth_token"`
	DataDir         string   `yaml:"data_dir"`
	CertFile        string   `yaml:"cert_file"`
	KeyFile         string   `yaml:"key_file"`
	JWTSecret       string   `yaml:"jwt_secret"`
	QueryRateLimit  float64  `yaml:"query_rate_limit"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	HostsCacheTTL   Duration `yaml:"hosts_cache_ttl"`
}

func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Host:            DefaultHost,
		Port:            DefaultPort,
		DataDir:         DefaultDataDir,
		CertFile:        DefaultCertFile,
		KeyFile:         DefaultKeyFile,
		QueryRateLimit:  DefaultQueryRateLimit,
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
		HostsCacheTTL:   Duration(DefaultHostsCacheTTL),
	}
}

func LoadCollectorConfig(path string) (CollectorConfig, error) {
	cfg := DefaultCollectorConfig()
	if err := loadFile(path, &cfg); err != nil {
		return CollectorConfig{}, err
	}
	return cfg, nil
}

func (c CollectorConfig) Validate() error {
	if c.AuthToken == "" {
		return ErrMissingToken
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Port)
	}
	if c.DataDir == "" {
		return ErrMissingDataDir
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("cert_file and key_file are required")
	}
	if c.QueryRateLimit <= 0 {
		return fmt.Errorf("query_rate_limit must be greater than zero: got %v", c.QueryRateLimit)
	}
	return nil
}

// Addr is the listen address of the collector.
func (c CollectorConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func loadFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

type sampleAgentConfig struct {
	CollectorURL       string  `json:"collector_url"`
	AuthToken          string  `json:"auth_token"`
	Interval           int     `json:"interval"`
	HostnameOverride   *string `json:"hostname_override"`
	InsecureSkipVerify bool    `json:"insecure_skip_verify"`
}

// WriteSampleAgentConfig writes a starter agent config pointing at a local collector.
func WriteSampleAgentConfig(path string) error {
	sample := sampleAgentConfig{
		CollectorURL:       "https://localhost:8443/api/metrics",
		AuthToken:          "3367",
		Interval:           int(DefaultInterval / time.Second),
		InsecureSkipVerify: true,
	}
	data, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing sample config: %w", err)
	}
	return nil
}
