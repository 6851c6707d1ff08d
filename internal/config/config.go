// Package config provides configuration parsing and validation for the
// protocol engine.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Grid       GridConfig       `yaml:"grid"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Circuit    CircuitConfig    `yaml:"circuit"`
	Throttle   ThrottleConfig   `yaml:"throttle"`
	EventQueue EventQueueConfig `yaml:"event_queue"`
	Caps       CapsConfig       `yaml:"caps"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
}

// AgentConfig contains identity and logging settings.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	// MetricsAddr, if non-empty, serves the Prometheus exposition format at
	// /metrics on this address (e.g. ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// GridConfig names the login endpoint and credentials used by Auth.
type GridConfig struct {
	LoginURI       string `yaml:"login_uri"`
	OpenIDURI      string `yaml:"openid_uri"` // follow-up token exchange; empty disables it
	FirstName      string `yaml:"first_name"`
	LastName       string `yaml:"last_name"`
	Password       string `yaml:"password"`
	StartLocation  string `yaml:"start_location"` // "last", "home", or "region/x/y/z"
	Channel        string `yaml:"channel"`
	Version        string `yaml:"version"`
	Platform       string `yaml:"platform"`
	MAC            string `yaml:"mac"`
	ID0            string `yaml:"id0"`
	UDPListenPort  int    `yaml:"udp_listen_port"`
}

// ProxyMode selects how the UDP transport reaches the simulator and how
// companion HTTP traffic is routed.
type ProxyMode string

const (
	ProxyDirect             ProxyMode = "direct"
	ProxyManualSocks5       ProxyMode = "manual_socks5"
	ProxyTransparentSocks5  ProxyMode = "transparent_socks5"
)

// ProxyConfig configures the optional SOCKS5 / HTTP proxy tunnel.
type ProxyConfig struct {
	Mode       ProxyMode `yaml:"mode"`
	Address    string    `yaml:"address"`     // SOCKS5 proxy control address
	Username   string    `yaml:"username"`
	Password   string    `yaml:"password"`
	HTTPProxy  string    `yaml:"http_proxy"`  // used for login/caps/event-queue HTTP traffic
}

// ReconnectConfig parameterizes an exponential backoff. It is used as
// CircuitConfig.UseCircuitCode for the orchestrator's UseCircuitCode retry
// loop; the circuit's retransmit timer and the event-queue poller have
// their own settings.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// CircuitConfig tunes the reliable-delivery state machine.
type CircuitConfig struct {
	BaseTimeout          time.Duration `yaml:"base_timeout"`
	MaxRetransmits       int           `yaml:"max_retransmits"`
	RetransmitBackoffCap int           `yaml:"retransmit_backoff_cap"` // exponent cap, e.g. 2 => x4
	AckFlushInterval     time.Duration `yaml:"ack_flush_interval"`
	DupWindowSize        int           `yaml:"dup_window_size"`
	MissedPingLimit      int           `yaml:"missed_ping_limit"`
	RTTAlpha             float64       `yaml:"rtt_alpha"`
	UseCircuitCode       ReconnectConfig `yaml:"use_circuit_code"`

	// OutboundBytesPerSecond caps the Circuit's own outbound send rate,
	// independent of the AgentThrottle bandwidth categories negotiated with
	// the simulator. Zero disables the limiter.
	OutboundBytesPerSecond int64 `yaml:"outbound_bytes_per_second"`
}

// ThrottleConfig names the seven AgentThrottle bandwidth categories, in
// bytes/sec, sent in AgentThrottle once the connect handshake completes,
// just before the primary circuit is marked Ready.
type ThrottleConfig struct {
	Resend  float32 `yaml:"resend"`
	Land    float32 `yaml:"land"`
	Wind    float32 `yaml:"wind"`
	Cloud   float32 `yaml:"cloud"`
	Task    float32 `yaml:"task"`
	Texture float32 `yaml:"texture"`
	Asset   float32 `yaml:"asset"`
}

// EventQueueConfig tunes the HTTP long-poll loop.
type EventQueueConfig struct {
	InitialBackoff       time.Duration `yaml:"initial_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	ConsecutiveErrorReset int          `yaml:"consecutive_error_reset"`
	PollTimeout          time.Duration `yaml:"poll_timeout"`
}

// CapsConfig tunes the seed-capability fetch.
type CapsConfig struct {
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// DispatchConfig tunes the world-event bus.
type DispatchConfig struct {
	EventBusCapacity int `yaml:"event_bus_capacity"`
}

// Default returns the engine's default configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Grid: GridConfig{
			OpenIDURI:     "https://id.secondlife.com/openid/webkit",
			StartLocation: "last",
			Channel:       "gridwire",
			Version:       "1.0.0",
			Platform:      "lnx",
			UDPListenPort: 0, // 0 => transport chooses an ephemeral port
		},
		Proxy: ProxyConfig{
			Mode: ProxyDirect,
		},
		Circuit: CircuitConfig{
			BaseTimeout:          1 * time.Second,
			MaxRetransmits:       5,
			RetransmitBackoffCap: 2, // 2^2 = x4 cap
			AckFlushInterval:     100 * time.Millisecond,
			DupWindowSize:        1024,
			MissedPingLimit:      3,
			RTTAlpha:             0.2,
			UseCircuitCode: ReconnectConfig{
				InitialDelay: 10 * time.Second,
				MaxDelay:     40 * time.Second,
				Multiplier:   2.0,
				MaxAttempts:  5,
			},
			OutboundBytesPerSecond: 0, // unlimited; the AgentThrottle categories already shape traffic
		},
		Throttle: ThrottleConfig{
			Resend:  150000,
			Land:    170000,
			Wind:    0,
			Cloud:   0,
			Task:    280000,
			Texture: 446000,
			Asset:   220000,
		},
		EventQueue: EventQueueConfig{
			InitialBackoff:        2 * time.Second,
			MaxBackoff:            30 * time.Second,
			ConsecutiveErrorReset: 10,
			PollTimeout:           30 * time.Second,
		},
		Caps: CapsConfig{
			FetchTimeout: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			EventBusCapacity: 10000,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default() and
// expanding ${VAR}/$VAR environment references before unmarshalling.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid agent.log_level: %s", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid agent.log_format: %s", c.Agent.LogFormat))
	}
	if c.Grid.LoginURI == "" {
		errs = append(errs, "grid.login_uri is required")
	}

	switch c.Proxy.Mode {
	case ProxyDirect, ProxyManualSocks5, ProxyTransparentSocks5:
	default:
		errs = append(errs, fmt.Sprintf("invalid proxy.mode: %s", c.Proxy.Mode))
	}
	if c.Proxy.Mode != ProxyDirect && c.Proxy.Address == "" {
		errs = append(errs, "proxy.address is required when proxy.mode is not direct")
	}

	if c.Circuit.MaxRetransmits < 1 {
		errs = append(errs, "circuit.max_retransmits must be positive")
	}
	if c.Circuit.DupWindowSize < 1024 {
		errs = append(errs, "circuit.dup_window_size must be >= 1024")
	}
	if c.Circuit.RTTAlpha <= 0 || c.Circuit.RTTAlpha > 1 {
		errs = append(errs, "circuit.rtt_alpha must be in (0, 1]")
	}

	if c.Dispatch.EventBusCapacity < 1 {
		errs = append(errs, "dispatch.event_bus_capacity must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

// Redacted returns a copy of the configuration with the grid password
// masked, safe for logging.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Grid.Password != "" {
		cp.Grid.Password = "***"
	}
	if cp.Proxy.Password != "" {
		cp.Proxy.Password = "***"
	}
	return &cp
}
