// Package config provides configuration parsing and validation for the relay.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/bedrock-relay/internal/target"
)

// Config represents the complete relay configuration.
type Config struct {
	Relay       RelayConfig       `yaml:"relay"`
	Auth        AuthConfig        `yaml:"auth"`
	Codec       CodecConfig       `yaml:"codec"`
	Connections ConnectionsConfig `yaml:"connections"`
	Limits      LimitsConfig      `yaml:"limits"`
	Health      HealthConfig      `yaml:"health"`
}

// RelayConfig contains the listener, target and discovery settings.
type RelayConfig struct {
	Listen            string `yaml:"listen"`
	AdvertisedAddress string `yaml:"advertised_address"`
	Target            string `yaml:"target"`
	Transport         string `yaml:"transport"` // raknet or quic
	MOTD              string `yaml:"motd"`
	SubMOTD           string `yaml:"sub_motd"`
	MaxPlayers        int    `yaml:"max_players"`
	GameMode          string `yaml:"game_mode"`
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
}

// AuthConfig selects how the relay logs in to the server.
type AuthConfig struct {
	Mode         string `yaml:"mode"` // online, offline or passthrough
	DisplayName  string `yaml:"display_name"`
	IdentityFile string `yaml:"identity_file"`
}

// CodecConfig defines the compression answered to clients.
type CodecConfig struct {
	Compression          string `yaml:"compression"` // flate or snappy
	CompressionThreshold int    `yaml:"compression_threshold"`
	RejectUnsupported    bool   `yaml:"reject_unsupported"`
}

// ProfileConfig is the YAML form of a connection profile.
type ProfileConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	MinInterval       time.Duration `yaml:"min_interval"`
	FixedDelay        time.Duration `yaml:"fixed_delay"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	RateLimitCount    int           `yaml:"rate_limit_count"`
}

// ConnectionsConfig defines outbound connect behavior.
type ConnectionsConfig struct {
	Default        ProfileConfig `yaml:"default"`
	Protected      ProfileConfig `yaml:"protected"`
	ProtectedHosts []string      `yaml:"protected_hosts"`
	StateStore     string        `yaml:"state_store"` // memory or redis
	RedisURL       string        `yaml:"redis_url"`
	StoreSize      int           `yaml:"store_size"`
}

// LimitsConfig defines resource limits.
type LimitsConfig struct {
	PendingQueueSize int           `yaml:"pending_queue_size"`
	AcceptRate       float64       `yaml:"accept_rate"`
	AcceptBurst      int           `yaml:"accept_burst"`
	MaxSessions      int           `yaml:"max_sessions"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	TransferGrace    time.Duration `yaml:"transfer_grace"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Pprof        bool          `yaml:"pprof"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Listen:     "0.0.0.0:19132",
			Transport:  "raknet",
			MOTD:       "Bedrock Relay",
			SubMOTD:    "bedrock-relay",
			MaxPlayers: 20,
			GameMode:   "Survival",
			LogLevel:   "info",
			LogFormat:  "text",
		},
		Auth: AuthConfig{
			Mode:         "offline",
			DisplayName:  "Player",
			IdentityFile: "./identity.json",
		},
		Codec: CodecConfig{
			Compression:          "flate",
			CompressionThreshold: 256,
		},
		Connections: ConnectionsConfig{
			Default:        profileConfig(target.DefaultProfile()),
			Protected:      profileConfig(target.ProtectedProfile()),
			ProtectedHosts: []string{},
			StateStore:     "memory",
			StoreSize:      4096,
		},
		Limits: LimitsConfig{
			PendingQueueSize: 1000,
			AcceptRate:       2,
			AcceptBurst:      5,
			MaxSessions:      0,
			FlushInterval:    50 * time.Millisecond,
			TransferGrace:    time.Second,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func profileConfig(p target.Profile) ProfileConfig {
	return ProfileConfig{
		MaxAttempts:       p.MaxAttempts,
		InitialDelay:      p.InitialDelay,
		MaxDelay:          p.MaxDelay,
		BackoffMultiplier: p.BackoffMultiplier,
		ConnectTimeout:    p.ConnectTimeout,
		SessionTimeout:    p.SessionTimeout,
		MinInterval:       p.MinInterval,
		FixedDelay:        p.FixedDelay,
		RateLimitWindow:   p.RateLimitWindow,
		RateLimitCount:    p.RateLimitCount,
	}
}

// Profile converts the YAML form into a named profile.
func (p ProfileConfig) Profile(name string) target.Profile {
	return target.Profile{
		Name:              name,
		MaxAttempts:       p.MaxAttempts,
		InitialDelay:      p.InitialDelay,
		MaxDelay:          p.MaxDelay,
		BackoffMultiplier: p.BackoffMultiplier,
		ConnectTimeout:    p.ConnectTimeout,
		SessionTimeout:    p.SessionTimeout,
		MinInterval:       p.MinInterval,
		FixedDelay:        p.FixedDelay,
		RateLimitWindow:   p.RateLimitWindow,
		RateLimitCount:    p.RateLimitCount,
	}
}

// Policy returns the per-host profile policy.
func (c *ConnectionsConfig) Policy() *target.ProtectedHostPolicy {
	return target.NewProtectedHostPolicy(
		c.Default.Profile("default"),
		c.Protected.Profile("protected"),
		c.ProtectedHosts,
	)
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
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

		// Handle default values: ${VAR:-default}
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
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Relay
	if _, err := target.ParseAddress(c.Relay.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("relay.listen: %v", err))
	}
	if c.Relay.Target == "" {
		errs = append(errs, "relay.target is required")
	} else if _, err := target.ParseAddress(c.Relay.Target); err != nil {
		errs = append(errs, fmt.Sprintf("relay.target: %v", err))
	}
	if c.Relay.AdvertisedAddress != "" {
		if _, err := target.ParseAddress(c.Relay.AdvertisedAddress); err != nil {
			errs = append(errs, fmt.Sprintf("relay.advertised_address: %v", err))
		}
	}
	if !isValidTransport(c.Relay.Transport) {
		errs = append(errs, fmt.Sprintf("invalid relay.transport: %s (must be raknet or quic)", c.Relay.Transport))
	}
	if c.Relay.MaxPlayers < 0 {
		errs = append(errs, "relay.max_players must not be negative")
	}
	if !isValidLogLevel(c.Relay.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Relay.LogLevel))
	}
	if !isValidLogFormat(c.Relay.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Relay.LogFormat))
	}

	// Auth
	switch c.Auth.Mode {
	case "online":
		if c.Auth.IdentityFile == "" {
			errs = append(errs, "auth.identity_file is required for online mode")
		}
	case "offline":
		if c.Auth.DisplayName == "" {
			errs = append(errs, "auth.display_name is required for offline mode")
		}
	case "passthrough":
	default:
		errs = append(errs, fmt.Sprintf("invalid auth.mode: %s (must be online, offline, or passthrough)", c.Auth.Mode))
	}

	// Codec
	if c.Codec.Compression != "flate" && c.Codec.Compression != "snappy" {
		errs = append(errs, fmt.Sprintf("invalid codec.compression: %s (must be flate or snappy)", c.Codec.Compression))
	}
	if c.Codec.CompressionThreshold < 0 || c.Codec.CompressionThreshold > 65535 {
		errs = append(errs, "codec.compression_threshold must be between 0 and 65535")
	}

	// Connections
	for _, p := range []struct {
		name string
		cfg  ProfileConfig
	}{{"default", c.Connections.Default}, {"protected", c.Connections.Protected}} {
		if err := validateProfile(p.cfg); err != nil {
			errs = append(errs, fmt.Sprintf("connections.%s: %v", p.name, err))
		}
	}
	switch c.Connections.StateStore {
	case "memory":
		if c.Connections.StoreSize < 1 {
			errs = append(errs, "connections.store_size must be positive")
		}
	case "redis":
		if c.Connections.RedisURL == "" {
			errs = append(errs, "connections.redis_url is required for the redis state store")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid connections.state_store: %s (must be memory or redis)", c.Connections.StateStore))
	}

	// Limits
	if c.Limits.PendingQueueSize < 1 {
		errs = append(errs, "limits.pending_queue_size must be positive")
	}
	if c.Limits.AcceptRate < 0 {
		errs = append(errs, "limits.accept_rate must not be negative")
	}
	if c.Limits.AcceptRate > 0 && c.Limits.AcceptBurst < 1 {
		errs = append(errs, "limits.accept_burst must be positive when accept_rate is set")
	}
	if c.Limits.MaxSessions < 0 {
		errs = append(errs, "limits.max_sessions must not be negative")
	}
	if c.Limits.FlushInterval <= 0 {
		errs = append(errs, "limits.flush_interval must be positive")
	}

	// Health
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateProfile(p ProfileConfig) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("max_delay must be >= initial_delay")
	}
	if p.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if p.SessionTimeout > 0 && p.SessionTimeout < p.ConnectTimeout {
		return fmt.Errorf("session_timeout must be >= connect_timeout")
	}
	if p.RateLimitCount < 0 || (p.RateLimitCount > 0 && p.RateLimitWindow <= 0) {
		return fmt.Errorf("rate_limit_window must be positive when rate_limit_count is set")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "raknet", "quic":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Connections.RedisURL != "" {
		redacted.Connections.RedisURL = redactURL(redacted.Connections.RedisURL)
	}

	return redacted
}

// redactURL hides the password of a URL, keeping the rest readable.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redactedValue
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redactedValue)
	}
	return u.String()
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	if c.Connections.RedisURL == "" {
		return false
	}
	u, err := url.Parse(c.Connections.RedisURL)
	if err != nil {
		return true
	}
	_, ok := u.User.Password()
	return ok
}
