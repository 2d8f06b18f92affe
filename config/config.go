package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/c360/semrelay/channel"
	"github.com/c360/semrelay/errors"
)

const envPrefix = "SEMRELAY"

// Config represents the complete relay configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Bus        BusConfig        `json:"bus"`
	Channels   ChannelsConfig   `json:"channels"`
	Connection ConnectionConfig `json:"connection"`
	Metrics    MetricsConfig    `json:"metrics"`
	Log        LogConfig        `json:"log"`
}

// ServerConfig configures the client-facing HTTP listener
type ServerConfig struct {
	Port              int           `json:"port"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout"`
}

// BusConfig configures the NATS connection
type BusConfig struct {
	URL             string        `json:"url"`
	Name            string        `json:"name,omitempty"`
	MaxReconnects   int           `json:"max_reconnects"`
	ReconnectWait   time.Duration `json:"reconnect_wait"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	DrainTimeout    time.Duration `json:"drain_timeout"`
	ConnectAttempts int           `json:"connect_attempts"`
	Username        string        `json:"username,omitempty"`
	Password        string        `json:"password,omitempty"`
	Token           string        `json:"token,omitempty"`
}

// ChannelsConfig configures channel admission
type ChannelsConfig struct {
	AllowedPrefixes []string `json:"allowed_prefixes"`
}

// ConnectionConfig configures per-client WebSocket behavior
type ConnectionConfig struct {
	SendQueue    int           `json:"send_queue"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PingInterval time.Duration `json:"ping_interval"`
}

// MetricsConfig configures the Prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// durationFields lists, per section, the keys holding duration strings.
var durationFields = map[string][]string{
	"server":     {"read_header_timeout"},
	"bus":        {"reconnect_wait", "connect_timeout", "drain_timeout"},
	"connection": {"write_timeout", "ping_interval"},
}

// Loader handles configuration loading with layers
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  envPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file. An empty path yields the
// defaults with environment overrides applied.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = nil
	if path != "" {
		l.layers = []string{path}
	}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"Loader", "Load", "load "+path)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Bus: BusConfig{
			URL:             "nats://localhost:4222",
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			ConnectTimeout:  5 * time.Second,
			DrainTimeout:    5 * time.Second,
			ConnectAttempts: 3,
		},
		Channels: ChannelsConfig{
			AllowedPrefixes: append([]string(nil), channel.DefaultPrefixes...),
		},
		Connection: ConnectionConfig{
			SendQueue:    64,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Port: 0,
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadRaw reads a JSON or YAML file into a generic map with durations
// converted to nanoseconds. JSON files may carry comments.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		data = jsonc.ToJSON(data)
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for section, keys := range durationFields {
		fields, ok := data[section].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			s, ok := fields[key].(string)
			if !ok {
				continue
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", section, key, err)
			}
			fields[key] = d.Nanoseconds()
		}
	}
	return nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps merges override into base. Lists replace rather than append.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		baseVal, exists := result[k]
		if !exists {
			result[k] = v
			continue
		}
		baseSub, baseIsMap := baseVal.(map[string]any)
		overSub, overIsMap := v.(map[string]any)
		if baseIsMap && overIsMap {
			result[k] = deepMergeMaps(baseSub, overSub)
			continue
		}
		result[k] = v
	}

	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var envErr error
	lookup := func(name string) (string, bool) {
		key := l.envPrefix + "_" + name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			return "", false
		}
		if err := validateEnvVar(key, val); err != nil {
			envErr = stderrors.Join(envErr, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err))
			return "", false
		}
		return val, true
	}

	if val, ok := lookup("PORT"); ok {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %s_PORT: %w", errors.ErrInvalidConfig, l.envPrefix, err)
		}
		cfg.Server.Port = port
	}
	if val, ok := lookup("NATS_URL"); ok {
		cfg.Bus.URL = val
	}
	if val, ok := lookup("NATS_USERNAME"); ok {
		cfg.Bus.Username = val
	}
	if val, ok := lookup("NATS_PASSWORD"); ok {
		cfg.Bus.Password = val
	}
	if val, ok := lookup("NATS_TOKEN"); ok {
		cfg.Bus.Token = val
	}
	if val, ok := lookup("LOG_LEVEL"); ok {
		cfg.Log.Level = val
	}
	if val, ok := lookup("LOG_FORMAT"); ok {
		cfg.Log.Format = val
	}
	if val, ok := lookup("ALLOWED_PREFIXES"); ok {
		var prefixes []string
		for _, p := range strings.Split(val, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
		cfg.Channels.AllowedPrefixes = prefixes
	}
	if val, ok := lookup("METRICS_PORT"); ok {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %s_METRICS_PORT: %w", errors.ErrInvalidConfig, l.envPrefix, err)
		}
		cfg.Metrics.Port = port
	}
	return envErr
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
			"Config", "Validate", "validate configuration")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		return invalid("server.read_header_timeout must be positive")
	}

	if strings.TrimSpace(c.Bus.URL) == "" {
		return invalid("bus.url is required")
	}
	if c.Bus.ConnectAttempts < 1 {
		return invalid("bus.connect_attempts must be at least 1")
	}
	if c.Bus.ConnectTimeout <= 0 {
		return invalid("bus.connect_timeout must be positive")
	}
	if c.Bus.DrainTimeout <= 0 {
		return invalid("bus.drain_timeout must be positive")
	}
	if c.Bus.ReconnectWait < 0 {
		return invalid("bus.reconnect_wait cannot be negative")
	}

	if len(c.Channels.AllowedPrefixes) == 0 {
		return invalid("channels.allowed_prefixes cannot be empty")
	}
	for _, p := range c.Channels.AllowedPrefixes {
		if p == "" {
			return invalid("channels.allowed_prefixes contains an empty prefix")
		}
		if strings.ContainsAny(p, "*>") {
			return invalid("channels.allowed_prefixes entry %q contains a wildcard", p)
		}
	}

	if c.Connection.SendQueue < 1 {
		return invalid("connection.send_queue must be at least 1")
	}
	if c.Connection.WriteTimeout <= 0 {
		return invalid("connection.write_timeout must be positive")
	}
	if c.Connection.PingInterval < 0 {
		return invalid("connection.ping_interval cannot be negative")
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Metrics.Port != 0 && c.Metrics.Port == c.Server.Port {
		return invalid("metrics.port conflicts with server.port %d", c.Server.Port)
	}
	if c.Metrics.Path == "" || !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path %q must start with /", c.Metrics.Path)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("log.level %q unknown", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return invalid("log.format %q unknown", c.Log.Format)
	}

	return nil
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Bus.Password != "" {
		masked.Bus.Password = "***"
	}
	if masked.Bus.Token != "" {
		masked.Bus.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
