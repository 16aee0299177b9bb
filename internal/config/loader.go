package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// GetConfigPath returns the default config file path (~/.beacon/config.json).
func GetConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".beacon", "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads configuration from a JSON5 or YAML file, then overlays env vars.
// If path is empty, uses the default config path.
// If the file doesn't exist, returns DefaultConfig() with env applied.
func Load(path string) (Config, error) {
	if path == "" {
		path = GetConfigPath()
	}

	cfg := DefaultConfig() // start with defaults so zero-value fields get filled
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if isYAML(path) {
			err = yaml.Unmarshal(data, &cfg)
		} else {
			err = json5.Unmarshal(data, &cfg)
		}
		if err != nil {
			return DefaultConfig(), fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return DefaultConfig(), fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return DefaultConfig(), err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() error {
	envStr := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	envInt := func(key string, dst *int) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	envBool := func(key string, dst *bool) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		// anything but "true" is false
		*dst = strings.EqualFold(v, "true") || v == "1"
	}

	envInt("PORT", &c.Server.Port)
	envInt("MAX_MESSAGES_PER_CHANNEL", &c.Bus.Capacity)
	envInt("HEARTBEAT_MS", &c.Stream.HeartbeatIntervalMs)
	envInt("FORWARD_TIMEOUT_MS", &c.Forward.TimeoutMs)
	envBool("FORWARD_AWAIT", &c.Forward.AwaitMode)
	envStr("CVM_BRAIN_URL", &c.Agents.Brain.URL)
	envStr("CVM_ID_URL", &c.Agents.ID.URL)
	envStr("GATEWAY_RETURN_ADDRESS", &c.Forward.ReturnAddress)
	envStr("REDIS_URL", &c.Redis.URL)
	envStr("GATEWAY_API_KEY", &c.Server.APIKey)
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	envStr("LOG_LEVEL", &c.LogLevel)

	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimitPerSecond < 0 {
		errs = append(errs, errors.New("server.rateLimitPerSecond must not be negative"))
	}
	if c.Bus.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("bus.capacity must be positive, got %d", c.Bus.Capacity))
	}
	if c.Bus.IdleTTLSeconds < 0 {
		errs = append(errs, errors.New("bus.idleTtlSeconds must not be negative"))
	}
	if c.Stream.HeartbeatIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("stream.heartbeatIntervalMs must be positive, got %d", c.Stream.HeartbeatIntervalMs))
	}
	if c.Stream.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("stream.queueSize must be positive, got %d", c.Stream.QueueSize))
	}
	if c.Forward.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("forward.forwardTimeoutMs must be positive, got %d", c.Forward.TimeoutMs))
	}
	for name, ep := range map[string]AgentEndpoint{"brain": c.Agents.Brain, "id": c.Agents.ID} {
		switch ep.Transport {
		case "", "streamable-http", "sse":
		default:
			errs = append(errs, fmt.Errorf("agents.%s.transport %q unsupported", name, ep.Transport))
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logLevel %q unsupported", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Save writes configuration to a JSON (or YAML, by extension) file.
// If path is empty, uses the default config path.
func Save(cfg Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
