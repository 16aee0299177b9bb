// Package config handles configuration loading, saving, and schema definition.
package config

import (
	"time"
)

// Config is the top-level gateway configuration.
// Uses camelCase tags to match the JSON/YAML config file format.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Bus      BusConfig     `json:"bus" yaml:"bus"`
	Stream   StreamConfig  `json:"stream" yaml:"stream"`
	Forward  ForwardConfig `json:"forward" yaml:"forward"`
	Agents   AgentsConfig  `json:"agents" yaml:"agents"`
	Redis    RedisConfig   `json:"redis" yaml:"redis"`
	Tracing  TracingConfig `json:"tracing" yaml:"tracing"`
	LogLevel string        `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	// AdaptorsFile seeds the adaptor directory at startup (adaptors.yaml).
	AdaptorsFile string `json:"adaptorsFile,omitempty" yaml:"adaptorsFile,omitempty"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host   string `json:"host,omitempty" yaml:"host,omitempty"`
	Port   int    `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"` // Bearer token for /api routes (GATEWAY_API_KEY)
	// Inbound POST rate limit per (network, bot); 0 disables.
	RateLimitPerSecond float64 `json:"rateLimitPerSecond,omitempty" yaml:"rateLimitPerSecond,omitempty"`
	RateLimitBurst     int     `json:"rateLimitBurst,omitempty" yaml:"rateLimitBurst,omitempty"`
}

// BusConfig holds event log settings.
type BusConfig struct {
	Capacity int `json:"capacity,omitempty" yaml:"capacity,omitempty"` // events retained per channel
	// Exclusive lets only the newest subscriber of a channel receive events.
	Exclusive      bool `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
	IdleTTLSeconds int  `json:"idleTtlSeconds,omitempty" yaml:"idleTtlSeconds,omitempty"` // 0 keeps idle channels forever
}

// StreamConfig holds SSE/WebSocket settings.
type StreamConfig struct {
	HeartbeatIntervalMs int `json:"heartbeatIntervalMs,omitempty" yaml:"heartbeatIntervalMs,omitempty"`
	QueueSize           int `json:"queueSize,omitempty" yaml:"queueSize,omitempty"`
}

// ForwardConfig holds the agent hand-off settings.
type ForwardConfig struct {
	TimeoutMs         int    `json:"forwardTimeoutMs,omitempty" yaml:"forwardTimeoutMs,omitempty"`
	AwaitMode         bool   `json:"awaitMode" yaml:"awaitMode"`
	SurfaceLate       bool   `json:"surfaceLate" yaml:"surfaceLate"`
	PendingTTLSeconds int    `json:"pendingTtlSeconds,omitempty" yaml:"pendingTtlSeconds,omitempty"`
	ReturnAddress     string `json:"returnAddress,omitempty" yaml:"returnAddress,omitempty"`
	// SettingsFile is watched for runtime changes to timeout and await mode.
	SettingsFile string `json:"settingsFile,omitempty" yaml:"settingsFile,omitempty"`
}

// AgentsConfig holds one endpoint per bot type.
type AgentsConfig struct {
	Brain AgentEndpoint `json:"brain" yaml:"brain"`
	ID    AgentEndpoint `json:"id" yaml:"id"`
}

// AgentEndpoint describes an MCP server reachable by the gateway.
type AgentEndpoint struct {
	URL           string            `json:"url,omitempty" yaml:"url,omitempty"`
	Transport     string            `json:"transport,omitempty" yaml:"transport,omitempty"` // streamable-http | sse
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	CallTimeoutMs int               `json:"callTimeoutMs,omitempty" yaml:"callTimeoutMs,omitempty"`
}

// RedisConfig holds the optional adaptor directory mirror.
type RedisConfig struct {
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
	KeyPrefix string `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty"`
}

// TracingConfig holds OpenTelemetry export settings. Empty endpoint disables export.
type TracingConfig struct {
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ServiceName string `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3030,
		},
		Bus: BusConfig{
			Capacity:       500,
			IdleTTLSeconds: 1800,
		},
		Stream: StreamConfig{
			HeartbeatIntervalMs: 15000,
			QueueSize:           256,
		},
		Forward: ForwardConfig{
			TimeoutMs:         5000,
			SurfaceLate:       true,
			PendingTTLSeconds: 600,
		},
		Agents: AgentsConfig{
			Brain: AgentEndpoint{Transport: "streamable-http"},
			ID:    AgentEndpoint{Transport: "streamable-http"},
		},
		Redis: RedisConfig{
			KeyPrefix: "beacon:",
		},
		Tracing: TracingConfig{
			ServiceName: "beacon-gateway",
		},
		LogLevel: "info",
	}
}

// Heartbeat is the stream heartbeat interval.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Stream.HeartbeatIntervalMs) * time.Millisecond
}

// ForwardTimeout is the await-mode timeout.
func (c Config) ForwardTimeout() time.Duration {
	return time.Duration(c.Forward.TimeoutMs) * time.Millisecond
}

// IdleTTL is how long a channel without subscribers is kept.
func (c Config) IdleTTL() time.Duration {
	return time.Duration(c.Bus.IdleTTLSeconds) * time.Second
}

// PendingTTL is how long an unresolved forward is tracked.
func (c Config) PendingTTL() time.Duration {
	return time.Duration(c.Forward.PendingTTLSeconds) * time.Second
}

// CallTimeout is the per-call cap for this endpoint; 0 means none.
func (e AgentEndpoint) CallTimeout() time.Duration {
	return time.Duration(e.CallTimeoutMs) * time.Millisecond
}
