// Package httpconn bridges request/response objects to a native HTTP
// transport. A Conn wraps one transport connection, yields each accepted
// request as a RequestEvent and writes the handler's Response back through
// the transport, including raw connection and WebSocket upgrades.
package httpconn

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Engine names accepted by Config.Engine.
const (
	EngineNet  = "net"
	EngineGnet = "gnet"
)

// DefaultWebSocketIdleTimeout is used when WebSocketOptions.IdleTimeout is zero.
const DefaultWebSocketIdleTimeout = 120 * time.Second

// Config holds the listener, transport and session options.
type Config struct {
	Addr                 string        `yaml:"addr"`                   // Server address to bind to
	Engine               string        `yaml:"engine"`                 // Listener implementation: "net" or "gnet"
	Multicore            bool          `yaml:"multicore"`              // gnet multicore mode
	NumEventLoop         int           `yaml:"num_event_loop"`         // Number of gnet event loops (0 for auto-detect)
	ReusePort            bool          `yaml:"reuse_port"`             // Enable SO_REUSEPORT
	MaxConnections       int           `yaml:"max_connections"`        // gnet connection cap (0 for unlimited)
	ReadTimeout          time.Duration `yaml:"read_timeout"`           // Idle limit while waiting for a request head
	WriteTimeout         time.Duration `yaml:"write_timeout"`          // Maximum duration of a single response write
	MaxHeaderBytes       int           `yaml:"max_header_bytes"`       // Maximum request head size in bytes
	MaxConcurrentStreams uint32        `yaml:"max_concurrent_streams"` // Maximum concurrent HTTP/2 streams
	EnableH1             bool          `yaml:"enable_h1"`              // Enable HTTP/1.1 support
	EnableH2             bool          `yaml:"enable_h2"`              // Enable HTTP/2 support
	WebSocketIdleTimeout time.Duration `yaml:"websocket_idle_timeout"` // Default idle timeout for upgraded sockets
	Logger               *zap.Logger   `yaml:"-"`                      // Logger for connection events
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                 ":8080",
		Engine:               EngineNet,
		Multicore:            true,
		NumEventLoop:         0, // Auto-detect
		ReusePort:            true,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         30 * time.Second,
		MaxHeaderBytes:       1 << 20, // 1 MB
		MaxConcurrentStreams: 100,
		EnableH1:             true,
		EnableH2:             true,
		WebSocketIdleTimeout: DefaultWebSocketIdleTimeout,
		Logger:               zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	switch c.Engine {
	case "":
		c.Engine = EngineNet
	case EngineNet, EngineGnet:
	default:
		return fmt.Errorf("httpconn: unknown engine %q", c.Engine)
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.NumEventLoop < 0 {
		return fmt.Errorf("httpconn: negative num_event_loop %d", c.NumEventLoop)
	}
	if c.WebSocketIdleTimeout == 0 {
		c.WebSocketIdleTimeout = DefaultWebSocketIdleTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	// At least one protocol must be enabled
	if !c.EnableH1 && !c.EnableH2 {
		c.EnableH1 = true
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("httpconn: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("httpconn: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
