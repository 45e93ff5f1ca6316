package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration. All durations are Go duration strings
// ("500ms", "10s", "1m").
type Config struct {
	Listen    ListenConfig    `json:"listen"`
	WebSocket WebSocketConfig `json:"websocket,omitempty"`
	Chat      ChatConfig      `json:"chat"`
	Logging   LoggingConfig   `json:"logging"`

	// ShutdownTimeout bounds how long a graceful stop waits for sessions.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type ListenConfig struct {
	Addr string `json:"addr"`
}

// WebSocketConfig enables the WebSocket transport when Addr is set.
type WebSocketConfig struct {
	Addr string `json:"addr,omitempty"`
	Path string `json:"path,omitempty"`
}

type ChatConfig struct {
	Prompt string `json:"prompt,omitempty"`
	// OutboundCapacity is the per-peer queue length.
	OutboundCapacity int `json:"outbound_capacity,omitempty"`
	MaxLineLength    int `json:"max_line_length,omitempty"`
	// Delivery is "block" (wait for room in a full peer queue) or "drop"
	// (skip that peer for this event).
	Delivery     string          `json:"delivery,omitempty"`
	WriteTimeout string          `json:"write_timeout,omitempty"`
	RateLimit    RateLimitConfig `json:"rate_limit,omitempty"`
}

// RateLimitConfig throttles inbound lines per connection. LinesPerSec 0
// disables the limit.
type RateLimitConfig struct {
	LinesPerSec float64 `json:"lines_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

const (
	DefaultListenAddr       = "127.0.0.1:8080"
	DefaultWebSocketPath    = "/ws"
	DefaultOutboundCapacity = 128
	DefaultMaxLineLength    = 64 * 1024
	DefaultShutdownTimeout  = 5 * time.Second

	DeliveryBlock = "block"
	DeliveryDrop  = "drop"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Listen.Addr) == "" {
		c.Listen.Addr = DefaultListenAddr
	}
	if c.WebSocket.Addr != "" && c.WebSocket.Path == "" {
		c.WebSocket.Path = DefaultWebSocketPath
	}
	if c.Chat.Prompt == "" {
		c.Chat.Prompt = "send your name"
	}
	if c.Chat.OutboundCapacity <= 0 {
		c.Chat.OutboundCapacity = DefaultOutboundCapacity
	}
	if c.Chat.MaxLineLength <= 0 {
		c.Chat.MaxLineLength = DefaultMaxLineLength
	}
	if c.Chat.Delivery == "" {
		c.Chat.Delivery = DeliveryBlock
	}
	if c.Chat.RateLimit.LinesPerSec > 0 && c.Chat.RateLimit.Burst <= 0 {
		c.Chat.RateLimit.Burst = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch c.Chat.Delivery {
	case DeliveryBlock, DeliveryDrop:
	default:
		return fmt.Errorf("chat.delivery: must be %q or %q, got %q", DeliveryBlock, DeliveryDrop, c.Chat.Delivery)
	}
	if c.Chat.RateLimit.LinesPerSec < 0 {
		return fmt.Errorf("chat.rate_limit.lines_per_sec: must be >= 0")
	}
	if c.WebSocket.Path != "" && !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("websocket.path: must start with '/'")
	}
	if _, err := ParseDurationField("chat.write_timeout", c.Chat.WriteTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("shutdown_timeout", c.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

// WriteTimeoutDuration returns the parsed write timeout; zero means none.
func (c *Config) WriteTimeoutDuration() time.Duration {
	d, _ := ParseDurationField("chat.write_timeout", c.Chat.WriteTimeout)
	return d
}

func (c *Config) ShutdownTimeoutDuration() time.Duration {
	d, _ := ParseDurationOrDefault("shutdown_timeout", c.ShutdownTimeout, DefaultShutdownTimeout)
	return d
}
