// Package config defines the zenithd configuration schema and its
// loaders. Files are YAML or JSON, auto-detected by extension, and can
// be watched for hot reload of the route table.
package config

import (
	"fmt"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Engine   EngineConfig    `yaml:"engine" json:"engine"`
	Host     HostConfig      `yaml:"plugin_host" json:"plugin_host"`
	Channels []ChannelConfig `yaml:"channels" json:"channels"`
	Routes   []RouteConfig   `yaml:"routes" json:"routes"`
	Plugins  []PluginConfig  `yaml:"plugins" json:"plugins"`
	Store    StoreConfig     `yaml:"store" json:"store"`
}

// EngineConfig configures the data-plane core.
type EngineConfig struct {
	// RingCapacity is the ring buffer size; must be a power of two.
	RingCapacity int `yaml:"ring_capacity" json:"ring_capacity"`

	// PollPolicy is "park" or "spin".
	PollPolicy string `yaml:"poll_policy" json:"poll_policy"`

	// PluginTimeout bounds each plugin invocation, e.g. "5ms".
	PluginTimeout time.Duration `yaml:"plugin_timeout" json:"plugin_timeout"`

	// DiscardOnStop drops the ring backlog on shutdown instead of
	// processing it.
	DiscardOnStop bool `yaml:"discard_on_stop" json:"discard_on_stop"`
}

// HostConfig configures the WASM plugin sandbox.
type HostConfig struct {
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" json:"memory_limit_pages"`
	MaxPayloadBytes  uint32 `yaml:"max_payload_bytes" json:"max_payload_bytes"`
}

// ChannelConfig declares one named output channel.
type ChannelConfig struct {
	Name   string `yaml:"name" json:"name"`
	Buffer int    `yaml:"buffer" json:"buffer"`
}

// RouteConfig binds a source to one or more declared channels.
type RouteConfig struct {
	SourceID uint32   `yaml:"source_id" json:"source_id"`
	Channels []string `yaml:"channels" json:"channels"`
}

// PluginConfig declares one WASM plugin loaded at startup. Plugins run
// as pipeline stages in declaration order.
type PluginConfig struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
}

// StoreConfig wires a channel into the SQLite event store. An empty
// Path disables persistence.
type StoreConfig struct {
	Path          string        `yaml:"path" json:"path"`
	Channel       string        `yaml:"channel" json:"channel"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// Default values applied by the loaders when a field is unset.
const (
	DefaultRingCapacity  = 1024
	DefaultPollPolicy    = "park"
	DefaultPluginTimeout = 5 * time.Millisecond
	DefaultChannelBuffer = 256
	DefaultFlushInterval = time.Second
)

// applyDefaults fills unset fields in place.
func (c *Config) applyDefaults() {
	if c.Engine.RingCapacity == 0 {
		c.Engine.RingCapacity = DefaultRingCapacity
	}
	if c.Engine.PollPolicy == "" {
		c.Engine.PollPolicy = DefaultPollPolicy
	}
	if c.Engine.PluginTimeout == 0 {
		c.Engine.PluginTimeout = DefaultPluginTimeout
	}
	for i := range c.Channels {
		if c.Channels[i].Buffer == 0 {
			c.Channels[i].Buffer = DefaultChannelBuffer
		}
	}
	if c.Store.Path != "" && c.Store.FlushInterval == 0 {
		c.Store.FlushInterval = DefaultFlushInterval
	}
}

// Validate checks cross-field consistency. It reports the first problem
// found.
func (c *Config) Validate() error {
	if n := c.Engine.RingCapacity; n <= 0 || n&(n-1) != 0 {
		return fmt.Errorf("engine.ring_capacity must be a power of two, got %d", n)
	}
	switch c.Engine.PollPolicy {
	case "park", "spin":
	default:
		return fmt.Errorf("engine.poll_policy must be \"park\" or \"spin\", got %q", c.Engine.PollPolicy)
	}
	if c.Engine.PluginTimeout <= 0 {
		return fmt.Errorf("engine.plugin_timeout must be positive, got %s", c.Engine.PluginTimeout)
	}

	names := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels entries require a name")
		}
		if names[ch.Name] {
			return fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		names[ch.Name] = true
	}

	for _, r := range c.Routes {
		if len(r.Channels) == 0 {
			return fmt.Errorf("route for source %d names no channels", r.SourceID)
		}
		for _, name := range r.Channels {
			if !names[name] {
				return fmt.Errorf("route for source %d references undeclared channel %q", r.SourceID, name)
			}
		}
	}

	plugins := make(map[string]bool, len(c.Plugins))
	for _, p := range c.Plugins {
		if p.Name == "" || p.Path == "" {
			return fmt.Errorf("plugins entries require name and path")
		}
		if plugins[p.Name] {
			return fmt.Errorf("duplicate plugin name %q", p.Name)
		}
		plugins[p.Name] = true
	}

	if c.Store.Path != "" && !names[c.Store.Channel] {
		return fmt.Errorf("store.channel %q is not a declared channel", c.Store.Channel)
	}
	return nil
}
