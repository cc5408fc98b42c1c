// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development enables the debug latency shim and request logging.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Mode is the thread-affinity mode of a route.
type Mode string

const (
	// ModePinned runs every handler callback for the route on the
	// process-wide owner loop, totally ordered with every other pinned
	// route.
	ModePinned Mode = "pinned"

	// ModeDedicated gives each duplex connection its own sequential
	// loop and worker for its lifetime. HTTP requests on a dedicated
	// route each get a private loop on a pool worker.
	ModeDedicated Mode = "dedicated"
)

// RouteKind distinguishes plain HTTP routes from duplex routes.
type RouteKind string

const (
	KindHTTP   RouteKind = "http"
	KindDuplex RouteKind = "duplex"
)

// Config is the master configuration for an affinity server.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Routes maps URL paths to handlers and affinity modes.
	Routes []Route `yaml:"routes"`

	// Calls configures synchronous calls to the peer.
	Calls CallsConfig `yaml:"calls"`

	// Pool configures the worker pool backing dedicated connections.
	Pool PoolConfig `yaml:"pool"`

	// ProtocolErrors bounds how many malformed frames a connection may
	// send before it is closed.
	ProtocolErrors ProtocolErrorsConfig `yaml:"protocol_errors"`

	// Debug configures the development diagnostics shim.
	Debug DebugConfig `yaml:"debug"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Server *ServerConfig `yaml:"server,omitempty"`
	Calls  *CallsConfig  `yaml:"calls,omitempty"`
	Pool   *PoolConfig   `yaml:"pool,omitempty"`
	Debug  *DebugConfig  `yaml:"debug,omitempty"`
}

// ServerConfig configures the HTTP listener and WebSocket transport.
type ServerConfig struct {
	// Listen is the TCP address to listen on.
	// Default: 127.0.0.1:8700
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown of in-flight requests
	// and live connections.
	// Default: 10s
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// WriteTimeout is the deadline for one WebSocket write.
	// Default: 10s
	WriteTimeout Duration `yaml:"write_timeout"`

	// ReadLimit is the largest inbound WebSocket message in bytes.
	// Default: 1 MiB
	ReadLimit int64 `yaml:"read_limit"`
}

// Route binds a URL path to a registered handler.
type Route struct {
	// Path is the exact URL path, e.g. "/ws/echo".
	Path string `yaml:"path"`

	// Kind is "http" or "duplex".
	Kind RouteKind `yaml:"kind"`

	// Mode is "pinned" or "dedicated".
	Mode Mode `yaml:"mode"`

	// Handler names the handler factory registered with the server.
	Handler string `yaml:"handler"`
}

// CallsConfig configures synchronous calls.
type CallsConfig struct {
	// Timeout is how long a call waits for the peer's reply.
	// Default: 10s
	Timeout Duration `yaml:"timeout"`
}

// PoolConfig configures the dedicated-connection worker pool.
type PoolConfig struct {
	// IdleTimeout is how long an idle worker waits for new work
	// before exiting.
	// Default: 30s
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// ProtocolErrorsConfig is a token bucket over malformed frames.
type ProtocolErrorsConfig struct {
	// Rate is the sustained number of tolerated malformed frames per
	// second.
	// Default: 1
	Rate float64 `yaml:"rate"`

	// Burst is how many malformed frames may arrive back to back.
	// Default: 5
	Burst int `yaml:"burst"`
}

// DebugConfig configures the development diagnostics shim.
type DebugConfig struct {
	// Latency pads every completed call so the handler observes at
	// least this round-trip time. Forced to zero outside development.
	// Default: 100ms
	Latency Duration `yaml:"latency"`

	// SlowCallThreshold logs calls whose real wait exceeds it.
	// Default: 500ms
	SlowCallThreshold Duration `yaml:"slow_call_threshold"`
}

// Default returns the development configuration used as the base
// before a file is loaded. It has no routes.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Listen:          "127.0.0.1:8700",
			ShutdownTimeout: Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ReadLimit:       1 << 20,
		},
		Calls: CallsConfig{
			Timeout: Duration(10 * time.Second),
		},
		Pool: PoolConfig{
			IdleTimeout: Duration(30 * time.Second),
		},
		ProtocolErrors: ProtocolErrorsConfig{
			Rate:  1,
			Burst: 5,
		},
		Debug: DebugConfig{
			Latency:           Duration(100 * time.Millisecond),
			SlowCallThreshold: Duration(500 * time.Millisecond),
		},
	}
}

// Load loads configuration from the file named by AFFINITY_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("AFFINITY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("AFFINITY_CONFIG environment variable not set; " +
			"set it to the path of your affinity.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	jsonInput := false
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		jsonInput = true
	}

	cfg, err := Parse(data, jsonInput)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document over Default, then applies
// environment overrides and variable expansion. If jsonInput is true
// the document is JSONC.
func Parse(data []byte, jsonInput bool) (*Config, error) {
	if jsonInput {
		// JSON is a subset of YAML, so one decoder serves both once
		// comments and trailing commas are stripped.
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides applies the section matching Environment
// and forces the latency shim off outside development.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides != nil {
		if overrides.Server != nil {
			if overrides.Server.Listen != "" {
				c.Server.Listen = overrides.Server.Listen
			}
			if overrides.Server.ShutdownTimeout != 0 {
				c.Server.ShutdownTimeout = overrides.Server.ShutdownTimeout
			}
			if overrides.Server.WriteTimeout != 0 {
				c.Server.WriteTimeout = overrides.Server.WriteTimeout
			}
			if overrides.Server.ReadLimit != 0 {
				c.Server.ReadLimit = overrides.Server.ReadLimit
			}
		}
		if overrides.Calls != nil && overrides.Calls.Timeout != 0 {
			c.Calls.Timeout = overrides.Calls.Timeout
		}
		if overrides.Pool != nil && overrides.Pool.IdleTimeout != 0 {
			c.Pool.IdleTimeout = overrides.Pool.IdleTimeout
		}
		if overrides.Debug != nil {
			// Zero is a meaningful latency, so it is always applied.
			c.Debug.Latency = overrides.Debug.Latency
			if overrides.Debug.SlowCallThreshold != 0 {
				c.Debug.SlowCallThreshold = overrides.Debug.SlowCallThreshold
			}
		}
	}

	if c.Environment != Development {
		c.Debug.Latency = 0
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func (c *Config) expandVariables() {
	c.Server.Listen = varPattern.ReplaceAllStringFunc(c.Server.Listen, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.ReadLimit <= 0 {
		errs = append(errs, errors.New("server.read_limit must be positive"))
	}
	if c.Calls.Timeout <= 0 {
		errs = append(errs, errors.New("calls.timeout must be positive"))
	}
	if c.Pool.IdleTimeout <= 0 {
		errs = append(errs, errors.New("pool.idle_timeout must be positive"))
	}
	if c.ProtocolErrors.Rate < 0 || c.ProtocolErrors.Burst < 1 {
		errs = append(errs, errors.New("protocol_errors needs rate >= 0 and burst >= 1"))
	}
	if c.Debug.Latency < 0 {
		errs = append(errs, errors.New("debug.latency must not be negative"))
	}

	seen := make(map[string]bool)
	for i, route := range c.Routes {
		prefix := fmt.Sprintf("routes[%d]", i)
		if !strings.HasPrefix(route.Path, "/") {
			errs = append(errs, fmt.Errorf("%s.path must start with /: %q", prefix, route.Path))
		}
		if seen[route.Path] {
			errs = append(errs, fmt.Errorf("%s.path %q is declared twice", prefix, route.Path))
		}
		seen[route.Path] = true
		if route.Kind != KindHTTP && route.Kind != KindDuplex {
			errs = append(errs, fmt.Errorf("%s.kind must be http or duplex, got %q", prefix, route.Kind))
		}
		if route.Mode != ModePinned && route.Mode != ModeDedicated {
			errs = append(errs, fmt.Errorf("%s.mode must be pinned or dedicated, got %q", prefix, route.Mode))
		}
		if route.Handler == "" {
			errs = append(errs, fmt.Errorf("%s.handler is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// Route returns the route declared for path.
func (c *Config) Route(path string) (Route, bool) {
	for _, route := range c.Routes {
		if route.Path == path {
			return route, true
		}
	}
	return Route{}, false
}
