// Package config loads and validates the server's file configuration.
// TOML and JSON are both accepted, selected by file extension.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// LogLevel names the minimum severity for log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   *ServerConfig   `json:"server,omitempty" toml:"server,omitempty"`
	Engine   *EngineConfig   `json:"engine,omitempty" toml:"engine,omitempty"`
	Executor *ExecutorConfig `json:"executor,omitempty" toml:"executor,omitempty"`
	Logging  *LoggingConfig  `json:"logging,omitempty" toml:"logging,omitempty"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Address *string `json:"address,omitempty" toml:"address,omitempty"`
}

// EngineConfig holds the protocol engine's handshake settings; each field
// maps to a SETTINGS parameter advertised to the peer. Zero values fall
// back to the engine's defaults.
type EngineConfig struct {
	MaxConcurrentStreams *uint32 `json:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty"`
	MaxFrameSize         *uint32 `json:"max_frame_size,omitempty" toml:"max_frame_size,omitempty"`
	InitialWindowSize    *uint32 `json:"initial_window_size,omitempty" toml:"initial_window_size,omitempty"`
	MaxHeaderListSize    *uint32 `json:"max_header_list_size,omitempty" toml:"max_header_list_size,omitempty"`
	AcceptBacklog        *int    `json:"accept_backlog,omitempty" toml:"accept_backlog,omitempty"`
}

// ExecutorConfig sizes the background responder executor. Zero or absent
// workers select the unbounded goroutine executor.
type ExecutorConfig struct {
	Workers *int `json:"workers,omitempty" toml:"workers,omitempty"`
	Queue   *int `json:"queue,omitempty" toml:"queue,omitempty"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  LogLevel `json:"level,omitempty" toml:"level,omitempty"`
	Format *string  `json:"format,omitempty" toml:"format,omitempty"` // "json" or "console"
	Target *string  `json:"target,omitempty" toml:"target,omitempty"` // "stdout", "stderr" or a file path
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Load reads, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing TOML config %s", path)
		}
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing JSON config %s", path)
		}
	default:
		return nil, errors.Errorf("unsupported config extension %q (want .toml or .json)", filepath.Ext(path))
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.Address == nil {
		addr := "127.0.0.1:8080"
		c.Server.Address = &addr
	}
	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if c.Executor == nil {
		c.Executor = &ExecutorConfig{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = LogLevelInfo
	}
	if c.Logging.Format == nil {
		format := "console"
		c.Logging.Format = &format
	}
	if c.Logging.Target == nil {
		target := "stderr"
		c.Logging.Target = &target
	}
}

func (c *Config) validate() error {
	if *c.Server.Address == "" {
		return errors.New("server.address cannot be empty")
	}
	if v := c.Engine.MaxFrameSize; v != nil && (*v < 16384 || *v > 1<<24-1) {
		return errors.Errorf("engine.max_frame_size %d out of range [16384, 16777215]", *v)
	}
	if v := c.Engine.AcceptBacklog; v != nil && *v < 0 {
		return errors.Errorf("engine.accept_backlog cannot be negative")
	}
	if v := c.Executor.Workers; v != nil && *v < 0 {
		return errors.New("executor.workers cannot be negative")
	}
	if v := c.Executor.Queue; v != nil && *v < 0 {
		return errors.New("executor.queue cannot be negative")
	}
	switch c.Logging.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return errors.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch *c.Logging.Format {
	case "json", "console":
	default:
		return errors.Errorf("logging.format %q is not one of json, console", *c.Logging.Format)
	}
	return nil
}
