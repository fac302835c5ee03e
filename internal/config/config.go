package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/codewiresh/nmbridge/internal/connection"
)

// Journal sink kinds.
const (
	SinkFile   = "file"
	SinkSQLite = "sqlite"
	SinkNone   = "none"
)

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	Transport TransportConfig `toml:"transport"`
	Framing   FramingConfig   `toml:"framing"`
	Journal   JournalConfig   `toml:"journal"`
	Log       LogConfig       `toml:"log"`
}

// TransportConfig describes how to reach the local service.
type TransportConfig struct {
	// Socket or pipe base name.
	Service string `toml:"service"`
	// Explicit socket/pipe path; overrides Service when set.
	SocketPath string `toml:"socket_path,omitempty"`
	// First pipe path component (Windows only).
	PipeNamespace string   `toml:"pipe_namespace"`
	ReadTimeout   Duration `toml:"read_timeout"`
	WriteTimeout  Duration `toml:"write_timeout"`
	// Reject a socket whose listener runs as another user (Unix only).
	VerifyPeer bool `toml:"verify_peer"`
}

// FramingConfig controls the stdin decoder.
type FramingConfig struct {
	// Slide over the stream after a bad length prefix instead of
	// discarding the declared length.
	Resync bool `toml:"resync"`
}

// JournalConfig selects the traffic journal sink.
type JournalConfig struct {
	Sink string `toml:"sink"`
	Path string `toml:"path"`
}

// LogConfig controls diagnostic logging on stderr.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration that reads and writes as "1s", "250ms", ...
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Service:       connection.DefaultService,
			PipeNamespace: connection.DefaultPipeNamespace,
			ReadTimeout:   Duration{connection.DefaultReadTimeout},
		},
		Journal: JournalConfig{
			Sink: SinkFile,
			Path: "proxy.log",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/nmbridge/config.toml, falling back
// to ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(dir, "nmbridge", "config.toml")
}

// LoadConfig reads path (a missing file means defaults), applies
// environment variable overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("NMBRIDGE_SOCKET"); v != "" {
		cfg.Transport.SocketPath = v
	}
	if v := os.Getenv("NMBRIDGE_SERVICE"); v != "" {
		cfg.Transport.Service = v
	}
	if v := os.Getenv("NMBRIDGE_JOURNAL"); v != "" {
		cfg.Journal.Sink = v
	}
	if v := os.Getenv("NMBRIDGE_LOG_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("NMBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values that the TOML decoder cannot.
func (c *Config) Validate() error {
	if c.Transport.Service == "" && c.Transport.SocketPath == "" {
		return fmt.Errorf("transport.service must not be empty")
	}
	if c.Transport.ReadTimeout.Duration < 0 {
		return fmt.Errorf("transport.read_timeout must not be negative, got %s", c.Transport.ReadTimeout)
	}
	if c.Transport.WriteTimeout.Duration < 0 {
		return fmt.Errorf("transport.write_timeout must not be negative, got %s", c.Transport.WriteTimeout)
	}

	switch c.Journal.Sink {
	case SinkFile, SinkSQLite:
		if c.Journal.Path == "" {
			return fmt.Errorf("journal.path is required for sink %q", c.Journal.Sink)
		}
	case SinkNone:
	default:
		return fmt.Errorf("journal.sink must be one of file, sqlite, none; got %q", c.Journal.Sink)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error; got %q", level)
	}
}

// ConnectionOptions converts the transport section for connection.Dial.
func (c *Config) ConnectionOptions() connection.Options {
	return connection.Options{
		Service:       c.Transport.Service,
		SocketPath:    c.Transport.SocketPath,
		PipeNamespace: c.Transport.PipeNamespace,
		ReadTimeout:   c.Transport.ReadTimeout.Duration,
		WriteTimeout:  c.Transport.WriteTimeout.Duration,
		VerifyPeer:    c.Transport.VerifyPeer,
	}
}

// Encode writes the configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	enc := toml.NewEncoder(w)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// Save writes the configuration to path, creating the directory if
// necessary.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	return c.Encode(f)
}
