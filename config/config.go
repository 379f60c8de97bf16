// Package config loads the server configuration from a YAML file, the
// environment and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/searchktools/guesthttp/core"
	"github.com/searchktools/guesthttp/core/guest/wasm"
	"github.com/searchktools/guesthttp/core/observability"
	"github.com/searchktools/guesthttp/core/transport"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Middleware MiddlewareConfig        `yaml:"middleware"`
	Log        observability.LogConfig `yaml:"log"`
	Metrics    MetricsConfig           `yaml:"metrics"`
	Guest      GuestConfig             `yaml:"guest"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Transport      string        `yaml:"transport"`
	EventLoops     int           `yaml:"event_loops"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	MaxBodyBuffer  int           `yaml:"max_body_buffer"`
	StrictRoutes   bool          `yaml:"strict_routes"`
}

// MiddlewareConfig selects the steps run in front of matched handlers.
type MiddlewareConfig struct {
	RequestID bool `yaml:"request_id"`
	CORS      bool `yaml:"cors"`
	// RateLimit is requests per second over all loops; zero disables it.
	RateLimit int `yaml:"rate_limit"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// GuestConfig names a WebAssembly module and the routes it serves.
type GuestConfig struct {
	Module string       `yaml:"module"`
	Routes []wasm.Route `yaml:"routes"`

	// BodyLimit caps request bodies handed to the guest. Zero keeps
	// wasm.DefaultBodyLimit, a negative value removes the cap.
	BodyLimit int `yaml:"body_limit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	def := core.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:          def.Host,
			Port:          def.Port,
			Transport:     string(transport.Auto),
			IdleTimeout:   def.IdleTimeout,
			MaxBodyBuffer: def.MaxBodyBuffer,
		},
		Middleware: MiddlewareConfig{RequestID: true},
		Log:        observability.DefaultLogConfig(),
		Metrics:    MetricsConfig{Addr: ":9090", Path: "/metrics"},
	}
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader reads YAML from r on top of the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default}; $$ escapes a dollar.
func substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", "\x00ESCAPED_DOLLAR\x00")
	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(sub[1]); ok {
			return value
		}
		return sub[2]
	})
	return strings.ReplaceAll(result, "\x00ESCAPED_DOLLAR\x00", "$")
}

// Parse builds the configuration from command line arguments. A -config file
// is loaded first, then PORT from the environment, then explicitly set flags.
func Parse(name string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	def := Default()

	path := fs.String("config", "", "YAML configuration file")
	host := fs.String("host", def.Server.Host, "Listen host")
	port := fs.Int("port", def.Server.Port, "HTTP server port")
	kind := fs.String("transport", def.Server.Transport, "Transport: auto, io_uring, epoll, kqueue or nio")
	loops := fs.Int("event-loops", 0, "Event loops (0 = number of CPUs)")
	idle := fs.Duration("idle-timeout", def.Server.IdleTimeout, "Close connections idle this long")
	strict := fs.Bool("strict-routes", false, "Reject duplicate route registration")
	logLevel := fs.String("log-level", def.Log.Level, "Log level")
	logFormat := fs.String("log-format", def.Log.Format, "Log format: json or console")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	module := fs.String("wasm", "", "WebAssembly guest module")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := def
	if *path != "" {
		loaded, err := Load(*path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if p := os.Getenv("PORT"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: PORT=%q", ErrInvalidConfig, p)
		}
		cfg.Server.Port = n
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Server.Host = *host
		case "port":
			cfg.Server.Port = *port
		case "transport":
			cfg.Server.Transport = *kind
		case "event-loops":
			cfg.Server.EventLoops = *loops
		case "idle-timeout":
			cfg.Server.IdleTimeout = *idle
		case "strict-routes":
			cfg.Server.StrictRoutes = *strict
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "metrics-addr":
			cfg.Metrics.Enabled = true
			cfg.Metrics.Addr = *metricsAddr
		case "wasm":
			cfg.Guest.Module = *module
		}
	})
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot use.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port))
	}
	if _, err := transport.ParseKind(c.Server.Transport); err != nil {
		errs = append(errs, fmt.Errorf("%w: server.transport: %w", ErrInvalidConfig, err))
	}
	if c.Server.EventLoops < 0 {
		errs = append(errs, fmt.Errorf("%w: server.event_loops must not be negative", ErrInvalidConfig))
	}
	if c.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: server.idle_timeout must not be negative", ErrInvalidConfig))
	}
	if c.Server.MaxHeaderBytes < 0 || c.Server.MaxBodyBuffer < 0 {
		errs = append(errs, fmt.Errorf("%w: server buffer sizes must not be negative", ErrInvalidConfig))
	}
	if c.Middleware.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: middleware.rate_limit must not be negative", ErrInvalidConfig))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, fmt.Errorf("%w: metrics.addr is required when metrics are enabled", ErrInvalidConfig))
	}
	if len(c.Guest.Routes) > 0 && c.Guest.Module == "" {
		errs = append(errs, fmt.Errorf("%w: guest.routes need guest.module", ErrInvalidConfig))
	}
	for i, r := range c.Guest.Routes {
		if r.Export == "" {
			errs = append(errs, fmt.Errorf("%w: guest.routes[%d].export is empty", ErrInvalidConfig, i))
		}
	}
	return errors.Join(errs...)
}

// Engine returns the engine settings. An unparsable transport falls back to
// auto; Validate reports it.
func (c *Config) Engine() core.Config {
	kind, err := transport.ParseKind(c.Server.Transport)
	if err != nil {
		kind = transport.Auto
	}
	return core.Config{
		Host:           c.Server.Host,
		Port:           c.Server.Port,
		Transport:      kind,
		EventLoops:     c.Server.EventLoops,
		IdleTimeout:    c.Server.IdleTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		MaxBodyBuffer:  c.Server.MaxBodyBuffer,
		StrictRoutes:   c.Server.StrictRoutes,
	}
}
