// Package config loads autotrace settings from defaults, an optional YAML
// file and AUTOTRACE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g. AUTOTRACE_SERVICE.
const EnvPrefix = "AUTOTRACE"

// Backend names accepted in Tracing.Backends.
const (
	BackendNative  = "native"
	BackendJaeger  = "jaeger"
	BackendDatadog = "datadog"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the full process configuration.
type Config struct {
	// Service is the name reported by every tracer backend.
	Service string `yaml:"service" envconfig:"SERVICE"`

	Log     Log     `yaml:"log" envconfig:"LOG"`
	Tracing Tracing `yaml:"tracing" envconfig:"TRACING"`
	Server  Server  `yaml:"server" envconfig:"SERVER"`
	HTTP    HTTP    `yaml:"http" envconfig:"HTTP"`
	Client  Client  `yaml:"client" envconfig:"CLIENT"`

	// ShutdownTimeout bounds graceful shutdown of servers and tracers.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// Log configures the zap logger.
type Log struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// Tracing selects the tracer backends. Backends lists them in fan-out
// order; when two backends write the same header, the later one wins.
type Tracing struct {
	Backends   []string `yaml:"backends" envconfig:"BACKENDS"`
	SampleRate float64  `yaml:"sample_rate" envconfig:"SAMPLE_RATE"`

	Native  Native  `yaml:"native" envconfig:"NATIVE"`
	Jaeger  Jaeger  `yaml:"jaeger" envconfig:"JAEGER"`
	Datadog Datadog `yaml:"datadog" envconfig:"DATADOG"`
}

// Native configures the built-in W3C tracer.
type Native struct {
	// OTLPEndpoint enables OTLP/HTTP export when set.
	OTLPEndpoint string            `yaml:"otlp_endpoint" envconfig:"OTLP_ENDPOINT"`
	OTLPHeaders  map[string]string `yaml:"otlp_headers" envconfig:"OTLP_HEADERS"`
	// LogSpans writes finished spans to the debug log.
	LogSpans     bool          `yaml:"log_spans" envconfig:"LOG_SPANS"`
	BatchSize    int           `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	BatchTimeout time.Duration `yaml:"batch_timeout" envconfig:"BATCH_TIMEOUT"`
}

// Jaeger configures the Jaeger client. An empty AgentHostPort and
// CollectorEndpoint keep spans in memory only.
type Jaeger struct {
	AgentHostPort     string        `yaml:"agent_host_port" envconfig:"AGENT_HOST_PORT"`
	CollectorEndpoint string        `yaml:"collector_endpoint" envconfig:"COLLECTOR_ENDPOINT"`
	FlushInterval     time.Duration `yaml:"flush_interval" envconfig:"FLUSH_INTERVAL"`
	QueueSize         int           `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
}

// Datadog configures the dd-trace-go OpenTracing bridge.
type Datadog struct {
	AgentAddr string `yaml:"agent_addr" envconfig:"AGENT_ADDR"`
	Env       string `yaml:"env" envconfig:"ENV"`
	Version   string `yaml:"version" envconfig:"VERSION"`
}

// Server configures the observability server.
type Server struct {
	Enabled           bool          `yaml:"enabled" envconfig:"ENABLED"`
	Addr              string        `yaml:"addr" envconfig:"ADDR"`
	Metrics           bool          `yaml:"metrics" envconfig:"METRICS"`
	Pprof             bool          `yaml:"pprof" envconfig:"PPROF"`
	ReadTimeout       time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" envconfig:"READ_HEADER_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
}

// HTTP configures the instrumented application listener.
type HTTP struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
	// Upstream is the base URL the demo's /proxy route calls.
	Upstream string `yaml:"upstream" envconfig:"UPSTREAM"`
}

// Client configures outbound HTTP calls.
type Client struct {
	Timeout      time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	RetryMax     int           `yaml:"retry_max" envconfig:"RETRY_MAX"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min" envconfig:"RETRY_WAIT_MIN"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max" envconfig:"RETRY_WAIT_MAX"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Service: "autotrace",
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Tracing: Tracing{
			Backends:   []string{BackendNative},
			SampleRate: 1.0,
			Native: Native{
				BatchSize:    512,
				BatchTimeout: 5 * time.Second,
			},
			Jaeger: Jaeger{
				FlushInterval: time.Second,
				QueueSize:     100,
			},
		},
		Server: Server{
			Enabled:           true,
			Addr:              ":9090",
			Metrics:           true,
			Pprof:             true,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		HTTP: HTTP{
			Addr: ":8080",
		},
		Client: Client{
			Timeout:      10 * time.Second,
			RetryMax:     3,
			RetryWaitMin: 100 * time.Millisecond,
			RetryWaitMax: 2 * time.Second,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds a Config from Default, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate checks backend names, sampling rate and log settings.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Tracing.Backends))
	for _, b := range c.Tracing.Backends {
		name := strings.ToLower(strings.TrimSpace(b))
		switch name {
		case BackendNative, BackendJaeger, BackendDatadog:
		default:
			return fmt.Errorf("config: %w: unknown tracing backend %q", ErrInvalidConfig, b)
		}
		if seen[name] {
			return fmt.Errorf("config: %w: tracing backend %q listed twice", ErrInvalidConfig, b)
		}
		seen[name] = true
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("config: %w: sample_rate %v outside [0, 1]", ErrInvalidConfig, c.Tracing.SampleRate)
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console", "text":
	default:
		return fmt.Errorf("config: %w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: %w: shutdown_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// BackendNames returns the configured backends normalized to lower case.
func (t Tracing) BackendNames() []string {
	names := make([]string, len(t.Backends))
	for i, b := range t.Backends {
		names[i] = strings.ToLower(strings.TrimSpace(b))
	}
	return names
}
