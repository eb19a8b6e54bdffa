package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autotrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, []string{BackendNative}, cfg.Tracing.Backends)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
service: checkout
log:
  level: debug
  format: console
tracing:
  backends: [jaeger, native]
  sample_rate: 0.25
  native:
    otlp_endpoint: http://collector:4318/v1/traces
    otlp_headers:
      x-tenant: acme
  jaeger:
    agent_host_port: jaeger:6831
    flush_interval: 500ms
server:
  addr: ":9191"
  pprof: false
shutdown_timeout: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "checkout", cfg.Service)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, []string{"jaeger", "native"}, cfg.Tracing.Backends)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRate)
	assert.Equal(t, "http://collector:4318/v1/traces", cfg.Tracing.Native.OTLPEndpoint)
	assert.Equal(t, map[string]string{"x-tenant": "acme"}, cfg.Tracing.Native.OTLPHeaders)
	assert.Equal(t, "jaeger:6831", cfg.Tracing.Jaeger.AgentHostPort)
	assert.Equal(t, 500*time.Millisecond, cfg.Tracing.Jaeger.FlushInterval)
	assert.Equal(t, ":9191", cfg.Server.Addr)
	assert.False(t, cfg.Server.Pprof)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)

	// untouched sections keep their defaults
	assert.Equal(t, 512, cfg.Tracing.Native.BatchSize)
	assert.True(t, cfg.Server.Metrics)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "service: from-file\ntracing:\n  backends: [native]\n")

	t.Setenv("AUTOTRACE_SERVICE", "from-env")
	t.Setenv("AUTOTRACE_TRACING_BACKENDS", "datadog,native")
	t.Setenv("AUTOTRACE_TRACING_DATADOG_AGENT_ADDR", "dd-agent:8126")
	t.Setenv("AUTOTRACE_CLIENT_RETRY_MAX", "7")
	t.Setenv("AUTOTRACE_SERVER_READ_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Service)
	assert.Equal(t, []string{"datadog", "native"}, cfg.Tracing.Backends)
	assert.Equal(t, "dd-agent:8126", cfg.Tracing.Datadog.AgentAddr)
	assert.Equal(t, 7, cfg.Client.RetryMax)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "unknown_key: 1\n"))
	assert.ErrorContains(t, err, "unknown_key")

	_, err = Load(writeFile(t, "tracing:\n  backends: [zipkin]\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	t.Setenv("AUTOTRACE_CLIENT_RETRY_MAX", "lots")
	_, err = Load("")
	assert.ErrorContains(t, err, "environment")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"duplicate backend", func(c *Config) { c.Tracing.Backends = []string{"native", "Native"} }},
		{"unknown backend", func(c *Config) { c.Tracing.Backends = []string{"zipkin"} }},
		{"negative sample rate", func(c *Config) { c.Tracing.SampleRate = -0.1 }},
		{"sample rate above one", func(c *Config) { c.Tracing.SampleRate = 1.5 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := Default()
	cfg.Tracing.Backends = nil
	assert.NoError(t, cfg.Validate(), "no backends is a valid, untraced setup")
}

func TestBackendNames(t *testing.T) {
	tr := Tracing{Backends: []string{" Jaeger", "NATIVE"}}
	assert.Equal(t, []string{"jaeger", "native"}, tr.BackendNames())
}
