package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const baseDoc = `
[proxy]
id = "test-proxy"
log_level = "debug"

[storage]
backend = "filesystem"

[network.local.http]
bind_address = "127.0.0.1"
bind_port = 8080

[pipelines.echo]
description = "echo pipeline"
networks = ["local"]
endpoints = ["echo_ep"]
middleware = ["passthrough"]

[endpoints.echo_ep]
service = "echo"
[endpoints.echo_ep.options]
path_prefix = "/echo"

[services.echo]
module = ""
`

func TestParseBaseDocument(t *testing.T) {
	cfg, err := Parse(baseDoc)
	require.NoError(t, err)

	require.Equal(t, "test-proxy", cfg.Proxy.ID)
	require.Equal(t, "debug", cfg.Proxy.LogLevel)
	require.Equal(t, "127.0.0.1:8080", cfg.Network["local"].HTTP.Addr())
	require.Equal(t, []string{"echo_ep"}, cfg.Pipelines["echo"].Endpoints)
	require.Equal(t, "echo", cfg.Endpoints["echo_ep"].Service)
	require.Equal(t, "/echo", cfg.Endpoints["echo_ep"].Options["path_prefix"])
	require.Equal(t, "./tmp", cfg.Storage.Path())
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse(`
[proxy]
id = "p"
[network.default]
`)
	require.NoError(t, err)
	require.Equal(t, "error", cfg.Proxy.LogLevel)
	require.Equal(t, "filesystem", cfg.Storage.Backend)
	require.Equal(t, "0.0.0.0:3000", cfg.Network["default"].HTTP.Addr())
}

func TestValidateRejectsMissingProxyID(t *testing.T) {
	cfg, err := Parse(`[proxy]
log_level = "info"`)
	require.NoError(t, err)
	err = cfg.Validate(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no proxy id")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg, err := Parse(`[proxy]
id = "p"
log_level = "loud"`)
	require.NoError(t, err)
	require.Error(t, cfg.Validate(nil))
}

func TestValidateRejectsUnknownEndpoint(t *testing.T) {
	cfg, err := Parse(`
[proxy]
id = "p"
[network.local.http]
bind_port = 9000
[pipelines.broken]
networks = ["local"]
endpoints = ["missing"]
`)
	require.NoError(t, err)
	err = cfg.Validate(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown endpoint 'missing'")
}

func TestValidateSkipsPipelineWithoutNetworks(t *testing.T) {
	cfg, err := Parse(`
[proxy]
id = "p"
[pipelines.orphan]
endpoints = ["missing"]
`)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(nil))
}

func TestValidateStorageBackend(t *testing.T) {
	cfg, err := Parse(`
[proxy]
id = "p"
[storage]
backend = "s3"
`)
	require.NoError(t, err)
	err = cfg.Validate(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported storage backend")
}

func TestValidateUsesServiceValidator(t *testing.T) {
	cfg, err := Parse(baseDoc)
	require.NoError(t, err)

	var seen []string
	err = cfg.Validate(func(service string, options map[string]any) error {
		seen = append(seen, service)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"echo"}, seen)
}

func TestLoadMergesAdditionalConfigs(t *testing.T) {
	var dir = t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "pipelines.d"), 0o755))

	var base = `
[proxy]
id = "p"
pipelines_path = "pipelines.d"

[network.local.http]
bind_port = 9000

[pipelines.first]
networks = ["local"]
`
	var extra = `
[pipelines.second]
networks = ["local"]

[pipelines.first]
description = "conflicting redefinition"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "harmony.toml"), []byte(base), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipelines.d", "extra.toml"), []byte(extra), 0o644))

	cfg, err := Load(filepath.Join(dir, "harmony.toml"))
	require.NoError(t, err)

	require.Contains(t, cfg.Pipelines, "second")
	// The base definition wins on conflict.
	require.Empty(t, cfg.Pipelines["first"].Description)
}

func TestPipelinesForNetwork(t *testing.T) {
	cfg, err := Parse(`
[proxy]
id = "p"
[pipelines.b]
networks = ["local"]
[pipelines.a]
networks = ["local"]
[pipelines.c]
networks = ["other"]
`)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, cfg.PipelinesForNetwork("local"))
}
