package radiusd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/tekesan/freeradius-server/pkg/configs"
	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/server"
	"github.com/tekesan/freeradius-server/pkg/version"
)

func TestAppFlags(t *testing.T) {
	app := App()
	assert.Equal(t, version.String(), app.Version)

	help, err := app.ToMarkdown()
	require.NoError(t, err)
	assert.Contains(t, help, "config")

	flags := make(map[string]bool)
	for _, flag := range app.Flags {
		for _, name := range flag.Names() {
			if flags[name] {
				t.Errorf("Flag conflict detected: %s", name)
			}
			flags[name] = true
		}
	}
	for _, name := range []string{"config", "c", "debug", "d", "verbosity", "v", "check", "C"} {
		assert.True(t, flags[name], "flag %s missing", name)
	}
	assert.Equal(t, []string{"version", "V"}, cli.VersionFlag.Names())
}

func TestConfigCommand(t *testing.T) {
	for typ, want := range map[string][]byte{
		"full":    configs.DefaultConfigBytes,
		"minimal": configs.MinimalConfigBytes,
	} {
		t.Run(typ, func(t *testing.T) {
			var out bytes.Buffer
			app := App()
			app.Writer = &out
			require.NoError(t, app.Run([]string{"radiusd", "config", "--type", typ}))
			assert.Equal(t, want, out.Bytes())
		})
	}

	app := App()
	app.ExitErrHandler = func(*cli.Context, error) {}
	assert.Error(t, app.Run([]string{"radiusd", "config", "--type", "nope"}))

	out := filepath.Join(t.TempDir(), "radiusd.yml")
	app.Writer = io.Discard
	require.NoError(t, app.Run([]string{"radiusd", "config", "-t", "minimal", "-o", out}))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, configs.MinimalConfigBytes, b)
	assert.Error(t, app.Run([]string{"radiusd", "config", "-o", out}), "existing file overwritten")
}

func writeConfig(t *testing.T, b []byte) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "radiusd.yml")
	require.NoError(t, os.WriteFile(file, b, 0o600))
	return file
}

func loadFile(t *testing.T, file string) (*viper.Viper, *Config) {
	t.Helper()
	v := viper.New()
	v.SetConfigFile(file)
	server.SetDefaults(v)
	require.NoError(t, v.ReadInConfig())
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	return v, cfg
}

func TestLoadConfig(t *testing.T) {
	_, cfg := loadFile(t, writeConfig(t, []byte(`
servers:
  - name: default
    protocol: radius
    listen:
      - secret: s
    recv:
      Access-Request:
        users:
          Bob: Secret
grace: 2s
workers:
  count: 3
telemetry:
  enabled: true
`)))
	assert.Equal(t, 2*time.Second, cfg.Grace)
	assert.Equal(t, 3, cfg.Workers.Count)
	assert.Equal(t, server.DefaultConfig.Workers.QueueSize, cfg.Workers.QueueSize)
	assert.Equal(t, server.DefaultConfig.Quota.Burst, cfg.Quota.Burst)
	assert.True(t, cfg.Telemetry.Enabled)

	require.Len(t, cfg.Servers, 1)
	vs := conf.FromValue("server", cfg.Servers[0])
	recv := vs.Section("recv")
	require.NotNil(t, recv)
	assert.Equal(t, []string{"Access-Request"}, recv.Keys(), "section keys must keep their case")
	users := recv.Section("Access-Request").Section("users")
	require.NotNil(t, users)
	pw, ok := users.Value("Bob")
	assert.True(t, ok)
	assert.Equal(t, "Secret", pw)
}

func TestShippedConfigsPassCheck(t *testing.T) {
	for name, b := range map[string][]byte{
		"full":    configs.DefaultConfigBytes,
		"minimal": configs.MinimalConfigBytes,
	} {
		t.Run(name, func(t *testing.T) {
			_, cfg := loadFile(t, writeConfig(t, b))
			ctx := logr.NewContext(context.Background(), testr.New(t))
			assert.NoError(t, Check(ctx, cfg))
		})
	}
}

func TestCheckReportsConfigErrors(t *testing.T) {
	_, cfg := loadFile(t, writeConfig(t, []byte(`
servers:
  - name: both
    protocol: radius
    app: radius
`)))
	ctx := logr.NewContext(context.Background(), testr.New(t))
	assert.ErrorContains(t, Check(ctx, cfg), "found 1 config errors")
}

func TestCheckFlag(t *testing.T) {
	file := writeConfig(t, configs.MinimalConfigBytes)
	app := App()
	app.ExitErrHandler = func(*cli.Context, error) {}
	assert.NoError(t, app.Run([]string{"radiusd", "--check", "--config", file}))
	assert.Error(t, app.Run([]string{"radiusd", "-C", "-c", filepath.Join(t.TempDir(), "missing.yml")}))
}
