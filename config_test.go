package rilinject

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scintill/rilinject/locator"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rilinject.toml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, locator.DefaultCandidates, cfg.Candidates())
	assert.Equal(t, "net/scintill/rilextender/RilExtender", cfg.Bundle.Class)
	assert.Equal(t, Trigger{Module: "libc", Function: "epoll_wait"}, cfg.Trigger)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[runtime]
libraries = ["libart.so"]

[bundle]
path = "/tmp/payload.dvmb"

[hook]
debug = true

[log]
verbosity = 2
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []locator.Candidate{{Library: "libart.so", Family: locator.ART}}, cfg.Candidates())
	assert.Equal(t, "/tmp/payload.dvmb", cfg.Bundle.Path)
	assert.Equal(t, DefaultConfig().Bundle.CacheDir, cfg.Bundle.CacheDir, "defaults survive")
	assert.True(t, cfg.Hook.Debug)
	assert.Equal(t, "newFromCMT", cfg.Hook.Method)
	assert.Equal(t, 2, cfg.Log.Verbosity)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"syntax", "[bundle\n", "parse error"},
		{"unknown key", "[bundle]\ndir = \"/x\"\n", "unknown keys bundle.dir"},
		{"empty field", "[hook]\nmethod = \"\"\n", "hook.method is required"},
		{"unknown runtime", "[runtime]\nlibraries = [\"libjvm.so\"]\n", `"libjvm.so" is not a known runtime`},
		{"no runtimes", "[runtime]\nlibraries = []\n", "runtime.libraries is empty"},
		{"fault without signature", "[hook]\nfault = \"onFault\"\nfault-signature = \"\"\n", "hook.fault-signature is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.text))
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(ConfigEnv, "")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	t.Setenv(ConfigEnv, writeConfig(t, "[trigger]\nfunction = \"main.poll\"\n"))
	cfg, err = ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "main.poll", cfg.Trigger.Function)
}
