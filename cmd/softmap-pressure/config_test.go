package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pressure.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", Config{})
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
	require.Equal(t, 50*time.Millisecond, cfg.IntervalDuration())
}

func TestLoadConfig_JWCC(t *testing.T) {
	path := writeConfig(t, `{
		// small run
		"entries": 32,
		"tile_size": 64,
		"pin_limit": 8, /* bounded pins */
		"interval": "10ms",
	}`)

	cfg, err := LoadConfig(path, Config{})
	require.NoError(t, err)

	want := DefaultConfig()
	want.Entries = 32
	want.TileSize = 64
	want.PinLimit = 8
	want.Interval = "10ms"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_OverridesWin(t *testing.T) {
	path := writeConfig(t, `{"entries": 32, "workers": 2}`)

	cfg, err := LoadConfig(path, Config{Entries: 7, Verbose: true})
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Entries)
	require.Equal(t, 2, cfg.Workers)
	require.True(t, cfg.Verbose)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		overrides Config
	}{
		{name: "unknown field", body: `{"entires": 3}`},
		{name: "malformed", body: `{"entries": }`},
		{name: "bad interval", body: `{"interval": "soon"}`},
		{name: "negative keep", body: `{"keep": -1}`},
		{name: "negative workers", body: `{}`, overrides: Config{Workers: -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body), tt.overrides)
			require.Error(t, err)
			require.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.jsonc"), Config{})
	require.Error(t, err)
	require.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
	require.ErrorIs(t, err, os.ErrNotExist)
}
