package logx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestInitDefaultsToInfoOnBadLevel(t *testing.T) {
	require.NoError(t, Init(Options{Level: "not-a-level", ToConsole: true}))
	require.Equal(t, zerolog.InfoLevel, L.GetLevel())
}

func TestInitParsesValidLevel(t *testing.T) {
	require.NoError(t, Init(Options{Level: "debug", ToConsole: true}))
	require.Equal(t, zerolog.DebugLevel, L.GetLevel())
}

func TestInitWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "walletd.log")

	require.NoError(t, Init(Options{Level: "warn", Path: path}))
	L.Warn().Msg("hello from test")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello from test")
}

func TestInitWithNoPathAndNoConsoleStillWritesSomewhere(t *testing.T) {
	require.NoError(t, Init(Options{Level: "info"}))
	require.Equal(t, zerolog.InfoLevel, L.GetLevel())
}

func TestInitWritesToBothFileAndConsole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "combined.log")

	require.NoError(t, Init(Options{Level: "error", Path: path, ToConsole: true}))
	L.Error().Msg("dual sink")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "dual sink")
}
