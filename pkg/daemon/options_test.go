package daemon_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
)

func TestClientSettingsRoundTrip(t *testing.T) {
	settings := &daemon.ClientSettings{
		KeepFailed:     true,
		KeepGoing:      false,
		TryFallback:    true,
		Verbosity:      daemon.VerbTalkative,
		MaxBuildJobs:   8,
		MaxSilentTime:  3600,
		BuildVerbosity: daemon.VerbDebug,
		BuildCores:     4,
		UseSubstitutes: true,
		Overrides: map[string]string{
			"experimental-features": "ca-derivations",
		},
	}

	var buf bytes.Buffer
	require.NoError(t, daemon.WriteClientSettings(&buf, settings))

	got, err := daemon.ReadClientSettings(&buf)
	require.NoError(t, err)
	assert.Equal(t, settings, got)
	assert.Zero(t, buf.Len())
}

func TestClientSettingsNilOverrides(t *testing.T) {
	settings := daemon.DefaultClientSettings()
	assert.Nil(t, settings.Overrides)

	var buf bytes.Buffer
	require.NoError(t, daemon.WriteClientSettings(&buf, settings))

	got, err := daemon.ReadClientSettings(&buf)
	require.NoError(t, err)
	assert.Empty(t, got.Overrides)
	assert.Equal(t, settings.MaxBuildJobs, got.MaxBuildJobs)
	assert.True(t, got.UseSubstitutes)
}

func TestDefaultClientSettings(t *testing.T) {
	settings := daemon.DefaultClientSettings()
	assert.Equal(t, uint64(1), settings.MaxBuildJobs)
	assert.Equal(t, daemon.VerbError, settings.Verbosity)
	assert.True(t, settings.UseSubstitutes)
}
