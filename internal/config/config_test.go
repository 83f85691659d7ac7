package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 60*time.Second, cfg.Relay.PongWait)
	require.Equal(t, "kick", cfg.Relay.Backpressure)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Participant.STUN)
	require.Equal(t, 20*time.Millisecond, cfg.Participant.DetectorInterval)
	require.InDelta(t, 0.02, cfg.Participant.SpeakingThreshold, 1e-9)
	require.True(t, cfg.Participant.SyncOnJoin)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := chdirTemp(t)
	t.Setenv("CONFIG_ENV", "test")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := "port: 9090\nrelay:\n  rate_limit: 5\nparticipant:\n  name: ada\n  sync_on_join: false\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644))
	t.Setenv("ROOMMESH_PARTICIPANT_SUBJECT", "maths")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, 5, cfg.Relay.RateLimit)
	require.Equal(t, "ada", cfg.Participant.Name)
	require.Equal(t, "maths", cfg.Participant.Subject)
	require.False(t, cfg.Participant.SyncOnJoin)
}

func TestApplyLogLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	require.Equal(t, zerolog.DebugLevel, ApplyLogLevel("DEBUG"))
	require.Equal(t, zerolog.InfoLevel, ApplyLogLevel("nonsense"))
	require.Equal(t, zerolog.InfoLevel, ApplyLogLevel(""))
}
