package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())

	cfg, err := NewLoader().Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 2*time.Second, cfg.Sync.ReconcileWindow)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
remote:
  url: https://example.test/rest/v1
sync:
  workers: 8
  retry_interval: 1m
log:
  level: debug
`), 0o600))
	t.Setenv("CREWSYNC_USER_ID", "u1")
	t.Setenv("CREWSYNC_SYNC_MESSAGES_PER_ROOM", "20")

	l := NewLoader()
	cfg, err := l.Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, l.File())
	assert.Equal(t, "https://example.test/rest/v1", cfg.Remote.URL)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, time.Minute, cfg.Sync.RetryInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "u1", cfg.User.ID)
	assert.Equal(t, 20, cfg.Sync.MessagesPerRoom)
	assert.Equal(t, 256, cfg.Sync.QueueSize, "unset keys keep their defaults")
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewsync.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nworkers = 0\n\n[log]\nformat = \"xml\"\n"), 0o600))

	_, err := NewLoader().Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.workers")
	assert.Contains(t, err.Error(), "log.format")

	_, err = NewLoader().Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err, "an explicit path must exist")
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "crewsync.toml")
	want := Default()
	want.User.ID = "u7"
	want.Sync.RetryInterval = 45 * time.Second
	require.NoError(t, WriteFile(path, want, false))

	err := WriteFile(path, want, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	require.NoError(t, WriteFile(path, want, true))

	got, err := NewLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestYAMLMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Remote.APIKey = "sb-secret-key"
	cfg.User.Token = "abc"

	out, err := cfg.YAML()
	require.NoError(t, err)
	text := string(out)
	assert.NotContains(t, text, "sb-secret-key")
	assert.Contains(t, text, "sb-s********")
	assert.NotContains(t, text, "token: abc")
	assert.True(t, strings.Contains(text, "retry_interval: 30s"))
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewsync.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"info\"\n"), 0o600))

	l := NewLoader()
	_, err := l.Load(path)
	require.NoError(t, err)

	changed := make(chan Config, 4)
	l.Watch(func(c Config) { changed <- c }, nil)
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n"), 0o600))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Log.Level == "debug" {
				assert.Equal(t, "debug", l.Config().Log.Level)
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
