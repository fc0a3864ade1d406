package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBootstrapsDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, 256, s.Get().BusBufferSize)
	assert.False(t, s.Enabled("roon"))
}

func TestEnvOverridesFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	t.Setenv("MUSE_BRIDGE_INGEST_LICENSE", "env-license")
	t.Setenv("MUSE_BRIDGE_BUS_BUFFER_SIZE", "512")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "env-license", s.Get().IngestLicense)
	assert.Equal(t, 512, s.Get().BusBufferSize)
}

func TestSetAdapterEnabledPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetAdapterEnabled("roon", true))
	assert.True(t, s.Enabled("roon"))

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.Enabled("roon"), "toggle must survive a reload from disk")
}

func TestSetAdapterEnabledUnknownPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	err = s.SetAdapterEnabled("nonexistent", true)
	assert.Error(t, err)
}

func TestWatchReloadsOnExternalFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	ch := make(chan Settings, 4)
	s.OnChange(ch)

	cfg := s.Get()
	cfg.IngestURL = "https://ingest.example/v1"
	require.NoError(t, s.persist(cfg))

	select {
	case got := <-ch:
		assert.Equal(t, "https://ingest.example/v1", got.IngestURL)
	case <-time.After(3 * time.Second):
		t.Fatal("expected settings reload notification after external file write")
	}

	assert.Equal(t, "https://ingest.example/v1", s.Get().IngestURL)
}
