package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostwarp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"instance": {"user-agent": "first"}}`), 0644))

	initial, err := LoadConfig(path)
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, initial, func(oldConfig, newConfig *Config) error {
		assert.Equal(t, "first", oldConfig.Instance.UserAgent)
		changes <- newConfig
		return nil
	})
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile(path, []byte(`{"instance": {"user-agent": "second"}}`), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, "second", cfg.Instance.UserAgent)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not deliver the change")
	}

	require.Eventually(t, func() bool {
		return w.Current().Instance.UserAgent == "second"
	}, time.Second, 10*time.Millisecond)
}

func TestWatcherReloadSkipsUnchanged(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "hostwarp.json", `{"pool": {"port-min": 9000}}`)
	initial, err := LoadConfig(path)
	require.NoError(t, err)

	calls := 0
	w, err := NewWatcher(path, initial, func(_, _ *Config) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	w.Reload()
	assert.Equal(t, 0, calls)

	require.NoError(t, os.WriteFile(path, []byte(`{"pool": {"port-min": 9001}}`), 0644))
	w.Reload()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 9001, w.Current().Pool.PortMin)

	// Invalid content keeps the previous configuration
	require.NoError(t, os.WriteFile(path, []byte(`{"pool": `), 0644))
	w.Reload()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 9001, w.Current().Pool.PortMin)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)
}
