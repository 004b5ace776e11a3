package ppshare

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherRepairsExternalDamage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte("127.0.0.1 localhost\n"), 0644))

	logger := NewTestLogger("test")
	dr := NewDomainRegistry(logger, path, []string{"paper"}, false)
	dr.flush = nil
	require.NoError(t, dr.Install())
	require.True(t, dr.BlockIntact())

	w := NewHostsWatcher(logger, dr, path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Give the watch time to attach before damaging the file.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("127.0.0.1 localhost\n"), 0644))

	require.Eventually(t, func() bool { return dr.BlockIntact() },
		5*time.Second, 50*time.Millisecond, "managed block was not re-installed")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatcherIgnoresOwnRewrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte("127.0.0.1 localhost\n"), 0644))

	logger := NewTestLogger("test")
	dr := NewDomainRegistry(logger, path, []string{"paper"}, false)
	dr.flush = nil
	require.NoError(t, dr.Install())
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	w := NewHostsWatcher(logger, dr, path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(200 * time.Millisecond)
	// A registry-triggered rewrite generates events but needs no repair.
	require.NoError(t, dr.Install())
	time.Sleep(2 * watchDebounce)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}
