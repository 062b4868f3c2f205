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

func TestWatcher_ReportsChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "echo"), 0o755))

	w, err := NewWatcher([]string{root, filepath.Join(root, "missing")}, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, []string{root, filepath.Join(root, "echo")}, w.Watched())

	changes := make(chan []string, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(changed []string) { changes <- changed })

	manifest := filepath.Join(root, "echo", "plugin.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("executable: ./echo\n"), 0o644))

	select {
	case changed := <-changes:
		assert.Contains(t, changed, manifest)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatcher_FollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher([]string{root}, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()

	changes := make(chan []string, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(changed []string) { changes <- changed })

	sub := filepath.Join(root, "late")
	require.NoError(t, os.Mkdir(sub, 0o755))
	<-changes

	require.Eventually(t, func() bool {
		for _, p := range w.Watched() {
			if p == sub {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	manifest := filepath.Join(sub, "plugin.yaml")
	require.NoError(t, os.WriteFile(manifest, nil, 0o644))
	select {
	case changed := <-changes:
		assert.Contains(t, changed, manifest)
	case <-time.After(5 * time.Second):
		t.Fatal("change in new directory not reported")
	}
}

func TestWatcher_CloseEndsRun(t *testing.T) {
	w, err := NewWatcher([]string{t.TempDir()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), func([]string) {}) }()

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNewWatcher_NothingToWatch(t *testing.T) {
	_, err := NewWatcher([]string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}
