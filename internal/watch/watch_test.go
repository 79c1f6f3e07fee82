package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabel(t *testing.T) {
	w := New("/home/user", nil)
	assert.Equal(t, "file:config/app.conf", "file:"+w.label("/home/user/config/app.conf"))
	assert.Equal(t, "elsewhere.txt", w.label("/tmp/elsewhere.txt"))
}

func TestIgnored(t *testing.T) {
	w := New("/home/user", nil, "/home/user/.gnoming", "")

	assert.True(t, w.ignored("/home/user/.gnoming/gnoming.log"))
	assert.True(t, w.ignored("/home/user/.gnoming"))
	assert.False(t, w.ignored("/home/user/.gnoming-extras/a.txt"))
	assert.False(t, w.ignored("/home/user/config/app.conf"))
}

func TestWatcher_EmitsSignalOnWrite(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var got []string
	w := New(dir, func(source string) {
		mu.Lock()
		got = append(got, source)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// give the recursive watch a moment to establish
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, "file:a.txt")
}

func TestWatcher_StateDirWritesDoNotSignal(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, ".gnoming")
	require.NoError(t, os.MkdirAll(stateDir, 0o755))

	var mu sync.Mutex
	var got []string
	w := New(dir, func(source string) {
		mu.Lock()
		got = append(got, source)
		mu.Unlock()
	}, stateDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)

	// appending to the daemon's own log, as every sync does, must not
	// feed a signal back into the engine
	logFile := filepath.Join(stateDir, "gnoming.log")
	require.NoError(t, os.WriteFile(logFile, []byte("sync start\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user.txt"), []byte("x"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, "file:user.txt")
	assert.NotContains(t, got, "file:.gnoming/gnoming.log")
	assert.NotContains(t, got, "file:.gnoming")
}
