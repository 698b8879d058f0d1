package watcher

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

type refreshLog struct {
	mu    sync.Mutex
	users []string
}

func (r *refreshLog) refresh(_ context.Context, user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, user)
	return nil
}

func (r *refreshLog) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...)
}

func TestDocWatcher_DebouncedRefreshPerUser(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "alice"), 0o755))

	log := &refreshLog{}
	w, err := New(root, 50*time.Millisecond, log.refresh)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "alice", "notes.txt"), []byte{byte('a' + i)}, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "alice", ".upload-123"), []byte("tmp"), 0o644))

	assert.Eventually(t, func() bool { return len(log.snapshot()) >= 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"alice"}, log.snapshot())
}

func TestDocWatcher_NewUserDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	log := &refreshLog{}
	w, err := New(root, 20*time.Millisecond, log.refresh)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, os.Mkdir(filepath.Join(root, "bob"), 0o755))
	assert.Eventually(t, func() bool {
		users := log.snapshot()
		return len(users) > 0 && users[len(users)-1] == "bob"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDocWatcher_IgnoresFilesInRoot(t *testing.T) {
	root := t.TempDir()
	log := &refreshLog{}
	w, err := New(root, 10*time.Millisecond, log.refresh)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done
	assert.Empty(t, log.snapshot())
}
