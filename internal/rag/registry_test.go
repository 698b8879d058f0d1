package rag

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBuilder struct {
	inner  ChainBuilder
	builds atomic.Int32
	gate   chan struct{}
}

func (c *countingBuilder) Build(ctx context.Context, dir string) (*Chain, *BuildReport, error) {
	c.builds.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.inner.Build(ctx, dir)
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	b := &Builder{LLM: &echoLLM{}}
	return NewRegistry(b, func(u string) string { return filepath.Join(root, u) }, nil), root
}

func TestNormalizeUser(t *testing.T) {
	assert.Equal(t, AnonymousUser, NormalizeUser(""))
	assert.Equal(t, AnonymousUser, NormalizeUser("  "))
	assert.Equal(t, "alice", NormalizeUser("alice"))
}

func TestRegistry_FullCycle(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)

	chain, err := reg.GetOrBuild(ctx, "alice")
	require.NoError(t, err)
	ans, err := chain.Ask(ctx, "What colour is the moon rover?")
	require.NoError(t, err)
	assert.Equal(t, ModeNoKnowledgeBase, ans.Mode)

	// upload
	dir := filepath.Join(root, "alice")
	writeFile(t, dir, "rover.txt", "The moon rover is painted bright orange so it can be spotted from orbit.")
	report, err := reg.Invalidate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)

	chain, err = reg.GetOrBuild(ctx, "alice")
	require.NoError(t, err)
	ans, err = chain.Ask(ctx, "What colour is the moon rover?")
	require.NoError(t, err)
	assert.Equal(t, ModeRetrieval, ans.Mode)
	assert.Contains(t, ans.Text, "bright orange")
	require.NotEmpty(t, ans.SourceDocuments)
	assert.Equal(t, "rover.txt", ans.SourceDocuments[0].Source)

	// delete
	require.NoError(t, os.Remove(filepath.Join(dir, "rover.txt")))
	_, err = reg.Invalidate(ctx, "alice")
	require.NoError(t, err)

	chain, err = reg.GetOrBuild(ctx, "alice")
	require.NoError(t, err)
	ans, err = chain.Ask(ctx, "What colour is the moon rover?")
	require.NoError(t, err)
	assert.Equal(t, NoKnowledgeBaseText, ans.Text)
	assert.Empty(t, ans.SourceDocuments)
}

func TestRegistry_UsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)
	writeFile(t, mkdir(t, filepath.Join(root, "bob")), "bob.txt", "Bob likes chess.")

	bob, err := reg.GetOrBuild(ctx, "bob")
	require.NoError(t, err)
	anon, err := reg.GetOrBuild(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, 1, bob.Len())
	assert.Equal(t, 0, anon.Len())
	assert.Equal(t, []string{AnonymousUser, "bob"}, reg.Users())
}

func TestRegistry_ConcurrentFirstBuildsAreShared(t *testing.T) {
	root := t.TempDir()
	cb := &countingBuilder{inner: &Builder{LLM: &echoLLM{}}, gate: make(chan struct{})}
	reg := NewRegistry(cb, func(u string) string { return filepath.Join(root, u) }, nil)

	const callers = 8
	var wg sync.WaitGroup
	chains := make([]*Chain, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := reg.GetOrBuild(context.Background(), "carol")
			assert.NoError(t, err)
			chains[i] = c
		}()
	}
	// let the single build finish once the callers are queued behind it
	for cb.builds.Load() == 0 {
		runtime.Gosched()
	}
	close(cb.gate)
	wg.Wait()

	assert.EqualValues(t, 1, cb.builds.Load())
	for _, c := range chains[1:] {
		assert.Same(t, chains[0], c)
	}
}

func TestRegistry_InvalidateReplacesCachedChain(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)

	first, err := reg.GetOrBuild(ctx, "dave")
	require.NoError(t, err)
	writeFile(t, filepath.Join(root, "dave"), "x.txt", "x marks the spot")
	_, err = reg.Invalidate(ctx, "dave")
	require.NoError(t, err)

	second, err := reg.GetOrBuild(ctx, "dave")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 0, first.Len(), "old chain is left untouched")
	assert.Equal(t, 1, second.Len())
}

func TestRegistry_ReportCallback(t *testing.T) {
	root := t.TempDir()
	var got []string
	reg := NewRegistry(&Builder{LLM: &echoLLM{}}, func(u string) string { return filepath.Join(root, u) },
		func(user string, report *BuildReport) {
			got = append(got, user+":"+string(report.Mode))
		})

	_, err := reg.GetOrBuild(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"anonymous:no_knowledge_base"}, got)
}

func mkdir(t *testing.T, dir string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func TestCanonicalUser(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", AnonymousUser, true},
		{"  alice ", "alice", true},
		{"bob_smith", "bob_smith", true},
		{"carol@example.com", "carol@example.com", true},
		{"bob smith", "", false},
		{"../etc", "", false},
		{".hidden", "", false},
		{"trailing.", "", false},
		{"a/b", "", false},
		{"名前", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := CanonicalUser(tc.in)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrInvalidUser)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRegistry_RejectsIdsThatWouldShareADirectory(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)
	writeFile(t, mkdir(t, filepath.Join(root, "bob_smith")), "secret.txt", "The vault code is 4711.")

	_, err := reg.GetOrBuild(ctx, "bob smith")
	assert.ErrorIs(t, err, ErrInvalidUser)
	_, err = reg.Invalidate(ctx, "bob smith")
	assert.ErrorIs(t, err, ErrInvalidUser)
	assert.Empty(t, reg.Users())
}

type ctxRecordingBuilder struct {
	inner  ChainBuilder
	ctxErr error
}

func (b *ctxRecordingBuilder) Build(ctx context.Context, dir string) (*Chain, *BuildReport, error) {
	b.ctxErr = ctx.Err()
	return b.inner.Build(ctx, dir)
}

func TestRegistry_SharedBuildIgnoresCallerCancellation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, mkdir(t, filepath.Join(root, "alice")), "notes.txt", "Standup moves to 10am on Thursdays.")
	b := &ctxRecordingBuilder{inner: &Builder{LLM: &echoLLM{}}}
	reg := NewRegistry(b, func(u string) string { return filepath.Join(root, u) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain, err := reg.GetOrBuild(ctx, "alice")
	require.NoError(t, err)
	assert.NoError(t, b.ctxErr)
	assert.Equal(t, 1, chain.Len())
	assert.Equal(t, []string{"alice"}, reg.Users())
}
