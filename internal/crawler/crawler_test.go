package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html><head><title>Widgets Inc</title><style>p{}</style></head>
<body>
<nav><li>Home</li><li>About</li></nav>
<main>
  <h1>About us</h1>
  <p>We make   widgets
     since 1999.</p>
  <ul><li>Blue widgets</li><li>Red widgets</li></ul>
  <script>var tracking = 1;</script>
  <table><tr><td>Price</td><td>10 EUR</td></tr></table>
</main>
<footer><p>Copyright</p></footer>
</body></html>`

func TestFetch_HTMLMainText(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.UserAgent()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	page, err := NewFetcher(time.Second, WithUserAgent("test-agent")).Fetch(context.Background(), srv.URL+"/about")
	require.NoError(t, err)
	assert.Equal(t, "test-agent", ua)
	assert.Equal(t, "Widgets Inc", page.Title)
	assert.Equal(t, srv.URL+"/about", page.URL)
	assert.Equal(t, "About us\nWe make widgets since 1999.\nBlue widgets\nRed widgets\nPrice\n10 EUR", page.Text)
}

func TestFetch_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("first line  \r\nsecond line\n"))
	}))
	defer srv.Close()

	page, err := NewFetcher(time.Second).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line", page.Text)
	assert.Equal(t, "first line", page.Title)
}

func TestFetch_Rejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/image":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
		case "/big":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/empty":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body><script>x()</script></body></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, WithMaxBytes(32))
	ctx := context.Background()

	_, err := f.Fetch(ctx, srv.URL+"/image")
	assert.ErrorIs(t, err, ErrUnsupportedContent)

	_, err = f.Fetch(ctx, srv.URL+"/big")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = f.Fetch(ctx, srv.URL+"/empty")
	assert.ErrorIs(t, err, ErrEmptyPage)

	_, err = f.Fetch(ctx, srv.URL+"/missing")
	assert.Error(t, err)

	_, err = f.Fetch(ctx, "ftp://example.com/file")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestScheduleStore_MissingAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, OpenScheduleStore(filepath.Join(dir, "none.json")).Entries())

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))
	assert.Empty(t, OpenScheduleStore(corrupt).Entries())
}

func TestScheduleStore_AddPersistsAndDedupes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "schedule.json")
	s := OpenScheduleStore(path)

	added, err := s.Add("https://a.example", "")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.Add("https://b.example", "alice")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.Add("https://b.example", "alice")
	require.NoError(t, err)
	assert.False(t, added)

	reopened := OpenScheduleStore(path)
	assert.Equal(t, []Entry{
		{URL: "https://a.example", UserID: "anonymous"},
		{URL: "https://b.example", UserID: "alice"},
	}, reopened.Entries())
	assert.Len(t, reopened.EntriesFor("alice"), 1)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"urls"`)
}

func TestScheduleStore_ReadsLegacyURLList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"urls":["https://x.example","https://x.example","https://y.example"]}`), 0o644))

	entries := OpenScheduleStore(path).Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "anonymous", entries[0].UserID)
}

func TestScheduleStore_SameURLForTwoOwners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	s := OpenScheduleStore(path)

	added, err := s.Add("https://example.com/a", "carol")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.Add("https://example.com/a", "dave")
	require.NoError(t, err)
	assert.True(t, added)

	reopened := OpenScheduleStore(path)
	assert.Equal(t, []Entry{{URL: "https://example.com/a", UserID: "carol"}}, reopened.EntriesFor("carol"))
	assert.Equal(t, []Entry{{URL: "https://example.com/a", UserID: "dave"}}, reopened.EntriesFor("dave"))

	var recrawled []string
	sched := NewScheduler(reopened, func(_ context.Context, user, url string) error {
		recrawled = append(recrawled, user+" "+url)
		return nil
	}, time.Hour)
	assert.Equal(t, 2, sched.RunOnce(context.Background()))
	assert.Equal(t, []string{"carol https://example.com/a", "dave https://example.com/a"}, recrawled)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored struct {
		URLs   []string            `json:"urls"`
		Owners map[string][]string `json:"owners"`
	}
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, []string{"https://example.com/a"}, stored.URLs)
	assert.Equal(t, []string{"carol", "dave"}, stored.Owners["https://example.com/a"])
}

func TestScheduleStore_ReadsSingleOwnerStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	legacy := `{"urls":["https://a.example","https://b.example"],"owners":{"b.example":"x","https://b.example":"alice"}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s := OpenScheduleStore(path)
	assert.Equal(t, []Entry{
		{URL: "https://a.example", UserID: "anonymous"},
		{URL: "https://b.example", UserID: "alice"},
	}, s.Entries())

	added, err := s.Add("https://b.example", "bob")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Len(t, OpenScheduleStore(path).Entries(), 3)
}

func TestScheduler_RunOnceSkipsFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	s := OpenScheduleStore(path)
	_, _ = s.Add("https://ok.example", "alice")
	_, _ = s.Add("https://bad.example", "bob")
	_, _ = s.Add("https://ok2.example", "")

	var seen []string
	sched := NewScheduler(s, func(_ context.Context, user, url string) error {
		seen = append(seen, user+" "+url)
		if strings.Contains(url, "bad") {
			return errors.New("boom")
		}
		return nil
	}, time.Hour)

	assert.Equal(t, 2, sched.RunOnce(context.Background()))
	assert.Equal(t, []string{
		"alice https://ok.example",
		"bob https://bad.example",
		"anonymous https://ok2.example",
	}, seen)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := OpenScheduleStore(filepath.Join(t.TempDir(), "schedule.json"))
	sched := NewScheduler(s, func(context.Context, string, string) error { return nil }, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
