package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/crawler"
	"ragchat/internal/model"
	"ragchat/internal/platform/database"
	"ragchat/internal/rag"
	"ragchat/internal/repository"
	"ragchat/internal/storage"
)

type echoLLM struct{}

func (echoLLM) Generate(_ context.Context, prompt string) (string, error) {
	return "ANSWER: " + prompt, nil
}

type fakeFetcher struct {
	pages map[string]*crawler.Page
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*crawler.Page, error) {
	if p, ok := f.pages[url]; ok {
		return p, nil
	}
	return nil, errors.New("404")
}

type memRecorder struct {
	mu    sync.Mutex
	convs []model.Conversation
	err   error
}

func (m *memRecorder) Record(_ context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.convs = append(m.convs, *conv)
	return nil
}

type fixture struct {
	svc      *KnowledgeService
	docs     *storage.DocStore
	recorder *memRecorder
	fetcher  *fakeFetcher
	schedule *crawler.ScheduleStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	docs := storage.NewDocStore(filepath.Join(root, "docs"))
	registry := rag.NewRegistry(&rag.Builder{LLM: echoLLM{}}, docs.Dir, nil)
	fetcher := &fakeFetcher{pages: map[string]*crawler.Page{}}
	schedule := crawler.OpenScheduleStore(filepath.Join(root, "schedule.json"))
	recorder := &memRecorder{}
	return &fixture{
		svc:      NewKnowledgeService(docs, registry, fetcher, schedule, recorder),
		docs:     docs,
		recorder: recorder,
		fetcher:  fetcher,
		schedule: schedule,
	}
}

func TestKnowledgeService_UploadAskDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ans, err := f.svc.Ask(ctx, "", "Who maintains the billing system?")
	require.NoError(t, err)
	assert.Equal(t, rag.NoKnowledgeBaseText, ans.Text)

	res, err := f.svc.Upload(ctx, "", "team.txt", strings.NewReader("The billing system is maintained by the Falcon team."))
	require.NoError(t, err)
	assert.Equal(t, "team.txt", res.Name)
	assert.Equal(t, 1, res.Report.Chunks)

	ans, err = f.svc.Ask(ctx, "", "Who maintains the billing system?")
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "Falcon team")
	require.NotEmpty(t, ans.SourceDocuments)
	assert.Equal(t, "team.txt", ans.SourceDocuments[0].Source)

	files, err := f.svc.List("anonymous")
	require.NoError(t, err)
	require.Len(t, files, 1)

	_, err = f.svc.Delete(ctx, "", "team.txt")
	require.NoError(t, err)
	ans, err = f.svc.Ask(ctx, "", "Who maintains the billing system?")
	require.NoError(t, err)
	assert.Equal(t, rag.NoKnowledgeBaseText, ans.Text)
	assert.Empty(t, ans.SourceDocuments)

	require.Len(t, f.recorder.convs, 3)
	assert.Equal(t, "anonymous", f.recorder.convs[1].UserID)
	assert.Equal(t, "retrieval", f.recorder.convs[1].Mode)
	assert.Contains(t, f.recorder.convs[1].Sources, `"source":"team.txt"`)
}

func TestKnowledgeService_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Upload(ctx, "u", "image.png", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = f.svc.Upload(ctx, "u", "../escape.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Upload(ctx, "u", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Delete(ctx, "u", "missing.txt")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = f.svc.Ask(ctx, "u", "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Crawl(ctx, "u", "not a url", false)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestKnowledgeService_UsersAreSeparate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Upload(ctx, "alice", "a.md", strings.NewReader("Alice's secret is lavender."))
	require.NoError(t, err)

	ans, err := f.svc.Ask(ctx, "bob", "What is Alice's secret?")
	require.NoError(t, err)
	assert.Equal(t, rag.ModeNoKnowledgeBase, ans.Mode)
}

func TestKnowledgeService_CrawlAndSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.pages["https://example.com/faq"] = &crawler.Page{Title: "FAQ", Text: "Shipping takes five days."}

	res, err := f.svc.Crawl(ctx, "carol", "https://example.com/faq", true)
	require.NoError(t, err)
	assert.Equal(t, "example-com-faq.txt", res.Name)
	assert.True(t, res.Scheduled)
	assert.Equal(t, 1, res.Report.Documents)

	entries, err := f.svc.Schedule("carol")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://example.com/faq", entries[0].URL)
	entries, err = f.svc.Schedule("dave")
	require.NoError(t, err)
	assert.Empty(t, entries)

	ans, err := f.svc.Ask(ctx, "carol", "How long does shipping take?")
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "Source: https://example.com/faq")

	_, err = f.svc.Crawl(ctx, "carol", "https://example.com/missing", false)
	assert.ErrorIs(t, err, ErrCrawlFailed)

	// the scheduler path re-ingests through Recrawl
	f.fetcher.pages["https://example.com/faq"] = &crawler.Page{Text: "Shipping now takes two days."}
	sched := crawler.NewScheduler(f.schedule, f.svc.Recrawl, time.Hour)
	assert.Equal(t, 1, sched.RunOnce(ctx))
	ans, err = f.svc.Ask(ctx, "carol", "How long does shipping take?")
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "two days")
}

func TestKnowledgeService_SameURLScheduledByTwoUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.pages["https://example.com/a"] = &crawler.Page{Title: "A", Text: "Version one of page a."}

	for _, user := range []string{"carol", "dave"} {
		res, err := f.svc.Crawl(ctx, user, "https://example.com/a", true)
		require.NoError(t, err)
		assert.True(t, res.Scheduled, user)

		entries, err := f.svc.Schedule(user)
		require.NoError(t, err)
		require.Len(t, entries, 1, user)
		assert.Equal(t, "https://example.com/a", entries[0].URL)
	}

	res, err := f.svc.Crawl(ctx, "dave", "https://example.com/a", true)
	require.NoError(t, err)
	assert.True(t, res.Scheduled)
	assert.Len(t, f.schedule.Entries(), 2)

	f.fetcher.pages["https://example.com/a"] = &crawler.Page{Text: "Version two of page a."}
	sched := crawler.NewScheduler(f.schedule, f.svc.Recrawl, time.Hour)
	assert.Equal(t, 2, sched.RunOnce(ctx))
	for _, user := range []string{"carol", "dave"} {
		ans, err := f.svc.Ask(ctx, user, "Which version of page a?")
		require.NoError(t, err)
		assert.Contains(t, ans.Text, "Version two", user)
	}
}

func TestKnowledgeService_CollidingUserIDsDoNotShareDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Upload(ctx, "bob smith", "a.md", strings.NewReader("Bob Smith's pin is 4411."))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Ask(ctx, "bob smith", "What is the pin?")
	assert.ErrorIs(t, err, ErrInvalidInput)

	docs, err := f.svc.List("bob_smith")
	require.NoError(t, err)
	assert.Empty(t, docs)
	ans, err := f.svc.Ask(ctx, "bob_smith", "What is the pin?")
	require.NoError(t, err)
	assert.Equal(t, rag.ModeNoKnowledgeBase, ans.Mode)
}

func TestKnowledgeService_RecorderFailureDoesNotFailAsk(t *testing.T) {
	f := newFixture(t)
	f.recorder.err = errors.New("queue down")

	ans, err := f.svc.Ask(context.Background(), "", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, ans.Text)
}

func TestKnowledgeService_RefreshPicksUpExternalFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.Ask(ctx, "erin", "warm up")
	require.NoError(t, err)

	_, err = f.docs.Save("erin", "dropped.txt", strings.NewReader("Dropped in by hand."))
	require.NoError(t, err)
	report, err := f.svc.Refresh(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Documents)
}

type fakeCache struct {
	data  map[string][]model.Conversation
	dirty map[string]bool
	sets  int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]model.Conversation{}, dirty: map[string]bool{}}
}

func (c *fakeCache) GetHistory(_ context.Context, u string) ([]model.Conversation, bool, error) {
	v, ok := c.data[u]
	return v, ok, nil
}

func (c *fakeCache) SetHistory(_ context.Context, u string, convs []model.Conversation) error {
	c.sets++
	c.data[u] = convs
	return nil
}

func (c *fakeCache) DeleteHistory(_ context.Context, u string) error {
	delete(c.data, u)
	return nil
}

func (c *fakeCache) MarkDirty(_ context.Context, u string) error {
	c.dirty[u] = true
	return nil
}

func (c *fakeCache) IsDirty(_ context.Context, u string) (bool, error) {
	return c.dirty[u], nil
}

func openRepo(t *testing.T) *repository.ConversationRepository {
	t.Helper()
	db, err := database.New(context.Background(), database.Options{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "app.db"),
		Silent: true,
	})
	require.NoError(t, err)
	return repository.NewConversationRepository(db)
}

func TestHistoryService_DirectWriteAndCache(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	svc := NewHistoryService(openRepo(t), nil, cache)

	require.NoError(t, svc.Record(ctx, &model.Conversation{UserID: "alice", Question: "q1", Answer: "a1", Mode: "retrieval"}))
	assert.True(t, cache.dirty["alice"], "writes mark the cache dirty")

	got, err := svc.GetHistory(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Zero(t, cache.sets, "dirty cache is not repopulated")

	cache.dirty["alice"] = false
	_, err = svc.GetHistory(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	cache.data["alice"] = []model.Conversation{{Question: "cached-1"}, {Question: "cached-2"}}
	got, err = svc.GetHistory(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cached-2", got[0].Question)

	n, err := svc.ClearHistory(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, cached := cache.data["alice"]
	assert.False(t, cached)
}

func TestHistoryService_UsesSinkWhenGiven(t *testing.T) {
	sink := &memRecorder{}
	svc := NewHistoryService(openRepo(t), sink, nil)
	require.NoError(t, svc.Record(context.Background(), &model.Conversation{UserID: "bob", Question: "q", Answer: "a", Mode: "chat_only"}))
	require.Len(t, sink.convs, 1)
	assert.False(t, sink.convs[0].CreatedAt.IsZero())

	got, err := svc.GetHistory(context.Background(), "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, got, "queued writes land later")
}

func TestAuthService_RegisterLogin(t *testing.T) {
	db, err := database.New(context.Background(), database.Options{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "auth.db"),
		Silent: true,
	})
	require.NoError(t, err)
	svc := NewAuthService(repository.NewUserRepository(db), "secret", time.Hour)

	res, err := svc.Register(RegisterInput{Username: "alice", Password: "correct horse"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)

	_, err = svc.Register(RegisterInput{Username: "alice", Password: "another password"})
	assert.ErrorIs(t, err, ErrUsernameExists)

	for _, bad := range []RegisterInput{
		{Username: "anonymous", Password: "long enough"},
		{Username: "../x", Password: "long enough"},
		{Username: "bob.", Password: "long enough"},
		{Username: "bob", Password: "short"},
	} {
		_, err = svc.Register(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, bad.Username)
	}

	res, err = svc.Login(LoginInput{Username: "alice", Password: "correct horse"})
	require.NoError(t, err)
	assert.NotNil(t, res.User.LastLoginAt)

	_, err = svc.Login(LoginInput{Username: "alice", Password: "wrong password"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
	_, err = svc.Login(LoginInput{Username: "nobody", Password: "whatever"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}
