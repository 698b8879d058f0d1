package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"ragchat/internal/crawler"
	"ragchat/internal/model"
	"ragchat/internal/rag"
	"ragchat/internal/storage"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedType   = errors.New("unsupported document type")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrCrawlFailed       = errors.New("crawl failed")
	ErrSchedulerDisabled = errors.New("crawl scheduling is disabled")
)

// PageFetcher downloads a URL as plain text.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*crawler.Page, error)
}

// ConversationRecorder stores answered questions.
type ConversationRecorder interface {
	Record(ctx context.Context, conv *model.Conversation) error
}

type UploadResult struct {
	Name   string           `json:"name"`
	Report *rag.BuildReport `json:"report"`
}

type CrawlResult struct {
	URL       string           `json:"url"`
	Name      string           `json:"name"`
	Title     string           `json:"title,omitempty"`
	Scheduled bool             `json:"scheduled"`
	Report    *rag.BuildReport `json:"report"`
}

// KnowledgeService owns every write to a user's document set. Writes for one
// user run one at a time and each ends with a full rebuild of that user's
// chain.
type KnowledgeService struct {
	docs      *storage.DocStore
	registry  *rag.Registry
	fetcher   PageFetcher
	schedules *crawler.ScheduleStore
	recorder  ConversationRecorder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKnowledgeService(
	docs *storage.DocStore,
	registry *rag.Registry,
	fetcher PageFetcher,
	schedules *crawler.ScheduleStore,
	recorder ConversationRecorder,
) *KnowledgeService {
	return &KnowledgeService{
		docs:      docs,
		registry:  registry,
		fetcher:   fetcher,
		schedules: schedules,
		recorder:  recorder,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *KnowledgeService) Upload(ctx context.Context, userID, name string, r io.Reader) (*UploadResult, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" || r == nil {
		return nil, ErrInvalidInput
	}
	docType := rag.DocType(strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")))
	if !rag.IsSupported(docType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, filepath.Ext(name))
	}

	unlock := s.lock(userID)
	defer unlock()

	saved, err := s.docs.Save(userID, name, r)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidName) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}
	log.Printf("knowledge: %s uploaded %s, rebuilding index", userID, saved)
	report, err := s.registry.Invalidate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UploadResult{Name: saved, Report: report}, nil
}

func (s *KnowledgeService) Delete(ctx context.Context, userID, name string) (*rag.BuildReport, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(userID)
	defer unlock()

	if err := s.docs.Delete(userID, name); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrDocumentNotFound
		case errors.Is(err, storage.ErrInvalidName):
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}
	log.Printf("knowledge: %s deleted %s, rebuilding index", userID, name)
	return s.registry.Invalidate(ctx, userID)
}

func (s *KnowledgeService) List(userID string) ([]storage.FileInfo, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return nil, err
	}
	return s.docs.List(userID)
}

// Crawl fetches rawURL into the user's documents and optionally schedules it
// for periodic recrawl.
func (s *KnowledgeService) Crawl(ctx context.Context, userID, rawURL string, schedule bool) (*CrawlResult, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return nil, err
	}
	target, err := crawler.ValidateURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if schedule && s.schedules == nil {
		return nil, ErrSchedulerDisabled
	}

	res, err := s.ingestURL(ctx, userID, target)
	if err != nil {
		return nil, err
	}
	if schedule {
		added, err := s.schedules.Add(target, userID)
		if err != nil {
			return nil, err
		}
		res.Scheduled = true
		if added {
			log.Printf("knowledge: scheduled %s for %s", target, userID)
		}
	}
	return res, nil
}

// Recrawl refreshes one scheduled URL.
func (s *KnowledgeService) Recrawl(ctx context.Context, userID, url string) error {
	userID, err := canonicalUser(userID)
	if err != nil {
		return err
	}
	_, err = s.ingestURL(ctx, userID, url)
	return err
}

func (s *KnowledgeService) ingestURL(ctx context.Context, userID, url string) (*CrawlResult, error) {
	page, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrawlFailed, err)
	}

	unlock := s.lock(userID)
	defer unlock()

	name, err := s.docs.WriteCrawl(userID, url, page.Text)
	if err != nil {
		return nil, err
	}
	log.Printf("knowledge: %s crawled %s into %s, rebuilding index", userID, url, name)
	report, err := s.registry.Invalidate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &CrawlResult{URL: url, Name: name, Title: page.Title, Report: report}, nil
}

// Refresh rebuilds the user's chain from whatever is on disk now.
func (s *KnowledgeService) Refresh(ctx context.Context, userID string) (*rag.BuildReport, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(userID)
	defer unlock()
	return s.registry.Invalidate(ctx, userID)
}

func (s *KnowledgeService) Schedule(userID string) ([]crawler.Entry, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return nil, err
	}
	if s.schedules == nil {
		return []crawler.Entry{}, nil
	}
	entries := s.schedules.EntriesFor(userID)
	if entries == nil {
		entries = []crawler.Entry{}
	}
	return entries, nil
}

// Ask answers with the user's current chain. Recording failures are logged
// and never fail the answer.
func (s *KnowledgeService) Ask(ctx context.Context, userID, question string) (*rag.Answer, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return nil, err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrInvalidInput
	}

	chain, err := s.registry.GetOrBuild(ctx, userID)
	if err != nil {
		return nil, err
	}
	answer, err := chain.Ask(ctx, question)
	if err != nil {
		return nil, err
	}

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, newConversation(userID, question, answer)); err != nil {
			log.Printf("knowledge: record conversation for %s failed: %v", userID, err)
		}
	}
	return answer, nil
}

type sourceRef struct {
	Source  string      `json:"source"`
	Section rag.Section `json:"section"`
	Score   float64     `json:"score"`
}

func newConversation(userID, question string, answer *rag.Answer) *model.Conversation {
	refs := make([]sourceRef, len(answer.SourceDocuments))
	for i, d := range answer.SourceDocuments {
		refs[i] = sourceRef{Source: d.Source, Section: d.Section, Score: d.Score}
	}
	sources, _ := json.Marshal(refs)
	return &model.Conversation{
		UserID:   userID,
		Question: question,
		Answer:   answer.Text,
		Mode:     string(answer.Mode),
		Sources:  string(sources),
	}
}

// canonicalUser accepts only user ids that name their own document
// directory, so two ids can never reach the same documents.
func canonicalUser(userID string) (string, error) {
	id, err := rag.CanonicalUser(userID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return id, nil
}

func (s *KnowledgeService) lock(userID string) func() {
	s.mu.Lock()
	m, ok := s.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[userID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}
