package app

import (
	"context"
	"log"
	"time"

	"ragchat/internal/model"
)

type ConversationRepository interface {
	Create(conv *model.Conversation) error
	ListRecent(userID string, limit int) ([]model.Conversation, error)
	DeleteByUser(userID string) (int64, error)
}

type HistoryCache interface {
	GetHistory(ctx context.Context, userID string) ([]model.Conversation, bool, error)
	SetHistory(ctx context.Context, userID string, convs []model.Conversation) error
	DeleteHistory(ctx context.Context, userID string) error
	MarkDirty(ctx context.Context, userID string) error
	IsDirty(ctx context.Context, userID string) (bool, error)
}

// HistoryService records conversations and reads them back, with an optional
// redis cache in front of the repository. Writes go to sink, which is either
// the repository itself or the queue publisher.
type HistoryService struct {
	repo  ConversationRepository
	sink  ConversationRecorder
	cache HistoryCache
}

// NewHistoryService writes straight to repo when sink is nil. cache may be nil.
func NewHistoryService(repo ConversationRepository, sink ConversationRecorder, cache HistoryCache) *HistoryService {
	if sink == nil {
		sink = repositorySink{repo: repo}
	}
	return &HistoryService{repo: repo, sink: sink, cache: cache}
}

func (s *HistoryService) Record(ctx context.Context, conv *model.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	if s.cache != nil {
		_ = s.cache.MarkDirty(ctx, conv.UserID)
		_ = s.cache.DeleteHistory(ctx, conv.UserID)
	}
	return s.sink.Record(ctx, conv)
}

func (s *HistoryService) GetHistory(ctx context.Context, userID string, limit int) ([]model.Conversation, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		dirty, err := s.cache.IsDirty(ctx, userID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.cache.GetHistory(ctx, userID); cacheErr == nil && hit {
				return trimConversations(cached, limit), nil
			}
		}
	}

	convs, err := s.repo.ListRecent(userID, limit)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if dirty, dirtyErr := s.cache.IsDirty(ctx, userID); dirtyErr == nil && !dirty {
			if err := s.cache.SetHistory(ctx, userID, convs); err != nil {
				log.Printf("history: cache set for %s failed: %v", userID, err)
			}
		}
	}
	return convs, nil
}

func (s *HistoryService) ClearHistory(ctx context.Context, userID string) (int64, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		_ = s.cache.MarkDirty(ctx, userID)
		_ = s.cache.DeleteHistory(ctx, userID)
	}
	return s.repo.DeleteByUser(userID)
}

// Forget drops the cached history of a user; used once a queued write lands.
func (s *HistoryService) Forget(ctx context.Context, userID string) {
	if s.cache != nil {
		_ = s.cache.DeleteHistory(ctx, userID)
	}
}

func trimConversations(convs []model.Conversation, limit int) []model.Conversation {
	if limit <= 0 || len(convs) <= limit {
		return convs
	}
	return convs[len(convs)-limit:]
}

type repositorySink struct {
	repo ConversationRepository
}

func (s repositorySink) Record(_ context.Context, conv *model.Conversation) error {
	return s.repo.Create(conv)
}
