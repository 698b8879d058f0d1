package crawler

import (
	"context"
	"log"
	"time"
)

// Recrawler fetches url again and re-ingests it for userID.
type Recrawler func(ctx context.Context, userID, url string) error

// Scheduler re-crawls every scheduled URL on a fixed interval.
type Scheduler struct {
	store    *ScheduleStore
	recrawl  Recrawler
	interval time.Duration
}

func NewScheduler(store *ScheduleStore, recrawl Recrawler, interval time.Duration) *Scheduler {
	return &Scheduler{store: store, recrawl: recrawl, interval: interval}
}

// Run blocks until ctx is done. A non-positive interval disables recrawling.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		log.Printf("crawler: recrawl disabled")
		return
	}
	log.Printf("crawler: recrawling every %s", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce re-crawls every entry and returns how many succeeded. Failures are
// logged and skipped.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	ok := 0
	for _, e := range s.store.Entries() {
		if ctx.Err() != nil {
			return ok
		}
		if err := s.recrawl(ctx, e.UserID, e.URL); err != nil {
			log.Printf("crawler: recrawl %s for %s failed: %v", e.URL, e.UserID, err)
			continue
		}
		ok++
	}
	return ok
}
