package crawler

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"ragchat/internal/rag"
)

// Entry is one scheduled URL and the user whose documents it feeds.
type Entry struct {
	URL    string `json:"url"`
	UserID string `json:"userId"`
}

// scheduleFile keeps the top-level "urls" list so older files stay readable.
// Owners maps each URL to the users it feeds; a URL without an owners entry
// belongs to anonymous. Older files stored a single owner string per URL.
type scheduleFile struct {
	URLs   []string                   `json:"urls"`
	Owners map[string]json.RawMessage `json:"owners,omitempty"`
}

// ScheduleStore persists the recrawl list as {"urls": [...], "owners": {...}}.
// Entries are unique per (url, user). A missing or unreadable file is treated
// as an empty list.
type ScheduleStore struct {
	path string

	mu      sync.Mutex
	entries []Entry
}

func OpenScheduleStore(path string) *ScheduleStore {
	s := &ScheduleStore{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("crawler: read schedule %s: %v", path, err)
		}
		return s
	}
	var f scheduleFile
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Printf("crawler: ignore corrupt schedule %s: %v", path, err)
		return s
	}
	for _, u := range f.URLs {
		if u == "" {
			continue
		}
		owners, err := decodeOwners(f.Owners[u])
		if err != nil {
			log.Printf("crawler: schedule %s: bad owners for %s: %v", path, u, err)
		}
		if len(owners) == 0 {
			owners = []string{rag.AnonymousUser}
		}
		for _, owner := range owners {
			s.appendUnique(Entry{URL: u, UserID: rag.NormalizeUser(owner)})
		}
	}
	return s
}

func decodeOwners(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil, nil
		}
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	return many, nil
}

func (s *ScheduleStore) appendUnique(e Entry) bool {
	for _, have := range s.entries {
		if have == e {
			return false
		}
	}
	s.entries = append(s.entries, e)
	return true
}

// Add schedules url for userID. It reports whether this user did not have the
// URL scheduled yet. Several users may schedule the same URL.
func (s *ScheduleStore) Add(url, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.appendUnique(Entry{URL: url, UserID: rag.NormalizeUser(userID)}) {
		return false, nil
	}
	if err := s.save(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		return false, err
	}
	return true, nil
}

// Entries lists scheduled (url, user) pairs in insertion order.
func (s *ScheduleStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// EntriesFor lists the URLs scheduled for one user.
func (s *ScheduleStore) EntriesFor(userID string) []Entry {
	user := rag.NormalizeUser(userID)
	var out []Entry
	for _, e := range s.Entries() {
		if e.UserID == user {
			out = append(out, e)
		}
	}
	return out
}

func (s *ScheduleStore) save() error {
	owners := map[string][]string{}
	var urls []string
	for _, e := range s.entries {
		if _, ok := owners[e.URL]; !ok {
			urls = append(urls, e.URL)
		}
		owners[e.URL] = append(owners[e.URL], e.UserID)
	}
	f := scheduleFile{URLs: urls}
	for u, users := range owners {
		if len(users) == 1 && users[0] == rag.AnonymousUser {
			continue
		}
		encoded, err := json.Marshal(users)
		if err != nil {
			return fmt.Errorf("encode schedule failed: %w", err)
		}
		if f.Owners == nil {
			f.Owners = map[string]json.RawMessage{}
		}
		f.Owners[u] = encoded
	}
	if f.URLs == nil {
		f.URLs = []string{}
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schedule failed: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create schedule directory failed: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write schedule failed: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace schedule failed: %w", err)
	}
	return nil
}
