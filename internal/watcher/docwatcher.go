// Package watcher rebuilds a user's index when files change under the
// documents root without going through the API.
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

// RefreshFunc rebuilds one user's index.
type RefreshFunc func(ctx context.Context, userID string) error

// DocWatcher watches root and every user directory directly below it. Bursts
// of events for one user collapse into a single refresh.
type DocWatcher struct {
	root     string
	debounce time.Duration
	refresh  RefreshFunc
	fsw      *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

func New(root string, debounce time.Duration, refresh RefreshFunc) (*DocWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create docs root failed: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher failed: %w", err)
	}

	d := &DocWatcher{
		root:     root,
		debounce: debounce,
		refresh:  refresh,
		fsw:      fsw,
		timers:   make(map[string]*time.Timer),
	}
	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s failed: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("read docs root failed: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			if err := fsw.Add(filepath.Join(root, e.Name())); err != nil {
				log.Printf("watcher: watch %s: %v", e.Name(), err)
			}
		}
	}
	return d, nil
}

// Run handles events until ctx is done, then waits for pending refreshes.
func (d *DocWatcher) Run(ctx context.Context) {
	defer func() {
		d.stopTimers()
		_ = d.fsw.Close()
		d.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.fsw.Events:
			if !ok {
				return
			}
			d.handle(ctx, ev)
		case err, ok := <-d.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %v", err)
		}
	}
}

func (d *DocWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod || strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	rel, err := filepath.Rel(d.root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(rel, string(filepath.Separator))
	user := parts[0]

	if len(parts) == 1 {
		// a user directory appeared or went away
		if ev.Has(fsnotify.Create) {
			info, err := os.Stat(ev.Name)
			if err != nil || !info.IsDir() {
				return
			}
			if err := d.fsw.Add(ev.Name); err != nil {
				log.Printf("watcher: watch %s: %v", user, err)
				return
			}
		} else {
			return
		}
	}
	d.schedule(ctx, user)
}

func (d *DocWatcher) schedule(ctx context.Context, user string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[user]; ok {
		t.Reset(d.debounce)
		return
	}
	d.timers[user] = time.AfterFunc(d.debounce, func() {
		d.mu.Lock()
		delete(d.timers, user)
		if d.closed {
			d.mu.Unlock()
			return
		}
		d.wg.Add(1)
		d.mu.Unlock()
		defer d.wg.Done()

		if ctx.Err() != nil {
			return
		}
		if err := d.refresh(ctx, user); err != nil {
			log.Printf("watcher: refresh %s failed: %v", user, err)
		}
	})
}

func (d *DocWatcher) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for user, t := range d.timers {
		t.Stop()
		delete(d.timers, user)
	}
}
