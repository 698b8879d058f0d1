package rag

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

const AnonymousUser = "anonymous"

// NormalizeUser maps an empty or blank user id to AnonymousUser.
func NormalizeUser(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return AnonymousUser
	}
	return userID
}

var ErrInvalidUser = errors.New("invalid user id")

// A user id doubles as its document directory name, so it must already be a
// single safe path segment. Anything a sanitiser would rewrite is refused.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_@-](?:[A-Za-z0-9._@-]{0,126}[A-Za-z0-9_@-])?$`)

// CanonicalUser normalises userID and rejects ids that are not usable as a
// directory name unchanged. Two distinct accepted ids never share a
// directory.
func CanonicalUser(userID string) (string, error) {
	id := NormalizeUser(userID)
	if !userIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUser, userID)
	}
	return id, nil
}

// ChainBuilder builds a chain from a document directory.
type ChainBuilder interface {
	Build(ctx context.Context, dir string) (*Chain, *BuildReport, error)
}

// ReportFunc receives the report of every completed build.
type ReportFunc func(userID string, report *BuildReport)

// Registry holds the current chain of every user seen so far. Chains are
// built off to the side and swapped in whole; readers never see a partial
// chain.
type Registry struct {
	builder  ChainBuilder
	dirFor   func(userID string) string
	onReport ReportFunc

	mu     sync.RWMutex
	chains map[string]*Chain
	gen    map[string]uint64
	group  singleflight.Group
}

func NewRegistry(builder ChainBuilder, dirFor func(userID string) string, onReport ReportFunc) *Registry {
	return &Registry{
		builder:  builder,
		dirFor:   dirFor,
		onReport: onReport,
		chains:   make(map[string]*Chain),
		gen:      make(map[string]uint64),
	}
}

// GetOrBuild returns the user's chain, building it on first use. Concurrent
// first calls for one user share a single build.
func (r *Registry) GetOrBuild(ctx context.Context, userID string) (*Chain, error) {
	userID, err := CanonicalUser(userID)
	if err != nil {
		return nil, err
	}
	if chain := r.lookup(userID); chain != nil {
		return chain, nil
	}

	v, err, _ := r.group.Do(userID, func() (any, error) {
		if chain := r.lookup(userID); chain != nil {
			return chain, nil
		}
		r.mu.RLock()
		gen := r.gen[userID]
		r.mu.RUnlock()

		// shared by every waiter, so one caller going away must not cancel it
		chain, _, err := r.build(context.WithoutCancel(ctx), userID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.gen[userID] == gen {
			r.chains[userID] = chain
		}
		r.mu.Unlock()
		return chain, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Chain), nil
}

// Invalidate rebuilds the user's chain from the current directory contents
// and swaps it in. A build started earlier never overwrites this one. On
// failure the stale chain is dropped so the next GetOrBuild retries.
func (r *Registry) Invalidate(ctx context.Context, userID string) (*BuildReport, error) {
	userID, err := CanonicalUser(userID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.gen[userID]++
	gen := r.gen[userID]
	r.mu.Unlock()

	chain, report, err := r.build(ctx, userID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen[userID] != gen {
		return report, err
	}
	if err != nil {
		delete(r.chains, userID)
		return nil, err
	}
	r.chains[userID] = chain
	return report, nil
}

// Users lists users with a cached chain, sorted.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.chains))
	for u := range r.chains {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) lookup(userID string) *Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chains[userID]
}

func (r *Registry) build(ctx context.Context, userID string) (*Chain, *BuildReport, error) {
	chain, report, err := r.builder.Build(ctx, r.dirFor(userID))
	if err != nil {
		return nil, nil, err
	}
	if r.onReport != nil {
		r.onReport(userID, report)
	}
	return chain, report, nil
}
