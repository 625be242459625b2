// Package memory keeps per-thread conversation history for agents. Each
// thread is addressed by its namespaced thread id; the resource id groups
// every thread that belongs to one session.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Roles of a Turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultMaxTurns bounds a thread when no limit is configured.
const DefaultMaxTurns = 200

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("memory store is closed")

// Turn is one message of a thread.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Store persists thread history.
type Store interface {
	// History returns the newest limit turns of a thread in chronological
	// order. limit <= 0 returns the whole thread.
	History(ctx context.Context, threadID string, limit int) ([]Turn, error)
	// Append adds turns to a thread and indexes the thread under resourceID.
	Append(ctx context.Context, threadID, resourceID string, turns ...Turn) error
	// Threads lists the thread ids recorded for a resource.
	Threads(ctx context.Context, resourceID string) ([]string, error)
	Close() error
}

// InMemoryStore is a process-local Store.
type InMemoryStore struct {
	mu        sync.RWMutex
	threads   map[string][]Turn
	resources map[string]map[string]struct{}
	maxTurns  int
	closed    bool
}

// NewInMemoryStore creates an in-memory store keeping at most maxTurns per
// thread. maxTurns <= 0 uses DefaultMaxTurns.
func NewInMemoryStore(maxTurns int) *InMemoryStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &InMemoryStore{
		threads:   make(map[string][]Turn),
		resources: make(map[string]map[string]struct{}),
		maxTurns:  maxTurns,
	}
}

// History implements Store.
func (s *InMemoryStore) History(_ context.Context, threadID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	turns := s.threads[threadID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Append implements Store.
func (s *InMemoryStore) Append(_ context.Context, threadID, resourceID string, turns ...Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	thread := append(s.threads[threadID], stamp(turns)...)
	if len(thread) > s.maxTurns {
		thread = thread[len(thread)-s.maxTurns:]
	}
	s.threads[threadID] = thread

	if resourceID != "" {
		idx, ok := s.resources[resourceID]
		if !ok {
			idx = make(map[string]struct{})
			s.resources[resourceID] = idx
		}
		idx[threadID] = struct{}{}
	}
	return nil
}

// Threads implements Store.
func (s *InMemoryStore) Threads(_ context.Context, resourceID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	ids := make([]string, 0, len(s.resources[resourceID]))
	for id := range s.resources[resourceID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// stamp fills a zero At with the current time.
func stamp(turns []Turn) []Turn {
	now := time.Now().UTC()
	out := make([]Turn, len(turns))
	for i, t := range turns {
		if t.At.IsZero() {
			t.At = now
		}
		out[i] = t
	}
	return out
}
