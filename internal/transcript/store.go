package transcript

import (
	"context"
	"sort"
	"sync"

	"github.com/wingman-interview/pipeline/internal/models"
)

// BackupStore caches interim transcript fragments outside the in-memory
// session so finalize can recover text after a failed remote call. Writes
// are append-only and keyed by sequence ID, so concurrent writes never
// conflict. Constructor-injected so the core is testable without real
// infrastructure.
type BackupStore interface {
	// Put caches a fragment for a session. Write-once per sequence ID;
	// later writes for the same ID are ignored.
	Put(ctx context.Context, sessionID string, frag models.TranscriptFragment) error
	// Fragments returns the session-scoped fragments sorted by sequence ID.
	Fragments(ctx context.Context, sessionID string) ([]models.TranscriptFragment, error)
	// AllFragments returns every cached fragment across sessions, sorted by
	// sequence ID. Used as the broader recovery scan when the session-scoped
	// set is empty.
	AllFragments(ctx context.Context) ([]models.TranscriptFragment, error)
}

// MemoryStore is an in-process BackupStore for tests and single-node runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[int64]models.TranscriptFragment
}

// NewMemoryStore creates an empty in-memory backup store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[int64]models.TranscriptFragment)}
}

// Put caches a fragment, ignoring rewrites of an existing sequence ID.
func (s *MemoryStore) Put(_ context.Context, sessionID string, frag models.TranscriptFragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.sessions[sessionID]
	if m == nil {
		m = make(map[int64]models.TranscriptFragment)
		s.sessions[sessionID] = m
	}
	if _, exists := m[frag.SequenceID]; !exists {
		m[frag.SequenceID] = frag
	}
	return nil
}

// Fragments returns the session's fragments sorted by sequence ID.
func (s *MemoryStore) Fragments(_ context.Context, sessionID string) ([]models.TranscriptFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortFragments(s.sessions[sessionID]), nil
}

// AllFragments returns every cached fragment sorted by sequence ID.
func (s *MemoryStore) AllFragments(_ context.Context) ([]models.TranscriptFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	merged := make(map[int64]models.TranscriptFragment)
	for _, m := range s.sessions {
		for id, f := range m {
			if _, exists := merged[id]; !exists {
				merged[id] = f
			}
		}
	}
	return sortFragments(merged), nil
}

func sortFragments(m map[int64]models.TranscriptFragment) []models.TranscriptFragment {
	out := make([]models.TranscriptFragment, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	return out
}
