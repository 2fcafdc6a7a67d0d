// Package store keeps the problems that have already been notified.
package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/bissquit/problem-relay/internal/domain"
)

// Store is the deduplication index of notified problems, keyed by display name.
// Writes go through to the backend. Callers that check and then update an
// entry hold Lock for that display name around both steps.
type Store struct {
	backend Backend

	mu       sync.RWMutex
	problems map[string]domain.Problem

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a store on top of backend. Call LoadAll to restore previous state.
func New(backend Backend) *Store {
	return &Store{
		backend:  backend,
		problems: make(map[string]domain.Problem),
		locks:    make(map[string]*keyLock),
	}
}

// LoadAll replaces the in-memory index with the backend content.
func (s *Store) LoadAll(ctx context.Context) error {
	problems, err := s.backend.LoadAll(ctx)
	if err != nil {
		recordPersistence("load", "error")
		return &PersistenceError{Op: "load sent problems", Err: err}
	}

	index := make(map[string]domain.Problem, len(problems))
	for _, p := range problems {
		if p.DisplayName == "" {
			slog.Warn("skipping stored problem without display name", "problem_id", p.ID)
			continue
		}
		index[p.DisplayName] = p
	}

	s.mu.Lock()
	s.problems = index
	s.mu.Unlock()

	recordPersistence("load", "success")
	storedProblems.Set(float64(len(index)))
	slog.Info("sent problems loaded", "count", len(index))
	return nil
}

// IsNew reports whether problem has to be notified: it was never seen, or its
// status differs from the stored one.
func (s *Store) IsNew(problem *domain.Problem) bool {
	s.mu.RLock()
	stored, ok := s.problems[problem.DisplayName]
	s.mu.RUnlock()

	if !ok {
		return true
	}
	return stored.Status != problem.Status
}

// Get returns the stored problem for displayName.
func (s *Store) Get(displayName string) (domain.Problem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.problems[displayName]
	return p, ok
}

// Upsert stores problem and writes it to the backend. The in-memory entry is
// kept even if the write fails; the failure is returned as *PersistenceError.
func (s *Store) Upsert(ctx context.Context, problem *domain.Problem) error {
	s.mu.Lock()
	s.problems[problem.DisplayName] = *problem
	count := len(s.problems)
	s.mu.Unlock()

	storedProblems.Set(float64(count))

	if err := s.backend.Save(ctx, *problem); err != nil {
		recordPersistence("save", "error")
		return &PersistenceError{Op: "save sent problem", Key: problem.DisplayName, Err: err}
	}

	recordPersistence("save", "success")
	return nil
}

// List returns a snapshot of all stored problems ordered by display name.
func (s *Store) List() []domain.Problem {
	s.mu.RLock()
	problems := make([]domain.Problem, 0, len(s.problems))
	for _, p := range s.problems {
		problems = append(problems, p)
	}
	s.mu.RUnlock()

	sort.Slice(problems, func(i, j int) bool {
		return problems[i].DisplayName < problems[j].DisplayName
	})
	return problems
}

// Len returns the number of stored problems.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.problems)
}

// Lock acquires the lock for displayName and returns the function releasing it.
func (s *Store) Lock(displayName string) (unlock func()) {
	s.locksMu.Lock()
	l, ok := s.locks[displayName]
	if !ok {
		l = &keyLock{}
		s.locks[displayName] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, displayName)
		}
		s.locksMu.Unlock()
	}
}
