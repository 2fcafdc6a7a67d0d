package store

import (
	"context"
	"sync"

	"github.com/bissquit/problem-relay/internal/domain"
)

// Backend persists sent problems. Implementations skip (and log) entries they
// cannot decode in LoadAll instead of failing the whole load.
type Backend interface {
	LoadAll(ctx context.Context) ([]domain.Problem, error)
	Save(ctx context.Context, problem domain.Problem) error
}

// PayloadArchive keeps the raw webhook deliveries, one entry per (problemID, state).
type PayloadArchive interface {
	SavePayload(ctx context.Context, problemID, state string, raw []byte) error
}

// MemoryBackend is a Backend and PayloadArchive that keeps everything in memory.
type MemoryBackend struct {
	mu       sync.Mutex
	problems map[string]domain.Problem
	payloads map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		problems: make(map[string]domain.Problem),
		payloads: make(map[string][]byte),
	}
}

// LoadAll returns every saved problem.
func (m *MemoryBackend) LoadAll(_ context.Context) ([]domain.Problem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	problems := make([]domain.Problem, 0, len(m.problems))
	for _, p := range m.problems {
		problems = append(problems, p)
	}
	return problems, nil
}

// Save stores problem under its display name.
func (m *MemoryBackend) Save(_ context.Context, problem domain.Problem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.problems[problem.DisplayName] = problem
	return nil
}

// SavePayload stores a raw delivery.
func (m *MemoryBackend) SavePayload(_ context.Context, problemID, state string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payloads[PayloadKey(problemID, state)] = append([]byte(nil), raw...)
	return nil
}

// Payload returns a stored delivery.
func (m *MemoryBackend) Payload(problemID, state string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := m.payloads[PayloadKey(problemID, state)]
	return raw, ok
}

// PayloadKey is the archive key of a delivery.
func PayloadKey(problemID, state string) string {
	return problemID + "-" + state
}
