package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/raysh454/lucid/internal/model"
)

var (
	// ErrDuplicateIncident is returned when a memory for the incident id
	// already exists. Records are never overwritten.
	ErrDuplicateIncident = errors.New("memory for incident already exists")
	ErrStoreClosed       = errors.New("memory store closed")
	// ErrStoreUnavailable is returned by a Service without a store.
	ErrStoreUnavailable = errors.New("memory store unavailable")
)

// Store persists incident memories and the short-lived thread trace.
type Store interface {
	// Append adds a memory. It never replaces an existing record.
	Append(ctx context.Context, mem model.IncidentMemory) error
	// Recent returns up to limit memories, newest first.
	Recent(ctx context.Context, limit int) ([]model.IncidentMemory, error)
	// AppendTrace adds a step and extends the incident's trace to expire
	// ttl from now.
	AppendTrace(ctx context.Context, step model.TraceStep, ttl time.Duration) error
	// Trace returns the unexpired steps of an incident in insertion order.
	Trace(ctx context.Context, incidentID string) ([]model.TraceStep, error)
	Close() error
}

type options struct {
	now func() time.Time
}

type Option func(*options)

// WithClock replaces time.Now for expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// InMemoryStore is a Store kept in process memory. It is used when no
// database path is configured and in tests.
type InMemoryStore struct {
	opts options

	mu       sync.Mutex
	closed   bool
	memories []model.IncidentMemory
	ids      map[string]struct{}
	traces   map[string]*trace
}

type trace struct {
	steps     []model.TraceStep
	expiresAt time.Time
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	return &InMemoryStore{
		opts:   buildOptions(opts),
		ids:    make(map[string]struct{}),
		traces: make(map[string]*trace),
	}
}

func (s *InMemoryStore) Append(_ context.Context, mem model.IncidentMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, dup := s.ids[mem.IncidentID]; dup {
		return ErrDuplicateIncident
	}
	s.ids[mem.IncidentID] = struct{}{}
	mem.Embedding = append([]float32(nil), mem.Embedding...)
	if len(mem.Embedding) == 0 {
		mem.Embedding = nil
	}
	s.memories = append(s.memories, mem)
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]model.IncidentMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	// Insertion order breaks timestamp ties: later appends are newer.
	idx := make([]int, len(s.memories))
	for i := range idx {
		idx[i] = len(s.memories) - 1 - i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return s.memories[idx[a]].Timestamp.After(s.memories[idx[b]].Timestamp)
	})
	if limit > 0 && len(idx) > limit {
		idx = idx[:limit]
	}
	out := make([]model.IncidentMemory, len(idx))
	for i, j := range idx {
		out[i] = s.memories[j]
	}
	return out, nil
}

func (s *InMemoryStore) AppendTrace(_ context.Context, step model.TraceStep, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	now := s.opts.now()
	for id, tr := range s.traces {
		if !tr.expiresAt.After(now) {
			delete(s.traces, id)
		}
	}
	tr, ok := s.traces[step.IncidentID]
	if !ok {
		tr = &trace{}
		s.traces[step.IncidentID] = tr
	}
	if step.At.IsZero() {
		step.At = now
	}
	tr.steps = append(tr.steps, step)
	tr.expiresAt = now.Add(ttl)
	return nil
}

func (s *InMemoryStore) Trace(_ context.Context, incidentID string) ([]model.TraceStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	tr, ok := s.traces[incidentID]
	if !ok || !tr.expiresAt.After(s.opts.now()) {
		return nil, nil
	}
	return append([]model.TraceStep(nil), tr.steps...), nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
