// Package memory records resolved incidents and retrieves similar ones to
// bias future strategy selection.
package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/model"
)

const (
	DefaultRecencyWindow = 50
	DefaultTraceTTL      = time.Hour

	// Partial similarity for candidates stored without an embedding.
	partialTypeMatch = 0.3
	partialOther     = 0.1
)

type Config struct {
	// Path of the sqlite database. Empty keeps memories in process.
	Path          string        `koanf:"path"`
	RecencyWindow int           `koanf:"recency_window"`
	TraceTTL      time.Duration `koanf:"trace_ttl"`
}

func DefaultConfig() Config {
	return Config{
		Path:          "data/lucid.db",
		RecencyWindow: DefaultRecencyWindow,
		TraceTTL:      DefaultTraceTTL,
	}
}

// Open builds the Store described by cfg.
func Open(cfg Config, logger logging.Logger) (Store, error) {
	if cfg.Path == "" {
		return NewInMemoryStore(), nil
	}
	return NewSQLiteStore(cfg.Path, logger)
}

// Service is the read/write path over a Store. A nil Service, or one
// without a store, reports ErrStoreUnavailable.
type Service struct {
	store  Store
	cfg    Config
	logger logging.Logger
}

func NewService(store Store, cfg Config, logger logging.Logger) *Service {
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = DefaultRecencyWindow
	}
	if cfg.TraceTTL <= 0 {
		cfg.TraceTTL = DefaultTraceTTL
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger.With(logging.Field{Key: "component", Value: "memory"}),
	}
}

func (s *Service) available() bool { return s != nil && s.store != nil }

// StoreMemory appends mem. Existing records are never replaced.
func (s *Service) StoreMemory(ctx context.Context, mem model.IncidentMemory) error {
	if !s.available() {
		return ErrStoreUnavailable
	}
	if mem.Timestamp.IsZero() {
		mem.Timestamp = time.Now().UTC()
	}
	if err := s.store.Append(ctx, mem); err != nil {
		return err
	}
	s.logger.Info("memory stored",
		logging.Field{Key: "incident_id", Value: mem.IncidentID},
		logging.Field{Key: "strategy", Value: string(mem.StrategyUsed)},
		logging.Field{Key: "score", Value: mem.Score},
		logging.Field{Key: "embedded", Value: len(mem.Embedding) > 0})
	return nil
}

// RecentMemories returns up to limit memories, newest first.
func (s *Service) RecentMemories(ctx context.Context, limit int) ([]model.IncidentMemory, error) {
	if !s.available() {
		return nil, ErrStoreUnavailable
	}
	return s.store.Recent(ctx, limit)
}

type scored struct {
	mem   model.IncidentMemory
	score float64
}

// FindSimilarIncidents ranks the most recent memories against query. With
// an empty query it returns the memories of the same type in recency order.
func (s *Service) FindSimilarIncidents(ctx context.Context, typ model.IncidentType, query []float32, limit int) ([]model.IncidentMemory, error) {
	if !s.available() {
		return nil, ErrStoreUnavailable
	}
	candidates, err := s.store.Recent(ctx, s.cfg.RecencyWindow)
	if err != nil {
		return nil, err
	}

	var out []model.IncidentMemory
	if len(query) == 0 {
		for _, m := range candidates {
			if m.Type == typ {
				out = append(out, m)
			}
		}
	} else {
		ranked := make([]scored, 0, len(candidates))
		for _, m := range candidates {
			ranked = append(ranked, scored{mem: m, score: similarity(typ, query, m)})
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		for _, r := range ranked {
			out = append(out, r.mem)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// similarity falls back to type-aware partial credit when m has no
// embedding comparable with query.
func similarity(typ model.IncidentType, query []float32, m model.IncidentMemory) float64 {
	if len(m.Embedding) != len(query) {
		if m.Type == typ {
			return partialTypeMatch
		}
		return partialOther
	}
	return CosineSimilarity(query, m.Embedding)
}

// CosineSimilarity is zero for zero-norm or differently sized vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// RecordStep appends to the incident's thread trace.
func (s *Service) RecordStep(ctx context.Context, incidentID string, phase model.Phase, msg string) error {
	if !s.available() {
		return ErrStoreUnavailable
	}
	return s.store.AppendTrace(ctx, model.TraceStep{
		IncidentID: incidentID,
		At:         time.Now().UTC(),
		Phase:      phase,
		Message:    msg,
	}, s.cfg.TraceTTL)
}

// Trace returns the unexpired thread trace of an incident.
func (s *Service) Trace(ctx context.Context, incidentID string) ([]model.TraceStep, error) {
	if !s.available() {
		return nil, ErrStoreUnavailable
	}
	return s.store.Trace(ctx, incidentID)
}

// IsUnavailable reports whether err means learning should be skipped rather
// than the run failed.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrStoreClosed)
}

func (s *Service) Close() error {
	if !s.available() {
		return nil
	}
	return s.store.Close()
}
