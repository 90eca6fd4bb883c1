package memory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLiteStore is the durable Store.
type SQLiteStore struct {
	db     *sql.DB
	opts   options
	logger logging.Logger
	closed atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, logger logging.Logger, opts ...Option) (*SQLiteStore, error) {
	if logger == nil {
		return nil, errors.New("memory: nil logger provided")
	}
	if path == "" {
		return nil, errors.New("memory: empty database path")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create memory directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("memory store initialized", logging.Field{Key: "path", Value: path})
	return &SQLiteStore{db: db, opts: buildOptions(opts), logger: logger}, nil
}

// applySchema sets pragmas and applies the embedded schema.
func applySchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// encodeEmbedding packs v as little-endian float32s.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte, dim int) []float32 {
	if dim <= 0 || len(b) != 4*dim {
		return nil
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func (s *SQLiteStore) Append(ctx context.Context, mem model.IncidentMemory) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	ts := mem.Timestamp
	if ts.IsZero() {
		ts = s.opts.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_memories
			(incident_id, ts, type, description, resolution, strategy_used, score, embedding, embedding_dim)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(incident_id) DO NOTHING`,
		mem.IncidentID, ts.UnixNano(), string(mem.Type), mem.Description, mem.Resolution,
		string(mem.StrategyUsed), mem.Score, encodeEmbedding(mem.Embedding), len(mem.Embedding))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicateIncident
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]model.IncidentMemory, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, ts, type, description, resolution, strategy_used, score, embedding, embedding_dim
		FROM incident_memories
		ORDER BY ts DESC, seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []model.IncidentMemory
	for rows.Next() {
		var (
			m        model.IncidentMemory
			ts       int64
			typ, str string
			blob     []byte
			dim      int
		)
		if err := rows.Scan(&m.IncidentID, &ts, &typ, &m.Description, &m.Resolution, &str, &m.Score, &blob, &dim); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Timestamp = time.Unix(0, ts).UTC()
		m.Type = model.IncidentType(typ)
		m.StrategyUsed = model.StrategyName(str)
		m.Embedding = decodeEmbedding(blob, dim)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendTrace(ctx context.Context, step model.TraceStep, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	now := s.opts.now()
	if step.At.IsZero() {
		step.At = now
	}
	expires := now.Add(ttl).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trace tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM thread_steps WHERE expires_at <= ?`, now.UnixNano()); err != nil {
		return fmt.Errorf("prune trace: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO thread_steps (incident_id, at, phase, message, expires_at) VALUES (?, ?, ?, ?, ?)`,
		step.IncidentID, step.At.UnixNano(), string(step.Phase), step.Message, expires); err != nil {
		return fmt.Errorf("insert trace step: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE thread_steps SET expires_at = ? WHERE incident_id = ?`, expires, step.IncidentID); err != nil {
		return fmt.Errorf("refresh trace expiry: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Trace(ctx context.Context, incidentID string) ([]model.TraceStep, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, phase, message FROM thread_steps
		WHERE incident_id = ? AND expires_at > ?
		ORDER BY seq`, incidentID, s.opts.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()

	var out []model.TraceStep
	for rows.Next() {
		var (
			at    int64
			phase string
			step  = model.TraceStep{IncidentID: incidentID}
		)
		if err := rows.Scan(&at, &phase, &step.Message); err != nil {
			return nil, fmt.Errorf("scan trace step: %w", err)
		}
		step.At = time.Unix(0, at).UTC()
		step.Phase = model.Phase(phase)
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
