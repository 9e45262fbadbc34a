package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"posecoach/core"
)

// PostgresStore keeps the reference library in one table with a pgvector
// centroid column for similarity lookup.
type PostgresStore struct {
	mu   sync.Mutex // pgx.Conn is single-session
	conn *pgx.Conn
}

func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres url not configured")
	}
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{conn: conn}
	if err := s.ensureTable(ctx); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS pose_references (
			id SERIAL PRIMARY KEY,
			exercise VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			fps INT NOT NULL,
			rep_count INT NOT NULL,
			resolution_w INT,
			resolution_h INT,
			phases JSONB NOT NULL,
			phase_counts JSONB NOT NULL,
			centroid vector(%d),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(exercise, name)
		);
	`, core.FeatureDim)
	if _, err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create pose_references table: %w", err)
	}

	if _, err := s.conn.Exec(ctx,
		"CREATE INDEX IF NOT EXISTS idx_pose_references_exercise ON pose_references(exercise);"); err != nil {
		return fmt.Errorf("create exercise index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, ref *core.Reference) error {
	phases, err := json.Marshal(ref.Phases)
	if err != nil {
		return fmt.Errorf("marshal phases: %w", err)
	}
	counts, err := json.Marshal(ref.PhaseCounts)
	if err != nil {
		return fmt.Errorf("marshal phase counts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.conn.Exec(ctx, `
		INSERT INTO pose_references (exercise, name, fps, rep_count, resolution_w, resolution_h, phases, phase_counts, centroid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (exercise, name)
		DO UPDATE SET
			fps = EXCLUDED.fps,
			rep_count = EXCLUDED.rep_count,
			resolution_w = EXCLUDED.resolution_w,
			resolution_h = EXCLUDED.resolution_h,
			phases = EXCLUDED.phases,
			phase_counts = EXCLUDED.phase_counts,
			centroid = EXCLUDED.centroid
	`, ref.Exercise, ref.Name, ref.FPS, ref.RepCount, ref.Resolution[0], ref.Resolution[1],
		phases, counts, pgvector.NewVector(paddedCentroid(ref.Centroid)))
	if err != nil {
		return fmt.Errorf("upsert reference %s/%s: %w", ref.Exercise, ref.Name, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, exercise, name string) (*core.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.conn.QueryRow(ctx, `
		SELECT name, fps, rep_count, resolution_w, resolution_h, phases, phase_counts, created_at
		FROM pose_references WHERE exercise = $1 AND name = $2
	`, exercise, name)

	ref, err := scanReference(row, exercise)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return ref, err
}

func (s *PostgresStore) List(ctx context.Context, exercise string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx,
		"SELECT name FROM pose_references WHERE exercise = $1 ORDER BY name", exercise)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) Nearest(ctx context.Context, exercise string, vector []float32, k int) ([]*core.Reference, error) {
	if k <= 0 {
		k = 5
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, `
		SELECT name, fps, rep_count, resolution_w, resolution_h, phases, phase_counts, created_at
		FROM pose_references
		WHERE exercise = $1
		ORDER BY centroid <=> $2
		LIMIT $3
	`, exercise, pgvector.NewVector(paddedCentroid(vector)), k)
	if err != nil {
		return nil, fmt.Errorf("nearest references: %w", err)
	}
	defer rows.Close()

	var out []*core.Reference
	for rows.Next() {
		ref, err := scanReference(rows, exercise)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close(ctx)
}

func scanReference(row pgx.Row, exercise string) (*core.Reference, error) {
	ref := &core.Reference{Exercise: exercise}
	var phases, counts []byte
	var w, h *int
	if err := row.Scan(&ref.Name, &ref.FPS, &ref.RepCount, &w, &h, &phases, &counts, &ref.CreatedAt); err != nil {
		return nil, err
	}
	if w != nil {
		ref.Resolution[0] = *w
	}
	if h != nil {
		ref.Resolution[1] = *h
	}
	if err := json.Unmarshal(phases, &ref.Phases); err != nil {
		return nil, fmt.Errorf("parse phases: %w", err)
	}
	if err := json.Unmarshal(counts, &ref.PhaseCounts); err != nil {
		return nil, fmt.Errorf("parse phase counts: %w", err)
	}
	return ref, nil
}

// paddedCentroid zero-pads the vector to the store's fixed column width.
func paddedCentroid(v []float32) []float32 {
	if len(v) == core.FeatureDim {
		return v
	}
	out := make([]float32, core.FeatureDim)
	copy(out, v)
	return out
}
