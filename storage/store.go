package storage

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"posecoach/config"
	"posecoach/core"
)

// ErrNotFound is returned when a reference does not exist in the store.
var ErrNotFound = errors.New("reference not found")

// ReferenceStore is the reference library: stage-1..5 digests of model
// videos, looked up by name or by centroid similarity. Implementations are
// safe for concurrent use.
type ReferenceStore interface {
	Put(ctx context.Context, ref *core.Reference) error
	Get(ctx context.Context, exercise, name string) (*core.Reference, error)
	List(ctx context.Context, exercise string) ([]string, error)
	Nearest(ctx context.Context, exercise string, vector []float32, k int) ([]*core.Reference, error)
	Close(ctx context.Context) error
}

// Open picks the backend from cfg.StoreBackend. A backend that cannot be
// reached degrades to the in-memory store so a bad DSN never takes the
// analyzer down; the degradation is logged.
func Open(ctx context.Context, cfg config.Config) ReferenceStore {
	switch cfg.StoreBackend {
	case "postgres":
		s, err := NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			log.Warnf("storage: postgres unavailable (%s), falling back to memory store", err)
			return NewMemoryStore()
		}
		return s
	case "milvus":
		s, err := NewMilvusStore(ctx, cfg.MilvusAddr)
		if err != nil {
			log.Warnf("storage: milvus unavailable (%s), falling back to memory store", err)
			return NewMemoryStore()
		}
		return s
	default:
		return NewMemoryStore()
	}
}

// LoadDirectory seeds the store with the bundled reference JSON files
// (one digest per file) under dir. Missing dir is fine.
func LoadDirectory(ctx context.Context, store ReferenceStore, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var ref core.Reference
		if err := core.LoadJSON(path, &ref); err != nil {
			log.Warnf("storage: skip unreadable reference %s: %s", path, err)
			continue
		}
		if ref.Name == "" {
			ref.Name = strings.TrimSuffix(e.Name(), ".json")
		}
		if err := store.Put(ctx, &ref); err != nil {
			log.Warnf("storage: seed %s: %s", path, err)
			continue
		}
		loaded++
	}
	if loaded > 0 {
		log.Infof("storage: seeded %d bundled references from %s", loaded, dir)
	}
	return loaded, nil
}

// MemoryStore keeps references in a map with a linear cosine scan for
// Nearest. The default backend and the fallback for the others.
type MemoryStore struct {
	mu   sync.RWMutex
	refs map[string]map[string]*core.Reference // exercise -> name -> ref
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{refs: make(map[string]map[string]*core.Reference)}
}

func (s *MemoryStore) Put(_ context.Context, ref *core.Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.refs[ref.Exercise]
	if !ok {
		byName = make(map[string]*core.Reference)
		s.refs[ref.Exercise] = byName
	}
	byName[ref.Name] = ref
	return nil
}

func (s *MemoryStore) Get(_ context.Context, exercise, name string) (*core.Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref, ok := s.refs[exercise][name]; ok {
		return ref, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, exercise string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.refs[exercise]))
	for name := range s.refs[exercise] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Nearest(_ context.Context, exercise string, vector []float32, k int) ([]*core.Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		ref   *core.Reference
		score float64
	}
	var candidates []scored
	for _, ref := range s.refs[exercise] {
		candidates = append(candidates, scored{ref: ref, score: cosine(vector, ref.Centroid)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	out := make([]*core.Reference, 0, k)
	for _, c := range candidates[:k] {
		out = append(out, c.ref)
	}
	return out, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
