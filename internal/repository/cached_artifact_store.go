package repository

import (
	"context"
	"sync"
	"time"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	"FinCast/internal/service/cache"
)

// CachedArtifactStore is a read-through cache in front of another store.
// Entries are invalidated on Save and Delete through this store; writes made
// by other processes become visible once the TTL lapses.
//
// Every Save and Delete bumps a per-key generation. A Load that raced with
// one of them returns what it read but does not cache it.
type CachedArtifactStore struct {
	next  domrepo.ArtifactStore
	cache *cache.TTLCache
	ttl   time.Duration

	mu   sync.Mutex
	gens map[string]uint64
}

func NewCachedArtifactStore(next domrepo.ArtifactStore, ttl time.Duration) *CachedArtifactStore {
	return &CachedArtifactStore{next: next, cache: cache.NewTTLCache(), ttl: ttl, gens: make(map[string]uint64)}
}

func (s *CachedArtifactStore) invalidate(key string) {
	s.mu.Lock()
	s.gens[key]++
	s.cache.Delete(key)
	s.mu.Unlock()
}

func (s *CachedArtifactStore) Save(ctx context.Context, a *models.Artifact) error {
	err := s.next.Save(ctx, a)
	s.invalidate(a.Instrument.Key())
	return err
}

func (s *CachedArtifactStore) Load(ctx context.Context, inst models.Instrument) (*models.Artifact, error) {
	key := inst.Key()
	if v, ok := s.cache.Get(key); ok {
		return v.(*models.Artifact), nil
	}
	s.mu.Lock()
	gen := s.gens[key]
	s.mu.Unlock()

	a, err := s.next.Load(ctx, inst)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.gens[key] == gen {
		s.cache.Set(key, a, s.ttl)
	}
	s.mu.Unlock()
	return a, nil
}

func (s *CachedArtifactStore) Delete(ctx context.Context, inst models.Instrument) error {
	err := s.next.Delete(ctx, inst)
	s.invalidate(inst.Key())
	return err
}

func (s *CachedArtifactStore) List(ctx context.Context) ([]models.Instrument, error) {
	return s.next.List(ctx)
}
