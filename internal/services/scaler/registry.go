package scaler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"FinCast/internal/domain/models"
	"FinCast/internal/domain/repository"
	"FinCast/pkg/logger"
)

// Registry holds the committed scaler state of every instrument. A state is
// committed with Put only after the artifact carrying it was saved, so a
// failed or cancelled run never becomes visible to inference.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*models.ScalerState
	store  repository.ArtifactStore
	log    *logger.Logger
}

// NewRegistry creates a registry backed by store. store may be nil, in which
// case only states committed in this process are known.
func NewRegistry(store repository.ArtifactStore, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		states: make(map[string]*models.ScalerState),
		store:  store,
		log:    log,
	}
}

// Put commits state for its instrument, replacing any previous run.
func (r *Registry) Put(state *models.ScalerState) {
	if state == nil {
		return
	}
	r.mu.Lock()
	r.states[state.Instrument.Key()] = state
	r.mu.Unlock()
}

// Adopt commits a state read back from an artifact unless a state fitted
// later is already committed, so a reader holding a superseded artifact
// cannot roll the registry back.
func (r *Registry) Adopt(state *models.ScalerState) {
	if state == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.states[state.Instrument.Key()]; ok && cur.FittedAt.After(state.FittedAt) {
		return
	}
	r.states[state.Instrument.Key()] = state
}

// Get returns the committed state of inst, loading it from the artifact
// store on a miss. ErrScalerStateMissing when no run was ever committed.
func (r *Registry) Get(ctx context.Context, inst models.Instrument) (*models.ScalerState, error) {
	r.mu.RLock()
	state, ok := r.states[inst.Key()]
	r.mu.RUnlock()
	if ok {
		return state, nil
	}
	if r.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrScalerStateMissing, inst)
	}

	art, err := r.store.Load(ctx, inst)
	if errors.Is(err, repository.ErrArtifactNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrScalerStateMissing, inst)
	}
	if err != nil {
		return nil, err
	}
	if art.Scaler == nil {
		return nil, fmt.Errorf("%w: artifact %s has no scaler", ErrScalerStateMissing, art.RunID)
	}
	if art.Scaler.RunID != art.RunID {
		return nil, fmt.Errorf("%w: artifact run %s carries scaler of run %s", ErrScalerStateMismatch, art.RunID, art.Scaler.RunID)
	}

	r.mu.Lock()
	// a concurrent Put wins over a stale load
	if cur, ok := r.states[inst.Key()]; ok {
		state = cur
	} else {
		r.states[inst.Key()] = art.Scaler
		state = art.Scaler
	}
	r.mu.Unlock()
	r.log.Debug("scaler state loaded", logger.Instrument(inst), logger.String("run_id", state.RunID))
	return state, nil
}

// Evict forgets the state of inst, e.g. after its artifact was deleted.
func (r *Registry) Evict(inst models.Instrument) {
	r.mu.Lock()
	delete(r.states, inst.Key())
	r.mu.Unlock()
}
