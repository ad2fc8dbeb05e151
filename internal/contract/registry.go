package contract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ankittk/stagehand/internal/store"
	"github.com/ankittk/stagehand/pkg/models"
)

// Registry holds the active contract set and persists every registered
// version so stage executions can pin the version they ran under.
type Registry struct {
	mu      sync.RWMutex
	store   store.Store
	version int
	stages  map[string]models.StageContract
}

func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st}
}

// Init loads the latest persisted contract set, registering the built-in
// defaults as version 1 when the store is empty.
func (r *Registry) Init(ctx context.Context) error {
	version, payload, err := r.store.LatestContractVersion(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoContractVersion) {
			_, err = r.Register(ctx, Defaults())
			return err
		}
		return err
	}
	stages, err := DecodeSet([]byte(payload))
	if err != nil {
		return fmt.Errorf("contract version %d: %w", version, err)
	}
	r.mu.Lock()
	r.version = version
	r.stages = stages
	r.mu.Unlock()
	return nil
}

// Register validates, persists, and activates a new contract set. Stages
// already executing keep the version they resolved at entry.
func (r *Registry) Register(ctx context.Context, stages map[string]models.StageContract) (int, error) {
	if err := ValidateSet(stages); err != nil {
		return 0, err
	}
	payload, err := EncodeSet(stages)
	if err != nil {
		return 0, err
	}
	version, err := r.store.InsertContractVersion(ctx, payload)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.version = version
	r.stages = stages
	r.mu.Unlock()
	return version, nil
}

// LoadFile registers the contract set at path. A missing file is not an
// error; it returns the active version unchanged.
func (r *Registry) LoadFile(ctx context.Context, path string) (int, error) {
	stages, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	if stages == nil {
		return r.Version(), nil
	}
	return r.Register(ctx, stages)
}

// Version returns the active contract version.
func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Current returns the active set as an API value.
func (r *Registry) Current() models.ContractSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stages := make(map[string]models.StageContract, len(r.stages))
	for k, v := range r.stages {
		stages[k] = v
	}
	return models.ContractSet{Version: r.version, Stages: stages, CreatedAt: time.Time{}}
}

// ForStage resolves the contract a stage entry runs under, returning the
// contract and the version to record on the execution.
func (r *Registry) ForStage(stage string) (models.StageContract, int, error) {
	if !models.KnownStage(stage) {
		return models.StageContract{}, 0, fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.stages[stage]
	if !ok {
		return models.StageContract{}, 0, fmt.Errorf("no contract registered for stage %q", stage)
	}
	return c, r.version, nil
}

// Resolve fetches a pinned historical version, used when re-routing a run
// after restart.
func (r *Registry) Resolve(ctx context.Context, version int) (models.ContractSet, error) {
	if version == r.Version() {
		return r.Current(), nil
	}
	payload, err := r.store.GetContractVersion(ctx, version)
	if err != nil {
		return models.ContractSet{}, err
	}
	stages, err := DecodeSet([]byte(payload))
	if err != nil {
		return models.ContractSet{}, fmt.Errorf("contract version %d: %w", version, err)
	}
	return models.ContractSet{Version: version, Stages: stages}, nil
}
