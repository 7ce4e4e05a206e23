package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bigredctf/instancer/pkg/domain"
)

type activeKey struct {
	user      domain.UserID
	challenge domain.ChallengeID
}

// MemoryRegistry keeps everything under one mutex. Good enough for tests
// and single-process deployments; the Redis registry carries the same
// semantics for everything else.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[domain.InstanceID]domain.Instance
	active    map[activeKey]domain.InstanceID
	names     map[string]bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[domain.InstanceID]domain.Instance),
		active:    make(map[activeKey]domain.InstanceID),
		names:     make(map[string]bool),
	}
}

func (r *MemoryRegistry) Insert(ctx context.Context, inst *domain.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := activeKey{inst.UserID, inst.ChallengeID}
	if _, ok := r.active[key]; ok {
		return ErrDuplicateActive
	}
	if r.names[inst.ContainerName] {
		return ErrNameTaken
	}

	r.instances[inst.ID] = *inst
	r.names[inst.ContainerName] = true
	if inst.Status.Active() {
		r.active[key] = inst.ID
	}
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id domain.InstanceID) (*domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inst, nil
}

func (r *MemoryRegistry) FindActive(ctx context.Context, userID domain.UserID, challengeID domain.ChallengeID) (*domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.active[activeKey{userID, challengeID}]
	if !ok {
		return nil, ErrNotFound
	}
	inst := r.instances[id]
	return &inst, nil
}

func (r *MemoryRegistry) ListByUser(ctx context.Context, userID domain.UserID) ([]domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []domain.Instance
	for _, inst := range r.instances {
		if inst.UserID == userID && inst.Status != domain.StatusDeleted {
			list = append(list, inst)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (r *MemoryRegistry) ListActive(ctx context.Context) ([]domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []domain.Instance
	for _, id := range r.active {
		list = append(list, r.instances[id])
	}
	return list, nil
}

func (r *MemoryRegistry) ListExpirable(ctx context.Context, now time.Time) ([]domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []domain.Instance
	for _, inst := range r.instances {
		switch inst.Status {
		case domain.StatusRunning, domain.StatusExpired:
			if inst.Expired(now) {
				list = append(list, inst)
			}
		}
	}
	return list, nil
}

func (r *MemoryRegistry) CountActive(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active), nil
}

func (r *MemoryRegistry) UpdateStatus(ctx context.Context, id domain.InstanceID, from, to domain.InstanceStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return false, ErrNotFound
	}
	if inst.Status != from {
		return false, nil
	}

	inst.Status = to
	r.instances[id] = inst

	if from.Active() && !to.Active() {
		key := activeKey{inst.UserID, inst.ChallengeID}
		if r.active[key] == id {
			delete(r.active, key)
		}
	}
	return true, nil
}

var _ Registry = (*MemoryRegistry)(nil)
