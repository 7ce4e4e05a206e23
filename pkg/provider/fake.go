package provider

import (
	"context"
	"sync"
)

// FakeClient is an in-memory provisioning client for tests and local
// development. Failures are injected per call site; call counts are
// tracked so tests can assert exactly how often the provider was hit.
type FakeClient struct {
	mu sync.Mutex

	containers map[string]Status

	// CreateErr, if set, is returned by the next Create calls.
	CreateErr error
	// CreateErrLate, if set, is returned by Create after the container has
	// been registered, simulating a call that times out while the engine
	// carries on.
	CreateErrLate error
	// StatusErr, if set, is returned by GetStatus.
	StatusErr error
	// DeleteErr, if set, is returned by Delete for present containers.
	DeleteErr error
	// FailDeletes maps container names to per-container Delete errors,
	// checked before DeleteErr.
	FailDeletes map[string]error

	CreateCalls int
	StatusCalls int
	DeleteCalls int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{containers: make(map[string]Status)}
}

func (f *FakeClient) Create(ctx context.Context, containerName, image string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.CreateErr != nil {
		return f.CreateErr
	}
	f.containers[containerName] = StatusPending
	if f.CreateErrLate != nil {
		return f.CreateErrLate
	}
	return nil
}

func (f *FakeClient) GetStatus(ctx context.Context, containerName string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	if f.StatusErr != nil {
		return "", f.StatusErr
	}
	st, ok := f.containers[containerName]
	if !ok {
		return StatusNotFound, nil
	}
	return st, nil
}

func (f *FakeClient) Delete(ctx context.Context, containerName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++
	if _, ok := f.containers[containerName]; !ok {
		return nil // delete of absent container is success by contract
	}
	if err, ok := f.FailDeletes[containerName]; ok {
		return err
	}
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.containers, containerName)
	return nil
}

// SetStatus moves a container to the given provider-side status,
// simulating the engine finishing (or failing) creation.
func (f *FakeClient) SetStatus(containerName string, st Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[containerName] = st
}

// Exists reports whether the provider still holds the container.
func (f *FakeClient) Exists(containerName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[containerName]
	return ok
}

var _ Client = (*FakeClient)(nil)
