// Package registry is the single source of truth for instance records.
// Records are never physically removed; they transition to a terminal
// status and stay behind for audit.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/bigredctf/instancer/pkg/domain"
)

var (
	// ErrNotFound is returned for unknown instance IDs, and by FindActive
	// when the (user, challenge) pair has no active record.
	ErrNotFound = errors.New("instance not found")

	// ErrDuplicateActive is returned by Insert when the (user, challenge)
	// pair already has an active instance. The caller re-reads the winner
	// via FindActive and treats the request as satisfied.
	ErrDuplicateActive = errors.New("active instance already exists for user and challenge")

	// ErrNameTaken is returned by Insert on a container-name collision.
	// Names carry 64 bits of entropy, so hitting this means a broken
	// generator rather than bad luck.
	ErrNameTaken = errors.New("container name already registered")
)

// Registry is the transactional store of Instance records.
//
// Insert atomically enforces the single-active-instance invariant: the
// existence check and the insert are one guarded operation, so two
// concurrent requests for the same (user, challenge) cannot both win.
//
// UpdateStatus is an optimistic transition keyed by instance ID and
// guarded by the expected previous status: it returns (false, nil) when
// the record's current status no longer matches, making the losing writer
// of a concurrent transition a safe no-op.
type Registry interface {
	Insert(ctx context.Context, inst *domain.Instance) error
	Get(ctx context.Context, id domain.InstanceID) (*domain.Instance, error)
	FindActive(ctx context.Context, userID domain.UserID, challengeID domain.ChallengeID) (*domain.Instance, error)
	ListByUser(ctx context.Context, userID domain.UserID) ([]domain.Instance, error)
	ListActive(ctx context.Context) ([]domain.Instance, error)
	// ListExpirable returns every Running or Expired record whose TTL
	// elapsed at now. Expired records reappear until their provider-side
	// delete finally succeeds, which is what makes sweep retry work.
	// Each call is a fresh query, not a stateful cursor.
	ListExpirable(ctx context.Context, now time.Time) ([]domain.Instance, error)
	CountActive(ctx context.Context) (int, error)
	UpdateStatus(ctx context.Context, id domain.InstanceID, from, to domain.InstanceStatus) (bool, error)
}
