package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigredctf/instancer/pkg/domain"
)

const (
	instanceKeyPrefix = "instancer:instance:"
	nameKeyPrefix     = "instancer:name:"
	activeKeyPrefix   = "instancer:active:"
	userKeyPrefix     = "instancer:user:"
	activeSetKey      = "instancer:active_ids"
	expiryZSetKey     = "instancer:expiry"

	// updateRetries bounds WATCH retry loops when a concurrent writer
	// touches the same record.
	updateRetries = 5
)

type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(addr string, db int, password string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRegistry{client: client}, nil
}

func instanceKey(id domain.InstanceID) string {
	return instanceKeyPrefix + string(id)
}

func activeGuardKey(userID domain.UserID, challengeID domain.ChallengeID) string {
	return fmt.Sprintf("%s%d:%s", activeKeyPrefix, userID, challengeID)
}

func userSetKey(userID domain.UserID) string {
	return fmt.Sprintf("%s%d", userKeyPrefix, userID)
}

// Insert claims the (user, challenge) active guard and the container name
// with SETNX before writing the record. The guard claim is the atomic
// arbiter for duplicate-creation races: the losing insert sees
// ErrDuplicateActive and falls back to reading the winner.
func (r *RedisRegistry) Insert(ctx context.Context, inst *domain.Instance) error {
	guard := activeGuardKey(inst.UserID, inst.ChallengeID)

	ok, err := r.client.SetNX(ctx, guard, string(inst.ID), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim active guard: %w", err)
	}
	if !ok {
		return ErrDuplicateActive
	}

	ok, err = r.client.SetNX(ctx, nameKeyPrefix+inst.ContainerName, string(inst.ID), 0).Result()
	if err != nil {
		r.client.Del(ctx, guard)
		return fmt.Errorf("failed to claim container name: %w", err)
	}
	if !ok {
		r.client.Del(ctx, guard)
		return ErrNameTaken
	}

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, instanceKey(inst.ID), data, 0)
		pipe.SAdd(ctx, userSetKey(inst.UserID), string(inst.ID))
		pipe.SAdd(ctx, activeSetKey, string(inst.ID))
		pipe.ZAdd(ctx, expiryZSetKey, redis.Z{
			Score:  float64(inst.ExpiresAt.Unix()),
			Member: string(inst.ID),
		})
		return nil
	})
	if err != nil {
		// Release both claims, otherwise the pair is wedged: the guard
		// would keep rejecting inserts while pointing at no record.
		r.client.Del(ctx, guard, nameKeyPrefix+inst.ContainerName)
		return fmt.Errorf("failed to store instance: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id domain.InstanceID) (*domain.Instance, error) {
	val, err := r.client.Get(ctx, instanceKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	var inst domain.Instance
	if err := json.Unmarshal([]byte(val), &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return &inst, nil
}

func (r *RedisRegistry) FindActive(ctx context.Context, userID domain.UserID, challengeID domain.ChallengeID) (*domain.Instance, error) {
	guard := activeGuardKey(userID, challengeID)
	id, err := r.client.Get(ctx, guard).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read active guard: %w", err)
	}

	inst, err := r.Get(ctx, domain.InstanceID(id))
	if errors.Is(err, ErrNotFound) {
		// A guard with no record behind it is debris from an insert that
		// died between claim and write. Clear it so the pair can be
		// claimed again.
		r.client.Del(ctx, guard)
		return nil, ErrNotFound
	}
	return inst, err
}

func (r *RedisRegistry) ListByUser(ctx context.Context, userID domain.UserID) ([]domain.Instance, error) {
	ids, err := r.client.SMembers(ctx, userSetKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user instances: %w", err)
	}

	list, err := r.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	filtered := list[:0]
	for _, inst := range list {
		if inst.Status != domain.StatusDeleted {
			filtered = append(filtered, inst)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })
	return filtered, nil
}

func (r *RedisRegistry) ListActive(ctx context.Context) ([]domain.Instance, error) {
	ids, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}
	return r.fetchAll(ctx, ids)
}

func (r *RedisRegistry) ListExpirable(ctx context.Context, now time.Time) ([]domain.Instance, error) {
	ids, err := r.client.ZRangeByScore(ctx, expiryZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query expiry index: %w", err)
	}

	list, err := r.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	expirable := list[:0]
	for _, inst := range list {
		if inst.Status == domain.StatusRunning || inst.Status == domain.StatusExpired {
			expirable = append(expirable, inst)
		}
	}
	return expirable, nil
}

func (r *RedisRegistry) CountActive(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, activeSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active instances: %w", err)
	}
	return int(n), nil
}

// UpdateStatus is a WATCH-guarded compare-and-set on the record's status.
// Leaving the active set releases the (user, challenge) guard and drops
// the record from the expiry index in the same transaction.
func (r *RedisRegistry) UpdateStatus(ctx context.Context, id domain.InstanceID, from, to domain.InstanceStatus) (bool, error) {
	key := instanceKey(id)
	applied := false

	for attempt := 0; attempt < updateRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}

			var inst domain.Instance
			if err := json.Unmarshal([]byte(val), &inst); err != nil {
				return fmt.Errorf("failed to unmarshal instance: %w", err)
			}

			if inst.Status != from {
				applied = false
				return nil
			}

			inst.Status = to
			data, err := json.Marshal(&inst)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if from.Active() && !to.Active() {
					pipe.Del(ctx, activeGuardKey(inst.UserID, inst.ChallengeID))
					pipe.SRem(ctx, activeSetKey, string(id))
				}
				// The expiry index keeps Expired records visible so the
				// sweep can retry their provider-side delete.
				if to.Terminal() {
					pipe.ZRem(ctx, expiryZSetKey, string(id))
				}
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue // concurrent writer, re-read and retry
		}
		if err != nil {
			return false, err
		}
		return applied, nil
	}
	// Every attempt lost the WATCH race; the record is being transitioned
	// by someone else, which means our guard would not have matched.
	return false, nil
}

func (r *RedisRegistry) fetchAll(ctx context.Context, ids []string) ([]domain.Instance, error) {
	list := make([]domain.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := r.Get(ctx, domain.InstanceID(id))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		list = append(list, *inst)
	}
	return list, nil
}

var _ Registry = (*RedisRegistry)(nil)
