/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lock

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/metrics"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/redisclient"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils"
)

const (
	challengeKeyPrefix = "lock:challenge:"
	queueKeyPrefix     = "lock:queue:"
	resourceKeyPrefix  = "lock:resource:"
	operationKeyPrefix = "lock:operation:"
)

// releaseScript deletes the lock key only when its value still equals the
// owner token, so an expired lock reacquired by another instance is never
// released by the original holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Lock is a held distributed lock. It is single-use: release it once.
type Lock struct {
	Resource   string
	Token      string
	Expiry     time.Duration
	AcquiredAt time.Time
}

// Manager acquires and releases named locks stored in Redis. One manager is
// shared by all components of a process; its owner prefix ties tokens to
// this host and process.
type Manager struct {
	redis         *redisclient.Client
	ownerPrefix   string
	retryCount    int
	retryInterval time.Duration
}

// NewManager builds a lock manager over the shared Redis client.
func NewManager(redisClient *redisclient.Client) *Manager {
	return &Manager{
		redis:         redisClient,
		ownerPrefix:   fmt.Sprintf("%s-%d", utils.Hostname(), os.Getpid()),
		retryCount:    config.GetLockRetryCount(),
		retryInterval: time.Duration(config.GetLockRetryIntervalMs()) * time.Millisecond,
	}
}

// Acquire takes the named lock with SET NX EX semantics. In blocking mode it
// retries on the configured schedule; otherwise it returns immediately.
// Contention is reported as ErrLockUnavailable, a soft failure: the caller
// must skip the guarded work, never proceed unlocked.
func (m *Manager) Acquire(ctx context.Context, resource string, expiry time.Duration, blocking bool) (*Lock, error) {
	if expiry <= 0 {
		expiry = time.Duration(config.GetCriticalSectionTimeoutSecond()) * time.Second
	}
	token := fmt.Sprintf("%s-%s", m.ownerPrefix, uuid.NewString())
	attempts := 1
	if blocking {
		attempts = m.retryCount
	}
	for i := 0; i < attempts; i++ {
		var acquired bool
		err := m.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			var err error
			acquired, err = rdb.SetNX(ctx, resource, token, expiry).Result()
			return err
		})
		if err != nil {
			return nil, err
		}
		if acquired {
			return &Lock{Resource: resource, Token: token, Expiry: expiry, AcquiredAt: time.Now()}, nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.retryInterval):
			}
		}
	}
	metrics.LockAcquireFailuresTotal.WithLabelValues(lockClass(resource)).Inc()
	return nil, commonerrors.ErrLockUnavailable
}

// lockClass reports the key family of a lock resource, the segment between
// the "lock:" prefix and the name.
func lockClass(resource string) string {
	rest := strings.TrimPrefix(resource, "lock:")
	if i := strings.IndexByte(rest, ':'); i > 0 {
		return rest[:i]
	}
	return "other"
}

// Release frees the lock with a compare-and-delete. It returns whether the
// key was actually deleted; false means the lock had already expired and may
// have been taken by another holder.
func (m *Manager) Release(ctx context.Context, l *Lock) (bool, error) {
	if l == nil {
		return false, nil
	}
	var deleted bool
	err := m.redis.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		res, err := releaseScript.Run(ctx, rdb, []string{l.Resource}, l.Token).Int()
		if err != nil {
			return err
		}
		deleted = res == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if !deleted {
		klog.Warningf("lock %s expired before release, held %s", l.Resource, time.Since(l.AcquiredAt))
	}
	return deleted, nil
}

// LockChallenge serializes all mutation pertaining to one challenge across
// the fleet.
func (m *Manager) LockChallenge(ctx context.Context, challengeID string, expiry time.Duration, blocking bool) (*Lock, error) {
	return m.Acquire(ctx, challengeKeyPrefix+challengeID, expiry, blocking)
}

// LockQueue serializes queue-wide operations such as dequeue, recovery, and clear.
func (m *Manager) LockQueue(ctx context.Context, name string, blocking bool) (*Lock, error) {
	return m.Acquire(ctx, queueKeyPrefix+name, 0, blocking)
}

// LockResource takes an ad-hoc named resource lock.
func (m *Manager) LockResource(ctx context.Context, name string, blocking bool) (*Lock, error) {
	return m.Acquire(ctx, resourceKeyPrefix+name, 0, blocking)
}

// LockOperation takes an ad-hoc named operation lock.
func (m *Manager) LockOperation(ctx context.Context, name string, blocking bool) (*Lock, error) {
	return m.Acquire(ctx, operationKeyPrefix+name, 0, blocking)
}

// WithLock runs fn while holding the named lock, releasing it afterwards.
// When the lock cannot be acquired, fn is not run and the acquire error is
// returned.
func (m *Manager) WithLock(ctx context.Context, resource string, expiry time.Duration, blocking bool, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, resource, expiry, blocking)
	if err != nil {
		return err
	}
	defer func() {
		if _, rerr := m.Release(ctx, l); rerr != nil {
			klog.ErrorS(rerr, "failed to release lock", "resource", resource)
		}
	}()
	return fn(ctx)
}

// WithQueueLock runs fn under the named queue lock.
func (m *Manager) WithQueueLock(ctx context.Context, name string, blocking bool, fn func(ctx context.Context) error) error {
	return m.WithLock(ctx, queueKeyPrefix+name, 0, blocking, fn)
}

// WithResourceLock runs fn under the named resource lock.
func (m *Manager) WithResourceLock(ctx context.Context, name string, blocking bool, fn func(ctx context.Context) error) error {
	return m.WithLock(ctx, resourceKeyPrefix+name, 0, blocking, fn)
}

// WithOperationLock runs fn under the named operation lock.
func (m *Manager) WithOperationLock(ctx context.Context, name string, blocking bool, fn func(ctx context.Context) error) error {
	return m.WithLock(ctx, operationKeyPrefix+name, 0, blocking, fn)
}

// WithChallengeLock runs fn under the challenge lock for challengeID.
func (m *Manager) WithChallengeLock(ctx context.Context, challengeID string, expiry time.Duration, fn func(ctx context.Context) error) error {
	return m.WithLock(ctx, challengeKeyPrefix+challengeID, expiry, true, fn)
}
