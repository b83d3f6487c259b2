package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockClass scopes a resource lock to one kind of work.
type LockClass string

const (
	LockLifecycle LockClass = "lifecycle"
	LockDeploy    LockClass = "deploy"
	LockRun       LockClass = "run"
	LockBootstrap LockClass = "bootstrap"
)

// ResourceLockKey builds the overlap lock key for a resource. Resources with
// the same identifying key on a host share a lock even before they have ids.
func ResourceLockKey(res *Resource, class LockClass) string {
	return fmt.Sprintf("lock:%s:%s:%s:%s", class, res.HostID, res.Kind, res.Key)
}

// HostPackagesKey serializes package manager use on one host.
func HostPackagesKey(hostID string) string {
	return "lock:packages:" + hostID
}

// BootstrapLockKey guards the bootstrap sequence of one host.
func BootstrapLockKey(hostID string) string {
	return "lock:bootstrap:" + hostID
}

// MemoryLocker is an in-process Locker. Expired leases are reclaimed lazily on
// the next Acquire of the same key.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// Acquire takes key for lease or fails with a lock contention fault.
func (l *MemoryLocker) Acquire(_ context.Context, key string, lease time.Duration) (Guard, error) {
	if lease <= 0 {
		return nil, NewValidationFault("lock lease must be positive", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return nil, NewLockContention(key)
	}

	token := uuid.New().String()
	l.leases[key] = memoryLease{token: token, expires: now.Add(lease)}
	return &memoryGuard{locker: l, key: key, token: token}, nil
}

// Held reports whether key currently has an unexpired lease.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.leases[key]
	return ok && l.now().Before(held.expires)
}

func (l *MemoryLocker) extend(key, token string, lease time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	held, ok := l.leases[key]
	if !ok || held.token != token || !now.Before(held.expires) {
		return NewLockContention(key)
	}
	l.leases[key] = memoryLease{token: token, expires: now.Add(lease)}
	return nil
}

func (l *MemoryLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// A lease that expired and was re-acquired belongs to someone else now.
	if held, ok := l.leases[key]; ok && held.token == token {
		delete(l.leases, key)
	}
}

type memoryGuard struct {
	locker *MemoryLocker
	key    string
	token  string
	once   sync.Once
}

func (g *memoryGuard) Key() string { return g.key }

func (g *memoryGuard) Extend(_ context.Context, lease time.Duration) error {
	if lease <= 0 {
		return NewValidationFault("lock lease must be positive", nil)
	}
	return g.locker.extend(g.key, g.token, lease)
}

func (g *memoryGuard) Release(_ context.Context) error {
	g.once.Do(func() {
		g.locker.release(g.key, g.token)
	})
	return nil
}

// GuardSet releases several guards as one, in reverse acquisition order.
type GuardSet []Guard

func (s GuardSet) Key() string {
	if len(s) == 0 {
		return ""
	}
	return s[0].Key()
}

func (s GuardSet) Extend(ctx context.Context, lease time.Duration) error {
	for _, g := range s {
		if g == nil {
			continue
		}
		if err := g.Extend(ctx, lease); err != nil {
			return err
		}
	}
	return nil
}

func (s GuardSet) Release(ctx context.Context) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == nil {
			continue
		}
		if err := s[i].Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AcquireAll takes every key or none of them.
func AcquireAll(ctx context.Context, locker Locker, keys []string, lease time.Duration) (GuardSet, error) {
	guards := make(GuardSet, 0, len(keys))
	for _, key := range keys {
		g, err := locker.Acquire(ctx, key, lease)
		if err != nil {
			_ = guards.Release(ctx)
			return nil, err
		}
		guards = append(guards, g)
	}
	return guards, nil
}

// AcquireWait retries Acquire on contention until the key frees up or ctx ends.
// Jobs use it for host-wide keys they must share rather than reject on.
func AcquireWait(ctx context.Context, locker Locker, key string, lease, poll time.Duration) (Guard, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	for {
		g, err := locker.Acquire(ctx, key, lease)
		if err == nil {
			return g, nil
		}
		if !IsLockContention(err) {
			return nil, err
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}
