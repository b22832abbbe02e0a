package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/giggle/lingo/pkg/broker"
	"github.com/giggle/lingo/pkg/log"
	"github.com/giggle/lingo/pkg/metrics"
	"github.com/giggle/lingo/pkg/types"
)

// ErrNotAcquired is returned by WithLock when the lock could not be
// obtained within the wait budget and the protected operation never ran.
var ErrNotAcquired = errors.New("lock not acquired")

// pollInterval is how often a contended acquire re-attempts SetNX
const pollInterval = 50 * time.Millisecond

// keyPrefix namespaces lock keys away from the rest of the broker keyspace
const keyPrefix = "lock:"

// Service provides short-lived mutual exclusion keyed by arbitrary
// strings, backed by broker SET-NX keys with TTL auto-release. A holder
// that crashes never wedges a key: the broker expires it after ttl.
//
// Unlock deletes the key without verifying the owner token. A holder
// that outlives its TTL can therefore release a subsequent holder's
// lock; callers are expected to choose TTLs generously longer than
// their critical sections.
type Service struct {
	broker broker.Broker
	owner  string
}

// NewService creates a lock service. The owner identity is embedded in
// every published token so contended locks can be attributed in the
// broker during debugging.
func NewService(b broker.Broker) *Service {
	host, _ := os.Hostname()
	return &Service{
		broker: b,
		owner:  fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// TryLock attempts to acquire key, busy-polling until wait elapses. It
// returns true when the lock was acquired, false when another owner held
// it for the whole wait window.
func (s *Service) TryLock(ctx context.Context, key string, ttl, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	token := fmt.Sprintf("%s@%s", s.owner, types.FormatTimestamp(time.Now()))

	for {
		acquired, err := s.broker.SetNX(ctx, keyPrefix+key, token, ttl)
		if err != nil {
			metrics.LockAcquires.WithLabelValues("error").Inc()
			return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if acquired {
			metrics.LockAcquires.WithLabelValues("acquired").Inc()
			return true, nil
		}
		if !time.Now().Add(pollInterval).Before(deadline) {
			metrics.LockAcquires.WithLabelValues("contended").Inc()
			return false, nil
		}
		select {
		case <-ctx.Done():
			metrics.LockAcquires.WithLabelValues("error").Inc()
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Unlock releases key. Best-effort and idempotent: releasing a lock that
// is not held is not an error.
func (s *Service) Unlock(ctx context.Context, key string) error {
	if err := s.broker.Delete(ctx, keyPrefix+key); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// WithLock runs fn while holding key and releases the lock on any exit
// path. When the lock cannot be acquired it returns ErrNotAcquired and
// fn does not run.
func (s *Service) WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	acquired, err := s.TryLock(ctx, key, ttl, wait)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrNotAcquired
	}
	defer func() {
		if err := s.Unlock(ctx, key); err != nil {
			logger := log.WithComponent("lock")
			logger.Warn().Err(err).Str("key", key).Msg("Failed to release lock")
		}
	}()
	return fn(ctx)
}
