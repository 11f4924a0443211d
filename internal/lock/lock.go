package lock

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrAcquireFailed means another holder owns the lock. Expected under
	// concurrent reconciliation, never logged as an error.
	ErrAcquireFailed = errors.New("lock: already held")

	// ErrLockLost means the lease expired or vanished while the protected
	// function was still running.
	ErrLockLost = errors.New("lock: lease lost")
)

// Compare-and-delete: only the token holder may release.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Compare-and-pexpire: only the token holder may extend the lease.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Service is a lease-based distributed lock over redis. Keys are
// deal:{id}:operation:{op}; the value is an opaque per-acquisition token.
type Service struct {
	client *redis.Client
	log    *zap.Logger
}

func NewService(client *redis.Client, log *zap.Logger) *Service {
	return &Service{client: client, log: log}
}

// Acquire is non-blocking: it either takes the lock or fails fast with
// ErrAcquireFailed. Any other error means the backend itself misbehaved.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrAcquireFailed
	}
	return token, nil
}

// AcquireRetry attempts Acquire up to attempts times with jittered backoff.
func (s *Service) AcquireRetry(ctx context.Context, key string, ttl time.Duration, attempts int, backoff time.Duration) (string, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		token, err := s.Acquire(ctx, key, ttl)
		if err == nil {
			return token, nil
		}
		lastErr = err
		if !errors.Is(err, ErrAcquireFailed) {
			return "", err
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return "", lastErr
}

func (s *Service) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, s.client, []string{key}, token).Err()
}

// Extend renews the lease. Returns ErrLockLost when the key is gone or
// owned by someone else.
func (s *Service) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// WithLock runs fn under the lock, renewing the lease at ttl/3 intervals.
// If the lease is lost mid-run, fn's context is cancelled and ErrLockLost
// is returned. The lock is released on every exit path.
//
// Fail-open: when the backend is unreachable, fn runs WITHOUT the lock.
// The row lock inside the store transaction remains the safety net; this
// trades strict mutual exclusion for availability and must stay this way.
func (s *Service) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := s.Acquire(ctx, key, ttl)
	if errors.Is(err, ErrAcquireFailed) {
		return err
	}
	if err != nil {
		s.log.Warn("lock backend unreachable, proceeding without lock",
			zap.String("key", key), zap.Error(err))
		return fn(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := s.Extend(runCtx, key, token, ttl); errors.Is(err, ErrLockLost) {
					close(lost)
					cancel()
					return
				}
				// Backend errors during extension are tolerated: the key
				// still has its previous TTL and may outlive the blip.
			}
		}
	}()

	fnErr := fn(runCtx)

	cancel()
	<-watchdogDone

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer releaseCancel()
	if err := s.Release(releaseCtx, key, token); err != nil {
		s.log.Debug("lock release failed", zap.String("key", key), zap.Error(err))
	}

	select {
	case <-lost:
		return ErrLockLost
	default:
	}
	return fnErr
}
