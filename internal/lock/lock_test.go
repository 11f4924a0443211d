package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(client, zap.NewNop()), mr
}

func TestAcquireConflict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "deal:1:operation:release", time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	_, err = svc.Acquire(ctx, "deal:1:operation:release", time.Minute)
	if !errors.Is(err, ErrAcquireFailed) {
		t.Fatalf("second acquire: got %v, want ErrAcquireFailed", err)
	}

	// Different operation on the same deal is an independent lock.
	if _, err := svc.Acquire(ctx, "deal:1:operation:refund", time.Minute); err != nil {
		t.Fatalf("acquire other operation: %v", err)
	}
}

func TestReleaseRequiresToken(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Release(ctx, "k", "not-the-token"); err != nil {
		t.Fatalf("foreign release errored: %v", err)
	}
	if !mr.Exists("k") {
		t.Fatal("foreign token must not delete the lock")
	}

	if err := svc.Release(ctx, "k", token); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("k") {
		t.Fatal("holder release must delete the lock")
	}
}

func TestExtendLostLease(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Extend(ctx, "k", token, time.Minute); err != nil {
		t.Fatalf("extend while held: %v", err)
	}

	mr.Del("k")
	if err := svc.Extend(ctx, "k", token, time.Minute); !errors.Is(err, ErrLockLost) {
		t.Fatalf("extend after expiry: got %v, want ErrLockLost", err)
	}
}

func TestWithLockMutualExclusion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- svc.WithLock(ctx, "deal:x:operation:confirm", time.Minute, func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	err := svc.WithLock(ctx, "deal:x:operation:confirm", time.Minute, func(ctx context.Context) error {
		t.Error("second holder must not enter")
		return nil
	})
	if !errors.Is(err, ErrAcquireFailed) {
		t.Fatalf("got %v, want ErrAcquireFailed", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first holder: %v", err)
	}

	// Released: the lock is free again.
	if err := svc.WithLock(ctx, "deal:x:operation:confirm", time.Minute, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestWithLockFailOpen(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()

	ran := false
	err := svc.WithLock(context.Background(), "k", time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("fail-open run: %v", err)
	}
	if !ran {
		t.Fatal("fn must run without the lock when the backend is down")
	}
}

func TestWithLockPropagatesFnError(t *testing.T) {
	svc, mr := newTestService(t)

	sentinel := errors.New("boom")
	err := svc.WithLock(context.Background(), "k", time.Minute, func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want sentinel", err)
	}
	if mr.Exists("k") {
		t.Fatal("lock must be released after fn error")
	}
}
