package memkv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/querygate/internal/domain"
	"github.com/Strob0t/querygate/internal/port/cache/cachetest"
)

func TestCacheCompliance(t *testing.T) {
	cachetest.RunComplianceTests(t, NewCache())
}

func TestCreateConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	rev, err := s.Create(ctx, "k", []byte("a"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if rev == 0 {
		t.Fatal("expected non-zero revision")
	}
	if _, err := s.Create(ctx, "k", []byte("b"), time.Minute); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpdateStaleRevision(t *testing.T) {
	s := New()
	ctx := context.Background()

	rev, _ := s.Create(ctx, "k", []byte("a"), time.Minute)
	rev2, err := s.Update(ctx, "k", []byte("b"), rev)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(ctx, "k", []byte("c"), rev); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale rev, got %v", err)
	}
	val, got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "b" || got != rev2 {
		t.Fatalf("Get = %s@%d, want b@%d", val, got, rev2)
	}
}

func TestUpdateMissingKey(t *testing.T) {
	if _, err := New().Update(context.Background(), "nope", nil, 1); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := s.Create(ctx, "k", []byte("a"), time.Second); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Second)
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ttl, got %v", err)
	}
	if _, err := s.Create(ctx, "k", []byte("b"), time.Second); err != nil {
		t.Fatalf("expired key should be creatable again: %v", err)
	}
}

func TestConcurrentUpdateSingleWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	rev, _ := s.Create(ctx, "k", []byte("pending"), time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "k", []byte("done"), rev); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}
