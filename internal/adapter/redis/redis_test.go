package redis

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Strob0t/querygate/internal/domain"
	"github.com/Strob0t/querygate/internal/port/cache/cachetest"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheCompliance(t *testing.T) {
	_, client := newTestClient(t)
	cachetest.RunComplianceTests(t, NewCache(client))
}

func TestCacheTTL(t *testing.T) {
	mr, client := newTestClient(t)
	c := NewCache(client)
	ctx := context.Background()

	if err := c.Set(ctx, "qc.hr.abc", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(61 * time.Second)
	if _, found, _ := c.Get(ctx, "qc.hr.abc"); found {
		t.Fatal("expected entry to expire")
	}
}

func TestDeletePrefixKeepsOtherBackends(t *testing.T) {
	tests := []struct {
		name string
		n    int
	}{
		{"single batch", 10},
		{"exact batch", scanBatch},
		{"many batches", 2*scanBatch + 88},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newTestClient(t)
			c := NewCache(client)
			ctx := context.Background()

			for i := 0; i < tt.n; i++ {
				_ = c.Set(ctx, "qc.hr."+strconv.Itoa(i), []byte("v"), time.Minute)
			}
			_ = c.Set(ctx, "qc.finance.x", []byte("v"), time.Minute)

			if err := c.DeletePrefix(ctx, "qc.hr."); err != nil {
				t.Fatal(err)
			}
			keys, err := client.Keys(ctx, "qc.hr.*").Result()
			if err != nil {
				t.Fatal(err)
			}
			if len(keys) != 0 {
				t.Fatalf("%d hr keys survived", len(keys))
			}
			if _, found, _ := c.Get(ctx, "qc.finance.x"); !found {
				t.Fatal("finance entry must survive hr invalidation")
			}
		})
	}
}

func TestStoreCreateUpdate(t *testing.T) {
	_, client := newTestClient(t)
	s := NewStore(client, "qg:rev")
	ctx := context.Background()

	rev, err := s.Create(ctx, "conf.c1", []byte("pending"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, "conf.c1", []byte("x"), time.Minute); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	rev2, err := s.Update(ctx, "conf.c1", []byte("approved"), rev)
	if err != nil {
		t.Fatal(err)
	}
	if rev2 <= rev {
		t.Fatalf("revision did not advance: %d -> %d", rev, rev2)
	}
	if _, err := s.Update(ctx, "conf.c1", []byte("rejected"), rev); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict on stale revision, got %v", err)
	}

	val, got, err := s.Get(ctx, "conf.c1")
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "approved" || got != rev2 {
		t.Fatalf("Get = %s@%d, want approved@%d", val, got, rev2)
	}
}

func TestStoreTTLSurvivesUpdate(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewStore(client, "qg:rev")
	ctx := context.Background()

	rev, _ := s.Create(ctx, "conf.c2", []byte("pending"), 10*time.Second)
	if _, err := s.Update(ctx, "conf.c2", []byte("approved"), rev); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(11 * time.Second)
	if _, _, err := s.Get(ctx, "conf.c2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ttl, got %v", err)
	}
}

func TestStoreConcurrentUpdateSingleWinner(t *testing.T) {
	_, client := newTestClient(t)
	s := NewStore(client, "qg:rev")
	ctx := context.Background()
	rev, _ := s.Create(ctx, "conf.c3", []byte("pending"), time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "conf.c3", []byte("done"), rev); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected one winner, got %d", wins.Load())
	}
}

func TestStoreGetMissing(t *testing.T) {
	_, client := newTestClient(t)
	if _, _, err := NewStore(client, "qg:rev").Get(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
