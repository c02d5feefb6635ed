package natskv

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/querygate/internal/domain"
	"github.com/Strob0t/querygate/internal/port/cache/cachetest"
)

// testBucket connects to NATS or skips the test if NATS_URL is not set.
func testBucket(t *testing.T) jetstream.KeyValue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	c, err := Connect(url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	name := "QG_TEST_" + strings.ToUpper(strings.ReplaceAll(t.Name(), "/", "_"))
	ctx := context.Background()
	kv, err := c.Bucket(ctx, name, time.Minute)
	if err != nil {
		t.Fatalf("Bucket: %v", err)
	}
	t.Cleanup(func() { _ = c.js.DeleteKeyValue(context.Background(), name) })
	return kv
}

func TestCacheCompliance(t *testing.T) {
	cachetest.RunComplianceTests(t, NewCache(testBucket(t)))
}

func TestStoreCompareAndSwap(t *testing.T) {
	s := NewStore(testBucket(t))
	ctx := context.Background()

	rev, err := s.Create(ctx, "conf.c1", []byte("pending"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, "conf.c1", []byte("again"), time.Minute); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate create, got %v", err)
	}

	if _, err := s.Update(ctx, "conf.c1", []byte("approved"), rev); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := s.Update(ctx, "conf.c1", []byte("rejected"), rev); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict on stale revision, got %v", err)
	}

	val, _, err := s.Get(ctx, "conf.c1")
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "approved" {
		t.Fatalf("expected approved, got %s", val)
	}

	if err := s.Delete(ctx, "conf.c1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, "conf.c1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
