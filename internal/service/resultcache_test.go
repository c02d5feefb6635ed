package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Strob0t/querygate/internal/adapter/memkv"
	"github.com/Strob0t/querygate/internal/domain/authz"
	"github.com/Strob0t/querygate/internal/domain/backend"
)

func ctxWithRoles(user string, roles ...string) authz.Context {
	return authz.NewContext(user, user, roles, "", time.Now().Add(time.Hour))
}

func TestCacheKeySharedByRoleSet(t *testing.T) {
	alice := ctxWithRoles("alice", "reader", "hr-viewer")
	bob := ctxWithRoles("bob", "HR-Viewer", "reader", "reader")
	carol := ctxWithRoles("carol", "reader")

	if CacheKey("hr", "List  employees", alice) != CacheKey("hr", "list employees", bob) {
		t.Error("identical role sets and normalized queries must share a key")
	}
	if CacheKey("hr", "list employees", alice) == CacheKey("hr", "list employees", carol) {
		t.Error("different role sets must not share a key")
	}
	if CacheKey("hr", "list employees", alice) == CacheKey("finance", "list employees", alice) {
		t.Error("different backends must not share a key")
	}
}

func TestCacheKeyRoleBoundary(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
	}{
		{"superset", []string{"a"}, []string{"a", "b"}},
		{"separator inside role", []string{"finance,hr"}, []string{"finance", "hr"}},
		{"nul inside role", []string{"hr\x00x"}, []string{"hr", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := ctxWithRoles("x", tt.a...)
			y := ctxWithRoles("y", tt.b...)
			if CacheKey("hr", "list employees", x) == CacheKey("hr", "list employees", y) {
				t.Errorf("role sets %q and %q share a cache key", x.Roles(), y.Roles())
			}
		})
	}
}

func TestResultCacheHitAndTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rc := NewResultCache(memkv.NewCache(), 60*time.Second, nil)
	rc.now = func() time.Time { return now }
	ctx := context.Background()

	key := CacheKey("hr", "q", ctxWithRoles("a", "reader"))
	want := backend.Result{Data: []json.RawMessage{json.RawMessage(`{"id":1}`)}, Metadata: backend.Metadata{Truncated: true}}
	rc.Put(ctx, key, want)

	now = now.Add(59 * time.Second)
	got, ok := rc.Get(ctx, "hr", key)
	if !ok {
		t.Fatal("expected hit within TTL")
	}
	if len(got.Data) != 1 || !got.Metadata.Truncated {
		t.Fatalf("cached result mangled: %+v", got)
	}

	now = now.Add(time.Second)
	if _, ok := rc.Get(ctx, "hr", key); ok {
		t.Fatal("expected miss at TTL")
	}
}

func TestResultCacheInvalidate(t *testing.T) {
	rc := NewResultCache(memkv.NewCache(), time.Minute, nil)
	ctx := context.Background()
	ac := ctxWithRoles("a", "reader")

	hrKey := CacheKey("hr", "q", ac)
	finKey := CacheKey("finance", "q", ac)
	rc.Put(ctx, hrKey, backend.Result{})
	rc.Put(ctx, finKey, backend.Result{})

	if err := rc.Invalidate(ctx, "hr"); err != nil {
		t.Fatal(err)
	}
	if _, ok := rc.Get(ctx, "hr", hrKey); ok {
		t.Error("hr entry should be gone")
	}
	if _, ok := rc.Get(ctx, "finance", finKey); !ok {
		t.Error("finance entry should survive")
	}
}

func TestResultCacheDisabled(t *testing.T) {
	var nilCache *ResultCache
	for _, rc := range []*ResultCache{nilCache, NewResultCache(nil, time.Minute, nil), NewResultCache(memkv.NewCache(), 0, nil)} {
		ctx := context.Background()
		rc.Put(ctx, "qc.hr.k", backend.Result{})
		if _, ok := rc.Get(ctx, "hr", "qc.hr.k"); ok {
			t.Error("disabled cache must never hit")
		}
		if err := rc.Invalidate(ctx, "hr"); err != nil {
			t.Error(err)
		}
	}
}
