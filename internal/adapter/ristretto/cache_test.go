package ristretto

import (
	"testing"

	"github.com/Strob0t/querygate/internal/port/cache/cachetest"
)

func TestCompliance(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	cachetest.RunComplianceTests(t, c)
}
