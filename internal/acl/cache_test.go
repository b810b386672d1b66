package acl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/agent-authz/internal/domain"
)

func TestDecisionCache_SetGet(t *testing.T) {
	c := newDecisionCache(time.Minute)
	d := domain.PermissionDecision{Allowed: true, Reason: "ok"}

	_, ok := c.get("k")
	assert.False(t, ok)

	c.set("k", d)
	got, ok := c.get("k")
	assert.True(t, ok)
	assert.Equal(t, d, got)

	c.clear()
	_, ok = c.get("k")
	assert.False(t, ok)
}

func TestDecisionCache_DisabledByNonPositiveTTL(t *testing.T) {
	for _, ttl := range []time.Duration{0, -time.Second} {
		c := newDecisionCache(ttl)
		c.set("k", domain.PermissionDecision{Allowed: true})
		_, ok := c.get("k")
		assert.False(t, ok, "ttl %v must disable the cache entirely", ttl)
	}
}

func TestDecisionCache_LazyExpiry(t *testing.T) {
	c := newDecisionCache(5 * time.Millisecond)
	c.set("k", domain.PermissionDecision{Allowed: true})

	time.Sleep(15 * time.Millisecond)

	_, ok := c.get("k")
	assert.False(t, ok, "expired entry is evicted on read")
	assert.NotContains(t, c.entries, "k")
}
