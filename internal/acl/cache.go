package acl

import (
	"time"

	"github.com/xela07ax/agent-authz/internal/domain"
)

// decisionCache — TTL-кэш решений проверки прав. Истечение проверяется
// лениво на чтении, фонового таймера нет: протухшие записи либо
// выкидываются при обращении, либо уходят при следующем Clear.
// TTL <= 0 означает, что кэш полностью отключен.
type decisionCache struct {
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	decision  domain.PermissionDecision
	expiresAt time.Time
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	return &decisionCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *decisionCache) enabled() bool {
	return c.ttl > 0
}

func (c *decisionCache) get(key string) (domain.PermissionDecision, bool) {
	if !c.enabled() {
		return domain.PermissionDecision{}, false
	}
	e, ok := c.entries[key]
	if !ok {
		return domain.PermissionDecision{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return domain.PermissionDecision{}, false
	}
	return e.decision, true
}

func (c *decisionCache) set(key string, d domain.PermissionDecision) {
	if !c.enabled() {
		return
	}
	c.entries[key] = cacheEntry{decision: d, expiresAt: time.Now().Add(c.ttl)}
}

// clear — грубая инвалидация всего кэша. Изменение шаблонов или ролей
// может затронуть много ключей, дешево это делается только полной очисткой.
func (c *decisionCache) clear() {
	c.entries = make(map[string]cacheEntry)
}
