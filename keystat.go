// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// StatProvider supplies per-key traffic statistics for the client
// role's [OpcodeProcessGetKeyStat] handler. The middleware's traffic
// accounting layer implements it; tests and simple deployments can use
// [CacheStatProvider].
type StatProvider interface {
	Get(key string) (*KeyStat, bool)
}

// StatProviderFunc adapts a function to the [StatProvider] interface.
type StatProviderFunc func(key string) (*KeyStat, bool)

var _ StatProvider = StatProviderFunc(nil)

// Get implements [StatProvider].
func (f StatProviderFunc) Get(key string) (*KeyStat, bool) {
	return f(key)
}

// CacheStatProvider is a [StatProvider] over an expiring in-memory
// cache: producers push snapshots with Put, and entries vanish when
// they go stale, so a key that stopped updating stops answering.
type CacheStatProvider struct {
	cache *cache.Cache
}

var _ StatProvider = &CacheStatProvider{}

// NewCacheStatProvider creates a provider whose entries expire after
// ttl and are swept every cleanup interval.
func NewCacheStatProvider(ttl, cleanup time.Duration) *CacheStatProvider {
	return &CacheStatProvider{cache: cache.New(ttl, cleanup)}
}

// Put stores a snapshot of the key's statistics.
func (p *CacheStatProvider) Put(key string, stat *KeyStat) {
	p.cache.Set(key, stat, cache.DefaultExpiration)
}

// Get implements [StatProvider].
func (p *CacheStatProvider) Get(key string) (*KeyStat, bool) {
	v, ok := p.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*KeyStat), true
}
