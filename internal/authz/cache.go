// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package authz

import (
	"sync"
	"time"
)

// decisionCache memoizes role-permission decisions for a TTL, absorbing
// the matcher cost on hot admin endpoints. Entries go stale rather than
// being invalidated: a policy file change needs a restart anyway.
type decisionCache struct {
	ttl  time.Duration
	mu   sync.RWMutex
	m    map[string]decision
	done chan struct{}
	once sync.Once
}

type decision struct {
	allowed bool
	until   time.Time
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &decisionCache{
		ttl:  ttl,
		m:    make(map[string]decision),
		done: make(chan struct{}),
	}
	go c.sweep()
	return c
}

func cacheKey(role, permission string) string {
	return role + "\x00" + permission
}

func (c *decisionCache) get(role, permission string) (allowed, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.m[cacheKey(role, permission)]
	if !ok || time.Now().After(d.until) {
		return false, false
	}
	return d.allowed, true
}

func (c *decisionCache) set(role, permission string, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[cacheKey(role, permission)] = decision{allowed: allowed, until: time.Now().Add(c.ttl)}
}

func (c *decisionCache) sweep() {
	t := time.NewTicker(c.ttl)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			now := time.Now()
			c.mu.Lock()
			for k, d := range c.m {
				if now.After(d.until) {
					delete(c.m, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// stop ends the sweeper; safe to call more than once.
func (c *decisionCache) stop() {
	c.once.Do(func() { close(c.done) })
}
