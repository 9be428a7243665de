// Package session implements the active-session table: the mapping from
// username to the port and session key a successful AUTH assigned it.
package session

import (
	"sync"
	"time"
)

// Entry is one active session.
type Entry struct {
	Username   string
	Port       int
	Key        uint32
	LastActive int64
}

const shardCount = 16

// Cache is a lock-striped username → Entry table. Lookups and mutations
// are linearizable per the session cache contract; concurrent inserts of
// the same username produce exactly one success.
type Cache struct {
	shards [shardCount]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*Entry
}

// New builds an empty session cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].m = make(map[string]*Entry)
	}
	return c
}

// djb2 hashes a username the same way the original auth cache hashed
// (username, IP) pairs, reused here purely as a shard selector.
func djb2(s string) uint32 {
	var hash uint32 = 5381
	for i := 0; i < len(s); i++ {
		hash = hash*33 + uint32(s[i])
	}
	return hash
}

func (c *Cache) shardFor(username string) *shard {
	return &c.shards[djb2(username)%shardCount]
}

// Insert creates a SessionEntry if the username is not already present.
// Returns true on success, false if the username already has an entry.
func (c *Cache) Insert(username string, port int, key uint32) bool {
	sh := c.shardFor(username)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.m[username]; exists {
		return false
	}
	sh.m[username] = &Entry{
		Username:   username,
		Port:       port,
		Key:        key,
		LastActive: time.Now().Unix(),
	}
	return true
}

// Lookup returns a copy of the SessionEntry for username, if present.
func (c *Cache) Lookup(username string) (Entry, bool) {
	sh := c.shardFor(username)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.m[username]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// PortOf returns the port assigned to username, if any.
func (c *Cache) PortOf(username string) (int, bool) {
	e, ok := c.Lookup(username)
	return e.Port, ok
}

// KeyOf returns the session key assigned to username, if any.
func (c *Cache) KeyOf(username string) (uint32, bool) {
	e, ok := c.Lookup(username)
	return e.Key, ok
}

// Has reports whether username currently has an active session.
func (c *Cache) Has(username string) bool {
	_, ok := c.Lookup(username)
	return ok
}

// Touch refreshes the last-active timestamp for username, if present.
func (c *Cache) Touch(username string) {
	sh := c.shardFor(username)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.m[username]; ok {
		e.LastActive = time.Now().Unix()
	}
}

// Remove deletes the entry for username. Returns true if one existed.
func (c *Cache) Remove(username string) bool {
	sh := c.shardFor(username)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[username]; !ok {
		return false
	}
	delete(sh.m, username)
	return true
}

// AnyUsingPort reports whether any active session currently holds port.
// This walks every shard; used only for diagnostics, not the hot path.
func (c *Cache) AnyUsingPort(port int) bool {
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		for _, e := range sh.m {
			if e.Port == port {
				sh.mu.RUnlock()
				return true
			}
		}
		sh.mu.RUnlock()
	}
	return false
}

// EvictInactive removes every entry whose LastActive is older than
// thresholdSeconds and returns the number removed. Safe to run
// concurrently with point lookups on other usernames.
func (c *Cache) EvictInactive(thresholdSeconds int64) int {
	cutoff := time.Now().Unix() - thresholdSeconds
	removed := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for username, e := range sh.m {
			if e.LastActive < cutoff {
				delete(sh.m, username)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the total number of active sessions, for metrics/health.
func (c *Cache) Len() int {
	total := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		total += len(sh.m)
		sh.mu.RUnlock()
	}
	return total
}
