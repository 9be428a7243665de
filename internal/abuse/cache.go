// Package abuse implements the (username, IP) failed-attempt tracker and
// its exponential-backoff block deadlines.
//
// The original implementation this was distilled from calls sleep(2^N)
// directly inside record_failure, stalling the whole dispatch thread for
// the duration of the backoff (auth_cache.c:44). This package never
// sleeps: every failure stamps a blocked_until deadline
// multiplier^failures seconds out (capped at BlockDuration), and every
// subsequent request pays for its own wait by simply being rejected by
// IsBlocked until that deadline passes. Crossing the hard failure
// threshold (MaxIPFails/MaxUserFails) additionally stamps the fixed
// BlockDuration lockout. The dispatch goroutine always returns
// immediately.
package abuse

import (
	"sync"
	"time"
)

const (
	MaxIPFails   = 10
	MaxUserFails = 5

	// BlockDuration is the fixed lockout applied once a failure count
	// crosses its threshold, and the cap on the escalating per-failure
	// backoff deadline below it.
	BlockDuration = 300 // seconds

	// BackoffMultiplier is the base of the per-failure escalating backoff
	// deadline: multiplier^failures seconds. Overridable via NewWithConfig
	// so the supervisor can wire it from the loaded configuration.
	BackoffMultiplier = 2
)

// Entry is one (username, IP) abuse record.
type Entry struct {
	FailedIP         int
	FailedUser       int
	LastAttempt      int64
	BlockedUntilIP   int64
	BlockedUntilUser int64
}

func (e *Entry) empty() bool {
	return e.FailedIP == 0 && e.FailedUser == 0 && e.BlockedUntilIP == 0 && e.BlockedUntilUser == 0
}

type key struct {
	username string
	ip       string
}

const shardCount = 16

// Cache is a lock-striped (username, IP) → Entry table.
type Cache struct {
	shards [shardCount]shard

	backoffMultiplier int64
	blockDuration     int64
}

type shard struct {
	mu sync.Mutex
	m  map[key]*Entry
}

// New builds an empty abuse cache using the default backoff multiplier
// and block duration.
func New() *Cache {
	return NewWithConfig(BackoffMultiplier, BlockDuration)
}

// NewWithConfig builds an empty abuse cache with an operator-supplied
// backoff multiplier and block duration (seconds), as loaded from
// router.yaml's rate_limit section.
func NewWithConfig(backoffMultiplier, blockDurationSeconds int64) *Cache {
	c := &Cache{backoffMultiplier: backoffMultiplier, blockDuration: blockDurationSeconds}
	for i := range c.shards {
		c.shards[i].m = make(map[key]*Entry)
	}
	return c
}

func djb2(username, ip string) uint32 {
	var hash uint32 = 5381
	for i := 0; i < len(username); i++ {
		hash = hash*33 + uint32(username[i])
	}
	for i := 0; i < len(ip); i++ {
		hash = hash*33 + uint32(ip[i])
	}
	return hash
}

func (c *Cache) shardFor(username, ip string) *shard {
	return &c.shards[djb2(username, ip)%shardCount]
}

// backoffSeconds returns the escalating backoff delay after `failures`
// failures: multiplier^failures seconds, capped at capSeconds so a caller
// who blows well past the hard failure threshold doesn't earn a
// multi-day lockout. failures <= 0 never backs off.
func backoffSeconds(multiplier, failures, capSeconds int64) int64 {
	if failures <= 0 || capSeconds <= 0 {
		return 0
	}
	if multiplier <= 1 {
		return capSeconds
	}
	d := int64(1)
	for i := int64(0); i < failures; i++ {
		d *= multiplier
		if d >= capSeconds {
			return capSeconds
		}
	}
	return d
}

// IsBlocked reports whether (username, ip) is currently rate-limited by
// either its IP-scoped or username-scoped deadline. An absent entry is
// never blocked.
func (c *Cache) IsBlocked(username, ip string) bool {
	sh := c.shardFor(username, ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key{username, ip}]
	if !ok {
		return false
	}
	now := time.Now().Unix()
	return now < e.BlockedUntilIP || now < e.BlockedUntilUser
}

// RecordFailure increments both failure counters for (username, ip),
// stamps an escalating backoff deadline on each one (multiplier^failures
// seconds out, capped at BlockDuration), and — once a threshold is
// crossed — overrides that deadline with the full BlockDuration lockout.
// No call in this path ever blocks.
func (c *Cache) RecordFailure(username, ip string) {
	sh := c.shardFor(username, ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	k := key{username, ip}
	e, ok := sh.m[k]
	if !ok {
		e = &Entry{}
		sh.m[k] = e
	}
	now := time.Now().Unix()
	e.FailedIP++
	e.FailedUser++
	e.LastAttempt = now

	if deadline := now + backoffSeconds(c.backoffMultiplier, int64(e.FailedIP), c.blockDuration); deadline > e.BlockedUntilIP {
		e.BlockedUntilIP = deadline
	}
	if deadline := now + backoffSeconds(c.backoffMultiplier, int64(e.FailedUser), c.blockDuration); deadline > e.BlockedUntilUser {
		e.BlockedUntilUser = deadline
	}

	if e.FailedIP >= MaxIPFails {
		e.BlockedUntilIP = now + c.blockDuration
	}
	if e.FailedUser >= MaxUserFails {
		e.BlockedUntilUser = now + c.blockDuration
	}
}

// Reset removes the (username, ip) entry entirely, as happens on a
// successful authentication.
func (c *Cache) Reset(username, ip string) {
	sh := c.shardFor(username, ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, key{username, ip})
}

// Sweep removes entries that are entirely zero, and entries whose block
// deadlines have both passed and whose last failure is older than the
// block duration — the TTL sweep the lifecycle note in the data model
// allows for, run on a timer by the supervisor.
func (c *Cache) Sweep() int {
	now := time.Now().Unix()
	removed := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for k, e := range sh.m {
			if e.empty() {
				delete(sh.m, k)
				removed++
				continue
			}
			if e.BlockedUntilIP < now && e.BlockedUntilUser < now && e.LastAttempt < now-c.blockDuration {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked (username, ip) entries, for metrics.
func (c *Cache) Len() int {
	total := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		total += len(sh.m)
		sh.mu.Unlock()
	}
	return total
}
