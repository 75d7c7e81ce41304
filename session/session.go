// Package session implements the SessionRegistry (C9): an in-process,
// non-durable map of in-flight wizard state, sharded to keep lock
// contention local the way the teacher's exchange currency pair managers
// shard by exchange name rather than using one global mutex.
package session

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/kizaibot/kizaibot/clock"
)

// DefaultTTL is how long an untouched wizard session lives before GC
// considers it expired.
const DefaultTTL = 2 * time.Hour

const shardCount = 16

// Key identifies a single wizard session.
type Key struct {
	GuildID string
	UserID  string
	Wizard  string
}

type entry struct {
	state     any
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]entry
}

// Registry is the sharded session map. The zero value is not usable;
// construct with New.
type Registry struct {
	shards [shardCount]*shard
	clock  clock.Clock
	ttl    time.Duration
}

// New returns an empty Registry using c as its time source and ttl as
// the expiry window (DefaultTTL if ttl is zero).
func New(c clock.Clock, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{clock: c, ttl: ttl}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[Key]entry)}
	}
	return r
}

func (r *Registry) shardFor(k Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.GuildID + "\x00" + k.UserID + "\x00" + k.Wizard))
	return r.shards[h.Sum32()%shardCount]
}

// Set stores state for k, resetting its TTL.
func (r *Registry) Set(k Key, state any) {
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[k] = entry{state: state, expiresAt: r.clock.NowUTC().Add(r.ttl)}
}

// Get returns k's state and whether it was present and unexpired.
func (r *Registry) Get(k Key) (any, bool) {
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	if r.clock.NowUTC().After(e.expiresAt) {
		delete(s.entries, k)
		return nil, false
	}
	return e.state, true
}

// Delete removes k unconditionally, used when a wizard completes or is
// explicitly cancelled.
func (r *Registry) Delete(k Key) {
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, k)
}

// GC drops every expired entry across all shards and returns how many
// were removed. This is the handler for the SessionGC job type.
func (r *Registry) GC() int {
	now := r.clock.NowUTC()
	dropped := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	return dropped
}

// Len returns the total number of live (possibly not-yet-GC'd-but-expired)
// entries across all shards, for tests and metrics.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
