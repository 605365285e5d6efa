// Package kbucket implements the Kademlia routing table: peers grouped by
// the length of the prefix their key shares with the local key.
package kbucket

import (
	"sort"
	"sync"
	"time"

	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	DefaultBucketSize  = 20
	DefaultMaxFailures = 3
)

// Entry is one routing table row.
type Entry struct {
	ID       peer.ID
	Addrs    []ma.Multiaddr
	LastSeen time.Time
	Bucket   int
	Failures int
}

func (e Entry) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: e.ID, Addrs: e.Addrs}
}

type bucket struct {
	mu          sync.RWMutex
	entries     []*Entry // most recently seen first
	lastRefresh time.Time
}

func (b *bucket) indexOf(id peer.ID) int {
	for i, e := range b.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

type Option func(*Table)

// WithBucketSize sets k.
func WithBucketSize(k int) Option {
	return func(t *Table) {
		if k > 0 {
			t.k = k
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(t *Table) { t.clock = c }
}

// WithFilter rejects insertion of peers for which allow returns false.
func WithFilter(allow func(peer.ID) bool) Option {
	return func(t *Table) { t.allow = allow }
}

// WithMaxFailures sets how many consecutive failures evict a peer.
func WithMaxFailures(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.maxFailures = n
		}
	}
}

// Table is safe for concurrent use; each bucket has its own lock.
type Table struct {
	local       peer.ID
	localKey    Key
	k           int
	maxFailures int
	clock       clock.Clock
	allow       func(peer.ID) bool

	buckets [KeyBits]*bucket
}

func New(local peer.ID, opts ...Option) *Table {
	t := &Table{
		local:       local,
		localKey:    PeerKey(local),
		k:           DefaultBucketSize,
		maxFailures: DefaultMaxFailures,
		clock:       clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	now := t.clock.Now()
	for i := range t.buckets {
		t.buckets[i] = &bucket{lastRefresh: now}
	}
	return t
}

func (t *Table) LocalKey() Key { return t.localKey }

func (t *Table) BucketSize() int { return t.k }

func (t *Table) bucketIndex(id peer.ID) int {
	cpl := CommonPrefixLen(t.localKey, PeerKey(id))
	if cpl >= KeyBits {
		return KeyBits - 1
	}
	return cpl
}

// Insert adds ai or refreshes its entry after a successful contact. When the
// bucket is full the entry with the most failures is evicted, the least
// recently seen one among equals. It reports whether ai is in the table
// afterwards.
func (t *Table) Insert(ai peer.AddrInfo) bool {
	if ai.ID == t.local || ai.ID.Validate() != nil {
		return false
	}
	if t.allow != nil && !t.allow(ai.ID) {
		return false
	}

	idx := t.bucketIndex(ai.ID)
	b := t.buckets[idx]
	now := t.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(ai.ID); i >= 0 {
		e := b.entries[i]
		e.LastSeen = now
		e.Failures = 0
		if len(ai.Addrs) > 0 {
			e.Addrs = ai.Addrs
		}
		copy(b.entries[1:i+1], b.entries[:i])
		b.entries[0] = e
		return true
	}

	e := &Entry{ID: ai.ID, Addrs: ai.Addrs, LastSeen: now, Bucket: idx}
	if len(b.entries) >= t.k {
		victim := len(b.entries) - 1
		for i := len(b.entries) - 1; i >= 0; i-- {
			if b.entries[i].Failures > b.entries[victim].Failures {
				victim = i
			}
		}
		b.entries = append(b.entries[:victim], b.entries[victim+1:]...)
	}
	b.entries = append([]*Entry{e}, b.entries...)
	b.lastRefresh = now
	return true
}

func (t *Table) Remove(id peer.ID) bool {
	b := t.buckets[t.bucketIndex(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	return true
}

func (t *Table) Find(id peer.ID) (Entry, bool) {
	b := t.buckets[t.bucketIndex(id)]
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := b.indexOf(id); i >= 0 {
		return *b.entries[i], true
	}
	return Entry{}, false
}

// RecordFailure counts a failed contact, evicting the peer once it reaches
// the failure limit. It reports whether the peer was evicted.
func (t *Table) RecordFailure(id peer.ID) bool {
	b := t.buckets[t.bucketIndex(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.entries[i].Failures++
	if b.entries[i].Failures >= t.maxFailures {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		return true
	}
	return false
}

func (t *Table) Size() int {
	n := 0
	for _, b := range t.buckets {
		b.mu.RLock()
		n += len(b.entries)
		b.mu.RUnlock()
	}
	return n
}

// Peers returns a snapshot of every entry.
func (t *Table) Peers() []Entry {
	var out []Entry
	for _, b := range t.buckets {
		b.mu.RLock()
		for _, e := range b.entries {
			out = append(out, *e)
		}
		b.mu.RUnlock()
	}
	return out
}

// ClosestPeers returns up to n peers ordered by XOR distance to key.
func (t *Table) ClosestPeers(key Key, n int) []peer.AddrInfo {
	type cand struct {
		ai  peer.AddrInfo
		key Key
	}
	var all []cand
	for _, b := range t.buckets {
		b.mu.RLock()
		for _, e := range b.entries {
			all = append(all, cand{ai: e.AddrInfo(), key: PeerKey(e.ID)})
		}
		b.mu.RUnlock()
	}

	sort.Slice(all, func(i, j int) bool {
		if c := CompareDistance(all[i].key, all[j].key, key); c != 0 {
			return c < 0
		}
		return all[i].ai.ID < all[j].ai.ID
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]peer.AddrInfo, len(all))
	for i, c := range all {
		out[i] = c.ai
	}
	return out
}

// StaleBuckets lists buckets not refreshed within interval. Buckets deeper
// than the deepest occupied one are not reported; nothing could fill them.
func (t *Table) StaleBuckets(interval time.Duration) []int {
	deepest := 0
	for i, b := range t.buckets {
		b.mu.RLock()
		if len(b.entries) > 0 {
			deepest = i
		}
		b.mu.RUnlock()
	}

	now := t.clock.Now()
	var stale []int
	for i := 0; i <= deepest+1 && i < KeyBits; i++ {
		b := t.buckets[i]
		b.mu.RLock()
		if now.Sub(b.lastRefresh) >= interval {
			stale = append(stale, i)
		}
		b.mu.RUnlock()
	}
	return stale
}

func (t *Table) MarkRefreshed(i int) {
	if i < 0 || i >= KeyBits {
		return
	}
	b := t.buckets[i]
	b.mu.Lock()
	b.lastRefresh = t.clock.Now()
	b.mu.Unlock()
}

// RandomKeyInBucket returns a random key that would fall in bucket i.
func (t *Table) RandomKeyInBucket(i int) Key {
	return randomKeyWithPrefix(t.localKey, i)
}
