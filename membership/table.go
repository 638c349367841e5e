// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package membership holds the cluster's view of its own peers: a
// mutex-guarded table keyed by IP, and the deterministic ring view
// derived from it. Grounded on the mutex-guarded-map discipline of the
// deleted teacher networking/benchlist manager, re-purposed from
// penalty tracking to peer presence tracking.
package membership

import (
	"sort"
	"sync"
	"time"
)

// Role is the role a peer currently believes it holds.
type Role string

const (
	RoleUndefined Role = "Undefined"
	RoleLeader    Role = "Leader"
	RoleWorker    Role = "Worker"
)

// Entry is one peer's last-known state.
type Entry struct {
	Name       string
	IP         string
	Score      int
	Role       Role
	LastSeenAt time.Time
}

// Identity is this process's own, constant-for-the-process identity.
type Identity struct {
	Name string
	IP   string
}

// Table is the thread-safe membership table. Invariant: every entry's
// LastSeenAt is refreshed on every beacon/self-update; entries older
// than the configured stale threshold are removed by the failure
// monitor, never by Table itself.
type Table struct {
	mu      sync.RWMutex
	self    Identity
	entries map[string]Entry
}

// New creates a Table with self already inserted, so ring calculations
// are never empty.
func New(self Identity, selfScore int) *Table {
	t := &Table{
		self:    self,
		entries: make(map[string]Entry),
	}
	t.entries[self.IP] = Entry{
		Name:       self.Name,
		IP:         self.IP,
		Score:      selfScore,
		Role:       RoleUndefined,
		LastSeenAt: time.Now(),
	}
	return t
}

// Self returns this process's identity.
func (t *Table) Self() Identity {
	return t.self
}

// Upsert records a peer sighting, refreshing LastSeenAt to now.
// electionActive, when true, preserves the previously recorded score
// instead of overwriting it, per spec.md §4.2 ("score is overwritten
// only when no election is active").
func (t *Table) Upsert(name, ip string, score int, role Role, electionActive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[ip]
	if ok && electionActive {
		score = existing.Score
	}
	t.entries[ip] = Entry{
		Name:       name,
		IP:         ip,
		Score:      score,
		Role:       role,
		LastSeenAt: time.Now(),
	}
}

// TouchSelf refreshes self's last-seen timestamp and, unless an
// election is active, its score.
func (t *Table) TouchSelf(score int, electionActive bool) {
	t.Upsert(t.self.Name, t.self.IP, score, t.entries[t.self.IP].Role, electionActive)
}

// SetRole updates the recorded role for an ip without touching LastSeenAt.
func (t *Table) SetRole(ip string, role Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok {
		return
	}
	e.Role = role
	t.entries[ip] = e
}

// Get returns the entry for ip, if known.
func (t *Table) Get(ip string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[ip]
	return e, ok
}

// Remove deletes ip from the table. Safe to call even if absent
// (idempotent, per spec.md §8's POP_STALE_LEADER property).
func (t *Table) Remove(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, ip)
}

// RemoveStale deletes every entry whose LastSeenAt is older than
// staleAfter, except self, and returns the removed entries.
func (t *Table) RemoveStale(staleAfter time.Duration, now time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Entry
	for ip, e := range t.entries {
		if ip == t.self.IP {
			continue
		}
		if now.Sub(e.LastSeenAt) > staleAfter {
			removed = append(removed, e)
			delete(t.entries, ip)
		}
	}
	return removed
}

// Snapshot returns a copy of every entry, for callers that need a
// point-in-time view without holding the lock.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Len returns the number of known peers, including self.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Ring returns the sorted sequence of ips derived from the table at
// this instant (spec.md §3 Ring View).
func (t *Table) Ring() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ips := make([]string, 0, len(t.entries))
	for ip := range t.entries {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// Successor returns the ip that follows ip in the ring, wrapping
// around. ok is false only if ip is not itself in the ring.
func Successor(ring []string, ip string) (string, bool) {
	if len(ring) == 0 {
		return "", false
	}
	for i, cur := range ring {
		if cur == ip {
			return ring[(i+1)%len(ring)], true
		}
	}
	return "", false
}
