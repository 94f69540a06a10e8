package directory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/saintparish4/unl/pkg/types"
)

type entry struct {
	record   types.PeerRecord
	owner    *Peer
	lastSeen time.Time
}

// Registry holds announced peer records. It uses a read-write mutex to
// allow concurrent lookups while serializing announcements.
type Registry struct {
	clock   clock.Clock
	records map[string]*entry // peerID -> entry
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry(c clock.Clock) *Registry {
	if c == nil {
		c = clock.New()
	}
	return &Registry{
		clock:   c,
		records: make(map[string]*entry),
	}
}

// Announce stores rec on behalf of owner, replacing any earlier record
// for the same peer id
func (r *Registry) Announce(rec types.PeerRecord, owner *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.PeerID] = &entry{record: rec, owner: owner, lastSeen: r.clock.Now()}
}

// Lookup returns the record for peerID
func (r *Registry) Lookup(peerID string) (types.PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.records[peerID]
	if !ok {
		return types.PeerRecord{}, false
	}
	return e.record, true
}

// Touch refreshes every record owned by owner
func (r *Registry) Touch(owner *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for _, e := range r.records {
		if e.owner == owner {
			e.lastSeen = now
		}
	}
}

// Bootstrap returns up to n records, most recently announced first,
// skipping the excluded peer ids
func (r *Registry) Bootstrap(n int, exclude ...string) []types.PeerRecord {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.records))
	for id, e := range r.records {
		if !skip[id] {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].lastSeen.Equal(entries[j].lastSeen) {
			return entries[i].lastSeen.After(entries[j].lastSeen)
		}
		return entries[i].record.PeerID < entries[j].record.PeerID
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	recs := make([]types.PeerRecord, len(entries))
	for i, e := range entries {
		recs[i] = e.record
	}
	return recs
}

// RemoveOwner drops every record announced over owner's connection.
// Returns the number removed.
func (r *Registry) RemoveOwner(owner *Peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.records {
		if e.owner == owner {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}

// CleanupStale removes records that haven't been refreshed within the
// timeout. Returns the number removed.
func (r *Registry) CleanupStale(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-timeout)
	removed := 0
	for id, e := range r.records {
		if e.lastSeen.Before(cutoff) {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of records
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Stats returns registry statistics
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		TotalRecords: len(r.records),
		ByRole:       make(map[string]int),
	}
	for _, e := range r.records {
		stats.ByRole[e.record.Role.String()]++
	}
	return stats
}

// RegistryStats contains registry statistics
type RegistryStats struct {
	TotalRecords int
	ByRole       map[string]int
}

func (s RegistryStats) String() string {
	return fmt.Sprintf("TotalRecords=%d, Roles=%v", s.TotalRecords, s.ByRole)
}
