package directory

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/unl/pkg/types"
)

func record(id string, role types.NodeRole) types.PeerRecord {
	return types.PeerRecord{PeerID: id, IP: "198.51.100.1", Port: 50500, Role: role, NAT: types.NatPreserving}
}

func TestRegistryAnnounceAndLookup(t *testing.T) {
	r := NewRegistry(clock.NewMock())
	owner := &Peer{ID: "conn-1"}

	_, ok := r.Lookup("a")
	assert.False(t, ok)

	r.Announce(record("a", types.RolePassive), owner)
	got, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, types.RolePassive, got.Role)

	// a second announcement replaces the first
	updated := record("a", types.RoleSimultaneous)
	updated.Port = 40000
	r.Announce(updated, owner)
	got, _ = r.Lookup("a")
	assert.Equal(t, updated, got)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryBootstrapOrder(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(mock)
	owner := &Peer{ID: "conn"}

	for _, id := range []string{"old", "mid", "new"} {
		r.Announce(record(id, types.RolePassive), owner)
		mock.Add(time.Second)
	}

	ids := func(recs []types.PeerRecord) []string {
		var out []string
		for _, rec := range recs {
			out = append(out, rec.PeerID)
		}
		return out
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids(r.Bootstrap(0)))
	assert.Equal(t, []string{"new", "mid"}, ids(r.Bootstrap(2)))
	assert.Equal(t, []string{"mid", "old"}, ids(r.Bootstrap(5, "new")))
}

func TestRegistryRemoveOwner(t *testing.T) {
	r := NewRegistry(clock.NewMock())
	a, b := &Peer{ID: "a"}, &Peer{ID: "b"}
	r.Announce(record("x", types.RolePassive), a)
	r.Announce(record("y", types.RolePassive), a)
	r.Announce(record("z", types.RolePassive), b)

	assert.Equal(t, 2, r.RemoveOwner(a))
	assert.Equal(t, 1, r.Count())
	_, ok := r.Lookup("z")
	assert.True(t, ok)
}

func TestRegistryCleanupStale(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(mock)
	quiet, chatty := &Peer{ID: "quiet"}, &Peer{ID: "chatty"}
	r.Announce(record("q", types.RolePassive), quiet)
	r.Announce(record("c", types.RolePassive), chatty)

	mock.Add(4 * time.Minute)
	r.Touch(chatty)
	mock.Add(2 * time.Minute)

	assert.Equal(t, 1, r.CleanupStale(5*time.Minute))
	_, ok := r.Lookup("q")
	assert.False(t, ok)
	_, ok = r.Lookup("c")
	assert.True(t, ok)
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry(nil)
	owner := &Peer{ID: "conn"}
	r.Announce(record("a", types.RolePassive), owner)
	r.Announce(record("b", types.RolePassive), owner)
	r.Announce(record("c", types.RoleSimultaneous), owner)

	stats := r.Stats()
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, map[string]int{"passive": 2, "simultaneous": 1}, stats.ByRole)
	assert.Contains(t, stats.String(), "TotalRecords=3")
}
