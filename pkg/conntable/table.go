// Package conntable owns a node's set of live connections and enforces the
// one-connection-per-IP policy.
package conntable

import (
	"fmt"
	"iter"
	"sync"

	"go.uber.org/multierr"

	"github.com/saintparish4/unl/pkg/types"
)

// Table holds connections in insertion order. It is safe for concurrent
// use; enumeration works on a copy.
type Table struct {
	mu       sync.RWMutex
	conns    []*Connection
	allowDup bool
}

// New creates a table. When allowDuplicateIPs is false a second live
// connection from an already connected remote IP is rejected.
func New(allowDuplicateIPs bool) *Table {
	return &Table{allowDup: allowDuplicateIPs}
}

// SetAllowDuplicateIPs changes the policy for future Adds
func (t *Table) SetAllowDuplicateIPs(allow bool) {
	t.mu.Lock()
	t.allowDup = allow
	t.mu.Unlock()
}

// AllowDuplicateIPs reports the current policy
func (t *Table) AllowDuplicateIPs() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowDup
}

// Add inserts c. It returns types.ErrDuplicateConnection, leaving the table
// untouched, when c is already present or the policy forbids a second
// connection from its IP.
func (t *Table) Add(c *Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ip := c.RemoteIP()
	for _, existing := range t.conns {
		if existing == c {
			return types.ErrDuplicateConnection
		}
		if !t.allowDup && existing.Connected() && existing.RemoteIP() == ip {
			return fmt.Errorf("%s: %w", ip, types.ErrDuplicateConnection)
		}
	}
	t.conns = append(t.conns, c)
	return nil
}

// HasIP reports whether a live connection to ip exists
func (t *Table) HasIP(ip string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.conns {
		if c.Connected() && c.RemoteIP() == ip {
			return true
		}
	}
	return false
}

// Remove drops c without closing it
func (t *Table) Remove(c *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.conns {
		if existing == c {
			t.conns = append(t.conns[:i:i], t.conns[i+1:]...)
			return true
		}
	}
	return false
}

// Get looks a connection up by id
func (t *Table) Get(id string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.conns {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Snapshot returns the live connections in insertion order
func (t *Table) Snapshot() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	live := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		if c.Connected() {
			live = append(live, c)
		}
	}
	return live
}

// All iterates over a snapshot of the live connections
func (t *Table) All() iter.Seq[*Connection] {
	return func(yield func(*Connection) bool) {
		for _, c := range t.Snapshot() {
			if !yield(c) {
				return
			}
		}
	}
}

// Len counts live connections only
func (t *Table) Len() int {
	return len(t.Snapshot())
}

// Inbound counts live inbound connections
func (t *Table) Inbound() int {
	return t.count(types.DirInbound)
}

// Outbound counts live outbound connections
func (t *Table) Outbound() int {
	return t.count(types.DirOutbound)
}

func (t *Table) count(dir types.Direction) int {
	n := 0
	for _, c := range t.Snapshot() {
		if c.Direction == dir {
			n++
		}
	}
	return n
}

// Broadcast sends msg as a line to every live connection. Failures are
// collected and returned together; failed connections stay in the table.
func (t *Table) Broadcast(msg string) error {
	return t.BroadcastExcept(msg, "")
}

// BroadcastExcept is Broadcast skipping the connection with the given id
func (t *Table) BroadcastExcept(msg, exceptID string) error {
	var errs error
	for _, c := range t.Snapshot() {
		if exceptID != "" && c.ID == exceptID {
			continue
		}
		if err := c.SendLine(msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("broadcast to %s: %w", c.RemoteAddr(), err))
		}
	}
	return errs
}

// Prune removes connections that are no longer live and returns them
func (t *Table) Prune() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dead []*Connection
	kept := t.conns[:0]
	for _, c := range t.conns {
		if c.Connected() {
			kept = append(kept, c)
		} else {
			dead = append(dead, c)
		}
	}
	for i := len(kept); i < len(t.conns); i++ {
		t.conns[i] = nil
	}
	t.conns = kept
	return dead
}

// CloseAll closes and removes every connection
func (t *Table) CloseAll() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	var errs error
	for _, c := range conns {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}
