package p2pnet

import (
	"iter"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/saintparish4/unl/pkg/conntable"
	"github.com/saintparish4/unl/pkg/dedup"
	"github.com/saintparish4/unl/pkg/sock"
	"github.com/saintparish4/unl/pkg/types"
)

// Poll accepts pending inbound connections and collects finished punches.
// It returns the connections admitted by this call.
func (n *Net) Poll() []*conntable.Connection {
	n.mu.Lock()
	ln, coord, started := n.listener, n.coord, n.state == stateStarted
	n.mu.Unlock()
	if !started {
		return nil
	}

	var admitted []*conntable.Connection
	if ln != nil {
		for {
			ln.SetDeadline(time.Now().Add(acceptWindow))
			c, err := ln.Accept()
			if err != nil {
				break
			}
			s := sock.New(c, sock.WithBlocking(false), sock.WithLogger(n.logger))
			conn := conntable.NewConnection(s, types.DirInbound, types.RoleUnknown)
			if err := n.admit(conn); err != nil {
				conn.Close()
				continue
			}
			admitted = append(admitted, conn)
		}
	}

	for _, r := range coord.Drain() {
		n.metrics.Punch(r.Err == nil)
		if r.Err != nil {
			n.logger.Debug("punch failed", zap.String("peer", r.PeerID), zap.Error(r.Err))
			continue
		}
		if err := n.admit(r.Conn); err != nil {
			r.Conn.Close()
			continue
		}
		admitted = append(admitted, r.Conn)
	}
	return admitted
}

// Synchronize pumps the node, closes and removes connections that have
// gone away, and returns the live ones.
func (n *Net) Synchronize() []*conntable.Connection {
	n.Poll()
	for _, dead := range n.table.Prune() {
		n.logger.Debug("connection closed", zap.Stringer("conn", dead))
		dead.Close()
	}
	n.metrics.SetConnections(n.table.Len())
	return n.table.Snapshot()
}

// All synchronizes and yields the live connections
func (n *Net) All() iter.Seq[*conntable.Connection] {
	return func(yield func(*conntable.Connection) bool) {
		for _, c := range n.Synchronize() {
			if !yield(c) {
				return
			}
		}
	}
}

// Broadcast sends msg to every live connection. Failures are aggregated.
func (n *Net) Broadcast(msg string) error {
	err := n.table.Broadcast(msg)
	n.countFailures(err)
	return err
}

// BroadcastMessage sends msg unless id was already broadcast, and reports
// whether it was sent.
func (n *Net) BroadcastMessage(id, msg string) (bool, error) {
	if n.seen.Seen("id:" + id) {
		n.metrics.Suppressed()
		return false, nil
	}
	return true, n.Broadcast(msg)
}

// Rebroadcast relays msg to everyone except the connection it came from.
// A message id is relayed at most once.
func (n *Net) Rebroadcast(id, msg, fromID string) (bool, error) {
	if n.seen.Seen("id:" + id) {
		n.metrics.Suppressed()
		return false, nil
	}
	err := n.table.BroadcastExcept(msg, fromID)
	n.countFailures(err)
	return true, err
}

func (n *Net) countFailures(err error) {
	if err == nil {
		return
	}
	n.metrics.BroadcastFailures(len(multierr.Errors(err)))
	n.logger.Debug("broadcast failed", zap.Error(err))
}

// RecvLine reads the next line from conn. With duplicate messages
// disabled, lines already received on any connection are skipped.
func (n *Net) RecvLine(conn *conntable.Connection) (string, error) {
	for {
		line, err := conn.RecvLine()
		if err != nil || line == "" {
			return line, err
		}
		if n.Config().DuplicateMessages || !n.seen.Seen("msg:"+dedup.Digest([]byte(line))) {
			return line, nil
		}
		n.metrics.Suppressed()
	}
}

// Lines yields lines from conn through RecvLine
func (n *Net) Lines(conn *conntable.Connection) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			line, err := n.RecvLine(conn)
			if err != nil || line == "" {
				return
			}
			if !yield(line) {
				return
			}
		}
	}
}

// ClearSeen forgets every seen message id and content digest
func (n *Net) ClearSeen() { n.seen.Clear() }
