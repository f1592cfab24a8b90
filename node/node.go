// Package node defines the routing-table value types: an immutable Node
// (identity + address) and the mutable NodeWrapper that tracks its
// liveness inside a NodeStorage.
package node

import (
	"fmt"
	"net"
	"time"

	"github.com/kadht/dht/bitid"
)

// Node is an immutable (Id, address) pair identifying a DHT peer.
type Node struct {
	Id      bitid.Id
	Address net.UDPAddr
}

// New builds a Node. The address is copied so later mutation of addr by
// the caller can't retroactively change this Node.
func New(id bitid.Id, addr net.UDPAddr) Node {
	return Node{Id: id, Address: addr}
}

func (n Node) String() string {
	return fmt.Sprintf("Node{%s@%s}", n.Id, n.Address.String())
}

// Wrapper is a routing-table entry: a Node plus the liveness bookkeeping
// NodeStorage needs to decide who to keep, prune, and reverify.
//
// Invariant: Verified == (LastVerified is not the zero time).
// Invariant: LastVerified is never after LastSeen.
type Wrapper struct {
	Node Node

	// LastSeen is updated on every observed packet from this node,
	// whether it's a request, a response, or a find_node result mention.
	LastSeen time.Time

	// LastVerified is updated only when we've matched a response to a
	// request we sent this node ourselves.
	LastVerified time.Time

	// Verified is true once LastVerified has ever been set.
	Verified bool
}

// NewWrapper creates an unverified Wrapper observed just now.
func NewWrapper(n Node) Wrapper {
	now := time.Now()
	return Wrapper{Node: n, LastSeen: now}
}

// NewVerifiedWrapper creates a Wrapper that's already verified, as if it
// had just replied to a request of ours.
func NewVerifiedWrapper(n Node) Wrapper {
	now := time.Now()
	return Wrapper{Node: n, LastSeen: now, LastVerified: now, Verified: true}
}

// Touch marks the wrapper as seen now, and if verified is true, also marks
// it verified now. This is the single mutation path that preserves both
// struct invariants.
func (w *Wrapper) Touch(verified bool) {
	now := time.Now()
	w.LastSeen = now
	if verified {
		w.LastVerified = now
		w.Verified = true
	}
}

func (w Wrapper) String() string {
	return fmt.Sprintf("Wrapper{%s verified=%v lastSeen=%s}", w.Node, w.Verified, w.LastSeen)
}
