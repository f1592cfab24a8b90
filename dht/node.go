// Package dht implements the Mainline DHT node itself: the coarse-grained
// mutex-protected state container, its UDP event loop, KRPC request
// handling, and the iterative find_node/get_peers/announce_peer
// operations built on top.
package dht

import (
	"fmt"
	"net"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/kadht/dht/bitid"
	"github.com/kadht/dht/bucket"
	"github.com/kadht/dht/logging"
	"github.com/kadht/dht/node"
	"github.com/kadht/dht/peerstore"
	"github.com/kadht/dht/shutdown"
	"github.com/kadht/dht/throttle"
	"github.com/kadht/dht/token"
	"github.com/kadht/dht/transport"
)

// log is this package's logger, silent until UseLogger is called.
var log btclog.Logger

func init() {
	DisableLog()
}

// UseLogger assigns logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// DisableLog disables all library log output.
func DisableLog() {
	log = logging.Disabled
}

// state is every piece of data the event loop and request handlers touch,
// guarded by a single mutex. Never held across a channel receive or a
// network call: callers copy out what they need, unlock, then act.
type state struct {
	mu sync.Mutex

	ourId       bitid.Id
	ip4Source   IPv4Source
	buckets     *bucket.Table
	peerStorage *peerstore.Storage
	tokenSecret *token.Secret
	settings    Settings
	subscribers []chan Event
}

// Node is the heart of this module: it holds the routing table, the peer
// storage, and the UDP transport, and drives the background tasks that
// keep a Mainline DHT participant alive.
type Node struct {
	transport *transport.Transport
	throttler *throttle.Throttler
	state     *state
	shutdown  shutdown.Token
	cancel    func()
}

// New creates a Node bound to socketAddr. If id is nil, an Id is derived
// from ip4Source's best guess (falling back to a random Id): explicit id,
// then address-derived id, then random, in that order of precedence.
func New(id *bitid.Id, socketAddr string, ip4Source IPv4Source, settings Settings) (*Node, error) {
	tr, err := transport.Listen(socketAddr)
	if err != nil {
		return nil, err
	}

	ourId := resolveInitialId(id, ip4Source)
	buckets := bucket.NewTable(ourId)

	shutdownToken, cancel := shutdown.New()

	n := &Node{
		transport: tr,
		throttler: throttle.New(settings.ThrottlerCapacity, settings.ThrottlerLimit, settings.ThrottlerWindow),
		state: &state{
			ourId:       ourId,
			ip4Source:   ip4Source,
			buckets:     buckets,
			peerStorage: peerstore.NewStorage(settings.MaxInfoHashes, settings.MaxPeersPerInfoHash),
			tokenSecret: token.NewSecret(),
			settings:    settings,
		},
		shutdown: shutdownToken,
		cancel:   cancel,
	}
	return n, nil
}

func resolveInitialId(id *bitid.Id, ip4Source IPv4Source) bitid.Id {
	if id != nil {
		return *id
	}
	if ip4Source != nil {
		if ip, ok := ip4Source.GetBestIPv4(); ok {
			derived := bitid.FromIP(ip)
			log.Infof("dht: our external IPv4 is %s, derived id %s", ip, derived)
			return derived
		}
	}
	id2 := bitid.FromRandom()
	log.Infof("dht: no external IPv4 known yet, using random id %s for now", id2)
	return id2
}

// GetId returns the Id currently in use.
func (n *Node) GetId() bitid.Id {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	return n.state.ourId
}

// GetSettings returns a copy of the settings in effect.
func (n *Node) GetSettings() Settings {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	return n.state.settings
}

// GetNodes returns every currently-verified routing table entry.
func (n *Node) GetNodes() []node.Wrapper {
	n.state.mu.Lock()
	buckets := n.state.buckets
	n.state.mu.Unlock()
	return buckets.GetAllVerified()
}

// GetInfoHashes returns every info hash with at least one peer recorded
// for it, paired with those peers' addresses.
func (n *Node) GetInfoHashes() map[bitid.Id][]net.UDPAddr {
	n.state.mu.Lock()
	ps := n.state.peerStorage
	n.state.mu.Unlock()

	out := make(map[bitid.Id][]net.UDPAddr)
	for _, ih := range ps.GetInfoHashes() {
		peers := ps.GetPeers(ih, nil)
		if len(peers) > 0 {
			out[ih] = peers
		}
	}
	return out
}

// LocalAddr returns the UDP address the Node's socket is bound to.
func (n *Node) LocalAddr() net.Addr {
	return n.transport.LocalAddr()
}

// Shutdown triggers cooperative teardown of the event loop and every
// background task it spawned, and closes the underlying socket so
// RecvLoop unblocks immediately instead of waiting for its next
// datagram.
func (n *Node) Shutdown() {
	n.cancel()
	n.transport.Close()
}

func (n *Node) String() string {
	return fmt.Sprintf("Node{id=%s addr=%s}", n.GetId(), n.LocalAddr())
}
