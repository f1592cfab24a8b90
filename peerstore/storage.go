// Package peerstore implements PeerStorage: the bounded mapping from
// info-hash to the set of peers that have announced for it, as populated
// by announce_peer requests and served back out by get_peers.
package peerstore

import (
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/kadht/dht/bitid"
	"github.com/kadht/dht/logging"
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

type peerEntry struct {
	addr          net.UDPAddr
	lastAnnounced time.Time
}

type peerSet struct {
	createdAt time.Time
	// order records addr keys in announce order, oldest first, for
	// oldest-first eviction when a single info-hash's peer cap is hit.
	order []string
	peers map[string]*peerEntry
}

func newPeerSet() *peerSet {
	return &peerSet{
		createdAt: time.Now(),
		peers:     make(map[string]*peerEntry),
	}
}

// Storage is a bounded info-hash -> peer-set table. It is safe for
// concurrent use.
type Storage struct {
	mu                  sync.Mutex
	maxInfoHashes       int
	maxPeersPerInfoHash int

	// hashOrder records info-hash keys in creation order, oldest first,
	// for oldest-first eviction when the info-hash cap is hit.
	hashOrder []bitid.Id
	sets      map[bitid.Id]*peerSet
}

// NewStorage creates a Storage bounded to maxInfoHashes distinct info
// hashes, each holding at most maxPeersPerInfoHash peers.
func NewStorage(maxInfoHashes, maxPeersPerInfoHash int) *Storage {
	return &Storage{
		maxInfoHashes:       maxInfoHashes,
		maxPeersPerInfoHash: maxPeersPerInfoHash,
		sets:                make(map[bitid.Id]*peerSet),
	}
}

// AnnouncePeer records that addr is serving infoHash, as observed from an
// announce_peer request. A repeat announcement refreshes the peer's
// timestamp without duplicating or reordering past the original slot.
func (s *Storage) AnnouncePeer(infoHash bitid.Id, addr net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[infoHash]
	if !ok {
		if len(s.sets) >= s.maxInfoHashes && s.maxInfoHashes > 0 {
			s.evictOldestInfoHashLocked()
		}
		set = newPeerSet()
		s.sets[infoHash] = set
		s.hashOrder = append(s.hashOrder, infoHash)
	}

	key := addr.String()
	if e, exists := set.peers[key]; exists {
		e.lastAnnounced = time.Now()
		return
	}

	if s.maxPeersPerInfoHash > 0 && len(set.peers) >= s.maxPeersPerInfoHash {
		s.evictOldestPeerLocked(set)
	}
	set.peers[key] = &peerEntry{addr: addr, lastAnnounced: time.Now()}
	set.order = append(set.order, key)
}

func (s *Storage) evictOldestInfoHashLocked() {
	if len(s.hashOrder) == 0 {
		return
	}
	oldest := s.hashOrder[0]
	s.hashOrder = s.hashOrder[1:]
	delete(s.sets, oldest)
	log.Debugf("peerstore: evicted info hash %s at capacity", oldest)
}

func (s *Storage) evictOldestPeerLocked(set *peerSet) {
	for len(set.order) > 0 {
		key := set.order[0]
		set.order = set.order[1:]
		if _, ok := set.peers[key]; ok {
			delete(set.peers, key)
			return
		}
	}
}

// GetPeers returns the peers announced for infoHash. If newerThan is
// non-nil, only peers announced at or after that time are returned.
func (s *Storage) GetPeers(infoHash bitid.Id, newerThan *time.Time) []net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[infoHash]
	if !ok {
		return nil
	}
	out := make([]net.UDPAddr, 0, len(set.peers))
	for _, e := range set.peers {
		if newerThan != nil && e.lastAnnounced.Before(*newerThan) {
			continue
		}
		out = append(out, e.addr)
	}
	return out
}

// GetInfoHashes returns every info hash currently tracked.
func (s *Storage) GetInfoHashes() []bitid.Id {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bitid.Id, 0, len(s.sets))
	for h := range s.sets {
		out = append(out, h)
	}
	return out
}

// Count returns (infoHashCount, totalPeerCount).
func (s *Storage) Count() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, set := range s.sets {
		total += len(set.peers)
	}
	return len(s.sets), total
}
