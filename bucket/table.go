// Package bucket implements the Kademlia routing table: a set of fixed-size
// buckets keyed by XOR distance to a local Id, splitting only along the
// branch of the tree that contains that local Id.
package bucket

import (
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/kadht/dht/bitid"
	"github.com/kadht/dht/logging"
	"github.com/kadht/dht/node"
)

// K is the maximum number of entries a single bucket may hold.
const K = 8

// maxDepth bounds how many times the catch-all bucket can split, guarding
// against runaway splitting if many peers share a near-identical Id.
const maxDepth = bitid.Len * 8

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

type kbucket struct {
	entries []node.Wrapper
}

func newKBucket() *kbucket {
	return &kbucket{entries: make([]node.Wrapper, 0, K)}
}

func (b *kbucket) indexOf(id bitid.Id) int {
	for i := range b.entries {
		if b.entries[i].Node.Id == id {
			return i
		}
	}
	return -1
}

// Table is a Kademlia routing table relative to a local Id. It is safe for
// concurrent use.
type Table struct {
	mu      sync.Mutex
	localId bitid.Id
	buckets []*kbucket
}

// NewTable creates a Table relative to localId, starting with a single
// catch-all bucket.
func NewTable(localId bitid.Id) *Table {
	return &Table{
		localId: localId,
		buckets: []*kbucket{newKBucket()},
	}
}

// bitAt returns the bit (0 or 1) of id at position pos, counting from the
// most significant bit (pos 0).
func bitAt(id bitid.Id, pos int) int {
	byteIdx := pos / 8
	bitIdx := 7 - uint(pos%8)
	return int((id[byteIdx] >> bitIdx) & 1)
}

// commonPrefixLen returns the number of leading bits a and b share.
func commonPrefixLen(a, b bitid.Id) int {
	for i := 0; i < bitid.Len*8; i++ {
		if bitAt(a, i) != bitAt(b, i) {
			return i
		}
	}
	return bitid.Len * 8
}

// indexFor returns which bucket id belongs in, given the current bucket
// boundaries. Must be called with t.mu held.
func (t *Table) indexFor(id bitid.Id) int {
	cpl := commonPrefixLen(t.localId, id)
	if cpl >= len(t.buckets) {
		return len(t.buckets) - 1
	}
	return cpl
}

// SetId re-keys the table around a new local Id, re-bucketing every
// existing entry. Used when BEP-42 address maintenance decides our Id is
// no longer valid for our external address.
func (t *Table) SetId(id bitid.Id) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var all []node.Wrapper
	for _, b := range t.buckets {
		all = append(all, b.entries...)
	}
	t.localId = id
	t.buckets = []*kbucket{newKBucket()}
	for _, w := range all {
		t.insertLocked(w)
	}
}

// AddOrUpdate inserts a new Node or touches an existing one, per spec.md
// §4.2: if the Id is already present, its liveness fields are updated in
// place; otherwise it's inserted subject to bucket capacity, splitting,
// and LRU-on-unverified eviction.
func (t *Table) AddOrUpdate(n node.Node, verified bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexFor(n.Id)
	b := t.buckets[idx]
	if i := b.indexOf(n.Id); i >= 0 {
		b.entries[i].Touch(verified)
		return
	}

	w := node.NewWrapper(n)
	if verified {
		w = node.NewVerifiedWrapper(n)
	}
	t.insertLocked(w)
}

// insertLocked inserts w as a brand new entry, splitting or evicting as
// needed. Must be called with t.mu held, and only when w.Node.Id is known
// not to already be present in the table.
func (t *Table) insertLocked(w node.Wrapper) {
	for {
		idx := t.indexFor(w.Node.Id)
		b := t.buckets[idx]

		if len(b.entries) < K {
			b.entries = append(b.entries, w)
			return
		}

		isCatchAll := idx == len(t.buckets)-1
		if isCatchAll && len(t.buckets) < maxDepth {
			t.splitLast()
			continue
		}

		if evicted := evictOldestUnverified(b); evicted {
			b.entries = append(b.entries, w)
			return
		}

		log.Debugf("bucket: dropping %s, bucket %d full of verified nodes", w.Node, idx)
		return
	}
}

// splitLast splits the catch-all (last) bucket in two, redistributing its
// entries by the bit at the new boundary. Must be called with t.mu held.
func (t *Table) splitLast() {
	L := len(t.buckets) - 1
	old := t.buckets[L]
	localBit := bitAt(t.localId, L)

	stay := old.entries[:0:0]
	var move []node.Wrapper
	for _, w := range old.entries {
		if bitAt(w.Node.Id, L) == localBit {
			move = append(move, w)
		} else {
			stay = append(stay, w)
		}
	}
	t.buckets[L] = &kbucket{entries: stay}
	newBucket := newKBucket()
	newBucket.entries = move
	t.buckets = append(t.buckets, newBucket)
}

// evictOldestUnverified drops the least-recently-seen unverified entry in
// b, reporting whether anything was evicted. If every entry is verified,
// nothing is evicted and the caller should drop the incoming node instead.
func evictOldestUnverified(b *kbucket) bool {
	oldest := -1
	var oldestSeen time.Time
	for i, e := range b.entries {
		if e.Verified {
			continue
		}
		if oldest == -1 || e.LastSeen.Before(oldestSeen) {
			oldest = i
			oldestSeen = e.LastSeen
		}
	}
	if oldest == -1 {
		return false
	}
	b.entries = append(b.entries[:oldest], b.entries[oldest+1:]...)
	return true
}

// GetAllVerified returns every verified entry across all buckets.
func (t *Table) GetAllVerified() []node.Wrapper {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []node.Wrapper
	for _, b := range t.buckets {
		for _, w := range b.entries {
			if w.Verified {
				out = append(out, w)
			}
		}
	}
	return out
}

// GetAllUnverified returns every unverified entry across all buckets.
func (t *Table) GetAllUnverified() []node.Wrapper {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []node.Wrapper
	for _, b := range t.buckets {
		for _, w := range b.entries {
			if !w.Verified {
				out = append(out, w)
			}
		}
	}
	return out
}

// Contains reports whether id is present anywhere in the table, verified
// or not. Used by iterative operations to avoid re-adding known nodes.
func (t *Table) Contains(id bitid.Id) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.indexFor(id)
	return t.buckets[idx].indexOf(id) >= 0
}

// GetNearestNodes returns up to K verified nodes nearest target, sorted
// ascending by XOR distance with ties broken by the lower raw Id.
// excludeId, if non-nil, is never included in the results.
func (t *Table) GetNearestNodes(target bitid.Id, excludeId *bitid.Id) []node.Wrapper {
	t.mu.Lock()
	var all []node.Wrapper
	for _, b := range t.buckets {
		for _, w := range b.entries {
			if !w.Verified {
				continue
			}
			if excludeId != nil && w.Node.Id == *excludeId {
				continue
			}
			all = append(all, w)
		}
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return bitid.CompareDistance(target, all[i].Node.Id, all[j].Node.Id) < 0
	})
	if len(all) > K {
		all = all[:K]
	}
	return all
}

// Count returns (unverifiedCount, verifiedCount).
func (t *Table) Count() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var unverified, verified int
	for _, b := range t.buckets {
		for _, w := range b.entries {
			if w.Verified {
				verified++
			} else {
				unverified++
			}
		}
	}
	return unverified, verified
}

// Prune drops unverified entries last seen before verifyGrace ago, and
// verified entries last verified before reverifyGrace ago.
func (t *Table) Prune(reverifyGrace, verifyGrace time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, b := range t.buckets {
		kept := b.entries[:0]
		for _, w := range b.entries {
			if !w.Verified {
				if now.Sub(w.LastSeen) >= verifyGrace {
					log.Tracef("bucket: pruning unverified %s", w.Node)
					continue
				}
			} else {
				if now.Sub(w.LastVerified) >= reverifyGrace {
					log.Tracef("bucket: pruning stale verified %s", w.Node)
					continue
				}
			}
			kept = append(kept, w)
		}
		b.entries = kept
	}
}
