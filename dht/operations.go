package dht

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/kadht/dht/bitid"
	"github.com/kadht/dht/bucket"
	"github.com/kadht/dht/node"
)

// minRoundInterval is the minimum time between rounds of an iterative
// lookup's parallel fan-out, so a lookup doesn't hammer the same nodes
// back-to-back.
const minRoundInterval = 1 * time.Second

// seedScratchTable copies every verified node in this Node's routing
// table into a fresh scratch table keyed at target, used to drive a single
// iterative lookup without touching the real routing table. Entries are
// added as if verified so GetNearestNodes (which only returns verified
// entries) will actually return them; "verified" in this scratch table
// means "known", not "has replied to us".
func (n *Node) seedScratchTable(target bitid.Id) *bucket.Table {
	scratch := bucket.NewTable(target)
	for _, w := range n.GetNodes() {
		scratch.AddOrUpdate(w.Node, true)
	}
	return scratch
}

// FindNode runs an iterative Kademlia find_node lookup for target,
// returning the closest nodes discovered before timeout elapses or the
// search stops making progress, whichever comes first.
func (n *Node) FindNode(target bitid.Id, timeout time.Duration) []node.Node {
	scratch := n.seedScratchTable(target)
	deadline := time.Now().Add(timeout)

	var bestIds []bitid.Id
	for time.Now().Before(deadline) {
		nearest := scratch.GetNearestNodes(target, nil)
		if len(nearest) == 0 {
			if !n.sleepOrDeadline(1*time.Second, deadline) {
				break
			}
			continue
		}

		currentIds := idsOf(nearest)
		if sameIds(bestIds, currentIds) {
			break
		}
		bestIds = currentIds

		roundStart := time.Now()
		var wg sync.WaitGroup
		for _, w := range nearest {
			wg.Add(1)
			go func(w node.Wrapper) {
				defer wg.Done()
				destId := w.Node.Id
				msg := n.builder().FindNode(target, nil)
				reply, err := n.SendRequest(msg, w.Node.Address, &destId, n.GetSettings().RequestTimeout)
				if err != nil {
					log.Debugf("dht: find_node to %s failed: %v", w.Node.Address, err)
					return
				}
				if reply.Return == nil {
					return
				}
				for _, cn := range reply.Return.Nodes {
					if !scratch.Contains(cn.Id) && cn.Id.IsValidForIP(cn.Address.IP) {
						scratch.AddOrUpdate(node.New(cn.Id, cn.Address), true)
					}
				}
			}(w)
		}
		wg.Wait()

		waitOutRound(roundStart)
	}

	out := make([]node.Node, 0)
	for _, w := range scratch.GetNearestNodes(target, nil) {
		out = append(out, w.Node)
	}
	return out
}

// GetPeersResponder is a node that answered a get_peers query, along with
// the announce token it handed back.
type GetPeersResponder struct {
	Node  node.Node
	Token string
}

// GetPeersResult is the outcome of a GetPeers lookup.
type GetPeersResult struct {
	InfoHash   bitid.Id
	Peers      []net.UDPAddr
	Responders []GetPeersResponder
}

// GetPeers runs an iterative get_peers lookup for infoHash, returning
// every distinct peer address discovered and every responding node
// (sorted nearest-to-farthest from infoHash), for use in a follow-up
// AnnouncePeer.
func (n *Node) GetPeers(infoHash bitid.Id, timeout time.Duration) GetPeersResult {
	scratch := n.seedScratchTable(infoHash)
	deadline := time.Now().Add(timeout)

	seenPeers := make(map[string]net.UDPAddr)
	var mu sync.Mutex
	var responders []GetPeersResponder

	var bestIds []bitid.Id
	for time.Now().Before(deadline) {
		nearest := scratch.GetNearestNodes(infoHash, nil)
		if len(nearest) == 0 {
			if !n.sleepOrDeadline(1*time.Second, deadline) {
				break
			}
			continue
		}

		currentIds := idsOf(nearest)
		if sameIds(bestIds, currentIds) {
			break
		}
		bestIds = currentIds

		roundStart := time.Now()
		var wg sync.WaitGroup
		for _, w := range nearest {
			wg.Add(1)
			go func(w node.Wrapper) {
				defer wg.Done()
				destId := w.Node.Id
				msg := n.builder().GetPeers(infoHash, nil)
				reply, err := n.SendRequest(msg, w.Node.Address, &destId, n.GetSettings().RequestTimeout)
				if err != nil {
					log.Debugf("dht: get_peers to %s failed: %v", w.Node.Address, err)
					return
				}
				if reply.Return == nil {
					return
				}

				mu.Lock()
				responders = append(responders, GetPeersResponder{Node: w.Node, Token: reply.Return.Token})
				for _, addr := range reply.Return.Values {
					seenPeers[addr.String()] = addr
				}
				mu.Unlock()

				for _, cn := range reply.Return.Nodes {
					if !scratch.Contains(cn.Id) && cn.Id.IsValidForIP(cn.Address.IP) {
						scratch.AddOrUpdate(node.New(cn.Id, cn.Address), true)
					}
				}
			}(w)
		}
		wg.Wait()

		waitOutRound(roundStart)
	}

	peers := make([]net.UDPAddr, 0, len(seenPeers))
	for _, addr := range seenPeers {
		peers = append(peers, addr)
	}
	sort.Slice(responders, func(i, j int) bool {
		return bitid.CompareDistance(infoHash, responders[i].Node.Id, responders[j].Node.Id) < 0
	})

	return GetPeersResult{InfoHash: infoHash, Peers: peers, Responders: responders}
}

// AnnouncePeer first runs GetPeers to discover the nodes closest to
// infoHash, then announces to the nearest 8 responders using the tokens
// they handed back, returning the nodes successfully announced to. A nil
// port announces with BEP-32's implied_port flag set, letting the
// recipient use the port it observed the packet arrive from.
func (n *Node) AnnouncePeer(infoHash bitid.Id, port *int, timeout time.Duration) []node.Node {
	result := n.GetPeers(infoHash, timeout)

	responders := result.Responders
	if len(responders) > bucket.K {
		responders = responders[:bucket.K]
	}

	impliedPort := port == nil
	announcePort := 0
	if port != nil {
		announcePort = *port
	}

	var mu sync.Mutex
	var announced []node.Node
	var wg sync.WaitGroup
	for _, r := range responders {
		wg.Add(1)
		go func(r GetPeersResponder) {
			defer wg.Done()
			destId := r.Node.Id
			msg := n.builder().AnnouncePeer(infoHash, announcePort, impliedPort, r.Token, nil)
			if _, err := n.SendRequest(msg, r.Node.Address, &destId, n.GetSettings().RequestTimeout); err != nil {
				log.Debugf("dht: announce_peer to %s failed: %v", r.Node.Address, err)
				return
			}
			mu.Lock()
			announced = append(announced, r.Node)
			mu.Unlock()
		}(r)
	}
	wg.Wait()

	return announced
}

func idsOf(wrappers []node.Wrapper) []bitid.Id {
	out := make([]bitid.Id, len(wrappers))
	for i, w := range wrappers {
		out[i] = w.Node.Id
	}
	return out
}

func sameIds(a, b []bitid.Id) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// waitOutRound sleeps however long is left of minRoundInterval since
// roundStart, so consecutive lookup rounds never land closer together
// than that, regardless of how fast the fan-out itself completed.
func waitOutRound(roundStart time.Time) {
	elapsed := time.Since(roundStart)
	if elapsed < minRoundInterval {
		time.Sleep(minRoundInterval - elapsed)
	}
}

// sleepOrDeadline sleeps for d or until deadline, whichever is sooner,
// reporting whether the deadline still hasn't passed.
func (n *Node) sleepOrDeadline(d time.Duration, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	if d > remaining {
		d = remaining
	}
	time.Sleep(d)
	return time.Now().Before(deadline)
}
