package dht

import (
	"net"
	"time"

	"github.com/kadht/dht/bitid"
	"github.com/kadht/dht/krpc"
	"github.com/kadht/dht/node"
)

// SendRequest sends msg to dest and blocks for the matching reply (or
// timeout, or shutdown). destId, if known, is used to validate the
// reply's sender; pass nil when querying an address whose Id isn't
// trusted yet (e.g. a bootstrap router). On a successful reply this also
// runs the common bookkeeping every outgoing request shares: recording
// the responder as a verified routing-table entry, harvesting any nodes
// it mentioned, and feeding the BEP-42 address-vote helper.
func (n *Node) SendRequest(msg *krpc.Message, dest net.UDPAddr, destId *bitid.Id, timeout time.Duration) (*krpc.Message, error) {
	slot, err := n.transport.SendQuery(msg, dest, destId, timeout)
	if err != nil {
		return nil, err
	}
	reply, err := slot.Wait(n.shutdown.Done())
	if err != nil {
		return nil, err
	}
	n.commonSendAndHandleResponse(dest, reply)
	return reply, nil
}

// commonSendAndHandleResponse runs the bookkeeping every successful
// outgoing query's reply shares: the responder graduates to a verified
// routing-table entry, any nodes it mentioned are added unverified (only
// if their claimed Id checks out for their claimed address), and the
// BEP-42 address vote helper gets a chance to learn our external address.
func (n *Node) commonSendAndHandleResponse(from net.UDPAddr, reply *krpc.Message) {
	if reply.Kind != krpc.KindResponse || reply.Return == nil {
		return
	}

	n.state.mu.Lock()
	buckets := n.state.buckets
	n.state.mu.Unlock()

	buckets.AddOrUpdate(node.New(reply.Return.Id, from), true)

	for _, cn := range reply.Return.Nodes {
		if cn.Id.IsValidForIP(cn.Address.IP) {
			buckets.AddOrUpdate(node.New(cn.Id, cn.Address), false)
		}
	}

	n.ipv4VoteHelper(reply)
}

// pingInternal fires a fire-and-forget ping at dest, used for liveness
// checks and router bootstrap where the caller doesn't need the reply
// beyond its bookkeeping side effects.
func (n *Node) pingInternal(dest net.UDPAddr, destId *bitid.Id) {
	msg := n.builder().Ping(nil)
	if _, err := n.SendRequest(msg, dest, destId, n.GetSettings().RequestTimeout); err != nil {
		log.Tracef("dht: ping %s failed: %v", dest, err)
	}
}

// findNodeInternal fires a fire-and-forget find_node at dest, used for
// periodic neighborhood maintenance where the caller only cares about
// the routing-table side effects of the reply.
func (n *Node) findNodeInternal(dest net.UDPAddr, destId *bitid.Id, target bitid.Id) {
	msg := n.builder().FindNode(target, nil)
	if _, err := n.SendRequest(msg, dest, destId, n.GetSettings().RequestTimeout); err != nil {
		log.Tracef("dht: find_node %s failed: %v", dest, err)
	}
}
