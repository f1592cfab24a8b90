package dht

import (
	"math/rand"

	"github.com/kadht/dht/krpc"
	"github.com/kadht/dht/node"
)

// handleQuery dispatches a single inbound query to its KRPC-method-
// specific handler and sends back whatever reply (or none, for an
// announce_peer with a bad token) results.
func (n *Node) handleQuery(msg *krpc.Message) {
	if !n.commonRequestHandling(msg) {
		return
	}

	var reply *krpc.Message
	switch msg.Query {
	case krpc.MethodPing:
		reply = n.handlePing(msg)
	case krpc.MethodFindNode:
		reply = n.handleFindNode(msg)
	case krpc.MethodGetPeers:
		reply = n.handleGetPeers(msg)
	case krpc.MethodAnnouncePeer:
		reply = n.handleAnnouncePeer(msg)
	case krpc.MethodSampleInfohashes:
		reply = n.handleSampleInfohashes(msg)
	default:
		builder := n.builder()
		reply = builder.Error(msg.TransactionId, krpc.ErrMethodUnknown, "unknown method "+msg.Query)
	}

	if reply == nil {
		return
	}
	requesterAddr := msg.RequesterAddr
	reply.ClaimedAddr = &requesterAddr
	if err := n.transport.SendMessage(reply, msg.RequesterAddr); err != nil {
		log.Debugf("dht: failed to send reply to %s: %v", msg.RequesterAddr, err)
	}
}

// commonRequestHandling validates the sender's Id against BEP-42 and, if
// valid and the sender isn't in read-only mode, gives them a chance to
// join the routing table as an unverified node. It reports whether the
// caller should continue processing the request.
func (n *Node) commonRequestHandling(msg *krpc.Message) bool {
	if msg.Args == nil {
		return false
	}
	senderId := msg.Args.Id
	isValid := senderId.IsValidForIP(msg.RequesterAddr.IP)

	if isValid && !msg.ReadOnly {
		n.state.mu.Lock()
		buckets := n.state.buckets
		n.state.mu.Unlock()
		buckets.AddOrUpdate(node.New(senderId, msg.RequesterAddr), false)
	}
	return true
}

func (n *Node) builder() krpc.Builder {
	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	return krpc.NewBuilder(n.state.ourId, n.state.settings.ReadOnly)
}

func (n *Node) handlePing(msg *krpc.Message) *krpc.Message {
	return n.builder().Pong(msg.TransactionId)
}

func (n *Node) handleFindNode(msg *krpc.Message) *krpc.Message {
	if msg.Args.Target == nil {
		return n.builder().Error(msg.TransactionId, krpc.ErrProtocol, "find_node missing target")
	}
	n.state.mu.Lock()
	buckets := n.state.buckets
	n.state.mu.Unlock()

	nearest := buckets.GetNearestNodes(*msg.Args.Target, &msg.Args.Id)
	return n.builder().NodesFound(msg.TransactionId, toCompactNodes(nearest))
}

func (n *Node) handleGetPeers(msg *krpc.Message) *krpc.Message {
	if msg.Args.InfoHash == nil {
		return n.builder().Error(msg.TransactionId, krpc.ErrProtocol, "get_peers missing info_hash")
	}

	n.state.mu.Lock()
	settings := n.state.settings
	ps := n.state.peerStorage
	buckets := n.state.buckets
	tok := n.state.tokenSecret.Calculate(msg.RequesterAddr)
	n.state.mu.Unlock()

	newerThan := nowMinus(settings.GetPeersFreshness)
	peers := ps.GetPeers(*msg.Args.InfoHash, &newerThan)
	if len(peers) > settings.MaxPeersResponse {
		peers = peers[:settings.MaxPeersResponse]
	}

	builder := n.builder()
	if len(peers) > 0 {
		return builder.PeersFound(msg.TransactionId, peers, tok)
	}
	nearest := buckets.GetNearestNodes(*msg.Args.InfoHash, &msg.Args.Id)
	return builder.PeersNotFound(msg.TransactionId, toCompactNodes(nearest), tok)
}

func (n *Node) handleAnnouncePeer(msg *krpc.Message) *krpc.Message {
	if msg.Args.InfoHash == nil {
		return n.builder().Error(msg.TransactionId, krpc.ErrProtocol, "announce_peer missing info_hash")
	}

	n.state.mu.Lock()
	ps := n.state.peerStorage
	tokenValid := n.state.tokenSecret.Verify(msg.RequesterAddr, msg.Args.Token)
	n.state.mu.Unlock()

	if !tokenValid {
		log.Debugf("dht: ignoring announce_peer from %s with invalid or stale token", msg.RequesterAddr)
		return nil
	}

	addr := msg.RequesterAddr
	if !msg.Args.ImpliedPort {
		addr.Port = msg.Args.Port
	}
	ps.AnnouncePeer(*msg.Args.InfoHash, addr)

	return n.builder().Pong(msg.TransactionId)
}

func (n *Node) handleSampleInfohashes(msg *krpc.Message) *krpc.Message {
	n.state.mu.Lock()
	settings := n.state.settings
	ps := n.state.peerStorage
	buckets := n.state.buckets
	n.state.mu.Unlock()

	target := msg.Args.Id
	if msg.Args.Target != nil {
		target = *msg.Args.Target
	}
	nearest := buckets.GetNearestNodes(target, &msg.Args.Id)

	all := ps.GetInfoHashes()
	total := len(all)
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > settings.MaxSampleResponse {
		all = all[:settings.MaxSampleResponse]
	}

	return n.builder().Samples(msg.TransactionId, all, total, int(settings.MinSampleInterval.Seconds()), toCompactNodes(nearest))
}

func toCompactNodes(wrappers []node.Wrapper) []krpc.CompactNode {
	out := make([]krpc.CompactNode, 0, len(wrappers))
	for _, w := range wrappers {
		out = append(out, krpc.CompactNode{Id: w.Node.Id, Address: w.Node.Address})
	}
	return out
}

// ipv4VoteHelper records a vote for our own external address from a
// response to one of our own outgoing queries, if the responder told us
// what address they saw our packet come from. reply.ClaimedAddr is the
// wire "ip" field: the responder's claim about our address, not theirs.
func (n *Node) ipv4VoteHelper(reply *krpc.Message) {
	if reply.Kind != krpc.KindResponse || reply.Return == nil || reply.ClaimedAddr == nil {
		return
	}
	v4 := reply.ClaimedAddr.IP.To4()
	if v4 == nil {
		return
	}
	n.state.mu.Lock()
	src := n.state.ip4Source
	n.state.mu.Unlock()
	if src != nil {
		src.AddVote(reply.Return.Id.String(), v4)
	}
}
