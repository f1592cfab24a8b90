package krpc

import (
	"crypto/rand"
	"net"

	"github.com/kadht/dht/bitid"
)

// NewTransactionId generates a 2-byte random transaction id, matching the
// BEP-5 recommendation that two bytes are enough to cover 2^16 concurrent
// outstanding queries.
func NewTransactionId() []byte {
	b := make([]byte, 2)
	rand.Read(b)
	return b
}

// Builder constructs outgoing Messages. It's a thin convenience layer
// over the Message struct literal, giving each query/response/error shape
// its own named constructor so callers can't forget a required field.
type Builder struct {
	selfId   bitid.Id
	readOnly bool
}

// NewBuilder returns a Builder that stamps every message with selfId and
// the given BEP-43 read-only flag.
func NewBuilder(selfId bitid.Id, readOnly bool) Builder {
	return Builder{selfId: selfId, readOnly: readOnly}
}

func (b Builder) newQuery(method string, args *QueryArgs, txID []byte) *Message {
	if txID == nil {
		txID = NewTransactionId()
	}
	args.Id = b.selfId
	return &Message{
		TransactionId: txID,
		Kind:          KindQuery,
		ReadOnly:      b.readOnly,
		Query:         method,
		Args:          args,
	}
}

// Ping builds a ping query.
func (b Builder) Ping(txID []byte) *Message {
	return b.newQuery(MethodPing, &QueryArgs{}, txID)
}

// FindNode builds a find_node query for target.
func (b Builder) FindNode(target bitid.Id, txID []byte) *Message {
	return b.newQuery(MethodFindNode, &QueryArgs{Target: &target}, txID)
}

// GetPeers builds a get_peers query for infoHash.
func (b Builder) GetPeers(infoHash bitid.Id, txID []byte) *Message {
	return b.newQuery(MethodGetPeers, &QueryArgs{InfoHash: &infoHash}, txID)
}

// AnnouncePeer builds an announce_peer query using a token earlier
// obtained from a get_peers response.
func (b Builder) AnnouncePeer(infoHash bitid.Id, port int, impliedPort bool, token string, txID []byte) *Message {
	return b.newQuery(MethodAnnouncePeer, &QueryArgs{
		InfoHash:    &infoHash,
		Port:        port,
		ImpliedPort: impliedPort,
		Token:       token,
	}, txID)
}

// SampleInfohashes builds a BEP-33 sample_infohashes query for target.
func (b Builder) SampleInfohashes(target bitid.Id, txID []byte) *Message {
	return b.newQuery(MethodSampleInfohashes, &QueryArgs{Target: &target}, txID)
}

// newResponse builds a response sharing the request's transaction id.
func (b Builder) newResponse(txID []byte, ret *ReturnValues) *Message {
	ret.Id = b.selfId
	return &Message{
		TransactionId: txID,
		Kind:          KindResponse,
		ReadOnly:      b.readOnly,
		Return:        ret,
	}
}

// Pong replies to a ping or any query that only needs to echo our Id.
func (b Builder) Pong(txID []byte) *Message {
	return b.newResponse(txID, &ReturnValues{})
}

// NodesFound replies to a find_node (or a get_peers miss) with the
// nearest nodes known.
func (b Builder) NodesFound(txID []byte, nodes []CompactNode) *Message {
	return b.newResponse(txID, &ReturnValues{Nodes: nodes})
}

// PeersFound replies to a get_peers that has direct peers to return,
// along with the announce token the requester must present later.
func (b Builder) PeersFound(txID []byte, values []net.UDPAddr, token string) *Message {
	return b.newResponse(txID, &ReturnValues{Values: values, Token: token})
}

// PeersNotFound replies to a get_peers that has no direct peers, falling
// back to the nearest nodes plus an announce token.
func (b Builder) PeersNotFound(txID []byte, nodes []CompactNode, token string) *Message {
	return b.newResponse(txID, &ReturnValues{Nodes: nodes, Token: token})
}

// Samples replies to a BEP-33 sample_infohashes query.
func (b Builder) Samples(txID []byte, samples []bitid.Id, num, interval int, nodes []CompactNode) *Message {
	return b.newResponse(txID, &ReturnValues{
		Samples:  samples,
		Num:      num,
		Interval: interval,
		Nodes:    nodes,
	})
}

// Error builds a KRPC error reply.
func (b Builder) Error(txID []byte, code ErrorCode, description string) *Message {
	return &Message{
		TransactionId: txID,
		Kind:          KindError,
		ReadOnly:      b.readOnly,
		Error:         &ErrorValue{Code: code, Description: description},
	}
}
