// Package krpc implements the KRPC wire protocol: typed query, response,
// and error messages bencoded onto UDP datagrams, per BEP-5, BEP-32,
// BEP-33, and BEP-43.
package krpc

import (
	"fmt"
	"net"

	"github.com/kadht/dht/bitid"
)

// Kind identifies which of the three KRPC message shapes a Message is.
type Kind string

const (
	KindQuery    Kind = "q"
	KindResponse Kind = "r"
	KindError    Kind = "e"
)

// Query method names, per BEP-5 and BEP-33.
const (
	MethodPing             = "ping"
	MethodFindNode         = "find_node"
	MethodGetPeers         = "get_peers"
	MethodAnnouncePeer     = "announce_peer"
	MethodSampleInfohashes = "sample_infohashes"
)

// ErrorCode is the numeric KRPC error code, per BEP-5 §"Errors".
type ErrorCode int

const (
	ErrGeneric         ErrorCode = 201
	ErrServer          ErrorCode = 202
	ErrProtocol        ErrorCode = 203
	ErrMethodUnknown   ErrorCode = 204
)

// QueryArgs holds the union of arguments any query type may carry. Which
// fields are populated depends on Message.Query.
type QueryArgs struct {
	Id          bitid.Id
	Target      *bitid.Id // find_node
	InfoHash    *bitid.Id // get_peers, announce_peer
	Token       string    // announce_peer
	Port        int       // announce_peer
	ImpliedPort bool      // announce_peer, BEP-32
	NoSeed      bool      // sample_infohashes request echo (BEP-33 doesn't define request args beyond id)
}

// ReturnValues holds the union of fields any response type may carry.
type ReturnValues struct {
	Id      bitid.Id
	Nodes   []CompactNode // find_node, get_peers (no exact match)
	Token   string        // get_peers
	Values  []net.UDPAddr // get_peers (exact match / BEP-33 token holders)
	Samples []bitid.Id    // sample_infohashes, BEP-33
	Num     int           // sample_infohashes: total info hashes held
	Interval int          // sample_infohashes: suggested re-sample interval, seconds
}

// ErrorValue holds a KRPC error message's (code, description) pair.
type ErrorValue struct {
	Code        ErrorCode
	Description string
}

// CompactNode is a single entry of a "nodes" / "nodes6" compact list: a
// node Id paired with the socket address it claims to be reachable at.
type CompactNode struct {
	Id      bitid.Id
	Address net.UDPAddr
}

// Message is the fully typed form of a single KRPC datagram.
type Message struct {
	TransactionId []byte
	Kind          Kind
	ReadOnly      bool // BEP-43 "ro" flag

	Query string     // set when Kind == KindQuery
	Args  *QueryArgs // set when Kind == KindQuery

	Return *ReturnValues // set when Kind == KindResponse
	Error  *ErrorValue   // set when Kind == KindError

	// RequesterAddr is the address this message was actually received
	// from (not part of the wire format; filled in by the transport
	// layer for the convenience of request handling and BEP-42/address
	// maintenance, which both need to know who sent a packet).
	RequesterAddr net.UDPAddr

	// ClaimedAddr is the wire-format "ip" field: the sender's claim about
	// what address the recipient appears to have. A responding node
	// stamps this with the address it actually saw the query arrive
	// from, letting the querier learn its own external address without
	// any port-forwarding configuration.
	ClaimedAddr *net.UDPAddr
}

func (m *Message) String() string {
	switch m.Kind {
	case KindQuery:
		return fmt.Sprintf("Query{%s t=%x from=%s}", m.Query, m.TransactionId, m.RequesterAddr)
	case KindResponse:
		return fmt.Sprintf("Response{t=%x from=%s}", m.TransactionId, m.RequesterAddr)
	case KindError:
		return fmt.Sprintf("Error{%d %q t=%x from=%s}", m.Error.Code, m.Error.Description, m.TransactionId, m.RequesterAddr)
	default:
		return fmt.Sprintf("Message{kind=%q t=%x}", m.Kind, m.TransactionId)
	}
}
