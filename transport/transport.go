// Package transport wraps a UDP socket with KRPC encoding/decoding and a
// transaction table that demultiplexes responses from inbound queries, so
// callers can await a specific reply without a dedicated reader
// goroutine per outstanding request.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
	"github.com/kadht/dht/bitid"
	"github.com/kadht/dht/dhterr"
	"github.com/kadht/dht/krpc"
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

// maxDatagramSize is generous headroom over BEP-5's informal ~1500 byte
// guidance; oversized datagrams are truncated by ReadFromUDP and then
// fail bencode decoding, which is an acceptable failure mode for traffic
// that shouldn't occur from a conforming peer.
const maxDatagramSize = 4096

// pendingQuery is a transaction awaiting a reply.
type pendingQuery struct {
	destId   *bitid.Id
	destAddr net.UDPAddr
	replyCh  chan *krpc.Message
}

// ReplySlot is handed back from SendQuery; Wait blocks for the matching
// response or error, or until timeout elapses.
type ReplySlot struct {
	ch      chan *krpc.Message
	timeout time.Duration
}

// Wait blocks until a reply arrives or timeout elapses, whichever is
// first, or until shutdownCh is closed.
func (r *ReplySlot) Wait(shutdownCh <-chan struct{}) (*krpc.Message, error) {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case msg := <-r.ch:
		return msg, nil
	case <-timer.C:
		return nil, dhterr.New(dhterr.Timeout, "transport: no reply within %s", r.timeout)
	case <-shutdownCh:
		return nil, dhterr.ErrShutdown
	}
}

// Transport owns a UDP socket and the transaction table of outstanding
// queries sent through it.
type Transport struct {
	conn  *net.UDPConn
	codec krpc.Codec

	mu      sync.Mutex
	pending map[string]*pendingQuery
}

// Listen opens a UDP socket on addr (host:port, host may be empty).
func Listen(addr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, dhterr.Wrap(dhterr.General, fmt.Errorf("transport: resolve %q: %w", addr, err))
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, dhterr.Wrap(dhterr.General, fmt.Errorf("transport: listen %q: %w", addr, err))
	}
	return &Transport{
		conn:    conn,
		codec:   krpc.NewCodec(),
		pending: make(map[string]*pendingQuery),
	}, nil
}

// LocalAddr returns the socket's bound local address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close closes the underlying socket, unblocking any in-flight RecvLoop.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// SendQuery encodes and sends a query message, registering a ReplySlot
// keyed by (transaction id, destId if known else dest's IP). destId, if
// known, is used to validate that the eventual reply actually claims to
// come from the node we queried; when destId is nil (e.g. querying an
// unverified bootstrap router), validation falls back to matching the
// source IP. An error reply carries no responder Id, so it only reaches a
// slot registered with a nil destId; a query sent with a destId gets
// either a matching response or a timeout. SendQuery refuses to clobber
// an already-outstanding transaction to the same destination.
func (t *Transport) SendQuery(msg *krpc.Message, dest net.UDPAddr, destId *bitid.Id, timeout time.Duration) (*ReplySlot, error) {
	raw, err := t.codec.Encode(msg)
	if err != nil {
		return nil, dhterr.Wrap(dhterr.PacketParse, err)
	}

	slot := &ReplySlot{ch: make(chan *krpc.Message, 1), timeout: timeout}
	key := pendingKey(msg.TransactionId, destId, dest.IP)

	t.mu.Lock()
	if _, exists := t.pending[key]; exists {
		t.mu.Unlock()
		return nil, dhterr.Wrap(dhterr.Conntrack, fmt.Errorf("transport: transaction id %x to %s already outstanding", msg.TransactionId, dest))
	}
	t.pending[key] = &pendingQuery{destId: destId, destAddr: dest, replyCh: slot.ch}
	t.mu.Unlock()

	if _, err := t.conn.WriteToUDP(raw, &dest); err != nil {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		return nil, dhterr.Wrap(dhterr.General, fmt.Errorf("transport: write to %s: %w", dest, err))
	}
	return slot, nil
}

// pendingKey identifies an outstanding query by its transaction id plus
// either the destination's Id (when known) or its IP (fallback), so two
// queries to different destinations whose 2-byte transaction ids happen
// to collide don't clobber each other's pending slot.
func pendingKey(transactionId []byte, destId *bitid.Id, destIP net.IP) string {
	if destId != nil {
		return string(transactionId) + "|" + destId.String()
	}
	return string(transactionId) + "|" + destIP.String()
}

// SendMessage encodes and sends msg without registering a reply slot,
// for responses and errors (which don't themselves expect a reply).
func (t *Transport) SendMessage(msg *krpc.Message, dest net.UDPAddr) error {
	raw, err := t.codec.Encode(msg)
	if err != nil {
		return dhterr.Wrap(dhterr.PacketParse, err)
	}
	if _, err := t.conn.WriteToUDP(raw, &dest); err != nil {
		return dhterr.Wrap(dhterr.General, fmt.Errorf("transport: write to %s: %w", dest, err))
	}
	return nil
}

// RecvLoop reads datagrams until the socket is closed or shutdownCh is
// closed, calling onQuery for every inbound query and routing responses
// and errors to their matching ReplySlot, if any. It returns once the
// socket stops producing datagrams.
func (t *Transport) RecvLoop(shutdownCh <-chan struct{}, onQuery func(*krpc.Message)) {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-shutdownCh:
			return
		default:
		}

		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-shutdownCh:
				return
			default:
			}
			log.Debugf("transport: read error: %v", err)
			return
		}

		msg, err := t.codec.Decode(buf[:n], *from)
		if err != nil {
			log.Tracef("transport: dropping malformed packet from %s: %v", from, err)
			continue
		}
		log.Tracef("transport: decoded from %s:\n%s", from, spew.Sdump(msg))

		switch msg.Kind {
		case krpc.KindQuery:
			onQuery(msg)
		case krpc.KindResponse, krpc.KindError:
			t.deliver(msg)
		}
	}
}

// deliver routes a response or error to its waiting ReplySlot, validating
// the sender against what was registered at send time. The pending slot
// is keyed by (transaction id, destId or dest IP), and deliver doesn't
// know upfront which form the original SendQuery used, so it tries the
// responder-Id-keyed slot first and falls back to the IP-keyed one.
func (t *Transport) deliver(msg *krpc.Message) {
	candidates := make([]string, 0, 2)
	if senderId := responderId(msg); senderId != nil {
		candidates = append(candidates, pendingKey(msg.TransactionId, senderId, nil))
	}
	candidates = append(candidates, pendingKey(msg.TransactionId, nil, msg.RequesterAddr.IP))

	t.mu.Lock()
	var pq *pendingQuery
	for _, key := range candidates {
		if p, ok := t.pending[key]; ok {
			pq = p
			delete(t.pending, key)
			break
		}
	}
	t.mu.Unlock()

	if pq == nil {
		log.Tracef("transport: reply %s matches no pending transaction", msg)
		return
	}

	if !senderMatches(pq, msg) {
		log.Debugf("transport: reply %s from unexpected sender, dropping", msg)
		return
	}

	select {
	case pq.replyCh <- msg:
	default:
	}
}

func senderMatches(pq *pendingQuery, msg *krpc.Message) bool {
	if pq.destId != nil {
		senderId := responderId(msg)
		if senderId == nil {
			return false
		}
		return *senderId == *pq.destId
	}
	return msg.RequesterAddr.IP.Equal(pq.destAddr.IP)
}

func responderId(msg *krpc.Message) *bitid.Id {
	if msg.Kind == krpc.KindResponse && msg.Return != nil {
		return &msg.Return.Id
	}
	return nil
}
