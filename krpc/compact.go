package krpc

import (
	"fmt"
	"net"

	"github.com/kadht/dht/bitid"
)

// compactNodeLen is the size in bytes of one "nodes" entry: a 20-byte Id
// followed by a 4-byte IPv4 address and a 2-byte big-endian port.
const compactNodeLen = bitid.Len + 4 + 2

// compactPeerLen is the size in bytes of one "values" entry: a 4-byte
// IPv4 address followed by a 2-byte big-endian port.
const compactPeerLen = 4 + 2

// encodeCompactNodes packs nodes into BEP-5's "nodes" binary string.
// Entries without a usable IPv4 address are silently skipped.
func encodeCompactNodes(nodes []CompactNode) string {
	buf := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		v4 := n.Address.IP.To4()
		if v4 == nil {
			continue
		}
		buf = append(buf, n.Id[:]...)
		buf = append(buf, v4...)
		buf = append(buf, byte(n.Address.Port>>8), byte(n.Address.Port))
	}
	return string(buf)
}

// decodeCompactNodes unpacks a BEP-5 "nodes" binary string.
func decodeCompactNodes(s string) ([]CompactNode, error) {
	b := []byte(s)
	if len(b)%compactNodeLen != 0 {
		return nil, fmt.Errorf("krpc: malformed compact nodes, length %d not a multiple of %d", len(b), compactNodeLen)
	}
	var out []CompactNode
	for i := 0; i < len(b); i += compactNodeLen {
		chunk := b[i : i+compactNodeLen]
		id, err := bitid.FromBytes(chunk[:bitid.Len])
		if err != nil {
			return nil, err
		}
		ip := net.IPv4(chunk[bitid.Len], chunk[bitid.Len+1], chunk[bitid.Len+2], chunk[bitid.Len+3])
		port := int(chunk[bitid.Len+4])<<8 | int(chunk[bitid.Len+5])
		out = append(out, CompactNode{Id: id, Address: net.UDPAddr{IP: ip, Port: port}})
	}
	return out, nil
}

// encodeCompactPeer packs a single peer address into BEP-5's 6-byte
// "values" entry format.
func encodeCompactPeer(addr net.UDPAddr) (string, bool) {
	v4 := addr.IP.To4()
	if v4 == nil {
		return "", false
	}
	b := make([]byte, compactPeerLen)
	copy(b, v4)
	b[4] = byte(addr.Port >> 8)
	b[5] = byte(addr.Port)
	return string(b), true
}

// decodeCompactPeer unpacks a single BEP-5 "values" entry.
func decodeCompactPeer(s string) (net.UDPAddr, error) {
	b := []byte(s)
	if len(b) != compactPeerLen {
		return net.UDPAddr{}, fmt.Errorf("krpc: malformed compact peer, length %d want %d", len(b), compactPeerLen)
	}
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := int(b[4])<<8 | int(b[5])
	return net.UDPAddr{IP: ip, Port: port}, nil
}

// encodeCompactAddr packs addr into the 6-byte form used by the "ip" key
// a response carries back to tell the requester its own apparent address.
func encodeCompactAddr(addr net.UDPAddr) (string, bool) {
	return encodeCompactPeer(addr)
}

func decodeCompactAddr(s string) (net.UDPAddr, error) {
	return decodeCompactPeer(s)
}

// encodeSamples packs a BEP-33 sample_infohashes "samples" value: a
// concatenation of raw 20-byte info hashes.
func encodeSamples(ids []bitid.Id) string {
	buf := make([]byte, 0, len(ids)*bitid.Len)
	for _, id := range ids {
		buf = append(buf, id[:]...)
	}
	return string(buf)
}

func decodeSamples(s string) ([]bitid.Id, error) {
	b := []byte(s)
	if len(b)%bitid.Len != 0 {
		return nil, fmt.Errorf("krpc: malformed samples, length %d not a multiple of %d", len(b), bitid.Len)
	}
	var out []bitid.Id
	for i := 0; i < len(b); i += bitid.Len {
		id, err := bitid.FromBytes(b[i : i+bitid.Len])
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
