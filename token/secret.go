// Package token implements the rolling announce-token secret: the value
// get_peers responses derive a per-requester token from, and that
// announce_peer later checks against to prove the announcer actually
// queried us for that info hash recently.
package token

import (
	"crypto/rand"
	"encoding/binary"
	"hash/crc32"
	"net"
	"sync"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const secretLen = 8

// Secret holds the current and previous token-generation secrets. Tokens
// stay valid across exactly one rotation so a get_peers/announce_peer
// pair spanning a rotation boundary still succeeds.
type Secret struct {
	mu       sync.Mutex
	current  []byte
	previous []byte
}

// NewSecret creates a Secret with current and previous initialized to the
// same random value, so a token calculated before the first rotation stays
// valid across it.
func NewSecret() *Secret {
	current := randomSecret()
	return &Secret{current: current, previous: current}
}

func randomSecret() []byte {
	b := make([]byte, secretLen)
	rand.Read(b)
	return b
}

// Rotate ages the current secret into previous and mints a fresh current
// secret. Tokens calculated under the now-discarded previous secret stop
// validating.
func (s *Secret) Rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = s.current
	s.current = randomSecret()
}

// Calculate derives the announce token a requester at addr must present to
// announce_peer, binding the token to the requester's address so it can't
// be replayed by a different requester.
func (s *Secret) Calculate(addr net.UDPAddr) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return calculateWith(s.current, addr)
}

// Verify reports whether token is valid for addr under either the current
// or previous secret.
func (s *Secret) Verify(addr net.UDPAddr, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token == calculateWith(s.current, addr) ||
		token == calculateWith(s.previous, addr)
}

func calculateWith(secret []byte, addr net.UDPAddr) string {
	ipBytes := addr.IP.To4()
	if ipBytes == nil {
		ipBytes = addr.IP.To16()
	}
	buf := make([]byte, 0, len(ipBytes)+len(secret))
	buf = append(buf, ipBytes...)
	buf = append(buf, secret...)

	sum := crc32.Checksum(buf, castagnoli)
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, sum)
	return string(out)
}
