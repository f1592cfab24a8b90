// Package bitid implements the 160-bit Kademlia node identifier used
// throughout this module, including the BEP-42 "secure node ID" scheme
// that ties an Id to the IP address it claims to be reachable at.
package bitid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"net"
)

// Len is the width of an Id in bytes (160 bits).
const Len = 20

// Id is an opaque 20-byte Kademlia identifier. The zero value is the all-
// zero Id, which is a valid (if degenerate) value.
type Id [Len]byte

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FromBytes copies b into a new Id. b must be exactly Len bytes.
func FromBytes(b []byte) (Id, error) {
	var id Id
	if len(b) != Len {
		return id, fmt.Errorf("bitid: expected %d bytes, got %d", Len, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses a 40-character hex string into an Id.
func FromHex(s string) (Id, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Id{}, fmt.Errorf("bitid: invalid hex: %w", err)
	}
	return FromBytes(b)
}

// FromRandom generates a uniformly random Id.
func FromRandom() Id {
	var id Id
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read on the standard reader doesn't fail in practice;
		// keep the zero-ish id rather than panic if it somehow does.
		return id
	}
	return id
}

// String renders the Id as lowercase hex.
func (id Id) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the underlying 20 bytes.
func (id Id) Bytes() []byte {
	b := make([]byte, Len)
	copy(b, id[:])
	return b
}

// MarshalText implements encoding.TextMarshaler so an Id can round-trip
// through text-based encodings (config, JSON, logs) as hex. The KRPC
// codec does not use it; it writes Ids as raw 20-byte strings.
func (id Id) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Id) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Xor returns the bitwise XOR distance between id and other.
func (id Id) Xor(other Id) Id {
	var out Id
	for i := range out {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Equal reports whether id and other are byte-for-byte identical.
func (id Id) Equal(other Id) bool {
	return id == other
}

// Less implements the total order used to compare two Ids as big-endian
// 160-bit integers. It's used to break distance ties in routing-table
// ordering.
func (id Id) Less(other Id) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// CompareDistance orders a and b by their XOR distance to target,
// ascending. Ties are broken by the lower raw Id, per spec.
func CompareDistance(target, a, b Id) int {
	da := target.Xor(a)
	db := target.Xor(b)
	for i := range da {
		if da[i] != db[i] {
			if da[i] < db[i] {
				return -1
			}
			return 1
		}
	}
	if a.Less(b) {
		return -1
	}
	if b.Less(a) {
		return 1
	}
	return 0
}

// Mutate flips up to bits low-order bits of id, returning a "near" Id
// useful for self-directed find_node lookups that explore the
// neighborhood around our own Id. Which of those bits flip is random, so
// the result can equal id when none of them does.
func Mutate(id Id, bits int) Id {
	if bits <= 0 {
		return id
	}
	if bits > Len*8 {
		bits = Len * 8
	}
	mask := make([]byte, Len)
	randBits(mask, bits)
	return id.Xor(mustFromBytes(mask))
}

// randBits fills mask's low `bits` bits (counting from the last byte
// backwards) with cryptographically random data; all other bits are left
// zero.
func randBits(mask []byte, bits int) {
	fullBytes := bits / 8
	remBits := bits % 8
	if fullBytes > 0 {
		rand.Read(mask[Len-fullBytes:])
	}
	if remBits > 0 {
		var b [1]byte
		rand.Read(b[:])
		b[0] &= (1 << remBits) - 1
		mask[Len-fullBytes-1] = b[0]
	}
}

func mustFromBytes(b []byte) Id {
	id, err := FromBytes(b)
	if err != nil {
		panic(err)
	}
	return id
}

// ipv4Mask is applied to an IPv4 address before hashing it for BEP-42:
// http://bittorrent.org/beps/bep_0042.html.
var ipv4Mask = [4]byte{0x03, 0x0f, 0x3f, 0xff}

// ipv6Mask is the IPv6 analog, applied to the top 8 bytes of the address.
var ipv6Mask = [8]byte{0x01, 0x03, 0x07, 0x0f, 0x1f, 0x3f, 0x7f, 0xff}

// isExemptIP reports whether ip is in a range BEP-42 exempts from secure-ID
// validation: loopback, link-local, and private (RFC1918/RFC4193) ranges.
func isExemptIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// maskedAddrBytes returns the masked address bytes used as CRC input, and
// stamps the low 3 bits of r into the first masked byte as BEP-42 requires.
func maskedAddrBytes(ip net.IP, r byte) ([]byte, bool) {
	if v4 := ip.To4(); v4 != nil {
		out := make([]byte, 4)
		for i := 0; i < 4; i++ {
			out[i] = v4[i] & ipv4Mask[i]
		}
		out[0] |= r << 5
		return out, true
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, false
	}
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = v6[i] & ipv6Mask[i]
	}
	out[0] |= r << 5
	return out, true
}

// top21 extracts the high 21 bits of a CRC32 checksum as a 3-byte value
// (the low 3 bits of the third byte are masked off).
func top21(crc uint32) [3]byte {
	return [3]byte{
		byte(crc >> 24),
		byte(crc >> 16),
		byte(crc>>8) & 0xf8,
	}
}

// IsValidForIP implements the BEP-42 validity predicate: the top 21 bits of
// CRC32C(masked(ip) | r<<5) must equal the top 21 bits of id, where r is
// the low 3 bits of id's last byte. Addresses in exempt ranges (loopback,
// link-local, private) are always considered valid.
func (id Id) IsValidForIP(ip net.IP) bool {
	if isExemptIP(ip) {
		return true
	}
	r := id[Len-1] & 0x07
	masked, ok := maskedAddrBytes(ip, r)
	if !ok {
		return false
	}
	crc := crc32.Checksum(masked, castagnoli)
	want := top21(crc)
	got := [3]byte{id[0], id[1], id[2] & 0xf8}
	return want == got
}

// FromIP generates an Id that is valid for ip per BEP-42. If ip is in a
// non-public range, a purely random Id is returned instead, matching the
// tie-break policy in spec.md §4.1.
func FromIP(ip net.IP) Id {
	if isExemptIP(ip) {
		return FromRandom()
	}

	var rb [1]byte
	rand.Read(rb[:])
	r := rb[0] & 0x07

	masked, ok := maskedAddrBytes(ip, r)
	if !ok {
		return FromRandom()
	}
	crc := crc32.Checksum(masked, castagnoli)
	prefix := top21(crc)

	var id Id
	// 1 byte for id[2]'s low bits, 16 bytes for id[3..18], 1 byte for
	// id[19]'s high bits.
	rest := make([]byte, 1+(Len-4)+1)
	rand.Read(rest)

	id[0] = prefix[0]
	id[1] = prefix[1]
	id[2] = prefix[2] | (rest[0] & 0x07)
	copy(id[3:Len-1], rest[1:1+(Len-4)])
	id[Len-1] = (rest[len(rest)-1] & 0xf8) | r

	return id
}
