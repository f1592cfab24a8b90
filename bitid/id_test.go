package bitid

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genId(t *rapid.T) Id {
	b := rapid.SliceOfN(rapid.Byte(), Len, Len).Draw(t, "idBytes")
	id, err := FromBytes(b)
	require.NoError(t, err)
	return id
}

func genPublicIPv4(t *rapid.T) net.IP {
	// Avoid the private/loopback/link-local ranges BEP-42 exempts so the
	// validity predicate is actually exercised.
	a := rapid.IntRange(1, 223).Draw(t, "a")
	for a == 10 || a == 127 {
		a = rapid.IntRange(1, 223).Draw(t, "a2")
	}
	b := rapid.IntRange(0, 255).Draw(t, "b")
	c := rapid.IntRange(0, 255).Draw(t, "c")
	d := rapid.IntRange(1, 254).Draw(t, "d")
	if a == 172 && b >= 16 && b <= 31 {
		b = 200
	}
	if a == 192 && b == 168 {
		b = 1
	}
	if a == 169 && b == 254 {
		a = 8
	}
	return net.IPv4(byte(a), byte(b), byte(c), byte(d))
}

func TestXorCommutesAndSelfIsZero(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genId(t)
		b := genId(t)
		require.Equal(t, a.Xor(b), b.Xor(a))
		require.Equal(t, Id{}, a.Xor(a))
	})
}

func TestFromIPIsValidForThatIP(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ip := genPublicIPv4(t)
		id := FromIP(ip)
		require.True(t, id.IsValidForIP(ip), "generated id %s not valid for %s", id, ip)
	})
}

func TestIsValidForIPExemptRangesAlwaysPass(t *testing.T) {
	id := FromRandom()
	for _, ip := range []net.IP{
		net.IPv4(127, 0, 0, 1),
		net.IPv4(192, 168, 1, 1),
		net.IPv4(10, 0, 0, 1),
		net.IPv4(169, 254, 1, 1),
	} {
		require.True(t, id.IsValidForIP(ip))
	}
}

func TestFromIPOnPrivateRangeIsRandomNotStamped(t *testing.T) {
	// For a private IP, FromIP should just produce a random Id (any Id is
	// "valid" for private ranges anyway since IsValidForIP always passes).
	id1 := FromIP(net.IPv4(192, 168, 1, 50))
	id2 := FromIP(net.IPv4(192, 168, 1, 50))
	require.NotEqual(t, id1, id2)
}

func TestMutateProducesNearIdWithinBudget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := genId(t)
		bits := rapid.IntRange(1, 16).Draw(t, "bits")
		mutant := Mutate(id, bits)
		dist := id.Xor(mutant)
		// Everything above the low `bits` bits must be untouched.
		fullBytes := bits / 8
		for i := 0; i < Len-fullBytes-1; i++ {
			require.Zero(t, dist[i], "byte %d of distance should be untouched", i)
		}
	})
}

func TestCompareDistanceOrdersByXorThenId(t *testing.T) {
	target := Id{}
	a := Id{0x00, 0x01}
	b := Id{0x00, 0x02}
	require.Equal(t, -1, CompareDistance(target, a, b))
	require.Equal(t, 1, CompareDistance(target, b, a))
	require.Equal(t, 0, CompareDistance(target, a, a))
}

func TestHexRoundTrip(t *testing.T) {
	id := FromRandom()
	parsed, err := FromHex(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}
