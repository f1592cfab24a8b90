package krpc

import (
	"net"
	"testing"

	"github.com/kadht/dht/bitid"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePingQuery(t *testing.T) {
	b := NewBuilder(bitid.FromRandom(), false)
	msg := b.Ping([]byte("aa"))

	codec := NewCodec()
	raw, err := codec.Encode(msg)
	require.NoError(t, err)

	from := net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}
	decoded, err := codec.Decode(raw, from)
	require.NoError(t, err)

	require.Equal(t, KindQuery, decoded.Kind)
	require.Equal(t, MethodPing, decoded.Query)
	require.Equal(t, msg.TransactionId, decoded.TransactionId)
	require.Equal(t, msg.Args.Id, decoded.Args.Id)
	require.Equal(t, from, decoded.RequesterAddr)
}

func TestEncodeDecodeFindNodeQuery(t *testing.T) {
	b := NewBuilder(bitid.FromRandom(), false)
	target := bitid.FromRandom()
	msg := b.FindNode(target, []byte("bb"))

	codec := NewCodec()
	raw, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(raw, net.UDPAddr{})
	require.NoError(t, err)
	require.Equal(t, MethodFindNode, decoded.Query)
	require.Equal(t, target, *decoded.Args.Target)
}

func TestEncodeDecodeNodesFoundResponse(t *testing.T) {
	b := NewBuilder(bitid.FromRandom(), false)
	nodes := []CompactNode{
		{Id: bitid.FromRandom(), Address: net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 1234}},
		{Id: bitid.FromRandom(), Address: net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 4321}},
	}
	msg := b.NodesFound([]byte("cc"), nodes)

	codec := NewCodec()
	raw, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(raw, net.UDPAddr{})
	require.NoError(t, err)
	require.Equal(t, KindResponse, decoded.Kind)
	require.Len(t, decoded.Return.Nodes, 2)
	require.Equal(t, nodes[0].Id, decoded.Return.Nodes[0].Id)
	require.Equal(t, nodes[0].Address.Port, decoded.Return.Nodes[0].Address.Port)
}

func TestEncodeDecodePeersFoundResponse(t *testing.T) {
	b := NewBuilder(bitid.FromRandom(), false)
	values := []net.UDPAddr{
		{IP: net.IPv4(1, 1, 1, 1), Port: 6881},
		{IP: net.IPv4(2, 2, 2, 2), Port: 6882},
	}
	msg := b.PeersFound([]byte("dd"), values, "tok123")

	codec := NewCodec()
	raw, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(raw, net.UDPAddr{})
	require.NoError(t, err)
	require.Equal(t, "tok123", decoded.Return.Token)
	require.Len(t, decoded.Return.Values, 2)
}

func TestEncodeDecodeAnnouncePeerQuery(t *testing.T) {
	b := NewBuilder(bitid.FromRandom(), false)
	ih := bitid.FromRandom()
	msg := b.AnnouncePeer(ih, 6881, true, "tok", []byte("ee"))

	codec := NewCodec()
	raw, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(raw, net.UDPAddr{})
	require.NoError(t, err)
	require.Equal(t, MethodAnnouncePeer, decoded.Query)
	require.Equal(t, ih, *decoded.Args.InfoHash)
	require.Equal(t, 6881, decoded.Args.Port)
	require.True(t, decoded.Args.ImpliedPort)
	require.Equal(t, "tok", decoded.Args.Token)
}

func TestEncodeDecodeSampleInfohashesQuery(t *testing.T) {
	b := NewBuilder(bitid.FromRandom(), false)
	target := bitid.FromRandom()
	msg := b.SampleInfohashes(target, []byte("ee"))

	codec := NewCodec()
	raw, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(raw, net.UDPAddr{})
	require.NoError(t, err)
	require.Equal(t, MethodSampleInfohashes, decoded.Query)
	require.Equal(t, target, *decoded.Args.Target)
}

func TestEncodeDecodeSampleInfohashesResponse(t *testing.T) {
	b := NewBuilder(bitid.FromRandom(), false)
	samples := []bitid.Id{bitid.FromRandom(), bitid.FromRandom()}
	msg := b.Samples([]byte("ff"), samples, 50, 300, nil)

	codec := NewCodec()
	raw, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(raw, net.UDPAddr{})
	require.NoError(t, err)
	require.Equal(t, samples, decoded.Return.Samples)
	require.Equal(t, 50, decoded.Return.Num)
	require.Equal(t, 300, decoded.Return.Interval)
}

func TestEncodeDecodeErrorMessage(t *testing.T) {
	b := NewBuilder(bitid.FromRandom(), false)
	msg := b.Error([]byte("gg"), ErrProtocol, "malformed packet")

	codec := NewCodec()
	raw, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(raw, net.UDPAddr{})
	require.NoError(t, err)
	require.Equal(t, KindError, decoded.Kind)
	require.Equal(t, ErrProtocol, decoded.Error.Code)
	require.Equal(t, "malformed packet", decoded.Error.Description)
}

func TestReadOnlyFlagRoundTrips(t *testing.T) {
	b := NewBuilder(bitid.FromRandom(), true)
	msg := b.Ping([]byte("hh"))

	codec := NewCodec()
	raw, err := codec.Encode(msg)
	require.NoError(t, err)

	decoded, err := codec.Decode(raw, net.UDPAddr{})
	require.NoError(t, err)
	require.True(t, decoded.ReadOnly)
}
