package dht

import (
	"net"
	"testing"
	"time"

	"github.com/kadht/dht/bitid"
	"github.com/kadht/dht/dhterr"
	"github.com/kadht/dht/krpc"
	"github.com/kadht/dht/node"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	s := DefaultSettings()
	s.Routers = nil
	s.RequestTimeout = 2 * time.Second
	s.ThrottlerCapacity = 64
	s.ThrottlerLimit = 1000
	s.ThrottlerWindow = time.Minute
	return s
}

func newTestNodeWithSettings(t *testing.T, settings Settings) *Node {
	t.Helper()
	id := bitid.FromRandom()
	n, err := New(&id, "127.0.0.1:0", nil, settings)
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	go n.acceptIncomingPackets()
	return n
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	return newTestNodeWithSettings(t, testSettings())
}

func (n *Node) udpAddr() net.UDPAddr {
	return *n.LocalAddr().(*net.UDPAddr)
}

func TestRespondsToPing(t *testing.T) {
	server := newTestNode(t)
	client := newTestNode(t)

	serverId := server.GetId()
	ping := client.builder().Ping(nil)
	reply, err := client.SendRequest(ping, server.udpAddr(), &serverId, time.Second)
	require.NoError(t, err)
	require.Equal(t, krpc.KindResponse, reply.Kind)
	require.Equal(t, serverId, reply.Return.Id)
}

func TestRespondsToFindNode(t *testing.T) {
	server := newTestNode(t)
	client := newTestNode(t)

	serverId := server.GetId()
	target := bitid.FromRandom()
	req := client.builder().FindNode(target, nil)
	reply, err := client.SendRequest(req, server.udpAddr(), &serverId, time.Second)
	require.NoError(t, err)
	require.Equal(t, krpc.KindResponse, reply.Kind)
	require.NotNil(t, reply.Return)
}

func TestRespondsToGetPeersWithNearestNodesWhenNoPeersKnown(t *testing.T) {
	server := newTestNode(t)
	client := newTestNode(t)

	serverId := server.GetId()
	infoHash := bitid.FromRandom()
	req := client.builder().GetPeers(infoHash, nil)
	reply, err := client.SendRequest(req, server.udpAddr(), &serverId, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, reply.Return.Token)
	require.Empty(t, reply.Return.Values)
}

func TestRespondsToGetPeersWithStoredPeers(t *testing.T) {
	server := newTestNode(t)
	client := newTestNode(t)

	infoHash := bitid.FromRandom()
	announced := net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 5555}
	server.state.peerStorage.AnnouncePeer(infoHash, announced)

	serverId := server.GetId()
	req := client.builder().GetPeers(infoHash, nil)
	reply, err := client.SendRequest(req, server.udpAddr(), &serverId, time.Second)
	require.NoError(t, err)
	require.Len(t, reply.Return.Values, 1)
	require.Equal(t, announced.String(), reply.Return.Values[0].String())
}

func TestRespondsToAnnouncePeer(t *testing.T) {
	server := newTestNode(t)
	client := newTestNode(t)

	serverId := server.GetId()
	infoHash := bitid.FromRandom()

	getPeers := client.builder().GetPeers(infoHash, nil)
	gpReply, err := client.SendRequest(getPeers, server.udpAddr(), &serverId, time.Second)
	require.NoError(t, err)
	token := gpReply.Return.Token

	port := 6881
	announce := client.builder().AnnouncePeer(infoHash, port, false, token, nil)
	apReply, err := client.SendRequest(announce, server.udpAddr(), &serverId, time.Second)
	require.NoError(t, err)
	require.Equal(t, krpc.KindResponse, apReply.Kind)

	peers := server.state.peerStorage.GetPeers(infoHash, nil)
	require.Len(t, peers, 1)
	require.Equal(t, port, peers[0].Port)
}

func TestAnnouncePeerRejectsInvalidToken(t *testing.T) {
	server := newTestNode(t)
	client := newTestNode(t)

	serverId := server.GetId()
	infoHash := bitid.FromRandom()

	announce := client.builder().AnnouncePeer(infoHash, 6881, false, "bogus-token", nil)
	reply, err := client.SendRequest(announce, server.udpAddr(), &serverId, time.Second)
	require.ErrorIs(t, err, dhterr.ErrTimeout)
	require.Nil(t, reply)
}

func TestRespondsToSampleInfohashes(t *testing.T) {
	server := newTestNode(t)
	client := newTestNode(t)

	for i := 0; i < 5; i++ {
		server.state.peerStorage.AnnouncePeer(bitid.FromRandom(), net.UDPAddr{IP: net.IPv4(1, 1, 1, byte(i)), Port: 1000 + i})
	}

	serverId := server.GetId()
	target := bitid.FromRandom()
	req := client.builder().SampleInfohashes(target, nil)
	require.Equal(t, target, *req.Args.Target)
	reply, err := client.SendRequest(req, server.udpAddr(), &serverId, time.Second)
	require.NoError(t, err)
	require.Equal(t, 5, reply.Return.Num)
	require.LessOrEqual(t, len(reply.Return.Samples), 5)
}

func TestSampleInfohashesUsesExplicitTargetNotSenderId(t *testing.T) {
	server := newTestNode(t)
	client := newTestNode(t)

	for i := 0; i < 4; i++ {
		peer := newTestNode(t)
		server.state.buckets.AddOrUpdate(node.New(peer.GetId(), peer.udpAddr()), true)
	}

	serverId := server.GetId()
	target := bitid.FromRandom()
	clientId := client.GetId()
	req := client.builder().SampleInfohashes(target, nil)
	reply, err := client.SendRequest(req, server.udpAddr(), &serverId, time.Second)
	require.NoError(t, err)

	expected := server.state.buckets.GetNearestNodes(target, &clientId)
	require.Len(t, reply.Return.Nodes, len(expected))
	for i, cn := range reply.Return.Nodes {
		require.Equal(t, expected[i].Node.Id, cn.Id)
	}
}

func TestTokenSecretRotationAcrossNodes(t *testing.T) {
	server := newTestNode(t)
	client := newTestNode(t)

	serverId := server.GetId()
	infoHash := bitid.FromRandom()

	getPeers := client.builder().GetPeers(infoHash, nil)
	gpReply, err := client.SendRequest(getPeers, server.udpAddr(), &serverId, time.Second)
	require.NoError(t, err)
	token := gpReply.Return.Token

	server.state.mu.Lock()
	server.state.tokenSecret.Rotate()
	server.state.mu.Unlock()

	announce := client.builder().AnnouncePeer(infoHash, 6881, false, token, nil)
	apReply, err := client.SendRequest(announce, server.udpAddr(), &serverId, time.Second)
	require.NoError(t, err)
	require.Equal(t, krpc.KindResponse, apReply.Kind)

	server.state.mu.Lock()
	server.state.tokenSecret.Rotate()
	server.state.mu.Unlock()

	announce2 := client.builder().AnnouncePeer(infoHash, 6881, false, token, nil)
	apReply2, err := client.SendRequest(announce2, server.udpAddr(), &serverId, time.Second)
	require.ErrorIs(t, err, dhterr.ErrTimeout)
	require.Nil(t, apReply2)
}

func TestReadOnlyNodeDoesNotJoinPeerRoutingTable(t *testing.T) {
	server := newTestNode(t)
	roSettings := testSettings()
	roSettings.ReadOnly = true
	client := newTestNodeWithSettings(t, roSettings)

	serverId := server.GetId()
	ping := client.builder().Ping(nil)
	_, err := client.SendRequest(ping, server.udpAddr(), &serverId, time.Second)
	require.NoError(t, err)

	require.False(t, server.state.buckets.Contains(client.GetId()))
}

func TestEventLoopPingsRouters(t *testing.T) {
	server := newTestNode(t)
	serverId := server.GetId()

	settings := testSettings()
	settings.Routers = []string{server.udpAddr().String()}
	client := newTestNodeWithSettings(t, settings)

	client.pingRouters()

	require.Eventually(t, func() bool {
		return server.state.buckets.Contains(client.GetId())
	}, time.Second, 10*time.Millisecond)
	_ = serverId
}
