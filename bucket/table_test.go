package bucket

import (
	"net"
	"testing"
	"time"

	"github.com/kadht/dht/bitid"
	"github.com/kadht/dht/node"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func randNode(t *rapid.T) node.Node {
	b := rapid.SliceOfN(rapid.Byte(), bitid.Len, bitid.Len).Draw(t, "idBytes")
	id, err := bitid.FromBytes(b)
	require.NoError(t, err)
	port := rapid.IntRange(1, 65535).Draw(t, "port")
	return node.New(id, net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
}

func TestBucketNeverExceedsKPerSplitBranch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		local := bitid.FromRandom()
		table := NewTable(local)
		n := rapid.IntRange(0, 200).Draw(t, "n")
		for i := 0; i < n; i++ {
			table.AddOrUpdate(randNode(t), true)
		}
		for _, b := range table.buckets {
			require.LessOrEqual(t, len(b.entries), K)
		}
	})
}

func TestAddOrUpdateTouchesExistingEntry(t *testing.T) {
	local := bitid.FromRandom()
	table := NewTable(local)
	n := node.New(bitid.FromRandom(), net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881})

	table.AddOrUpdate(n, false)
	unverified := table.GetAllUnverified()
	require.Len(t, unverified, 1)
	require.False(t, unverified[0].Verified)

	table.AddOrUpdate(n, true)
	verified := table.GetAllVerified()
	require.Len(t, verified, 1)
	require.Empty(t, table.GetAllUnverified())
	require.True(t, verified[0].Verified)
}

func TestFixedBucketEvictsOldestUnverifiedOnOverflow(t *testing.T) {
	// Every synthetic id below shares bit 0 (0x80) and differs from the
	// all-zero local id at that very first bit, so they all land in
	// bucket 0 (cpl==0). Filling it to K and adding one more forces the
	// catch-all (bucket 0, the only bucket so far) to split; since none
	// of these ids share the local id's bit 0, splitLast's redistribution
	// leaves all K of them in bucket 0 rather than moving any to the new
	// bucket 1. That makes bucket 0 a genuine fixed, non-catch-all bucket
	// by the time the overflowing insert retries, so the K+1th id is
	// handled by real LRU-oldest-unverified eviction, not another split.
	local := bitid.Id{}
	table := NewTable(local)

	mkId := func(lastByte byte) bitid.Id {
		var id bitid.Id
		id[0] = 0x80 // differs from local's 0x00 in the very first bit
		id[bitid.Len-1] = lastByte
		return id
	}

	var first node.Node
	for i := 0; i < K; i++ {
		n := node.New(mkId(byte(i)), net.UDPAddr{Port: 1000 + i})
		if i == 0 {
			first = n
		}
		table.AddOrUpdate(n, false)
	}
	unverified, verified := table.Count()
	require.Equal(t, K, unverified)
	require.Equal(t, 0, verified)

	extra := node.New(mkId(200), net.UDPAddr{Port: 2000})
	table.AddOrUpdate(extra, false)

	require.Len(t, table.buckets, 2, "overflow should have split the catch-all bucket")
	bucket0 := table.buckets[0]
	require.Len(t, bucket0.entries, K)
	require.Equal(t, -1, bucket0.indexOf(first.Id), "oldest unverified entry should have been evicted")
	require.NotEqual(t, -1, bucket0.indexOf(extra.Id), "newcomer should have been admitted")

	unverified, verified = table.Count()
	require.Equal(t, K, unverified)
	require.Equal(t, 0, verified)
}

func TestGetNearestNodesOrdersByXorDistance(t *testing.T) {
	local := bitid.FromRandom()
	table := NewTable(local)
	target := bitid.FromRandom()

	var ids []bitid.Id
	for i := 0; i < 5; i++ {
		id := bitid.Mutate(target, (i+1)*4)
		ids = append(ids, id)
		table.AddOrUpdate(node.New(id, net.UDPAddr{Port: 3000 + i}), true)
	}

	nearest := table.GetNearestNodes(target, nil)
	require.NotEmpty(t, nearest)
	for i := 1; i < len(nearest); i++ {
		require.LessOrEqual(t,
			bitid.CompareDistance(target, nearest[i-1].Node.Id, nearest[i].Node.Id), 0)
	}
}

func TestPruneDropsStaleEntries(t *testing.T) {
	local := bitid.FromRandom()
	table := NewTable(local)
	n := node.New(bitid.FromRandom(), net.UDPAddr{Port: 4000})
	table.AddOrUpdate(n, false)

	table.Prune(time.Hour, -time.Second) // verifyGrace negative: everything stale
	unverified, verified := table.Count()
	require.Equal(t, 0, unverified)
	require.Equal(t, 0, verified)
}

func TestSetIdRebucketsWithoutLosingEntries(t *testing.T) {
	local := bitid.FromRandom()
	table := NewTable(local)
	for i := 0; i < 20; i++ {
		table.AddOrUpdate(node.New(bitid.FromRandom(), net.UDPAddr{Port: 5000 + i}), true)
	}
	_, before := table.Count()

	table.SetId(bitid.FromRandom())
	_, after := table.Count()
	require.Equal(t, before, after)
}
