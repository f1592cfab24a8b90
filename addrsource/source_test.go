package addrsource

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBelowQuorumReturnsFalse(t *testing.T) {
	s := NewSource(3)
	s.AddVote("a", net.IPv4(1, 1, 1, 1))
	s.AddVote("b", net.IPv4(1, 1, 1, 1))
	_, ok := s.GetBestIPv4()
	require.False(t, ok)
}

func TestPluralityWinnerAboveQuorum(t *testing.T) {
	s := NewSource(3)
	s.AddVote("a", net.IPv4(1, 1, 1, 1))
	s.AddVote("b", net.IPv4(1, 1, 1, 1))
	s.AddVote("c", net.IPv4(2, 2, 2, 2))

	ip, ok := s.GetBestIPv4()
	require.True(t, ok)
	require.True(t, ip.Equal(net.IPv4(1, 1, 1, 1)))
}

func TestTieYieldsNoWinner(t *testing.T) {
	s := NewSource(2)
	s.AddVote("a", net.IPv4(1, 1, 1, 1))
	s.AddVote("b", net.IPv4(2, 2, 2, 2))
	_, ok := s.GetBestIPv4()
	require.False(t, ok)
}

func TestRepeatVoteFromSameVoterReplaces(t *testing.T) {
	s := NewSource(1)
	s.AddVote("a", net.IPv4(1, 1, 1, 1))
	s.AddVote("a", net.IPv4(2, 2, 2, 2))
	require.Equal(t, 1, s.VoterCount())

	ip, ok := s.GetBestIPv4()
	require.True(t, ok)
	require.True(t, ip.Equal(net.IPv4(2, 2, 2, 2)))
}

func TestDecayDropsStaleVotes(t *testing.T) {
	s := NewSource(1)
	s.AddVote("a", net.IPv4(1, 1, 1, 1))
	for i := 0; i < 10; i++ {
		s.Decay(0.5)
	}
	require.Equal(t, 0, s.VoterCount())
}
