// Package addrsource implements AddressSource: a decaying multiset of
// per-voter guesses at our own external IPv4 address, as reported back to
// us in the "ip" field of KRPC responses. This is how a node without
// port-forwarding information can still learn its own reachable address.
package addrsource

import (
	"net"
	"sync"

	"github.com/btcsuite/btclog"
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

// minWeight is the floor below which a decayed vote is dropped entirely.
const minWeight = 0.05

// Source tallies votes for our external IPv4 address. Each voter (a remote
// node we've queried) gets at most one live vote at a time; a fresh vote
// from the same voter replaces their previous guess rather than adding to
// it, so a single chatty or malicious peer can't stuff the multiset.
type Source struct {
	mu     sync.Mutex
	quorum int
	votes  map[string]vote // keyed by voter identity, e.g. node Id hex
}

type vote struct {
	ip     string
	weight float64
}

// NewSource creates a Source that requires at least quorum distinct live
// voters before GetBestIPv4 will return a result.
func NewSource(quorum int) *Source {
	return &Source{
		quorum: quorum,
		votes:  make(map[string]vote),
	}
}

// AddVote records that voterKey (typically the responding node's Id, hex
// encoded) claims our external address is ip. ip must be an IPv4 address;
// anything else is ignored.
func (s *Source) AddVote(voterKey string, ip net.IP) {
	v4 := ip.To4()
	if v4 == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[voterKey] = vote{ip: v4.String(), weight: 1.0}
}

// Decay multiplies every live vote's weight by factor (0 < factor < 1),
// dropping any vote that decays below minWeight. Called periodically by
// the event loop's address maintenance task so stale guesses lose
// influence over time without needing an explicit expiry timestamp.
func (s *Source) Decay(factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.votes {
		v.weight *= factor
		if v.weight < minWeight {
			delete(s.votes, k)
			continue
		}
		s.votes[k] = v
	}
}

// GetBestIPv4 returns the plurality-winning address among live votes, and
// true, if at least quorum distinct voters are live and the top address
// strictly outweighs the runner-up. Otherwise it returns false, meaning
// we don't yet have enough agreement to trust a guess.
func (s *Source) GetBestIPv4() (net.IP, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.votes) < s.quorum {
		return nil, false
	}

	tally := make(map[string]float64)
	for _, v := range s.votes {
		tally[v.ip] += v.weight
	}

	var best, second string
	var bestWeight, secondWeight float64
	for ip, w := range tally {
		if w > bestWeight {
			second, secondWeight = best, bestWeight
			best, bestWeight = ip, w
		} else if w > secondWeight {
			second, secondWeight = ip, w
		}
	}
	_ = second

	if bestWeight <= secondWeight {
		return nil, false
	}
	ip := net.ParseIP(best)
	if ip == nil {
		return nil, false
	}
	return ip, true
}

// VoterCount returns the number of distinct live voters, for diagnostics.
func (s *Source) VoterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.votes)
}
