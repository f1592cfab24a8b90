package dht

import "net"

// IPv4Source abstracts where a Node gets its best guess at its own
// external IPv4 address. addrsource.Source (vote aggregation from peer
// replies) is the usual implementation; StaticIPv4Source below is useful
// for tests and for operators who already know their external address.
// New also accepts nil, in which case no votes are recorded and the Id is
// never re-derived from an external address.
type IPv4Source interface {
	GetBestIPv4() (net.IP, bool)
	AddVote(voterKey string, ip net.IP)
	Decay(factor float64)
}

// StaticIPv4Source always reports the same address, never learns
// anything from votes. A trivial stand-in for tests and for operators
// who already know their external address.
type StaticIPv4Source struct {
	IP net.IP
}

func (s StaticIPv4Source) GetBestIPv4() (net.IP, bool) { return s.IP, s.IP != nil }
func (StaticIPv4Source) AddVote(string, net.IP)        {}
func (StaticIPv4Source) Decay(float64)                 {}
