package dht

import "time"

// Settings bundles every tunable of a Node's event loop and request
// handling into a single struct with sane defaults that callers can
// selectively override.
type Settings struct {
	// Routers are hostname:port addresses of well-known bootstrap nodes,
	// pinged once at startup and again whenever the routing table empties
	// out.
	Routers []string

	// ReadOnly sets the BEP-43 "ro" flag on every outgoing message and
	// suppresses replies to inbound queries, for nodes behind a NAT that
	// can't accept unsolicited traffic.
	ReadOnly bool

	// MaxInfoHashes and MaxPeersPerInfoHash bound PeerStorage's memory
	// use; see peerstore.NewStorage.
	MaxInfoHashes       int
	MaxPeersPerInfoHash int

	// GetPeersFreshness bounds how old an announced peer can be and still
	// be returned from a get_peers response.
	GetPeersFreshness time.Duration

	// MaxPeersResponse caps how many peers a single get_peers response
	// includes.
	MaxPeersResponse int

	// MaxSampleResponse caps how many info hashes a single
	// sample_infohashes response includes, per BEP-33.
	MaxSampleResponse int

	// MinSampleInterval is the "interval" value advertised in
	// sample_infohashes responses: how long a requester should wait
	// before re-sampling us.
	MinSampleInterval time.Duration

	// PingCheckInterval is how often the event loop wakes up to prune
	// stale routing-table entries and ping anyone due for
	// (re)verification.
	PingCheckInterval time.Duration

	// ReverifyGracePeriod is how long a verified node can go without
	// being reverified before it's dropped from the routing table.
	ReverifyGracePeriod time.Duration

	// VerifyGracePeriod is how long an unverified node can go unseen
	// before it's dropped from the routing table.
	VerifyGracePeriod time.Duration

	// ReverifyInterval is how long since last verification before a node
	// is due for a reverification ping.
	ReverifyInterval time.Duration

	// FindNodesInterval is how often the event loop runs its own
	// neighborhood find_node maintenance.
	FindNodesInterval time.Duration

	// FindNodesSkipCount: if the routing table already holds more than
	// this many unverified nodes, skip this round's maintenance
	// find_node (they'll get pinged soon enough by periodicBuddyPing).
	FindNodesSkipCount int

	// RouterPingInterval is how often bootstrap routers are re-pinged,
	// independent of routing-table health.
	RouterPingInterval time.Duration

	// ThrottlerCapacity, ThrottlerLimit, and ThrottlerWindow configure
	// the accept-path per-IP rate limiter.
	ThrottlerCapacity uint
	ThrottlerLimit    int
	ThrottlerWindow   time.Duration

	// RequestTimeout is the timeout the Node's own outgoing requests
	// (router and liveness pings, maintenance find_node, and the
	// iterative lookups) pass to SendRequest. Callers of SendRequest
	// always supply their own timeout.
	RequestTimeout time.Duration

	// AddressVoteQuorum is a suggested quorum for an addrsource.Source.
	// New does not read it: the IPv4Source passed to New is built by the
	// caller, and an addrsource.Source takes its quorum from
	// addrsource.NewSource.
	AddressVoteQuorum int
}

// DefaultSettings returns the settings a new Node uses unless overridden,
// grounded in the conservative defaults of well-behaved Mainline DHT
// implementations.
func DefaultSettings() Settings {
	return Settings{
		Routers: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		},
		MaxInfoHashes:       16384,
		MaxPeersPerInfoHash: 256,
		GetPeersFreshness:   30 * time.Minute,
		MaxPeersResponse:    50,
		MaxSampleResponse:   20,
		MinSampleInterval:   5 * time.Minute,
		PingCheckInterval:   1 * time.Minute,
		ReverifyGracePeriod: 3 * time.Hour,
		VerifyGracePeriod:   15 * time.Minute,
		ReverifyInterval:    14 * time.Minute,
		FindNodesInterval:   1 * time.Minute,
		FindNodesSkipCount:  32,
		RouterPingInterval:  15 * time.Minute,
		ThrottlerCapacity:   4096,
		ThrottlerLimit:      10,
		ThrottlerWindow:     6 * time.Second,
		RequestTimeout:      5 * time.Second,
		AddressVoteQuorum:   4,
	}
}
