package dht

import (
	"net"
	"sync"
	"time"

	"github.com/kadht/dht/bitid"
	"github.com/kadht/dht/krpc"
)

// RunEventLoop blocks, driving the accept loop and every background
// maintenance task, until Shutdown is called. The one-time startup ping
// of the configured bootstrap routers runs on its own goroutine alongside
// the accept loop, so the routers' replies are read and recorded; each
// periodic task likewise runs on its own goroutine until the shutdown
// token fires.
func (n *Node) RunEventLoop() {
	var wg sync.WaitGroup
	tasks := []func(){
		n.pingRouters,
		n.acceptIncomingPackets,
		n.periodicRouterPing,
		n.periodicBuddyPing,
		n.periodicFindNode,
		n.periodicIp4Maintenance,
		n.periodicTokenRotation,
	}
	for _, task := range tasks {
		wg.Add(1)
		go func(t func()) {
			defer wg.Done()
			t()
		}(task)
	}
	wg.Wait()
}

// acceptIncomingPackets reads datagrams off the transport until shutdown.
// For each inbound query it throttles by source IP and drops packets
// claiming port 0 (which can't be replied to), then dispatches the query
// to handleQuery unless we're in read-only mode, and finally fans it out
// to event subscribers. Responses and errors are routed by the transport
// to their waiting ReplySlot and never reach this callback.
func (n *Node) acceptIncomingPackets() {
	readOnly := n.GetSettings().ReadOnly

	n.transport.RecvLoop(n.shutdown.Done(), func(msg *krpc.Message) {
		addr := msg.RequesterAddr
		if !n.throttler.Allow(addr.IP) {
			return
		}
		if addr.Port == 0 {
			log.Warnf("dht: %s has invalid port - dropping packet", addr)
			return
		}
		if !readOnly {
			n.handleQuery(msg)
		}
		n.broadcastEvent(msg)
	})
}

func (n *Node) periodicRouterPing() {
	for {
		interval := n.GetSettings().RouterPingInterval
		if !n.sleepOrShutdown(interval) {
			return
		}
		n.pingRouters()
	}
}

func (n *Node) periodicBuddyPing() {
	for {
		settings := n.GetSettings()
		if !n.sleepOrShutdown(settings.PingCheckInterval) {
			return
		}

		n.state.mu.Lock()
		buckets := n.state.buckets
		n.state.mu.Unlock()

		unverifiedCount, verifiedCount := buckets.Count()
		log.Debugf("dht: pruning node buckets; %d unverified, %d verified", unverifiedCount, verifiedCount)
		buckets.Prune(settings.ReverifyGracePeriod, settings.VerifyGracePeriod)
		n.throttler.Age()

		pingIfOlderThan := time.Now().Add(-settings.ReverifyInterval)

		for _, w := range buckets.GetAllUnverified() {
			id := w.Node.Id
			go n.pingInternal(w.Node.Address, &id)
		}
		for _, w := range buckets.GetAllVerified() {
			if w.LastVerified.After(pingIfOlderThan) {
				continue
			}
			id := w.Node.Id
			go n.pingInternal(w.Node.Address, &id)
		}
	}
}

func (n *Node) periodicFindNode() {
	for {
		settings := n.GetSettings()
		if !n.sleepOrShutdown(settings.FindNodesInterval) {
			return
		}

		n.state.mu.Lock()
		buckets := n.state.buckets
		ourId := n.state.ourId
		n.state.mu.Unlock()

		unverifiedCount, verifiedCount := buckets.Count()
		if verifiedCount <= 0 {
			n.pingRouters()
		}
		if unverifiedCount > settings.FindNodesSkipCount {
			log.Debugf("dht: skipping find_node maintenance, already have enough unverified nodes")
			continue
		}

		target := bitid.Mutate(ourId, 4)
		nearest := buckets.GetNearestNodes(target, nil)
		log.Tracef("dht: sending find_node to %d nodes about %s", len(nearest), target)
		for _, w := range nearest {
			id := w.Node.Id
			go n.findNodeInternal(w.Node.Address, &id, target)
		}
	}
}

func (n *Node) periodicIp4Maintenance() {
	for {
		if !n.sleepOrShutdown(10 * time.Second) {
			return
		}

		n.state.mu.Lock()
		src := n.state.ip4Source
		n.state.mu.Unlock()
		if src == nil {
			continue
		}
		src.Decay(0.95)

		ip, ok := src.GetBestIPv4()
		if !ok {
			continue
		}

		n.state.mu.Lock()
		ourId := n.state.ourId
		if !ourId.IsValidForIP(ip) {
			newId := bitid.FromIP(ip)
			log.Infof("dht: our current id %s is not valid for IP %s, using new id %s", ourId, ip, newId)
			n.state.ourId = newId
			n.state.buckets.SetId(newId)
		}
		n.state.mu.Unlock()
	}
}

func (n *Node) periodicTokenRotation() {
	for {
		if !n.sleepOrShutdown(300 * time.Second) {
			return
		}
		n.state.mu.Lock()
		n.state.tokenSecret.Rotate()
		n.state.mu.Unlock()
	}
}

// pingRouters resolves and pings every configured bootstrap router,
// concurrently, without waiting for the routing-table side effects of
// any single ping to delay the others.
func (n *Node) pingRouters() {
	routers := n.GetSettings().Routers

	var wg sync.WaitGroup
	for _, hostname := range routers {
		wg.Add(1)
		go func(hostname string) {
			defer wg.Done()
			n.pingRouter(hostname)
		}(hostname)
	}
	wg.Wait()
}

func (n *Node) pingRouter(hostname string) {
	host, portStr, err := net.SplitHostPort(hostname)
	if err != nil {
		log.Warnf("dht: malformed router address %s: %v", hostname, err)
		return
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, portStr))
	if err != nil {
		log.Warnf("dht: failed to resolve router %s: %v", hostname, err)
		return
	}
	n.pingInternal(*udpAddr, nil)
}

// sleepOrShutdown sleeps for d, returning false immediately if the
// shutdown token fires first so the caller's loop can exit.
func (n *Node) sleepOrShutdown(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-n.shutdown.Done():
		return false
	}
}
