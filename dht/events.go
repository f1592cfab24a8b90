package dht

import "github.com/kadht/dht/krpc"

// Event is sent to every subscriber registered via Node.Subscribe.
type Event struct {
	Message *krpc.Message
}

// subscriberChanCapacity bounds how far a slow subscriber can lag before
// its events start getting dropped.
const subscriberChanCapacity = 32

func (n *Node) broadcastEvent(msg *krpc.Message) {
	event := Event{Message: msg}

	n.state.mu.Lock()
	defer n.state.mu.Unlock()
	for _, ch := range n.state.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is backed up; drop this event for them rather
			// than block delivery to everyone else.
			log.Tracef("dht: subscriber channel full, dropping event for %s", msg)
		}
	}
}

// Subscribe registers a new channel that receives an Event for every
// inbound KRPC query that passes the accept loop's throttle and port
// checks. Responses and errors to our own queries are delivered to their
// waiting callers and are not broadcast. The caller should keep
// draining the channel; a full channel simply drops the event rather
// than blocking the rest of the event loop.
func (n *Node) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberChanCapacity)
	n.state.mu.Lock()
	n.state.subscribers = append(n.state.subscribers, ch)
	n.state.mu.Unlock()
	return ch
}
