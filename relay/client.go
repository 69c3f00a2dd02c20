package relay

import (
	"sync"
	"time"
)

const defaultOutboundQueueDepth = 16

type linkSlot struct {
	peer PublicKey
	set  bool
}

// Client holds per-connection routing state for one authenticated peer.
//
// links, pingID, and lastPongAt are mutated only while the owning Server's
// mutex is held (see Server's atomicity-region discussion in server.go);
// Client itself does not lock them. tx and done are safe for concurrent use
// on their own.
type Client struct {
	publicKey PublicKey
	tx        chan Packet
	done      chan struct{}
	closeOnce sync.Once

	links      [maxLinkSlots]linkSlot
	pingID     uint64
	lastPongAt time.Time

	connectedAt time.Time
}

func newClient(pk PublicKey, queueDepth int) *Client {
	if queueDepth <= 0 {
		queueDepth = defaultOutboundQueueDepth
	}
	now := time.Now()
	return &Client{
		publicKey:   pk,
		tx:          make(chan Packet, queueDepth),
		done:        make(chan struct{}),
		connectedAt: now,
		lastPongAt:  now,
	}
}

// PublicKey returns the client's long-term identity public key.
func (c *Client) PublicKey() PublicKey { return c.publicKey }

// close signals the client's writer goroutine to stop. Safe to call more
// than once (e.g. once from eviction-on-replace and once from normal
// shutdown) — only the first call has any effect.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// send enqueues p without blocking. false means the outbound queue was full
// or the client has already been closed.
func (c *Client) send(p Packet) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.tx <- p:
		return true
	default:
		return false
	}
}

// sendPrimary is send, but surfaces a BackpressureError on failure. Used for
// packets the spec treats as a primary response rather than a best-effort
// notification.
func (c *Client) sendPrimary(p Packet) error {
	if !c.send(p) {
		return &BackpressureError{}
	}
	return nil
}

// getConnectionID returns the wire id this client uses to reach peer, if any.
func (c *Client) getConnectionID(peer PublicKey) (byte, bool) {
	for i, slot := range c.links {
		if slot.set && slot.peer == peer {
			return byte(i + minConnectionID), true
		}
	}
	return 0, false
}

// insertConnectionID assigns peer to the lowest free slot. ok is false when
// every slot is occupied.
func (c *Client) insertConnectionID(peer PublicKey) (id byte, ok bool) {
	for i := range c.links {
		if !c.links[i].set {
			c.links[i] = linkSlot{peer: peer, set: true}
			return byte(i + minConnectionID), true
		}
	}
	return 0, false
}

// getLink returns the peer linked at wire id. Caller must have already
// validated id >= minConnectionID.
func (c *Client) getLink(id byte) (PublicKey, bool) {
	slot := c.links[id-minConnectionID]
	if !slot.set {
		return PublicKey{}, false
	}
	return slot.peer, true
}

// takeLink removes and returns the link at wire id, if present.
func (c *Client) takeLink(id byte) (PublicKey, bool) {
	idx := id - minConnectionID
	slot := c.links[idx]
	if !slot.set {
		return PublicKey{}, false
	}
	c.links[idx] = linkSlot{}
	return slot.peer, true
}
