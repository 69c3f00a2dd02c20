package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Run drives the ping/timeout policy described in the ping-driver design
// note: every pingInterval, send a fresh PingRequest to each connected
// client and force-disconnect any client that hasn't answered a ping within
// 2*pingInterval. It blocks until ctx is cancelled. Embedders of the bare
// Server that don't want this policy simply never call Run.
//
// Grounded on the donor's LeaseManager ticker idiom (relaydns/lease.go).
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingSweep()
		}
	}
}

func (s *Server) pingSweep() {
	now := time.Now()
	timeout := 2 * s.pingInterval

	type target struct {
		client *Client
		id     uint64
	}
	var toPing []target
	var toDrop []*Client

	s.mu.Lock()
	for _, c := range s.clients {
		if now.Sub(c.lastPongAt) > timeout {
			toDrop = append(toDrop, c)
			continue
		}
		id := randomPingID()
		c.pingID = id
		toPing = append(toPing, target{client: c, id: id})
	}
	s.mu.Unlock()

	for _, t := range toPing {
		t.client.send(&PingRequest{PingID: t.id})
	}
	for _, c := range toDrop {
		c.close()
	}
}

func randomPingID() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			continue
		}
		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id
		}
	}
}
