package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultWriteTimeout = 30 * time.Second
	defaultPingInterval = 30 * time.Second
)

// ServerOption configures optional Server behavior at construction time.
type ServerOption func(*Server)

func WithOutboundQueueDepth(n int) ServerOption {
	return func(s *Server) { s.queueDepth = n }
}

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.writeTimeout = d }
}

func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.pingInterval = d }
}

func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// Server is the routing core. It owns the map of connected clients and is
// the sole mutual-exclusion region guarding both that map and every
// client's link table — handlers hold s.mu while indexing into one or two
// clients' state, but never while sending on a client's outbound channel or
// performing transport I/O.
type Server struct {
	identity KeyPair

	mu      sync.Mutex
	clients map[PublicKey]*Client

	queueDepth   int
	writeTimeout time.Duration
	pingInterval time.Duration
	log          zerolog.Logger
}

func NewServer(identity KeyPair, opts ...ServerOption) *Server {
	s := &Server{
		identity:     identity,
		clients:      make(map[PublicKey]*Client),
		queueDepth:   defaultOutboundQueueDepth,
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PublicKey returns the server's long-term identity public key.
func (s *Server) PublicKey() PublicKey { return s.identity.Public }

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// LinkCount returns the total number of occupied link-table slots across all
// connected clients.
func (s *Server) LinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.clients {
		for _, slot := range c.links {
			if slot.set {
				total++
			}
		}
	}
	return total
}

// HandleConnection runs the handshake, then the read/dispatch/write loop,
// for one accepted TCP connection. It blocks until the connection is torn
// down. Callers typically invoke it in its own goroutine per accept.
func (s *Server) HandleConnection(ctx context.Context, conn net.Conn) {
	channel, peerPK, err := ServerHandshake(conn, s.identity)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake failed")
		conn.Close()
		return
	}

	client := newClient(peerPK, s.queueDepth)
	s.admit(client)
	s.log.Info().Str("peer", peerPK.String()).Msg("client connected")

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeConn()
		defer client.close()
		s.readLoop(conn, channel, client)
	}()
	go func() {
		defer wg.Done()
		defer closeConn()
		s.writeLoop(client, conn, channel)
	}()
	wg.Wait()

	s.shutdown(client)
	s.log.Info().Str("peer", peerPK.String()).Msg("client disconnected")
}

func (s *Server) readLoop(conn net.Conn, channel *Channel, client *Client) {
	fr := NewFrameReader(conn, channel)
	for {
		packet, err := fr.ReadPacket()
		if err != nil {
			return
		}
		if err := s.dispatch(client, packet); err != nil {
			s.log.Debug().Err(err).Str("peer", client.PublicKey().String()).Msg("dispatch error, closing sender")
			return
		}
	}
}

func (s *Server) writeLoop(client *Client, conn net.Conn, channel *Channel) {
	fw := NewFrameWriter(conn, channel)
	for {
		select {
		case <-client.done:
			return
		case packet := <-client.tx:
			if s.writeTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := fw.WritePacket(packet); err != nil {
				return
			}
		}
	}
}

// admit inserts client into the map. A pre-existing entry for the same
// public key is evicted: its writer goroutine observes done closed, the
// connection is torn down, and its eventual shutdown call becomes a no-op
// against the map (see shutdown).
func (s *Server) admit(client *Client) {
	s.mu.Lock()
	if old, ok := s.clients[client.publicKey]; ok {
		old.close()
	}
	s.clients[client.publicKey] = client
	s.mu.Unlock()
}

// shutdown removes client from the map (if it is still the active entry)
// and, per §4.4.1, notifies every linked peer that still holds a back-link
// to client.
func (s *Server) shutdown(client *Client) {
	type notice struct {
		peer *Client
		id   byte
	}

	s.mu.Lock()
	if s.clients[client.publicKey] == client {
		delete(s.clients, client.publicKey)
	} else {
		// already evicted by a newer connection from the same key; no
		// notifications for an eviction, only for a real disconnect.
		s.mu.Unlock()
		client.close()
		return
	}

	var notices []notice
	for _, slot := range client.links {
		if !slot.set {
			continue
		}
		other, ok := s.clients[slot.peer]
		if !ok {
			continue
		}
		if j, ok := other.getConnectionID(client.publicKey); ok {
			notices = append(notices, notice{peer: other, id: j})
		}
	}
	s.mu.Unlock()

	client.close()
	for _, n := range notices {
		n.peer.send(&DisconnectNotification{ConnectionID: n.id})
	}
}

func (s *Server) dispatch(sender *Client, packet Packet) error {
	switch p := packet.(type) {
	case *RouteRequest:
		return s.handleRouteRequest(sender, p)
	case *RouteResponse:
		return &ProtocolError{Reason: "client may not send RouteResponse"}
	case *ConnectNotification:
		return nil
	case *DisconnectNotification:
		return s.handleDisconnectNotification(sender, p)
	case *PingRequest:
		return s.handlePingRequest(sender, p)
	case *PongResponse:
		return s.handlePongResponse(sender, p)
	case *OobSend:
		return s.handleOobSend(sender, p)
	case *OobReceive:
		return &ProtocolError{Reason: "client may not send OobReceive"}
	case *Data:
		return s.handleData(sender, p)
	default:
		return &ProtocolError{Reason: "unknown packet type"}
	}
}

func (s *Server) handleRouteRequest(sender *Client, p *RouteRequest) error {
	a := sender
	b := p.PeerPublic

	s.mu.Lock()
	if _, ok := s.clients[a.publicKey]; !ok {
		s.mu.Unlock()
		return &ProtocolError{Reason: "unknown sender"}
	}

	if a.publicKey == b {
		s.mu.Unlock()
		return a.sendPrimary(&RouteResponse{ConnectionID: 0, PeerPublic: a.publicKey})
	}

	if existing, ok := a.getConnectionID(b); ok {
		s.mu.Unlock()
		return a.sendPrimary(&RouteResponse{ConnectionID: existing, PeerPublic: b})
	}

	id, ok := a.insertConnectionID(b)
	if !ok {
		s.mu.Unlock()
		return a.sendPrimary(&RouteResponse{ConnectionID: 0, PeerPublic: b})
	}

	var bClient *Client
	var j byte
	var mutual bool
	if bc, ok := s.clients[b]; ok {
		if jj, ok := bc.getConnectionID(a.publicKey); ok {
			bClient, j, mutual = bc, jj, true
		}
	}
	s.mu.Unlock()

	if err := a.sendPrimary(&RouteResponse{ConnectionID: id, PeerPublic: b}); err != nil {
		return err
	}

	if mutual {
		a.send(&ConnectNotification{ConnectionID: id})
		bClient.send(&ConnectNotification{ConnectionID: j})
	}
	return nil
}

func (s *Server) handleDisconnectNotification(sender *Client, p *DisconnectNotification) error {
	a := sender
	if p.ConnectionID < minConnectionID {
		return &ProtocolError{Reason: "reserved connection id"}
	}

	s.mu.Lock()
	b, ok := a.takeLink(p.ConnectionID)
	if !ok {
		s.mu.Unlock()
		return &ProtocolError{Reason: "no link at connection id"}
	}

	var bClient *Client
	var j byte
	var notify bool
	if bc, ok := s.clients[b]; ok {
		if jj, ok := bc.getConnectionID(a.publicKey); ok {
			bc.takeLink(jj)
			bClient, j, notify = bc, jj, true
		}
	}
	s.mu.Unlock()

	if notify {
		bClient.send(&DisconnectNotification{ConnectionID: j})
	}
	return nil
}

func (s *Server) handlePingRequest(sender *Client, p *PingRequest) error {
	if p.PingID == 0 {
		return &ProtocolError{Reason: "ping id zero"}
	}
	s.mu.Lock()
	_, ok := s.clients[sender.publicKey]
	s.mu.Unlock()
	if !ok {
		return &ProtocolError{Reason: "unknown sender"}
	}
	return sender.sendPrimary(&PongResponse{PingID: p.PingID})
}

func (s *Server) handlePongResponse(sender *Client, p *PongResponse) error {
	if p.PingID == 0 {
		return &ProtocolError{Reason: "pong id zero"}
	}

	s.mu.Lock()
	if _, ok := s.clients[sender.publicKey]; !ok {
		s.mu.Unlock()
		return &ProtocolError{Reason: "unknown sender"}
	}
	match := sender.pingID == p.PingID
	if match {
		sender.lastPongAt = time.Now()
	}
	s.mu.Unlock()

	if !match {
		return &ProtocolError{Reason: "pong id mismatch"}
	}
	return nil
}

func (s *Server) handleOobSend(sender *Client, p *OobSend) error {
	if len(p.Data) == 0 || len(p.Data) > maxOOBSize {
		return &ProtocolError{Reason: "oob payload out of bounds"}
	}
	s.mu.Lock()
	dest, ok := s.clients[p.Dest]
	s.mu.Unlock()
	if ok {
		dest.send(&OobReceive{Sender: sender.publicKey, Data: p.Data})
	}
	return nil
}

func (s *Server) handleData(sender *Client, p *Data) error {
	a := sender
	if p.ConnectionID < minConnectionID {
		return &ProtocolError{Reason: "reserved connection id"}
	}

	s.mu.Lock()
	if _, ok := s.clients[a.publicKey]; !ok {
		s.mu.Unlock()
		return &ProtocolError{Reason: "unknown sender"}
	}
	b, ok := a.getLink(p.ConnectionID)
	if !ok {
		s.mu.Unlock()
		return &ProtocolError{Reason: "no link at connection id"}
	}

	var bClient *Client
	var j byte
	var forward bool
	if bc, ok := s.clients[b]; ok {
		if jj, ok := bc.getConnectionID(a.publicKey); ok {
			bClient, j, forward = bc, jj, true
		}
	}
	s.mu.Unlock()

	if forward {
		bClient.send(&Data{ConnectionID: j, Payload: p.Payload})
	}
	return nil
}
