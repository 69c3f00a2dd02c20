package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	identity, err := GenerateKeyPair()
	require.NoError(t, err)
	return NewServer(identity)
}

func newTestClient(t *testing.T, s *Server) *Client {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	c := newClient(kp.Public, defaultOutboundQueueDepth)
	s.admit(c)
	return c
}

func recvPacket(t *testing.T, c *Client) Packet {
	t.Helper()
	select {
	case p := <-c.tx:
		return p
	default:
		t.Fatalf("expected a queued packet for %s, found none", c.PublicKey())
		return nil
	}
}

// Happy path: A requests a route to B, B requests a route to A, both get
// ConnectNotification once the link is mutual.
func TestRouteRequestHappyPath(t *testing.T) {
	s := newTestServer(t)
	a := newTestClient(t, s)
	b := newTestClient(t, s)

	require.NoError(t, s.dispatch(a, &RouteRequest{PeerPublic: b.publicKey}))
	resp := recvPacket(t, a).(*RouteResponse)
	require.NotZero(t, resp.ConnectionID)
	require.Equal(t, b.publicKey, resp.PeerPublic)

	require.NoError(t, s.dispatch(b, &RouteRequest{PeerPublic: a.publicKey}))
	respB := recvPacket(t, b).(*RouteResponse)
	require.NotZero(t, respB.ConnectionID)

	noteA := recvPacket(t, a).(*ConnectNotification)
	require.Equal(t, resp.ConnectionID, noteA.ConnectionID)
	noteB := recvPacket(t, b).(*ConnectNotification)
	require.Equal(t, respB.ConnectionID, noteB.ConnectionID)
}

// Self-route: a RouteRequest naming the sender's own key gets connection id 0.
func TestRouteRequestSelfRoute(t *testing.T) {
	s := newTestServer(t)
	a := newTestClient(t, s)

	require.NoError(t, s.dispatch(a, &RouteRequest{PeerPublic: a.publicKey}))
	resp := recvPacket(t, a).(*RouteResponse)
	require.Zero(t, resp.ConnectionID)
	require.Equal(t, a.publicKey, resp.PeerPublic)
}

// Capacity exhaustion: once all 240 slots are taken, a further distinct
// RouteRequest gets connection id 0 rather than an error.
func TestRouteRequestCapacityExhaustion(t *testing.T) {
	s := newTestServer(t)
	a := newTestClient(t, s)

	for i := 0; i < maxLinkSlots; i++ {
		peer, err := GenerateKeyPair()
		require.NoError(t, err)
		require.NoError(t, s.dispatch(a, &RouteRequest{PeerPublic: peer.Public}))
		resp := recvPacket(t, a).(*RouteResponse)
		require.NotZero(t, resp.ConnectionID)
	}

	overflow, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, s.dispatch(a, &RouteRequest{PeerPublic: overflow.Public}))
	resp := recvPacket(t, a).(*RouteResponse)
	require.Zero(t, resp.ConnectionID)
}

// Errors that close the sender: Data sent at a reserved connection id is a
// ProtocolError, which HandleConnection's readLoop treats as fatal to the
// sender (tested here at the dispatch layer that readLoop relies on).
func TestDataAtReservedConnectionIDIsProtocolError(t *testing.T) {
	s := newTestServer(t)
	a := newTestClient(t, s)

	err := s.dispatch(a, &Data{ConnectionID: 5, Payload: []byte{1}})
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

// Asymmetric link: A has requested a route to B but B has not reciprocated,
// so Data from A addressed at that connection id is silently dropped (no
// error, nothing delivered to B) rather than forwarded.
func TestDataOverAsymmetricLinkIsDropped(t *testing.T) {
	s := newTestServer(t)
	a := newTestClient(t, s)
	b := newTestClient(t, s)

	require.NoError(t, s.dispatch(a, &RouteRequest{PeerPublic: b.publicKey}))
	resp := recvPacket(t, a).(*RouteResponse)

	require.NoError(t, s.dispatch(a, &Data{ConnectionID: resp.ConnectionID, Payload: []byte("ping")}))
	select {
	case p := <-b.tx:
		t.Fatalf("expected nothing delivered to b over an asymmetric link, got %#v", p)
	default:
	}
}

// Backpressure: a full outbound queue surfaces a BackpressureError from a
// primary response (RouteResponse) but does not error the dispatch of a
// best-effort Data forward — it is silently dropped instead.
func TestBackpressureOnPrimaryResponse(t *testing.T) {
	s := newTestServer(t)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	a := newClient(kp.Public, 1)
	s.admit(a)
	a.tx <- &PingRequest{PingID: 1} // fill the one-deep queue

	err = s.dispatch(a, &RouteRequest{PeerPublic: a.publicKey})
	require.Error(t, err)
	var bpErr *BackpressureError
	require.ErrorAs(t, err, &bpErr)
}

func TestBackpressureOnForwardedDataIsSilent(t *testing.T) {
	s := newTestServer(t)
	a := newTestClient(t, s)
	bkp, err := GenerateKeyPair()
	require.NoError(t, err)
	b := newClient(bkp.Public, 1)
	s.admit(b)

	require.NoError(t, s.dispatch(a, &RouteRequest{PeerPublic: b.publicKey}))
	respA := recvPacket(t, a).(*RouteResponse)
	require.NoError(t, s.dispatch(b, &RouteRequest{PeerPublic: a.publicKey}))
	recvPacket(t, b) // RouteResponse
	recvPacket(t, a) // ConnectNotification
	b.tx <- &PingRequest{PingID: 1} // fill b's one-deep queue so the forward can't land

	require.NoError(t, s.dispatch(a, &Data{ConnectionID: respA.ConnectionID, Payload: []byte("x")}))
}

// DisconnectNotification is idempotent: a second send for the same
// connection id, after the link has already been taken, is a ProtocolError
// (no link at connection id) rather than a duplicate notification.
func TestDisconnectNotificationIdempotent(t *testing.T) {
	s := newTestServer(t)
	a := newTestClient(t, s)
	b := newTestClient(t, s)

	require.NoError(t, s.dispatch(a, &RouteRequest{PeerPublic: b.publicKey}))
	respA := recvPacket(t, a).(*RouteResponse)
	require.NoError(t, s.dispatch(b, &RouteRequest{PeerPublic: a.publicKey}))
	recvPacket(t, b) // RouteResponse
	recvPacket(t, a) // ConnectNotification
	recvPacket(t, b) // ConnectNotification

	require.NoError(t, s.dispatch(a, &DisconnectNotification{ConnectionID: respA.ConnectionID}))
	noteB := recvPacket(t, b).(*DisconnectNotification)
	require.NotZero(t, noteB.ConnectionID)

	err := s.dispatch(a, &DisconnectNotification{ConnectionID: respA.ConnectionID})
	require.Error(t, err)
}

// shutdown notifies linked peers on a real disconnect.
func TestShutdownNotifiesLinkedPeers(t *testing.T) {
	s := newTestServer(t)
	a := newTestClient(t, s)
	b := newTestClient(t, s)

	require.NoError(t, s.dispatch(a, &RouteRequest{PeerPublic: b.publicKey}))
	recvPacket(t, a)
	require.NoError(t, s.dispatch(b, &RouteRequest{PeerPublic: a.publicKey}))
	recvPacket(t, b) // RouteResponse
	recvPacket(t, a) // ConnectNotification
	recvPacket(t, b) // ConnectNotification

	s.shutdown(a)
	note := recvPacket(t, b).(*DisconnectNotification)
	require.NotZero(t, note.ConnectionID)
	require.Equal(t, 1, s.ClientCount())
}

// shutdown of a stale, already-evicted connection sends no notifications.
func TestShutdownOfEvictedConnectionIsSilent(t *testing.T) {
	s := newTestServer(t)
	a := newTestClient(t, s)
	b := newTestClient(t, s)

	require.NoError(t, s.dispatch(a, &RouteRequest{PeerPublic: b.publicKey}))
	recvPacket(t, a)
	require.NoError(t, s.dispatch(b, &RouteRequest{PeerPublic: a.publicKey}))
	recvPacket(t, b) // RouteResponse
	recvPacket(t, a) // ConnectNotification
	recvPacket(t, b) // ConnectNotification

	replacement := newClient(a.publicKey, defaultOutboundQueueDepth)
	s.admit(replacement) // evicts the original a

	s.shutdown(a)
	select {
	case p := <-b.tx:
		t.Fatalf("expected no notification from a stale eviction, got %#v", p)
	default:
	}
	require.Equal(t, 2, s.ClientCount())
}
