package relay

import "encoding/binary"

// PacketTag is the first byte of a decrypted frame payload, selecting the
// packet variant per the wire grammar.
type PacketTag byte

const (
	TagRouteRequest           PacketTag = 0
	TagRouteResponse          PacketTag = 1
	TagConnectNotification    PacketTag = 2
	TagDisconnectNotification PacketTag = 3
	TagPingRequest            PacketTag = 4
	TagPongResponse           PacketTag = 5
	TagOobSend                PacketTag = 6
	TagOobReceive             PacketTag = 7
	minDataTag                PacketTag = 0x10
)

const (
	minConnectionID = 16
	maxLinkSlots    = 240
	maxOOBSize      = 1024
	maxDataSize     = 2031
)

// Packet is the decrypted, tagged payload of one frame.
type Packet interface {
	isPacket()
}

type RouteRequest struct{ PeerPublic PublicKey }

type RouteResponse struct {
	ConnectionID byte
	PeerPublic   PublicKey
}

type ConnectNotification struct{ ConnectionID byte }

type DisconnectNotification struct{ ConnectionID byte }

type PingRequest struct{ PingID uint64 }

type PongResponse struct{ PingID uint64 }

type OobSend struct {
	Dest PublicKey
	Data []byte
}

type OobReceive struct {
	Sender PublicKey
	Data   []byte
}

// Data carries forwarded bytes over an active link. ConnectionID doubles as
// the wire tag (16..=255).
type Data struct {
	ConnectionID byte
	Payload      []byte
}

func (*RouteRequest) isPacket()           {}
func (*RouteResponse) isPacket()          {}
func (*ConnectNotification) isPacket()    {}
func (*DisconnectNotification) isPacket() {}
func (*PingRequest) isPacket()            {}
func (*PongResponse) isPacket()           {}
func (*OobSend) isPacket()                {}
func (*OobReceive) isPacket()             {}
func (*Data) isPacket()                   {}

// EncodePacket serializes p into a plaintext payload of at most
// MaxPlaintextSize bytes.
func EncodePacket(p Packet) ([]byte, error) {
	switch v := p.(type) {
	case *RouteRequest:
		out := make([]byte, 1+PublicKeySize)
		out[0] = byte(TagRouteRequest)
		copy(out[1:], v.PeerPublic[:])
		return out, nil

	case *RouteResponse:
		out := make([]byte, 2+PublicKeySize)
		out[0] = byte(TagRouteResponse)
		out[1] = v.ConnectionID
		copy(out[2:], v.PeerPublic[:])
		return out, nil

	case *ConnectNotification:
		return []byte{byte(TagConnectNotification), v.ConnectionID}, nil

	case *DisconnectNotification:
		return []byte{byte(TagDisconnectNotification), v.ConnectionID}, nil

	case *PingRequest:
		out := make([]byte, 9)
		out[0] = byte(TagPingRequest)
		binary.BigEndian.PutUint64(out[1:], v.PingID)
		return out, nil

	case *PongResponse:
		out := make([]byte, 9)
		out[0] = byte(TagPongResponse)
		binary.BigEndian.PutUint64(out[1:], v.PingID)
		return out, nil

	case *OobSend:
		if len(v.Data) < 1 || len(v.Data) > maxOOBSize {
			return nil, &PacketParseError{Reason: "oob payload out of bounds"}
		}
		out := make([]byte, 1+PublicKeySize+len(v.Data))
		out[0] = byte(TagOobSend)
		copy(out[1:], v.Dest[:])
		copy(out[1+PublicKeySize:], v.Data)
		return out, nil

	case *OobReceive:
		if len(v.Data) < 1 || len(v.Data) > maxOOBSize {
			return nil, &PacketParseError{Reason: "oob payload out of bounds"}
		}
		out := make([]byte, 1+PublicKeySize+len(v.Data))
		out[0] = byte(TagOobReceive)
		copy(out[1:], v.Sender[:])
		copy(out[1+PublicKeySize:], v.Data)
		return out, nil

	case *Data:
		if v.ConnectionID < minConnectionID {
			return nil, &PacketParseError{Reason: "data connection id reserved"}
		}
		if len(v.Payload) < 1 || len(v.Payload) > maxDataSize {
			return nil, &PacketParseError{Reason: "data payload out of bounds"}
		}
		out := make([]byte, 1+len(v.Payload))
		out[0] = v.ConnectionID
		copy(out[1:], v.Payload)
		return out, nil

	default:
		return nil, &PacketParseError{Reason: "unknown packet type"}
	}
}

// DecodePacket parses a plaintext payload. The payload must be fully
// consumed by exactly one variant; there is no trailing data.
func DecodePacket(buf []byte) (Packet, error) {
	if len(buf) == 0 {
		return nil, &PacketParseError{Reason: "empty packet"}
	}
	tag := buf[0]

	switch {
	case tag == byte(TagRouteRequest):
		if len(buf) != 1+PublicKeySize {
			return nil, &PacketParseError{Reason: "bad RouteRequest length"}
		}
		var pk PublicKey
		copy(pk[:], buf[1:])
		return &RouteRequest{PeerPublic: pk}, nil

	case tag == byte(TagRouteResponse):
		if len(buf) != 2+PublicKeySize {
			return nil, &PacketParseError{Reason: "bad RouteResponse length"}
		}
		var pk PublicKey
		copy(pk[:], buf[2:])
		return &RouteResponse{ConnectionID: buf[1], PeerPublic: pk}, nil

	case tag == byte(TagConnectNotification):
		if len(buf) != 2 {
			return nil, &PacketParseError{Reason: "bad ConnectNotification length"}
		}
		return &ConnectNotification{ConnectionID: buf[1]}, nil

	case tag == byte(TagDisconnectNotification):
		if len(buf) != 2 {
			return nil, &PacketParseError{Reason: "bad DisconnectNotification length"}
		}
		return &DisconnectNotification{ConnectionID: buf[1]}, nil

	case tag == byte(TagPingRequest):
		if len(buf) != 9 {
			return nil, &PacketParseError{Reason: "bad PingRequest length"}
		}
		return &PingRequest{PingID: binary.BigEndian.Uint64(buf[1:])}, nil

	case tag == byte(TagPongResponse):
		if len(buf) != 9 {
			return nil, &PacketParseError{Reason: "bad PongResponse length"}
		}
		return &PongResponse{PingID: binary.BigEndian.Uint64(buf[1:])}, nil

	case tag == byte(TagOobSend):
		if len(buf) < 1+PublicKeySize+1 || len(buf) > 1+PublicKeySize+maxOOBSize {
			return nil, &PacketParseError{Reason: "oob payload out of bounds"}
		}
		var pk PublicKey
		copy(pk[:], buf[1:1+PublicKeySize])
		data := buf[1+PublicKeySize:]
		return &OobSend{Dest: pk, Data: append([]byte(nil), data...)}, nil

	case tag == byte(TagOobReceive):
		if len(buf) < 1+PublicKeySize+1 || len(buf) > 1+PublicKeySize+maxOOBSize {
			return nil, &PacketParseError{Reason: "oob payload out of bounds"}
		}
		var pk PublicKey
		copy(pk[:], buf[1:1+PublicKeySize])
		data := buf[1+PublicKeySize:]
		return &OobReceive{Sender: pk, Data: append([]byte(nil), data...)}, nil

	case tag >= byte(minDataTag):
		payload := buf[1:]
		if len(payload) < 1 || len(payload) > maxDataSize {
			return nil, &PacketParseError{Reason: "data payload out of bounds"}
		}
		return &Data{ConnectionID: tag, Payload: append([]byte(nil), payload...)}, nil

	default:
		return nil, &PacketParseError{Reason: "unknown tag"}
	}
}
