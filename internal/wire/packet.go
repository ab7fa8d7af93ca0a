// Package wire defines the on-wire binary contract between the bonded
// sender and receiver: one data packet shape and a closed set of control
// message subtypes. Decode is total: any byte sequence either produces a
// fully-formed message or a typed error.
package wire

import (
	"github.com/google/uuid"

	"github.com/bondcast/core/internal/classify"
)

const (
	// ProtocolVersion is the wire format version carried in every header.
	ProtocolVersion = 1

	// headerLen is Version(1) + Type(1) + SessionID(16) + BodyLen(2).
	headerLen = 20

	// MaxPayload bounds a data packet payload so every packet fits a
	// single datagram under common path MTUs.
	MaxPayload = 1200
)

// MessageType discriminates the two top-level packet categories.
type MessageType uint8

const (
	TypeData    MessageType = 0x01
	TypeControl MessageType = 0x02
)

// ControlType discriminates control message bodies. The byte values are
// stable wire identifiers; new subtypes must extend, never renumber.
type ControlType uint8

const (
	CtrlAck        ControlType = 0x01
	CtrlNack       ControlType = 0x02
	CtrlFecRepair  ControlType = 0x03
	CtrlLinkReport ControlType = 0x04
	CtrlBitrateCmd ControlType = 0x05
	CtrlPing       ControlType = 0x06
	CtrlPong       ControlType = 0x07
	CtrlSession    ControlType = 0x08
)

func (t ControlType) String() string {
	switch t {
	case CtrlAck:
		return "ack"
	case CtrlNack:
		return "nack"
	case CtrlFecRepair:
		return "fec-repair"
	case CtrlLinkReport:
		return "link-report"
	case CtrlBitrateCmd:
		return "bitrate-cmd"
	case CtrlPing:
		return "ping"
	case CtrlPong:
		return "pong"
	case CtrlSession:
		return "session"
	default:
		return "unknown"
	}
}

// Message is either a *DataPacket or a *ControlPacket.
type Message interface {
	SessionID() uuid.UUID
}

// DataPacket carries one fragment of a classified media unit.
type DataPacket struct {
	Session    uuid.UUID
	Seq        uint64
	Tier       classify.Tier
	GroupID    uint32 // FEC group this packet belongs to
	GroupIndex uint8  // data shard index within the group
	FragIndex  uint8
	FragCount  uint8
	Checksum   uint64 // blake3 prefix of Payload
	Payload    []byte
}

func (p *DataPacket) SessionID() uuid.UUID { return p.Session }

// ControlPacket wraps one control body with its session id.
type ControlPacket struct {
	Session uuid.UUID
	Body    Control
}

func (p *ControlPacket) SessionID() uuid.UUID { return p.Session }

// Control is the closed sum over control bodies. Exactly one struct per
// subtype implements it; the decoder is exhaustive over these cases.
type Control interface {
	ControlType() ControlType
}

// Ack acknowledges delivery of a sequence number.
type Ack struct {
	Seq uint64
}

// Nack requests retransmission of Count sequence numbers starting at Seq.
type Nack struct {
	Seq   uint64
	Count uint16
}

// FecRepair carries one parity shard for a FEC group.
type FecRepair struct {
	GroupID uint32
	Index   uint8 // shard index in [K, K+R)
	K       uint8 // data shards in the group
	R       uint8 // parity shards in the group
	BaseSeq uint64
	Shard   []byte
}

// LinkReport feeds the sender's per-link estimates. The receiver produces
// one per link per report interval: Received is its cumulative data packet
// count on the link, so the sender can derive loss from its own send
// counter; JitterMicros is the interarrival jitter it measured. A modem
// agent can instead fill RTT/loss/score/band from radio telemetry. Score
// and loss travel as permille to keep the body fixed-width.
type LinkReport struct {
	Link          uuid.UUID
	Received      uint64
	JitterMicros  uint32
	RTTMillis     uint32
	BandwidthKbps uint32
	LossPermille  uint16
	ScorePermille uint16
	Band          uint8
}

// BitrateCmd sets the encoder bitrate ceiling for the stream.
type BitrateCmd struct {
	BitrateKbps uint32
}

// Ping probes link liveness and RTT.
type Ping struct {
	Nonce        uint64
	SentUnixNano int64
}

// Pong answers a Ping, echoing its nonce and send time.
type Pong struct {
	Nonce        uint64
	EchoUnixNano int64
}

// Session actions.
const (
	SessionOpen  uint8 = 1
	SessionClose uint8 = 2
)

// SessionControl opens or closes a bonded session.
type SessionControl struct {
	Action uint8
	Links  uint8 // advertised link count on open
}

func (Ack) ControlType() ControlType            { return CtrlAck }
func (Nack) ControlType() ControlType           { return CtrlNack }
func (FecRepair) ControlType() ControlType      { return CtrlFecRepair }
func (LinkReport) ControlType() ControlType     { return CtrlLinkReport }
func (BitrateCmd) ControlType() ControlType     { return CtrlBitrateCmd }
func (Ping) ControlType() ControlType           { return CtrlPing }
func (Pong) ControlType() ControlType           { return CtrlPong }
func (SessionControl) ControlType() ControlType { return CtrlSession }
