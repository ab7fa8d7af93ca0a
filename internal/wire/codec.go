package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/bondcast/core/internal/classify"
)

var (
	ErrShortBuffer    = errors.New("wire: buffer too short")
	ErrBadVersion     = errors.New("wire: unsupported protocol version")
	ErrUnknownType    = errors.New("wire: unknown message type")
	ErrUnknownSubtype = errors.New("wire: unknown control subtype")
	ErrLengthMismatch = errors.New("wire: declared length exceeds buffer")
	ErrOversize       = errors.New("wire: field exceeds maximum size")
)

// PayloadChecksum returns the checksum carried in data packet headers:
// the first 8 bytes of the payload's blake3 digest.
func PayloadChecksum(payload []byte) uint64 {
	sum := blake3.Sum256(payload)
	return binary.BigEndian.Uint64(sum[:8])
}

// Encode serializes a message into a fresh buffer.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *DataPacket:
		return encodeData(v)
	case *ControlPacket:
		return encodeControl(v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

func header(t MessageType, session uuid.UUID, bodyLen int) ([]byte, error) {
	if bodyLen > 0xFFFF {
		return nil, fmt.Errorf("%w: body %d bytes", ErrOversize, bodyLen)
	}
	buf := make([]byte, 0, headerLen+bodyLen)
	buf = append(buf, ProtocolVersion, byte(t))
	buf = append(buf, session[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(bodyLen))
	return buf, nil
}

func encodeData(p *DataPacket) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrOversize, len(p.Payload))
	}
	bodyLen := 8 + 1 + 4 + 1 + 1 + 1 + 8 + 2 + len(p.Payload)
	buf, err := header(TypeData, p.Session, bodyLen)
	if err != nil {
		return nil, err
	}
	buf = binary.BigEndian.AppendUint64(buf, p.Seq)
	buf = append(buf, byte(p.Tier))
	buf = binary.BigEndian.AppendUint32(buf, p.GroupID)
	buf = append(buf, p.GroupIndex, p.FragIndex, p.FragCount)
	buf = binary.BigEndian.AppendUint64(buf, p.Checksum)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Payload)))
	buf = append(buf, p.Payload...)
	return buf, nil
}

func encodeControl(p *ControlPacket) ([]byte, error) {
	var body []byte
	switch v := p.Body.(type) {
	case Ack:
		body = binary.BigEndian.AppendUint64(nil, v.Seq)
	case Nack:
		body = binary.BigEndian.AppendUint64(nil, v.Seq)
		body = binary.BigEndian.AppendUint16(body, v.Count)
	case FecRepair:
		if len(v.Shard) > 0xFFFF-17 {
			return nil, fmt.Errorf("%w: shard %d bytes", ErrOversize, len(v.Shard))
		}
		body = binary.BigEndian.AppendUint32(nil, v.GroupID)
		body = append(body, v.Index, v.K, v.R)
		body = binary.BigEndian.AppendUint64(body, v.BaseSeq)
		body = binary.BigEndian.AppendUint16(body, uint16(len(v.Shard)))
		body = append(body, v.Shard...)
	case LinkReport:
		body = append(body, v.Link[:]...)
		body = binary.BigEndian.AppendUint64(body, v.Received)
		body = binary.BigEndian.AppendUint32(body, v.JitterMicros)
		body = binary.BigEndian.AppendUint32(body, v.RTTMillis)
		body = binary.BigEndian.AppendUint32(body, v.BandwidthKbps)
		body = binary.BigEndian.AppendUint16(body, v.LossPermille)
		body = binary.BigEndian.AppendUint16(body, v.ScorePermille)
		body = append(body, v.Band)
	case BitrateCmd:
		body = binary.BigEndian.AppendUint32(nil, v.BitrateKbps)
	case Ping:
		body = binary.BigEndian.AppendUint64(nil, v.Nonce)
		body = binary.BigEndian.AppendUint64(body, uint64(v.SentUnixNano))
	case Pong:
		body = binary.BigEndian.AppendUint64(nil, v.Nonce)
		body = binary.BigEndian.AppendUint64(body, uint64(v.EchoUnixNano))
	case SessionControl:
		body = append(body, v.Action, v.Links)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownSubtype, p.Body)
	}
	buf, err := header(TypeControl, p.Session, 1+len(body))
	if err != nil {
		return nil, err
	}
	buf = append(buf, byte(p.Body.ControlType()))
	buf = append(buf, body...)
	return buf, nil
}

// Decode parses one message from buf. It never panics: every field length
// is explicit and checked against the remaining buffer, and any violation
// returns a typed error.
func Decode(buf []byte) (Message, error) {
	r := reader{buf: buf}
	version, err := r.u8()
	if err != nil {
		return nil, err
	}
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	typ, err := r.u8()
	if err != nil {
		return nil, err
	}
	session, err := r.uuid()
	if err != nil {
		return nil, err
	}
	bodyLen, err := r.u16()
	if err != nil {
		return nil, err
	}
	if int(bodyLen) != r.remaining() {
		return nil, fmt.Errorf("%w: body declares %d, %d remain", ErrLengthMismatch, bodyLen, r.remaining())
	}
	switch MessageType(typ) {
	case TypeData:
		return decodeData(&r, session)
	case TypeControl:
		return decodeControl(&r, session)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, typ)
	}
}

func decodeData(r *reader, session uuid.UUID) (Message, error) {
	p := &DataPacket{Session: session}
	var err error
	if p.Seq, err = r.u64(); err != nil {
		return nil, err
	}
	tier, err := r.u8()
	if err != nil {
		return nil, err
	}
	if tier > uint8(classify.TierParameterSet) {
		return nil, fmt.Errorf("%w: tier 0x%02x", ErrUnknownType, tier)
	}
	p.Tier = classify.Tier(tier)
	if p.GroupID, err = r.u32(); err != nil {
		return nil, err
	}
	if p.GroupIndex, err = r.u8(); err != nil {
		return nil, err
	}
	if p.FragIndex, err = r.u8(); err != nil {
		return nil, err
	}
	if p.FragCount, err = r.u8(); err != nil {
		return nil, err
	}
	if p.Checksum, err = r.u64(); err != nil {
		return nil, err
	}
	if p.Payload, err = r.lenBytes(); err != nil {
		return nil, err
	}
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrOversize, len(p.Payload))
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrLengthMismatch, r.remaining())
	}
	return p, nil
}

func decodeControl(r *reader, session uuid.UUID) (Message, error) {
	subtype, err := r.u8()
	if err != nil {
		return nil, err
	}
	var body Control
	switch ControlType(subtype) {
	case CtrlAck:
		var v Ack
		if v.Seq, err = r.u64(); err != nil {
			return nil, err
		}
		body = v
	case CtrlNack:
		var v Nack
		if v.Seq, err = r.u64(); err != nil {
			return nil, err
		}
		if v.Count, err = r.u16(); err != nil {
			return nil, err
		}
		body = v
	case CtrlFecRepair:
		var v FecRepair
		if v.GroupID, err = r.u32(); err != nil {
			return nil, err
		}
		if v.Index, err = r.u8(); err != nil {
			return nil, err
		}
		if v.K, err = r.u8(); err != nil {
			return nil, err
		}
		if v.R, err = r.u8(); err != nil {
			return nil, err
		}
		if v.BaseSeq, err = r.u64(); err != nil {
			return nil, err
		}
		if v.Shard, err = r.lenBytes(); err != nil {
			return nil, err
		}
		body = v
	case CtrlLinkReport:
		var v LinkReport
		if v.Link, err = r.uuid(); err != nil {
			return nil, err
		}
		if v.Received, err = r.u64(); err != nil {
			return nil, err
		}
		if v.JitterMicros, err = r.u32(); err != nil {
			return nil, err
		}
		if v.RTTMillis, err = r.u32(); err != nil {
			return nil, err
		}
		if v.BandwidthKbps, err = r.u32(); err != nil {
			return nil, err
		}
		if v.LossPermille, err = r.u16(); err != nil {
			return nil, err
		}
		if v.ScorePermille, err = r.u16(); err != nil {
			return nil, err
		}
		if v.Band, err = r.u8(); err != nil {
			return nil, err
		}
		body = v
	case CtrlBitrateCmd:
		var v BitrateCmd
		if v.BitrateKbps, err = r.u32(); err != nil {
			return nil, err
		}
		body = v
	case CtrlPing:
		var v Ping
		if v.Nonce, err = r.u64(); err != nil {
			return nil, err
		}
		var ts uint64
		if ts, err = r.u64(); err != nil {
			return nil, err
		}
		v.SentUnixNano = int64(ts)
		body = v
	case CtrlPong:
		var v Pong
		if v.Nonce, err = r.u64(); err != nil {
			return nil, err
		}
		var ts uint64
		if ts, err = r.u64(); err != nil {
			return nil, err
		}
		v.EchoUnixNano = int64(ts)
		body = v
	case CtrlSession:
		var v SessionControl
		if v.Action, err = r.u8(); err != nil {
			return nil, err
		}
		if v.Links, err = r.u8(); err != nil {
			return nil, err
		}
		body = v
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownSubtype, subtype)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrLengthMismatch, r.remaining())
	}
	return &ControlPacket{Session: session, Body: body}, nil
}

// reader is a bounds-checked cursor over a byte buffer. All accessors
// return ErrShortBuffer instead of reading past the end.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) uuid() (uuid.UUID, error) {
	b, err := r.take(16)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	copy(id[:], b)
	return id, nil
}

// lenBytes reads a 16-bit length prefix then that many bytes, copying them
// out so the result does not alias the input buffer.
func (r *reader) lenBytes() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, fmt.Errorf("%w: declared %d", ErrLengthMismatch, n)
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}
