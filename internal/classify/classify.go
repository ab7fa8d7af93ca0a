// Package classify inspects compressed-video bitstream units and assigns
// each one an importance tier. Only NAL unit headers are examined; payloads
// are never decoded.
package classify

import (
	"iter"
)

// Tier ranks a bitstream unit's importance for scheduling decisions.
// Higher values are more important.
type Tier uint8

const (
	// TierDroppable marks non-reference predictive units that may be shed
	// under congestion.
	TierDroppable Tier = iota
	// TierReference marks key frames and reference units. Protected from
	// pressure-based dropping and eligible for retransmission.
	TierReference
	// TierParameterSet marks SPS/PPS/VPS units. Never dropped, always
	// duplicated across all live links.
	TierParameterSet
)

func (t Tier) String() string {
	switch t {
	case TierParameterSet:
		return "parameter-set"
	case TierReference:
		return "reference"
	case TierDroppable:
		return "droppable"
	default:
		return "unknown"
	}
}

// Codec is the negotiated bitstream format hint. The classifier never
// sniffs the codec from payload bytes.
type Codec uint8

const (
	CodecH264 Codec = iota + 1
	CodecH265
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return "unknown"
	}
}

// Unit is one classified bitstream unit. Data includes the NAL header but
// not the Annex B start code.
type Unit struct {
	Tier Tier
	Data []byte
}

// Classifier splits Annex B bitstream chunks into classified units.
type Classifier struct {
	codec Codec
}

// New returns a classifier for the given codec family.
func New(codec Codec) *Classifier {
	return &Classifier{codec: codec}
}

// Codec returns the configured codec hint.
func (c *Classifier) Codec() Codec { return c.codec }

// Scan lazily yields classified units from a contiguous bitstream chunk.
// Bytes before the first start code, and any truncated or malformed
// trailing unit, are yielded as TierDroppable rather than failing the
// stream. Units are yielded in bitstream order.
func (c *Classifier) Scan(buf []byte) iter.Seq[Unit] {
	return func(yield func(Unit) bool) {
		if len(buf) == 0 {
			return
		}
		start, n := nextStartCode(buf, 0)
		if start < 0 {
			// No unit boundary anywhere in the chunk.
			yield(Unit{Tier: TierDroppable, Data: buf})
			return
		}
		if start > 0 {
			// Leading garbage before the first start code.
			if !yield(Unit{Tier: TierDroppable, Data: buf[:start]}) {
				return
			}
		}
		pos := start + n
		for {
			next, nn := nextStartCode(buf, pos)
			var data []byte
			if next < 0 {
				data = buf[pos:]
			} else {
				data = buf[pos:next]
			}
			if !yield(Unit{Tier: c.classify(data), Data: data}) {
				return
			}
			if next < 0 {
				return
			}
			pos = next + nn
		}
	}
}

// classify reads the NAL header and maps the unit type to a tier. Units
// too short to carry a header are droppable.
func (c *Classifier) classify(data []byte) Tier {
	if len(data) == 0 {
		return TierDroppable
	}
	switch c.codec {
	case CodecH264:
		return classifyH264(data[0])
	case CodecH265:
		return classifyH265(data[0])
	default:
		return TierDroppable
	}
}

func classifyH264(hdr byte) Tier {
	if hdr&0x80 != 0 {
		// forbidden_zero_bit set: corrupt header.
		return TierDroppable
	}
	nalType := hdr & 0x1F
	refIdc := (hdr >> 5) & 0x03
	switch nalType {
	case 7, 8: // SPS, PPS
		return TierParameterSet
	case 5: // IDR slice
		return TierReference
	}
	if refIdc > 0 {
		return TierReference
	}
	return TierDroppable
}

func classifyH265(hdr byte) Tier {
	if hdr&0x80 != 0 {
		return TierDroppable
	}
	nalType := (hdr >> 1) & 0x3F
	switch {
	case nalType >= 32 && nalType <= 34: // VPS, SPS, PPS
		return TierParameterSet
	case nalType >= 16 && nalType <= 21: // IRAP (BLA/IDR/CRA)
		return TierReference
	}
	return TierDroppable
}

// nextStartCode finds the next 3- or 4-byte Annex B start code at or after
// from. It returns the index of the start code and its length, or (-1, 0).
func nextStartCode(buf []byte, from int) (int, int) {
	for i := from; i+2 < len(buf); i++ {
		if buf[i] != 0 || buf[i+1] != 0 {
			continue
		}
		if buf[i+2] == 1 {
			return i, 3
		}
		if buf[i+2] == 0 && i+3 < len(buf) && buf[i+3] == 1 {
			return i, 4
		}
	}
	return -1, 0
}
