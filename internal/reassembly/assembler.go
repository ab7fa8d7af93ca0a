package reassembly

import "github.com/bondcast/core/internal/classify"

// Unit is one reassembled media unit, or a loss marker standing in for
// data that never arrived. A Lost unit carries no payload; downstream
// decoders use it to request refresh instead of stalling.
type Unit struct {
	Tier      classify.Tier
	Data      []byte
	Recovered bool
	Lost      bool
}

// Assembler glues the engine's in-order packet stream back into media
// units, joining fragments that were split to fit the wire. It relies on
// the engine's ordering guarantee; it never reorders or buffers across a
// gap itself.
type Assembler struct {
	emit func(Unit)

	parts     [][]byte
	size      int
	tier      classify.Tier
	nextFrag  uint8
	fragCount uint8
	recovered bool
}

// NewAssembler creates an assembler emitting completed units to emit.
func NewAssembler(emit func(Unit)) *Assembler {
	return &Assembler{emit: emit}
}

// Push consumes one in-order packet. Fragmented units emit once their
// last fragment arrives; a loss marker voids any partial unit and emits a
// Lost unit in its place.
func (a *Assembler) Push(p Packet) {
	if p.Lost {
		a.reset()
		a.emit(Unit{Lost: true})
		return
	}
	if p.FragCount <= 1 {
		// A partial unit interrupted by a whole one means its tail was
		// dropped upstream without a marker; void it.
		a.reset()
		a.emit(Unit{Tier: p.Tier, Data: p.Payload, Recovered: p.Recovered})
		return
	}

	if p.FragIndex == 0 {
		a.reset()
		a.tier = p.Tier
		a.fragCount = p.FragCount
		a.recovered = false
	} else if a.parts == nil || p.FragIndex != a.nextFrag || p.FragCount != a.fragCount {
		// Mid-unit fragment with no matching head; drop it.
		a.reset()
		return
	}

	a.parts = append(a.parts, p.Payload)
	a.size += len(p.Payload)
	a.nextFrag = p.FragIndex + 1
	a.recovered = a.recovered || p.Recovered

	if a.nextFrag == a.fragCount {
		data := make([]byte, 0, a.size)
		for _, part := range a.parts {
			data = append(data, part...)
		}
		unit := Unit{Tier: a.tier, Data: data, Recovered: a.recovered}
		a.reset()
		a.emit(unit)
	}
}

func (a *Assembler) reset() {
	a.parts = nil
	a.size = 0
	a.nextFrag = 0
	a.fragCount = 0
	a.recovered = false
}
