package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

// FuzzDecode feeds arbitrary bytes to the decoder. Decode is the security
// boundary: the only acceptable outcomes are a well-formed message or a
// typed error; any panic fails the fuzz run. Successful decodes must
// re-encode to the exact input bytes (canonical encoding).
func FuzzDecode(f *testing.F) {
	session := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	seedMsgs := []Message{
		&DataPacket{Session: session, Seq: 1, FragCount: 1, Payload: []byte("seed")},
		&ControlPacket{Session: session, Body: Ack{Seq: 9}},
		&ControlPacket{Session: session, Body: Nack{Seq: 100, Count: 2}},
		&ControlPacket{Session: session, Body: FecRepair{GroupID: 1, Index: 8, K: 8, R: 2, BaseSeq: 1, Shard: []byte{0xAB}}},
		&ControlPacket{Session: session, Body: LinkReport{Link: session, RTTMillis: 20}},
		&ControlPacket{Session: session, Body: SessionControl{Action: SessionClose}},
	}
	for _, m := range seedMsgs {
		buf, err := Encode(m)
		if err != nil {
			f.Fatalf("seed encode: %v", err)
		}
		f.Add(buf)
	}
	f.Add([]byte{})
	f.Add([]byte{ProtocolVersion})
	f.Add(bytes.Repeat([]byte{0xFF}, 64))

	f.Fuzz(func(t *testing.T, data []byte) {
		m, err := Decode(data)
		if err != nil {
			return
		}
		out, err := Encode(m)
		if err != nil {
			t.Fatalf("re-encode of decoded message failed: %v", err)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("decode/encode not canonical:\n in: %x\nout: %x", data, out)
		}
	})
}
