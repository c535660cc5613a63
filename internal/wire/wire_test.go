package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frames := []Frame{
		{Opcode: OpRun, Payload: nil},
		{Opcode: OpProgramChunk, Payload: []byte{0x01, 0x02, 0x03}},
		{Opcode: OpEvent, Payload: bytes.Repeat([]byte{0xAB}, MaxPayload)},
		{Opcode: OpAck, Payload: []byte{AckAccepted}},
	}
	for _, in := range frames {
		raw, err := Encode(in)
		if err != nil {
			t.Fatalf("encode opcode 0x%02X: %v", in.Opcode, err)
		}
		d := NewDecoder(nil)
		d.Feed(raw)
		out, err := d.Next()
		if err != nil {
			t.Fatalf("decode opcode 0x%02X: %v", in.Opcode, err)
		}
		if out.Opcode != in.Opcode || !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("round trip mismatch: got=%+v want=%+v", out, in)
		}
		if d.Buffered() != 0 {
			t.Fatalf("decoder left %d bytes buffered", d.Buffered())
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Frame{Opcode: OpProgramChunk, Payload: make([]byte, MaxPayload+1)})
	if !errors.Is(err, ErrPayloadSize) {
		t.Fatalf("expected ErrPayloadSize, got %v", err)
	}
}

func TestDecoderReportsBytesNeeded(t *testing.T) {
	raw, err := Encode(Frame{Opcode: OpEvent, Payload: []byte{1, 2, 3, 4, 5, 6, 7}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d := NewDecoder(nil)
	_, err = d.Next()
	var inc *IncompleteError
	if !errors.As(err, &inc) || inc.Need != MinFrame {
		t.Fatalf("empty buffer: expected need=%d, got %v", MinFrame, err)
	}

	d.Feed(raw[:headerLen])
	_, err = d.Next()
	if !errors.As(err, &inc) {
		t.Fatalf("partial frame: expected IncompleteError, got %v", err)
	}
	if inc.Need != len(raw)-headerLen {
		t.Fatalf("partial frame: need=%d, want %d", inc.Need, len(raw)-headerLen)
	}

	d.Feed(raw[headerLen:])
	if _, err := d.Next(); err != nil {
		t.Fatalf("complete frame: %v", err)
	}
}

func TestDecoderCorruptLength(t *testing.T) {
	raw := []byte{SOF, OpEvent, 0xFF, 0xFF, 0x00}
	d := NewDecoder(nil)
	d.Feed(raw)
	_, err := d.Next()
	if !errors.Is(err, ErrCorruptLength) {
		t.Fatalf("expected ErrCorruptLength, got %v", err)
	}
}

func TestDecoderBadChecksum(t *testing.T) {
	raw, err := Encode(Frame{Opcode: OpRun})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	d := NewDecoder(nil)
	d.Feed(raw)
	if _, err := d.Next(); !errors.Is(err, ErrBadChecksum) {
		t.Fatalf("expected ErrBadChecksum, got %v", err)
	}
}

func TestDecoderUnknownOpcodeConsumesFrame(t *testing.T) {
	bad, _ := Encode(Frame{Opcode: 0x7F, Payload: []byte{9}})
	good, _ := Encode(Frame{Opcode: OpRun})

	d := NewDecoder([]byte{OpRun, OpAck})
	d.Feed(bad)
	d.Feed(good)

	_, err := d.Next()
	if !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("expected ErrUnknownOpcode, got %v", err)
	}
	out, err := d.Next()
	if err != nil || out.Opcode != OpRun {
		t.Fatalf("expected OpRun after unknown opcode, got %+v err=%v", out, err)
	}
}

func TestResyncSkipsGarbageToNextFrame(t *testing.T) {
	good, _ := Encode(Frame{Opcode: OpAck, Payload: []byte{AckAccepted}})

	d := NewDecoder(nil)
	d.Feed([]byte{0x00, 0x11, 0x22})
	d.Feed(good)

	_, err := d.Next()
	if !errors.Is(err, ErrBadSync) {
		t.Fatalf("expected ErrBadSync, got %v", err)
	}
	if dropped := d.Resync(); dropped != 3 {
		t.Fatalf("resync dropped %d bytes, want 3", dropped)
	}
	out, err := d.Next()
	if err != nil || out.Opcode != OpAck {
		t.Fatalf("expected OpAck after resync, got %+v err=%v", out, err)
	}
}

func TestEventPayloadRoundTrip(t *testing.T) {
	in := Event{Kind: KindInputTransition, Code: 7, Timestamp: 5000}
	out, err := DecodeEvent(EncodeEvent(in))
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if out != in {
		t.Fatalf("event mismatch: got=%+v want=%+v", out, in)
	}

	ts, err := DecodeHalted(EncodeHalted(123456))
	if err != nil || ts != 123456 {
		t.Fatalf("halted mismatch: ts=%d err=%v", ts, err)
	}

	for _, accepted := range []bool{true, false} {
		got, err := DecodeAck(EncodeAck(accepted))
		if err != nil || got != accepted {
			t.Fatalf("ack mismatch: got=%v want=%v err=%v", got, accepted, err)
		}
	}
}
