package wire

import (
	"encoding/binary"
	"fmt"
)

// Decoder incrementally extracts frames from a growing byte buffer. It never
// blocks: Next either yields a frame, asks for more bytes via
// IncompleteError, or reports corruption for the caller to Resync past.
type Decoder struct {
	buf       []byte
	supported map[byte]struct{}
}

// NewDecoder builds a decoder accepting only the given opcodes. A nil or
// empty set accepts every opcode.
func NewDecoder(supported []byte) *Decoder {
	d := &Decoder{}
	if len(supported) > 0 {
		d.supported = make(map[byte]struct{}, len(supported))
		for _, op := range supported {
			d.supported[op] = struct{}{}
		}
	}
	return d
}

// Feed appends raw bytes from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many undecoded bytes are pending.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next extracts the next complete frame.
//
// Errors:
//   - IncompleteError: not enough bytes yet; nothing consumed.
//   - ErrBadSync, ErrCorruptLength, ErrBadChecksum: stream corruption at
//     the buffer head; nothing consumed, caller must Resync.
//   - ErrUnknownOpcode: a well-formed frame carrying an opcode outside the
//     negotiated set; the frame is consumed.
func (d *Decoder) Next() (Frame, error) {
	if len(d.buf) < MinFrame {
		return Frame{}, &IncompleteError{Need: MinFrame - len(d.buf)}
	}
	if d.buf[0] != SOF {
		return Frame{}, ErrBadSync
	}

	length := int(binary.LittleEndian.Uint16(d.buf[2:4]))
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d", ErrCorruptLength, length)
	}
	total := headerLen + length + trailerLen
	if len(d.buf) < total {
		return Frame{}, &IncompleteError{Need: total - len(d.buf)}
	}

	if checksum(d.buf[1:total-1]) != d.buf[total-1] {
		return Frame{}, ErrBadChecksum
	}

	opcode := d.buf[1]
	payload := make([]byte, length)
	copy(payload, d.buf[headerLen:headerLen+length])
	d.buf = d.buf[total:]

	if d.supported != nil {
		if _, ok := d.supported[opcode]; !ok {
			return Frame{}, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, opcode)
		}
	}
	return Frame{Opcode: opcode, Payload: payload}, nil
}

// Resync discards the byte at the buffer head, then everything up to the
// next start-of-frame byte. Returns the number of bytes dropped.
func (d *Decoder) Resync() int {
	if len(d.buf) == 0 {
		return 0
	}
	dropped := 1
	d.buf = d.buf[1:]
	for len(d.buf) > 0 && d.buf[0] != SOF {
		d.buf = d.buf[1:]
		dropped++
	}
	return dropped
}
