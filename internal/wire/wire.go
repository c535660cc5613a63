// Package wire owns the framed wire contract spoken after handshake.
//
// Frame layout, device byte order (little-endian):
//
//	SOF(1) | OPCODE(1) | LEN(2) | PAYLOAD(LEN) | CHECKSUM(1)
//
// The checksum is the two's complement of the byte sum over OPCODE, LEN and
// PAYLOAD, so summing those bytes plus the checksum yields zero.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	SOF byte = 0xBD

	headerLen  = 4 // SOF + opcode + u16 length
	trailerLen = 1 // checksum
	MinFrame   = headerLen + trailerLen

	// MaxPayload bounds a single frame; the device's serial buffers are
	// small, so anything larger is stream corruption, not a real frame.
	MaxPayload = 1024
)

// Opcodes of the framed protocol. The single-letter values continue the
// device's pre-framing command alphabet.
const (
	OpProgramChunk byte = 'C'
	OpRun          byte = 'R'
	OpStop         byte = 'X'
	OpAck          byte = 'K'
	OpEvent        byte = 'E'
	OpSoftCode     byte = '~'
	OpHalted       byte = 'T'
)

// Ack payload values.
const (
	AckRejected byte = 0
	AckAccepted byte = 1
)

var (
	ErrIncomplete    = errors.New("wire: incomplete frame")
	ErrBadSync       = errors.New("wire: missing start-of-frame byte")
	ErrCorruptLength = errors.New("wire: implausible frame length")
	ErrBadChecksum   = errors.New("wire: checksum mismatch")
	ErrUnknownOpcode = errors.New("wire: opcode outside negotiated set")
	ErrPayloadSize   = errors.New("wire: payload exceeds frame limit")
)

// IncompleteError reports how many further bytes the decoder needs before it
// can make progress. errors.Is(err, ErrIncomplete) holds.
type IncompleteError struct {
	Need int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("wire: incomplete frame, need %d more bytes", e.Need)
}

func (e *IncompleteError) Unwrap() error { return ErrIncomplete }

// Frame is one opcode-tagged, length-delimited protocol unit.
type Frame struct {
	Opcode  byte
	Payload []byte
}

// Encode serializes f. Encode and Decoder.Next are symmetric: any frame
// Encode accepts decodes back to an equal Frame.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(f.Payload))
	}
	out := make([]byte, 0, MinFrame+len(f.Payload))
	out = append(out, SOF, f.Opcode)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(f.Payload)))
	out = append(out, f.Payload...)
	out = append(out, checksum(out[1:]))
	return out, nil
}

func checksum(covered []byte) byte {
	var sum byte
	for _, b := range covered {
		sum += b
	}
	return ^sum + 1
}
