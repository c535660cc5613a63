package wire

import (
	"encoding/binary"
	"fmt"
)

// EventKind discriminates the device's run-time event reports.
type EventKind byte

const (
	KindStateEntry      EventKind = 1
	KindTimerExpired    EventKind = 2
	KindInputTransition EventKind = 3
	KindSoftCode        EventKind = 4
)

func (k EventKind) String() string {
	switch k {
	case KindStateEntry:
		return "state-entry"
	case KindTimerExpired:
		return "timer-expired"
	case KindInputTransition:
		return "input-transition"
	case KindSoftCode:
		return "soft-code"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

const eventPayloadLen = 7

// Event is the decoded payload of an OpEvent frame. Timestamp counts device
// timer cycles since run start.
type Event struct {
	Kind      EventKind
	Code      uint16
	Timestamp uint32
}

func EncodeEvent(ev Event) Frame {
	p := make([]byte, eventPayloadLen)
	p[0] = byte(ev.Kind)
	binary.LittleEndian.PutUint16(p[1:3], ev.Code)
	binary.LittleEndian.PutUint32(p[3:7], ev.Timestamp)
	return Frame{Opcode: OpEvent, Payload: p}
}

func DecodeEvent(f Frame) (Event, error) {
	if f.Opcode != OpEvent {
		return Event{}, fmt.Errorf("wire: not an event frame: 0x%02X", f.Opcode)
	}
	if len(f.Payload) != eventPayloadLen {
		return Event{}, fmt.Errorf("%w: event payload %d bytes", ErrCorruptLength, len(f.Payload))
	}
	return Event{
		Kind:      EventKind(f.Payload[0]),
		Code:      binary.LittleEndian.Uint16(f.Payload[1:3]),
		Timestamp: binary.LittleEndian.Uint32(f.Payload[3:7]),
	}, nil
}

// EncodeHalted builds the "machine halted" frame the device sends when a run
// ends, whether naturally or after a stop request.
func EncodeHalted(timestamp uint32) Frame {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, timestamp)
	return Frame{Opcode: OpHalted, Payload: p}
}

func DecodeHalted(f Frame) (uint32, error) {
	if f.Opcode != OpHalted {
		return 0, fmt.Errorf("wire: not a halted frame: 0x%02X", f.Opcode)
	}
	if len(f.Payload) != 4 {
		return 0, fmt.Errorf("%w: halted payload %d bytes", ErrCorruptLength, len(f.Payload))
	}
	return binary.LittleEndian.Uint32(f.Payload), nil
}

// EncodeAck builds a device acknowledgment frame. Tests and device fakes use
// it; the host only decodes acks.
func EncodeAck(accepted bool) Frame {
	v := AckRejected
	if accepted {
		v = AckAccepted
	}
	return Frame{Opcode: OpAck, Payload: []byte{v}}
}

// DecodeAck reports whether an ack frame is positive.
func DecodeAck(f Frame) (bool, error) {
	if f.Opcode != OpAck {
		return false, fmt.Errorf("wire: not an ack frame: 0x%02X", f.Opcode)
	}
	if len(f.Payload) != 1 {
		return false, fmt.Errorf("%w: ack payload %d bytes", ErrCorruptLength, len(f.Payload))
	}
	return f.Payload[0] == AckAccepted, nil
}
