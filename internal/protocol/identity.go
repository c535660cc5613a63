package protocol

import (
	"fmt"
	"time"

	"github.com/finchlab/bpod/internal/wire"
)

// Channel is one physical I/O channel reported by the device.
type Channel struct {
	Name  string
	Kind  byte
	Index int
}

// Identity is the device's self-description obtained during handshake.
// Read-only after connect.
type Identity struct {
	FirmwareMajor uint16
	FirmwareMinor uint16
	MachineType   uint16
	PCBRevision   byte

	MaxStates         uint16
	TimerPeriodMicros uint16
	MaxSerialEvents   byte
	MaxBytesPerSerial byte
	NumGlobalTimers   byte
	NumGlobalCounters byte
	NumConditions     byte

	Inputs  []Channel
	Outputs []Channel
}

// TimerPeriod is the device's state machine cycle period. Event timestamps
// count these cycles.
func (id Identity) TimerPeriod() time.Duration {
	return time.Duration(id.TimerPeriodMicros) * time.Microsecond
}

func (id Identity) MachineTypeString() string {
	switch id.MachineType {
	case 1:
		return "v0.5"
	case 2:
		return "r07+"
	case 3:
		return "r2.0-2.5"
	case 4:
		return "2+ r1.0"
	default:
		return fmt.Sprintf("unknown(%d)", id.MachineType)
	}
}

// SupportedOpcodes is the framed opcode set negotiated for this firmware.
// The frame decoder rejects anything outside it.
func (id Identity) SupportedOpcodes() []byte {
	ops := []byte{
		wire.OpProgramChunk,
		wire.OpRun,
		wire.OpStop,
		wire.OpAck,
		wire.OpEvent,
		wire.OpHalted,
	}
	if id.FirmwareMajor > 22 {
		ops = append(ops, wire.OpSoftCode)
	}
	return ops
}

// OutputChannel resolves an output channel by name.
func (id Identity) OutputChannel(name string) (Channel, bool) {
	for _, ch := range id.Outputs {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

// InputChannel resolves an input channel by name.
func (id Identity) InputChannel(name string) (Channel, bool) {
	for _, ch := range id.Inputs {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

var (
	inputNames  = map[byte]string{'B': "BNC", 'V': "Valve", 'P': "Port", 'W': "Wire"}
	outputNames = map[byte]string{'B': "BNC", 'V': "Valve", 'P': "PWM", 'W': "Wire"}
)

// collectChannels turns a channel description array into named channels.
// Names are numbered per kind in array order: Port1, Port2, BNC1, ...
// Unrecognized description bytes are skipped, matching device behavior for
// reserved channel slots.
func collectChannels(desc []byte, names map[byte]string) []Channel {
	var out []Channel
	counts := make(map[byte]int)
	for i, key := range desc {
		base, ok := names[key]
		if !ok {
			continue
		}
		counts[key]++
		out = append(out, Channel{
			Name:  fmt.Sprintf("%s%d", base, counts[key]),
			Kind:  key,
			Index: i,
		})
	}
	return out
}
