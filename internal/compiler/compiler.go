// Package compiler lowers a validated state machine into the device's
// binary program representation.
//
// Indices are assigned by declaration order, never by name hash, so the
// output is deterministic and diffable. All capability checks against the
// device identity run before a single frame is built; a program that cannot
// be represented is rejected whole.
package compiler

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/finchlab/bpod/internal/protocol"
	"github.com/finchlab/bpod/internal/statemachine"
	"github.com/finchlab/bpod/internal/wire"
)

var (
	ErrTooManyStates      = errors.New("compiler: state count exceeds device limit")
	ErrTooManyTimers      = errors.New("compiler: global timer count exceeds device limit")
	ErrTooManyConditions  = errors.New("compiler: condition count exceeds device limit")
	ErrUnsupportedAction  = errors.New("compiler: action not supported by this device")
	ErrDurationOutOfRange = errors.New("compiler: timer duration not representable")
	ErrStateTooLarge      = errors.New("compiler: state does not fit a program frame")
)

// ExitIndex encodes the exit sentinel in transition and timer targets.
const ExitIndex uint16 = 0xFFFF

// Manifest translates the device's numeric codes back to the names the
// machine was authored with.
type Manifest struct {
	StateNames []string
	EventNames []string
}

func (m Manifest) StateName(code uint16) (string, bool) {
	if int(code) >= len(m.StateNames) {
		return "", false
	}
	return m.StateNames[code], true
}

func (m Manifest) EventName(code uint16) (string, bool) {
	if int(code) >= len(m.EventNames) {
		return "", false
	}
	return m.EventNames[code], true
}

// Program is the compiled, versioned upload unit. Immutable once produced;
// the session runner owns it for the duration of a run.
type Program struct {
	Frames   []wire.Frame
	Manifest Manifest
}

// Compile lowers machine for the device described by id.
func Compile(machine *statemachine.Machine, id protocol.Identity) (*Program, error) {
	if err := checkCapabilities(machine, id); err != nil {
		return nil, err
	}

	frames := []wire.Frame{headerFrame(machine)}
	for i := range machine.States {
		f, err := stateFrame(machine, i, id)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	if len(machine.GlobalTimers) > 0 {
		f, err := globalTimerFrame(machine, id)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	if len(machine.Conditions) > 0 {
		frames = append(frames, conditionFrame(machine, id))
	}

	return &Program{
		Frames: frames,
		Manifest: Manifest{
			StateNames: stateNames(machine),
			EventNames: append([]string(nil), machine.EventNames...),
		},
	}, nil
}

func checkCapabilities(machine *statemachine.Machine, id protocol.Identity) error {
	if len(machine.States) > int(id.MaxStates) {
		return fmt.Errorf("%w: %d states, device allows %d",
			ErrTooManyStates, len(machine.States), id.MaxStates)
	}
	if len(machine.GlobalTimers) > int(id.NumGlobalTimers) {
		return fmt.Errorf("%w: %d timers, device allows %d",
			ErrTooManyTimers, len(machine.GlobalTimers), id.NumGlobalTimers)
	}
	if len(machine.Conditions) > int(id.NumConditions) {
		return fmt.Errorf("%w: %d conditions, device allows %d",
			ErrTooManyConditions, len(machine.Conditions), id.NumConditions)
	}
	for _, st := range machine.States {
		for _, a := range st.Actions {
			if _, ok := id.OutputChannel(a.Channel); !ok {
				return fmt.Errorf("%w: state %q sets unknown output %q",
					ErrUnsupportedAction, st.Name, a.Channel)
			}
		}
		if _, err := timerCycles(st.Timer, id); err != nil {
			return fmt.Errorf("state %q: %w", st.Name, err)
		}
	}
	for _, c := range machine.Conditions {
		if _, ok := id.InputChannel(c.Channel); !ok {
			return fmt.Errorf("%w: condition on unknown input %q",
				ErrUnsupportedAction, c.Channel)
		}
	}
	for _, gt := range machine.GlobalTimers {
		if _, err := timerCycles(gt.Duration, id); err != nil {
			return err
		}
	}
	return nil
}

// timerCycles converts a duration to device timer cycles.
func timerCycles(d time.Duration, id protocol.Identity) (uint32, error) {
	if d == 0 {
		return 0, nil
	}
	period := id.TimerPeriod()
	if period <= 0 {
		return 0, fmt.Errorf("%w: device reports zero timer period", ErrDurationOutOfRange)
	}
	cycles := int64(d / period)
	if cycles <= 0 || cycles > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %v at %v per cycle", ErrDurationOutOfRange, d, period)
	}
	return uint32(cycles), nil
}

func headerFrame(machine *statemachine.Machine) wire.Frame {
	p := make([]byte, 6)
	binary.LittleEndian.PutUint16(p[0:2], uint16(len(machine.States)))
	binary.LittleEndian.PutUint16(p[2:4], uint16(len(machine.EventNames)))
	p[4] = byte(len(machine.GlobalTimers))
	p[5] = byte(len(machine.Conditions))
	return wire.Frame{Opcode: wire.OpProgramChunk, Payload: p}
}

func stateFrame(machine *statemachine.Machine, idx int, id protocol.Identity) (wire.Frame, error) {
	st := machine.States[idx]

	cycles, err := timerCycles(st.Timer, id)
	if err != nil {
		return wire.Frame{}, err
	}

	p := make([]byte, 0, 16)
	p = binary.LittleEndian.AppendUint16(p, uint16(idx))
	p = binary.LittleEndian.AppendUint32(p, cycles)
	p = binary.LittleEndian.AppendUint16(p, targetIndex(machine, st.TimerTarget))

	p = append(p, byte(len(st.Actions)))
	for _, a := range st.Actions {
		ch, _ := id.OutputChannel(a.Channel)
		p = append(p, byte(ch.Index), a.Value)
	}

	// Transitions sorted by global event index keeps the byte stream
	// stable across compiles of the same machine.
	events := make([]string, 0, len(st.Transitions))
	for ev := range st.Transitions {
		events = append(events, ev)
	}
	sort.Slice(events, func(a, b int) bool {
		ia, _ := machine.EventIndex(events[a])
		ib, _ := machine.EventIndex(events[b])
		return ia < ib
	})

	p = append(p, byte(len(events)))
	for _, ev := range events {
		ei, _ := machine.EventIndex(ev)
		p = binary.LittleEndian.AppendUint16(p, uint16(ei))
		p = binary.LittleEndian.AppendUint16(p, targetIndex(machine, st.Transitions[ev]))
	}

	if len(p) > wire.MaxPayload {
		return wire.Frame{}, fmt.Errorf("%w: state %q needs %d bytes", ErrStateTooLarge, st.Name, len(p))
	}
	return wire.Frame{Opcode: wire.OpProgramChunk, Payload: p}, nil
}

func globalTimerFrame(machine *statemachine.Machine, id protocol.Identity) (wire.Frame, error) {
	p := []byte{byte(len(machine.GlobalTimers))}
	for _, gt := range machine.GlobalTimers {
		cycles, err := timerCycles(gt.Duration, id)
		if err != nil {
			return wire.Frame{}, err
		}
		p = binary.LittleEndian.AppendUint32(p, cycles)
	}
	return wire.Frame{Opcode: wire.OpProgramChunk, Payload: p}, nil
}

func conditionFrame(machine *statemachine.Machine, id protocol.Identity) wire.Frame {
	p := []byte{byte(len(machine.Conditions))}
	for _, c := range machine.Conditions {
		ch, _ := id.InputChannel(c.Channel)
		p = append(p, byte(ch.Index), c.Value)
	}
	return wire.Frame{Opcode: wire.OpProgramChunk, Payload: p}
}

func targetIndex(machine *statemachine.Machine, target string) uint16 {
	if target == "" || target == statemachine.ExitTarget {
		return ExitIndex
	}
	i, _ := machine.StateIndex(target)
	return uint16(i)
}

func stateNames(machine *statemachine.Machine) []string {
	names := make([]string, len(machine.States))
	for i, st := range machine.States {
		names[i] = st.Name
	}
	return names
}
