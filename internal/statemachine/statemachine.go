// Package statemachine is the in-memory model of a device program: states,
// transitions, timers and condition channels. It is pure data; no device
// I/O happens here.
package statemachine

import (
	"errors"
	"fmt"
	"time"
)

// ExitTarget is the designated sentinel for leaving the machine. Any
// transition or timer may name it instead of a state.
const ExitTarget = ">exit"

var (
	ErrDuplicateState    = errors.New("statemachine: duplicate state name")
	ErrDanglingReference = errors.New("statemachine: reference to unknown state")
	ErrNoEntryState      = errors.New("statemachine: machine has no states")
	ErrInvalidName       = errors.New("statemachine: empty name")
)

// OutputAction fires on state entry: set an output channel to a value.
type OutputAction struct {
	Channel string
	Value   byte
}

// GlobalTimer is a machine-wide timer channel.
type GlobalTimer struct {
	Duration time.Duration
}

// Condition guards transitions on the level of an input channel.
type Condition struct {
	Channel string
	Value   byte
}

// State is one validated machine state.
type State struct {
	Name        string
	Timer       time.Duration
	TimerTarget string
	Transitions map[string]string
	Actions     []OutputAction
}

// Machine is the immutable validated snapshot produced by Builder.Finalize.
// States keep declaration order; States[0] is the entry state. EventNames
// lists transition events in order of first use.
type Machine struct {
	States       []State
	GlobalTimers []GlobalTimer
	Conditions   []Condition
	EventNames   []string
	Warnings     []string

	stateIndex map[string]int
	eventIndex map[string]int
}

// StateIndex resolves a state name to its stable numeric index.
func (m *Machine) StateIndex(name string) (int, bool) {
	i, ok := m.stateIndex[name]
	return i, ok
}

// EventIndex resolves an event name to its stable numeric index.
func (m *Machine) EventIndex(name string) (int, bool) {
	i, ok := m.eventIndex[name]
	return i, ok
}

type stateDraft struct {
	name        string
	timer       time.Duration
	timerTarget string
	transitions map[string]string
	eventOrder  []string
	actions     []OutputAction
}

// Builder accumulates a machine description. Validation is deferred to
// Finalize so states may be referenced before they are declared.
type Builder struct {
	states       []*stateDraft
	globalTimers []GlobalTimer
	conditions   []Condition
	errs         []error
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AddState declares a state. The first state added is the entry state. A
// zero timer means the state waits indefinitely for an input event; a
// non-zero timer with an empty target exits the machine on expiry.
func (b *Builder) AddState(name string, actions ...OutputAction) *Builder {
	if name == "" || name == ExitTarget {
		b.errs = append(b.errs, fmt.Errorf("%w: state %q", ErrInvalidName, name))
		return b
	}
	b.states = append(b.states, &stateDraft{
		name:        name,
		transitions: make(map[string]string),
		actions:     append([]OutputAction(nil), actions...),
	})
	return b
}

// AddTransition maps an event occurring in state to a target state name or
// ExitTarget.
func (b *Builder) AddTransition(state, event, target string) *Builder {
	if event == "" {
		b.errs = append(b.errs, fmt.Errorf("%w: event in state %q", ErrInvalidName, state))
		return b
	}
	d := b.draft(state)
	if d == nil {
		b.errs = append(b.errs, fmt.Errorf("%w: transition from undeclared state %q", ErrDanglingReference, state))
		return b
	}
	if _, seen := d.transitions[event]; !seen {
		d.eventOrder = append(d.eventOrder, event)
	}
	d.transitions[event] = target
	return b
}

// SetTimer sets the state's timeout and its target.
func (b *Builder) SetTimer(state string, d time.Duration, target string) *Builder {
	draft := b.draft(state)
	if draft == nil {
		b.errs = append(b.errs, fmt.Errorf("%w: timer on undeclared state %q", ErrDanglingReference, state))
		return b
	}
	draft.timer = d
	draft.timerTarget = target
	return b
}

// AddGlobalTimer declares a machine-wide timer channel.
func (b *Builder) AddGlobalTimer(d time.Duration) *Builder {
	b.globalTimers = append(b.globalTimers, GlobalTimer{Duration: d})
	return b
}

// AddCondition declares an input-level condition channel.
func (b *Builder) AddCondition(channel string, value byte) *Builder {
	b.conditions = append(b.conditions, Condition{Channel: channel, Value: value})
	return b
}

func (b *Builder) draft(name string) *stateDraft {
	for _, d := range b.states {
		if d.name == name {
			return d
		}
	}
	return nil
}

// Finalize validates the description and returns an immutable snapshot.
// Orphan states are legal but suspicious; they surface as Warnings, not
// errors.
func (b *Builder) Finalize() (*Machine, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.states) == 0 {
		return nil, ErrNoEntryState
	}

	index := make(map[string]int, len(b.states))
	for i, d := range b.states {
		if _, dup := index[d.name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateState, d.name)
		}
		index[d.name] = i
	}

	resolve := func(from, target string) error {
		if target == ExitTarget || target == "" {
			return nil
		}
		if _, ok := index[target]; !ok {
			return fmt.Errorf("%w: %q -> %q", ErrDanglingReference, from, target)
		}
		return nil
	}

	eventIndex := make(map[string]int)
	var eventNames []string
	for _, d := range b.states {
		if err := resolve(d.name, d.timerTarget); err != nil {
			return nil, err
		}
		for _, ev := range d.eventOrder {
			if err := resolve(d.name, d.transitions[ev]); err != nil {
				return nil, err
			}
			if _, seen := eventIndex[ev]; !seen {
				eventIndex[ev] = len(eventNames)
				eventNames = append(eventNames, ev)
			}
		}
	}

	m := &Machine{
		States:       make([]State, len(b.states)),
		GlobalTimers: append([]GlobalTimer(nil), b.globalTimers...),
		Conditions:   append([]Condition(nil), b.conditions...),
		EventNames:   eventNames,
		stateIndex:   index,
		eventIndex:   eventIndex,
	}
	for i, d := range b.states {
		trans := make(map[string]string, len(d.transitions))
		for ev, target := range d.transitions {
			trans[ev] = target
		}
		m.States[i] = State{
			Name:        d.name,
			Timer:       d.timer,
			TimerTarget: d.timerTarget,
			Transitions: trans,
			Actions:     append([]OutputAction(nil), d.actions...),
		}
	}
	m.Warnings = findOrphans(m)
	return m, nil
}

// findOrphans reports non-entry states unreachable from the entry state.
func findOrphans(m *Machine) []string {
	reached := make(map[string]bool, len(m.States))
	stack := []string{m.States[0].Name}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[name] {
			continue
		}
		reached[name] = true
		i := m.stateIndex[name]
		st := m.States[i]
		if st.TimerTarget != "" && st.TimerTarget != ExitTarget {
			stack = append(stack, st.TimerTarget)
		}
		for _, target := range st.Transitions {
			if target != ExitTarget && target != "" {
				stack = append(stack, target)
			}
		}
	}

	var orphans []string
	for _, st := range m.States[1:] {
		if !reached[st.Name] {
			orphans = append(orphans, fmt.Sprintf("state %q is unreachable", st.Name))
		}
	}
	return orphans
}
