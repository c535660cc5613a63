// Package bpod drives Bpod-class finite state machine controllers over a
// serial link: discovery, handshake, state machine compilation and upload,
// and real-time decoding of the event stream a running machine emits.
package bpod

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/finchlab/bpod/internal/compiler"
	"github.com/finchlab/bpod/internal/config"
	"github.com/finchlab/bpod/internal/logging"
	"github.com/finchlab/bpod/internal/protocol"
	"github.com/finchlab/bpod/internal/session"
	"github.com/finchlab/bpod/internal/statemachine"
	"github.com/finchlab/bpod/internal/transport"
)

var (
	ErrSessionActive = errors.New("bpod: a session is already active on this device")
	ErrClosed        = errors.New("bpod: device is closed")
)

// Re-exported types so most callers only import this package.
type (
	PortDescriptor = transport.PortDescriptor
	Identity       = protocol.Identity
	Machine        = statemachine.Machine
	OutputAction   = statemachine.OutputAction
	Session        = session.Session
	EventRecord    = session.EventRecord
	SoftCodeFunc   = session.SoftCodeFunc
)

// Exit is the transition target that leaves the state machine.
const Exit = statemachine.ExitTarget

// NewMachine starts a state machine description. Finalize it before Run.
func NewMachine() *statemachine.Builder {
	return statemachine.NewBuilder()
}

// Discover lists candidate device ports on this host.
func Discover() ([]PortDescriptor, error) {
	return transport.Discover()
}

type options struct {
	cfg    config.Config
	log    zerolog.Logger
	logSet bool
}

// Option customizes Connect.
type Option func(*options)

// WithConfig replaces the whole timing configuration.
func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConnectTimeout bounds the wait for the handshake probe reply.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.ConnectTimeoutMS = d.Milliseconds() }
}

// WithHandshakeTimeout bounds each identity query during handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.HandshakeTimeoutMS = d.Milliseconds() }
}

// WithAckTimeout bounds the wait for each program frame acknowledgment.
func WithAckTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.AckTimeoutMS = d.Milliseconds() }
}

// WithLogger routes the engine's logging through the given logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
		o.logSet = true
	}
}

// Device is one connected controller. Safe for concurrent use; at most one
// session runs at a time.
type Device struct {
	cfg config.Config
	log zerolog.Logger

	mu      sync.Mutex
	tr      transport.Transport
	id      protocol.Identity
	current *session.Session
}

// Connect opens the port, performs the handshake and returns a ready
// Device. The transport is released on every failure path.
func Connect(port PortDescriptor, opts ...Option) (*Device, error) {
	o := options{cfg: config.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.logSet {
		o.log = logging.Runtime("bpod")
	}
	if err := config.Validate(o.cfg); err != nil {
		return nil, err
	}

	tr, err := transport.Open(port, o.cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	id, err := protocol.Handshake(tr, o.cfg.ConnectTimeout(), o.cfg.HandshakeTimeout(), o.log)
	if err != nil {
		tr.Close()
		return nil, err
	}
	return &Device{cfg: o.cfg, log: o.log, tr: tr, id: id}, nil
}

// connect wires a Device around an already-open transport. Used by tests
// and by callers that manage their own transport.
func connect(tr transport.Transport, opts ...Option) (*Device, error) {
	o := options{cfg: config.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.logSet {
		o.log = logging.Runtime("bpod")
	}
	id, err := protocol.Handshake(tr, o.cfg.ConnectTimeout(), o.cfg.HandshakeTimeout(), o.log)
	if err != nil {
		return nil, err
	}
	return &Device{cfg: o.cfg, log: o.log, tr: tr, id: id}, nil
}

// Identity returns the device's handshake-time self-description.
func (d *Device) Identity() Identity {
	return d.id
}

// Run compiles the machine for this device, uploads it and starts it,
// returning the live session.
func (d *Device) Run(m *Machine) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tr == nil {
		return nil, ErrClosed
	}
	if d.current != nil && d.current.Phase() != session.Idle {
		return nil, ErrSessionActive
	}

	for _, w := range m.Warnings {
		d.log.Warn().Str("warning", w).Msg("machine validation")
	}

	prog, err := compiler.Compile(m, d.id)
	if err != nil {
		return nil, err
	}
	s := session.New(d.tr, d.id, prog, session.Config{
		AckTimeout:  d.cfg.AckTimeout(),
		StopTimeout: d.cfg.StopTimeout(),
		PollTimeout: d.cfg.PollTimeout(),
	}, d.log)
	if err := s.Upload(); err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	d.current = s
	return s, nil
}

// ReadInput samples a digital input channel by name. Not available while a
// session is running; the decode loop owns the transport then.
func (d *Device) ReadInput(channel string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, err := d.requireIdle(channel, d.id.InputChannel)
	if err != nil {
		return false, err
	}
	if err := d.tr.Write([]byte{protocol.CmdReadInput, byte(ch.Index)}); err != nil {
		return false, err
	}
	var b [1]byte
	if _, err := d.tr.Read(b[:], d.cfg.HandshakeTimeout()); err != nil {
		return false, err
	}
	return b[0] == 1, nil
}

// OverrideOutput forces an output channel to a value.
func (d *Device) OverrideOutput(channel string, value byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, err := d.requireIdle(channel, d.id.OutputChannel)
	if err != nil {
		return err
	}
	return d.tr.Write([]byte{protocol.CmdOverrideOutput, byte(ch.Index), value})
}

// OverrideInput injects a host-side input state change.
func (d *Device) OverrideInput(channel string, state byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.requireIdle(channel, d.id.InputChannel); err != nil {
		return err
	}
	return d.tr.Write([]byte{protocol.CmdOverrideInput, state})
}

func (d *Device) requireIdle(channel string, lookup func(string) (protocol.Channel, bool)) (protocol.Channel, error) {
	if d.tr == nil {
		return protocol.Channel{}, ErrClosed
	}
	if d.current != nil && d.current.Phase() != session.Idle {
		return protocol.Channel{}, ErrSessionActive
	}
	ch, ok := lookup(channel)
	if !ok {
		return protocol.Channel{}, fmt.Errorf("bpod: unknown channel %q", channel)
	}
	return ch, nil
}

// Close stops any running session, tells the device to disconnect and
// releases the port.
func (d *Device) Close() error {
	d.mu.Lock()
	current := d.current
	d.mu.Unlock()
	if current != nil && current.Phase() != session.Idle {
		if err := current.Stop(); err != nil {
			d.log.Warn().Err(err).Msg("stop on close")
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tr == nil {
		return nil
	}
	if err := d.tr.Write([]byte{protocol.CmdDisconnect}); err != nil {
		d.log.Warn().Err(err).Msg("disconnect byte not sent")
	}
	err := d.tr.Close()
	d.tr = nil
	return err
}
