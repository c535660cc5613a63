// Package session orchestrates one upload-run-stop lifecycle against a
// connected device.
//
// Concurrency model: once Running, a single goroutine (the run loop) owns
// every transport read. Host control calls never touch the transport
// directly; they post commands to the loop over a channel and wait for its
// reply. Soft-code callbacks run on dispatcher workers so a slow callback
// cannot stall event intake.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/finchlab/bpod/internal/compiler"
	"github.com/finchlab/bpod/internal/protocol"
	"github.com/finchlab/bpod/internal/transport"
	"github.com/finchlab/bpod/internal/wire"
)

var (
	ErrUploadRejected = errors.New("session: device rejected program upload")
	ErrBadPhase       = errors.New("session: operation invalid in current phase")
	ErrStopTimeout    = errors.New("session: device did not confirm halt in time")
	ErrWaitTimeout    = errors.New("session: run did not finish in time")
	ErrDeviceGone     = errors.New("session: transport failed mid-run")
)

// Phase is the session lifecycle state.
type Phase int32

const (
	Idle Phase = iota
	Uploading
	Ready
	Running
	Stopping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Uploading:
		return "uploading"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Config carries the runner's timing knobs.
type Config struct {
	AckTimeout  time.Duration
	StopTimeout time.Duration
	PollTimeout time.Duration
}

type cmdKind int

const (
	cmdStop cmdKind = iota
	cmdSoftCode
)

type command struct {
	kind  cmdKind
	code  uint16
	reply chan error
}

// Session binds one compiled program to one device connection. At most one
// session may be Running per connection; the owning Device enforces that.
type Session struct {
	tr   transport.Transport
	id   protocol.Identity
	prog *compiler.Program
	cfg  Config
	log  zerolog.Logger
	disp *dispatcher

	mu     sync.Mutex
	phase  Phase
	events []EventRecord

	cmds chan command
	done chan struct{}
}

func New(tr transport.Transport, id protocol.Identity, prog *compiler.Program, cfg Config, log zerolog.Logger) *Session {
	return &Session{
		tr:   tr,
		id:   id,
		prog: prog,
		cfg:  cfg,
		log:  log,
		disp: newDispatcher(log),
		cmds: make(chan command),
		done: make(chan struct{}),
	}
}

// Phase reports the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) swapPhase(from, to Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		return false
	}
	s.phase = to
	return true
}

// RegisterSoftCode binds a host callback to a soft-code value. Safe at any
// time; a binding made mid-run takes effect on the next matching event.
func (s *Session) RegisterSoftCode(code uint16, fn SoftCodeFunc) {
	s.disp.register(code, fn)
}

// Upload sends the compiled program frame by frame. Every frame must be
// positively acknowledged before the next is sent; a negative or missing
// ack fails the whole session so a partial program can never be started.
func (s *Session) Upload() error {
	if !s.swapPhase(Idle, Uploading) {
		return fmt.Errorf("%w: upload in phase %s", ErrBadPhase, s.Phase())
	}

	dec := wire.NewDecoder(s.id.SupportedOpcodes())
	for i, f := range s.prog.Frames {
		raw, err := wire.Encode(f)
		if err != nil {
			s.setPhase(Idle)
			return fmt.Errorf("encode program frame %d: %w", i, err)
		}
		if err := s.tr.Write(raw); err != nil {
			s.setPhase(Idle)
			return fmt.Errorf("send program frame %d: %w", i, err)
		}
		if err := s.awaitAck(dec, i); err != nil {
			s.setPhase(Idle)
			return err
		}
	}

	s.setPhase(Ready)
	s.log.Debug().Int("frames", len(s.prog.Frames)).Msg("program uploaded")
	return nil
}

func (s *Session) awaitAck(dec *wire.Decoder, frameIdx int) error {
	deadline := time.Now().Add(s.cfg.AckTimeout)
	buf := make([]byte, 64)
	for {
		f, err := dec.Next()
		switch {
		case err == nil:
			accepted, err := wire.DecodeAck(f)
			if err != nil {
				return fmt.Errorf("%w: frame %d: %v", ErrUploadRejected, frameIdx, err)
			}
			if !accepted {
				return fmt.Errorf("%w: frame %d: negative ack", ErrUploadRejected, frameIdx)
			}
			return nil
		case errors.Is(err, wire.ErrIncomplete):
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%w: frame %d: no ack within %v", ErrUploadRejected, frameIdx, s.cfg.AckTimeout)
			}
			n, rerr := s.tr.Read(buf, remaining)
			if rerr != nil {
				if errors.Is(rerr, transport.ErrTimeout) {
					return fmt.Errorf("%w: frame %d: no ack within %v", ErrUploadRejected, frameIdx, s.cfg.AckTimeout)
				}
				return fmt.Errorf("%w: frame %d: %v", ErrUploadRejected, frameIdx, rerr)
			}
			dec.Feed(buf[:n])
		default:
			return fmt.Errorf("%w: frame %d: %v", ErrUploadRejected, frameIdx, err)
		}
	}
}

// Start sends the run frame and hands transport read authority to the run
// loop goroutine.
func (s *Session) Start() error {
	if !s.swapPhase(Ready, Running) {
		return fmt.Errorf("%w: start in phase %s", ErrBadPhase, s.Phase())
	}
	raw, err := wire.Encode(wire.Frame{Opcode: wire.OpRun})
	if err != nil {
		s.setPhase(Idle)
		return err
	}
	if err := s.tr.Write(raw); err != nil {
		s.setPhase(Idle)
		return fmt.Errorf("send run frame: %w", err)
	}
	go s.runLoop()
	s.log.Info().Msg("session running")
	return nil
}

// Stop requests a halt and waits, bounded by StopTimeout, for the device's
// halted confirmation. Safe to call from any goroutine at any time; a
// session that is not running is already stopped. A confirmation timeout is
// reported but still leaves the session Idle.
func (s *Session) Stop() error {
	switch s.Phase() {
	case Uploading:
		return fmt.Errorf("%w: stop while uploading", ErrBadPhase)
	case Idle, Ready:
		s.setPhase(Idle)
		return nil
	}

	cmd := command{kind: cmdStop, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return nil
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return nil
	}
}

// TriggerSoftCode asks the device to raise a soft code, exercising the same
// command queue as Stop so it never races the decode loop for the
// transport.
func (s *Session) TriggerSoftCode(code uint16) error {
	if s.Phase() != Running {
		return fmt.Errorf("%w: soft code in phase %s", ErrBadPhase, s.Phase())
	}
	cmd := command{kind: cmdSoftCode, code: code, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return fmt.Errorf("%w: session ended", ErrBadPhase)
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return nil
	}
}

// WaitUntilDone blocks until the run ends or the timeout passes, then
// returns the event records accumulated so far.
func (s *Session) WaitUntilDone(timeout time.Duration) ([]EventRecord, error) {
	select {
	case <-s.done:
		return s.Events(), nil
	case <-time.After(timeout):
		return s.Events(), ErrWaitTimeout
	}
}

// Events returns a copy of the records decoded so far, in device order.
func (s *Session) Events() []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventRecord(nil), s.events...)
}

// Done exposes the run-completion channel.
func (s *Session) Done() <-chan struct{} { return s.done }

// runLoop owns all transport reads while the session runs. It drains host
// commands between polls, feeds the frame decoder and resynchronizes past
// stream corruption without ending the run.
func (s *Session) runLoop() {
	defer s.disp.close()
	defer close(s.done)

	dec := wire.NewDecoder(s.id.SupportedOpcodes())
	buf := make([]byte, 256)
	var stopReplies []chan error
	var stopDeadline time.Time

	finish := func(err error) {
		s.setPhase(Idle)
		for _, r := range stopReplies {
			r <- err
		}
	}

	for {
		select {
		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdStop:
				if len(stopReplies) == 0 {
					s.setPhase(Stopping)
					stopDeadline = time.Now().Add(s.cfg.StopTimeout)
					raw, _ := wire.Encode(wire.Frame{Opcode: wire.OpStop})
					if err := s.tr.Write(raw); err != nil {
						s.log.Error().Err(err).Msg("stop frame send failed")
						cmd.reply <- err
						finish(err)
						return
					}
				}
				stopReplies = append(stopReplies, cmd.reply)
			case cmdSoftCode:
				raw, err := wire.Encode(wire.Frame{
					Opcode:  wire.OpSoftCode,
					Payload: []byte{byte(cmd.code), byte(cmd.code >> 8)},
				})
				if err == nil {
					err = s.tr.Write(raw)
				}
				cmd.reply <- err
			}
			continue
		default:
		}

		if len(stopReplies) > 0 && time.Now().After(stopDeadline) {
			s.log.Warn().Dur("timeout", s.cfg.StopTimeout).Msg("halt confirmation timed out, forcing idle")
			finish(ErrStopTimeout)
			return
		}

		n, err := s.tr.Read(buf, s.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			s.log.Error().Err(err).Msg("transport failed mid-run")
			finish(fmt.Errorf("%w: %v", ErrDeviceGone, err))
			return
		}
		dec.Feed(buf[:n])

		if halted := s.drainFrames(dec); halted {
			s.log.Info().Int("events", len(s.Events())).Msg("machine halted")
			finish(nil)
			return
		}
	}
}

// drainFrames decodes every complete frame currently buffered. Returns true
// once the device reports halt.
func (s *Session) drainFrames(dec *wire.Decoder) bool {
	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, wire.ErrIncomplete) {
				return false
			}
			if errors.Is(err, wire.ErrUnknownOpcode) {
				s.log.Warn().Err(err).Msg("dropping frame outside negotiated opcode set")
				continue
			}
			// Corruption at the buffer head. Resynchronize and keep the
			// run alive; one corrupt frame must not terminate a session.
			dropped := dec.Resync()
			s.log.Warn().Err(err).Int("dropped", dropped).Msg("stream corruption, resynchronized")
			continue
		}
		if s.handleFrame(f) {
			return true
		}
	}
}

func (s *Session) handleFrame(f wire.Frame) (halted bool) {
	switch f.Opcode {
	case wire.OpEvent:
		ev, err := wire.DecodeEvent(f)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed event payload")
			return false
		}
		rec := EventRecord{
			Timestamp: time.Duration(ev.Timestamp) * s.id.TimerPeriod(),
			Kind:      ev.Kind,
			Code:      ev.Code,
			Name:      s.translate(ev),
		}
		s.mu.Lock()
		s.events = append(s.events, rec)
		s.mu.Unlock()
		if ev.Kind == wire.KindSoftCode {
			s.disp.dispatch(ev.Code)
		}
	case wire.OpHalted:
		return true
	default:
		s.log.Warn().Uint8("opcode", f.Opcode).Msg("unexpected frame during run")
	}
	return false
}

func (s *Session) translate(ev wire.Event) string {
	switch ev.Kind {
	case wire.KindStateEntry, wire.KindTimerExpired:
		name, _ := s.prog.Manifest.StateName(ev.Code)
		return name
	case wire.KindInputTransition:
		name, _ := s.prog.Manifest.EventName(ev.Code)
		return name
	default:
		return ""
	}
}
