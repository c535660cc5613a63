package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/finchlab/bpod/internal/compiler"
	"github.com/finchlab/bpod/internal/logging"
	"github.com/finchlab/bpod/internal/protocol"
	"github.com/finchlab/bpod/internal/statemachine"
	"github.com/finchlab/bpod/internal/transport"
	"github.com/finchlab/bpod/internal/wire"
)

func testConfig() Config {
	return Config{
		AckTimeout:  100 * time.Millisecond,
		StopTimeout: 200 * time.Millisecond,
		PollTimeout: 5 * time.Millisecond,
	}
}

func testIdentity() protocol.Identity {
	return protocol.Identity{
		FirmwareMajor:     23,
		MaxStates:         256,
		TimerPeriodMicros: 100,
		NumGlobalTimers:   5,
		NumConditions:     5,
		Inputs:            []protocol.Channel{{Name: "Port1", Kind: 'P', Index: 0}},
		Outputs:           []protocol.Channel{{Name: "PWM1", Kind: 'P', Index: 0}},
	}
}

// testProgram compiles the two-state machine from the run scenario:
// A (entry, 2s timer looping to A), transition A -> B on "X", B exits.
func testProgram(t *testing.T) *compiler.Program {
	t.Helper()
	m, err := statemachine.NewBuilder().
		AddState("A").
		AddState("B").
		AddTransition("A", "X", "B").
		AddTransition("B", "Done", statemachine.ExitTarget).
		SetTimer("A", 2*time.Second, "A").
		Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	prog, err := compiler.Compile(m, testIdentity())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return prog
}

func newTestSession(t *testing.T) (*Session, *transport.Fake) {
	t.Helper()
	fake := transport.NewFake()
	s := New(fake, testIdentity(), testProgram(t), testConfig(), logging.Tests("session"))
	return s, fake
}

// ackAllUploads wires the fake device to positively acknowledge every
// program chunk frame.
func ackAllUploads(fake *transport.Fake) {
	fake.OnWrite(func(p []byte) {
		if len(p) > 1 && p[0] == wire.SOF && p[1] == wire.OpProgramChunk {
			raw, _ := wire.Encode(wire.EncodeAck(true))
			fake.Feed(raw)
		}
	})
}

func feedFrame(fake *transport.Fake, f wire.Frame) {
	raw, err := wire.Encode(f)
	if err != nil {
		panic(err)
	}
	fake.Feed(raw)
}

func TestUploadAcksEveryFrame(t *testing.T) {
	s, fake := newTestSession(t)
	ackAllUploads(fake)
	if err := s.Upload(); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if s.Phase() != Ready {
		t.Fatalf("phase after upload: %s", s.Phase())
	}
	if got, want := len(fake.Writes()), len(s.prog.Frames); got != want {
		t.Fatalf("device saw %d frames, want %d", got, want)
	}
}

func TestUploadNegativeAckFailsSession(t *testing.T) {
	s, fake := newTestSession(t)
	frames := 0
	fake.OnWrite(func(p []byte) {
		if len(p) > 1 && p[0] == wire.SOF && p[1] == wire.OpProgramChunk {
			frames++
			raw, _ := wire.Encode(wire.EncodeAck(frames != 2)) // reject frame 2
			fake.Feed(raw)
		}
	})
	err := s.Upload()
	if !errors.Is(err, ErrUploadRejected) {
		t.Fatalf("expected ErrUploadRejected, got %v", err)
	}
	if s.Phase() != Idle {
		t.Fatalf("phase after rejected upload must be idle, got %s", s.Phase())
	}
}

func TestUploadMissingAckFailsSession(t *testing.T) {
	s, fake := newTestSession(t)
	_ = fake // device stays silent
	err := s.Upload()
	if !errors.Is(err, ErrUploadRejected) {
		t.Fatalf("expected ErrUploadRejected, got %v", err)
	}
	if s.Phase() != Idle {
		t.Fatalf("phase: %s", s.Phase())
	}
}

func TestStartRequiresReady(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Start(); !errors.Is(err, ErrBadPhase) {
		t.Fatalf("expected ErrBadPhase, got %v", err)
	}
}

func startRunning(t *testing.T, s *Session, fake *transport.Fake) {
	t.Helper()
	ackAllUploads(fake)
	if err := s.Upload(); err != nil {
		t.Fatalf("upload: %v", err)
	}
	fake.OnWrite(nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestRunScenarioTwoStates(t *testing.T) {
	s, fake := newTestSession(t)
	startRunning(t, s, fake)

	// Device timeline: enter A at t=0; input "X" at 0.5s moves to B; B is
	// a natural end state.
	const halfSecond = 5000 // cycles at 100us
	feedFrame(fake, wire.EncodeEvent(wire.Event{Kind: wire.KindStateEntry, Code: 0, Timestamp: 0}))
	feedFrame(fake, wire.EncodeEvent(wire.Event{Kind: wire.KindInputTransition, Code: 0, Timestamp: halfSecond}))
	feedFrame(fake, wire.EncodeEvent(wire.Event{Kind: wire.KindStateEntry, Code: 1, Timestamp: halfSecond}))
	feedFrame(fake, wire.EncodeHalted(halfSecond))

	records, err := s.WaitUntilDone(time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	want := []struct {
		kind wire.EventKind
		name string
		at   time.Duration
	}{
		{wire.KindStateEntry, "A", 0},
		{wire.KindInputTransition, "X", 500 * time.Millisecond},
		{wire.KindStateEntry, "B", 500 * time.Millisecond},
	}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d: %v", len(records), len(want), records)
	}
	for i, w := range want {
		r := records[i]
		if r.Kind != w.kind || r.Name != w.name || r.Timestamp != w.at {
			t.Fatalf("record %d: got %v, want kind=%s name=%s at=%v", i, r, w.kind, w.name, w.at)
		}
	}
	if s.Phase() != Idle {
		t.Fatalf("phase after natural end: %s", s.Phase())
	}
}

func TestCorruptFrameIsSkippedAndStreamResumes(t *testing.T) {
	s, fake := newTestSession(t)
	startRunning(t, s, fake)

	const n = 5
	for i := 0; i < n; i++ {
		raw, _ := wire.Encode(wire.EncodeEvent(wire.Event{
			Kind: wire.KindStateEntry, Code: 0, Timestamp: uint32(i),
		}))
		if i == 2 {
			raw[len(raw)-1] ^= 0xFF // corrupt the middle frame
		}
		fake.Feed(raw)
	}
	feedFrame(fake, wire.EncodeHalted(n))

	records, err := s.WaitUntilDone(time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(records) != n-1 {
		t.Fatalf("got %d records, want %d", len(records), n-1)
	}
	wantTS := []uint32{0, 1, 3, 4}
	for i, r := range records {
		if r.Timestamp != time.Duration(wantTS[i])*100*time.Microsecond {
			t.Fatalf("record %d out of order: %v", i, r)
		}
	}
}

func TestStopConfirmedByDevice(t *testing.T) {
	s, fake := newTestSession(t)
	startRunning(t, s, fake)

	fake.OnWrite(func(p []byte) {
		if len(p) > 1 && p[0] == wire.SOF && p[1] == wire.OpStop {
			raw, _ := wire.Encode(wire.EncodeHalted(1000))
			fake.Feed(raw)
		}
	})
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Phase() != Idle {
		t.Fatalf("phase after stop: %s", s.Phase())
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("done channel still open after stop")
	}
}

func TestStopTimeoutStillGoesIdle(t *testing.T) {
	s, fake := newTestSession(t)
	startRunning(t, s, fake)

	err := s.Stop() // device never confirms
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("expected ErrStopTimeout, got %v", err)
	}
	if s.Phase() != Idle {
		t.Fatalf("phase after stop timeout: %s", s.Phase())
	}
}

func TestStopWhenIdleIsNoOp(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop on idle session: %v", err)
	}
}

func TestSoftCodeDispatchAndRecording(t *testing.T) {
	s, fake := newTestSession(t)

	var mu sync.Mutex
	var delivered []uint16
	got := make(chan struct{}, 8)
	s.RegisterSoftCode(7, func(code uint16) {
		mu.Lock()
		delivered = append(delivered, code)
		mu.Unlock()
		got <- struct{}{}
	})

	startRunning(t, s, fake)

	feedFrame(fake, wire.EncodeEvent(wire.Event{Kind: wire.KindSoftCode, Code: 7, Timestamp: 10}))
	feedFrame(fake, wire.EncodeEvent(wire.Event{Kind: wire.KindSoftCode, Code: 9, Timestamp: 11})) // unregistered
	feedFrame(fake, wire.EncodeEvent(wire.Event{Kind: wire.KindSoftCode, Code: 7, Timestamp: 12}))
	feedFrame(fake, wire.EncodeHalted(13))

	records, err := s.WaitUntilDone(time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("all soft codes must be recorded, got %d", len(records))
	}

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatalf("callback %d not delivered", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 2 || delivered[0] != 7 || delivered[1] != 7 {
		t.Fatalf("unexpected deliveries: %v", delivered)
	}
}

func TestTriggerSoftCodeGoesThroughCommandQueue(t *testing.T) {
	s, fake := newTestSession(t)
	startRunning(t, s, fake)

	if err := s.TriggerSoftCode(0x0102); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	var found bool
	for _, w := range fake.Writes() {
		if len(w) > 1 && w[0] == wire.SOF && w[1] == wire.OpSoftCode {
			found = true
		}
	}
	if !found {
		t.Fatalf("soft code frame never reached the device")
	}

	fake.OnWrite(func(p []byte) {
		if len(p) > 1 && p[0] == wire.SOF && p[1] == wire.OpStop {
			raw, _ := wire.Encode(wire.EncodeHalted(0))
			fake.Feed(raw)
		}
	})
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestTransportFailureEndsRun(t *testing.T) {
	s, fake := newTestSession(t)
	startRunning(t, s, fake)

	fake.FailReads(errors.New("yanked"))
	if _, err := s.WaitUntilDone(time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if s.Phase() != Idle {
		t.Fatalf("phase after transport failure: %s", s.Phase())
	}
}
