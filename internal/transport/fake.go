package transport

import (
	"bytes"
	"sync"
	"time"
)

// Fake is an in-memory Transport for tests. Bytes queued with Feed become
// readable; writes are captured and optionally forwarded to an OnWrite hook
// so a test can script device-side replies.
type Fake struct {
	mu      sync.Mutex
	inbound bytes.Buffer
	writes  [][]byte
	onWrite func(p []byte)
	readErr error
	closed  bool
	notify  chan struct{}
}

func NewFake() *Fake {
	return &Fake{notify: make(chan struct{}, 1)}
}

// Feed queues bytes for subsequent reads.
func (f *Fake) Feed(p []byte) {
	f.mu.Lock()
	f.inbound.Write(p)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// OnWrite installs a hook invoked synchronously for every Write. The hook
// may call Feed to script the device's reply.
func (f *Fake) OnWrite(fn func(p []byte)) {
	f.mu.Lock()
	f.onWrite = fn
	f.mu.Unlock()
}

// Writes returns a copy of everything written so far.
func (f *Fake) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	for i, w := range f.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// WrittenBytes returns the concatenation of all writes.
func (f *Fake) WrittenBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []byte
	for _, w := range f.writes {
		all = append(all, w...)
	}
	return all
}

// FailReads makes every subsequent Read return err.
func (f *Fake) FailReads(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Fake) Read(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if f.readErr != nil {
			err := f.readErr
			f.mu.Unlock()
			return 0, &Error{Op: "read", Port: "fake", Kind: ErrDisconnected, Err: err}
		}
		if f.closed {
			f.mu.Unlock()
			return 0, &Error{Op: "read", Port: "fake", Kind: ErrDisconnected}
		}
		if f.inbound.Len() > 0 {
			n, _ := f.inbound.Read(p)
			f.mu.Unlock()
			return n, nil
		}
		f.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, &Error{Op: "read", Port: "fake", Kind: ErrTimeout}
		}
		select {
		case <-f.notify:
		case <-time.After(remaining):
			return 0, &Error{Op: "read", Port: "fake", Kind: ErrTimeout}
		}
	}
}

func (f *Fake) Write(p []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return &Error{Op: "write", Port: "fake", Kind: ErrDisconnected}
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (f *Fake) ResetInput() error {
	f.mu.Lock()
	f.inbound.Reset()
	f.mu.Unlock()
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}
