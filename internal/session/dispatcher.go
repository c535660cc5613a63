package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// SoftCodeFunc is a host callback bound to one soft-code value.
type SoftCodeFunc func(code uint16)

const softCodeQueueDepth = 64

// dispatcher routes soft codes to registered callbacks without blocking the
// decode loop. Each code gets its own worker goroutine, so delivery order
// per code is preserved while distinct codes run concurrently.
type dispatcher struct {
	mu     sync.Mutex
	queues map[uint16]chan uint16
	fns    map[uint16]SoftCodeFunc
	closed bool
	wg     sync.WaitGroup
	log    zerolog.Logger
}

func newDispatcher(log zerolog.Logger) *dispatcher {
	return &dispatcher{
		queues: make(map[uint16]chan uint16),
		fns:    make(map[uint16]SoftCodeFunc),
		log:    log,
	}
}

// register binds fn to code, replacing any previous binding.
func (d *dispatcher) register(code uint16, fn SoftCodeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.fns[code] = fn
	if _, ok := d.queues[code]; !ok {
		q := make(chan uint16, softCodeQueueDepth)
		d.queues[code] = q
		d.wg.Add(1)
		go d.worker(q)
	}
}

func (d *dispatcher) worker(q <-chan uint16) {
	defer d.wg.Done()
	for code := range q {
		d.mu.Lock()
		fn := d.fns[code]
		d.mu.Unlock()
		if fn != nil {
			fn(code)
		}
	}
}

// dispatch enqueues a soft code for its callback. Unregistered codes are
// ignored here; the caller has already recorded the event. A full queue
// drops the delivery rather than stall event intake.
func (d *dispatcher) dispatch(code uint16) {
	d.mu.Lock()
	q, ok := d.queues[code]
	closed := d.closed
	d.mu.Unlock()
	if !ok || closed {
		return
	}
	select {
	case q <- code:
	default:
		d.log.Warn().Uint16("code", code).Msg("soft code queue full, delivery dropped")
	}
}

// close stops the workers after draining queued deliveries.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
