package session

import (
	"fmt"
	"time"

	"github.com/finchlab/bpod/internal/wire"
)

// EventRecord is one decoded, timestamped device event. Records are
// append-only and never mutated after creation; the session exposes them in
// exact device arrival order.
type EventRecord struct {
	Timestamp time.Duration
	Kind      wire.EventKind
	Code      uint16

	// Name is the manifest translation of Code: the state entered for
	// state-entry and timer-expired records, the event name for
	// input-transition records, empty for soft codes.
	Name string
}

func (r EventRecord) String() string {
	if r.Name != "" {
		return fmt.Sprintf("[%s %s @%v]", r.Kind, r.Name, r.Timestamp)
	}
	return fmt.Sprintf("[%s %d @%v]", r.Kind, r.Code, r.Timestamp)
}
