package transport

import (
	"errors"
	"strconv"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// USB vendor ID shared by the supported controller boards.
	deviceVendorID = 0x16C0

	// A freshly enumerated device announces itself with a single byte.
	announceByte    = 222
	announceTimeout = 200 * time.Millisecond
)

// Seams for tests; production code never touches these.
var (
	listPorts     = enumerator.GetDetailedPortsList
	announceProbe = probeAnnounce
)

// Discover scans the system serial ports for attached devices. A port
// qualifies when its USB vendor ID matches and the device emits its announce
// byte within a short window. Busy or unreadable ports are skipped, not
// reported as errors.
func Discover() ([]PortDescriptor, error) {
	details, err := listPorts()
	if err != nil {
		return nil, &Error{Op: "discover", Kind: ErrNotFound, Err: err}
	}

	var found []PortDescriptor
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		vid, err := strconv.ParseUint(d.VID, 16, 16)
		if err != nil || vid != deviceVendorID {
			continue
		}
		pid, _ := strconv.ParseUint(d.PID, 16, 16)
		desc := PortDescriptor{
			Path:         d.Name,
			VendorID:     uint16(vid),
			ProductID:    uint16(pid),
			SerialNumber: d.SerialNumber,
		}
		if announceProbe(desc.Path) {
			found = append(found, desc)
		}
	}
	return found, nil
}

func probeAnnounce(path string) bool {
	port, err := serial.Open(path, &serial.Mode{BaudRate: 9600})
	if err != nil {
		return false
	}
	defer port.Close()
	if err := port.SetReadTimeout(announceTimeout); err != nil {
		return false
	}
	var b [1]byte
	n, err := port.Read(b[:])
	return err == nil && n == 1 && b[0] == announceByte
}

// serialTransport adapts a go.bug.st serial.Port to the Transport contract.
type serialTransport struct {
	port serial.Port
	path string
}

// Open acquires the serial port described by desc. The returned Transport
// owns the port; callers must Close it on every exit path.
func Open(desc PortDescriptor, baudRate int) (Transport, error) {
	if desc.BaudRate != 0 {
		baudRate = desc.BaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(desc.Path, mode)
	if err != nil {
		return nil, &Error{Op: "open", Port: desc.Path, Kind: openErrKind(err), Err: err}
	}
	return &serialTransport{port: port, path: desc.Path}, nil
}

func openErrKind(err error) error {
	var pe *serial.PortError
	if !errors.As(err, &pe) {
		return ErrNotFound
	}
	switch pe.Code() {
	case serial.PortBusy:
		return ErrBusy
	case serial.PermissionDenied:
		return ErrPermissionDenied
	default:
		return ErrNotFound
	}
}

func (t *serialTransport) Read(p []byte, timeout time.Duration) (int, error) {
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return 0, &Error{Op: "read", Port: t.path, Kind: ErrDisconnected, Err: err}
	}
	n, err := t.port.Read(p)
	if err != nil {
		return n, &Error{Op: "read", Port: t.path, Kind: ErrDisconnected, Err: err}
	}
	if n == 0 {
		// go.bug.st reports an expired timeout as a zero-length read.
		return 0, &Error{Op: "read", Port: t.path, Kind: ErrTimeout}
	}
	return n, nil
}

func (t *serialTransport) Write(p []byte) error {
	n, err := t.port.Write(p)
	if err != nil {
		return &Error{Op: "write", Port: t.path, Kind: ErrDisconnected, Err: err}
	}
	if n != len(p) {
		return &Error{Op: "write", Port: t.path, Kind: ErrDisconnected,
			Err: errors.New("short write")}
	}
	return nil
}

func (t *serialTransport) ResetInput() error {
	if err := t.port.ResetInputBuffer(); err != nil {
		return &Error{Op: "reset", Port: t.path, Kind: ErrDisconnected, Err: err}
	}
	return nil
}

func (t *serialTransport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return &Error{Op: "close", Port: t.path, Kind: ErrDisconnected, Err: err}
	}
	return nil
}
