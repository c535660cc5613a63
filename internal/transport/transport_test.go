package transport

import (
	"errors"
	"testing"
	"time"

	"go.bug.st/serial/enumerator"
)

func TestFakeReadTimeoutVsDisconnect(t *testing.T) {
	f := NewFake()

	_, err := f.Read(make([]byte, 8), 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	f.FailReads(errors.New("unplugged"))
	_, err = f.Read(make([]byte, 8), 10*time.Millisecond)
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestFakeDeliversFedBytes(t *testing.T) {
	f := NewFake()
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Feed([]byte{1, 2, 3})
	}()
	buf := make([]byte, 8)
	n, err := f.Read(buf, 500*time.Millisecond)
	if err != nil || n != 3 {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
}

func TestErrorCarriesKindAndContext(t *testing.T) {
	inner := errors.New("EBUSY")
	err := error(&Error{Op: "open", Port: "/dev/ttyACM0", Kind: ErrBusy, Err: inner})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("kind not matchable: %v", err)
	}
	if !errors.Is(err, inner) {
		t.Fatalf("cause not matchable: %v", err)
	}
}

func TestDiscoverFiltersVendorAndProbe(t *testing.T) {
	defer func() {
		listPorts = enumerator.GetDetailedPortsList
		announceProbe = probeAnnounce
	}()

	listPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyACM0", IsUSB: true, VID: "16C0", PID: "0483", SerialNumber: "1234"},
			{Name: "/dev/ttyACM1", IsUSB: true, VID: "16C0", PID: "0483"},
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001"}, // wrong vendor
			{Name: "/dev/ttyS0", IsUSB: false},
		}, nil
	}
	announceProbe = func(path string) bool {
		return path == "/dev/ttyACM0" // ACM1 never announces
	}

	found, err := Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected one port, got %v", found)
	}
	d := found[0]
	if d.Path != "/dev/ttyACM0" || d.VendorID != 0x16C0 || d.ProductID != 0x0483 {
		t.Fatalf("descriptor: %+v", d)
	}
	if d.SerialNumber != "1234" {
		t.Fatalf("serial number lost: %+v", d)
	}
}

func TestPortDescriptorString(t *testing.T) {
	d := PortDescriptor{Path: "/dev/ttyACM0", VendorID: 0x16C0, ProductID: 0x0483}
	if got := d.String(); got != "/dev/ttyACM0 (16c0:0483)" {
		t.Fatalf("String: %q", got)
	}
	bare := PortDescriptor{Path: "COM3"}
	if bare.String() != "COM3" {
		t.Fatalf("String: %q", bare.String())
	}
}
