package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/finchlab/bpod/internal/transport"
)

// Handshake performs the single deterministic connection-time exchange:
// discovery probe, firmware version check, hardware description. It never
// retries; callers that want backoff wrap it themselves.
//
// probeTimeout bounds the wait for the probe reply (the device may still be
// booting); queryTimeout bounds each identity query after that.
func Handshake(tr transport.Transport, probeTimeout, queryTimeout time.Duration, log zerolog.Logger) (Identity, error) {
	if err := tr.Write([]byte{CmdHandshake}); err != nil {
		return Identity{}, fmt.Errorf("handshake probe: %w", err)
	}
	reply, err := readExact(tr, 1, probeTimeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return Identity{}, ErrNoResponse
		}
		return Identity{}, fmt.Errorf("handshake probe: %w", err)
	}
	if reply[0] != ReplyHandshake {
		return Identity{}, fmt.Errorf("%w: probe answered 0x%02X", ErrMalformedReply, reply[0])
	}
	// The probe resets the device's session clock; drop anything stale.
	if err := tr.ResetInput(); err != nil {
		return Identity{}, fmt.Errorf("handshake flush: %w", err)
	}

	id, err := readIdentity(tr, queryTimeout)
	if err != nil {
		return Identity{}, err
	}
	if id.FirmwareMajor < MinFirmware || id.FirmwareMajor > MaxFirmware {
		return Identity{}, fmt.Errorf("%w: firmware %d, supported %d-%d",
			ErrUnsupportedVersion, id.FirmwareMajor, MinFirmware, MaxFirmware)
	}

	log.Info().
		Uint16("firmware", id.FirmwareMajor).
		Str("machine", id.MachineTypeString()).
		Int("inputs", len(id.Inputs)).
		Int("outputs", len(id.Outputs)).
		Msg("handshake complete")
	return id, nil
}

func readIdentity(tr transport.Transport, timeout time.Duration) (Identity, error) {
	var id Identity

	b, err := query(tr, CmdFirmware, 4, timeout)
	if err != nil {
		return Identity{}, err
	}
	id.FirmwareMajor = binary.LittleEndian.Uint16(b[0:2])
	id.MachineType = binary.LittleEndian.Uint16(b[2:4])

	if id.FirmwareMajor > 22 {
		if b, err = query(tr, CmdFirmwareMinor, 2, timeout); err != nil {
			return Identity{}, err
		}
		id.FirmwareMinor = binary.LittleEndian.Uint16(b)
		if b, err = query(tr, CmdPCBRevision, 1, timeout); err != nil {
			return Identity{}, err
		}
		id.PCBRevision = b[0]
	}

	// Hardware description. Firmware 22 and older omits the
	// bytes-per-serial-message field; it is fixed at 3 there.
	hwLen := 9
	if id.FirmwareMajor > 22 {
		hwLen = 10
	}
	if b, err = query(tr, CmdHardware, hwLen, timeout); err != nil {
		return Identity{}, err
	}
	id.MaxStates = binary.LittleEndian.Uint16(b[0:2])
	id.TimerPeriodMicros = binary.LittleEndian.Uint16(b[2:4])
	id.MaxSerialEvents = b[4]
	rest := b[5:]
	if id.FirmwareMajor > 22 {
		id.MaxBytesPerSerial = rest[0]
		rest = rest[1:]
	} else {
		id.MaxBytesPerSerial = 3
	}
	id.NumGlobalTimers = rest[0]
	id.NumGlobalCounters = rest[1]
	id.NumConditions = rest[2]
	nInputs := int(rest[3])

	if b, err = readExact(tr, nInputs+1, timeout); err != nil {
		return Identity{}, fmt.Errorf("%w: truncated input description", ErrMalformedReply)
	}
	id.Inputs = collectChannels(b[:nInputs], inputNames)
	nOutputs := int(b[nInputs])

	if b, err = readExact(tr, nOutputs, timeout); err != nil {
		return Identity{}, fmt.Errorf("%w: truncated output description", ErrMalformedReply)
	}
	id.Outputs = collectChannels(b, outputNames)

	return id, nil
}

func query(tr transport.Transport, cmd byte, n int, timeout time.Duration) ([]byte, error) {
	if err := tr.Write([]byte{cmd}); err != nil {
		return nil, fmt.Errorf("query %q: %w", cmd, err)
	}
	b, err := readExact(tr, n, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: query %q: %v", ErrMalformedReply, cmd, err)
	}
	return b, nil
}

// readExact accumulates reads until n bytes arrive or the deadline passes.
func readExact(tr transport.Transport, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)
	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &transport.Error{Op: "read", Kind: transport.ErrTimeout}
		}
		k, err := tr.Read(buf[got:], remaining)
		if err != nil {
			return nil, err
		}
		got += k
	}
	return buf, nil
}
