// Package protocol owns the connection-time contract: the raw discovery
// probe, identity queries and the resulting Identity snapshot.
//
// Before a session starts the device speaks a bare single-byte command
// alphabet; only session traffic is framed (see internal/wire).
package protocol

import "errors"

// Pre-framing command bytes.
const (
	CmdHandshake      byte = '6'
	ReplyHandshake    byte = '5'
	CmdFirmware       byte = 'F'
	CmdFirmwareMinor  byte = 'f'
	CmdPCBRevision    byte = 'v'
	CmdHardware       byte = 'H'
	CmdDisconnect     byte = 'Z'
	CmdReadInput      byte = 'I'
	CmdOverrideOutput byte = 'O'
	CmdOverrideInput  byte = 'V'
)

// Firmware range this engine can drive. Versions at or below 22 lack the
// minor-version and board-revision queries; the handshake accounts for that.
const (
	MinFirmware = 18
	MaxFirmware = 23
)

var (
	ErrNoResponse         = errors.New("protocol: no response from device")
	ErrUnsupportedVersion = errors.New("protocol: unsupported firmware version")
	ErrMalformedReply     = errors.New("protocol: malformed handshake reply")
)
