package usb

import (
	"fmt"
	"strings"
)

// PID is the 4-bit USB packet identifier.
type PID uint8

// Token PIDs
const (
	PIDOut   PID = 0x1
	PIDIn    PID = 0x9
	PIDSOF   PID = 0x5
	PIDSetup PID = 0xD
)

// Data PIDs
const (
	PIDData0 PID = 0x3
	PIDData1 PID = 0xB
	PIDData2 PID = 0x7
	PIDMData PID = 0xF
)

// Handshake PIDs
const (
	PIDAck   PID = 0x2
	PIDNak   PID = 0xA
	PIDStall PID = 0xE
	PIDNyet  PID = 0x6
)

var pidNames = map[PID]string{
	PIDOut:   "OUT",
	PIDIn:    "IN",
	PIDSOF:   "SOF",
	PIDSetup: "SETUP",
	PIDData0: "DATA0",
	PIDData1: "DATA1",
	PIDData2: "DATA2",
	PIDMData: "MDATA",
	PIDAck:   "ACK",
	PIDNak:   "NAK",
	PIDStall: "STALL",
	PIDNyet:  "NYET",
}

func (p PID) String() string {
	if name, ok := pidNames[p&0x0F]; ok {
		return name
	}
	return fmt.Sprintf("PID(%#x)", uint8(p))
}

// PIDByName looks up a PID by its name (case-insensitive).
func PIDByName(name string) (PID, bool) {
	for p, n := range pidNames {
		if strings.EqualFold(n, name) {
			return p, true
		}
	}
	return 0, false
}

// Byte returns the on-wire PID byte: the type nibble in bits 0-3 and its
// one's complement in bits 4-7.
func (p PID) Byte() byte {
	v := byte(p) & 0x0F
	return v | (^v&0x0F)<<4
}

// IsToken reports whether p is OUT, IN, SOF or SETUP.
func (p PID) IsToken() bool {
	return p&0x03 == 0x01
}

// IsData reports whether p is one of the data PIDs.
func (p PID) IsData() bool {
	return p&0x03 == 0x03
}

// IsHandshake reports whether p is ACK, NAK, STALL or NYET.
func (p PID) IsHandshake() bool {
	return p&0x03 == 0x02
}

// Toggle returns the opposite data sequence PID (DATA0 <-> DATA1).
func (p PID) Toggle() PID {
	if p == PIDData1 {
		return PIDData0
	}
	return PIDData1
}

// ParsePID decodes a PID byte, validating its check nibble.
func ParsePID(b byte) (PID, bool) {
	lo := b & 0x0F
	hi := b >> 4
	if lo != ^hi&0x0F {
		return 0, false
	}
	return PID(lo), true
}

// Speed is the negotiated link speed.
type Speed uint8

// Link speeds. Low speed is not supported.
const (
	SpeedUnknown Speed = iota
	SpeedFull
	SpeedHigh
)

func (s Speed) String() string {
	switch s {
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// Fixed field widths.
const (
	AddressMask  = 0x7F
	EndpointMask = 0x0F
	FrameMask    = 0x7FF
	MaxAddress   = 127
)
