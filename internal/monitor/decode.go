package monitor

import (
	"fmt"

	"github.com/hurricanefpga/hurricane/usb"
)

// Packet is a decoded bus packet.
type Packet struct {
	PID     usb.PID
	Token   usb.Token
	Payload []byte
	// Valid is false when the PID check nibble or the CRC does not match.
	Valid bool
	Len   int
}

// Decode classifies one raw packet. It never fails; malformed packets come
// back with Valid unset.
func Decode(pkt []byte) Packet {
	p := Packet{Len: len(pkt)}
	if len(pkt) == 0 {
		return p
	}
	pid, ok := usb.ParsePID(pkt[0])
	if !ok {
		return p
	}
	p.PID = pid
	switch {
	case pid.IsToken():
		p.Token, p.Valid = usb.DecodeToken(pkt)
	case pid.IsData():
		_, p.Payload, p.Valid = usb.DecodeData(pkt)
	case pid.IsHandshake():
		p.Valid = len(pkt) == 1
	}
	return p
}

// Attrs returns the packet as slog key/value pairs.
func (p Packet) Attrs() []any {
	args := []any{"pid", p.PID.String(), "len", p.Len, "valid", p.Valid}
	switch {
	case p.PID == usb.PIDSOF:
		args = append(args, "frame", p.Token.Frame)
	case p.PID.IsToken():
		args = append(args, "addr", p.Token.Address, "ep", p.Token.Endpoint)
	case p.PID.IsData() && len(p.Payload) > 0:
		args = append(args, "data", fmt.Sprintf("% x", p.Payload))
	}
	return args
}

func (p Packet) String() string {
	switch {
	case p.Len == 0:
		return "empty"
	case !p.Valid && p.PID == 0:
		return "invalid pid"
	case p.PID == usb.PIDSOF:
		return fmt.Sprintf("SOF frame=%d%s", p.Token.Frame, crcNote(p.Valid))
	case p.PID.IsToken():
		return fmt.Sprintf("%s addr=%d ep=%d%s", p.PID, p.Token.Address, p.Token.Endpoint, crcNote(p.Valid))
	case p.PID.IsData():
		return fmt.Sprintf("%s len=%d%s", p.PID, len(p.Payload), crcNote(p.Valid))
	default:
		return p.PID.String()
	}
}

func crcNote(ok bool) string {
	if ok {
		return ""
	}
	return " bad-crc"
}
