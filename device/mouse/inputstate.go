package mouse

import (
	"fmt"

	"github.com/hurricanefpga/hurricane/device"
)

// ReportLen is the size of the boot mouse report with wheel.
const ReportLen = 4

// Button bits.
const (
	ButtonLeft   = 0x01
	ButtonRight  = 0x02
	ButtonMiddle = 0x04
)

// InputState represents the mouse state used to build a report. Deltas
// accumulate until reported.
type InputState struct {
	// Button bitfield: bit 0=Left, 1=Right, 2=Middle
	Buttons uint8
	// Delta X/Y: signed relative movement, sent in steps of at most 127
	DX, DY int16
	// Wheel: signed vertical scroll
	Wheel int16
}

// BuildReport encodes an InputState into the 4-byte boot mouse report.
//
// Report layout (4 bytes):
//
//	Byte 0: Button bitfield (bit 0=Left, 1=Right, 2=Middle, bits 3-7=padding)
//	Byte 1: DX (int8)
//	Byte 2: DY (int8)
//	Byte 3: Wheel (int8)
func (m InputState) BuildReport() []byte {
	return []byte{
		m.Buttons & 0x07,
		byte(clamp(m.DX)),
		byte(clamp(m.DY)),
		byte(clamp(m.Wheel)),
	}
}

// consume subtracts what BuildReport sent from the accumulated deltas.
func (m *InputState) consume() {
	m.DX -= int16(clamp(m.DX))
	m.DY -= int16(clamp(m.DY))
	m.Wheel -= int16(clamp(m.Wheel))
}

func (m InputState) moving() bool {
	return m.DX != 0 || m.DY != 0 || m.Wheel != 0
}

func clamp(v int16) int8 {
	switch {
	case v > 127:
		return 127
	case v < -127:
		return -127
	default:
		return int8(v)
	}
}

// Report is a decoded boot mouse report.
type Report struct {
	Buttons uint8
	DX, DY  int8
	Wheel   int8
	// HasWheel is false for three byte reports.
	HasWheel bool
}

// ParseReport decodes a boot mouse report of at least device.MinReportLen
// bytes. Bytes beyond the wheel are ignored.
func ParseReport(b []byte) (Report, error) {
	if len(b) < device.MinReportLen {
		return Report{}, device.ErrShortReport
	}
	r := Report{Buttons: b[0], DX: int8(b[1]), DY: int8(b[2])}
	if len(b) >= ReportLen {
		r.Wheel = int8(b[3])
		r.HasWheel = true
	}
	return r, nil
}

// Bytes re-encodes the report in the 4-byte layout.
func (r Report) Bytes() []byte {
	return []byte{r.Buttons, byte(r.DX), byte(r.DY), byte(r.Wheel)}
}

func (r Report) String() string {
	return fmt.Sprintf("buttons=%03b dx=%d dy=%d wheel=%d", r.Buttons&0x07, r.DX, r.DY, r.Wheel)
}
