package keyboard

import (
	"strings"

	"github.com/hurricanefpga/hurricane/device"
)

// ReportLen is the size of a boot keyboard report.
const ReportLen = 8

// InputState represents the keyboard state used to build a report.
// Internally uses a 256-bit bitmap so callers can press keys in any order.
type InputState struct {
	Modifiers uint8     // bit 0-7: LCtrl, LShift, LAlt, LGui, RCtrl, RShift, RAlt, RGui
	KeyBitmap [32]uint8 // 256 bits for HID usage codes 0x00-0xFF
}

// Press marks key as held.
func (st *InputState) Press(key uint8) {
	st.KeyBitmap[key/8] |= 1 << (key % 8)
}

// Release clears key.
func (st *InputState) Release(key uint8) {
	st.KeyBitmap[key/8] &^= 1 << (key % 8)
}

// BuildReport encodes an InputState into the 8-byte boot keyboard report.
//
// Report layout (8 bytes):
//
//	Byte 0: Modifiers (8 bits)
//	Byte 1: Reserved (0x00)
//	Bytes 2-7: Up to six usage codes, lowest first; all ErrorRollOver when
//	more than six keys are held
func (st InputState) BuildReport() []byte {
	b := make([]byte, ReportLen)
	b[0] = st.Modifiers
	n := 0
	for i := 0; i < 256; i++ {
		if st.KeyBitmap[i/8]&(1<<uint(i%8)) == 0 {
			continue
		}
		if n == 6 {
			for j := 2; j < ReportLen; j++ {
				b[j] = KeyErrorRollOver
			}
			return b
		}
		b[2+n] = uint8(i)
		n++
	}
	return b
}

// Report is a decoded boot keyboard report.
type Report struct {
	Modifiers uint8
	Keys      [6]uint8
}

// ParseReport decodes a boot keyboard report. Payloads shorter than eight
// bytes are accepted down to device.MinReportLen; missing key slots read as
// zero.
func ParseReport(b []byte) (Report, error) {
	if len(b) < device.MinReportLen {
		return Report{}, device.ErrShortReport
	}
	r := Report{Modifiers: b[0]}
	if len(b) > ReportLen {
		b = b[:ReportLen]
	}
	copy(r.Keys[:], b[2:])
	return r, nil
}

// Bytes re-encodes the report.
func (r Report) Bytes() []byte {
	b := make([]byte, ReportLen)
	b[0] = r.Modifiers
	copy(b[2:], r.Keys[:])
	return b
}

// Pressed reports whether key is in the report.
func (r Report) Pressed(key uint8) bool {
	for _, k := range r.Keys {
		if k == key && k != 0 {
			return true
		}
	}
	return false
}

// Empty reports whether no key or modifier is held.
func (r Report) Empty() bool {
	return r == Report{}
}

func (r Report) String() string {
	var parts []string
	mods := []string{"LCtrl", "LShift", "LAlt", "LGui", "RCtrl", "RShift", "RAlt", "RGui"}
	for i, m := range mods {
		if r.Modifiers&(1<<i) != 0 {
			parts = append(parts, m)
		}
	}
	for _, k := range r.Keys {
		if k != 0 {
			parts = append(parts, KeyName(k))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}
