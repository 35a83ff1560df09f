package host

import (
	"encoding/binary"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hurricanefpga/hurricane/device/keyboard"
	"github.com/hurricanefpga/hurricane/device/mouse"
	"github.com/hurricanefpga/hurricane/usb"
)

// Status register map shared by the simulated host and the hardware.
const (
	RegHostMode    = 0x00
	RegEnumStart   = 0x01
	RegEnumDone    = 0x02
	RegEnumError   = 0x03
	RegErrorCode   = 0x04
	RegVendorLo    = 0x10
	RegVendorHi    = 0x11
	RegProductLo   = 0x12
	RegProductHi   = 0x13
	RegKbdActive   = 0x20
	RegKbdReport   = 0x30 // 8 bytes
	RegMouseActive = 0x40
	RegMouseReport = 0x50 // buttons, dx, dy, wheel

	RegisterSpace = 0x60
)

// RegisterFile is byte wide register access.
type RegisterFile interface {
	ReadRegister(addr uint8) (uint8, error)
	WriteRegister(addr, value uint8) error
}

// ReadRegister reads one status register. Unmapped addresses read as zero.
func (h *Host) ReadRegister(addr uint8) (uint8, error) {
	if addr >= RegisterSpace {
		return 0, fmt.Errorf("register 0x%02x out of range", addr)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.status()

	switch {
	case addr == RegHostMode:
		return flag(s.HostMode), nil
	case addr == RegEnumStart:
		return h.enumStart, nil
	case addr == RegEnumDone:
		return flag(s.Enumerated), nil
	case addr == RegEnumError:
		return flag(s.EnumCode != usb.CodeNone), nil
	case addr == RegErrorCode:
		return uint8(s.Code()), nil
	case addr == RegVendorLo, addr == RegVendorHi:
		return le16(s.Device.VendorID, addr-RegVendorLo), nil
	case addr == RegProductLo, addr == RegProductHi:
		return le16(s.Device.ProductID, addr-RegProductLo), nil
	case addr == RegKbdActive:
		return flag(s.Keyboard.Active), nil
	case addr >= RegKbdReport && addr < RegKbdReport+keyboard.ReportLen:
		return s.KeyboardReport.Bytes()[addr-RegKbdReport], nil
	case addr == RegMouseActive:
		return flag(s.Mouse.Active), nil
	case addr >= RegMouseReport && addr < RegMouseReport+mouse.ReportLen:
		return s.MouseReport.Bytes()[addr-RegMouseReport], nil
	}
	return 0, nil
}

// WriteRegister writes a control register. Host mode takes 0 or 1; a rising
// edge on enumeration start begins enumeration.
func (h *Host) WriteRegister(addr, value uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch addr {
	case RegHostMode:
		h.setHostMode(value != 0)
	case RegEnumStart:
		if value != 0 && h.enumStart == 0 {
			h.pending = false
			h.enum.Start()
		}
		h.enumStart = value
	default:
		return fmt.Errorf("register 0x%02x is read only", addr)
	}
	return nil
}

func flag(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func le16(v uint16, hi uint8) uint8 {
	if hi != 0 {
		return uint8(v >> 8)
	}
	return uint8(v)
}

// Snapshot is the decoded register file.
type Snapshot struct {
	HostMode       bool
	EnumDone       bool
	EnumError      bool
	ErrorCode      usb.ErrorCode
	VendorID       uint16
	ProductID      uint16
	KeyboardActive bool
	KeyboardReport keyboard.Report
	MouseActive    bool
	MouseReport    mouse.Report
}

// ReadSnapshot reads every mapped register from rf.
func ReadSnapshot(rf RegisterFile) (Snapshot, error) {
	var regs [RegisterSpace]uint8
	for _, r := range []struct{ base, n uint8 }{
		{RegHostMode, 1},
		{RegEnumDone, 3},
		{RegVendorLo, 4},
		{RegKbdActive, 1},
		{RegKbdReport, keyboard.ReportLen},
		{RegMouseActive, 1},
		{RegMouseReport, mouse.ReportLen},
	} {
		for a := r.base; a < r.base+r.n; a++ {
			v, err := rf.ReadRegister(a)
			if err != nil {
				return Snapshot{}, fmt.Errorf("read register 0x%02x: %w", a, err)
			}
			regs[a] = v
		}
	}

	s := Snapshot{
		HostMode:       regs[RegHostMode] != 0,
		EnumDone:       regs[RegEnumDone] != 0,
		EnumError:      regs[RegEnumError] != 0,
		ErrorCode:      usb.ErrorCode(regs[RegErrorCode]),
		VendorID:       binary.LittleEndian.Uint16(regs[RegVendorLo:]),
		ProductID:      binary.LittleEndian.Uint16(regs[RegProductLo:]),
		KeyboardActive: regs[RegKbdActive] != 0,
		MouseActive:    regs[RegMouseActive] != 0,
	}
	var err error
	if s.KeyboardReport, err = keyboard.ParseReport(regs[RegKbdReport : RegKbdReport+keyboard.ReportLen]); err != nil {
		return Snapshot{}, err
	}
	if s.MouseReport, err = mouse.ParseReport(regs[RegMouseReport : RegMouseReport+mouse.ReportLen]); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// StartEnumeration pulses the enumeration start register.
func StartEnumeration(rf RegisterFile) error {
	if err := rf.WriteRegister(RegEnumStart, 1); err != nil {
		return err
	}
	return rf.WriteRegister(RegEnumStart, 0)
}

// Print writes the snapshot as an aligned table.
func (s Snapshot) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "host mode\t%v\n", s.HostMode)
	fmt.Fprintf(tw, "enumeration done\t%v\n", s.EnumDone)
	fmt.Fprintf(tw, "enumeration error\t%v\n", s.EnumError)
	if s.ErrorCode != usb.CodeNone {
		fmt.Fprintf(tw, "error code\t0x%02x %s\n", uint8(s.ErrorCode), s.ErrorCode)
	}
	if s.EnumDone {
		fmt.Fprintf(tw, "device\t%04x:%04x\n", s.VendorID, s.ProductID)
	}
	fmt.Fprintf(tw, "keyboard\t%s\n", activity(s.KeyboardActive, s.KeyboardReport.String()))
	fmt.Fprintf(tw, "mouse\t%s\n", activity(s.MouseActive, s.MouseReport.String()))
	return tw.Flush()
}

func activity(active bool, report string) string {
	if !active {
		return "inactive"
	}
	return "active, " + report
}
