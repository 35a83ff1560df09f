package host

import (
	"github.com/hurricanefpga/hurricane/descriptor"
	"github.com/hurricanefpga/hurricane/device/keyboard"
	"github.com/hurricanefpga/hurricane/device/mouse"
	"github.com/hurricanefpga/hurricane/enumerator"
	"github.com/hurricanefpga/hurricane/hid"
	"github.com/hurricanefpga/hurricane/internal/monitor"
	"github.com/hurricanefpga/hurricane/link"
	"github.com/hurricanefpga/hurricane/ringbuf"
	"github.com/hurricanefpga/hurricane/transaction"
	"github.com/hurricanefpga/hurricane/usb"
)

// PollerStatus describes one HID poller.
type PollerStatus struct {
	Active   bool
	State    hid.State
	Endpoint descriptor.Endpoint
	Stats    hid.Stats
	Code     usb.ErrorCode
}

func pollerStatus[T any](p *hid.Poller[T]) PollerStatus {
	return PollerStatus{
		Active:   p.Enabled(),
		State:    p.State(),
		Endpoint: p.Endpoint(),
		Stats:    p.Stats(),
		Code:     p.Code(),
	}
}

// Status is a snapshot of the host telemetry.
type Status struct {
	Tick      uint64
	HostMode  bool
	Connected bool
	Link      link.LinkState
	LinkState link.State
	Speed     usb.Speed
	LinkCode  usb.ErrorCode

	Stage      enumerator.Stage
	Enumerated bool
	EnumCode   usb.ErrorCode
	FailedAt   enumerator.Stage
	Device     enumerator.DeviceInfo

	Keyboard       PollerStatus
	Mouse          PollerStatus
	KeyboardReport keyboard.Report
	MouseReport    mouse.Report

	Frame        uint16
	SOFs         uint64
	Transactions transaction.Stats

	BufferUsed     int
	BufferCapacity int
	Buffer         ringbuf.Stats
	Capture        monitor.Stats
}

// Code returns the first error raised by the link, the enumerator or a
// poller, in that order.
func (s Status) Code() usb.ErrorCode {
	for _, c := range []usb.ErrorCode{s.LinkCode, s.EnumCode, s.Keyboard.Code, s.Mouse.Code} {
		if c != usb.CodeNone {
			return c
		}
	}
	return usb.CodeNone
}

// Status returns a consistent snapshot.
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status()
}

func (h *Host) status() Status {
	s := Status{
		Tick:           h.tick,
		HostMode:       h.cfg.HostMode,
		Connected:      h.link.Connected(),
		Link:           h.link.LinkState(),
		LinkState:      h.link.State(),
		Speed:          h.link.Speed(),
		LinkCode:       h.link.Code(),
		Stage:          h.enum.Stage(),
		Enumerated:     h.enum.Enumerated(),
		EnumCode:       h.enum.Code(),
		FailedAt:       h.enum.Failed(),
		Device:         h.enum.Info(),
		Keyboard:       pollerStatus(h.kbd),
		Mouse:          pollerStatus(h.mouse),
		KeyboardReport: h.kbd.Report(),
		MouseReport:    h.mouse.Report(),
		Frame:          h.frames.Frame(),
		SOFs:           h.frames.Sent(),
		Transactions:   h.eng.Stats(),
		Buffer:         h.buf.Stats(),
	}
	s.BufferUsed, s.BufferCapacity = h.buf.Used()
	if h.mon != nil {
		s.Capture = h.mon.Stats()
	}
	return s
}
