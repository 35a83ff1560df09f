package token

import (
	"log/slog"
	"time"

	"github.com/hurricanefpga/hurricane/internal/log"
	"github.com/hurricanefpga/hurricane/sim"
	"github.com/hurricanefpga/hurricane/usb"
)

// Frame periods.
const (
	FullSpeedFrame = time.Millisecond
	HighSpeedFrame = 125 * time.Microsecond
)

// LinkStatus is the part of the link controller the frame timer needs.
type LinkStatus interface {
	Speed() usb.Speed
	Ready() bool
}

// FrameTimer issues a SOF token every frame (full speed) or microframe (high
// speed) at the lowest arbitration priority. The 11-bit frame number
// advances once per millisecond at both speeds and wraps from 2047 to 0.
type FrameTimer struct {
	link LinkStatus
	arb  *Arbiter

	fsPeriod uint64
	hsPeriod uint64

	count     uint64
	micro     uint8
	frame     uint16
	triggered bool
	pending   bool
	pendFrame uint16
	sent      uint64
	missed    uint64
	logger    *slog.Logger
}

// NewFrameTimer returns a timer scheduling SOFs through arb.
func NewFrameTimer(link LinkStatus, arb *Arbiter, clock sim.Clock, logger *slog.Logger) *FrameTimer {
	return &FrameTimer{
		link:     link,
		arb:      arb,
		fsPeriod: clock.Ticks(FullSpeedFrame),
		hsPeriod: clock.Ticks(HighSpeedFrame),
		logger:   log.Component(logger, "sof"),
	}
}

// Triggered pulses on the tick a (micro)frame boundary is reached.
func (f *FrameTimer) Triggered() bool {
	return f.triggered
}

// Frame returns the frame number the next SOF will carry.
func (f *FrameTimer) Frame() uint16 {
	return f.frame
}

// Microframe returns the microframe index within the current frame.
func (f *FrameTimer) Microframe() uint8 {
	return f.micro
}

// SetFrame loads the frame counter.
func (f *FrameTimer) SetFrame(n uint16) {
	f.frame = n & usb.FrameMask
	f.micro = 0
}

// Sent returns the number of SOF tokens the arbiter accepted.
func (f *FrameTimer) Sent() uint64 {
	return f.sent
}

// Missed returns how many SOFs were superseded before being sent.
func (f *FrameTimer) Missed() uint64 {
	return f.missed
}

func (f *FrameTimer) Step(tick uint64) {
	f.triggered = false
	if f.pending && f.arb.Accepted(RequesterFrame) {
		f.pending = false
		f.sent++
	}
	if !f.link.Ready() {
		f.count = 0
		f.micro = 0
		f.pending = false
		return
	}

	period := f.fsPeriod
	hs := f.link.Speed() == usb.SpeedHigh
	if hs {
		period = f.hsPeriod
	}
	f.count++
	if f.count >= period {
		f.count = 0
		f.triggered = true
		if f.pending {
			f.missed++
			f.logger.Debug("sof superseded", "tick", tick, "frame", f.pendFrame)
		}
		f.pending = true
		f.pendFrame = f.frame
		f.advance(hs)
	}
	if f.pending {
		f.arb.Request(RequesterFrame, usb.Token{PID: usb.PIDSOF, Frame: f.pendFrame})
	}
}

func (f *FrameTimer) advance(hs bool) {
	if hs {
		f.micro = (f.micro + 1) & 7
		if f.micro != 0 {
			return
		}
	}
	f.frame = (f.frame + 1) & usb.FrameMask
}
