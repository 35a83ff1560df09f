// Package link implements the host side reset and speed negotiation state
// machine.
//
// After a device connects the controller drives SE0 for the reset window.
// A device that answers with a K chirp long enough to pass the filter is
// answered with three host K/J chirp pairs and the link comes up at high
// speed. Otherwise the link comes up at full speed once the window ends.
package link

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hurricanefpga/hurricane/internal/log"
	"github.com/hurricanefpga/hurricane/phy"
	"github.com/hurricanefpga/hurricane/sim"
	"github.com/hurricanefpga/hurricane/token"
	"github.com/hurricanefpga/hurricane/usb"
)

// State is the detailed controller state.
type State uint8

const (
	StateDisconnected State = iota
	StateWaitConnect
	StateBusReset
	StateWaitChirpK
	StateChirpKFilter
	StateHostChirpK
	StateHostChirpJ
	StateWaitHsIdle
	StateRecovery
	StateFsIdle
	StateHsIdle
	StateError
)

var stateNames = map[State]string{
	StateDisconnected: "Disconnected",
	StateWaitConnect:  "WaitConnect",
	StateBusReset:     "BusReset",
	StateWaitChirpK:   "WaitChirpK",
	StateChirpKFilter: "ChirpKFilter",
	StateHostChirpK:   "HostChirpK",
	StateHostChirpJ:   "HostChirpJ",
	StateWaitHsIdle:   "WaitHsIdle",
	StateRecovery:     "Recovery",
	StateFsIdle:       "FsIdle",
	StateHsIdle:       "HsIdle",
	StateError:        "Error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

// LinkState is the coarse view other components use.
type LinkState uint8

const (
	LinkDisconnected LinkState = iota
	LinkResetting
	LinkNegotiatingSpeed
	LinkIdle
)

func (l LinkState) String() string {
	switch l {
	case LinkDisconnected:
		return "Disconnected"
	case LinkResetting:
		return "Resetting"
	case LinkNegotiatingSpeed:
		return "NegotiatingSpeed"
	case LinkIdle:
		return "Idle"
	default:
		return fmt.Sprintf("LinkState(%d)", l)
	}
}

// Timing holds the reset budgets.
type Timing struct {
	Settle      time.Duration // connect and disconnect debounce
	Reset       time.Duration // minimum SE0 reset window
	ChirpFilter time.Duration // minimum device K chirp
	ChirpMax    time.Duration // longest device K chirp tolerated
	ChirpPulse  time.Duration // each host K or J chirp
	ChirpPairs  int
	Recovery    time.Duration // idle time after reset before traffic
}

// DefaultTiming returns the USB 2.0 budgets.
func DefaultTiming() Timing {
	return Timing{
		Settle:      100 * time.Microsecond,
		Reset:       10 * time.Millisecond,
		ChirpFilter: 500 * time.Microsecond,
		ChirpMax:    7 * time.Millisecond,
		ChirpPulse:  50 * time.Microsecond,
		ChirpPairs:  3,
		Recovery:    time.Millisecond,
	}
}

type ticks struct {
	settle, reset, filter, chirpMax, pulse, recovery uint64
}

// Controller is the reset and speed state machine. It must be stepped before
// every component that reads its outputs.
type Controller struct {
	port   phy.Port
	arb    *token.Arbiter
	t      ticks
	pairs  int
	logger *slog.Logger

	state      State
	speed      usb.Speed
	timer      uint64
	window     uint64
	chirps     int
	code       usb.ErrorCode
	requested  bool
	resets     uint64
	disconnect uint64
}

// New returns a controller driving port. arb may be nil; otherwise the line
// is reserved on it for the whole reset sequence.
func New(port phy.Port, arb *token.Arbiter, clock sim.Clock, timing Timing, logger *slog.Logger) *Controller {
	if timing.ChirpPairs <= 0 {
		timing.ChirpPairs = 3
	}
	return &Controller{
		port: port,
		arb:  arb,
		t: ticks{
			settle:   clock.Ticks(timing.Settle),
			reset:    clock.Ticks(timing.Reset),
			filter:   clock.Ticks(timing.ChirpFilter),
			chirpMax: clock.Ticks(timing.ChirpMax),
			pulse:    clock.Ticks(timing.ChirpPulse),
			recovery: clock.Ticks(timing.Recovery),
		},
		pairs:  timing.ChirpPairs,
		logger: log.Component(logger, "link"),
	}
}

// State returns the detailed state.
func (c *Controller) State() State {
	return c.state
}

// LinkState returns the coarse state.
func (c *Controller) LinkState() LinkState {
	switch c.state {
	case StateDisconnected, StateWaitConnect, StateError:
		return LinkDisconnected
	case StateBusReset, StateWaitChirpK, StateRecovery:
		return LinkResetting
	case StateChirpKFilter, StateHostChirpK, StateHostChirpJ, StateWaitHsIdle:
		return LinkNegotiatingSpeed
	default:
		return LinkIdle
	}
}

// Speed returns the detected speed, SpeedUnknown until a reset completes.
func (c *Controller) Speed() usb.Speed {
	return c.speed
}

// ResetActive reports whether the line is owned by the reset sequence.
func (c *Controller) ResetActive() bool {
	switch c.state {
	case StateBusReset, StateWaitChirpK, StateChirpKFilter, StateHostChirpK,
		StateHostChirpJ, StateWaitHsIdle, StateRecovery:
		return true
	}
	return false
}

// Ready reports whether the link is idle and transactions may start.
func (c *Controller) Ready() bool {
	return c.state == StateFsIdle || c.state == StateHsIdle
}

// Connected reports whether a device is attached as far as the link knows.
func (c *Controller) Connected() bool {
	return c.state != StateDisconnected && c.state != StateWaitConnect
}

// Resets returns the number of completed resets. Callers compare it before
// and after RequestReset to detect completion.
func (c *Controller) Resets() uint64 {
	return c.resets
}

// Disconnects returns the number of detected disconnects.
func (c *Controller) Disconnects() uint64 {
	return c.disconnect
}

// Code returns the error code of the Error state.
func (c *Controller) Code() usb.ErrorCode {
	return c.code
}

// Err returns the error of the Error state, or nil.
func (c *Controller) Err() error {
	if c.state != StateError {
		return nil
	}
	return c.code.Err()
}

// RequestReset starts a bus reset on the next step. While disconnected the
// request is kept and served after the connect debounce.
func (c *Controller) RequestReset() {
	c.requested = true
}

func (c *Controller) Step(tick uint64) {
	ls := c.port.LineState()
	c.timer++
	if c.ResetActive() {
		c.window++
		if c.arb != nil {
			c.arb.Reserve(token.RequesterReset)
		}
	}

	switch c.state {
	case StateDisconnected:
		if ls == phy.LineJ {
			c.enter(tick, StateWaitConnect)
		}

	case StateWaitConnect:
		if ls != phy.LineJ {
			c.enter(tick, StateDisconnected)
		} else if c.timer >= c.t.settle {
			c.logger.Info("device connected")
			c.startReset(tick)
		}

	case StateBusReset:
		c.port.Drive(phy.LineSE0)
		if c.timer >= c.t.settle {
			c.enter(tick, StateWaitChirpK)
		}

	case StateWaitChirpK:
		switch {
		case ls == phy.LineK:
			c.enter(tick, StateChirpKFilter)
		case c.window >= c.t.reset:
			c.speed = usb.SpeedFull
			c.port.Release()
			c.enter(tick, StateRecovery)
		}

	case StateChirpKFilter:
		switch {
		case ls == phy.LineK && c.timer > c.t.chirpMax:
			c.fail(tick, usb.CodeResetTimeout)
		case ls == phy.LineK:
		case c.timer > c.t.filter:
			c.chirps = 0
			c.port.Drive(phy.LineK)
			c.enter(tick, StateHostChirpK)
		default:
			c.enter(tick, StateWaitChirpK)
		}

	case StateHostChirpK:
		if c.timer >= c.t.pulse {
			c.port.Drive(phy.LineJ)
			c.enter(tick, StateHostChirpJ)
		}

	case StateHostChirpJ:
		if c.timer >= c.t.pulse {
			c.chirps++
			if c.chirps < c.pairs {
				c.port.Drive(phy.LineK)
				c.enter(tick, StateHostChirpK)
				break
			}
			c.port.Drive(phy.LineSE0)
			c.enter(tick, StateWaitHsIdle)
		}

	case StateWaitHsIdle:
		if c.window >= c.t.reset {
			c.speed = usb.SpeedHigh
			c.port.Release()
			c.enter(tick, StateRecovery)
		}

	case StateRecovery:
		if c.timer >= c.t.recovery {
			c.resets++
			if c.speed == usb.SpeedHigh {
				c.enter(tick, StateHsIdle)
			} else {
				c.enter(tick, StateFsIdle)
			}
			c.logger.Info("link up", "speed", c.speed, "resets", c.resets)
		}

	case StateFsIdle, StateHsIdle:
		switch {
		case c.requested:
			c.startReset(tick)
		case ls == phy.LineSE0 && c.timer >= c.t.settle:
			c.lost(tick)
		case ls != phy.LineSE0:
			c.timer = 0
		}

	case StateError:
		switch {
		case c.requested:
			c.startReset(tick)
		case ls == phy.LineSE0 && c.timer >= c.t.settle:
			c.lost(tick)
		case ls != phy.LineSE0:
			c.timer = 0
		}
	}
}

func (c *Controller) startReset(tick uint64) {
	c.requested = false
	c.speed = usb.SpeedUnknown
	c.code = usb.CodeNone
	c.window = 0
	c.port.Drive(phy.LineSE0)
	c.enter(tick, StateBusReset)
}

func (c *Controller) lost(tick uint64) {
	c.disconnect++
	c.speed = usb.SpeedUnknown
	c.port.Release()
	c.logger.Info("device disconnected")
	c.enter(tick, StateDisconnected)
}

func (c *Controller) fail(tick uint64, code usb.ErrorCode) {
	c.code = code
	c.speed = usb.SpeedUnknown
	c.port.Release()
	c.logger.Warn("reset failed", "code", code)
	c.enter(tick, StateError)
}

func (c *Controller) enter(tick uint64, s State) {
	c.logger.Debug("state", "tick", tick, "from", c.state, "to", s)
	c.state = s
	c.timer = 0
}
