package link_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanefpga/hurricane/link"
	"github.com/hurricanefpga/hurricane/phy"
	"github.com/hurricanefpga/hurricane/sim"
	"github.com/hurricanefpga/hurricane/token"
	"github.com/hurricanefpga/hurricane/usb"
	"github.com/hurricanefpga/hurricane/virtualbus"
)

// chirper plays a high-speed capable device during reset: after delay ticks
// of SE0 it drives K for length ticks, then counts host K to J transitions.
type chirper struct {
	port    phy.Port
	delay   uint64
	length  uint64
	se0     uint64
	k       uint64
	chirped bool
	last    phy.LineState
	pairs   int
}

func (c *chirper) Step(uint64) {
	if c.k > 0 {
		c.k--
		if c.k == 0 {
			c.port.Release()
		}
		return
	}
	ls := c.port.LineState()
	if ls == phy.LineSE0 {
		c.se0++
	} else {
		c.se0 = 0
	}
	if !c.chirped && c.se0 >= c.delay {
		c.chirped = true
		c.port.Drive(phy.LineK)
		c.k = c.length
		return
	}
	if c.chirped && c.last == phy.LineK && ls == phy.LineJ {
		c.pairs++
	}
	c.last = ls
}

func newLink(bus *virtualbus.Bus, arb *token.Arbiter) *link.Controller {
	return link.New(bus.Host(), arb, sim.Clock{Hz: sim.DefaultHz}, link.DefaultTiming(), nil)
}

func TestFullSpeedReset(t *testing.T) {
	bus := virtualbus.New()
	bus.Attach()
	ctl := newLink(bus, nil)
	s := sim.NewScheduler(ctl, bus)

	require.True(t, s.RunUntil(ctl.Ready, 20_000))
	assert.Equal(t, usb.SpeedFull, ctl.Speed())
	assert.Equal(t, link.StateFsIdle, ctl.State())
	assert.Equal(t, link.LinkIdle, ctl.LinkState())
	assert.Equal(t, uint64(1), ctl.Resets())
	assert.False(t, ctl.ResetActive())
	assert.Equal(t, phy.LineJ, bus.LineState())

	// settle + reset window + recovery
	assert.GreaterOrEqual(t, s.Now(), uint64(11_000))
	assert.Less(t, s.Now(), uint64(11_300))
}

func TestHighSpeedChirp(t *testing.T) {
	bus := virtualbus.New()
	bus.Attach()
	ctl := newLink(bus, nil)
	dev := &chirper{port: bus.Device(), delay: 200, length: 1000}
	s := sim.NewScheduler(ctl, dev, bus)

	sawNegotiation := false
	ok := s.RunUntil(func() bool {
		if ctl.LinkState() == link.LinkNegotiatingSpeed {
			sawNegotiation = true
		}
		return ctl.Ready()
	}, 20_000)
	require.True(t, ok)
	assert.True(t, sawNegotiation)
	assert.Equal(t, usb.SpeedHigh, ctl.Speed())
	assert.Equal(t, link.StateHsIdle, ctl.State())
	assert.Equal(t, 3, dev.pairs)
}

func TestShortChirpIsIgnored(t *testing.T) {
	bus := virtualbus.New()
	bus.Attach()
	ctl := newLink(bus, nil)
	dev := &chirper{port: bus.Device(), delay: 200, length: 100}
	s := sim.NewScheduler(ctl, dev, bus)

	require.True(t, s.RunUntil(ctl.Ready, 20_000))
	assert.Equal(t, usb.SpeedFull, ctl.Speed())
	assert.Zero(t, dev.pairs)
}

func TestStuckChirpTimesOut(t *testing.T) {
	bus := virtualbus.New()
	bus.Attach()
	ctl := newLink(bus, nil)
	dev := &chirper{port: bus.Device(), delay: 200, length: 8000}
	s := sim.NewScheduler(ctl, dev, bus)

	require.True(t, s.RunUntil(func() bool { return ctl.State() == link.StateError }, 20_000))
	assert.Equal(t, usb.CodeResetTimeout, ctl.Code())
	assert.ErrorIs(t, ctl.Err(), usb.ErrResetTimeout)
	assert.False(t, ctl.ResetActive())

	s.Run(2000)
	ctl.RequestReset()
	require.True(t, s.RunUntil(ctl.Ready, 20_000), "explicit reset recovers")
	assert.NoError(t, ctl.Err())
}

func TestDisconnectAndReset(t *testing.T) {
	bus := virtualbus.New()
	bus.Attach()
	ctl := newLink(bus, nil)
	s := sim.NewScheduler(ctl, bus)
	require.True(t, s.RunUntil(ctl.Ready, 20_000))

	ctl.RequestReset()
	s.Tick()
	assert.True(t, ctl.ResetActive())
	require.True(t, s.RunUntil(ctl.Ready, 20_000))
	assert.Equal(t, uint64(2), ctl.Resets())

	bus.Detach()
	require.True(t, s.RunUntil(func() bool { return ctl.State() == link.StateDisconnected }, 500))
	assert.Equal(t, uint64(1), ctl.Disconnects())
	assert.Equal(t, usb.SpeedUnknown, ctl.Speed())
	assert.False(t, ctl.Connected())

	s.Run(1000)
	assert.Equal(t, link.StateDisconnected, ctl.State(), "no reset without a device")
}

func TestResetReservesArbiter(t *testing.T) {
	bus := virtualbus.New()
	bus.Attach()
	gen := token.NewGenerator(bus.Host(), nil)
	arb := token.NewArbiter(gen, nil)
	ctl := newLink(bus, arb)
	s := sim.NewScheduler(ctl, sim.StepFunc(func(uint64) {
		arb.Request(token.RequesterEnumerator, usb.Token{PID: usb.PIDSetup})
	}), arb, gen, bus)

	require.True(t, s.RunUntil(ctl.ResetActive, 1000))
	before := arb.Grants(token.RequesterEnumerator)
	s.Run(10)
	assert.Equal(t, token.RequesterReset, arb.Selected())
	assert.Equal(t, before, arb.Grants(token.RequesterEnumerator))
}
