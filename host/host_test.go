package host_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanefpga/hurricane/device"
	"github.com/hurricanefpga/hurricane/device/keyboard"
	"github.com/hurricanefpga/hurricane/device/mouse"
	"github.com/hurricanefpga/hurricane/devsim"
	"github.com/hurricanefpga/hurricane/host"
	"github.com/hurricanefpga/hurricane/internal/monitor"
	"github.com/hurricanefpga/hurricane/ringbuf"
	"github.com/hurricanefpga/hurricane/sim"
	"github.com/hurricanefpga/hurricane/usb"
	"github.com/hurricanefpga/hurricane/virtualbus"
)

type rig struct {
	bus   *virtualbus.Bus
	host  *host.Host
	dev   *devsim.Device
	sched *sim.Scheduler
	keys  []keyboard.Report
	moves []mouse.Report
}

func newRig(t *testing.T, d usb.Device, cfg host.Config) *rig {
	t.Helper()
	clock := sim.Clock{Hz: sim.DefaultHz}
	r := &rig{bus: virtualbus.New()}
	r.bus.Attach()
	h, err := host.New(r.bus.Host(), r.bus, clock, cfg, nil)
	require.NoError(t, err)
	r.host = h
	h.OnKeyboard = func(rep keyboard.Report) { r.keys = append(r.keys, rep) }
	h.OnMouse = func(rep mouse.Report) { r.moves = append(r.moves, rep) }
	r.dev = devsim.New(r.bus.Device(), d, devsim.DefaultConfig(), clock, nil)
	r.sched = sim.NewScheduler(h, r.bus, r.dev, h.Monitor())
	return r
}

func (r *rig) until(t *testing.T, cond func(host.Status) bool, limit uint64) {
	t.Helper()
	require.True(t, r.sched.RunUntil(func() bool { return cond(r.host.Status()) }, limit),
		"status: %+v", r.host.Status())
}

func testKeyboard() *keyboard.Keyboard {
	vid, pid := uint16(0x1234), uint16(0x5678)
	return keyboard.New(&device.CreateOptions{IdVendor: &vid, IdProduct: &pid})
}

func keyboardActive(s host.Status) bool { return s.Keyboard.Active }

func TestKeyboardEndToEnd(t *testing.T) {
	kb := testKeyboard()
	r := newRig(t, kb, host.DefaultConfig())
	r.until(t, keyboardActive, 200_000)

	st := r.host.Status()
	assert.True(t, st.Enumerated)
	assert.Equal(t, usb.SpeedFull, st.Speed)
	assert.Equal(t, uint16(0x1234), st.Device.VendorID)
	assert.Equal(t, uint8(1), st.Keyboard.Endpoint.Number)
	assert.False(t, st.Mouse.Active)
	assert.Equal(t, usb.CodeNone, st.Code())

	// the first poll reports the idle keyboard
	require.True(t, r.sched.RunUntil(func() bool { return len(r.keys) > 0 }, 100_000))
	assert.True(t, r.keys[0].Empty())

	base := len(r.keys)
	require.Equal(t, 1, kb.Type("a"))
	require.True(t, r.sched.RunUntil(func() bool { return len(r.keys) >= base+2 }, 100_000))
	assert.True(t, r.keys[base].Pressed(0x04))
	assert.True(t, r.keys[base+1].Empty())
	assert.Greater(t, r.host.Status().SOFs, uint64(0))
}

func TestRegisterFile(t *testing.T) {
	r := newRig(t, testKeyboard(), host.DefaultConfig())
	r.until(t, keyboardActive, 200_000)

	snap, err := host.ReadSnapshot(r.host)
	require.NoError(t, err)
	assert.True(t, snap.HostMode)
	assert.True(t, snap.EnumDone)
	assert.False(t, snap.EnumError)
	assert.Equal(t, usb.CodeNone, snap.ErrorCode)
	assert.Equal(t, uint16(0x1234), snap.VendorID)
	assert.Equal(t, uint16(0x5678), snap.ProductID)
	assert.True(t, snap.KeyboardActive)
	assert.False(t, snap.MouseActive)

	v, err := r.host.ReadRegister(host.RegVendorHi)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x12), v)
	_, err = r.host.ReadRegister(host.RegisterSpace)
	assert.Error(t, err)
	assert.Error(t, r.host.WriteRegister(host.RegVendorLo, 1), "read only")

	var out bytes.Buffer
	require.NoError(t, snap.Print(&out))
	assert.Contains(t, out.String(), "1234:5678")

	require.NoError(t, r.host.WriteRegister(host.RegHostMode, 0))
	snap, err = host.ReadSnapshot(r.host)
	require.NoError(t, err)
	assert.False(t, snap.HostMode)
	assert.False(t, snap.KeyboardActive)
}

func TestEnumerationStartRegister(t *testing.T) {
	cfg := host.DefaultConfig()
	cfg.AutoEnumerate = false
	r := newRig(t, testKeyboard(), cfg)

	r.sched.Run(50_000)
	st := r.host.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.Enumerated, "nothing starts without a request")

	require.NoError(t, host.StartEnumeration(r.host))
	r.until(t, func(s host.Status) bool { return s.Enumerated }, 200_000)
}

func TestMouse(t *testing.T) {
	m := mouse.New(&device.CreateOptions{})
	r := newRig(t, m, host.DefaultConfig())
	r.until(t, func(s host.Status) bool { return s.Mouse.Active }, 200_000)

	m.UpdateInputState(mouse.InputState{Buttons: mouse.ButtonLeft, DX: 5, DY: -3})
	require.True(t, r.sched.RunUntil(func() bool {
		for _, rep := range r.moves {
			if rep.DX == 5 {
				return true
			}
		}
		return false
	}, 100_000))

	v, err := r.host.ReadRegister(host.RegMouseReport)
	require.NoError(t, err)
	assert.Equal(t, uint8(mouse.ButtonLeft), v)
	assert.False(t, r.host.Status().Keyboard.Active)
}

func TestDisconnectAndReattach(t *testing.T) {
	r := newRig(t, testKeyboard(), host.DefaultConfig())
	r.until(t, keyboardActive, 200_000)

	r.bus.Detach()
	r.until(t, func(s host.Status) bool { return !s.Connected }, 10_000)
	st := r.host.Status()
	assert.False(t, st.Enumerated)
	assert.False(t, st.Keyboard.Active)

	r.bus.Attach()
	r.until(t, keyboardActive, 300_000)
}

func TestCaptureFilter(t *testing.T) {
	cfg := host.DefaultConfig()
	cfg.CapturePIDs = []string{"SETUP"}
	r := newRig(t, testKeyboard(), cfg)
	r.until(t, keyboardActive, 200_000)

	var n int
	_, err := monitor.Drain(r.host.Buffer(), 0, func(rec ringbuf.Record) error {
		n++
		assert.Equal(t, ringbuf.HostToDevice, rec.Direction)
		assert.Equal(t, usb.PIDSetup, monitor.Decode(rec.Payload).PID)
		return nil
	})
	require.NoError(t, err)
	// GET_DESCRIPTOR x3, SET_ADDRESS, SET_CONFIGURATION, SET_PROTOCOL
	assert.Equal(t, 6, n)

	require.NoError(t, r.host.SetCapture(false, nil))
	assert.Error(t, r.host.SetCapture(true, []string{"BOGUS"}))
	assert.False(t, r.host.Config().Capture)
}

func TestCaptureEverything(t *testing.T) {
	r := newRig(t, testKeyboard(), host.DefaultConfig())
	r.until(t, keyboardActive, 200_000)

	require.NoError(t, r.host.Buffer().Check())
	st := r.host.Status()
	assert.NotZero(t, st.Capture.Captured[ringbuf.HostToDevice])
	assert.NotZero(t, st.Capture.Captured[ringbuf.DeviceToHost])
	assert.NotZero(t, st.BufferUsed)
	assert.Equal(t, ringbuf.DefaultSize, st.BufferCapacity)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*host.Config)
	}{
		{"address zero", func(c *host.Config) { c.Address = 0 }},
		{"address too high", func(c *host.Config) { c.Address = 128 }},
		{"protocol", func(c *host.Config) { c.Protocol = 2 }},
		{"tiny buffer", func(c *host.Config) { c.BufferSize = 100 }},
		{"unknown pid", func(c *host.Config) { c.CapturePIDs = []string{"DATA9"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := host.DefaultConfig()
			tt.mod(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := host.New(virtualbus.New().Host(), nil, sim.Clock{}, cfg, nil)
			assert.Error(t, err)
		})
	}
	assert.NoError(t, host.DefaultConfig().Validate())
}
