package devsim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanefpga/hurricane/device/keyboard"
	"github.com/hurricanefpga/hurricane/devsim"
	"github.com/hurricanefpga/hurricane/link"
	"github.com/hurricanefpga/hurricane/sim"
	"github.com/hurricanefpga/hurricane/token"
	"github.com/hurricanefpga/hurricane/transaction"
	"github.com/hurricanefpga/hurricane/usb"
	"github.com/hurricanefpga/hurricane/virtualbus"
)

type rig struct {
	link  *link.Controller
	eng   *transaction.Engine
	dev   *devsim.Device
	kbd   *keyboard.Keyboard
	sched *sim.Scheduler
	dones int
}

func newRig(t *testing.T, cfg devsim.Config) *rig {
	t.Helper()
	clock := sim.Clock{Hz: sim.DefaultHz}
	bus := virtualbus.New()
	bus.Attach()
	r := &rig{kbd: keyboard.New(nil)}
	gen := token.NewGenerator(bus.Host(), nil)
	arb := token.NewArbiter(gen, nil)
	r.link = link.New(bus.Host(), arb, clock, link.DefaultTiming(), nil)
	r.eng = transaction.New(bus.Host(), arb, gen, r.link, clock, nil)
	r.dev = devsim.New(bus.Device(), r.kbd, cfg, clock, nil)
	r.sched = sim.NewScheduler(r.link, r.eng, arb, gen, bus, r.dev, sim.StepFunc(func(uint64) {
		if r.eng.Done() {
			r.dones++
		}
	}))
	require.True(t, r.sched.RunUntil(r.link.Ready, 30_000))
	return r
}

func (r *rig) do(t *testing.T, req transaction.Request) transaction.Outcome {
	t.Helper()
	before := r.dones
	require.NoError(t, r.eng.Submit(req))
	require.True(t, r.sched.RunUntil(func() bool { return r.dones > before }, 5000))
	r.sched.Run(20)
	return r.eng.Outcome()
}

// control runs a whole control transfer and returns the data stage bytes and
// the result of the last transaction.
func (r *rig) control(t *testing.T, addr uint8, sp usb.SetupPacket) ([]byte, transaction.Result) {
	t.Helper()
	out := r.do(t, transaction.Request{Kind: transaction.KindSetup, Address: addr, DataPID: usb.PIDData0, Payload: sp.Bytes()})
	if out.Result != transaction.ResultAck {
		return nil, out.Result
	}
	if !sp.In() || sp.Length == 0 {
		out = r.do(t, transaction.Request{Kind: transaction.KindIn, Address: addr, DataPID: usb.PIDData1})
		return nil, out.Result
	}
	var data []byte
	pid := usb.PIDData1
	for {
		out = r.do(t, transaction.Request{Kind: transaction.KindIn, Address: addr, DataPID: pid, Length: 64})
		if out.Result != transaction.ResultAck {
			return data, out.Result
		}
		data = append(data, out.Data...)
		pid = out.NextPID(pid)
		if len(out.Data) < 64 || len(data) >= int(sp.Length) {
			break
		}
	}
	out = r.do(t, transaction.Request{Kind: transaction.KindOut, Address: addr, DataPID: usb.PIDData1})
	return data, out.Result
}

func (r *rig) configure(t *testing.T) {
	t.Helper()
	_, res := r.control(t, 0, usb.SetConfiguration(1))
	require.Equal(t, transaction.ResultAck, res)
	require.Equal(t, uint8(1), r.dev.Configuration())
}

func (r *rig) poll(t *testing.T, pid usb.PID) transaction.Outcome {
	t.Helper()
	return r.do(t, transaction.Request{Kind: transaction.KindIn, Endpoint: 1, DataPID: pid, Length: 8})
}

func TestGetDeviceDescriptor(t *testing.T) {
	r := newRig(t, devsim.DefaultConfig())
	assert.Equal(t, usb.SpeedFull, r.dev.Speed())
	assert.Equal(t, uint64(1), r.dev.Stats().Resets)

	data, res := r.control(t, 0, usb.GetDescriptor(usb.DeviceDescType, 0, 8))
	require.Equal(t, transaction.ResultAck, res)
	assert.Len(t, data, 8)
	assert.Equal(t, byte(64), data[7])

	data, res = r.control(t, 0, usb.GetDescriptor(usb.DeviceDescType, 0, 18))
	require.Equal(t, transaction.ResultAck, res)
	d, err := usb.ParseDeviceDescriptor(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1209), d.IDVendor)
	assert.Equal(t, uint16(0x0001), d.IDProduct)
}

func TestConfigDescriptor(t *testing.T) {
	r := newRig(t, devsim.DefaultConfig())
	data, res := r.control(t, 0, usb.GetDescriptor(usb.ConfigDescType, 0, 512))
	require.Equal(t, transaction.ResultAck, res)
	require.Len(t, data, usb.ConfigDescLen+usb.InterfaceDescLen+usb.HIDDescLen+usb.EndpointDescLen)
	assert.Equal(t, byte(len(data)), data[2])

	data, res = r.control(t, 0, usb.GetDescriptor(usb.StringDescType, 0, 255))
	require.Equal(t, transaction.ResultAck, res)
	assert.Equal(t, []byte{4, usb.StringDescType, 0x09, 0x04}, data)

	_, res = r.control(t, 0, usb.GetDescriptor(usb.StringDescType, 99, 255))
	assert.Equal(t, transaction.ResultStall, res)
}

func TestSetAddressAfterStatusStage(t *testing.T) {
	r := newRig(t, devsim.DefaultConfig())

	out := r.do(t, transaction.Request{Kind: transaction.KindSetup, DataPID: usb.PIDData0, Payload: usb.SetAddress(7).Bytes()})
	require.Equal(t, transaction.ResultAck, out.Result)
	assert.Equal(t, uint8(0), r.dev.Address(), "address changes only after the status stage")

	out = r.do(t, transaction.Request{Kind: transaction.KindIn, DataPID: usb.PIDData1})
	require.Equal(t, transaction.ResultAck, out.Result)
	assert.Empty(t, out.Data)
	assert.Equal(t, uint8(7), r.dev.Address())

	_, res := r.control(t, 0, usb.GetDescriptor(usb.DeviceDescType, 0, 18))
	assert.Equal(t, transaction.ResultTimeout, res, "old address is ignored")
	_, res = r.control(t, 7, usb.GetDescriptor(usb.DeviceDescType, 0, 18))
	assert.Equal(t, transaction.ResultAck, res)
}

func TestInterruptIn(t *testing.T) {
	r := newRig(t, devsim.DefaultConfig())

	assert.Equal(t, transaction.ResultStall, r.poll(t, usb.PIDData0).Result, "unconfigured")
	r.configure(t)

	out := r.poll(t, usb.PIDData0)
	require.Equal(t, transaction.ResultAck, out.Result)
	assert.Equal(t, make([]byte, 8), out.Data)

	assert.Equal(t, transaction.ResultNak, r.poll(t, usb.PIDData1).Result, "unchanged report")

	require.Equal(t, 1, r.kbd.Type("a"))
	out = r.poll(t, usb.PIDData1)
	require.Equal(t, transaction.ResultAck, out.Result)
	assert.Equal(t, byte(keyboard.KeyA), out.Data[2])

	out = r.poll(t, usb.PIDData0)
	require.Equal(t, transaction.ResultAck, out.Result)
	assert.False(t, out.Stale)
	assert.Equal(t, make([]byte, 8), out.Data)
}

func TestLostAckRetransmits(t *testing.T) {
	r := newRig(t, devsim.DefaultConfig())
	r.configure(t)
	r.dev.Faults.DropACKs = 1

	out := r.poll(t, usb.PIDData0)
	require.Equal(t, transaction.ResultAck, out.Result)
	pid := out.NextPID(usb.PIDData0)

	out = r.poll(t, pid)
	assert.Equal(t, transaction.ResultAck, out.Result)
	assert.True(t, out.Stale, "device resent DATA0")
	assert.Equal(t, uint64(1), r.dev.Stats().Retransmits)
	pid = out.NextPID(pid)
	assert.Equal(t, usb.PIDData1, pid)

	assert.Equal(t, transaction.ResultNak, r.poll(t, pid).Result)
}

func TestFaults(t *testing.T) {
	r := newRig(t, devsim.DefaultConfig())
	r.configure(t)

	r.dev.Faults.NAKs = 2
	assert.Equal(t, transaction.ResultNak, r.poll(t, usb.PIDData0).Result)
	assert.Equal(t, transaction.ResultNak, r.poll(t, usb.PIDData0).Result)
	assert.Equal(t, transaction.ResultAck, r.poll(t, usb.PIDData0).Result)

	r.kbd.Type("b")
	r.dev.Faults.CorruptData = true
	assert.Equal(t, transaction.ResultCRCError, r.poll(t, usb.PIDData1).Result)
	r.dev.Faults.CorruptData = false

	r.dev.Faults.StallInterrupt = true
	assert.Equal(t, transaction.ResultStall, r.poll(t, usb.PIDData1).Result)
	r.dev.Faults.StallInterrupt = false

	r.dev.Faults.StallRequests = []uint8{usb.RequestHIDSetProtocol}
	_, res := r.control(t, 0, usb.SetProtocol(usb.ProtocolBoot, 0))
	assert.Equal(t, transaction.ResultStall, res)
	assert.Equal(t, uint16(usb.ProtocolReport), r.dev.Protocol(0))

	r.dev.Faults = devsim.Faults{Mute: true}
	_, res = r.control(t, 0, usb.GetDescriptor(usb.DeviceDescType, 0, 18))
	assert.Equal(t, transaction.ResultTimeout, res)
}

func TestSetProtocol(t *testing.T) {
	r := newRig(t, devsim.DefaultConfig())
	_, res := r.control(t, 0, usb.SetProtocol(usb.ProtocolBoot, 0))
	require.Equal(t, transaction.ResultAck, res)
	assert.Equal(t, uint16(usb.ProtocolBoot), r.dev.Protocol(0))
	assert.Equal(t, uint16(usb.ProtocolReport), r.dev.Protocol(1))
}

func TestHighSpeedChirp(t *testing.T) {
	cfg := devsim.DefaultConfig()
	cfg.HighSpeed = true
	r := newRig(t, cfg)
	assert.Equal(t, usb.SpeedHigh, r.link.Speed())
	assert.Equal(t, usb.SpeedHigh, r.dev.Speed())

	_, res := r.control(t, 0, usb.GetDescriptor(usb.DeviceDescType, 0, 18))
	assert.Equal(t, transaction.ResultAck, res)
}

func TestBusResetClearsState(t *testing.T) {
	r := newRig(t, devsim.DefaultConfig())
	_, res := r.control(t, 0, usb.SetAddress(3))
	require.Equal(t, transaction.ResultAck, res)
	_, res = r.control(t, 3, usb.SetConfiguration(1))
	require.Equal(t, transaction.ResultAck, res)

	r.link.RequestReset()
	require.True(t, r.sched.RunUntil(func() bool { return r.link.Resets() == 2 && r.link.Ready() }, 30_000))
	assert.Equal(t, uint8(0), r.dev.Address())
	assert.Equal(t, uint8(0), r.dev.Configuration())
	assert.Equal(t, uint64(2), r.dev.Stats().Resets)
}

func TestKeyboardIdleRepeat(t *testing.T) {
	r := newRig(t, devsim.DefaultConfig())
	r.configure(t)

	out := r.poll(t, usb.PIDData0)
	require.Equal(t, transaction.ResultAck, out.Result)
	assert.Equal(t, transaction.ResultNak, r.poll(t, usb.PIDData1).Result)

	r.sched.Run(500_000)
	out = r.poll(t, usb.PIDData1)
	require.Equal(t, transaction.ResultAck, out.Result, "report repeated after the idle period")
	assert.Equal(t, make([]byte, 8), out.Data)

	_, res := r.control(t, 0, usb.SetIdle(0, 0))
	require.Equal(t, transaction.ResultAck, res)
	r.sched.Run(600_000)
	assert.Equal(t, transaction.ResultNak, r.poll(t, usb.PIDData0).Result, "indefinite idle")
}
