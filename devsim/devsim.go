// Package devsim plays the device side of the bus for a usb.Device: reset
// and chirp signaling, address and configuration state, control requests
// answered from the descriptor, and interrupt endpoints with data toggles.
//
// Faults can be injected to exercise the host's error paths.
package devsim

import (
	"log/slog"
	"slices"
	"time"

	"github.com/hurricanefpga/hurricane/internal/log"
	"github.com/hurricanefpga/hurricane/phy"
	"github.com/hurricanefpga/hurricane/sim"
	"github.com/hurricanefpga/hurricane/usb"
)

// Config controls bus-level behavior.
type Config struct {
	// HighSpeed makes the device answer a reset with a K chirp.
	HighSpeed bool
	// ResetDetect is how long SE0 must last before the device resets.
	ResetDetect time.Duration
	// ChirpDelay is the SE0 time before the K chirp starts.
	ChirpDelay time.Duration
	// ChirpLength is how long the K chirp is driven.
	ChirpLength time.Duration
	// ResetEnd is how long J must last before the device leaves reset.
	ResetEnd time.Duration
	// IdleRate is the default idle rate of boot keyboard interfaces: the
	// last report is repeated when nothing changed for this long. Other
	// interfaces default to reporting changes only. SET_IDLE overrides it.
	IdleRate time.Duration
}

// DefaultConfig returns a full speed device with USB 2.0 chirp timing.
func DefaultConfig() Config {
	return Config{
		ResetDetect: 10 * time.Microsecond,
		ChirpDelay:  200 * time.Microsecond,
		ChirpLength: time.Millisecond,
		ResetEnd:    200 * time.Microsecond,
		IdleRate:    500 * time.Millisecond,
	}
}

// Faults are injected misbehaviors. They may be changed between ticks.
type Faults struct {
	// NAKs answers this many interrupt IN polls with NAK before serving
	// data. A negative value NAKs forever.
	NAKs int
	// ControlNAKs answers this many control IN polls with NAK. A negative
	// value NAKs forever.
	ControlNAKs int
	// StallRequests lists control bRequest values answered with STALL.
	StallRequests []uint8
	// StallInterrupt answers every interrupt IN with STALL.
	StallInterrupt bool
	// CorruptData breaks the CRC of every interrupt data packet.
	CorruptData bool
	// DropACKs ignores this many host ACKs so the data is sent again.
	DropACKs int
	// Mute ignores all traffic.
	Mute bool
}

// Stats counts device side events.
type Stats struct {
	Resets      uint64
	SOFs        uint64
	Setups      uint64
	DataSent    uint64
	Retransmits uint64
	NAKs        uint64
	Stalls      uint64
	ACKs        uint64
}

type ctrlStage uint8

const (
	stageIdle ctrlStage = iota
	stageDataIn
	stageStatusIn
)

type pipe struct {
	toggle  usb.PID
	pending []byte // wire packet awaiting the host ACK
	sentLen int    // payload length of pending
	last    []byte
	lastAt  uint64
}

// Device is the simulated device. Step it after the bus.
type Device struct {
	port   phy.Port
	dev    usb.Device
	cfg    Config
	clock  sim.Clock
	logger *slog.Logger

	resetDetect, chirpDelay, chirpLen, resetEnd uint64

	// reset signaling
	se0      uint64
	jRun     uint64
	inReset  bool
	chirp    uint64
	chirped  bool
	lastLine phy.LineState
	pairs    int
	speed    usb.Speed

	// protocol state
	address       uint8
	pendingAddr   int
	configuration uint8
	protocols     map[uint16]uint16
	idle          map[uint16]uint8

	rx       phy.Assembler
	tx       phy.Sender
	tok      usb.Token
	haveTok  bool
	awaiting *pipe

	ctrl      pipe
	stage     ctrlStage
	setup     usb.SetupPacket
	ctrlData  []byte
	ctrlOff   int
	ctrlStall bool
	eps       map[uint8]*pipe

	Faults Faults
	stats  Stats
}

// New returns a simulated device serving dev on port.
func New(port phy.Port, dev usb.Device, cfg Config, clock sim.Clock, logger *slog.Logger) *Device {
	d := &Device{
		port:        port,
		dev:         dev,
		cfg:         cfg,
		clock:       clock,
		logger:      log.Component(logger, "devsim"),
		resetDetect: clock.Ticks(cfg.ResetDetect),
		chirpDelay:  clock.Ticks(cfg.ChirpDelay),
		chirpLen:    clock.Ticks(cfg.ChirpLength),
		resetEnd:    clock.Ticks(cfg.ResetEnd),
		pendingAddr: -1,
	}
	d.busReset()
	return d
}

// Address returns the current device address.
func (d *Device) Address() uint8 { return d.address }

// Configuration returns the selected configuration value, 0 if unconfigured.
func (d *Device) Configuration() uint8 { return d.configuration }

// Protocol returns the HID protocol set on iface (usb.ProtocolReport by default).
func (d *Device) Protocol(iface uint16) uint16 {
	if p, ok := d.protocols[iface]; ok {
		return p
	}
	return usb.ProtocolReport
}

// Speed returns the speed negotiated during the last reset.
func (d *Device) Speed() usb.Speed { return d.speed }

// InReset reports whether the device is inside a bus reset.
func (d *Device) InReset() bool { return d.inReset }

// Stats returns the event counters.
func (d *Device) Stats() Stats { return d.stats }

func (d *Device) busReset() {
	d.address = 0
	d.pendingAddr = -1
	d.configuration = 0
	d.protocols = map[uint16]uint16{}
	d.idle = map[uint16]uint8{}
	d.eps = map[uint8]*pipe{}
	d.ctrl = pipe{}
	d.stage = stageIdle
	d.ctrlStall = false
	d.awaiting = nil
	d.haveTok = false
	d.rx.Reset()
	d.tx.Clear()
	d.speed = usb.SpeedFull
}

func (d *Device) Step(tick uint64) {
	d.line(tick)
	if d.inReset {
		d.rx.Reset()
		return
	}
	if pkt, done, rxErr := d.rx.Feed(d.port.Rx()); done && !rxErr && !d.Faults.Mute {
		d.packet(tick, pkt)
	}
	d.tx.Step(d.port)
}

// line follows the line state for reset detection and chirp signaling.
func (d *Device) line(tick uint64) {
	if d.chirp > 0 {
		d.chirp--
		if d.chirp == 0 {
			d.port.Release()
		}
		return
	}
	ls := d.port.LineState()
	if ls == phy.LineSE0 {
		d.se0++
		d.jRun = 0
	} else {
		d.se0 = 0
	}
	if ls == phy.LineJ {
		d.jRun++
	}

	if !d.inReset && d.se0 >= d.resetDetect {
		d.inReset = true
		d.chirped = false
		d.pairs = 0
		d.busReset()
		d.stats.Resets++
		d.logger.Debug("bus reset", "tick", tick)
	}
	if !d.inReset {
		return
	}
	if d.cfg.HighSpeed && !d.chirped && d.se0 >= d.chirpDelay {
		d.chirped = true
		d.chirp = d.chirpLen
		d.port.Drive(phy.LineK)
		return
	}
	if d.chirped && d.lastLine == phy.LineK && ls == phy.LineJ {
		d.pairs++
		if d.pairs >= 3 && d.speed != usb.SpeedHigh {
			d.speed = usb.SpeedHigh
			d.logger.Debug("high speed chirp handshake", "tick", tick)
		}
	}
	d.lastLine = ls
	if d.jRun >= d.resetEnd {
		d.inReset = false
		d.logger.Debug("reset done", "tick", tick, "speed", d.speed)
	}
}

func (d *Device) packet(tick uint64, pkt []byte) {
	if len(pkt) == 0 {
		return
	}
	pid, ok := usb.ParsePID(pkt[0])
	if !ok {
		d.haveTok = false
		return
	}
	switch {
	case pid.IsToken():
		d.token(tick, pkt)
	case pid.IsData():
		d.data(tick, pkt)
	case pid == usb.PIDAck && len(pkt) == 1:
		d.ack(tick)
	}
}

func (d *Device) token(tick uint64, pkt []byte) {
	d.haveTok = false
	t, ok := usb.DecodeToken(pkt)
	if !ok {
		return
	}
	if t.PID == usb.PIDSOF {
		d.stats.SOFs++
		return
	}
	if t.Address != d.address {
		return
	}
	d.tok = t
	d.haveTok = true
	d.awaiting = nil
	if t.PID == usb.PIDIn {
		d.haveTok = false
		if t.Endpoint == 0 {
			d.controlIn(tick)
		} else {
			d.interruptIn(tick, t.Endpoint)
		}
	}
}

func (d *Device) data(tick uint64, pkt []byte) {
	if !d.haveTok {
		return
	}
	d.haveTok = false
	pid, payload, ok := usb.DecodeData(pkt)
	if !ok {
		return
	}
	switch {
	case d.tok.PID == usb.PIDSetup && d.tok.Endpoint == 0:
		d.handshake(usb.PIDAck)
		if pid != usb.PIDData0 {
			return
		}
		d.setupStage(tick, payload)
	case d.tok.Endpoint == 0:
		if d.ctrlStall {
			d.handshake(usb.PIDStall)
			return
		}
		d.handshake(usb.PIDAck)
		if d.stage == stageDataIn {
			d.stage = stageIdle
		}
	default:
		d.dev.HandleTransfer(uint32(d.tok.Endpoint), usb.DirOut, payload)
		d.handshake(usb.PIDAck)
	}
}

func (d *Device) ack(tick uint64) {
	p := d.awaiting
	d.awaiting = nil
	if p == nil {
		return
	}
	if d.Faults.DropACKs > 0 {
		d.Faults.DropACKs--
		return
	}
	d.stats.ACKs++
	p.toggle = p.toggle.Toggle()
	n := p.sentLen
	p.pending = nil
	if p != &d.ctrl {
		return
	}
	switch d.stage {
	case stageDataIn:
		d.ctrlOff += n
	case stageStatusIn:
		d.stage = stageIdle
		if d.pendingAddr >= 0 {
			d.address = uint8(d.pendingAddr)
			d.pendingAddr = -1
			d.logger.Debug("address set", "tick", tick, "addr", d.address)
		}
	}
}

func (d *Device) interruptIn(tick uint64, ep uint8) {
	switch {
	case d.configuration == 0 || d.Faults.StallInterrupt:
		d.handshake(usb.PIDStall)
		return
	case d.Faults.NAKs != 0:
		if d.Faults.NAKs > 0 {
			d.Faults.NAKs--
		}
		d.handshake(usb.PIDNak)
		return
	}
	p := d.eps[ep]
	if p == nil {
		p = &pipe{toggle: usb.PIDData0}
		d.eps[ep] = p
	}
	if p.pending == nil {
		payload := d.dev.HandleTransfer(uint32(ep), usb.DirIn, nil)
		if payload == nil {
			rate := d.idleRate(ep)
			if rate == 0 || p.last == nil || tick-p.lastAt < rate {
				d.handshake(usb.PIDNak)
				return
			}
			payload = p.last
		}
		if mps := d.maxPacket(ep); mps > 0 && len(payload) > mps {
			payload = payload[:mps]
		}
		p.last = append(p.last[:0], payload...)
		p.lastAt = tick
		p.pending = usb.EncodeData(p.toggle, payload)
		p.sentLen = len(payload)
	} else {
		d.stats.Retransmits++
	}
	d.send(p)
	if d.Faults.CorruptData {
		d.corruptLast()
	}
}

func (d *Device) controlIn(tick uint64) {
	if d.ctrlStall {
		d.handshake(usb.PIDStall)
		return
	}
	if d.Faults.ControlNAKs != 0 {
		if d.Faults.ControlNAKs > 0 {
			d.Faults.ControlNAKs--
		}
		d.handshake(usb.PIDNak)
		return
	}
	p := &d.ctrl
	if p.pending != nil {
		d.stats.Retransmits++
		d.send(p)
		return
	}
	switch d.stage {
	case stageDataIn:
		mps := int(d.dev.GetDescriptor().Device.BMaxPacketSize0)
		if mps == 0 {
			mps = 8
		}
		end := d.ctrlOff + mps
		if end > len(d.ctrlData) {
			end = len(d.ctrlData)
		}
		chunk := d.ctrlData[d.ctrlOff:end]
		p.pending = usb.EncodeData(p.toggle, chunk)
		p.sentLen = len(chunk)
	case stageStatusIn:
		p.pending = usb.EncodeData(usb.PIDData1, nil)
		p.sentLen = 0
	default:
		d.handshake(usb.PIDNak)
		return
	}
	d.send(p)
}

func (d *Device) send(p *pipe) {
	d.tx.Load(p.pending)
	d.awaiting = p
	d.stats.DataSent++
}

func (d *Device) corruptLast() {
	b := append([]byte(nil), d.awaiting.pending...)
	b[len(b)-1] ^= 0x01
	d.tx.Load(b)
}

func (d *Device) handshake(pid usb.PID) {
	switch pid {
	case usb.PIDNak:
		d.stats.NAKs++
	case usb.PIDStall:
		d.stats.Stalls++
	}
	d.tx.Load(usb.EncodeHandshake(pid))
}

// idleRate returns the report repeat period of ep's interface in ticks.
func (d *Device) idleRate(ep uint8) uint64 {
	for _, ic := range d.dev.GetDescriptor().Interfaces {
		for _, e := range ic.Endpoints {
			if e.Number() != ep || !e.IsIn() {
				continue
			}
			var rate time.Duration
			if ic.Descriptor.BInterfaceProtocol == usb.HIDProtocolKeyboard {
				rate = d.cfg.IdleRate
			}
			if v, ok := d.idle[uint16(ic.Descriptor.BInterfaceNumber)]; ok {
				// SET_IDLE counts in 4 ms units
				rate = time.Duration(v) * 4 * time.Millisecond
			}
			if rate <= 0 {
				return 0
			}
			return d.clock.Ticks(rate)
		}
	}
	return 0
}

func (d *Device) maxPacket(ep uint8) int {
	for _, ic := range d.dev.GetDescriptor().Interfaces {
		for _, e := range ic.Endpoints {
			if e.Number() == ep && e.IsIn() {
				return int(e.WMaxPacketSize & 0x7FF)
			}
		}
	}
	return 0
}

func (d *Device) setupStage(tick uint64, payload []byte) {
	sp, ok := usb.ParseSetupPacket(payload)
	if !ok {
		return
	}
	d.stats.Setups++
	d.setup = sp
	d.ctrl = pipe{toggle: usb.PIDData1}
	d.ctrlData = nil
	d.ctrlOff = 0
	d.ctrlStall = false
	d.stage = stageIdle

	data, ok := d.request(tick, sp)
	if !ok {
		d.ctrlStall = true
		d.logger.Debug("request stalled", "tick", tick, "request", sp.Request, "value", sp.Value)
		return
	}
	if sp.In() && sp.Length > 0 {
		if len(data) > int(sp.Length) {
			data = data[:sp.Length]
		}
		d.ctrlData = data
		d.stage = stageDataIn
		return
	}
	d.stage = stageStatusIn
}

func (d *Device) request(tick uint64, sp usb.SetupPacket) ([]byte, bool) {
	if slices.Contains(d.Faults.StallRequests, sp.Request) {
		return nil, false
	}
	switch sp.RequestType & 0x60 {
	case 0:
		switch sp.Request {
		case usb.RequestGetDescriptor:
			return d.descriptor(sp)
		case usb.RequestSetAddress:
			// applied once the status stage completes
			d.pendingAddr = int(sp.Value & usb.AddressMask)
			return nil, true
		case usb.RequestSetConfiguration:
			v := uint8(sp.Value)
			if v > d.dev.GetDescriptor().Device.BNumConfigurations {
				return nil, false
			}
			d.configuration = v
			d.eps = map[uint8]*pipe{}
			d.logger.Debug("configured", "tick", tick, "value", v)
			return nil, true
		case usb.RequestGetConfiguration:
			return []byte{d.configuration}, true
		case usb.RequestGetStatus:
			return []byte{0, 0}, true
		}
	case usb.RequestTypeClass:
		switch sp.Request {
		case usb.RequestHIDSetProtocol:
			d.protocols[sp.Index] = sp.Value
			return nil, true
		case usb.RequestHIDSetIdle:
			d.idle[sp.Index] = uint8(sp.Value >> 8)
			return nil, true
		}
	}
	return nil, false
}

func (d *Device) descriptor(sp usb.SetupPacket) ([]byte, bool) {
	desc := d.dev.GetDescriptor()
	typ, idx := uint8(sp.Value>>8), uint8(sp.Value)
	switch typ {
	case usb.DeviceDescType:
		return desc.Bytes(), true
	case usb.ConfigDescType:
		if idx >= desc.Device.BNumConfigurations {
			return nil, false
		}
		return desc.ConfigBytes(idx + 1), true
	case usb.StringDescType:
		if idx == 0 {
			return []byte{4, usb.StringDescType, 0x09, 0x04}, true
		}
		if s, ok := desc.Strings[idx]; ok {
			return usb.EncodeStringDescriptor(s), true
		}
	case usb.ReportDescType:
		if int(sp.Index) < len(desc.Interfaces) && desc.Interfaces[sp.Index].HIDReport != nil {
			return desc.Interfaces[sp.Index].HIDReport, true
		}
	}
	return nil, false
}
