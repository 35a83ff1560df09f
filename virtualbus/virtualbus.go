// Package virtualbus simulates the cable between one host port and one
// device: two byte lanes and a shared line state.
package virtualbus

import (
	"github.com/hurricanefpga/hurricane/phy"
)

const (
	laneHostToDevice = 0
	laneDeviceToHost = 1

	// txDepth bounds how far a transmitter may run ahead of the wire.
	txDepth = 4
)

type wireByte struct {
	b    byte
	last bool
}

type lane struct {
	q        []wireByte
	rx       phy.RxSample
	inPacket bool
	eop      bool
}

// step moves at most one byte onto the receive side. The tick after the
// last byte of a packet always shows Active low so back-to-back packets stay
// distinguishable.
func (l *lane) step() {
	if l.eop {
		l.rx = phy.RxSample{}
		l.eop = false
		l.inPacket = false
		return
	}
	if len(l.q) > 0 {
		w := l.q[0]
		l.q = l.q[1:]
		l.rx = phy.RxSample{Byte: w.b, Valid: true, Active: true}
		l.inPacket = true
		l.eop = w.last
		return
	}
	if l.inPacket {
		l.rx = phy.RxSample{Active: true}
		return
	}
	l.rx = phy.RxSample{}
}

func (l *lane) clear() {
	l.q = nil
	l.rx = phy.RxSample{}
	l.inPacket = false
	l.eop = false
}

type drive struct {
	on bool
	ls phy.LineState
}

// Bus joins a host port and a device port.
type Bus struct {
	attached  bool
	hostDrive drive
	devDrive  drive
	lanes     [2]lane
	// CorruptDeviceToHost, when set, is applied to every byte the device
	// puts on the wire. Tests use it to inject receive errors.
	CorruptDeviceToHost func(b byte) (byte, bool)
}

// New returns a bus with no device attached.
func New() *Bus {
	return &Bus{}
}

// Attach connects the device pull-up; the idle line becomes J.
func (b *Bus) Attach() {
	b.attached = true
}

// Detach disconnects the device; the idle line becomes SE0 and anything the
// device was sending is lost.
func (b *Bus) Detach() {
	b.attached = false
	b.devDrive = drive{}
	b.lanes[laneDeviceToHost].clear()
}

// Attached reports whether a device is connected.
func (b *Bus) Attached() bool {
	return b.attached
}

// LineState resolves the line: a driving device wins over a driving host,
// otherwise the pull-up decides.
func (b *Bus) LineState() phy.LineState {
	if b.devDrive.on {
		return b.devDrive.ls
	}
	if b.hostDrive.on {
		return b.hostDrive.ls
	}
	if b.attached {
		return phy.LineJ
	}
	return phy.LineSE0
}

// Wire returns the samples currently presented on both lanes.
func (b *Bus) Wire() (hostToDevice, deviceToHost phy.RxSample) {
	return b.lanes[laneHostToDevice].rx, b.lanes[laneDeviceToHost].rx
}

// Step advances both lanes by one byte time.
func (b *Bus) Step(tick uint64) {
	b.lanes[laneHostToDevice].step()
	b.lanes[laneDeviceToHost].step()
}

// Host returns the host side port.
func (b *Bus) Host() phy.Port {
	return &port{bus: b, tx: laneHostToDevice, rx: laneDeviceToHost, drive: &b.hostDrive}
}

// Device returns the device side port.
func (b *Bus) Device() phy.Port {
	return &port{bus: b, tx: laneDeviceToHost, rx: laneHostToDevice, drive: &b.devDrive, device: true}
}

type port struct {
	bus    *Bus
	tx, rx int
	drive  *drive
	device bool
}

func (p *port) Rx() phy.RxSample {
	if p.device && !p.bus.attached {
		return phy.RxSample{}
	}
	return p.bus.lanes[p.rx].rx
}

func (p *port) LineState() phy.LineState {
	return p.bus.LineState()
}

func (p *port) TxReady() bool {
	return len(p.bus.lanes[p.tx].q) < txDepth
}

func (p *port) Tx(b byte, last bool) bool {
	if !p.TxReady() {
		return false
	}
	if p.device {
		if !p.bus.attached {
			return true
		}
		if p.bus.CorruptDeviceToHost != nil {
			var ok bool
			if b, ok = p.bus.CorruptDeviceToHost(b); !ok {
				return true
			}
		}
	}
	l := &p.bus.lanes[p.tx]
	l.q = append(l.q, wireByte{b: b, last: last})
	return true
}

func (p *port) Drive(ls phy.LineState) {
	if p.device && !p.bus.attached {
		return
	}
	*p.drive = drive{on: true, ls: ls}
}

func (p *port) Release() {
	*p.drive = drive{}
}
