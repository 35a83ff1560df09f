// Package phy defines the byte-stream boundary between the protocol engine
// and the physical layer.
//
// The engine never sees bits. Each tick it samples one RxSample and may hand
// one byte to the transmitter. Packets are delimited by Active: the receiver
// holds Active high from the first byte until one tick after the last, and
// the transmitter marks the last byte of a packet explicitly.
package phy

import "fmt"

// LineState is the sampled differential line state.
type LineState uint8

// Line states.
const (
	LineSE0 LineState = iota
	LineJ
	LineK
	LineSE1
)

func (l LineState) String() string {
	switch l {
	case LineSE0:
		return "SE0"
	case LineJ:
		return "J"
	case LineK:
		return "K"
	case LineSE1:
		return "SE1"
	default:
		return fmt.Sprintf("LineState(%d)", uint8(l))
	}
}

// RxSample is what the receiver presents for one tick.
type RxSample struct {
	Byte   byte
	Valid  bool
	Active bool
	Error  bool
}

// Port is one side of the PHY.
type Port interface {
	// Rx returns the receive sample for the current tick.
	Rx() RxSample
	// LineState returns the resolved bus line state.
	LineState() LineState
	// TxReady reports whether Tx will accept a byte this tick.
	TxReady() bool
	// Tx queues one byte; last ends the packet. It returns false when the
	// transmitter is not ready.
	Tx(b byte, last bool) bool
	// Drive forces the line to ls until Release.
	Drive(ls LineState)
	// Release stops driving the line.
	Release()
}

// Assembler collects RxSamples into whole packets.
type Assembler struct {
	buf    []byte
	active bool
	err    bool
}

// Feed consumes one sample. When a packet ends it returns the packet bytes,
// done=true and whether any byte was flagged with a receive error. The
// returned slice is only valid until the next call to Feed.
func (a *Assembler) Feed(s RxSample) (pkt []byte, done bool, rxErr bool) {
	if s.Active {
		if !a.active {
			a.active = true
			a.buf = a.buf[:0]
			a.err = false
		}
		if s.Valid {
			a.buf = append(a.buf, s.Byte)
		}
		if s.Error {
			a.err = true
		}
		return nil, false, false
	}
	if !a.active {
		return nil, false, false
	}
	a.active = false
	return a.buf, true, a.err
}

// Active reports whether a packet is being received.
func (a *Assembler) Active() bool {
	return a.active
}

// Reset drops any partially received packet.
func (a *Assembler) Reset() {
	a.active = false
	a.buf = a.buf[:0]
	a.err = false
}

// Sender streams one packet into a Port, one byte per ready tick.
type Sender struct {
	pkt []byte
	off int
}

// Load replaces the pending packet.
func (s *Sender) Load(pkt []byte) {
	s.pkt = append(s.pkt[:0], pkt...)
	s.off = 0
}

// Busy reports whether bytes remain to be sent.
func (s *Sender) Busy() bool {
	return s.off < len(s.pkt)
}

// Step sends the next byte if the port is ready. It returns true on the tick
// the last byte is accepted.
func (s *Sender) Step(p Port) bool {
	if !s.Busy() || !p.TxReady() {
		return false
	}
	last := s.off == len(s.pkt)-1
	if !p.Tx(s.pkt[s.off], last) {
		return false
	}
	s.off++
	return last
}

// Clear drops the pending packet.
func (s *Sender) Clear() {
	s.pkt = s.pkt[:0]
	s.off = 0
}
