package phy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hurricanefpga/hurricane/phy"
)

type loopPort struct {
	sent  []byte
	lasts []bool
	ready bool
}

func (p *loopPort) Rx() phy.RxSample         { return phy.RxSample{} }
func (p *loopPort) LineState() phy.LineState { return phy.LineJ }
func (p *loopPort) TxReady() bool            { return p.ready }
func (p *loopPort) Tx(b byte, last bool) bool {
	if !p.ready {
		return false
	}
	p.sent = append(p.sent, b)
	p.lasts = append(p.lasts, last)
	return true
}
func (p *loopPort) Drive(phy.LineState) {}
func (p *loopPort) Release()            {}

func TestAssembler(t *testing.T) {
	var a phy.Assembler
	samples := []phy.RxSample{
		{},
		{Byte: 0x69, Valid: true, Active: true},
		{Active: true},
		{Byte: 0x01, Valid: true, Active: true},
		{Byte: 0x08, Valid: true, Active: true},
		{},
	}

	var got []byte
	var ends int
	for _, s := range samples {
		pkt, done, rxErr := a.Feed(s)
		if done {
			ends++
			got = append([]byte(nil), pkt...)
			assert.False(t, rxErr)
		}
	}
	assert.Equal(t, 1, ends)
	assert.Equal(t, []byte{0x69, 0x01, 0x08}, got)
}

func TestAssemblerError(t *testing.T) {
	var a phy.Assembler
	a.Feed(phy.RxSample{Byte: 0xC3, Valid: true, Active: true, Error: true})
	_, done, rxErr := a.Feed(phy.RxSample{})
	assert.True(t, done)
	assert.True(t, rxErr)

	a.Feed(phy.RxSample{Byte: 0xD2, Valid: true, Active: true})
	pkt, done, rxErr := a.Feed(phy.RxSample{})
	assert.True(t, done)
	assert.False(t, rxErr, "error flag is per packet")
	assert.Equal(t, []byte{0xD2}, pkt)
}

func TestSender(t *testing.T) {
	p := &loopPort{}
	var s phy.Sender
	s.Load([]byte{1, 2, 3})

	assert.False(t, s.Step(p), "not ready")
	p.ready = true
	assert.False(t, s.Step(p))
	assert.False(t, s.Step(p))
	assert.True(t, s.Step(p))
	assert.False(t, s.Busy())
	assert.False(t, s.Step(p))

	assert.Equal(t, []byte{1, 2, 3}, p.sent)
	assert.Equal(t, []bool{false, false, true}, p.lasts)
}
