package usb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanefpga/hurricane/usb"
)

func TestPIDByte(t *testing.T) {
	tests := []struct {
		pid  usb.PID
		want byte
	}{
		{usb.PIDOut, 0xE1},
		{usb.PIDIn, 0x69},
		{usb.PIDSOF, 0xA5},
		{usb.PIDSetup, 0x2D},
		{usb.PIDData0, 0xC3},
		{usb.PIDData1, 0x4B},
		{usb.PIDAck, 0xD2},
		{usb.PIDNak, 0x5A},
		{usb.PIDStall, 0x1E},
	}
	for _, tt := range tests {
		t.Run(tt.pid.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pid.Byte())
			got, ok := usb.ParsePID(tt.want)
			require.True(t, ok)
			assert.Equal(t, tt.pid, got)
		})
	}

	_, ok := usb.ParsePID(0xC4)
	assert.False(t, ok, "check nibble mismatch must be rejected")
}

func TestPIDClasses(t *testing.T) {
	assert.True(t, usb.PIDSetup.IsToken())
	assert.True(t, usb.PIDSOF.IsToken())
	assert.True(t, usb.PIDData1.IsData())
	assert.True(t, usb.PIDStall.IsHandshake())
	assert.False(t, usb.PIDAck.IsData())
	assert.Equal(t, usb.PIDData1, usb.PIDData0.Toggle())
	assert.Equal(t, usb.PIDData0, usb.PIDData1.Toggle())
}

func TestTokenRoundTrip(t *testing.T) {
	tests := []usb.Token{
		{PID: usb.PIDIn, Address: 1, Endpoint: 1},
		{PID: usb.PIDOut, Address: 127, Endpoint: 15},
		{PID: usb.PIDSetup, Address: 0x3A, Endpoint: 0xA},
		{PID: usb.PIDSOF, Frame: 2047},
		{PID: usb.PIDSOF, Frame: 0},
	}
	for _, tok := range tests {
		b := tok.Encode()
		got, ok := usb.DecodeToken(b[:])
		require.True(t, ok, "%+v", tok)
		assert.Equal(t, tok, got)

		for i := 1; i < 3; i++ {
			for bit := 0; bit < 8; bit++ {
				flipped := b
				flipped[i] ^= 1 << bit
				_, ok := usb.DecodeToken(flipped[:])
				assert.False(t, ok, "%+v byte %d bit %d", tok, i, bit)
			}
		}
	}
}

func TestDataRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	pkt := usb.EncodeData(usb.PIDData1, payload)
	require.Len(t, pkt, len(payload)+3)

	pid, got, ok := usb.DecodeData(pkt)
	require.True(t, ok)
	assert.Equal(t, usb.PIDData1, pid)
	assert.Equal(t, payload, got)

	pkt[3] ^= 0x10
	_, _, ok = usb.DecodeData(pkt)
	assert.False(t, ok)

	_, _, ok = usb.DecodeData(usb.EncodeHandshake(usb.PIDAck))
	assert.False(t, ok)
}

func TestSetupPacketRoundTrip(t *testing.T) {
	sp := usb.GetDescriptor(usb.DeviceDescType, 0, 18)
	b := sp.Bytes()
	assert.Equal(t, []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}, b)

	got, ok := usb.ParseSetupPacket(b)
	require.True(t, ok)
	assert.Equal(t, sp, got)
	assert.True(t, got.In())

	assert.False(t, usb.SetAddress(5).In())
	assert.Equal(t, uint16(5), usb.SetAddress(0x85).Value)

	proto := usb.SetProtocol(usb.ProtocolReport, 2)
	assert.Equal(t, []byte{0x21, 0x0B, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00}, proto.Bytes())
}

func TestErrorCodes(t *testing.T) {
	assert.Nil(t, usb.CodeNone.Err())
	assert.ErrorIs(t, usb.CodeNAKTimeout.Err(), usb.ErrNAKTimeout)
	assert.Equal(t, "NAK_TIMEOUT", usb.CodeNAKTimeout.String())
	assert.Equal(t, "BUFFER_UNDERFLOW", usb.CodeBufferUnderflow.String())
}

func TestPIDByName(t *testing.T) {
	p, ok := usb.PIDByName("setup")
	require.True(t, ok)
	assert.Equal(t, usb.PIDSetup, p)
	_, ok = usb.PIDByName("BOGUS")
	assert.False(t, ok)
}
