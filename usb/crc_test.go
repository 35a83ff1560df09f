package usb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hurricanefpga/hurricane/usb"
)

func TestCRC5KnownVector(t *testing.T) {
	// SETUP to address 0 endpoint 0 is 2D 00 10 on the wire.
	tok := usb.Token{PID: usb.PIDSetup}
	assert.Equal(t, [3]byte{0x2D, 0x00, 0x10}, tok.Encode())
	assert.Equal(t, uint8(0x02), usb.CRC5(0))
}

func TestCRC16KnownVectors(t *testing.T) {
	// CRC-16/USB check value.
	assert.Equal(t, uint16(0xB4C8), usb.CRC16([]byte("123456789")))
	// Zero length data packet carries 00 00.
	assert.Equal(t, uint16(0x0000), usb.CRC16(nil))
	assert.Equal(t, []byte{0xC3, 0x00, 0x00}, usb.EncodeData(usb.PIDData0, nil))
}

func TestCRC5SingleBitFlip(t *testing.T) {
	for field := uint16(0); field <= usb.FrameMask; field += 37 {
		crc := usb.CRC5(field)
		assert.True(t, usb.CheckCRC5(field, crc))
		for bit := 0; bit < 11; bit++ {
			assert.False(t, usb.CheckCRC5(field^(1<<bit), crc), "field %#x bit %d", field, bit)
		}
		for bit := 0; bit < 5; bit++ {
			assert.False(t, usb.CheckCRC5(field, crc^(1<<bit)), "field %#x crc bit %d", field, bit)
		}
	}
}

func TestCRC16SingleBitFlip(t *testing.T) {
	payloads := [][]byte{
		{0x00},
		{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00},
		{0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x40, 0x34, 0x12, 0x78, 0x56},
	}
	for _, p := range payloads {
		pkt := usb.EncodeData(usb.PIDData1, p)
		body := pkt[1:]
		assert.True(t, usb.CheckCRC16(body))
		for i := range body {
			for bit := 0; bit < 8; bit++ {
				flipped := append([]byte(nil), body...)
				flipped[i] ^= 1 << bit
				assert.False(t, usb.CheckCRC16(flipped), "byte %d bit %d", i, bit)
			}
		}
	}
}

func TestCRC16Streaming(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}
	crc := usb.CRC16Init
	for _, b := range data {
		crc = usb.CRC16Update(crc, b)
	}
	assert.Equal(t, usb.CRC16(data), usb.CRC16Final(crc))
}
