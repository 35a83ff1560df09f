package keyboard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanefpga/hurricane/device"
	"github.com/hurricanefpga/hurricane/device/keyboard"
	"github.com/hurricanefpga/hurricane/usb"
)

func TestBuildReport(t *testing.T) {
	var st keyboard.InputState
	st.Modifiers = keyboard.ModLeftShift
	st.Press(keyboard.KeyA + 7) // H
	st.Press(keyboard.KeyA)
	assert.Equal(t, []byte{0x02, 0, 0x04, 0x0B, 0, 0, 0, 0}, st.BuildReport())

	st.Release(keyboard.KeyA)
	assert.Equal(t, []byte{0x02, 0, 0x0B, 0, 0, 0, 0, 0}, st.BuildReport())
}

func TestBuildReportRollOver(t *testing.T) {
	var st keyboard.InputState
	for k := uint8(keyboard.KeyA); k < keyboard.KeyA+7; k++ {
		st.Press(k)
	}
	r := st.BuildReport()
	assert.Equal(t, []byte{1, 1, 1, 1, 1, 1}, r[2:])
}

func TestParseReport(t *testing.T) {
	r, err := keyboard.ParseReport([]byte{0x02, 0, 0x04, 0x05, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, uint8(keyboard.ModLeftShift), r.Modifiers)
	assert.True(t, r.Pressed(keyboard.KeyA))
	assert.False(t, r.Pressed(0))
	assert.Equal(t, "LShift+A+B", r.String())

	short, err := keyboard.ParseReport([]byte{0x01, 0, 0x1E})
	require.NoError(t, err)
	assert.Equal(t, [6]uint8{0x1E}, short.Keys)

	_, err = keyboard.ParseReport([]byte{0, 0})
	assert.ErrorIs(t, err, device.ErrShortReport)
	assert.True(t, keyboard.Report{}.Empty())
}

func TestCharToKey(t *testing.T) {
	tests := []struct {
		c     byte
		key   uint8
		shift bool
	}{
		{'a', keyboard.KeyA, false},
		{'Z', keyboard.KeyZ, true},
		{'1', keyboard.Key1, false},
		{'0', keyboard.Key0, false},
		{')', keyboard.Key0, true},
		{'!', keyboard.Key1, true},
		{'(', keyboard.Key9, true},
		{'?', keyboard.KeySlash, true},
		{' ', keyboard.KeySpace, false},
	}
	for _, tt := range tests {
		key, shift, ok := keyboard.CharToKey(tt.c)
		require.True(t, ok, "%q", tt.c)
		assert.Equal(t, tt.key, key, "%q", tt.c)
		assert.Equal(t, tt.shift, shift, "%q", tt.c)
	}
	_, _, ok := keyboard.CharToKey(0x7F)
	assert.False(t, ok)
}

func TestHandleTransfer(t *testing.T) {
	vid := uint16(0xBEEF)
	kb := keyboard.New(&device.CreateOptions{IdVendor: &vid})
	assert.Equal(t, vid, kb.GetDescriptor().Device.IDVendor)

	first := kb.HandleTransfer(1, usb.DirIn, nil)
	assert.Equal(t, make([]byte, 8), first, "initial idle report")
	assert.Nil(t, kb.HandleTransfer(1, usb.DirIn, nil), "unchanged state is NAKed")
	assert.Nil(t, kb.HandleTransfer(2, usb.DirIn, nil))

	assert.Equal(t, 2, kb.Type("Hi\x01"))
	assert.Equal(t, 4, kb.Pending())

	var got []keyboard.Report
	for i := 0; i < 6; i++ {
		if b := kb.HandleTransfer(1, usb.DirIn, nil); b != nil {
			r, err := keyboard.ParseReport(b)
			require.NoError(t, err)
			got = append(got, r)
		}
	}
	require.Len(t, got, 4)
	assert.Equal(t, "LShift+H", got[0].String())
	assert.True(t, got[1].Empty())
	assert.Equal(t, "I", got[2].String())
	assert.True(t, got[3].Empty())
	assert.Equal(t, uint64(5), kb.Reports())
}
