package usb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanefpga/hurricane/usb"
)

func TestParseDeviceDescriptor(t *testing.T) {
	raw := []byte{18, 0x01, 0x00, 0x02, 0, 0, 0, 64, 0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 1, 2, 3, 1}

	d, err := usb.ParseDeviceDescriptor(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0200), d.BcdUSB)
	assert.Equal(t, uint8(64), d.BMaxPacketSize0)
	assert.Equal(t, uint16(0x1234), d.IDVendor)
	assert.Equal(t, uint16(0x5678), d.IDProduct)
	assert.Equal(t, uint8(1), d.BNumConfigurations)

	partial, err := usb.ParseDeviceDescriptor(raw[:8])
	require.NoError(t, err)
	assert.Equal(t, uint8(64), partial.BMaxPacketSize0)
	assert.Zero(t, partial.IDVendor)

	_, err = usb.ParseDeviceDescriptor(raw[:7])
	assert.ErrorIs(t, err, usb.ErrBadDescriptor)

	wrongType := append([]byte(nil), raw...)
	wrongType[1] = usb.ConfigDescType
	_, err = usb.ParseDeviceDescriptor(wrongType)
	assert.ErrorIs(t, err, usb.ErrBadDescriptor)
}

func TestDescriptorBytesRoundTrip(t *testing.T) {
	desc := usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    64,
			IDVendor:           0x1234,
			IDProduct:          0x5678,
			BNumConfigurations: 1,
		},
	}
	d, err := usb.ParseDeviceDescriptor(desc.Bytes())
	require.NoError(t, err)
	assert.Equal(t, desc.Device, d)
}

func TestConfigBytes(t *testing.T) {
	hidDesc := []byte{0x09, 0x21, 0x11, 0x01, 0x00, 0x01, 0x22, 0x3F, 0x00}
	desc := usb.Descriptor{
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceClass:    usb.ClassHID,
					BInterfaceSubClass: usb.HIDSubclassBoot,
					BInterfaceProtocol: usb.HIDProtocolKeyboard,
				},
				HIDDescriptor: hidDesc,
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x81, BMAttributes: 0x03, WMaxPacketSize: 8, BInterval: 10},
				},
			},
		},
	}

	b := desc.ConfigBytes(1)
	require.Len(t, b, usb.ConfigDescLen+usb.InterfaceDescLen+usb.HIDDescLen+usb.EndpointDescLen)
	assert.Equal(t, byte(usb.ConfigDescType), b[1])
	assert.Equal(t, byte(len(b)), b[2])
	assert.Equal(t, byte(0), b[3])
	assert.Equal(t, byte(1), b[4], "bNumInterfaces")
	assert.Equal(t, byte(1), b[5], "bConfigurationValue")

	iface := b[usb.ConfigDescLen:]
	assert.Equal(t, []byte{9, 0x04, 0, 0, 1, 0x03, 0x01, 0x01, 0}, iface[:9])

	ep := b[len(b)-usb.EndpointDescLen:]
	assert.Equal(t, []byte{7, 0x05, 0x81, 0x03, 8, 0, 10}, ep)
}

func TestEndpointDescriptorAccessors(t *testing.T) {
	ep := usb.EndpointDescriptor{BEndpointAddress: 0x82}
	assert.Equal(t, uint8(2), ep.Number())
	assert.True(t, ep.IsIn())
	assert.False(t, usb.EndpointDescriptor{BEndpointAddress: 0x01}.IsIn())
}
