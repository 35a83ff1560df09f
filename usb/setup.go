package usb

// SetupPacketSize is the length of the SETUP data stage payload.
const SetupPacketSize = 8

// bmRequestType bits
const (
	RequestDirIn       = 0x80
	RequestTypeClass   = 0x20
	RequestTypeVendor  = 0x40
	RequestRecipientIf = 0x01
)

// Standard requests
const (
	RequestGetStatus        = 0x00
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// HID class requests
const (
	RequestHIDSetIdle     = 0x0A
	RequestHIDSetProtocol = 0x0B
)

// HID protocol values for SET_PROTOCOL.
const (
	ProtocolBoot   = 0
	ProtocolReport = 1
)

// SetupPacket is the 8-byte control request.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// In reports whether the data stage flows device to host.
func (s SetupPacket) In() bool {
	return s.RequestType&RequestDirIn != 0
}

// Bytes returns the little-endian wire form.
func (s SetupPacket) Bytes() []byte {
	return []byte{
		s.RequestType,
		s.Request,
		byte(s.Value), byte(s.Value >> 8),
		byte(s.Index), byte(s.Index >> 8),
		byte(s.Length), byte(s.Length >> 8),
	}
}

// ParseSetupPacket decodes an 8-byte SETUP payload.
func ParseSetupPacket(data []byte) (SetupPacket, bool) {
	if len(data) < SetupPacketSize {
		return SetupPacket{}, false
	}
	return SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       uint16(data[2]) | uint16(data[3])<<8,
		Index:       uint16(data[4]) | uint16(data[5])<<8,
		Length:      uint16(data[6]) | uint16(data[7])<<8,
	}, true
}

// GetDescriptor builds a standard GET_DESCRIPTOR request.
func GetDescriptor(descType, index uint8, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirIn,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Length:      length,
	}
}

// SetAddress builds a SET_ADDRESS request.
func SetAddress(addr uint8) SetupPacket {
	return SetupPacket{Request: RequestSetAddress, Value: uint16(addr & AddressMask)}
}

// SetConfiguration builds a SET_CONFIGURATION request.
func SetConfiguration(value uint8) SetupPacket {
	return SetupPacket{Request: RequestSetConfiguration, Value: uint16(value)}
}

// SetProtocol builds the HID class SET_PROTOCOL request for an interface.
func SetProtocol(protocol uint8, iface uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeClass | RequestRecipientIf,
		Request:     RequestHIDSetProtocol,
		Value:       uint16(protocol),
		Index:       uint16(iface),
	}
}

// SetIdle builds the HID class SET_IDLE request. rate is in 4 ms units, 0
// reports only changes.
func SetIdle(rate uint8, iface uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeClass | RequestRecipientIf,
		Request:     RequestHIDSetIdle,
		Value:       uint16(rate) << 8,
		Index:       uint16(iface),
	}
}
