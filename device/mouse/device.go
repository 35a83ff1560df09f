// Package mouse provides a boot protocol HID mouse.
package mouse

import (
	"sync"

	"github.com/hurricanefpga/hurricane/device"
	"github.com/hurricanefpga/hurricane/usb"
)

// Mouse implements usb.Device for a three-button boot mouse with a wheel.
type Mouse struct {
	inputState InputState
	stateMu    sync.Mutex
	lastButton uint8
	sent       bool
	reports    uint64
	descriptor usb.Descriptor
}

// New returns a new Mouse device.
func New(o *device.CreateOptions) *Mouse {
	d := &Mouse{
		descriptor: defaultDescriptor,
	}
	o.Apply(&d.descriptor.Device)
	return d
}

// UpdateInputState sets the buttons and adds the deltas of state to the
// pending movement (thread-safe).
func (m *Mouse) UpdateInputState(state InputState) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.inputState.Buttons = state.Buttons
	m.inputState.DX += state.DX
	m.inputState.DY += state.DY
	m.inputState.Wheel += state.Wheel
}

// Reports returns the number of reports handed to the bus.
func (m *Mouse) Reports() uint64 {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.reports
}

// HandleTransfer implements interrupt IN for Mouse. A poll with no movement
// and unchanged buttons is NAKed.
func (m *Mouse) HandleTransfer(ep uint32, dir uint32, out []byte) []byte {
	if dir != usb.DirIn || ep != 1 {
		return nil
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	st := &m.inputState
	if m.sent && !st.moving() && st.Buttons == m.lastButton {
		return nil
	}
	report := st.BuildReport()
	// Relative deltas are one-shot; buttons persist until changed.
	st.consume()
	m.lastButton = st.Buttons
	m.sent = true
	m.reports++
	return report
}

// HID Report Descriptor for a 3-button mouse with a vertical wheel.
// Boot protocol compatible.
var hidReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x02, // Usage (Mouse)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x01, //   Usage (Pointer)
	0xA1, 0x00, //   Collection (Physical)
	0x05, 0x09, //     Usage Page (Button)
	0x19, 0x01, //     Usage Minimum (Button 1)
	0x29, 0x03, //     Usage Maximum (Button 3)
	0x15, 0x00, //     Logical Minimum (0)
	0x25, 0x01, //     Logical Maximum (1)
	0x95, 0x03, //     Report Count (3)
	0x75, 0x01, //     Report Size (1)
	0x81, 0x02, //     Input (Data, Variable, Absolute)
	0x95, 0x01, //     Report Count (1)
	0x75, 0x05, //     Report Size (5)
	0x81, 0x01, //     Input - padding
	0x05, 0x01, //     Usage Page (Generic Desktop)
	0x09, 0x30, //     Usage (X)
	0x09, 0x31, //     Usage (Y)
	0x09, 0x38, //     Usage (Wheel)
	0x15, 0x81, //     Logical Minimum (-127)
	0x25, 0x7F, //     Logical Maximum (127)
	0x75, 0x08, //     Report Size (8)
	0x95, 0x03, //     Report Count (3)
	0x81, 0x06, //     Input (Data, Variable, Relative)
	0xC0, //   End Collection
	0xC0, // End Collection
}

// Descriptor defines the static USB descriptor for the mouse.
var defaultDescriptor = usb.Descriptor{
	Device: usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BMaxPacketSize0:    0x40, // 64 bytes
		IDVendor:           0x1209,
		IDProduct:          0x0002,
		BcdDevice:          0x0100,
		IManufacturer:      0x01,
		IProduct:           0x02,
		ISerialNumber:      0x03,
		BNumConfigurations: 0x01,
	},
	Interfaces: []usb.InterfaceConfig{
		{
			Descriptor: usb.InterfaceDescriptor{
				BInterfaceNumber:   0x00,
				BInterfaceClass:    usb.ClassHID,
				BInterfaceSubClass: usb.HIDSubclassBoot,
				BInterfaceProtocol: usb.HIDProtocolMouse,
			},
			HIDDescriptor: []byte{
				0x09,       // bLength
				0x21,       // bDescriptorType (HID)
				0x11, 0x01, // bcdHID 1.11
				0x00,                                 // bCountryCode
				0x01,                                 // bNumDescriptors
				0x22,                                 // bDescriptorType (Report)
				byte(len(hidReportDescriptor)), 0x00, // wDescriptorLength
			},
			HIDReport: hidReportDescriptor,
			Endpoints: []usb.EndpointDescriptor{
				{
					BEndpointAddress: 0x81,
					BMAttributes:     0x03, // Interrupt
					WMaxPacketSize:   0x0004,
					BInterval:        0x0A, // 10 ms
				},
			},
		},
	},
	Strings: map[uint8]string{
		1: "Hurricane",
		2: "Boot Mouse",
		3: "0002",
	},
}

func (m *Mouse) GetDescriptor() *usb.Descriptor {
	return &m.descriptor
}
