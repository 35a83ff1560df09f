// Package keyboard provides a boot protocol HID keyboard: the device side
// model served by the simulated device and the report decoder used by the
// host's keyboard poller.
package keyboard

import (
	"bytes"
	"sync"

	"github.com/hurricanefpga/hurricane/device"
	"github.com/hurricanefpga/hurricane/usb"
)

// Keyboard implements usb.Device for a six-key rollover boot keyboard.
// Reports are sent only when they change; an unchanged poll is NAKed.
type Keyboard struct {
	stateMu    sync.Mutex
	state      InputState
	queue      []InputState
	last       []byte
	sent       bool
	reports    uint64
	descriptor usb.Descriptor
}

// New returns a new Keyboard device.
func New(o *device.CreateOptions) *Keyboard {
	d := &Keyboard{
		descriptor: defaultDescriptor,
	}
	o.Apply(&d.descriptor.Device)
	return d
}

// UpdateInputState replaces the held keys (thread-safe).
func (k *Keyboard) UpdateInputState(state InputState) {
	k.stateMu.Lock()
	defer k.stateMu.Unlock()
	k.state = state
}

// Type queues a press and a release report for every character of text it
// can map. It returns the number of characters queued.
func (k *Keyboard) Type(text string) int {
	k.stateMu.Lock()
	defer k.stateMu.Unlock()
	n := 0
	for i := 0; i < len(text); i++ {
		key, shift, ok := CharToKey(text[i])
		if !ok {
			continue
		}
		var down InputState
		if shift {
			down.Modifiers = ModLeftShift
		}
		down.Press(key)
		k.queue = append(k.queue, down, InputState{})
		n++
	}
	return n
}

// Pending returns the number of queued reports not yet delivered.
func (k *Keyboard) Pending() int {
	k.stateMu.Lock()
	defer k.stateMu.Unlock()
	return len(k.queue)
}

// Reports returns the number of reports handed to the bus.
func (k *Keyboard) Reports() uint64 {
	k.stateMu.Lock()
	defer k.stateMu.Unlock()
	return k.reports
}

// HandleTransfer implements interrupt IN for Keyboard.
func (k *Keyboard) HandleTransfer(ep uint32, dir uint32, out []byte) []byte {
	if dir != usb.DirIn || ep != 1 {
		return nil
	}
	k.stateMu.Lock()
	defer k.stateMu.Unlock()

	if len(k.queue) > 0 {
		k.state = k.queue[0]
		k.queue = k.queue[1:]
		k.sent = false
	}
	report := k.state.BuildReport()
	if k.sent && bytes.Equal(report, k.last) {
		return nil
	}
	k.last = report
	k.sent = true
	k.reports++
	return report
}

// Boot keyboard report descriptor (HID 1.11 appendix B.1).
var hidReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x06, // Usage (Keyboard)
	0xA1, 0x01, // Collection (Application)
	0x05, 0x07, //   Usage Page (Keyboard)
	0x19, 0xE0, //   Usage Minimum (Left Control)
	0x29, 0xE7, //   Usage Maximum (Right GUI)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x01, //   Logical Maximum (1)
	0x75, 0x01, //   Report Size (1)
	0x95, 0x08, //   Report Count (8)
	0x81, 0x02, //   Input (Data, Variable, Absolute)
	0x95, 0x01, //   Report Count (1)
	0x75, 0x08, //   Report Size (8)
	0x81, 0x01, //   Input (Constant) reserved byte
	0x95, 0x05, //   Report Count (5)
	0x75, 0x01, //   Report Size (1)
	0x05, 0x08, //   Usage Page (LEDs)
	0x19, 0x01, //   Usage Minimum (Num Lock)
	0x29, 0x05, //   Usage Maximum (Kana)
	0x91, 0x02, //   Output (Data, Variable, Absolute)
	0x95, 0x01, //   Report Count (1)
	0x75, 0x03, //   Report Size (3)
	0x91, 0x01, //   Output (Constant) padding
	0x95, 0x06, //   Report Count (6)
	0x75, 0x08, //   Report Size (8)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x65, //   Logical Maximum (101)
	0x05, 0x07, //   Usage Page (Keyboard)
	0x19, 0x00, //   Usage Minimum (0)
	0x29, 0x65, //   Usage Maximum (101)
	0x81, 0x00, //   Input (Data, Array)
	0xC0, // End Collection
}

// Descriptor defines the static USB descriptor for the keyboard.
var defaultDescriptor = usb.Descriptor{
	Device: usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BMaxPacketSize0:    0x40, // 64 bytes
		IDVendor:           0x1209,
		IDProduct:          0x0001,
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
				BInterfaceProtocol: usb.HIDProtocolKeyboard,
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
					WMaxPacketSize:   0x0008,
					BInterval:        0x0A, // 10 ms
				},
			},
		},
	},
	Strings: map[uint8]string{
		1: "Hurricane",
		2: "Boot Keyboard",
		3: "0001",
	},
}

func (k *Keyboard) GetDescriptor() *usb.Descriptor {
	return &k.descriptor
}
