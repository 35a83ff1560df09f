package host

import (
	"fmt"
	"strings"

	"github.com/hurricanefpga/hurricane/descriptor"
	"github.com/hurricanefpga/hurricane/enumerator"
	"github.com/hurricanefpga/hurricane/internal/monitor"
	"github.com/hurricanefpga/hurricane/ringbuf"
	"github.com/hurricanefpga/hurricane/usb"
)

// Config is the control surface of the host engine.
type Config struct {
	HostMode      bool  `help:"Run the host engine; off leaves the bus to the device and only captures" default:"true" negatable:"" env:"HURRICANE_HOST_MODE"`
	AutoEnumerate bool  `help:"Enumerate every newly connected device" default:"true" negatable:"" env:"HURRICANE_AUTO_ENUMERATE"`
	Address       uint8 `help:"Address assigned with SET_ADDRESS (1-127)" default:"1" env:"HURRICANE_ADDRESS"`
	Configuration uint8 `help:"Configuration selected with SET_CONFIGURATION; 0 uses the device's own" default:"0" env:"HURRICANE_CONFIGURATION"`
	Protocol      uint8 `help:"HID protocol sent with SET_PROTOCOL (0 boot, 1 report)" default:"1" env:"HURRICANE_PROTOCOL"`

	FilterClass    uint8 `help:"Interface class the descriptor parser looks for" default:"3" env:"HURRICANE_FILTER_CLASS"`
	FilterSubclass uint8 `help:"Interface subclass the descriptor parser looks for" default:"1" env:"HURRICANE_FILTER_SUBCLASS"`
	FilterProtocol uint8 `help:"Interface protocol the descriptor parser looks for" default:"1" env:"HURRICANE_FILTER_PROTOCOL"`

	Capture     bool     `help:"Capture bus traffic into the packet log" default:"true" negatable:"" env:"HURRICANE_CAPTURE"`
	CapturePIDs []string `help:"Only capture these packet types, e.g. SETUP,DATA0,DATA1 (empty captures all)" name:"capture-pids" placeholder:"PID" env:"HURRICANE_CAPTURE_PIDS"`
	DualBuffer  bool     `help:"Split the packet log into one partition per direction" env:"HURRICANE_DUAL_BUFFER"`
	BufferSize  int      `help:"Packet log size in bytes" default:"32768" env:"HURRICANE_BUFFER_SIZE"`
}

// DefaultConfig mirrors the kong defaults.
func DefaultConfig() Config {
	return Config{
		HostMode:       true,
		AutoEnumerate:  true,
		Address:        1,
		Protocol:       usb.ProtocolReport,
		FilterClass:    usb.ClassHID,
		FilterSubclass: usb.HIDSubclassBoot,
		FilterProtocol: usb.HIDProtocolKeyboard,
		Capture:        true,
		BufferSize:     ringbuf.DefaultSize,
	}
}

// Validate checks the ranges kong cannot express.
func (c Config) Validate() error {
	if c.Address == 0 || c.Address > usb.MaxAddress {
		return fmt.Errorf("address %d out of range 1-%d", c.Address, usb.MaxAddress)
	}
	if c.Protocol > usb.ProtocolReport {
		return fmt.Errorf("protocol %d is neither boot (0) nor report (1)", c.Protocol)
	}
	if c.BufferSize < 2*(ringbuf.HeaderSize+ringbuf.DefaultMargin) {
		return fmt.Errorf("buffer size %d too small", c.BufferSize)
	}
	_, err := c.captureMask()
	return err
}

// Filter is the parser target selected by the Filter fields.
func (c Config) Filter() descriptor.FilterSpec {
	return descriptor.FilterSpec{
		Class:        c.FilterClass,
		Subclass:     c.FilterSubclass,
		Protocol:     c.FilterProtocol,
		TransferType: usb.TransferInterrupt,
		In:           true,
	}
}

func (c Config) enumerator() enumerator.Config {
	ec := enumerator.DefaultConfig()
	ec.Address = c.Address
	ec.Configuration = c.Configuration
	ec.Protocol = c.Protocol
	filters := []descriptor.FilterSpec{c.Filter()}
	for _, f := range ec.Filters {
		if f != filters[0] {
			filters = append(filters, f)
		}
	}
	ec.Filters = filters
	return ec
}

func (c Config) captureMask() (uint16, error) {
	var pids []usb.PID
	for _, name := range c.CapturePIDs {
		p, ok := usb.PIDByName(strings.TrimSpace(name))
		if !ok {
			return 0, fmt.Errorf("unknown packet type %q", name)
		}
		pids = append(pids, p)
	}
	return monitor.Mask(pids...), nil
}

func (c Config) monitor() monitor.Config {
	mask, _ := c.captureMask()
	return monitor.Config{
		Enabled:       c.Capture,
		FilterEnabled: len(c.CapturePIDs) > 0,
		FilterMask:    mask,
	}
}

func (c Config) buffer() ringbuf.Config {
	bc := ringbuf.DefaultConfig()
	bc.Size = c.BufferSize
	bc.Dual = c.DualBuffer
	bc.HighWatermark = c.BufferSize * 3 / 4
	bc.LowWatermark = c.BufferSize / 4
	return bc
}
