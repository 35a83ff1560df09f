// Package device holds what the simulated HID devices have in common.
package device

import (
	"errors"

	"github.com/hurricanefpga/hurricane/usb"
)

// MinReportLen is the shortest interrupt payload that carries a boot
// protocol report.
const MinReportLen = 3

// ErrShortReport is returned when a payload is shorter than MinReportLen.
var ErrShortReport = errors.New("report shorter than 3 bytes")

// CreateOptions overrides identity fields of a device's default descriptor.
type CreateOptions struct {
	IdVendor  *uint16
	IdProduct *uint16
}

// Apply patches vendor and product into d.
func (o *CreateOptions) Apply(d *usb.DeviceDescriptor) {
	if o == nil {
		return
	}
	if o.IdVendor != nil {
		d.IDVendor = *o.IdVendor
	}
	if o.IdProduct != nil {
		d.IDProduct = *o.IdProduct
	}
}
