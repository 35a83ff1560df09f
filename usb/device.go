package usb

// Transfer directions passed to Device.HandleTransfer.
const (
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// Device is the minimal interface a simulated device must implement.
// It only handles non-EP0 (interrupt/bulk) transfers; EP0 requests are
// answered from the descriptor.
type Device interface {
	// HandleTransfer processes a non-EP0 transfer (interrupt/bulk).
	// ep is the endpoint number (without direction). dir is DirIn or DirOut.
	// For IN transfers, return the payload to send, or nil to NAK; for OUT,
	// consume 'out' and return nil.
	HandleTransfer(ep uint32, dir uint32, out []byte) []byte
	GetDescriptor() *Descriptor
}
