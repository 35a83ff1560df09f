// Package descriptor extracts endpoint records from a configuration
// descriptor stream, one byte at a time.
package descriptor

import (
	"fmt"

	"github.com/hurricanefpga/hurricane/usb"
)

// FilterSpec selects endpoints: the owning interface must match Class,
// Subclass and Protocol exactly and the endpoint must match TransferType and
// direction.
type FilterSpec struct {
	Class        uint8
	Subclass     uint8
	Protocol     uint8
	TransferType usb.TransferType
	In           bool
}

// Boot protocol HID interrupt IN endpoints.
var (
	BootKeyboard = FilterSpec{
		Class:        usb.ClassHID,
		Subclass:     usb.HIDSubclassBoot,
		Protocol:     usb.HIDProtocolKeyboard,
		TransferType: usb.TransferInterrupt,
		In:           true,
	}
	BootMouse = FilterSpec{
		Class:        usb.ClassHID,
		Subclass:     usb.HIDSubclassBoot,
		Protocol:     usb.HIDProtocolMouse,
		TransferType: usb.TransferInterrupt,
		In:           true,
	}
)

// Endpoint is one extracted endpoint record.
type Endpoint struct {
	Interface     uint8
	Number        uint8
	In            bool
	TransferType  usb.TransferType
	MaxPacketSize uint16
	Interval      uint8
}

func (e Endpoint) String() string {
	dir := "OUT"
	if e.In {
		dir = "IN"
	}
	return fmt.Sprintf("if%d ep%d %s %s mps=%d interval=%d",
		e.Interface, e.Number, dir, e.TransferType, e.MaxPacketSize, e.Interval)
}

// Parser is a single-pass streaming parser. It reports the first endpoint
// matching its filter after skipping Skip earlier matches.
type Parser struct {
	filter FilterSpec
	skip   int

	offset   int
	length   int
	dtype    uint8
	total    int
	consumed int

	inMatch bool
	iface   uint8
	cls     uint8
	sub     uint8

	epAddr  uint8
	epAttr  uint8
	epMPSLo uint8
	epMPS   uint16

	valid bool
	done  bool
	err   error
	ep    Endpoint
}

// NewParser returns a parser for filter that reports the (skip+1)th match.
func NewParser(filter FilterSpec, skip int) *Parser {
	return &Parser{filter: filter, skip: skip}
}

// Reset rewinds the parser for a new stream with the same filter.
func (p *Parser) Reset() {
	*p = Parser{filter: p.filter, skip: p.skip}
}

// Valid reports whether a matching endpoint was found.
func (p *Parser) Valid() bool { return p.valid }

// Done reports whether the parser stopped: on a match, on an error or at the
// end of the configuration's wTotalLength.
func (p *Parser) Done() bool { return p.done }

// Err returns the parse error, if any.
func (p *Parser) Err() error { return p.err }

// Endpoint returns the match. It is only meaningful when Valid.
func (p *Parser) Endpoint() Endpoint { return p.ep }

// Consumed returns the number of bytes fed before the parser stopped.
func (p *Parser) Consumed() int { return p.consumed }

// Write feeds b and never fails, so a Parser can sit behind an io.Writer.
func (p *Parser) Write(b []byte) (int, error) {
	for _, c := range b {
		p.Feed(c)
	}
	return len(b), nil
}

// Feed consumes one byte. Bytes after Done are ignored.
func (p *Parser) Feed(b byte) {
	if p.done {
		return
	}
	p.consumed++

	switch p.offset {
	case 0:
		if b < 2 {
			p.fail(fmt.Errorf("%w: bLength %d at byte %d", usb.ErrBadDescriptor, b, p.consumed-1))
			return
		}
		p.length = int(b)
	case 1:
		p.dtype = b
		if p.dtype == usb.InterfaceDescType {
			p.inMatch = false
		}
	default:
		p.payload(b)
	}

	p.offset++
	if p.offset >= p.length {
		p.offset = 0
	}
	if !p.done && p.total > 0 && p.consumed >= p.total {
		p.done = true
	}
}

// payload handles byte p.offset (>= 2) of the current descriptor.
func (p *Parser) payload(b byte) {
	switch p.dtype {
	case usb.ConfigDescType:
		switch p.offset {
		case 2:
			p.total = int(b)
		case 3:
			p.total |= int(b) << 8
		}

	case usb.InterfaceDescType:
		switch p.offset {
		case 2:
			p.iface = b
		case 5:
			p.cls = b
		case 6:
			p.sub = b
		case 7:
			p.inMatch = p.cls == p.filter.Class && p.sub == p.filter.Subclass && b == p.filter.Protocol
		}

	case usb.EndpointDescType:
		if !p.inMatch {
			return
		}
		switch p.offset {
		case 2:
			p.epAddr = b
		case 3:
			p.epAttr = b
		case 4:
			p.epMPSLo = b
		case 5:
			p.epMPS = (uint16(b)<<8 | uint16(p.epMPSLo)) & 0x07FF
		case 6:
			p.endpoint(b)
		}
	}
}

func (p *Parser) endpoint(interval uint8) {
	ep := Endpoint{
		Interface:     p.iface,
		Number:        p.epAddr & 0x0F,
		In:            p.epAddr&0x80 != 0,
		TransferType:  usb.TransferType(p.epAttr & 0x03),
		MaxPacketSize: p.epMPS,
		Interval:      interval,
	}
	if ep.TransferType != p.filter.TransferType || ep.In != p.filter.In {
		return
	}
	if p.skip > 0 {
		p.skip--
		return
	}
	p.ep = ep
	p.valid = true
	p.done = true
}

func (p *Parser) fail(err error) {
	p.err = err
	p.done = true
}

// Find parses data and returns the first match.
func Find(data []byte, filter FilterSpec) (Endpoint, bool, error) {
	p := NewParser(filter, 0)
	_, _ = p.Write(data)
	return p.ep, p.valid, p.err
}

// FindAll re-runs the parser over data until no further match is found.
func FindAll(data []byte, filter FilterSpec) ([]Endpoint, error) {
	var out []Endpoint
	for skip := 0; ; skip++ {
		p := NewParser(filter, skip)
		_, _ = p.Write(data)
		if p.err != nil {
			return out, p.err
		}
		if !p.valid {
			return out, nil
		}
		out = append(out, p.ep)
	}
}
