// Package ringbuf is the packet log: a fixed size byte ring holding framed
// packet records, optionally split into one partition per direction.
//
// A record is a 12 byte header (magic, flags, little-endian length and
// timestamp) followed by the payload. Writers stream a record in three steps:
// Begin reserves the header, Write appends payload bytes and Commit fills in
// the length and publishes the record. Readers only ever see committed
// records.
package ringbuf

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hurricanefpga/hurricane/usb"
)

const (
	// Magic starts every record.
	Magic = 0xA5
	// HeaderSize is the record header length.
	HeaderSize = 12
	// DefaultSize is the total buffer size.
	DefaultSize = 32 * 1024
	// DefaultMargin is kept free for the packet in flight.
	DefaultMargin = 256

	flagDeviceToHost = 0x01
)

// Direction of a captured packet.
type Direction uint8

const (
	HostToDevice Direction = iota
	DeviceToHost
)

func (d Direction) String() string {
	if d == DeviceToHost {
		return "D->H"
	}
	return "H->D"
}

// Record is one captured packet.
type Record struct {
	Direction Direction
	Timestamp uint64
	Payload   []byte
}

// Config sizes the buffer.
type Config struct {
	// Size is the total capacity in bytes. Dual mode splits it in half.
	Size int
	// Dual keeps one partition per direction.
	Dual bool
	// Margin is subtracted from the usable capacity.
	Margin int
	// HighWatermark and LowWatermark are advisory fill levels in bytes.
	HighWatermark int
	LowWatermark  int
}

// DefaultConfig returns a single 32 KiB partition.
func DefaultConfig() Config {
	return Config{
		Size:          DefaultSize,
		Margin:        DefaultMargin,
		HighWatermark: DefaultSize * 3 / 4,
		LowWatermark:  DefaultSize / 4,
	}
}

// Stats counts buffer events per direction.
type Stats struct {
	Written    [2]uint64
	Read       [2]uint64
	Dropped    [2]uint64
	Packets    [2]uint64 // committed and not yet read
	Flushed    [2]uint64 // committed and discarded on desync
	Overflows  uint64
	Underflows uint64
}

type partition struct {
	buf  []byte
	rd   int
	wr   int
	used int

	// record being written
	open    bool
	dropped bool
	dir     Direction
	ts      uint64
	n       int
}

func (p *partition) capacity() int { return len(p.buf) }

func (p *partition) put(off int, b byte) {
	p.buf[(p.wr+off)%len(p.buf)] = b
}

func (p *partition) get(off int) byte {
	return p.buf[(p.rd+off)%len(p.buf)]
}

// Buffer is the packet log. It is safe for one writer and one reader running
// concurrently.
type Buffer struct {
	mu     sync.Mutex
	cfg    Config
	parts  []*partition
	turn   Direction
	stats  Stats
	code   usb.ErrorCode
	margin int
}

// New returns an empty buffer.
func New(cfg Config) *Buffer {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Margin < 0 {
		cfg.Margin = 0
	}
	b := &Buffer{cfg: cfg, margin: cfg.Margin}
	n := 1
	if cfg.Dual {
		n = 2
	}
	for i := 0; i < n; i++ {
		b.parts = append(b.parts, &partition{buf: make([]byte, cfg.Size/n)})
	}
	return b
}

func (b *Buffer) part(dir Direction) *partition {
	if len(b.parts) == 2 {
		return b.parts[dir&1]
	}
	return b.parts[0]
}

func (b *Buffer) full(p *partition) bool {
	return p.used > p.capacity()-HeaderSize-b.margin
}

// Full reports whether records for dir are being rejected.
func (b *Buffer) Full(dir Direction) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.full(b.part(dir))
}

// WriteReady reports whether a record for dir would be accepted.
func (b *Buffer) WriteReady(dir Direction) bool {
	return !b.Full(dir)
}

// Begin opens a record. A record already open on the same partition is
// discarded and counted as dropped for its direction. When the partition is full the record is dropped and Begin
// returns usb.ErrBufferOverflow; later Write and Commit calls for it are
// ignored.
func (b *Buffer) Begin(dir Direction, ts uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.part(dir)
	if p.open && !p.dropped {
		b.stats.Dropped[p.dir]++
	}
	p.open = true
	p.dropped = false
	p.dir = dir
	p.ts = ts
	p.n = 0
	if b.full(p) {
		b.drop(p)
		return usb.ErrBufferOverflow
	}
	return nil
}

// Write appends payload bytes to the open record of dir.
func (b *Buffer) Write(dir Direction, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.part(dir)
	if !p.open || p.dropped {
		return nil
	}
	if p.used+HeaderSize+p.n+len(data) > p.capacity() || p.n+len(data) > 0xFFFF {
		b.drop(p)
		return usb.ErrBufferOverflow
	}
	for _, c := range data {
		p.put(HeaderSize+p.n, c)
		p.n++
	}
	return nil
}

// Commit publishes the open record of dir.
func (b *Buffer) Commit(dir Direction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.part(dir)
	if !p.open {
		return nil
	}
	p.open = false
	if p.dropped {
		return usb.ErrBufferOverflow
	}
	hdr := header(p.dir, p.n, p.ts)
	for i, c := range hdr {
		p.put(i, c)
	}
	size := HeaderSize + p.n
	p.wr = (p.wr + size) % p.capacity()
	p.used += size
	b.stats.Written[p.dir]++
	b.stats.Packets[p.dir]++
	return nil
}

// Abort discards the open record of dir.
func (b *Buffer) Abort(dir Direction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.part(dir).open = false
}

func (b *Buffer) drop(p *partition) {
	if p.dropped {
		return
	}
	p.dropped = true
	b.stats.Dropped[p.dir]++
	b.stats.Overflows++
	b.code = usb.CodeBufferOverflow
}

// Put writes a whole record.
func (b *Buffer) Put(r Record) error {
	if err := b.Begin(r.Direction, r.Timestamp); err != nil {
		return err
	}
	if err := b.Write(r.Direction, r.Payload); err != nil {
		return err
	}
	return b.Commit(r.Direction)
}

// Next reads the oldest committed record. In dual mode it alternates between
// directions while both hold records. ok is false when nothing is committed.
// A record with a bad magic byte means the reader lost sync: the partition is
// flushed and usb.ErrBufferUnderflow returned.
func (b *Buffer) Next() (r Record, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var p *partition
	if len(b.parts) == 2 {
		first, second := b.parts[b.turn], b.parts[1-b.turn]
		switch {
		case first.used > 0:
			p = first
		case second.used > 0:
			p = second
		default:
			return Record{}, false, nil
		}
	} else if p = b.parts[0]; p.used == 0 {
		return Record{}, false, nil
	}

	if m := p.get(0); m != Magic || p.used < HeaderSize {
		b.stats.Underflows++
		b.code = usb.CodeBufferUnderflow
		b.flush(p)
		return Record{}, false, fmt.Errorf("%w: bad magic 0x%02x", usb.ErrBufferUnderflow, m)
	}
	var hdr [HeaderSize]byte
	for i := range hdr {
		hdr[i] = p.get(i)
	}
	n := int(binary.LittleEndian.Uint16(hdr[2:4]))
	if HeaderSize+n > p.used {
		b.stats.Underflows++
		b.code = usb.CodeBufferUnderflow
		b.flush(p)
		return Record{}, false, fmt.Errorf("%w: record of %d bytes exceeds %d used", usb.ErrBufferUnderflow, n, p.used)
	}
	r.Direction = HostToDevice
	if hdr[1]&flagDeviceToHost != 0 {
		r.Direction = DeviceToHost
	}
	r.Timestamp = binary.LittleEndian.Uint64(hdr[4:12])
	r.Payload = make([]byte, n)
	for i := range r.Payload {
		r.Payload[i] = p.get(HeaderSize + i)
	}
	p.rd = (p.rd + HeaderSize + n) % p.capacity()
	p.used -= HeaderSize + n
	b.stats.Read[r.Direction]++
	b.stats.Packets[r.Direction]--
	if len(b.parts) == 2 {
		b.turn = 1 - r.Direction
	}
	return r, true, nil
}

// flush drops every committed record of p and resyncs its counters.
func (b *Buffer) flush(p *partition) {
	p.rd = p.wr
	p.used = 0
	for d := range b.stats.Packets {
		if len(b.parts) == 2 && Direction(d) != b.partDir(p) {
			continue
		}
		b.stats.Flushed[d] += b.stats.Packets[d]
		b.stats.Packets[d] = 0
	}
}

func (b *Buffer) partDir(p *partition) Direction {
	if len(b.parts) == 2 && p == b.parts[1] {
		return DeviceToHost
	}
	return HostToDevice
}

// Used returns the committed bytes and capacity summed over partitions.
func (b *Buffer) Used() (used, capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.parts {
		used += p.used
		capacity += p.capacity()
	}
	return used, capacity
}

// AboveHigh reports whether the fill level passed the high watermark.
// Watermarks are advisory and never reject writes.
func (b *Buffer) AboveHigh() bool {
	used, _ := b.Used()
	return b.cfg.HighWatermark > 0 && used >= b.cfg.HighWatermark
}

// BelowLow reports whether the fill level is under the low watermark.
func (b *Buffer) BelowLow() bool {
	used, _ := b.Used()
	return used <= b.cfg.LowWatermark
}

// Stats returns the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Code returns the last error code raised by the buffer.
func (b *Buffer) Code() usb.ErrorCode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.code
}

// Reset empties the buffer and clears every counter.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.parts {
		*p = partition{buf: p.buf}
	}
	b.stats = Stats{}
	b.code = usb.CodeNone
	b.turn = HostToDevice
}

// Check walks every committed record and verifies the framing against the
// byte and packet counters.
func (b *Buffer) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var packets [2]uint64
	for _, p := range b.parts {
		off := 0
		for off < p.used {
			if p.used-off < HeaderSize {
				return fmt.Errorf("%d trailing bytes at offset %d", p.used-off, off)
			}
			if m := p.get(off); m != Magic {
				return fmt.Errorf("bad magic 0x%02x at offset %d", m, off)
			}
			dir := HostToDevice
			if p.get(off+1)&flagDeviceToHost != 0 {
				dir = DeviceToHost
			}
			if len(b.parts) == 2 && dir != b.partDir(p) {
				return fmt.Errorf("%s record in %s partition at offset %d", dir, b.partDir(p), off)
			}
			n := int(p.get(off+2)) | int(p.get(off+3))<<8
			off += HeaderSize + n
			packets[dir]++
		}
		if off != p.used {
			return fmt.Errorf("records span %d bytes, %d used", off, p.used)
		}
		if p.used != (p.wr-p.rd+p.capacity())%p.capacity() && !(p.used == p.capacity() && p.rd == p.wr) {
			return fmt.Errorf("used %d disagrees with cursors rd=%d wr=%d", p.used, p.rd, p.wr)
		}
	}
	if packets != b.stats.Packets {
		return fmt.Errorf("packet counters %v, records %v", b.stats.Packets, packets)
	}
	for d := range packets {
		if b.stats.Written[d]-b.stats.Read[d] != b.stats.Packets[d]+b.stats.Flushed[d] {
			return fmt.Errorf("%s: written %d read %d pending %d", Direction(d), b.stats.Written[d], b.stats.Read[d], b.stats.Packets[d])
		}
	}
	return nil
}
