package ringbuf

import (
	"encoding/binary"
	"fmt"
	"io"
)

func header(dir Direction, n int, ts uint64) [HeaderSize]byte {
	var hdr [HeaderSize]byte
	hdr[0] = Magic
	if dir == DeviceToHost {
		hdr[1] = flagDeviceToHost
	}
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(n))
	binary.LittleEndian.PutUint64(hdr[4:12], ts)
	return hdr
}

// WriteRecord writes r to w in the same framing the buffer uses, so a
// capture file is a plain sequence of records.
func WriteRecord(w io.Writer, r Record) error {
	if len(r.Payload) > 0xFFFF {
		return fmt.Errorf("record of %d bytes too long", len(r.Payload))
	}
	hdr := header(r.Direction, len(r.Payload), r.Timestamp)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(r.Payload)
	return err
}

// ReadRecord reads one record written by WriteRecord. It returns io.EOF at a
// clean end of stream.
func ReadRecord(rd io.Reader) (Record, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return Record{}, err
	}
	if hdr[0] != Magic {
		return Record{}, fmt.Errorf("bad record magic 0x%02x", hdr[0])
	}
	r := Record{Timestamp: binary.LittleEndian.Uint64(hdr[4:12])}
	if hdr[1]&flagDeviceToHost != 0 {
		r.Direction = DeviceToHost
	}
	r.Payload = make([]byte, binary.LittleEndian.Uint16(hdr[2:4]))
	if _, err := io.ReadFull(rd, r.Payload); err != nil {
		return Record{}, fmt.Errorf("truncated record: %w", err)
	}
	return r, nil
}
