package log

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger writes one line per captured packet record.
type RawLogger interface {
	Log(hostToDevice bool, ts uint64, data []byte)
}

// rawLogger implements RawLogger with thread-safe output.
type rawLogger struct {
	w     io.Writer
	mu    sync.Mutex
	clock func(ts uint64) time.Duration
}

// NewRaw creates a new RawLogger. If w is nil the logger discards everything.
// toDuration converts record timestamps (ticks) into simulated time; nil
// prints raw tick counts.
func NewRaw(w io.Writer, toDuration func(ts uint64) time.Duration) RawLogger {
	return &rawLogger{w: w, clock: toDuration}
}

// Log emits a single-line packet record with its timestamp and hex dump.
func (r *rawLogger) Log(hostToDevice bool, ts uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	if r.w == nil {
		return
	}

	dir := "D->H"
	if hostToDevice {
		dir = "H->D"
	}

	var hexbuf bytes.Buffer
	const hexdigits = "0123456789abcdef"
	for i, b := range data {
		if i > 0 {
			hexbuf.WriteByte(' ')
		}
		hexbuf.WriteByte(hexdigits[b>>4])
		hexbuf.WriteByte(hexdigits[b&0x0f])
	}

	stamp := fmt.Sprintf("t=%d", ts)
	if r.clock != nil {
		stamp = fmt.Sprintf("t=%s", r.clock(ts))
	}

	line := fmt.Sprintf("%s %s packet: %d bytes, hex: %s\n",
		stamp,
		dir,
		len(data),
		hexbuf.String())

	r.mu.Lock()
	_, _ = r.w.Write([]byte(line))
	r.mu.Unlock()
}
