package monitor

import "github.com/hurricanefpga/hurricane/ringbuf"

// Drain hands up to max committed records to sink, oldest first. max <= 0
// drains everything. A desync reported by the buffer stops the drain and is
// returned with the number of records already delivered.
func Drain(buf *ringbuf.Buffer, max int, sink func(ringbuf.Record) error) (int, error) {
	n := 0
	for max <= 0 || n < max {
		r, ok, err := buf.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		if err := sink(r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
