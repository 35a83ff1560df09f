package ringbuf_test

import (
	"bytes"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanefpga/hurricane/ringbuf"
	"github.com/hurricanefpga/hurricane/usb"
)

func payload(seed, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(seed*31 + i)
	}
	return b
}

func drain(t *testing.T, b *ringbuf.Buffer) []ringbuf.Record {
	t.Helper()
	var out []ringbuf.Record
	for {
		r, ok, err := b.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func TestFIFO(t *testing.T) {
	b := ringbuf.New(ringbuf.DefaultConfig())
	var want []ringbuf.Record
	for i := 0; i < 100; i++ {
		r := ringbuf.Record{
			Direction: ringbuf.Direction(i % 2),
			Timestamp: uint64(i) * 1_000_003,
			Payload:   payload(i, i%67+1),
		}
		require.NoError(t, b.Put(r))
		want = append(want, r)
	}
	require.NoError(t, b.Check())
	assert.Equal(t, want, drain(t, b))

	st := b.Stats()
	assert.Equal(t, [2]uint64{50, 50}, st.Written)
	assert.Equal(t, [2]uint64{50, 50}, st.Read)
	assert.Equal(t, [2]uint64{}, st.Packets)
	require.NoError(t, b.Check())
}

func TestStreamedRecord(t *testing.T) {
	b := ringbuf.New(ringbuf.DefaultConfig())
	require.NoError(t, b.Begin(ringbuf.DeviceToHost, 42))
	require.NoError(t, b.Write(ringbuf.DeviceToHost, []byte{0xC3}))
	require.NoError(t, b.Write(ringbuf.DeviceToHost, []byte{1, 2}))

	_, ok, err := b.Next()
	require.NoError(t, err)
	assert.False(t, ok, "uncommitted record is invisible")

	require.NoError(t, b.Commit(ringbuf.DeviceToHost))
	r, ok, err := b.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ringbuf.Record{Direction: ringbuf.DeviceToHost, Timestamp: 42, Payload: []byte{0xC3, 1, 2}}, r)
}

func TestDualAlternates(t *testing.T) {
	cfg := ringbuf.DefaultConfig()
	cfg.Dual = true
	b := ringbuf.New(cfg)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Put(ringbuf.Record{Direction: ringbuf.HostToDevice, Timestamp: uint64(i), Payload: []byte{byte(i)}}))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Put(ringbuf.Record{Direction: ringbuf.DeviceToHost, Timestamp: uint64(10 + i), Payload: []byte{byte(10 + i)}}))
	}
	require.NoError(t, b.Check())

	var got []uint64
	for _, r := range drain(t, b) {
		got = append(got, r.Timestamp)
	}
	assert.Equal(t, []uint64{0, 10, 1, 11, 2}, got)

	_, capacity := b.Used()
	assert.Equal(t, ringbuf.DefaultSize, capacity)
}

func TestOverflowRejects(t *testing.T) {
	b := ringbuf.New(ringbuf.Config{Size: 1024, Margin: 256})
	var want []ringbuf.Record
	// full once used > 1024-12-256 = 756; seven 112 byte records get there
	for i := 0; i < 7; i++ {
		assert.True(t, b.WriteReady(ringbuf.HostToDevice))
		r := ringbuf.Record{Timestamp: uint64(i), Payload: payload(i, 100)}
		require.NoError(t, b.Put(r))
		want = append(want, r)
	}
	assert.True(t, b.Full(ringbuf.HostToDevice))
	assert.False(t, b.WriteReady(ringbuf.DeviceToHost), "single partition is shared")

	err := b.Put(ringbuf.Record{Timestamp: 99, Payload: payload(99, 10)})
	assert.ErrorIs(t, err, usb.ErrBufferOverflow)
	assert.Equal(t, usb.CodeBufferOverflow, b.Code())
	require.NoError(t, b.Check())

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Overflows)
	assert.Equal(t, uint64(1), st.Dropped[ringbuf.HostToDevice])
	assert.Equal(t, uint64(7), st.Packets[ringbuf.HostToDevice])
	assert.Equal(t, want, drain(t, b))
	assert.False(t, b.Full(ringbuf.HostToDevice))
}

func TestOversizedRecordDropped(t *testing.T) {
	b := ringbuf.New(ringbuf.Config{Size: 1024, Margin: 256})
	keep := ringbuf.Record{Direction: ringbuf.DeviceToHost, Timestamp: 7, Payload: []byte{1, 2, 3}}
	require.NoError(t, b.Put(keep))

	require.NoError(t, b.Begin(ringbuf.HostToDevice, 8))
	assert.ErrorIs(t, b.Write(ringbuf.HostToDevice, make([]byte, 2000)), usb.ErrBufferOverflow)
	assert.NoError(t, b.Write(ringbuf.HostToDevice, []byte{1}), "ignored after the drop")
	assert.ErrorIs(t, b.Commit(ringbuf.HostToDevice), usb.ErrBufferOverflow)

	require.NoError(t, b.Check())
	assert.Equal(t, []ringbuf.Record{keep}, drain(t, b))
	assert.Equal(t, uint64(1), b.Stats().Dropped[ringbuf.HostToDevice])
}

func TestWrapAround(t *testing.T) {
	b := ringbuf.New(ringbuf.Config{Size: 256})
	for i := 0; i < 50; i++ {
		r := ringbuf.Record{Direction: ringbuf.Direction(i & 1), Timestamp: uint64(i), Payload: payload(i, 40)}
		require.NoError(t, b.Put(r))
		require.NoError(t, b.Put(r))
		got := drain(t, b)
		require.Len(t, got, 2)
		assert.Equal(t, r, got[0])
		assert.Equal(t, r, got[1])
	}
	used, _ := b.Used()
	assert.Zero(t, used)
}

func TestWatermarksAreAdvisory(t *testing.T) {
	b := ringbuf.New(ringbuf.Config{Size: 1024, HighWatermark: 200, LowWatermark: 50})
	assert.True(t, b.BelowLow())
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Put(ringbuf.Record{Payload: payload(i, 60)}))
	}
	assert.True(t, b.AboveHigh())
	assert.NoError(t, b.Put(ringbuf.Record{Payload: payload(9, 60)}), "watermarks never reject")
}

// Per direction counters must agree with the stored records under any mix of
// writes, reads and overflow drops.
func TestInterleavedRecordCountedAsDropped(t *testing.T) {
	b := ringbuf.New(ringbuf.DefaultConfig())
	require.NoError(t, b.Begin(ringbuf.HostToDevice, 1))
	require.NoError(t, b.Write(ringbuf.HostToDevice, []byte{0x69, 0x01}))

	require.NoError(t, b.Begin(ringbuf.DeviceToHost, 2))
	require.NoError(t, b.Write(ringbuf.DeviceToHost, []byte{0xD2}))
	require.NoError(t, b.Commit(ringbuf.DeviceToHost))

	st := b.Stats()
	assert.Equal(t, [2]uint64{1, 0}, st.Dropped)
	assert.Zero(t, st.Overflows, "not an overflow")
	assert.Equal(t, [2]uint64{0, 1}, st.Written)
	require.NoError(t, b.Check())

	r, ok, err := b.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0xD2}, r.Payload)
}

func TestCounterConsistency(t *testing.T) {
	for _, dual := range []bool{false, true} {
		b := ringbuf.New(ringbuf.Config{Size: 2048, Margin: 256, Dual: dual})
		rng := rand.New(rand.NewPCG(1, 2))
		var written, read, dropped [2]uint64

		for i := 0; i < 5000; i++ {
			dir := ringbuf.Direction(rng.IntN(2))
			switch rng.IntN(4) {
			case 0:
				r, ok, err := b.Next()
				require.NoError(t, err)
				if ok {
					read[r.Direction]++
					assert.True(t, bytes.Equal(payload(int(r.Timestamp), len(r.Payload)), r.Payload))
				}
			default:
				r := ringbuf.Record{Direction: dir, Timestamp: uint64(i), Payload: payload(i, rng.IntN(300))}
				if err := b.Put(r); err != nil {
					require.ErrorIs(t, err, usb.ErrBufferOverflow)
					dropped[dir]++
				} else {
					written[dir]++
				}
			}
			require.NoError(t, b.Check(), "dual=%v op %d", dual, i)
		}

		st := b.Stats()
		assert.Equal(t, written, st.Written)
		assert.Equal(t, read, st.Read)
		assert.Equal(t, dropped, st.Dropped)
		assert.NotZero(t, st.Overflows, "dual=%v: the mix must overflow", dual)
		for d := range st.Packets {
			assert.Equal(t, written[d]-read[d], st.Packets[d])
		}
	}
}

func TestReset(t *testing.T) {
	b := ringbuf.New(ringbuf.DefaultConfig())
	require.NoError(t, b.Put(ringbuf.Record{Payload: []byte{1}}))
	b.Reset()
	assert.Empty(t, drain(t, b))
	assert.Equal(t, ringbuf.Stats{}, b.Stats())
	assert.Equal(t, usb.CodeNone, b.Code())
}

func TestCaptureFile(t *testing.T) {
	var f bytes.Buffer
	recs := []ringbuf.Record{
		{Direction: ringbuf.HostToDevice, Timestamp: 1, Payload: []byte{0x2D, 0x00, 0x10}},
		{Direction: ringbuf.DeviceToHost, Timestamp: 1 << 40, Payload: []byte{0xD2}},
	}
	for _, r := range recs {
		require.NoError(t, ringbuf.WriteRecord(&f, r))
	}
	assert.Equal(t, byte(ringbuf.Magic), f.Bytes()[0])

	for _, want := range recs {
		got, err := ringbuf.ReadRecord(&f)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ringbuf.ReadRecord(&f)
	assert.ErrorIs(t, err, io.EOF)

	_, err = ringbuf.ReadRecord(bytes.NewReader([]byte{0x00, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}))
	assert.ErrorContains(t, err, "magic")
}
