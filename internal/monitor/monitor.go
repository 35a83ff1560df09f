// Package monitor passively captures both directions of bus traffic into the
// packet log.
package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hurricanefpga/hurricane/internal/log"
	"github.com/hurricanefpga/hurricane/phy"
	"github.com/hurricanefpga/hurricane/ringbuf"
	"github.com/hurricanefpga/hurricane/usb"
)

// Wire exposes what is currently on both lanes of the bus.
type Wire interface {
	Wire() (hostToDevice, deviceToHost phy.RxSample)
}

// Config is the capture part of the control surface.
type Config struct {
	// Enabled turns capture on. Packets already in flight when it changes
	// are finished or skipped whole.
	Enabled bool
	// FilterEnabled restricts capture to the PIDs set in FilterMask.
	FilterEnabled bool
	// FilterMask has bit n set to capture packets with PID type n.
	FilterMask uint16
}

// Allows reports whether a packet starting with pid passes the filter.
func (c Config) Allows(pidByte byte) bool {
	if !c.FilterEnabled {
		return true
	}
	return c.FilterMask&(1<<(pidByte&0x0F)) != 0
}

// Mask returns a filter mask selecting pids.
func Mask(pids ...usb.PID) uint16 {
	var m uint16
	for _, p := range pids {
		m |= 1 << (p & 0x0F)
	}
	return m
}

// Stats counts captured traffic per direction.
type Stats struct {
	Captured [2]uint64
	Filtered [2]uint64
	Dropped  [2]uint64
	RxErrors [2]uint64
}

type lane struct {
	dir     ringbuf.Direction
	asm     phy.Assembler
	started bool // first byte seen
	capture bool
	dropped bool
}

// Monitor streams every packet on the wire into a ring buffer.
type Monitor struct {
	mu     sync.Mutex
	wire   Wire
	buf    *ringbuf.Buffer
	cfg    Config
	lanes  [2]lane
	stats  Stats
	logger *slog.Logger
}

// New returns a monitor writing into buf.
func New(wire Wire, buf *ringbuf.Buffer, cfg Config, logger *slog.Logger) *Monitor {
	m := &Monitor{
		wire:   wire,
		buf:    buf,
		cfg:    cfg,
		logger: log.Component(logger, "monitor"),
	}
	m.lanes[0].dir = ringbuf.HostToDevice
	m.lanes[1].dir = ringbuf.DeviceToHost
	return m
}

// SetConfig replaces the capture configuration. It takes effect at the next
// packet boundary.
func (m *Monitor) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Config returns the capture configuration.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Stats returns the capture counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Buffer returns the packet log.
func (m *Monitor) Buffer() *ringbuf.Buffer {
	return m.buf
}

func (m *Monitor) Step(tick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h2d, d2h := m.wire.Wire()
	m.sample(&m.lanes[0], tick, h2d)
	m.sample(&m.lanes[1], tick, d2h)
}

func (m *Monitor) sample(l *lane, tick uint64, s phy.RxSample) {
	if s.Active && s.Valid {
		if !l.started {
			l.started = true
			l.dropped = false
			l.capture = m.cfg.Enabled && m.cfg.Allows(s.Byte)
			if m.cfg.Enabled && !l.capture {
				m.stats.Filtered[l.dir]++
			}
			if l.capture && m.buf.Begin(l.dir, tick) != nil {
				l.dropped = true
			}
		}
		if l.capture && !l.dropped && m.buf.Write(l.dir, []byte{s.Byte}) != nil {
			l.dropped = true
		}
	}

	pkt, done, rxErr := l.asm.Feed(s)
	if !done {
		return
	}
	if rxErr {
		m.stats.RxErrors[l.dir]++
	}
	if l.capture {
		if l.dropped {
			m.stats.Dropped[l.dir]++
		} else if m.buf.Commit(l.dir) == nil {
			m.stats.Captured[l.dir]++
		}
	}
	if m.logger.Enabled(context.Background(), log.LevelTrace) {
		args := append([]any{"dir", l.dir.String(), "tick", tick, "captured", l.capture && !l.dropped}, Decode(pkt).Attrs()...)
		m.logger.Log(context.Background(), log.LevelTrace, "bus packet", args...)
	}
	l.started = false
	l.capture = false
}
