// Package host wires the protocol engine together: link controller, SOF
// timer, arbiter, token generator, transaction engine, enumerator, the two
// HID pollers and the capture path into the packet log.
package host

import (
	"log/slog"
	"sync"

	"github.com/hurricanefpga/hurricane/descriptor"
	"github.com/hurricanefpga/hurricane/device/keyboard"
	"github.com/hurricanefpga/hurricane/device/mouse"
	"github.com/hurricanefpga/hurricane/enumerator"
	"github.com/hurricanefpga/hurricane/hid"
	"github.com/hurricanefpga/hurricane/internal/log"
	"github.com/hurricanefpga/hurricane/internal/monitor"
	"github.com/hurricanefpga/hurricane/link"
	"github.com/hurricanefpga/hurricane/phy"
	"github.com/hurricanefpga/hurricane/ringbuf"
	"github.com/hurricanefpga/hurricane/sim"
	"github.com/hurricanefpga/hurricane/token"
	"github.com/hurricanefpga/hurricane/transaction"
)

// Host is one host port. Step advances every host side component by one
// tick; the accessors may be called from other goroutines.
type Host struct {
	mu     sync.Mutex
	port   phy.Port
	cfg    Config
	clock  sim.Clock
	logger *slog.Logger

	gen    *token.Generator
	arb    *token.Arbiter
	link   *link.Controller
	frames *token.FrameTimer
	eng    *transaction.Engine
	enum   *enumerator.Enumerator
	kbd    *hid.Poller[keyboard.Report]
	mouse  *hid.Poller[mouse.Report]

	buf *ringbuf.Buffer
	mon *monitor.Monitor

	steppers  []sim.Stepper
	tick      uint64
	connected bool
	pending   bool // a new connection waits for auto enumeration
	enumStart uint8

	// OnKeyboard and OnMouse receive every decoded report. They run inside
	// Step with the host locked and must not call back into it.
	OnKeyboard func(keyboard.Report)
	OnMouse    func(mouse.Report)
}

// New builds a host driving port. wire, when not nil, is the bus the
// monitor captures from; schedule Monitor() after the bus.
func New(port phy.Port, wire monitor.Wire, clock sim.Clock, cfg Config, logger *slog.Logger) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Host{
		port:   port,
		cfg:    cfg,
		clock:  clock,
		logger: log.Component(logger, "host"),
	}
	h.gen = token.NewGenerator(port, logger)
	h.arb = token.NewArbiter(h.gen, logger)
	h.link = link.New(port, h.arb, clock, link.DefaultTiming(), logger)
	h.frames = token.NewFrameTimer(h.link, h.arb, clock, logger)
	h.eng = transaction.New(port, h.arb, h.gen, h.link, clock, logger)
	h.enum = enumerator.New(h.link, h.eng, clock, cfg.enumerator(), logger)
	h.kbd = hid.New("keyboard", h.eng, h.link, clock, hid.DefaultConfig(), keyboard.ParseReport, logger)
	h.mouse = hid.New("mouse", h.eng, h.link, clock, hid.DefaultConfig(), mouse.ParseReport, logger)
	h.kbd.OnReport = func(r keyboard.Report) {
		if h.OnKeyboard != nil {
			h.OnKeyboard(r)
		}
	}
	h.mouse.OnReport = func(r mouse.Report) {
		if h.OnMouse != nil {
			h.OnMouse(r)
		}
	}

	h.buf = ringbuf.New(cfg.buffer())
	if wire != nil {
		h.mon = monitor.New(wire, h.buf, cfg.monitor(), logger)
	}

	h.steppers = []sim.Stepper{
		h.link,
		h.enum,
		sim.StepFunc(h.handover),
		h.kbd,
		h.mouse,
		h.frames,
		h.eng,
		h.arb,
		h.gen,
	}
	return h, nil
}

// Monitor returns the capture stepper, nil without a wire.
func (h *Host) Monitor() *monitor.Monitor {
	return h.mon
}

// Buffer returns the packet log.
func (h *Host) Buffer() *ringbuf.Buffer {
	return h.buf
}

// Clock returns the tick clock.
func (h *Host) Clock() sim.Clock {
	return h.clock
}

// Step advances the host by one tick.
func (h *Host) Step(tick uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tick = tick
	if !h.cfg.HostMode {
		return
	}
	for _, s := range h.steppers {
		s.Step(tick)
	}
}

// handover runs right after the enumerator: a new connection is enumerated
// once, and the pollers follow the enumeration result.
func (h *Host) handover(tick uint64) {
	if c := h.link.Connected(); c != h.connected {
		h.connected = c
		h.pending = c && h.cfg.AutoEnumerate
		if !c {
			h.logger.Info("device disconnected", "tick", tick)
		}
	}
	if h.pending && h.link.Ready() && !h.enum.Active() {
		h.pending = false
		h.enum.Start()
		return
	}

	if h.enum.Started() {
		h.kbd.Disable()
		h.mouse.Disable()
	}
	if !h.enum.Done() {
		return
	}
	info := h.enum.Info()
	h.logger.Info("device enumerated",
		"vid", info.VendorID,
		"pid", info.ProductID,
		"address", info.Address,
		"speed", info.Speed)
	if ep, ok := h.endpoint(info, descriptor.BootKeyboard); ok {
		h.kbd.Enable(info.Address, ep)
	}
	if ep, ok := h.endpoint(info, descriptor.BootMouse); ok {
		h.mouse.Enable(info.Address, ep)
	}
}

// endpoint finds the endpoint for a boot filter. The configured parser
// target stands in for the boot filter with the same protocol.
func (h *Host) endpoint(info enumerator.DeviceInfo, f descriptor.FilterSpec) (descriptor.Endpoint, bool) {
	if ep, ok := info.Endpoint(f); ok {
		return ep, true
	}
	target := h.cfg.Filter()
	if target.Class == f.Class && target.Protocol == f.Protocol {
		return info.Endpoint(target)
	}
	return descriptor.Endpoint{}, false
}

// Enumerate starts enumeration of the attached device.
func (h *Host) Enumerate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = false
	h.enum.Start()
}

// SetHostMode turns the host engine on or off. Turning it off releases the
// line and stops polling; the link and device state are kept.
func (h *Host) SetHostMode(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setHostMode(on)
}

func (h *Host) setHostMode(on bool) {
	if h.cfg.HostMode == on {
		return
	}
	h.cfg.HostMode = on
	if !on {
		h.kbd.Disable()
		h.mouse.Disable()
		h.eng.Abort()
		h.gen.Abort()
		h.port.Release()
	}
	h.logger.Info("host mode", "enabled", on)
}

// SetCapture applies new capture settings.
func (h *Host) SetCapture(enabled bool, pids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg := h.cfg
	cfg.Capture = enabled
	cfg.CapturePIDs = pids
	if _, err := cfg.captureMask(); err != nil {
		return err
	}
	h.cfg = cfg
	if h.mon != nil {
		h.mon.SetConfig(cfg.monitor())
	}
	return nil
}

// Config returns the current control surface.
func (h *Host) Config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}
