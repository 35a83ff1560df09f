package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/hurricanefpga/hurricane/device/keyboard"
	"github.com/hurricanefpga/hurricane/device/mouse"
	"github.com/hurricanefpga/hurricane/devsim"
	"github.com/hurricanefpga/hurricane/host"
	"github.com/hurricanefpga/hurricane/internal/log"
	"github.com/hurricanefpga/hurricane/internal/monitor"
	"github.com/hurricanefpga/hurricane/ringbuf"
	"github.com/hurricanefpga/hurricane/sim"
	"github.com/hurricanefpga/hurricane/usb"
	"github.com/hurricanefpga/hurricane/virtualbus"
)

// ticks simulated between checks for cancellation and backpressure
const simBatch = 1000

// Simulate runs the host engine against a simulated device on a virtual bus.
type Simulate struct {
	Host           host.Config   `embed:"" prefix:"host."`
	Device         string        `help:"Simulated device" enum:"keyboard,mouse" default:"keyboard" env:"HURRICANE_SIM_DEVICE"`
	HighSpeed      bool          `help:"Simulated device answers the high-speed chirp" env:"HURRICANE_SIM_HIGH_SPEED"`
	Duration       time.Duration `help:"Simulated time to run; 0 runs until interrupted" default:"2s" env:"HURRICANE_SIM_DURATION"`
	Type           string        `help:"Text typed on the simulated keyboard once it is polled" env:"HURRICANE_SIM_TYPE"`
	Jiggle         time.Duration `help:"Move the simulated mouse this often in simulated time; 0 disables" default:"200ms" env:"HURRICANE_SIM_JIGGLE"`
	NAKs           int           `help:"Fault: NAK this many interrupt polls; negative NAKs forever" name:"naks" hidden:"" env:"HURRICANE_SIM_NAKS"`
	Corrupt        bool          `help:"Fault: corrupt the CRC of every data packet the device sends" hidden:"" env:"HURRICANE_SIM_CORRUPT"`
	Mute           bool          `help:"Fault: the device ignores all traffic" hidden:"" env:"HURRICANE_SIM_MUTE"`
	Capture        string        `help:"Write captured packets to this file" type:"path" env:"HURRICANE_SIM_CAPTURE"`
	StatusInterval time.Duration `help:"Refresh the status line this often when stdout is a terminal" default:"250ms" env:"HURRICANE_SIM_STATUS_INTERVAL"`
}

// Run is called by Kong when the simulate command is executed.
func (s *Simulate) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Simulate(ctx, logger, rawLogger, os.Stdout)
}

// Simulate runs until the configured duration passed or ctx is done, then
// prints a summary to out.
func (s *Simulate) Simulate(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger, out io.Writer) error {
	clock := sim.Clock{Hz: sim.DefaultHz}
	bus := virtualbus.New()
	h, err := host.New(bus.Host(), bus, clock, s.Host, logger)
	if err != nil {
		return fmt.Errorf("invalid host config: %w", err)
	}

	var (
		dev usb.Device
		kb  *keyboard.Keyboard
		ms  *mouse.Mouse
	)
	switch s.Device {
	case "mouse":
		ms = mouse.New(nil)
		dev = ms
	default:
		kb = keyboard.New(nil)
		dev = kb
	}
	dcfg := devsim.DefaultConfig()
	dcfg.HighSpeed = s.HighSpeed
	ds := devsim.New(bus.Device(), dev, dcfg, clock, logger)
	ds.Faults.NAKs = s.NAKs
	ds.Faults.CorruptData = s.Corrupt
	ds.Faults.Mute = s.Mute

	typed := false
	h.OnKeyboard = func(r keyboard.Report) {
		logger.Info("keyboard report", "report", r)
		if kb != nil && !typed && s.Type != "" {
			typed = true
			n := kb.Type(s.Type)
			logger.Info("typing", "text", s.Type, "keys", n)
		}
	}
	h.OnMouse = func(r mouse.Report) {
		logger.Debug("mouse report", "report", r)
	}

	jiggle := uint64(0)
	if s.Jiggle > 0 {
		jiggle = clock.Ticks(s.Jiggle)
	}
	var dir int16 = 1
	driver := sim.StepFunc(func(tick uint64) {
		if ms != nil && jiggle > 0 && tick%jiggle == 0 {
			ms.UpdateInputState(mouse.InputState{DX: dir})
			dir = -dir
		}
	})

	sched := sim.NewScheduler(h, bus, ds, h.Monitor(), driver)
	bus.Attach()
	logger.Info("Starting simulation", "device", s.Device, "highSpeed", s.HighSpeed, "duration", s.Duration)

	var capture *bufio.Writer
	if s.Capture != "" {
		f, err := os.OpenFile(s.Capture, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open capture file: %w", err)
		}
		defer f.Close()
		capture = bufio.NewWriter(f)
	}
	sink := func(r ringbuf.Record) error {
		rawLogger.Log(r.Direction == ringbuf.HostToDevice, r.Timestamp, r.Payload)
		if capture != nil {
			return ringbuf.WriteRecord(capture, r)
		}
		return nil
	}

	limit := uint64(0)
	if s.Duration > 0 {
		limit = clock.Ticks(s.Duration)
	}
	buf := h.Buffer()
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(done)
		for limit == 0 || sched.Now() < limit {
			if gctx.Err() != nil {
				return nil
			}
			n := uint64(simBatch)
			if limit > 0 {
				n = min(n, limit-sched.Now())
			}
			sched.Run(n)
			// hold the simulation while the consumer catches up
			for buf.AboveHigh() {
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(time.Millisecond):
				}
			}
		}
		return nil
	})

	g.Go(func() error {
		return drainLoop(done, buf, sink, logger)
	})

	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) && s.StatusInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(s.StatusInterval)
			defer t.Stop()
			for {
				select {
				case <-done:
					fmt.Fprint(out, "\r\033[K")
					return nil
				case <-t.C:
					fmt.Fprintf(out, "\r\033[K%s", statusLine(h.Status(), clock))
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if capture != nil {
		if err := capture.Flush(); err != nil {
			return fmt.Errorf("failed to write capture file: %w", err)
		}
	}
	return summarize(out, h, clock)
}

func drainLoop(done <-chan struct{}, buf *ringbuf.Buffer, sink func(ringbuf.Record) error, logger *slog.Logger) error {
	drain := func() error {
		for {
			_, err := monitor.Drain(buf, 0, sink)
			if !errors.Is(err, usb.ErrBufferUnderflow) {
				return err
			}
			logger.Warn("packet log lost sync, flushed", "error", err)
		}
	}
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-done:
			return drain()
		case <-t.C:
			if err := drain(); err != nil {
				return err
			}
		}
	}
}

func statusLine(st host.Status, clock sim.Clock) string {
	return fmt.Sprintf("t=%s link=%s %s stage=%s kbd=%s mouse=%s frame=%d log=%d/%d",
		clock.Duration(st.Tick), st.Link, st.Speed, st.Stage,
		st.Keyboard.State, st.Mouse.State, st.Frame, st.BufferUsed, st.BufferCapacity)
}

func summarize(out io.Writer, h *host.Host, clock sim.Clock) error {
	snap, err := host.ReadSnapshot(h)
	if err != nil {
		return err
	}
	if err := snap.Print(out); err != nil {
		return err
	}
	st := h.Status()
	fmt.Fprintf(out, "simulated %s, link %s, %d SOFs, %d transactions\n",
		clock.Duration(st.Tick), st.Speed, st.SOFs, st.Transactions.Attempts)
	fmt.Fprintf(out, "captured %d packets, dropped %d\n",
		st.Capture.Captured[0]+st.Capture.Captured[1], st.Capture.Dropped[0]+st.Capture.Dropped[1])

	if code := st.Code(); code != usb.CodeNone {
		if st.EnumCode != usb.CodeNone {
			return fmt.Errorf("enumeration failed in %s: %w", st.FailedAt, code.Err())
		}
		return fmt.Errorf("simulation ended with %s: %w", code, code.Err())
	}
	return nil
}
