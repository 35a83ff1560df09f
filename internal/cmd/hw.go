package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hurricanefpga/hurricane/host"
	"github.com/hurricanefpga/hurricane/internal/cynthion"
	"github.com/hurricanefpga/hurricane/usb"
)

// HW groups the commands that talk to the register file of a Cynthion
// running the host gateware.
type HW struct {
	Status    HWStatus    `cmd:"" default:"1" help:"Print the host status registers"`
	Enable    HWEnable    `cmd:"" help:"Enable host mode"`
	Disable   HWDisable   `cmd:"" help:"Disable host mode"`
	Enumerate HWEnumerate `cmd:"" help:"Start enumeration and wait for the result"`
	Monitor   HWMonitor   `cmd:"" help:"Print keyboard and mouse reports as they change"`
}

type registerDevice interface {
	host.RegisterFile
	io.Closer
}

// openDevice is swapped by tests.
var openDevice = func(opts cynthion.Options, logger *slog.Logger) (registerDevice, error) {
	return cynthion.Open(opts, logger)
}

func withDevice(opts cynthion.Options, logger *slog.Logger, fn func(rf host.RegisterFile) error) error {
	dev, err := openDevice(opts, logger)
	if err != nil {
		return err
	}
	defer dev.Close()
	return fn(dev)
}

// HWStatus prints one register snapshot.
type HWStatus struct {
	Device cynthion.Options `embed:"" prefix:"cynthion."`
}

// Run is called by Kong when the hw status command is executed.
func (c *HWStatus) Run(logger *slog.Logger) error {
	return withDevice(c.Device, logger, func(rf host.RegisterFile) error {
		snap, err := host.ReadSnapshot(rf)
		if err != nil {
			return err
		}
		return snap.Print(os.Stdout)
	})
}

// HWEnable turns host mode on.
type HWEnable struct {
	Device cynthion.Options `embed:"" prefix:"cynthion."`
}

// Run is called by Kong when the hw enable command is executed.
func (c *HWEnable) Run(logger *slog.Logger) error {
	return withDevice(c.Device, logger, func(rf host.RegisterFile) error {
		return setHostMode(rf, true, logger)
	})
}

// HWDisable turns host mode off.
type HWDisable struct {
	Device cynthion.Options `embed:"" prefix:"cynthion."`
}

// Run is called by Kong when the hw disable command is executed.
func (c *HWDisable) Run(logger *slog.Logger) error {
	return withDevice(c.Device, logger, func(rf host.RegisterFile) error {
		return setHostMode(rf, false, logger)
	})
}

func setHostMode(rf host.RegisterFile, on bool, logger *slog.Logger) error {
	if err := rf.WriteRegister(host.RegHostMode, flagByte(on)); err != nil {
		return fmt.Errorf("failed to write host mode: %w", err)
	}
	logger.Info("Host mode set", "enabled", on)
	return nil
}

func flagByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// HWEnumerate pulses the enumeration start register and polls for the
// outcome.
type HWEnumerate struct {
	Device  cynthion.Options `embed:"" prefix:"cynthion."`
	Timeout time.Duration    `help:"Give up waiting after this long" default:"5s" env:"HURRICANE_HW_ENUM_TIMEOUT"`
	Poll    time.Duration    `help:"Status poll interval" default:"100ms" env:"HURRICANE_HW_POLL"`
}

// Run is called by Kong when the hw enumerate command is executed.
func (c *HWEnumerate) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return withDevice(c.Device, logger, func(rf host.RegisterFile) error {
		return c.enumerate(ctx, rf, os.Stdout, logger)
	})
}

var errEnumTimeout = errors.New("enumeration did not finish in time")

func (c *HWEnumerate) enumerate(ctx context.Context, rf host.RegisterFile, out io.Writer, logger *slog.Logger) error {
	if err := host.StartEnumeration(rf); err != nil {
		return fmt.Errorf("failed to start enumeration: %w", err)
	}
	logger.Info("Enumeration started")

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	t := time.NewTicker(c.Poll)
	defer t.Stop()
	for {
		snap, err := host.ReadSnapshot(rf)
		if err != nil {
			return err
		}
		switch {
		case snap.EnumError:
			snap.Print(out)
			return fmt.Errorf("enumeration failed: %w", snap.ErrorCode.Err())
		case snap.EnumDone:
			logger.Info("Enumeration done", "vendor", fmt.Sprintf("%04x", snap.VendorID), "product", fmt.Sprintf("%04x", snap.ProductID))
			return snap.Print(out)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errEnumTimeout
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}

// HWMonitor polls the report registers.
type HWMonitor struct {
	Device    cynthion.Options `embed:"" prefix:"cynthion."`
	Interval  time.Duration    `help:"Register poll interval" default:"10ms" env:"HURRICANE_HW_MONITOR_INTERVAL"`
	StopAfter time.Duration    `help:"Stop after this long; 0 runs until interrupted" default:"0s" env:"HURRICANE_HW_MONITOR_STOP_AFTER"`
}

// Run is called by Kong when the hw monitor command is executed.
func (c *HWMonitor) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return withDevice(c.Device, logger, func(rf host.RegisterFile) error {
		return c.monitor(ctx, rf, os.Stdout)
	})
}

func (c *HWMonitor) monitor(ctx context.Context, rf host.RegisterFile, out io.Writer) error {
	if c.StopAfter > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.StopAfter)
		defer cancel()
	}
	t := time.NewTicker(c.Interval)
	defer t.Stop()

	var last host.Snapshot
	first := true
	for {
		snap, err := host.ReadSnapshot(rf)
		if err != nil {
			return err
		}
		now := time.Now().Format(time.TimeOnly)
		if first || snap.KeyboardActive != last.KeyboardActive || snap.KeyboardReport != last.KeyboardReport {
			if snap.KeyboardActive {
				fmt.Fprintf(out, "[%s] keyboard %s\n", now, snap.KeyboardReport)
			}
		}
		if first || snap.MouseActive != last.MouseActive || snap.MouseReport != last.MouseReport {
			if snap.MouseActive {
				fmt.Fprintf(out, "[%s] mouse %s\n", now, snap.MouseReport)
			}
		}
		if snap.ErrorCode != last.ErrorCode && snap.ErrorCode != usb.CodeNone {
			fmt.Fprintf(out, "[%s] error %s\n", now, snap.ErrorCode)
		}
		last, first = snap, false

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
