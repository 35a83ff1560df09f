// Package cynthion talks to the host engine running on Cynthion hardware
// through its vendor control requests.
package cynthion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/gousb"

	"github.com/hurricanefpga/hurricane/internal/log"
)

// USB identifiers of the Cynthion board.
const (
	VendorID  = 0x1d50
	ProductID = 0x615b
)

// Vendor requests of the register interface. wValue carries the register
// address and the data stage one byte.
const (
	requestWrite = 0x01
	requestRead  = 0x02

	requestTypeOut = 0x40 // host to device, vendor, device
	requestTypeIn  = 0xC0 // device to host, vendor, device
)

// ErrNotFound is returned by Open when no matching device is attached.
var ErrNotFound = errors.New("cynthion device not found")

// Options selects the device.
type Options struct {
	VID     string        `help:"USB vendor ID (hex)" default:"1d50" env:"HURRICANE_HW_VID"`
	PID     string        `help:"USB product ID (hex)" default:"615b" env:"HURRICANE_HW_PID"`
	Timeout time.Duration `help:"Control transfer timeout" default:"1s" env:"HURRICANE_HW_TIMEOUT"`
}

// IDs parses the hex vendor and product IDs.
func (o Options) IDs() (vid, pid uint16, err error) {
	v, err := strconv.ParseUint(o.VID, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vendor ID %q: %w", o.VID, err)
	}
	p, err := strconv.ParseUint(o.PID, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid product ID %q: %w", o.PID, err)
	}
	return uint16(v), uint16(p), nil
}

// controller is the part of *gousb.Device the client uses.
type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// Client reads and writes the host engine's status registers.
type Client struct {
	ctl    controller
	close  func() error
	logger *slog.Logger
}

// Open finds the device and opens it.
func Open(opts Options, logger *slog.Logger) (*Client, error) {
	vid, pid, err := opts.IDs()
	if err != nil {
		return nil, err
	}
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		_ = ctx.Close()
		return nil, fmt.Errorf("USB error: %w", err)
	}
	if dev == nil {
		_ = ctx.Close()
		return nil, fmt.Errorf("%w (VID:0x%04x PID:0x%04x)", ErrNotFound, vid, pid)
	}
	c := newClient(dev, logger)
	if err := dev.SetAutoDetach(true); err != nil {
		c.logger.Debug("auto detach unsupported", "error", err)
	}
	if opts.Timeout > 0 {
		dev.ControlTimeout = opts.Timeout
	}
	c.close = func() error {
		err := dev.Close()
		return errors.Join(err, ctx.Close())
	}
	c.logger.Info("connected", "vid", fmt.Sprintf("%04x", vid), "pid", fmt.Sprintf("%04x", pid))
	return c, nil
}

func newClient(ctl controller, logger *slog.Logger) *Client {
	return &Client{ctl: ctl, logger: log.Component(logger, "cynthion")}
}

// ReadRegister reads one register.
func (c *Client) ReadRegister(addr uint8) (uint8, error) {
	buf := make([]byte, 1)
	n, err := c.ctl.Control(requestTypeIn, requestRead, uint16(addr), 0, buf)
	if err != nil {
		return 0, fmt.Errorf("read register 0x%02x: %w", addr, err)
	}
	if n != 1 {
		return 0, fmt.Errorf("read register 0x%02x: short read of %d bytes", addr, n)
	}
	c.logger.Log(context.Background(), log.LevelTrace, "read", "reg", addr, "value", buf[0])
	return buf[0], nil
}

// WriteRegister writes one register.
func (c *Client) WriteRegister(addr, value uint8) error {
	if _, err := c.ctl.Control(requestTypeOut, requestWrite, uint16(addr), 0, []byte{value}); err != nil {
		return fmt.Errorf("write register 0x%02x: %w", addr, err)
	}
	c.logger.Debug("write", "reg", addr, "value", value)
	return nil
}

// Close releases the device.
func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	err := c.close()
	c.close = nil
	return err
}
