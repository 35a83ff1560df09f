// Package hid polls a boot protocol HID interrupt IN endpoint at its
// descriptor interval and decodes the reports.
package hid

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hurricanefpga/hurricane/descriptor"
	"github.com/hurricanefpga/hurricane/device"
	"github.com/hurricanefpga/hurricane/internal/log"
	"github.com/hurricanefpga/hurricane/sim"
	"github.com/hurricanefpga/hurricane/token"
	"github.com/hurricanefpga/hurricane/transaction"
	"github.com/hurricanefpga/hurricane/usb"
)

// State is the poller state.
type State uint8

const (
	StateIdle State = iota
	StateWaitPoll
	StateStartIn
	StateWaitIn
	StateError
)

var stateNames = map[State]string{
	StateIdle:     "Idle",
	StateWaitPoll: "WaitPoll",
	StateStartIn:  "StartIn",
	StateWaitIn:   "WaitIn",
	StateError:    "Error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

// Config bounds retries and waits.
type Config struct {
	// MaxNAKRetries is how many consecutive NAKs are retried before
	// NAK_TIMEOUT.
	MaxNAKRetries int
	// Watchdog bounds the time from starting a poll to its outcome.
	Watchdog time.Duration
}

// DefaultConfig returns the standard retry budget.
func DefaultConfig() Config {
	return Config{
		MaxNAKRetries: 100,
		Watchdog:      100 * time.Millisecond,
	}
}

// Link is the part of the link controller the poller needs.
type Link interface {
	Speed() usb.Speed
	Disconnects() uint64
}

// Stats counts poll outcomes since the poller was last enabled.
type Stats struct {
	Attempts uint64
	Reports  uint64
	NAKs     uint64
	Stale    uint64
	Short    uint64
}

// Poller polls one endpoint and decodes every report with parse.
type Poller[T any] struct {
	name   string
	link   Link
	client *transaction.Client
	clock  sim.Clock
	cfg    Config
	parse  func([]byte) (T, error)
	logger *slog.Logger

	watchdog    uint64
	disconnects uint64

	state    State
	code     usb.ErrorCode
	addr     uint8
	ep       descriptor.Endpoint
	interval uint64
	since    uint64 // ticks since the last IN was submitted
	wait     uint64 // ticks spent starting or waiting for the current poll
	toggle   usb.PID
	naks     int
	stats    Stats

	report  T
	updated bool

	// OnReport, when set, receives every decoded report.
	OnReport func(T)
}

// New returns a disabled poller. name tags its log lines.
func New[T any](name string, eng transaction.Submitter, link Link, clock sim.Clock, cfg Config, parse func([]byte) (T, error), logger *slog.Logger) *Poller[T] {
	if cfg.MaxNAKRetries < 0 {
		cfg.MaxNAKRetries = 0
	}
	return &Poller[T]{
		name:        name,
		link:        link,
		client:      transaction.NewClient(eng),
		clock:       clock,
		cfg:         cfg,
		parse:       parse,
		logger:      log.Component(logger, name),
		watchdog:    clock.Ticks(cfg.Watchdog),
		disconnects: link.Disconnects(),
	}
}

// PollInterval converts bInterval to a poll period: milliseconds at full
// speed, 2^(bInterval-1) microframes at high speed.
func PollInterval(speed usb.Speed, bInterval uint8) time.Duration {
	if speed == usb.SpeedHigh {
		b := min(max(bInterval, 1), 16)
		return time.Duration(1<<(b-1)) * 125 * time.Microsecond
	}
	return time.Duration(max(bInterval, 1)) * time.Millisecond
}

// Enable starts polling ep on the device at addr. The first poll goes out
// immediately with DATA0.
func (p *Poller[T]) Enable(addr uint8, ep descriptor.Endpoint) {
	p.reset()
	p.addr = addr & usb.AddressMask
	p.ep = ep
	p.interval = p.clock.Ticks(PollInterval(p.link.Speed(), ep.Interval))
	p.enter(StateStartIn)
	p.logger.Info("polling", "addr", p.addr, "endpoint", ep, "interval", PollInterval(p.link.Speed(), ep.Interval))
}

// Disable stops polling and clears every counter.
func (p *Poller[T]) Disable() {
	if p.state != StateIdle {
		p.logger.Debug("disabled", "state", p.state)
	}
	p.reset()
}

func (p *Poller[T]) reset() {
	p.client.Forget()
	p.state = StateIdle
	p.code = usb.CodeNone
	p.since = 0
	p.wait = 0
	p.naks = 0
	p.toggle = usb.PIDData0
	p.stats = Stats{}
	p.updated = false
}

// State returns the poller state.
func (p *Poller[T]) State() State { return p.state }

// Enabled reports whether the poller is polling.
func (p *Poller[T]) Enabled() bool {
	return p.state != StateIdle && p.state != StateError
}

// Endpoint returns the polled endpoint.
func (p *Poller[T]) Endpoint() descriptor.Endpoint { return p.ep }

// Interval returns the poll period in ticks.
func (p *Poller[T]) Interval() uint64 { return p.interval }

// Report returns the last decoded report.
func (p *Poller[T]) Report() T { return p.report }

// Updated pulses for one tick when a new report was decoded.
func (p *Poller[T]) Updated() bool { return p.updated }

// Stats returns the counters.
func (p *Poller[T]) Stats() Stats { return p.stats }

// Code returns the error code of the Error state.
func (p *Poller[T]) Code() usb.ErrorCode { return p.code }

// Err returns the error of the Error state, or nil.
func (p *Poller[T]) Err() error {
	if p.state != StateError {
		return nil
	}
	return fmt.Errorf("%s: %w", p.name, p.code.Err())
}

func (p *Poller[T]) Step(tick uint64) {
	p.updated = false
	if n := p.link.Disconnects(); n != p.disconnects {
		p.disconnects = n
		if p.state != StateIdle {
			p.logger.Info("device gone")
			p.reset()
		}
		return
	}

	if !p.Enabled() {
		return
	}

	p.since++
	if p.state != StateWaitPoll {
		p.wait++
	}
	switch p.state {
	case StateWaitPoll:
		if p.since >= p.interval {
			p.enter(StateStartIn)
			p.start(tick)
		}

	case StateStartIn:
		p.start(tick)

	case StateWaitIn:
		if out, ok := p.client.Poll(); ok {
			p.process(tick, out)
			return
		}
		if !p.client.Inflight() {
			// dropped by a bus reset
			p.state = StateStartIn
		}
		p.checkWatchdog(tick)
	}
}

// start submits the IN transaction, retrying every tick until the engine
// takes it.
func (p *Poller[T]) start(tick uint64) {
	err := p.client.Submit(transaction.Request{
		Kind:      transaction.KindIn,
		Address:   p.addr,
		Endpoint:  p.ep.Number,
		DataPID:   p.toggle,
		Length:    int(p.ep.MaxPacketSize),
		Requester: token.RequesterPeriodic,
	})
	if err == nil {
		p.since = 0
		p.stats.Attempts++
		p.state = StateWaitIn
		return
	}
	p.checkWatchdog(tick)
}

func (p *Poller[T]) checkWatchdog(tick uint64) {
	if p.wait >= p.watchdog {
		p.fail(tick, usb.CodeTimeout)
	}
}

func (p *Poller[T]) process(tick uint64, out transaction.Outcome) {
	switch out.Result {
	case transaction.ResultAck:
	case transaction.ResultNak:
		p.stats.NAKs++
		p.naks++
		if p.naks > p.cfg.MaxNAKRetries {
			p.fail(tick, usb.CodeNAKTimeout)
			return
		}
		p.enter(StateWaitPoll)
		return
	default:
		p.fail(tick, out.Result.Code())
		return
	}

	p.naks = 0
	p.toggle = out.NextPID(p.toggle)
	p.enter(StateWaitPoll)
	if out.Stale {
		p.stats.Stale++
		return
	}
	if len(out.Data) < device.MinReportLen {
		p.stats.Short++
		return
	}
	r, err := p.parse(out.Data)
	if err != nil {
		p.stats.Short++
		p.logger.Debug("report dropped", "error", err)
		return
	}
	p.report = r
	p.updated = true
	p.stats.Reports++
	p.logger.Log(context.Background(), log.LevelTrace, "report", "tick", tick, "report", r)
	if p.OnReport != nil {
		p.OnReport(r)
	}
}

func (p *Poller[T]) fail(tick uint64, code usb.ErrorCode) {
	p.client.Forget()
	p.code = code
	p.state = StateError
	p.logger.Warn("polling failed", "tick", tick, "code", code, "attempts", p.stats.Attempts)
}

func (p *Poller[T]) enter(s State) {
	if s == StateStartIn {
		p.wait = 0
	}
	p.state = s
}
