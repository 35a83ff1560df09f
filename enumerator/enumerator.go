// Package enumerator brings up a newly attached device: bus reset, device
// descriptor, address assignment, configuration descriptor, configuration
// and HID protocol selection.
package enumerator

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hurricanefpga/hurricane/descriptor"
	"github.com/hurricanefpga/hurricane/internal/log"
	"github.com/hurricanefpga/hurricane/sim"
	"github.com/hurricanefpga/hurricane/token"
	"github.com/hurricanefpga/hurricane/transaction"
	"github.com/hurricanefpga/hurricane/usb"
)

// Stage is the enumeration step in progress.
type Stage uint8

const (
	StageIdle Stage = iota
	StageReset
	StageGetDevice8
	StageSetAddress
	StageGetDevice18
	StageGetConfig
	StageSetConfig
	StageSetProtocol
	StageDone
	StageError
)

var stageNames = map[Stage]string{
	StageIdle:        "Idle",
	StageReset:       "Reset",
	StageGetDevice8:  "GetDevice8",
	StageSetAddress:  "SetAddress",
	StageGetDevice18: "GetDevice18",
	StageGetConfig:   "GetConfig",
	StageSetConfig:   "SetConfig",
	StageSetProtocol: "SetProtocol",
	StageDone:        "Done",
	StageError:       "Error",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", s)
}

// Timing holds the stage budgets.
type Timing struct {
	Reset         time.Duration
	Stage         time.Duration
	Config        time.Duration
	AddressSettle time.Duration
}

// DefaultTiming returns the USB 2.0 budgets.
func DefaultTiming() Timing {
	return Timing{
		Reset:         100 * time.Millisecond,
		Stage:         10 * time.Millisecond,
		Config:        300 * time.Millisecond,
		AddressSettle: 2 * time.Millisecond,
	}
}

// Config selects what the enumerator assigns and looks for.
type Config struct {
	// Address is assigned with SET_ADDRESS (1-127).
	Address uint8
	// Configuration is selected with SET_CONFIGURATION. Zero selects the
	// bConfigurationValue of the fetched configuration descriptor.
	Configuration uint8
	// Protocol is sent with SET_PROTOCOL to every interface that matched
	// a filter.
	Protocol uint8
	// Filters select the endpoints recorded in DeviceInfo.
	Filters []descriptor.FilterSpec
	// NAKRetries is how many NAKs a transaction may get before the stage
	// fails with NO_RESPONSE.
	NAKRetries int
	// ConfigLength is the wLength of the configuration descriptor fetch.
	ConfigLength uint16
	Timing       Timing
}

// DefaultConfig returns a config looking for a boot keyboard and mouse.
func DefaultConfig() Config {
	return Config{
		Address:      1,
		Protocol:     usb.ProtocolReport,
		Filters:      []descriptor.FilterSpec{descriptor.BootKeyboard, descriptor.BootMouse},
		NAKRetries:   10,
		ConfigLength: 512,
		Timing:       DefaultTiming(),
	}
}

// DeviceInfo is what enumeration learned about the device.
type DeviceInfo struct {
	Address           uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	NumConfigurations uint8
	Configuration     uint8
	Speed             usb.Speed
	// Interface is the interface of the first matched endpoint.
	Interface uint8
	// Endpoints holds the first match of every filter that matched.
	Endpoints map[descriptor.FilterSpec]descriptor.Endpoint
	// ConfigDescriptor is the raw configuration descriptor.
	ConfigDescriptor []byte
}

// Endpoint returns the endpoint matched by f.
func (d DeviceInfo) Endpoint(f descriptor.FilterSpec) (descriptor.Endpoint, bool) {
	ep, ok := d.Endpoints[f]
	return ep, ok
}

// Link is the part of the link controller the enumerator needs.
type Link interface {
	RequestReset()
	Resets() uint64
	Disconnects() uint64
	Ready() bool
	Speed() usb.Speed
	Code() usb.ErrorCode
	Err() error
}

type phase uint8

const (
	phaseSetup phase = iota
	phaseData
	phaseStatus
	phaseSettle
)

// Enumerator runs the enumeration sequence. Step it before the transaction
// engine.
type Enumerator struct {
	link   Link
	client *transaction.Client
	cfg    Config
	logger *slog.Logger

	resetTicks, stageTicks, configTicks, settleTicks uint64

	stage       Stage
	failed      Stage
	code        usb.ErrorCode
	timer       uint64
	resetBase   uint64
	disconnects uint64
	startReq    bool
	started     bool
	done        bool

	addr    uint8
	phase   phase
	setup   usb.SetupPacket
	toggle  usb.PID
	buf     []byte
	naks    int
	settle  uint64
	parsers []*descriptor.Parser
	ifaces  []uint8
	ifIdx   int

	info DeviceInfo

	// OnStage, when set, is called on every stage change.
	OnStage func(Stage)
}

// New returns an idle enumerator submitting through eng.
func New(link Link, eng transaction.Submitter, clock sim.Clock, cfg Config, logger *slog.Logger) *Enumerator {
	cfg.Address &= usb.AddressMask
	if cfg.Address == 0 {
		cfg.Address = 1
	}
	if cfg.NAKRetries < 0 {
		cfg.NAKRetries = 0
	}
	if cfg.ConfigLength < usb.ConfigDescLen {
		cfg.ConfigLength = 512
	}
	return &Enumerator{
		link:        link,
		client:      transaction.NewClient(eng),
		cfg:         cfg,
		logger:      log.Component(logger, "enumerator"),
		resetTicks:  clock.Ticks(cfg.Timing.Reset),
		stageTicks:  clock.Ticks(cfg.Timing.Stage),
		configTicks: clock.Ticks(cfg.Timing.Config),
		settleTicks: clock.Ticks(cfg.Timing.AddressSettle),
		disconnects: link.Disconnects(),
	}
}

// Start begins (or restarts) enumeration on the next step.
func (e *Enumerator) Start() {
	e.client.Forget()
	e.info = DeviceInfo{MaxPacketSize0: 8}
	e.addr = 0
	e.code = usb.CodeNone
	e.startReq = true
	e.enter(StageReset)
	e.resetBase = e.link.Resets()
	e.link.RequestReset()
	e.logger.Info("enumeration started")
}

// Stage returns the current stage.
func (e *Enumerator) Stage() Stage { return e.stage }

// Active reports whether enumeration is in progress.
func (e *Enumerator) Active() bool {
	return e.stage != StageIdle && e.stage != StageDone && e.stage != StageError
}

// Started pulses for one tick on the first step after Start.
func (e *Enumerator) Started() bool { return e.started }

// Done pulses for one tick when enumeration completes.
func (e *Enumerator) Done() bool { return e.done }

// Enumerated reports whether the last enumeration completed and the device
// has not been disconnected since.
func (e *Enumerator) Enumerated() bool { return e.stage == StageDone }

// Info returns what was learned so far.
func (e *Enumerator) Info() DeviceInfo { return e.info }

// Code returns the error code of the Error stage.
func (e *Enumerator) Code() usb.ErrorCode { return e.code }

// Err returns the error of the Error stage, or nil.
func (e *Enumerator) Err() error {
	if e.stage != StageError {
		return nil
	}
	return fmt.Errorf("enumeration failed in %s: %w", e.failed, e.code.Err())
}

// Failed returns the stage that failed.
func (e *Enumerator) Failed() Stage { return e.failed }

func (e *Enumerator) Step(tick uint64) {
	e.done = false
	e.started, e.startReq = e.startReq, false

	if n := e.link.Disconnects(); n != e.disconnects {
		e.disconnects = n
		if e.stage != StageIdle {
			e.logger.Info("device gone", "stage", e.stage)
			e.client.Forget()
			e.info = DeviceInfo{}
			e.addr = 0
			e.enter(StageIdle)
		}
		return
	}
	if !e.Active() {
		return
	}

	e.timer++
	if e.timer > e.budget() {
		if e.stage == StageReset {
			e.fail(tick, usb.CodeResetTimeout)
		} else {
			e.fail(tick, usb.CodeTimeout)
		}
		return
	}

	if e.stage == StageReset {
		switch {
		case e.link.Err() != nil:
			e.fail(tick, e.link.Code())
		case e.link.Resets() > e.resetBase && e.link.Ready():
			e.info.Speed = e.link.Speed()
			e.advance(tick)
		}
		return
	}

	if out, ok := e.client.Poll(); ok {
		e.handle(tick, out)
		return
	}
	if e.client.Inflight() {
		return
	}
	if e.phase == phaseSettle {
		if e.settle++; e.settle >= e.settleTicks {
			e.advance(tick)
		}
		return
	}
	_ = e.client.Submit(e.request())
}

func (e *Enumerator) budget() uint64 {
	switch e.stage {
	case StageReset:
		return e.resetTicks
	case StageGetConfig:
		return e.configTicks
	default:
		return e.stageTicks
	}
}

// request builds the next transaction of the current control transfer.
func (e *Enumerator) request() transaction.Request {
	req := transaction.Request{Address: e.addr, Requester: token.RequesterEnumerator}
	switch e.phase {
	case phaseSetup:
		req.Kind = transaction.KindSetup
		req.DataPID = usb.PIDData0
		req.Payload = e.setup.Bytes()
	case phaseData:
		req.Kind = transaction.KindIn
		req.DataPID = e.toggle
		req.Length = int(e.info.MaxPacketSize0)
	default:
		req.DataPID = usb.PIDData1
		if e.setup.In() && e.setup.Length > 0 {
			req.Kind = transaction.KindOut
		} else {
			req.Kind = transaction.KindIn
		}
	}
	return req
}

func (e *Enumerator) handle(tick uint64, out transaction.Outcome) {
	switch out.Result {
	case transaction.ResultAck:
	case transaction.ResultNak:
		e.naks++
		if e.naks > e.cfg.NAKRetries {
			e.fail(tick, usb.CodeNoResponse)
		}
		return
	case transaction.ResultTimeout:
		e.fail(tick, usb.CodeNoResponse)
		return
	default:
		e.fail(tick, out.Result.Code())
		return
	}

	e.naks = 0
	switch e.phase {
	case phaseSetup:
		e.toggle = usb.PIDData1
		if e.setup.In() && e.setup.Length > 0 {
			e.phase = phaseData
		} else {
			e.phase = phaseStatus
		}
	case phaseData:
		if out.Stale {
			return
		}
		e.toggle = out.NextPID(e.toggle)
		e.buf = append(e.buf, out.Data...)
		for _, p := range e.parsers {
			_, _ = p.Write(out.Data)
		}
		if len(out.Data) < int(e.info.MaxPacketSize0) || len(e.buf) >= int(e.setup.Length) {
			e.phase = phaseStatus
		}
	case phaseStatus:
		e.complete(tick)
	}
}

// complete runs when the status stage of the current request is ACKed.
func (e *Enumerator) complete(tick uint64) {
	switch e.stage {
	case StageGetDevice8:
		d, err := usb.ParseDeviceDescriptor(e.buf)
		if err != nil || !validMaxPacket0(d.BMaxPacketSize0) {
			e.logger.Warn("bad device descriptor", "len", len(e.buf), "error", err)
			e.fail(tick, usb.CodeBadDescriptor)
			return
		}
		e.info.MaxPacketSize0 = d.BMaxPacketSize0

	case StageSetAddress:
		e.addr = e.cfg.Address
		e.info.Address = e.addr
		e.phase = phaseSettle
		return

	case StageGetDevice18:
		d, err := usb.ParseDeviceDescriptor(e.buf)
		if err != nil || len(e.buf) < usb.DeviceDescLen {
			e.logger.Warn("bad device descriptor", "len", len(e.buf), "error", err)
			e.fail(tick, usb.CodeBadDescriptor)
			return
		}
		e.info.VendorID = d.IDVendor
		e.info.ProductID = d.IDProduct
		e.info.NumConfigurations = d.BNumConfigurations

	case StageGetConfig:
		if err := e.configFetched(); err != nil {
			e.logger.Warn("bad configuration descriptor", "len", len(e.buf), "error", err)
			e.fail(tick, usb.CodeBadDescriptor)
			return
		}

	case StageSetProtocol:
		e.ifIdx++
		if e.ifIdx < len(e.ifaces) {
			e.beginControl()
			return
		}
	}
	e.advance(tick)
}

func (e *Enumerator) configFetched() error {
	if len(e.buf) < usb.ConfigDescLen || e.buf[1] != usb.ConfigDescType {
		return usb.ErrBadDescriptor
	}
	e.info.ConfigDescriptor = e.buf
	e.info.Configuration = e.cfg.Configuration
	if e.info.Configuration == 0 {
		e.info.Configuration = e.buf[5]
	}
	e.info.Endpoints = make(map[descriptor.FilterSpec]descriptor.Endpoint)
	for i, p := range e.parsers {
		if err := p.Err(); err != nil {
			return err
		}
		if !p.Valid() {
			continue
		}
		ep := p.Endpoint()
		if _, dup := e.info.Endpoints[e.cfg.Filters[i]]; dup {
			continue
		}
		e.info.Endpoints[e.cfg.Filters[i]] = ep
		e.logger.Debug("endpoint", "filter", i, "endpoint", ep)
		if !slices.Contains(e.ifaces, ep.Interface) {
			e.ifaces = append(e.ifaces, ep.Interface)
		}
	}
	if len(e.ifaces) > 0 {
		e.info.Interface = e.ifaces[0]
	}
	return nil
}

func (e *Enumerator) advance(tick uint64) {
	next := e.stage + 1
	if e.stage == StageSetConfig && len(e.ifaces) == 0 {
		next = StageDone
	}
	e.enter(next)
	if next == StageDone {
		e.done = true
		e.logger.Info("device enumerated",
			"addr", e.info.Address,
			"vid", fmt.Sprintf("%04x", e.info.VendorID),
			"pid", fmt.Sprintf("%04x", e.info.ProductID),
			"speed", e.info.Speed,
			"endpoints", len(e.info.Endpoints))
	}
}

func (e *Enumerator) fail(tick uint64, code usb.ErrorCode) {
	e.code = code
	e.failed = e.stage
	e.client.Forget()
	e.logger.Warn("enumeration failed", "tick", tick, "stage", e.stage, "code", code)
	e.enter(StageError)
}

func (e *Enumerator) enter(s Stage) {
	e.logger.Debug("stage", "from", e.stage, "to", s)
	e.stage = s
	switch s {
	case StageReset:
		e.ifaces = nil
	case StageGetConfig:
		e.parsers = make([]*descriptor.Parser, len(e.cfg.Filters))
		for i, f := range e.cfg.Filters {
			e.parsers[i] = descriptor.NewParser(f, 0)
		}
	case StageSetProtocol:
		e.ifIdx = 0
	}
	e.beginControl()
	if e.OnStage != nil {
		e.OnStage(s)
	}
}

// beginControl starts the control transfer of the current stage.
func (e *Enumerator) beginControl() {
	e.timer = 0
	e.phase = phaseSetup
	e.naks = 0
	e.buf = nil
	e.settle = 0
	e.toggle = usb.PIDData0
	switch e.stage {
	case StageGetDevice8:
		e.setup = usb.GetDescriptor(usb.DeviceDescType, 0, 8)
	case StageSetAddress:
		e.setup = usb.SetAddress(e.cfg.Address)
	case StageGetDevice18:
		e.setup = usb.GetDescriptor(usb.DeviceDescType, 0, usb.DeviceDescLen)
	case StageGetConfig:
		e.setup = usb.GetDescriptor(usb.ConfigDescType, 0, e.cfg.ConfigLength)
	case StageSetConfig:
		e.setup = usb.SetConfiguration(e.info.Configuration)
	case StageSetProtocol:
		e.setup = usb.SetProtocol(e.cfg.Protocol, e.ifaces[e.ifIdx])
	}
}

func validMaxPacket0(n uint8) bool {
	switch n {
	case 8, 16, 32, 64:
		return true
	}
	return false
}
