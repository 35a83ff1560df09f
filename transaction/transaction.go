// Package transaction executes single SETUP, IN and OUT transactions:
// token, data phase and handshake, with CRC16 framing and DATA0/DATA1
// checking. Retry policy belongs to the caller.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hurricanefpga/hurricane/internal/log"
	"github.com/hurricanefpga/hurricane/phy"
	"github.com/hurricanefpga/hurricane/sim"
	"github.com/hurricanefpga/hurricane/token"
	"github.com/hurricanefpga/hurricane/usb"
)

// ResponseWindow bounds every wait for a device packet.
const ResponseWindow = time.Millisecond

var (
	// ErrBusy is returned by Submit while a transaction is outstanding.
	ErrBusy = errors.New("transaction engine busy")
	// ErrLinkNotReady is returned by Submit while the link is resetting or down.
	ErrLinkNotReady = errors.New("link not ready")
)

// Kind is the transaction type.
type Kind uint8

const (
	KindSetup Kind = iota
	KindIn
	KindOut
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "SETUP"
	case KindIn:
		return "IN"
	case KindOut:
		return "OUT"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

func (k Kind) pid() usb.PID {
	switch k {
	case KindSetup:
		return usb.PIDSetup
	case KindIn:
		return usb.PIDIn
	default:
		return usb.PIDOut
	}
}

// Result is the outcome of one attempt.
type Result uint8

const (
	ResultNone Result = iota
	ResultAck
	ResultNak
	ResultStall
	ResultTimeout
	ResultCRCError
)

func (r Result) String() string {
	switch r {
	case ResultNone:
		return "NONE"
	case ResultAck:
		return "ACK"
	case ResultNak:
		return "NAK"
	case ResultStall:
		return "STALL"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultCRCError:
		return "CRC_ERROR"
	default:
		return fmt.Sprintf("Result(%d)", r)
	}
}

// Code maps a failed result onto the error taxonomy. ACK and NAK map to
// CodeNone; NAK is a retry decision for the caller.
func (r Result) Code() usb.ErrorCode {
	switch r {
	case ResultStall:
		return usb.CodeStall
	case ResultTimeout:
		return usb.CodeTimeout
	case ResultCRCError:
		return usb.CodeCRCError
	default:
		return usb.CodeNone
	}
}

// Request describes one transaction.
type Request struct {
	Kind     Kind
	Address  uint8
	Endpoint uint8
	// DataPID is the PID sent with SETUP/OUT data, or the PID expected for
	// IN data.
	DataPID usb.PID
	Payload []byte
	// Length is the largest IN payload the caller is prepared to accept.
	Length int
	// Requester identifies the caller to the arbiter. The zero value submits
	// as token.RequesterTransaction.
	Requester token.Requester
}

// Outcome is published with the done pulse.
type Outcome struct {
	Request Request
	Result  Result
	// Data is the IN payload. It is nil when Stale is set.
	Data []byte
	// Stale is set when the device repeated the previous data PID: the packet
	// was acknowledged and dropped and the caller must not flip its toggle.
	Stale bool
	// Babble is set when IN data was longer than Request.Length. Data is
	// truncated to Length.
	Babble bool
}

// NextPID returns the data PID for the following transaction on the same
// endpoint: flipped after an acknowledged data phase, unchanged otherwise.
func (o Outcome) NextPID(cur usb.PID) usb.PID {
	if o.Result == ResultAck && !o.Stale {
		return cur.Toggle()
	}
	return cur
}

// State is the engine state.
type State uint8

const (
	StateIdle State = iota
	StateSendToken
	StateWaitTokenDone
	StateSendData
	StateWaitHandshake
	StateWaitDataIn
	StateSendHandshakeAck
	StateComplete
	StateError
)

var stateNames = map[State]string{
	StateIdle:             "Idle",
	StateSendToken:        "SendToken",
	StateWaitTokenDone:    "WaitTokenDone",
	StateSendData:         "SendData",
	StateWaitHandshake:    "WaitHandshake",
	StateWaitDataIn:       "WaitDataIn",
	StateSendHandshakeAck: "SendHandshakeAck",
	StateComplete:         "Complete",
	StateError:            "Error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

// LinkStatus is the part of the link controller the engine needs.
type LinkStatus interface {
	Ready() bool
	ResetActive() bool
}

// Stats counts attempts by result.
type Stats struct {
	Attempts  uint64
	Acks      uint64
	Naks      uint64
	Stalls    uint64
	Timeouts  uint64
	CRCErrors uint64
	Stale     uint64
	Aborts    uint64
}

// Engine runs one transaction at a time on the host port.
type Engine struct {
	port   phy.Port
	arb    *token.Arbiter
	gen    *token.Generator
	link   LinkStatus
	window uint64
	logger *slog.Logger

	state   State
	timer   uint64
	req     Request
	pending *Request
	rx      phy.Assembler
	tx      phy.Sender
	out     Outcome
	done    bool
	stats   Stats
}

// New returns an engine sending tokens through arb and gen and data on port.
func New(port phy.Port, arb *token.Arbiter, gen *token.Generator, link LinkStatus, clock sim.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		port:   port,
		arb:    arb,
		gen:    gen,
		link:   link,
		window: clock.Ticks(ResponseWindow),
		logger: log.Component(logger, "transaction"),
	}
}

// Submit queues req for the next step. Only one request is accepted until
// its done pulse has been observed.
func (e *Engine) Submit(req Request) error {
	if e.pending != nil || !e.accepting() {
		return ErrBusy
	}
	if !e.link.Ready() || e.link.ResetActive() {
		return ErrLinkNotReady
	}
	if req.Requester == token.RequesterNone {
		req.Requester = token.RequesterTransaction
	}
	req.Payload = append([]byte(nil), req.Payload...)
	e.pending = &req
	return nil
}

func (e *Engine) accepting() bool {
	return e.state == StateIdle || e.state == StateComplete || e.state == StateError
}

// Busy reports whether a request is pending or in flight.
func (e *Engine) Busy() bool {
	return e.pending != nil || !e.accepting()
}

// Done pulses for one tick when an attempt finishes.
func (e *Engine) Done() bool {
	return e.done
}

// Outcome returns the result of the last finished attempt.
func (e *Engine) Outcome() Outcome {
	return e.out
}

// State returns the engine state.
func (e *Engine) State() State {
	return e.state
}

// Stats returns the attempt counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Abort drops the pending and in-flight request without a done pulse.
func (e *Engine) Abort() {
	if e.Busy() {
		e.stats.Aborts++
	}
	e.pending = nil
	e.tx.Clear()
	e.rx.Reset()
	e.arb.Release(e.req.Requester)
	e.state = StateIdle
	e.timer = 0
}

func (e *Engine) Step(tick uint64) {
	e.done = false
	if e.link.ResetActive() {
		if e.Busy() {
			e.logger.Debug("transaction aborted by reset", "tick", tick, "kind", e.req.Kind)
			e.Abort()
		}
		return
	}

	e.timer++
	switch e.state {
	case StateComplete, StateError:
		// terminal until the next request
		if e.pending == nil {
			return
		}
		e.state = StateIdle
		fallthrough

	case StateIdle:
		if e.pending == nil {
			return
		}
		e.req = *e.pending
		e.pending = nil
		e.out = Outcome{Request: e.req}
		e.stats.Attempts++
		e.enter(StateSendToken)
		e.requestToken()

	case StateSendToken:
		if e.arb.Accepted(e.req.Requester) {
			e.arb.Hold(e.req.Requester)
			e.enter(StateWaitTokenDone)
			return
		}
		if e.timer >= e.window {
			e.finish(tick, ResultTimeout)
			return
		}
		e.requestToken()

	case StateWaitTokenDone:
		if !e.gen.Done() {
			if e.timer >= e.window {
				e.finish(tick, ResultTimeout)
			}
			return
		}
		if e.req.Kind == KindIn {
			e.rx.Reset()
			e.enter(StateWaitDataIn)
			return
		}
		e.tx.Load(usb.EncodeData(e.req.DataPID, e.req.Payload))
		e.enter(StateSendData)
		e.sendData()

	case StateSendData:
		e.sendData()

	case StateWaitHandshake:
		pkt, done, rxErr := e.rx.Feed(e.port.Rx())
		if done && !rxErr && len(pkt) == 1 {
			switch pid, _ := usb.ParsePID(pkt[0]); pid {
			case usb.PIDAck, usb.PIDNyet:
				e.finish(tick, ResultAck)
				return
			case usb.PIDNak:
				e.finish(tick, ResultNak)
				return
			case usb.PIDStall:
				e.finish(tick, ResultStall)
				return
			}
		}
		if e.timer >= e.window {
			e.finish(tick, ResultTimeout)
		}

	case StateWaitDataIn:
		pkt, done, rxErr := e.rx.Feed(e.port.Rx())
		if done {
			if e.receive(tick, pkt, rxErr) {
				return
			}
		}
		if e.timer >= e.window {
			e.finish(tick, ResultTimeout)
		}

	case StateSendHandshakeAck:
		if e.tx.Step(e.port) {
			e.finish(tick, ResultAck)
		}
	}
}

// receive handles a complete packet in the IN data phase. It returns true
// when the attempt moved on.
func (e *Engine) receive(tick uint64, pkt []byte, rxErr bool) bool {
	if len(pkt) == 0 {
		return false
	}
	pid, ok := usb.ParsePID(pkt[0])
	if !ok || rxErr {
		e.finish(tick, ResultCRCError)
		return true
	}
	switch {
	case pid == usb.PIDNak && len(pkt) == 1:
		e.finish(tick, ResultNak)
		return true
	case pid == usb.PIDStall && len(pkt) == 1:
		e.finish(tick, ResultStall)
		return true
	case !pid.IsData():
		return false
	}

	_, payload, ok := usb.DecodeData(pkt)
	if !ok {
		e.finish(tick, ResultCRCError)
		return true
	}
	if pid != e.req.DataPID {
		e.out.Stale = true
		e.stats.Stale++
		e.logger.Debug("data toggle mismatch", "tick", tick, "want", e.req.DataPID, "got", pid)
	} else {
		if e.req.Length > 0 && len(payload) > e.req.Length {
			e.out.Babble = true
			payload = payload[:e.req.Length]
		}
		e.out.Data = append([]byte{}, payload...)
	}
	e.tx.Load(usb.EncodeHandshake(usb.PIDAck))
	e.enter(StateSendHandshakeAck)
	if e.tx.Step(e.port) {
		e.finish(tick, ResultAck)
	}
	return true
}

func (e *Engine) requestToken() {
	e.arb.Request(e.req.Requester, usb.Token{
		PID:      e.req.Kind.pid(),
		Address:  e.req.Address,
		Endpoint: e.req.Endpoint,
	})
}

func (e *Engine) sendData() {
	if e.tx.Step(e.port) {
		e.rx.Reset()
		e.enter(StateWaitHandshake)
	}
}

func (e *Engine) finish(tick uint64, r Result) {
	e.arb.Release(e.req.Requester)
	e.tx.Clear()
	e.out.Result = r
	e.done = true
	switch r {
	case ResultAck:
		e.stats.Acks++
	case ResultNak:
		e.stats.Naks++
	case ResultStall:
		e.stats.Stalls++
	case ResultTimeout:
		e.stats.Timeouts++
	case ResultCRCError:
		e.stats.CRCErrors++
	}
	if r == ResultAck || r == ResultNak {
		e.enter(StateComplete)
	} else {
		e.enter(StateError)
	}
	e.logger.Log(context.Background(), log.LevelTrace, "transaction",
		"tick", tick, "kind", e.req.Kind, "addr", e.req.Address, "ep", e.req.Endpoint,
		"pid", e.req.DataPID, "result", r, "len", len(e.out.Data), "stale", e.out.Stale)
}

func (e *Engine) enter(s State) {
	e.state = s
	e.timer = 0
}
