package token

import (
	"fmt"
	"log/slog"

	"github.com/hurricanefpga/hurricane/internal/log"
	"github.com/hurricanefpga/hurricane/usb"
)

// Requester identifies a client of the transmit path. Lower values win.
type Requester uint8

const (
	RequesterNone Requester = iota
	// RequesterReset reserves the line for reset and chirp signaling. It
	// never carries a token.
	RequesterReset
	RequesterEnumerator
	RequesterTransaction
	RequesterPeriodic
	RequesterFrame
	numRequesters
)

var requesterNames = map[Requester]string{
	RequesterNone:        "none",
	RequesterReset:       "reset",
	RequesterEnumerator:  "enumerator",
	RequesterTransaction: "transaction",
	RequesterPeriodic:    "periodic",
	RequesterFrame:       "frame",
}

func (r Requester) String() string {
	if name, ok := requesterNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Requester(%d)", uint8(r))
}

type slot struct {
	active  bool
	reserve bool
	tok     usb.Token
}

// Arbiter grants the token generator to at most one requester per tick by
// fixed priority. Requests are level signals: every slot is cleared after each
// step, so a requester that lost must ask again on its next step. Accepted
// reports a grant on the tick after it happened.
//
// A requester that started a multi-packet exchange may Hold the arbiter.
// While held only the holder and RequesterReset are considered.
type Arbiter struct {
	gen      *Generator
	slots    [numRequesters]slot
	accepted [numRequesters]bool
	grants   [numRequesters]uint64
	selected Requester
	holder   Requester
	logger   *slog.Logger
}

// NewArbiter returns an arbiter feeding gen.
func NewArbiter(gen *Generator, logger *slog.Logger) *Arbiter {
	return &Arbiter{gen: gen, logger: log.Component(logger, "arbiter")}
}

// Request asks for tok to be sent on behalf of r during this tick.
func (a *Arbiter) Request(r Requester, tok usb.Token) {
	if r == RequesterNone || r >= numRequesters {
		return
	}
	a.slots[r] = slot{active: true, tok: tok}
}

// Reserve claims the line for r during this tick without sending a token.
func (a *Arbiter) Reserve(r Requester) {
	if r == RequesterNone || r >= numRequesters {
		return
	}
	a.slots[r] = slot{active: true, reserve: true}
}

// Accepted reports whether r's token was handed to the generator on the
// previous step.
func (a *Arbiter) Accepted(r Requester) bool {
	if r >= numRequesters {
		return false
	}
	return a.accepted[r]
}

// Hold restricts arbitration to r (and reset) until Release.
func (a *Arbiter) Hold(r Requester) {
	a.holder = r
}

// Release ends a Hold by r. Releasing someone else's hold is a no-op.
func (a *Arbiter) Release(r Requester) {
	if a.holder == r {
		a.holder = RequesterNone
	}
}

// Holder returns the current holder or RequesterNone.
func (a *Arbiter) Holder() Requester {
	return a.holder
}

// Selected returns the requester chosen on the last step, or RequesterNone.
func (a *Arbiter) Selected() Requester {
	return a.selected
}

// Grants returns how many tokens were accepted for r.
func (a *Arbiter) Grants(r Requester) uint64 {
	if r >= numRequesters {
		return 0
	}
	return a.grants[r]
}

func (a *Arbiter) Step(tick uint64) {
	a.accepted = [numRequesters]bool{}
	a.selected = a.pick()

	switch {
	case a.selected == RequesterNone:
	case a.slots[a.selected].reserve:
		if a.holder != RequesterNone {
			a.logger.Debug("hold dropped by reservation", "holder", a.holder, "by", a.selected)
			a.holder = RequesterNone
		}
	case a.gen.Ready():
		if a.gen.Load(a.slots[a.selected].tok) {
			a.accepted[a.selected] = true
			a.grants[a.selected]++
		}
	}
	a.slots = [numRequesters]slot{}
}

func (a *Arbiter) pick() Requester {
	for r := RequesterReset; r < numRequesters; r++ {
		if !a.slots[r].active {
			continue
		}
		if a.holder != RequesterNone && r != RequesterReset && r != a.holder {
			continue
		}
		return r
	}
	return RequesterNone
}
