// Package token frames token packets and arbitrates the single host
// transmit path between the components that need it.
package token

import (
	"context"
	"log/slog"

	"github.com/hurricanefpga/hurricane/internal/log"
	"github.com/hurricanefpga/hurricane/phy"
	"github.com/hurricanefpga/hurricane/usb"
)

// Generator serializes one token at a time onto the host port: PID byte, low
// field byte, then CRC5 with the high three field bits.
type Generator struct {
	port   phy.Port
	tx     phy.Sender
	cur    usb.Token
	busy   bool
	done   bool
	sent   uint64
	logger *slog.Logger
}

// NewGenerator returns a generator transmitting on port.
func NewGenerator(port phy.Port, logger *slog.Logger) *Generator {
	return &Generator{port: port, logger: log.Component(logger, "token")}
}

// Ready reports whether Load will accept a token.
func (g *Generator) Ready() bool {
	return !g.busy
}

// Load starts emitting t. It returns false while a token is in progress.
func (g *Generator) Load(t usb.Token) bool {
	if g.busy {
		return false
	}
	b := t.Encode()
	g.tx.Load(b[:])
	g.cur = t
	g.busy = true
	return true
}

// Done pulses for one tick after the last token byte was handed to the PHY.
func (g *Generator) Done() bool {
	return g.done
}

// Last returns the most recently loaded token.
func (g *Generator) Last() usb.Token {
	return g.cur
}

// Sent returns the number of tokens emitted.
func (g *Generator) Sent() uint64 {
	return g.sent
}

// Abort drops a partially sent token.
func (g *Generator) Abort() {
	g.tx.Clear()
	g.busy = false
}

func (g *Generator) Step(tick uint64) {
	g.done = false
	if !g.busy {
		return
	}
	if g.tx.Step(g.port) {
		g.busy = false
		g.done = true
		g.sent++
		g.logger.Log(context.Background(), log.LevelTrace, "token sent",
			"tick", tick, "pid", g.cur.PID, "addr", g.cur.Address, "ep", g.cur.Endpoint, "frame", g.cur.Frame)
	}
}
