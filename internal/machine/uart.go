package machine

import (
	"p20/internal/cpubus"
	"p20/internal/log"
)

// UARTChannel is one of a MK68564's two independent serial channels: a
// status/data/control/vector register quartet, word-aligned like every other
// 16-bit device on this bus.
type UARTChannel struct {
	rxData  uint8
	rxReady bool
	txData  uint8
	txReady bool

	intEnable bool
	vector    uint8

	onTX func(b uint8)
}

func (c *UARTChannel) read(sub uint32) uint8 {
	switch sub {
	case 0: // status: bit0 RX ready, bit2 TX ready
		var s uint8
		if c.rxReady {
			s |= 0x01
		}
		if c.txReady {
			s |= 0x04
		}
		return s
	case 1:
		c.rxReady = false
		return c.rxData
	case 2:
		if c.intEnable {
			return 1
		}
		return 0
	case 3:
		return c.vector
	default:
		return 0
	}
}

func (c *UARTChannel) write(sub uint32, val uint8) {
	switch sub {
	case 0:
		// status is read-only
	case 1:
		c.txData = val
		c.txReady = true
		if c.onTX != nil {
			c.onTX(val)
		}
	case 2:
		c.intEnable = val&1 != 0
	case 3:
		c.vector = val
	}
}

// PushRX delivers a received byte to the channel, for the console adapter (or
// a test) to feed host input in.
func (c *UARTChannel) PushRX(b uint8) { c.rxData = b; c.rxReady = true }

// SetTX wires a callback invoked with every byte the channel transmits, for
// the console adapter to forward to the host terminal.
func (c *UARTChannel) SetTX(fn func(b uint8)) { c.onTX = fn }

// UART is a dual-channel MK68564. The P/20 wires one channel per chip to a
// real line (the other three UARTs' channel A is unused in practice); we still
// model two channels per instance, matching the part.
// Channel A is index 0, channel B is index 1; the console is wired to channel
// B of UART A.
type UART struct {
	name string
	ch   [2]UARTChannel

	cpu   cpubus.CPU
	level uint8
	ints  *Interrupts

	log *log.Logger
}

// NewUART creates a UART whose interrupts target the given CPU at the given
// priority level. Each channel's vector is registered as auto-clearing on
// acknowledge by Tick, when it raises that vector.
func NewUART(name string, cpu cpubus.CPU, level uint8, ints *Interrupts, logger *log.Logger) *UART {
	return &UART{name: name, cpu: cpu, level: level, ints: ints, log: logger}
}

// Channel returns channel 0 (A) or 1 (B) for wiring a console adapter's
// onTX/PushRX.
func (u *UART) Channel(i int) *UARTChannel { return &u.ch[i] }

func (u *UART) ReadByte(off uint32) uint8 {
	idx := off / 2
	ch, sub := idx/4, idx%4
	if ch > 1 {
		return 0
	}
	return u.ch[ch].read(sub)
}

func (u *UART) WriteByte(off uint32, v uint8) {
	idx := off / 2
	ch, sub := idx/4, idx%4
	if ch > 1 {
		return
	}
	u.ch[ch].write(sub, v)
}

// Tick raises an interrupt for any channel that has data ready and its
// interrupts enabled. Vectors self-clear on acknowledge, so no explicit clear
// path is needed here.
func (u *UART) Tick(us int) {
	for i := range u.ch {
		c := &u.ch[i]
		if c.intEnable && (c.rxReady || c.txReady) {
			u.ints.RegisterAutoClear(c.vector)
			u.ints.Raise(u.cpu, c.vector, u.level)
		}
	}
}
