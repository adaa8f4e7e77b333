package machine

import "p20/internal/log"

// Mbus is the multibus bridge stub: real multibus peripheral simulation is out
// of scope, but the loopback and error-injection behaviour the original ships
// (mbus.c) is cheap to give an actual implementation instead of a stub comment.
// When diagnostic loopback is enabled, reads return the last word written;
// otherwise every access is a timeout.
type Mbus struct {
	diagEnabled bool
	last        uint32

	onTimeout func(addr uint32, isRead bool)
	log       *log.Logger
}

// NewMbus creates a multibus stub. onTimeout is called for every access that
// isn't satisfied by loopback, letting the CSR latch the fault.
func NewMbus(onTimeout func(addr uint32, isRead bool), logger *log.Logger) *Mbus {
	return &Mbus{onTimeout: onTimeout, log: logger}
}

// SetDiagLoopback enables or disables the loopback behaviour (CSR MISC_DIAGMB).
func (m *Mbus) SetDiagLoopback(enabled bool) { m.diagEnabled = enabled }

func (m *Mbus) ReadByte(off uint32) uint8 {
	if m.diagEnabled {
		return uint8(m.last)
	}
	m.log.Debug("mbus read timeout", "off", off)
	m.onTimeout(off, true)
	return 0
}

func (m *Mbus) WriteByte(off uint32, v uint8) {
	if m.diagEnabled {
		m.last = uint32(v)
		return
	}
	m.log.Debug("mbus write timeout", "off", off)
	m.onTimeout(off, false)
}

func (m *Mbus) ReadWord(off uint32) uint16 {
	if m.diagEnabled {
		return uint16(m.last)
	}
	m.onTimeout(off, true)
	return 0
}

func (m *Mbus) WriteWord(off uint32, v uint16) {
	if m.diagEnabled {
		m.last = uint32(v)
		return
	}
	m.onTimeout(off, false)
}

func (m *Mbus) ReadLong(off uint32) uint32 {
	if m.diagEnabled {
		return m.last
	}
	m.onTimeout(off, true)
	return 0
}

func (m *Mbus) WriteLong(off uint32, v uint32) {
	if m.diagEnabled {
		m.last = v
		return
	}
	m.onTimeout(off, false)
}
