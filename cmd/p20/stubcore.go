package main

import "p20/internal/cpubus"

// idleCore stands in for the 68010 interpreter, which is an external
// collaborator reached through p20/internal/cpubus rather than something this
// repo implements. It burns its whole budget doing nothing, which is enough
// to exercise the bus fabric, mapper, CSR and scheduler end to end without a
// real instruction set.
type idleCore struct {
	cpu    cpubus.CPU
	halted bool
}

func (c *idleCore) Step(budget int) int { return budget }
func (c *idleCore) SetIPL(level uint8)  {}
func (c *idleCore) Reset()              { c.halted = false }
func (c *idleCore) Halted() bool        { return c.halted }
