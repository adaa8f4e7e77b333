// Package cpubus defines the narrow interface boundary between the machine core
// (bus fabric, mapper, CSR, SCSI, scheduler) and the 68010 interpreter that drives it.
// The interpreter is an external collaborator: this package only shapes the contract,
// grounded on the register/cycle split a real 68010 core exposes, and owns no
// implementation of the instruction set itself.
package cpubus

import "fmt"

// CPU identifies one of the two 68010 cores sharing the bus fabric.
type CPU int

const (
	DMA CPU = iota
	JOB
)

func (c CPU) String() string {
	switch c {
	case DMA:
		return "dma"
	case JOB:
		return "job"
	default:
		return fmt.Sprintf("cpu(%d)", int(c))
	}
}

// Size identifies the width of a bus transfer the core requests.
type Size uint8

const (
	Byte Size = 1
	Word Size = 2
	Long Size = 4
)

// Bus is implemented by the machine and called by the CPU interpreter for every
// memory access it issues. Per the non-local-transfer redesign, faults are reported
// as an error return rather than an unwind: the interpreter decides whether to abort
// the in-flight instruction and take a bus-error exception.
type Bus interface {
	Read(core CPU, size Size, addr uint32, fc FunctionCode) (uint32, error)
	Write(core CPU, size Size, addr uint32, value uint32, fc FunctionCode) error
}

// FunctionCode mirrors the 68010's three FC pins, which the bus fabric and mapper
// use to tell system accesses from user accesses and program/data from interrupt
// acknowledge cycles.
type FunctionCode uint8

const (
	FCUserData    FunctionCode = 1
	FCUserProgram FunctionCode = 2
	FCSystemData  FunctionCode = 5
	FCSystemProgram FunctionCode = 6
	FCInterruptAck  FunctionCode = 7
)

// System reports whether the function code indicates supervisor/system space.
func (fc FunctionCode) System() bool { return fc&4 != 0 }

// Program reports whether the function code indicates an instruction fetch.
func (fc FunctionCode) Program() bool { return fc == FCUserProgram || fc == FCSystemProgram }

// Core is implemented by the 68010 interpreter. The scheduler calls Step to run a
// quantum of cycles and SetIPL/Reset to deliver interrupts and held-in-reset state;
// the interpreter calls back into a Bus for every memory access and into
// AcknowledgeInterrupt (supplied by the machine, see Acknowledger) when it takes an
// interrupt exception.
type Core interface {
	// Step runs up to budget cycles and returns the number actually consumed.
	// A core may consume fewer than budget, e.g. right after a reset pulse.
	Step(budget int) (consumed int)

	// SetIPL updates the core's interrupt priority input (0-7); the core samples
	// this between instructions.
	SetIPL(level uint8)

	// Reset pulses the core's reset line, reloading SSP/PC from the reset vector.
	Reset()

	// Halted reports whether the core has stopped itself (e.g. double bus fault).
	Halted() bool
}

// Acknowledger is implemented by the machine's interrupt controller and called by
// a Core when it takes an interrupt exception at the given level, to learn which
// vector to dispatch.
type Acknowledger interface {
	AcknowledgeInterrupt(core CPU, level uint8) (vector uint8)
}
