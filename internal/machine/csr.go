package machine

import (
	"p20/internal/cpubus"
	"p20/internal/log"
)

// Register offsets within the CSR primary window (16-bit, byte addresses).
const (
	csrRSEL  = 0x00 // reset-select; logging only in the primary window
	csrPERR1 = 0x00
	csrPERR2 = 0x02
	csrMBERR = 0x04
	csrSC_C  = 0x06 // SCSI byte count, high half; +2 is low half
	csrSC_P  = 0x0A // SCSI pointer, high half; +2 is low half
	csrSC_R  = 0x0E // SCSI register, pass-through
	csrLEDS  = 0x10
	csrUSRT  = 0x12
	csrERR   = 0x14
	csrMISC  = 0x16
	csrKILL  = 0x18
	csrTRCE  = 0x1A
	csrINTE  = 0x1C
	csrMAPID = 0x1E
)

// MISC register bits.
const (
	miscUINTEN   = 0x1
	miscTINTEN   = 0x2
	miscCINTJEN  = 0x4
	miscCINTDEN  = 0x8
	miscRESMB    = 0x10
	miscHOLDMBUS = 0x20
	miscDIAGUART = 0x40
	miscTBUSY    = 0x80
	miscENMAP    = 0x100
	miscDIAGMB   = 0x200
	miscDIAGPESC = 0x400
	miscDIAGPH   = 0x800
	miscDIAGPL   = 0x1000
	miscSCSIDL   = 0x2000
	miscBOOTJOB  = 0x4000
	miscBOOTDMA  = 0x8000
)

// KILL register bits.
const (
	killKillDMA  = 0x1
	killNKillJOB = 0x2
	killIntDMA   = 0x4
	killIntJOB   = 0x8
	killJKPD     = 0x40
	killCurIsJOB = 0x80
)

// Error register bits, kept as named constants rather than an opaque code so the
// CSR's per-CPU latching is testable bit-for-bit.
const (
	errAS26    = 0x8000
	errSOOPS   = 0x4000
	errUBEDMA  = 0x1000
	errABEDMA  = 0x0800
	errENBLK   = 0x0400
	errENDMA   = 0x0200
	errENJOB   = 0x0100
	errAERRJOB = 0x0080
	errDERRJOB = 0x0040
	errMBTO    = 0x0020
	errUBEJOB  = 0x0010
	errABEJOB  = 0x0008
)

// Reset-select MMIO alias offsets (CSR base + 0x20 window). RESET_CINTJ and
// RESET_CINTD are distinct in the original hardware and are kept distinct here;
// the original source compared RESET_CINTJ to itself, a no-op typo this
// implementation does not reproduce (spec REDESIGN FLAGS).
const (
	resetMultiErr      = 0x020
	resetSCSIParityFlg = 0x040
	resetClrJobInt     = 0x060
	resetSetJobInt     = 0x080
	resetClrDMAInt     = 0x0a0
	resetSetDMAInt     = 0x0c0
	resetClearJobClockInt = 0x0e0
	resetClearDMAClockInt = 0x100
	resetJobBusErr     = 0x120
	resetDMABusErr     = 0x140
	resetMemParityErr  = 0x160
	resetSwitchInt     = 0x180
	resetSCSIBusErr    = 0x1a0
)

const (
	intVectDMA = 0xc2
	intVectJOB = 0xc1
)

// CSR is the cross-cutting control-status register block: per-CPU reset, soft and
// hardware interrupt latches, parity-error forcing, multibus hold/diagnostic
// flags, and the SCSI DMA registers. CSR borrows the SCSI controller directly
// (see design note on cycles in the object graph: the machine owns both and
// nothing else needs to break the reference).
type CSR struct {
	reg  [0x10]uint16
	scsi *SCSI

	mapper         *Mapper
	ints           *Interrupts
	onForceA23     func(dma, job bool)
	onMapperEnable func(enabled bool)
	onForceParity  func(mask uint8)
	onMbusDiag     func(enabled bool)

	log *log.Logger
}

// NewCSR creates a CSR block wired to the machine's SCSI controller, mapper and
// interrupt controller. The onXxx callbacks let the bus fabric react to MISC
// writes without the CSR needing a direct Bus reference (breaking the cycle
// CSR -> Bus -> CSR region -> CSR).
func NewCSR(scsi *SCSI, mapper *Mapper, ints *Interrupts, onForceA23 func(dma, job bool), onMapperEnable func(bool), onForceParity func(uint8), onMbusDiag func(bool), logger *log.Logger) *CSR {
	// Soft interrupts are consumed whole by a single acknowledge, unlike the
	// hardware error latches that need an explicit CSR MMIO clear.
	ints.RegisterAutoClear(intVectJOB)
	ints.RegisterAutoClear(intVectDMA)

	return &CSR{scsi: scsi, mapper: mapper, ints: ints, onForceA23: onForceA23, onMapperEnable: onMapperEnable, onForceParity: onForceParity, onMbusDiag: onMbusDiag, log: logger}
}

// CPUIsReset reports whether the given core is currently held in reset by the
// kill register. The JOB kill bit is active-low.
func (c *CSR) CPUIsReset(cpu cpubus.CPU) bool {
	bit := uint16(1) << uint(cpu)
	held := c.reg[csrKILL/2]&bit != 0
	if cpu == cpubus.JOB {
		held = !held
	}
	return held
}

// RTCIntEnabled reports whether the given core has its clock interrupt enabled.
func (c *CSR) RTCIntEnabled(cpu cpubus.CPU) bool {
	if cpu == cpubus.DMA {
		return c.reg[csrMISC/2]&miscCINTDEN != 0
	}
	return c.reg[csrMISC/2]&miscCINTJEN != 0
}

// SetAccessError latches a permission or user-ID fault into the error register
// for the given CPU.
func (c *CSR) SetAccessError(cpu cpubus.CPU, fault error) {
	var v uint16
	isUserID := false
	if _, ok := fault.(*UserIDFault); ok {
		isUserID = true
	}
	if cpu == cpubus.DMA {
		if isUserID {
			v |= errUBEDMA
		} else {
			v |= errABEDMA
		}
	} else {
		if isUserID {
			v |= errUBEJOB
		} else {
			v |= errABEJOB
		}
	}
	c.reg[csrERR/2] |= v
}

// SetParityError ORs the given H/L mask bits into the error register.
func (c *CSR) SetParityError(mask uint16) {
	c.reg[csrERR/2] |= mask
}

// RaiseMultibusError latches the faulting address (shifted per the hardware's
// error latch convention) plus a read/write flag bit, and injects a
// multibus-timeout interrupt when diagnostic mode is on.
func (c *CSR) RaiseMultibusError(addr uint32, isRead bool) {
	v := uint16((addr >> 11) & 0xfe)
	if isRead {
		v |= 1
	}
	c.reg[csrMBERR/2] = v
	if c.reg[csrMISC/2]&miscDIAGMB != 0 {
		c.ints.Raise(cpubus.DMA, 0x7F, 1)
	}
}

func (c *CSR) Read16(off uint32) uint16 {
	if off < 4 {
		c.log.Warn("read from unknown csr register", "off", off)
	}

	bc := c.scsi.ByteCount()
	c.reg[csrSC_C/2] = uint16(bc >> 16)
	c.reg[csrSC_C/2+1] = uint16(bc)
	ptr := c.scsi.Pointer()
	c.reg[csrSC_P/2] = uint16(ptr >> 16)
	c.reg[csrSC_P/2+1] = uint16(ptr)

	ret := c.reg[off/2]

	switch off {
	case csrKILL:
		if c.curCPUIsJOB() {
			ret |= 0x80
		}
	case csrSC_R:
		return c.scsi.ReadReg()
	default:
		c.log.Debug("csr read16", "off", off, "val", ret)
	}

	return ret
}

func (c *CSR) Read32(off uint32) uint32 {
	return uint32(c.Read16(off))<<16 | uint32(c.Read16(off+2))
}

func (c *CSR) Read8(off uint32) uint8 {
	if off&1 == 1 {
		return uint8(c.Read16(off - 1))
	}
	return uint8(c.Read16(off) >> 8)
}

func (c *CSR) Write16(off uint32, val uint16) {
	switch off {
	case csrRSEL:
		c.log.Debug("csr write16 (reset sel)", "off", off, "val", val)
	case csrSC_C, csrSC_C + 2:
		c.reg[off/2] = val
		bc := uint32(c.reg[csrSC_C/2])<<16 + uint32(c.reg[csrSC_C/2+1])
		c.scsi.SetByteCount(bc & 0xffffff)
	case csrSC_P, csrSC_P + 2:
		c.reg[off/2] = val
		ptr := uint32(c.reg[csrSC_P/2])<<16 + uint32(c.reg[csrSC_P/2+1])
		c.scsi.SetPointer(ptr & 0xffffff)
	case csrSC_R:
		c.scsi.WriteReg(val)
	case csrMISC:
		c.writeMisc(val)
	case csrKILL:
		c.log.Debug("csr write16 (kill)", "val", val)
		val &= 0x43
	case csrERR:
		c.log.Debug("csr write16 (err, read-only)", "val", val)
		val = c.reg[off/2]
	case csrMAPID:
		c.mapper.SetMapID(uint8(val >> 8))
	default:
		c.log.Debug("csr write16", "off", off, "val", val)
	}
	c.reg[off/2] = val
}

func (c *CSR) writeMisc(val uint16) {
	c.onMapperEnable(val&miscENMAP == 0)
	c.onMbusDiag(val&miscDIAGMB != 0)

	if val&miscHOLDMBUS == 0 {
		val &^= miscTBUSY
	}

	var diag uint8
	if val&miscSCSIDL == 0 {
		diag |= scsiDiagLatch
	}
	if val&miscDIAGPESC != 0 {
		diag |= scsiDiagParity
	}
	c.scsi.SetDiag(diag)

	dma := val&miscBOOTDMA == 0
	job := val&miscBOOTJOB == 0
	c.onForceA23(dma, job)

	var parity uint8
	if val&miscDIAGPH != 0 {
		parity |= 1
	}
	if val&miscDIAGPL != 0 {
		parity |= 2
	}
	c.onForceParity(parity)
}

func (c *CSR) Write32(off uint32, val uint32) {
	c.Write16(off, uint16(val>>16))
	c.Write16(off+2, uint16(val))
}

func (c *CSR) Write8(off uint32, val uint8) {
	if off&1 == 1 {
		c.Write16(off-1, uint16(val))
	} else {
		c.Write16(off, uint16(val)<<8)
	}
}

// WriteMMIO decodes the reset-select alias window: the access address is the
// action, the data is ignored.
func (c *CSR) WriteMMIO(off uint32, _ uint16) {
	a := off + 0x20

	switch a {
	case resetClrJobInt:
		c.log.Debug("clear job soft-int")
		c.reg[csrKILL/2] &^= killIntJOB
		c.ints.Raise(cpubus.JOB, intVectJOB, 0)
	case resetSetJobInt:
		c.log.Debug("set job soft-int")
		c.reg[csrKILL/2] |= killIntJOB
		c.ints.Raise(cpubus.JOB, intVectJOB, 4)
	case resetClrDMAInt:
		c.log.Debug("clear dma soft-int")
		c.reg[csrKILL/2] &^= killIntDMA
		c.ints.Raise(cpubus.DMA, intVectDMA, 0)
	case resetSetDMAInt:
		c.log.Debug("set dma soft-int")
		c.reg[csrKILL/2] |= killIntDMA
		c.ints.Raise(cpubus.DMA, intVectDMA, 2)
	case resetMultiErr:
		c.log.Debug("reset mbus error")
		c.reg[csrMISC/2] &^= miscTBUSY
	case resetJobBusErr:
		c.log.Debug("reset job bus error")
		c.reg[csrERR/2] &^= (errUBEJOB | errABEJOB)
	case resetDMABusErr:
		c.log.Debug("reset dma bus error")
		c.reg[csrERR/2] &^= (errUBEDMA | errABEDMA)
	case resetClearJobClockInt, resetClearDMAClockInt:
		// no-op in emulation: nothing latches a clock interrupt independent of
		// the RTC device's own tick/ack path.
	case resetSCSIParityFlg, resetMemParityErr, resetSwitchInt, resetSCSIBusErr:
		c.log.Debug("reset latch", "off", a)
	default:
		c.log.Debug("unhandled mmio write", "off", a)
	}
}

func (c *CSR) curCPUIsJOB() bool {
	return c.reg[csrKILL/2]&killCurIsJOB != 0
}

// SetCurrentCPU records which CPU is currently executing, used only for the
// kill-register "who am I" read primitive.
func (c *CSR) SetCurrentCPU(cpu cpubus.CPU) {
	if cpu == cpubus.JOB {
		c.reg[csrKILL/2] |= killCurIsJOB
	} else {
		c.reg[csrKILL/2] &^= killCurIsJOB
	}
}

// csrPrimaryRegion adapts CSR's Read8/Write8-style API to the Accessor shape
// the bus fabric expects for the primary register window.
type csrPrimaryRegion struct{ csr *CSR }

func (r csrPrimaryRegion) ReadByte(off uint32) uint8    { return r.csr.Read8(off) }
func (r csrPrimaryRegion) WriteByte(off uint32, v uint8) { r.csr.Write8(off, v) }
func (r csrPrimaryRegion) ReadWord(off uint32) uint16    { return r.csr.Read16(off) }
func (r csrPrimaryRegion) WriteWord(off uint32, v uint16) { r.csr.Write16(off, v) }
func (r csrPrimaryRegion) ReadLong(off uint32) uint32    { return r.csr.Read32(off) }
func (r csrPrimaryRegion) WriteLong(off uint32, v uint32) { r.csr.Write32(off, v) }

// csrAliasRegion adapts the reset-select alias window: every write, regardless
// of width or value, dispatches WriteMMIO on the access address; reads return
// a canary since the window is write-only on the real hardware.
type csrAliasRegion struct{ csr *CSR }

func (r csrAliasRegion) ReadByte(off uint32) uint8  { return uint8(0x5a) }
func (r csrAliasRegion) ReadWord(off uint32) uint16 { return 0xbeef }
func (r csrAliasRegion) ReadLong(off uint32) uint32 { return 0xdeadbeef }

func (r csrAliasRegion) WriteByte(off uint32, v uint8)  { r.csr.WriteMMIO(off, uint16(v)) }
func (r csrAliasRegion) WriteWord(off uint32, v uint16) { r.csr.WriteMMIO(off, v) }
func (r csrAliasRegion) WriteLong(off uint32, v uint32) { r.csr.WriteMMIO(off, uint16(v)) }
