package machine

import (
	"p20/internal/cpubus"
	"p20/internal/log"
)

// SCSI control-register bits, output (CPU-driven) side.
const (
	oIOPTR   = 0x8000
	oMSGPTR  = 0x4000
	oCDPTR   = 0x2000
	oSRAM    = 0x1000
	oRESET   = 0x0800
	oSELENA  = 0x0400
	oSCSIBSY = 0x0200
	oARB     = 0x0100
	oSCSIREQ = 0x0080
	oSCSIMSG = 0x0040
	oSCSIRST = 0x0020
	oSCSIIO  = 0x0010
	oSCSICD  = 0x0008
	oSCSIATN = 0x0004
	oSCSIACK = 0x0002
	oAUTOXFR = 0x0001
)

// Input (device-driven) side mirrors of the same bus signals.
const (
	iREQ = 0x0080
	iMSG = 0x0040
	iIO  = 0x0010
	iCD  = 0x0008
	iACK = 0x0002
	iBSY = 0x0200
)

// Diagnostic-mode flags, set via CSR MISC bits.
const (
	scsiDiagLatch  uint8 = 0x1
	scsiDiagParity uint8 = 0x2
)

// State is a phase of the SCSI operational state machine's bus phases.
type State int

const (
	StateBusFree State = iota
	StateSelect
	StateReselect
	StateCmdDin
	StateCmdDinRcv
	StateCmdDout
	StateCmdDoutFin
	StateStatus
	StateMsgin
	StateSelectNoDev
)

func (s State) String() string {
	return [...]string{"BUS_FREE", "SELECT", "RESELECT", "CMD_DIN", "CMD_DIN_RCV", "CMD_DOUT", "CMD_DOUT_FIN", "STATUS", "MSGIN", "SELECT_NODEV"}[s]
}

// interrupt vector bases for the pointer-exception family: 0x68 | (7 ^ phase-mask).
const (
	intVectSCSIPointer  = 0x68
	intVectSCSISelect   = 0x6A
	intVectSCSIReselect = 0x6B
	intVectSCSIParity   = 0x64
	scsiIntLevel        = 3
)

// Dir is the data-phase direction a target's command handler requests.
type Dir int

const (
	DirNone Dir = iota
	DirDataIn
	DirDataOut
	DirErr
)

// Target is a SCSI device attached to the bus: disk, tape, whatever plugs into a
// selectable ID.
type Target interface {
	HandleCommand(cdb []byte) Dir
	HandleDataIn(buf []byte, count int) int
	HandleDataOut(buf []byte, count int)
	HandleStatus() uint8
}

// dmaMemory is the byte-granular DMA access path the block mover and multibus
// loopback use: it bypasses the region ACL but still consults the mapper in
// system mode.
type dmaMemory interface {
	DMAReadByte(addr uint32) uint8
	DMAWriteByte(addr uint32, v uint8)
}

// SCSI implements the controller's two coexisting paths: a diagnostic path (active
// while O_SCSIRST is asserted) used by the self-test ROM, and an operational
// initiator state machine driving selection, command, data and status phases
// against attached Targets. It's written as an immediate state transformer:
// WriteReg and Tick drive every transition, and every side effect (interrupts,
// memory access) happens inline rather than through a returned effect list,
// matching the original's structure.
type SCSI struct {
	targets [8]Target

	buf        [4]byte
	byteCount  int32
	pointer    int32
	reg        uint16
	diag       uint8
	state      State
	byteStashed uint8
	lastReqReg  uint16
	ptrReadMSB  bool
	cmd         [10]byte
	selected    int
	opTimeoutUS int
	dataBuf     [256 * 512]byte

	mem  dmaMemory
	ints *Interrupts
	log  *log.Logger
}

// NewSCSI creates a SCSI controller wired to a DMA-capable memory view and the
// machine's interrupt controller.
func NewSCSI(mem dmaMemory, ints *Interrupts, logger *log.Logger) *SCSI {
	return &SCSI{mem: mem, ints: ints, log: logger, state: StateBusFree}
}

// AddTarget plugs a device in at the given SCSI ID (0-7).
func (s *SCSI) AddTarget(id int, t Target) { s.targets[id] = t }

func (s *SCSI) ByteCount() uint32 { return uint32(s.byteCount) }
func (s *SCSI) Pointer() uint32   { return uint32(s.pointer) }

func (s *SCSI) SetByteCount(v uint32) {
	s.log.Debug("scsi bytecount", "val", v)
	s.byteCount = int32(v)
}

func (s *SCSI) SetPointer(v uint32) {
	s.log.Debug("scsi pointer", "val", v)
	s.pointer = int32(v)
	s.ptrReadMSB = v&1 != 0
}

func (s *SCSI) SetDiag(flags uint8) { s.diag = flags }

func (s *SCSI) ReadReg() uint16 { return s.reg }

// --- SCSIBUF MMIO region (the 4-byte shared payload latch). ---

func (s *SCSI) ReadByte(off uint32) uint8 { return s.buf[off&3] }
func (s *SCSI) WriteByte(off uint32, v uint8) { s.buf[off&3] = v }
func (s *SCSI) ReadWord(off uint32) uint16 {
	return uint16(s.buf[off&3])<<8 | uint16(s.buf[(off+1)&3])
}
func (s *SCSI) WriteWord(off uint32, v uint16) {
	s.buf[off&3] = uint8(v >> 8)
	s.buf[(off+1)&3] = uint8(v)
}

// pointerInt raises (or clears) a pointer-exception-family interrupt for one of
// the IV_* phase flags.
func (s *SCSI) pointerInt(flags int, active bool) {
	v := uint8(0x7 ^ flags)
	level := uint8(0)
	if active {
		level = scsiIntLevel
	}
	s.ints.Raise(cpubus.DMA, intVectSCSIPointer|v, level)
}

// WriteReg is the controller's single entry point for CPU writes to the SCSI
// register, and dispatches into the diagnostic or operational path.
func (s *SCSI) WriteReg(val uint16) {
	orival := val
	oldState := s.state

	if val&oSCSIRST != 0 {
		s.diagWrite(val, orival, oldState)
		return
	}

	s.operationalWrite(val, oldState)

	switch {
	case s.state == StateMsgin || s.state == StateSelectNoDev:
		val &^= iBSY
	case s.state != StateBusFree && s.targets[s.selected] != nil:
		if val&iACK != 0 {
			val &^= iREQ
		} else {
			val |= iREQ
		}
		val |= iBSY
	default:
		val &^= iREQ
		val &^= iBSY
	}

	// Diagnostics fix: writing exactly one of these single bits echoes back as
	// that bit on read.
	switch orival {
	case oSCSIACK, oSCSICD, oSCSIMSG, oSCSIIO, oSCSIREQ:
		val = orival
	}

	if oldState != s.state {
		s.log.Debug("scsi state change", "from", oldState, "to", s.state)
	}

	s.reg = val
	s.handleInterrupts()
}

func (s *SCSI) diagWrite(val, orival uint16, oldState State) {
	s.state = StateBusFree

	if val&oARB != 0 {
		s.ints.Raise(cpubus.DMA, intVectSCSISelect, scsiIntLevel)
	}
	if val&oSCSIBSY == 0 {
		val &^= oAUTOXFR
	}

	if val&oSCSIREQ != 0 {
		flag := val & (oSCSIIO | oSCSICD | oSCSIMSG)
		var wanted uint16
		if val&oIOPTR != 0 {
			wanted |= oSCSIIO
		}
		if val&oCDPTR != 0 {
			wanted |= oSCSICD
		}
		if val&oMSGPTR != 0 {
			wanted |= oSCSIMSG
		}
		if s.lastReqReg&oSCSICD != 0 && val&oSCSIMSG != 0 {
			wanted &^= oSCSIMSG
		}

		if flag != wanted {
			mismatch := flag ^ wanted
			v := uint16(intVectSCSIPointer)
			if mismatch&oSCSIMSG == 0 {
				v |= 0x4
			}
			if mismatch&oSCSICD == 0 {
				v |= 0x2
			}
			if mismatch&oSCSIIO == 0 {
				v |= 0x1
			}
			s.log.Debug("scsi pointer exception", "mismatch", mismatch)
			s.ints.Raise(cpubus.DMA, uint8(v), scsiIntLevel)
			val &^= oAUTOXFR
		} else {
			if flag&oSCSIIO != 0 {
				s.diagByteOut(val)
			} else {
				s.diagByteIn()
			}
			val |= iACK
			if s.diag&scsiDiagParity != 0 {
				s.ints.Raise(cpubus.DMA, intVectSCSIParity, scsiIntLevel)
			}
			s.lastReqReg = val
		}
		if s.byteCount > 0 {
			s.byteCount--
		}
	} else {
		if orival&oSCSIBSY != 0 && s.reg&oMSGPTR != 0 {
			val |= oMSGPTR
		}
		val &^= iACK
	}

	if oldState != s.state {
		s.log.Debug("scsi state change", "from", oldState, "to", s.state)
	}

	s.reg = val
}

func (s *SCSI) diagByteOut(val uint16) {
	if s.byteCount <= 0 {
		return
	}
	if s.ptrReadMSB {
		s.pointer &^= 1
		s.ptrReadMSB = false
		if val&oSRAM != 0 {
			// SRAM write path: explicitly "a guess" in the source material this
			// was ported from. Preserved verbatim rather than cleaned up.
			s.mem.DMAWriteByte(uint32(s.pointer), 0)
			s.mem.DMAWriteByte(uint32(s.pointer)+1, s.byteStashed)
			s.mem.DMAWriteByte(uint32(s.pointer)+2, 0)
			s.mem.DMAWriteByte(uint32(s.pointer)+3, s.buf[3])
			s.pointer += 4
		} else {
			s.mem.DMAWriteByte(uint32(s.pointer), s.byteStashed)
			s.mem.DMAWriteByte(uint32(s.pointer)+1, s.buf[3])
			s.pointer += 2
		}
	} else {
		s.byteStashed = s.buf[3]
		s.ptrReadMSB = true
	}
}

func (s *SCSI) diagByteIn() {
	msb := uint32(0)
	if s.ptrReadMSB {
		msb = 1
	}
	s.buf[3] = s.mem.DMAReadByte(uint32(s.pointer) + msb)
	// The "3" constant is unexplained in the source; the diagnostics expect it
	// when the diag latch is enabled, so it's kept as-is.
	if s.diag&scsiDiagLatch != 0 {
		s.buf[3] = 3
	}
	if s.byteCount >= 0 {
		if s.ptrReadMSB {
			s.pointer &^= 1
			s.ptrReadMSB = false
			s.pointer += 2
		} else {
			s.ptrReadMSB = true
		}
	}
}

func (s *SCSI) operationalWrite(val uint16, state State) {
	switch {
	case val&oARB != 0 && (state == StateBusFree || state == StateMsgin):
		s.state = StateSelect
		s.opTimeoutUS = 500

	case state == StateSelectNoDev:
		s.state = StateBusFree

	case val&oSELENA != 0 && state == StateSelect:
		db := s.buf[0] &^ 8 // bit 3 is our own SCSI ID
		for i := 0; i < 8; i++ {
			if db&1 != 0 {
				s.selected = i
			}
			db >>= 1
		}
		if s.targets[s.selected] != nil {
			s.state = StateReselect
			s.opTimeoutUS = 50
		} else {
			s.state = StateSelectNoDev
			s.opTimeoutUS = 500
		}

	case val&oAUTOXFR != 0 && val&oCDPTR != 0 && (state == StateSelect || state == StateReselect):
		s.dispatchCommand()

	case val&oAUTOXFR != 0 && val&oIOPTR != 0 && state == StateCmdDin:
		s.dataIn()

	case val&oAUTOXFR != 0 && state == StateCmdDinRcv:
		s.state = StateStatus

	case val&oAUTOXFR != 0 && state == StateCmdDout:
		s.dataOut()

	case val&oAUTOXFR != 0 && state == StateCmdDoutFin:
		s.state = StateStatus
		s.opTimeoutUS = 50

	case val&oAUTOXFR != 0 && state == StateStatus:
		s.state = StateMsgin
		s.opTimeoutUS = 2

	case state == StateMsgin:
		s.buf[2], s.buf[3] = 0, 0 // command complete
		s.state = StateBusFree
		s.opTimeoutUS = 2

	case state == StateBusFree:
		// nothing transitions out of BUS_FREE without ARB.
	}
}

func (s *SCSI) dispatchCommand() {
	if s.byteCount > 10 {
		s.byteCount = 10
	}
	n := int(s.byteCount)
	for i := 0; i < n; i++ {
		s.cmd[i] = s.mem.DMAReadByte(uint32(s.pointer))
		s.pointer++
	}

	dir := DirNone
	t := s.targets[s.selected]
	if t != nil {
		dir = t.HandleCommand(s.cmd[:n])
	}

	s.buf[2] = 0
	s.buf[3] = 1<<uint(s.selected) | 1<<3

	switch dir {
	case DirDataIn:
		s.state = StateCmdDin
	case DirDataOut:
		s.state = StateCmdDout
	default:
		status := uint8(0)
		if t != nil {
			status = t.HandleStatus()
		}
		if s.byteCount > 0 {
			s.mem.DMAWriteByte(uint32(s.pointer), status)
			s.pointer++
			s.byteCount--
		}
		s.buf[2], s.buf[3] = 0, status
		s.state = StateStatus
	}
	s.opTimeoutUS = 50
}

func (s *SCSI) dataIn() {
	t := s.targets[s.selected]
	n := 0
	if t != nil {
		n = t.HandleDataIn(s.dataBuf[:], int(s.byteCount))
	}
	for i := 0; i < n; i++ {
		s.mem.DMAWriteByte(uint32(s.pointer), s.dataBuf[i])
		s.pointer++
		s.byteCount--
	}

	status := uint8(1)
	if t != nil {
		status = t.HandleStatus()
	}
	s.buf[2], s.buf[3] = 0, status
	s.state = StateCmdDinRcv
	s.opTimeoutUS = 50
}

func (s *SCSI) dataOut() {
	n := int(s.byteCount)
	for i := 0; i < n; i++ {
		s.dataBuf[i] = s.mem.DMAReadByte(uint32(s.pointer))
		s.pointer++
		s.byteCount--
	}
	t := s.targets[s.selected]
	if t != nil {
		t.HandleDataOut(s.dataBuf[:], n)
	}

	status := uint8(1)
	if t != nil {
		status = t.HandleStatus()
	}
	s.buf[2], s.buf[3] = 0, status
	s.state = StateCmdDoutFin
	s.opTimeoutUS = 50
}

// handleInterrupts raises (or clears) the select/reselect/pointer interrupt
// family for the current state, deferring delivery while opTimeoutUS is pending.
func (s *SCSI) handleInterrupts() {
	sel := s.state
	if s.opTimeoutUS != 0 {
		sel = -1
	}

	s.ints.Raise(cpubus.DMA, intVectSCSISelect, boolLevel(sel == StateSelect || sel == StateSelectNoDev, scsiIntLevel))
	s.ints.Raise(cpubus.DMA, intVectSCSIReselect, boolLevel(sel == StateReselect, scsiIntLevel))
	s.pointerInt(1, sel == StateCmdDin)
	s.pointerInt(0, sel == StateCmdDout)
	s.pointerInt(1|2, sel == StateStatus || sel == StateCmdDinRcv || sel == StateCmdDoutFin)
	s.pointerInt(1|2|4, sel == StateMsgin)

	if sel == StateMsgin {
		// Dummy self-write to trigger the MSGIN->BUS_FREE transition.
		s.WriteReg(s.reg)
	}
}

func boolLevel(b bool, level uint8) uint8 {
	if b {
		return level
	}
	return 0
}

// Tick advances the outstanding-operation timer by the given microsecond delta,
// firing the pending interrupt on underflow.
func (s *SCSI) Tick(us int) {
	if s.opTimeoutUS == 0 {
		return
	}
	s.opTimeoutUS -= us
	if s.opTimeoutUS <= 0 {
		s.opTimeoutUS = 0
		s.handleInterrupts()
	}
}
