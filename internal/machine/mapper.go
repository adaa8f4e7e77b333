package machine

import (
	"p20/internal/cpubus"
	"p20/internal/log"
	"p20/internal/word"
)

// AccessFlags describes the direction and privilege of a requested mapper access.
// Inhibit bits in a page descriptor forbid the corresponding flag when set.
type AccessFlags uint8

const (
	AccessR      AccessFlags = 1 << 0
	AccessW      AccessFlags = 1 << 1
	AccessX      AccessFlags = 1 << 2
	AccessSystem AccessFlags = 1 << 3
)

const (
	sysEntryStart    = 2048
	w1PageMask       = 0x1FFF
	w1InhibitShift   = 13 // inhibit R/W/X sit in bits 13/14/15, above the page number
	w1InvalidPage    = 0xFFF
	w0Refd           = 0x2
	w0Altrd          = 0x1
	w0UIDShift       = 8
	w0UIDMask        = 0xff
)

// descriptor is one 4 KiB page-table entry, 32 bits split into two 16-bit halves
// the way the real hardware's 16-bit MMIO window requires.
type descriptor struct {
	w0 uint16 // user-id | referenced | altered
	w1 uint16 // RWX inhibit bits (13-15) | 13-bit physical page number
}

// Mapper is the P/20's MMU: 4096 page-table entries (2048 user, 2048 system),
// 4 KiB pages, per-page inhibit bits and an 8-bit owning user-ID.
type Mapper struct {
	desc    [4096]descriptor
	ramSize uint32 // physical RAM size, for masking translated addresses

	curID  uint8
	curCPU cpubus.CPU

	// yolo makes the first 8 bytes of RAM writable in system mode regardless of
	// the page table, matching a boot-firmware assumption; strict mode disables it.
	yolo bool

	log *log.Logger
}

// NewMapper creates a mapper for a machine with the given physical RAM size.
func NewMapper(ramSize uint32, yolo bool, logger *log.Logger) *Mapper {
	return &Mapper{ramSize: ramSize, yolo: yolo, log: logger}
}

// SetCurrentCPU tells the mapper which core is issuing the next access; page-table
// writes from the DMA CPU are silently dropped, as the real hardware never wired
// that core to the MMIO window.
func (m *Mapper) SetCurrentCPU(cpu cpubus.CPU) { m.curCPU = cpu }

// SetMapID updates the process tag checked against a page's owning user-ID on
// user-mode writes.
func (m *Mapper) SetMapID(id uint8) {
	if m.curID != id {
		m.log.Debug("switching map id", "from", m.curID, "to", id)
	}
	m.curID = id
}

// pageIndex selects the system half of the table (entries 2048-4095) or the
// user half (0-2047) from the AccessSystem bit carried by the access itself,
// not from any state set ahead of time.
func (m *Mapper) pageIndex(addr uint32, flags AccessFlags) int {
	p := int(addr >> 12)
	if flags&AccessSystem != 0 {
		p += sysEntryStart
	}
	return p
}

// isInvalidPageDescriptor reports the sentinel encoding for "page never mapped":
// all three inhibit bits set with physical page number 0xFFF. It's reported with
// its own log reason, distinct from an ordinary permission fault, even though it
// faults the same way.
func isInvalidPageDescriptor(d descriptor) bool {
	inh := d.w1 >> w1InhibitShift
	allInhibited := inh&uint16(AccessR) != 0 && inh&uint16(AccessW) != 0 && inh&uint16(AccessX) != 0
	return allInhibited && (d.w1&w1PageMask) == w1InvalidPage
}

// AccessAllowed checks a page-table entry against the requested access without
// updating referenced/altered bits. Addresses at or above 0x800000 bypass the page
// table entirely but still require system mode.
func (m *Mapper) AccessAllowed(addr uint32, flags AccessFlags) error {
	if m.yolo && flags&AccessSystem != 0 && addr < 8 {
		return nil
	}

	if addr >= 0x800000 {
		if flags&AccessSystem == 0 {
			m.log.Info("non-RAM address not accessible in user mode", "addr", addr)
			return &AccessFault{Addr: addr, Write: flags&AccessW != 0, Reason: "non-RAM address requires system mode"}
		}
		return nil
	}

	p := m.pageIndex(addr, flags)
	d := m.desc[p]

	inhibited := (d.w1 >> w1InhibitShift) & uint16(flags) & (uint16(AccessR) | uint16(AccessW) | uint16(AccessX))

	// UID checks only apply to user-mode writes, not reads or execute.
	if flags&AccessSystem == 0 && flags&AccessW != 0 {
		uid := uint8(d.w0>>w0UIDShift) & w0UIDMask
		if uid != m.curID {
			return &UserIDFault{Addr: addr, PageUID: uid}
		}
	}

	if inhibited != 0 {
		reason := "permission violation"
		if isInvalidPageDescriptor(d) {
			reason = "page not mapped"
		}
		m.log.Debug("mapper access fault", "addr", addr, "page", p, "w0", d.w0, "w1", d.w1, "reason", reason)
		return &AccessFault{Addr: addr, Write: flags&AccessW != 0, Reason: reason}
	}

	return nil
}

// Translate performs AccessAllowed and, on success, the full virtual-to-physical
// translation plus referenced/altered bookkeeping.
func (m *Mapper) Translate(addr uint32, flags AccessFlags) (uint32, error) {
	if err := m.AccessAllowed(addr, flags); err != nil {
		return 0, err
	}

	if addr >= 0x800000 {
		return addr, nil
	}

	if m.yolo && flags&AccessSystem != 0 && addr < 8 {
		return addr, nil
	}

	p := m.pageIndex(addr, flags)
	m.desc[p].w0 |= w0Refd
	if flags&AccessW != 0 {
		m.desc[p].w0 |= w0Altrd
	}

	phys := (addr & 0xFFF) | (uint32(m.desc[p].w1&w1PageMask) << 12)
	if m.ramSize > 0 {
		phys &= m.ramSize - 1
	}

	return phys, nil
}

// --- MMIO table window: 4096 entries of 32 bits, word-addressed. ---

func (m *Mapper) readTableWord(off uint32) uint16 {
	wa := off / 2
	idx := wa / 2
	if idx >= uint32(len(m.desc)) {
		return word.CanaryWord
	}
	if wa&1 == 1 {
		return m.desc[idx].w1
	}
	return m.desc[idx].w0
}

func (m *Mapper) writeTableWord(off uint32, val uint16) {
	if m.curCPU == cpubus.DMA {
		// hardware never wired the DMA CPU to the page-table window.
		return
	}
	wa := off / 2
	idx := wa / 2
	if idx >= uint32(len(m.desc)) {
		return
	}
	if wa&1 == 1 {
		m.desc[idx].w1 = val
	} else {
		m.desc[idx].w0 = val
	}
}

func (m *Mapper) ReadWord(off uint32) uint16 { return m.readTableWord(off) }
func (m *Mapper) WriteWord(off uint32, v uint16) { m.writeTableWord(off, v) }

func (m *Mapper) ReadLong(off uint32) uint32 {
	hi := m.readTableWord(off)
	lo := m.readTableWord(off + 2)
	return uint32(hi)<<16 | uint32(lo)
}

func (m *Mapper) WriteLong(off uint32, v uint32) {
	m.writeTableWord(off, uint16(v>>16))
	m.writeTableWord(off+2, uint16(v))
}

func (m *Mapper) ReadByte(off uint32) uint8 {
	v := m.readTableWord(off &^ 1)
	if off&1 == 1 {
		return uint8(v)
	}
	return uint8(v >> 8)
}

func (m *Mapper) WriteByte(off uint32, val uint8) {
	v := m.readTableWord(off &^ 1)
	if off&1 == 1 {
		v = (v &^ 0xFF) | uint16(val)
	} else {
		v = (v & 0xFF) | uint16(val)<<8
	}
	m.writeTableWord(off&^1, v)
}
