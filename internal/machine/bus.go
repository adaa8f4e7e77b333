package machine

import (
	"p20/internal/cpubus"
	"p20/internal/log"
	"p20/internal/word"
)

const parityBufSize = 8

// parityActive is OR'd into a stored address to distinguish "slot holds address
// 0, marked bad" from "slot empty", matching the original's sentinel-bit scheme.
const parityActive = 1 << 31

// Bus is the fabric that routes every CPU access to one of the named regions in its table,
// enforcing system/user permissions, consulting the mapper, and tracking forced
// parity errors. It implements cpubus.Bus: every access returns an error instead
// of unwinding, per design note 9(a), leaving the decision to abort the
// in-flight instruction to the interpreter.
type Bus struct {
	regions []*Region
	ram     *Region // kept for the RAM/MAPRAM enable toggle
	mapram  *Region

	mapper *Mapper
	csr    *CSR
	ints   *Interrupts

	forceA23    [2]bool
	parityForce uint8 // bit0: force high-byte (even) errors, bit1: force low-byte (odd)
	parityErrs  [parityBufSize]uint32
	parityCount int

	ramSize uint32
	log     *log.Logger
}

// NewBus assembles the bus fabric over a fully-populated region table. ram and
// mapram must be two of the entries in regions: they share base 0 and only one
// is ever non-zero size.
func NewBus(regions []*Region, ram, mapram *Region, mapper *Mapper, csr *CSR, ints *Interrupts, ramSize uint32, logger *log.Logger) *Bus {
	return &Bus{regions: regions, ram: ram, mapram: mapram, mapper: mapper, csr: csr, ints: ints, ramSize: ramSize, log: logger}
}

// SetForceA23 sets the boot-time bit that forces address bit 23 high on each
// CPU's accesses, aliasing RAM to ROM for booting.
func (b *Bus) SetForceA23(dma, job bool) {
	b.forceA23[cpubus.DMA] = dma
	b.forceA23[cpubus.JOB] = job
}

// SetParityForce sets which byte lanes (bit0 = high/even, bit1 = low/odd) get
// marked bad on every write while forcing is enabled.
func (b *Bus) SetParityForce(mask uint8) { b.parityForce = mask }

// SetMapperEnabled swaps RAM and MAPRAM's sizes: when the mapper is enabled,
// MAPRAM takes over RAM's former size and RAM goes to zero, and vice versa.
func (b *Bus) SetMapperEnabled(enabled bool) {
	if enabled {
		if b.ram.Size != 0 {
			b.mapram.Size = b.ram.Size
			b.ram.Size = 0
		}
	} else {
		if b.mapram.Size != 0 {
			b.ram.Size = b.mapram.Size
			b.mapram.Size = 0
		}
	}
}

func (b *Bus) findRegion(addr uint32) *Region {
	for _, r := range b.regions {
		if r.Contains(addr) {
			return r
		}
	}
	return nil
}

func (b *Bus) mapperFlags(write bool, fc cpubus.FunctionCode) AccessFlags {
	var flags AccessFlags
	switch {
	case fc.Program():
		flags |= AccessX
	case write:
		flags |= AccessW
	default:
		flags |= AccessR
	}
	if fc.System() {
		flags |= AccessSystem
	}
	return flags
}

// translate resolves a CPU-issued address to the one the region table should be
// indexed with. Addresses at or above 0x800000 and forced-A23 aliases bypass the
// page table entirely; below that, translation only applies while MAPRAM is the
// active window (the mapper enabled), since the RAM window is wired directly to
// the bus with no MMU in between.
func (b *Bus) translate(addr uint32, flags AccessFlags) (uint32, error) {
	if addr >= 0x800000 {
		return addr, b.mapper.AccessAllowed(addr, flags)
	}
	if b.mapram.Size != 0 {
		return b.mapper.Translate(addr, flags)
	}
	return addr, b.mapper.AccessAllowed(addr, flags)
}

// Read implements cpubus.Bus.
func (b *Bus) Read(core cpubus.CPU, size cpubus.Size, addr uint32, fc cpubus.FunctionCode) (uint32, error) {
	if b.forceA23[core] {
		addr |= 0x800000
	}

	b.mapper.SetCurrentCPU(core)
	phys, err := b.translate(addr, b.mapperFlags(false, fc))
	if err != nil {
		b.csr.SetAccessError(core, err)
		return 0, err
	}
	addr = phys

	if mask := b.checkParityRead(addr, int(size)); mask != 0 {
		b.ints.Raise(core, 0x41, 7)
		b.csr.SetParityError(uint16(mask))
	}

	region := b.findRegion(addr)
	if region == nil {
		b.log.Info("read from unmapped address", "addr", addr, "size", size)
		return word.Width(size).Canary(), nil
	}

	if err := b.checkRegionACL(core, fc, region, addr); err != nil {
		return 0, err
	}

	off := addr - region.Base
	switch size {
	case cpubus.Byte:
		if r, ok := region.Backing.(ByteReader); ok {
			return uint32(r.ReadByte(off)), nil
		}
	case cpubus.Word:
		if r, ok := region.Backing.(WordReader); ok {
			return uint32(r.ReadWord(off)), nil
		}
	case cpubus.Long:
		if r, ok := region.Backing.(LongReader); ok {
			return r.ReadLong(off), nil
		}
	}

	b.log.Info("no reader implemented for region", "region", region.Name, "size", size)
	return word.Width(size).Canary(), nil
}

// Write implements cpubus.Bus.
func (b *Bus) Write(core cpubus.CPU, size cpubus.Size, addr uint32, value uint32, fc cpubus.FunctionCode) error {
	if b.forceA23[core] {
		addr |= 0x800000
	}

	b.mapper.SetCurrentCPU(core)
	phys, err := b.translate(addr, b.mapperFlags(true, fc))
	if err != nil {
		b.csr.SetAccessError(core, err)
		return err
	}
	addr = phys

	b.markParityWrite(addr, int(size))

	region := b.findRegion(addr)
	if region == nil {
		b.log.Info("write to unmapped address", "addr", addr, "size", size, "val", value)
		return nil
	}

	if err := b.checkRegionACL(core, fc, region, addr); err != nil {
		return err
	}

	off := addr - region.Base
	switch size {
	case cpubus.Byte:
		if w, ok := region.Backing.(ByteWriter); ok {
			w.WriteByte(off, uint8(value))
			return nil
		}
	case cpubus.Word:
		if w, ok := region.Backing.(WordWriter); ok {
			w.WriteWord(off, uint16(value))
			return nil
		}
	case cpubus.Long:
		if w, ok := region.Backing.(LongWriter); ok {
			w.WriteLong(off, value)
			return nil
		}
	}

	b.log.Info("no writer implemented for region", "region", region.Name, "size", size)
	return nil
}

// checkRegionACL enforces that the JOB CPU in user mode can't reach a region
// that isn't marked user-accessible.
func (b *Bus) checkRegionACL(core cpubus.CPU, fc cpubus.FunctionCode, region *Region, addr uint32) error {
	if core == cpubus.JOB && !fc.System() && !region.UserOK {
		b.log.Info("job cpu faulted for user-mode access to system region", "region", region.Name, "addr", addr)
		fault := &AccessFault{Addr: addr, Reason: "address-bus error in JOB: " + region.Name + " is not user-accessible"}
		b.csr.SetAccessError(core, fault)
		return fault
	}
	return nil
}

// checkParityRead returns the H/L mask for any byte in [addr, addr+len) marked
// bad, or 0 if none. Parity tracking only applies within the RAM region.
func (b *Bus) checkParityRead(addr uint32, n int) uint8 {
	if b.parityCount == 0 || addr >= 0x800000 {
		return 0
	}
	var mask uint8
	for a := addr; a < addr+uint32(n); a++ {
		for _, e := range b.parityErrs {
			if e == a|parityActive {
				if a&1 != 0 {
					mask |= 1 // low byte
				} else {
					mask |= 2 // high byte
				}
			}
		}
	}
	return mask
}

// markParityWrite inserts or clears parity-error markers for a write, following
// the CSR parity-force bits (bit0 forces errors on even addresses, bit1 on odd,
// mirroring the original's per-lane force mask).
func (b *Bus) markParityWrite(addr uint32, n int) {
	if b.parityCount == 0 && b.parityForce == 0 {
		return
	}
	if addr >= 0x800000 {
		return
	}
	for a := addr; a < addr+uint32(n); a++ {
		force := (a&1 == 0 && b.parityForce&1 != 0) || (a&1 == 1 && b.parityForce&2 != 0)
		if force {
			b.markParityBad(a)
		} else {
			b.clearParityBad(a)
		}
	}
}

func (b *Bus) markParityBad(a uint32) {
	for i, e := range b.parityErrs {
		if e == a|parityActive {
			return
		}
		if e&parityActive == 0 {
			b.parityErrs[i] = a | parityActive
			b.parityCount++
			return
		}
	}
}

func (b *Bus) clearParityBad(a uint32) {
	for i, e := range b.parityErrs {
		if e == a|parityActive {
			b.parityErrs[i] = 0
			b.parityCount--
		}
	}
}

// DMAReadByte/DMAWriteByte give the SCSI block mover and multibus loopback a
// byte-granular path that bypasses the region ACL but still consults the mapper
// in system mode, returning a sentinel on denial rather than raising a CPU
// exception. The CSR error latch is still updated so software polling it can
// discover the fault.
func (b *Bus) DMAReadByte(addr uint32) uint8 {
	if err := b.mapper.AccessAllowed(addr, AccessR|AccessSystem); err != nil {
		b.csr.SetAccessError(cpubus.DMA, err)
		return uint8(word.CanaryByte)
	}
	region := b.findRegion(addr)
	if region == nil {
		return uint8(word.CanaryByte)
	}
	if r, ok := region.Backing.(ByteReader); ok {
		return r.ReadByte(addr - region.Base)
	}
	return uint8(word.CanaryByte)
}

func (b *Bus) DMAWriteByte(addr uint32, v uint8) {
	if err := b.mapper.AccessAllowed(addr, AccessW|AccessSystem); err != nil {
		b.csr.SetAccessError(cpubus.DMA, err)
		return
	}
	region := b.findRegion(addr)
	if region == nil {
		return
	}
	if w, ok := region.Backing.(ByteWriter); ok {
		w.WriteByte(addr-region.Base, v)
	}
}
