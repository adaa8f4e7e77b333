// Package machine implements the core of the Plexus P/20 emulator: the bus
// fabric, mapper, CSR, SCSI controller and hard-disk target, the multibus
// stub, the interrupt vector tables and the cooperative two-CPU scheduler.
// The 68010 interpreters that drive it are external collaborators reached
// through the narrow interfaces in p20/internal/cpubus.
package machine

import (
	"fmt"

	"p20/internal/config"
	"p20/internal/cpubus"
	"p20/internal/log"
)

// Machine owns every device and the scheduler that drives them. It is
// assembled once at start-up: all device objects are created once and owned
// for the life of the emulation.
type Machine struct {
	Bus        *Bus
	Mapper     *Mapper
	CSR        *CSR
	SCSI       *SCSI
	HD         *HDTarget
	Mbus       *Mbus
	Interrupts *Interrupts
	RTC        *RTC
	RTCRAM     *RTCRAM
	UARTs      [4]*UART
	Scheduler  *Scheduler

	ramRegion    *Region
	mapramRegion *Region

	log *log.Logger
}

// New assembles a Machine from a Config and the two external CPU cores. logs
// is the per-module logger registry configured by the -l flag; rtcRAMSeed is
// the previously persisted RTC-RAM contents, if any, and onRTCRAMWrite is
// called with the full 100 bytes after every write so the caller can persist
// it.
func New(cfg *config.Config, dma, job cpubus.Core, logs *log.Registry, rtcRAMSeed []byte, onRTCRAMWrite func([]byte)) (*Machine, error) {
	m := &Machine{log: logs.Logger(log.ModuleEmu)}

	ramSize := cfg.MemSize()

	m.Interrupts = NewInterrupts()
	m.Mapper = NewMapper(ramSize, !cfg.StrictMapper, logs.Logger(log.ModuleMapper))

	ram := NewRAM(ramSize)
	m.ramRegion = &Region{Name: "RAM", Base: 0, Size: ramSize, UserOK: true, Backing: ram}
	m.mapramRegion = &Region{Name: "MAPRAM", Base: 0, Size: 0, UserOK: true, Backing: ram}

	romU17, err := loadROM(cfg.ROMU17, 0x8000)
	if err != nil {
		return nil, err
	}
	romU15, err := loadROM(cfg.ROMU15, 0x8000)
	if err != nil {
		return nil, err
	}

	m.Mbus = NewMbus(func(addr uint32, isRead bool) { m.CSR.RaiseMultibusError(addr, isRead) }, logs.Logger(log.ModuleMbus))

	m.HD, err = NewHDTarget(cfg.HDImage, cfg.COWDir, logs.Logger(log.ModuleRAMROM))
	if err != nil {
		return nil, err
	}

	m.SCSI = NewSCSI(m, m.Interrupts, logs.Logger(log.ModuleSCSI))
	m.SCSI.AddTarget(0, m.HD)

	m.RTC = NewRTC(logs.Logger(log.ModuleRTC))
	m.RTCRAM = NewRTCRAM(rtcRAMSeed, onRTCRAMWrite)

	// Wiring of each UART's interrupt to a CPU/level pair is board-level detail
	// the source material doesn't specify beyond the console's own behavior;
	// all four are routed to the JOB CPU at level 4, the level System V's
	// console driver expects, since nothing in scope distinguishes them.
	for i, name := range []string{"A", "B", "C", "D"} {
		m.UARTs[i] = NewUART("uart"+name, cpubus.JOB, 4, m.Interrupts, logs.Logger(log.ModuleUART))
	}

	m.CSR = NewCSR(m.SCSI, m.Mapper, m.Interrupts,
		func(dma, job bool) { m.Bus.SetForceA23(dma, job) },
		func(enabled bool) { m.Bus.SetMapperEnabled(enabled) },
		func(mask uint8) { m.Bus.SetParityForce(mask) },
		func(enabled bool) { m.Mbus.SetDiagLoopback(enabled) },
		logs.Logger(log.ModuleCSR))

	regions := []*Region{
		m.ramRegion,
		m.mapramRegion,
		{Name: "U17", Base: 0x800000, Size: 0x8000, UserOK: false, Backing: romU17},
		{Name: "U15", Base: 0x808000, Size: 0x8000, UserOK: false, Backing: romU15},
		{Name: "MAPPER", Base: 0x900000, Size: 0x4000, UserOK: false, Backing: m.Mapper},
		{Name: "UART_A", Base: 0xA00000, Size: 0x40, UserOK: false, Backing: m.UARTs[0]},
		{Name: "UART_B", Base: 0xA10000, Size: 0x40, UserOK: false, Backing: m.UARTs[1]},
		{Name: "UART_C", Base: 0xA20000, Size: 0x40, UserOK: false, Backing: m.UARTs[2]},
		{Name: "UART_D", Base: 0xA30000, Size: 0x40, UserOK: false, Backing: m.UARTs[3]},
		{Name: "SCSIBUF", Base: 0xA70000, Size: 4, UserOK: false, Backing: m.SCSI},
		{Name: "MBUSIO", Base: 0xB00000, Size: 0x80000, UserOK: false, Backing: m.Mbus},
		{Name: "MBUSMEM", Base: 0xB80000, Size: 0x80000, UserOK: false, Backing: m.Mbus},
		{Name: "SRAM", Base: 0xC00000, Size: 0x4000, UserOK: false, Backing: NewRAM(0x4000)},
		{Name: "RTC", Base: 0xD00000, Size: 0x1C, UserOK: false, Backing: m.RTC},
		{Name: "RTC_RAM", Base: 0xD0001C, Size: 0x64, UserOK: false, Backing: m.RTCRAM},
		{Name: "CSR", Base: 0xE00000, Size: 0x20, UserOK: false, Backing: csrPrimaryRegion{m.CSR}},
		{Name: "MMIO_WR", Base: 0xE00020, Size: 0x1E0, UserOK: false, Backing: csrAliasRegion{m.CSR}},
		// VECTORS isn't specified in detail beyond its address window; modeled
		// as plain RAM since nothing in scope reads it directly (the reset
		// vector fetch goes through force-A23 aliasing to ROM instead).
		{Name: "VECTORS", Base: 0xF00000, Size: 0x10, UserOK: false, Backing: NewRAM(0x10)},
	}

	m.Bus = NewBus(regions, m.ramRegion, m.mapramRegion, m.Mapper, m.CSR, m.Interrupts, ramSize, logs.Logger(log.ModuleEmu))

	uarts := make([]*UART, len(m.UARTs))
	for i := range m.UARTs {
		uarts[i] = m.UARTs[i]
	}

	m.Scheduler = NewScheduler(dma, job, m.Bus, m.CSR, m.Interrupts, m.SCSI, m.RTC, uarts, cfg.Realtime, logs.Logger(log.ModuleEmu))

	return m, nil
}

// DMAReadByte and DMAWriteByte satisfy the SCSI controller's dmaMemory
// interface by forwarding to the bus fabric, which is constructed after the
// SCSI controller but wired in before any access can actually happen.
func (m *Machine) DMAReadByte(addr uint32) uint8    { return m.Bus.DMAReadByte(addr) }
func (m *Machine) DMAWriteByte(addr uint32, v uint8) { m.Bus.DMAWriteByte(addr, v) }

func loadROM(path string, size uint32) (*ROM, error) {
	if path == "" {
		return &ROM{data: make([]byte, size)}, nil
	}
	rom, err := NewROM(path, size)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	return rom, nil
}
