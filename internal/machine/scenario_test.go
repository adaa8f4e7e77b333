package machine

import (
	"io"
	"os"
	"testing"

	"p20/internal/cpubus"
	"p20/internal/log"
)

func testLogger() *log.Logger { return log.NewFormattedLogger(io.Discard) }

// testRig assembles the bare minimum of a machine needed to drive the bus
// fabric directly, without a scheduler or real ROM images.
type testRig struct {
	bus    *Bus
	mapper *Mapper
	csr    *CSR
	ints   *Interrupts
	ram    *Region
	mapram *Region
	rom    *ROM
}

func newTestRig(t *testing.T, ramSize uint32) *testRig {
	t.Helper()

	rig := &testRig{ints: NewInterrupts()}
	rig.mapper = NewMapper(ramSize, true, testLogger())

	ram := NewRAM(ramSize)
	rig.ram = &Region{Name: "RAM", Base: 0, Size: ramSize, UserOK: true, Backing: ram}
	rig.mapram = &Region{Name: "MAPRAM", Base: 0, Size: 0, UserOK: true, Backing: ram}

	rig.rom = &ROM{data: make([]byte, 0x8000)}
	romRegion := &Region{Name: "U17", Base: 0x800000, Size: 0x8000, UserOK: false, Backing: rig.rom}

	scsi := NewSCSI(&nullDMAMemory{}, rig.ints, testLogger())

	var bus *Bus
	rig.csr = NewCSR(scsi, rig.mapper, rig.ints,
		func(dma, job bool) { bus.SetForceA23(dma, job) },
		func(enabled bool) { bus.SetMapperEnabled(enabled) },
		func(mask uint8) { bus.SetParityForce(mask) },
		func(enabled bool) {},
		testLogger())

	regions := []*Region{rig.ram, rig.mapram, romRegion}
	bus = NewBus(regions, rig.ram, rig.mapram, rig.mapper, rig.csr, rig.ints, ramSize, testLogger())
	rig.bus = bus

	return rig
}

type nullDMAMemory struct{}

func (nullDMAMemory) DMAReadByte(addr uint32) uint8    { return 0 }
func (nullDMAMemory) DMAWriteByte(addr uint32, v uint8) {}

// Scenario 1: boot aliasing. With force_a23 set for the JOB CPU, a read of
// 0x000004 returns the word stored at 0x800004 of the U17 image. Clearing the
// JOB force bit restores RAM reads.
func TestScenarioBootAliasing(t *testing.T) {
	rig := newTestRig(t, 0x100000)
	rig.rom.data[4], rig.rom.data[5], rig.rom.data[6], rig.rom.data[7] = 0xCA, 0xFE, 0xBA, 0xBE

	rig.bus.SetForceA23(true, true)

	got, err := rig.bus.Read(cpubus.JOB, cpubus.Long, 0x000004, cpubus.FCSystemData)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != 0xCAFEBABE {
		t.Fatalf("got %#x, want 0xCAFEBABE", got)
	}

	rig.bus.SetForceA23(true, false)
	rig.ram.Backing.(*RAM).WriteLong(4, 0x11223344)

	got, err = rig.bus.Read(cpubus.JOB, cpubus.Long, 0x000004, cpubus.FCSystemData)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != 0x11223344 {
		t.Fatalf("got %#x, want RAM contents 0x11223344", got)
	}
}

// Scenario 2: mapper activation. Writing MISC with ENMAP low swaps RAM for
// MAPRAM, and a mapped read translates through the page table.
func TestScenarioMapperActivation(t *testing.T) {
	rig := newTestRig(t, 0x100000)

	// ENMAP low (bit clear), boot-A23 bits set so force_a23 stays off.
	rig.csr.writeMisc(miscBOOTDMA | miscBOOTJOB)

	if rig.ram.Size != 0 || rig.mapram.Size != 0x100000 {
		t.Fatalf("mapper activation didn't swap windows: ram=%d mapram=%d", rig.ram.Size, rig.mapram.Size)
	}

	rig.mapper.SetCurrentCPU(cpubus.JOB)
	rig.mapper.WriteWord(4, 0x0003) // desc[1].w0
	rig.mapper.WriteWord(6, 0x0042) // desc[1].w1 -> physical page 0x042

	rig.ram.Backing.(*RAM).WriteLong(0x042000, 0xDEADC0DE)

	got, err := rig.bus.Read(cpubus.JOB, cpubus.Long, 0x1000, cpubus.FCUserData)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != 0xDEADC0DE {
		t.Fatalf("got %#x, want word at physical 0x042000", got)
	}
}

// Scenario 3: user-ID mismatch. A user-mode write to a page owned by a
// different ID faults instead of completing, and the fault encodes low byte
// 0xFF / next byte the page's owner.
func TestScenarioUserIDMismatch(t *testing.T) {
	rig := newTestRig(t, 0x100000)
	rig.csr.writeMisc(miscBOOTDMA | miscBOOTJOB) // enable mapper, no force_a23

	rig.mapper.SetCurrentCPU(cpubus.JOB)
	rig.mapper.SetMapID(7)
	rig.mapper.WriteWord(4, uint16(3)<<8) // desc[1].w0: page uid = 3
	rig.mapper.WriteWord(6, 0x0042)       // writable page, physical 0x042000

	rig.ram.Backing.(*RAM).WriteLong(0x042000, 0)

	err := rig.bus.Write(cpubus.JOB, cpubus.Long, 0x1000, 0xFFFFFFFF, cpubus.FCUserData)
	if err == nil {
		t.Fatal("expected user-id fault, got nil")
	}

	uidFault, ok := err.(*UserIDFault)
	if !ok {
		t.Fatalf("expected *UserIDFault, got %T: %v", err, err)
	}
	if uidFault.Code() != 0x03FF {
		t.Fatalf("fault code = %#04x, want 0x03ff", uidFault.Code())
	}

	if got := rig.ram.Backing.(*RAM).ReadLong(0x042000); got != 0 {
		t.Fatalf("write must not complete on fault, memory = %#x", got)
	}
}

// Scenario 4: soft interrupt round-trip. A write to CSR MMIO alias offset
// 0x60 raises vector 0xC1 level 4 on the JOB CPU; acknowledging returns 0xC1
// and leaves no pending interrupts.
func TestScenarioSoftInterruptRoundTrip(t *testing.T) {
	rig := newTestRig(t, 0x10000)

	rig.csr.WriteMMIO(0x60, 0)

	if level := rig.ints.MaxLevel(cpubus.JOB); level != 4 {
		t.Fatalf("max level = %d, want 4", level)
	}

	vector := rig.ints.AcknowledgeInterrupt(cpubus.JOB, 4)
	if vector != 0xC1 {
		t.Fatalf("ack vector = %#x, want 0xc1", vector)
	}
	if n := rig.ints.Pending(cpubus.JOB); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

// Scenario 6: RTC rollover. Setting the clock to 23:59:59 28-Feb-23 and
// ticking two seconds rolls over to 00:00:01 01-Mar-23, with the update-ended
// flag set on the first tick and cleared by reading register C.
func TestScenarioRTCRollover(t *testing.T) {
	rtc := NewRTC(testLogger())
	rtc.SetTime(59, 59, 23, 3, 28, 2, 23)

	rtc.Tick(1_000_000)
	if rtc.regC&rtcRegCUF == 0 {
		t.Fatal("update-ended flag not set after first completed tick")
	}

	rtc.Tick(1_000_000)

	if sec, min, hour := rtc.time[0], rtc.time[2], rtc.time[4]; sec != 1 || min != 0 || hour != 0 {
		t.Fatalf("time = %02d:%02d:%02d, want 00:00:01", hour, min, sec)
	}
	if dom, month, year := rtc.time[7], rtc.time[8], rtc.time[9]; dom != 1 || month != 3 || year != 23 {
		t.Fatalf("date = %02d-%02d-%02d, want 01-03-23", dom, month, year)
	}

	if v := rtc.ReadReg(0x0C); v&rtcRegCUF == 0 {
		t.Fatal("register C read didn't report the update-ended flag")
	}
	if rtc.regC != 0 {
		t.Fatal("register C must clear on read")
	}
}

// Scenario 5: SCSI read. A READ(6) of LBA 0 against a pre-loaded HD image
// lands the sector's bytes at the DMA pointer and leaves the controller at
// BUS_FREE.
func TestScenarioSCSIRead(t *testing.T) {
	img, err := os.CreateTemp(t.TempDir(), "hd-*.img")
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()

	sector := make([]byte, 512)
	for i := range sector {
		sector[i] = byte(0xA0 + i)
	}
	if _, err := img.Write(sector); err != nil {
		t.Fatal(err)
	}

	hd, err := NewHDTarget(img.Name(), "", testLogger())
	if err != nil {
		t.Fatal(err)
	}

	mem := newFakeDMAMemory(0x10000)
	ints := NewInterrupts()
	scsi := NewSCSI(mem, ints, testLogger())
	scsi.AddTarget(0, hd)

	// Load the command pointer/byte-count for the 6-byte CDB.
	scsi.SetPointer(0x2000)
	scsi.SetByteCount(6)
	copy(mem.data[0x2000:], []byte{0x08, 0x00, 0x00, 0x00, 0x01, 0x00})

	scsi.WriteByte(0, 0x01) // select device 0
	scsi.WriteReg(oARB)
	scsi.WriteReg(oSELENA)
	if scsi.state != StateReselect {
		t.Fatalf("state after selection = %v, want RESELECT", scsi.state)
	}

	scsi.SetPointer(0x2000)
	scsi.SetByteCount(6)
	scsi.WriteReg(oAUTOXFR | oCDPTR)
	if scsi.state != StateCmdDin {
		t.Fatalf("state after command dispatch = %v, want CMD_DIN", scsi.state)
	}

	scsi.SetPointer(0x4000)
	scsi.SetByteCount(512)
	scsi.WriteReg(oAUTOXFR | oIOPTR)
	if scsi.state != StateCmdDinRcv {
		t.Fatalf("state after data-in = %v, want CMD_DIN_RCV", scsi.state)
	}

	for i, want := range sector {
		if got := mem.data[0x4000+i]; got != want {
			t.Fatalf("byte %d at 0x4000 = %#x, want %#x", i, got, want)
		}
	}

	scsi.WriteReg(oAUTOXFR) // -> STATUS
	if scsi.state != StateStatus {
		t.Fatalf("state = %v, want STATUS", scsi.state)
	}

	scsi.WriteReg(oAUTOXFR) // -> MSGIN
	if scsi.state != StateMsgin {
		t.Fatalf("state = %v, want MSGIN", scsi.state)
	}

	scsi.Tick(2) // lets the deferred MSGIN interrupt fire its dummy self-write
	if scsi.state != StateBusFree {
		t.Fatalf("final state = %v, want BUS_FREE", scsi.state)
	}
}

// fakeDMAMemory is a flat byte array satisfying dmaMemory for isolated SCSI
// controller tests that don't need the full bus fabric.
type fakeDMAMemory struct{ data []byte }

func newFakeDMAMemory(size int) *fakeDMAMemory { return &fakeDMAMemory{data: make([]byte, size)} }

func (m *fakeDMAMemory) DMAReadByte(addr uint32) uint8 { return m.data[addr] }
func (m *fakeDMAMemory) DMAWriteByte(addr uint32, v uint8) { m.data[addr] = v }
