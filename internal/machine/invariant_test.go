package machine

import (
	"bytes"
	"os"
	"testing"

	"p20/internal/cpubus"
)

// write_memory_16 ∘ read_memory_16 is the identity at any RAM address the
// page permits read/write for.
func TestInvariantRAMWordRoundTrip(t *testing.T) {
	rig := newTestRig(t, 0x10000)

	for _, addr := range []uint32{0, 2, 0x1000, 0xFFFE} {
		want := uint32(0xBEEF)
		if err := rig.bus.Write(cpubus.JOB, cpubus.Word, addr, want, cpubus.FCSystemData); err != nil {
			t.Fatalf("write %#x: %v", addr, err)
		}
		got, err := rig.bus.Read(cpubus.JOB, cpubus.Word, addr, cpubus.FCSystemData)
		if err != nil {
			t.Fatalf("read %#x: %v", addr, err)
		}
		if got != want {
			t.Fatalf("addr %#x: got %#x, want %#x", addr, got, want)
		}
	}
}

// A mapper-table read-back of a value just written yields that value, per
// 32-bit lane.
func TestInvariantMapperTableRoundTrip(t *testing.T) {
	m := NewMapper(0x100000, false, testLogger())
	m.SetCurrentCPU(cpubus.JOB)

	for _, v := range []uint32{0x00010002, 0xDEAD0BEE, 0} {
		m.WriteLong(40, v)
		if got := m.ReadLong(40); got != v {
			t.Fatalf("got %#x, want %#x", got, v)
		}
	}
}

// RTC writes to a BCD-enabled register read back converted binary->BCD;
// disabling BCD mode returns the stored binary value unchanged.
func TestInvariantRTCBCDRoundTrip(t *testing.T) {
	rtc := NewRTC(testLogger())

	// BCD mode is the chip's power-on default (regB bit2 clear).
	rtc.WriteReg(0, 42) // seconds field, binary input
	if got := rtc.ReadReg(0); got != 0x42 {
		t.Fatalf("bcd readback = %#x, want 0x42", got)
	}

	rtc.WriteReg(0x0B, rtcRegBDM) // switch to binary mode
	rtc.WriteReg(0, 42)
	if got := rtc.ReadReg(0); got != 42 {
		t.Fatalf("binary readback = %d, want 42", got)
	}
}

// A COW-backed write/read round-trips byte for byte and never touches the
// base image.
func TestInvariantCOWRoundTrip(t *testing.T) {
	dir := t.TempDir()
	img, err := os.CreateTemp(dir, "base-*.img")
	if err != nil {
		t.Fatal(err)
	}
	base := bytes.Repeat([]byte{0xFF}, 512)
	if _, err := img.Write(base); err != nil {
		t.Fatal(err)
	}
	img.Close()

	cowDir := dir + "/cow"
	hd, err := NewHDTarget(img.Name(), cowDir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	want := bytes.Repeat([]byte{0xAB}, 512)
	if err := hd.writeSector(0, want); err != nil {
		t.Fatal(err)
	}

	got, err := hd.readSector(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("cow round-trip didn't return the written bytes")
	}

	// Re-open as if the process restarted; the overlay must still apply.
	hd2, err := NewHDTarget(img.Name(), cowDir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	got2, err := hd2.readSector(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got2, want) {
		t.Fatal("cow overlay didn't survive reopening the target")
	}

	baseCheck := make([]byte, 512)
	f, err := os.Open(img.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Read(baseCheck); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(baseCheck, base) {
		t.Fatal("base image was modified by a cow write")
	}
}
