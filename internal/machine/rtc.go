package machine

import "p20/internal/log"

// MC146818 register-B mode bits consulted by RTC.
const (
	rtcRegBDM   = 0x04 // data mode: 1 = binary, 0 = BCD
	rtcRegCUF   = 0x10 // update-ended flag
)

// RTC is a minimal MC146818-compatible clock: seconds through year, plus
// control registers A/B/C/D. Time fields are written and kept as binary and
// converted to BCD on read when register B's data-mode bit selects BCD.
type RTC struct {
	time [10]uint8 // sec, sec-alarm, min, min-alarm, hour, hour-alarm, dow, dom, month, year
	regA uint8
	regB uint8
	regC uint8
	regD uint8

	accumUS int

	log *log.Logger
}

// NewRTC creates a clock starting at the zero time (00:00:00, day 1, Jan,
// year 0) in BCD mode, the chip's power-on default.
func NewRTC(logger *log.Logger) *RTC {
	r := &RTC{log: logger}
	r.time[7] = 1 // day of month
	r.time[8] = 1 // month
	r.time[6] = 1 // day of week
	return r
}

// SetTime seeds the clock with a concrete civil time, for tests and for
// restoring persisted RTC-RAM state alongside a known boot time.
func (r *RTC) SetTime(sec, min, hour, dow, dom, month, year uint8) {
	r.time = [10]uint8{sec, 0, min, 0, hour, 0, dow, dom, month, year}
}

func (r *RTC) bcdMode() bool { return r.regB&rtcRegBDM == 0 }

func bcdToBin(v uint8) uint8 { return (v>>4)*10 + v&0x0F }
func binToBCD(v uint8) uint8 { return ((v / 10) << 4) | (v % 10) }

func isLeapYear(y int) bool {
	year := 2000 + y
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func daysInMonth(month, year int) int {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if isLeapYear(year) {
			return 29
		}
		return 28
	default:
		return 30
	}
}

// Tick advances the clock by us microseconds, rolling seconds into minutes,
// hours, days, months and years as whole seconds elapse. Each completed
// second sets the update-ended flag in register C, cleared the next time
// register C is read.
func (r *RTC) Tick(us int) {
	r.accumUS += us
	for r.accumUS >= 1_000_000 {
		r.accumUS -= 1_000_000
		r.advanceSecond()
		r.regC |= rtcRegCUF
	}
}

func (r *RTC) advanceSecond() {
	r.time[0]++
	if r.time[0] < 60 {
		return
	}
	r.time[0] = 0

	r.time[2]++
	if r.time[2] < 60 {
		return
	}
	r.time[2] = 0

	r.time[4]++
	if r.time[4] < 24 {
		return
	}
	r.time[4] = 0

	r.time[6] = r.time[6]%7 + 1

	r.time[7]++
	if int(r.time[7]) <= daysInMonth(int(r.time[8]), int(r.time[9])) {
		return
	}
	r.time[7] = 1

	r.time[8]++
	if r.time[8] <= 12 {
		return
	}
	r.time[8] = 1
	r.time[9]++
}

func (r *RTC) readTimeField(idx int) uint8 {
	v := r.time[idx]
	if r.bcdMode() {
		return binToBCD(v)
	}
	return v
}

func (r *RTC) writeTimeField(idx int, val uint8) {
	r.time[idx] = val
}

// ReadReg implements the chip's 14-register window.
func (r *RTC) ReadReg(off uint8) uint8 {
	switch {
	case off <= 9:
		return r.readTimeField(int(off))
	case off == 0x0A:
		return r.regA
	case off == 0x0B:
		return r.regB
	case off == 0x0C:
		v := r.regC
		r.regC = 0
		return v
	case off == 0x0D:
		return r.regD
	default:
		return 0
	}
}

// WriteReg implements the chip's 14-register window. Register C is read-only.
func (r *RTC) WriteReg(off uint8, val uint8) {
	switch {
	case off <= 9:
		r.writeTimeField(int(off), val)
	case off == 0x0A:
		r.regA = val
	case off == 0x0B:
		r.regB = val
	case off == 0x0D:
		r.regD = val
	default:
		r.log.Debug("rtc write to read-only or unknown register", "off", off)
	}
}

// ReadByte/WriteByte back the 28-byte clock-register region: registers sit at
// odd byte addresses on the 16-bit bus, so the byte offset divided by two
// gives the register index.
func (r *RTC) ReadByte(off uint32) uint8  { return r.ReadReg(uint8(off / 2)) }
func (r *RTC) WriteByte(off uint32, v uint8) { r.WriteReg(uint8(off/2), v) }

// RTCRAM is the 100-byte battery-backed RAM sitting just past the clock
// registers. Every write is mirrored out through onWrite, letting
// internal/rtcfile persist it to disk.
type RTCRAM struct {
	data    [100]byte
	onWrite func(data []byte)
}

// NewRTCRAM creates RTC-RAM, optionally seeded from persisted bytes.
func NewRTCRAM(seed []byte, onWrite func([]byte)) *RTCRAM {
	ram := &RTCRAM{onWrite: onWrite}
	copy(ram.data[:], seed)
	return ram
}

func (r *RTCRAM) ReadByte(off uint32) uint8 {
	if int(off) >= len(r.data) {
		return 0
	}
	return r.data[off]
}

func (r *RTCRAM) WriteByte(off uint32, v uint8) {
	if int(off) >= len(r.data) {
		return
	}
	r.data[off] = v
	if r.onWrite != nil {
		r.onWrite(r.data[:])
	}
}
