package machine

import (
	"context"
	"time"

	"p20/internal/cpubus"
	"p20/internal/log"
)

// quantumCycles is one CPU time slice: 10 µs at the P/20's 10 MHz bus clock.
const (
	quantumCycles = 100
	quantumUS     = 10
)

// Scheduler co-executes the DMA and JOB cores, ticking peripherals once per
// DMA slice and optionally pacing emulation to wall-clock.
type Scheduler struct {
	cores    [2]cpubus.Core
	leftover [2]int
	heldPrev [2]bool

	bus   *Bus
	csr   *CSR
	ints  *Interrupts
	scsi  *SCSI
	rtc   *RTC
	uarts []*UART

	realtime bool
	accumUS  int
	lastPace time.Time

	log *log.Logger
}

// NewScheduler assembles the run loop over a fully-wired machine.
func NewScheduler(dma, job cpubus.Core, bus *Bus, csr *CSR, ints *Interrupts, scsi *SCSI, rtc *RTC, uarts []*UART, realtime bool, logger *log.Logger) *Scheduler {
	return &Scheduler{
		cores:    [2]cpubus.Core{dma, job},
		heldPrev: [2]bool{true, true},
		bus:      bus,
		csr:      csr,
		ints:     ints,
		scsi:     scsi,
		rtc:      rtc,
		uarts:    uarts,
		realtime: realtime,
		log:      logger,
	}
}

// Run drives the scheduler until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.lastPace = time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.runSlice(cpubus.DMA)
		s.tickPeripherals(quantumUS)
		s.runSlice(cpubus.JOB)

		if s.realtime {
			s.pace(2 * quantumUS)
		}
	}
}

// runSlice advances one core by a single quantum, honoring held-in-reset state.
// The core always gets its whole budget; if an interrupt changed during the
// slice, the leftover cycles are dropped rather than carried over.
func (s *Scheduler) runSlice(cpu cpubus.CPU) {
	held := s.csr.CPUIsReset(cpu)
	if held {
		s.heldPrev[cpu] = true
		s.leftover[cpu] = 0
		return
	}

	s.csr.SetCurrentCPU(cpu)

	core := s.cores[cpu]
	if s.heldPrev[cpu] {
		s.log.Debug("releasing cpu from reset", "cpu", cpu)
		core.Reset()
		s.heldPrev[cpu] = false
	}

	core.SetIPL(s.ints.MaxLevel(cpu))

	budget := quantumCycles + s.leftover[cpu]
	consumed := core.Step(budget)

	if s.ints.Dirty(cpu) {
		s.leftover[cpu] = 0
	} else {
		s.leftover[cpu] = budget - consumed
	}
}

// tickPeripherals advances every device that runs on wall-clock microseconds
// rather than CPU cycles.
func (s *Scheduler) tickPeripherals(us int) {
	s.rtc.Tick(us)
	s.scsi.Tick(us)
	for _, u := range s.uarts {
		u.Tick(us)
	}
}

// pace sleeps to keep emulated time from running far ahead of wall-clock,
// checked roughly every 10ms of emulated time.
func (s *Scheduler) pace(emulatedUS int) {
	s.accumUS += emulatedUS
	if s.accumUS < 10_000 {
		return
	}

	elapsed := time.Since(s.lastPace)
	target := time.Duration(s.accumUS) * time.Microsecond
	s.accumUS = 0
	s.lastPace = time.Now()

	if diff := target - elapsed; diff >= time.Millisecond {
		time.Sleep(diff)
	}
}
