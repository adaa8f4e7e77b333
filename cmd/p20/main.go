// Command p20 boots the Plexus P/20 core: bus fabric, mapper, CSR, SCSI
// controller and hard-disk target, and the cooperative two-CPU scheduler.
// The 68010 interpreters are an external collaborator; this binary drives the
// core with a placeholder idleCore so the rest of the machine can be
// exercised standalone.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"p20/internal/config"
	"p20/internal/console"
	"p20/internal/cpubus"
	"p20/internal/log"
	"p20/internal/machine"
	"p20/internal/rtcfile"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logs := log.NewRegistry(os.Stderr)
	for mod, level := range cfg.LogLevels {
		if mod == "*" {
			mod = ""
		}
		if err := logs.SetLevel(mod, level); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	}

	logger := logs.Logger(log.ModuleEmu)

	rtcRAM, err := rtcfile.Load(cfg.RTCRAMPath)
	if err != nil {
		logger.Error(err.Error())
		return 1
	}

	dma := &idleCore{cpu: cpubus.DMA}
	job := &idleCore{cpu: cpubus.JOB}

	m, err := machine.New(cfg, dma, job, logs, rtcRAM, rtcfile.Saver(cfg.RTCRAMPath))
	if err != nil {
		logger.Error(err.Error())
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ttyConsole, err := console.NewConsole(os.Stdin, os.Stdout, m.UARTs[0].Channel(1), logs.Logger(log.ModuleUART))
	switch {
	case err == nil:
		m.UARTs[0].Channel(1).SetTX(func(b uint8) { _, _ = ttyConsole.Write([]byte{b}) })

		defer ttyConsole.Restore()

		go ttyConsole.Run(ctx, stop)
	case err == console.ErrNoTTY:
		logger.Info("stdin is not a terminal, running without an interactive console")
	default:
		logger.Error(err.Error())
		return 1
	}

	logger.Info("starting machine", "mem", cfg.MemSizeMiB, "realtime", cfg.Realtime)

	if err := m.Scheduler.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error(err.Error())
		return 1
	}

	return 0
}
