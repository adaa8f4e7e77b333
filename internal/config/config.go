// Package config parses the emulator's command-line flags into the plain
// configuration record the rest of the machine package is built from.
package config

import (
	"flag"
	"fmt"
	"strings"

	"p20/internal/log"
)

// Config is the emulator's configuration record: ROM images, HD image, RTC-RAM
// path, optional COW directory, memory size, and a handful of boot-time
// compatibility and tracing knobs.
type Config struct {
	ROMU17     string
	ROMU15     string
	HDImage    string
	RTCRAMPath string
	COWDir     string

	MemSizeMiB int
	Realtime   bool
	// StrictMapper disables the mapper's boot-A23 "yolo" compatibility quirk.
	StrictMapper bool
	SyscallTrace bool

	// LogLevels holds per-module overrides from repeated -l module=level
	// flags; a bare -l level sets every module via the "*" key.
	LogLevels map[string]log.Level
}

var validMemSizes = map[int]bool{1: true, 2: true, 4: true, 8: true}

// Parse parses args (excluding the program name) into a Config.
func Parse(args []string) (*Config, error) {
	cfg := &Config{MemSizeMiB: 8, LogLevels: make(map[string]log.Level)}

	fs := flag.NewFlagSet("p20", flag.ContinueOnError)
	fs.StringVar(&cfg.ROMU17, "u17", "", "path to the U17 ROM image")
	fs.StringVar(&cfg.ROMU15, "u15", "", "path to the U15 ROM image")
	fs.StringVar(&cfg.HDImage, "hd", "", "path to the hard-disk image")
	fs.StringVar(&cfg.RTCRAMPath, "rtcram", "", "path to the persisted RTC-RAM file")
	fs.StringVar(&cfg.COWDir, "c", "", "copy-on-write overlay directory")
	fs.BoolVar(&cfg.Realtime, "r", false, "pace emulation to wall-clock")
	fs.IntVar(&cfg.MemSizeMiB, "m", 8, "memory size in MiB (1, 2, 4, or 8)")
	fs.BoolVar(&cfg.StrictMapper, "y", false, "disable the boot-A23 RAM compatibility quirk")
	fs.BoolVar(&cfg.SyscallTrace, "t", false, "enable trap-based syscall trace")

	fs.Func("l", "per-module log level: `module=level` or a bare `level` for all modules", func(s string) error {
		mod, lvl, ok := strings.Cut(s, "=")
		if !ok {
			mod, lvl = "*", s
		}
		level, err := log.ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("-l %s: %w", s, err)
		}
		cfg.LogLevels[mod] = level
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if !validMemSizes[cfg.MemSizeMiB] {
		return nil, fmt.Errorf("config: -m must be one of 1, 2, 4, 8 MiB, got %d", cfg.MemSizeMiB)
	}

	return cfg, nil
}

// MemSize returns the configured memory size in bytes.
func (c *Config) MemSize() uint32 { return uint32(c.MemSizeMiB) << 20 }
