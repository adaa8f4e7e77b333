// Package console adapts the Plexus console serial line (channel B of UART A)
// to the host terminal, using raw-mode I/O the way a real serial console would
// see bytes: unbuffered, one at a time, with interrupt characters delivered as
// literal bytes rather than signals.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"p20/internal/log"
)

// Channel is the narrow surface the console needs from the machine's UART
// channel: push a received byte in. Transmitted bytes reach the terminal
// through Console.Write instead.
type Channel interface {
	PushRX(b uint8)
}

// ErrNoTTY is returned when standard input is not a terminal, in which case
// the console cannot put it into raw mode.
var ErrNoTTY = errors.New("console: not a tty")

// Console bridges host stdin/stdout to the emulated UART channel. SIGINT,
// SIGQUIT and SIGTSTP arrive as the literal bytes 0x03, 0x1C and 0x1A rather
// than signals; three consecutive SIGINTs still exit the process, since a raw
// terminal otherwise has no way to interrupt a hung emulation.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	ch       Channel
	sigints  int
	log      *log.Logger
}

// NewConsole puts sin into raw mode and returns a Console wired to it.
// Callers must call Restore to return the terminal to its original state.
func NewConsole(sin, sout *os.File, ch Channel, logger *log.Logger) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		state: saved,
		ch:    ch,
		log:   logger,
	}

	if err := c.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return c, nil
}

// Restore returns the terminal to its state before NewConsole was called.
func (c *Console) Restore() {
	_ = os.Stdin.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = os.Stdin.SetReadDeadline(time.Time{})

	return nil
}

// Run reads host input until ctx is cancelled, delivering each byte to the
// UART channel's receive buffer. A run of three SIGINT bytes (0x03) in a row
// cancels ctx via cancel, giving a hung emulation an escape hatch.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	buf := bufio.NewReader(c.in)
	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			c.log.Warn("console read error", "err", err)
			cancel()
			return
		}

		if b == 0x03 {
			c.sigints++
			if c.sigints >= 3 {
				c.log.Warn("three consecutive interrupts, exiting")
				cancel()
				return
			}
		} else {
			c.sigints = 0
		}

		c.ch.PushRX(b)
	}
}

// Write sends transmitted bytes from the UART to the terminal.
func (c *Console) Write(p []byte) (int, error) { return c.out.Write(p) }
