// Package log provides logging output for the emulator, with an independent level per subsystem so
// that "-l scsi=debug" doesn't drown the console in mapper chatter.
package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	// DefaultLogger returns the default, global logger. Components call this once at startup and
	// cache the result; the default does not change at runtime.
	DefaultLogger = func() *Logger { return NewFormattedLogger(os.Stderr) }

	// SetDefault overrides the default logger.
	SetDefault = slog.SetDefault
)

// NewFormattedLogger returns a logger that uses Handler to format and write logs to out.
func NewFormattedLogger(out io.Writer) *Logger {
	return slog.New(NewHandler(out))
}

// Handler implements slog.Handler to produce formatted log output.
type Handler struct {
	mut *sync.Mutex
	out io.Writer

	opts  *slog.HandlerOptions
	group string
	attrs []Attr
}

// Options for log handlers. AddSource is useful when chasing down which subsystem logged what; it
// costs a runtime.CallersFrames lookup per record.
var Options = &slog.HandlerOptions{
	AddSource:   true,
	ReplaceAttr: func(_ []string, attr Attr) Attr { return attr },
}

// NewHandler creates and initializes a Handler with a writer.
func NewHandler(out io.Writer) *Handler {
	return &Handler{
		out:  out,
		mut:  new(sync.Mutex),
		opts: Options,
	}
}

// Enabled reports whether the level is at or above the handler's configured level (Info when none
// is configured).
func (h *Handler) Enabled(_ context.Context, level Level) bool {
	min := Info
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

// Handle formats and writes a log record to the handler's writer.
func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	buf := make([]byte, 0, 1024)
	out := bytes.NewBuffer(buf)

	if !rec.Time.IsZero() {
		fmt.Fprintf(out, "%10s : %s\n", "TIMESTAMP", rec.Time.Format(time.RFC3339Nano))
	}

	fmt.Fprintf(out, "%10s : %s\n", "LEVEL", rec.Level.String())

	if h.opts.AddSource && rec.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{rec.PC})
		f, _ := frames.Next()
		_, file := path.Split(f.File)
		fmt.Fprintf(out, "%10s : %s:%d\n", "SOURCE", file, f.Line)
	}

	fmt.Fprintf(out, "%10s : %s\n", "MESSAGE", rec.Message)

	for _, a := range h.attrs {
		if err := h.appendAttr(out, a, false); err != nil {
			return err
		}
	}

	var appendErr error
	rec.Attrs(func(attr Attr) bool {
		if err := h.appendAttr(out, attr, false); err != nil {
			appendErr = err
			return false
		}
		return true
	})

	if appendErr != nil {
		return appendErr
	}

	fmt.Fprintln(out)

	h.mut.Lock()
	defer h.mut.Unlock()

	_, err := h.out.Write(out.Bytes())

	return err
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	attrs := make([]Attr, len(h.attrs))
	copy(attrs, h.attrs)

	return &Handler{mut: h.mut, out: h.out, opts: h.opts, attrs: attrs, group: name}
}

func (h *Handler) WithAttrs(attrs []Attr) slog.Handler {
	as := make([]Attr, 0, len(h.attrs)+len(attrs))
	as = append(as, h.attrs...)
	as = append(as, attrs...)

	return &Handler{out: h.out, mut: h.mut, opts: h.opts, attrs: as}
}

func (h *Handler) appendAttr(out io.Writer, attr slog.Attr, grouped bool) error {
	var err error

	attr.Value = attr.Value.Resolve()
	attr = h.opts.ReplaceAttr([]string{h.group}, attr)

	key, value := strings.ToUpper(attr.Key), attr.Value

	switch {
	case attr.Equal(Attr{}):
		return nil
	case value.Kind() != slog.KindGroup:
		if grouped {
			fmt.Fprint(out, "  ")
		}

		_, err = fmt.Fprintf(out, "%10s : %v\n", key, value.Any())

		return err
	case key != "":
		if _, err = fmt.Fprintf(out, "%10s :\n", key); err != nil {
			return err
		}

		for _, a := range value.Group() {
			if err := h.appendAttr(out, a, true); err != nil {
				return err
			}
		}
	default:
		for _, a := range value.Group() {
			if err := h.appendAttr(out, a, grouped); err != nil {
				return err
			}
		}
	}

	return nil
}

// Loggable is implemented by components that want to swap their logger after construction.
type Loggable interface {
	WithLogger(*Logger)
}

type (
	Attr   = slog.Attr
	Level  = slog.Level
	Logger = slog.Logger
	Value  = slog.Value
)

var (
	String      = slog.String
	StringValue = slog.StringValue
	Group       = slog.Group
	GroupValue  = slog.GroupValue
	Any         = slog.Any
	AnyValue    = slog.AnyValue
)

const (
	Debug = slog.LevelDebug
	Info  = slog.LevelInfo
	Warn  = slog.LevelWarn
	Error = slog.LevelError
)

// Module names recognized by the -l flag (see internal/config).
const (
	ModuleUART   = "uart"
	ModuleCSR    = "csr"
	ModuleMbus   = "mbus"
	ModuleMapper = "mapper"
	ModuleSCSI   = "scsi"
	ModuleRAMROM = "ramrom"
	ModuleRTC    = "rtc"
	ModuleEmu    = "emu"
	ModuleStrace = "strace"
)

// Modules lists every recognized per-subsystem log module, in the order the CLI help prints them.
var Modules = []string{
	ModuleUART, ModuleCSR, ModuleMbus, ModuleMapper,
	ModuleSCSI, ModuleRAMROM, ModuleRTC, ModuleEmu, ModuleStrace,
}

// Registry holds one leveled logger per subsystem module so "-l scsi=debug" only turns up the
// volume on SCSI, not the whole machine.
type Registry struct {
	out    io.Writer
	levels map[string]*slog.LevelVar
	logs   map[string]*Logger
	mut    sync.Mutex
}

// NewRegistry creates a registry where every module starts at Info.
func NewRegistry(out io.Writer) *Registry {
	r := &Registry{
		out:    out,
		levels: make(map[string]*slog.LevelVar, len(Modules)),
		logs:   make(map[string]*Logger, len(Modules)),
	}

	for _, m := range Modules {
		lv := &slog.LevelVar{}
		lv.Set(Info)
		r.levels[m] = lv

		opts := &slog.HandlerOptions{AddSource: Options.AddSource, Level: lv, ReplaceAttr: Options.ReplaceAttr}
		h := &Handler{out: out, mut: new(sync.Mutex), opts: opts}
		r.logs[m] = slog.New(h).With("module", m)
	}

	return r
}

// Logger returns the logger for a module. Unknown modules get the default level.
func (r *Registry) Logger(module string) *Logger {
	r.mut.Lock()
	defer r.mut.Unlock()

	if l, ok := r.logs[module]; ok {
		return l
	}

	return NewFormattedLogger(r.out)
}

// SetLevel sets the level for a single module. An empty module name sets every module's level.
func (r *Registry) SetLevel(module string, level Level) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	if module == "" {
		for _, lv := range r.levels {
			lv.Set(level)
		}

		return nil
	}

	lv, ok := r.levels[module]
	if !ok {
		return fmt.Errorf("log: unknown module %q", module)
	}

	lv.Set(level)

	return nil
}

// ParseLevel parses the level names accepted by the CLI: err, warn, notice, info, debug. "notice" has
// no slog equivalent and maps to Info, matching the five-level scheme collapsing onto slog's four.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "err", "error":
		return Error, nil
	case "warn", "warning":
		return Warn, nil
	case "notice", "info":
		return Info, nil
	case "debug":
		return Debug, nil
	default:
		return 0, fmt.Errorf("log: unknown level %q", s)
	}
}
