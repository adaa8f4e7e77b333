package machine

import (
	"encoding/binary"
	"fmt"
	"os"

	"p20/internal/word"
)

// RAM is a flat byte array backing the machine's main memory and SRAM regions.
// It implements every Accessor width; out-of-range offsets return a canary
// rather than panicking, matching the original's bounds-checked memcpy paths.
type RAM struct {
	data []byte
}

// NewRAM allocates size bytes, zeroed.
func NewRAM(size uint32) *RAM { return &RAM{data: make([]byte, size)} }

func (r *RAM) ReadByte(off uint32) uint8 {
	if int(off) >= len(r.data) {
		return word.CanaryByte
	}
	return r.data[off]
}

func (r *RAM) WriteByte(off uint32, v uint8) {
	if int(off) >= len(r.data) {
		return
	}
	r.data[off] = v
}

func (r *RAM) ReadWord(off uint32) uint16 {
	if int(off)+2 > len(r.data) {
		return word.CanaryWord
	}
	return binary.BigEndian.Uint16(r.data[off:])
}

func (r *RAM) WriteWord(off uint32, v uint16) {
	if int(off)+2 > len(r.data) {
		return
	}
	binary.BigEndian.PutUint16(r.data[off:], v)
}

func (r *RAM) ReadLong(off uint32) uint32 {
	if int(off)+4 > len(r.data) {
		return word.CanaryLong
	}
	return binary.BigEndian.Uint32(r.data[off:])
}

func (r *RAM) WriteLong(off uint32, v uint32) {
	if int(off)+4 > len(r.data) {
		return
	}
	binary.BigEndian.PutUint32(r.data[off:], v)
}

// ROM is a read-only byte array; writes are silently dropped, as on the real
// hardware's socketed EPROMs.
type ROM struct {
	data []byte
}

// NewROM loads a ROM image from path, zero-filled at the end up to size bytes if
// the file is smaller (real boot EPROMs are often smaller than their address window).
func NewROM(path string, size uint32) (*ROM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rom: load %s: %w", path, err)
	}
	if uint32(len(data)) > size {
		return nil, fmt.Errorf("rom: %s is %d bytes, larger than its %d-byte window", path, len(data), size)
	}
	padded := make([]byte, size)
	copy(padded, data)
	return &ROM{data: padded}, nil
}

func (r *ROM) ReadByte(off uint32) uint8 {
	if int(off) >= len(r.data) {
		return word.CanaryByte
	}
	return r.data[off]
}

func (r *ROM) ReadWord(off uint32) uint16 {
	if int(off)+2 > len(r.data) {
		return word.CanaryWord
	}
	return binary.BigEndian.Uint16(r.data[off:])
}

func (r *ROM) ReadLong(off uint32) uint32 {
	if int(off)+4 > len(r.data) {
		return word.CanaryLong
	}
	return binary.BigEndian.Uint32(r.data[off:])
}

func (r *ROM) WriteByte(off uint32, v uint8)   {}
func (r *ROM) WriteWord(off uint32, v uint16)  {}
func (r *ROM) WriteLong(off uint32, v uint32)  {}
