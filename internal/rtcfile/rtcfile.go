// Package rtcfile persists the RTC's battery-backed RAM across runs. There is
// no ecosystem library for this: it is 100 bytes of opaque state written to a
// plain file, so this package is stdlib os.ReadFile/os.WriteFile with nothing
// else to adapt.
package rtcfile

import (
	"fmt"
	"os"
)

// Size is the number of bytes the RTC's battery-backed RAM holds: the
// RTC_RAM region is 100 bytes, matching the MC146818-style register map
// internal/machine models, not the smaller figure that shows up in older
// descriptions of the device.
const Size = 100

// Load reads the persisted RTC-RAM contents from path. A missing file is not
// an error: it returns a zeroed buffer, matching a never-before-seen battery.
func Load(path string) ([]byte, error) {
	if path == "" {
		return make([]byte, Size), nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make([]byte, Size), nil
	}
	if err != nil {
		return nil, fmt.Errorf("rtcfile: load: %w", err)
	}

	buf := make([]byte, Size)
	copy(buf, data)

	return buf, nil
}

// Saver returns a callback suitable for machine.New's onRTCRAMWrite: it
// rewrites the file on every call. RTC-RAM writes are infrequent (clock set,
// occasional scratch use), so a full rewrite per write is not a concern.
func Saver(path string) func([]byte) {
	if path == "" {
		return func([]byte) {}
	}

	return func(data []byte) {
		_ = os.WriteFile(path, data, 0o600)
	}
}
