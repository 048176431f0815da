//go:build !linux && !freebsd

package tun

import (
	"errors"
	"fmt"
	"runtime"
)

// Kernel tunnel devices are implemented for Linux and FreeBSD. Other
// platforms can still use Mem devices.
func openPlatform(Config) (Device, error) {
	return nil, fmt.Errorf("tun: kernel tunnel devices on %s: %w", runtime.GOOS, errors.ErrUnsupported)
}
