//go:build !linux

package serial

// EnableRS485 is a no-op on platforms without the RS-485 driver ioctl.
func EnableRS485(fd uintptr) error { return nil }
