//go:build linux

package serial

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// rs485Settings mirrors the kernel's struct serial_rs485.
type rs485Settings struct {
	flags              uint32
	delayRTSBeforeSend uint32
	delayRTSAfterSend  uint32
	padding            [5]uint32
}

const (
	rs485Enabled   = uint32(1 << 0)
	rs485RTSOnSend = uint32(1 << 1)
)

// EnableRS485 switches the driver behind fd into RS-485 half-duplex mode,
// asserting RTS while transmitting. fd must refer to a tty whose driver
// supports the mode; drivers without it return ENOTTY.
func EnableRS485(fd uintptr) error {
	settings := rs485Settings{flags: rs485Enabled | rs485RTSOnSend}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, unix.TIOCSRS485, uintptr(unsafe.Pointer(&settings)))
	if errno != 0 {
		return errno
	}
	return nil
}
