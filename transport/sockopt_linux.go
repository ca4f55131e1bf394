//go:build linux

package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func (o socketOptions) apply(fd uintptr) error {
	sock := int(fd)

	if o.userTimeout > 0 {
		ms := int(o.userTimeout.Milliseconds())
		if err := unix.SetsockoptInt(sock, unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms); err != nil {
			return fmt.Errorf("transport: set TCP_USER_TIMEOUT: %w", err)
		}
	}
	if o.readBuffer > 0 {
		if err := unix.SetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_RCVBUF, o.readBuffer); err != nil {
			return fmt.Errorf("transport: set SO_RCVBUF: %w", err)
		}
	}
	if o.writeBuffer > 0 {
		if err := unix.SetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_SNDBUF, o.writeBuffer); err != nil {
			return fmt.Errorf("transport: set SO_SNDBUF: %w", err)
		}
	}
	return nil
}
