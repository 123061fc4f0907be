//go:build unix

package server

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const socketBufferSize = 4 * 1024 * 1024

func setSocketOptions(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		// voice bursts overflow the default receive buffer
		sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
		if sysErr != nil {
			return
		}
		sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
	})
	if err != nil {
		return err
	}
	return sysErr
}
