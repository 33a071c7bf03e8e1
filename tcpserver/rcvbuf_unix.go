//go:build unix

package tcpserver

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// receiveBufferHint reports the kernel receive-buffer size (SO_RCVBUF) of conn.
func receiveBufferHint(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, errors.New("connection does not expose a socket")
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		size   int
		optErr error
	)
	if err := raw.Control(func(fd uintptr) {
		size, optErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	}); err != nil {
		return 0, err
	}

	return size, optErr
}
