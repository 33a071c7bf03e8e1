//go:build !unix

package tcpserver

import (
	"errors"
	"net"
)

// receiveBufferHint is not supported on this platform; callers fall back to
// DefaultReceiveBufferSize.
func receiveBufferHint(net.Conn) (int, error) {
	return 0, errors.New("receive buffer hint not supported on this platform")
}
