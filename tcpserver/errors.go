package tcpserver

import "errors"

var (
	// ErrNotRunning is returned by Send and Broadcast when the server is stopped.
	ErrNotRunning = errors.New("server not running")

	// ErrInvalidArgument is returned when a nil session or an empty payload is passed.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSessionClosed is carried by NetError events for writes aimed at a
	// session that closed before the payload reached the socket.
	ErrSessionClosed = errors.New("session closed")

	// ErrHandlerPanic wraps a panic recovered from an event handler.
	ErrHandlerPanic = errors.New("handler panicked")
)
