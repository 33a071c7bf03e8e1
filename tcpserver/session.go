package tcpserver

import (
	"net"
	"sync"
	"sync/atomic"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	Active  SessionState = iota // Reading and writing
	Closing                     // Transport is being torn down
	Closed                      // Transport closed, buffer released, removed from the registry
)

// String returns a human-readable name for the session state.
func (s SessionState) String() string {
	switch s {
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Session is the server-side handle for one accepted connection. Sessions are
// created and owned by the server; callers receive them through events or
// Server.Session and pass them back to Send and Close.
type Session struct {
	id         uint32
	conn       net.Conn
	bufferSize int

	state atomic.Int32

	mu      sync.Mutex
	buffer  []byte
	pending [][]byte
	wake    chan struct{}
	done    chan struct{}
}

func newSession(id uint32, conn net.Conn, bufferSize int) *Session {
	return &Session{
		id:         id,
		conn:       conn,
		bufferSize: bufferSize,
		buffer:     make([]byte, bufferSize),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// ID returns the identifier assigned by the server. IDs start at 1.
func (s *Session) ID() uint32 {
	return s.id
}

// RemoteAddr returns the peer address of the connection.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// BufferSize returns the size of the receive buffer allocated at accept time.
func (s *Session) BufferSize() int {
	return s.bufferSize
}

// receiveBuffer returns the receive buffer, or nil once the session is closed.
func (s *Session) receiveBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// enqueue appends data to the write queue and wakes the write goroutine.
func (s *Session) enqueue(data []byte) error {
	s.mu.Lock()
	if s.State() != Active {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.pending = append(s.pending, data)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return nil
}

// dequeue pops the oldest queued payload.
func (s *Session) dequeue() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, false
	}

	data := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return data, true
}

// drainPending removes and returns every queued payload.
func (s *Session) drainPending() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.pending
	s.pending = nil
	return pending
}

// close tears the session down exactly once. It reports whether this call
// performed the transition and any error from closing the connection.
func (s *Session) close() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Active {
		return false, nil
	}

	s.state.Store(int32(Closing))
	err := s.conn.Close()
	s.buffer = nil
	s.state.Store(int32(Closed))
	close(s.done)

	return true, err
}
