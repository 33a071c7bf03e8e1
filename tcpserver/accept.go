package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cyberinferno/go-asynctcp/logger"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// acceptLoop accepts connections from ln until ln is closed or replaced by a
// later Start. Exactly one Accept is outstanding at a time. Accept failures
// other than a closed listener are reported as NetError and retried with
// backoff; the loop never exits on its own.
func (s *Server) acceptLoop(ln net.Listener) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.isCurrent(ln) {
				return
			}

			backoff = nextAcceptBackoff(backoff)
			s.logger.Error(fmt.Sprintf("%s server accept error", s.name),
				logger.Field{Key: "error", Value: err},
				logger.Field{Key: "retry_in", Value: backoff.String()},
			)
			s.notifyCaller(&Event{Kind: NetError, Message: "accept failed", Err: err})
			time.Sleep(backoff)
			continue
		}

		backoff = 0
		s.register(ln, conn)
	}
}

// register turns an accepted connection into a live session: it allocates the
// receive buffer, inserts the session into the registry, raises
// ClientConnected and starts the session's read and write goroutines.
func (s *Server) register(ln net.Listener, conn net.Conn) {
	sess := newSession(s.sessionID(), conn, s.bufferSizeFor(conn))
	if !s.isCurrent(ln) || !s.sessions.Add(sess) {
		_ = conn.Close()
		s.logger.Debug("connection rejected, server stopping", logger.Field{Key: "remote", Value: addrString(conn.RemoteAddr())})
		return
	}

	defer s.guard(sess, "connect handler")

	s.logSession(sess).Debug("client connected", logger.Field{Key: "buffer_size", Value: sess.BufferSize()})
	s.notify(&Event{Kind: ClientConnected, Session: sess})

	go s.readLoop(sess)
	go s.writeLoop(sess)
}

// nextAcceptBackoff doubles the previous delay, starting at minAcceptBackoff
// and capped at maxAcceptBackoff.
func nextAcceptBackoff(previous time.Duration) time.Duration {
	if previous <= 0 {
		return minAcceptBackoff
	}

	return min(previous*2, maxAcceptBackoff)
}

func (s *Server) isCurrent(ln net.Listener) bool {
	bound := s.current.Load()
	return bound != nil && bound.ln == ln
}

// sessionID returns the next session ID, skipping 0 on wrap-around.
func (s *Server) sessionID() uint32 {
	for {
		if id := s.nextID.Add(1); id != 0 {
			return id
		}
	}
}

func (s *Server) bufferSizeFor(conn net.Conn) int {
	if s.receiveBufferSize > 0 {
		return s.receiveBufferSize
	}

	size, err := receiveBufferHint(conn)
	if err != nil || size <= 0 {
		return DefaultReceiveBufferSize
	}

	return size
}
