package tcpserver

import (
	"errors"
	"fmt"
	"io"

	"github.com/cyberinferno/go-asynctcp/logger"
)

// Send queues data for delivery to session. It returns as soon as the
// payload is queued; CompletedSend reports the finished write and NetError
// reports a failed one, including a session that closed first.
//
// Parameters:
//   - session: The destination session
//   - data: Bytes to send; copied before Send returns
//
// Returns:
//   - ErrNotRunning if the server is stopped
//   - ErrInvalidArgument if session is nil or data is empty
func (s *Server) Send(session *Session, data []byte) error {
	if !s.running.Load() {
		return fmt.Errorf("send: %w", ErrNotRunning)
	}

	if session == nil || len(data) == 0 {
		return fmt.Errorf("send: %w", ErrInvalidArgument)
	}

	s.send(session, clone(data))
	return nil
}

// SendString queues the bytes of text for delivery to session.
func (s *Server) SendString(session *Session, text string) error {
	return s.Send(session, []byte(text))
}

// Broadcast queues data for every session registered at the time of the
// call. Each delivery is independent: a session that closes part-way through
// only produces its own NetError.
//
// Parameters:
//   - data: Bytes to send to every session; copied before Broadcast returns
//
// Returns:
//   - ErrNotRunning if the server is stopped
//   - ErrInvalidArgument if data is empty
func (s *Server) Broadcast(data []byte) error {
	if !s.running.Load() {
		return fmt.Errorf("broadcast: %w", ErrNotRunning)
	}

	if len(data) == 0 {
		return fmt.Errorf("broadcast: %w", ErrInvalidArgument)
	}

	payload := clone(data)
	for _, sess := range s.sessions.SnapshotAll() {
		s.send(sess, payload)
	}

	return nil
}

// BroadcastString queues the bytes of text for every session.
func (s *Server) BroadcastString(text string) error {
	return s.Broadcast([]byte(text))
}

func (s *Server) send(sess *Session, payload []byte) {
	s.notifyCaller(&Event{Kind: PrepareSend, Session: sess, Data: payload})

	if err := sess.enqueue(payload); err != nil {
		s.logSession(sess).Debug("send to closed session", logger.Field{Key: "bytes", Value: len(payload)})
		s.notifyCaller(&Event{Kind: NetError, Session: sess, Data: payload, Message: "send to closed session", Err: err})
	}
}

// readLoop reads into the session's buffer until the peer closes, an I/O
// error occurs or the session is closed locally. Each DataReceived carries a
// fresh copy of exactly the bytes read.
func (s *Server) readLoop(sess *Session) {
	defer s.guard(sess, "read loop")

	buf := sess.receiveBuffer()
	if buf == nil {
		return
	}

	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			s.notify(&Event{Kind: DataReceived, Session: sess, Data: clone(buf[:n])})
		}

		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			s.closeSession(sess, "peer closed connection", s.notify)
			return
		}

		if sess.State() != Active {
			return
		}

		s.logSession(sess).Warn("read failed", logger.Field{Key: "error", Value: err})
		s.notify(&Event{Kind: NetError, Session: sess, Message: "read failed", Err: err})
		s.closeSession(sess, "read failed", s.notify)
		return
	}
}

// writeLoop drains the session's write queue in FIFO order, one full payload
// at a time. Payloads still queued when the session closes are reported as
// NetError with ErrSessionClosed.
func (s *Server) writeLoop(sess *Session) {
	defer s.guard(sess, "write loop")

	for {
		select {
		case <-sess.done:
			s.failPending(sess)
			return
		case <-sess.wake:
		}

		for {
			data, ok := sess.dequeue()
			if !ok {
				break
			}

			if _, err := sess.conn.Write(data); err != nil {
				if sess.State() != Active {
					err = fmt.Errorf("%w: %w", ErrSessionClosed, err)
				} else {
					s.logSession(sess).Warn("write failed", logger.Field{Key: "error", Value: err})
				}

				s.notify(&Event{Kind: NetError, Session: sess, Data: data, Message: "write failed", Err: err})
				s.closeSession(sess, "write failed", s.notify)
				s.failPending(sess)
				return
			}

			s.notify(&Event{Kind: CompletedSend, Session: sess, Data: data})
		}
	}
}

func (s *Server) failPending(sess *Session) {
	for _, data := range sess.drainPending() {
		s.notify(&Event{Kind: NetError, Session: sess, Data: data, Message: "session closed before write", Err: ErrSessionClosed})
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
