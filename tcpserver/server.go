// Package tcpserver provides an event-driven TCP server. It accepts inbound
// connections, keeps one Session per connection, reads and writes raw bytes
// without blocking the caller, and reports every lifecycle change through
// subscribed handlers. Framing and encoding are left to the caller.
package tcpserver

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-asynctcp/logger"
	"go.uber.org/multierr"
)

// DefaultReceiveBufferSize is the per-session receive buffer used when the
// transport does not report a receive-buffer size.
const DefaultReceiveBufferSize = 8192

// Config holds the settings for a Server.
type Config struct {
	// Name identifies the server in log entries.
	Name string
	// IP is the address to bind; nil or unspecified binds every interface.
	IP net.IP
	// Port is the TCP port to bind; 0 picks an ephemeral port.
	Port int
	// ReceiveBufferSize overrides the per-session buffer size; 0 asks the
	// transport for its receive-buffer size at accept time.
	ReceiveBufferSize int
	// Logger receives the server's log entries; nil discards them.
	Logger logger.Logger
}

// DefaultConfig returns a Config that binds every interface on port.
//
// Parameters:
//   - port: The TCP port to listen on
//
// Returns:
//   - A Config with Name "tcp", wildcard IP and transport-sized receive buffers
func DefaultConfig(port int) Config {
	return Config{
		Name: "tcp",
		Port: port,
	}
}

// boundListener pairs the live listener with its resolved address.
type boundListener struct {
	ln   net.Listener
	addr *net.TCPAddr
}

// Server is an event-driven TCP server. Start binds and begins accepting;
// each connection becomes a Session that is read from on its own goroutine
// and written to through a per-session queue. Results are reported through
// handlers registered with Subscribe or the On* helpers. A Server may be
// started again after Stop.
type Server struct {
	name              string
	ip                net.IP
	port              int
	receiveBufferSize int
	logger            logger.Logger

	lifecycle sync.Mutex
	running   atomic.Bool
	current   atomic.Pointer[boundListener]

	sessions *Registry
	events   *Notifier
	nextID   atomic.Uint32
}

// New creates a stopped Server from cfg.
//
// Parameters:
//   - cfg: Bind address and behavior settings (e.g. from DefaultConfig)
//
// Returns:
//   - A new *Server; call Start to begin accepting
func New(cfg Config) *Server {
	name := cfg.Name
	if name == "" {
		name = "tcp"
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Server{
		name:              name,
		ip:                cfg.IP,
		port:              cfg.Port,
		receiveBufferSize: cfg.ReceiveBufferSize,
		logger:            log.With(logger.Field{Key: "server", Value: name}),
		sessions:          NewRegistry(),
		events:            NewNotifier(),
	}
}

// NewServer creates a stopped Server bound to every interface on port.
func NewServer(port int) *Server {
	return New(DefaultConfig(port))
}

// NewServerWithIP creates a stopped Server bound to ip and port.
func NewServerWithIP(ip net.IP, port int) *Server {
	cfg := DefaultConfig(port)
	cfg.IP = ip
	return New(cfg)
}

// NewServerWithEndpoint creates a stopped Server bound to endpoint. A nil
// endpoint binds every interface on an ephemeral port.
func NewServerWithEndpoint(endpoint *net.TCPAddr) *Server {
	if endpoint == nil {
		return NewServer(0)
	}

	return NewServerWithIP(endpoint.IP, endpoint.Port)
}

// Start binds the configured endpoint and starts the accept goroutine. It is
// a no-op when the server is already running.
//
// Returns:
//   - An error wrapping the listen failure if the endpoint cannot be bound
func (s *Server) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.running.Load() {
		s.logger.Debug(fmt.Sprintf("%s server already running", s.name))
		return nil
	}

	ln, err := net.Listen("tcp", s.bindAddress())
	if err != nil {
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.name, err)
	}

	bound := &boundListener{ln: ln}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		bound.addr = addr
	}

	s.current.Store(bound)
	s.sessions.Open()
	s.running.Store(true)

	s.logger.Info(fmt.Sprintf("%s server started", s.name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	go s.acceptLoop(ln)

	return nil
}

// Stop closes the listener, marks the server stopped and closes every
// session, raising ClientDisconnected for each. It is a no-op when the
// server is not running. Faults while releasing resources are reported as a
// single OtherException event. Stop does not wait for in-flight reads or
// writes; their handlers observe the closed session and exit.
func (s *Server) Stop() {
	s.lifecycle.Lock()
	if !s.running.Load() {
		s.lifecycle.Unlock()
		s.logger.Debug(fmt.Sprintf("%s server not running", s.name))
		return
	}

	var errs error
	if bound := s.current.Swap(nil); bound != nil {
		if err := bound.ln.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close listener: %w", err))
		}
	}

	s.running.Store(false)
	closed, err := s.sessions.SealAndClear()
	s.lifecycle.Unlock()

	errs = multierr.Append(errs, err)
	for _, sess := range closed {
		s.logSession(sess).Debug("client disconnected", logger.Field{Key: "reason", Value: "server stopped"})
		s.notifyCaller(&Event{Kind: ClientDisconnected, Session: sess, Message: "server stopped"})
	}

	if errs != nil {
		s.logger.Error("server shutdown fault", logger.Field{Key: "error", Value: errs})
		s.notifyCaller(&Event{Kind: OtherException, Message: "server shutdown fault", Err: errs})
	}

	s.logger.Info(fmt.Sprintf("%s server stopped", s.name), logger.Field{Key: "sessions_closed", Value: len(closed)})
}

// Close closes one session and raises ClientDisconnected for it. Closing a
// session that is already closed is a no-op.
//
// Parameters:
//   - session: The session to close
//
// Returns:
//   - ErrInvalidArgument if session is nil
func (s *Server) Close(session *Session) error {
	if session == nil {
		return fmt.Errorf("close: %w", ErrInvalidArgument)
	}

	s.closeSession(session, "closed by server", s.notifyCaller)
	return nil
}

// CloseAllClient closes every session and empties the registry, raising
// ClientDisconnected for each. The server keeps accepting new connections.
func (s *Server) CloseAllClient() {
	closed, err := s.sessions.ClearAll()
	for _, sess := range closed {
		s.logSession(sess).Debug("client disconnected", logger.Field{Key: "reason", Value: "all clients closed"})
		s.notifyCaller(&Event{Kind: ClientDisconnected, Session: sess, Message: "all clients closed"})
	}

	if err != nil {
		s.logger.Warn("closing clients", logger.Field{Key: "error", Value: err})
		s.notifyCaller(&Event{Kind: OtherException, Message: "closing clients", Err: err})
	}
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Name returns the server name used in log entries.
func (s *Server) Name() string {
	return s.name
}

// Address returns the bound IP while running, otherwise the configured IP.
// A wildcard configuration always reports 0.0.0.0, even when the listener
// was bound dual-stack as [::].
func (s *Server) Address() net.IP {
	if s.ip == nil || s.ip.IsUnspecified() {
		return net.IPv4zero
	}

	if bound := s.current.Load(); bound != nil && bound.addr != nil {
		return bound.addr.IP
	}

	return s.ip
}

// Port returns the bound port while running, otherwise the configured port.
// When configured with port 0 this is the ephemeral port chosen at Start.
func (s *Server) Port() int {
	if bound := s.current.Load(); bound != nil && bound.addr != nil {
		return bound.addr.Port
	}

	return s.port
}

// Addr returns the listener address, or nil when the server is stopped.
func (s *Server) Addr() net.Addr {
	if bound := s.current.Load(); bound != nil {
		return bound.ln.Addr()
	}

	return nil
}

// Session returns the live session with the given ID.
//
// Parameters:
//   - id: The session ID to look up
//
// Returns:
//   - The session and true if registered, or nil and false otherwise
func (s *Server) Session(id uint32) (*Session, bool) {
	return s.sessions.Get(id)
}

// Sessions returns a point-in-time snapshot of the live sessions.
func (s *Server) Sessions() []*Session {
	return s.sessions.SnapshotAll()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}

// Subscribe registers handler for events of kind.
//
// Parameters:
//   - kind: The event kind to listen for
//   - handler: Function called synchronously for every event of kind
//
// Returns:
//   - A function that removes the subscription
func (s *Server) Subscribe(kind EventKind, handler Handler) func() {
	return s.events.Subscribe(kind, handler)
}

// OnClientConnected registers handler for ClientConnected events.
func (s *Server) OnClientConnected(handler Handler) func() {
	return s.Subscribe(ClientConnected, handler)
}

// OnClientDisconnected registers handler for ClientDisconnected events.
func (s *Server) OnClientDisconnected(handler Handler) func() {
	return s.Subscribe(ClientDisconnected, handler)
}

// OnDataReceived registers handler for DataReceived events. Event.Data is a
// copy owned by the handler.
func (s *Server) OnDataReceived(handler Handler) func() {
	return s.Subscribe(DataReceived, handler)
}

// OnPrepareSend registers handler for PrepareSend events. Event.Data is
// shared with the pending write and must not be modified.
func (s *Server) OnPrepareSend(handler Handler) func() {
	return s.Subscribe(PrepareSend, handler)
}

// OnCompletedSend registers handler for CompletedSend events.
func (s *Server) OnCompletedSend(handler Handler) func() {
	return s.Subscribe(CompletedSend, handler)
}

// OnNetError registers handler for NetError events.
func (s *Server) OnNetError(handler Handler) func() {
	return s.Subscribe(NetError, handler)
}

// OnOtherException registers handler for OtherException events.
func (s *Server) OnOtherException(handler Handler) func() {
	return s.Subscribe(OtherException, handler)
}

func (s *Server) bindAddress() string {
	port := strconv.Itoa(s.port)
	if s.ip == nil || s.ip.IsUnspecified() {
		return ":" + port
	}

	return net.JoinHostPort(s.ip.String(), port)
}

// closeSession is the single path by which a live session is torn down. It
// raises ClientDisconnected through publish only if this call closed it.
func (s *Server) closeSession(sess *Session, reason string, publish func(*Event)) bool {
	closed, err := s.sessions.Evict(sess)
	if !closed {
		return false
	}

	log := s.logSession(sess)
	if err != nil {
		log.Debug("closing connection", logger.Field{Key: "error", Value: err})
	}

	log.Debug("client disconnected", logger.Field{Key: "reason", Value: reason})
	publish(&Event{Kind: ClientDisconnected, Session: sess, Message: reason})
	return true
}

// notify publishes e on a session or accept goroutine; panics are left to
// that goroutine's guard.
func (s *Server) notify(e *Event) {
	s.events.Publish(e)
}

// notifyCaller publishes e on a goroutine that does not belong to the
// server. A panicking handler is logged and reported as OtherException
// instead of unwinding into the caller.
func (s *Server) notifyCaller(e *Event) {
	r := s.publishRecovered(e)
	if r == nil || e.Kind == OtherException {
		return
	}

	s.publishRecovered(&Event{
		Kind:    OtherException,
		Session: e.Session,
		Message: fmt.Sprintf("%s handler panicked", e.Kind),
		Err:     fmt.Errorf("%w: %v", ErrHandlerPanic, r),
	})
}

func (s *Server) publishRecovered(e *Event) (recovered any) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			s.logger.Error("event handler panicked",
				logger.Field{Key: "event", Value: e.Kind.String()},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)},
			)
		}
	}()

	s.events.Publish(e)
	return nil
}

// guard recovers a panic on a session's goroutine, reports it as
// OtherException and closes that session. Other sessions are unaffected.
func (s *Server) guard(sess *Session, where string) {
	r := recover()
	if r == nil {
		return
	}

	err := fmt.Errorf("%w: %v", ErrHandlerPanic, r)
	s.logSession(sess).Error(where+" panicked", logger.Field{Key: "error", Value: err})
	s.publishRecovered(&Event{Kind: OtherException, Session: sess, Message: where + " panicked", Err: err})
	s.closeSession(sess, where+" panicked", func(e *Event) { s.publishRecovered(e) })
}

func (s *Server) logSession(sess *Session) logger.Logger {
	return s.logger.With(
		logger.Field{Key: "session", Value: sess.ID()},
		logger.Field{Key: "remote", Value: addrString(sess.RemoteAddr())},
	)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	return addr.String()
}
