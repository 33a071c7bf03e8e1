// Package tcpclient provides an event-driven TCP client suited as a peer for
// tcpserver. It reports connection state changes, received bytes and errors
// to registered handlers and can reconnect automatically.
package tcpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-asynctcp/logger"
)

var (
	// ErrClosed is returned by operations on a client after Close.
	ErrClosed = errors.New("client is closed")

	// ErrAlreadyConnected is returned by Connect while connected or connecting.
	ErrAlreadyConnected = errors.New("already connected or connecting")

	// ErrNotConnected is returned by Send while there is no connection.
	ErrNotConnected = errors.New("not connected")
)

const maxReconnectInterval = 30 * time.Second

// State represents the current state of the client connection.
type State int

const (
	Disconnected State = iota // Not connected and not attempting to connect
	Connecting                // Connection attempt in progress
	Connected                 // Successfully connected
	Reconnecting              // Waiting to retry after a lost connection
	Closed                    // Client has been closed and will not reconnect
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent is emitted when the connection state changes.
type StateEvent struct {
	State     State     // The new state
	Address   string    // The remote address (e.g. "host:port")
	Err       error     // Non-nil if the change was caused by an error
	Timestamp time.Time // When the change occurred
}

// DataEvent is emitted for every chunk read from the connection.
type DataEvent struct {
	Data      []byte // The received bytes; owned by the handler
	Timestamp time.Time
}

// ErrorEvent is emitted when a dial, read or write fails.
type ErrorEvent struct {
	Err       error
	Timestamp time.Time
}

// StateHandler is called on every state change.
type StateHandler func(event StateEvent)

// DataHandler is called with each chunk of received data.
type DataHandler func(event DataEvent)

// ErrorHandler is called when a dial, read or write fails.
type ErrorHandler func(event ErrorEvent)

// Config holds configuration for a Client.
type Config struct {
	// Address is the "host:port" to connect to.
	Address string
	// AutoReconnect enables reconnection when the connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the first delay before a reconnection attempt; it
	// doubles after each failed attempt up to 30s.
	ReconnectInterval time.Duration
	// ReadBufferSize is the size of the read buffer.
	ReadBufferSize int
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ConnectionTimeout is the max duration for establishing a connection.
	ConnectionTimeout time.Duration
	// Logger receives the client's log entries; nil discards them.
	Logger logger.Logger
}

// DefaultConfig returns a Config with default values for address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with AutoReconnect off, ReconnectInterval 1s, ReadBufferSize 4096,
//     WriteTimeout 10s and ConnectionTimeout 10s
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ReconnectInterval: time.Second,
		ReadBufferSize:    4096,
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Client is an event-driven TCP client. Register handlers, then call Connect.
// Handlers run synchronously on the goroutine that observed the change, so
// data events arrive in stream order; they must not block for long. A Client
// is safe for concurrent use.
type Client struct {
	config Config
	logger logger.Logger

	mu     sync.RWMutex
	conn   net.Conn
	state  State
	closed bool

	onState StateHandler
	onData  DataHandler
	onError ErrorHandler

	stop          chan struct{}
	reconnect     chan struct{}
	reconnectOnce sync.Once
}

// New creates a Client in the Disconnected state.
//
// Parameters:
//   - config: Connection and behavior settings (e.g. from DefaultConfig)
//
// Returns:
//   - A new *Client; call Close when done to stop reconnecting
func New(config Config) *Client {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 4096
	}

	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = time.Second
	}

	log := config.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		config:    config,
		logger:    log.With(logger.Field{Key: "peer", Value: config.Address}),
		state:     Disconnected,
		stop:      make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}
}

// OnStateChange registers the handler for state changes, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnStateChange(handler StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// OnDataReceived registers the handler for received data, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnDataReceived(handler DataHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = handler
}

// OnError registers the handler for errors, replacing any previous one.
// Pass nil to clear it.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the configured address and starts reading.
//
// Parameters:
//   - ctx: Cancels the dial; it does not affect the established connection
//
// Returns:
//   - ErrClosed after Close, ErrAlreadyConnected while connected or
//     connecting, or the wrapped dial error
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()
	c.emitState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.logger.Warn("connect failed", logger.Field{Key: "error", Value: err})
		c.setState(Disconnected, err)
		c.emitError(err)
		return fmt.Errorf("connect %s: %w", c.config.Address, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()

	c.logger.Debug("connected", logger.Field{Key: "local", Value: conn.LocalAddr().String()})
	c.emitState(Connected, nil)

	go c.readLoop(conn)
	if c.config.AutoReconnect {
		c.reconnectOnce.Do(func() { go c.reconnectLoop() })
	}

	return nil
}

// Disconnect closes the current connection without reconnecting. Connect may
// be called again afterwards. It is a no-op when not connected.
//
// Returns:
//   - The error from closing the connection, if any
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()

	err := conn.Close()
	c.logger.Debug("disconnected")
	c.emitState(Disconnected, nil)
	return err
}

// Close disconnects and stops reconnecting. The client cannot be reused.
// Calling Close more than once is safe.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = Closed
	c.mu.Unlock()

	close(c.stop)

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.emitState(Closed, nil)
	return err
}

// Send writes data to the connection. A failed write drops the connection
// and, with AutoReconnect, schedules a reconnection.
//
// Parameters:
//   - data: Bytes to send; not modified
//
// Returns:
//   - ErrClosed, ErrNotConnected or the wrapped write error
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if conn == nil {
		return ErrNotConnected
	}

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	if _, err := conn.Write(data); err != nil {
		c.connectionLost(conn, err)
		return fmt.Errorf("send: %w", err)
	}

	return nil
}

// SendString writes the bytes of text to the connection.
func (c *Client) SendString(text string) error {
	return c.Send([]byte(text))
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is in the Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// LocalAddr returns the local address of the current connection, or nil.
func (c *Client) LocalAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil
	}

	return c.conn.LocalAddr()
}

func (c *Client) readLoop(conn net.Conn) {
	buffer := make([]byte, c.config.ReadBufferSize)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])
			c.emitData(data)
		}

		if err != nil {
			c.connectionLost(conn, err)
			return
		}
	}
}

// connectionLost tears down conn if it is still the current connection.
// Connections already replaced by Disconnect or Close are ignored.
func (c *Client) connectionLost(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()

	_ = conn.Close()

	if errors.Is(cause, io.EOF) {
		c.logger.Debug("connection closed by peer")
		cause = nil
	} else {
		c.logger.Warn("connection lost", logger.Field{Key: "error", Value: cause})
		c.emitError(cause)
	}

	c.emitState(Disconnected, cause)
	c.triggerReconnect()
}

func (c *Client) triggerReconnect() {
	if !c.config.AutoReconnect {
		return
	}

	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.reconnect:
		}

		interval := c.config.ReconnectInterval
		for {
			if !c.setState(Reconnecting, nil) {
				return
			}

			select {
			case <-c.stop:
				return
			case <-time.After(interval):
			}

			err := c.Connect(context.Background())
			if err == nil || errors.Is(err, ErrAlreadyConnected) {
				break
			}
			if errors.Is(err, ErrClosed) {
				return
			}

			interval = min(interval*2, maxReconnectInterval)
		}
	}
}

// setState records state and emits it unless the client was closed.
func (c *Client) setState(state State, err error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.mu.Unlock()

	c.emitState(state, err)
	return true
}

func (c *Client) emitState(state State, err error) {
	c.mu.RLock()
	handler := c.onState
	c.mu.RUnlock()

	if handler != nil {
		handler(StateEvent{State: state, Address: c.config.Address, Err: err, Timestamp: time.Now()})
	}
}

func (c *Client) emitData(data []byte) {
	c.mu.RLock()
	handler := c.onData
	c.mu.RUnlock()

	if handler != nil {
		handler(DataEvent{Data: data, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Err: err, Timestamp: time.Now()})
	}
}
