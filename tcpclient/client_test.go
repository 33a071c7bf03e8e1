package tcpclient

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/go-asynctcp/tcpserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newEchoServer(t *testing.T) *tcpserver.Server {
	t.Helper()
	srv := tcpserver.NewServerWithIP(net.IPv4(127, 0, 0, 1), 0)
	srv.OnDataReceived(func(e *tcpserver.Event) {
		_ = srv.Send(e.Session, e.Data)
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

type capture struct {
	mu     sync.Mutex
	states []State
	data   bytes.Buffer
	errs   []error
}

func (c *capture) attach(client *Client) {
	client.OnStateChange(func(e StateEvent) {
		c.mu.Lock()
		c.states = append(c.states, e.State)
		c.mu.Unlock()
	})
	client.OnDataReceived(func(e DataEvent) {
		c.mu.Lock()
		c.data.Write(e.Data)
		c.mu.Unlock()
	})
	client.OnError(func(e ErrorEvent) {
		c.mu.Lock()
		c.errs = append(c.errs, e.Err)
		c.mu.Unlock()
	})
}

func (c *capture) received() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.String()
}

func (c *capture) stateHistory() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.states...)
}

func (c *capture) errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Reconnecting", Reconnecting.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", State(42).String())
}

func TestNew_AppliesDefaults(t *testing.T) {
	c := New(Config{Address: "127.0.0.1:1"})
	assert.Equal(t, 4096, c.config.ReadBufferSize)
	assert.Equal(t, time.Second, c.config.ReconnectInterval)
	assert.Equal(t, Disconnected, c.State())
	assert.Nil(t, c.LocalAddr())
}

func TestClient_EchoRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	client := New(DefaultConfig(srv.Addr().String()))
	t.Cleanup(func() { _ = client.Close() })

	var events capture
	events.attach(client)

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.IsConnected())
	assert.NotNil(t, client.LocalAddr())
	assert.Equal(t, []State{Connecting, Connected}, events.stateHistory())

	require.NoError(t, client.SendString("hello "))
	require.NoError(t, client.Send([]byte("world")))

	require.Eventually(t, func() bool { return events.received() == "hello world" }, waitFor, tick)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, waitFor, tick)
}

func TestClient_Connect(t *testing.T) {
	t.Run("second connect is rejected", func(t *testing.T) {
		srv := newEchoServer(t)
		client := New(DefaultConfig(srv.Addr().String()))
		t.Cleanup(func() { _ = client.Close() })

		require.NoError(t, client.Connect(context.Background()))
		assert.ErrorIs(t, client.Connect(context.Background()), ErrAlreadyConnected)
	})

	t.Run("dial failure reports an error and stays disconnected", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		client := New(DefaultConfig(addr))
		var events capture
		events.attach(client)

		assert.Error(t, client.Connect(context.Background()))
		assert.Equal(t, Disconnected, client.State())
		assert.Len(t, events.errors(), 1)
		assert.Equal(t, []State{Connecting, Disconnected}, events.stateHistory())
	})

	t.Run("connect after close fails", func(t *testing.T) {
		client := New(DefaultConfig("127.0.0.1:1"))
		require.NoError(t, client.Close())
		require.NoError(t, client.Close())

		assert.ErrorIs(t, client.Connect(context.Background()), ErrClosed)
		assert.ErrorIs(t, client.SendString("x"), ErrClosed)
		assert.Equal(t, Closed, client.State())
	})
}

func TestClient_Send(t *testing.T) {
	client := New(DefaultConfig("127.0.0.1:1"))
	assert.ErrorIs(t, client.SendString("x"), ErrNotConnected)
}

func TestClient_Disconnect(t *testing.T) {
	srv := newEchoServer(t)
	client := New(DefaultConfig(srv.Addr().String()))
	t.Cleanup(func() { _ = client.Close() })

	var events capture
	events.attach(client)

	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, waitFor, tick)

	require.NoError(t, client.Disconnect())
	require.NoError(t, client.Disconnect())

	assert.Equal(t, Disconnected, client.State())
	require.Eventually(t, func() bool { return srv.SessionCount() == 0 }, waitFor, tick)
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, events.stateHistory())
	assert.Empty(t, events.errors())

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.IsConnected())
}

func TestClient_ServerClosesSession(t *testing.T) {
	t.Run("without reconnect the client stays disconnected", func(t *testing.T) {
		srv := newEchoServer(t)
		client := New(DefaultConfig(srv.Addr().String()))
		t.Cleanup(func() { _ = client.Close() })

		require.NoError(t, client.Connect(context.Background()))
		require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, waitFor, tick)

		srv.CloseAllClient()

		require.Eventually(t, func() bool { return client.State() == Disconnected }, waitFor, tick)
		assert.ErrorIs(t, client.SendString("x"), ErrNotConnected)
	})

	t.Run("with reconnect the client comes back", func(t *testing.T) {
		srv := newEchoServer(t)
		cfg := DefaultConfig(srv.Addr().String())
		cfg.AutoReconnect = true
		cfg.ReconnectInterval = 20 * time.Millisecond
		client := New(cfg)
		t.Cleanup(func() { _ = client.Close() })

		var events capture
		events.attach(client)

		require.NoError(t, client.Connect(context.Background()))
		require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, waitFor, tick)
		first := srv.Sessions()[0]

		_ = srv.Close(first)

		require.Eventually(t, func() bool {
			sessions := srv.Sessions()
			return len(sessions) == 1 && sessions[0] != first && client.IsConnected()
		}, waitFor, tick)
		assert.Contains(t, events.stateHistory(), Reconnecting)

		require.NoError(t, client.SendString("again"))
		require.Eventually(t, func() bool { return events.received() == "again" }, waitFor, tick)
	})
}
