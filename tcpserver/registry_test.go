package tcpserver

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

var errCloseFailed = errors.New("close failed")

// failCloseConn closes the wrapped conn but reports a failure.
type failCloseConn struct {
	net.Conn
}

func (c failCloseConn) Close() error {
	_ = c.Conn.Close()
	return errCloseFailed
}

func newFailingSession(t *testing.T, id uint32) *Session {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	return newSession(id, failCloseConn{Conn: local}, 16)
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()
	a, _ := newPipeSession(t, 1)
	b, _ := newPipeSession(t, 2)

	t.Run("add and get", func(t *testing.T) {
		require.True(t, r.Add(a))
		require.True(t, r.Add(b))

		got, ok := r.Get(1)
		assert.True(t, ok)
		assert.Same(t, a, got)
		assert.Equal(t, 2, r.Count())
	})

	t.Run("nil session is rejected", func(t *testing.T) {
		assert.False(t, r.Add(nil))
		assert.Equal(t, 2, r.Count())
	})

	t.Run("remove does not close", func(t *testing.T) {
		r.Remove(a)
		_, ok := r.Get(1)
		assert.False(t, ok)
		assert.Equal(t, Active, a.State())
	})

	t.Run("remove absent session is a no-op", func(t *testing.T) {
		r.Remove(a)
		r.Remove(nil)
		assert.Equal(t, 1, r.Count())
	})
}

func TestRegistry_Evict(t *testing.T) {
	r := NewRegistry()
	sess, _ := newPipeSession(t, 1)
	require.True(t, r.Add(sess))

	closed, err := r.Evict(sess)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, Closed, sess.State())
	assert.Equal(t, 0, r.Count())

	closed, err = r.Evict(sess)
	assert.NoError(t, err)
	assert.False(t, closed)

	closed, err = r.Evict(nil)
	assert.NoError(t, err)
	assert.False(t, closed)
}

func TestRegistry_SnapshotAll(t *testing.T) {
	r := NewRegistry()
	a, _ := newPipeSession(t, 1)
	b, _ := newPipeSession(t, 2)
	r.Add(a)
	r.Add(b)

	snapshot := r.SnapshotAll()
	r.Remove(a)

	assert.Len(t, snapshot, 2)
	assert.ElementsMatch(t, []*Session{a, b}, snapshot)
	assert.Len(t, r.SnapshotAll(), 1)
}

func TestRegistry_ClearAll(t *testing.T) {
	r := NewRegistry()
	a, _ := newPipeSession(t, 1)
	b, _ := newPipeSession(t, 2)
	r.Add(a)
	r.Add(b)
	_, _ = b.close()

	closed, err := r.ClearAll()
	require.NoError(t, err)

	assert.Equal(t, []*Session{a}, closed)
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, Closed, a.State())

	c, _ := newPipeSession(t, 3)
	assert.True(t, r.Add(c), "registry stays open after ClearAll")
}

func TestRegistry_SealAndClear(t *testing.T) {
	r := NewRegistry()
	a, _ := newPipeSession(t, 1)
	r.Add(a)

	closed, err := r.SealAndClear()
	require.NoError(t, err)
	assert.Len(t, closed, 1)

	b, _ := newPipeSession(t, 2)
	assert.False(t, r.Add(b), "sealed registry rejects sessions")
	assert.Equal(t, 0, r.Count())

	r.Open()
	assert.True(t, r.Add(b))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_CloseFaults(t *testing.T) {
	t.Run("clear all closes every session and combines the errors", func(t *testing.T) {
		r := NewRegistry()
		healthy, _ := newPipeSession(t, 1)
		failing := newFailingSession(t, 2)
		r.Add(healthy)
		r.Add(failing)

		closed, err := r.ClearAll()

		assert.ErrorIs(t, err, errCloseFailed)
		assert.ElementsMatch(t, []*Session{healthy, failing}, closed)
		assert.Equal(t, Closed, failing.State())
		assert.Equal(t, 0, r.Count())
	})

	t.Run("seal and clear still seals when closing fails", func(t *testing.T) {
		r := NewRegistry()
		r.Add(newFailingSession(t, 1))
		r.Add(newFailingSession(t, 2))

		closed, err := r.SealAndClear()

		assert.ErrorIs(t, err, errCloseFailed)
		assert.Len(t, multierr.Errors(err), 2)
		assert.Len(t, closed, 2)
		assert.Equal(t, 0, r.Count())

		late, _ := newPipeSession(t, 3)
		assert.False(t, r.Add(late))
	})

	t.Run("evict reports the close error once", func(t *testing.T) {
		r := NewRegistry()
		failing := newFailingSession(t, 1)
		r.Add(failing)

		closed, err := r.Evict(failing)
		assert.True(t, closed)
		assert.ErrorIs(t, err, errCloseFailed)

		closed, err = r.Evict(failing)
		assert.False(t, closed)
		assert.NoError(t, err)
	})
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	const n = 50

	sessions := make([]*Session, n)
	for i := range n {
		sessions[i], _ = newPipeSession(t, uint32(i+1))
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for _, s := range sessions {
			r.Add(s)
		}
	}()
	go func() {
		defer wg.Done()
		for range n {
			for _, s := range r.SnapshotAll() {
				_ = s.ID()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for _, s := range sessions[:n/2] {
			_, _ = r.Evict(s)
		}
	}()
	wg.Wait()

	_, _ = r.ClearAll()
	assert.Equal(t, 0, r.Count())
	for _, s := range sessions {
		assert.Equal(t, Closed, s.State())
	}
}
