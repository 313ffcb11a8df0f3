package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPSocketLoopback(t *testing.T) {
	a, err := Listen("127.0.0.1", 0, time.Second)
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen("127.0.0.1", 0, time.Second)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(b.LocalAddr(), []byte{0x81, 0x0A, 0x00, 0x04}))

	data, from, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x81, 0x0A, 0x00, 0x04}, data)
	assert.Equal(t, a.LocalAddr(), from)
}

func TestUDPSocketCloseUnblocksReceive(t *testing.T) {
	s, err := Listen("127.0.0.1", 0, time.Second)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, _, err := s.Receive()
		errs <- err
	}()

	require.NoError(t, s.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}

	assert.True(t, s.IsClosed())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(s.LocalAddr(), []byte{1}), ErrClosed)
}

func TestListenRejectsBadPort(t *testing.T) {
	_, err := Listen("127.0.0.1", -1, time.Second)
	assert.Error(t, err)
}
