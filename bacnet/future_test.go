package bacnet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture[int]()

	v, err := f.Result()
	assert.Zero(t, v)
	assert.ErrorIs(t, err, ErrNotReady)

	assert.True(t, f.resolve(1, nil))
	assert.False(t, f.resolve(2, errors.New("late")))

	<-f.Done()
	v, err = f.Result()
	assert.Equal(t, 1, v)
	assert.NoError(t, err)

	v, err = f.Wait(context.Background())
	assert.Equal(t, 1, v)
	assert.NoError(t, err)
}

func TestFutureWaitRespectsContext(t *testing.T) {
	f := newFuture[string]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the outcome still lands after the caller gave up
	require.True(t, f.resolve("late", nil))
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", v)
}

func TestFailedFuture(t *testing.T) {
	f := failedFuture[*PropertyValue](ErrNotConnected)

	select {
	case <-f.Done():
	default:
		t.Fatal("failed future must be settled")
	}
	v, err := f.Wait(context.Background())
	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestFutureResultBeforeResolution(t *testing.T) {
	f := newFuture[*PropertyValue]()

	// a pending future must not look like a successful nil result
	v, err := f.Result()
	assert.Nil(t, v)
	require.ErrorIs(t, err, ErrNotReady)

	remote := NewBACnetError(ErrorClassDevice, ErrorCodeDeviceBusy)
	require.True(t, f.resolve(nil, remote))
	_, err = f.Result()
	assert.Same(t, remote, err)
}
