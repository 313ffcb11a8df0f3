package bacnet_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/bacnet/bacnet"
	"github.com/edgeo-scada/bacnet/bacnet/sim"
)

// simNetwork builds simulated transports and remembers the latest one.
type simNetwork struct {
	opts   []sim.Option
	builds int
	last   *sim.Transport
}

func (n *simNetwork) Build(o bacnet.TransportOptions) (bacnet.Transport, error) {
	t, err := sim.New(o, n.opts...)
	if err != nil {
		return nil, err
	}
	n.builds++
	n.last = t
	return t, nil
}

func newSimClient(t *testing.T, network *simNetwork, opts ...bacnet.Option) *bacnet.Client {
	t.Helper()
	opts = append([]bacnet.Option{bacnet.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	c, err := bacnet.NewClient(network, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSimulatedReadSettlesOnceWithinLatency(t *testing.T) {
	mock := clock.NewMock()
	c := newSimClient(t, &simNetwork{opts: []sim.Option{sim.WithClock(mock), sim.WithSeed(2024)}})

	f := c.ReadPropertyAsync(bacnet.ReadPropertyRequest{
		Address:        "192.168.1.101",
		ObjectType:     bacnet.ObjectTypeAnalogInput,
		ObjectInstance: 0,
		PropertyID:     bacnet.PropertyPresentValue,
	})

	mock.Add(300*time.Millisecond - time.Nanosecond)
	assert.Never(t, func() bool {
		select {
		case <-f.Done():
			return true
		default:
			return false
		}
	}, 20*time.Millisecond, time.Millisecond)

	mock.Add(900*time.Millisecond + time.Nanosecond)
	require.Eventually(t, func() bool {
		select {
		case <-f.Done():
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	pv, err := f.Result()
	if err != nil {
		assert.Nil(t, pv)
		var bacErr *bacnet.BACnetError
		assert.ErrorAs(t, err, &bacErr)
	} else {
		require.NotNil(t, pv)
		assert.Equal(t, bacnet.TagReal, pv.Value.Tag)
		assert.Equal(t, "0/0", pv.Object)
	}

	mock.Add(5 * time.Second)
	assert.Zero(t, c.Metrics().DuplicateCallbacks.Value())
	assert.Equal(t, int64(1), c.Metrics().ReadsSent.Value())
}

func TestSimulatedDiscoveryFillsRegistry(t *testing.T) {
	mock := clock.NewMock()
	network := &simNetwork{opts: []sim.Option{
		sim.WithClock(mock),
		sim.WithCatalog([]bacnet.Device{
			{DeviceID: 11, Address: "10.0.0.11", VendorID: 1},
			{DeviceID: 12, Address: "10.0.0.12", VendorID: 2},
			{DeviceID: 13, Address: "10.0.0.13", VendorID: 3},
		}),
	}}
	c := newSimClient(t, network)

	require.NoError(t, c.WhoIs(context.Background()))
	assert.Zero(t, c.DeviceCount())

	for i := 1; i <= 3; i++ {
		mock.Add(bacnet.DefaultDiscoveryInterval)
		require.Eventually(t, func() bool { return c.DeviceCount() == i }, time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool { return network.last.Discovering() == 0 }, time.Second, time.Millisecond)

	mock.Add(bacnet.DefaultDiscoveryInterval)
	assert.Equal(t, 3, c.DeviceCount())

	for _, id := range []uint32{11, 12, 13} {
		d, ok := c.Device(id)
		require.True(t, ok)
		assert.Equal(t, id, d.DeviceID)
	}
	assert.Equal(t, int64(3), c.Metrics().DevicesDiscovered.Value())
}

func TestSimulatedBatchFailsWithThirdError(t *testing.T) {
	mock := clock.NewMock()
	r3Err := bacnet.NewBACnetError(bacnet.ErrorClassObject, bacnet.ErrorCodeUnknownObject)
	network := &simNetwork{opts: []sim.Option{
		sim.WithClock(mock),
		sim.WithSeed(1),
		sim.WithReadFunc(func(req bacnet.ReadPropertyRequest) ([]bacnet.TaggedValue, error) {
			if req.ObjectInstance == 3 {
				return nil, r3Err
			}
			return []bacnet.TaggedValue{{Tag: bacnet.TagReal, Value: float32(1)}}, nil
		}),
	}}
	c := newSimClient(t, network, bacnet.WithTransport(bacnet.WithSuccessProbability(1)))

	type result struct {
		values []*bacnet.PropertyValue
		err    error
	}
	done := make(chan result, 1)
	go func() {
		values, err := c.ReadProperties(context.Background(), []bacnet.ReadPropertyRequest{
			{ObjectType: bacnet.ObjectTypeAnalogInput, ObjectInstance: 1, PropertyID: bacnet.PropertyPresentValue},
			{ObjectType: bacnet.ObjectTypeAnalogInput, ObjectInstance: 2, PropertyID: bacnet.PropertyPresentValue},
			{ObjectType: bacnet.ObjectTypeAnalogInput, ObjectInstance: 3, PropertyID: bacnet.PropertyPresentValue},
		})
		done <- result{values, err}
	}()

	// keep the clock moving until the batch settles
	deadline := time.After(2 * time.Second)
	for {
		mock.Add(bacnet.DefaultMaxLatency)
		select {
		case r := <-done:
			assert.Nil(t, r.values)
			assert.ErrorIs(t, r.err, r3Err)
			var batchErr *bacnet.BatchError
			require.True(t, errors.As(r.err, &batchErr))
			assert.Equal(t, 2, batchErr.Index)
			return
		case <-deadline:
			t.Fatal("batch did not settle")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSimulatedResetDiscardsDevices(t *testing.T) {
	mock := clock.NewMock()
	network := &simNetwork{opts: []sim.Option{sim.WithClock(mock)}}
	c := newSimClient(t, network)
	ctx := context.Background()

	require.NoError(t, c.WhoIs(ctx))
	mock.Add(bacnet.DefaultDiscoveryInterval)
	require.Eventually(t, func() bool { return c.DeviceCount() == 1 }, time.Second, time.Millisecond)

	first := network.last
	require.NoError(t, c.Reset())
	assert.Zero(t, first.Discovering())
	assert.Zero(t, first.Subscribers())

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, 2, network.builds)
	assert.NotSame(t, first, network.last)
	assert.Zero(t, c.DeviceCount())

	mock.Add(10 * bacnet.DefaultDiscoveryInterval)
	assert.Zero(t, c.DeviceCount())
}

func TestSimulatedObjectList(t *testing.T) {
	c := newSimClient(t, &simNetwork{}, bacnet.WithTransport(
		bacnet.WithLatency(time.Millisecond, 2*time.Millisecond),
		bacnet.WithSuccessProbability(1),
	))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ids, err := c.ObjectList(ctx, "192.168.1.101", 1001)
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	assert.Equal(t, bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 1001), ids[0])
}

func TestSimulatedWritePassesAckThrough(t *testing.T) {
	c := newSimClient(t, &simNetwork{}, bacnet.WithTransport(
		bacnet.WithLatency(0, time.Millisecond),
		bacnet.WithSuccessProbability(1),
	))

	acks, err := c.WriteProperties(context.Background(), []bacnet.WritePropertyRequest{
		{Address: "a", ObjectType: bacnet.ObjectTypeAnalogValue, ObjectInstance: 1, PropertyID: bacnet.PropertyPresentValue, Tag: bacnet.TagReal, Value: 1.0},
		{Address: "b", ObjectType: bacnet.ObjectTypeAnalogValue, ObjectInstance: 2, PropertyID: bacnet.PropertyPresentValue, Tag: bacnet.TagReal, Value: 2.0, Priority: bacnet.Priority(16)},
	})
	require.NoError(t, err)
	require.Len(t, acks, 2)
	assert.Equal(t, "a", acks[0].Address)
	assert.Equal(t, "b", acks[1].Address)
	assert.Equal(t, uint32(2), acks[1].ObjectID.Instance)
}
