package sim

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/bacnet/bacnet"
)

func newTransport(t *testing.T, o bacnet.TransportOptions, opts ...Option) *Transport {
	t.Helper()
	tr, err := New(o, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

type announcements struct {
	mu  sync.Mutex
	ids []uint32
}

func (a *announcements) record(ann bacnet.Announcement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, ann.DeviceID)
}

func (a *announcements) list() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint32(nil), a.ids...)
}

func TestWhoIsAnnouncesOneDevicePerTick(t *testing.T) {
	mock := clock.NewMock()
	tr := newTransport(t, bacnet.DefaultTransportOptions(), WithClock(mock), WithSeed(1))

	var got announcements
	sub := tr.SubscribeIAm(got.record)
	defer sub.Unsubscribe()

	require.NoError(t, tr.WhoIs(bacnet.WhoIsRequest{}))
	assert.Equal(t, 1, tr.Discovering())
	assert.Empty(t, got.list())

	for i := 1; i <= 3; i++ {
		mock.Add(bacnet.DefaultDiscoveryInterval)
		require.Eventually(t, func() bool { return len(got.list()) == i }, time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool { return tr.Discovering() == 0 }, time.Second, time.Millisecond)

	mock.Add(10 * bacnet.DefaultDiscoveryInterval)
	assert.Equal(t, []uint32{1001, 1002, 2001}, got.list())
}

func TestWhoIsFilters(t *testing.T) {
	tests := []struct {
		name string
		req  bacnet.WhoIsRequest
		want []uint32
	}{
		{"range", bacnet.WhoIsRequest{LowLimit: bacnet.Uint32(1000), HighLimit: bacnet.Uint32(1999)}, []uint32{1001, 1002}},
		{"address", bacnet.WhoIsRequest{Address: "2:0a@192.168.1.1"}, []uint32{2001}},
		{"low only", bacnet.WhoIsRequest{LowLimit: bacnet.Uint32(1002)}, []uint32{1002, 2001}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := clock.NewMock()
			tr := newTransport(t, bacnet.DefaultTransportOptions(), WithClock(mock))

			var got announcements
			tr.SubscribeIAm(got.record)

			require.NoError(t, tr.WhoIs(tt.req))
			for i := 1; i <= len(tt.want); i++ {
				mock.Add(bacnet.DefaultDiscoveryInterval)
				require.Eventually(t, func() bool { return len(got.list()) == i }, time.Second, time.Millisecond)
			}
			assert.Equal(t, tt.want, got.list())
		})
	}
}

func TestWhoIsWithNoMatchStartsNoTicker(t *testing.T) {
	tr := newTransport(t, bacnet.DefaultTransportOptions(), WithClock(clock.NewMock()))

	require.NoError(t, tr.WhoIs(bacnet.WhoIsRequest{LowLimit: bacnet.Uint32(5), HighLimit: bacnet.Uint32(6)}))
	assert.Zero(t, tr.Discovering())
}

func TestCloseStopsDiscovery(t *testing.T) {
	mock := clock.NewMock()
	tr := newTransport(t, bacnet.DefaultTransportOptions(), WithClock(mock))

	var got announcements
	tr.SubscribeIAm(got.record)

	require.NoError(t, tr.WhoIs(bacnet.WhoIsRequest{}))
	mock.Add(bacnet.DefaultDiscoveryInterval)
	require.Eventually(t, func() bool { return len(got.list()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, tr.Close())
	assert.Zero(t, tr.Discovering())

	mock.Add(10 * bacnet.DefaultDiscoveryInterval)
	assert.Len(t, got.list(), 1)

	assert.ErrorIs(t, tr.WhoIs(bacnet.WhoIsRequest{}), bacnet.ErrConnectionClosed)
	assert.NoError(t, tr.Close())
}

type outcome struct {
	ack *bacnet.ReadAck
	err error
	at  time.Time
}

func TestReadCompletesOnceWithinLatencyRange(t *testing.T) {
	mock := clock.NewMock()
	start := mock.Now()
	tr := newTransport(t, bacnet.DefaultTransportOptions(), WithClock(mock), WithSeed(42))

	var calls atomic.Int32
	results := make(chan outcome, 2)
	tr.ReadProperty(bacnet.ReadPropertyRequest{
		Address:        "192.168.1.101",
		ObjectType:     bacnet.ObjectTypeAnalogInput,
		ObjectInstance: 1,
		PropertyID:     bacnet.PropertyPresentValue,
	}, func(ack *bacnet.ReadAck, err error) {
		calls.Add(1)
		results <- outcome{ack, err, mock.Now()}
	})

	mock.Add(bacnet.DefaultMinLatency - time.Millisecond)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 20*time.Millisecond, time.Millisecond)

	mock.Add(bacnet.DefaultMaxLatency - bacnet.DefaultMinLatency + time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	r := <-results
	elapsed := r.at.Sub(start)
	assert.GreaterOrEqual(t, elapsed, bacnet.DefaultMinLatency)
	assert.LessOrEqual(t, elapsed, bacnet.DefaultMaxLatency)
	assert.True(t, (r.ack == nil) != (r.err == nil), "exactly one of value and error")

	mock.Add(10 * time.Second)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 20*time.Millisecond, time.Millisecond)
}

func TestReadOutcomeFollowsProbability(t *testing.T) {
	t.Run("always succeeds", func(t *testing.T) {
		mock := clock.NewMock()
		o := bacnet.DefaultTransportOptions()
		o.SuccessProbability = 1
		tr := newTransport(t, o, WithClock(mock))

		results := make(chan outcome, 1)
		tr.ReadProperty(bacnet.ReadPropertyRequest{
			ObjectType:     bacnet.ObjectTypeAnalogValue,
			ObjectInstance: 7,
			PropertyID:     bacnet.PropertyObjectName,
		}, func(ack *bacnet.ReadAck, err error) { results <- outcome{ack: ack, err: err} })

		mock.Add(bacnet.DefaultMaxLatency)
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 7), r.ack.ObjectID)
		assert.Equal(t, []bacnet.TaggedValue{{Tag: bacnet.TagCharacterString, Value: "SIM-analog-value-7"}}, r.ack.Values)
	})

	t.Run("always fails", func(t *testing.T) {
		mock := clock.NewMock()
		o := bacnet.DefaultTransportOptions()
		o.SuccessProbability = 0
		tr := newTransport(t, o, WithClock(mock))

		results := make(chan outcome, 1)
		tr.ReadProperty(bacnet.ReadPropertyRequest{PropertyID: bacnet.PropertyPresentValue},
			func(ack *bacnet.ReadAck, err error) { results <- outcome{ack: ack, err: err} })

		mock.Add(bacnet.DefaultMaxLatency)
		r := <-results
		assert.Nil(t, r.ack)
		var bacErr *bacnet.BACnetError
		require.ErrorAs(t, r.err, &bacErr)
		assert.Equal(t, bacnet.ErrorCodeDeviceBusy, bacErr.Code)
	})
}

func TestSameSeedSameOutcomes(t *testing.T) {
	run := func() []bool {
		mock := clock.NewMock()
		tr := newTransport(t, bacnet.DefaultTransportOptions(), WithClock(mock), WithSeed(7))

		outcomes := make([]bool, 16)
		var wg sync.WaitGroup
		for i := range outcomes {
			wg.Add(1)
			tr.ReadProperty(bacnet.ReadPropertyRequest{PropertyID: bacnet.PropertyPresentValue},
				func(_ *bacnet.ReadAck, err error) {
					outcomes[i] = err == nil
					wg.Done()
				})
		}
		mock.Add(bacnet.DefaultMaxLatency)
		wg.Wait()
		return outcomes
	}

	first := run()
	assert.Equal(t, first, run())
	assert.Contains(t, first, true)
	assert.Contains(t, first, false)
}

func TestWriteUsesWriteFunc(t *testing.T) {
	mock := clock.NewMock()
	o := bacnet.DefaultTransportOptions()
	o.SuccessProbability = 1

	var seen []bacnet.TaggedValue
	tr := newTransport(t, o, WithClock(mock), WithWriteFunc(
		func(req bacnet.WritePropertyRequest, values []bacnet.TaggedValue) (*bacnet.WriteAck, error) {
			seen = values
			return &bacnet.WriteAck{Address: "custom"}, nil
		}))

	acks := make(chan *bacnet.WriteAck, 1)
	values := []bacnet.TaggedValue{{Tag: bacnet.TagReal, Value: float32(1.5)}}
	tr.WriteProperty(bacnet.WritePropertyRequest{}, values, func(ack *bacnet.WriteAck, err error) {
		assert.NoError(t, err)
		acks <- ack
	})

	mock.Add(bacnet.DefaultMaxLatency)
	assert.Equal(t, "custom", (<-acks).Address)
	assert.Equal(t, values, seen)
}

func TestScheduledReadStillCompletesAfterClose(t *testing.T) {
	mock := clock.NewMock()
	tr := newTransport(t, bacnet.DefaultTransportOptions(), WithClock(mock))

	var calls atomic.Int32
	tr.ReadProperty(bacnet.ReadPropertyRequest{}, func(*bacnet.ReadAck, error) { calls.Add(1) })
	require.NoError(t, tr.Close())

	mock.Add(bacnet.DefaultMaxLatency)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	var err error
	tr.ReadProperty(bacnet.ReadPropertyRequest{}, func(_ *bacnet.ReadAck, e error) { err = e })
	assert.ErrorIs(t, err, bacnet.ErrConnectionClosed)
}

func TestDefaultReadObjectList(t *testing.T) {
	tr := newTransport(t, bacnet.DefaultTransportOptions())
	req := bacnet.ReadPropertyRequest{
		ObjectType:     bacnet.ObjectTypeDevice,
		ObjectInstance: 1001,
		PropertyID:     bacnet.PropertyObjectList,
	}

	all, err := tr.defaultRead(req)
	require.NoError(t, err)
	require.Len(t, all, 1+len(simulatedObjects))
	assert.Equal(t, bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 1001), all[0].Value)

	req.ArrayIndex = bacnet.Uint32(0)
	count, err := tr.defaultRead(req)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(all)), count[0].Value)

	req.ArrayIndex = bacnet.Uint32(uint32(len(all)) + 1)
	_, err = tr.defaultRead(req)
	assert.Error(t, err)
}

func TestNewValidatesOptions(t *testing.T) {
	o := bacnet.DefaultTransportOptions()
	o.MinLatency = time.Second
	o.MaxLatency = time.Millisecond

	_, err := New(o)
	assert.ErrorIs(t, err, bacnet.ErrInvalidConfig)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - device_id: 10
    address: 10.0.0.10
    max_apdu: 480
    segmentation: both
    vendor_id: 7
  - device_id: 11
    address: 10.0.0.11:47810
`), 0o600))

	devices, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []bacnet.Device{
		{DeviceID: 10, Address: "10.0.0.10", MaxAPDULength: 480, Segmentation: bacnet.SegmentationBoth, VendorID: 7},
		{DeviceID: 11, Address: "10.0.0.11:47810", MaxAPDULength: bacnet.MaxAPDULength, Segmentation: bacnet.SegmentationNone},
	}, devices)
}

func TestParseCatalogErrors(t *testing.T) {
	tests := map[string]string{
		"duplicate":    "devices:\n  - device_id: 1\n  - device_id: 1\n",
		"out of range": "devices:\n  - device_id: 4194304\n",
		"segmentation": "devices:\n  - device_id: 1\n    segmentation: sideways\n",
		"syntax":       "devices: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.Error(t, err)
		})
	}

	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
