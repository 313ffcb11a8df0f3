package bip

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/bacnet/bacnet"
	"github.com/edgeo-scada/bacnet/bacnet/internal/codec"
	"github.com/edgeo-scada/bacnet/bacnet/internal/transport"
)

// fakeDevice answers Who-Is, ReadProperty and WriteProperty on loopback.
// Requests for object instance 99 are never answered. When objects is
// set the device serves an object-list of that many analog-values, but
// only element by element.
type fakeDevice struct {
	t       *testing.T
	id      uint32
	objects uint32
	sock    *transport.UDPSocket

	mu     sync.Mutex
	writes []*codec.WriteRequest
	done   chan struct{}
}

func newFakeDevice(t *testing.T, id uint32) *fakeDevice {
	t.Helper()
	return newObjectListDevice(t, id, 0)
}

func newObjectListDevice(t *testing.T, id, objects uint32) *fakeDevice {
	t.Helper()
	sock, err := transport.Listen("127.0.0.1", 0, time.Second)
	require.NoError(t, err)

	d := &fakeDevice{t: t, id: id, objects: objects, sock: sock, done: make(chan struct{})}
	go d.serve()
	t.Cleanup(func() {
		sock.Close()
		<-d.done
	})
	return d
}

func (d *fakeDevice) addr() string {
	return d.sock.LocalAddr().String()
}

func (d *fakeDevice) serve() {
	defer close(d.done)
	for {
		data, from, err := d.sock.Receive()
		if err != nil {
			return
		}
		f, err := codec.DecodeFrame(data)
		if err != nil {
			continue
		}
		if reply := d.handle(&f.APDU); reply != nil {
			d.sock.Send(from, codec.EncodeFrame(codec.BVLCOriginalUnicastNPDU, false, reply))
		}
	}
}

func (d *fakeDevice) handle(apdu *codec.APDU) []byte {
	switch {
	case apdu.Type == codec.PDUTypeUnconfirmedRequest && codec.UnconfirmedService(apdu.Service) == codec.ServiceWhoIs:
		low, high, err := codec.DecodeWhoIs(apdu.Data)
		if err != nil || (low != nil && (d.id < *low || d.id > *high)) {
			return nil
		}
		return codec.EncodeUnconfirmedRequest(codec.ServiceIAm, codec.EncodeIAm(codec.IAm{
			Device:        bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, d.id),
			MaxAPDULength: 1476,
			Segmentation:  bacnet.SegmentationNone,
			VendorID:      15,
		}))

	case apdu.Type == codec.PDUTypeConfirmedRequest && codec.ConfirmedService(apdu.Service) == codec.ServiceReadProperty:
		oid, prop, idx, err := codec.DecodeReadProperty(apdu.Data)
		if err != nil || oid.Instance == 99 {
			return nil
		}
		if prop == bacnet.PropertyObjectList && d.objects > 0 {
			return d.objectListElement(apdu, oid, idx)
		}
		if prop != bacnet.PropertyPresentValue {
			return append([]byte{byte(codec.PDUTypeError), apdu.InvokeID, apdu.Service},
				codec.EncodeError(bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty)...)
		}
		data, err := codec.EncodeReadPropertyAck(bacnet.ReadAck{
			ObjectID:   oid,
			PropertyID: prop,
			ArrayIndex: idx,
			Values:     []bacnet.TaggedValue{{Tag: bacnet.TagReal, Value: float32(21.5)}},
		})
		if !assert.NoError(d.t, err) {
			return nil
		}
		return codec.EncodeComplexAck(apdu.InvokeID, codec.ServiceReadProperty, data)

	case apdu.Type == codec.PDUTypeConfirmedRequest && codec.ConfirmedService(apdu.Service) == codec.ServiceWriteProperty:
		req, err := codec.DecodeWriteProperty(apdu.Data)
		if err != nil {
			return []byte{byte(codec.PDUTypeReject), apdu.InvokeID, byte(bacnet.RejectReasonInvalidTag)}
		}
		d.mu.Lock()
		d.writes = append(d.writes, req)
		d.mu.Unlock()
		return codec.EncodeSimpleAck(apdu.InvokeID, codec.ServiceWriteProperty)
	}
	return nil
}

func (d *fakeDevice) objectListElement(apdu *codec.APDU, oid bacnet.ObjectIdentifier, idx *uint32) []byte {
	var value bacnet.TaggedValue
	switch {
	case idx == nil:
		return []byte{byte(codec.PDUTypeAbort) | 0x01, apdu.InvokeID, byte(bacnet.AbortReasonSegmentationNotSupported)}
	case *idx == 0:
		value = bacnet.TaggedValue{Tag: bacnet.TagUnsignedInt, Value: d.objects}
	case *idx <= d.objects:
		value = bacnet.TaggedValue{Tag: bacnet.TagObjectID, Value: bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, *idx-1)}
	default:
		return append([]byte{byte(codec.PDUTypeError), apdu.InvokeID, apdu.Service},
			codec.EncodeError(bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidArrayIndex)...)
	}

	data, err := codec.EncodeReadPropertyAck(bacnet.ReadAck{
		ObjectID:   oid,
		PropertyID: bacnet.PropertyObjectList,
		ArrayIndex: idx,
		Values:     []bacnet.TaggedValue{value},
	})
	if !assert.NoError(d.t, err) {
		return nil
	}
	return codec.EncodeComplexAck(apdu.InvokeID, codec.ServiceReadProperty, data)
}

func (d *fakeDevice) lastWrite() *codec.WriteRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.writes) == 0 {
		return nil
	}
	return d.writes[len(d.writes)-1]
}

func newTestTransport(t *testing.T, broadcast string) *Transport {
	t.Helper()
	o := bacnet.DefaultTransportOptions()
	o.Interface = "127.0.0.1"
	o.Port = 0
	o.BroadcastAddress = broadcast
	o.ResponseTimeout = 300 * time.Millisecond

	tr, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

type readResult struct {
	ack *bacnet.ReadAck
	err error
}

func read(t *testing.T, tr *Transport, req bacnet.ReadPropertyRequest) readResult {
	t.Helper()
	results := make(chan readResult, 2)
	tr.ReadProperty(req, func(ack *bacnet.ReadAck, err error) {
		results <- readResult{ack, err}
	})

	select {
	case r := <-results:
		select {
		case <-results:
			t.Fatal("callback invoked twice")
		case <-time.After(50 * time.Millisecond):
		}
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no callback")
		return readResult{}
	}
}

func TestReadPropertyLoopback(t *testing.T) {
	dev := newFakeDevice(t, 1001)
	tr := newTestTransport(t, dev.addr())

	r := read(t, tr, bacnet.ReadPropertyRequest{
		Address:        dev.addr(),
		ObjectType:     bacnet.ObjectTypeAnalogInput,
		ObjectInstance: 1,
		PropertyID:     bacnet.PropertyPresentValue,
	})
	require.NoError(t, r.err)
	assert.Equal(t, bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1), r.ack.ObjectID)
	assert.Equal(t, []bacnet.TaggedValue{{Tag: bacnet.TagReal, Value: float32(21.5)}}, r.ack.Values)
}

func TestReadPropertyErrorPDU(t *testing.T) {
	dev := newFakeDevice(t, 1001)
	tr := newTestTransport(t, dev.addr())

	r := read(t, tr, bacnet.ReadPropertyRequest{
		Address:        dev.addr(),
		ObjectType:     bacnet.ObjectTypeAnalogInput,
		ObjectInstance: 1,
		PropertyID:     bacnet.PropertyDescription,
	})
	assert.Nil(t, r.ack)
	assert.True(t, bacnet.IsPropertyNotFound(r.err))
}

func TestReadPropertyTimeout(t *testing.T) {
	dev := newFakeDevice(t, 1001)
	tr := newTestTransport(t, dev.addr())

	start := time.Now()
	r := read(t, tr, bacnet.ReadPropertyRequest{
		Address:        dev.addr(),
		ObjectType:     bacnet.ObjectTypeAnalogInput,
		ObjectInstance: 99,
		PropertyID:     bacnet.PropertyPresentValue,
	})
	assert.ErrorIs(t, r.err, bacnet.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestReadPropertyBadAddress(t *testing.T) {
	tr := newTestTransport(t, "127.0.0.1")

	r := read(t, tr, bacnet.ReadPropertyRequest{Address: "x:zz@127.0.0.1"})
	assert.Error(t, r.err)
}

func TestWritePropertySendsValueListAndPriority(t *testing.T) {
	dev := newFakeDevice(t, 1001)
	tr := newTestTransport(t, dev.addr())

	req := bacnet.WritePropertyRequest{
		Address:        dev.addr(),
		ObjectType:     bacnet.ObjectTypeAnalogValue,
		ObjectInstance: 3,
		PropertyID:     bacnet.PropertyPresentValue,
		Priority:       bacnet.Priority(8),
	}
	values := []bacnet.TaggedValue{{Tag: bacnet.TagReal, Value: 42.5}}

	acks := make(chan *bacnet.WriteAck, 1)
	tr.WriteProperty(req, values, func(ack *bacnet.WriteAck, err error) {
		assert.NoError(t, err)
		acks <- ack
	})

	select {
	case ack := <-acks:
		require.NotNil(t, ack)
		assert.Equal(t, dev.addr(), ack.Address)
		assert.Equal(t, req.ObjectID(), ack.ObjectID)
	case <-time.After(3 * time.Second):
		t.Fatal("no callback")
	}

	w := dev.lastWrite()
	require.NotNil(t, w)
	require.NotNil(t, w.Priority)
	assert.Equal(t, uint8(8), *w.Priority)
	assert.Equal(t, []bacnet.TaggedValue{{Tag: bacnet.TagReal, Value: float32(42.5)}}, w.Values)
}

func TestWritePropertyEncodeErrorIsReported(t *testing.T) {
	tr := newTestTransport(t, "127.0.0.1")

	var got error
	tr.WriteProperty(bacnet.WritePropertyRequest{Address: "127.0.0.1"},
		[]bacnet.TaggedValue{{Tag: bacnet.TagReal, Value: "not a number"}},
		func(_ *bacnet.WriteAck, err error) { got = err })
	assert.Error(t, got)
}

func TestWhoIsPublishesAnnouncement(t *testing.T) {
	dev := newFakeDevice(t, 2002)
	tr := newTestTransport(t, dev.addr())

	announcements := make(chan bacnet.Announcement, 4)
	sub := tr.SubscribeIAm(func(a bacnet.Announcement) { announcements <- a })
	defer sub.Unsubscribe()

	require.NoError(t, tr.WhoIs(bacnet.WhoIsRequest{}))

	select {
	case a := <-announcements:
		assert.Equal(t, uint32(2002), a.DeviceID)
		assert.Equal(t, uint16(15), a.VendorID)
		require.NotNil(t, a.Source)
		assert.Equal(t, dev.addr(), a.Source.String())
	case <-time.After(3 * time.Second):
		t.Fatal("no I-Am")
	}

	// out of range: the device stays silent
	require.NoError(t, tr.WhoIs(bacnet.WhoIsRequest{
		Address:   dev.addr(),
		LowLimit:  bacnet.Uint32(1),
		HighLimit: bacnet.Uint32(10),
	}))
	select {
	case a := <-announcements:
		t.Fatalf("unexpected I-Am from %d", a.DeviceID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	dev := newFakeDevice(t, 1001)
	tr := newTestTransport(t, dev.addr())

	errs := make(chan error, 2)
	tr.ReadProperty(bacnet.ReadPropertyRequest{
		Address:        dev.addr(),
		ObjectType:     bacnet.ObjectTypeAnalogInput,
		ObjectInstance: 99,
		PropertyID:     bacnet.PropertyPresentValue,
	}, func(_ *bacnet.ReadAck, err error) { errs <- err })

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, <-errs, bacnet.ErrConnectionClosed)

	tr.ReadProperty(bacnet.ReadPropertyRequest{Address: dev.addr()},
		func(_ *bacnet.ReadAck, err error) { errs <- err })
	assert.ErrorIs(t, <-errs, bacnet.ErrConnectionClosed)

	// the timer must not deliver a second outcome
	select {
	case err := <-errs:
		t.Fatalf("unexpected second outcome: %v", err)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestNewRejectsBadBroadcastAddress(t *testing.T) {
	o := bacnet.DefaultTransportOptions()
	o.Interface = "127.0.0.1"
	o.Port = 0
	o.BroadcastAddress = ""

	_, err := New(o)
	assert.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		route *codec.Route
	}{
		{"10.0.0.5", "10.0.0.5:47808", nil},
		{"10.0.0.5:47809", "10.0.0.5:47809", nil},
		{"5:0c@10.0.0.1", "10.0.0.1:47808", &codec.Route{Net: 5, MAC: []byte{0x0C}}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ap, route, err := parseAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, netip.MustParseAddrPort(tt.want), ap)
			assert.Equal(t, tt.route, route)
		})
	}

	_, _, err := parseAddress("5@10.0.0.1")
	assert.Error(t, err)
}

func TestAddressStringRoundTrip(t *testing.T) {
	a := bacnet.Address{Host: "192.168.1.9", Port: 47808, Net: 12, MAC: []byte{0x01, 0x02}}
	ap, route, err := parseAddress(a.String())
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.9:47808", ap.String())
	assert.Equal(t, &codec.Route{Net: 12, MAC: []byte{0x01, 0x02}}, route)
}
