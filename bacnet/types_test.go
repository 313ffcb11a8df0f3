package bacnet

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObjectIdentifier(t *testing.T) {
	tests := []struct {
		in      string
		want    ObjectIdentifier
		wantErr bool
	}{
		{"analog-input:1", NewObjectIdentifier(ObjectTypeAnalogInput, 1), false},
		{"ai:1", NewObjectIdentifier(ObjectTypeAnalogInput, 1), false},
		{"8:1234", NewObjectIdentifier(ObjectTypeDevice, 1234), false},
		{"device", ObjectIdentifier{}, true},
		{"ai:-1", ObjectIdentifier{}, true},
		{"ai:4194304", ObjectIdentifier{}, true},
		{"nope:1", ObjectIdentifier{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseObjectIdentifier(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObjectIdentifierWireValue(t *testing.T) {
	oid := NewObjectIdentifier(ObjectTypeDevice, 1234)
	assert.Equal(t, uint32(0x020004D2), oid.Encode())
	assert.Equal(t, oid, DecodeObjectIdentifier(oid.Encode()))
	assert.Equal(t, "device:1234", oid.String())
}

func TestParseApplicationTag(t *testing.T) {
	for in, want := range map[string]ApplicationTag{
		"real": TagReal, "float": TagReal, "4": TagReal,
		"Character-String": TagCharacterString, "enum": TagEnumerated, "null": TagNull,
	} {
		got, ok := ParseApplicationTag(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseApplicationTag("13")
	assert.False(t, ok)
	_, ok = ParseApplicationTag("decimal")
	assert.False(t, ok)
}

func TestParseSegmentation(t *testing.T) {
	for in, want := range map[string]Segmentation{
		"both": SegmentationBoth, "segmented-transmit": SegmentationTransmit,
		"receive": SegmentationReceive, "": SegmentationNone, "no-segmentation": SegmentationNone,
	} {
		got, ok := ParseSegmentation(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseSegmentation("half")
	assert.False(t, ok)
}

func TestAddressString(t *testing.T) {
	assert.Equal(t, "10.0.0.1", Address{Host: "10.0.0.1", Port: DefaultPort}.String())
	assert.Equal(t, "10.0.0.1", Address{Host: "10.0.0.1"}.String())
	assert.Equal(t, "10.0.0.1:47809", Address{Host: "10.0.0.1", Port: 47809}.String())
	assert.Equal(t, "5:0a0b@10.0.0.1", Address{Host: "10.0.0.1", Net: 5, MAC: []byte{0x0A, 0x0B}}.String())
}

func TestWhoIsRequestMatches(t *testing.T) {
	assert.True(t, WhoIsRequest{}.Matches(42))
	r := WhoIsRequest{LowLimit: Uint32(10), HighLimit: Uint32(20)}
	assert.True(t, r.Matches(10))
	assert.True(t, r.Matches(20))
	assert.False(t, r.Matches(21))
	assert.False(t, r.Matches(9))
}

func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("read: %w", NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty))
	assert.True(t, IsPropertyNotFound(wrapped))
	assert.False(t, IsDeviceNotFound(wrapped))
	assert.True(t, errors.Is(wrapped, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)))

	assert.True(t, IsAccessDenied(NewBACnetError(ErrorClassProperty, ErrorCodeWriteAccessDenied)))
	assert.True(t, IsDeviceNotFound(ErrDeviceNotFound))
	assert.True(t, IsTimeout(&BatchError{Index: 1, Err: ErrTimeout}))

	build := &BuildError{Err: ErrInvalidConfig}
	assert.ErrorIs(t, build, ErrInvalidConfig)
	assert.Contains(t, build.Error(), "build transport")

	assert.Contains(t, (&AbortError{InvokeID: 3, Server: true, Reason: AbortReasonSegmentationNotSupported}).Error(), "server")
	assert.Contains(t, (&RejectError{Reason: RejectReasonUnrecognizedService}).Error(), "unrecognized-service")
}

func TestTransportOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultTransportOptions().Validate())

	port0 := DefaultTransportOptions()
	port0.Port = 0
	assert.NoError(t, port0.Validate())

	tests := map[string]func(*TransportOptions){
		"port":        func(o *TransportOptions) { o.Port = -1 },
		"timeout":     func(o *TransportOptions) { o.ResponseTimeout = 0 },
		"interval":    func(o *TransportOptions) { o.DiscoveryInterval = -time.Second },
		"latency":     func(o *TransportOptions) { o.MinLatency, o.MaxLatency = time.Second, time.Millisecond },
		"probability": func(o *TransportOptions) { o.SuccessProbability = -0.1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			o := DefaultTransportOptions()
			mutate(&o)
			assert.ErrorIs(t, o.Validate(), ErrInvalidConfig)
		})
	}
}

func TestTransportOptionSetters(t *testing.T) {
	o := DefaultTransportOptions()
	for _, opt := range []TransportOption{
		WithPort(47808),
		WithInterface("10.0.0.2"),
		WithBroadcastAddress("10.0.0.255"),
		WithResponseTimeout(time.Second),
		WithDiscoveryInterval(time.Millisecond),
		WithLatency(time.Millisecond, 2*time.Millisecond),
		WithSuccessProbability(1),
	} {
		opt(&o)
	}
	assert.Equal(t, TransportOptions{
		Port:               47808,
		Interface:          "10.0.0.2",
		BroadcastAddress:   "10.0.0.255",
		ResponseTimeout:    time.Second,
		DiscoveryInterval:  time.Millisecond,
		MinLatency:         time.Millisecond,
		MaxLatency:         2 * time.Millisecond,
		SuccessProbability: 1,
	}, o)
}
