// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bip is the BACnet/IP implementation of bacnet.Transport.
package bip

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/edgeo-scada/bacnet/bacnet"
	"github.com/edgeo-scada/bacnet/bacnet/internal/codec"
	"github.com/edgeo-scada/bacnet/bacnet/internal/transport"
)

// ErrTooManyRequests is returned when all 256 invoke IDs are in use
var ErrTooManyRequests = errors.New("bip: no free invoke ID")

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the logger for the transport
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// Factory returns a bacnet.TransportFactory building BACnet/IP transports
func Factory(opts ...Option) bacnet.TransportFactory {
	return bacnet.TransportFactoryFunc(func(o bacnet.TransportOptions) (bacnet.Transport, error) {
		return New(o, opts...)
	})
}

// pending is an outstanding confirmed request
type pending struct {
	peer    netip.AddrPort
	deliver func(*codec.APDU, error)
	timer   *time.Timer
}

// Transport is a BACnet/IP client endpoint. It correlates confirmed
// requests by invoke ID and publishes every I-Am it receives.
type Transport struct {
	bacnet.AnnouncementHub

	opts      bacnet.TransportOptions
	broadcast netip.AddrPort
	sock      *transport.UDPSocket
	logger    *slog.Logger

	mu      sync.Mutex
	nextID  uint8
	pending map[uint8]*pending
	closed  bool

	receiverDone chan struct{}
}

var (
	_ bacnet.Transport    = (*Transport)(nil)
	_ bacnet.NameResolver = (*Transport)(nil)
)

// New binds the UDP socket and starts the receiver. Socket and address
// errors are returned here, before any request is made.
func New(o bacnet.TransportOptions, opts ...Option) (*Transport, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	bcast, err := resolveHostPort(o.BroadcastAddress, bacnet.DefaultPort)
	if err != nil {
		return nil, fmt.Errorf("bip: broadcast address %q: %w", o.BroadcastAddress, err)
	}

	t := &Transport{
		opts:         o,
		broadcast:    bcast,
		logger:       slog.Default(),
		pending:      make(map[uint8]*pending),
		receiverDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	sock, err := transport.Listen(o.Interface, o.Port, o.ResponseTimeout)
	if err != nil {
		return nil, fmt.Errorf("bip: %w", err)
	}
	t.sock = sock

	go t.receiver()

	t.logger.Debug("bacnet/ip transport open",
		slog.String("local_addr", sock.LocalAddr().String()),
		slog.String("broadcast", bcast.String()),
	)
	return t, nil
}

// LocalAddr returns the bound socket address
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.sock.LocalAddr()
}

// ObjectTypeName implements bacnet.NameResolver
func (t *Transport) ObjectTypeName(ot bacnet.ObjectType) string {
	return ot.String()
}

// PropertyName implements bacnet.NameResolver
func (t *Transport) PropertyName(p bacnet.PropertyIdentifier) string {
	return p.String()
}

// WhoIs sends a Who-Is, unicast when req.Address is set and broadcast
// otherwise.
func (t *Transport) WhoIs(req bacnet.WhoIsRequest) error {
	apdu := codec.EncodeUnconfirmedRequest(codec.ServiceWhoIs, codec.EncodeWhoIs(req.LowLimit, req.HighLimit))

	if req.Address == "" {
		frame := codec.EncodeFrame(codec.BVLCOriginalBroadcastNPDU, false, apdu)
		return t.sock.Send(t.broadcast, frame)
	}

	dst, route, err := parseAddress(req.Address)
	if err != nil {
		return err
	}
	return t.sock.Send(dst, t.frame(route, false, apdu))
}

// ReadProperty implements bacnet.Transport
func (t *Transport) ReadProperty(req bacnet.ReadPropertyRequest, cb bacnet.ReadCallback) {
	data := codec.EncodeReadProperty(req.ObjectID(), req.PropertyID, req.ArrayIndex)

	t.confirmed(req.Address, codec.ServiceReadProperty, data, func(apdu *codec.APDU, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		if apdu.Type != codec.PDUTypeComplexAck {
			cb(nil, fmt.Errorf("%w: read-property answered with PDU %#02x", bacnet.ErrInvalidResponse, apdu.Type))
			return
		}
		ack, err := codec.DecodeReadPropertyAck(apdu.Data)
		if err != nil {
			cb(nil, fmt.Errorf("%w: %v", bacnet.ErrInvalidResponse, err))
			return
		}
		cb(ack, nil)
	})
}

// WriteProperty implements bacnet.Transport
func (t *Transport) WriteProperty(req bacnet.WritePropertyRequest, values []bacnet.TaggedValue, cb bacnet.WriteCallback) {
	data, err := codec.EncodeWriteProperty(req.ObjectID(), req.PropertyID, req.ArrayIndex, values, req.Priority)
	if err != nil {
		cb(nil, err)
		return
	}

	t.confirmed(req.Address, codec.ServiceWriteProperty, data, func(apdu *codec.APDU, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		if apdu.Type != codec.PDUTypeSimpleAck {
			cb(nil, fmt.Errorf("%w: write-property answered with PDU %#02x", bacnet.ErrInvalidResponse, apdu.Type))
			return
		}
		cb(&bacnet.WriteAck{
			Address:    req.Address,
			ObjectID:   req.ObjectID(),
			PropertyID: req.PropertyID,
		}, nil)
	})
}

func (t *Transport) frame(route *codec.Route, expectingReply bool, apdu []byte) []byte {
	if route != nil {
		return codec.EncodeRoutedFrame(codec.BVLCOriginalUnicastNPDU, expectingReply, *route, apdu)
	}
	return codec.EncodeFrame(codec.BVLCOriginalUnicastNPDU, expectingReply, apdu)
}

// confirmed sends a confirmed request and arranges for deliver to be
// called once with the response, a timeout or a send error.
func (t *Transport) confirmed(address string, service codec.ConfirmedService, data []byte, deliver func(*codec.APDU, error)) {
	dst, route, err := parseAddress(address)
	if err != nil {
		deliver(nil, err)
		return
	}

	id, err := t.register(dst, deliver)
	if err != nil {
		deliver(nil, err)
		return
	}

	apdu := codec.EncodeConfirmedRequest(id, service, bacnet.MaxAPDULength, data)
	if err := t.sock.Send(dst, t.frame(route, true, apdu)); err != nil {
		t.complete(id, nil, fmt.Errorf("send request: %w", err))
	}
}

func (t *Transport) register(peer netip.AddrPort, deliver func(*codec.APDU, error)) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, bacnet.ErrConnectionClosed
	}

	for range 256 {
		id := t.nextID
		t.nextID++
		if _, busy := t.pending[id]; busy {
			continue
		}
		t.pending[id] = &pending{
			peer:    peer,
			deliver: deliver,
			timer:   time.AfterFunc(t.opts.ResponseTimeout, func() { t.complete(id, nil, bacnet.ErrTimeout) }),
		}
		return id, nil
	}
	return 0, ErrTooManyRequests
}

// complete settles the pending request id. Late or unknown responses are
// dropped.
func (t *Transport) complete(id uint8, apdu *codec.APDU, err error) {
	t.mu.Lock()
	p, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()

	if !ok {
		return
	}
	p.timer.Stop()
	p.deliver(apdu, err)
}

// receiver reads datagrams until the socket is closed
func (t *Transport) receiver() {
	defer close(t.receiverDone)

	for {
		data, from, err := t.sock.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			t.logger.Debug("receive error", slog.String("error", err.Error()))
			continue
		}
		t.handleDatagram(data, from)
	}
}

func (t *Transport) handleDatagram(data []byte, from netip.AddrPort) {
	f, err := codec.DecodeFrame(data)
	if err != nil {
		if !errors.Is(err, codec.ErrNetworkLayer) {
			t.logger.Debug("dropping datagram",
				slog.String("from", from.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	source := from
	if f.Origin.IsValid() {
		source = f.Origin
	}

	apdu := &f.APDU
	switch apdu.Type {
	case codec.PDUTypeUnconfirmedRequest:
		if codec.UnconfirmedService(apdu.Service) == codec.ServiceIAm {
			t.handleIAm(f, source)
		}

	case codec.PDUTypeSimpleAck, codec.PDUTypeComplexAck:
		t.respond(apdu, source, nil)

	case codec.PDUTypeError:
		bacErr, err := codec.DecodeError(apdu.Data)
		if err != nil {
			t.respond(apdu, source, fmt.Errorf("%w: %v", bacnet.ErrInvalidResponse, err))
			return
		}
		t.respond(apdu, source, bacErr)

	case codec.PDUTypeReject:
		t.respond(apdu, source, &bacnet.RejectError{
			InvokeID: apdu.InvokeID,
			Reason:   bacnet.RejectReason(apdu.Service),
		})

	case codec.PDUTypeAbort:
		t.respond(apdu, source, &bacnet.AbortError{
			InvokeID: apdu.InvokeID,
			Server:   apdu.Server,
			Reason:   bacnet.AbortReason(apdu.Service),
		})
	}
}

// respond completes the request matching the APDU's invoke ID when the
// response comes from the peer the request was sent to.
func (t *Transport) respond(apdu *codec.APDU, source netip.AddrPort, err error) {
	t.mu.Lock()
	p, ok := t.pending[apdu.InvokeID]
	t.mu.Unlock()

	if !ok || p.peer != source {
		t.logger.Debug("unsolicited response",
			slog.Uint64("invoke_id", uint64(apdu.InvokeID)),
			slog.String("from", source.String()),
		)
		return
	}
	if err != nil {
		t.complete(apdu.InvokeID, nil, err)
		return
	}
	t.complete(apdu.InvokeID, apdu, nil)
}

func (t *Transport) handleIAm(f *codec.Frame, source netip.AddrPort) {
	iam, err := codec.DecodeIAm(f.APDU.Data)
	if err != nil {
		t.logger.Debug("invalid I-Am", slog.String("error", err.Error()))
		return
	}

	t.Publish(bacnet.Announcement{
		DeviceID: iam.Device.Instance,
		Source: &bacnet.Address{
			Host: source.Addr().String(),
			Port: int(source.Port()),
			Net:  f.SrcNet,
			MAC:  f.SrcAddr,
		},
		MaxAPDULength: iam.MaxAPDULength,
		Segmentation:  iam.Segmentation,
		VendorID:      iam.VendorID,
	})
}

// Close stops the receiver and fails every outstanding request with
// bacnet.ErrConnectionClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	outstanding := t.pending
	t.pending = make(map[uint8]*pending)
	t.mu.Unlock()

	err := t.sock.Close()
	<-t.receiverDone

	for _, p := range outstanding {
		p.timer.Stop()
		p.deliver(nil, bacnet.ErrConnectionClosed)
	}
	return err
}
