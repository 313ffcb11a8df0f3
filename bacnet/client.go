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

package bacnet

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ConnectionState represents the client connection state
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// PropertyValue is the normalized result of a property read.
type PropertyValue struct {
	// Object is the "type/instance" reference of the object, with the
	// numeric object type.
	Object         string             `json:"object"`
	ObjectType     ObjectType         `json:"object_type"`
	ObjectInstance uint32             `json:"object_instance"`
	ObjectTypeName string             `json:"object_type_name"`
	PropertyID     PropertyIdentifier `json:"property_id"`
	PropertyName   string             `json:"property_name"`
	ArrayIndex     *uint32            `json:"array_index,omitempty"`
	Value          TaggedValue        `json:"value"`

	// Values holds every element the transport returned; Value is the first.
	Values []TaggedValue `json:"values,omitempty"`
}

// Client is a BACnet client facade over a pluggable Transport.
//
// Connect and Reset may be called from any goroutine, and any number of
// reads, writes and discoveries may be in flight at once.
type Client struct {
	factory TransportFactory
	opts    *clientOptions
	logger  *slog.Logger
	metrics *Metrics

	state atomic.Int32

	// connecting holds a token while a Connect is building a transport.
	connecting chan struct{}

	mu        sync.RWMutex
	transport Transport
	names     NameResolver
	sub       Subscription
	registry  *DeviceRegistry
}

// NewClient creates a client that builds its transport with factory on
// Connect.
func NewClient(factory TransportFactory, opts ...Option) (*Client, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: nil transport factory", ErrInvalidConfig)
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if err := options.transport.Validate(); err != nil {
		return nil, err
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.metrics == nil {
		options.metrics = NewMetrics()
	}

	return &Client{
		factory:    factory,
		opts:       options,
		logger:     options.logger,
		metrics:    options.metrics,
		connecting: make(chan struct{}, 1),
		registry:   NewDeviceRegistry(),
	}, nil
}

// Connect builds the transport and subscribes to device announcements.
// Overrides are applied on top of the configured transport options for
// this connection only. Connect on a connected client is a no-op.
//
// Concurrent calls are serialized: a Connect that arrives while another
// one is building waits for it (or for ctx) and then returns nil if the
// client ended up connected, or builds again if it did not. A Reset
// during the build wins; the new transport is closed and Connect returns
// ErrConnectionClosed.
func (c *Client) Connect(ctx context.Context, overrides ...TransportOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.connecting <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.connecting }()

	if c.State() == StateConnected {
		return nil
	}
	c.state.Store(int32(StateConnecting))
	c.metrics.ConnectAttempts.Inc()

	cfg := c.opts.transport
	for _, opt := range overrides {
		opt(&cfg)
	}

	t, err := c.build(cfg)
	if err != nil {
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		c.metrics.ConnectFailures.Inc()
		c.logger.Warn("connect failed", slog.String("error", err.Error()))
		return &BuildError{Err: err}
	}

	registry := NewDeviceRegistry()
	sub := t.SubscribeIAm(c.onAnnouncement(registry))
	names, _ := t.(NameResolver)

	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		c.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		if err := t.Close(); err != nil {
			c.logger.Warn("close abandoned transport", slog.String("error", err.Error()))
		}
		c.metrics.ConnectFailures.Inc()
		c.logger.Warn("connect abandoned: client was reset")
		return fmt.Errorf("%w: reset during connect", ErrConnectionClosed)
	}
	c.transport = t
	c.names = names
	c.sub = sub
	c.registry = registry
	c.mu.Unlock()

	c.logger.Info("connected",
		slog.Int("port", cfg.Port),
		slog.String("broadcast", cfg.BroadcastAddress),
	)
	return nil
}

// build invokes the factory, turning a panic into an error.
func (c *Client) build(cfg TransportOptions) (t Transport, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			t, err = nil, fmt.Errorf("transport factory panicked: %v", r)
		}
	}()

	t, err = c.factory.Build(cfg)
	if err == nil && t == nil {
		err = errors.New("transport factory returned no transport")
	}
	return t, err
}

// Reset releases the announcement subscription, closes the transport and
// forgets every discovered device. The client can be connected again
// afterwards.
func (c *Client) Reset() error {
	c.mu.Lock()
	t, sub := c.transport, c.sub
	c.transport, c.names, c.sub = nil, nil, nil
	c.registry.Clear()
	c.registry = NewDeviceRegistry()
	c.state.Store(int32(StateDisconnected))
	c.mu.Unlock()

	if t == nil {
		return nil
	}

	c.metrics.Resets.Inc()
	if sub != nil {
		sub.Unsubscribe()
	}
	if err := t.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}

	c.logger.Info("disconnected")
	return nil
}

// Close is Reset, so a Client can be used as an io.Closer.
func (c *Client) Close() error {
	return c.Reset()
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Metrics returns the client metrics
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// session returns the live transport, or ErrNotConnected.
func (c *Client) session() (Transport, NameResolver, error) {
	if c.State() != StateConnected {
		return nil, nil, ErrNotConnected
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.transport == nil {
		return nil, nil, ErrNotConnected
	}
	return c.transport, c.names, nil
}

func (c *Client) currentRegistry() *DeviceRegistry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry
}

func (c *Client) onAnnouncement(registry *DeviceRegistry) func(Announcement) {
	return func(a Announcement) {
		c.metrics.IAmReceived.Inc()
		c.metrics.touch()

		d := deviceFromAnnouncement(a)
		if registry.Upsert(d) {
			c.metrics.DevicesDiscovered.Inc()
			c.logger.Debug("device discovered",
				slog.Uint64("device_id", uint64(d.DeviceID)),
				slog.String("address", d.Address),
				slog.Uint64("vendor_id", uint64(d.VendorID)),
			)
		}
	}
}

// WhoIs broadcasts a discovery request and returns as soon as it is sent.
// Announcements are folded into the device registry as they arrive; use
// Devices or Device to inspect the result.
func (c *Client) WhoIs(ctx context.Context, opts ...DiscoverOption) error {
	t, _, err := c.session()
	if err != nil {
		c.metrics.RequestsRejected.Inc()
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var req WhoIsRequest
	for _, opt := range opts {
		opt(&req)
	}
	if req.LowLimit != nil && req.HighLimit != nil && *req.LowLimit > *req.HighLimit {
		return fmt.Errorf("%w: device range %d-%d", ErrInvalidConfig, *req.LowLimit, *req.HighLimit)
	}

	if err := t.WhoIs(req); err != nil {
		return fmt.Errorf("who-is: %w", err)
	}
	c.metrics.WhoIsSent.Inc()

	c.logger.Debug("who-is sent", slog.String("address", req.Address))
	return nil
}

// Discover sends a Who-Is, waits for announcements during wait and
// returns the devices known at that point.
func (c *Client) Discover(ctx context.Context, wait time.Duration, opts ...DiscoverOption) ([]Device, error) {
	if err := c.WhoIs(ctx, opts...); err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	var req WhoIsRequest
	for _, opt := range opts {
		opt(&req)
	}
	var devices []Device
	for d := range c.Devices() {
		if req.Matches(d.DeviceID) {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// Devices returns the discovered devices ordered by device id. Every
// range over the sequence reads a fresh snapshot.
func (c *Client) Devices() iter.Seq[Device] {
	return func(yield func(Device) bool) {
		for d := range c.currentRegistry().All() {
			if !yield(d) {
				return
			}
		}
	}
}

// Device returns a discovered device by id
func (c *Client) Device(id uint32) (Device, bool) {
	return c.currentRegistry().Get(id)
}

// DeviceCount returns the number of discovered devices
func (c *Client) DeviceCount() int {
	return c.currentRegistry().Len()
}

// request tracks one transport call so that only its first outcome counts.
type request struct {
	c     *Client
	op    string
	start time.Time
	fired atomic.Bool
}

func (c *Client) begin(op string, sent *Counter) *request {
	sent.Inc()
	c.metrics.ActiveRequests.Inc()
	return &request{c: c, op: op, start: time.Now()}
}

// finish records the outcome. It returns false for a repeated callback,
// which is logged and otherwise ignored.
func (r *request) finish(err error) bool {
	m := r.c.metrics
	if !r.fired.CompareAndSwap(false, true) {
		m.DuplicateCallbacks.Inc()
		r.c.logger.Warn("transport invoked callback more than once",
			slog.String("op", r.op),
		)
		return false
	}

	m.ActiveRequests.Dec()
	m.RequestLatency.Record(time.Since(r.start))
	m.touch()

	if err != nil {
		m.RequestsFailed.Inc()
		if IsTimeout(err) {
			m.RequestsTimedOut.Inc()
		}
		r.c.logger.Debug(r.op+" failed", slog.String("error", err.Error()))
	}
	return true
}

// ReadPropertyAsync issues a property read and returns its pending result.
func (c *Client) ReadPropertyAsync(req ReadPropertyRequest) *Future[*PropertyValue] {
	t, names, err := c.session()
	if err != nil {
		c.metrics.RequestsRejected.Inc()
		return failedFuture[*PropertyValue](err)
	}

	f := newFuture[*PropertyValue]()
	r := c.begin("read-property", &c.metrics.ReadsSent)
	t.ReadProperty(req, func(ack *ReadAck, err error) {
		var pv *PropertyValue
		if err == nil {
			pv, err = normalize(req, ack, names)
		}
		if r.finish(err) {
			f.resolve(pv, err)
		}
	})
	return f
}

// ReadProperty reads a single property. Cancelling ctx stops the wait
// but not the transport call.
func (c *Client) ReadProperty(ctx context.Context, req ReadPropertyRequest) (*PropertyValue, error) {
	return c.ReadPropertyAsync(req).Wait(ctx)
}

func normalize(req ReadPropertyRequest, ack *ReadAck, names NameResolver) (*PropertyValue, error) {
	if ack == nil || len(ack.Values) == 0 {
		return nil, ErrEmptyValue
	}

	pv := &PropertyValue{
		Object:         fmt.Sprintf("%d/%d", uint16(req.ObjectType), req.ObjectInstance),
		ObjectType:     req.ObjectType,
		ObjectInstance: req.ObjectInstance,
		PropertyID:     req.PropertyID,
		ArrayIndex:     req.ArrayIndex,
		Value:          ack.Values[0],
		Values:         ack.Values,
	}
	if names != nil {
		pv.ObjectTypeName = names.ObjectTypeName(req.ObjectType)
		pv.PropertyName = names.PropertyName(req.PropertyID)
	} else {
		pv.ObjectTypeName = req.ObjectType.String()
		pv.PropertyName = req.PropertyID.String()
	}
	return pv, nil
}

// BuildValueList returns the value list sent for req: its ValueList when
// set, otherwise the single {Tag, Value} pair.
func BuildValueList(req WritePropertyRequest) []TaggedValue {
	if req.ValueList != nil {
		return req.ValueList
	}
	return []TaggedValue{{Tag: req.Tag, Value: req.Value}}
}

// WritePropertyAsync issues a property write and returns its pending
// acknowledgement.
func (c *Client) WritePropertyAsync(req WritePropertyRequest) *Future[*WriteAck] {
	t, _, err := c.session()
	if err != nil {
		c.metrics.RequestsRejected.Inc()
		return failedFuture[*WriteAck](err)
	}
	if req.Priority != nil && (*req.Priority < 1 || *req.Priority > 16) {
		c.metrics.RequestsRejected.Inc()
		return failedFuture[*WriteAck](ErrInvalidPriority)
	}

	f := newFuture[*WriteAck]()
	r := c.begin("write-property", &c.metrics.WritesSent)
	t.WriteProperty(req, BuildValueList(req), func(ack *WriteAck, err error) {
		if err != nil {
			ack = nil
		}
		if r.finish(err) {
			f.resolve(ack, err)
		}
	})
	return f
}

// WriteProperty writes a single property and returns the transport's
// acknowledgement unchanged.
func (c *Client) WriteProperty(ctx context.Context, req WritePropertyRequest) (*WriteAck, error) {
	return c.WritePropertyAsync(req).Wait(ctx)
}

// ReadProperties issues every read at once and returns the values in
// request order. The first failure fails the whole batch as a
// *BatchError; the outcomes of the other reads are discarded.
func (c *Client) ReadProperties(ctx context.Context, reqs []ReadPropertyRequest) ([]*PropertyValue, error) {
	if _, _, err := c.session(); err != nil {
		c.metrics.RequestsRejected.Inc()
		return nil, err
	}
	return gather(ctx, reqs, c.ReadPropertyAsync)
}

// WriteProperties is the write counterpart of ReadProperties.
func (c *Client) WriteProperties(ctx context.Context, reqs []WritePropertyRequest) ([]*WriteAck, error) {
	if _, _, err := c.session(); err != nil {
		c.metrics.RequestsRejected.Inc()
		return nil, err
	}
	return gather(ctx, reqs, c.WritePropertyAsync)
}

func gather[Req, Res any](ctx context.Context, reqs []Req, issue func(Req) *Future[Res]) ([]Res, error) {
	futures := make([]*Future[Res], len(reqs))
	for i, req := range reqs {
		futures[i] = issue(req)
	}

	results := make([]Res, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range futures {
		g.Go(func() error {
			v, err := f.Wait(gctx)
			if err != nil {
				if gctx.Err() != nil && errors.Is(err, gctx.Err()) {
					return err
				}
				return &BatchError{Index: i, Err: err}
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

const (
	// maxObjectListLength bounds the element count a device may report.
	maxObjectListLength = 1 << 16
	// objectListChunk is how many elements are requested at once, well
	// below the 256 invoke IDs a transport has per peer.
	objectListChunk = 64
)

// ObjectList reads the object-list of a device. Devices that cannot
// return the whole array at once are read element by element, a chunk
// at a time.
func (c *Client) ObjectList(ctx context.Context, address string, deviceID uint32) ([]ObjectIdentifier, error) {
	req := ReadPropertyRequest{
		Address:        address,
		ObjectType:     ObjectTypeDevice,
		ObjectInstance: deviceID,
		PropertyID:     PropertyObjectList,
	}

	pv, err := c.ReadProperty(ctx, req)
	if err == nil {
		if ids, ok := objectIdentifiers(pv.Values); ok {
			return ids, nil
		}
	} else if IsNotConnected(err) || ctx.Err() != nil {
		return nil, err
	}

	req.ArrayIndex = Uint32(0)
	pv, err = c.ReadProperty(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("read object-list length: %w", err)
	}
	n, ok := unsignedValue(pv.Value.Value)
	if !ok {
		return nil, fmt.Errorf("%w: object-list length is %T", ErrInvalidResponse, pv.Value.Value)
	}

	if n > maxObjectListLength {
		return nil, fmt.Errorf("%w: object-list length %d exceeds %d", ErrInvalidResponse, n, maxObjectListLength)
	}

	ids := make([]ObjectIdentifier, 0, n)
	for first := uint32(1); first <= n; first += objectListChunk {
		last := min(first+objectListChunk-1, n)
		reqs := make([]ReadPropertyRequest, 0, last-first+1)
		for i := first; i <= last; i++ {
			r := req
			r.ArrayIndex = Uint32(i)
			reqs = append(reqs, r)
		}

		values, err := c.ReadProperties(ctx, reqs)
		if err != nil {
			return nil, fmt.Errorf("read object-list[%d..%d]: %w", first, last, err)
		}
		for _, v := range values {
			if oid, ok := v.Value.Value.(ObjectIdentifier); ok {
				ids = append(ids, oid)
			}
		}
	}
	return ids, nil
}

func objectIdentifiers(values []TaggedValue) ([]ObjectIdentifier, bool) {
	if len(values) == 0 {
		return nil, false
	}
	ids := make([]ObjectIdentifier, 0, len(values))
	for _, v := range values {
		oid, ok := v.Value.(ObjectIdentifier)
		if !ok {
			return nil, false
		}
		ids = append(ids, oid)
	}
	return ids, true
}

func unsignedValue(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case uint64:
		return uint32(n), true
	case uint:
		return uint32(n), true
	case int:
		return uint32(n), n >= 0
	default:
		return 0, false
	}
}
