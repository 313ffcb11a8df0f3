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

// Package sim provides a simulated bacnet.Transport. Devices from a
// fixed catalog announce themselves on a timer after a Who-Is, and
// property reads and writes complete after a random latency with a
// random outcome. The random source and the clock are injectable so
// tests can drive it deterministically.
package sim

import (
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/edgeo-scada/bacnet/bacnet"
)

// ReadFunc fabricates the values of a successful read
type ReadFunc func(req bacnet.ReadPropertyRequest) ([]bacnet.TaggedValue, error)

// WriteFunc fabricates the acknowledgement of a successful write
type WriteFunc func(req bacnet.WritePropertyRequest, values []bacnet.TaggedValue) (*bacnet.WriteAck, error)

// Option configures a Transport
type Option func(*Transport)

// WithCatalog replaces the default device catalog
func WithCatalog(devices []bacnet.Device) Option {
	return func(t *Transport) {
		t.catalog = slices.Clone(devices)
	}
}

// WithRand sets the random source for latencies and outcomes
func WithRand(rng *rand.Rand) Option {
	return func(t *Transport) {
		t.rng = rng
	}
}

// WithSeed seeds a private random source
func WithSeed(seed int64) Option {
	return func(t *Transport) {
		t.rng = rand.New(rand.NewSource(seed))
	}
}

// WithClock sets the clock driving discovery ticks and response delays
func WithClock(c clock.Clock) Option {
	return func(t *Transport) {
		t.clock = c
	}
}

// WithReadFunc overrides the values returned by successful reads
func WithReadFunc(fn ReadFunc) Option {
	return func(t *Transport) {
		t.read = fn
	}
}

// WithWriteFunc overrides the acknowledgement of successful writes
func WithWriteFunc(fn WriteFunc) Option {
	return func(t *Transport) {
		t.write = fn
	}
}

// WithLogger sets the logger for the transport
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// Factory returns a bacnet.TransportFactory building simulated transports
func Factory(opts ...Option) bacnet.TransportFactory {
	return bacnet.TransportFactoryFunc(func(o bacnet.TransportOptions) (bacnet.Transport, error) {
		return New(o, opts...)
	})
}

// Transport is a simulated BACnet network
type Transport struct {
	bacnet.AnnouncementHub

	opts    bacnet.TransportOptions
	catalog []bacnet.Device
	clock   clock.Clock
	logger  *slog.Logger
	read    ReadFunc
	write   WriteFunc

	mu          sync.Mutex
	rng         *rand.Rand
	discoveries int
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup
}

var (
	_ bacnet.Transport    = (*Transport)(nil)
	_ bacnet.NameResolver = (*Transport)(nil)
)

// New creates a simulated transport
func New(o bacnet.TransportOptions, opts ...Option) (*Transport, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	t := &Transport{
		opts:    o,
		catalog: DefaultCatalog(),
		clock:   clock.New(),
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.rng == nil {
		t.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if t.read == nil {
		t.read = t.defaultRead
	}
	if t.write == nil {
		t.write = defaultWrite
	}
	return t, nil
}

// ObjectTypeName implements bacnet.NameResolver
func (t *Transport) ObjectTypeName(ot bacnet.ObjectType) string {
	return ot.String()
}

// PropertyName implements bacnet.NameResolver
func (t *Transport) PropertyName(p bacnet.PropertyIdentifier) string {
	return p.String()
}

// WhoIs starts announcing every catalog device matching req, one per
// discovery interval. The ticker stops once the matching devices are
// exhausted or the transport is closed.
func (t *Transport) WhoIs(req bacnet.WhoIsRequest) error {
	var queue []bacnet.Device
	for _, d := range t.catalog {
		if !req.Matches(d.DeviceID) {
			continue
		}
		if req.Address != "" && req.Address != d.Address {
			continue
		}
		queue = append(queue, d)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return bacnet.ErrConnectionClosed
	}
	if len(queue) == 0 {
		return nil
	}

	ticker := t.clock.Ticker(t.opts.DiscoveryInterval)
	t.discoveries++
	t.wg.Add(1)
	go t.announce(ticker, queue)

	t.logger.Debug("simulated who-is",
		slog.Int("devices", len(queue)),
		slog.Duration("interval", t.opts.DiscoveryInterval),
	)
	return nil
}

func (t *Transport) announce(ticker *clock.Ticker, queue []bacnet.Device) {
	defer t.wg.Done()
	defer func() {
		ticker.Stop()
		t.mu.Lock()
		t.discoveries--
		t.mu.Unlock()
	}()

	for len(queue) > 0 {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		d := queue[0]
		queue = queue[1:]

		t.Publish(bacnet.Announcement{
			DeviceID:      d.DeviceID,
			Address:       d.Address,
			MaxAPDULength: d.MaxAPDULength,
			Segmentation:  d.Segmentation,
			VendorID:      d.VendorID,
		})
	}
}

// Discovering returns the number of Who-Is requests still announcing
func (t *Transport) Discovering() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discoveries
}

// ReadProperty completes after a random latency, with values from the
// ReadFunc on success and a device error otherwise.
func (t *Transport) ReadProperty(req bacnet.ReadPropertyRequest, cb bacnet.ReadCallback) {
	t.schedule(func(ok bool) {
		if !ok {
			cb(nil, simulatedFailure())
			return
		}
		values, err := t.read(req)
		if err != nil {
			cb(nil, err)
			return
		}
		cb(&bacnet.ReadAck{
			ObjectID:   req.ObjectID(),
			PropertyID: req.PropertyID,
			ArrayIndex: req.ArrayIndex,
			Values:     values,
		}, nil)
	}, func() { cb(nil, bacnet.ErrConnectionClosed) })
}

// WriteProperty completes after a random latency, with the WriteFunc
// acknowledgement on success and a device error otherwise.
func (t *Transport) WriteProperty(req bacnet.WritePropertyRequest, values []bacnet.TaggedValue, cb bacnet.WriteCallback) {
	t.schedule(func(ok bool) {
		if !ok {
			cb(nil, simulatedFailure())
			return
		}
		cb(t.write(req, values))
	}, func() { cb(nil, bacnet.ErrConnectionClosed) })
}

// schedule draws a latency and an outcome and runs fn once after the
// delay. Requests made after Close fail immediately through closed.
func (t *Transport) schedule(fn func(ok bool), closed func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		closed()
		return
	}
	delay := t.opts.MinLatency
	if span := int64(t.opts.MaxLatency - t.opts.MinLatency); span > 0 {
		delay += time.Duration(t.rng.Int63n(span + 1))
	}
	ok := t.rng.Float64() < t.opts.SuccessProbability
	t.mu.Unlock()

	t.clock.AfterFunc(delay, func() { fn(ok) })
}

func simulatedFailure() error {
	return bacnet.NewBACnetError(bacnet.ErrorClassDevice, bacnet.ErrorCodeDeviceBusy)
}

// Close stops all discovery. Reads and writes already scheduled still
// complete.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
