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
	"fmt"
	"log/slog"
	"time"
)

// Protocol defaults
const (
	DefaultClientPort         = 47809
	DefaultBroadcastAddress   = "255.255.255.255"
	DefaultResponseTimeout    = 3 * time.Second
	DefaultDiscoveryInterval  = 400 * time.Millisecond
	DefaultMinLatency         = 300 * time.Millisecond
	DefaultMaxLatency         = 1200 * time.Millisecond
	DefaultSuccessProbability = 0.5
)

// TransportOptions is the connection configuration handed to a
// TransportFactory. A real stack uses the network fields, a simulated
// one the discovery and latency fields.
type TransportOptions struct {
	// Port is the local UDP port to bind (default 47809, BAC1).
	Port int `mapstructure:"port" yaml:"port"`

	// Interface is the local address to listen on; empty binds all.
	Interface string `mapstructure:"interface" yaml:"interface"`

	// BroadcastAddress is the subnet broadcast target for Who-Is.
	BroadcastAddress string `mapstructure:"broadcast_address" yaml:"broadcast_address"`

	// ResponseTimeout bounds every confirmed request.
	ResponseTimeout time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`

	DiscoveryInterval  time.Duration `mapstructure:"discovery_interval" yaml:"discovery_interval"`
	MinLatency         time.Duration `mapstructure:"min_latency" yaml:"min_latency"`
	MaxLatency         time.Duration `mapstructure:"max_latency" yaml:"max_latency"`
	SuccessProbability float64       `mapstructure:"success_probability" yaml:"success_probability"`
}

// DefaultTransportOptions returns the documented protocol defaults
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		Port:               DefaultClientPort,
		BroadcastAddress:   DefaultBroadcastAddress,
		ResponseTimeout:    DefaultResponseTimeout,
		DiscoveryInterval:  DefaultDiscoveryInterval,
		MinLatency:         DefaultMinLatency,
		MaxLatency:         DefaultMaxLatency,
		SuccessProbability: DefaultSuccessProbability,
	}
}

// Validate checks the options for consistency
func (o TransportOptions) Validate() error {
	switch {
	case o.Port < 0 || o.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, o.Port)
	case o.ResponseTimeout <= 0:
		return fmt.Errorf("%w: response timeout must be positive", ErrInvalidConfig)
	case o.DiscoveryInterval <= 0:
		return fmt.Errorf("%w: discovery interval must be positive", ErrInvalidConfig)
	case o.MinLatency < 0 || o.MaxLatency < o.MinLatency:
		return fmt.Errorf("%w: latency range [%s, %s] is invalid", ErrInvalidConfig, o.MinLatency, o.MaxLatency)
	case o.SuccessProbability < 0 || o.SuccessProbability > 1:
		return fmt.Errorf("%w: success probability %v outside [0, 1]", ErrInvalidConfig, o.SuccessProbability)
	}
	return nil
}

// TransportOption overrides a single transport setting
type TransportOption func(*TransportOptions)

// WithPort sets the local UDP port
func WithPort(port int) TransportOption {
	return func(o *TransportOptions) {
		o.Port = port
	}
}

// WithInterface sets the local interface address to listen on
func WithInterface(addr string) TransportOption {
	return func(o *TransportOptions) {
		o.Interface = addr
	}
}

// WithBroadcastAddress sets the Who-Is broadcast address
func WithBroadcastAddress(addr string) TransportOption {
	return func(o *TransportOptions) {
		o.BroadcastAddress = addr
	}
}

// WithResponseTimeout sets the confirmed request timeout
func WithResponseTimeout(d time.Duration) TransportOption {
	return func(o *TransportOptions) {
		o.ResponseTimeout = d
	}
}

// WithDiscoveryInterval sets the simulated announcement interval
func WithDiscoveryInterval(d time.Duration) TransportOption {
	return func(o *TransportOptions) {
		o.DiscoveryInterval = d
	}
}

// WithLatency sets the simulated response latency range
func WithLatency(minLatency, maxLatency time.Duration) TransportOption {
	return func(o *TransportOptions) {
		o.MinLatency = minLatency
		o.MaxLatency = maxLatency
	}
}

// WithSuccessProbability sets the simulated probability of a successful outcome
func WithSuccessProbability(p float64) TransportOption {
	return func(o *TransportOptions) {
		o.SuccessProbability = p
	}
}

// clientOptions holds configuration for the BACnet client
type clientOptions struct {
	transport TransportOptions
	logger    *slog.Logger
	metrics   *Metrics
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		transport: DefaultTransportOptions(),
		logger:    slog.Default(),
	}
}

// Option is a functional option for configuring the client
type Option func(*clientOptions)

// WithTransportConfig replaces the transport defaults wholesale
func WithTransportConfig(cfg TransportOptions) Option {
	return func(o *clientOptions) {
		o.transport = cfg
	}
}

// WithTransport applies individual overrides to the transport defaults
func WithTransport(opts ...TransportOption) Option {
	return func(o *clientOptions) {
		for _, opt := range opts {
			opt(&o.transport)
		}
	}
}

// WithLogger sets the logger for the client
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithMetrics makes the client record into m instead of a private set
func WithMetrics(m *Metrics) Option {
	return func(o *clientOptions) {
		o.metrics = m
	}
}

// DiscoverOption is a functional option for discovery
type DiscoverOption func(*WhoIsRequest)

// WithDeviceRange limits discovery to device instances in [low, high]
func WithDeviceRange(low, high uint32) DiscoverOption {
	return func(r *WhoIsRequest) {
		r.LowLimit = &low
		r.HighLimit = &high
	}
}

// WithDeviceAddress directs the Who-Is at a single address instead of broadcasting
func WithDeviceAddress(addr string) DiscoverOption {
	return func(r *WhoIsRequest) {
		r.Address = addr
	}
}

// Uint32 returns a pointer to v, for optional request fields
func Uint32(v uint32) *uint32 {
	return &v
}

// Priority returns a pointer to p, for WritePropertyRequest.Priority
func Priority(p uint8) *uint8 {
	return &p
}
