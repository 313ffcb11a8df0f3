package bacnet

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Transport is the boundary a concrete BACnet stack has to satisfy for
// the Client to drive it. Implementations own framing, sockets and
// response timeouts; the Client owns state, discovery bookkeeping and
// result adaptation.
//
// ReadProperty and WriteProperty must invoke their callback exactly
// once, from any goroutine, and must not block the caller while the
// remote operation is in flight.
type Transport interface {
	// WhoIs issues a discovery broadcast. Announcements arrive later
	// through SubscribeIAm handlers.
	WhoIs(req WhoIsRequest) error

	ReadProperty(req ReadPropertyRequest, cb ReadCallback)
	WriteProperty(req WritePropertyRequest, values []TaggedValue, cb WriteCallback)

	// SubscribeIAm registers handler for every I-Am announcement until
	// the returned Subscription is released.
	SubscribeIAm(handler func(Announcement)) Subscription

	Close() error
}

// ReadCallback receives the single outcome of a ReadProperty call.
type ReadCallback func(ack *ReadAck, err error)

// WriteCallback receives the single outcome of a WriteProperty call.
type WriteCallback func(ack *WriteAck, err error)

// Subscription is a handle on a registered announcement handler.
type Subscription interface {
	Unsubscribe()
}

// NameResolver is an optional Transport capability used to render
// object types and properties as human-readable names.
type NameResolver interface {
	ObjectTypeName(t ObjectType) string
	PropertyName(p PropertyIdentifier) string
}

// TransportFactory builds a Transport from connection options. Build is
// synchronous and reports invalid configuration or resource exhaustion
// as an error.
type TransportFactory interface {
	Build(opts TransportOptions) (Transport, error)
}

// TransportFactoryFunc adapts a function to TransportFactory.
type TransportFactoryFunc func(opts TransportOptions) (Transport, error)

// Build calls f(opts).
func (f TransportFactoryFunc) Build(opts TransportOptions) (Transport, error) {
	return f(opts)
}

// WhoIsRequest holds the optional filters of a discovery broadcast.
// Nil limits and an empty address mean no filter.
type WhoIsRequest struct {
	Address   string
	LowLimit  *uint32
	HighLimit *uint32
}

// Matches reports whether deviceID falls inside the requested range.
func (r WhoIsRequest) Matches(deviceID uint32) bool {
	if r.LowLimit != nil && deviceID < *r.LowLimit {
		return false
	}
	if r.HighLimit != nil && deviceID > *r.HighLimit {
		return false
	}
	return true
}

// ReadPropertyRequest addresses a single property of a remote object.
type ReadPropertyRequest struct {
	Address        string
	ObjectType     ObjectType
	ObjectInstance uint32
	PropertyID     PropertyIdentifier
	ArrayIndex     *uint32
}

// ObjectID returns the addressed object identifier.
func (r ReadPropertyRequest) ObjectID() ObjectIdentifier {
	return NewObjectIdentifier(r.ObjectType, r.ObjectInstance)
}

// WritePropertyRequest addresses a single property write. Either
// ValueList is set, or Tag and Value describe a single value.
type WritePropertyRequest struct {
	Address        string
	ObjectType     ObjectType
	ObjectInstance uint32
	PropertyID     PropertyIdentifier
	ArrayIndex     *uint32
	Priority       *uint8

	Tag       ApplicationTag
	Value     any
	ValueList []TaggedValue
}

// ObjectID returns the addressed object identifier.
func (r WritePropertyRequest) ObjectID() ObjectIdentifier {
	return NewObjectIdentifier(r.ObjectType, r.ObjectInstance)
}

// TaggedValue is one application-tagged element of a value list.
type TaggedValue struct {
	Tag   ApplicationTag `json:"Tag" yaml:"tag"`
	Value any            `json:"Value" yaml:"value"`
}

func (v TaggedValue) String() string {
	return fmt.Sprintf("%s(%v)", v.Tag, v.Value)
}

// ReadAck is the raw result a transport returns for a property read.
type ReadAck struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Values     []TaggedValue
}

// WriteAck is the acknowledgement a transport returns for a property
// write. The Client hands it to the caller unchanged.
type WriteAck struct {
	Address    string
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
}

// Address is the structured source of an announcement.
type Address struct {
	Host string
	Port int
	Net  uint16
	MAC  []byte
}

// String flattens the address into the form accepted by
// ReadPropertyRequest.Address: "host" on the default port, "host:port"
// otherwise, prefixed with "net:mac@" for routed devices.
func (a Address) String() string {
	host := a.Host
	if a.Port != 0 && a.Port != DefaultPort {
		host = net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	}
	if a.Net != 0 {
		return fmt.Sprintf("%d:%x@%s", a.Net, a.MAC, host)
	}
	return host
}

// Announcement is the payload of an I-Am. Transports fill either the
// flat Address or the structured Source.
type Announcement struct {
	DeviceID      uint32
	Address       string
	Source        *Address
	MaxAPDULength uint16
	Segmentation  Segmentation
	VendorID      uint16
}

// AnnouncementHub is a handler set transports can embed to implement
// SubscribeIAm.
type AnnouncementHub struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(Announcement)
}

// SubscribeIAm registers handler and returns its release handle.
func (h *AnnouncementHub) SubscribeIAm(handler func(Announcement)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[uint64]func(Announcement))
	}
	h.nextID++
	id := h.nextID
	h.handlers[id] = handler
	return &hubSubscription{hub: h, id: id}
}

// Publish delivers a to every registered handler.
func (h *AnnouncementHub) Publish(a Announcement) {
	h.mu.RLock()
	handlers := make([]func(Announcement), 0, len(h.handlers))
	for _, fn := range h.handlers {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(a)
	}
}

// Subscribers returns the number of registered handlers.
func (h *AnnouncementHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

type hubSubscription struct {
	hub  *AnnouncementHub
	id   uint64
	once sync.Once
}

func (s *hubSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.handlers, s.id)
		s.hub.mu.Unlock()
	})
}
