package bacnet

import (
	"iter"
	"maps"
	"slices"
	"sync"
)

// Device is a discovered BACnet device. Entries are never mutated in
// place; a re-announcement replaces the whole record.
type Device struct {
	DeviceID      uint32       `json:"device_id"`
	Address       string       `json:"address"`
	MaxAPDULength uint16       `json:"max_apdu"`
	Segmentation  Segmentation `json:"segmentation"`
	VendorID      uint16       `json:"vendor_id"`
}

// deviceFromAnnouncement normalizes an I-Am into a Device, flattening a
// structured source address when no flat address is given.
func deviceFromAnnouncement(a Announcement) Device {
	addr := a.Address
	if addr == "" && a.Source != nil {
		addr = a.Source.String()
	}
	return Device{
		DeviceID:      a.DeviceID,
		Address:       addr,
		MaxAPDULength: a.MaxAPDULength,
		Segmentation:  a.Segmentation,
		VendorID:      a.VendorID,
	}
}

// DeviceRegistry stores discovered devices keyed by device instance.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[uint32]Device
}

// NewDeviceRegistry creates an empty registry
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{devices: make(map[uint32]Device)}
}

// Upsert stores d, replacing any entry with the same DeviceID. It
// reports whether the device was not known before.
func (r *DeviceRegistry) Upsert(d Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.devices[d.DeviceID]
	r.devices[d.DeviceID] = d
	return !exists
}

// Get returns the device with the given id
func (r *DeviceRegistry) Get(id uint32) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Len returns the number of known devices
func (r *DeviceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// All returns a sequence over the registry ordered by device id. Each
// iteration works on a fresh snapshot, so the sequence can be ranged
// over repeatedly and is unaffected by concurrent upserts.
func (r *DeviceRegistry) All() iter.Seq[Device] {
	return func(yield func(Device) bool) {
		r.mu.RLock()
		snapshot := maps.Clone(r.devices)
		r.mu.RUnlock()

		for _, id := range slices.Sorted(maps.Keys(snapshot)) {
			if !yield(snapshot[id]) {
				return
			}
		}
	}
}

// Clear drops every entry
func (r *DeviceRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.devices)
}
