package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryUpsertReplaces(t *testing.T) {
	r := NewDeviceRegistry()

	assert.True(t, r.Upsert(Device{DeviceID: 1, Address: "a"}))
	assert.False(t, r.Upsert(Device{DeviceID: 1, Address: "b"}))
	assert.Equal(t, 1, r.Len())

	d, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, "b", d.Address)

	_, ok = r.Get(2)
	assert.False(t, ok)
}

func TestRegistryAllIsRestartable(t *testing.T) {
	r := NewDeviceRegistry()
	for _, id := range []uint32{30, 10, 20} {
		r.Upsert(Device{DeviceID: id})
	}

	collect := func() []uint32 {
		var ids []uint32
		for d := range r.All() {
			ids = append(ids, d.DeviceID)
		}
		return ids
	}

	seq := r.All()
	assert.Equal(t, []uint32{10, 20, 30}, collect())

	// a sequence taken earlier sees the registry as of each new range
	r.Upsert(Device{DeviceID: 5})
	var ids []uint32
	for d := range seq {
		ids = append(ids, d.DeviceID)
		r.Upsert(Device{DeviceID: 99})
	}
	assert.Equal(t, []uint32{5, 10, 20, 30}, ids)

	for d := range r.All() {
		if d.DeviceID == 10 {
			break
		}
	}

	r.Clear()
	assert.Zero(t, r.Len())
	assert.Empty(t, collect())
}

func TestDeviceFromAnnouncement(t *testing.T) {
	d := deviceFromAnnouncement(Announcement{
		DeviceID: 4,
		Source:   &Address{Host: "10.1.1.4", Port: 47810},
		VendorID: 9,
	})
	assert.Equal(t, Device{DeviceID: 4, Address: "10.1.1.4:47810", VendorID: 9}, d)

	d = deviceFromAnnouncement(Announcement{DeviceID: 4, Address: "flat", Source: &Address{Host: "x"}})
	assert.Equal(t, "flat", d.Address)
}
