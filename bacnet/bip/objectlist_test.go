package bip

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/bacnet/bacnet"
)

func TestClientObjectListOverLargeDevice(t *testing.T) {
	const objects = 300
	dev := newObjectListDevice(t, 3003, objects)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := bacnet.NewClient(Factory(WithLogger(logger)),
		bacnet.WithLogger(logger),
		bacnet.WithTransport(
			bacnet.WithInterface("127.0.0.1"),
			bacnet.WithPort(0),
			bacnet.WithBroadcastAddress(dev.addr()),
			bacnet.WithResponseTimeout(2*time.Second),
		),
	)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })

	// more elements than there are invoke IDs
	ids, err := c.ObjectList(ctx, dev.addr(), 3003)
	require.NoError(t, err)
	require.Len(t, ids, objects)
	for i, id := range ids {
		assert.Equal(t, bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, uint32(i)), id)
	}
	assert.Zero(t, c.Metrics().RequestsTimedOut.Value())
}
